package fanout

import (
	"fmt"

	"github.com/smnsjas/go-psfanout/session"
)

// OutcomeKind tags the variant carried by an Outcome.
type OutcomeKind int

const (
	// OutcomeSession carries an opened session handle.
	OutcomeSession OutcomeKind = iota
	// OutcomeError carries a per-target error.
	OutcomeError
	// OutcomeDiagnostic carries a warning or verbose message.
	OutcomeDiagnostic
)

// String returns a string representation of the kind.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSession:
		return "Session"
	case OutcomeError:
		return "Error"
	case OutcomeDiagnostic:
		return "Diagnostic"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// ErrorCategory classifies an error outcome.
type ErrorCategory int

const (
	// ErrorUnknown is an open failure the backend could not classify.
	ErrorUnknown ErrorCategory = iota
	// ErrorValidation is a malformed, ambiguous or unsupported request.
	ErrorValidation
	// ErrorTransport is a connection-level open failure.
	ErrorTransport
	// ErrorProtocol is a remoting protocol failure.
	ErrorProtocol
)

// String returns a string representation of the category.
func (c ErrorCategory) String() string {
	switch c {
	case ErrorUnknown:
		return "Unknown"
	case ErrorValidation:
		return "Validation"
	case ErrorTransport:
		return "Transport"
	case ErrorProtocol:
		return "Protocol"
	default:
		return fmt.Sprintf("Unknown(%d)", c)
	}
}

func categoryOf(f *session.Failure) ErrorCategory {
	switch f.Category {
	case session.CategoryTransport:
		return ErrorTransport
	case session.CategoryProtocol:
		return ErrorProtocol
	default:
		return ErrorUnknown
	}
}

// Level is the severity of a diagnostic.
type Level int

const (
	// LevelWarning is shown to users by default.
	LevelWarning Level = iota
	// LevelVerbose is shown only when verbose output is requested.
	LevelVerbose
)

// String returns a string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "WARNING"
	case LevelVerbose:
		return "VERBOSE"
	default:
		return fmt.Sprintf("Unknown(%d)", l)
	}
}

// ErrorRecord describes why a target produced no session.
type ErrorRecord struct {
	Category ErrorCategory
	Err      error
}

// Diagnostic is a non-fatal message about a target.
type Diagnostic struct {
	Level   Level
	Message string
}

// Outcome is one item delivered through the result stream.
// Exactly one of Handle, Error and Diagnostic is set, according to Kind.
type Outcome struct {
	Kind OutcomeKind
	// Index is the position of the originating request across all submitted batches.
	Index int
	// Target is the target identity as requested (or as resolved, once built).
	Target string

	Handle     *session.Handle
	Error      *ErrorRecord
	Diagnostic *Diagnostic
}

// String formats the outcome for logs.
func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeSession:
		return fmt.Sprintf("[%s] opened %s (id %d)", o.Target, o.Handle.Name, o.Handle.ID)
	case OutcomeError:
		return fmt.Sprintf("[%s] %s error: %v", o.Target, o.Error.Category, o.Error.Err)
	case OutcomeDiagnostic:
		return fmt.Sprintf("[%s] %s: %s", o.Target, o.Diagnostic.Level, o.Diagnostic.Message)
	default:
		return fmt.Sprintf("[%s] %s", o.Target, o.Kind)
	}
}

func sessionOutcome(index int, target string, h *session.Handle) Outcome {
	return Outcome{Kind: OutcomeSession, Index: index, Target: target, Handle: h}
}

func errorOutcome(index int, target string, category ErrorCategory, err error) Outcome {
	return Outcome{
		Kind:   OutcomeError,
		Index:  index,
		Target: target,
		Error:  &ErrorRecord{Category: category, Err: err},
	}
}

func diagnosticOutcome(index int, target string, level Level, format string, args ...any) Outcome {
	return Outcome{
		Kind:       OutcomeDiagnostic,
		Index:      index,
		Target:     target,
		Diagnostic: &Diagnostic{Level: level, Message: fmt.Sprintf(format, args...)},
	}
}
