// Package session defines the underlying remote session contract consumed by
// the orchestrator, the session handle handed to callers, and the repository
// opened sessions are registered in.
//
// # State Machine
//
// A Session reports its lifecycle through events:
//
//	BeforeOpen → Opening → Opened → Closing → Closed
//	             ↓           ↓         ↓
//	             └─────→ Broken ←──────┘
//
// BeforeOpen, Opening and Closing are intermediate. Opened, Closed and Broken
// are terminal: a session leaves them only when asked to (CloseAsync).
//
// # Failures
//
// A Broken (or abnormally Closed) transition carries a Failure whose Category
// is decided by the backend, so consumers never inspect concrete error types.
package session

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/smnsjas/go-psfanout/connection"
)

var (
	// ErrInvalidState is returned when an operation is attempted in an invalid state.
	ErrInvalidState = errors.New("invalid session state")
	// ErrUnknownFailure is the reason synthesized when a session breaks without one.
	ErrUnknownFailure = errors.New("the session broke for an unknown reason")
	// ErrNotFound is returned by repository lookups that match nothing.
	ErrNotFound = errors.New("session not found")
)

// State represents the current state of a Session.
type State int

const (
	// StateBeforeOpen is the initial state.
	StateBeforeOpen State = iota
	// StateOpening indicates the connection is being established.
	StateOpening
	// StateOpened indicates the session is ready for use.
	StateOpened
	// StateClosing indicates a close is in progress.
	StateClosing
	// StateClosed indicates the session is closed.
	StateClosed
	// StateBroken indicates the session failed.
	StateBroken
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateBeforeOpen:
		return "BeforeOpen"
	case StateOpening:
		return "Opening"
	case StateOpened:
		return "Opened"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	case StateBroken:
		return "Broken"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// IsTerminal reports whether no spontaneous transition follows s.
func (s State) IsTerminal() bool {
	return s == StateOpened || s == StateClosed || s == StateBroken
}

// Category classifies why a session failed.
type Category int

const (
	// CategoryUnknown is used when the backend cannot tell.
	CategoryUnknown Category = iota
	// CategoryTransport covers connection-level failures (refused, reset, process exit, timeout).
	CategoryTransport
	// CategoryProtocol covers failures reported by, or violations of, the remoting protocol.
	CategoryProtocol
)

// String returns a string representation of the category.
func (c Category) String() string {
	switch c {
	case CategoryUnknown:
		return "Unknown"
	case CategoryTransport:
		return "Transport"
	case CategoryProtocol:
		return "Protocol"
	default:
		return fmt.Sprintf("Unknown(%d)", c)
	}
}

// Failure is the tagged reason attached to a Broken or abnormal Closed transition.
type Failure struct {
	Category Category
	Reason   error
}

// Error implements error. A nil Reason yields the unknown-failure message.
func (f *Failure) Error() string {
	if f.Reason == nil {
		return ErrUnknownFailure.Error()
	}
	return f.Reason.Error()
}

// Unwrap returns the underlying reason.
func (f *Failure) Unwrap() error {
	if f.Reason == nil {
		return ErrUnknownFailure
	}
	return f.Reason
}

// EventKind distinguishes session notifications.
type EventKind int

const (
	// EventStateChanged reports a state transition.
	EventStateChanged EventKind = iota
	// EventRedirected reports a transport-level redirect the session did not follow.
	EventRedirected
)

// Event is a notification from a Session.
type Event struct {
	Kind  EventKind
	State State
	// Failure is set on Broken, and on Closed when the close was abnormal.
	Failure *Failure
	// Location is the redirect target for EventRedirected.
	Location string
}

// Session is a not-yet-opened remote session produced by a Factory.
//
// OpenAsync and CloseAsync return immediately; progress is reported through
// the handler installed with SetEventHandler, which must be set before
// OpenAsync. Handlers may be called from any goroutine but never concurrently
// for the same session.
type Session interface {
	// ID returns the session's instance id.
	ID() uuid.UUID
	// Descriptor returns the descriptor the session was created from.
	Descriptor() connection.Descriptor
	// SetEventHandler installs the notification handler.
	SetEventHandler(h func(Event))
	// OpenAsync begins opening the session.
	OpenAsync() error
	// CloseAsync begins closing the session, cancelling an open in progress.
	CloseAsync() error
	// State returns the current state.
	State() State
	// Dispose releases the session's resources without a graceful close.
	Dispose() error
}

// Factory creates sessions from connection descriptors.
type Factory interface {
	NewSession(d connection.Descriptor) (Session, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(d connection.Descriptor) (Session, error)

// NewSession calls f(d).
func (f FactoryFunc) NewSession(d connection.Descriptor) (Session, error) {
	return f(d)
}
