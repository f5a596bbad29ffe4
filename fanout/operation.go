package fanout

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/smnsjas/go-psfanout/connection"
	"github.com/smnsjas/go-psfanout/session"
	"github.com/smnsjas/go-psfanout/throttle"
)

// errClosedWhileOpening is reported when a session closes on its own before opening.
var errClosedWhileOpening = errors.New("the connection closed before the session opened")

// OperationState is the lifecycle of one open operation.
type OperationState int

const (
	// StateIdle is the initial state, before Start.
	StateIdle OperationState = iota
	// StateStarting means the session open is in flight.
	StateStarting
	// StateStarted means the open finished, opened or broken.
	StateStarted
	// StateStopping means a close was requested while the open was in flight.
	StateStopping
	// StateStopped means the operation ended through Stop.
	StateStopped
)

// String returns a string representation of the state.
func (s OperationState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateStarting:
		return "Starting"
	case StateStarted:
		return "Started"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// openOperation opens one session and turns its state changes into a single
// throttle completion. It implements throttle.Operation.
type openOperation struct {
	mu     sync.Mutex
	state  OperationState
	opened bool // the session was handed to the repository
	broken bool // the session needs disposal

	index  int
	desc   connection.Descriptor
	sess   session.Session
	repo   *session.Repository
	emit   func(Outcome)
	signal *throttle.Signal
	logger *slog.Logger
}

func newOpenOperation(index int, d connection.Descriptor, s session.Session,
	repo *session.Repository, emit func(Outcome), logger *slog.Logger) *openOperation {
	op := &openOperation{
		state:  StateIdle,
		index:  index,
		desc:   d,
		sess:   s,
		repo:   repo,
		emit:   emit,
		signal: throttle.NewSignal(),
		logger: logger.With("target", d.Target(), "session_id", s.ID().String()),
	}
	s.SetEventHandler(op.handleEvent)
	return op
}

// State returns the current operation state.
func (op *openOperation) State() OperationState {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.state
}

// Done implements throttle.Operation.
func (op *openOperation) Done() <-chan struct{} {
	return op.signal.Done()
}

// Completion implements throttle.Operation.
func (op *openOperation) Completion() throttle.CompletionKind {
	return op.signal.Kind()
}

// Start implements throttle.Operation.
func (op *openOperation) Start() {
	op.mu.Lock()
	if op.state != StateIdle {
		op.mu.Unlock()
		return
	}
	op.state = StateStarting
	op.mu.Unlock()

	op.logger.Debug("opening session")
	if err := op.sess.OpenAsync(); err != nil {
		op.handleEvent(session.Event{
			Kind:    session.EventStateChanged,
			State:   session.StateBroken,
			Failure: &session.Failure{Category: session.CategoryTransport, Reason: err},
		})
	}
}

// Stop implements throttle.Operation.
func (op *openOperation) Stop() {
	op.mu.Lock()
	switch op.state {
	case StateIdle:
		op.state = StateStopped
		op.mu.Unlock()
		op.signal.Fire(throttle.StopComplete)
		return
	case StateStarting:
		op.state = StateStopping
		op.mu.Unlock()
	default:
		// Completed already, or a close is in flight.
		op.mu.Unlock()
		return
	}

	op.logger.Debug("closing session in flight")
	if err := op.sess.CloseAsync(); err != nil {
		op.mu.Lock()
		if op.state != StateStopping {
			op.mu.Unlock()
			return
		}
		op.state = StateStopped
		op.broken = true
		op.mu.Unlock()

		op.emit(errorOutcome(op.index, op.desc.Target(), ErrorTransport,
			fmt.Errorf("close session: %w", err)))
		op.signal.Fire(throttle.StopComplete)
	}
}

// handleEvent reacts to session notifications. Only terminal states matter.
func (op *openOperation) handleEvent(ev session.Event) {
	if ev.Kind == session.EventRedirected {
		op.emit(diagnosticOutcome(op.index, op.desc.Target(), LevelWarning,
			"the server requested a redirect to %s; redirection is not followed", ev.Location))
		return
	}

	switch ev.State {
	case session.StateOpened:
		op.handleOpened()
	case session.StateBroken:
		op.handleBroken(ev.Failure)
	case session.StateClosed:
		op.handleClosed(ev.Failure)
	default:
		op.logger.Debug("ignoring intermediate state", "state", ev.State.String())
	}
}

func (op *openOperation) handleOpened() {
	op.mu.Lock()
	if op.state != StateStarting {
		// A stop raced the open; the Closed notification finishes the operation.
		op.mu.Unlock()
		return
	}
	op.state = StateStarted
	op.opened = true
	op.mu.Unlock()

	h := op.repo.Add(op.sess, op.desc.Name)
	op.logger.Info("session opened", "id", h.ID, "name", h.Name)
	op.emit(sessionOutcome(op.index, op.desc.Target(), h))
	op.signal.Fire(throttle.StartComplete)
}

func (op *openOperation) handleBroken(f *session.Failure) {
	if f == nil {
		f = &session.Failure{Category: session.CategoryUnknown}
	}

	op.mu.Lock()
	prev := op.state
	switch prev {
	case StateStarting:
		op.state = StateStarted
	case StateStopping:
		op.state = StateStopped
	default:
		op.mu.Unlock()
		return
	}
	op.broken = true
	op.mu.Unlock()

	op.logger.Warn("session broken", "category", f.Category.String(), "error", f.Error())
	op.emit(errorOutcome(op.index, op.desc.Target(), categoryOf(f), f))

	if prev == StateStarting {
		op.signal.Fire(throttle.StartComplete)
	} else {
		op.signal.Fire(throttle.StopComplete)
	}
}

func (op *openOperation) handleClosed(f *session.Failure) {
	op.mu.Lock()
	switch op.state {
	case StateStopping:
		op.state = StateStopped
		op.mu.Unlock()

		op.emit(diagnosticOutcome(op.index, op.desc.Target(), LevelVerbose,
			"session open to %s was cancelled", op.desc.Target()))
		if f != nil {
			op.emit(errorOutcome(op.index, op.desc.Target(), categoryOf(f), f))
		}
		op.signal.Fire(throttle.StopComplete)

	case StateStarting:
		op.mu.Unlock()
		if f == nil {
			f = &session.Failure{Category: session.CategoryTransport, Reason: errClosedWhileOpening}
		}
		op.handleBroken(f)

	default:
		op.mu.Unlock()
	}
}

// needsDisposal reports whether the session was never handed to the caller.
func (op *openOperation) needsDisposal() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.broken || !op.opened
}
