package throttle

import (
	"fmt"
	"sync"
)

// CompletionKind describes how an operation reached its terminal state.
type CompletionKind int

const (
	// CompletionNone means the operation has not completed yet.
	CompletionNone CompletionKind = iota
	// StartComplete means the started work finished on its own (successfully or not).
	StartComplete
	// StopComplete means the operation ended because Stop was requested.
	StopComplete
)

// String returns a string representation of the completion kind.
func (k CompletionKind) String() string {
	switch k {
	case CompletionNone:
		return "None"
	case StartComplete:
		return "StartComplete"
	case StopComplete:
		return "StopComplete"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// Operation is a unit of asynchronous work scheduled by a Manager.
type Operation interface {
	// Start begins the work. It must not block on the work itself.
	// Start after Stop is a no-op.
	Start()
	// Stop requests early termination. Before Start it completes the
	// operation immediately with StopComplete; after completion it does nothing.
	Stop()
	// Done is closed exactly once, when the operation reaches a terminal state.
	Done() <-chan struct{}
	// Completion reports how the operation completed, CompletionNone until Done is closed.
	Completion() CompletionKind
}

// Signal is a single-assignment completion slot. The first call to Fire wins;
// later calls observe that the slot is taken and do nothing.
type Signal struct {
	once sync.Once
	done chan struct{}
	kind CompletionKind
}

// NewSignal creates an unfired signal.
func NewSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Fire records kind and closes Done. It reports whether this call claimed the slot.
func (s *Signal) Fire(kind CompletionKind) bool {
	fired := false
	s.once.Do(func() {
		s.kind = kind
		close(s.done)
		fired = true
	})
	return fired
}

// Done is closed once Fire has been called.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// Kind returns the recorded completion kind, or CompletionNone before Fire.
func (s *Signal) Kind() CompletionKind {
	select {
	case <-s.done:
		return s.kind
	default:
		return CompletionNone
	}
}

// Fired reports whether the slot has been claimed.
func (s *Signal) Fired() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
