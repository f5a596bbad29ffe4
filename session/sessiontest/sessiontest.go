// Package sessiontest provides a scriptable in-memory Session and Factory for
// tests of code that orchestrates sessions.
package sessiontest

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/smnsjas/go-psfanout/connection"
	"github.com/smnsjas/go-psfanout/session"
)

// ErrDisposed is returned by OpenAsync on a disposed session.
var ErrDisposed = errors.New("session disposed")

// Script describes how a fake session behaves once OpenAsync is called.
type Script struct {
	// Delay before the terminal open state is reported.
	Delay time.Duration
	// Result is the terminal open state: StateOpened (default), StateBroken or StateClosed.
	Result session.State
	// Failure accompanies a Broken or Closed result. Nil means no reason recorded.
	Failure *session.Failure
	// Hold keeps the session Opening until CloseAsync is called.
	Hold bool
	// Redirect, if set, is reported as a redirect notification before the result.
	Redirect string
	// OpenErr is returned synchronously by OpenAsync.
	OpenErr error
	// CloseFailure accompanies the Closed event produced by CloseAsync.
	CloseFailure *session.Failure
}

// Session is a fake session driven by a Script.
type Session struct {
	mu       sync.Mutex
	emitMu   sync.Mutex
	id       uuid.UUID
	desc     connection.Descriptor
	state    session.State
	handler  func(session.Event)
	script   Script
	release  chan struct{}
	disposed bool
	closes   int
	factory  *Factory
	active   bool
}

// NewSession creates a fake session in StateBeforeOpen.
func NewSession(d connection.Descriptor, script Script) *Session {
	if script.Result == session.StateBeforeOpen {
		script.Result = session.StateOpened
	}
	return &Session{
		id:      uuid.New(),
		desc:    d,
		state:   session.StateBeforeOpen,
		script:  script,
		release: make(chan struct{}),
	}
}

// ID implements session.Session.
func (s *Session) ID() uuid.UUID { return s.id }

// Descriptor implements session.Session.
func (s *Session) Descriptor() connection.Descriptor { return s.desc }

// SetEventHandler implements session.Session.
func (s *Session) SetEventHandler(h func(session.Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// State implements session.Session.
func (s *Session) State() session.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Disposed reports whether Dispose was called.
func (s *Session) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// CloseCalls returns how many times CloseAsync was called.
func (s *Session) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// OpenAsync implements session.Session.
func (s *Session) OpenAsync() error {
	if s.script.OpenErr != nil {
		return s.script.OpenErr
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrDisposed
	}
	if s.state != session.StateBeforeOpen {
		s.mu.Unlock()
		return session.ErrInvalidState
	}
	s.state = session.StateOpening
	s.mu.Unlock()

	s.setActive(true)
	s.emit(session.Event{Kind: session.EventStateChanged, State: session.StateOpening})

	go s.run()
	return nil
}

func (s *Session) run() {
	if s.script.Redirect != "" {
		s.emit(session.Event{Kind: session.EventRedirected, Location: s.script.Redirect})
	}

	if s.script.Hold {
		<-s.release
		return
	}

	select {
	case <-time.After(s.script.Delay):
	case <-s.release:
		return
	}

	s.mu.Lock()
	if s.state != session.StateOpening {
		s.mu.Unlock()
		return
	}
	s.state = s.script.Result
	s.mu.Unlock()

	s.setActive(false)
	s.emit(session.Event{
		Kind:    session.EventStateChanged,
		State:   s.script.Result,
		Failure: s.script.Failure,
	})
}

// CloseAsync implements session.Session.
func (s *Session) CloseAsync() error {
	s.mu.Lock()
	s.closes++
	switch s.state {
	case session.StateClosing, session.StateClosed, session.StateBroken:
		s.mu.Unlock()
		return nil
	}
	s.state = session.StateClosing
	s.mu.Unlock()

	select {
	case <-s.release:
	default:
		close(s.release)
	}

	s.setActive(false)
	s.emit(session.Event{Kind: session.EventStateChanged, State: session.StateClosing})
	go func() {
		s.mu.Lock()
		s.state = session.StateClosed
		s.mu.Unlock()
		s.emit(session.Event{
			Kind:    session.EventStateChanged,
			State:   session.StateClosed,
			Failure: s.script.CloseFailure,
		})
	}()
	return nil
}

// Dispose implements session.Session.
func (s *Session) Dispose() error {
	s.mu.Lock()
	s.disposed = true
	s.mu.Unlock()
	s.setActive(false)
	return nil
}

func (s *Session) emit(ev session.Event) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// setActive maintains the factory's count of sessions in StateOpening.
func (s *Session) setActive(active bool) {
	if s.factory == nil {
		return
	}
	s.mu.Lock()
	changed := s.active != active
	s.active = active
	s.mu.Unlock()
	if !changed {
		return
	}
	if active {
		s.factory.inc()
	} else {
		s.factory.current.Add(-1)
	}
}

// Factory creates fake sessions and records them.
type Factory struct {
	// Script chooses the behaviour per descriptor. Nil opens every session.
	Script func(d connection.Descriptor) Script
	// Err, if set, fails NewSession for the descriptors it returns non-nil for.
	Err func(d connection.Descriptor) error

	mu       sync.Mutex
	sessions []*Session
	current  atomic.Int32
	peak     atomic.Int32
}

// NewSession implements session.Factory.
func (f *Factory) NewSession(d connection.Descriptor) (session.Session, error) {
	if f.Err != nil {
		if err := f.Err(d); err != nil {
			return nil, err
		}
	}
	var script Script
	if f.Script != nil {
		script = f.Script(d)
	}
	s := NewSession(d, script)
	s.factory = f

	f.mu.Lock()
	f.sessions = append(f.sessions, s)
	f.mu.Unlock()
	return s, nil
}

// Sessions returns every session created so far.
func (f *Factory) Sessions() []*Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Session(nil), f.sessions...)
}

// PeakOpening returns the highest number of sessions simultaneously in StateOpening.
func (f *Factory) PeakOpening() int {
	return int(f.peak.Load())
}

func (f *Factory) inc() {
	n := f.current.Add(1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			return
		}
	}
}
