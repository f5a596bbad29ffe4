package outofproc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smnsjas/go-psfanout/connection"
	"github.com/smnsjas/go-psfanout/messages"
	"github.com/smnsjas/go-psfanout/session"
)

var (
	// ErrOpenTimeout is the failure reason when the pool does not open in time.
	ErrOpenTimeout = errors.New("timed out waiting for the runspace pool to open")
	// ErrServerExited is the failure reason when the server output ends.
	ErrServerExited = errors.New("the server process exited")
)

const (
	// DefaultOpenTimeout bounds the handshake of one session.
	DefaultOpenTimeout = 3 * time.Minute
	// DefaultCloseTimeout bounds the wait for CloseAck.
	DefaultCloseTimeout = 5 * time.Second
)

// Option configures a Factory.
type Option func(*Factory)

// WithDialer replaces the ExecDialer.
func WithDialer(d Dialer) Option {
	return func(f *Factory) {
		if d != nil {
			f.dialer = d
		}
	}
}

// WithOpenTimeout bounds how long a session may stay Opening. Zero disables the bound.
func WithOpenTimeout(d time.Duration) Option {
	return func(f *Factory) {
		f.openTimeout = d
	}
}

// WithCloseTimeout bounds how long a close waits for the server to acknowledge.
func WithCloseTimeout(d time.Duration) Option {
	return func(f *Factory) {
		if d > 0 {
			f.closeTimeout = d
		}
	}
}

// WithLogger sets the structured logger. The default discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Factory) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// Factory creates OutOfProcess sessions. It implements session.Factory.
type Factory struct {
	dialer       Dialer
	openTimeout  time.Duration
	closeTimeout time.Duration
	logger       *slog.Logger
}

// NewFactory creates a factory that dials with ExecDialer unless configured otherwise.
func NewFactory(opts ...Option) *Factory {
	f := &Factory{
		dialer:       ExecDialer{},
		openTimeout:  DefaultOpenTimeout,
		closeTimeout: DefaultCloseTimeout,
		logger:       slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewSession implements session.Factory. Descriptors the dialer cannot
// serve are rejected here, before any process starts.
func (f *Factory) NewSession(d connection.Descriptor) (session.Session, error) {
	if err := f.dialer.Validate(d); err != nil {
		return nil, err
	}
	id := uuid.New()
	return &Session{
		id:           id,
		desc:         d,
		dialer:       f.dialer,
		openTimeout:  f.openTimeout,
		closeTimeout: f.closeTimeout,
		logger:       f.logger.With("target", d.Target(), "pool_id", id.String()),
		state:        session.StateBeforeOpen,
		closeAck:     make(chan struct{}),
	}, nil
}

// Session opens a runspace pool over an OutOfProcess connection and reports
// its state changes. The pool id doubles as the session instance id.
type Session struct {
	id           uuid.UUID
	desc         connection.Descriptor
	dialer       Dialer
	openTimeout  time.Duration
	closeTimeout time.Duration
	logger       *slog.Logger

	// emitMu serializes state changes with their notifications.
	emitMu sync.Mutex

	mu        sync.Mutex
	state     session.State
	handler   func(session.Event)
	conn      Conn
	transport *Transport
	cancel    context.CancelFunc
	disposed  bool

	closeAck     chan struct{}
	closeAckOnce sync.Once
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

// OpenAsync implements session.Session. It returns once the open is under
// way; the outcome arrives as an Opened, Broken or Closed event.
func (s *Session) OpenAsync() error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return fmt.Errorf("%w: session disposed", session.ErrInvalidState)
	}
	s.mu.Unlock()

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if s.openTimeout > 0 {
		ctx, cancel = context.WithTimeoutCause(context.Background(), s.openTimeout, ErrOpenTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	if !s.transition(session.StateOpening, nil, session.StateBeforeOpen) {
		cancel()
		return fmt.Errorf("%w: cannot open from %s", session.ErrInvalidState, s.State())
	}

	go s.open(ctx)
	return nil
}

func (s *Session) open(ctx context.Context) {
	s.logger.Debug("starting server")
	conn, err := s.dialer.Dial(ctx, s.desc)
	if err != nil {
		s.fail(session.CategoryTransport, fmt.Errorf("start server: %w", err))
		return
	}

	s.mu.Lock()
	if s.state != session.StateOpening {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.transport = NewTransport(conn, conn, s.logger)
	t := s.transport
	s.mu.Unlock()

	done := make(chan struct{})
	go s.readLoop(t, done)
	go s.watchOpen(ctx, done)

	if err := t.SendData(NullGUID, openingFragments(s.id)); err != nil {
		s.fail(session.CategoryTransport, err)
	}
}

// watchOpen breaks the session if ctx expires while it is still opening.
func (s *Session) watchOpen(ctx context.Context, done <-chan struct{}) {
	select {
	case <-ctx.Done():
		if errors.Is(context.Cause(ctx), ErrOpenTimeout) {
			s.fail(session.CategoryTransport, fmt.Errorf("%w after %s", ErrOpenTimeout, s.openTimeout))
		}
	case <-done:
	}
}

// readLoop consumes server output until it ends.
func (s *Session) readLoop(t *Transport, done chan<- struct{}) {
	defer close(done)
	asm := newReassembler()

	for {
		packet, err := t.ReceivePacket()
		if err != nil {
			if errors.Is(err, ErrMalformedPacket) {
				s.fail(session.CategoryProtocol, err)
			} else {
				s.serverGone(err)
			}
			return
		}

		switch packet.Type {
		case PacketTypeData:
			msgs, err := asm.add(packet.Data)
			for _, msg := range msgs {
				if herr := s.handleMessage(msg); herr != nil {
					s.fail(session.CategoryProtocol, herr)
					return
				}
			}
			if err != nil {
				s.fail(session.CategoryProtocol, err)
				return
			}
		case PacketTypeCloseAck:
			s.closeAckOnce.Do(func() { close(s.closeAck) })
		case PacketTypeClose:
			// Server initiated close of the pool.
			_ = t.SendCloseAck(packet.PSGuid)
			if packet.PSGuid == NullGUID {
				s.fail(session.CategoryTransport, errors.New("the server closed the session"))
			}
		default:
			s.logger.Debug("ignoring packet", "type", string(packet.Type))
		}
	}
}

func (s *Session) handleMessage(msg *messages.Message) error {
	s.logger.Debug("received message", "type", msg.Type.String(), "size", len(msg.Data))

	switch msg.Type {
	case messages.MessageTypeSessionCapability:
		return nil
	case messages.MessageTypeRunspacePoolState:
		info, err := parsePoolState(msg.Data)
		if err != nil {
			return err
		}
		s.logger.Debug("runspace pool state", "state", info.State.String())
		switch info.State {
		case messages.RunspacePoolStateOpened:
			s.stopOpenTimer()
			s.transition(session.StateOpened, nil, session.StateOpening)
		case messages.RunspacePoolStateBroken:
			var reason error
			if info.Reason != "" {
				reason = errors.New(info.Reason)
			}
			s.fail(session.CategoryProtocol, reason)
		case messages.RunspacePoolStateClosed:
			if s.State() == session.StateClosing {
				s.closeAckOnce.Do(func() { close(s.closeAck) })
				return nil
			}
			if s.transition(session.StateClosed, nil, session.StateOpening, session.StateOpened) {
				s.release()
			}
		}
		return nil
	default:
		return nil
	}
}

// serverGone handles the end of server output.
func (s *Session) serverGone(err error) {
	if s.State() == session.StateClosing {
		s.closeAckOnce.Do(func() { close(s.closeAck) })
		return
	}
	s.logger.Debug("server output ended", "error", err)
	s.fail(session.CategoryTransport, ErrServerExited)
}

// fail moves an opening or opened session to Broken and releases the server.
func (s *Session) fail(category session.Category, reason error) {
	f := &session.Failure{Category: category, Reason: reason}
	if s.transition(session.StateBroken, f, session.StateOpening, session.StateOpened) {
		s.logger.Debug("session broken", "error", f.Error())
		s.release()
	}
}

func (s *Session) stopOpenTimer() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// CloseAsync implements session.Session. It asks the server to close the
// pool and reports Closed once it acknowledges, exits, or the close
// timeout elapses.
func (s *Session) CloseAsync() error {
	if s.transition(session.StateClosed, nil, session.StateBeforeOpen) {
		return nil
	}
	if !s.transition(session.StateClosing, nil, session.StateOpening, session.StateOpened) {
		return nil
	}
	s.stopOpenTimer()
	go s.close()
	return nil
}

func (s *Session) close() {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()

	var failure *session.Failure
	if t != nil {
		if err := t.SendClose(NullGUID); err != nil {
			s.logger.Debug("send close failed", "error", err)
		} else {
			select {
			case <-s.closeAck:
			case <-time.After(s.closeTimeout):
				failure = &session.Failure{
					Category: session.CategoryTransport,
					Reason:   fmt.Errorf("no close acknowledgement after %s", s.closeTimeout),
				}
			}
		}
	}

	s.release()
	s.transition(session.StateClosed, failure, session.StateClosing)
}

// release stops the server process.
func (s *Session) release() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Debug("stop server", "error", err)
		}
	}
}

// Dispose implements session.Session. It stops the server without a
// protocol close and leaves the reported state unchanged.
func (s *Session) Dispose() error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.disposed = true
	s.mu.Unlock()

	s.release()
	return nil
}

// transition moves to state to if the current state is one of from and
// notifies the handler.
func (s *Session) transition(to session.State, f *session.Failure, from ...session.State) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	if !slices.Contains(from, s.state) {
		s.mu.Unlock()
		return false
	}
	s.state = to
	h := s.handler
	s.mu.Unlock()

	if h != nil {
		h(session.Event{Kind: session.EventStateChanged, State: to, Failure: f})
	}
	return true
}
