package throttle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrInvalidLimit is returned by New when the limit is below 1.
	ErrInvalidLimit = errors.New("throttle limit must be >= 1")
	// ErrSubmitClosed is returned when Submit is called after EndSubmit.
	ErrSubmitClosed = errors.New("submission closed")
)

// Completion is delivered to the OnComplete hook once per submitted operation.
type Completion struct {
	Operation Operation
	Kind      CompletionKind
	// Started is false for operations stopped while still pending.
	Started bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger. The default discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithOnComplete sets a hook invoked on the manager's event loop for every
// completed operation, including operations stopped before they started.
func WithOnComplete(fn func(Completion)) Option {
	return func(m *Manager) {
		m.onComplete = fn
	}
}

// WithOnAllComplete sets a hook invoked once, after submission has ended and
// every operation has completed. It runs before Done is closed.
func WithOnAllComplete(fn func()) Option {
	return func(m *Manager) {
		m.onAllComplete = fn
	}
}

// event is a completion message to the manager's event loop.
type event struct {
	op      Operation
	started bool
}

// Manager admits operations up to a limit and tracks overall completion.
type Manager struct {
	mu sync.Mutex

	limit        int
	running      int
	pending      []Operation
	outstanding  int // submitted and not yet reported to the event loop
	submitClosed bool
	stopped      bool
	inFlight     map[Operation]struct{}

	events chan event
	kick   chan struct{}
	done   chan struct{}

	onComplete    func(Completion)
	onAllComplete func()
	logger        *slog.Logger
}

// New creates a manager that runs at most limit operations at once and
// starts its event loop.
func New(limit int, opts ...Option) (*Manager, error) {
	if limit < 1 {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidLimit, limit)
	}

	m := &Manager{
		limit:    limit,
		inFlight: make(map[Operation]struct{}),
		events:   make(chan event, limit),
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(m)
	}

	go m.loop()
	return m, nil
}

// Limit returns the maximum number of concurrently running operations.
func (m *Manager) Limit() int {
	return m.limit
}

// Running returns the number of started operations that have not completed.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Pending returns the number of queued operations not yet started.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Done is closed once submission has ended and every operation has completed.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Wait blocks until Done is closed or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit enqueues a batch and starts as many operations as the limit allows.
// Operations submitted after Stop complete immediately without starting.
func (m *Manager) Submit(ops ...Operation) error {
	m.mu.Lock()
	if m.submitClosed {
		m.mu.Unlock()
		return ErrSubmitClosed
	}
	m.outstanding += len(ops)

	if m.stopped {
		m.mu.Unlock()
		m.stopPending(ops)
		return nil
	}

	m.pending = append(m.pending, ops...)
	toStart := m.admitLocked()
	m.logger.Debug("operations submitted",
		"count", len(ops), "running", m.running, "pending", len(m.pending))
	m.mu.Unlock()

	m.start(toStart)
	return nil
}

// EndSubmit marks that no more batches will be submitted. Calling it more
// than once has no further effect.
func (m *Manager) EndSubmit() {
	m.mu.Lock()
	if m.submitClosed {
		m.mu.Unlock()
		return
	}
	m.submitClosed = true
	m.mu.Unlock()

	// Nudge the loop in case everything already completed.
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Stop requests early termination without blocking. Pending operations
// complete without starting; running operations are asked to stop and report
// their completion asynchronously.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	pending := m.pending
	m.pending = nil
	running := make([]Operation, 0, len(m.inFlight))
	for op := range m.inFlight {
		running = append(running, op)
	}
	m.mu.Unlock()

	m.logger.Debug("stopping operations", "pending", len(pending), "running", len(running))

	m.stopPending(pending)
	for _, op := range running {
		op.Stop()
	}
}

// admitLocked moves pending operations into the running set while there is
// room (caller must hold lock).
func (m *Manager) admitLocked() []Operation {
	var toStart []Operation
	for !m.stopped && m.running < m.limit && len(m.pending) > 0 {
		op := m.pending[0]
		m.pending[0] = nil
		m.pending = m.pending[1:]
		m.running++
		m.inFlight[op] = struct{}{}
		toStart = append(toStart, op)
	}
	return toStart
}

// start launches admitted operations, each with a watcher that reports its
// completion to the event loop.
func (m *Manager) start(ops []Operation) {
	for _, op := range ops {
		go m.watch(op)
		op.Start()
	}
}

func (m *Manager) watch(op Operation) {
	<-op.Done()
	m.events <- event{op: op, started: true}
}

// stopPending completes operations that never started. Reports are sent
// from their own goroutine so Stop may be called from a completion hook.
func (m *Manager) stopPending(ops []Operation) {
	if len(ops) == 0 {
		return
	}
	for _, op := range ops {
		op.Stop()
	}
	go func() {
		for _, op := range ops {
			m.events <- event{op: op, started: false}
		}
	}()
}

// loop is the single consumer of completion events.
func (m *Manager) loop() {
	for {
		select {
		case ev := <-m.events:
			m.complete(ev)
		case <-m.kick:
		}

		m.mu.Lock()
		finished := m.submitClosed && m.outstanding == 0
		m.mu.Unlock()

		if finished {
			m.logger.Debug("all operations complete")
			m.safeCall("OnAllComplete", m.onAllComplete)
			close(m.done)
			return
		}
	}
}

// complete releases the slot held by a finished operation, refills the
// running set and notifies the hook.
func (m *Manager) complete(ev event) {
	m.mu.Lock()
	if ev.started {
		m.running--
		delete(m.inFlight, ev.op)
	}
	m.outstanding--
	toStart := m.admitLocked()
	running, pending := m.running, len(m.pending)
	m.mu.Unlock()

	kind := ev.op.Completion()
	m.logger.Debug("operation complete",
		"kind", kind.String(), "started", ev.started, "running", running, "pending", pending)

	m.start(toStart)

	if m.onComplete != nil {
		c := Completion{Operation: ev.op, Kind: kind, Started: ev.started}
		m.safeCall("OnComplete", func() { m.onComplete(c) })
	}
}

// safeCall runs a consumer hook, recovering and logging a panic so the
// event loop keeps admitting work.
func (m *Manager) safeCall(name string, fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("completion hook panicked", "hook", name, "panic", r)
		}
	}()
	fn()
}
