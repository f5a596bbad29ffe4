package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/smnsjas/go-psfanout/connection"
	"github.com/smnsjas/go-psfanout/session"
	"github.com/smnsjas/go-psfanout/stream"
	"github.com/smnsjas/go-psfanout/throttle"
)

// DefaultThrottleLimit is the concurrency cap used when none is configured.
const DefaultThrottleLimit = 32

var (
	// ErrNilFactory is returned by New without a session factory.
	ErrNilFactory = errors.New("session factory is nil")
	// ErrNilRepository is returned by New without a repository.
	ErrNilRepository = errors.New("session repository is nil")
	// ErrDisposed is returned by Submit after Dispose.
	ErrDisposed = errors.New("orchestrator disposed")
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithThrottleLimit sets how many opens may be in flight at once.
// Values below 1 are rejected by New.
func WithThrottleLimit(limit int) Option {
	return func(o *Orchestrator) {
		o.limit = limit
	}
}

// WithBuilder replaces the connection builder used to validate requests.
func WithBuilder(b connection.Builder) Option {
	return func(o *Orchestrator) {
		if b != nil {
			o.builder = b
		}
	}
}

// WithLogger sets the structured logger. The default discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Orchestrator opens sessions to many targets under a throttle and streams
// outcomes to a consumer as they arrive.
//
// Typical use is Submit one or more batches, EndSubmit, drain Results until
// it reports end of stream, then Dispose. Stop may be called at any time,
// from any goroutine, including concurrently with a drain.
type Orchestrator struct {
	factory session.Factory
	repo    *session.Repository
	builder connection.Builder
	limit   int
	logger  *slog.Logger

	manager *throttle.Manager
	results *stream.Stream[Outcome]

	mu     sync.Mutex
	ops    []*openOperation
	next   int
	closed bool // Submit rejected

	// disposeMu serializes Dispose; disposed is set once teardown has run.
	disposeMu sync.Mutex
	disposed  bool
}

// New creates an orchestrator that registers opened sessions in repo.
func New(factory session.Factory, repo *session.Repository, opts ...Option) (*Orchestrator, error) {
	if factory == nil {
		return nil, ErrNilFactory
	}
	if repo == nil {
		return nil, ErrNilRepository
	}

	o := &Orchestrator{
		factory: factory,
		repo:    repo,
		builder: connection.DefaultBuilder,
		limit:   DefaultThrottleLimit,
		logger:  slog.New(slog.DiscardHandler),
		results: stream.New[Outcome](),
	}
	for _, opt := range opts {
		opt(o)
	}

	m, err := throttle.New(o.limit,
		throttle.WithLogger(o.logger.With("component", "throttle")),
		throttle.WithOnComplete(o.onComplete),
		throttle.WithOnAllComplete(o.results.Close),
	)
	if err != nil {
		return nil, fmt.Errorf("create throttle: %w", err)
	}
	o.manager = m
	return o, nil
}

// Results returns the outcome stream. It ends once submission has ended and
// every operation has completed.
func (o *Orchestrator) Results() *stream.Stream[Outcome] {
	return o.results
}

// Repository returns the repository opened sessions are registered in.
func (o *Orchestrator) Repository() *session.Repository {
	return o.repo
}

// Submit validates a batch of requests and queues one open operation per
// valid request. Invalid requests produce an error outcome immediately and
// never reach the throttle.
func (o *Orchestrator) Submit(reqs []connection.Request) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrDisposed
	}
	base := o.next
	o.next += len(reqs)
	o.mu.Unlock()

	ops := make([]*openOperation, 0, len(reqs))
	for i, req := range reqs {
		op, err := o.prepare(base+i, req)
		if err != nil {
			o.logger.Warn("request rejected", "target", req.Target, "error", err)
			o.results.Write(errorOutcome(base+i, req.Target, ErrorValidation, err))
			continue
		}
		ops = append(ops, op)
	}

	o.mu.Lock()
	o.ops = append(o.ops, ops...)
	o.mu.Unlock()

	batch := make([]throttle.Operation, len(ops))
	for i, op := range ops {
		batch[i] = op
	}
	if err := o.manager.Submit(batch...); err != nil {
		return fmt.Errorf("submit batch: %w", err)
	}
	return nil
}

func (o *Orchestrator) prepare(index int, req connection.Request) (*openOperation, error) {
	d, err := o.builder.Build(req)
	if err != nil {
		return nil, err
	}
	s, err := o.factory.NewSession(d)
	if err != nil {
		return nil, fmt.Errorf("create session for %s: %w", d.Target(), err)
	}
	return newOpenOperation(index, d, s, o.repo, o.emit, o.logger), nil
}

// emit writes to the stream. Writes after the stream closed are dropped.
func (o *Orchestrator) emit(out Outcome) {
	if !o.results.Write(out) {
		o.logger.Debug("outcome dropped after end of stream", "outcome", out.String())
	}
}

func (o *Orchestrator) onComplete(c throttle.Completion) {
	op, ok := c.Operation.(*openOperation)
	if !ok {
		return
	}
	o.logger.Debug("open operation complete",
		"target", op.desc.Target(), "kind", c.Kind.String(), "started", c.Started)
}

// EndSubmit declares that no further batches will be submitted.
func (o *Orchestrator) EndSubmit() {
	o.manager.EndSubmit()
}

// Stop requests early termination without blocking. Queued targets are
// dropped without an outcome; in-flight opens are closed.
func (o *Orchestrator) Stop() {
	o.logger.Info("stop requested")
	o.manager.Stop()
}

// Wait blocks until every operation has completed or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	return o.manager.Wait(ctx)
}

// Dispose ends submission, waits for every operation to reach a terminal
// state, closes the stream and releases sessions that were never handed to
// the caller. If ctx ends first, outstanding operations are stopped and
// ctx's error is returned; calling Dispose again waits for them to settle
// and completes the teardown.
func (o *Orchestrator) Dispose(ctx context.Context) error {
	o.disposeMu.Lock()
	defer o.disposeMu.Unlock()
	if o.disposed {
		return nil
	}

	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.manager.EndSubmit()
	if err := o.manager.Wait(ctx); err != nil {
		o.manager.Stop()
		return fmt.Errorf("wait for open operations: %w", err)
	}
	o.results.Close()
	o.disposed = true

	o.mu.Lock()
	ops := o.ops
	o.ops = nil
	o.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(o.limit)
	for _, op := range ops {
		if !op.needsDisposal() {
			continue
		}
		s := op.sess
		g.Go(func() error {
			if err := s.Dispose(); err != nil {
				return fmt.Errorf("dispose session %s: %w", s.ID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Run submits reqs as a single batch, calls emit for every outcome in
// completion order and disposes the orchestrator. Cancelling ctx stops the
// remaining work; Run still waits for in-flight opens to settle.
func (o *Orchestrator) Run(ctx context.Context, reqs []connection.Request, emit func(Outcome)) error {
	stop := context.AfterFunc(ctx, o.Stop)
	defer stop()

	if err := o.Submit(reqs); err != nil {
		derr := o.Dispose(context.WithoutCancel(ctx))
		for _, out := range o.results.TryReadAll() {
			emit(out)
		}
		return errors.Join(err, derr)
	}
	o.EndSubmit()

	for {
		batch := o.results.TryReadAll()
		for _, out := range batch {
			emit(out)
		}
		if len(batch) > 0 {
			continue
		}
		out, ok := o.results.Read()
		if !ok {
			break
		}
		emit(out)
	}

	if err := o.Dispose(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	return ctx.Err()
}
