// Package stream implements the result pipe between concurrently completing
// operations and a single consumer loop.
//
// Any number of goroutines may Write. One logical reader drains the stream with
// Read (blocking), ReadContext (blocking, bounded by a context) or TryReadAll
// (non-blocking). Close marks the end of the stream: writes after Close are
// dropped and a reader that has observed the end never receives another item.
//
//	s := stream.New[Outcome]()
//	go produce(s) // calls s.Write(...) then s.Close()
//	for {
//	    item, ok := s.Read()
//	    if !ok {
//	        break // end of stream
//	    }
//	    handle(item)
//	}
package stream

import (
	"context"
	"sync"
)

// Stream is an unbounded FIFO of items with an explicit end-of-stream.
// The zero value is not usable; create streams with New.
type Stream[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	ended  bool // reader observed end of stream

	// wake is signalled (non-blocking) on every Write and on Close.
	wake chan struct{}
}

// New creates an open, empty stream.
func New[T any]() *Stream[T] {
	return &Stream[T]{
		wake: make(chan struct{}, 1),
	}
}

// Write appends an item and wakes a blocked reader.
// It reports false, dropping the item, if the stream has been closed.
func (s *Stream[T]) Write(item T) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.items = append(s.items, item)
	s.mu.Unlock()

	s.signal()
	return true
}

// Close marks that no more items will be written. Items already buffered are
// still returned by subsequent reads. Close is idempotent.
func (s *Stream[T]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.signal()
}

// IsOpen reports whether the writer side still accepts items.
func (s *Stream[T]) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Len returns the number of buffered items.
func (s *Stream[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Read blocks until an item is available or the stream is closed and drained.
// The boolean is false at end of stream.
func (s *Stream[T]) Read() (T, bool) {
	item, ok, _ := s.ReadContext(context.Background())
	return item, ok
}

// ReadContext is Read bounded by ctx. When ctx is done before an item arrives
// it returns ctx.Err(); the stream itself is unaffected.
func (s *Stream[T]) ReadContext(ctx context.Context) (T, bool, error) {
	for {
		item, ok, done := s.next()
		if ok || done {
			return item, ok, nil
		}

		select {
		case <-s.wake:
		case <-ctx.Done():
			var zero T
			return zero, false, ctx.Err()
		}
	}
}

// TryReadAll returns every buffered item without waiting. It returns nil when
// nothing is buffered or the end of the stream has already been observed.
func (s *Stream[T]) TryReadAll() []T {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended || len(s.items) == 0 {
		if s.closed {
			s.ended = true
		}
		return nil
	}

	items := s.items
	s.items = nil
	return items
}

// next pops one item. done is true once the stream is closed and empty.
func (s *Stream[T]) next() (item T, ok bool, done bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return item, false, true
	}
	if len(s.items) > 0 {
		item = s.items[0]
		var zero T
		s.items[0] = zero
		s.items = s.items[1:]
		return item, true, false
	}
	if s.closed {
		s.ended = true
		return item, false, true
	}
	return item, false, false
}

// signal wakes a waiting reader without blocking the writer.
func (s *Stream[T]) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
