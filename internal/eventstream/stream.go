// Package eventstream provides an unbounded, order-preserving stream used to
// decouple a transport's read loop from the consumer of its events.
package eventstream

import (
	"context"
	"iter"
	"sync"
)

// Stream is a push-based FIFO of events with explicit end signaling.
//
// A single producer calls Push and finally End. Consumers call Next, which
// blocks until an element is available, the stream ends, or the context is
// cancelled. Each element is delivered to exactly one Next call.
type Stream[T any] struct {
	mu     sync.Mutex
	items  []T
	ended  bool
	notify chan struct{}
	done   chan struct{}
}

// New creates an empty, open stream.
func New[T any]() *Stream[T] {
	return &Stream[T]{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Push appends an event. It returns false without queuing when the stream has
// already ended.
func (s *Stream[T]) Push(v T) bool {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return false
	}
	s.items = append(s.items, v)
	s.mu.Unlock()

	s.wake()
	return true
}

// End marks the stream finished. Queued events remain readable. Safe to call
// more than once.
func (s *Stream[T]) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	close(s.done)
}

// Ended reports whether End has been called.
func (s *Stream[T]) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Done is closed when End is called.
func (s *Stream[T]) Done() <-chan struct{} {
	return s.done
}

// Len returns the number of queued, unread events.
func (s *Stream[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Next returns the next event. ok is false once the stream has ended and every
// queued event was consumed. A cancelled context returns its error.
func (s *Stream[T]) Next(ctx context.Context) (v T, ok bool, err error) {
	for {
		s.mu.Lock()
		if len(s.items) > 0 {
			v = s.items[0]
			var zero T
			s.items[0] = zero
			s.items = s.items[1:]
			more := len(s.items) > 0
			s.mu.Unlock()
			if more {
				// Another consumer may be parked on the same notification.
				s.wake()
			}
			return v, true, nil
		}
		if s.ended {
			s.mu.Unlock()
			return v, false, nil
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			return v, false, ctx.Err()
		}
	}
}

// All ranges over the stream until it ends or ctx is cancelled.
func (s *Stream[T]) All(ctx context.Context) iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			v, ok, err := s.Next(ctx)
			if err != nil || !ok {
				return
			}
			if !yield(v) {
				return
			}
		}
	}
}

func (s *Stream[T]) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
