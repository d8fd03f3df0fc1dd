package querylog

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Next after the subscription is closed.
var ErrClosed = errors.New("subscription closed")

// Subscription is one consumer's view of the record stream. Records arrive
// in order; when the consumer falls behind, its oldest unread records are
// dropped.
type Subscription struct {
	t  *Tailer
	id uint64

	mu      sync.Mutex
	queue   *ring[LogRecord]
	dropped uint64
	closed  bool
	notify  chan struct{}
}

func newSubscription(t *Tailer, id uint64, capacity int) *Subscription {
	return &Subscription{
		t:      t,
		id:     id,
		queue:  newRing[LogRecord](capacity),
		notify: make(chan struct{}, 1),
	}
}

// push enqueues r without blocking and reports whether a record was
// dropped to make room.
func (s *Subscription) push(r LogRecord) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	dropped := s.queue.Push(r)
	if dropped {
		s.dropped++
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped
}

// Next blocks until a record is available, the subscription is closed, or
// ctx ends.
func (s *Subscription) Next(ctx context.Context) (LogRecord, error) {
	for {
		s.mu.Lock()
		if r, ok := s.queue.Pop(); ok {
			s.mu.Unlock()
			return r, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return LogRecord{}, ErrClosed
		}

		select {
		case <-s.notify:
		case <-ctx.Done():
			return LogRecord{}, ctx.Err()
		}
	}
}

// Dropped returns how many records were dropped for this subscriber.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close unregisters the subscription. Queued records are discarded.
func (s *Subscription) Close() {
	s.t.unsubscribe(s.id)
	s.mu.Lock()
	s.closed = true
	s.queue = newRing[LogRecord](1)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}
