// Package bus provides a bounded broadcast channel for fanning events out to
// independent subscribers.
//
// Each published value is stored once in a fixed-size ring. Every
// subscription keeps its own read cursor into the ring, so a slow subscriber
// never blocks the publisher or other subscribers. A subscriber that falls
// more than the ring capacity behind skips forward to the oldest retained
// value and is told how many values it missed through a *LaggedError.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use. A single Subscription
// must not be read from multiple goroutines at once.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// DefaultCapacity is the ring size used when a non-positive capacity is given.
const DefaultCapacity = 32

// ErrClosed is returned by Publish on a closed bus and by Recv once a
// subscription has drained every value published before Close.
var ErrClosed = errors.New("bus closed")

// LaggedError reports that a subscriber fell behind the ring and lost the
// oldest values. The subscription remains usable.
type LaggedError struct {
	Missed uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("subscriber lagged: %d events missed", e.Missed)
}

// Bus is a multi-producer, multi-consumer broadcast channel.
type Bus[T any] struct {
	mu          sync.Mutex
	ring        []T
	head        uint64 // sequence number of the next published value
	closed      bool
	wake        chan struct{}
	subscribers int
}

// New creates a bus retaining at most capacity values per subscriber backlog.
func New[T any](capacity int) *Bus[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus[T]{
		ring: make([]T, capacity),
		wake: make(chan struct{}),
	}
}

// Capacity returns the ring size.
func (b *Bus[T]) Capacity() int {
	return len(b.ring)
}

// Publish stores v and wakes every waiting subscriber. It never blocks on
// subscribers; publishing with no subscribers is not an error.
func (b *Bus[T]) Publish(v T) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	b.ring[b.head%uint64(len(b.ring))] = v
	b.head++

	close(b.wake)
	b.wake = make(chan struct{})
	return nil
}

// Subscribe returns a subscription that observes values published from now on.
func (b *Bus[T]) Subscribe() *Subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers++
	return &Subscription[T]{bus: b, next: b.head}
}

// SubscriberCount returns the number of open subscriptions.
func (b *Bus[T]) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.subscribers
}

// Published returns the total number of values published so far.
func (b *Bus[T]) Published() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.head
}

// Close stops the bus. Subscribers still receive values published before
// Close, then ErrClosed. Closing twice is a no-op.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.wake)
}

// IsClosed reports whether Close has been called.
func (b *Bus[T]) IsClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.closed
}

// Subscription is one subscriber's view of a Bus.
type Subscription[T any] struct {
	bus    *Bus[T]
	next   uint64
	closed bool
}

// Recv blocks until the next value is available, the bus is closed and
// drained, or ctx is done. A *LaggedError is returned once after values were
// overwritten before this subscriber read them; the following Recv continues
// from the oldest retained value.
func (s *Subscription[T]) Recv(ctx context.Context) (T, error) {
	for {
		s.bus.mu.Lock()
		v, err, ok := s.poll()
		wake := s.bus.wake
		s.bus.mu.Unlock()

		if ok {
			return v, err
		}

		select {
		case <-wake:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// Pending returns how many values are waiting for this subscriber, capped at
// the ring capacity.
func (s *Subscription[T]) Pending() int {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	n := s.bus.head - s.next
	if n > uint64(len(s.bus.ring)) {
		return len(s.bus.ring)
	}
	return int(n)
}

// Close detaches the subscription from the bus.
func (s *Subscription[T]) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.bus.subscribers--
}

// poll must be called with s.bus.mu held. ok is false when the caller should
// wait for the next publish.
func (s *Subscription[T]) poll() (v T, err error, ok bool) {
	b := s.bus
	if s.closed {
		return v, ErrClosed, true
	}

	capacity := uint64(len(b.ring))
	if b.head-s.next > capacity {
		oldest := b.head - capacity
		missed := oldest - s.next
		s.next = oldest
		return v, &LaggedError{Missed: missed}, true
	}

	if s.next < b.head {
		v = b.ring[s.next%capacity]
		s.next++
		return v, nil, true
	}

	if b.closed {
		return v, ErrClosed, true
	}
	return v, nil, false
}
