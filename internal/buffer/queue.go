// Package buffer provides a growable FIFO queue that decouples a fast producer
// from a batching consumer.
package buffer

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Pop and Wait once the queue is closed and empty.
var ErrClosed = errors.New("queue closed")

// Stats contains queue statistics.
type Stats struct {
	Len       int
	Capacity  int
	Limit     int
	Pushed    int64
	Popped    int64
	Dropped   int64 // oldest items evicted because Limit was reached
	Grows     int
	HighWater int
}

// Queue is a thread-safe ring buffer that doubles its capacity when full.
// With a positive limit it stops growing there and evicts the oldest item
// for each new one.
type Queue[T any] struct {
	mu     sync.Mutex
	ring   []T
	head   int
	count  int
	limit  int
	closed bool

	// ready holds a token while items may be available.
	ready chan struct{}
	done  chan struct{}

	stats Stats
}

// New creates a queue with the given initial capacity and limit (0 = unbounded).
func New[T any](initialCapacity, limit int) *Queue[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	if limit > 0 && initialCapacity > limit {
		initialCapacity = limit
	}
	return &Queue[T]{
		ring:  make([]T, initialCapacity),
		limit: limit,
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Push appends item. It returns false if the queue is closed.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	if q.count == len(q.ring) {
		if q.limit > 0 && q.count >= q.limit {
			q.takeLocked()
			q.stats.Dropped++
		} else {
			q.growLocked()
		}
	}

	q.ring[(q.head+q.count)%len(q.ring)] = item
	q.count++
	q.stats.Pushed++
	if q.count > q.stats.HighWater {
		q.stats.HighWater = q.count
	}

	q.signalLocked()
	return true
}

// TryPop removes the oldest item without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		var zero T
		return zero, false
	}
	item := q.takeLocked()
	q.stats.Popped++
	return item, true
}

// Pop removes the oldest item, blocking until one is available, the queue is
// closed and drained, or ctx is done.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	for {
		if item, ok := q.TryPop(); ok {
			return item, nil
		}
		if err := q.Wait(ctx); err != nil {
			var zero T
			return zero, err
		}
	}
}

// Wait blocks until the queue is non-empty. It returns ErrClosed once the
// queue is closed and empty, or ctx.Err().
func (q *Queue[T]) Wait(ctx context.Context) error {
	for {
		q.mu.Lock()
		n, closed := q.count, q.closed
		q.mu.Unlock()

		if n > 0 {
			return nil
		}
		if closed {
			return ErrClosed
		}

		select {
		case <-q.ready:
		case <-q.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// PopBatch removes up to max items (all of them if max <= 0), oldest first.
func (q *Queue[T]) PopBatch(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.count
	if max > 0 && max < n {
		n = max
	}
	if n == 0 {
		return nil
	}

	out := make([]T, n)
	for i := range out {
		out[i] = q.takeLocked()
	}
	q.stats.Popped += int64(n)
	return out
}

// Close stops further pushes. Items already queued can still be popped.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.done)
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Stats returns queue statistics.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.stats
	s.Len = q.count
	s.Capacity = len(q.ring)
	s.Limit = q.limit
	return s
}

// takeLocked removes the head item. Caller holds q.mu and ensures count > 0.
func (q *Queue[T]) takeLocked() T {
	item := q.ring[q.head]
	var zero T
	q.ring[q.head] = zero
	q.head = (q.head + 1) % len(q.ring)
	q.count--
	return item
}

// growLocked doubles the ring, capped at limit, and unwraps it.
func (q *Queue[T]) growLocked() {
	size := len(q.ring) * 2
	if q.limit > 0 && size > q.limit {
		size = q.limit
	}
	ring := make([]T, size)
	n := copy(ring, q.ring[q.head:])
	copy(ring[n:], q.ring[:q.head])

	q.ring = ring
	q.head = 0
	q.stats.Grows++
}

func (q *Queue[T]) signalLocked() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
