package router

import (
	"sync"
)

// EventQueue is an unbounded FIFO that never drops. The ring doubles its
// capacity when it reaches 70% full, so producers never block and the
// single consumer sees events in exactly the order they were posted.
type EventQueue[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	ring     []T
	head     int // next read
	tail     int // next write
	count    int
	capacity int
	closed   bool

	// Stats
	posted  int64
	taken   int64
	resizes int
}

// NewEventQueue creates a queue with the given initial capacity.
func NewEventQueue[T any](initialCapacity int) *EventQueue[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	q := &EventQueue[T]{
		ring:     make([]T, initialCapacity),
		capacity: initialCapacity,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Post appends an event. Returns false if the queue is closed.
func (q *EventQueue[T]) Post(ev T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	threshold := (q.capacity * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if q.count+1 >= threshold {
		q.grow()
	}

	q.ring[q.tail] = ev
	q.tail = (q.tail + 1) % q.capacity
	q.count++
	q.posted++

	q.cond.Signal()
	return true
}

// Next blocks until an event is available or the queue is closed and empty.
func (q *EventQueue[T]) Next() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.count == 0 {
		var zero T
		return zero, false
	}
	return q.pop(), true
}

// TryNext returns an event without blocking.
func (q *EventQueue[T]) TryNext() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		var zero T
		return zero, false
	}
	return q.pop(), true
}

// Drain removes up to max events (all when max <= 0).
func (q *EventQueue[T]) Drain(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil
	}
	n := q.count
	if max > 0 && max < n {
		n = max
	}
	out := make([]T, n)
	for i := range out {
		out[i] = q.pop()
	}
	return out
}

// Close stops accepting events. Queued events are still delivered.
func (q *EventQueue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

// Len returns the number of queued events.
func (q *EventQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Stats returns queue statistics.
func (q *EventQueue[T]) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Queued:   q.count,
		Capacity: q.capacity,
		Posted:   q.posted,
		Taken:    q.taken,
		Resizes:  q.resizes,
	}
}

// QueueStats contains queue statistics.
type QueueStats struct {
	Queued   int
	Capacity int
	Posted   int64
	Taken    int64
	Resizes  int
}

// pop must be called with the lock held and count > 0.
func (q *EventQueue[T]) pop() T {
	ev := q.ring[q.head]
	var zero T
	q.ring[q.head] = zero // release for GC
	q.head = (q.head + 1) % q.capacity
	q.count--
	q.taken++
	return ev
}

// grow doubles the ring, unwrapping it. Must be called with the lock held.
func (q *EventQueue[T]) grow() {
	next := make([]T, q.capacity*2)
	if q.count > 0 {
		if q.head < q.tail {
			copy(next, q.ring[q.head:q.tail])
		} else {
			n := copy(next, q.ring[q.head:])
			copy(next[n:], q.ring[:q.tail])
		}
	}
	q.ring = next
	q.head = 0
	q.tail = q.count
	q.capacity *= 2
	q.resizes++
}
