// Package blockqueue implements a fixed-capacity ring buffer guarded by a
// single lock. Push never blocks and fails when the queue is full; Pop blocks
// until an item arrives or the queue is closed.
package blockqueue

import (
	"sync"
	"time"
)

// Queue is a bounded FIFO safe for concurrent producers and consumers.
type Queue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	front  int // index of the oldest item
	size   int
	closed bool
}

// New creates a queue holding at most maxSize items. maxSize must be positive.
func New[T any](maxSize int) *Queue[T] {
	if maxSize <= 0 {
		panic("blockqueue: max size must be positive")
	}
	q := &Queue[T]{items: make([]T, maxSize)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends item. When the queue is at capacity it wakes waiting
// consumers and returns false without blocking.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.size >= len(q.items) {
		q.cond.Broadcast()
		return false
	}

	back := (q.front + q.size) % len(q.items)
	q.items[back] = item
	q.size++
	q.cond.Broadcast()
	return true
}

// Pop removes the oldest item, blocking while the queue is empty. It returns
// false once the queue has been closed and drained.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.size == 0 {
		if q.closed {
			var zero T
			return zero, false
		}
		q.cond.Wait()
	}
	return q.take(), true
}

// PopTimeout is Pop with a deadline. It returns false if nothing arrives
// within timeout.
func (q *Queue[T]) PopTimeout(timeout time.Duration) (T, bool) {
	deadline := time.Now().Add(timeout)
	wake := time.AfterFunc(timeout, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer wake.Stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for q.size == 0 {
		if q.closed || !time.Now().Before(deadline) {
			var zero T
			return zero, false
		}
		q.cond.Wait()
	}
	return q.take(), true
}

// TryPop removes the oldest item without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		var zero T
		return zero, false
	}
	return q.take(), true
}

// take must be called with mu held and size > 0.
func (q *Queue[T]) take() T {
	var zero T
	item := q.items[q.front]
	q.items[q.front] = zero
	q.front = (q.front + 1) % len(q.items)
	q.size--
	return item
}

// Front returns the oldest item without removing it.
func (q *Queue[T]) Front() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		var zero T
		return zero, false
	}
	return q.items[q.front], true
}

// Back returns the newest item without removing it.
func (q *Queue[T]) Back() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		var zero T
		return zero, false
	}
	return q.items[(q.front+q.size-1)%len(q.items)], true
}

// Size returns the number of queued items.
func (q *Queue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// MaxSize returns the fixed capacity.
func (q *Queue[T]) MaxSize() int {
	return len(q.items)
}

// Full reports whether the queue is at capacity.
func (q *Queue[T]) Full() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size >= len(q.items)
}

// Empty reports whether the queue holds no items.
func (q *Queue[T]) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size == 0
}

// Clear drops every queued item.
func (q *Queue[T]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	clear(q.items)
	q.front = 0
	q.size = 0
}

// Close rejects further pushes and releases blocked consumers once the
// remaining items are drained.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
