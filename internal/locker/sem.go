// Package locker provides the counting semaphore the worker pool waits on.
// Mutexes and condition variables come straight from package sync.
package locker

import "sync"

// Sem is a counting semaphore. Unlike a weighted semaphore it may be posted
// without a matching wait, so it can count queued work items.
type Sem struct {
	mu     sync.Mutex
	cond   *sync.Cond
	count  int
	closed bool
}

// NewSem creates a semaphore with the given initial count.
func NewSem(count int) *Sem {
	s := &Sem{count: count}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Wait blocks until the count is positive, then decrements it.
// It returns false once the semaphore is closed and drained.
func (s *Sem) Wait() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.count <= 0 {
		if s.closed {
			return false
		}
		s.cond.Wait()
	}
	s.count--
	return true
}

// TryWait decrements the count without blocking if it is positive.
func (s *Sem) TryWait() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count <= 0 {
		return false
	}
	s.count--
	return true
}

// Post increments the count and wakes one waiter.
func (s *Sem) Post() {
	s.mu.Lock()
	s.count++
	s.mu.Unlock()
	s.cond.Signal()
}

// Count returns a snapshot of the current count.
func (s *Sem) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Close releases every waiter. Waiters still drain remaining posts first.
func (s *Sem) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Broadcast()
}
