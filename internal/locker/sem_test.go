package locker

import (
	"testing"
	"time"
)

func TestSemCounts(t *testing.T) {
	s := NewSem(2)
	if !s.TryWait() || !s.TryWait() {
		t.Fatal("expected two successful TryWait calls")
	}
	if s.TryWait() {
		t.Error("expected TryWait to fail on zero count")
	}

	s.Post()
	if got := s.Count(); got != 1 {
		t.Errorf("expected count 1, got %d", got)
	}
}

func TestSemWaitBlocksUntilPost(t *testing.T) {
	s := NewSem(0)
	done := make(chan bool)

	go func() {
		done <- s.Wait()
	}()

	select {
	case <-done:
		t.Fatal("Wait returned before Post")
	case <-time.After(50 * time.Millisecond):
	}

	s.Post()

	select {
	case ok := <-done:
		if !ok {
			t.Error("expected Wait to succeed after Post")
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Post")
	}
}

func TestSemCloseReleasesWaiters(t *testing.T) {
	s := NewSem(1)
	s.Close()

	// Remaining count drains before Wait reports closure.
	if !s.Wait() {
		t.Error("expected pending post to be consumed after Close")
	}
	if s.Wait() {
		t.Error("expected Wait to fail on closed, empty semaphore")
	}
}
