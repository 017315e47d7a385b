//go:build linux

package poller

import (
	"testing"

	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestOneShotRequiresRearm(t *testing.T) {
	p, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = p.Close() }()

	a, b := socketpair(t)
	if err := p.Add(a, true, false); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if _, err := unix.Write(b, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	events := make([]unix.EpollEvent, 4)
	n, err := p.Wait(events, 100)
	if err != nil || n != 1 || int(events[0].Fd) != a {
		t.Fatalf("expected one event for fd %d, got n=%d err=%v", a, n, err)
	}

	// Data is still unread, but one-shot suppresses a second report.
	n, _ = p.Wait(events, 50)
	if n != 0 {
		t.Fatalf("expected no event before re-arm, got %d", n)
	}

	if err := p.Modify(a, EventRead, false); err != nil {
		t.Fatalf("Modify: %v", err)
	}
	n, _ = p.Wait(events, 100)
	if n != 1 {
		t.Fatalf("expected event after re-arm, got %d", n)
	}
}

func TestRemove(t *testing.T) {
	p, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = p.Close() }()

	a, b := socketpair(t)
	if err := p.Add(a, false, true); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := p.Remove(a); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	_, _ = unix.Write(b, []byte("x"))

	events := make([]unix.EpollEvent, 4)
	if n, _ := p.Wait(events, 50); n != 0 {
		t.Errorf("expected no events after Remove, got %d", n)
	}
	if err := p.Remove(a); err == nil {
		t.Error("expected error removing an unregistered fd")
	}
}
