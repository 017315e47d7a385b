//go:build linux

// Package poller wraps a Linux epoll instance with the registration helpers
// the reactor and connections share.
package poller

import (
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// Event masks passed to Modify.
const (
	EventRead  uint32 = unix.EPOLLIN
	EventWrite uint32 = unix.EPOLLOUT
	// EventClosed covers peer shutdown and socket errors.
	EventClosed uint32 = unix.EPOLLRDHUP | unix.EPOLLHUP | unix.EPOLLERR
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("poller: closed")

// Interface is the subset of Poller a connection needs to re-arm itself.
type Interface interface {
	Modify(fd int, events uint32, edgeTriggered bool) error
	Remove(fd int) error
}

// Poller owns one epoll descriptor.
type Poller struct {
	fd int
}

// New creates an epoll instance.
func New() (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Poller{fd: fd}, nil
}

// Fd returns the epoll descriptor.
func (p *Poller) Fd() int {
	return p.fd
}

// Add registers fd for read readiness. oneShot disables the registration after
// the first report until Modify re-arms it.
func (p *Poller) Add(fd int, oneShot, edgeTriggered bool) error {
	events := unix.EPOLLIN | unix.EPOLLRDHUP
	if edgeTriggered {
		events |= unix.EPOLLET
	}
	if oneShot {
		events |= unix.EPOLLONESHOT
	}

	ev := &unix.EpollEvent{Events: uint32(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return fmt.Errorf("epoll_ctl add %d: %w", fd, err)
	}
	return nil
}

// Modify re-arms a one-shot registration with the given interest.
func (p *Poller) Modify(fd int, events uint32, edgeTriggered bool) error {
	events |= unix.EPOLLONESHOT | unix.EPOLLRDHUP
	if edgeTriggered {
		events |= unix.EPOLLET
	}

	ev := &unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, ev); err != nil {
		return fmt.Errorf("epoll_ctl mod %d: %w", fd, err)
	}
	return nil
}

// Remove deregisters fd. The descriptor itself stays open.
func (p *Poller) Remove(fd int) error {
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl del %d: %w", fd, err)
	}
	return nil
}

// Wait blocks for readiness. A signal interruption is reported as zero events.
func (p *Poller) Wait(events []unix.EpollEvent, msec int) (int, error) {
	n, err := unix.EpollWait(p.fd, events, msec)
	if err != nil {
		if err == syscall.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll_wait: %w", err)
	}
	return n, nil
}

// Close releases the epoll descriptor.
func (p *Poller) Close() error {
	if p.fd < 0 {
		return ErrClosed
	}
	err := unix.Close(p.fd)
	p.fd = -1
	return err
}

// SetNonblock puts fd in non-blocking mode.
func SetNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}
