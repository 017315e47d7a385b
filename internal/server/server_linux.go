//go:build linux

// Package server is the reactor: it owns the listening socket, the epoll
// instance and the self-pipe, accepts connections, drives the idle timer list
// and hands ready connections to the worker pool.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/goceleris/tinyweb/internal/blockqueue"
	"github.com/goceleris/tinyweb/internal/httpconn"
	"github.com/goceleris/tinyweb/internal/poller"
	"github.com/goceleris/tinyweb/internal/stats"
	"github.com/goceleris/tinyweb/internal/threadpool"
	"github.com/goceleris/tinyweb/internal/timer"
	"github.com/goceleris/tinyweb/internal/userdb"
)

const (
	maxEvents = 10000
	backlog   = 4096
	// Idle connections expire after this many timer slots.
	expirySlots = 3
)

// busyMessage is written raw to connections refused at the connection cap.
const busyMessage = "Internal server busy"

// Self-pipe messages. Signals travel as their number; msgClose has no signal.
const (
	msgClose byte = 0
	msgAlarm      = byte(unix.SIGALRM)
	msgTerm       = byte(unix.SIGTERM)
	msgInt        = byte(unix.SIGINT)
)

// Options configures a Server.
type Options struct {
	// Addr is the host:port to listen on. Port 0 picks a free port.
	Addr     string
	DocRoot  string
	Linger   bool
	ListenET bool
	ConnET   bool
	Mode     threadpool.Mode

	Workers     int
	MaxRequests int
	TimeSlot    time.Duration
	MaxFD       int

	// Signals forwards SIGTERM and SIGINT into the event loop.
	Signals bool

	Store  *userdb.Store
	Users  *userdb.Users
	Stats  *stats.Stats
	Logger *slog.Logger
}

type slot struct {
	conn  httpconn.Conn
	timer timer.Handle
	open  bool
}

// Server is a single-reactor HTTP server.
type Server struct {
	opts   Options
	logger *slog.Logger

	listenFd int
	addr     net.Addr
	poller   *poller.Poller
	pipe     [2]int
	pipeMu   sync.RWMutex
	pipeOpen bool

	pool   *threadpool.Pool
	env    *httpconn.Env
	timers *timer.List
	closeQ *blockqueue.Queue[int]

	slots  []*slot
	active int

	alarm     *time.Timer
	sigCh     chan os.Signal
	closeOnce sync.Once
}

// New binds the listening socket, creates the epoll instance and self-pipe,
// and starts the worker pool. Any failure here is fatal to startup.
func New(opts Options) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TimeSlot <= 0 {
		opts.TimeSlot = 5 * time.Second
	}
	if opts.MaxFD <= 0 {
		opts.MaxFD = 65536
	}

	s := &Server{
		opts:     opts,
		logger:   opts.Logger,
		listenFd: -1,
		pipe:     [2]int{-1, -1},
		timers:   timer.New(),
		closeQ:   blockqueue.New[int](opts.MaxFD),
	}

	if err := s.setup(); err != nil {
		s.release()
		return nil, err
	}

	s.env = &httpconn.Env{
		DocRoot: opts.DocRoot,
		Poller:  s.poller,
		ConnET:  opts.ConnET,
		Linger:  opts.Linger,
		Users:   opts.Users,
		Stats:   opts.Stats,
		Logger:  opts.Logger,
		Abort:   s.requestClose,
	}

	pool, err := threadpool.New(opts.Mode, opts.Store, opts.Workers, opts.MaxRequests, opts.Logger)
	if err != nil {
		s.release()
		return nil, fmt.Errorf("thread pool: %w", err)
	}
	s.pool = pool
	return s, nil
}

func (s *Server) setup() error {
	tcpAddr, err := net.ResolveTCPAddr("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", s.opts.Addr, err)
	}

	family := unix.AF_INET
	var sa unix.Sockaddr = &unix.SockaddrInet4{Port: tcpAddr.Port}
	if ip := tcpAddr.IP; ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			sa4 := &unix.SockaddrInet4{Port: tcpAddr.Port}
			copy(sa4.Addr[:], ip4)
			sa = sa4
		} else {
			family = unix.AF_INET6
			sa6 := &unix.SockaddrInet6{Port: tcpAddr.Port}
			copy(sa6.Addr[:], ip.To16())
			sa = sa6
		}
	}

	listenFd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	s.listenFd = listenFd

	if err := unix.SetsockoptInt(listenFd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if s.opts.Linger {
		// Accepted sockets inherit a one second graceful close.
		l := &unix.Linger{Onoff: 1, Linger: 1}
		if err := unix.SetsockoptLinger(listenFd, unix.SOL_SOCKET, unix.SO_LINGER, l); err != nil {
			return fmt.Errorf("setsockopt SO_LINGER: %w", err)
		}
	}

	if err := unix.Bind(listenFd, sa); err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(listenFd, backlog); err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	bound, err := unix.Getsockname(listenFd)
	if err != nil {
		return fmt.Errorf("getsockname: %w", err)
	}
	s.addr = net.TCPAddrFromAddrPort(sockaddrPort(bound))

	p, err := poller.New()
	if err != nil {
		return err
	}
	s.poller = p

	if err := p.Add(listenFd, false, s.opts.ListenET); err != nil {
		return fmt.Errorf("epoll_ctl add listen: %w", err)
	}

	if err := unix.Pipe2(s.pipe[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return fmt.Errorf("pipe2: %w", err)
	}
	s.pipeOpen = true
	if err := p.Add(s.pipe[0], false, false); err != nil {
		return fmt.Errorf("epoll_ctl add pipe: %w", err)
	}
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr { return s.addr }

// Pool exposes the worker pool for reporting.
func (s *Server) Pool() *threadpool.Pool { return s.pool }

// Run serves until SIGTERM or SIGINT arrives (when Options.Signals is set) or
// ctx is cancelled, then closes every connection, drains the pool and
// releases the sockets.
func (s *Server) Run(ctx context.Context) error {
	defer s.Close()

	stop := context.AfterFunc(ctx, func() { s.notify(msgTerm) })
	defer stop()

	if s.opts.Signals {
		s.sigCh = make(chan os.Signal, 1)
		signal.Notify(s.sigCh, unix.SIGTERM, unix.SIGINT)
		go s.forwardSignals(s.sigCh)
	}
	signal.Ignore(unix.SIGPIPE)

	s.alarm = time.AfterFunc(s.opts.TimeSlot, func() { s.notify(msgAlarm) })

	s.logger.Info("server listening",
		"addr", s.addr.String(),
		"mode", s.opts.Mode.String(),
		"listen_et", s.opts.ListenET,
		"conn_et", s.opts.ConnET,
		"linger", s.opts.Linger,
		"workers", s.opts.Workers)

	return s.eventLoop()
}

// Close tears the server down. It is safe to call more than once.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		if s.alarm != nil {
			s.alarm.Stop()
		}
		if s.sigCh != nil {
			signal.Stop(s.sigCh)
			close(s.sigCh)
		}

		// Workers finish first so no connection is in use while it closes.
		if s.pool != nil {
			s.pool.Close()
		}
		for _, sl := range s.slots {
			if sl != nil && sl.open {
				s.closeConn(sl, false)
			}
		}
		s.release()
		s.logger.Info("server stopped")
	})
}

func (s *Server) release() {
	s.pipeMu.Lock()
	if s.pipeOpen {
		_ = unix.Close(s.pipe[0])
		_ = unix.Close(s.pipe[1])
		s.pipeOpen = false
	}
	s.pipeMu.Unlock()

	if s.poller != nil {
		_ = s.poller.Close()
	}
	if s.listenFd >= 0 {
		_ = unix.Close(s.listenFd)
		s.listenFd = -1
	}
	s.closeQ.Close()
}

func (s *Server) forwardSignals(ch <-chan os.Signal) {
	for sig := range ch {
		if us, ok := sig.(unix.Signal); ok {
			s.notify(byte(us))
		}
	}
}

// notify writes one message byte into the self-pipe. A full pipe already
// guarantees a wakeup, so EAGAIN is ignored.
func (s *Server) notify(msg byte) {
	s.pipeMu.RLock()
	defer s.pipeMu.RUnlock()
	if !s.pipeOpen {
		return
	}
	if _, err := unix.Write(s.pipe[1], []byte{msg}); err != nil && err != unix.EAGAIN {
		s.logger.Warn("self-pipe write failed", "error", err)
	}
}

// requestClose is called by workers that hit an I/O failure. The reactor
// performs the teardown.
func (s *Server) requestClose(fd int) {
	if !s.closeQ.Push(fd) {
		// The idle timer will collect it.
		s.logger.Warn("close queue full", "fd", fd)
		return
	}
	s.notify(msgClose)
}

func (s *Server) eventLoop() error {
	events := make([]unix.EpollEvent, maxEvents)
	timeout := false
	stop := false

	for !stop {
		n, err := s.poller.Wait(events, -1)
		if err != nil {
			return err
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			ev := events[i].Events

			switch {
			case fd == s.listenFd:
				s.acceptConnections()
			case fd == s.pipe[0]:
				if ev&unix.EPOLLIN == 0 {
					continue
				}
				t, st := s.dealWithSignal()
				timeout = timeout || t
				stop = stop || st
			case ev&poller.EventClosed != 0:
				if sl := s.lookup(fd); sl != nil {
					sl.conn.Acquire()
					s.closeConn(sl, false)
				}
			case ev&unix.EPOLLIN != 0:
				s.dealWithRead(fd)
			case ev&unix.EPOLLOUT != 0:
				s.dealWithWrite(fd)
			}
		}

		if timeout {
			s.tick()
			timeout = false
		}
	}

	s.logger.Info("stop requested")
	return nil
}

// acceptConnections accepts one connection in level-triggered mode and all
// pending ones in edge-triggered mode.
func (s *Server) acceptConnections() {
	for {
		fd, sa, err := unix.Accept4(s.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EAGAIN:
			case unix.EINTR, unix.ECONNABORTED:
				continue
			default:
				s.logger.Error("accept failed", "error", err)
			}
			return
		}

		if s.active >= s.opts.MaxFD {
			_, _ = unix.Write(fd, []byte(busyMessage))
			_ = unix.Close(fd)
			s.opts.Stats.Rejected()
			s.logger.Warn("connection cap reached", "max_fd", s.opts.MaxFD)
		} else {
			s.addConn(fd, sa)
		}

		if !s.opts.ListenET {
			return
		}
	}
}

func (s *Server) addConn(fd int, sa unix.Sockaddr) {
	for fd >= len(s.slots) {
		s.slots = append(s.slots, nil)
	}
	sl := s.slots[fd]
	if sl == nil {
		sl = &slot{}
		s.slots[fd] = sl
	}

	sl.conn.Init(s.env, fd, sockaddrPort(sa).String())
	if err := s.poller.Add(fd, true, s.opts.ConnET); err != nil {
		s.logger.Error("register connection failed", "fd", fd, "error", err)
		_ = unix.Close(fd)
		return
	}

	sl.open = true
	s.armTimer(sl)
	s.active++
	s.opts.Stats.Accepted()
	s.opts.Stats.SetActive(int64(s.active))
	s.logger.Debug("connection accepted", "conn", sl.conn.ID(), "fd", fd, "peer", sl.conn.Addr())
}

func (s *Server) lookup(fd int) *slot {
	if fd < 0 || fd >= len(s.slots) {
		return nil
	}
	if sl := s.slots[fd]; sl != nil && sl.open {
		return sl
	}
	return nil
}

// dealWithSignal drains the self-pipe and any pending close requests.
func (s *Server) dealWithSignal() (timeout, stop bool) {
	var buf [1024]byte
	for {
		n, err := unix.Read(s.pipe[0], buf[:])
		if err != nil || n <= 0 {
			break
		}
		for _, msg := range buf[:n] {
			switch msg {
			case msgAlarm:
				timeout = true
			case msgTerm, msgInt:
				stop = true
			}
		}
	}

	for {
		fd, ok := s.closeQ.TryPop()
		if !ok {
			break
		}
		// The fd may have been closed by the timer and reused since.
		if sl := s.lookup(fd); sl != nil && sl.conn.Closing() {
			sl.conn.Acquire()
			s.closeConn(sl, false)
		}
	}
	return timeout, stop
}

func (s *Server) dealWithRead(fd int) {
	sl := s.lookup(fd)
	if sl == nil {
		return
	}
	c := &sl.conn
	// One-shot registration means the event only fires once the last holder
	// re-armed; taking ownership here orders its writes before ours.
	c.Acquire()

	if s.opts.Mode == threadpool.Proactor {
		s.touch(sl)
		if !s.pool.Append(c, threadpool.StateRead) {
			s.dropped(sl)
		}
		return
	}

	if !c.ReadOnce() {
		s.closeConn(sl, false)
		return
	}
	s.touch(sl)
	if !s.pool.AppendP(c) {
		s.dropped(sl)
	}
}

func (s *Server) dealWithWrite(fd int) {
	sl := s.lookup(fd)
	if sl == nil {
		return
	}
	c := &sl.conn
	c.Acquire()

	if s.opts.Mode == threadpool.Proactor {
		s.touch(sl)
		if !s.pool.Append(c, threadpool.StateWrite) {
			s.dropped(sl)
		}
		return
	}

	if !c.Write() {
		s.closeConn(sl, false)
		return
	}
	s.touch(sl)
}

func (s *Server) dropped(sl *slot) {
	s.opts.Stats.Dropped()
	s.logger.Warn("dispatch queue full, dropping connection", "conn", sl.conn.ID(), "fd", sl.conn.Fd())
	s.closeConn(sl, false)
}

func (s *Server) expiry() time.Time {
	return time.Now().Add(expirySlots * s.opts.TimeSlot)
}

func (s *Server) armTimer(sl *slot) {
	id := sl.conn.ID()
	sl.timer = s.timers.Add(s.expiry(), func() { s.expire(sl, id) })
}

// touch pushes the connection's expiry out after activity.
func (s *Server) touch(sl *slot) {
	if !s.timers.Adjust(sl.timer, s.expiry()) {
		s.armTimer(sl)
	}
}

// expire is the timer callback. A connection a worker still owns is given
// another full period instead of being closed under it.
func (s *Server) expire(sl *slot, id string) {
	if !sl.open || sl.conn.ID() != id {
		return
	}
	if !sl.conn.TryAcquire() {
		s.armTimer(sl)
		return
	}
	s.logger.Debug("connection expired", "conn", id, "fd", sl.conn.Fd())
	s.closeConn(sl, true)
}

func (s *Server) tick() {
	fired := s.timers.Tick(time.Now())
	if fired > 0 {
		s.logger.Debug("timer tick", "expired", fired, "active", s.active)
	}
	s.alarm.Reset(s.opts.TimeSlot)
}

func (s *Server) closeConn(sl *slot, expired bool) {
	if !sl.open {
		return
	}
	fd := sl.conn.Fd()
	if err := s.poller.Remove(fd); err != nil && !errors.Is(err, unix.ENOENT) {
		s.logger.Debug("deregister failed", "fd", fd, "error", err)
	}
	s.timers.Del(sl.timer)
	sl.timer = timer.Handle{}
	if err := sl.conn.Close(); err != nil {
		s.logger.Debug("close failed", "fd", fd, "error", err)
	}
	sl.open = false

	s.active--
	s.opts.Stats.Closed(expired)
	s.opts.Stats.SetActive(int64(s.active))
}

func sockaddrPort(sa unix.Sockaddr) netip.AddrPort {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr), uint16(a.Port))
	}
	return netip.AddrPort{}
}
