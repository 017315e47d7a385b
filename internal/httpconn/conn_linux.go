//go:build linux

package httpconn

import (
	"log/slog"
	"runtime"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/goceleris/tinyweb/internal/poller"
	"github.com/goceleris/tinyweb/internal/stats"
	"github.com/goceleris/tinyweb/internal/userdb"
)

// Env is the state every connection shares. It is built once at startup.
type Env struct {
	DocRoot string
	Poller  poller.Interface
	// ConnET selects edge-triggered registration for client sockets.
	ConnET bool
	// Linger permits keep-alive when the client asks for it.
	Linger bool
	Users  *userdb.Users
	Stats  *stats.Stats
	Logger *slog.Logger
	// Abort asks the reactor to tear down fd. Workers never close sockets.
	Abort func(fd int)
}

// Conn is one accepted socket and its in-flight request.
//
// A Conn is touched by at most one goroutine at a time: the reactor hands it
// to a worker only while its one-shot registration is disarmed, and the
// worker re-arms it as its last action.
type Conn struct {
	env  *Env
	fd   int
	addr string
	id   string

	readBuf    [ReadBufferSize]byte
	readIdx    int
	checkedIdx int
	startLine  int

	writeBuf [WriteBufferSize]byte
	writeIdx int

	checkState    CheckState
	method        Method
	url           string
	version       string
	host          string
	contentLength int
	linger        bool
	cgi           bool
	body          string

	realFile string
	file     []byte
	fileSize int64
	iv       [][]byte

	bytesToSend   int
	bytesHaveSend int

	db *userdb.Handle

	busy    atomic.Bool
	closing atomic.Bool
}

// Init binds the connection to a freshly accepted socket.
func (c *Conn) Init(env *Env, fd int, addr string) {
	c.env = env
	c.fd = fd
	c.addr = addr
	c.id = uuid.New().String()[:8]
	c.busy.Store(false)
	c.closing.Store(false)
	c.reset()
}

// reset clears per-request state so the connection can read the next request.
func (c *Conn) reset() {
	c.readIdx = 0
	c.checkedIdx = 0
	c.startLine = 0
	c.writeIdx = 0
	c.checkState = StateRequestLine
	c.method = MethodGet
	c.url = ""
	c.version = ""
	c.host = ""
	c.contentLength = 0
	c.linger = false
	c.cgi = false
	c.body = ""
	c.realFile = ""
	c.fileSize = 0
	c.iv = c.iv[:0]
	c.bytesToSend = 0
	c.bytesHaveSend = 0
	clear(c.readBuf[:])
	clear(c.writeBuf[:])
}

// Fd returns the socket descriptor.
func (c *Conn) Fd() int { return c.fd }

// Addr returns the peer address.
func (c *Conn) Addr() string { return c.addr }

// ID returns a short identifier used in logs.
func (c *Conn) ID() string { return c.id }

// KeepAlive reports whether the current response keeps the connection open.
func (c *Conn) KeepAlive() bool { return c.linger }

// TryAcquire takes ownership of the connection unless a worker or the
// reactor already holds it. Every field except the flags belongs to the
// holder until it releases through a re-arm or Abort.
func (c *Conn) TryAcquire() bool { return c.busy.CompareAndSwap(false, true) }

// Acquire takes ownership after a readiness event or a close request. The
// previous holder has already re-armed or aborted by then and is only
// moments from releasing, so the wait is short.
func (c *Conn) Acquire() {
	for !c.busy.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

// Busy reports whether someone currently owns the connection.
func (c *Conn) Busy() bool { return c.busy.Load() }

// Closing reports whether the connection asked to be torn down.
func (c *Conn) Closing() bool { return c.closing.Load() }

// ReadOnce reads whatever the socket has into the read buffer. Level-triggered
// sockets are read once; edge-triggered sockets are drained until EAGAIN. It
// returns false when the peer closed or the read failed.
func (c *Conn) ReadOnce() bool {
	if c.readIdx >= ReadBufferSize {
		return false
	}

	if !c.env.ConnET {
		n, err := unix.Read(c.fd, c.readBuf[c.readIdx:])
		if err != nil {
			return err == unix.EAGAIN
		}
		if n == 0 {
			return false
		}
		c.readIdx += n
		return true
	}

	for c.readIdx < ReadBufferSize {
		n, err := unix.Read(c.fd, c.readBuf[c.readIdx:])
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			return false
		}
		if n == 0 {
			return false
		}
		c.readIdx += n
	}
	return true
}

// Process parses what has been read so far and, once a request is complete,
// resolves it and prepares the response. h is the database handle checked
// out for this request; it may be nil when no credential store is wired.
func (c *Conn) Process(h *userdb.Handle) {
	// Nothing may touch the connection after the re-arm below, so the handle
	// is dropped as soon as parsing is done.
	c.db = h
	code := c.processRead()
	c.db = nil

	if code == NoRequest {
		c.rearm(poller.EventRead)
		return
	}

	if !c.processWrite(code) {
		c.Abort()
		return
	}
	c.rearm(poller.EventWrite)
}

// Write sends the prepared response with scatter writes, resuming after
// partial writes. It returns false when the connection should be closed.
func (c *Conn) Write() bool {
	if c.bytesToSend == 0 {
		c.reset()
		c.rearm(poller.EventRead)
		return true
	}

	for {
		n, err := unix.Writev(c.fd, c.iv)
		if err != nil {
			if err == unix.EAGAIN {
				c.rearm(poller.EventWrite)
				return true
			}
			c.unmap()
			return false
		}

		c.bytesHaveSend += n
		c.bytesToSend -= n
		c.env.Stats.Sent(n)

		if c.bytesHaveSend >= c.writeIdx {
			c.iv[0] = c.writeBuf[:0]
			if len(c.iv) > 1 {
				c.iv[1] = c.file[c.bytesHaveSend-c.writeIdx:]
			}
		} else {
			c.iv[0] = c.writeBuf[c.bytesHaveSend:c.writeIdx]
		}

		if c.bytesToSend <= 0 {
			c.unmap()
			if c.linger {
				c.reset()
				c.rearm(poller.EventRead)
				return true
			}
			return false
		}
	}
}

// Abort hands the connection back to the reactor for teardown. The
// connection may be closed and reused as soon as it is released, so only
// locals are touched afterwards.
func (c *Conn) Abort() {
	fd, notify := c.fd, c.env.Abort
	c.closing.Store(true)
	c.busy.Store(false)
	if notify != nil {
		notify(fd)
	}
}

// Close releases the mapping and the socket. The caller must already have
// removed fd from the poller.
func (c *Conn) Close() error {
	c.unmap()
	if c.fd < 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.logger().Debug("connection closed", "conn", c.id, "fd", c.fd, "peer", c.addr)
	c.fd = -1
	return err
}

// rearm registers interest and then releases ownership. Releasing last keeps
// the idle timer from closing the socket while Modify still uses its fd.
func (c *Conn) rearm(events uint32) {
	if err := c.env.Poller.Modify(c.fd, events, c.env.ConnET); err != nil {
		c.logger().Warn("re-arm failed", "conn", c.id, "fd", c.fd, "error", err)
	}
	c.busy.Store(false)
}

func (c *Conn) unmap() {
	if c.file != nil {
		if err := unix.Munmap(c.file); err != nil {
			c.logger().Warn("munmap failed", "conn", c.id, "file", c.realFile, "error", err)
		}
		c.file = nil
	}
}

func (c *Conn) logger() *slog.Logger {
	if c.env == nil || c.env.Logger == nil {
		return slog.Default()
	}
	return c.env.Logger
}
