//go:build linux

package httpconn

import (
	"errors"
	"net/url"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
	"golang.org/x/sys/unix"

	"github.com/goceleris/tinyweb/internal/userdb"
)

// parseLine scans from checkedIdx for a CRLF. On LineOK checkedIdx points
// just past the terminator.
func (c *Conn) parseLine() LineStatus {
	for ; c.checkedIdx < c.readIdx; c.checkedIdx++ {
		switch c.readBuf[c.checkedIdx] {
		case '\r':
			if c.checkedIdx+1 == c.readIdx {
				return LineOpen
			}
			if c.readBuf[c.checkedIdx+1] == '\n' {
				c.checkedIdx += 2
				return LineOK
			}
			return LineBad
		case '\n':
			// A bare LF is only valid as the second half of a CRLF.
			if c.checkedIdx > c.startLine && c.readBuf[c.checkedIdx-1] == '\r' {
				c.checkedIdx++
				return LineOK
			}
			return LineBad
		}
	}
	return LineOpen
}

// line returns the last complete line without its CRLF and starts the next.
func (c *Conn) line() string {
	text := string(c.readBuf[c.startLine : c.checkedIdx-2])
	c.startLine = c.checkedIdx
	return text
}

// processRead advances the parser over the buffered bytes.
func (c *Conn) processRead() HTTPCode {
	status := LineOK
	for {
		// The body is not line oriented.
		if c.checkState != StateContent {
			status = c.parseLine()
			if status != LineOK {
				break
			}
		}

		switch c.checkState {
		case StateRequestLine:
			text := c.line()
			c.logger().Debug("request line", "conn", c.id, "line", text)
			if ret := c.parseRequestLine(text); ret == BadRequest {
				return BadRequest
			}
		case StateHeader:
			switch ret := c.parseHeaders(c.line()); ret {
			case BadRequest:
				return BadRequest
			case GetRequest:
				return c.doRequest()
			}
		case StateContent:
			if ret := c.parseContent(); ret == GetRequest {
				return c.doRequest()
			}
			return NoRequest
		default:
			return InternalError
		}
	}

	if status == LineBad {
		return BadRequest
	}
	if c.readIdx >= ReadBufferSize {
		// Nothing more fits; the request can never complete.
		return BadRequest
	}
	return NoRequest
}

// parseRequestLine reads "METHOD target VERSION".
func (c *Conn) parseRequestLine(text string) HTTPCode {
	idx := strings.IndexAny(text, " \t")
	if idx < 0 {
		return BadRequest
	}
	method := text[:idx]
	rest := strings.TrimLeft(text[idx:], " \t")

	switch {
	case strings.EqualFold(method, "GET"):
		c.method = MethodGet
	case strings.EqualFold(method, "POST"):
		c.method = MethodPost
		c.cgi = true
	default:
		return BadRequest
	}

	idx = strings.IndexAny(rest, " \t")
	if idx < 0 {
		return BadRequest
	}
	target := rest[:idx]
	version := strings.TrimLeft(rest[idx:], " \t")
	if !strings.EqualFold(version, "HTTP/1.1") && !strings.EqualFold(version, "HTTP/1.0") {
		return BadRequest
	}
	c.version = strings.ToUpper(version)

	// Reduce absolute-form targets to their path.
	for _, scheme := range []string{"http://", "https://"} {
		if len(target) >= len(scheme) && strings.EqualFold(target[:len(scheme)], scheme) {
			target = target[len(scheme):]
			slash := strings.IndexByte(target, '/')
			if slash < 0 {
				return BadRequest
			}
			target = target[slash:]
			break
		}
	}
	if target == "" || target[0] != '/' {
		return BadRequest
	}
	if target == "/" {
		target = pageJudge
	}

	c.url = target
	c.checkState = StateHeader
	return NoRequest
}

// parseHeaders handles one header line, or the blank line ending the block.
// GET requests dispatch at the blank line; only POST waits for a body.
func (c *Conn) parseHeaders(text string) HTTPCode {
	if text == "" {
		if c.method == MethodPost && c.contentLength > 0 {
			if c.checkedIdx+c.contentLength > ReadBufferSize {
				return BadRequest
			}
			c.checkState = StateContent
			return NoRequest
		}
		return GetRequest
	}

	// Lines that are not a well-formed field are skipped like any other
	// header this server does not act on.
	colon := strings.IndexByte(text, ':')
	if colon <= 0 || !httpguts.ValidHeaderFieldName(text[:colon]) {
		c.logger().Debug("ignoring malformed header", "conn", c.id, "line", text)
		return NoRequest
	}
	name := text[:colon]
	value := strings.Trim(text[colon+1:], " \t")

	switch {
	case strings.EqualFold(name, "Connection"):
		values := []string{value}
		if httpguts.HeaderValuesContainsToken(values, "keep-alive") {
			c.linger = true
		}
		if httpguts.HeaderValuesContainsToken(values, "close") {
			c.linger = false
		}
	case strings.EqualFold(name, "Content-Length"):
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return BadRequest
		}
		c.contentLength = n
	case strings.EqualFold(name, "Host"):
		c.host = value
	default:
		c.logger().Debug("ignoring header", "conn", c.id, "header", name)
	}
	return NoRequest
}

// parseContent waits until the declared body length is buffered.
func (c *Conn) parseContent() HTTPCode {
	if c.readIdx >= c.checkedIdx+c.contentLength {
		c.body = string(c.readBuf[c.checkedIdx : c.checkedIdx+c.contentLength])
		return GetRequest
	}
	return NoRequest
}

// doRequest resolves the request to a page under the document root, running
// the login and registration forms first when the target names them.
func (c *Conn) doRequest() HTTPCode {
	target := c.url
	segment := target[strings.LastIndexByte(target, '/')+1:]

	switch {
	case c.cgi && segment != "" && (segment[0] == cgiLogin || segment[0] == cgiRegister):
		target = c.handleForm(segment[0])
	case segment == "0":
		target = pageRegister
	case segment == "1":
		target = pageLog
	case segment == "5":
		target = pagePicture
	case segment == "6":
		target = pageVideo
	case segment == "7":
		target = pageFans
	}

	// Clean on a rooted path never climbs above the root.
	c.realFile = filepath.Join(c.env.DocRoot, filepath.FromSlash(path.Clean("/"+target)))

	var st unix.Stat_t
	if err := unix.Stat(c.realFile, &st); err != nil {
		return NoResource
	}
	if st.Mode&unix.S_IFMT == unix.S_IFDIR {
		return ForbiddenRequest
	}
	if st.Mode&unix.S_IROTH == 0 {
		return ForbiddenRequest
	}

	c.fileSize = st.Size
	if st.Size == 0 {
		return FileRequest
	}

	fd, err := unix.Open(c.realFile, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		c.logger().Error("open failed", "conn", c.id, "file", c.realFile, "error", err)
		return InternalError
	}
	defer func() { _ = unix.Close(fd) }()

	data, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		c.logger().Error("mmap failed", "conn", c.id, "file", c.realFile, "error", err)
		return InternalError
	}
	c.file = data
	return FileRequest
}

// handleForm runs login or registration against the credential store and
// returns the page to show.
func (c *Conn) handleForm(action byte) string {
	form, err := url.ParseQuery(c.body)
	if err != nil {
		c.logger().Debug("bad form body", "conn", c.id, "error", err)
	}
	name := form.Get("user")
	password := form.Get("password")

	users := c.env.Users
	if action == cgiRegister {
		if users == nil || name == "" || password == "" {
			return pageRegisterError
		}
		err := users.Register(c.db, name, password)
		switch {
		case err == nil:
			c.logger().Info("user registered", "conn", c.id, "user", name)
			return pageLog
		case errors.Is(err, userdb.ErrUserExists):
			return pageRegisterError
		default:
			c.logger().Error("registration failed", "conn", c.id, "user", name, "error", err)
			return pageRegisterError
		}
	}

	if users != nil && users.Verify(name, password) {
		return pageWelcome
	}
	return pageLogError
}
