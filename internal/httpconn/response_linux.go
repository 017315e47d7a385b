//go:build linux

package httpconn

import (
	"fmt"
	"mime"
	"path/filepath"
)

// processWrite builds the response for code into the write buffer. File
// bodies are attached as a second write segment pointing at the mapping.
func (c *Conn) processWrite(code HTTPCode) bool {
	status, title := code.Status()

	switch code {
	case BadRequest, InternalError:
		// The request stream can't be trusted after these.
		c.linger = false
		if !c.addErrorPage(status, title, errorForm(code)) {
			return false
		}
	case ForbiddenRequest, NoResource:
		if !c.addErrorPage(status, title, errorForm(code)) {
			return false
		}
	case FileRequest:
		if !c.addStatusLine(status, title) {
			return false
		}
		if c.fileSize == 0 {
			if !c.addHeaders(len(emptyPage), "text/html") || !c.addContent(emptyPage) {
				return false
			}
			break
		}
		if !c.addHeaders(int(c.fileSize), contentType(c.realFile)) {
			return false
		}
		c.iv = append(c.iv[:0], c.writeBuf[:c.writeIdx], c.file)
		c.bytesToSend = c.writeIdx + int(c.fileSize)
		c.env.Stats.Response(status)
		return true
	default:
		return false
	}

	c.iv = append(c.iv[:0], c.writeBuf[:c.writeIdx])
	c.bytesToSend = c.writeIdx
	c.env.Stats.Response(status)
	return true
}

func errorForm(code HTTPCode) string {
	switch code {
	case BadRequest:
		return Error400Form
	case ForbiddenRequest:
		return Error403Form
	case NoResource:
		return Error404Form
	}
	return Error500Form
}

func contentType(file string) string {
	if t := mime.TypeByExtension(filepath.Ext(file)); t != "" {
		return t
	}
	return "text/html"
}

func (c *Conn) addErrorPage(status int, title, form string) bool {
	return c.addStatusLine(status, title) &&
		c.addHeaders(len(form), "text/html") &&
		c.addContent(form)
}

// addResponse appends to the write buffer, failing if it would overflow.
func (c *Conn) addResponse(format string, args ...any) bool {
	if c.writeIdx >= WriteBufferSize {
		return false
	}
	text := fmt.Sprintf(format, args...)
	if len(text) > WriteBufferSize-c.writeIdx {
		return false
	}
	c.writeIdx += copy(c.writeBuf[c.writeIdx:], text)
	return true
}

func (c *Conn) addStatusLine(status int, title string) bool {
	return c.addResponse("%s %d %s\r\n", "HTTP/1.1", status, title)
}

func (c *Conn) addHeaders(contentLength int, contentType string) bool {
	return c.addContentType(contentType) &&
		c.addContentLength(contentLength) &&
		c.addLinger() &&
		c.addBlankLine()
}

func (c *Conn) addContentType(contentType string) bool {
	return c.addResponse("Content-Type: %s\r\n", contentType)
}

func (c *Conn) addContentLength(n int) bool {
	return c.addResponse("Content-Length: %d\r\n", n)
}

// addLinger writes the Connection header. Keep-alive needs both the client's
// request and the server's linger option.
func (c *Conn) addLinger() bool {
	c.linger = c.linger && c.env.Linger
	if c.linger {
		return c.addResponse("Connection: keep-alive\r\n")
	}
	return c.addResponse("Connection: close\r\n")
}

func (c *Conn) addBlankLine() bool {
	return c.addResponse("\r\n")
}

func (c *Conn) addContent(content string) bool {
	return c.addResponse("%s", content)
}
