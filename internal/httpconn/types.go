// Package httpconn implements the per-connection HTTP/1.x state machine: a
// line scanner feeding a request-line/headers/body parser, request
// resolution against the document root and the credential store, and a
// scatter-write response path that sends file bodies straight from a
// memory mapping.
package httpconn

// Buffer sizes are fixed; a request that does not fit is rejected.
const (
	ReadBufferSize  = 2048
	WriteBufferSize = 1024
)

// Method is the request method. Only GET and POST are served.
type Method int

const (
	MethodGet Method = iota
	MethodPost
	MethodHead
	MethodPut
	MethodDelete
	MethodTrace
	MethodOptions
	MethodConnect
	MethodPatch
)

var methodNames = [...]string{"GET", "POST", "HEAD", "PUT", "DELETE", "TRACE", "OPTIONS", "CONNECT", "PATCH"}

func (m Method) String() string {
	if m < 0 || int(m) >= len(methodNames) {
		return "UNKNOWN"
	}
	return methodNames[m]
}

// CheckState is the outer parser state.
type CheckState int

const (
	StateRequestLine CheckState = iota
	StateHeader
	StateContent
)

func (s CheckState) String() string {
	switch s {
	case StateRequestLine:
		return "request-line"
	case StateHeader:
		return "headers"
	case StateContent:
		return "body"
	}
	return "unknown"
}

// LineStatus is the result of scanning for one CRLF-terminated line.
type LineStatus int

const (
	LineOK LineStatus = iota
	LineBad
	LineOpen
)

func (s LineStatus) String() string {
	switch s {
	case LineOK:
		return "LINE_OK"
	case LineBad:
		return "LINE_BAD"
	case LineOpen:
		return "LINE_OPEN"
	}
	return "LINE_UNKNOWN"
}

// HTTPCode is the outcome of parsing and resolving a request.
type HTTPCode int

const (
	NoRequest HTTPCode = iota
	GetRequest
	BadRequest
	NoResource
	ForbiddenRequest
	FileRequest
	InternalError
	ClosedConnection
)

var codeNames = [...]string{
	"NO_REQUEST", "GET_REQUEST", "BAD_REQUEST", "NO_RESOURCE",
	"FORBIDDEN_REQUEST", "FILE_REQUEST", "INTERNAL_ERROR", "CLOSED_CONNECTION",
}

func (c HTTPCode) String() string {
	if c < 0 || int(c) >= len(codeNames) {
		return "UNKNOWN"
	}
	return codeNames[c]
}

// Status maps a code to its HTTP status and reason phrase.
func (c HTTPCode) Status() (int, string) {
	switch c {
	case FileRequest:
		return 200, "OK"
	case BadRequest:
		return 400, "Bad Request"
	case ForbiddenRequest:
		return 403, "Forbidden"
	case NoResource:
		return 404, "Not Found"
	}
	return 500, "Internal Error"
}

// Error bodies sent with non-200 responses.
const (
	Error400Form = "Your request has bad syntax or is inherently impossible to satisfy.\n"
	Error403Form = "You do not have permission to get file from this server.\n"
	Error404Form = "The requested file was not found on this server.\n"
	Error500Form = "There was an unusual problem serving the request file.\n"

	emptyPage = "<html><body></body></html>"
)

// Paths reached through the form endpoints.
const (
	pageJudge         = "/judge.html"
	pageRegister      = "/register.html"
	pageLog           = "/log.html"
	pagePicture       = "/picture.html"
	pageVideo         = "/video.html"
	pageFans          = "/fans.html"
	pageWelcome       = "/welcome.html"
	pageLogError      = "/logError.html"
	pageRegisterError = "/registerError.html"
)

// CGI markers: the first byte of the last path segment of a POST.
const (
	cgiLogin    = '2'
	cgiRegister = '3'
)
