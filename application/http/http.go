package http

import (
	"bytes"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	CR   byte = '\r'
	LF   byte = '\n'
	SP   byte = ' '
	HTAB byte = '\t'
)

var (
	CRLF = []byte{CR, LF}
	OWS  = []byte{SP, HTAB}
)

// TimeFormat is the IMF-fixdate layout used by the Date field.
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-5.6.7
const TimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

type Method string

const (
	MethodGet     Method = "GET"
	MethodHead    Method = "HEAD"
	MethodPost    Method = "POST"
	MethodPut     Method = "PUT"
	MethodDelete  Method = "DELETE"
	MethodConnect Method = "CONNECT"
	MethodOptions Method = "OPTIONS"
	MethodTrace   Method = "TRACE"
	MethodPatch   Method = "PATCH"
)

// [Major, Minor]
type Version [2]uint

var (
	Version10 = Version{1, 0}
	Version11 = Version{1, 1}
)

// ParseVersion parses http version text(e.g. "HTTP/1.1") into [Version].
func ParseVersion(b []byte) (Version, error) {
	prefix := []byte("HTTP/")
	if !bytes.HasPrefix(b, prefix) {
		return Version{}, errors.Errorf("http version prefix not found: %s", b)
	}

	major, minor, found := bytes.Cut(b[len(prefix):], []byte{'.'})
	if !found {
		return Version{}, errors.Errorf("dot seperator not found on version: %s", b)
	}

	ma, err1 := strconv.ParseUint(string(major), 10, 32)
	mi, err2 := strconv.ParseUint(string(minor), 10, 32)
	if err1 != nil || err2 != nil {
		return Version{}, errors.Errorf("http version is not convertable to int: %s", b)
	}

	return Version{uint(ma), uint(mi)}, nil
}

func (ver Version) String() string {
	return "HTTP/" + strconv.FormatUint(uint64(ver[0]), 10) + "." + strconv.FormatUint(uint64(ver[1]), 10)
}

type Request struct {
	Method  Method
	Target  string
	Version Version
	Headers Headers

	Body []byte
}

// NewRequest creates a body-less request with empty headers.
func NewRequest(method Method, target string) *Request {
	return &Request{
		Method:  method,
		Target:  target,
		Version: Version11,
		Headers: NewHeaders(),
	}
}

// Path returns the request target with the query stripped.
func (r *Request) Path() string {
	path, _, _ := strings.Cut(r.Target, "?")
	return path
}

// Query returns the raw query string, without the leading '?'.
func (r *Request) Query() string {
	_, query, _ := strings.Cut(r.Target, "?")
	return query
}

// Host returns the Host field value, or an empty string when there is none.
func (r *Request) Host() string {
	v, _ := r.Headers.Get("Host")
	return v
}

// KeepAlive reports whether the client asked for the connection to stay open.
// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-9.3
func (r *Request) KeepAlive() bool {
	values, _ := r.Headers.Values("Connection")
	for _, v := range values {
		if strings.EqualFold(v, "close") {
			return false
		}
		if strings.EqualFold(v, "keep-alive") {
			return true
		}
	}

	return r.Version != Version10
}

type Response struct {
	Version Version
	Status  uint
	Reason  string
	Headers Headers

	// Body is sent with a Content-Length unless Chunked is set, in which case
	// Stream is encoded with chunked transfer coding instead.
	Body    []byte
	Stream  io.Reader
	Chunked bool
}

func NewResponse() *Response {
	return &Response{Version: Version11, Headers: NewHeaders()}
}

// Reset clears everything but the version, closing any pending stream.
func (r *Response) Reset() {
	if c, ok := r.Stream.(io.Closer); ok {
		_ = c.Close()
	}

	*r = Response{Version: r.Version, Headers: NewHeaders()}
}
