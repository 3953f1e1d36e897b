package http

import (
	"bytes"
	"io"
	"strconv"
	"webserv/application/http/status"
	"webserv/application/http/transfer"
	bytesutil "webserv/util/bytes"

	"github.com/indigo-web/chunkedbody"
	"github.com/indigo-web/utils/strcomp"
	"github.com/indigo-web/utils/uf"
	"github.com/pkg/errors"
)

type ParseOptions struct {
	// AllowSoleLF specifies wheter a single LF character should be recognized as a valid line terminator.
	//
	// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-2.2-3
	AllowSoleLF bool

	// MaxHeaderBytes limits the request line and field section together.
	MaxHeaderBytes uint

	// MaxBodyBytes limits the decoded body regardless of any routing limit,
	// so a single request cannot grow the buffer without bound.
	MaxBodyBytes uint
}

var DefaultParseOptions = ParseOptions{
	AllowSoleLF:    false,
	MaxHeaderBytes: 8 << 10,
	MaxBodyBytes:   16 << 20,
}

var (
	ErrMalformedRequestLine = errors.New("request line is malformed")
	ErrMalformedFieldLine   = errors.New("field line is malformed")
	ErrMissingCRBeforeLF    = errors.New("missing CR before LF")
	ErrHeaderTooLarge       = errors.New("header section exceeds limit")
	ErrBodyTooLarge         = errors.New("body exceeds limit")
	ErrUnsupportedCoding    = errors.New("transfer coding is unsupported")
	ErrAmbiguousLength      = errors.New("both transfer-encoding and content-length are present")
	ErrMalformedChunk       = errors.New("chunked body is malformed")
)

type parserState uint8

const (
	stateHead parserState = iota
	stateBody
	stateChunked
	stateBroken
)

// RequestParser turns bytes fed to it into requests.
// It keeps partial input between calls, so a request may arrive in any number of pieces
// and any number of requests may arrive in one piece.
type RequestParser struct {
	opts  ParseOptions
	state parserState

	buf []byte

	request   *Request
	remaining uint
	trailer   bool
	chunked   *chunkedbody.Parser
}

func NewRequestParser(opts ParseOptions) *RequestParser {
	return &RequestParser{opts: opts}
}

// Feed appends p to the pending input. It is a no-op once the parser failed.
func (p *RequestParser) Feed(data []byte) {
	if p.state == stateBroken {
		return
	}
	p.buf = append(p.buf, data...)
}

// Broken reports whether the parser gave up on the stream.
func (p *RequestParser) Broken() bool { return p.state == stateBroken }

// Buffered returns the number of bytes fed but not yet consumed.
func (p *RequestParser) Buffered() int { return len(p.buf) }

// Next returns the next complete request, or (nil, nil) if more input is needed.
//
// On failure it returns a best-effort request together with a [status.Error],
// and the parser stops accepting input, since the stream cannot be resynchronised.
func (p *RequestParser) Next() (*Request, error) {
	for {
		switch p.state {
		case stateHead:
			ok, err := p.parseHead()
			if err != nil {
				return p.fail(err)
			}
			if !ok {
				return nil, nil
			}
		case stateBody:
			if uint(len(p.buf)) < p.remaining {
				return nil, nil
			}
			p.request.Body = append([]byte(nil), p.buf[:p.remaining]...)
			p.consume(int(p.remaining))
			return p.finish(), nil
		case stateChunked:
			done, err := p.parseChunked()
			if err != nil {
				return p.fail(err)
			}
			if !done {
				return nil, nil
			}
			return p.finish(), nil
		case stateBroken:
			return nil, nil
		}
	}
}

func (p *RequestParser) parseHead() (bool, error) {
	end, ok := p.findHeadEnd()
	if !ok {
		if p.opts.MaxHeaderBytes > 0 && uint(len(p.buf)) > p.opts.MaxHeaderBytes {
			return false, status.NewError(ErrHeaderTooLarge, status.RequestHeaderFieldsTooLarge)
		}
		return false, nil
	}
	if p.opts.MaxHeaderBytes > 0 && uint(end) > p.opts.MaxHeaderBytes {
		return false, status.NewError(ErrHeaderTooLarge, status.RequestHeaderFieldsTooLarge)
	}

	head := p.buf[:end]
	p.request = &Request{Headers: NewHeaders()}

	lines, err := p.splitLines(head)
	if err != nil {
		return false, status.NewError(err, status.BadRequest)
	}

	// An empty line can be received before message.
	// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-2.2-6
	for len(lines) > 0 && len(lines[0]) == 0 {
		lines = lines[1:]
	}
	if len(lines) == 0 {
		p.consume(end)
		return false, nil
	}

	if err := p.parseRequestLine(lines[0]); err != nil {
		return false, err
	}

	for _, line := range lines[1:] {
		if len(line) == 0 {
			continue
		}
		name, value, err := ParseField(line)
		if err != nil {
			return false, status.NewError(errors.Wrap(ErrMalformedFieldLine, err.Error()), status.BadRequest)
		}
		p.request.Headers.Add(name, value)
	}

	p.consume(end)

	return true, p.selectFraming()
}

// findHeadEnd returns the offset right after the empty line ending the field section.
func (p *RequestParser) findHeadEnd() (int, bool) {
	start := 0
	seenLine := false
	for {
		idx := bytes.IndexByte(p.buf[start:], LF)
		if idx < 0 {
			return 0, false
		}

		line := p.buf[start : start+idx]
		start += idx + 1

		if len(line) == 0 || (len(line) == 1 && line[0] == CR) {
			if seenLine {
				return start, true
			}
			continue
		}
		seenLine = true
	}
}

func (p *RequestParser) splitLines(head []byte) ([][]byte, error) {
	lines := bytes.Split(head, []byte{LF})
	// The head ends with LF, so the last element is always empty.
	lines = lines[:len(lines)-1]

	for i, line := range lines {
		if bytes.HasSuffix(line, []byte{CR}) {
			lines[i] = line[:len(line)-1]
			continue
		}
		if !p.opts.AllowSoleLF {
			return nil, ErrMissingCRBeforeLF
		}
	}

	return lines, nil
}

func (p *RequestParser) parseRequestLine(line []byte) error {
	parts := bytes.Split(line, []byte{SP})
	if len(parts) != 3 {
		return status.NewError(ErrMalformedRequestLine, status.BadRequest)
	}

	if !isValidToken(parts[0]) {
		return status.NewError(errors.Wrap(ErrMalformedRequestLine, "method is not a valid token"), status.BadRequest)
	}
	if len(parts[1]) == 0 || (parts[1][0] != '/' && !bytes.Equal(parts[1], []byte{'*'})) {
		return status.NewError(errors.Wrap(ErrMalformedRequestLine, "request target is not origin-form"), status.BadRequest)
	}

	ver, err := ParseVersion(parts[2])
	if err != nil {
		return status.NewError(errors.Wrap(err, "parsing version"), status.BadRequest)
	}

	p.request.Method = Method(parts[0])
	p.request.Target = string(parts[1])
	p.request.Version = ver

	if ver[0] != 1 {
		return status.NewError(errors.Errorf("unsupported version %s", ver), status.HTTPVersionNotSupported)
	}

	return nil
}

// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-6.3
func (p *RequestParser) selectFraming() error {
	h := &p.request.Headers

	if codings, ok := h.Values("Transfer-Encoding"); ok {
		if h.Has("Content-Length") {
			return status.NewError(ErrAmbiguousLength, status.BadRequest)
		}
		if !transfer.IsChunked(codings) {
			return status.NewError(errors.Wrapf(ErrUnsupportedCoding, "%v", codings), status.NotImplemented)
		}
		for _, coding := range codings[:len(codings)-1] {
			if !strcomp.EqualFold(coding, string(transfer.CodingChunked)) {
				return status.NewError(errors.Wrapf(ErrUnsupportedCoding, "%q", coding), status.NotImplemented)
			}
		}

		p.trailer = h.Has("Trailer")
		p.chunked = chunkedbody.NewParser(chunkedbody.DefaultSettings())
		p.state = stateChunked
		return nil
	}

	if v, ok := h.Get("Content-Length"); ok {
		length, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return status.NewError(errors.Wrapf(err, "invalid content-length %q", v), status.BadRequest)
		}
		if p.opts.MaxBodyBytes > 0 && length > uint64(p.opts.MaxBodyBytes) {
			return status.NewError(ErrBodyTooLarge, status.ContentTooLarge)
		}

		p.remaining = uint(length)
		p.state = stateBody
		return nil
	}

	// Neither transfer-encoding nor content-length exists, so it has no body.
	// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-6.3-2.7
	p.remaining = 0
	p.state = stateBody
	return nil
}

func (p *RequestParser) parseChunked() (bool, error) {
	for len(p.buf) > 0 {
		chunk, extra, err := p.chunked.Parse(p.buf, p.trailer)
		p.request.Body = append(p.request.Body, chunk...)
		if p.opts.MaxBodyBytes > 0 && uint(len(p.request.Body)) > p.opts.MaxBodyBytes {
			return false, status.NewError(ErrBodyTooLarge, status.ContentTooLarge)
		}

		switch {
		case err == io.EOF:
			p.setRest(extra)
			return true, nil
		case err != nil:
			return false, status.NewError(errors.Wrap(ErrMalformedChunk, err.Error()), status.BadRequest)
		}

		if len(extra) == len(p.buf) && len(chunk) == 0 {
			// No progress was made, wait for more input.
			return false, nil
		}
		p.setRest(extra)
	}

	return false, nil
}

func (p *RequestParser) finish() *Request {
	req := p.request
	p.request = nil
	p.chunked = nil
	p.remaining = 0
	p.state = stateHead

	return req
}

func (p *RequestParser) fail(err error) (*Request, error) {
	req := p.request
	if req == nil || req.Method == "" || req.Target == "" {
		req = NewRequest(MethodGet, "/")
		if p.request != nil {
			req.Headers = p.request.Headers
		}
	}
	if req.Version == (Version{}) {
		req.Version = Version11
	}

	p.request = nil
	p.chunked = nil
	p.buf = nil
	p.state = stateBroken

	var se status.Error
	if !errors.As(err, &se) {
		se = status.NewError(err, status.BadRequest)
	}

	return req, se
}

func (p *RequestParser) consume(n int) {
	p.setRest(p.buf[n:])
}

func (p *RequestParser) setRest(rest []byte) {
	if len(rest) == 0 {
		p.buf = p.buf[:0]
		return
	}
	// rest may alias the parser's own buffer.
	p.buf = bytesutil.Compact(p.buf, rest)
}

// IsKnownMethod reports whether m is one of the methods defined by RFC 9110 and PATCH.
func IsKnownMethod(m string) bool {
	switch Method(m) {
	case MethodGet, MethodHead, MethodPost, MethodPut, MethodDelete,
		MethodConnect, MethodOptions, MethodTrace, MethodPatch:
		return true
	}
	return false
}

// ParseMethod returns the method named by b if it is known.
func ParseMethod(b []byte) (Method, bool) {
	if !IsKnownMethod(uf.B2S(b)) {
		return "", false
	}
	return Method(b), true
}
