package http

import (
	"bytes"
	"io"
	"strconv"
	"webserv/application/http/status"
	"webserv/application/http/transfer"
	bytesutil "webserv/util/bytes"

	"github.com/pkg/errors"
)

const DefaultChunkSize = 16 << 10

// ResponseWriter serializes one response at a time into sink,
// never handing it more bytes per call than the capacity it is given.
type ResponseWriter struct {
	sink      io.Writer
	chunkSize int

	loaded  bool
	chunked bool
	pending []byte

	stream     io.Reader
	streamDone bool
	encoded    *bytes.Buffer
	cw         *transfer.ChunkedWriter
	readBuf    []byte
}

func NewResponseWriter(sink io.Writer, chunkSize int) *ResponseWriter {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	encoded := bytes.NewBuffer(nil)
	return &ResponseWriter{
		sink:      sink,
		chunkSize: chunkSize,
		encoded:   encoded,
	}
}

// IsEmpty reports whether no response is loaded.
func (w *ResponseWriter) IsEmpty() bool { return !w.loaded }

// IsChunked reports whether the loaded response uses chunked framing.
func (w *ResponseWriter) IsChunked() bool { return w.loaded && w.chunked }

// Load serializes the head of res and takes over its body.
// Any response still loaded is discarded.
func (w *ResponseWriter) Load(res *Response) {
	w.Reset()

	w.loaded = true
	w.chunked = res.Chunked && res.Stream != nil

	buf := bytes.NewBuffer(make([]byte, 0, 256+len(res.Body)))
	writeHead(buf, res, w.chunked)

	if w.chunked {
		w.pending = buf.Bytes()
		w.stream = res.Stream
		w.encoded.Reset()
		w.cw = transfer.NewChunkedWriter(w.encoded)
		if cap(w.readBuf) < w.chunkSize {
			w.readBuf = make([]byte, w.chunkSize)
		}
		return
	}

	if bodyAllowed(res.Status) {
		buf.Write(res.Body)
	}
	w.pending = buf.Bytes()
	if c, ok := res.Stream.(io.Closer); ok {
		_ = c.Close()
	}
}

// WritePlain writes up to capacity bytes of a Content-Length framed response.
// done is true once the whole response was handed to the sink.
func (w *ResponseWriter) WritePlain(capacity int) (done bool, err error) {
	if !w.loaded {
		return true, nil
	}

	if err := w.flush(capacity); err != nil {
		return false, err
	}

	if len(w.pending) == 0 {
		w.Reset()
		return true, nil
	}

	return false, nil
}

// WriteChunked writes up to capacity bytes of a chunked response,
// pulling more of the body from its stream as room allows.
func (w *ResponseWriter) WriteChunked(capacity int) (done bool, err error) {
	if !w.loaded {
		return true, nil
	}

	for capacity > 0 {
		if len(w.pending) == 0 {
			if w.streamDone {
				break
			}
			progressed, err := w.fill(capacity)
			if err != nil {
				return false, err
			}
			if !progressed {
				return false, nil
			}
		}

		n := min(capacity, len(w.pending))
		if err := w.flush(n); err != nil {
			return false, err
		}
		capacity -= n
	}

	if len(w.pending) == 0 && w.streamDone {
		w.Reset()
		return true, nil
	}

	return false, nil
}

// Reset drops whatever is loaded, closing the body stream if it is closable.
func (w *ResponseWriter) Reset() {
	if c, ok := w.stream.(io.Closer); ok {
		_ = c.Close()
	}

	w.loaded = false
	w.chunked = false
	w.pending = nil
	w.stream = nil
	w.streamDone = false
	w.cw = nil
	w.encoded.Reset()
}

func (w *ResponseWriter) fill(capacity int) (bool, error) {
	size := min(w.chunkSize, max(capacity-transfer.Overhead(capacity), 1))

	n, err := w.stream.Read(w.readBuf[:size])
	if n > 0 {
		if _, werr := w.cw.Write(w.readBuf[:n]); werr != nil {
			return false, errors.Wrap(werr, "encoding chunk")
		}
	}

	switch {
	case err == io.EOF:
		if cerr := w.cw.Close(); cerr != nil {
			return false, errors.Wrap(cerr, "encoding last chunk")
		}
		w.streamDone = true
	case err != nil:
		return false, errors.Wrap(err, "reading response body")
	}

	if w.encoded.Len() == 0 {
		return false, nil
	}

	w.pending = append(w.pending[:0], w.encoded.Bytes()...)
	w.encoded.Reset()

	return true, nil
}

func (w *ResponseWriter) flush(capacity int) error {
	if capacity <= 0 || len(w.pending) == 0 {
		return nil
	}

	out, rest := bytesutil.Take(w.pending, capacity)
	if _, err := w.sink.Write(out); err != nil {
		return errors.Wrap(err, "writing response")
	}
	w.pending = rest

	return nil
}

func writeHead(buf *bytes.Buffer, res *Response, chunked bool) {
	ver := res.Version
	if ver == (Version{}) {
		ver = Version11
	}
	reason := res.Reason
	if reason == "" {
		reason = status.Text(res.Status)
	}

	buf.WriteString(ver.String())
	buf.WriteByte(SP)
	buf.WriteString(strconv.FormatUint(uint64(res.Status), 10))
	buf.WriteByte(SP)
	buf.WriteString(reason)
	buf.Write(CRLF)

	if chunked {
		res.Headers.Del("Content-Length")
		res.Headers.Set("Transfer-Encoding", string(transfer.CodingChunked))
	} else if bodyAllowed(res.Status) {
		res.Headers.Del("Transfer-Encoding")
		res.Headers.Set("Content-Length", strconv.Itoa(len(res.Body)))
	}

	res.Headers.Each(func(name, value string) {
		buf.WriteString(name)
		buf.WriteString(": ")
		buf.WriteString(value)
		buf.Write(CRLF)
	})
	buf.Write(CRLF)
}

// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-6.4.1-8
func bodyAllowed(code uint) bool {
	return code >= 200 && code != 204 && code != 304
}
