package transfer

import (
	"bytes"
	"io"
	"strconv"

	"github.com/pkg/errors"
)

var crlf = []byte("\r\n")

type ChunkedWriter struct {
	w io.Writer

	headerBuf *bytes.Buffer
	closed    bool
}

var _ io.WriteCloser = (*ChunkedWriter)(nil)

// NewChunkedWriter frames everything written to it as chunks on w.
// Close writes the last chunk and the trailer section.
func NewChunkedWriter(w io.Writer) *ChunkedWriter {
	return &ChunkedWriter{
		w:         w,
		headerBuf: bytes.NewBuffer(nil),
	}
}

func (cw *ChunkedWriter) Write(p []byte) (n int, err error) {
	if cw.closed {
		return 0, io.ErrClosedPipe
	}
	if len(p) == 0 {
		// A zero length chunk is the last chunk, so it must not be written here.
		return 0, nil
	}

	if err := cw.encodeHeader(uint64(len(p))); err != nil {
		return 0, err
	}

	if _, err := cw.w.Write(p); err != nil {
		return 0, errors.Wrap(err, "writing chunk data")
	}
	if _, err := cw.w.Write(crlf); err != nil {
		return len(p), errors.Wrap(err, "writing chunk delimiter")
	}

	return len(p), nil
}

// Close writes the last chunk and an empty trailer section. It does not close the underlying writer.
func (cw *ChunkedWriter) Close() error {
	if cw.closed {
		return nil
	}
	cw.closed = true

	if err := cw.encodeHeader(0); err != nil {
		return errors.Wrap(err, "encoding last chunk")
	}

	if _, err := cw.w.Write(crlf); err != nil {
		return errors.Wrap(err, "writing trailer section")
	}

	return nil
}

func (cw *ChunkedWriter) encodeHeader(size uint64) error {
	buf := cw.headerBuf
	buf.Reset()

	buf.WriteString(strconv.FormatUint(size, 16))
	buf.Write(crlf)

	if _, err := cw.w.Write(buf.Bytes()); err != nil {
		return errors.Wrap(err, "writing chunk header")
	}

	return nil
}

// Overhead returns the framing bytes a chunk of size bytes costs.
func Overhead(size int) int {
	return len(strconv.FormatUint(uint64(size), 16)) + 2*len(crlf)
}
