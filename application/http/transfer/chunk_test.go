package transfer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type ChunkedWriterTestSuite struct {
	suite.Suite

	buf *bytes.Buffer
	cw  *ChunkedWriter
}

func TestChunkedWriterTestSuite(t *testing.T) {
	suite.Run(t, new(ChunkedWriterTestSuite))
}

func (s *ChunkedWriterTestSuite) SetupTest() {
	s.buf = bytes.NewBuffer(nil)
	s.cw = NewChunkedWriter(s.buf)
}

func (s *ChunkedWriterTestSuite) TestWrite() {
	// Empty write is ignored
	n, err := s.cw.Write(nil)
	s.Require().NoError(err)
	s.Require().Zero(n)
	s.Require().Empty(s.buf.Bytes())

	p := []byte("ABC")

	n, err = s.cw.Write(p)
	s.Require().NoError(err)
	s.Equal(len(p), n)
	s.Equal("3\r\nABC\r\n", s.buf.String())
}

func (s *ChunkedWriterTestSuite) TestWriteHexSize() {
	_, err := s.cw.Write([]byte("123456789ABCDEF"))
	s.Require().NoError(err)
	s.Equal("f\r\n123456789ABCDEF\r\n", s.buf.String())
}

func (s *ChunkedWriterTestSuite) TestClose() {
	s.Require().NoError(s.cw.Close())
	s.Equal("0\r\n\r\n", s.buf.String())

	// Closing twice does not write another last chunk.
	s.Require().NoError(s.cw.Close())
	s.Equal("0\r\n\r\n", s.buf.String())

	_, err := s.cw.Write([]byte("late"))
	s.Error(err)
}

func TestIsChunked(t *testing.T) {
	assert.True(t, IsChunked([]string{"gzip", "chunked"}))
	assert.True(t, IsChunked([]string{" Chunked"}))
	assert.False(t, IsChunked([]string{"chunked", "gzip"}))
	assert.False(t, IsChunked(nil))
}

func TestOverhead(t *testing.T) {
	assert.Equal(t, 1+4, Overhead(0xF))
	assert.Equal(t, 3+4, Overhead(0x100))
}
