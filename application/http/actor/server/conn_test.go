package server

import (
	"strings"
	"testing"
	"webserv/application/cgi"
	"webserv/application/http"
	"webserv/transport/reactor"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/suite"
)

type ConnTestSuite struct {
	suite.Suite

	root string
	reg  *fakeRegistration
	cgi  *fakeCGI
	opts Options

	conn *Conn
}

func TestConnTestSuite(t *testing.T) {
	suite.Run(t, new(ConnTestSuite))
}

func (s *ConnTestSuite) SetupTest() {
	s.root = s.T().TempDir()
	writeFiles(s.T(), s.root, map[string]string{
		"a.txt":       "first",
		"b.txt":       "second",
		"c.txt":       "third",
		"big.txt":     strings.Repeat("0123456789", 10),
		"cgi/run.php": "<?php",
	})

	s.reg = &fakeRegistration{}
	s.cgi = &fakeCGI{outcome: cgi.Started}
	s.opts = DefaultOptions
	s.opts.PersistentConnections = true
	s.newConn()
}

func (s *ConnTestSuite) newConn() {
	srv := New(newTestTable(s.T(), s.root), s.cgi, discardLogger(), clock.NewMock(), s.opts)
	s.conn = srv.NewConn(s.reg).(*Conn)
}

func (s *ConnTestSuite) read(raw string) {
	s.Equal(reactor.Continue, s.conn.OnReadable([]byte(raw), false))
}

// drain delivers writability while interest is armed, like the reactor does.
func (s *ConnTestSuite) drain(capacity int) (terminated bool) {
	for i := 0; i < 10000 && s.reg.armed; i++ {
		if s.conn.OnWritable(capacity) == reactor.Terminate {
			return true
		}
	}
	return false
}

func get(target string) string {
	return "GET " + target + " HTTP/1.1\r\nHost: localhost\r\n\r\n"
}

func (s *ConnTestSuite) statusLines() []string {
	var lines []string
	for _, line := range strings.Split(s.reg.String(), "\r\n") {
		if strings.HasPrefix(line, "HTTP/1.1 ") {
			lines = append(lines, line)
		}
	}
	return lines
}

func (s *ConnTestSuite) TestPipelinedInOrder() {
	s.read(get("/a.txt") + get("/b.txt") + get("/c.txt"))

	s.Equal(3, s.conn.dialogues.len())
	var targets []string
	s.conn.dialogues.each(func(_ int, d *Dialogue) {
		targets = append(targets, d.Request.Target)
	})
	s.Equal([]string{"/a.txt", "/b.txt", "/c.txt"}, targets)
	s.True(s.reg.armed)

	s.False(s.drain(7))
	s.False(s.reg.armed)

	out := s.reg.String()
	first, second, third := strings.Index(out, "first"), strings.Index(out, "second"), strings.Index(out, "third")
	s.True(first >= 0 && first < second && second < third, out)
	s.Len(s.statusLines(), 3)
	s.Equal(0, s.conn.dialogues.len())
}

func (s *ConnTestSuite) TestPartialReads() {
	raw := get("/a.txt")
	for i := 0; i < len(raw)-1; i++ {
		s.read(raw[i : i+1])
	}
	s.Equal(0, s.conn.dialogues.len())
	s.False(s.reg.armed)

	s.read(raw[len(raw)-1:])
	s.Equal(1, s.conn.dialogues.len())
	s.True(s.reg.armed)
	s.Equal(len(raw), s.reg.resets)
}

func (s *ConnTestSuite) TestAsyncHeadBlocksLaterResponses() {
	s.read(get("/cgi/run.php") + get("/a.txt"))

	s.Require().Len(s.cgi.dones, 1)
	s.True(s.reg.armed, "the static response is ready")

	// The head waits on CGI, so nothing may be written yet.
	s.False(s.drain(1 << 10))
	s.Empty(s.reg.String())
	s.False(s.reg.armed)

	res := http.NewResponse()
	res.Status = 200
	res.Body = []byte("from cgi")
	s.cgi.dones[0](res, nil)
	s.False(s.reg.armed, "completion is applied on the dispatch goroutine")

	s.reg.runPosted()
	s.True(s.reg.armed)

	s.False(s.drain(1 << 10))
	out := s.reg.String()
	s.Less(strings.Index(out, "from cgi"), strings.Index(out, "first"))
	s.Len(s.statusLines(), 2)
}

func (s *ConnTestSuite) TestCGIFailures() {
	s.read(get("/cgi/run.php") + get("/cgi/run.php"))
	s.Require().Len(s.cgi.dones, 2)

	s.cgi.dones[0](nil, cgi.ErrNoOutput)
	s.cgi.dones[1](nil, cgi.ErrTimeout)
	s.reg.runPosted()

	s.drain(1 << 10)
	s.Equal([]string{"HTTP/1.1 502 Bad Gateway", "HTTP/1.1 504 Gateway Timeout"}, s.statusLines())
}

func (s *ConnTestSuite) TestIdleTimeout() {
	s.read(get("/cgi/run.php") + get("/a.txt") + "GET /b.txt HTTP/1.1\r\n")
	s.Require().Len(s.cgi.dones, 1)
	s.Equal(2, s.conn.dialogues.len())

	var discarded []*Dialogue
	s.conn.dialogues.each(func(_ int, d *Dialogue) { discarded = append(discarded, d) })

	s.Equal(reactor.Continue, s.conn.OnTimer())

	s.Equal(1, s.conn.dialogues.len())
	for _, d := range discarded {
		s.True(d.discarded)
		s.Equal(StateComplete, d.State)
	}

	// The process finishing afterwards changes nothing.
	res := http.NewResponse()
	res.Status = 200
	s.cgi.dones[0](res, nil)
	s.reg.runPosted()
	s.Equal(1, s.conn.dialogues.len())

	s.True(s.drain(1 << 10))
	s.Equal([]string{"HTTP/1.1 408 Request Timeout"}, s.statusLines())
	s.Contains(s.reg.String(), "Connection: close")

	// Input after the timeout is ignored.
	s.read(get("/a.txt"))
	s.Equal(0, s.conn.dialogues.len())
}

func (s *ConnTestSuite) TestStalledAfterTimeout() {
	s.Equal(reactor.Continue, s.conn.OnTimer())
	s.Equal(reactor.Terminate, s.conn.OnTimer())
}

func (s *ConnTestSuite) TestPostForbiddenCGI() {
	s.cgi.outcome = cgi.Forbidden
	s.read("POST /cgi/upload.php HTTP/1.1\r\nHost: localhost\r\nContent-Length: 4\r\n\r\ndata")

	s.Require().Len(s.cgi.calls, 1)
	s.True(s.reg.armed)

	s.drain(1 << 10)
	s.Equal([]string{"HTTP/1.1 403 Forbidden"}, s.statusLines())
}

func (s *ConnTestSuite) TestMalformedRequestCloses() {
	s.read(get("/a.txt") + "BROKEN\r\n\r\n" + get("/b.txt"))

	s.Equal(2, s.conn.dialogues.len())
	s.True(s.drain(1 << 10))
	s.Equal([]string{"HTTP/1.1 200 OK", "HTTP/1.1 400 Bad Request"}, s.statusLines())
	s.NotContains(s.reg.String(), "second")
}

func (s *ConnTestSuite) TestBodyTooLarge() {
	body := strings.Repeat("x", 101)
	s.read("POST /a.txt HTTP/1.1\r\nHost: localhost\r\nContent-Length: 101\r\n\r\n" + body)

	s.drain(1 << 10)
	s.Equal([]string{"HTTP/1.1 413 Content Too Large"}, s.statusLines())
}

func (s *ConnTestSuite) TestCloseAfterResponseByDefault() {
	s.opts.PersistentConnections = false
	s.newConn()

	s.read(get("/a.txt") + get("/b.txt"))
	s.True(s.drain(1 << 10))
	s.Equal([]string{"HTTP/1.1 200 OK"}, s.statusLines())
	s.Contains(s.reg.String(), "Connection: close")
}

func (s *ConnTestSuite) TestConnectionCloseRequested() {
	s.read("GET /a.txt HTTP/1.1\r\nHost: localhost\r\nConnection: close\r\n\r\n")
	s.True(s.drain(1 << 10))
}

func (s *ConnTestSuite) TestChunkedResponse() {
	s.opts.ChunkThreshold = 10
	s.opts.ChunkSize = 32
	s.newConn()

	s.read(get("/big.txt"))
	s.False(s.drain(8))

	out := s.reg.String()
	s.Contains(out, "Transfer-Encoding: chunked\r\n")
	s.NotContains(out, "Content-Length")
	s.True(strings.HasSuffix(out, "0\r\n\r\n"), out)

	_, body, _ := strings.Cut(out, "\r\n\r\n")
	var decoded strings.Builder
	for {
		sizeLine, rest, _ := strings.Cut(body, "\r\n")
		var size int
		for _, c := range sizeLine {
			size = size*16 + strings.IndexRune("0123456789abcdef", c)
		}
		if size == 0 {
			break
		}
		decoded.WriteString(rest[:size])
		body = rest[size+2:]
	}
	s.Equal(strings.Repeat("0123456789", 10), decoded.String())
}

func (s *ConnTestSuite) TestEOFTerminates() {
	s.read(get("/a.txt"))
	s.Equal(reactor.Terminate, s.conn.OnReadable(nil, true))

	s.conn.OnClose()
	s.Equal(0, s.conn.dialogues.len())
}

func (s *ConnTestSuite) TestSpuriousWritable() {
	s.reg.armed = true
	s.Equal(reactor.Continue, s.conn.OnWritable(1<<10))
	s.False(s.reg.armed)
	s.Empty(s.reg.String())
}
