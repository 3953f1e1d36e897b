package cgi

import (
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"webserv/application/http"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type result struct {
	res *http.Response
	err error
}

type RunnerTestSuite struct {
	suite.Suite

	shell string
	dir   string
	clock *clock.Mock

	runner *Runner
}

func TestRunnerTestSuite(t *testing.T) {
	suite.Run(t, new(RunnerTestSuite))
}

func (s *RunnerTestSuite) SetupTest() {
	shell, err := exec.LookPath("sh")
	if err != nil {
		s.T().Skip("no shell available")
	}
	s.shell = shell
	s.dir = s.T().TempDir()
	s.clock = clock.NewMock()

	opts := DefaultOptions
	opts.Timeout = 10 * time.Second
	s.runner = NewRunner(slog.New(slog.DiscardHandler), s.clock, opts)
}

func (s *RunnerTestSuite) TearDownTest() {
	if s.runner != nil {
		s.runner.Close()
	}
}

func (s *RunnerTestSuite) script(name, content string) string {
	path := filepath.Join(s.dir, name)
	s.Require().NoError(os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (s *RunnerTestSuite) invocation(id, script string) Invocation {
	req := http.NewRequest(http.MethodPost, "/"+filepath.Base(script)+"?a=1")
	req.Body = []byte("payload")
	return Invocation{
		ID:         id,
		Executable: s.shell,
		Script:     script,
		Request:    req,
		ServerPort: 8080,
	}
}

func (s *RunnerTestSuite) start(inv Invocation) (StartResult, <-chan result) {
	ch := make(chan result, 1)
	sr := s.runner.Start(inv, func(res *http.Response, err error) {
		ch <- result{res: res, err: err}
	})
	return sr, ch
}

func (s *RunnerTestSuite) wait(ch <-chan result) result {
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		s.FailNow("cgi process did not finish")
	}
	return result{}
}

func (s *RunnerTestSuite) TestEcho() {
	script := s.script("echo.sh", `printf 'Content-Type: text/plain\r\nX-Method: %s\r\n\r\n' "$REQUEST_METHOD"
printf '%s|' "$QUERY_STRING" "$CONTENT_LENGTH"
cat
`)

	sr, ch := s.start(s.invocation("a", script))
	s.Require().Equal(Started, sr.Outcome, sr.Err)
	s.NotNil(sr.Process)

	r := s.wait(ch)
	s.Require().NoError(r.err)
	s.Equal(uint(200), r.res.Status)

	ct, _ := r.res.Headers.Get("Content-Type")
	s.Equal("text/plain", ct)
	method, _ := r.res.Headers.Get("X-Method")
	s.Equal("POST", method)
	s.Equal("a=1|7|payload", string(r.res.Body))

	<-sr.Process.Done()
	s.Equal(0, s.runner.Running())
}

func (s *RunnerTestSuite) TestStartFailures() {
	script := s.script("ok.sh", "echo\n")

	notExec := filepath.Join(s.dir, "not-exec")
	s.Require().NoError(os.WriteFile(notExec, []byte("#!/bin/sh\n"), 0o644))

	testcases := []struct {
		desc     string
		mutate   func(*Invocation)
		expected Outcome
	}{
		{desc: "relative executable", mutate: func(i *Invocation) { i.Executable = "sh" }, expected: Malformed},
		{desc: "relative script", mutate: func(i *Invocation) { i.Script = "ok.sh" }, expected: Malformed},
		{desc: "no request", mutate: func(i *Invocation) { i.Request = nil }, expected: Malformed},
		{desc: "missing executable", mutate: func(i *Invocation) { i.Executable = filepath.Join(s.dir, "nope") }, expected: Missing},
		{desc: "missing script", mutate: func(i *Invocation) { i.Script = filepath.Join(s.dir, "nope.sh") }, expected: Missing},
		{desc: "executable not executable", mutate: func(i *Invocation) { i.Executable = notExec }, expected: Forbidden},
		{desc: "script is directory", mutate: func(i *Invocation) { i.Script = s.dir }, expected: Forbidden},
	}

	for _, tc := range testcases {
		s.Run(tc.desc, func() {
			inv := s.invocation("x", script)
			tc.mutate(&inv)

			sr := s.runner.Start(inv, func(*http.Response, error) {
				s.Fail("done must not be called")
			})
			s.Equal(tc.expected, sr.Outcome)
			s.Error(sr.Err)
			s.Nil(sr.Process)
		})
	}
}

func (s *RunnerTestSuite) TestConflictAndCancel() {
	script := s.script("slow.sh", "exec sleep 30\n")

	first, ch := s.start(s.invocation("same", script))
	s.Require().Equal(Started, first.Outcome, first.Err)

	second := s.runner.Start(s.invocation("same", script), func(*http.Response, error) {})
	s.Equal(Conflict, second.Outcome)

	first.Process.Cancel()
	first.Process.Cancel()

	r := s.wait(ch)
	s.True(errors.Is(r.err, ErrCanceled))
	s.Nil(r.res)
}

func (s *RunnerTestSuite) TestTimeout() {
	script := s.script("slow.sh", "exec sleep 30\n")

	sr, ch := s.start(s.invocation("t", script))
	s.Require().Equal(Started, sr.Outcome, sr.Err)

	s.clock.Add(10 * time.Second)

	r := s.wait(ch)
	s.True(errors.Is(r.err, ErrTimeout))
}

func (s *RunnerTestSuite) TestNoOutput() {
	script := s.script("silent.sh", "exit 3\n")

	sr, ch := s.start(s.invocation("n", script))
	s.Require().Equal(Started, sr.Outcome, sr.Err)

	r := s.wait(ch)
	s.True(errors.Is(r.err, ErrNoOutput))
}

func (s *RunnerTestSuite) TestEnvironment() {
	inv := s.invocation("e", "/srv/cgi/run.py")
	inv.Request.Headers.Set("Content-Type", "text/plain")
	inv.Request.Headers.Set("X-Forwarded-For", "10.0.0.1")
	inv.Request.Headers.Set("Proxy", "http://10.0.0.2:3128")
	inv.RemoteAddr = "127.0.0.1"

	env := Environ(inv, "webserv")

	s.Contains(env, "GATEWAY_INTERFACE=CGI/1.1")
	s.Contains(env, "REQUEST_METHOD=POST")
	s.Contains(env, "SCRIPT_FILENAME=/srv/cgi/run.py")
	s.Contains(env, "SCRIPT_NAME=/run.py")
	s.Contains(env, "QUERY_STRING=a=1")
	s.Contains(env, "CONTENT_LENGTH=7")
	s.Contains(env, "CONTENT_TYPE=text/plain")
	s.Contains(env, "SERVER_PORT=8080")
	s.Contains(env, "SERVER_PROTOCOL=HTTP/1.1")
	s.Contains(env, "SERVER_SOFTWARE=webserv")
	s.Contains(env, "REDIRECT_STATUS=200")
	s.Contains(env, "REMOTE_ADDR=127.0.0.1")
	s.Contains(env, "HTTP_X_FORWARDED_FOR=10.0.0.1")
	s.NotContains(env, "HTTP_CONTENT_TYPE=text/plain")
	for _, kv := range env {
		s.False(strings.HasPrefix(kv, "HTTP_PROXY="), kv)
	}
}
