package server

import (
	"bytes"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"webserv/application/cgi"
	"webserv/application/http"
	"webserv/application/http/vhost"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeRegistration struct {
	bytes.Buffer

	armed  bool
	resets int
	posted []func()
}

func (r *fakeRegistration) EnableWrite()   { r.armed = true }
func (r *fakeRegistration) DisableWrite()  { r.armed = false }
func (r *fakeRegistration) ResetTimer()    { r.resets++ }
func (r *fakeRegistration) Post(fn func()) { r.posted = append(r.posted, fn) }
func (r *fakeRegistration) ID() string     { return "test" }
func (r *fakeRegistration) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
}

func (r *fakeRegistration) runPosted() {
	posted := r.posted
	r.posted = nil
	for _, fn := range posted {
		fn()
	}
}

type fakeCGI struct {
	outcome cgi.Outcome
	calls   []cgi.Invocation
	dones   []cgi.DoneFunc
}

func (f *fakeCGI) Start(inv cgi.Invocation, done cgi.DoneFunc) cgi.StartResult {
	f.calls = append(f.calls, inv)
	if f.outcome != cgi.Started {
		return cgi.StartResult{Outcome: f.outcome, Err: errors.New("refused")}
	}
	f.dones = append(f.dones, done)
	return cgi.StartResult{Outcome: cgi.Started}
}

// newTestTable serves root with a handful of locations exercising every routing rule.
func newTestTable(t *testing.T, root string) *vhost.Table {
	tables, err := vhost.Build(vhost.Config{Servers: []vhost.ServerConfig{{
		Listen:    "127.0.0.1:8080",
		Names:     []string{"localhost"},
		BodyLimit: 200,
		Locations: []vhost.LocationConfig{
			{Prefix: "/", Root: root, Methods: []string{"GET", "POST", "DELETE"}, BodyLimit: 100, Index: []string{"index.html"}},
			{Prefix: "/static", Root: filepath.Join(root, "static"), Methods: []string{"GET"}},
			{Prefix: "/cgi", Root: filepath.Join(root, "cgi"), Methods: []string{"GET", "POST"}, CGI: map[string]string{".php": "/usr/bin/php-cgi"}},
			{Prefix: "/old", Redirect: &vhost.RedirectConfig{Code: 301, To: "/new"}},
			{Prefix: "/list", Root: root, Autoindex: true},
			{Prefix: "/put", Root: root, Methods: []string{"PUT"}},
		},
	}}})
	require.NoError(t, err)
	return tables[0]
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	for name, content := range files {
		p := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func newRequest(method http.Method, target string, body string) *http.Request {
	req := http.NewRequest(method, target)
	req.Headers.Set("Host", "localhost")
	req.Body = []byte(body)
	return req
}

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func newTestResponder(c clock.Clock, opts Options) *Responder {
	return NewResponder(c, discardLogger(), opts)
}
