// Package vhost resolves a request to the virtual server and location serving it.
// A Table is built once at startup and never mutated afterwards,
// so it is shared by every connection without synchronization.
package vhost

import (
	"net"
	"sort"
	"strings"
	"webserv/application/http"
)

// Table holds the virtual servers sharing one listening address.
type Table struct {
	Listen string
	Port   int

	servers []*Server
	byName  map[string]*Server
}

// ResolveServer returns the server whose name equals host.
// A host with a port suffix is retried without it, and the first configured
// server is the default for unknown or empty hosts.
func (t *Table) ResolveServer(host string) *Server {
	if s, ok := t.byName[strings.ToLower(host)]; ok {
		return s
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		if s, ok := t.byName[strings.ToLower(h)]; ok {
			return s
		}
	}

	return t.servers[0]
}

func (t *Table) Servers() []*Server { return t.servers }

// Rebind moves the table to another listening address.
func (t *Table) Rebind(listen string) error {
	port, err := parsePort(listen)
	if err != nil {
		return err
	}
	t.Listen, t.Port = listen, port
	return nil
}

type Server struct {
	Names []string

	// BodyLimit is the largest request body accepted. Zero means no limit.
	BodyLimit uint64

	ErrorPages map[uint]string

	// sorted by prefix length, longest first.
	locations []*Location
}

// ResolveLocation returns the location with the longest prefix of path.
// A prefix only matches whole segments, so /static does not match /staticfoo.
func (s *Server) ResolveLocation(path string) (*Location, bool) {
	for _, loc := range s.locations {
		if loc.matches(path) {
			return loc, true
		}
	}
	return nil, false
}

// ErrorPage returns the configured page for code.
func (s *Server) ErrorPage(code uint) (string, bool) {
	p, ok := s.ErrorPages[code]
	return p, ok
}

func (s *Server) Locations() []*Location { return s.locations }

func (s *Server) sortLocations() {
	sort.SliceStable(s.locations, func(i, j int) bool {
		return len(s.locations[i].Prefix) > len(s.locations[j].Prefix)
	})
}

type Location struct {
	Prefix string
	Root   string

	Methods []http.Method

	// BodyLimit is the largest request body accepted. Zero means no limit.
	BodyLimit uint64

	// RedirectCode is non-zero when every request here is answered with a redirect to RedirectTo.
	RedirectCode uint
	RedirectTo   string

	Index     []string
	Autoindex bool

	cgi map[string]string
}

func (l *Location) Allows(m http.Method) bool {
	for _, allowed := range l.Methods {
		if allowed == m {
			return true
		}
	}
	return false
}

func (l *Location) matches(path string) bool {
	if !strings.HasPrefix(path, l.Prefix) {
		return false
	}
	return len(path) == len(l.Prefix) ||
		strings.HasSuffix(l.Prefix, "/") ||
		path[len(l.Prefix)] == '/'
}

// CGIExecutable returns the interpreter registered for ext, which includes its leading dot.
func (l *Location) CGIExecutable(ext string) (string, bool) {
	exe, ok := l.cgi[ext]
	return exe, ok
}

// ResourcePath substitutes the location prefix of path with the location root.
func (l *Location) ResourcePath(path string) string {
	rest := strings.TrimPrefix(path, l.Prefix)
	if rest != "" && rest[0] != '/' {
		rest = "/" + rest
	}
	return l.Root + rest
}

// AllowHeader is the value of the Allow field sent with 405 responses.
func (l *Location) AllowHeader() string {
	names := make([]string, len(l.Methods))
	for i, m := range l.Methods {
		names[i] = string(m)
	}
	return strings.Join(names, ", ")
}
