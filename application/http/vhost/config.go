package vhost

import (
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"webserv/application/http"
	"webserv/application/http/status"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config is the on-disk shape of the routing table.
type Config struct {
	Servers []ServerConfig `json:"servers"`
}

type ServerConfig struct {
	Listen     string            `json:"listen"`
	Names      []string          `json:"names"`
	BodyLimit  uint64            `json:"body_limit"`
	ErrorPages map[string]string `json:"error_pages"`
	Locations  []LocationConfig  `json:"locations"`
}

type LocationConfig struct {
	Prefix    string            `json:"prefix"`
	Root      string            `json:"root"`
	Methods   []string          `json:"methods"`
	BodyLimit uint64            `json:"body_limit"`
	Redirect  *RedirectConfig   `json:"redirect"`
	Index     []string          `json:"index"`
	Autoindex bool              `json:"autoindex"`
	CGI       map[string]string `json:"cgi"`
}

type RedirectConfig struct {
	Code uint   `json:"code"`
	To   string `json:"to"`
}

var ErrInvalidConfig = errors.New("invalid routing configuration")

// LoadFile reads a JSON routing configuration from path.
func LoadFile(path string) ([]*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening config")
	}
	defer f.Close()

	return Load(f)
}

// Load decodes a JSON routing configuration and builds one table per listening address,
// in order of first appearance.
func Load(r io.Reader) ([]*Table, error) {
	var cfg Config
	if err := json.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}

	return Build(cfg)
}

func Build(cfg Config) ([]*Table, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.Wrap(ErrInvalidConfig, "no server configured")
	}

	var tables []*Table
	byListen := make(map[string]*Table)

	for i, sc := range cfg.Servers {
		srv, err := buildServer(sc)
		if err != nil {
			return nil, errors.Wrapf(err, "server #%d", i)
		}

		listen := sc.Listen
		if listen == "" {
			listen = ":8080"
		}

		t, ok := byListen[listen]
		if !ok {
			port, err := parsePort(listen)
			if err != nil {
				return nil, errors.Wrapf(err, "server #%d", i)
			}
			t = &Table{Listen: listen, Port: port, byName: make(map[string]*Server)}
			byListen[listen] = t
			tables = append(tables, t)
		}

		t.servers = append(t.servers, srv)
		for _, name := range srv.Names {
			name = strings.ToLower(name)
			if _, dup := t.byName[name]; dup {
				return nil, errors.Wrapf(ErrInvalidConfig, "server name %q is used twice on %s", name, listen)
			}
			t.byName[name] = srv
		}
	}

	return tables, nil
}

func buildServer(sc ServerConfig) (*Server, error) {
	srv := &Server{
		Names:      sc.Names,
		BodyLimit:  sc.BodyLimit,
		ErrorPages: make(map[uint]string, len(sc.ErrorPages)),
	}

	for k, page := range sc.ErrorPages {
		code, err := strconv.ParseUint(k, 10, 16)
		if err != nil || !status.IsError(uint(code)) {
			return nil, errors.Wrapf(ErrInvalidConfig, "error page code %q", k)
		}
		srv.ErrorPages[uint(code)] = page
	}

	seen := make(map[string]bool)
	for _, lc := range sc.Locations {
		loc, err := buildLocation(lc)
		if err != nil {
			return nil, errors.Wrapf(err, "location %q", lc.Prefix)
		}
		if seen[loc.Prefix] {
			return nil, errors.Wrapf(ErrInvalidConfig, "location %q is declared twice", loc.Prefix)
		}
		seen[loc.Prefix] = true
		srv.locations = append(srv.locations, loc)
	}
	srv.sortLocations()

	return srv, nil
}

func buildLocation(lc LocationConfig) (*Location, error) {
	if !strings.HasPrefix(lc.Prefix, "/") {
		return nil, errors.Wrap(ErrInvalidConfig, "prefix must start with /")
	}

	loc := &Location{
		Prefix:    lc.Prefix,
		Root:      strings.TrimSuffix(lc.Root, "/"),
		BodyLimit: lc.BodyLimit,
		Index:     lc.Index,
		Autoindex: lc.Autoindex,
		cgi:       make(map[string]string, len(lc.CGI)),
	}

	methods := lc.Methods
	if len(methods) == 0 {
		methods = []string{string(http.MethodGet)}
	}
	for _, m := range methods {
		method, ok := http.ParseMethod([]byte(strings.ToUpper(m)))
		if !ok {
			return nil, errors.Wrapf(ErrInvalidConfig, "unknown method %q", m)
		}
		loc.Methods = append(loc.Methods, method)
	}

	if lc.Redirect != nil && lc.Redirect.Code != 0 {
		if !status.IsRedirect(lc.Redirect.Code) {
			return nil, errors.Wrapf(ErrInvalidConfig, "redirect code %d is not 3xx", lc.Redirect.Code)
		}
		if lc.Redirect.To == "" {
			return nil, errors.Wrap(ErrInvalidConfig, "redirect without target")
		}
		loc.RedirectCode = lc.Redirect.Code
		loc.RedirectTo = lc.Redirect.To
	} else if lc.Root == "" {
		return nil, errors.Wrap(ErrInvalidConfig, "root is required")
	}

	for ext, exe := range lc.CGI {
		if !strings.HasPrefix(ext, ".") || exe == "" {
			return nil, errors.Wrapf(ErrInvalidConfig, "cgi mapping %q => %q", ext, exe)
		}
		loc.cgi[ext] = exe
	}

	return loc, nil
}

func parsePort(listen string) (int, error) {
	_, p, err := net.SplitHostPort(listen)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidConfig, "listen address %q", listen)
	}

	port, err := strconv.Atoi(p)
	if err != nil || port < 0 || port > 65535 {
		return 0, errors.Wrapf(ErrInvalidConfig, "listen port %q", p)
	}
	return port, nil
}
