package server

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"webserv/application/http"
	"webserv/application/http/status"
	"webserv/application/http/vhost"

	"github.com/benbjohnson/clock"
	"github.com/dchest/uniuri"
	"github.com/pkg/errors"
)

// Responder builds the responses a dialogue can be answered with.
// Filesystem outcomes that map to a status are answered directly;
// only unexpected failures are returned.
type Responder struct {
	clock  clock.Clock
	logger *slog.Logger
	opts   Options
}

func NewResponder(clock clock.Clock, logger *slog.Logger, opts Options) *Responder {
	return &Responder{clock: clock, logger: logger, opts: opts}
}

// MakeError answers d with code, using the server's error page when one is configured and readable.
func (rs *Responder) MakeError(d *Dialogue, loc *vhost.Location, code uint) {
	res := http.NewResponse()
	res.Status = code

	if code == status.MethodNotAllowed.Code && loc != nil {
		// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-15.5.6
		res.Headers.Set("Allow", loc.AllowHeader())
	}

	body, ok := rs.errorPage(d.Server, code)
	if !ok {
		body = errorBody(code)
	}
	res.Headers.Set("Content-Type", "text/html; charset=utf-8")
	res.Body = body

	rs.decorate(d, res)
	d.respond(res)
}

func (rs *Responder) errorPage(srv *vhost.Server, code uint) ([]byte, bool) {
	if srv == nil {
		return nil, false
	}
	page, ok := srv.ErrorPage(code)
	if !ok {
		return nil, false
	}

	b, err := os.ReadFile(page)
	if err != nil {
		rs.logger.Info("error page is unreadable", "page", page, "error", err)
		return nil, false
	}
	return b, true
}

func errorBody(code uint) []byte {
	line := fmt.Sprintf("%d %s", code, status.Text(code))
	return []byte("<html>\r\n<head><title>" + line + "</title></head>\r\n" +
		"<body>\r\n<center><h1>" + line + "</h1></center>\r\n</body>\r\n</html>\r\n")
}

// MakeReturn redirects d to the location's target.
func (rs *Responder) MakeReturn(d *Dialogue, loc *vhost.Location, code uint) {
	res := http.NewResponse()
	res.Status = code
	res.Headers.Set("Location", loc.RedirectTo)
	res.Headers.Set("Content-Type", "text/html; charset=utf-8")
	res.Body = errorBody(code)

	rs.decorate(d, res)
	d.respond(res)
}

// MakeGET serves the file or directory at p.
func (rs *Responder) MakeGET(d *Dialogue, loc *vhost.Location, p string) error {
	info, err := os.Stat(p)
	if err != nil {
		return rs.fsError(d, loc, err)
	}

	if info.IsDir() {
		for _, idx := range loc.Index {
			candidate := filepath.Join(p, idx)
			if fi, err := os.Stat(candidate); err == nil && fi.Mode().IsRegular() {
				return rs.serveFile(d, loc, candidate, fi)
			}
		}
		if loc.Autoindex {
			return rs.serveListing(d, loc, p)
		}
		rs.MakeError(d, loc, status.Forbidden.Code)
		return nil
	}

	if !info.Mode().IsRegular() {
		rs.MakeError(d, loc, status.Forbidden.Code)
		return nil
	}

	return rs.serveFile(d, loc, p, info)
}

func (rs *Responder) serveFile(d *Dialogue, loc *vhost.Location, p string, info fs.FileInfo) error {
	f, err := os.Open(p)
	if err != nil {
		return rs.fsError(d, loc, err)
	}

	res := http.NewResponse()
	res.Status = status.OK.Code
	res.Headers.Set("Content-Type", contentType(p))
	res.Headers.Set("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))

	if rs.opts.ChunkThreshold > 0 && info.Size() > rs.opts.ChunkThreshold {
		res.Stream = f
		res.Chunked = true
	} else {
		body, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			return errors.Wrapf(err, "reading %s", p)
		}
		res.Body = body
	}

	rs.decorate(d, res)
	d.respond(res)
	return nil
}

func (rs *Responder) serveListing(d *Dialogue, loc *vhost.Location, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return rs.fsError(d, loc, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	title := html.EscapeString("Index of " + d.Request.Path())

	var b bytes.Buffer
	b.WriteString("<html>\r\n<head><title>" + title + "</title></head>\r\n<body>\r\n")
	b.WriteString("<h1>" + title + "</h1><hr><pre>\r\n")
	b.WriteString("<a href=\"../\">../</a>\r\n")
	for _, e := range entries {
		name, href := e.Name(), url.PathEscape(e.Name())
		if e.IsDir() {
			name, href = name+"/", href+"/"
		}
		fmt.Fprintf(&b, "<a href=\"%s\">%s</a>\r\n", href, html.EscapeString(name))
	}
	b.WriteString("</pre><hr></body>\r\n</html>\r\n")

	res := http.NewResponse()
	res.Status = status.OK.Code
	res.Headers.Set("Content-Type", "text/html; charset=utf-8")
	res.Body = b.Bytes()

	rs.decorate(d, res)
	d.respond(res)
	return nil
}

// MakePOST stores the request body at p.
// When p is a directory the body is stored in a new file inside it.
func (rs *Responder) MakePOST(d *Dialogue, loc *vhost.Location, p string) error {
	target, location := p, d.Request.Path()

	if info, err := os.Stat(p); err == nil && info.IsDir() {
		name := uniuri.NewLen(16)
		target = filepath.Join(p, name)
		location = strings.TrimSuffix(location, "/") + "/" + name
	}

	if err := os.WriteFile(target, d.Request.Body, 0o644); err != nil {
		return rs.fsError(d, loc, err)
	}

	res := http.NewResponse()
	res.Status = status.Created.Code
	res.Headers.Set("Location", location)
	res.Headers.Set("Content-Type", "text/plain; charset=utf-8")
	res.Body = []byte("Created " + location + "\n")

	rs.decorate(d, res)
	d.respond(res)
	return nil
}

// MakeDELETE removes the file at p. Directories are never removed.
func (rs *Responder) MakeDELETE(d *Dialogue, loc *vhost.Location, p string) error {
	info, err := os.Stat(p)
	if err != nil {
		return rs.fsError(d, loc, err)
	}
	if info.IsDir() {
		rs.MakeError(d, loc, status.Conflict.Code)
		return nil
	}

	if err := os.Remove(p); err != nil {
		return rs.fsError(d, loc, err)
	}

	res := http.NewResponse()
	res.Status = status.NoContent.Code

	rs.decorate(d, res)
	d.respond(res)
	return nil
}

// decorate sets the fields every response carries.
func (rs *Responder) decorate(d *Dialogue, res *http.Response) {
	res.Headers.Set("Date", rs.clock.Now().UTC().Format(http.TimeFormat))
	if rs.opts.ServerName != "" {
		res.Headers.Set("Server", rs.opts.ServerName)
	}
	if d.closeAfter {
		res.Headers.Set("Connection", "close")
	} else {
		res.Headers.Set("Connection", "keep-alive")
	}
}

func (rs *Responder) fsError(d *Dialogue, loc *vhost.Location, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENOTDIR):
		rs.MakeError(d, loc, status.NotFound.Code)
	case errors.Is(err, fs.ErrPermission):
		rs.MakeError(d, loc, status.Forbidden.Code)
	case errors.Is(err, syscall.EISDIR):
		rs.MakeError(d, loc, status.Conflict.Code)
	default:
		return errors.Wrap(err, "accessing resource")
	}
	return nil
}

func contentType(p string) string {
	if ct := mime.TypeByExtension(filepath.Ext(p)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
