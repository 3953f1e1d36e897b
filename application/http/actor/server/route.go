package server

import (
	"log/slog"
	"net/url"
	"os"
	"path"
	"strings"
	"webserv/application/cgi"
	"webserv/application/http"
	"webserv/application/http/status"
	"webserv/application/http/vhost"

	"github.com/pkg/errors"
)

// ErrMalformed is raised while resolving a resource for a request that cannot name one.
var ErrMalformed = errors.New("malformed request")

type VerdictKind uint8

const (
	VerdictContinue VerdictKind = iota
	VerdictError
	VerdictRedirect
)

type Verdict struct {
	Kind VerdictKind
	Code uint
}

// Decide applies the routing rules in order. The first one that matches wins:
//  1. a status preset by earlier processing other than 200
//  2. no location → 404
//  3. method not allowed by the location → 405
//  4. body larger than the server or location limit → 413
//  5. location redirect → its code
func Decide(req *http.Request, preset uint, srv *vhost.Server, loc *vhost.Location) Verdict {
	switch {
	case preset != 0 && preset != status.OK.Code:
		return Verdict{Kind: VerdictError, Code: preset}
	case loc == nil:
		return Verdict{Kind: VerdictError, Code: status.NotFound.Code}
	case !loc.Allows(req.Method):
		return Verdict{Kind: VerdictError, Code: status.MethodNotAllowed.Code}
	case exceeds(len(req.Body), srv.BodyLimit), exceeds(len(req.Body), loc.BodyLimit):
		return Verdict{Kind: VerdictError, Code: status.ContentTooLarge.Code}
	case loc.RedirectCode != 0:
		return Verdict{Kind: VerdictRedirect, Code: loc.RedirectCode}
	}
	return Verdict{Kind: VerdictContinue}
}

func exceeds(n int, limit uint64) bool {
	return limit > 0 && uint64(n) > limit
}

// CGIStarter starts scripts. [cgi.Runner] is the production implementation.
type CGIStarter interface {
	Start(inv cgi.Invocation, done cgi.DoneFunc) cgi.StartResult
}

// Router turns a dialogue's request into a response or a CGI delegation.
type Router struct {
	table     *vhost.Table
	responder *Responder
	cgi       CGIStarter
	logger    *slog.Logger
}

func NewRouter(table *vhost.Table, responder *Responder, starter CGIStarter, logger *slog.Logger) *Router {
	return &Router{
		table:     table,
		responder: responder,
		cgi:       starter,
		logger:    logger,
	}
}

// Route resolves d in place. It leaves d either computed or pending on a CGI process,
// in which case done receives the process's outcome.
// A dialogue that is no longer routing is left untouched.
func (r *Router) Route(d *Dialogue, remoteAddr string, done cgi.DoneFunc) {
	if d.State != StateRouting {
		return
	}

	req := d.Request
	srv := r.table.ResolveServer(req.Host())

	// Location and resource are both derived from the cleaned path.
	p, err := cleanPath(req.Path())
	if err != nil {
		r.logger.Debug("rejecting request path", "target", req.Target, "error", err)
		if preset := d.Preset(); preset == 0 || preset == status.OK.Code {
			d.Response.Status = status.BadRequest.Code
		}
		p = req.Path()
	}

	loc, _ := srv.ResolveLocation(p)
	d.Server, d.Location = srv, loc

	switch v := Decide(req, d.Preset(), srv, loc); v.Kind {
	case VerdictError:
		r.responder.MakeError(d, loc, v.Code)
		return
	case VerdictRedirect:
		r.responder.MakeReturn(d, loc, v.Code)
		return
	}

	if err := r.resolve(d, loc, p, remoteAddr, done); err != nil {
		code := status.InternalServerError.Code
		if errors.Is(err, ErrMalformed) {
			code = status.BadRequest.Code
		} else {
			r.logger.Error("unexpected error while resolving resource", "target", req.Target, "error", err)
		}
		r.responder.MakeError(d, loc, code)
	}
}

func (r *Router) resolve(d *Dialogue, loc *vhost.Location, p, remoteAddr string, done cgi.DoneFunc) error {
	req := d.Request
	d.Resource = loc.ResourcePath(p)

	exe, ok := loc.CGIExecutable(cgiExtension(p))
	if !ok {
		return r.dispatch(d, loc)
	}

	if req.Method != http.MethodPost {
		if _, err := os.Stat(d.Resource); err != nil {
			r.responder.MakeError(d, loc, status.NotFound.Code)
			return nil
		}
	}

	r.responder.decorate(d, d.Response)

	res := r.cgi.Start(cgi.Invocation{
		ID:         d.ID,
		Executable: exe,
		Script:     d.Resource,
		Request:    req,
		ServerName: hostName(req.Host()),
		ServerPort: r.table.Port,
		RemoteAddr: remoteAddr,
	}, done)

	switch res.Outcome {
	case cgi.Started:
		d.State = StatePendingAsync
		d.process = res.Process
		return nil
	case cgi.Malformed:
		r.responder.MakeError(d, loc, status.BadRequest.Code)
	case cgi.Forbidden:
		r.responder.MakeError(d, loc, status.Forbidden.Code)
	case cgi.Missing:
		r.responder.MakeError(d, loc, status.NotFound.Code)
	case cgi.Conflict:
		r.responder.MakeError(d, loc, status.Conflict.Code)
	}
	r.logger.Debug("cgi was not started", "outcome", res.Outcome, "error", res.Err)

	return nil
}

func (r *Router) dispatch(d *Dialogue, loc *vhost.Location) error {
	switch d.Request.Method {
	case http.MethodGet:
		return r.responder.MakeGET(d, loc, d.Resource)
	case http.MethodPost:
		return r.responder.MakePOST(d, loc, d.Resource)
	case http.MethodDelete:
		return r.responder.MakeDELETE(d, loc, d.Resource)
	}

	r.responder.MakeError(d, loc, status.NotImplemented.Code)
	return nil
}

// cgiExtension returns the path from its first dot up to the query, if any.
func cgiExtension(target string) string {
	p, _, _ := strings.Cut(target, "?")
	dot := strings.IndexByte(p, '.')
	if dot < 0 {
		return ""
	}
	return p[dot:]
}

// cleanPath decodes p and rejects paths climbing above the root.
func cleanPath(p string) (string, error) {
	decoded, err := url.PathUnescape(p)
	if err != nil {
		return "", errors.Wrap(ErrMalformed, err.Error())
	}
	if strings.IndexByte(decoded, 0) >= 0 {
		return "", errors.Wrap(ErrMalformed, "path contains NUL")
	}

	for _, seg := range strings.Split(decoded, "/") {
		if seg == ".." {
			return "", errors.Wrapf(ErrMalformed, "path %q escapes its root", p)
		}
	}

	clean := path.Clean(decoded)
	if strings.HasSuffix(decoded, "/") && clean != "/" {
		clean += "/"
	}
	return clean, nil
}

func hostName(host string) string {
	if i := strings.LastIndexByte(host, ':'); i >= 0 && !strings.Contains(host[i:], "]") {
		return host[:i]
	}
	return host
}
