package server

import (
	"log/slog"
	"net"
	"webserv/application/cgi"
	"webserv/application/http"
	"webserv/application/http/status"
	"webserv/transport/reactor"

	"github.com/pkg/errors"
)

// Conn serves one connection. Its methods are reactor callbacks
// and are never called concurrently.
type Conn struct {
	reg    reactor.Registration
	router *Router

	parser    *http.RequestParser
	writer    *http.ResponseWriter
	dialogues *pipeline

	// closeAfter belongs to the response loaded in the writer.
	closeAfter bool
	timedOut   bool

	logger *slog.Logger
	opts   Options
}

var _ reactor.Handler = (*Conn)(nil)

func newConn(reg reactor.Registration, router *Router, logger *slog.Logger, opts Options) *Conn {
	return &Conn{
		reg:       reg,
		router:    router,
		parser:    http.NewRequestParser(opts.Parse),
		writer:    http.NewResponseWriter(reg, opts.ChunkSize),
		dialogues: newPipeline(),
		logger:    logger,
		opts:      opts,
	}
}

func (c *Conn) OnReadable(p []byte, eof bool) reactor.Action {
	if eof {
		c.logger.Debug("peer closed connection", "pending", c.dialogues.len())
		return reactor.Terminate
	}
	if c.timedOut {
		// Only the timeout response is left to send.
		return reactor.Continue
	}

	c.reg.ResetTimer()
	c.parser.Feed(p)

	for {
		req, err := c.parser.Next()
		if req == nil {
			break
		}

		c.enqueue(c.admit(req, err))

		if c.parser.Broken() {
			break
		}
	}

	return reactor.Continue
}

func (c *Conn) OnWritable(capacity int) reactor.Action {
	if c.writer.IsEmpty() && !c.load() {
		// Nothing computed at the head yet. Interest is rearmed when it is.
		c.reg.DisableWrite()
		return reactor.Continue
	}

	var done bool
	var err error
	if c.writer.IsChunked() {
		done, err = c.writer.WriteChunked(capacity)
	} else {
		done, err = c.writer.WritePlain(capacity)
	}

	switch {
	case err != nil:
		c.logger.Error("unexpected error while writing response", "error", err)
		return reactor.Terminate
	case !done:
		return reactor.Continue
	case c.closeAfter:
		return reactor.Terminate
	}

	if !c.dialogues.headReady() {
		c.reg.DisableWrite()
	}
	return reactor.Continue
}

func (c *Conn) OnTimer() reactor.Action {
	if c.timedOut {
		c.logger.Info("connection stalled after idle timeout")
		return reactor.Terminate
	}
	c.timedOut = true

	c.logger.Info("idle timeout exceeded", "discarded", c.dialogues.len())
	c.dialogues.clear()

	req := http.NewRequest(http.MethodGet, "/")
	req.Headers.Set("Host", "")

	d := newDialogue(req)
	d.Response.Status = status.RequestTimeout.Code
	d.closeAfter = true

	// Bounds how long the timeout response may take to leave.
	c.reg.ResetTimer()
	c.enqueue(d)

	return reactor.Continue
}

func (c *Conn) OnClose() {
	c.dialogues.clear()
	c.writer.Reset()
	c.logger.Debug("connection closed")
}

// OnCGIComplete moves a dialogue that waited on a CGI process forward.
// Dialogues discarded in the meantime are ignored.
func (c *Conn) OnCGIComplete(d *Dialogue, res *http.Response, err error) {
	if d.discarded || d.State != StatePendingAsync {
		return
	}
	d.process = nil

	if err != nil {
		code := status.BadGateway.Code
		if errors.Is(err, cgi.ErrTimeout) {
			code = status.GatewayTimeout.Code
		}
		c.logger.Error("cgi failed", "target", d.Request.Target, "error", err)
		c.router.responder.MakeError(d, d.Location, code)
	} else {
		c.router.responder.decorate(d, res)
		d.respond(res)
	}

	c.reg.EnableWrite()
}

// admit wraps a parsed request. A parse failure becomes the preset status.
func (c *Conn) admit(req *http.Request, err error) *Dialogue {
	d := newDialogue(req)
	d.closeAfter = !c.opts.PersistentConnections || !req.KeepAlive()

	if err != nil {
		code := status.BadRequest.Code
		var se status.Error
		if errors.As(err, &se) {
			code = se.Status.Code
		}
		c.logger.Debug("malformed request", "status", code, "error", err)

		d.Response.Status = code
		// The stream cannot be resynchronised.
		d.closeAfter = true
	}

	return d
}

func (c *Conn) enqueue(d *Dialogue) {
	c.dialogues.push(d)
	c.router.Route(d, remoteHost(c.reg.RemoteAddr()), c.completion(d))

	c.logger.Debug("request routed",
		"method", d.Request.Method,
		"target", d.Request.Target,
		"state", d.State,
	)

	if d.Ready() {
		c.reg.EnableWrite()
	}
}

func (c *Conn) completion(d *Dialogue) cgi.DoneFunc {
	return func(res *http.Response, err error) {
		c.reg.Post(func() { c.OnCGIComplete(d, res, err) })
	}
}

// load hands the head of the pipeline to the writer, if it is computed.
func (c *Conn) load() bool {
	d, ok := c.dialogues.pop()
	if !ok {
		return false
	}

	c.logger.Debug("sending response",
		"method", d.Request.Method,
		"target", d.Request.Target,
		"status", d.Response.Status,
	)

	c.writer.Load(d.Response)
	c.closeAfter = d.closeAfter

	// The writer owns the response from here on.
	d.Response = nil
	d.State = StateComplete

	return true
}

func remoteHost(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
