package server

import (
	"log/slog"
	"webserv/application/http/vhost"
	"webserv/transport/reactor"

	"github.com/benbjohnson/clock"
)

// Server creates the connection handlers for one listening address.
type Server struct {
	router *Router

	logger *slog.Logger
	opts   Options
}

func New(
	table *vhost.Table,
	starter CGIStarter,
	logger *slog.Logger,
	clock clock.Clock,
	opts Options,
) *Server {
	responder := NewResponder(clock, logger, opts)

	return &Server{
		router: NewRouter(table, responder, starter, logger),
		logger: logger,
		opts:   opts,
	}
}

// NewConn is a [reactor.Factory].
func (s *Server) NewConn(reg reactor.Registration) reactor.Handler {
	logger := s.logger.With("conn", reg.RemoteAddr(), "id", reg.ID())
	return newConn(reg, s.router, logger, s.opts)
}
