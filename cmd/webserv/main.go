// Command webserv serves the virtual hosts of a routing configuration.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"
	"webserv/application/cgi"
	"webserv/application/http/actor/server"
	"webserv/application/http/vhost"
	"webserv/transport/reactor"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

type flags struct {
	config      string
	listen      string
	logLevel    string
	idleTimeout time.Duration
	cgiTimeout  time.Duration
	persistent  bool
}

func main() {
	var f flags
	flag.StringVar(&f.config, "config", "webserv.json", "routing configuration file")
	flag.StringVar(&f.listen, "listen", "", "overrides the listening address when the configuration has a single one")
	flag.StringVar(&f.logLevel, "log-level", "info", "debug, info, warn or error")
	flag.DurationVar(&f.idleTimeout, "idle-timeout", reactor.DefaultOptions.IdleTimeout, "idle connection timeout")
	flag.DurationVar(&f.cgiTimeout, "cgi-timeout", cgi.DefaultOptions.Timeout, "cgi process time limit")
	flag.BoolVar(&f.persistent, "persistent", false, "keep connections open between requests")
	flag.Parse()

	if err := run(f); err != nil {
		fmt.Fprintln(os.Stderr, "webserv:", err)
		os.Exit(1)
	}
}

func run(f flags) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(f.logLevel)); err != nil {
		return errors.Wrap(err, "parsing log level")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	tables, err := vhost.LoadFile(f.config)
	if err != nil {
		return errors.Wrap(err, "loading routing configuration")
	}
	if f.listen != "" {
		if len(tables) != 1 {
			return errors.New("-listen needs a configuration with exactly one listening address")
		}
		if err := tables[0].Rebind(f.listen); err != nil {
			return errors.Wrap(err, "overriding listening address")
		}
	}

	clk := clock.New()

	cgiOpts := cgi.DefaultOptions
	cgiOpts.Timeout = f.cgiTimeout
	runner := cgi.NewRunner(logger.With("component", "cgi"), clk, cgiOpts)
	defer runner.Close()

	reactorOpts := reactor.DefaultOptions
	reactorOpts.IdleTimeout = f.idleTimeout
	r := reactor.New(logger, clk, reactorOpts)

	serverOpts := server.DefaultOptions
	serverOpts.PersistentConnections = f.persistent

	for _, table := range tables {
		l, err := net.Listen("tcp", table.Listen)
		if err != nil {
			return errors.Wrapf(err, "listening on %s", table.Listen)
		}

		srv := server.New(table, runner, logger.With("listen", table.Listen), clk, serverOpts)
		r.Listen(l, srv.NewConn)
		logger.Info("listening", "addr", l.Addr().String(), "servers", len(table.Servers()))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = r.Run(ctx)
	logger.Info("shutting down")

	return err
}
