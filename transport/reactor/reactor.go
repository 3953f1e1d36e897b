// Package reactor runs every connection handler on a single dispatch goroutine.
//
// Sockets are still read and written by per-connection goroutines,
// but those only move bytes and post events. Handler callbacks never overlap,
// so handlers keep their state without locks.
package reactor

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

var ErrClosed = errors.New("connection is closed")

// Action tells the reactor what to do with a connection after a callback.
type Action uint8

const (
	Continue Action = iota
	// Terminate deregisters the connection. Output already written is flushed
	// before the socket is closed.
	Terminate
)

type Handler interface {
	// OnReadable delivers bytes read from the socket. eof is set once the peer
	// closed its side or the socket failed, and p is empty then.
	OnReadable(p []byte, eof bool) Action
	// OnWritable is delivered while write interest is enabled and the outbox has room.
	// Writing more than capacity is allowed but defeats flow control.
	OnWritable(capacity int) Action
	// OnTimer is delivered when the idle timer expires.
	OnTimer() Action
	// OnClose is called exactly once, after the connection was deregistered.
	OnClose()
}

// Registration is the handler's view of its connection.
// Every method but Post must only be called from a callback.
type Registration interface {
	// Write appends to the connection's outbox.
	io.Writer

	EnableWrite()
	DisableWrite()

	// ResetTimer rearms the one-shot idle timer.
	ResetTimer()

	// Post schedules fn on the dispatch goroutine. It may be called from any goroutine.
	// fn is dropped if the connection is gone by then.
	Post(fn func())

	RemoteAddr() net.Addr
	ID() string
}

// Factory creates the handler of an accepted connection.
type Factory func(reg Registration) Handler

type Options struct {
	ReadBufferSize int
	// OutboxSize is the amount of unflushed output at which OnWritable stops being delivered.
	OutboxSize  int
	IdleTimeout time.Duration
	// CloseLinger bounds how long a terminated connection may take to flush its outbox.
	CloseLinger time.Duration
}

var DefaultOptions = Options{
	ReadBufferSize: 16 << 10,
	OutboxSize:     64 << 10,
	IdleTimeout:    60 * time.Second,
	CloseLinger:    5 * time.Second,
}

const acceptBackoff = 50 * time.Millisecond

type Reactor struct {
	logger *slog.Logger
	clock  clock.Clock
	opts   Options

	mu        sync.Mutex
	pending   []func()
	stopped   bool
	listeners []net.Listener
	wake      chan struct{}
	done      chan struct{}

	// entries is only touched by the dispatch goroutine.
	entries map[*entry]struct{}
	conns   atomic.Int64

	wg sync.WaitGroup
}

func New(logger *slog.Logger, clock clock.Clock, opts Options) *Reactor {
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = DefaultOptions.ReadBufferSize
	}
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = DefaultOptions.OutboxSize
	}

	return &Reactor{
		logger:  logger,
		clock:   clock,
		opts:    opts,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		entries: make(map[*entry]struct{}),
	}
}

// Listen accepts connections from l until the reactor stops.
// Accept failures are logged and do not stop the listener.
func (r *Reactor) Listen(l net.Listener, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		_ = l.Close()
		return
	}
	r.listeners = append(r.listeners, l)

	r.wg.Add(1)
	go r.accept(l, factory)
}

// Connections returns the number of registered connections.
func (r *Reactor) Connections() int { return int(r.conns.Load()) }

// Run dispatches events until ctx is done, then closes every listener and connection.
func (r *Reactor) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			r.shutdown()
			return nil
		}

		if batch := r.takePending(); len(batch) > 0 {
			for _, fn := range batch {
				fn()
			}
			continue
		}

		select {
		case <-ctx.Done():
		case <-r.wake:
		}
	}
}

func (r *Reactor) accept(l net.Listener, factory Factory) {
	defer r.wg.Done()

	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			r.logger.Error("unexpected error when accepting connection", "error", err)

			select {
			case <-r.done:
				return
			case <-r.clock.After(acceptBackoff):
			}
			continue
		}

		if !r.post(func() { r.register(conn, factory) }) {
			_ = conn.Close()
			return
		}
	}
}

func (r *Reactor) register(conn net.Conn, factory Factory) {
	select {
	case <-r.done:
		_ = conn.Close()
		return
	default:
	}

	e := newEntry(r, conn)
	e.handler = factory(e)
	r.entries[e] = struct{}{}

	e.resetTimer()
	r.conns.Add(1)
	e.logger.Debug("connection registered")

	r.wg.Add(2)
	go e.read()
	go e.flush()
}

func (r *Reactor) post(fn func()) bool {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return false
	}
	r.pending = append(r.pending, fn)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return true
}

func (r *Reactor) takePending() []func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	batch := r.pending
	r.pending = nil
	return batch
}

func (r *Reactor) shutdown() {
	r.mu.Lock()
	r.stopped = true
	close(r.done)
	listeners := r.listeners
	r.mu.Unlock()

	for _, l := range listeners {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			r.logger.Error("error when closing listener", "error", err)
		}
	}

	// Connections accepted but not registered yet.
	for _, fn := range r.takePending() {
		fn()
	}

	for e := range r.entries {
		e.terminate()
		_ = e.conn.Close()
	}

	r.wg.Wait()
}
