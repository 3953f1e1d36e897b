package reactor

import (
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dchest/uniuri"
	"github.com/pkg/errors"
)

type entry struct {
	r       *Reactor
	id      string
	conn    net.Conn
	handler Handler
	logger  *slog.Logger

	// Fields below are only touched by the dispatch goroutine.
	closed      bool
	writeArmed  bool
	pollPending bool
	timer       *clock.Timer
	timerGen    uint64

	outbox *outbox
	resume chan struct{}
	stop   chan struct{}
}

var _ Registration = (*entry)(nil)

func newEntry(r *Reactor, conn net.Conn) *entry {
	id := uniuri.NewLen(8)
	return &entry{
		r:      r,
		id:     id,
		conn:   conn,
		logger: r.logger.With("conn", conn.RemoteAddr(), "id", id),
		outbox: newOutbox(r.opts.OutboxSize),
		resume: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
}

func (e *entry) ID() string           { return e.id }
func (e *entry) RemoteAddr() net.Addr { return e.conn.RemoteAddr() }

func (e *entry) Write(p []byte) (int, error) { return e.outbox.Write(p) }

func (e *entry) EnableWrite()  { e.writeArmed = true }
func (e *entry) DisableWrite() { e.writeArmed = false }

func (e *entry) ResetTimer() { e.resetTimer() }

func (e *entry) Post(fn func()) {
	e.r.post(func() {
		if e.closed {
			return
		}
		fn()
		e.pump()
	})
}

func (e *entry) apply(action Action) {
	if action == Terminate {
		e.terminate()
		return
	}
	e.pump()
}

// pump schedules OnWritable while write interest is enabled and the outbox has room.
// A drained outbox pumps again, so interest behaves level-triggered.
func (e *entry) pump() {
	if e.closed || !e.writeArmed || e.pollPending || e.outbox.free() <= 0 {
		return
	}

	e.pollPending = true
	e.r.post(func() {
		e.pollPending = false
		if e.closed || !e.writeArmed {
			return
		}

		free := e.outbox.free()
		if free <= 0 {
			return
		}
		e.apply(e.handler.OnWritable(free))
	})
}

func (e *entry) readable(p []byte, eof bool) {
	defer e.ack()

	if e.closed {
		return
	}
	e.apply(e.handler.OnReadable(p, eof))
}

func (e *entry) ack() {
	select {
	case e.resume <- struct{}{}:
	default:
	}
}

func (e *entry) resetTimer() {
	e.stopTimer()
	if e.r.opts.IdleTimeout <= 0 {
		return
	}

	gen := e.timerGen
	e.timer = e.r.clock.AfterFunc(e.r.opts.IdleTimeout, func() {
		e.r.post(func() {
			if e.closed || gen != e.timerGen {
				return
			}
			e.timer = nil
			e.logger.Debug("idle timer expired")
			e.apply(e.handler.OnTimer())
		})
	})
}

func (e *entry) stopTimer() {
	// Bumping the generation invalidates a firing that was already posted.
	e.timerGen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *entry) terminate() {
	if e.closed {
		return
	}
	e.closed = true

	e.stopTimer()
	delete(e.r.entries, e)
	e.r.conns.Add(-1)
	close(e.stop)

	e.handler.OnClose()

	if e.r.opts.CloseLinger > 0 {
		// Socket deadlines are wall clock time.
		_ = e.conn.SetWriteDeadline(time.Now().Add(e.r.opts.CloseLinger))
	}
	e.outbox.close()

	e.logger.Debug("connection deregistered")
}

func (e *entry) fault(err error) {
	if e.closed {
		return
	}
	e.logger.Error("error when writing to connection", "error", err)
	e.terminate()
}

// read runs on its own goroutine. It waits for every delivery to be handled
// before reading again, so buf is reused and unread input stays in the socket.
func (e *entry) read() {
	defer e.r.wg.Done()

	buf := make([]byte, e.r.opts.ReadBufferSize)
	deliver := func(p []byte, eof bool) bool {
		if !e.r.post(func() { e.readable(p, eof) }) {
			return false
		}
		select {
		case <-e.resume:
			return true
		case <-e.stop:
			return false
		}
	}

	for {
		n, err := e.conn.Read(buf)
		if n > 0 && !deliver(buf[:n], false) {
			return
		}

		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				e.logger.Debug("error when reading from connection", "error", err)
			}
			deliver(nil, true)
			return
		}
	}
}

// flush runs on its own goroutine and owns closing the socket.
func (e *entry) flush() {
	defer e.r.wg.Done()
	defer func() {
		if err := e.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			e.logger.Error("error when closing connection", "error", err)
		}
	}()

	for {
		data, ok := e.outbox.take()
		if !ok {
			return
		}

		_, err := e.conn.Write(data)
		e.outbox.release(err)
		if err != nil {
			e.r.post(func() { e.fault(err) })
			return
		}

		e.r.post(func() { e.pump() })
	}
}
