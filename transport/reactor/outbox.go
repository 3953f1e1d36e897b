package reactor

import "sync"

// outbox buffers output between the dispatch goroutine and the flushing goroutine.
type outbox struct {
	mu   sync.Mutex
	cond sync.Cond

	buf      []byte
	inflight int
	size     int

	closing bool
	err     error
}

func newOutbox(size int) *outbox {
	o := &outbox{size: size}
	o.cond.L = &o.mu
	return o
}

func (o *outbox) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closing {
		return 0, ErrClosed
	}
	if o.err != nil {
		return 0, o.err
	}

	o.buf = append(o.buf, p...)
	o.cond.Signal()

	return len(p), nil
}

// free returns how much more may be written before the outbox is considered full.
func (o *outbox) free() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closing || o.err != nil {
		return 0
	}
	return max(o.size-len(o.buf)-o.inflight, 0)
}

// take blocks until there is output to flush.
// It returns false once the outbox is closing and empty.
func (o *outbox) take() ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for len(o.buf) == 0 && !o.closing && o.err == nil {
		o.cond.Wait()
	}
	if len(o.buf) == 0 || o.err != nil {
		return nil, false
	}

	data := o.buf
	o.buf = nil
	o.inflight = len(data)

	return data, true
}

func (o *outbox) release(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.inflight = 0
	if err != nil {
		o.err = err
	}
}

func (o *outbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.closing = true
	o.cond.Broadcast()
}
