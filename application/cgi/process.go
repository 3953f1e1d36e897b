package cgi

import (
	"context"
	"sync"
	"sync/atomic"
)

// Process is a handle to a running script.
type Process struct {
	cancel context.CancelFunc

	once     sync.Once
	canceled atomic.Bool
	done     chan struct{}
}

func newProcess(cancel context.CancelFunc) *Process {
	return &Process{cancel: cancel, done: make(chan struct{})}
}

// Cancel kills the process. Its DoneFunc is still called, with [ErrCanceled].
// It is safe to call on a nil handle and more than once.
func (p *Process) Cancel() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		p.canceled.Store(true)
		p.cancel()
	})
}

// Done is closed once the process was reaped and its DoneFunc returned.
func (p *Process) Done() <-chan struct{} { return p.done }
