package server

import (
	"webserv/application/cgi"
	"webserv/application/http"
	"webserv/application/http/vhost"
	"webserv/lib/ds/queue"

	"github.com/dchest/uniuri"
)

// State is the resolution state of a dialogue.
type State uint8

const (
	// StateRouting means the request was parsed but no response exists yet.
	StateRouting State = iota
	// StateReadyToResponse means the response is fully computed.
	StateReadyToResponse
	// StatePendingAsync means a CGI process will produce the response.
	StatePendingAsync
	// StateReadyToWrite means the dialogue reached the head of the queue with a response.
	StateReadyToWrite
	// StateComplete means the response was handed to the writer or discarded.
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateRouting:
		return "ROUTING"
	case StateReadyToResponse:
		return "READY_TO_RESPONSE"
	case StatePendingAsync:
		return "PENDING_ASYNC"
	case StateReadyToWrite:
		return "READY_TO_WRITE"
	case StateComplete:
		return "COMPLETE"
	}
	return "UNKNOWN"
}

// Dialogue pairs one request with its response.
type Dialogue struct {
	ID string

	Request  *http.Request
	Response *http.Response
	State    State

	Server   *vhost.Server
	Location *vhost.Location
	// Resource is the filesystem path the request maps to, once resolved.
	Resource string

	closeAfter bool
	process    *cgi.Process
	discarded  bool
}

func newDialogue(req *http.Request) *Dialogue {
	return &Dialogue{
		ID:       uniuri.New(),
		Request:  req,
		Response: http.NewResponse(),
		State:    StateRouting,
	}
}

// Ready reports whether the response is computed.
func (d *Dialogue) Ready() bool {
	return d.State == StateReadyToResponse || d.State == StateReadyToWrite
}

// Preset is the status set on the response before routing, zero if none.
func (d *Dialogue) Preset() uint { return d.Response.Status }

func (d *Dialogue) respond(res *http.Response) {
	d.Response = res
	d.State = StateReadyToResponse
}

// discard drops the dialogue without sending anything, killing its process if there is one.
func (d *Dialogue) discard() {
	d.discarded = true
	d.State = StateComplete
	d.process.Cancel()
	d.process = nil
	if d.Response != nil {
		d.Response.Reset()
	}
}

// pipeline keeps dialogues in request order.
// Only the head may be handed to the writer.
type pipeline struct {
	q *queue.NaiveQueue[*Dialogue]
}

func newPipeline() *pipeline {
	return &pipeline{q: queue.NewNaive[*Dialogue](4)}
}

func (p *pipeline) push(d *Dialogue) { p.q.Enqueue(d) }

func (p *pipeline) len() int { return int(p.q.Len()) }

// pop removes the head if its response is computed, promoting it to [StateReadyToWrite].
func (p *pipeline) pop() (*Dialogue, bool) {
	d, err := p.q.Peek()
	if err != nil || !d.Ready() {
		return nil, false
	}

	d.State = StateReadyToWrite
	_, _ = p.q.Dequeue()
	return d, true
}

// headReady reports whether the head could be popped.
func (p *pipeline) headReady() bool {
	d, err := p.q.Peek()
	return err == nil && d.Ready()
}

func (p *pipeline) clear() {
	p.q.Drain(func(d *Dialogue) { d.discard() })
}

func (p *pipeline) each(fn func(i int, d *Dialogue)) {
	for i := uint(0); i < p.q.Len(); i++ {
		d, _ := p.q.PeekAt(i)
		fn(int(i), d)
	}
}
