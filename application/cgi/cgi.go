// Package cgi runs CGI/1.1 scripts on behalf of the HTTP server.
//
// Starting a script reports synchronously whether the process could be set up at all.
// The response it produces is delivered later through a callback,
// on the goroutine that waited for the process.
package cgi

import (
	"webserv/application/http"

	"github.com/pkg/errors"
)

var (
	ErrTimeout         = errors.New("cgi process exceeded its time limit")
	ErrMalformedOutput = errors.New("cgi output is malformed")
	ErrNoOutput        = errors.New("cgi process exited without output")
	ErrCanceled        = errors.New("cgi process was canceled")
)

// Outcome tags the synchronous result of [Runner.Start].
type Outcome uint8

const (
	Started Outcome = iota
	Malformed
	Forbidden
	Missing
	Conflict
)

func (o Outcome) String() string {
	switch o {
	case Started:
		return "started"
	case Malformed:
		return "malformed"
	case Forbidden:
		return "forbidden"
	case Missing:
		return "missing"
	case Conflict:
		return "conflict"
	}
	return "unknown"
}

// StartResult carries either the running process or the reason it was not started.
type StartResult struct {
	Outcome Outcome
	Process *Process
	Err     error
}

func startFailure(o Outcome, err error) StartResult {
	return StartResult{Outcome: o, Err: err}
}

// DoneFunc receives the response produced by a script, or the reason there is none.
type DoneFunc func(res *http.Response, err error)

// Invocation describes one script execution.
type Invocation struct {
	// ID binds the invocation to its requester.
	// Only one process may run for an ID at a time.
	ID string

	Executable string
	// Script is the filesystem path of the requested resource.
	Script string

	Request *http.Request

	ServerName string
	ServerPort int
	RemoteAddr string
}
