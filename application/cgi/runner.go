package cgi

import (
	"bytes"
	"context"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
	iolib "webserv/lib/io"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

type Options struct {
	// Timeout bounds the lifetime of a process. Zero means no limit.
	Timeout time.Duration
	// MaxOutputBytes bounds what a script may write to stdout. Zero means no limit.
	MaxOutputBytes int
	ServerSoftware string
}

var DefaultOptions = Options{
	Timeout:        30 * time.Second,
	MaxOutputBytes: 16 << 20,
	ServerSoftware: "webserv",
}

const stderrLimit = 64 << 10

// Runner starts scripts and tracks the ones still running.
type Runner struct {
	logger *slog.Logger
	clock  clock.Clock
	opts   Options

	mu      sync.Mutex
	running map[string]*Process
	wg      sync.WaitGroup
}

func NewRunner(logger *slog.Logger, clock clock.Clock, opts Options) *Runner {
	return &Runner{
		logger:  logger,
		clock:   clock,
		opts:    opts,
		running: make(map[string]*Process),
	}
}

// Start launches inv and reports whether it is running.
// When it is, done is called exactly once from another goroutine.
func (r *Runner) Start(inv Invocation, done DoneFunc) StartResult {
	if inv.Request == nil {
		return startFailure(Malformed, errors.New("invocation has no request"))
	}
	if !filepath.IsAbs(inv.Executable) {
		return startFailure(Malformed, errors.Errorf("executable %q is not an absolute path", inv.Executable))
	}
	if !filepath.IsAbs(inv.Script) {
		return startFailure(Malformed, errors.Errorf("script %q is not an absolute path", inv.Script))
	}

	if o, err := checkExecutable(inv.Executable); err != nil {
		return startFailure(o, err)
	}
	if o, err := checkScript(inv.Script); err != nil {
		return startFailure(o, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.running[inv.ID]; ok {
		return startFailure(Conflict, errors.Errorf("a process is already running for %q", inv.ID))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, inv.Executable, inv.Script)
	cmd.Dir = filepath.Dir(inv.Script)
	cmd.Env = Environ(inv, r.opts.ServerSoftware)
	cmd.Stdin = bytes.NewReader(inv.Request.Body)

	stdout := iolib.NewLimitedBuffer(r.opts.MaxOutputBytes)
	stderr := iolib.NewLimitedBuffer(stderrLimit)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Grandchildren may hold the pipes open after the script was killed.
	cmd.WaitDelay = time.Second

	if err := cmd.Start(); err != nil {
		cancel()
		return startFailure(classify(err), errors.Wrap(err, "starting cgi process"))
	}

	proc := newProcess(cancel)
	r.running[inv.ID] = proc

	var timedOut bool
	var timer *clock.Timer
	if r.opts.Timeout > 0 {
		timer = r.clock.AfterFunc(r.opts.Timeout, func() {
			r.mu.Lock()
			timedOut = true
			r.mu.Unlock()
			cancel()
		})
	}

	logger := r.logger.With("script", inv.Script, "pid", cmd.Process.Pid)
	logger.Debug("cgi process started")

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(proc.done)

		waitErr := cmd.Wait()
		if timer != nil {
			timer.Stop()
		}
		cancel()

		r.mu.Lock()
		delete(r.running, inv.ID)
		expired := timedOut
		r.mu.Unlock()

		if stderr.Len() > 0 {
			logger.Debug("cgi process wrote to stderr", "stderr", stderr.String())
		}

		switch {
		case proc.canceled.Load():
			done(nil, ErrCanceled)
			return
		case expired:
			logger.Error("cgi process timed out")
			done(nil, ErrTimeout)
			return
		case stdout.Overflowed():
			logger.Error("cgi output exceeds limit")
			done(nil, errors.Wrap(ErrMalformedOutput, "output exceeds limit"))
			return
		case stdout.Len() == 0:
			logger.Error("cgi process exited without output", "error", waitErr)
			done(nil, errors.Wrapf(ErrNoOutput, "%v", waitErr))
			return
		}

		if waitErr != nil {
			logger.Info("cgi process exited abnormally", "error", waitErr)
		}

		res, err := ParseOutput(stdout.Bytes())
		if err != nil {
			logger.Error("parsing cgi output", "error", err)
		}
		done(res, err)
	}()

	return StartResult{Outcome: Started, Process: proc}
}

// Running returns the number of processes not yet reaped.
func (r *Runner) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

// Close kills every running process and waits for them to be reaped.
func (r *Runner) Close() {
	r.mu.Lock()
	for _, p := range r.running {
		p.Cancel()
	}
	r.mu.Unlock()

	r.wg.Wait()
}

func checkExecutable(path string) (Outcome, error) {
	info, err := os.Stat(path)
	if err != nil {
		return classify(err), errors.Wrap(err, "inspecting executable")
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return Forbidden, errors.Errorf("%q is not executable", path)
	}
	return Started, nil
}

func checkScript(path string) (Outcome, error) {
	info, err := os.Stat(path)
	if err != nil {
		return classify(err), errors.Wrap(err, "inspecting script")
	}
	if info.IsDir() {
		return Forbidden, errors.Errorf("%q is a directory", path)
	}
	return Started, nil
}

func classify(err error) Outcome {
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, exec.ErrNotFound):
		return Missing
	case errors.Is(err, fs.ErrPermission):
		return Forbidden
	}
	return Malformed
}
