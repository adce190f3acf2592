// Package executortest provides a scriptable executor.Runner for tests.
package executortest

import (
	"context"
	"sync"

	"github.com/manchtools/githost-agent/internal/executor"
)

// Call is one recorded invocation.
type Call struct {
	Mode  string // "execute" or "capture"
	Name  string
	Args  []string
	Stdin []byte
}

// HandlerFunc answers a call. Returning a nil result and nil error yields an
// empty successful result.
type HandlerFunc func(call Call) (*executor.Result, error)

// Runner records every call and answers with Handler.
type Runner struct {
	Handler HandlerFunc

	mu    sync.Mutex
	calls []Call
}

// New creates a Runner answering with h.
func New(h HandlerFunc) *Runner {
	return &Runner{Handler: h}
}

func (r *Runner) Execute(_ context.Context, name string, args ...string) (*executor.Result, error) {
	return r.handle(Call{Mode: "execute", Name: name, Args: append([]string(nil), args...)})
}

func (r *Runner) Capture(_ context.Context, name string, args []string, opts executor.CaptureOptions) (*executor.Result, error) {
	call := Call{Mode: "capture", Name: name, Args: append([]string(nil), args...)}
	if opts.Stdin != nil {
		call.Stdin = append([]byte{}, opts.Stdin...)
	}
	return r.handle(call)
}

func (r *Runner) handle(call Call) (*executor.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	h := r.Handler
	r.mu.Unlock()

	if h == nil {
		return &executor.Result{}, nil
	}
	res, err := h(call)
	if res == nil && err == nil {
		res = &executor.Result{}
	}
	return res, err
}

// Calls returns a copy of the recorded calls.
func (r *Runner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]Call, len(r.calls))
	copy(cp, r.calls)
	return cp
}

// LastCall returns the most recent call, or the zero Call.
func (r *Runner) LastCall() Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return Call{}
	}
	return r.calls[len(r.calls)-1]
}

// Reset forgets recorded calls.
func (r *Runner) Reset() {
	r.mu.Lock()
	r.calls = nil
	r.mu.Unlock()
}

// Exit returns a handler that always exits with code and output.
func Exit(code int, stdout, stderr string) HandlerFunc {
	return func(Call) (*executor.Result, error) {
		return &executor.Result{Stdout: stdout, Stderr: stderr, ExitCode: code}, nil
	}
}

// Fail returns a handler that always fails to spawn with err.
func Fail(err error) HandlerFunc {
	return func(call Call) (*executor.Result, error) {
		return nil, &executor.SpawnError{Name: call.Name, Err: err}
	}
}
