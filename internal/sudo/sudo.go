// Package sudo runs commands as the hosting account.
//
// Every invocation is prefixed with the same escalation flags:
//
//	sudo -n -u <account> -i <args...>
//
// -n never prompts for a password, -u selects the account and -i starts a
// login shell so the command runs from the account's home with its $HOME.
package sudo

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/manchtools/githost-agent/internal/executor"
)

// Record describes one privileged invocation, reported after it finishes.
type Record struct {
	Args      []string
	Mode      string // "run" or "capture"
	ExitCode  int
	StdinSize int
	StartedAt time.Time
	Duration  time.Duration
	Err       error
}

// Recorder receives a Record for every invocation. Implementations must not
// block for long; a failing recorder never fails the invocation.
type Recorder interface {
	RecordInvocation(ctx context.Context, rec Record) error
}

// Options configures a Wrapper.
type Options struct {
	// SudoPath is the escalation binary, "sudo" when empty.
	SudoPath string
	// Account is the target user passed to -u.
	Account string
	Recorder Recorder
	Logger   *slog.Logger
}

// Wrapper builds and runs escalated invocations. It holds no mutable state
// and is safe for concurrent use.
type Wrapper struct {
	runner   executor.Runner
	sudoPath string
	account  string
	recorder Recorder
	logger   *slog.Logger
}

// New creates a Wrapper that spawns processes through runner.
func New(runner executor.Runner, opts Options) *Wrapper {
	sudoPath := opts.SudoPath
	if sudoPath == "" {
		sudoPath = "sudo"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Wrapper{
		runner:   runner,
		sudoPath: sudoPath,
		account:  opts.Account,
		recorder: opts.Recorder,
		logger:   logger,
	}
}

// Account returns the target account.
func (w *Wrapper) Account() string {
	return w.account
}

// Prefix returns the escalation flags placed before every command.
func (w *Wrapper) Prefix() []string {
	return []string{"-n", "-u", w.account, "-i"}
}

// Invocation returns the full argument list passed to the sudo binary.
func (w *Wrapper) Invocation(args ...string) []string {
	prefix := w.Prefix()
	out := make([]string, 0, len(prefix)+len(args))
	out = append(out, prefix...)
	return append(out, args...)
}

// Run executes args as the account and returns the raw result. A non-zero
// exit code is reported in the result, not as an error; the error is set
// only when the process could not run to completion.
func (w *Wrapper) Run(ctx context.Context, args ...string) (*executor.Result, error) {
	start := time.Now()
	res, err := w.runner.Execute(ctx, w.sudoPath, w.Invocation(args...)...)
	w.record(ctx, "run", args, 0, start, res, err)
	return res, err
}

// Capture executes args as the account and returns stdout. A non-zero exit
// code is returned as a *CommandError carrying the captured output.
func (w *Wrapper) Capture(ctx context.Context, args ...string) (string, error) {
	return w.capture(ctx, nil, args)
}

// CaptureWithInput is Capture with payload streamed verbatim on stdin.
func (w *Wrapper) CaptureWithInput(ctx context.Context, payload []byte, args ...string) (string, error) {
	if payload == nil {
		payload = []byte{}
	}
	return w.capture(ctx, payload, args)
}

func (w *Wrapper) capture(ctx context.Context, stdin []byte, args []string) (string, error) {
	start := time.Now()
	res, err := w.runner.Capture(ctx, w.sudoPath, w.Invocation(args...), executor.CaptureOptions{Stdin: stdin})
	w.record(ctx, "capture", args, len(stdin), start, res, err)
	if err != nil {
		return "", err
	}
	if err := Check(args, res); err != nil {
		return "", err
	}
	if res.Truncated {
		return "", fmt.Errorf("capture %q: %w", strings.Join(args, " "), executor.ErrOutputTruncated)
	}
	return res.Stdout, nil
}

// Check converts a non-zero result into a *CommandError. It returns nil for
// a zero exit code.
func Check(args []string, res *executor.Result) error {
	if res == nil || res.ExitCode == 0 {
		return nil
	}
	return &CommandError{
		Args:     append([]string(nil), args...),
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
	}
}

func (w *Wrapper) record(ctx context.Context, mode string, args []string, stdinSize int, start time.Time, res *executor.Result, err error) {
	exitCode := -1
	if res != nil {
		exitCode = res.ExitCode
	}
	w.logger.Debug("sudo command finished",
		"account", w.account,
		"command", strings.Join(args, " "),
		"mode", mode,
		"exit_code", exitCode,
		"duration", time.Since(start),
	)
	if w.recorder == nil {
		return
	}
	rec := Record{
		Args:      append([]string(nil), args...),
		Mode:      mode,
		ExitCode:  exitCode,
		StdinSize: stdinSize,
		StartedAt: start,
		Duration:  time.Since(start),
		Err:       err,
	}
	// Timed-out invocations are still recorded.
	if recErr := w.recorder.RecordInvocation(context.WithoutCancel(ctx), rec); recErr != nil {
		w.logger.Warn("failed to record invocation", "command", strings.Join(args, " "), "error", recErr)
	}
}

// CommandError reports a privileged command that ran and exited non-zero.
type CommandError struct {
	Args     []string
	Stdout   string
	Stderr   string
	ExitCode int
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %q exited with code %d", strings.Join(e.Args, " "), e.ExitCode)
	if out := strings.TrimSpace(e.Stderr); out != "" {
		return msg + ": " + out
	}
	return msg
}

// Output returns the captured output, stderr first since that is where
// failing commands explain themselves.
func (e *CommandError) Output() string {
	if e.Stderr != "" {
		return e.Stderr
	}
	return e.Stdout
}
