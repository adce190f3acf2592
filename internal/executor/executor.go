// Package executor spawns processes and captures their output.
//
// It is the lowest layer of the agent: it knows nothing about sudo or the
// hosting backend. Every spawn runs under a deadline so a hung remote command
// cannot block its caller forever.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/go-cmd/cmd"
)

// maxOutputBytes is the maximum number of bytes captured per command output stream.
const maxOutputBytes = 16 << 20 // 16 MiB

// waitDelay bounds how long Capture waits for output pipes after the process
// group was killed. Descendants running as another user survive the kill and
// may hold the pipes open.
const waitDelay = time.Second

// DefaultTimeout bounds a single process when the caller did not configure one.
const DefaultTimeout = 5 * time.Minute

// Result is the outcome of a process that ran to completion.
// A non-zero ExitCode is not an error at this layer.
type Result struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	// Truncated is set when stdout or stderr exceeded the capture limit.
	Truncated bool
}

// ErrOutputTruncated reports captured output that exceeded the capture limit.
var ErrOutputTruncated = errors.New("output exceeded capture limit")

// SpawnError reports a process that could not be started at all, e.g. a
// missing binary, or one that was killed by a signal before exiting. It is
// distinct from a process that ran and exited non-zero.
type SpawnError struct {
	Name string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Name, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// CaptureOptions controls capture-mode execution.
type CaptureOptions struct {
	// Stdin is written to the process verbatim. Nil means no stdin.
	Stdin []byte
}

// Runner is the process-spawn seam. Execute observes a process without
// judging its exit code; Capture collects byte-exact output and optionally
// feeds stdin. Both return a non-nil error only when the process could not be
// started, was cancelled, or exceeded its deadline.
type Runner interface {
	Execute(ctx context.Context, name string, args ...string) (*Result, error)
	Capture(ctx context.Context, name string, args []string, opts CaptureOptions) (*Result, error)
}

// ProcessRunner runs real processes on the local host.
type ProcessRunner struct {
	timeout time.Duration
	logger  *slog.Logger
}

// NewProcessRunner creates a runner that kills any process still running
// after timeout. A zero timeout selects DefaultTimeout.
func NewProcessRunner(timeout time.Duration, logger *slog.Logger) *ProcessRunner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessRunner{timeout: timeout, logger: logger}
}

// Timeout returns the per-process deadline.
func (r *ProcessRunner) Timeout() time.Duration {
	return r.timeout
}

// Execute runs a command using go-cmd/cmd with buffered line output.
// The process is stopped when ctx is done or the timeout expires.
func (r *ProcessRunner) Execute(ctx context.Context, name string, args ...string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	c := cmd.NewCmdOptions(cmd.Options{
		Buffered: true,
	}, name, args...)

	statusChan := c.Start()

	var status cmd.Status
	select {
	case status = <-statusChan:
	case <-ctx.Done():
		if err := c.Stop(); err != nil {
			r.logger.Debug("stop command", "command", name, "error", err)
		}
		<-statusChan
		return nil, fmt.Errorf("run %s: %w", name, ctx.Err())
	}

	if status.Error != nil && !status.Complete {
		return nil, &SpawnError{Name: name, Err: status.Error}
	}

	return &Result{
		Stdout:   joinLines(status.Stdout),
		Stderr:   joinLines(status.Stderr),
		ExitCode: status.Exit,
	}, nil
}

// Capture runs a command with os/exec so stdout is captured byte-exact.
// go-cmd splits output into lines, which would lose trailing newlines and
// break content digests.
func (r *ProcessRunner) Capture(ctx context.Context, name string, args []string, opts CaptureOptions) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	c := exec.CommandContext(ctx, name, args...)
	// Run in a new process group and kill the whole group on cancel, so
	// grandchildren holding the output pipes die with the child.
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		return syscall.Kill(-c.Process.Pid, syscall.SIGKILL)
	}
	c.WaitDelay = waitDelay
	if opts.Stdin != nil {
		c.Stdin = bytes.NewReader(opts.Stdin)
	}
	return runCommand(ctx, c)
}

// limitWriter wraps a bytes.Buffer and stops writing after limit bytes.
// It silently discards excess data to avoid failing the underlying command.
type limitWriter struct {
	buf   *bytes.Buffer
	limit int
	n     int
}

func (lw *limitWriter) Write(p []byte) (int, error) {
	remaining := lw.limit - lw.n
	if remaining <= 0 {
		lw.n += len(p)
		return len(p), nil // discard silently
	}
	toWrite := p
	if len(p) > remaining {
		toWrite = p[:remaining]
	}
	n, err := lw.buf.Write(toWrite)
	lw.n += n + (len(p) - len(toWrite))
	return len(p), err // report full write to avoid cmd failure
}

func runCommand(ctx context.Context, c *exec.Cmd) (*Result, error) {
	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitWriter{buf: &stdoutBuf, limit: maxOutputBytes}
	stderr := &limitWriter{buf: &stderrBuf, limit: maxOutputBytes}
	c.Stdout = stdout
	c.Stderr = stderr

	err := c.Run()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("run %s: %w", c.Path, ctxErr)
	}

	result := &Result{
		Stdout:    stdoutBuf.String(),
		Stderr:    stderrBuf.String(),
		Truncated: stdout.n > stdout.limit || stderr.n > stderr.limit,
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, &SpawnError{Name: c.Path, Err: err}
	}
	return result, nil
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}
