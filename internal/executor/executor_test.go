package executor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRunner(timeout time.Duration) *ProcessRunner {
	return NewProcessRunner(timeout, slog.Default())
}

func TestNewProcessRunnerDefaultTimeout(t *testing.T) {
	r := NewProcessRunner(0, nil)
	assert.Equal(t, DefaultTimeout, r.Timeout())
}

func TestExecuteReportsExitCode(t *testing.T) {
	r := newTestRunner(10 * time.Second)

	res, err := r.Execute(context.Background(), "sh", "-c", "echo out; echo err >&2; exit 3")
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
}

func TestExecuteSuccess(t *testing.T) {
	r := newTestRunner(10 * time.Second)

	res, err := r.Execute(context.Background(), "sh", "-c", "true")
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Empty(t, res.Stdout)
}

func TestExecuteMissingBinary(t *testing.T) {
	r := newTestRunner(10 * time.Second)

	_, err := r.Execute(context.Background(), "/nonexistent/githost-test-binary")
	require.Error(t, err)

	var spawnErr *SpawnError
	assert.True(t, errors.As(err, &spawnErr), "expected SpawnError, got %T", err)
}

func TestExecuteTimeout(t *testing.T) {
	r := newTestRunner(100 * time.Millisecond)

	start := time.Now()
	_, err := r.Execute(context.Background(), "sleep", "10")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCaptureByteExact(t *testing.T) {
	r := newTestRunner(10 * time.Second)

	res, err := r.Capture(context.Background(), "printf", []string{"a\nb"}, CaptureOptions{})
	require.NoError(t, err)
	assert.Equal(t, "a\nb", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)
}

func TestCaptureStdinVerbatim(t *testing.T) {
	r := newTestRunner(10 * time.Second)

	payload := []byte("line one\r\nline two\x00no newline")
	res, err := r.Capture(context.Background(), "cat", nil, CaptureOptions{Stdin: payload})
	require.NoError(t, err)
	assert.Equal(t, string(payload), res.Stdout)
}

func TestCaptureNonZeroExitIsNotAnError(t *testing.T) {
	r := newTestRunner(10 * time.Second)

	res, err := r.Capture(context.Background(), "sh", []string{"-c", "echo nope >&2; exit 5"}, CaptureOptions{})
	require.NoError(t, err)
	assert.Equal(t, 5, res.ExitCode)
	assert.Equal(t, "nope\n", res.Stderr)
}

func TestCaptureMissingBinary(t *testing.T) {
	r := newTestRunner(10 * time.Second)

	_, err := r.Capture(context.Background(), "/nonexistent/githost-test-binary", nil, CaptureOptions{})
	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
}

func TestCaptureTimeout(t *testing.T) {
	r := newTestRunner(100 * time.Millisecond)

	_, err := r.Capture(context.Background(), "sleep", []string{"10"}, CaptureOptions{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLimitWriterTruncates(t *testing.T) {
	var lw limitWriter
	lw.limit = 4
	lw.buf = new(bytes.Buffer)

	n, err := lw.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "abcd", lw.buf.String())
	assert.Greater(t, lw.n, lw.limit)
}

func TestCaptureTimeoutKillsGrandchildren(t *testing.T) {
	r := newTestRunner(200 * time.Millisecond)

	// sh forks sleep, which inherits the output pipes.
	start := time.Now()
	_, err := r.Capture(context.Background(), "sh", []string{"-c", "sleep 4; echo done"}, CaptureOptions{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestCaptureTimeoutWithDetachedGrandchild(t *testing.T) {
	if _, err := exec.LookPath("setsid"); err != nil {
		t.Skip("setsid not available")
	}
	r := newTestRunner(200 * time.Millisecond)

	// The grandchild leaves the process group, so only the pipe wait bound ends the call.
	start := time.Now()
	_, err := r.Capture(context.Background(), "sh", []string{"-c", "setsid sleep 4; echo done"}, CaptureOptions{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestCaptureMarksTruncatedOutput(t *testing.T) {
	r := newTestRunner(30 * time.Second)

	res, err := r.Capture(context.Background(), "head", []string{"-c", "17000000", "/dev/zero"}, CaptureOptions{})
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Len(t, res.Stdout, maxOutputBytes)

	res, err = r.Capture(context.Background(), "printf", []string{"small"}, CaptureOptions{})
	require.NoError(t, err)
	assert.False(t, res.Truncated)
}
