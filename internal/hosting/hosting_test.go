package hosting

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/stretchr/testify/require"

	"github.com/manchtools/githost-agent/internal/config"
	"github.com/manchtools/githost-agent/internal/executor"
	"github.com/manchtools/githost-agent/internal/executor/executortest"
	"github.com/manchtools/githost-agent/internal/sudo"
)

var sudoPrefix = []string{"-n", "-u", "git", "-i"}

// newTestService wires a Service to a scripted runner. Service logs go to the
// returned buffer at debug level; wrapper logs are discarded.
func newTestService(t *testing.T, h executortest.HandlerFunc) (*Service, *executortest.Runner, *bytes.Buffer) {
	t.Helper()
	runner := executortest.New(h)
	w := sudo.New(runner, sudo.Options{
		Account: "git",
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return New(w, config.Default(), logger), runner, &logs
}

// shellSudo stands in for sudo -n -u <account> -i: it drops the escalation
// flags and runs the command line through a shell in $HOME.
const shellSudo = `#!/bin/sh
shift 4
cd "$HOME" || exit 1
exec sh -c "$*"
`

// newShellService wires a Service to real processes through shellSudo, with
// HOME pointing at a fresh directory that is returned.
func newShellService(t *testing.T) (*Service, string) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)

	sudoPath := filepath.Join(t.TempDir(), "sudo")
	require.NoError(t, os.WriteFile(sudoPath, []byte(shellSudo), 0o755))

	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := sudo.New(executor.NewProcessRunner(10*time.Second, discard), sudo.Options{
		SudoPath: sudoPath,
		Account:  "git",
		Logger:   discard,
	})
	return New(w, config.Default(), discard), home
}

// remoteArgs strips the sudo prefix from a recorded call.
func remoteArgs(t *testing.T, call executortest.Call) []string {
	t.Helper()
	require.GreaterOrEqual(t, len(call.Args), len(sudoPrefix))
	require.Equal(t, sudoPrefix, call.Args[:len(sudoPrefix)])
	return call.Args[len(sudoPrefix):]
}

// fakeRemote emulates the parts of the hosting account the service touches:
// a global git config and a set of files.
type fakeRemote struct {
	mu     sync.Mutex
	config map[string]string
	files  map[string][]byte
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{config: map[string]string{}, files: map[string][]byte{}}
}

func (f *fakeRemote) handle(call executortest.Call) (*executor.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	args := call.Args[len(sudoPrefix):]
	switch {
	case len(args) == 5 && args[0] == "git" && args[3] == "--unset":
		if _, ok := f.config[args[4]]; !ok {
			return &executor.Result{ExitCode: 5}, nil
		}
		delete(f.config, args[4])
		return &executor.Result{}, nil

	case len(args) == 5 && args[0] == "git" && args[2] == "--global":
		f.config[args[3]] = args[4]
		return &executor.Result{}, nil

	case len(args) == 6 && args[0] == "git" && args[4] == "--get-regexp":
		re, err := regexp.Compile(args[5])
		if err != nil {
			return &executor.Result{ExitCode: 6, Stderr: err.Error()}, nil
		}
		keys := make([]string, 0, len(f.config))
		for k := range f.config {
			if re.MatchString(k) {
				keys = append(keys, k)
			}
		}
		if len(keys) == 0 {
			return &executor.Result{ExitCode: 1}, nil
		}
		sort.Strings(keys)
		var out strings.Builder
		for _, k := range keys {
			out.WriteString(k + " " + f.config[k] + "\n")
		}
		return &executor.Result{Stdout: out.String()}, nil

	case len(args) == 3 && args[0] == "dd":
		f.files[strings.TrimPrefix(args[1], "of=")] = append([]byte{}, call.Stdin...)
		return &executor.Result{}, nil

	case len(args) == 3 && args[0] == "eval" && args[1] == "cat":
		content, ok := f.files[unquotePath(args[2])]
		if !ok {
			return &executor.Result{ExitCode: 1, Stderr: "cat: " + args[2] + ": No such file or directory"}, nil
		}
		return &executor.Result{Stdout: string(content)}, nil

	case len(args) == 4 && args[0] == "eval" && args[1] == "chmod":
		if _, ok := f.files[unquotePath(args[3])]; !ok {
			return &executor.Result{ExitCode: 1, Stderr: "chmod: cannot access"}, nil
		}
		return &executor.Result{}, nil
	}
	return &executor.Result{ExitCode: 127, Stderr: "unexpected command: " + strings.Join(args, " ")}, nil
}

// unquotePath undoes RemotePath the way the remote shell would, minus
// expansion, and maps it to the key dd stores files under.
func unquotePath(arg string) string {
	words, err := shellquote.Split(arg)
	if err != nil || len(words) != 1 {
		return arg
	}
	return homeRelative(words[0])
}
