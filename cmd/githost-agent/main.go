// Package main is the entry point for githost-agent, which manages a git
// hosting backend by running commands as its dedicated account.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/manchtools/githost-agent/internal/config"
	"github.com/manchtools/githost-agent/internal/executor"
	"github.com/manchtools/githost-agent/internal/hosting"
	"github.com/manchtools/githost-agent/internal/setup"
	"github.com/manchtools/githost-agent/internal/store"
	"github.com/manchtools/githost-agent/internal/sudo"
)

// version is set at build time via -ldflags.
var version = "dev"

const usage = `Usage: githost-agent <command> [flags]

Commands:
  exists   <path>                     test a remote path (-s file, -r dir, or --flag)
  install  <local-file> <remote-path> install a file as the hosting account
  changed  <local-file> <remote-path> report whether the remote copy differs
  empty    <repo-path>                report whether a repository has no objects
  param    get <ns> | set <ns> <key> [value] | unset <key>
  mkdir    [-p] <path>...             create directories
  chmod    <mode> <path>              change a remote file mode
  mv       <src> <dst>                move a remote path
  rm       [--force] <path>           remove a remote path
  git      <args>...                  run git as the hosting account
  rebuild                             run the backend rebuild command
  history                             show the invocation journal
  setup                               install the sudoers drop-in (root)
  version                             print the version
`

// commonFlags are accepted by every command that talks to the backend.
type commonFlags struct {
	configPath string
	account    string
	logLevel   string
	logFormat  string
	noJournal  bool
}

func newFlagSet(name string) (*pflag.FlagSet, *commonFlags) {
	fs := pflag.NewFlagSet(name, pflag.ExitOnError)
	c := &commonFlags{}
	fs.StringVarP(&c.configPath, "config", "c", os.Getenv("GITHOST_CONFIG"), "Path to YAML config file")
	fs.StringVar(&c.account, "account", "", "Hosting account (overrides config)")
	fs.StringVar(&c.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&c.logFormat, "log-format", "", "Log format (auto, text, json)")
	fs.BoolVar(&c.noJournal, "no-journal", false, "Do not record invocations")
	return fs, c
}

// app holds the wired components for one command run.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	journal *store.Store
	hosting *hosting.Service
}

func (a *app) Close() {
	if a.journal != nil {
		a.journal.Close()
	}
}

func newApp(c *commonFlags) (*app, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	if c.account != "" {
		cfg.Account = c.account
	}
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
	}
	if c.logFormat != "" {
		cfg.LogFormat = c.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	a := &app{cfg: cfg, logger: logger}

	var recorder sudo.Recorder
	if !c.noJournal {
		journal, err := store.New(cfg.DataDir)
		if err != nil {
			logger.Warn("invocation journal unavailable", "data_dir", cfg.DataDir, "error", err)
		} else {
			a.journal = journal
			recorder = &journalRecorder{store: journal, account: cfg.Account}
		}
	}

	runner := executor.NewProcessRunner(cfg.CommandTimeout, logger)
	wrapper := sudo.New(runner, sudo.Options{
		SudoPath: cfg.SudoPath,
		Account:  cfg.Account,
		Recorder: recorder,
		Logger:   logger,
	})
	a.hosting = hosting.New(wrapper, cfg, logger)
	return a, nil
}

// journalRecorder adapts store.Store to the sudo.Recorder interface.
type journalRecorder struct {
	store   *store.Store
	account string
}

func (r *journalRecorder) RecordInvocation(ctx context.Context, rec sudo.Record) error {
	inv := store.Invocation{
		Account:    r.account,
		Command:    rec.Args,
		Mode:       rec.Mode,
		ExitCode:   rec.ExitCode,
		StdinSize:  rec.StdinSize,
		StartedAt:  rec.StartedAt,
		DurationMs: rec.Duration.Milliseconds(),
	}
	if rec.Err != nil {
		inv.Error = rec.Err.Error()
	}
	if len(inv.Command) == 0 {
		return nil
	}
	_, err := r.store.RecordInvocation(ctx, inv)
	return err
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "version", "--version", "-v":
		fmt.Printf("githost-agent %s\n", version)
		return
	case "help", "--help", "-h":
		fmt.Print(usage)
		return
	case "setup":
		err = runSetup(args)
	case "exists":
		err = runExists(ctx, args)
	case "install":
		err = runInstall(ctx, args)
	case "changed":
		err = runChanged(ctx, args)
	case "empty":
		err = runEmpty(ctx, args)
	case "param":
		err = runParam(ctx, args)
	case "mkdir", "chmod", "mv", "rm":
		err = runFS(ctx, os.Args[1], args)
	case "git":
		err = runGit(ctx, args)
	case "rebuild":
		err = runRebuild(ctx, args)
	case "history":
		err = runHistory(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	if err != nil {
		var exit exitStatus
		if errors.As(err, &exit) {
			os.Exit(int(exit))
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// exitStatus ends the process with a status but without an error message,
// for commands whose answer is the exit code itself.
type exitStatus int

func (e exitStatus) Error() string {
	return fmt.Sprintf("exit status %d", int(e))
}

func boolStatus(ok bool) error {
	if ok {
		return nil
	}
	return exitStatus(1)
}

// runExists tests a remote path. Exit status 0 means the test passed.
// Usage: githost-agent exists [--dir | --flag -x] <path>
func runExists(ctx context.Context, args []string) error {
	fs, common := newFlagSet("exists")
	dir := fs.Bool("dir", false, "Test for a readable directory (-r) instead of a non-empty file (-s)")
	flag := fs.String("flag", "", "Explicit test(1) operator, e.g. -d")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: githost-agent exists [--dir|--flag F] <path>")
	}

	a, err := newApp(common)
	if err != nil {
		return err
	}
	defer a.Close()

	path := fs.Arg(0)
	var ok bool
	switch {
	case *flag != "":
		ok, err = a.hosting.TestPath(ctx, path, *flag)
	case *dir:
		ok, err = a.hosting.DirExists(ctx, path)
	default:
		ok, err = a.hosting.FileExists(ctx, path)
	}
	if err != nil {
		return err
	}
	return boolStatus(ok)
}

// runInstall installs a local file on the hosting side.
// Usage: githost-agent install [--mode 644] [--if-changed] <local-file> <remote-path>
func runInstall(ctx context.Context, args []string) error {
	fs, common := newFlagSet("install")
	mode := fs.StringP("mode", "m", "644", "File mode to apply after writing")
	ifChanged := fs.Bool("if-changed", false, "Skip the write when the remote content is identical")
	fs.Parse(args)
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: githost-agent install [--mode M] <local-file> <remote-path>")
	}
	localPath, remotePath := fs.Arg(0), fs.Arg(1)

	content, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", localPath, err)
	}

	a, err := newApp(common)
	if err != nil {
		return err
	}
	defer a.Close()

	if *ifChanged {
		changed, err := a.hosting.FileChanged(ctx, localPath, remotePath)
		if err != nil {
			return err
		}
		if !changed {
			fmt.Printf("%s is up to date\n", remotePath)
			return nil
		}
	}

	ok, err := a.hosting.InstallFile(ctx, content, remotePath, *mode)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("failed to install %s", remotePath)
	}
	fmt.Printf("installed %s (%d bytes, mode %s)\n", remotePath, len(content), *mode)
	return nil
}

// runChanged reports whether a remote file differs from a local one.
// Exit status 0 means changed, 1 means identical.
func runChanged(ctx context.Context, args []string) error {
	fs, common := newFlagSet("changed")
	fs.Parse(args)
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: githost-agent changed <local-file> <remote-path>")
	}

	a, err := newApp(common)
	if err != nil {
		return err
	}
	defer a.Close()

	changed, err := a.hosting.FileChanged(ctx, fs.Arg(0), fs.Arg(1))
	if err != nil {
		return err
	}
	if changed {
		fmt.Println("changed")
	} else {
		fmt.Println("unchanged")
	}
	return boolStatus(changed)
}

// runEmpty reports whether a repository holds no objects.
// Exit status 0 means empty.
func runEmpty(ctx context.Context, args []string) error {
	fs, common := newFlagSet("empty")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: githost-agent empty <repo-path>")
	}

	a, err := newApp(common)
	if err != nil {
		return err
	}
	defer a.Close()

	empty, err := a.hosting.RepositoryIsEmpty(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Println(empty)
	return boolStatus(empty)
}

// runParam reads and writes global git config parameters.
// Usage: githost-agent param get <ns> | set <ns> <key> [value] | unset <key>
func runParam(ctx context.Context, args []string) error {
	fs, common := newFlagSet("param")
	fs.Parse(args)
	rest := fs.Args()
	if len(rest) == 0 {
		return fmt.Errorf("usage: githost-agent param get|set|unset ...")
	}

	a, err := newApp(common)
	if err != nil {
		return err
	}
	defer a.Close()

	switch rest[0] {
	case "get":
		if len(rest) != 2 {
			return fmt.Errorf("usage: githost-agent param get <namespace>")
		}
		params, err := a.hosting.GetGlobalParams(ctx, rest[1])
		if err != nil {
			return err
		}
		fmt.Print(formatParams(params))
		return nil

	case "set":
		if len(rest) != 3 && len(rest) != 4 {
			return fmt.Errorf("usage: githost-agent param set <namespace> <key> [value]")
		}
		value := ""
		if len(rest) == 4 {
			value = rest[3]
		}
		ok, err := a.hosting.SetGlobalParam(ctx, rest[1], rest[2], value)
		if err != nil {
			return err
		}
		return boolStatus(ok)

	case "unset":
		if len(rest) != 2 {
			return fmt.Errorf("usage: githost-agent param unset <key>")
		}
		ok, err := a.hosting.UnsetGlobalParam(ctx, rest[1])
		if err != nil {
			return err
		}
		return boolStatus(ok)
	}
	return fmt.Errorf("unknown param command: %s", rest[0])
}

// formatParams renders params as sorted key=value lines.
func formatParams(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, params[k])
	}
	return b.String()
}

// runFS runs one of the mutating filesystem commands. A non-zero exit of the
// remote command is reported as an error.
func runFS(ctx context.Context, name string, args []string) error {
	fs, common := newFlagSet(name)
	var force, parents bool
	switch name {
	case "rm":
		fs.BoolVarP(&force, "force", "f", false, "Remove recursively without prompting")
	case "mkdir":
		fs.BoolVarP(&parents, "parents", "p", false, "Create parent directories as needed")
	}
	fs.Parse(args)
	rest := fs.Args()

	a, err := newApp(common)
	if err != nil {
		return err
	}
	defer a.Close()

	var res *executor.Result
	switch name {
	case "mkdir":
		if len(rest) == 0 {
			return fmt.Errorf("usage: githost-agent mkdir [-p] <path>...")
		}
		if parents {
			rest = append([]string{"-p"}, rest...)
		}
		res, err = a.hosting.Mkdir(ctx, rest...)
	case "chmod":
		if len(rest) != 2 {
			return fmt.Errorf("usage: githost-agent chmod <mode> <path>")
		}
		res, err = a.hosting.Chmod(ctx, rest[0], rest[1])
	case "mv":
		if len(rest) != 2 {
			return fmt.Errorf("usage: githost-agent mv <src> <dst>")
		}
		res, err = a.hosting.Move(ctx, rest[0], rest[1])
	case "rm":
		if len(rest) != 1 {
			return fmt.Errorf("usage: githost-agent rm [--force] <path>")
		}
		res, err = a.hosting.Remove(ctx, rest[0], force)
	}
	if res != nil && res.Stdout != "" {
		fmt.Print(res.Stdout)
	}
	return err
}

// runGit runs git as the hosting account and prints its output.
func runGit(ctx context.Context, args []string) error {
	fs, common := newFlagSet("git")
	fs.SetInterspersed(false)
	fs.Parse(args)
	if fs.NArg() == 0 {
		return fmt.Errorf("usage: githost-agent git <args>...")
	}

	a, err := newApp(common)
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := a.hosting.GitCmd(ctx, fs.Args()...)
	fmt.Print(out)
	return err
}

// runRebuild runs the configured backend rebuild command.
func runRebuild(ctx context.Context, args []string) error {
	fs, common := newFlagSet("rebuild")
	fs.Parse(args)

	a, err := newApp(common)
	if err != nil {
		return err
	}
	defer a.Close()

	ok, err := a.hosting.RebuildBackend(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("backend rebuild failed")
	}
	return nil
}

// runHistory prints the invocation journal.
// Usage: githost-agent history [--limit N] [--failed] [--prune 720h]
func runHistory(ctx context.Context, args []string) error {
	fs, common := newFlagSet("history")
	limit := fs.IntP("limit", "n", 20, "Number of invocations to show")
	failed := fs.Bool("failed", false, "Only show invocations that did not exit cleanly")
	prune := fs.Duration("prune", 0, "Remove invocations older than this before listing")
	fs.Parse(args)

	cfg, err := config.Load(common.configPath)
	if err != nil {
		return err
	}
	journal, err := store.New(cfg.DataDir)
	if err != nil {
		return err
	}
	defer journal.Close()

	if *prune > 0 {
		removed, err := journal.CleanupOldInvocations(ctx, *prune)
		if err != nil {
			return fmt.Errorf("prune journal: %w", err)
		}
		fmt.Fprintf(os.Stderr, "pruned %d invocations\n", removed)
	}

	invocations, err := journal.RecentInvocations(ctx, *limit, *failed)
	if err != nil {
		return err
	}
	printInvocations(os.Stdout, invocations)
	return nil
}

func printInvocations(out *os.File, invocations []*store.Invocation) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tACCOUNT\tMODE\tEXIT\tDURATION\tCOMMAND")
	for _, inv := range invocations {
		exit := fmt.Sprintf("%d", inv.ExitCode)
		if inv.Error != "" {
			exit = "error"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			inv.StartedAt.Local().Format(time.DateTime),
			inv.Account,
			inv.Mode,
			exit,
			time.Duration(inv.DurationMs)*time.Millisecond,
			strings.Join(inv.Command, " "),
		)
	}
	w.Flush()
}

// runSetup installs the sudoers drop-in that lets the service user run
// commands as the hosting account.
// Usage: githost-agent setup [--user USER] [--account ACCOUNT]
func runSetup(args []string) error {
	fs := pflag.NewFlagSet("setup", pflag.ExitOnError)
	user := fs.String("user", "redmine", "Service user the agent runs as")
	account := fs.String("account", config.DefaultAccount, "Hosting account to run commands as")
	fs.Parse(args)

	fmt.Printf("Installing sudoers for user %s -> %s\n", *user, *account)
	if err := setup.InstallSudoers(setup.SudoersData{ServiceUser: *user, Account: *account}); err != nil {
		return err
	}
	fmt.Printf("Installed %s\n", setup.SudoersPath(*user))
	return nil
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	// Command output goes to stdout; logs stay on stderr.
	if format == "auto" || format == "" {
		format = "json"
		if term.IsTerminal(int(os.Stderr.Fd())) {
			format = "text"
		}
	}

	var slogHandler slog.Handler
	if format == "json" {
		slogHandler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		slogHandler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(slogHandler)
}
