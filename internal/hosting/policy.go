package hosting

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/manchtools/githost-agent/internal/sudo"
)

// Policy decides what an operation does with a *sudo.CommandError.
// Spawn failures, timeouts and cancellation are never absorbed.
type Policy int

const (
	// Propagate returns the command error to the caller.
	Propagate Policy = iota
	// AbsorbFalse logs the failure and reports false.
	AbsorbFalse
	// AbsorbEmpty logs the failure and reports an empty value.
	AbsorbEmpty
)

func (p Policy) String() string {
	switch p {
	case Propagate:
		return "propagate"
	case AbsorbFalse:
		return "absorb-false"
	case AbsorbEmpty:
		return "absorb-empty"
	default:
		return "unknown"
	}
}

// Operation is the declared failure contract of one public operation.
type Operation struct {
	Name    string
	Policy  Policy
	Level   slog.Level
	Silent  bool
	Message string
}

var (
	opTestPath = Operation{
		Name: "test_path", Policy: AbsorbFalse, Level: slog.LevelDebug,
		Message: "path check failed",
	}
	opRepositoryEmpty = Operation{
		Name: "repository_is_empty", Policy: AbsorbFalse, Silent: true,
	}
	opReadRemote = Operation{
		Name: "read_remote", Policy: AbsorbEmpty, Level: slog.LevelDebug,
		Message: "remote file not readable, treating as empty",
	}
	opInstallFile = Operation{
		Name: "install_file", Policy: AbsorbFalse, Level: slog.LevelError,
		Message: "failed to install file",
	}
	opRebuildBackend = Operation{
		Name: "rebuild_backend", Policy: AbsorbFalse, Level: slog.LevelError,
		Message: "hosting backend rebuild failed",
	}
	opUnsetGlobalParam = Operation{
		Name: "unset_global_param", Policy: AbsorbFalse, Level: slog.LevelError,
		Message: "failed to unset git global parameter",
	}
	opSetGlobalParam = Operation{
		Name: "set_global_param", Policy: AbsorbFalse, Level: slog.LevelError,
		Message: "failed to set git global parameter",
	}
	opGetGlobalParams = Operation{
		Name: "get_global_params", Policy: AbsorbEmpty, Level: slog.LevelError,
		Message: "failed to read git global parameters",
	}
	opMkdir  = Operation{Name: "mkdir", Policy: Propagate}
	opChmod  = Operation{Name: "chmod", Policy: Propagate}
	opMove   = Operation{Name: "move", Policy: Propagate}
	opRemove = Operation{Name: "remove", Policy: Propagate}
	opGitCmd = Operation{Name: "git_cmd", Policy: Propagate}
)

// Operations returns the failure contract of every operation.
func Operations() []Operation {
	return []Operation{
		opTestPath, opRepositoryEmpty, opReadRemote, opInstallFile, opRebuildBackend,
		opUnsetGlobalParam, opSetGlobalParam, opGetGlobalParams,
		opMkdir, opChmod, opMove, opRemove, opGitCmd,
	}
}

// absorb applies op's policy to err. It reports true when err was a command
// failure the operation swallows, after logging it. The caller returns its
// fallback value in that case and err otherwise.
func (s *Service) absorb(ctx context.Context, op Operation, err error, attrs ...any) bool {
	if op.Policy == Propagate {
		return false
	}
	var cmdErr *sudo.CommandError
	if !errors.As(err, &cmdErr) {
		return false
	}
	if !op.Silent {
		attrs = append(attrs,
			"operation", op.Name,
			"exit_code", cmdErr.ExitCode,
			"output", strings.TrimSpace(cmdErr.Output()),
		)
		s.logger.Log(ctx, op.Level, op.Message, attrs...)
	}
	return true
}
