package hosting

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/manchtools/githost-agent/internal/executor"
	"github.com/manchtools/githost-agent/internal/sudo"
	"github.com/manchtools/githost-agent/internal/validate"
)

// testFlags are the unary test(1) operators TestPath accepts.
const testFlags = "oneof=-b -c -d -e -f -g -h -k -p -r -s -u -w -x -L -O -G -N -S"

// =============================================================================
// Path checks
// =============================================================================

// TestPath runs test(1) with flag against p as the hosting account.
// A non-zero exit is an expected outcome and yields false.
//
// e.g. check a directory exists: TestPath(ctx, "~/repositories", "-d")
func (s *Service) TestPath(ctx context.Context, p, flag string) (bool, error) {
	if err := validate.Var("flag", flag, "required,"+testFlags); err != nil {
		return false, err
	}

	args := []string{"eval", "test", flag, RemotePath(p)}
	res, err := s.sudo.Run(ctx, args...)
	if err != nil {
		return false, err
	}
	if err := sudo.Check(args, res); err != nil {
		if s.absorb(ctx, opTestPath, err, "path", p) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// FileExists reports whether p is a file with size > 0.
func (s *Service) FileExists(ctx context.Context, p string) (bool, error) {
	return s.TestPath(ctx, p, "-s")
}

// DirExists reports whether p exists and is readable.
func (s *Service) DirExists(ctx context.Context, p string) (bool, error) {
	return s.TestPath(ctx, p, "-r")
}

// =============================================================================
// Mutating primitives
// =============================================================================

// Mkdir calls mkdir with the given arguments, e.g. Mkdir(ctx, "-p", "some/path").
func (s *Service) Mkdir(ctx context.Context, args ...string) (*executor.Result, error) {
	cmd := []string{"eval", "mkdir"}
	for _, a := range args {
		cmd = append(cmd, RemotePath(a))
	}
	return s.mutate(ctx, opMkdir, cmd...)
}

// Chmod sets the mode of p. mode is an octal or symbolic chmod mode.
func (s *Service) Chmod(ctx context.Context, mode, p string) (*executor.Result, error) {
	if err := validate.FileMode(mode); err != nil {
		return nil, err
	}
	return s.mutate(ctx, opChmod, "eval", "chmod", mode, RemotePath(p))
}

// Move renames src to dst.
func (s *Service) Move(ctx context.Context, src, dst string) (*executor.Result, error) {
	return s.mutate(ctx, opMove, "eval", "mv", RemotePath(src), RemotePath(dst))
}

// Remove deletes p, which is relative to the account's home. With force it
// runs rm -rf, otherwise rmdir, which only removes empty directories.
func (s *Service) Remove(ctx context.Context, p string, force bool) (*executor.Result, error) {
	if isProtectedPath(p) {
		return nil, fmt.Errorf("refusing to remove protected path: %q", p)
	}
	if force {
		return s.mutate(ctx, opRemove, "eval", "rm", "-rf", RemotePath(p))
	}
	return s.mutate(ctx, opRemove, "eval", "rmdir", RemotePath(p))
}

// =============================================================================
// File installation
// =============================================================================

// InstallFile writes content to dest and then sets mode on it. content is
// streamed on stdin byte for byte; dest is passed as an argument and never
// becomes part of a shell script. It reports false when the remote side
// failed, after logging why.
func (s *Service) InstallFile(ctx context.Context, content []byte, dest, mode string) (bool, error) {
	if strings.TrimSpace(dest) == "" {
		return false, fmt.Errorf("destination path is required")
	}
	if err := validate.FileMode(mode); err != nil {
		return false, err
	}

	// dd writes stdin to the file without echoing it back.
	if _, err := s.sudo.CaptureWithInput(ctx, content, "dd", "of="+homeRelative(dest), "status=none"); err != nil {
		if s.absorb(ctx, opInstallFile, err, "path", dest) {
			return false, nil
		}
		return false, err
	}

	if _, err := s.Chmod(ctx, mode, dest); err != nil {
		if s.absorb(ctx, opInstallFile, err, "path", dest, "mode", mode) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// =============================================================================
// Repository inspection
// =============================================================================

// RepositoryIsEmpty reports whether the repository at p (relative to the
// account's home) has no object files. Any command failure yields false so
// that callers never treat an unreadable repository as disposable.
func (s *Service) RepositoryIsEmpty(ctx context.Context, p string) (bool, error) {
	objects := objectsPath(p)
	// The pipeline exits with wc's status, so a missing objects directory
	// has to fail before find runs.
	out, err := s.sudo.Capture(ctx, "eval", "test", "-d", objects, "&&", "find", objects, "-type", "f", "|", "wc", "-l")
	if err != nil {
		if s.absorb(ctx, opRepositoryEmpty, err) {
			return false, nil
		}
		return false, err
	}

	count := strings.TrimSpace(out)
	s.logger.Debug("counted objects in repository", "path", objects, "count", count)
	return count == "0", nil
}

// FileChanged reports whether the local file at localPath differs from the
// remote file at remotePath. A remote file that cannot be read counts as
// empty.
func (s *Service) FileChanged(ctx context.Context, localPath, remotePath string) (bool, error) {
	local, err := os.ReadFile(localPath)
	if err != nil {
		return false, fmt.Errorf("read local file: %w", err)
	}

	remote, err := s.remoteContent(ctx, remotePath)
	if err != nil {
		return false, err
	}
	return ContentDigest(local) != ContentDigest(remote), nil
}

// remoteContent returns the content of p on the remote side.
func (s *Service) remoteContent(ctx context.Context, p string) ([]byte, error) {
	out, err := s.sudo.Capture(ctx, "eval", "cat", RemotePath(p))
	if err != nil {
		if s.absorb(ctx, opReadRemote, err, "path", p) {
			return nil, nil
		}
		return nil, err
	}
	return []byte(out), nil
}
