package hosting

import (
	"context"
	"strings"

	"github.com/manchtools/githost-agent/internal/sudo"
)

// RebuildBackend runs the configured rebuild command (gitolite setup by
// default) as the hosting account. It reports false when the command exits
// non-zero, after logging its output. It returns config.ErrNoRebuildCommand
// when no command is configured.
func (s *Service) RebuildBackend(ctx context.Context) (bool, error) {
	args, err := s.cfg.RebuildArgs()
	if err != nil {
		return false, err
	}

	s.logger.Info("rebuilding hosting backend",
		"command", strings.Join(args, " "),
		"account", s.sudo.Account(),
	)

	res, err := s.sudo.Run(ctx, args...)
	if err != nil {
		return false, err
	}
	if err := sudo.Check(args, res); err != nil {
		if s.absorb(ctx, opRebuildBackend, err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
