// Package hosting implements the operations the agent performs against the
// git-hosting backend: path checks, file installation, global git config and
// backend rebuilds. Every command runs as the hosting account through a
// sudo.Wrapper.
//
// Each operation follows a declared failure Policy (see Operations). Expected
// failures such as a missing file are absorbed into a false or empty result;
// failures of mutating primitives are returned to the caller.
package hosting

import (
	"context"
	"log/slog"

	"github.com/manchtools/githost-agent/internal/config"
	"github.com/manchtools/githost-agent/internal/executor"
	"github.com/manchtools/githost-agent/internal/sudo"
)

// Service performs hosting operations. It holds no mutable state; concurrent
// calls are safe, but their remote effects are not serialized.
type Service struct {
	sudo   *sudo.Wrapper
	cfg    config.Config
	logger *slog.Logger
}

// New creates a Service. The rebuild command is taken from cfg.
func New(w *sudo.Wrapper, cfg config.Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.RebuildCommand = append([]string(nil), cfg.RebuildCommand...)
	return &Service{
		sudo:   w,
		cfg:    cfg,
		logger: logger,
	}
}

// mutate runs args and returns the raw result. Non-zero exits come back as a
// *sudo.CommandError unless op absorbs them.
func (s *Service) mutate(ctx context.Context, op Operation, args ...string) (*executor.Result, error) {
	res, err := s.sudo.Run(ctx, args...)
	if err != nil {
		return res, err
	}
	if err := sudo.Check(args, res); err != nil {
		if s.absorb(ctx, op, err) {
			return res, nil
		}
		return res, err
	}
	return res, nil
}
