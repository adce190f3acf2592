package hosting

import (
	"context"
	"fmt"
	"strings"

	"github.com/manchtools/githost-agent/internal/sudo"
	"github.com/manchtools/githost-agent/internal/validate"
)

// exitKeyNotFound is git config's exit status for unsetting a key that does
// not exist.
const exitKeyNotFound = 5

// globalConfigFile is the account's global git configuration, relative to
// its home.
const globalConfigFile = ".gitconfig"

// GitCmd runs git as the hosting account and returns its output.
func (s *Service) GitCmd(ctx context.Context, args ...string) (string, error) {
	out, err := s.sudo.Capture(ctx, append([]string{"git"}, args...)...)
	if err != nil && s.absorb(ctx, opGitCmd, err) {
		return "", nil
	}
	return out, err
}

// QualifiedKey returns the global git config key for key in namespace.
func QualifiedKey(namespace, key string) string {
	return namespace + "." + key
}

// SetGlobalParam sets namespace.key to value in the account's global git
// config. An empty value removes the key instead.
func (s *Service) SetGlobalParam(ctx context.Context, namespace, key, value string) (bool, error) {
	if err := validate.GitNamespace(namespace); err != nil {
		return false, err
	}
	if key == "" {
		return false, fmt.Errorf("key is required")
	}

	qualified := QualifiedKey(namespace, key)
	if value == "" {
		return s.UnsetGlobalParam(ctx, qualified)
	}

	s.logger.Info("setting git global parameter", "key", qualified, "value", value)

	if _, err := s.sudo.Capture(ctx, "git", "config", "--global", qualified, value); err != nil {
		if s.absorb(ctx, opSetGlobalParam, err, "key", qualified, "value", value) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// UnsetGlobalParam removes key from the account's global git config.
// Removing a key that is not set succeeds.
func (s *Service) UnsetGlobalParam(ctx context.Context, key string) (bool, error) {
	s.logger.Info("unsetting git global parameter", "key", key)

	args := []string{"git", "config", "--global", "--unset", key}
	res, err := s.sudo.Run(ctx, args...)
	if err != nil {
		return false, err
	}

	switch res.ExitCode {
	case 0, exitKeyNotFound:
		return true, nil
	}

	cmdErr := sudo.Check(args, res)
	if s.absorb(ctx, opUnsetGlobalParam, cmdErr, "key", key) {
		return false, nil
	}
	return false, cmdErr
}

// GetGlobalParams returns the parameters of namespace from the account's
// global git config, keyed without the namespace prefix. A failed read
// yields an empty map.
func (s *Service) GetGlobalParams(ctx context.Context, namespace string) (map[string]string, error) {
	if err := validate.GitNamespace(namespace); err != nil {
		return nil, err
	}

	out, err := s.sudo.Capture(ctx, "git", "config", "-f", globalConfigFile, "--get-regexp", namespace)
	if err != nil {
		if s.absorb(ctx, opGetGlobalParams, err, "namespace", namespace) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	return ParseGlobalParams(out), nil
}

// ParseGlobalParams parses `git config --get-regexp` output, one
// "<namespace>.<key> <value>" per line, into key -> value.
//
// Lines are split on whitespace, so a value containing spaces keeps only its
// first word and a key with subsections keeps only its second segment.
func ParseGlobalParams(output string) map[string]string {
	params := make(map[string]string)
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		segments := strings.Split(fields[0], ".")
		if len(segments) < 2 {
			continue
		}
		value := ""
		if len(fields) > 1 {
			value = fields[1]
		}
		params[segments[1]] = value
	}
	return params
}
