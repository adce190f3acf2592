// Package config loads the agent configuration: which account owns the
// hosting backend, how to reach it through sudo, and how to rebuild it.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/manchtools/githost-agent/internal/validate"
)

// EnvPrefix is prepended to every environment override, e.g. GITHOST_ACCOUNT.
const EnvPrefix = "GITHOST"

const (
	DefaultAccount        = "git"
	DefaultSudoPath       = "sudo"
	DefaultCommandTimeout = 5 * time.Minute
	DefaultDataDir        = "/var/lib/githost-agent"
)

// DefaultRebuildCommand compiles the gitolite configuration.
var DefaultRebuildCommand = []string{"gitolite", "setup"}

// Config holds the agent configuration. It is loaded once at startup and
// passed by value; nothing mutates it afterwards.
type Config struct {
	// Account is the unprivileged account that owns the hosting backend.
	Account string `yaml:"account" envconfig:"ACCOUNT" validate:"required,unixname"`

	// SudoPath is the escalation binary.
	SudoPath string `yaml:"sudo_path" envconfig:"SUDO_PATH" validate:"required"`

	// RebuildCommand is run as Account to recompile the backend configuration.
	RebuildCommand []string `yaml:"rebuild_command" envconfig:"REBUILD_COMMAND" validate:"min=1,dive,required"`

	// CommandTimeout bounds every spawned process.
	CommandTimeout time.Duration `yaml:"command_timeout" envconfig:"COMMAND_TIMEOUT" validate:"gt=0"`

	// DataDir holds the invocation journal.
	DataDir string `yaml:"data_dir" envconfig:"DATA_DIR" validate:"required"`

	LogLevel  string `yaml:"log_level" envconfig:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	LogFormat string `yaml:"log_format" envconfig:"LOG_FORMAT" validate:"oneof=auto text json"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Account:        DefaultAccount,
		SudoPath:       DefaultSudoPath,
		RebuildCommand: append([]string(nil), DefaultRebuildCommand...),
		CommandTimeout: DefaultCommandTimeout,
		DataDir:        DefaultDataDir,
		LogLevel:       "info",
		LogFormat:      "auto",
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// GITHOST_* environment variables, in that order of precedence (last wins).
// A missing file is not an error when path is empty.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks the configuration for values the agent cannot work with.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ErrNoRebuildCommand is returned by RebuildArgs when no command is configured.
var ErrNoRebuildCommand = errors.New("no rebuild command configured")

// RebuildArgs returns a copy of the rebuild command tokens.
func (c Config) RebuildArgs() ([]string, error) {
	if len(c.RebuildCommand) == 0 {
		return nil, ErrNoRebuildCommand
	}
	return append([]string(nil), c.RebuildCommand...), nil
}
