package uci

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/markus-lassfolk/routetrack/pkg/logx"
)

// Package is the UCI package name of the daemon
const Package = "routetrack"

// Runner executes the uci binary; swapped out in tests
type Runner func(ctx context.Context, args ...string) (string, error)

// UCI represents a UCI client
type UCI struct {
	logger *logx.Logger
	run    Runner
}

// NewUCI creates a new UCI client. logger may be nil.
func NewUCI(logger *logx.Logger) *UCI {
	u := &UCI{logger: logger}
	u.run = u.execUCI
	return u
}

// NewUCIWithRunner creates a client on a custom runner
func NewUCIWithRunner(logger *logx.Logger, run Runner) *UCI {
	return &UCI{logger: logger, run: run}
}

// LoadConfig loads the configuration through `uci export`, which applies
// uncommitted changes the raw file does not have yet
func (u *UCI) LoadConfig(ctx context.Context) (*Config, error) {
	output, err := u.run(ctx, "export", Package)
	if err != nil {
		return nil, err
	}

	cfg := NewDefaultConfig()
	cfg.parseUCI(output)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// SetOption sets a UCI option value
func (u *UCI) SetOption(ctx context.Context, section, option, value string) error {
	_, err := u.run(ctx, "set", fmt.Sprintf("%s.%s.%s=%s", Package, section, option, value))
	return err
}

// Commit commits pending UCI changes
func (u *UCI) Commit(ctx context.Context) error {
	_, err := u.run(ctx, "commit", Package)
	return err
}

func (u *UCI) execUCI(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "uci", args...)
	output, err := cmd.Output()
	if err != nil {
		if u.logger != nil {
			u.logger.Error("UCI command failed", "command", "uci "+strings.Join(args, " "), "error", err)
		}
		return "", fmt.Errorf("uci command failed: %w", err)
	}

	return string(output), nil
}

// Load reads the configuration through the uci binary when available and
// falls back to parsing the file directly
func Load(ctx context.Context, path string, logger *logx.Logger) (*Config, error) {
	if path == "" || path == DefaultConfigPath {
		if cfg, err := NewUCI(logger).LoadConfig(ctx); err == nil {
			return cfg, nil
		} else if logger != nil {
			logger.Debug("uci_unavailable_falling_back_to_file", "error", err)
		}
	}
	return LoadConfig(path)
}
