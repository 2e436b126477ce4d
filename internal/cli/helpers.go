package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/clawinfra/evoshield/internal/config"
)

// DefaultConfigPath is used when --config is not given.
const DefaultConfigPath = "evoshield.json"

// stdout and stderr are swapped in tests.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// LoadConfig loads path, writing a default config there first when the file
// does not exist.
func LoadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	logger.Info("no config found, creating default", "path", path)
	if err := config.DefaultConfig().Save(path); err != nil {
		return nil, fmt.Errorf("save default config: %w", err)
	}
	return config.Load(path)
}

// ParseLogLevel converts a config log level to slog.Level. Unknown values mean info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger returns a text logger on stderr whose level follows level.
func NewLogger(level *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
}

// commandEnv loads the config for a one-shot subcommand and builds the app
// logging at warn, or quieter when the config says so.
func commandEnv(ctx context.Context, configPath string) (*App, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelWarn)
	logger := NewLogger(level)

	cfg, err := LoadConfig(configPath, logger)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if l := ParseLogLevel(cfg.Server.LogLevel); l > slog.LevelWarn {
		level.Set(l)
	}
	return Build(ctx, cfg, level, logger)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fail(format string, args ...interface{}) int {
	fmt.Fprintf(stderr, "Error: "+format+"\n", args...)
	return 1
}
