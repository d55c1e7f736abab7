// Package logger provides structured logging for m365ctl built on log/slog.
//
// The default logger writes human-readable text to stderr at Info level.
// Verbose mode (the -v flag) lowers the level to Debug and adds source
// locations. Long-running modes (the MCP server) switch to JSON output.
package logger

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Config controls handler construction.
type Config struct {
	Service string
	Version string
	Level   string // "debug", "info", "warn", "error"
	Format  string // "json" or "text"
}

var (
	mu       sync.Mutex
	level    = new(slog.LevelVar)
	defaultL = newLogger(Config{Service: "m365ctl"})
)

// New returns a configured slog.Logger and installs it as the package
// default.
func New(cfg Config) *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	defaultL = newLogger(cfg)
	return defaultL
}

func newLogger(cfg Config) *slog.Logger {
	level.Set(parseLevel(cfg.Level))
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	attrs := []any{"service", cfg.Service}
	if cfg.Version != "" {
		attrs = append(attrs, "version", cfg.Version)
	}
	return slog.New(handler).With(attrs...)
}

// L returns the current default logger.
func L() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return defaultL
}

// SetVerbose toggles debug-level output. Called by the CLI before any
// command executes.
func SetVerbose(verbose bool) {
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}
}

func parseLevel(lvl string) slog.Level {
	switch strings.ToLower(lvl) {
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
