// Package logger provides structured logging setup for Maxwell.
package logger

import (
	"log/slog"
	"os"
	"strings"

	"github.com/aperture-research/maxwell/internal/config"
)

// New creates a *slog.Logger from the given Logging config. Output is JSON
// to stdout with a "service" attribute on every record. Debug level also
// enables source locations, which the stage pipeline logs lean on when a
// dispatch decision needs tracing back to its call site.
func New(cfg config.Logging) *slog.Logger {
	level := parseLevel(cfg.Level)

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	})

	return slog.New(handler).With("service", cfg.Service)
}

// parseLevel converts a config level string to slog.Level, defaulting to
// Info for anything unrecognized. "warning" is accepted as an alias.
func parseLevel(s string) slog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
