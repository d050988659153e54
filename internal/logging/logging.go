// Package logging sets up the process-wide slog logger, generalizing the
// teacher's cmd/sand/main.go initSlog (level flag, JSON handler writing to a
// single log file) into a rotating file handler via
// gopkg.in/natefinch/lumberjack.v2, a dependency the teacher's go.mod
// already carried but never wired to an actual handler.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// DebugEnvVar, when set to a truthy value, forces debug-level logging
// regardless of Options.Level.
const DebugEnvVar = "XEC_DEBUG"

// Options configures New.
type Options struct {
	// Path is the log file path. Empty disables file rotation and logs to
	// Fallback (os.Stderr if nil) instead.
	Path       string
	Level      slog.Level
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	Fallback   *os.File
}

// DefaultOptions mirrors the rotation knobs a long-running xec daemon would
// want out of the box.
func DefaultOptions() Options {
	return Options{
		Level:      slog.LevelInfo,
		MaxSizeMB:  50,
		MaxBackups: 5,
		MaxAgeDays: 28,
		Compress:   true,
	}
}

// New builds and installs the default slog.Logger, returning it along with
// an io.Closer for the rotating writer (nil when logging to Fallback).
func New(opts Options) (*slog.Logger, *lumberjack.Logger, error) {
	level := opts.Level
	if truthy(os.Getenv(DebugEnvVar)) {
		level = slog.LevelDebug
	}

	var (
		writer   = io.Writer(opts.Fallback)
		rotating *lumberjack.Logger
	)
	if writer == nil {
		writer = os.Stderr
	}

	if opts.Path != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, nil, err
		}
		rotating = &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    orDefault(opts.MaxSizeMB, 50),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 28),
			Compress:   opts.Compress,
		}
		writer = rotating
	}

	logger := slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger, rotating, nil
}

// WithFields returns a child logger carrying the given key/value pairs,
// for the common "command:start"/"command:complete" style call sites.
func WithFields(ctx context.Context, logger *slog.Logger, kv ...any) *slog.Logger {
	return logger.With(kv...)
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
