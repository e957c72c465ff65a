// Package clog configures structured logging for codebased. All components
// log through log/slog with a JSON handler; nothing in the engine writes to
// stdout/stderr directly except the CLI's own diagnostics.
package clog

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Config controls where and how logs are written.
type Config struct {
	// Level is the minimum level to emit: debug, info, warn, error.
	Level string
	// FilePath is the log file path. Empty disables file logging.
	FilePath string
	// MaxSizeMB is the rotation threshold (default 10).
	MaxSizeMB int
	// MaxFiles is the number of rotated copies to retain (default 5).
	MaxFiles int
	// WriteToStderr also tees output to stderr.
	WriteToStderr bool
}

// DefaultFilePath returns <index_root>/codebased.log for the given index root.
func DefaultFilePath(indexRoot string) string {
	return filepath.Join(indexRoot, "codebased.log")
}

// DefaultConfig returns sensible defaults given an index root directory.
func DefaultConfig(indexRoot string) Config {
	return Config{
		Level:         "info",
		FilePath:      DefaultFilePath(indexRoot),
		MaxSizeMB:     10,
		MaxFiles:      5,
		WriteToStderr: false,
	}
}

// Setup builds a *slog.Logger per cfg and returns it with a cleanup func
// that flushes and closes the underlying file.
func Setup(cfg Config) (*slog.Logger, func(), error) {
	if cfg.FilePath == "" {
		handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.Level)})
		return slog.New(handler), func() {}, nil
	}

	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 10
	}
	maxFiles := cfg.MaxFiles
	if maxFiles <= 0 {
		maxFiles = 5
	}

	writer, err := NewRotatingWriter(cfg.FilePath, maxSize, maxFiles)
	if err != nil {
		return nil, nil, err
	}

	var out io.Writer = writer
	if cfg.WriteToStderr {
		out = io.MultiWriter(writer, os.Stderr)
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: parseLevel(cfg.Level)})
	logger := slog.New(handler)

	cleanup := func() {
		_ = writer.Sync()
		_ = writer.Close()
	}
	return logger, cleanup, nil
}

func parseLevel(level string) slog.Level {
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
