// Package logging provides structured logging using slog.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config holds logging configuration.
type Config struct {
	Format string // "json" | "text"
	Level  string // "debug" | "info" | "warn" | "error"
}

// Setup initializes the global slog logger based on configuration.
// Logs go to stderr so download output on stdout stays clean.
func Setup(cfg Config) {
	slog.SetDefault(New(os.Stderr, cfg))
}

// New builds a logger writing to w.
func New(w io.Writer, cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// parseLevel converts a string level to slog.Level.
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

// SessionLogger creates a logger carrying the session identity.
func SessionLogger(sessionID, direction, table string) *slog.Logger {
	return slog.With(
		"session_id", sessionID,
		"direction", direction,
		"table", table,
	)
}

// BlockLogger narrows a session logger to one block.
func BlockLogger(log *slog.Logger, seq uint64, path string, start, length uint64) *slog.Logger {
	return log.With(
		"block", seq,
		"path", path,
		"offset", start,
		"length", length,
	)
}

// WorkerLogger creates a logger with worker context.
func WorkerLogger(log *slog.Logger, workerID int) *slog.Logger {
	return log.With("worker_id", workerID)
}

// Component returns a logger with a component name.
func Component(name string) *slog.Logger {
	return slog.With("component", name)
}
