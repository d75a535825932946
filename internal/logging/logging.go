// Package logging builds the structured loggers used across the scheduler.
// Logs are JSON lines written to a file or to stderr.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Log levels accepted by New.
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// FileName is the log file created inside the log directory.
const FileName = "selfheal.log"

// New returns a JSON logger at the given level. With a non-empty dir, logs are
// appended to {dir}/selfheal.log; otherwise they go to stderr. The returned
// close function releases the file and is a no-op for stderr.
func New(dir, level string) (*slog.Logger, func() error, error) {
	if dir == "" {
		return NewWithWriter(os.Stderr, level), func() error { return nil }, nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(filepath.Join(dir, FileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return NewWithWriter(file, level), file.Close, nil
}

// NewWithWriter returns a JSON logger writing to w.
func NewWithWriter(w io.Writer, level string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(level),
	}))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// parseLevel converts a string log level to slog.Level.
// Defaults to INFO if the level string is not recognized.
func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ForWorkflow returns a child logger tagged with the workflow and run IDs.
func ForWorkflow(l *slog.Logger, workflowID, runID string) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	l = l.With("workflow_id", workflowID)
	if runID != "" {
		l = l.With("run_id", runID)
	}
	return l
}
