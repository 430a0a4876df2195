// Package util provides shared helpers for logging, retries and rate
// limiting.
package util

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// ParseLevel maps "debug", "info", "warn" and "error" to a slog level.
// Unrecognised strings yield info.
func ParseLevel(level string) slog.Level {
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

// NewLogger creates a structured logger writing to w. Format "text" selects
// the text handler; anything else is JSON.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// OpenDailyLog opens (appending) /tmp/<name>-<YYYY-MM-DD>.log and returns a
// writer that tees to stdout and the file. The caller closes the file.
func OpenDailyLog(name string) (io.Writer, *os.File, error) {
	path := fmt.Sprintf("%s/%s-%s.log", os.TempDir(), name, time.Now().Format("2006-01-02"))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}
	return io.MultiWriter(os.Stdout, f), f, nil
}

// SetDefaultLogger installs a NewLogger as the slog default and returns it.
func SetDefaultLogger(w io.Writer, level, format string) *slog.Logger {
	logger := NewLogger(w, level, format)
	slog.SetDefault(logger)
	return logger
}
