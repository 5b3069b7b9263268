// Package kernlog provides the structured logging used throughout the
// kernel packages. It wraps log/slog behind a swappable package-level
// handler, a selectable level, and short helper functions so call sites
// read like log_error(...) instead of slog boilerplate at every site.
package kernlog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

var defaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

// SetOutput redirects the package logger to w at the given level. Tests use
// this to capture log output instead of writing to stderr.
func SetOutput(w io.Writer, level slog.Level) {
	defaultLogger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Debugf logs a formatted debug-level message.
func Debugf(format string, args ...any) {
	defaultLogger.Log(context.Background(), slog.LevelDebug, sprintf(format, args...))
}

// Infof logs a formatted info-level message.
func Infof(format string, args ...any) {
	defaultLogger.Log(context.Background(), slog.LevelInfo, sprintf(format, args...))
}

// Warnf logs a formatted warning-level message, for conditions that are
// suspect but not fatal, such as a stack pointer divergence after a signal
// return.
func Warnf(format string, args ...any) {
	defaultLogger.Log(context.Background(), slog.LevelWarn, sprintf(format, args...))
}

// Errorf logs a formatted error-level message, such as a failed inode read
// or a repeated writeback failure.
func Errorf(format string, args ...any) {
	defaultLogger.Log(context.Background(), slog.LevelError, sprintf(format, args...))
}

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
