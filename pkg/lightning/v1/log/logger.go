// Package log is the logging contract shared by strategies, runners and the
// control plane. internal/logger provides the slog-backed implementation.
package log

import (
	"context"
	"log/slog"
)

// Logger is the leveled logger handed to every Lightning component. Any
// implementation must be safe for concurrent use: runner goroutines, the
// stop watcher and HTTP handlers all log through the same value.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	// Errorf formats like the others. Implementations may attach structured
	// fields when the final argument is an error.
	Errorf(format string, args ...interface{})

	// Log emits msg with key/value attributes.
	Log(level slog.Level, msg string, args ...interface{})
	// LogCtx is Log with a context, from which trace and span ids are
	// attached when an active span is present.
	LogCtx(ctx context.Context, level slog.Level, msg string, args ...interface{})

	// With derives a Logger that adds args to every record.
	With(args ...interface{}) Logger
	IsEnabled(level slog.Level) bool
}
