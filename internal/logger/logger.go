package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	lerrors "github.com/gxo-labs/lightning/pkg/lightning/v1/errors"
	llog "github.com/gxo-labs/lightning/pkg/lightning/v1/log"
	"go.opentelemetry.io/otel/trace"
)

// Default log level if not specified or invalid.
const defaultLevel = slog.LevelInfo

// ParseLevel converts common log level strings (case-insensitive) to slog.Level
// values. Unknown strings map to INFO.
func ParseLevel(levelStr string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(levelStr)) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return defaultLevel
	}
}

// defaultLogger implements llog.Logger on top of slog.
type defaultLogger struct {
	*slog.Logger
}

// Compile-time check to ensure defaultLogger implements the public Logger interface.
var _ llog.Logger = (*defaultLogger)(nil)

// NewLogger creates a Logger writing to writer (os.Stderr when nil) in the
// given format ("text" or "json") at the given level. Records logged with a
// context carrying an OpenTelemetry span get trace_id and span_id attributes.
func NewLogger(levelStr string, formatStr string, writer io.Writer) llog.Logger {
	if writer == nil {
		writer = os.Stderr
	}
	opts := &slog.HandlerOptions{
		Level:       ParseLevel(levelStr),
		ReplaceAttr: replaceLevelAttribute,
	}

	var baseHandler slog.Handler
	switch strings.ToLower(formatStr) {
	case "json":
		baseHandler = slog.NewJSONHandler(writer, opts)
	default:
		baseHandler = slog.NewTextHandler(writer, opts)
	}
	return &defaultLogger{Logger: slog.New(NewOtelHandler(baseHandler))}
}

// NewDefaultLogger provides a text logger writing to Stderr.
func NewDefaultLogger(levelStr string) llog.Logger {
	return NewLogger(levelStr, "text", os.Stderr)
}

// NewNopLogger returns a Logger that discards everything.
func NewNopLogger() llog.Logger {
	return NewLogger("error", "text", io.Discard)
}

var levelStringMap = map[slog.Level]string{
	slog.LevelDebug: "DEBUG",
	slog.LevelInfo:  "INFO",
	slog.LevelWarn:  "WARN",
	slog.LevelError: "ERROR",
}

// replaceLevelAttribute renders the level as an uppercase string.
func replaceLevelAttribute(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		level, ok := a.Value.Any().(slog.Level)
		if !ok {
			return a
		}
		levelStr, exists := levelStringMap[level]
		if !exists {
			levelStr = level.String()
		}
		a.Value = slog.StringValue(levelStr)
	}
	return a
}

func (l *defaultLogger) Debugf(format string, args ...interface{}) {
	l.logf(slog.LevelDebug, format, args...)
}

func (l *defaultLogger) Infof(format string, args ...interface{}) {
	l.logf(slog.LevelInfo, format, args...)
}

func (l *defaultLogger) Warnf(format string, args ...interface{}) {
	l.logf(slog.LevelWarn, format, args...)
}

// Errorf logs at ERROR. When the last argument is an error, structured
// attributes describing it are attached as well.
func (l *defaultLogger) Errorf(format string, args ...interface{}) {
	l.logf(slog.LevelError, format, args...)
}

func (l *defaultLogger) logf(level slog.Level, format string, args ...interface{}) {
	ctx := context.Background()
	if !l.Logger.Enabled(ctx, level) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	var attrs []any
	if len(args) > 0 {
		if err, ok := args[len(args)-1].(error); ok && level >= slog.LevelWarn {
			attrs = errorAttrs(err)
		}
	}
	l.Logger.Log(ctx, level, msg, attrs...)
}

// errorAttrs extracts structured fields from the orchestration error types.
func errorAttrs(err error) []any {
	var (
		bundleErr *lerrors.BundleError
		procErr   *lerrors.ProcessError
		exitErr   *lerrors.ExitCodeError
	)
	switch {
	case errors.As(err, &bundleErr):
		attrs := []any{slog.String("error_type", "BundleError"), slog.String("role", bundleErr.Role)}
		if bundleErr.WorkerIndex >= 0 {
			attrs = append(attrs, slog.Int("worker_index", bundleErr.WorkerIndex))
		}
		return attrs
	case errors.As(err, &procErr):
		return []any{slog.String("error_type", "ProcessError"), slog.String("process", procErr.Name), slog.String("op", procErr.Op)}
	case errors.As(err, &exitErr):
		return []any{slog.String("error_type", "ExitCodeError"), slog.Int("processes", len(exitErr.Exits))}
	}
	return nil
}

func (l *defaultLogger) Log(level slog.Level, msg string, args ...interface{}) {
	l.Logger.Log(context.Background(), level, msg, args...)
}

// LogCtx logs with ctx so the OtelHandler can attach trace identifiers.
func (l *defaultLogger) LogCtx(ctx context.Context, level slog.Level, msg string, args ...interface{}) {
	l.Logger.Log(ctx, level, msg, args...)
}

func (l *defaultLogger) With(args ...interface{}) llog.Logger {
	return &defaultLogger{Logger: l.Logger.With(args...)}
}

func (l *defaultLogger) IsEnabled(level slog.Level) bool {
	return l.Logger.Enabled(context.Background(), level)
}

// --- OtelHandler for Trace/Span ID Injection ---

// OtelHandler is a slog.Handler middleware that injects trace_id and span_id
// attributes when the logging context carries a valid span.
type OtelHandler struct {
	next slog.Handler
}

// NewOtelHandler wraps next.
func NewOtelHandler(next slog.Handler) *OtelHandler {
	return &OtelHandler{next: next}
}

func (h *OtelHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *OtelHandler) Handle(ctx context.Context, record slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		record.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.next.Handle(ctx, record)
}

func (h *OtelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return NewOtelHandler(h.next.WithAttrs(attrs))
}

func (h *OtelHandler) WithGroup(name string) slog.Handler {
	return NewOtelHandler(h.next.WithGroup(name))
}
