package tracing

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// TracerProvider defines the interface for accessing the tracer provider used
// to record rollout spans. This allows consumers to integrate Lightning's
// tracing with an existing OpenTelemetry setup or provide custom implementations.
type TracerProvider interface {
	// GetTracer returns a Tracer instance with the specified name and options.
	GetTracer(name string, opts ...trace.TracerOption) trace.Tracer

	// Shutdown flushes any buffered spans and releases exporter resources.
	// The context should have a deadline. No-op implementations return nil.
	Shutdown(ctx context.Context) error
}
