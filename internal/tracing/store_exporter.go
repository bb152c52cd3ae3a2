package tracing

import (
	"context"

	llog "github.com/gxo-labs/lightning/pkg/lightning/v1/log"
	lstore "github.com/gxo-labs/lightning/pkg/lightning/v1/store"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// StoreExporter is an sdktrace.SpanExporter that writes spans into a Store.
// Spans without a lightning.rollout_id attribute are dropped.
type StoreExporter struct {
	store lstore.Store
	log   llog.Logger
}

var _ sdktrace.SpanExporter = (*StoreExporter)(nil)

// NewStoreExporter creates an exporter writing into st.
func NewStoreExporter(st lstore.Store, log llog.Logger) *StoreExporter {
	return &StoreExporter{store: st, log: log}
}

// ExportSpans converts and stores each span. A failed AddSpan is logged and
// the remaining spans are still exported; the first error is returned.
func (e *StoreExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	var firstErr error
	for _, ro := range spans {
		span, ok := convertSpan(ro)
		if !ok {
			continue
		}
		if _, err := e.store.AddSpan(ctx, span); err != nil {
			e.log.Warnf("Failed to store span '%s' of rollout %s: %v", span.Name, span.RolloutID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Shutdown is a no-op; the store outlives the exporter.
func (e *StoreExporter) Shutdown(context.Context) error { return nil }

func convertSpan(ro sdktrace.ReadOnlySpan) (lstore.Span, bool) {
	attrs := make(map[string]interface{}, len(ro.Attributes()))
	for _, kv := range ro.Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	rolloutID, _ := attrs[string(AttrRolloutID)].(string)
	if rolloutID == "" {
		return lstore.Span{}, false
	}
	attemptID, _ := attrs[string(AttrAttemptID)].(string)

	sc := ro.SpanContext()
	span := lstore.Span{
		RolloutID:  rolloutID,
		AttemptID:  attemptID,
		TraceID:    sc.TraceID().String(),
		SpanID:     sc.SpanID().String(),
		Name:       ro.Name(),
		StartTime:  ro.StartTime(),
		EndTime:    ro.EndTime(),
		StatusCode: ro.Status().Code.String(),
		StatusText: ro.Status().Description,
		Attributes: attrs,
	}
	if parent := ro.Parent(); parent.IsValid() {
		span.ParentID = parent.SpanID().String()
	}
	return span, true
}
