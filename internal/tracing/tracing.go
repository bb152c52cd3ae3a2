package tracing

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation name used for every Lightning span.
const TracerName = "github.com/gxo-labs/lightning"

// Span names and attribute keys shared by the worker loop and StoreExporter.
const (
	RolloutSpanName = "lightning.rollout"
	RewardSpanName  = "lightning.reward"

	AttrRolloutID = attribute.Key("lightning.rollout_id")
	AttrAttemptID = attribute.Key("lightning.attempt_id")
	AttrWorkerID  = attribute.Key("lightning.worker_id")
	AttrStatus    = attribute.Key("lightning.status")
	AttrReward    = attribute.Key("lightning.reward")
)

// RecordErrorWithContext records err on span and marks the span as failed.
// Does nothing if err is nil or the span is not recording.
func RecordErrorWithContext(span oteltrace.Span, err error) {
	if err == nil || span == nil || !span.IsRecording() {
		return
	}
	span.RecordError(err, oteltrace.WithStackTrace(true))
	span.SetStatus(codes.Error, err.Error())
}
