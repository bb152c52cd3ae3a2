package tracing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gxo-labs/lightning/internal/logger"
	"github.com/gxo-labs/lightning/internal/store"
	"github.com/gxo-labs/lightning/internal/tracing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreProvider_ExportsRolloutSpans(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	r, err := st.EnqueueRollout(ctx, nil, nil)
	require.NoError(t, err)

	tp := tracing.NewStoreProvider(st, logger.NewNopLogger())
	tracer := tp.GetTracer(tracing.TracerName)

	spanCtx, parent := tracer.Start(ctx, tracing.RolloutSpanName)
	parent.SetAttributes(tracing.AttrRolloutID.String(r.RolloutID), tracing.AttrAttemptID.String("at-1"))
	_, child := tracer.Start(spanCtx, tracing.RewardSpanName)
	child.SetAttributes(tracing.AttrRolloutID.String(r.RolloutID), tracing.AttrReward.Float64(0.5))
	child.End()
	tracing.RecordErrorWithContext(parent, errors.New("boom"))
	parent.End()

	// Spans without a rollout id are dropped.
	_, orphan := tracer.Start(ctx, "orphan")
	orphan.End()

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, tp.Shutdown(shutdownCtx))

	spans, err := st.QuerySpans(ctx, r.RolloutID)
	require.NoError(t, err)
	require.Len(t, spans, 2)
	assert.Equal(t, tracing.RewardSpanName, spans[0].Name)
	assert.Equal(t, 0.5, spans[0].Attributes[string(tracing.AttrReward)])
	assert.Equal(t, spans[1].SpanID, spans[0].ParentID)
	assert.Equal(t, tracing.RolloutSpanName, spans[1].Name)
	assert.Equal(t, "at-1", spans[1].AttemptID)
	assert.Equal(t, "Error", spans[1].StatusCode)
}

func TestNoOpProvider(t *testing.T) {
	tp := tracing.NewNoOpProvider()
	assert.True(t, tp.IsEffectivelyNoOp())
	_, span := tp.GetTracer("x").Start(context.Background(), "noop")
	assert.False(t, span.IsRecording())
	span.End()
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestNewProviderFromEnv_DisabledWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_SDK_DISABLED", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_EXPORTER_OTLP_PROTOCOL", "")
	tp, err := tracing.NewProviderFromEnv(context.Background(), logger.NewNopLogger())
	require.NoError(t, err)
	assert.True(t, tp.IsEffectivelyNoOp())

	t.Setenv("OTEL_EXPORTER_OTLP_PROTOCOL", "carrier-pigeon")
	_, err = tracing.NewProviderFromEnv(context.Background(), logger.NewNopLogger())
	assert.Error(t, err)
}
