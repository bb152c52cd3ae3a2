package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/gxo-labs/lightning/internal/events"
	"github.com/gxo-labs/lightning/internal/logger"
	"github.com/gxo-labs/lightning/internal/metrics"
	levents "github.com/gxo-labs/lightning/pkg/lightning/v1/events"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelEventBus_DropsWhenFullAndAfterClose(t *testing.T) {
	bus := events.NewChannelEventBus(1, logger.NewNopLogger())
	bus.Emit(levents.Event{Type: levents.SignalFired})
	bus.Emit(levents.Event{Type: levents.SignalFired}) // dropped, buffer full

	ev := <-bus.GetChannel()
	assert.Equal(t, levents.SignalFired, ev.Type)
	assert.False(t, ev.Timestamp.IsZero(), "timestamp is stamped on emit")

	bus.Close()
	bus.Close()
	assert.NotPanics(t, func() { bus.Emit(levents.Event{Type: levents.SignalFired}) })
	_, ok := <-bus.GetChannel()
	assert.False(t, ok)
}

func TestMetricsEventListener_UpdatesCollectors(t *testing.T) {
	provider := metrics.NewPrometheusRegistryProvider(false)
	collectors := metrics.NewCollectors(provider.Registry())
	bus := events.NewChannelEventBus(16, logger.NewNopLogger())
	listener := events.NewMetricsEventListener(bus, collectors, logger.NewNopLogger())

	done := make(chan struct{})
	go func() {
		listener.Start(context.Background())
		close(done)
	}()

	bus.Emit(levents.Event{Type: levents.BundleStarted, Role: "runner"})
	bus.Emit(levents.Event{Type: levents.BundleFailed, Role: "runner"})
	bus.Emit(levents.Event{Type: levents.SignalFired, Strategy: "shm"})
	bus.Emit(levents.Event{Type: levents.EscalationStep, Payload: map[string]interface{}{"step": "kill"}})
	bus.Emit(levents.Event{Type: levents.RolloutFinished, Payload: map[string]interface{}{"status": "succeeded", "duration_seconds": 0.2}})
	bus.Emit(levents.Event{Type: levents.WorkerHeartbeat, Payload: map[string]interface{}{"ok": false}})
	bus.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop after bus close")
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(collectors.BundlesTotal.WithLabelValues("runner", "failed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(collectors.ActiveBundles.WithLabelValues("runner")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collectors.SignalFiredTotal.WithLabelValues("shm")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collectors.EscalationStepsTotal.WithLabelValues("kill")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collectors.RolloutsTotal.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collectors.HeartbeatsTotal.WithLabelValues("error")))

	count, err := testutil.GatherAndCount(provider.Registry(), "lightning_rollout_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
