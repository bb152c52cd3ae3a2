package events

import (
	"context"
	"fmt"

	"github.com/gxo-labs/lightning/internal/metrics"
	"github.com/gxo-labs/lightning/pkg/lightning/v1/events"
	llog "github.com/gxo-labs/lightning/pkg/lightning/v1/log"
)

// MetricsEventListener consumes a ChannelEventBus and updates the
// orchestration Prometheus collectors.
type MetricsEventListener struct {
	bus        *ChannelEventBus
	log        llog.Logger
	collectors *metrics.Collectors
}

// NewMetricsEventListener creates a listener. All arguments are required.
func NewMetricsEventListener(bus *ChannelEventBus, collectors *metrics.Collectors, log llog.Logger) *MetricsEventListener {
	if bus == nil || collectors == nil || log == nil {
		panic("MetricsEventListener requires a non-nil ChannelEventBus, Collectors, and Logger")
	}
	return &MetricsEventListener{
		bus:        bus,
		log:        log.With("component", "MetricsEventListener"),
		collectors: collectors,
	}
}

// Start consumes events until the bus is closed or ctx is done. It blocks;
// run it in its own goroutine.
func (l *MetricsEventListener) Start(ctx context.Context) {
	for {
		select {
		case event, ok := <-l.bus.GetChannel():
			if !ok {
				return
			}
			l.handleEvent(event)
		case <-ctx.Done():
			l.drain()
			return
		}
	}
}

// drain handles whatever is already buffered.
func (l *MetricsEventListener) drain() {
	for {
		select {
		case event, ok := <-l.bus.GetChannel():
			if !ok {
				return
			}
			l.handleEvent(event)
		default:
			return
		}
	}
}

func (l *MetricsEventListener) handleEvent(event events.Event) {
	c := l.collectors
	switch event.Type {
	case events.BundleStarted:
		c.ActiveBundles.WithLabelValues(event.Role).Inc()
	case events.BundleFinished:
		c.ActiveBundles.WithLabelValues(event.Role).Dec()
		c.BundlesTotal.WithLabelValues(event.Role, "finished").Inc()
	case events.BundleFailed:
		c.ActiveBundles.WithLabelValues(event.Role).Dec()
		c.BundlesTotal.WithLabelValues(event.Role, "failed").Inc()
	case events.BundleForceCancelled:
		c.BundlesTotal.WithLabelValues(event.Role, "force_cancelled").Inc()
	case events.BundleAbandoned:
		c.ActiveBundles.WithLabelValues(event.Role).Dec()
		c.BundlesTotal.WithLabelValues(event.Role, "abandoned").Inc()
	case events.SignalFired:
		c.SignalFiredTotal.WithLabelValues(event.Strategy).Inc()
	case events.EscalationStep:
		c.EscalationStepsTotal.WithLabelValues(payloadString(event, "step")).Inc()
	case events.ProcessExited:
		c.ProcessExitsTotal.WithLabelValues(payloadString(event, "accepted")).Inc()
	case events.RolloutFinished:
		status := payloadString(event, "status")
		c.RolloutsTotal.WithLabelValues(status).Inc()
		if secs, ok := event.Payload["duration_seconds"].(float64); ok {
			c.RolloutDuration.WithLabelValues(status).Observe(secs)
		}
	case events.WorkerHeartbeat:
		result := "ok"
		if ok, _ := event.Payload["ok"].(bool); !ok {
			result = "error"
		}
		c.HeartbeatsTotal.WithLabelValues(result).Inc()
	default:
		l.log.Debugf("Metrics listener ignoring event type: %s", event.Type)
	}
}

func payloadString(event events.Event, key string) string {
	v, ok := event.Payload[key]
	if !ok {
		return "unknown"
	}
	return fmt.Sprint(v)
}
