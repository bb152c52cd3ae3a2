package events

import "time"

// EventType represents the type of an orchestration event.
type EventType string

// Standard Lightning Event Types
const (
	BundleStarted        EventType = "bundle.started"
	BundleFinished       EventType = "bundle.finished"        // Returned nil
	BundleFailed         EventType = "bundle.failed"          // Returned a non-cancellation error
	BundleForceCancelled EventType = "bundle.force_cancelled" // Grace period elapsed, ctx cancelled
	BundleAbandoned      EventType = "bundle.abandoned"       // Second grace window elapsed too
	SignalFired          EventType = "signal.fired"
	ProcessSpawned       EventType = "process.spawned"
	ProcessExited        EventType = "process.exited"
	EscalationStep       EventType = "escalation.step" // Payload "step": signal, interrupt, terminate, kill
	RolloutStarted       EventType = "rollout.started"
	RolloutFinished      EventType = "rollout.finished" // Payload "status", "duration_seconds"
	WorkerHeartbeat      EventType = "worker.heartbeat" // Payload "ok"
)

// Event represents a significant occurrence during one Execute call.
type Event struct {
	// Type categorizes the event.
	Type EventType `json:"type"`
	// Timestamp marks when the event occurred.
	Timestamp time.Time `json:"timestamp"`
	// Strategy names the orchestration strategy ("shm" or "cs"), if applicable.
	Strategy string `json:"strategy,omitempty"`
	// Role is "algorithm" or "runner", if applicable.
	Role string `json:"role,omitempty"`
	// WorkerID identifies the runner ("Worker-0"), if applicable.
	WorkerID string `json:"worker_id,omitempty"`
	// RolloutID identifies the rollout, if applicable.
	RolloutID string `json:"rollout_id,omitempty"`
	// Payload contains event-specific data.
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Bus defines the interface for publishing orchestration events.
type Bus interface {
	// Emit publishes an event to the bus.
	// Implementations must not block the caller; orchestration code emits
	// from shutdown paths that run under timeouts.
	Emit(event Event)
}
