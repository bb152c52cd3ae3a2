package events

import "github.com/gxo-labs/lightning/pkg/lightning/v1/events"

// NoOpEventBus discards every event. Components fall back to it when no bus
// is configured so they never need a nil check before emitting.
type NoOpEventBus struct{}

// NewNoOpEventBus returns a bus that does nothing.
func NewNoOpEventBus() events.Bus {
	return &NoOpEventBus{}
}

// Emit does nothing.
func (n *NoOpEventBus) Emit(event events.Event) {}

var _ events.Bus = (*NoOpEventBus)(nil)
