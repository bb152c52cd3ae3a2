package events

import (
	"sync"
	"time"

	"github.com/gxo-labs/lightning/pkg/lightning/v1/events"
	llog "github.com/gxo-labs/lightning/pkg/lightning/v1/log"
)

// ChannelEventBus implements events.Bus with a buffered channel. Emit never
// blocks: when the buffer is full the event is dropped and a warning logged.
// Emit after Close is a silent no-op, so late emitters on a shutdown path
// cannot panic.
type ChannelEventBus struct {
	mu      sync.RWMutex
	closed  bool
	channel chan events.Event
	log     llog.Logger
}

// NewChannelEventBus creates a bus holding up to bufferSize pending events
// (100 when non-positive). Panics if log is nil.
func NewChannelEventBus(bufferSize int, log llog.Logger) *ChannelEventBus {
	const defaultBufferSize = 100
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if log == nil {
		panic("ChannelEventBus requires a non-nil logger")
	}
	return &ChannelEventBus{
		channel: make(chan events.Event, bufferSize),
		log:     log.With("component", "ChannelEventBus"),
	}
}

// Emit enqueues event, stamping Timestamp when unset.
func (c *ChannelEventBus) Emit(event events.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.channel <- event:
	default:
		c.log.Warnf("Event channel buffer full, dropping event type '%s'", event.Type)
	}
}

// GetChannel returns the channel consumers read from. It is closed by Close.
func (c *ChannelEventBus) GetChannel() <-chan events.Event {
	return c.channel
}

// Close stops accepting events and closes the channel. Safe to call twice.
func (c *ChannelEventBus) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.channel)
	}
}

var _ events.Bus = (*ChannelEventBus)(nil)
