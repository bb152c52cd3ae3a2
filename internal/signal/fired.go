package signal

import (
	"context"
	"time"

	lsignal "github.com/gxo-labs/lightning/pkg/lightning/v1/signal"
)

type doneSignal interface {
	Done() <-chan struct{}
}

// Fired returns a channel that is closed once sig is set. Signals exposing a
// Done channel are used directly; any other Signal is watched by a goroutine
// that waits in slices of interval and exits when ctx is done.
func Fired(ctx context.Context, sig lsignal.Signal, interval time.Duration) <-chan struct{} {
	if d, ok := sig.(doneSignal); ok {
		return d.Done()
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ch := make(chan struct{})
	go func() {
		for {
			if sig.Wait(interval) {
				close(ch)
				return
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	return ch
}
