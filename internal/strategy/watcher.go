// Package strategy places algorithm and runner bundles onto goroutines or
// child processes and tears them down with bounded, escalating shutdown.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	intSignal "github.com/gxo-labs/lightning/internal/signal"
	v1 "github.com/gxo-labs/lightning/pkg/lightning/v1"
	lerrors "github.com/gxo-labs/lightning/pkg/lightning/v1/errors"
	"github.com/gxo-labs/lightning/pkg/lightning/v1/events"
	llog "github.com/gxo-labs/lightning/pkg/lightning/v1/log"
	lsignal "github.com/gxo-labs/lightning/pkg/lightning/v1/signal"
)

const algorithmIndex = -1

// bundle is one algorithm or runner invocation bound to its store and signal.
type bundle struct {
	name        string
	role        v1.Role
	workerIndex int
	run         func(ctx context.Context) error
}

func algorithmBundle(run func(ctx context.Context) error) bundle {
	return bundle{
		name:        "algorithm",
		role:        v1.RoleAlgorithm,
		workerIndex: algorithmIndex,
		run:         run,
	}
}

func runnerBundle(index int, run func(ctx context.Context) error) bundle {
	return bundle{
		name:        fmt.Sprintf("runner-%d", index),
		role:        v1.RoleRunner,
		workerIndex: index,
		run:         run,
	}
}

// outcome is how a watched bundle ended. At most one of err, cancelled and
// abandoned is meaningful.
type outcome struct {
	err       error
	cancelled bool
	abandoned bool
}

// bundleError wraps a failed outcome for the caller of Execute.
func (o outcome) bundleError(b bundle) error {
	if o.err == nil {
		return nil
	}
	return lerrors.NewBundleError(string(b.role), b.workerIndex, o.err)
}

// watcher drives one bundle to completion while racing the shared signal:
// once the signal is observed the bundle gets a grace period to return on its
// own, is then force-cancelled, and is abandoned if it outlives a second
// grace window.
type watcher struct {
	strategy string
	grace    time.Duration
	interval time.Duration
	log      llog.Logger
	bus      events.Bus
}

func (w *watcher) watch(parent context.Context, sig lsignal.Signal, b bundle) outcome {
	log := w.log.With("bundle", b.name)
	// The bundle never sees the caller's cancellation directly; an interrupt
	// reaches it through the signal and the force-cancel below.
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- runGuarded(ctx, b.run) }()
	w.emit(events.BundleStarted, b, nil)

	select {
	case err := <-done:
		return w.finish(b, outcome{err: err}, log)
	case <-intSignal.Fired(ctx, sig, w.interval):
	}

	log.Debugf("Signal observed; allowing %s for a cooperative exit", w.grace)
	grace := time.NewTimer(w.grace)
	select {
	case err := <-done:
		grace.Stop()
		return w.finish(b, outcome{err: err}, log)
	case <-grace.C:
	}

	log.Warnf("Bundle did not stop within %s; cancelling", w.grace)
	cancel()
	w.emit(events.BundleForceCancelled, b, nil)

	second := time.NewTimer(w.grace)
	defer second.Stop()
	select {
	case err := <-done:
		if err == nil || errors.Is(err, context.Canceled) {
			return w.finish(b, outcome{cancelled: true}, log)
		}
		return w.finish(b, outcome{err: err}, log)
	case <-second.C:
	}

	log.Errorf("%v", lerrors.NewAbandonedError(b.name, w.grace))
	return w.finish(b, outcome{abandoned: true}, log)
}

func (w *watcher) finish(b bundle, o outcome, log llog.Logger) outcome {
	switch {
	case o.err != nil:
		log.Warnf("Bundle failed: %v", o.err)
		w.emit(events.BundleFailed, b, map[string]interface{}{"error": o.err.Error()})
	case o.abandoned:
		w.emit(events.BundleAbandoned, b, nil)
	default:
		log.Debugf("Bundle finished (cancelled=%t)", o.cancelled)
		w.emit(events.BundleFinished, b, map[string]interface{}{"cancelled": o.cancelled})
	}
	return o
}

func (w *watcher) emit(t events.EventType, b bundle, payload map[string]interface{}) {
	ev := events.Event{Type: t, Strategy: w.strategy, Role: string(b.role), Payload: payload}
	if b.workerIndex >= 0 {
		ev.WorkerID = fmt.Sprintf("Worker-%d", b.workerIndex)
	}
	w.bus.Emit(ev)
}

// runGuarded turns a panicking bundle into a failed one.
func runGuarded(ctx context.Context, run func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bundle panicked: %v", r)
		}
	}()
	return run(ctx)
}

// trigger fires the shared signal once per Execute and records why.
type trigger struct {
	once     sync.Once
	sig      lsignal.Signal
	strategy string
	log      llog.Logger
	bus      events.Bus
}

func (t *trigger) fire(reason string) {
	t.once.Do(func() {
		t.log.Debugf("Firing stop signal: %s", reason)
		t.sig.Set()
		t.bus.Emit(events.Event{Type: events.SignalFired, Strategy: t.strategy, Payload: map[string]interface{}{"reason": reason}})
	})
}

// relayInterrupt fires the signal when ctx is done, until stop is called.
func (t *trigger) relayInterrupt(ctx context.Context) (stop func()) {
	quit := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			t.fire("interrupted")
		case <-quit:
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(quit) }) }
}
