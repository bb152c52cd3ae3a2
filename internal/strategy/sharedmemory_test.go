package strategy_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	intEvents "github.com/gxo-labs/lightning/internal/events"
	"github.com/gxo-labs/lightning/internal/logger"
	"github.com/gxo-labs/lightning/internal/store"
	"github.com/gxo-labs/lightning/internal/strategy"
	v1 "github.com/gxo-labs/lightning/pkg/lightning/v1"
	lerrors "github.com/gxo-labs/lightning/pkg/lightning/v1/errors"
	"github.com/gxo-labs/lightning/pkg/lightning/v1/events"
	lsignal "github.com/gxo-labs/lightning/pkg/lightning/v1/signal"
	lstore "github.com/gxo-labs/lightning/pkg/lightning/v1/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 10 * time.Second

func newSharedMemory(t *testing.T, mutate func(*strategy.SharedMemoryConfig)) *strategy.SharedMemory {
	t.Helper()
	cfg := strategy.DefaultSharedMemoryConfig()
	cfg.GracefulDelay = 30 * time.Millisecond
	cfg.JoinTimeout = 2 * time.Second
	cfg.WatchInterval = 5 * time.Millisecond
	cfg.Logger = logger.NewNopLogger()
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := strategy.NewSharedMemory(cfg)
	require.NoError(t, err)
	return s
}

// execute runs s against a fresh memory store and reports how long it took.
func execute(ctx context.Context, t *testing.T, s v1.Strategy, alg v1.AlgorithmBundle, run v1.RunnerBundle) (time.Duration, error) {
	t.Helper()
	done := make(chan error, 1)
	start := time.Now()
	go func() { done <- s.Execute(ctx, alg, run, store.NewMemoryStore()) }()
	select {
	case err := <-done:
		return time.Since(start), err
	case <-time.After(testTimeout):
		t.Fatal("Execute did not return")
		return 0, nil
	}
}

// waitForSignal is a runner that stops as soon as the signal fires.
var waitForSignal = v1.RunnerFunc(func(_ context.Context, _ lstore.Store, _ int, sig lsignal.Signal) error {
	sig.Wait(lsignal.NoTimeout)
	return nil
})

func drainEvents(bus *intEvents.ChannelEventBus) []events.Event {
	bus.Close()
	var out []events.Event
	for ev := range bus.GetChannel() {
		out = append(out, ev)
	}
	return out
}

func hasEvent(evs []events.Event, t events.EventType) bool {
	for _, ev := range evs {
		if ev.Type == t {
			return true
		}
	}
	return false
}

func TestNewSharedMemory_ConfigErrors(t *testing.T) {
	var cfgErr *lerrors.ConfigError

	cfg := strategy.DefaultSharedMemoryConfig()
	cfg.NRunners = 0
	_, err := strategy.NewSharedMemory(cfg)
	assert.ErrorAs(t, err, &cfgErr)

	cfg = strategy.DefaultSharedMemoryConfig()
	cfg.NRunners = 2
	cfg.MainOwner = v1.MainRunner
	_, err = strategy.NewSharedMemory(cfg)
	assert.ErrorAs(t, err, &cfgErr)

	cfg = strategy.DefaultSharedMemoryConfig()
	cfg.MainOwner = "scheduler"
	_, err = strategy.NewSharedMemory(cfg)
	assert.ErrorAs(t, err, &cfgErr)
}

func TestSharedMemory_RunnersStopAfterAlgorithmReturns(t *testing.T) {
	s := newSharedMemory(t, func(c *strategy.SharedMemoryConfig) { c.NRunners = 2 })

	var (
		mu      sync.Mutex
		started = map[int]bool{}
		stopped = map[int]time.Time{}
		algDone time.Time
	)
	alg := v1.AlgorithmFunc(func(_ context.Context, _ lstore.Store, sig lsignal.Signal) error {
		time.Sleep(20 * time.Millisecond)
		assert.False(t, sig.IsSet(), "runners must not be stopped before the algorithm returns")
		mu.Lock()
		algDone = time.Now()
		mu.Unlock()
		return nil
	})
	run := v1.RunnerFunc(func(_ context.Context, _ lstore.Store, idx int, sig lsignal.Signal) error {
		mu.Lock()
		started[idx] = true
		mu.Unlock()
		// A long independent lifetime, cut short by the signal.
		sig.Wait(time.Minute)
		mu.Lock()
		stopped[idx] = time.Now()
		mu.Unlock()
		return nil
	})

	_, err := execute(context.Background(), t, s, alg, run)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[int]bool{0: true, 1: true}, started)
	require.Len(t, stopped, 2)
	for idx, at := range stopped {
		assert.Less(t, at.Sub(algDone), 100*time.Millisecond, "runner %d stopped too late", idx)
	}
}

func TestSharedMemory_ForceCancelsRunnerIgnoringSignal(t *testing.T) {
	bus := intEvents.NewChannelEventBus(64, logger.NewNopLogger())
	s := newSharedMemory(t, func(c *strategy.SharedMemoryConfig) { c.Bus = bus })

	var cancelled bool
	run := v1.RunnerFunc(func(ctx context.Context, _ lstore.Store, _ int, _ lsignal.Signal) error {
		select {
		case <-ctx.Done():
			cancelled = true
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	alg := v1.AlgorithmFunc(func(context.Context, lstore.Store, lsignal.Signal) error { return nil })

	elapsed, err := execute(context.Background(), t, s, alg, run)
	require.NoError(t, err, "a force-cancelled runner is not a failure")
	assert.True(t, cancelled)
	assert.Less(t, elapsed, 500*time.Millisecond)
	assert.True(t, hasEvent(drainEvents(bus), events.BundleForceCancelled))
}

func TestSharedMemory_AbandonsRunnerIgnoringCancellation(t *testing.T) {
	bus := intEvents.NewChannelEventBus(64, logger.NewNopLogger())
	s := newSharedMemory(t, func(c *strategy.SharedMemoryConfig) { c.Bus = bus })

	run := v1.RunnerFunc(func(context.Context, lstore.Store, int, lsignal.Signal) error {
		time.Sleep(time.Second)
		return errors.New("result nobody waits for")
	})
	alg := v1.AlgorithmFunc(func(context.Context, lstore.Store, lsignal.Signal) error { return nil })

	elapsed, err := execute(context.Background(), t, s, alg, run)
	require.NoError(t, err)
	// Two grace windows of 30ms, not the runner's full second.
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
	assert.True(t, hasEvent(drainEvents(bus), events.BundleAbandoned))
}

func TestSharedMemory_CooperativeExitKeepsRealResult(t *testing.T) {
	bus := intEvents.NewChannelEventBus(64, logger.NewNopLogger())
	s := newSharedMemory(t, func(c *strategy.SharedMemoryConfig) {
		c.Bus = bus
		c.GracefulDelay = 200 * time.Millisecond
	})

	errFlushed := errors.New("flush failed")
	run := v1.RunnerFunc(func(_ context.Context, _ lstore.Store, _ int, sig lsignal.Signal) error {
		sig.Wait(lsignal.NoTimeout)
		time.Sleep(10 * time.Millisecond)
		return errFlushed
	})
	alg := v1.AlgorithmFunc(func(context.Context, lstore.Store, lsignal.Signal) error { return nil })

	_, err := execute(context.Background(), t, s, alg, run)
	assert.ErrorIs(t, err, errFlushed)
	var bundleErr *lerrors.BundleError
	require.ErrorAs(t, err, &bundleErr)
	assert.Equal(t, "runner", bundleErr.Role)
	assert.Equal(t, 0, bundleErr.WorkerIndex)
	assert.False(t, hasEvent(drainEvents(bus), events.BundleForceCancelled))
}

func TestSharedMemory_RunnerMainWaitsForAlgorithm(t *testing.T) {
	s := newSharedMemory(t, func(c *strategy.SharedMemoryConfig) { c.MainOwner = v1.MainRunner })

	var sawSignal bool
	alg := v1.AlgorithmFunc(func(_ context.Context, _ lstore.Store, sig lsignal.Signal) error {
		sawSignal = sig.Wait(100 * time.Millisecond)
		return nil
	})
	run := v1.RunnerFunc(func(context.Context, lstore.Store, int, lsignal.Signal) error {
		time.Sleep(10 * time.Millisecond)
		return nil
	})

	elapsed, err := execute(context.Background(), t, s, alg, run)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.False(t, sawSignal, "a finished runner must not stop the algorithm")
}

func TestSharedMemory_RunnerFailureFiresSignal(t *testing.T) {
	s := newSharedMemory(t, func(c *strategy.SharedMemoryConfig) { c.NRunners = 2 })

	errBroken := errors.New("runner broke")
	var sawSignal bool
	alg := v1.AlgorithmFunc(func(_ context.Context, _ lstore.Store, sig lsignal.Signal) error {
		sawSignal = sig.Wait(5 * time.Second)
		return nil
	})
	run := v1.RunnerFunc(func(_ context.Context, _ lstore.Store, idx int, sig lsignal.Signal) error {
		if idx == 1 {
			return errBroken
		}
		sig.Wait(lsignal.NoTimeout)
		return nil
	})

	elapsed, err := execute(context.Background(), t, s, alg, run)
	assert.True(t, sawSignal)
	assert.Less(t, elapsed, 2*time.Second)
	var bundleErr *lerrors.BundleError
	require.ErrorAs(t, err, &bundleErr)
	assert.Equal(t, 1, bundleErr.WorkerIndex)
	assert.ErrorIs(t, err, errBroken)
}

func TestSharedMemory_MainFailureTakesPrecedence(t *testing.T) {
	s := newSharedMemory(t, nil)

	errAlg := errors.New("algorithm broke")
	alg := v1.AlgorithmFunc(func(context.Context, lstore.Store, lsignal.Signal) error {
		time.Sleep(20 * time.Millisecond)
		return errAlg
	})
	run := v1.RunnerFunc(func(_ context.Context, _ lstore.Store, _ int, sig lsignal.Signal) error {
		sig.Wait(lsignal.NoTimeout)
		return errors.New("runner broke while stopping")
	})

	_, err := execute(context.Background(), t, s, alg, run)
	assert.ErrorIs(t, err, errAlg)
	var bundleErr *lerrors.BundleError
	require.ErrorAs(t, err, &bundleErr)
	assert.Equal(t, -1, bundleErr.WorkerIndex)
}

func TestSharedMemory_PanicIsBundleFailure(t *testing.T) {
	s := newSharedMemory(t, nil)
	alg := v1.AlgorithmFunc(func(context.Context, lstore.Store, lsignal.Signal) error { panic("boom") })

	_, err := execute(context.Background(), t, s, alg, waitForSignal)
	var bundleErr *lerrors.BundleError
	require.ErrorAs(t, err, &bundleErr)
	assert.Contains(t, err.Error(), "boom")
}

func TestSharedMemory_InterruptReturnsContextError(t *testing.T) {
	s := newSharedMemory(t, nil)
	alg := v1.AlgorithmFunc(func(_ context.Context, _ lstore.Store, sig lsignal.Signal) error {
		sig.Wait(lsignal.NoTimeout)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	elapsed, err := execute(ctx, t, s, alg, waitForSignal)
	assert.Equal(t, context.Canceled, err)
	assert.Less(t, elapsed, time.Second)
}

func TestSharedMemory_ManagedStoreIsShared(t *testing.T) {
	s := newSharedMemory(t, func(c *strategy.SharedMemoryConfig) { c.NRunners = 3 })

	alg := v1.AlgorithmFunc(func(ctx context.Context, st lstore.Store, _ lsignal.Signal) error {
		var ids []string
		for i := 0; i < 6; i++ {
			r, err := st.EnqueueRollout(ctx, map[string]interface{}{"i": i}, nil)
			if err != nil {
				return err
			}
			ids = append(ids, r.RolloutID)
		}
		finished, err := st.QueryOrWaitForRollouts(ctx, ids, 5*time.Second)
		if err != nil {
			return err
		}
		if len(finished) != len(ids) {
			return errors.New("not every rollout finished")
		}
		return nil
	})
	run := v1.RunnerFunc(func(ctx context.Context, st lstore.Store, idx int, sig lsignal.Signal) error {
		for !sig.IsSet() {
			r, err := st.DequeueRollout(ctx, "w")
			if err != nil {
				return err
			}
			if r == nil {
				sig.Wait(5 * time.Millisecond)
				continue
			}
			done := lstore.AttemptSucceeded
			if _, err := st.UpdateAttempt(ctx, r.RolloutID, r.Attempt.AttemptID, lstore.AttemptUpdate{Status: &done}); err != nil {
				return err
			}
		}
		return nil
	})

	_, err := execute(context.Background(), t, s, alg, run)
	require.NoError(t, err)
}
