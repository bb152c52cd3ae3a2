package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	intEvents "github.com/gxo-labs/lightning/internal/events"
	"github.com/gxo-labs/lightning/internal/logger"
	intSignal "github.com/gxo-labs/lightning/internal/signal"
	intStore "github.com/gxo-labs/lightning/internal/store"
	v1 "github.com/gxo-labs/lightning/pkg/lightning/v1"
	lerrors "github.com/gxo-labs/lightning/pkg/lightning/v1/errors"
	"github.com/gxo-labs/lightning/pkg/lightning/v1/events"
	llog "github.com/gxo-labs/lightning/pkg/lightning/v1/log"
	lsignal "github.com/gxo-labs/lightning/pkg/lightning/v1/signal"
	lstore "github.com/gxo-labs/lightning/pkg/lightning/v1/store"
)

// SharedMemoryName identifies the in-process strategy in events and metrics.
const SharedMemoryName = "shm"

// SharedMemoryConfig configures the in-process strategy. Start from
// DefaultSharedMemoryConfig; zero durations also fall back to the defaults.
type SharedMemoryConfig struct {
	NRunners  int
	MainOwner v1.MainOwner
	// GracefulDelay is both the cooperative window after the signal fires
	// and the window granted after a forced cancellation.
	GracefulDelay time.Duration
	// JoinTimeout bounds the final wait for background bundles.
	JoinTimeout time.Duration
	// ManagedStore wraps the store with a mutex before handing it out.
	ManagedStore  bool
	WatchInterval time.Duration

	Logger llog.Logger
	Bus    events.Bus
}

// DefaultSharedMemoryConfig returns one runner, algorithm-owned main, and a
// managed store.
func DefaultSharedMemoryConfig() SharedMemoryConfig {
	return SharedMemoryConfig{
		NRunners:      1,
		MainOwner:     v1.MainAlgorithm,
		GracefulDelay: 5 * time.Second,
		JoinTimeout:   15 * time.Second,
		ManagedStore:  true,
		WatchInterval: 10 * time.Millisecond,
	}
}

// SharedMemory runs the algorithm and every runner as goroutines of the
// calling process, sharing one in-memory signal.
type SharedMemory struct {
	cfg SharedMemoryConfig
	log llog.Logger
	bus events.Bus
}

var _ v1.Strategy = (*SharedMemory)(nil)

// NewSharedMemory validates cfg.
func NewSharedMemory(cfg SharedMemoryConfig) (*SharedMemory, error) {
	def := DefaultSharedMemoryConfig()
	if cfg.NRunners < 1 {
		return nil, lerrors.NewConfigError(fmt.Sprintf("n_runners must be at least 1, got %d", cfg.NRunners), nil)
	}
	owner, err := v1.ParseMainOwner(string(cfg.MainOwner))
	if err != nil {
		return nil, lerrors.NewConfigError("invalid main owner", err)
	}
	cfg.MainOwner = owner
	if cfg.MainOwner == v1.MainRunner && cfg.NRunners != 1 {
		return nil, lerrors.NewConfigError(fmt.Sprintf("main_owner=runner requires exactly one runner, got %d", cfg.NRunners), nil)
	}
	if cfg.GracefulDelay <= 0 {
		cfg.GracefulDelay = def.GracefulDelay
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = def.JoinTimeout
	}
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = def.WatchInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefaultLogger("warn")
	}
	if cfg.Bus == nil {
		cfg.Bus = intEvents.NewNoOpEventBus()
	}
	return &SharedMemory{
		cfg: cfg,
		log: cfg.Logger.With("component", "strategy", "strategy", SharedMemoryName),
		bus: cfg.Bus,
	}, nil
}

// Execute runs the main bundle on the calling goroutine and every other
// bundle in the background, then tears the background bundles down.
func (s *SharedMemory) Execute(ctx context.Context, algorithm v1.AlgorithmBundle, runner v1.RunnerBundle, st lstore.Store) error {
	if algorithm == nil || runner == nil {
		return lerrors.NewConfigError("shared memory strategy requires both an algorithm and a runner bundle", nil)
	}
	if s.cfg.ManagedStore {
		st = intStore.NewSynchronized(st)
	}

	sig := intSignal.NewThreadSignal()
	trig := &trigger{sig: sig, strategy: SharedMemoryName, log: s.log, bus: s.bus}
	stopRelay := trig.relayInterrupt(ctx)
	defer stopRelay()

	w := &watcher{strategy: SharedMemoryName, grace: s.cfg.GracefulDelay, interval: s.cfg.WatchInterval, log: s.log, bus: s.bus}
	mainBundle, background := s.placeBundles(algorithm, runner, st, sig)

	var (
		mu       sync.Mutex
		firstErr error
		wg       sync.WaitGroup
	)
	bgDone := make(chan struct{})
	for _, b := range background {
		wg.Add(1)
		go func(b bundle) {
			defer wg.Done()
			o := w.watch(ctx, sig, b)
			if o.err != nil {
				trig.fire(b.name + " failed")
				mu.Lock()
				if firstErr == nil {
					firstErr = o.bundleError(b)
				}
				mu.Unlock()
			}
		}(b)
	}
	go func() {
		wg.Wait()
		close(bgDone)
	}()

	s.log.Infof("Running %s on the calling goroutine with %d background bundle(s)", mainBundle.name, len(background))
	mainOutcome := w.watch(ctx, sig, mainBundle)
	if mainOutcome.err != nil {
		trig.fire(mainBundle.name + " failed")
	}

	if s.cfg.MainOwner == v1.MainAlgorithm {
		trig.fire("algorithm finished")
	} else {
		// The algorithm decides when the run is over.
		select {
		case <-bgDone:
		case <-intSignal.Fired(ctx, sig, s.cfg.WatchInterval):
		}
	}

	s.join(bgDone)
	stopRelay()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := mainOutcome.bundleError(mainBundle); err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	return firstErr
}

func (s *SharedMemory) placeBundles(algorithm v1.AlgorithmBundle, runner v1.RunnerBundle, st lstore.Store, sig lsignal.Signal) (bundle, []bundle) {
	alg := algorithmBundle(func(ctx context.Context) error { return algorithm.RunAlgorithm(ctx, st, sig) })
	runners := make([]bundle, s.cfg.NRunners)
	for i := range runners {
		runners[i] = runnerBundle(i, func(ctx context.Context) error { return runner.RunRunner(ctx, st, i, sig) })
	}
	if s.cfg.MainOwner == v1.MainRunner {
		return runners[0], []bundle{alg}
	}
	return alg, runners
}

// join waits for background bundles up to the join timeout. Bundles still
// running afterward are left behind.
func (s *SharedMemory) join(bgDone <-chan struct{}) {
	timer := time.NewTimer(s.cfg.JoinTimeout)
	defer timer.Stop()
	select {
	case <-bgDone:
	case <-timer.C:
		s.log.Errorf("Background bundles still running after join timeout %s; leaving them behind", s.cfg.JoinTimeout)
	}
}
