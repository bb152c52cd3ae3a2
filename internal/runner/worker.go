package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	intEvents "github.com/gxo-labs/lightning/internal/events"
	"github.com/gxo-labs/lightning/internal/logger"
	"github.com/gxo-labs/lightning/internal/retry"
	intTracing "github.com/gxo-labs/lightning/internal/tracing"
	v1 "github.com/gxo-labs/lightning/pkg/lightning/v1"
	lerrors "github.com/gxo-labs/lightning/pkg/lightning/v1/errors"
	"github.com/gxo-labs/lightning/pkg/lightning/v1/events"
	llog "github.com/gxo-labs/lightning/pkg/lightning/v1/log"
	lsignal "github.com/gxo-labs/lightning/pkg/lightning/v1/signal"
	lstore "github.com/gxo-labs/lightning/pkg/lightning/v1/store"
	ltracing "github.com/gxo-labs/lightning/pkg/lightning/v1/tracing"
)

const (
	DefaultPollInterval        = time.Second
	DefaultPollJitter          = 200 * time.Millisecond
	DefaultSignalCheckInterval = 50 * time.Millisecond
	DefaultHeartbeatInterval   = 10 * time.Second
	DefaultHeartbeatJitter     = time.Second

	// minPollInterval bounds the jittered sleep from below.
	minPollInterval = 10 * time.Millisecond
	// reportTimeout bounds status reporting, which runs detached from the
	// loop's cancellation so a forced stop still records the outcome.
	reportTimeout = 5 * time.Second
)

// Result is what an Agent returns for one rollout.
type Result struct {
	// Reward, when set, is recorded as a lightning.reward span.
	Reward     *float64
	Attributes map[string]interface{}
}

// Agent executes the business logic of one rollout.
type Agent interface {
	Rollout(ctx context.Context, rollout *lstore.Rollout) (*Result, error)
}

// AgentFunc adapts a function to Agent.
type AgentFunc func(ctx context.Context, rollout *lstore.Rollout) (*Result, error)

// Rollout calls f.
func (f AgentFunc) Rollout(ctx context.Context, rollout *lstore.Rollout) (*Result, error) {
	return f(ctx, rollout)
}

// Config configures a Worker. Zero durations take the package defaults.
type Config struct {
	Agent Agent
	Hooks []Hook
	// TracerProvider records rollout spans. When nil, each run writes spans
	// into the store it was given.
	TracerProvider ltracing.TracerProvider

	PollInterval        time.Duration
	PollJitter          time.Duration
	SignalCheckInterval time.Duration
	HeartbeatInterval   time.Duration
	HeartbeatJitter     time.Duration
	// MaxRollouts stops the loop after that many executed rollouts; 0 means
	// no limit.
	MaxRollouts int

	Logger llog.Logger
	Bus    events.Bus
}

// Stats are cumulative counters over every run of a Worker.
type Stats struct {
	Processed int64
	Succeeded int64
	Failed    int64
}

// Worker is the production runner bundle: it polls the store for rollouts,
// claims and executes them, reports their status, and sends heartbeats.
// One Worker may serve several worker indexes concurrently.
type Worker struct {
	cfg    Config
	log    llog.Logger
	bus    events.Bus
	jitter *retry.Helper

	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
}

var _ v1.RunnerBundle = (*Worker)(nil)

// New validates cfg and returns a Worker.
func New(cfg Config) (*Worker, error) {
	if cfg.Agent == nil {
		return nil, lerrors.NewConfigError("runner requires an agent", nil)
	}
	if cfg.MaxRollouts < 0 {
		return nil, lerrors.NewConfigError(fmt.Sprintf("max rollouts must not be negative, got %d", cfg.MaxRollouts), nil)
	}
	setDefault(&cfg.PollInterval, DefaultPollInterval)
	setDefault(&cfg.PollJitter, DefaultPollJitter)
	setDefault(&cfg.SignalCheckInterval, DefaultSignalCheckInterval)
	setDefault(&cfg.HeartbeatInterval, DefaultHeartbeatInterval)
	setDefault(&cfg.HeartbeatJitter, DefaultHeartbeatJitter)
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefaultLogger("warn")
	}
	if cfg.Bus == nil {
		cfg.Bus = intEvents.NewNoOpEventBus()
	}
	return &Worker{
		cfg:    cfg,
		log:    cfg.Logger.With("component", "runner"),
		bus:    cfg.Bus,
		jitter: retry.NewHelper(cfg.Logger),
	}, nil
}

func setDefault(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

// WorkerID is the store-facing identity of a worker index.
func WorkerID(workerIndex int) string {
	return fmt.Sprintf("Worker-%d", workerIndex)
}

// Stats returns the cumulative counters.
func (w *Worker) Stats() Stats {
	return Stats{Processed: w.processed.Load(), Succeeded: w.succeeded.Load(), Failed: w.failed.Load()}
}

// runState is shared between the loop and the heartbeat of one run.
type runState struct {
	mu        sync.Mutex
	current   *lstore.Rollout
	processed int
	succeeded int
	failed    int
}

func (s *runState) setCurrent(r *lstore.Rollout) {
	s.mu.Lock()
	s.current = r
	s.mu.Unlock()
}

func (s *runState) record(status lstore.AttemptStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed++
	if status == lstore.AttemptSucceeded {
		s.succeeded++
	} else {
		s.failed++
	}
}

// RunRunner runs the polling loop and the heartbeat until sig is observed at
// a poll boundary, MaxRollouts is reached, or ctx is cancelled (in which case
// ctx.Err() is returned). A failing rollout never stops the loop.
func (w *Worker) RunRunner(ctx context.Context, st lstore.Store, workerIndex int, sig lsignal.Signal) error {
	workerID := WorkerID(workerIndex)
	log := w.log.With("worker_id", workerID)

	tracer, shutdown := w.tracer(st, log)
	defer shutdown()

	state := &runState{}
	loopDone := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(loopDone)
		return w.loop(gctx, st, workerID, sig, tracer, state, log)
	})
	g.Go(func() error {
		w.heartbeatLoop(gctx, st, workerID, state, loopDone, log)
		return nil
	})
	err := g.Wait()
	log.Infof("Runner stopped after %d rollouts (%d succeeded, %d failed)", state.processed, state.succeeded, state.failed)
	return err
}

func (w *Worker) tracer(st lstore.Store, log llog.Logger) (oteltrace.Tracer, func()) {
	if w.cfg.TracerProvider != nil {
		return w.cfg.TracerProvider.GetTracer(intTracing.TracerName), func() {}
	}
	tp := intTracing.NewStoreProvider(st, log)
	return tp.GetTracer(intTracing.TracerName), func() {
		ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Warnf("Failed to flush rollout spans: %v", err)
		}
	}
}

func (w *Worker) loop(ctx context.Context, st lstore.Store, workerID string, sig lsignal.Signal, tracer oteltrace.Tracer, state *runState, log llog.Logger) error {
	executed := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if sig.IsSet() {
			log.Debugf("Stop signal observed at poll boundary")
			return nil
		}
		if w.cfg.MaxRollouts > 0 && executed >= w.cfg.MaxRollouts {
			log.Infof("Reached max rollouts (%d)", w.cfg.MaxRollouts)
			return nil
		}

		rollout, err := st.DequeueRollout(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warnf("Failed to dequeue rollout: %v", err)
			rollout = nil
		}
		if rollout == nil {
			w.pollSleep(ctx, sig)
			continue
		}

		if !w.claim(ctx, st, rollout, workerID, log) {
			continue
		}
		_, _ = w.execute(ctx, st, rollout, workerID, tracer, state, log)
		executed++
	}
}

// pollSleep waits a jittered poll interval as a series of short signal
// waits, returning early once sig fires or ctx is done.
func (w *Worker) pollSleep(ctx context.Context, sig lsignal.Signal) {
	deadline := time.Now().Add(w.jitter.Jittered(w.cfg.PollInterval, w.cfg.PollJitter, minPollInterval))
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 || ctx.Err() != nil {
			return
		}
		if remaining > w.cfg.SignalCheckInterval {
			remaining = w.cfg.SignalCheckInterval
		}
		if sig.Wait(remaining) {
			return
		}
	}
}

// claim marks the rollout's attempt as running on workerID.
func (w *Worker) claim(ctx context.Context, st lstore.Store, rollout *lstore.Rollout, workerID string, log llog.Logger) bool {
	if rollout.Attempt == nil {
		log.Warnf("Dequeued rollout %s has no active attempt; skipping", rollout.RolloutID)
		return false
	}
	running := lstore.AttemptRunning
	attempt, err := st.UpdateAttempt(ctx, rollout.RolloutID, rollout.Attempt.AttemptID, lstore.AttemptUpdate{
		Status:   &running,
		WorkerID: &workerID,
	})
	if err != nil {
		log.Warnf("Failed to claim rollout %s attempt %s: %v", rollout.RolloutID, rollout.Attempt.AttemptID, err)
		return false
	}
	rollout.Attempt = attempt
	rollout.Status = lstore.RolloutRunning
	return true
}

// execute runs the agent for one rollout inside a trace scope, reports the
// outcome and returns the agent's result and error.
func (w *Worker) execute(ctx context.Context, st lstore.Store, rollout *lstore.Rollout, workerID string, tracer oteltrace.Tracer, state *runState, log llog.Logger) (*Result, error) {
	start := time.Now()
	log = log.With("rollout_id", rollout.RolloutID)
	state.setCurrent(rollout)
	defer state.setCurrent(nil)

	w.bus.Emit(events.Event{Type: events.RolloutStarted, Role: string(v1.RoleRunner), WorkerID: workerID, RolloutID: rollout.RolloutID})
	hooks := w.cfg.Hooks

	runHooks(log, hooks, "OnTraceStart", rollout, func(h Hook) error { return h.OnTraceStart(ctx, rollout) })

	attrs := []attribute.KeyValue{
		intTracing.AttrRolloutID.String(rollout.RolloutID),
		intTracing.AttrWorkerID.String(workerID),
	}
	if rollout.Attempt != nil {
		attrs = append(attrs, intTracing.AttrAttemptID.String(rollout.Attempt.AttemptID))
	}
	spanCtx, span := tracer.Start(ctx, intTracing.RolloutSpanName, oteltrace.WithAttributes(attrs...))

	runHooks(log, hooks, "OnRolloutStart", rollout, func(h Hook) error { return h.OnRolloutStart(spanCtx, rollout) })
	result, rolloutErr := w.callAgent(spanCtx, rollout)
	runHooks(log, hooks, "OnRolloutEnd", rollout, func(h Hook) error { return h.OnRolloutEnd(spanCtx, rollout, result, rolloutErr) })

	status := lstore.AttemptSucceeded
	if rolloutErr != nil {
		status = lstore.AttemptFailed
		log.LogCtx(spanCtx, slog.LevelWarn, "Rollout failed", "error", rolloutErr.Error())
		intTracing.RecordErrorWithContext(span, rolloutErr)
	} else {
		if result != nil {
			span.SetAttributes(resultAttributes(result.Attributes)...)
			if result.Reward != nil {
				w.emitReward(spanCtx, tracer, attrs, *result.Reward)
			}
		}
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(intTracing.AttrStatus.String(string(status)))
	span.End()

	runHooks(log, hooks, "OnTraceEnd", rollout, func(h Hook) error { return h.OnTraceEnd(ctx, rollout) })

	w.report(ctx, st, rollout, status, rolloutErr, log)

	state.record(status)
	w.processed.Add(1)
	if status == lstore.AttemptSucceeded {
		w.succeeded.Add(1)
	} else {
		w.failed.Add(1)
	}
	w.bus.Emit(events.Event{
		Type:      events.RolloutFinished,
		Role:      string(v1.RoleRunner),
		WorkerID:  workerID,
		RolloutID: rollout.RolloutID,
		Payload: map[string]interface{}{
			"status":           string(status),
			"duration_seconds": time.Since(start).Seconds(),
		},
	})
	return result, rolloutErr
}

func (w *Worker) callAgent(ctx context.Context, rollout *lstore.Rollout) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("agent panicked: %v", r)
		}
	}()
	return w.cfg.Agent.Rollout(ctx, rollout)
}

func (w *Worker) emitReward(ctx context.Context, tracer oteltrace.Tracer, attrs []attribute.KeyValue, reward float64) {
	_, span := tracer.Start(ctx, intTracing.RewardSpanName, oteltrace.WithAttributes(attrs...))
	span.SetAttributes(intTracing.AttrReward.Float64(reward))
	span.End()
}

// resultAttributes converts agent attributes to span attributes. Values of
// other types are recorded in their fmt form.
func resultAttributes(m map[string]interface{}) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(m))
	for k, v := range m {
		key := attribute.Key(k)
		switch val := v.(type) {
		case string:
			out = append(out, key.String(val))
		case bool:
			out = append(out, key.Bool(val))
		case int:
			out = append(out, key.Int(val))
		case int64:
			out = append(out, key.Int64(val))
		case float64:
			out = append(out, key.Float64(val))
		default:
			out = append(out, key.String(fmt.Sprint(val)))
		}
	}
	return out
}

// report is best-effort: failures are logged, never returned.
func (w *Worker) report(ctx context.Context, st lstore.Store, rollout *lstore.Rollout, status lstore.AttemptStatus, rolloutErr error, log llog.Logger) {
	if rollout.Attempt == nil {
		return
	}
	update := lstore.AttemptUpdate{Status: &status}
	if rolloutErr != nil {
		update.Metadata = map[string]interface{}{"error": rolloutErr.Error()}
		if errors.Is(rolloutErr, context.Canceled) {
			update.Metadata["cancelled"] = true
		}
	}
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	if _, err := st.UpdateAttempt(reportCtx, rollout.RolloutID, rollout.Attempt.AttemptID, update); err != nil {
		log.Warnf("Failed to report status '%s' for attempt %s: %v", status, rollout.Attempt.AttemptID, err)
	}
}

// Step executes exactly one caller-supplied rollout on the calling
// goroutine. Unlike the loop, the agent's error is returned to the caller.
// When the rollout carries an attempt it is claimed and its status reported.
func (w *Worker) Step(ctx context.Context, st lstore.Store, workerIndex int, rollout *lstore.Rollout) (*Result, error) {
	if rollout == nil {
		return nil, lerrors.NewValidationError("step requires a rollout", nil)
	}
	workerID := WorkerID(workerIndex)
	log := w.log.With("worker_id", workerID)
	tracer, shutdown := w.tracer(st, log)
	defer shutdown()

	if rollout.Attempt != nil && !w.claim(ctx, st, rollout, workerID, log) {
		return nil, fmt.Errorf("failed to claim rollout %s", rollout.RolloutID)
	}
	return w.execute(ctx, st, rollout, workerID, tracer, &runState{}, log)
}
