package runner_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gxo-labs/lightning/internal/logger"
	"github.com/gxo-labs/lightning/internal/runner"
	intSignal "github.com/gxo-labs/lightning/internal/signal"
	"github.com/gxo-labs/lightning/internal/store"
	"github.com/gxo-labs/lightning/internal/tracing"
	lerrors "github.com/gxo-labs/lightning/pkg/lightning/v1/errors"
	lstore "github.com/gxo-labs/lightning/pkg/lightning/v1/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

func newWorker(t *testing.T, agent runner.Agent, mutate func(*runner.Config)) *runner.Worker {
	t.Helper()
	cfg := runner.Config{
		Agent:               agent,
		PollInterval:        10 * time.Millisecond,
		PollJitter:          time.Millisecond,
		SignalCheckInterval: 5 * time.Millisecond,
		Logger:              logger.NewNopLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	w, err := runner.New(cfg)
	require.NoError(t, err)
	return w
}

func enqueue(t *testing.T, st lstore.Store, input map[string]interface{}) *lstore.Rollout {
	t.Helper()
	r, err := st.EnqueueRollout(context.Background(), input, nil)
	require.NoError(t, err)
	return r
}

func reward(v float64) *float64 { return &v }

// scriptedAgent fails rollouts whose input carries "fail" and rewards the rest.
var scriptedAgent = runner.AgentFunc(func(_ context.Context, r *lstore.Rollout) (*runner.Result, error) {
	if fail, _ := r.Input["fail"].(bool); fail {
		return nil, errors.New("boom")
	}
	return &runner.Result{Reward: reward(1.0)}, nil
})

func TestNew_RequiresAgent(t *testing.T) {
	_, err := runner.New(runner.Config{})
	var cfgErr *lerrors.ConfigError
	assert.ErrorAs(t, err, &cfgErr)

	_, err = runner.New(runner.Config{Agent: scriptedAgent, MaxRollouts: -1})
	assert.ErrorAs(t, err, &cfgErr)
}

func TestWorker_FailingRolloutDoesNotStopLoop(t *testing.T) {
	st := store.NewMemoryStore()
	bad := enqueue(t, st, map[string]interface{}{"fail": true})
	good := enqueue(t, st, map[string]interface{}{"fail": false})
	w := newWorker(t, scriptedAgent, func(c *runner.Config) { c.MaxRollouts = 2 })

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, w.RunRunner(ctx, st, 0, intSignal.NewThreadSignal()))

	failed, err := st.GetRollout(bad.RolloutID)
	require.NoError(t, err)
	assert.Equal(t, lstore.RolloutFailed, failed.Status)
	require.NotNil(t, failed.Attempt)
	assert.Equal(t, lstore.AttemptFailed, failed.Attempt.Status)
	assert.Equal(t, "Worker-0", failed.Attempt.WorkerID)
	assert.Equal(t, "boom", failed.Attempt.Metadata["error"])

	succeeded, err := st.GetRollout(good.RolloutID)
	require.NoError(t, err)
	assert.Equal(t, lstore.RolloutSucceeded, succeeded.Status)

	spans, err := st.QuerySpans(ctx, good.RolloutID)
	require.NoError(t, err)
	require.Len(t, spans, 2)
	assert.Equal(t, tracing.RewardSpanName, spans[0].Name)
	assert.Equal(t, 1.0, spans[0].Attributes[string(tracing.AttrReward)])
	assert.Equal(t, tracing.RolloutSpanName, spans[1].Name)

	assert.Equal(t, runner.Stats{Processed: 2, Succeeded: 1, Failed: 1}, w.Stats())
}

type recordingHook struct {
	runner.BaseHook
	mu     sync.Mutex
	phases []string
}

func (h *recordingHook) add(phase string) {
	h.mu.Lock()
	h.phases = append(h.phases, phase)
	h.mu.Unlock()
}

func (h *recordingHook) OnTraceStart(context.Context, *lstore.Rollout) error {
	h.add("trace_start")
	return errors.New("hook failure")
}

func (h *recordingHook) OnRolloutStart(context.Context, *lstore.Rollout) error {
	h.add("rollout_start")
	panic("hook panic")
}

func (h *recordingHook) OnRolloutEnd(_ context.Context, _ *lstore.Rollout, result *runner.Result, err error) error {
	h.add("rollout_end")
	return nil
}

func (h *recordingHook) OnTraceEnd(context.Context, *lstore.Rollout) error {
	h.add("trace_end")
	return nil
}

func TestWorker_HookFailuresAreIgnored(t *testing.T) {
	st := store.NewMemoryStore()
	r := enqueue(t, st, nil)
	hook := &recordingHook{}
	w := newWorker(t, scriptedAgent, func(c *runner.Config) {
		c.MaxRollouts = 1
		c.Hooks = []runner.Hook{hook}
	})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, w.RunRunner(ctx, st, 3, intSignal.NewThreadSignal()))

	got, err := st.GetRollout(r.RolloutID)
	require.NoError(t, err)
	assert.Equal(t, lstore.RolloutSucceeded, got.Status)
	assert.Equal(t, "Worker-3", got.Attempt.WorkerID)
	assert.Equal(t, []string{"trace_start", "rollout_start", "rollout_end", "trace_end"}, hook.phases)
}

func TestWorker_StopsPromptlyOnSignal(t *testing.T) {
	st := store.NewMemoryStore()
	w := newWorker(t, scriptedAgent, func(c *runner.Config) { c.PollInterval = time.Hour })
	sig := intSignal.NewThreadSignal()

	done := make(chan error, 1)
	go func() { done <- w.RunRunner(context.Background(), st, 0, sig) }()

	time.Sleep(50 * time.Millisecond)
	sig.Set()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("runner did not observe the stop signal")
	}
}

func TestWorker_CancelReturnsContextError(t *testing.T) {
	st := store.NewMemoryStore()
	r := enqueue(t, st, nil)
	started := make(chan struct{})
	agent := runner.AgentFunc(func(ctx context.Context, _ *lstore.Rollout) (*runner.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	w := newWorker(t, agent, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.RunRunner(ctx, st, 0, intSignal.NewThreadSignal()) }()

	select {
	case <-started:
	case <-time.After(testTimeout):
		t.Fatal("rollout never started")
	}
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(testTimeout):
		t.Fatal("runner did not stop after cancellation")
	}

	got, err := st.GetRollout(r.RolloutID)
	require.NoError(t, err)
	assert.Equal(t, lstore.RolloutFailed, got.Status)
	assert.Equal(t, true, got.Attempt.Metadata["cancelled"])
}

func TestWorker_HeartbeatReportsInFlightAttempt(t *testing.T) {
	st := store.NewMemoryStore()
	r := enqueue(t, st, nil)
	release := make(chan struct{})
	agent := runner.AgentFunc(func(context.Context, *lstore.Rollout) (*runner.Result, error) {
		<-release
		return &runner.Result{}, nil
	})
	w := newWorker(t, agent, func(c *runner.Config) {
		c.MaxRollouts = 1
		c.HeartbeatInterval = 10 * time.Millisecond
		c.HeartbeatJitter = time.Millisecond
	})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.RunRunner(ctx, st, 1, intSignal.NewThreadSignal()) }()

	require.Eventually(t, func() bool {
		got, err := st.GetRollout(r.RolloutID)
		return err == nil && got.Attempt != nil && got.Attempt.LastHeartbeatTime != nil
	}, testTimeout, 5*time.Millisecond)

	worker, err := st.GetWorker("Worker-1")
	require.NoError(t, err)
	assert.False(t, worker.LastHeartbeatTime.IsZero())
	assert.Contains(t, worker.Stats, "processed")

	close(release)
	require.NoError(t, <-done)
}

func TestWorker_StepPropagatesError(t *testing.T) {
	st := store.NewMemoryStore()
	enqueue(t, st, map[string]interface{}{"fail": true})
	ctx := context.Background()
	rollout, err := st.DequeueRollout(ctx, "manual")
	require.NoError(t, err)

	w := newWorker(t, scriptedAgent, nil)
	_, err = w.Step(ctx, st, 0, rollout)
	assert.EqualError(t, err, "boom")

	got, err := st.GetRollout(rollout.RolloutID)
	require.NoError(t, err)
	assert.Equal(t, lstore.RolloutFailed, got.Status)

	result, err := w.Step(ctx, st, 0, &lstore.Rollout{RolloutID: "detached"})
	require.NoError(t, err)
	require.NotNil(t, result.Reward)
	assert.Equal(t, 1.0, *result.Reward)
}

// flakyStore fails the first claim and the first terminal report it sees.
type flakyStore struct {
	lstore.Store
	mu           sync.Mutex
	claimFailed  bool
	reportFailed bool
}

func (s *flakyStore) UpdateAttempt(ctx context.Context, rolloutID, attemptID string, update lstore.AttemptUpdate) (*lstore.Attempt, error) {
	s.mu.Lock()
	var fail bool
	switch {
	case update.Status == nil:
	case *update.Status == lstore.AttemptRunning && !s.claimFailed:
		s.claimFailed, fail = true, true
	case update.Status.IsTerminal() && !s.reportFailed:
		s.reportFailed, fail = true, true
	}
	s.mu.Unlock()
	if fail {
		return nil, errors.New("store unavailable")
	}
	return s.Store.UpdateAttempt(ctx, rolloutID, attemptID, update)
}

func TestWorker_StoreFailuresAreLoggedNotRaised(t *testing.T) {
	mem := store.NewMemoryStore()
	unclaimed := enqueue(t, mem, map[string]interface{}{"n": 1})
	unreported := enqueue(t, mem, map[string]interface{}{"n": 2})
	completed := enqueue(t, mem, map[string]interface{}{"n": 3})

	var mu sync.Mutex
	var seen []string
	agent := runner.AgentFunc(func(_ context.Context, r *lstore.Rollout) (*runner.Result, error) {
		mu.Lock()
		seen = append(seen, r.RolloutID)
		mu.Unlock()
		return &runner.Result{Reward: reward(1.0)}, nil
	})
	w := newWorker(t, agent, func(c *runner.Config) { c.MaxRollouts = 2 })

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, w.RunRunner(ctx, &flakyStore{Store: mem}, 0, intSignal.NewThreadSignal()))

	// The rollout whose claim failed is skipped and the loop keeps dequeuing.
	assert.Equal(t, []string{unreported.RolloutID, completed.RolloutID}, seen)
	got, err := mem.GetRollout(unclaimed.RolloutID)
	require.NoError(t, err)
	require.NotNil(t, got.Attempt)
	assert.Equal(t, lstore.AttemptPreparing, got.Attempt.Status)

	// A lost report leaves the attempt running in the store.
	got, err = mem.GetRollout(unreported.RolloutID)
	require.NoError(t, err)
	assert.Equal(t, lstore.AttemptRunning, got.Attempt.Status)

	got, err = mem.GetRollout(completed.RolloutID)
	require.NoError(t, err)
	assert.Equal(t, lstore.RolloutSucceeded, got.Status)
	assert.Equal(t, lstore.AttemptSucceeded, got.Attempt.Status)

	assert.Equal(t, runner.Stats{Processed: 2, Succeeded: 2}, w.Stats())
}
