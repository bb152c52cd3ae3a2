package baseline_test

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/gxo-labs/lightning/internal/baseline"
	"github.com/gxo-labs/lightning/internal/logger"
	"github.com/gxo-labs/lightning/internal/runner"
	intSignal "github.com/gxo-labs/lightning/internal/signal"
	"github.com/gxo-labs/lightning/internal/store"
	"github.com/gxo-labs/lightning/internal/strategy"
	lerrors "github.com/gxo-labs/lightning/pkg/lightning/v1/errors"
	lstore "github.com/gxo-labs/lightning/pkg/lightning/v1/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 10 * time.Second

func rollout(input map[string]interface{}) *lstore.Rollout {
	return &lstore.Rollout{RolloutID: "ro-test", Input: input}
}

func newAlgorithm(t *testing.T, tasks []map[string]interface{}, mutate func(*baseline.BatchConfig)) *baseline.BatchAlgorithm {
	t.Helper()
	cfg := baseline.BatchConfig{Tasks: tasks, CheckInterval: 10 * time.Millisecond, Logger: logger.NewNopLogger()}
	if mutate != nil {
		mutate(&cfg)
	}
	alg, err := baseline.NewBatchAlgorithm(cfg)
	require.NoError(t, err)
	return alg
}

func TestDemoAgent_Rewards(t *testing.T) {
	agent := baseline.NewDemoAgent(logger.NewNopLogger())
	ctx := context.Background()

	res, err := agent.Rollout(ctx, rollout(map[string]interface{}{"prompt": "hi"}))
	require.NoError(t, err)
	require.NotNil(t, res.Reward)
	assert.Equal(t, 1.0, *res.Reward)

	res, err = agent.Rollout(ctx, rollout(map[string]interface{}{"reward": 0.25}))
	require.NoError(t, err)
	assert.Equal(t, 0.25, *res.Reward)

	res, err = agent.Rollout(ctx, rollout(map[string]interface{}{"reward": 2}))
	require.NoError(t, err)
	assert.Equal(t, 2.0, *res.Reward)
}

func TestDemoAgent_Failures(t *testing.T) {
	agent := baseline.NewDemoAgent(logger.NewNopLogger())
	ctx := context.Background()

	_, err := agent.Rollout(ctx, rollout(map[string]interface{}{"fail": true, "error": "bad answer"}))
	assert.EqualError(t, err, "bad answer")

	var valErr *lerrors.ValidationError
	_, err = agent.Rollout(ctx, rollout(map[string]interface{}{"reward": 1, "command": "true"}))
	assert.ErrorAs(t, err, &valErr)

	_, err = agent.Rollout(ctx, rollout(map[string]interface{}{"reward": "high"}))
	assert.ErrorAs(t, err, &valErr)

	_, err = agent.Rollout(ctx, rollout(map[string]interface{}{"sleep": "soon"}))
	assert.ErrorAs(t, err, &valErr)
}

func TestDemoAgent_SleepHonorsCancellation(t *testing.T) {
	agent := baseline.NewDemoAgent(logger.NewNopLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := agent.Rollout(ctx, rollout(map[string]interface{}{"sleep": "1m"}))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDemoAgent_Command(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	agent := baseline.NewDemoAgent(logger.NewNopLogger())
	ctx := context.Background()

	res, err := agent.Rollout(ctx, rollout(map[string]interface{}{
		"command":       "/bin/sh",
		"args":          []interface{}{"-c", "echo 4"},
		"expect_stdout": "4",
	}))
	require.NoError(t, err)
	assert.Equal(t, 1.0, *res.Reward)
	assert.Equal(t, 0, res.Attributes["command.exit_code"])
	assert.Equal(t, "4", res.Attributes["command.stdout"])

	res, err = agent.Rollout(ctx, rollout(map[string]interface{}{
		"command":       "/bin/sh",
		"args":          []interface{}{"-c", "echo 5"},
		"expect_stdout": "4",
	}))
	require.NoError(t, err)
	assert.Equal(t, 0.0, *res.Reward)

	res, err = agent.Rollout(ctx, rollout(map[string]interface{}{
		"command": "/bin/sh",
		"args":    []interface{}{"-c", "exit 3"},
	}))
	require.NoError(t, err)
	assert.Equal(t, 0.0, *res.Reward)
	assert.Equal(t, 3, res.Attributes["command.exit_code"])

	_, err = agent.Rollout(ctx, rollout(map[string]interface{}{"command": "/nonexistent/binary"}))
	assert.Error(t, err)
}

func TestNewBatchAlgorithm_RequiresTasks(t *testing.T) {
	_, err := baseline.NewBatchAlgorithm(baseline.BatchConfig{})
	var cfgErr *lerrors.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestBatchAlgorithm_SharedMemoryEndToEnd(t *testing.T) {
	alg := newAlgorithm(t, []map[string]interface{}{
		{"reward": 0.5},
		{"fail": true},
		{"reward": 1.0, "sleep": "20ms"},
	}, nil)
	worker, err := runner.New(runner.Config{
		Agent:        baseline.NewDemoAgent(logger.NewNopLogger()),
		PollInterval: 10 * time.Millisecond,
		Logger:       logger.NewNopLogger(),
	})
	require.NoError(t, err)

	cfg := strategy.DefaultSharedMemoryConfig()
	cfg.NRunners = 2
	cfg.Logger = logger.NewNopLogger()
	s, err := strategy.NewSharedMemory(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, s.Execute(ctx, alg, worker, store.NewMemoryStore()))

	summary := alg.Summary()
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Zero(t, summary.Unfinished)
	mean, ok := summary.MeanReward()
	require.True(t, ok)
	assert.InDelta(t, 0.75, mean, 1e-9)
	assert.Equal(t, int64(3), worker.Stats().Processed)
}

func TestBatchAlgorithm_StopsWhenSignalled(t *testing.T) {
	alg := newAlgorithm(t, []map[string]interface{}{{"x": 1}, {"x": 2}}, nil)
	sig := intSignal.NewThreadSignal()
	time.AfterFunc(50*time.Millisecond, sig.Set)

	done := make(chan error, 1)
	go func() { done <- alg.RunAlgorithm(context.Background(), store.NewMemoryStore(), sig) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("algorithm ignored the stop signal")
	}
	assert.Equal(t, 2, alg.Summary().Unfinished)
}

func TestBatchAlgorithm_WaitTimeout(t *testing.T) {
	alg := newAlgorithm(t, []map[string]interface{}{{"x": 1}}, func(c *baseline.BatchConfig) {
		c.WaitTimeout = 50 * time.Millisecond
	})
	err := alg.RunAlgorithm(context.Background(), store.NewMemoryStore(), intSignal.NewThreadSignal())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Equal(t, 1, alg.Summary().Unfinished)
}
