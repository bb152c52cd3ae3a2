// Package baseline provides a batch algorithm and a demo agent so the
// lightning binary can run end to end without user code.
package baseline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gxo-labs/lightning/internal/logger"
	"github.com/gxo-labs/lightning/internal/paramutil"
	intTracing "github.com/gxo-labs/lightning/internal/tracing"
	v1 "github.com/gxo-labs/lightning/pkg/lightning/v1"
	lerrors "github.com/gxo-labs/lightning/pkg/lightning/v1/errors"
	llog "github.com/gxo-labs/lightning/pkg/lightning/v1/log"
	lsignal "github.com/gxo-labs/lightning/pkg/lightning/v1/signal"
	lstore "github.com/gxo-labs/lightning/pkg/lightning/v1/store"
)

// DefaultCheckInterval is how long a single wait on the store lasts before
// the algorithm looks at the stop signal again.
const DefaultCheckInterval = 100 * time.Millisecond

// MetadataTaskIndex records a rollout's position in the task list.
const MetadataTaskIndex = "task_index"

// BatchConfig configures a BatchAlgorithm.
type BatchConfig struct {
	Tasks []map[string]interface{}
	// WaitTimeout bounds the wait for all rollouts; zero waits until they
	// finish or the stop signal fires.
	WaitTimeout   time.Duration
	CheckInterval time.Duration
	Logger        llog.Logger
}

// Summary is the outcome of one batch.
type Summary struct {
	Total      int
	Succeeded  int
	Failed     int
	Unfinished int
	// Rewards maps rollout id to the reward recorded for it.
	Rewards map[string]float64
}

// MeanReward averages the recorded rewards. ok is false when none were
// recorded.
func (s Summary) MeanReward() (mean float64, ok bool) {
	if len(s.Rewards) == 0 {
		return 0, false
	}
	var sum float64
	for _, r := range s.Rewards {
		sum += r
	}
	return sum / float64(len(s.Rewards)), true
}

// BatchAlgorithm enqueues every task once, waits for the rollouts to finish
// and summarizes their rewards. It stops early when the signal fires.
type BatchAlgorithm struct {
	cfg BatchConfig
	log llog.Logger

	mu      sync.Mutex
	summary Summary
}

var _ v1.AlgorithmBundle = (*BatchAlgorithm)(nil)

// NewBatchAlgorithm requires at least one task.
func NewBatchAlgorithm(cfg BatchConfig) (*BatchAlgorithm, error) {
	if len(cfg.Tasks) == 0 {
		return nil, lerrors.NewConfigError("batch algorithm requires at least one task", nil)
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.WaitTimeout < 0 {
		return nil, lerrors.NewConfigError("wait timeout cannot be negative", nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefaultLogger("warn")
	}
	return &BatchAlgorithm{cfg: cfg, log: cfg.Logger.With("component", "batch_algorithm")}, nil
}

// Summary returns the outcome of the last run.
func (a *BatchAlgorithm) Summary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.summary
}

// RunAlgorithm implements v1.AlgorithmBundle.
func (a *BatchAlgorithm) RunAlgorithm(ctx context.Context, st lstore.Store, sig lsignal.Signal) error {
	ids := make([]string, 0, len(a.cfg.Tasks))
	for i, task := range a.cfg.Tasks {
		r, err := st.EnqueueRollout(ctx, task, map[string]interface{}{MetadataTaskIndex: i})
		if err != nil {
			return fmt.Errorf("failed to enqueue task %d: %w", i, err)
		}
		ids = append(ids, r.RolloutID)
	}
	a.log.Infof("Enqueued %d rollouts", len(ids))

	finished, waitErr := a.wait(ctx, st, ids, sig)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	summary := a.summarize(ctx, st, len(ids), finished)
	a.mu.Lock()
	a.summary = summary
	a.mu.Unlock()

	if mean, ok := summary.MeanReward(); ok {
		a.log.Infof("Batch done: %d succeeded, %d failed, %d unfinished, mean reward %.4f", summary.Succeeded, summary.Failed, summary.Unfinished, mean)
	} else {
		a.log.Infof("Batch done: %d succeeded, %d failed, %d unfinished", summary.Succeeded, summary.Failed, summary.Unfinished)
	}
	return waitErr
}

// wait polls for the rollouts in short slices so the stop signal is
// observed between them.
func (a *BatchAlgorithm) wait(ctx context.Context, st lstore.Store, ids []string, sig lsignal.Signal) ([]lstore.Rollout, error) {
	var deadline time.Time
	if a.cfg.WaitTimeout > 0 {
		deadline = time.Now().Add(a.cfg.WaitTimeout)
	}

	pending := ids
	var finished []lstore.Rollout
	for len(pending) > 0 {
		if sig.IsSet() {
			a.log.Warnf("Stop signal observed with %d rollouts still pending", len(pending))
			return finished, nil
		}
		slice := a.cfg.CheckInterval
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return finished, fmt.Errorf("timed out after %s with %d of %d rollouts unfinished", a.cfg.WaitTimeout, len(pending), len(ids))
			}
			slice = min(slice, remaining)
		}

		done, err := st.QueryOrWaitForRollouts(ctx, pending, slice)
		if err != nil {
			return finished, fmt.Errorf("failed to wait for rollouts: %w", err)
		}
		if len(done) == 0 {
			continue
		}
		finished = append(finished, done...)
		pending = without(pending, done)
	}
	return finished, nil
}

func (a *BatchAlgorithm) summarize(ctx context.Context, st lstore.Store, total int, finished []lstore.Rollout) Summary {
	s := Summary{Total: total, Rewards: make(map[string]float64)}
	for _, r := range finished {
		switch r.Status {
		case lstore.RolloutSucceeded:
			s.Succeeded++
		default:
			s.Failed++
		}
		reward, ok, err := rewardOf(ctx, st, r.RolloutID)
		if err != nil {
			a.log.Warnf("Failed to read reward of rollout %s: %v", r.RolloutID, err)
			continue
		}
		if ok {
			s.Rewards[r.RolloutID] = reward
		}
	}
	s.Unfinished = total - len(finished)
	return s
}

// rewardOf returns the reward recorded in the rollout's latest reward span.
func rewardOf(ctx context.Context, st lstore.Store, rolloutID string) (float64, bool, error) {
	spans, err := st.QuerySpans(ctx, rolloutID)
	if err != nil {
		return 0, false, err
	}
	for i := len(spans) - 1; i >= 0; i-- {
		if spans[i].Name != intTracing.RewardSpanName {
			continue
		}
		return paramutil.GetFloat(spans[i].Attributes, string(intTracing.AttrReward))
	}
	return 0, false, nil
}

func without(ids []string, done []lstore.Rollout) []string {
	finished := make(map[string]struct{}, len(done))
	for _, r := range done {
		finished[r.RolloutID] = struct{}{}
	}
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := finished[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
