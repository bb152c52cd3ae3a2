package runner

import (
	"context"
	"fmt"

	llog "github.com/gxo-labs/lightning/pkg/lightning/v1/log"
	lstore "github.com/gxo-labs/lightning/pkg/lightning/v1/store"
)

// Hook observes the lifecycle of every rollout a Worker executes.
//
// OnTraceStart and OnTraceEnd run outside the rollout span; OnRolloutStart
// and OnRolloutEnd run inside it. Errors (and panics) returned by a hook are
// logged and otherwise ignored: a hook can never fail a rollout or stop the
// loop.
type Hook interface {
	OnTraceStart(ctx context.Context, rollout *lstore.Rollout) error
	OnRolloutStart(ctx context.Context, rollout *lstore.Rollout) error
	// OnRolloutEnd receives the agent's result and error.
	OnRolloutEnd(ctx context.Context, rollout *lstore.Rollout, result *Result, rolloutErr error) error
	OnTraceEnd(ctx context.Context, rollout *lstore.Rollout) error
}

// BaseHook implements Hook with no-ops; embed it to override a subset.
type BaseHook struct{}

// OnTraceStart does nothing.
func (BaseHook) OnTraceStart(context.Context, *lstore.Rollout) error { return nil }

func (BaseHook) OnRolloutStart(context.Context, *lstore.Rollout) error { return nil }

func (BaseHook) OnRolloutEnd(context.Context, *lstore.Rollout, *Result, error) error { return nil }

func (BaseHook) OnTraceEnd(context.Context, *lstore.Rollout) error { return nil }

// runHooks calls fn on every hook, logging failures.
func runHooks(log llog.Logger, hooks []Hook, phase string, rollout *lstore.Rollout, fn func(Hook) error) {
	for i, h := range hooks {
		if err := callHook(h, fn); err != nil {
			log.Warnf("Hook %d %s failed for rollout %s: %v", i, phase, rollout.RolloutID, err)
		}
	}
}

func callHook(h Hook, fn func(Hook) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panicked: %v", r)
		}
	}()
	return fn(h)
}
