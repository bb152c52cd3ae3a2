package runner

import (
	"context"
	"time"

	v1 "github.com/gxo-labs/lightning/pkg/lightning/v1"
	"github.com/gxo-labs/lightning/pkg/lightning/v1/events"
	llog "github.com/gxo-labs/lightning/pkg/lightning/v1/log"
	lstore "github.com/gxo-labs/lightning/pkg/lightning/v1/store"
)

// heartbeatLoop reports liveness for workerID until the polling loop exits
// or ctx is done. The first heartbeat is sent immediately.
func (w *Worker) heartbeatLoop(ctx context.Context, st lstore.Store, workerID string, state *runState, loopDone <-chan struct{}, log llog.Logger) {
	for {
		w.heartbeat(ctx, st, workerID, state, log)

		timer := time.NewTimer(w.jitter.Jittered(w.cfg.HeartbeatInterval, w.cfg.HeartbeatJitter, minPollInterval))
		select {
		case <-timer.C:
		case <-loopDone:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (w *Worker) heartbeat(ctx context.Context, st lstore.Store, workerID string, state *runState, log llog.Logger) {
	state.mu.Lock()
	stats := map[string]interface{}{
		"processed": state.processed,
		"succeeded": state.succeeded,
		"failed":    state.failed,
	}
	current := state.current
	state.mu.Unlock()
	if current != nil {
		stats["current_rollout_id"] = current.RolloutID
	}

	_, err := st.UpdateWorker(ctx, workerID, stats)
	if err != nil {
		log.Warnf("Heartbeat failed: %v", err)
	}
	if err == nil && current != nil && current.Attempt != nil {
		now := time.Now()
		if _, aerr := st.UpdateAttempt(ctx, current.RolloutID, current.Attempt.AttemptID, lstore.AttemptUpdate{HeartbeatTime: &now}); aerr != nil {
			log.Debugf("Attempt heartbeat for %s failed: %v", current.Attempt.AttemptID, aerr)
		}
	}
	w.bus.Emit(events.Event{
		Type:     events.WorkerHeartbeat,
		Role:     string(v1.RoleRunner),
		WorkerID: workerID,
		Payload:  map[string]interface{}{"ok": err == nil},
	})
}
