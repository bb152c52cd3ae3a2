package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gxo-labs/lightning/internal/util"
	lstore "github.com/gxo-labs/lightning/pkg/lightning/v1/store"
)

// MemoryStore implements the Store interface with plain maps protected by a
// sync.Mutex. It is safe for concurrent use and volatile, suitable for a
// single control-plane process or for tests.
// All read operations return copies, so callers never share mutable state
// with the store.
type MemoryStore struct {
	mu       sync.Mutex
	rollouts map[string]*lstore.Rollout
	attempts map[string][]*lstore.Attempt
	queue    []string
	workers  map[string]*lstore.Worker
	spans    map[string][]lstore.Span
	// changed is closed and replaced whenever a rollout reaches a terminal state.
	changed chan struct{}
}

// Compile-time check.
var _ lstore.Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rollouts: make(map[string]*lstore.Rollout),
		attempts: make(map[string][]*lstore.Attempt),
		workers:  make(map[string]*lstore.Worker),
		spans:    make(map[string][]lstore.Span),
		changed:  make(chan struct{}),
	}
}

func newID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// EnqueueRollout appends a new queuing rollout.
func (s *MemoryStore) EnqueueRollout(_ context.Context, input, metadata map[string]interface{}) (*lstore.Rollout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := &lstore.Rollout{
		RolloutID: newID("ro-"),
		Input:     util.CopyMap(input),
		Status:    lstore.RolloutQueuing,
		StartTime: time.Now(),
		Metadata:  util.CopyMap(metadata),
	}
	s.rollouts[r.RolloutID] = r
	s.queue = append(s.queue, r.RolloutID)
	return s.copyRollout(r), nil
}

// DequeueRollout pops the oldest queuing rollout and starts a new attempt.
func (s *MemoryStore) DequeueRollout(_ context.Context, workerID string) (*lstore.Rollout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) > 0 {
		id := s.queue[0]
		s.queue = s.queue[1:]
		r, ok := s.rollouts[id]
		if !ok || r.Status != lstore.RolloutQueuing {
			continue
		}
		a := &lstore.Attempt{
			RolloutID:  id,
			AttemptID:  newID("at-"),
			SequenceID: len(s.attempts[id]) + 1,
			Status:     lstore.AttemptPreparing,
			StartTime:  time.Now(),
			Metadata:   map[string]interface{}{"dequeued_by": workerID},
		}
		s.attempts[id] = append(s.attempts[id], a)
		r.Status = lstore.RolloutPreparing
		return s.copyRollout(r), nil
	}
	return nil, nil
}

// UpdateAttempt applies update to an attempt of a known rollout.
func (s *MemoryStore) UpdateAttempt(_ context.Context, rolloutID, attemptID string, update lstore.AttemptUpdate) (*lstore.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rollouts[rolloutID]
	if !ok {
		return nil, fmt.Errorf("rollout '%s': %w", rolloutID, lstore.ErrNotFound)
	}
	var a *lstore.Attempt
	attempts := s.attempts[rolloutID]
	for _, candidate := range attempts {
		if candidate.AttemptID == attemptID {
			a = candidate
			break
		}
	}
	if a == nil {
		return nil, fmt.Errorf("attempt '%s' of rollout '%s': %w", attemptID, rolloutID, lstore.ErrNotFound)
	}

	if update.WorkerID != nil {
		a.WorkerID = *update.WorkerID
	}
	if update.HeartbeatTime != nil {
		hb := *update.HeartbeatTime
		a.LastHeartbeatTime = &hb
	}
	a.Metadata = util.MergeMap(a.Metadata, update.Metadata)

	if update.Status != nil && *update.Status != a.Status {
		a.Status = *update.Status
		latest := attempts[len(attempts)-1] == a
		switch {
		case a.Status.IsTerminal():
			now := time.Now()
			a.EndTime = &now
			if latest && !r.Status.IsTerminal() {
				r.Status = lstore.RolloutFailed
				if a.Status == lstore.AttemptSucceeded {
					r.Status = lstore.RolloutSucceeded
				}
				r.EndTime = &now
				s.notifyLocked()
			}
		case a.Status == lstore.AttemptRunning && latest && !r.Status.IsTerminal():
			r.Status = lstore.RolloutRunning
		}
	}
	return copyAttempt(a), nil
}

// UpdateWorker upserts the worker's liveness snapshot.
func (s *MemoryStore) UpdateWorker(_ context.Context, workerID string, stats map[string]interface{}) (*lstore.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[workerID]
	if !ok {
		w = &lstore.Worker{WorkerID: workerID}
		s.workers[workerID] = w
	}
	w.LastHeartbeatTime = time.Now()
	w.Stats = util.CopyMap(stats)
	cpy := *w
	cpy.Stats = util.CopyMap(w.Stats)
	return &cpy, nil
}

// AddSpan appends a span to a known rollout.
func (s *MemoryStore) AddSpan(_ context.Context, span lstore.Span) (*lstore.Span, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rollouts[span.RolloutID]; !ok {
		return nil, fmt.Errorf("rollout '%s': %w", span.RolloutID, lstore.ErrNotFound)
	}
	span.SequenceID = len(s.spans[span.RolloutID]) + 1
	span.Attributes = util.CopyMap(span.Attributes)
	s.spans[span.RolloutID] = append(s.spans[span.RolloutID], span)
	out := span
	out.Attributes = util.CopyMap(span.Attributes)
	return &out, nil
}

// QuerySpans returns copies of the spans recorded for a rollout.
func (s *MemoryStore) QuerySpans(_ context.Context, rolloutID string) ([]lstore.Span, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src := s.spans[rolloutID]
	out := make([]lstore.Span, len(src))
	for i, sp := range src {
		out[i] = sp
		out[i].Attributes = util.CopyMap(sp.Attributes)
	}
	return out, nil
}

// QueryOrWaitForRollouts blocks until every id is finished, timeout elapses
// or ctx is done. Unknown ids never count as finished.
func (s *MemoryStore) QueryOrWaitForRollouts(ctx context.Context, rolloutIDs []string, timeout time.Duration) ([]lstore.Rollout, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		s.mu.Lock()
		finished := s.finishedLocked(rolloutIDs)
		changed := s.changed
		s.mu.Unlock()

		if len(finished) == len(rolloutIDs) || timeout == 0 {
			return finished, nil
		}
		select {
		case <-changed:
		case <-deadline:
			return finished, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// GetRollout returns a copy of one rollout with its latest attempt.
func (s *MemoryStore) GetRollout(rolloutID string) (*lstore.Rollout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rollouts[rolloutID]
	if !ok {
		return nil, fmt.Errorf("rollout '%s': %w", rolloutID, lstore.ErrNotFound)
	}
	return s.copyRollout(r), nil
}

// GetWorker returns a copy of a worker's last snapshot.
func (s *MemoryStore) GetWorker(workerID string) (*lstore.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return nil, fmt.Errorf("worker '%s': %w", workerID, lstore.ErrNotFound)
	}
	cpy := *w
	cpy.Stats = util.CopyMap(w.Stats)
	return &cpy, nil
}

func (s *MemoryStore) finishedLocked(ids []string) []lstore.Rollout {
	out := make([]lstore.Rollout, 0, len(ids))
	for _, id := range ids {
		if r, ok := s.rollouts[id]; ok && r.Status.IsTerminal() {
			out = append(out, *s.copyRollout(r))
		}
	}
	return out
}

func (s *MemoryStore) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *MemoryStore) copyRollout(r *lstore.Rollout) *lstore.Rollout {
	cpy := *r
	cpy.Input = util.CopyMap(r.Input)
	cpy.Metadata = util.CopyMap(r.Metadata)
	if r.EndTime != nil {
		end := *r.EndTime
		cpy.EndTime = &end
	}
	cpy.Attempt = nil
	if attempts := s.attempts[r.RolloutID]; len(attempts) > 0 {
		cpy.Attempt = copyAttempt(attempts[len(attempts)-1])
	}
	return &cpy
}

func copyAttempt(a *lstore.Attempt) *lstore.Attempt {
	cpy := *a
	cpy.Metadata = util.CopyMap(a.Metadata)
	if a.EndTime != nil {
		end := *a.EndTime
		cpy.EndTime = &end
	}
	if a.LastHeartbeatTime != nil {
		hb := *a.LastHeartbeatTime
		cpy.LastHeartbeatTime = &hb
	}
	return &cpy
}
