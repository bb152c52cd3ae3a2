package store

import (
	"context"
	"sync"
	"time"

	lstore "github.com/gxo-labs/lightning/pkg/lightning/v1/store"
)

// DefaultWaitPollInterval is how often Synchronized re-queries the wrapped
// store while emulating QueryOrWaitForRollouts.
const DefaultWaitPollInterval = 10 * time.Millisecond

// Synchronized serializes every call into a store that is not safe for
// concurrent use. Blocking waits are turned into short non-blocking queries
// so the lock is never held while waiting.
type Synchronized struct {
	mu    sync.Mutex
	inner lstore.Store
	poll  time.Duration
}

// Compile-time check.
var _ lstore.Store = (*Synchronized)(nil)

// NewSynchronized wraps inner. Wrapping an already synchronized store returns
// it unchanged.
func NewSynchronized(inner lstore.Store) *Synchronized {
	if s, ok := inner.(*Synchronized); ok {
		return s
	}
	return &Synchronized{inner: inner, poll: DefaultWaitPollInterval}
}

// Unwrap returns the wrapped store.
func (s *Synchronized) Unwrap() lstore.Store { return s.inner }

// EnqueueRollout forwards to the wrapped store under the lock.
func (s *Synchronized) EnqueueRollout(ctx context.Context, input, metadata map[string]interface{}) (*lstore.Rollout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.EnqueueRollout(ctx, input, metadata)
}

func (s *Synchronized) DequeueRollout(ctx context.Context, workerID string) (*lstore.Rollout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.DequeueRollout(ctx, workerID)
}

func (s *Synchronized) UpdateAttempt(ctx context.Context, rolloutID, attemptID string, update lstore.AttemptUpdate) (*lstore.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.UpdateAttempt(ctx, rolloutID, attemptID, update)
}

func (s *Synchronized) UpdateWorker(ctx context.Context, workerID string, stats map[string]interface{}) (*lstore.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.UpdateWorker(ctx, workerID, stats)
}

func (s *Synchronized) AddSpan(ctx context.Context, span lstore.Span) (*lstore.Span, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.AddSpan(ctx, span)
}

func (s *Synchronized) QuerySpans(ctx context.Context, rolloutID string) ([]lstore.Span, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.QuerySpans(ctx, rolloutID)
}

// QueryOrWaitForRollouts polls the wrapped store with a zero timeout.
func (s *Synchronized) QueryOrWaitForRollouts(ctx context.Context, rolloutIDs []string, timeout time.Duration) ([]lstore.Rollout, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		s.mu.Lock()
		finished, err := s.inner.QueryOrWaitForRollouts(ctx, rolloutIDs, 0)
		s.mu.Unlock()
		if err != nil || len(finished) == len(rolloutIDs) || timeout == 0 {
			return finished, err
		}
		select {
		case <-ticker.C:
		case <-deadline:
			return finished, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
