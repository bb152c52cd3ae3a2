// Package store defines the task and trace store contract the algorithm and
// runners read and write, along with its data model.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a rollout or attempt id is unknown to the store.
var ErrNotFound = errors.New("not found")

// RolloutStatus is the lifecycle state of a rollout.
type RolloutStatus string

const (
	RolloutQueuing   RolloutStatus = "queuing"
	RolloutPreparing RolloutStatus = "preparing"
	RolloutRunning   RolloutStatus = "running"
	RolloutSucceeded RolloutStatus = "succeeded"
	RolloutFailed    RolloutStatus = "failed"
	RolloutCancelled RolloutStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are expected.
func (s RolloutStatus) IsTerminal() bool {
	switch s {
	case RolloutSucceeded, RolloutFailed, RolloutCancelled:
		return true
	}
	return false
}

// AttemptStatus is the lifecycle state of one execution try of a rollout.
type AttemptStatus string

const (
	AttemptPreparing AttemptStatus = "preparing"
	AttemptRunning   AttemptStatus = "running"
	AttemptSucceeded AttemptStatus = "succeeded"
	AttemptFailed    AttemptStatus = "failed"
)

// IsTerminal reports whether the attempt has finished.
func (s AttemptStatus) IsTerminal() bool {
	return s == AttemptSucceeded || s == AttemptFailed
}

// Rollout is one unit of work.
type Rollout struct {
	RolloutID string                 `json:"rollout_id"`
	Input     map[string]interface{} `json:"input,omitempty"`
	Status    RolloutStatus          `json:"status"`
	StartTime time.Time              `json:"start_time"`
	EndTime   *time.Time             `json:"end_time,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	// Attempt is the active attempt. DequeueRollout always populates it.
	Attempt *Attempt `json:"attempt,omitempty"`
}

// Attempt is one execution try of a rollout.
type Attempt struct {
	RolloutID         string                 `json:"rollout_id"`
	AttemptID         string                 `json:"attempt_id"`
	SequenceID        int                    `json:"sequence_id"`
	Status            AttemptStatus          `json:"status"`
	WorkerID          string                 `json:"worker_id,omitempty"`
	StartTime         time.Time              `json:"start_time"`
	EndTime           *time.Time             `json:"end_time,omitempty"`
	LastHeartbeatTime *time.Time             `json:"last_heartbeat_time,omitempty"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
}

// AttemptUpdate carries the optional fields of UpdateAttempt. Nil fields are
// left unchanged; Metadata keys are merged.
type AttemptUpdate struct {
	Status        *AttemptStatus         `json:"status,omitempty"`
	WorkerID      *string                `json:"worker_id,omitempty"`
	HeartbeatTime *time.Time             `json:"heartbeat_time,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// Worker is the liveness snapshot of one runner.
type Worker struct {
	WorkerID          string                 `json:"worker_id"`
	LastHeartbeatTime time.Time              `json:"last_heartbeat_time"`
	Stats             map[string]interface{} `json:"stats,omitempty"`
}

// Span is one recorded execution span tied to a rollout attempt.
type Span struct {
	RolloutID  string                 `json:"rollout_id"`
	AttemptID  string                 `json:"attempt_id"`
	SequenceID int                    `json:"sequence_id"`
	TraceID    string                 `json:"trace_id"`
	SpanID     string                 `json:"span_id"`
	ParentID   string                 `json:"parent_id,omitempty"`
	Name       string                 `json:"name"`
	StartTime  time.Time              `json:"start_time"`
	EndTime    time.Time              `json:"end_time"`
	StatusCode string                 `json:"status_code,omitempty"`
	StatusText string                 `json:"status_text,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Store is the durable queue and record keeper shared by the algorithm and
// the runners. Implementations used directly by several goroutines must be
// safe for concurrent use, or be wrapped before being handed out.
type Store interface {
	// EnqueueRollout appends a new rollout to the queue.
	EnqueueRollout(ctx context.Context, input, metadata map[string]interface{}) (*Rollout, error)
	// DequeueRollout pops the next queued rollout for workerID and creates a
	// new attempt for it. It returns (nil, nil) when the queue is empty.
	DequeueRollout(ctx context.Context, workerID string) (*Rollout, error)
	// UpdateAttempt applies update to the attempt. A terminal status also
	// finishes the rollout.
	UpdateAttempt(ctx context.Context, rolloutID, attemptID string, update AttemptUpdate) (*Attempt, error)
	// UpdateWorker records a heartbeat with the given stats.
	UpdateWorker(ctx context.Context, workerID string, stats map[string]interface{}) (*Worker, error)
	// AddSpan stores a span. The sequence id is assigned by the store.
	AddSpan(ctx context.Context, span Span) (*Span, error)
	// QuerySpans returns the spans recorded for a rollout in insertion order.
	QuerySpans(ctx context.Context, rolloutID string) ([]Span, error)
	// QueryOrWaitForRollouts returns the finished subset of rolloutIDs,
	// blocking until all of them are finished, timeout elapses or ctx is done.
	// A timeout of 0 returns immediately.
	QueryOrWaitForRollouts(ctx context.Context, rolloutIDs []string, timeout time.Duration) ([]Rollout, error)
}
