package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gxo-labs/lightning/internal/store"
	lstore "github.com/gxo-labs/lightning/pkg/lightning/v1/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 2 * time.Second

func statusPtr(s lstore.AttemptStatus) *lstore.AttemptStatus { return &s }
func strPtr(s string) *string { return &s }

func TestMemoryStore_EnqueueDequeueFIFO(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	first, err := st.EnqueueRollout(ctx, map[string]interface{}{"n": 1}, nil)
	require.NoError(t, err)
	second, err := st.EnqueueRollout(ctx, map[string]interface{}{"n": 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, lstore.RolloutQueuing, first.Status)
	assert.NotEqual(t, first.RolloutID, second.RolloutID)

	got, err := st.DequeueRollout(ctx, "Worker-0")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.RolloutID, got.RolloutID)
	require.NotNil(t, got.Attempt)
	assert.Equal(t, lstore.AttemptPreparing, got.Attempt.Status)
	assert.Equal(t, 1, got.Attempt.SequenceID)

	got, err = st.DequeueRollout(ctx, "Worker-0")
	require.NoError(t, err)
	assert.Equal(t, second.RolloutID, got.RolloutID)

	got, err = st.DequeueRollout(ctx, "Worker-0")
	require.NoError(t, err)
	assert.Nil(t, got, "empty queue yields no rollout and no error")
}

func TestMemoryStore_UpdateAttemptLifecycle(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	_, err := st.EnqueueRollout(ctx, nil, nil)
	require.NoError(t, err)
	r, err := st.DequeueRollout(ctx, "Worker-3")
	require.NoError(t, err)

	a, err := st.UpdateAttempt(ctx, r.RolloutID, r.Attempt.AttemptID, lstore.AttemptUpdate{
		Status:   statusPtr(lstore.AttemptRunning),
		WorkerID: strPtr("Worker-3"),
	})
	require.NoError(t, err)
	assert.Equal(t, "Worker-3", a.WorkerID)

	current, err := st.GetRollout(r.RolloutID)
	require.NoError(t, err)
	assert.Equal(t, lstore.RolloutRunning, current.Status)

	_, err = st.UpdateAttempt(ctx, r.RolloutID, r.Attempt.AttemptID, lstore.AttemptUpdate{
		Status:   statusPtr(lstore.AttemptFailed),
		Metadata: map[string]interface{}{"error": "boom"},
	})
	require.NoError(t, err)

	current, err = st.GetRollout(r.RolloutID)
	require.NoError(t, err)
	assert.Equal(t, lstore.RolloutFailed, current.Status)
	require.NotNil(t, current.EndTime)
	assert.Equal(t, "boom", current.Attempt.Metadata["error"])
}

func TestMemoryStore_UpdateAttemptNotFound(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	_, err := st.UpdateAttempt(ctx, "ro-missing", "at-missing", lstore.AttemptUpdate{})
	assert.True(t, errors.Is(err, lstore.ErrNotFound))

	r, err := st.EnqueueRollout(ctx, nil, nil)
	require.NoError(t, err)
	_, err = st.UpdateAttempt(ctx, r.RolloutID, "at-missing", lstore.AttemptUpdate{})
	assert.True(t, errors.Is(err, lstore.ErrNotFound))
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	input := map[string]interface{}{"nested": map[string]interface{}{"k": "v"}}
	r, err := st.EnqueueRollout(ctx, input, nil)
	require.NoError(t, err)

	input["nested"].(map[string]interface{})["k"] = "mutated"
	r.Input["nested"].(map[string]interface{})["k"] = "mutated"

	fresh, err := st.GetRollout(r.RolloutID)
	require.NoError(t, err)
	assert.Equal(t, "v", fresh.Input["nested"].(map[string]interface{})["k"])
}

func TestMemoryStore_SpansAndWorkers(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	r, err := st.EnqueueRollout(ctx, nil, nil)
	require.NoError(t, err)

	_, err = st.AddSpan(ctx, lstore.Span{RolloutID: "ro-missing", Name: "x"})
	assert.True(t, errors.Is(err, lstore.ErrNotFound))

	sp, err := st.AddSpan(ctx, lstore.Span{RolloutID: r.RolloutID, Name: "a"})
	require.NoError(t, err)
	assert.Equal(t, 1, sp.SequenceID)
	sp, err = st.AddSpan(ctx, lstore.Span{RolloutID: r.RolloutID, Name: "b"})
	require.NoError(t, err)
	assert.Equal(t, 2, sp.SequenceID)

	spans, err := st.QuerySpans(ctx, r.RolloutID)
	require.NoError(t, err)
	require.Len(t, spans, 2)
	assert.Equal(t, "a", spans[0].Name)

	w, err := st.UpdateWorker(ctx, "Worker-0", map[string]interface{}{"processed": 3})
	require.NoError(t, err)
	assert.Equal(t, 3, w.Stats["processed"])
	assert.False(t, w.LastHeartbeatTime.IsZero())
}

func TestMemoryStore_QueryOrWaitForRollouts(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	_, err := st.EnqueueRollout(ctx, nil, nil)
	require.NoError(t, err)
	r, err := st.DequeueRollout(ctx, "Worker-0")
	require.NoError(t, err)

	finished, err := st.QueryOrWaitForRollouts(ctx, []string{r.RolloutID}, 0)
	require.NoError(t, err)
	assert.Empty(t, finished)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = st.UpdateAttempt(ctx, r.RolloutID, r.Attempt.AttemptID, lstore.AttemptUpdate{
			Status: statusPtr(lstore.AttemptSucceeded),
		})
	}()
	finished, err = st.QueryOrWaitForRollouts(ctx, []string{r.RolloutID}, testTimeout)
	require.NoError(t, err)
	require.Len(t, finished, 1)
	assert.Equal(t, lstore.RolloutSucceeded, finished[0].Status)
}

func TestMemoryStore_QueryOrWaitTimesOutAndCancels(t *testing.T) {
	st := store.NewMemoryStore()
	r, err := st.EnqueueRollout(context.Background(), nil, nil)
	require.NoError(t, err)

	start := time.Now()
	finished, err := st.QueryOrWaitForRollouts(context.Background(), []string{r.RolloutID}, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, finished)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = st.QueryOrWaitForRollouts(ctx, []string{r.RolloutID}, -1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSynchronized_DelegatesAndWaits(t *testing.T) {
	ctx := context.Background()
	inner := store.NewMemoryStore()
	st := store.NewSynchronized(inner)
	assert.Same(t, st, store.NewSynchronized(st), "double wrapping returns the same wrapper")
	assert.Same(t, inner, st.Unwrap())

	_, err := st.EnqueueRollout(ctx, nil, nil)
	require.NoError(t, err)
	r, err := st.DequeueRollout(ctx, "Worker-0")
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = st.UpdateAttempt(ctx, r.RolloutID, r.Attempt.AttemptID, lstore.AttemptUpdate{
			Status: statusPtr(lstore.AttemptSucceeded),
		})
	}()
	finished, err := st.QueryOrWaitForRollouts(ctx, []string{r.RolloutID}, testTimeout)
	require.NoError(t, err)
	assert.Len(t, finished, 1)
}
