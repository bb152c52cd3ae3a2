package signal_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gxo-labs/lightning/internal/signal"
	lsignal "github.com/gxo-labs/lightning/pkg/lightning/v1/signal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 2 * time.Second

// implementations returns a fresh instance of every Signal implementation so
// the shared contract is checked against each.
func implementations(t *testing.T) map[string]lsignal.Signal {
	t.Helper()
	ps, err := signal.NewProcessSignal(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ps.Close() })
	return map[string]lsignal.Signal{
		"thread":  signal.NewThreadSignal(),
		"process": ps,
	}
}

func TestSignal_SetIsIdempotent(t *testing.T) {
	for name, sig := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			assert.False(t, sig.IsSet())
			sig.Set()
			sig.Set()
			assert.True(t, sig.IsSet())
			assert.True(t, sig.Wait(0))
		})
	}
}

func TestSignal_ClearResets(t *testing.T) {
	for name, sig := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			sig.Set()
			sig.Clear()
			assert.False(t, sig.IsSet())
			assert.False(t, sig.Wait(20*time.Millisecond))
		})
	}
}

func TestSignal_WaitTimesOut(t *testing.T) {
	for name, sig := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			start := time.Now()
			assert.False(t, sig.Wait(30*time.Millisecond))
			assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
		})
	}
}

func TestSignal_SetWakesAllWaiters(t *testing.T) {
	for name, sig := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			const waiters = 4
			var wg sync.WaitGroup
			results := make(chan bool, waiters)
			for i := 0; i < waiters; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					results <- sig.Wait(lsignal.NoTimeout)
				}()
			}
			time.Sleep(20 * time.Millisecond)
			sig.Set()

			done := make(chan struct{})
			go func() { wg.Wait(); close(done) }()
			select {
			case <-done:
			case <-time.After(testTimeout):
				t.Fatal("waiters were not woken")
			}
			close(results)
			for r := range results {
				assert.True(t, r)
			}
		})
	}
}

func TestProcessSignal_SharedBetweenMappings(t *testing.T) {
	owner, err := signal.NewProcessSignal(t.TempDir())
	require.NoError(t, err)
	defer owner.Close()

	child, err := signal.OpenProcessSignal(owner.Path())
	require.NoError(t, err)
	defer child.Close()

	assert.False(t, child.IsSet())
	owner.Set()
	assert.True(t, child.Wait(testTimeout))

	child.Clear()
	assert.False(t, owner.IsSet())
}

func TestProcessSignal_CloseRemovesFileForOwner(t *testing.T) {
	owner, err := signal.NewProcessSignal(t.TempDir())
	require.NoError(t, err)
	path := owner.Path()
	require.FileExists(t, path)

	require.NoError(t, owner.Close())
	assert.NoFileExists(t, path)
	assert.NoError(t, owner.Close(), "Close should be idempotent")
}

func TestOpenProcessSignal_MissingFile(t *testing.T) {
	_, err := signal.OpenProcessSignal(t.TempDir() + "/missing")
	assert.Error(t, err)
}

func TestThreadSignal_DoneChannel(t *testing.T) {
	sig := signal.NewThreadSignal()
	done := sig.Done()
	sig.Set()
	select {
	case <-done:
	default:
		t.Fatal("Done channel should be closed after Set")
	}
	sig.Clear()
	select {
	case <-sig.Done():
		t.Fatal("Done channel should be open after Clear")
	default:
	}
}

func TestFired(t *testing.T) {
	for name, sig := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			ch := signal.Fired(ctx, sig, 5*time.Millisecond)
			go func() {
				time.Sleep(10 * time.Millisecond)
				sig.Set()
			}()
			select {
			case <-ch:
			case <-time.After(testTimeout):
				t.Fatal("Fired channel was not closed")
			}
		})
	}
}
