package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	lerrors "github.com/gxo-labs/lightning/pkg/lightning/v1/errors"
	llog "github.com/gxo-labs/lightning/pkg/lightning/v1/log"
)

// Operation is one attempt of a retried call.
type Operation func(ctx context.Context) error

// Config bounds a Do call: attempt count, delay growth and jitter.
type Config struct {
	Attempts      int
	Delay         time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        float64
	OnError       bool
	// Name prefixes log lines, e.g. the operation or endpoint being retried.
	Name string
}

// Helper owns the random source for jitter. It is safe for concurrent use.
type Helper struct {
	log        llog.Logger
	mu         sync.Mutex
	randSource *rand.Rand
}

// NewHelper returns a Helper seeded from the current time.
func NewHelper(log llog.Logger) *Helper {
	if log == nil {
		panic("retry.NewHelper requires a non-nil logger")
	}
	return &Helper{
		log:        log,
		randSource: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (h *Helper) float64() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.randSource.Float64()
}

// Jittered returns base shifted by a uniformly random amount in
// [-jitter, +jitter], never below floor.
func (h *Helper) Jittered(base, jitter, floor time.Duration) time.Duration {
	d := base
	if jitter > 0 {
		d += time.Duration(float64(jitter) * (h.float64()*2.0 - 1.0))
	}
	if d < floor {
		d = floor
	}
	return d
}

// Do runs op until it succeeds, the attempts run out or ctx is done. The
// last error is returned.
func (h *Helper) Do(ctx context.Context, cfg Config, op Operation) error {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if cfg.BackoffFactor < 1.0 {
		cfg.BackoffFactor = 1.0
	}
	if cfg.Jitter < 0.0 {
		cfg.Jitter = 0.0
	} else if cfg.Jitter > 1.0 {
		cfg.Jitter = 1.0
	}
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	if cfg.MaxDelay < 0 {
		cfg.MaxDelay = 0
	}

	var lastErr error
	logPrefix := ""
	if cfg.Name != "" {
		logPrefix = fmt.Sprintf("op=%s ", cfg.Name)
	}

	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if ctx.Err() != nil {
			if lastErr == nil {
				return ctx.Err()
			}
			return fmt.Errorf("retry cancelled after %d attempts with last error: %w (context: %w)", attempt-1, lastErr, ctx.Err())
		}

		err := op(ctx)
		lastErr = err
		if err == nil {
			if attempt > 1 {
				h.log.Debugf("%sOperation succeeded on attempt %d/%d", logPrefix, attempt, cfg.Attempts)
			}
			return nil
		}
		if attempt == cfg.Attempts || !cfg.OnError {
			break
		}

		currentBaseDelay := float64(cfg.Delay) * math.Pow(cfg.BackoffFactor, float64(attempt-1))
		if currentBaseDelay > float64(math.MaxInt64) {
			currentBaseDelay = float64(math.MaxInt64)
		}
		waitDelay := time.Duration(currentBaseDelay)
		if cfg.Jitter > 0.0 {
			waitDelay = h.Jittered(waitDelay, time.Duration(float64(waitDelay)*cfg.Jitter), 0)
		}
		if cfg.MaxDelay > 0 && waitDelay > cfg.MaxDelay {
			waitDelay = cfg.MaxDelay
		}

		h.log.Debugf("%sOperation failed on attempt %d/%d (retrying in %v): %v",
			logPrefix, attempt, cfg.Attempts, waitDelay.Truncate(time.Millisecond), err)

		timer := time.NewTimer(waitDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry delay cancelled after attempt %d with error: %w (context: %w)", attempt, lastErr, ctx.Err())
		}
	}

	if lastErr != nil {
		h.log.Warnf("%sOperation failed definitively after %d attempts: %v", logPrefix, cfg.Attempts, lastErr)
		return lastErr
	}
	return lerrors.NewConfigError("retry loop finished unexpectedly without success or error", nil)
}
