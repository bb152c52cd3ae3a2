// Package signal provides the in-process and cross-process implementations of
// the cooperative cancellation signal.
package signal

import (
	"sync"
	"time"

	lsignal "github.com/gxo-labs/lightning/pkg/lightning/v1/signal"
)

// ThreadSignal is a Signal shared by goroutines of one process. The flag is a
// channel that is closed on Set and replaced on Clear, so waiters can select
// on it directly through Done.
type ThreadSignal struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

// Compile-time check.
var _ lsignal.Signal = (*ThreadSignal)(nil)

// NewThreadSignal returns an unset signal.
func NewThreadSignal() *ThreadSignal {
	return &ThreadSignal{ch: make(chan struct{})}
}

// Set raises the flag. Subsequent calls are no-ops.
func (s *ThreadSignal) Set() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		s.set = true
		close(s.ch)
	}
}

// Clear lowers the flag. Channels obtained from Done before Clear stay closed.
func (s *ThreadSignal) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set {
		s.set = false
		s.ch = make(chan struct{})
	}
}

// IsSet reports whether the flag is raised.
func (s *ThreadSignal) IsSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

// Done returns a channel that is closed once the flag is raised.
func (s *ThreadSignal) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// Wait blocks until the flag is raised or timeout elapses.
func (s *ThreadSignal) Wait(timeout time.Duration) bool {
	done := s.Done()
	if timeout < 0 {
		<-done
		return true
	}
	if timeout == 0 {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
