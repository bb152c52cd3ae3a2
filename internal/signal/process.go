package signal

import (
	"fmt"
	"os"
	"sync"
	"time"

	lsignal "github.com/gxo-labs/lightning/pkg/lightning/v1/signal"
)

// DefaultPollInterval is how often a ProcessSignal waiter re-reads the flag.
const DefaultPollInterval = 5 * time.Millisecond

// ProcessSignal is a Signal visible to every process that maps the same file.
// The creating process owns the file and removes it on Close; children attach
// with OpenProcessSignal using the path returned by Path.
type ProcessSignal struct {
	path         string
	owner        bool
	flag         *sharedFlag
	pollInterval time.Duration
	closeOnce    sync.Once
	closeErr     error
}

// Compile-time check.
var _ lsignal.Signal = (*ProcessSignal)(nil)

// NewProcessSignal creates a new unset signal backed by a file in dir. An
// empty dir uses os.TempDir.
func NewProcessSignal(dir string) (*ProcessSignal, error) {
	f, err := os.CreateTemp(dir, "lightning-signal-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create signal file: %w", err)
	}
	path := f.Name()
	_ = f.Close()

	flag, err := mapFlag(path, true)
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to map signal file '%s': %w", path, err)
	}
	return &ProcessSignal{path: path, owner: true, flag: flag, pollInterval: DefaultPollInterval}, nil
}

// OpenProcessSignal attaches to a signal created by another process.
func OpenProcessSignal(path string) (*ProcessSignal, error) {
	flag, err := mapFlag(path, false)
	if err != nil {
		return nil, fmt.Errorf("failed to map signal file '%s': %w", path, err)
	}
	return &ProcessSignal{path: path, flag: flag, pollInterval: DefaultPollInterval}, nil
}

// Path returns the location children pass to OpenProcessSignal.
func (s *ProcessSignal) Path() string { return s.path }

// Set raises the flag for every attached process.
func (s *ProcessSignal) Set() { s.flag.store(1) }

// Clear lowers the flag for every attached process.
func (s *ProcessSignal) Clear() { s.flag.store(0) }

// IsSet reports whether the flag is raised.
func (s *ProcessSignal) IsSet() bool { return s.flag.load() != 0 }

// Wait polls the flag every DefaultPollInterval until it is raised or
// timeout elapses.
func (s *ProcessSignal) Wait(timeout time.Duration) bool {
	if s.IsSet() {
		return true
	}
	if timeout == 0 {
		return false
	}
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if s.IsSet() {
				return true
			}
		case <-deadline:
			return s.IsSet()
		}
	}
}

// Close releases the mapping. The owning process also removes the file.
// A closed signal no longer sees other processes and reports its last state.
func (s *ProcessSignal) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.flag.close()
		if s.owner {
			if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) && s.closeErr == nil {
				s.closeErr = err
			}
		}
	})
	return s.closeErr
}
