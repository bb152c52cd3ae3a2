// Package signal defines the cooperative cancellation flag shared by every
// bundle in one Execute call.
package signal

import "time"

// NoTimeout makes Wait block until the signal is set.
const NoTimeout time.Duration = -1

// Signal is a boolean, idempotent, observable flag.
//
// Set never blocks and may be called any number of times. Once set, the flag
// stays set until Clear is called explicitly, which only happens before a
// signal is reused for an independent run. Implementations exist for
// goroutines in one process and for separate OS processes; orchestration code
// does not depend on which one it holds.
type Signal interface {
	// Set raises the flag and wakes every current waiter.
	Set()
	// Clear lowers the flag.
	Clear()
	// IsSet reports whether the flag is raised.
	IsSet() bool
	// Wait blocks until the flag is raised or timeout elapses and reports
	// whether it was raised. A timeout of 0 checks without blocking;
	// NoTimeout (any negative value) waits indefinitely.
	Wait(timeout time.Duration) bool
}
