package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// --- Lightning Core Error Types ---

// ConfigError represents an error encountered while loading or validating
// the run configuration or the options handed to a strategy constructor.
type ConfigError struct {
	Message string
	Cause   error
}

// NewConfigError returns a ConfigError; cause may be nil.
func NewConfigError(message string, cause error) *ConfigError {
	return &ConfigError{Message: message, Cause: cause}
}
func (e *ConfigError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("configuration error: %s", e.Message)
}
func (e *ConfigError) Unwrap() error { return e.Cause }

// ValidationError indicates that some input (config structure, schema
// version, durations) failed validation checks.
type ValidationError struct {
	Message string
	Cause   error
}

// NewValidationError returns a ValidationError; cause may be nil.
func NewValidationError(message string, cause error) *ValidationError {
	return &ValidationError{Message: message, Cause: cause}
}
func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("validation error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}
func (e *ValidationError) Unwrap() error { return e.Cause }

// BundleError wraps a failure returned by an algorithm or runner bundle.
// WorkerIndex is -1 for the algorithm bundle.
type BundleError struct {
	Role        string
	WorkerIndex int
	Cause       error
}

// NewBundleError wraps cause for the bundle with the given role.
func NewBundleError(role string, workerIndex int, cause error) *BundleError {
	return &BundleError{Role: role, WorkerIndex: workerIndex, Cause: cause}
}
func (e *BundleError) Error() string {
	if e.WorkerIndex < 0 {
		return fmt.Sprintf("%s bundle failed: %v", e.Role, e.Cause)
	}
	return fmt.Sprintf("%s bundle %d failed: %v", e.Role, e.WorkerIndex, e.Cause)
}
func (e *BundleError) Unwrap() error { return e.Cause }

// AbandonedError describes a bundle that did not return within its grace
// window nor within the window that followed its forced cancellation.
type AbandonedError struct {
	Name  string
	Grace time.Duration
}

// NewAbandonedError reports that name outlived grace twice.
func NewAbandonedError(name string, grace time.Duration) *AbandonedError {
	return &AbandonedError{Name: name, Grace: grace}
}
func (e *AbandonedError) Error() string {
	return fmt.Sprintf("bundle '%s' still running %s after forced cancellation; abandoned", e.Name, e.Grace)
}

// ProcessExit records how a child process ended. Code follows the
// normalized convention: the exit status for normal exits, and the negated
// signal number for processes terminated by a signal.
type ProcessExit struct {
	Name   string
	Pid    int
	Code   int
	Killed bool // SIGKILL was sent during escalation
}

// String renders the exit as name(pid=N) exit=code.
func (p ProcessExit) String() string {
	s := fmt.Sprintf("%s(pid=%d) exit=%d", p.Name, p.Pid, p.Code)
	if p.Killed {
		s += " (killed)"
	}
	return s
}

// ExitCodeError reports child processes whose exit code fell outside the
// accepted set after shutdown.
type ExitCodeError struct {
	Exits []ProcessExit
}

// NewExitCodeError collects the exits that fell outside the policy.
func NewExitCodeError(exits []ProcessExit) *ExitCodeError {
	return &ExitCodeError{Exits: exits}
}
func (e *ExitCodeError) Error() string {
	parts := make([]string, 0, len(e.Exits))
	for _, p := range e.Exits {
		parts = append(parts, p.String())
	}
	return fmt.Sprintf("unexpected process exit codes: %s", strings.Join(parts, ", "))
}

// ProcessError represents a failure to start or signal a child process.
type ProcessError struct {
	Name  string
	Op    string // "start", "interrupt", "terminate", "kill"
	Cause error
}

// NewProcessError reports a failed process operation such as spawn or signal.
func NewProcessError(name, op string, cause error) *ProcessError {
	return &ProcessError{Name: name, Op: op, Cause: cause}
}
func (e *ProcessError) Error() string {
	return fmt.Sprintf("process '%s' %s failed: %v", e.Name, e.Op, e.Cause)
}
func (e *ProcessError) Unwrap() error { return e.Cause }

// IsExitCodeError checks if an error is an ExitCodeError using errors.As.
func IsExitCodeError(err error) bool {
	var exitErr *ExitCodeError
	return errors.As(err, &exitErr)
}
