package v1

import (
	"context"
	"fmt"
	"strings"

	"github.com/gxo-labs/lightning/pkg/lightning/v1/signal"
	"github.com/gxo-labs/lightning/pkg/lightning/v1/store"
)

// AlgorithmBundle is the entry point of the algorithm role: it produces work
// into the store and consumes the results. Implementations must treat sig as
// read-only and poll it voluntarily. ctx is cancelled only when the
// orchestration decides to force-cancel the bundle.
type AlgorithmBundle interface {
	RunAlgorithm(ctx context.Context, st store.Store, sig signal.Signal) error
}

// RunnerBundle is the entry point of one runner: it executes rollouts taken
// from the store until sig fires or it decides to stop.
type RunnerBundle interface {
	RunRunner(ctx context.Context, st store.Store, workerIndex int, sig signal.Signal) error
}

// AlgorithmFunc adapts a plain function to AlgorithmBundle.
type AlgorithmFunc func(ctx context.Context, st store.Store, sig signal.Signal) error

// RunAlgorithm calls f.
func (f AlgorithmFunc) RunAlgorithm(ctx context.Context, st store.Store, sig signal.Signal) error {
	return f(ctx, st, sig)
}

// RunnerFunc adapts a plain function to RunnerBundle.
type RunnerFunc func(ctx context.Context, st store.Store, workerIndex int, sig signal.Signal) error

// RunRunner calls f.
func (f RunnerFunc) RunRunner(ctx context.Context, st store.Store, workerIndex int, sig signal.Signal) error {
	return f(ctx, st, workerIndex, sig)
}

// Strategy places the algorithm and runner bundles onto goroutines or OS
// processes, waits for the main one, and tears down the rest.
//
// Execute returns the caller's ctx error (unwrapped) when interrupted, the
// main bundle's failure, or the first background failure, in that priority.
type Strategy interface {
	Execute(ctx context.Context, algorithm AlgorithmBundle, runner RunnerBundle, st store.Store) error
}

// Role selects which bundles a process runs.
type Role string

const (
	RoleAlgorithm Role = "algorithm"
	RoleRunner    Role = "runner"
	RoleBoth      Role = "both"
)

// ParseRole converts a case-insensitive string into a Role.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleAlgorithm, RoleRunner, RoleBoth:
		return r, nil
	default:
		return "", fmt.Errorf("invalid role '%s': expected algorithm, runner or both", s)
	}
}

// MainOwner selects which role runs on the calling goroutine or process.
type MainOwner string

const (
	MainAlgorithm MainOwner = "algorithm"
	MainRunner    MainOwner = "runner"
)

// ParseMainOwner converts a case-insensitive string into a MainOwner. An
// empty string yields MainAlgorithm.
func ParseMainOwner(s string) (MainOwner, error) {
	switch o := MainOwner(strings.ToLower(strings.TrimSpace(s))); o {
	case "":
		return MainAlgorithm, nil
	case MainAlgorithm, MainRunner:
		return o, nil
	default:
		return "", fmt.Errorf("invalid main owner '%s': expected algorithm or runner", s)
	}
}
