package config

import (
	"fmt"
	"time"

	v1 "github.com/gxo-labs/lightning/pkg/lightning/v1"
	lerrors "github.com/gxo-labs/lightning/pkg/lightning/v1/errors"
)

// ValidateStructure checks the cross-field rules the JSON schema cannot
// express. It returns every problem found, not just the first.
func ValidateStructure(f *File) []error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, lerrors.NewValidationError(fmt.Sprintf(format, args...), nil))
	}

	if len(f.Tasks) == 0 {
		add("configuration must contain at least one entry in 'tasks'")
	}

	s := &f.Strategy
	switch s.Type {
	case StrategySharedMemory, StrategyClientServer:
	default:
		add("strategy.type must be '%s' or '%s', got '%s'", StrategySharedMemory, StrategyClientServer, s.Type)
	}
	if s.NRunners < 0 {
		add("strategy.n_runners cannot be negative")
	}

	owner, err := v1.ParseMainOwner(s.MainOwner)
	if err != nil {
		add("strategy.main_owner: %v", err)
	} else if owner == v1.MainRunner && s.GetNRunners() != 1 {
		add("strategy.main_owner 'runner' requires exactly one runner, got %d", s.GetNRunners())
	}

	if s.Role != "" {
		if _, err := v1.ParseRole(s.Role); err != nil {
			add("strategy.role: %v", err)
		}
		if s.Type == StrategySharedMemory {
			add("strategy.role only applies to strategy type '%s'", StrategyClientServer)
		}
	}
	if s.ServerPort < 0 || s.ServerPort > 65535 {
		add("strategy.server_port %d out of range", s.ServerPort)
	}

	checkDuration(add, "strategy.graceful_timeout", s.GracefulTimeout)
	checkDuration(add, "strategy.terminate_timeout", s.TerminateTimeout)
	checkDuration(add, "strategy.graceful_delay", s.GracefulDelay)
	checkDuration(add, "strategy.join_timeout", s.JoinTimeout)

	r := &f.Runner
	checkDuration(add, "runner.poll_interval", r.PollInterval)
	checkDuration(add, "runner.poll_jitter", r.PollJitter)
	checkDuration(add, "runner.heartbeat_interval", r.HeartbeatInterval)
	checkDuration(add, "runner.heartbeat_jitter", r.HeartbeatJitter)
	if r.MaxRollouts < 0 {
		add("runner.max_rollouts cannot be negative")
	}

	checkDuration(add, "algorithm.wait_timeout", f.Algorithm.WaitTimeout)

	switch f.Log.GetLevel() {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("log.level '%s' is not one of debug, info, warn, error", f.Log.Level)
	}
	switch f.Log.GetFormat() {
	case LogFormatText, LogFormatJSON:
	default:
		add("log.format '%s' is not one of text, json", f.Log.Format)
	}

	return errs
}

func checkDuration(add func(string, ...interface{}), field, value string) {
	if value == "" {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		add("%s: invalid duration '%s'", field, value)
		return
	}
	if d <= 0 {
		add("%s must be positive, got '%s'", field, value)
	}
}
