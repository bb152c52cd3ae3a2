package config

import (
	"time"
)

// Strategy types accepted in the 'strategy.type' field.
const (
	StrategySharedMemory = "shm"
	StrategyClientServer = "cs"
)

// Log formats accepted in the 'log.format' field.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// File represents the top-level structure of a Lightning run configuration.
type File struct {
	Name          string          `yaml:"name,omitempty"`
	SchemaVersion string          `yaml:"schemaVersion"`
	Strategy      StrategyConfig  `yaml:"strategy"`
	Runner        RunnerConfig    `yaml:"runner,omitempty"`
	Algorithm     AlgorithmConfig `yaml:"algorithm,omitempty"`
	// Tasks are the rollout inputs the batch algorithm enqueues, in order.
	Tasks []map[string]interface{} `yaml:"tasks"`
	Log   LogConfig                `yaml:"log,omitempty"`

	// FilePath is the source of the configuration, for error messages. It is
	// not parsed from the YAML.
	FilePath string `yaml:"-"`
}

// StrategyConfig selects and tunes the execution strategy. Fields that only
// apply to one strategy type are ignored by the other.
type StrategyConfig struct {
	Type     string `yaml:"type"`
	NRunners int    `yaml:"n_runners,omitempty"`
	// MainOwner picks the bundle that owns the main thread (shm) or the main
	// process when role is 'both' (cs).
	MainOwner string `yaml:"main_owner,omitempty"`

	// cs only.
	Role             string     `yaml:"role,omitempty"`
	ServerHost       string     `yaml:"server_host,omitempty"`
	ServerPort       int        `yaml:"server_port,omitempty"`
	GracefulTimeout  string     `yaml:"graceful_timeout,omitempty"`
	TerminateTimeout string     `yaml:"terminate_timeout,omitempty"`
	AllowedExitCodes []ExitCode `yaml:"allowed_exit_codes,omitempty"`

	// shm only.
	GracefulDelay string `yaml:"graceful_delay,omitempty"`
	JoinTimeout   string `yaml:"join_timeout,omitempty"`

	ManagedStore *bool `yaml:"managed_store,omitempty"`
}

// RunnerConfig tunes the worker loop every runner executes.
type RunnerConfig struct {
	PollInterval      string `yaml:"poll_interval,omitempty"`
	PollJitter        string `yaml:"poll_jitter,omitempty"`
	HeartbeatInterval string `yaml:"heartbeat_interval,omitempty"`
	HeartbeatJitter   string `yaml:"heartbeat_jitter,omitempty"`
	MaxRollouts       int    `yaml:"max_rollouts,omitempty"`
}

// AlgorithmConfig tunes the batch algorithm.
type AlgorithmConfig struct {
	// WaitTimeout bounds how long the algorithm waits for all tasks to finish.
	WaitTimeout string `yaml:"wait_timeout,omitempty"`
}

// LogConfig selects the log level and handler format.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// IsManagedStore returns the configured store mode, defaulting to managed.
func (s *StrategyConfig) IsManagedStore() bool {
	if s.ManagedStore == nil {
		return true
	}
	return *s.ManagedStore
}

// GetNRunners returns the configured runner count or the default (1).
func (s *StrategyConfig) GetNRunners() int {
	if s.NRunners > 0 {
		return s.NRunners
	}
	return 1
}

// ExitCodes returns the accepted exit codes as plain ints, or nil when the
// strategy default applies.
func (s *StrategyConfig) ExitCodes() []int {
	if len(s.AllowedExitCodes) == 0 {
		return nil
	}
	codes := make([]int, len(s.AllowedExitCodes))
	for i, c := range s.AllowedExitCodes {
		codes[i] = int(c)
	}
	return codes
}

func (s *StrategyConfig) GetGracefulTimeout() time.Duration  { return parseDuration(s.GracefulTimeout) }
func (s *StrategyConfig) GetTerminateTimeout() time.Duration { return parseDuration(s.TerminateTimeout) }
func (s *StrategyConfig) GetGracefulDelay() time.Duration    { return parseDuration(s.GracefulDelay) }
func (s *StrategyConfig) GetJoinTimeout() time.Duration      { return parseDuration(s.JoinTimeout) }

func (r *RunnerConfig) GetPollInterval() time.Duration      { return parseDuration(r.PollInterval) }
func (r *RunnerConfig) GetPollJitter() time.Duration        { return parseDuration(r.PollJitter) }
func (r *RunnerConfig) GetHeartbeatInterval() time.Duration { return parseDuration(r.HeartbeatInterval) }
func (r *RunnerConfig) GetHeartbeatJitter() time.Duration   { return parseDuration(r.HeartbeatJitter) }

// GetWaitTimeout returns the configured wait bound, or 0 for no bound.
func (a *AlgorithmConfig) GetWaitTimeout() time.Duration { return parseDuration(a.WaitTimeout) }

// GetLevel returns the configured log level or the default ("info").
func (l *LogConfig) GetLevel() string {
	if l.Level == "" {
		return "info"
	}
	return l.Level
}

// GetFormat returns the configured log format or the default ("text").
func (l *LogConfig) GetFormat() string {
	if l.Format == "" {
		return LogFormatText
	}
	return l.Format
}

// parseDuration returns 0 for empty or invalid values; validation rejects
// invalid ones before any getter is used. Zero means "use the component
// default" everywhere downstream.
func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0
	}
	return d
}
