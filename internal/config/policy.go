package config

import (
	"fmt"
	"strconv"
	"strings"
	"syscall"

	"gopkg.in/yaml.v3"
)

// signalNames maps the signal names accepted in 'allowed_exit_codes' to
// their numbers. A process killed by signal N reports exit code -N.
var signalNames = map[string]syscall.Signal{
	"SIGHUP":  syscall.SIGHUP,
	"SIGINT":  syscall.SIGINT,
	"SIGQUIT": syscall.SIGQUIT,
	"SIGKILL": syscall.SIGKILL,
	"SIGTERM": syscall.SIGTERM,
}

// ExitCode is one accepted child exit code. In YAML it is either an integer
// ("0", "-15") or a signal name ("SIGTERM"), which stands for the negated
// signal number.
type ExitCode int

// UnmarshalYAML implements yaml.Unmarshaler.
func (c *ExitCode) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: exit code must be an integer or a signal name", node.Line)
	}
	code, err := ParseExitCode(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*c = ExitCode(code)
	return nil
}

// ParseExitCode parses an integer exit code or a signal name.
func ParseExitCode(s string) (int, error) {
	s = strings.TrimSpace(s)
	if code, err := strconv.Atoi(s); err == nil {
		return code, nil
	}
	if sig, ok := signalNames[strings.ToUpper(s)]; ok {
		return -int(sig), nil
	}
	return 0, fmt.Errorf("invalid exit code '%s': expected an integer or one of SIGHUP, SIGINT, SIGQUIT, SIGKILL, SIGTERM", s)
}
