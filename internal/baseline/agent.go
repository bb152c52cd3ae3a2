package baseline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gxo-labs/lightning/internal/command"
	"github.com/gxo-labs/lightning/internal/logger"
	"github.com/gxo-labs/lightning/internal/paramutil"
	"github.com/gxo-labs/lightning/internal/runner"
	llog "github.com/gxo-labs/lightning/pkg/lightning/v1/log"
	lstore "github.com/gxo-labs/lightning/pkg/lightning/v1/store"
)

// Task input keys understood by DemoAgent.
const (
	KeySleep        = "sleep"
	KeyFail         = "fail"
	KeyError        = "error"
	KeyReward       = "reward"
	KeyCommand      = "command"
	KeyArgs         = "args"
	KeyExpectStdout = "expect_stdout"
)

// maxCapturedOutput caps the stdout kept in result attributes.
const maxCapturedOutput = 256

// DemoAgent executes task inputs of the form used in the example configs:
//
//	{sleep: 200ms}                              simulate work
//	{fail: true, error: "boom"}                 fail the rollout
//	{reward: 0.5}                               report a fixed reward
//	{command: echo, args: [hi], expect_stdout: hi}  run a command, reward 1 on match
//
// Without reward or command the reward is 1.
type DemoAgent struct {
	commands command.Runner
	log      llog.Logger
}

var _ runner.Agent = (*DemoAgent)(nil)

// NewDemoAgent creates an agent running commands through os/exec.
func NewDemoAgent(log llog.Logger) *DemoAgent {
	if log == nil {
		log = logger.NewDefaultLogger("warn")
	}
	return &DemoAgent{commands: command.NewRunner(), log: log.With("component", "demo_agent")}
}

// Rollout implements runner.Agent.
func (a *DemoAgent) Rollout(ctx context.Context, rollout *lstore.Rollout) (*runner.Result, error) {
	input := rollout.Input
	if err := paramutil.CheckExclusive(input, KeyReward, KeyCommand); err != nil {
		return nil, err
	}

	if d, ok, err := paramutil.GetDuration(input, KeySleep); err != nil {
		return nil, err
	} else if ok {
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}

	if fail, _, err := paramutil.GetBool(input, KeyFail); err != nil {
		return nil, err
	} else if fail {
		msg, ok, _ := paramutil.GetString(input, KeyError)
		if !ok {
			msg = "task failed"
		}
		return nil, errors.New(msg)
	}

	if cmd, ok, err := paramutil.GetString(input, KeyCommand); err != nil {
		return nil, err
	} else if ok {
		return a.runCommand(ctx, rollout.RolloutID, cmd, input)
	}

	reward := 1.0
	if r, ok, err := paramutil.GetFloat(input, KeyReward); err != nil {
		return nil, err
	} else if ok {
		reward = r
	}
	return &runner.Result{Reward: &reward}, nil
}

func (a *DemoAgent) runCommand(ctx context.Context, rolloutID, cmd string, input map[string]interface{}) (*runner.Result, error) {
	args, _, err := paramutil.GetStringSlice(input, KeyArgs)
	if err != nil {
		return nil, err
	}
	expect, hasExpect, err := paramutil.GetString(input, KeyExpectStdout)
	if err != nil {
		return nil, err
	}

	res, err := a.commands.Run(ctx, command.Spec{Path: cmd, Args: args})
	if err != nil {
		return nil, err
	}
	stdout := strings.TrimSpace(res.Stdout)
	a.log.Debugf("Rollout %s: '%s' exited %d in %s", rolloutID, cmd, res.ExitCode, res.Duration)

	reward := 0.0
	if res.ExitCode == 0 && (!hasExpect || stdout == expect) {
		reward = 1.0
	}
	if len(stdout) > maxCapturedOutput {
		stdout = stdout[:maxCapturedOutput]
	}
	return &runner.Result{
		Reward: &reward,
		Attributes: map[string]interface{}{
			"command.exit_code": res.ExitCode,
			"command.stdout":    stdout,
		},
	}, nil
}
