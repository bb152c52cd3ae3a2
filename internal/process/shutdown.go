package process

import (
	"sort"
	"syscall"
	"time"

	lerrors "github.com/gxo-labs/lightning/pkg/lightning/v1/errors"
	llog "github.com/gxo-labs/lightning/pkg/lightning/v1/log"
)

// ExitPolicy is the set of normalized exit codes treated as a clean exit.
type ExitPolicy struct {
	accepted map[int]struct{}
}

// DefaultExitPolicy accepts a normal exit and a SIGTERM death.
func DefaultExitPolicy() ExitPolicy {
	return NewExitPolicy(0, -int(syscall.SIGTERM))
}

// NewExitPolicy accepts exactly the given codes.
func NewExitPolicy(codes ...int) ExitPolicy {
	p := ExitPolicy{accepted: make(map[int]struct{}, len(codes))}
	for _, c := range codes {
		p.accepted[c] = struct{}{}
	}
	return p
}

// Accepts reports whether a normalized exit code is in the accepted set.
func (p ExitPolicy) Accepts(code int) bool {
	_, ok := p.accepted[code]
	return ok
}

// Codes returns the accepted codes in ascending order.
func (p ExitPolicy) Codes() []int {
	out := make([]int, 0, len(p.accepted))
	for c := range p.accepted {
		out = append(out, c)
	}
	sort.Ints(out)
	return out
}

// Check returns an ExitCodeError listing every exit outside the policy, or
// nil when all of them are accepted. Forced kills are checked like any other
// exit.
func (p ExitPolicy) Check(exits []lerrors.ProcessExit) error {
	var rejected []lerrors.ProcessExit
	for _, e := range exits {
		if !p.Accepts(e.Code) {
			rejected = append(rejected, e)
		}
	}
	if len(rejected) == 0 {
		return nil
	}
	return lerrors.NewExitCodeError(rejected)
}

// Escalation step names, in the order Escalate applies them.
const (
	StepInterrupt = "interrupt"
	StepTerminate = "terminate"
	StepKill      = "kill"
)

type step struct {
	name string
	send func(*Handle) error
}

var escalationSteps = []step{
	{StepInterrupt, (*Handle).Interrupt},
	{StepTerminate, (*Handle).Terminate},
	{StepKill, (*Handle).Kill},
}

// Escalate stops the live handles by sending SIGINT, SIGTERM and finally
// SIGKILL, waiting up to timeout after each step for every target to exit.
// onStep, when set, is called before each step that has live targets. It
// returns the handles still alive after the last step.
func Escalate(handles []*Handle, timeout time.Duration, log llog.Logger, onStep func(step string, targets int)) []*Handle {
	alive := liveHandles(handles)
	for _, s := range escalationSteps {
		if len(alive) == 0 {
			return nil
		}
		if onStep != nil {
			onStep(s.name, len(alive))
		}
		log.Warnf("Escalating shutdown: sending %s to %d process(es)", s.name, len(alive))
		for _, h := range alive {
			if err := s.send(h); err != nil {
				log.Warnf("Failed to %s process '%s': %v", s.name, h.Name(), err)
			}
		}
		WaitAll(alive, timeout)
		alive = liveHandles(alive)
	}
	for _, h := range alive {
		log.Errorf("Process '%s' (pid %d) survived SIGKILL", h.Name(), h.Pid())
	}
	return alive
}

// WaitAll waits for every handle to exit, sharing one deadline, and reports
// whether all of them did.
func WaitAll(handles []*Handle, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for _, h := range handles {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		if !h.Wait(remaining) {
			return false
		}
	}
	return true
}

func liveHandles(handles []*Handle) []*Handle {
	var out []*Handle
	for _, h := range handles {
		if h.Alive() {
			out = append(out, h)
		}
	}
	return out
}
