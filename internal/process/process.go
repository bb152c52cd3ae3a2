// Package process starts child OS processes and manages their shutdown:
// signalling, bounded waits, exit code normalization and validation.
package process

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	lerrors "github.com/gxo-labs/lightning/pkg/lightning/v1/errors"
	llog "github.com/gxo-labs/lightning/pkg/lightning/v1/log"
)

// Spec describes a child process to start.
type Spec struct {
	// Name identifies the child in logs and errors, e.g. "runner-2".
	Name string
	Path string
	Args []string
	// Env replaces the child's environment when non-nil.
	Env    []string
	Dir    string
	Stdout io.Writer
	Stderr io.Writer
}

// Handle is a started child process. Its exit is collected by a background
// goroutine, so Done, Wait and Alive never block on the OS.
type Handle struct {
	name   string
	cmd    *exec.Cmd
	log    llog.Logger
	done   chan struct{}
	code   int
	err    error
	killed atomic.Bool
}

// Start launches the process described by spec.
func Start(spec Spec, log llog.Logger) (*Handle, error) {
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	if err := cmd.Start(); err != nil {
		return nil, lerrors.NewProcessError(spec.Name, "start", err)
	}

	h := &Handle{
		name: spec.Name,
		cmd:  cmd,
		log:  log.With("process", spec.Name, "pid", cmd.Process.Pid),
		done: make(chan struct{}),
		code: -1,
	}
	go h.reap()
	h.log.Debugf("Started %s", spec.Path)
	return h, nil
}

// reap waits for the process and records its exit, then closes done.
func (h *Handle) reap() {
	defer close(h.done)
	err := h.cmd.Wait()
	h.code = exitCode(h.cmd.ProcessState)
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		h.err = err
	}
	h.log.Debugf("Exited with code %d", h.code)
}

// exitCode normalizes a process state: the exit status for normal exits,
// the negated signal number when a signal ended the process.
func exitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -int(ws.Signal())
	}
	return state.ExitCode()
}

// Name is the label the strategy gave the process, e.g. "runner-0".
func (h *Handle) Name() string { return h.name }

// Pid is the operating system process id.
func (h *Handle) Pid() int { return h.cmd.Process.Pid }

// Done is closed once the process has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Alive reports whether the process has not exited yet.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Wait blocks until the process exits or timeout elapses and reports
// whether it exited. A negative timeout waits forever.
func (h *Handle) Wait(timeout time.Duration) bool {
	if timeout < 0 {
		<-h.done
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-h.done:
		return true
	case <-timer.C:
		return false
	}
}

// ExitStatus returns the normalized exit code once the process has exited.
func (h *Handle) ExitStatus() (int, bool) {
	if h.Alive() {
		return 0, false
	}
	return h.code, true
}

// Exit describes how the process ended. It must only be called after Done.
func (h *Handle) Exit() lerrors.ProcessExit {
	return lerrors.ProcessExit{Name: h.name, Pid: h.Pid(), Code: h.code, Killed: h.killed.Load()}
}

// Interrupt sends SIGINT.
func (h *Handle) Interrupt() error { return h.signal("interrupt", os.Interrupt) }

// Terminate sends SIGTERM.
func (h *Handle) Terminate() error { return h.signal("terminate", syscall.SIGTERM) }

// Kill sends SIGKILL and marks the exit as forced.
func (h *Handle) Kill() error {
	if !h.Alive() {
		return nil
	}
	h.killed.Store(true)
	return h.signal("kill", os.Kill)
}

// signal ignores processes that are already gone.
func (h *Handle) signal(op string, sig os.Signal) error {
	if !h.Alive() {
		return nil
	}
	if err := h.cmd.Process.Signal(sig); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return lerrors.NewProcessError(h.name, op, err)
	}
	return nil
}
