package strategy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gxo-labs/lightning/internal/controlplane"
	"github.com/gxo-labs/lightning/internal/logger"
	intSignal "github.com/gxo-labs/lightning/internal/signal"
	intStore "github.com/gxo-labs/lightning/internal/store"
	v1 "github.com/gxo-labs/lightning/pkg/lightning/v1"
	llog "github.com/gxo-labs/lightning/pkg/lightning/v1/log"
	lstore "github.com/gxo-labs/lightning/pkg/lightning/v1/store"
)

// Environment handshake written by ClientServer for the processes it spawns.
const (
	EnvChildRole       = "LIGHTNING_CHILD_ROLE"
	EnvChildIndex      = "LIGHTNING_CHILD_WORKER_INDEX"
	EnvChildSignalPath = "LIGHTNING_CHILD_SIGNAL_PATH"
	EnvChildServerHost = "LIGHTNING_CHILD_SERVER_HOST"
	EnvChildServerPort = "LIGHTNING_CHILD_SERVER_PORT"
	EnvChildManaged    = "LIGHTNING_CHILD_MANAGED"
)

// Exit codes used by RunChild.
const (
	ChildExitOK          = 0
	ChildExitFailed      = 1
	ChildExitInterrupted = 130
)

// ChildSpec is what a spawned process needs to run its bundle.
type ChildSpec struct {
	Role        v1.Role
	WorkerIndex int
	SignalPath  string
	ServerHost  string
	ServerPort  int
	Managed     bool
}

// Endpoint is the control plane base URL.
func (c ChildSpec) Endpoint() string {
	return "http://" + net.JoinHostPort(c.ServerHost, strconv.Itoa(c.ServerPort))
}

func (c ChildSpec) env() []string {
	return []string{
		EnvChildRole + "=" + string(c.Role),
		EnvChildIndex + "=" + strconv.Itoa(c.WorkerIndex),
		EnvChildSignalPath + "=" + c.SignalPath,
		EnvChildServerHost + "=" + c.ServerHost,
		EnvChildServerPort + "=" + strconv.Itoa(c.ServerPort),
		EnvChildManaged + "=" + strconv.FormatBool(c.Managed),
	}
}

// ChildSpecFromEnv reports whether the current process was spawned by
// ClientServer and, if so, decodes its handshake.
func ChildSpecFromEnv() (ChildSpec, bool, error) {
	roleStr, ok := os.LookupEnv(EnvChildRole)
	if !ok {
		return ChildSpec{}, false, nil
	}
	role, err := v1.ParseRole(roleStr)
	if err != nil {
		return ChildSpec{}, true, err
	}
	if role == v1.RoleBoth {
		return ChildSpec{}, true, fmt.Errorf("child role must be algorithm or runner, got '%s'", roleStr)
	}
	spec := ChildSpec{
		Role:       role,
		SignalPath: os.Getenv(EnvChildSignalPath),
		ServerHost: os.Getenv(EnvChildServerHost),
	}
	if spec.SignalPath == "" {
		return ChildSpec{}, true, fmt.Errorf("%s is not set", EnvChildSignalPath)
	}
	if spec.WorkerIndex, err = strconv.Atoi(os.Getenv(EnvChildIndex)); err != nil {
		return ChildSpec{}, true, fmt.Errorf("invalid %s: %w", EnvChildIndex, err)
	}
	if spec.ServerPort, err = strconv.Atoi(os.Getenv(EnvChildServerPort)); err != nil {
		return ChildSpec{}, true, fmt.Errorf("invalid %s: %w", EnvChildServerPort, err)
	}
	if spec.Managed, err = strconv.ParseBool(os.Getenv(EnvChildManaged)); err != nil {
		return ChildSpec{}, true, fmt.Errorf("invalid %s: %w", EnvChildManaged, err)
	}
	return spec, true, nil
}

// ChildOptions tunes RunChild.
type ChildOptions struct {
	Logger llog.Logger
	// Registry is served on the control plane's /metrics when the child
	// hosts it.
	Registry *prometheus.Registry
	// ReadyTimeout bounds how long a runner waits for the control plane.
	ReadyTimeout time.Duration
}

// RunChild is the entrypoint of a spawned process. st is used directly when
// the store is unmanaged, and is what an algorithm child serves over the
// control plane otherwise. The returned value is the process exit code.
//
// SIGINT is the parent's first escalation step: it cancels the bundle's ctx,
// and a bundle that then returns nil or context.Canceled exits ChildExitOK.
// Cancellation of the caller's ctx exits ChildExitInterrupted. SIGTERM keeps
// its default action.
func RunChild(parent context.Context, spec ChildSpec, algorithm v1.AlgorithmBundle, runner v1.RunnerBundle, st lstore.Store, opts ChildOptions) int {
	if opts.Logger == nil {
		opts.Logger = logger.NewDefaultLogger("warn")
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 30 * time.Second
	}
	log := opts.Logger.With("component", "child", "role", string(spec.Role), "worker_index", spec.WorkerIndex)

	sig, err := intSignal.OpenProcessSignal(spec.SignalPath)
	if err != nil {
		log.Errorf("Failed to attach to stop signal: %v", err)
		return ChildExitFailed
	}
	defer sig.Close()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt)
	defer stop()

	switch spec.Role {
	case v1.RoleAlgorithm:
		if algorithm == nil {
			log.Errorf("No algorithm bundle configured")
			return ChildExitFailed
		}
		err = runAlgorithmChild(ctx, spec, algorithm, st, sig, opts, log)
	case v1.RoleRunner:
		if runner == nil {
			log.Errorf("No runner bundle configured")
			return ChildExitFailed
		}
		err = runRunnerChild(ctx, spec, runner, st, sig, opts, log)
	default:
		log.Errorf("Unsupported child role '%s'", spec.Role)
		return ChildExitFailed
	}

	stopped := err == nil || errors.Is(err, context.Canceled)
	switch {
	case parent.Err() != nil && stopped:
		log.Infof("Interrupted")
		return ChildExitInterrupted
	case ctx.Err() != nil && stopped:
		log.Infof("Stopped by interrupt")
		return ChildExitOK
	case err != nil:
		log.Errorf("Bundle failed: %v", err)
		return ChildExitFailed
	default:
		return ChildExitOK
	}
}

// runAlgorithmChild always fires the signal once the algorithm returns so
// the runners unwind.
func runAlgorithmChild(ctx context.Context, spec ChildSpec, algorithm v1.AlgorithmBundle, st lstore.Store, sig *intSignal.ProcessSignal, opts ChildOptions, log llog.Logger) error {
	if spec.Managed {
		st = intStore.NewSynchronized(st)
		srv := controlplane.NewServer(st, opts.Registry, opts.Logger)
		if err := srv.Start(spec.ServerHost, spec.ServerPort); err != nil {
			sig.Set()
			return err
		}
		defer shutdownServer(srv, log)
	}
	// Runs before the server shuts down so runners stop while it still answers.
	defer sig.Set()
	return algorithm.RunAlgorithm(ctx, st, sig)
}

func runRunnerChild(ctx context.Context, spec ChildSpec, runner v1.RunnerBundle, st lstore.Store, sig *intSignal.ProcessSignal, opts ChildOptions, log llog.Logger) error {
	if spec.Managed {
		client := controlplane.NewClient(spec.Endpoint(), opts.Logger)
		if err := client.WaitReady(ctx, opts.ReadyTimeout); err != nil {
			return fmt.Errorf("control plane at %s not ready: %w", spec.Endpoint(), err)
		}
		st = client
	}
	if st == nil {
		return fmt.Errorf("runner %d has no store", spec.WorkerIndex)
	}
	log.Debugf("Runner child started")
	return runner.RunRunner(ctx, st, spec.WorkerIndex, sig)
}

func shutdownServer(srv *controlplane.Server, log llog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warnf("Control plane shutdown failed: %v", err)
	}
}
