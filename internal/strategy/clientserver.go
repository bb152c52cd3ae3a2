package strategy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gxo-labs/lightning/internal/controlplane"
	intEvents "github.com/gxo-labs/lightning/internal/events"
	"github.com/gxo-labs/lightning/internal/logger"
	"github.com/gxo-labs/lightning/internal/process"
	intSignal "github.com/gxo-labs/lightning/internal/signal"
	intStore "github.com/gxo-labs/lightning/internal/store"
	v1 "github.com/gxo-labs/lightning/pkg/lightning/v1"
	lerrors "github.com/gxo-labs/lightning/pkg/lightning/v1/errors"
	"github.com/gxo-labs/lightning/pkg/lightning/v1/events"
	llog "github.com/gxo-labs/lightning/pkg/lightning/v1/log"
	lstore "github.com/gxo-labs/lightning/pkg/lightning/v1/store"
)

// ClientServerName identifies the cross-process strategy in events and metrics.
const ClientServerName = "cs"

// ClientServerConfig configures the cross-process strategy. Start from
// DefaultClientServerConfig; zero durations also fall back to the defaults.
type ClientServerConfig struct {
	Role        v1.Role
	NRunners    int
	ServerHost  string
	ServerPort  int
	MainProcess v1.MainOwner
	// GracefulTimeout is how long children get to honor the signal before
	// escalation starts.
	GracefulTimeout time.Duration
	// TerminateTimeout is the wait after each of interrupt, terminate and kill.
	TerminateTimeout time.Duration
	// ManagedStore serves the store through the control plane and gives
	// runner processes an HTTP client instead of the store itself.
	ManagedStore     bool
	AllowedExitCodes []int

	// Executable and Args describe how to re-launch this program as a child;
	// they default to os.Executable and os.Args[1:].
	Executable string
	Args       []string
	// ExtraEnv is appended to the environment of every child.
	ExtraEnv  []string
	SignalDir string
	// ReadyTimeout bounds the wait for the control plane in runner roles.
	ReadyTimeout  time.Duration
	WatchInterval time.Duration

	Logger   llog.Logger
	Bus      events.Bus
	Registry *prometheus.Registry
}

// DefaultClientServerConfig returns role both with one runner, a managed
// store on localhost:4747, and the default exit policy.
func DefaultClientServerConfig() ClientServerConfig {
	return ClientServerConfig{
		Role:             v1.RoleBoth,
		NRunners:         1,
		ServerHost:       "localhost",
		ServerPort:       4747,
		MainProcess:      v1.MainAlgorithm,
		GracefulTimeout:  5 * time.Second,
		TerminateTimeout: 5 * time.Second,
		ManagedStore:     true,
		AllowedExitCodes: process.DefaultExitPolicy().Codes(),
		ReadyTimeout:     30 * time.Second,
		WatchInterval:    10 * time.Millisecond,
	}
}

// ClientServer places bundles on separate OS processes linked by the shared
// process signal and, when the store is managed, the control plane.
type ClientServer struct {
	cfg    ClientServerConfig
	policy process.ExitPolicy
	log    llog.Logger
	bus    events.Bus
}

var _ v1.Strategy = (*ClientServer)(nil)

// NewClientServer validates cfg.
func NewClientServer(cfg ClientServerConfig) (*ClientServer, error) {
	def := DefaultClientServerConfig()
	if cfg.Role == "" {
		cfg.Role = def.Role
	}
	role, err := v1.ParseRole(string(cfg.Role))
	if err != nil {
		return nil, lerrors.NewConfigError("invalid role", err)
	}
	cfg.Role = role
	owner, err := v1.ParseMainOwner(string(cfg.MainProcess))
	if err != nil {
		return nil, lerrors.NewConfigError("invalid main process", err)
	}
	cfg.MainProcess = owner
	if cfg.NRunners < 1 {
		return nil, lerrors.NewConfigError(fmt.Sprintf("n_runners must be at least 1, got %d", cfg.NRunners), nil)
	}
	if cfg.Role == v1.RoleBoth && cfg.MainProcess == v1.MainRunner && cfg.NRunners != 1 {
		return nil, lerrors.NewConfigError(fmt.Sprintf("main_process=runner requires exactly one runner, got %d", cfg.NRunners), nil)
	}
	if cfg.ServerHost == "" {
		cfg.ServerHost = def.ServerHost
	}
	if cfg.ServerPort < 0 || cfg.ServerPort > 65535 {
		return nil, lerrors.NewConfigError(fmt.Sprintf("server port %d out of range", cfg.ServerPort), nil)
	}
	if cfg.ServerPort == 0 && cfg.ManagedStore {
		// Children need a concrete address to connect to.
		cfg.ServerPort = def.ServerPort
	}
	setDefaultDuration(&cfg.GracefulTimeout, def.GracefulTimeout)
	setDefaultDuration(&cfg.TerminateTimeout, def.TerminateTimeout)
	setDefaultDuration(&cfg.ReadyTimeout, def.ReadyTimeout)
	setDefaultDuration(&cfg.WatchInterval, def.WatchInterval)
	if cfg.AllowedExitCodes == nil {
		cfg.AllowedExitCodes = def.AllowedExitCodes
	}
	if cfg.Executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, lerrors.NewConfigError("cannot determine executable for child processes", err)
		}
		cfg.Executable = exe
		if cfg.Args == nil && len(os.Args) > 1 {
			cfg.Args = os.Args[1:]
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefaultLogger("warn")
	}
	if cfg.Bus == nil {
		cfg.Bus = intEvents.NewNoOpEventBus()
	}
	return &ClientServer{
		cfg:    cfg,
		policy: process.NewExitPolicy(cfg.AllowedExitCodes...),
		log:    cfg.Logger.With("component", "strategy", "strategy", ClientServerName, "role", string(cfg.Role)),
		bus:    cfg.Bus,
	}, nil
}

func setDefaultDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

// run holds the per-Execute state.
type run struct {
	sig        *intSignal.ProcessSignal
	trig       *trigger
	watch      *watcher
	children   []*process.Handle
	stopServer func()
}

// Execute runs this process's share of the topology selected by Role.
func (s *ClientServer) Execute(ctx context.Context, algorithm v1.AlgorithmBundle, runner v1.RunnerBundle, st lstore.Store) error {
	sig, err := intSignal.NewProcessSignal(s.cfg.SignalDir)
	if err != nil {
		return lerrors.NewProcessError("signal", "create", err)
	}
	defer sig.Close()

	r := &run{
		sig:   sig,
		trig:  &trigger{sig: sig, strategy: ClientServerName, log: s.log, bus: s.bus},
		watch: &watcher{strategy: ClientServerName, grace: s.cfg.GracefulTimeout, interval: s.cfg.WatchInterval, log: s.log, bus: s.bus},
	}
	stopRelay := r.trig.relayInterrupt(ctx)
	defer stopRelay()

	var primary error
	switch {
	case s.cfg.Role == v1.RoleAlgorithm:
		primary = s.executeAlgorithm(ctx, r, algorithm, st)
	case s.cfg.Role == v1.RoleRunner:
		primary = s.executeRunners(ctx, r, runner, st)
	case s.cfg.MainProcess == v1.MainRunner:
		primary = s.executeBothRunnerMain(ctx, r, runner, st)
	default:
		primary = s.executeBothAlgorithmMain(ctx, r, algorithm, st)
	}

	exitErr := s.shutdown(r)
	stopRelay()

	if err := ctx.Err(); err != nil {
		if exitErr != nil {
			s.log.Warnf("Ignoring exit code violation while interrupted: %v", exitErr)
		}
		return err
	}
	if primary != nil {
		if exitErr != nil {
			s.log.Warnf("Ignoring exit code violation while propagating failure: %v", exitErr)
		}
		return primary
	}
	return exitErr
}

// executeAlgorithm is role algorithm: it serves the store when managed and
// runs the algorithm here. Runners are launched elsewhere.
func (s *ClientServer) executeAlgorithm(ctx context.Context, r *run, algorithm v1.AlgorithmBundle, st lstore.Store) error {
	if algorithm == nil {
		return lerrors.NewConfigError("role algorithm requires an algorithm bundle", nil)
	}
	st, stopServer, err := s.serveStore(st)
	if err != nil {
		return err
	}
	defer stopServer()
	return s.runAlgorithm(ctx, r, algorithm, st)
}

// executeRunners is role runner: a single runner runs in this process,
// more are spawned as children and supervised until the signal fires.
func (s *ClientServer) executeRunners(ctx context.Context, r *run, runner v1.RunnerBundle, st lstore.Store) error {
	if runner == nil {
		return lerrors.NewConfigError("role runner requires a runner bundle", nil)
	}
	if s.cfg.NRunners == 1 {
		return s.runRunnerInProcess(ctx, r, runner, st)
	}
	if err := s.spawnRunners(r); err != nil {
		return err
	}
	s.waitChildren(ctx, r)
	return nil
}

// executeBothAlgorithmMain spawns the runners, then runs the algorithm (and
// the control plane) here. The signal is always fired afterward.
func (s *ClientServer) executeBothAlgorithmMain(ctx context.Context, r *run, algorithm v1.AlgorithmBundle, st lstore.Store) error {
	if algorithm == nil {
		return lerrors.NewConfigError("role both requires an algorithm bundle", nil)
	}
	defer r.trig.fire("algorithm finished")
	st, stopServer, err := s.serveStore(st)
	if err != nil {
		return err
	}
	// Stopped by shutdown, once the runners are gone.
	r.stopServer = stopServer
	if err := s.spawnRunners(r); err != nil {
		return err
	}
	return s.runAlgorithm(ctx, r, algorithm, st)
}

// executeBothRunnerMain spawns the algorithm (with the control plane) as a
// child and runs the single runner here, then waits for the algorithm.
func (s *ClientServer) executeBothRunnerMain(ctx context.Context, r *run, runner v1.RunnerBundle, st lstore.Store) error {
	if runner == nil {
		return lerrors.NewConfigError("role both requires a runner bundle", nil)
	}
	if err := s.spawn(r, s.childSpec(v1.RoleAlgorithm, algorithmIndex, r.sig), "algorithm"); err != nil {
		r.trig.fire("spawn failed")
		return err
	}
	err := s.runRunnerInProcess(ctx, r, runner, st)
	if err != nil {
		r.trig.fire("runner failed")
	}
	s.waitChildren(ctx, r)
	return err
}

// runAlgorithm wraps an algorithm failure as a BundleError.
func (s *ClientServer) runAlgorithm(ctx context.Context, r *run, algorithm v1.AlgorithmBundle, st lstore.Store) error {
	b := algorithmBundle(func(ctx context.Context) error { return algorithm.RunAlgorithm(ctx, st, r.sig) })
	o := r.watch.watch(ctx, r.sig, b)
	if o.err != nil {
		r.trig.fire("algorithm failed")
	}
	return o.bundleError(b)
}

// runRunnerInProcess runs runner 0 on this process against the shared signal.
func (s *ClientServer) runRunnerInProcess(ctx context.Context, r *run, runner v1.RunnerBundle, st lstore.Store) error {
	if s.cfg.ManagedStore {
		client := controlplane.NewClient(s.endpoint(), s.cfg.Logger)
		if err := client.WaitReady(ctx, s.cfg.ReadyTimeout); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("control plane at %s not ready: %w", s.endpoint(), err)
		}
		st = client
	}
	b := runnerBundle(0, func(ctx context.Context) error { return runner.RunRunner(ctx, st, 0, r.sig) })
	o := r.watch.watch(ctx, r.sig, b)
	return o.bundleError(b)
}

// serveStore starts the control plane for st when the store is managed and
// returns the store the local algorithm should use.
func (s *ClientServer) serveStore(st lstore.Store) (lstore.Store, func(), error) {
	if !s.cfg.ManagedStore {
		return st, func() {}, nil
	}
	st = intStore.NewSynchronized(st)
	srv := controlplane.NewServer(st, s.cfg.Registry, s.cfg.Logger)
	if err := srv.Start(s.cfg.ServerHost, s.cfg.ServerPort); err != nil {
		return nil, nil, err
	}
	return st, func() { shutdownServer(srv, s.log) }, nil
}

// endpoint is the control plane URL handed to children.
func (s *ClientServer) endpoint() string {
	return ChildSpec{ServerHost: s.cfg.ServerHost, ServerPort: s.cfg.ServerPort}.Endpoint()
}

// childSpec builds the handshake for one spawned bundle.
func (s *ClientServer) childSpec(role v1.Role, index int, sig *intSignal.ProcessSignal) ChildSpec {
	return ChildSpec{
		Role:        role,
		WorkerIndex: index,
		SignalPath:  sig.Path(),
		ServerHost:  s.cfg.ServerHost,
		ServerPort:  s.cfg.ServerPort,
		Managed:     s.cfg.ManagedStore,
	}
}

// spawnRunners starts NRunners runner children, stopping at the first failure.
func (s *ClientServer) spawnRunners(r *run) error {
	for i := 0; i < s.cfg.NRunners; i++ {
		if err := s.spawn(r, s.childSpec(v1.RoleRunner, i, r.sig), fmt.Sprintf("runner-%d", i)); err != nil {
			r.trig.fire("spawn failed")
			return err
		}
	}
	return nil
}

// spawn starts one child and records its handle on r.
func (s *ClientServer) spawn(r *run, spec ChildSpec, name string) error {
	env := append(os.Environ(), s.cfg.ExtraEnv...)
	env = append(env, spec.env()...)
	h, err := process.Start(process.Spec{
		Name:   name,
		Path:   s.cfg.Executable,
		Args:   s.cfg.Args,
		Env:    env,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}, s.log)
	if err != nil {
		return err
	}
	r.children = append(r.children, h)
	s.bus.Emit(events.Event{
		Type:     events.ProcessSpawned,
		Strategy: ClientServerName,
		Role:     string(spec.Role),
		Payload:  map[string]interface{}{"name": name, "pid": h.Pid()},
	})
	s.log.Infof("Spawned %s (pid %d)", name, h.Pid())
	return nil
}

// waitChildren blocks until every child exits or the signal fires.
func (s *ClientServer) waitChildren(ctx context.Context, r *run) {
	fired := intSignal.Fired(ctx, r.sig, s.cfg.WatchInterval)
	for _, h := range r.children {
		select {
		case <-h.Done():
		case <-fired:
			return
		}
	}
}

// shutdown escalates against children still alive, stops the control plane
// and validates exit codes. It returns the exit code violation, if any.
func (s *ClientServer) shutdown(r *run) error {
	defer func() {
		if r.stopServer != nil {
			r.stopServer()
		}
	}()
	if len(r.children) == 0 {
		return nil
	}

	r.trig.fire("shutdown")
	if !process.WaitAll(r.children, s.cfg.GracefulTimeout) {
		survivors := process.Escalate(r.children, s.cfg.TerminateTimeout, s.log, func(step string, targets int) {
			s.bus.Emit(events.Event{
				Type:     events.EscalationStep,
				Strategy: ClientServerName,
				Payload:  map[string]interface{}{"step": step, "targets": targets},
			})
		})
		for _, h := range survivors {
			s.log.Errorf("Child %s (pid %d) is still alive after escalation", h.Name(), h.Pid())
		}
	}

	var exits []lerrors.ProcessExit
	for _, h := range r.children {
		if h.Alive() {
			continue
		}
		exit := h.Exit()
		accepted := s.policy.Accepts(exit.Code)
		s.bus.Emit(events.Event{
			Type:     events.ProcessExited,
			Strategy: ClientServerName,
			Payload:  map[string]interface{}{"name": exit.Name, "code": exit.Code, "killed": exit.Killed, "accepted": accepted},
		})
		exits = append(exits, exit)
	}
	err := s.policy.Check(exits)
	var exitErr *lerrors.ExitCodeError
	if errors.As(err, &exitErr) {
		for _, e := range exitErr.Exits {
			s.log.Warnf("Child exited outside the accepted set %v: %s", s.policy.Codes(), e)
		}
	}
	return err
}
