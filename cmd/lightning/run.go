package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gxo-labs/lightning/internal/baseline"
	"github.com/gxo-labs/lightning/internal/config"
	"github.com/gxo-labs/lightning/internal/events"
	"github.com/gxo-labs/lightning/internal/logger"
	"github.com/gxo-labs/lightning/internal/metrics"
	"github.com/gxo-labs/lightning/internal/runner"
	"github.com/gxo-labs/lightning/internal/store"
	"github.com/gxo-labs/lightning/internal/strategy"
	"github.com/gxo-labs/lightning/internal/tracing"
	v1 "github.com/gxo-labs/lightning/pkg/lightning/v1"
	lerrors "github.com/gxo-labs/lightning/pkg/lightning/v1/errors"
	llog "github.com/gxo-labs/lightning/pkg/lightning/v1/log"
	ltracing "github.com/gxo-labs/lightning/pkg/lightning/v1/tracing"
)

// Environment overrides for the cross-process strategy, read once here.
const (
	EnvRole       = "LIGHTNING_ROLE"
	EnvServerHost = "LIGHTNING_SERVER_HOST"
	EnvServerPort = "LIGHTNING_SERVER_PORT"
)

const (
	DefaultEventBusSize = 256
	shutdownTimeout     = 5 * time.Second
)

func runLightning(parent context.Context, opts *runOptions, child *strategy.ChildSpec) int {
	cfg, err := config.LoadFromFile(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitFailure
	}
	applyFlagOverrides(cfg, opts)
	if err := applyEnvOverrides(&cfg.Strategy, os.LookupEnv); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitFailure
	}

	log := logger.NewLogger(cfg.Log.GetLevel(), cfg.Log.GetFormat(), os.Stderr)
	configureGin(log)
	log = log.With("lightning_version", version)
	if child != nil {
		log = log.With("pid", os.Getpid())
	}

	runCtx, cancelRun := context.WithCancel(parent)
	defer cancelRun()

	registry := metrics.NewPrometheusRegistryProvider(true).Registry()
	bus := events.NewChannelEventBus(DefaultEventBusSize, log)
	listenerDone := make(chan struct{})
	go func() {
		defer close(listenerDone)
		events.NewMetricsEventListener(bus, metrics.NewCollectors(registry), log).Start(runCtx)
	}()
	defer func() {
		bus.Close()
		<-listenerDone
	}()

	tracerProvider := setupTracing(parent, log)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tracerProvider.Shutdown(ctx); err != nil {
			log.Warnf("Error shutting down tracer provider: %v", err)
		}
	}()

	alg, worker, err := buildBundles(cfg, tracerProvider, bus, log)
	if err != nil {
		log.Errorf("%v", err)
		return ExitFailure
	}

	if child != nil {
		return strategy.RunChild(parent, *child, alg, worker, store.NewMemoryStore(), strategy.ChildOptions{
			Logger:   log,
			Registry: registry,
		})
	}

	strat, err := buildStrategy(cfg, log, bus, registry)
	if err != nil {
		log.Errorf("%v", err)
		return ExitFailure
	}

	if opts.metricsAddr != "" {
		srv := metrics.NewServer(opts.metricsAddr, registry)
		if err := srv.Start(); err != nil {
			log.Errorf("Failed to start metrics server on %s: %v", opts.metricsAddr, err)
			return ExitFailure
		}
		log.Infof("Serving metrics on http://%s/metrics", srv.Addr())
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				log.Warnf("Error shutting down metrics server: %v", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var (
		receivedSignal os.Signal
		sigMu          sync.Mutex
		wg             sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case sig := <-sigChan:
			log.Warnf("Received signal: %v. Initiating graceful shutdown...", sig)
			sigMu.Lock()
			receivedSignal = sig
			sigMu.Unlock()
			cancelRun()
		case <-runCtx.Done():
		}
	}()

	log.Infof("Starting run '%s' with strategy '%s' and %d task(s)", cfg.Name, cfg.Strategy.Type, len(cfg.Tasks))
	start := time.Now()
	execErr := strat.Execute(runCtx, alg, worker, store.NewMemoryStore())
	cancelRun()
	wg.Wait()

	logSummary(log, alg.Summary(), time.Since(start))

	sigMu.Lock()
	finalSignal := receivedSignal
	sigMu.Unlock()
	return determineExitCode(execErr, finalSignal, log)
}

// configureGin keeps gin's debug route dump out of non-debug runs.
func configureGin(log llog.Logger) {
	if log.IsEnabled(slog.LevelDebug) {
		gin.SetMode(gin.DebugMode)
		return
	}
	gin.SetMode(gin.ReleaseMode)
}

func applyFlagOverrides(cfg *config.File, opts *runOptions) {
	if opts.strategyType != "" {
		cfg.Strategy.Type = opts.strategyType
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.Log.Format = opts.logFormat
	}
}

// applyEnvOverrides copies the LIGHTNING_* overrides into s. lookup is
// os.LookupEnv outside tests.
func applyEnvOverrides(s *config.StrategyConfig, lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvRole); ok && v != "" {
		role, err := v1.ParseRole(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRole, err)
		}
		s.Role = string(role)
	}
	if v, ok := lookup(EnvServerHost); ok && v != "" {
		s.ServerHost = v
	}
	if v, ok := lookup(EnvServerPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 0 || port > 65535 {
			return fmt.Errorf("%s: invalid port '%s'", EnvServerPort, v)
		}
		s.ServerPort = port
	}
	return nil
}

// setupTracing exports to OTLP when the environment configures it. A no-op
// result leaves span recording to the store the worker runs against.
func setupTracing(ctx context.Context, log llog.Logger) *tracing.OtelTracerProvider {
	tp, err := tracing.NewProviderFromEnv(ctx, log)
	if err != nil {
		log.Warnf("Failed to initialize tracing from environment: %v. Using NoOp tracer.", err)
		return tracing.NewNoOpProvider()
	}
	return tp
}

func buildBundles(cfg *config.File, tp *tracing.OtelTracerProvider, bus *events.ChannelEventBus, log llog.Logger) (*baseline.BatchAlgorithm, *runner.Worker, error) {
	alg, err := baseline.NewBatchAlgorithm(baseline.BatchConfig{
		Tasks:       cfg.Tasks,
		WaitTimeout: cfg.Algorithm.GetWaitTimeout(),
		Logger:      log,
	})
	if err != nil {
		return nil, nil, err
	}

	var provider ltracing.TracerProvider
	if !tp.IsEffectivelyNoOp() {
		provider = tp
	}
	worker, err := runner.New(runner.Config{
		Agent:             baseline.NewDemoAgent(log),
		TracerProvider:    provider,
		PollInterval:      cfg.Runner.GetPollInterval(),
		PollJitter:        cfg.Runner.GetPollJitter(),
		HeartbeatInterval: cfg.Runner.GetHeartbeatInterval(),
		HeartbeatJitter:   cfg.Runner.GetHeartbeatJitter(),
		MaxRollouts:       cfg.Runner.MaxRollouts,
		Logger:            log,
		Bus:               bus,
	})
	if err != nil {
		return nil, nil, err
	}
	return alg, worker, nil
}

func buildStrategy(cfg *config.File, log llog.Logger, bus *events.ChannelEventBus, registry *prometheus.Registry) (v1.Strategy, error) {
	s := &cfg.Strategy
	switch s.Type {
	case config.StrategySharedMemory:
		c := strategy.DefaultSharedMemoryConfig()
		c.NRunners = s.GetNRunners()
		c.MainOwner = v1.MainOwner(s.MainOwner)
		c.GracefulDelay = s.GetGracefulDelay()
		c.JoinTimeout = s.GetJoinTimeout()
		c.ManagedStore = s.IsManagedStore()
		c.Logger = log
		c.Bus = bus
		return strategy.NewSharedMemory(c)
	case config.StrategyClientServer:
		c := strategy.DefaultClientServerConfig()
		if s.Role != "" {
			c.Role = v1.Role(s.Role)
		}
		c.NRunners = s.GetNRunners()
		if s.ServerHost != "" {
			c.ServerHost = s.ServerHost
		}
		if s.ServerPort != 0 {
			c.ServerPort = s.ServerPort
		}
		c.MainProcess = v1.MainOwner(s.MainOwner)
		c.GracefulTimeout = s.GetGracefulTimeout()
		c.TerminateTimeout = s.GetTerminateTimeout()
		c.ManagedStore = s.IsManagedStore()
		c.AllowedExitCodes = s.ExitCodes()
		c.Logger = log
		c.Bus = bus
		c.Registry = registry
		return strategy.NewClientServer(c)
	default:
		return nil, lerrors.NewConfigError(fmt.Sprintf("unknown strategy type '%s'", s.Type), nil)
	}
}

func logSummary(log llog.Logger, s baseline.Summary, elapsed time.Duration) {
	if s.Total == 0 {
		// The algorithm ran in another process.
		return
	}
	line := fmt.Sprintf("Duration: %v. Rollouts: Total=%d, Succeeded=%d, Failed=%d, Unfinished=%d",
		elapsed.Truncate(time.Millisecond), s.Total, s.Succeeded, s.Failed, s.Unfinished)
	if mean, ok := s.MeanReward(); ok {
		line += fmt.Sprintf(", MeanReward=%.4f", mean)
	}
	if s.Failed > 0 || s.Unfinished > 0 {
		log.Warnf("%s", line)
		return
	}
	log.Infof("%s", line)
}

func determineExitCode(execErr error, sig os.Signal, log llog.Logger) int {
	if execErr == nil {
		log.Infof("Run completed successfully.")
		return ExitSuccess
	}
	if errors.Is(execErr, context.Canceled) {
		switch sig {
		case syscall.SIGINT:
			log.Warnf("Run interrupted by signal: SIGINT")
			return ExitSigInt
		case syscall.SIGTERM:
			log.Warnf("Run terminated by signal: SIGTERM")
			return ExitSigTerm
		}
		log.Warnf("Run cancelled.")
		return ExitFailure
	}

	var exitErr *lerrors.ExitCodeError
	var bundleErr *lerrors.BundleError
	switch {
	case errors.As(execErr, &exitErr):
		log.Errorf("Child processes exited outside the accepted set: %v", exitErr)
	case errors.As(execErr, &bundleErr):
		log.Errorf("Bundle failed: %v", bundleErr)
	default:
		log.Errorf("Run failed: %v", execErr)
	}
	return ExitFailure
}
