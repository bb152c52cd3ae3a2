package main

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/gxo-labs/lightning/internal/config"
	"github.com/gxo-labs/lightning/internal/logger"
	"github.com/gxo-labs/lightning/internal/strategy"
	lerrors "github.com/gxo-labs/lightning/pkg/lightning/v1/errors"
)

// runOptions carries the flags of the run command.
type runOptions struct {
	configPath   string
	strategyType string
	logLevel     string
	logFormat    string
	metricsAddr  string
}

// newRootCmd builds the command tree. Commands report their process exit
// code through exitCode; a returned error is a usage error.
func newRootCmd(child *strategy.ChildSpec, exitCode *int) *cobra.Command {
	root := &cobra.Command{
		Use:           "lightning",
		Short:         "Run an algorithm and its rollout runners under one execution strategy",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(child, exitCode), newValidateCmd(exitCode), newVersionCmd())
	return root
}

func newRunCmd(child *strategy.ChildSpec, exitCode *int) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the batch algorithm and workers described by a config file",
		Long: `Loads the configuration, then runs the batch algorithm and the worker
loop with the selected strategy:

  shm  algorithm and runners share this process
  cs   runners (or the algorithm) run as child processes of this binary,
       linked through a shared stop signal and an HTTP control plane

LIGHTNING_ROLE, LIGHTNING_SERVER_HOST and LIGHTNING_SERVER_PORT override the
corresponding cs settings.`,
		Example: `  lightning run --config examples/batch.yaml
  lightning run --config examples/batch.yaml --strategy cs --metrics-addr :9090
  LIGHTNING_ROLE=runner lightning run --config examples/batch.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.strategyType != "" && opts.strategyType != config.StrategySharedMemory && opts.strategyType != config.StrategyClientServer {
				return fmt.Errorf("--strategy must be '%s' or '%s'", config.StrategySharedMemory, config.StrategyClientServer)
			}
			if opts.logFormat != "" && opts.logFormat != config.LogFormatText && opts.logFormat != config.LogFormatJSON {
				return fmt.Errorf("--log-format must be 'text' or 'json'")
			}
			*exitCode = runLightning(cmd.Context(), opts, child)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to the run configuration YAML file (required)")
	flags.StringVar(&opts.strategyType, "strategy", "", "Override strategy.type (shm, cs)")
	flags.StringVar(&opts.logLevel, "log-level", "", "Override log.level (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "", "Override log.format (text, json)")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func newValidateCmd(exitCode *int) *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a run configuration without running it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := logger.NewLogger(DefaultLogLevel, DefaultLogFmt, cmd.ErrOrStderr())
			log.Infof("Validating configuration: %s", configPath)

			if _, err := config.LoadFromFile(configPath); err != nil {
				var validationErr *lerrors.ValidationError
				if errors.As(err, &validationErr) {
					log.Errorf("Configuration validation failed:\n%s", validationErr.Error())
				} else {
					log.Errorf("Failed to load configuration: %v", err)
				}
				*exitCode = ExitFailure
				return nil
			}
			log.Infof("Configuration is valid: %s", configPath)
			*exitCode = ExitSuccess
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the run configuration YAML file (required)")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "lightning version %s\n", version)
			fmt.Fprintf(out, "commit: %s\n", commit)
			fmt.Fprintf(out, "built: %s\n", buildDate)
			fmt.Fprintf(out, "go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "os/arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}
