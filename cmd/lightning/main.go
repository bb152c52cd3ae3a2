package main

import (
	"fmt"
	"os"
	"syscall"

	"github.com/gxo-labs/lightning/internal/strategy"
)

const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitUsageError  = 2
	ExitSignalBase  = 128
	ExitSigInt      = ExitSignalBase + int(syscall.SIGINT)
	ExitSigTerm     = ExitSignalBase + int(syscall.SIGTERM)
	DefaultLogLevel = "info"
	DefaultLogFmt   = "text"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	// A process spawned by the cross-process strategy re-enters through the
	// same command line; the handshake decides which bundle it runs.
	child, isChild, err := strategy.ChildSpecFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid child process handshake: %v\n", err)
		os.Exit(ExitFailure)
	}
	var childSpec *strategy.ChildSpec
	if isChild {
		childSpec = &child
	}
	os.Exit(execute(os.Args[1:], childSpec))
}

// execute runs the root command and returns the process exit code.
func execute(args []string, child *strategy.ChildSpec) int {
	exitCode := ExitSuccess
	root := newRootCmd(child, &exitCode)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitUsageError
	}
	return exitCode
}
