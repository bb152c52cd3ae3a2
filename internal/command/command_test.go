//go:build unix

package command_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gxo-labs/lightning/internal/command"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

func TestRun_CapturesOutputAndExitCode(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	res, err := command.NewRunner().Run(ctx, command.Spec{
		Path: "/bin/sh",
		Args: []string{"-c", "echo out; echo err >&2; exit 3"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "out", strings.TrimSpace(res.Stdout))
	assert.Equal(t, "err", strings.TrimSpace(res.Stderr))
}

func TestRun_EnvAndDir(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	dir := t.TempDir()

	res, err := command.NewRunner().Run(ctx, command.Spec{
		Path: "/bin/sh",
		Args: []string{"-c", "echo $LIGHTNING_TEST_VALUE; pwd"},
		Dir:  dir,
		Env:  []string{"LIGHTNING_TEST_VALUE=hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, "hello")
	assert.Contains(t, res.Stdout, dir)
}

func TestRun_MissingBinary(t *testing.T) {
	_, err := command.NewRunner().Run(context.Background(), command.Spec{Path: "/nonexistent/lightning-binary"})
	assert.Error(t, err)
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := command.NewRunner().Run(ctx, command.Spec{Path: "/bin/sh", Args: []string{"-c", "sleep 10"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), testTimeout)
}
