package assertion

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecRunner_CapturesExitAndOutput(t *testing.T) {
	r := NewExecRunner(5 * time.Second)
	ctx := context.Background()

	ok, err := r.Run(ctx, "echo hello", "")
	require.NoError(t, err)
	assert.Equal(t, 0, ok.ExitCode)
	assert.Equal(t, "hello\n", ok.Output)
	assert.False(t, ok.TimedOut)

	bad, err := r.Run(ctx, "exit 3", "")
	require.NoError(t, err)
	assert.Equal(t, 3, bad.ExitCode)
}

func TestExecRunner_RunsInDir(t *testing.T) {
	r := NewExecRunner(5 * time.Second)
	dir := t.TempDir()

	res, err := r.Run(context.Background(), "pwd", dir)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Output, dir)
}

func TestExecRunner_TimeoutIsResultNotError(t *testing.T) {
	r := NewExecRunner(50 * time.Millisecond)

	res, err := r.Run(context.Background(), "sleep 5", "")
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, -1, res.ExitCode)
}

func TestExecRunner_CombinedOutputIncludesStderr(t *testing.T) {
	r := NewExecRunner(5 * time.Second)

	res, err := r.Run(context.Background(), "echo oops >&2", "")
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "oops\n", res.Output)
}
