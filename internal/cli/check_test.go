package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runledger/runledger/internal/config"
	"github.com/runledger/runledger/internal/record"
	"github.com/runledger/runledger/internal/store"
)

// newRunDatabase builds a database holding only an open run.
func newRunDatabase(t *testing.T) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "runledger.db")
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.StartRun(context.Background(), record.ExecutionRun{ID: "run-42", StartTime: seedStart}))
	return dbPath
}

func writeCheckDir(t *testing.T, source string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "checks.cue"), []byte(source), 0o644))
	return dir
}

func TestCheckRecordsVerdicts(t *testing.T) {
	dbPath := newRunDatabase(t)
	checkDir := writeCheckDir(t, `
check: build: {
	description: "exit zero"
	command: ["true"]
}
check: lint: {
	description: "exit nonzero"
	command: ["false"]
}
`)

	rootOpts := &RootOptions{Format: "text"}
	cmd := NewCheckCommand(rootOpts)
	out, err := execute(t, cmd, "--db", dbPath, "--run", "run-42", "--task", "task-1", "--dir", checkDir)

	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "1 check(s) failed")
	assert.Contains(t, out, "pass custom        exit zero")
	assert.Contains(t, out, "fail custom        exit nonzero")
	assert.Contains(t, out, "Chain verdict: fail (1 pass / 1 fail / 0 skip)")

	// The verdicts are durable: assertions, the closed chain, and the
	// announcing transcript entries are all in the store.
	st, err := store.Open(dbPath)
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	recs, _, err := st.ListAssertions(ctx, store.AssertionFilter{ExecutionID: "run-42"})
	require.NoError(t, err)
	require.Len(t, recs, 2)

	chains, err := st.ListChains(ctx, "run-42", "task-1")
	require.NoError(t, err)
	require.Len(t, chains, 1)
	assert.True(t, chains[0].Closed)
	assert.Equal(t, record.ChainFail, chains[0].Verdict)
	assert.Equal(t, 1, chains[0].FirstFailure)

	entries, _, err := st.ListEntries(ctx, store.EntryFilter{ExecutionID: "run-42", Kind: record.KindAssertion})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestCheckAllPass(t *testing.T) {
	dbPath := newRunDatabase(t)
	checkDir := writeCheckDir(t, `
check: greeting: {
	description: "prints hello"
	command: ["echo", "hello"]
	output_contains: "hello"
}
`)

	rootOpts := &RootOptions{Format: "text"}
	cmd := NewCheckCommand(rootOpts)
	out, err := execute(t, cmd, "--db", dbPath, "--run", "run-42", "--dir", checkDir)

	require.NoError(t, err)
	assert.Contains(t, out, "Chain verdict: pass (1 pass / 0 fail / 0 skip)")
}

func TestCheckMissingDirectory(t *testing.T) {
	dbPath := newRunDatabase(t)

	rootOpts := &RootOptions{Format: "text"}
	cmd := NewCheckCommand(rootOpts)
	_, err := execute(t, cmd, "--db", dbPath, "--run", "run-42", "--dir", "/nonexistent/checks")

	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load checks")
}

func TestCheckRequiresDirectory(t *testing.T) {
	dbPath := newRunDatabase(t)

	rootOpts := &RootOptions{Format: "text"}
	cmd := NewCheckCommand(rootOpts)
	_, err := execute(t, cmd, "--db", dbPath, "--run", "run-42")

	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "no check directory")
}

func TestCheckDirectoryFromConfig(t *testing.T) {
	dbPath := newRunDatabase(t)
	checkDir := writeCheckDir(t, `
check: noop: {
	description: "always passes"
	command: ["true"]
}
`)

	cfg := config.Default()
	cfg.CheckSpecDir = checkDir
	rootOpts := &RootOptions{Format: "text", Config: &cfg}
	cmd := NewCheckCommand(rootOpts)
	out, err := execute(t, cmd, "--db", dbPath, "--run", "run-42")

	require.NoError(t, err)
	assert.Contains(t, out, "Chain verdict: pass")
}
