package cli

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var seedStart = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func TestTraceMissingRunFlag(t *testing.T) {
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewTraceCommand(rootOpts)
	_, err := execute(t, cmd, "--db", "test.db")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
}

func TestTraceNonExistentDatabase(t *testing.T) {
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewTraceCommand(rootOpts)
	_, err := execute(t, cmd, "--db", "/nonexistent/path/test.db", "--run", "run-42")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open database")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTraceUnknownRun(t *testing.T) {
	dbPath := seedDatabase(t, seedStart)

	rootOpts := &RootOptions{Format: "text"}
	cmd := NewTraceCommand(rootOpts)
	_, err := execute(t, cmd, "--db", dbPath, "--run", "no-such-run")

	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown run "no-such-run"`)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTraceRejectsUnknownKind(t *testing.T) {
	dbPath := seedDatabase(t, seedStart)

	rootOpts := &RootOptions{Format: "text"}
	cmd := NewTraceCommand(rootOpts)
	_, err := execute(t, cmd, "--db", dbPath, "--run", "run-42", "--kind", "vibes")

	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown entry kind "vibes"`)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTraceText(t *testing.T) {
	dbPath := seedDatabase(t, seedStart)

	rootOpts := &RootOptions{Format: "text"}
	cmd := NewTraceCommand(rootOpts)
	out, err := execute(t, cmd, "--db", dbPath, "--run", "run-42")

	require.NoError(t, err)
	assert.Contains(t, out, "Trace for run: run-42")
	assert.Contains(t, out, "task_start")
	assert.Contains(t, out, "tool_use")
	assert.Contains(t, out, "assertion")
	assert.Contains(t, out, "Total Entries: 3")
	assert.Contains(t, out, "Instances:     1")
}

func TestTraceKindFilter(t *testing.T) {
	dbPath := seedDatabase(t, seedStart)

	rootOpts := &RootOptions{Format: "text"}
	cmd := NewTraceCommand(rootOpts)
	out, err := execute(t, cmd, "--db", dbPath, "--run", "run-42", "--kind", "tool_use")

	require.NoError(t, err)
	assert.Contains(t, out, "tool_use")
	assert.NotContains(t, out, "task_start")
	assert.Contains(t, out, "Total Entries: 1")
}

func TestTraceJSON(t *testing.T) {
	dbPath := seedDatabase(t, seedStart)

	rootOpts := &RootOptions{Format: "json"}
	cmd := NewTraceCommand(rootOpts)
	out, err := execute(t, cmd, "--db", dbPath, "--run", "run-42")
	require.NoError(t, err)

	var resp struct {
		Status string      `json:"status"`
		Data   TraceResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "run-42", resp.Data.ExecutionID)
	require.Len(t, resp.Data.Timeline, 3)

	// Entries come back in display order with per-instance sequences.
	for i, e := range resp.Data.Timeline {
		assert.Equal(t, "agent-a", e.InstanceID)
		assert.Equal(t, int64(i+1), e.Seq)
	}
}

func traceFixture() TraceResult {
	return TraceResult{
		ExecutionID: "run-42",
		Timeline: []TraceEvent{
			{
				Timestamp:  seedStart.Add(1 * time.Second),
				InstanceID: "agent-a",
				Seq:        1,
				TaskID:     "task-1",
				Kind:       "task_start",
				Category:   "lifecycle",
				Summary:    "task task-1 started",
			},
			{
				Timestamp:  seedStart.Add(2 * time.Second),
				InstanceID: "agent-a",
				Seq:        2,
				Kind:       "tool_use",
				Category:   "action",
				Summary:    "bash: make build",
			},
			{
				Timestamp:  seedStart.Add(3 * time.Second),
				InstanceID: "agent-b",
				Seq:        1,
				Kind:       "assertion",
				Category:   "validation",
				Summary:    "warn custom: lint advisories",
				Duration:   1500 * time.Millisecond,
			},
		},
		ByCategory: map[string]int{"lifecycle": 1, "action": 1, "validation": 1},
		Stats:      TraceStats{TotalEntries: 3, Instances: 2, RunStatus: "completed"},
	}
}

func TestRenderTraceTextGolden(t *testing.T) {
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)

	buf := &bytes.Buffer{}
	renderTraceText(buf, traceFixture(), false)
	g.Assert(t, "trace_text", buf.Bytes())
}

func TestRenderTraceTextVerboseGolden(t *testing.T) {
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)

	buf := &bytes.Buffer{}
	renderTraceText(buf, traceFixture(), true)
	g.Assert(t, "trace_text_verbose", buf.Bytes())
}
