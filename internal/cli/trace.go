package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/runledger/runledger/internal/record"
	"github.com/runledger/runledger/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database    string
	ExecutionID string
	TaskID      string // optional - narrow to one task
	InstanceID  string // optional - narrow to one agent instance
	Kind        string // optional - narrow to one entry kind
	Limit       int
}

// TraceEvent is one transcript entry in the rendered timeline.
type TraceEvent struct {
	Timestamp  time.Time     `json:"timestamp"`
	InstanceID string        `json:"instance_id"`
	Seq        int64         `json:"seq"`
	TaskID     string        `json:"task_id,omitempty"`
	Kind       string        `json:"kind"`
	Category   string        `json:"category"`
	Summary    string        `json:"summary"`
	Duration   time.Duration `json:"duration,omitempty"`
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	ExecutionID string         `json:"execution_id"`
	Timeline    []TraceEvent   `json:"timeline"`
	ByCategory  map[string]int `json:"by_category"`
	Stats       TraceStats     `json:"stats"`
}

// TraceStats holds summary statistics for the trace.
type TraceStats struct {
	TotalEntries int    `json:"total_entries"`
	Instances    int    `json:"instances"`
	RunStatus    string `json:"run_status"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show the transcript timeline for an execution",
		Long: `Show the merged transcript timeline for an execution.

Entries from every agent instance are interleaved in display order:
wall-clock timestamp first, then id. Sequence numbers are scoped to one
instance and are never compared across instances.

Examples:
  runledger trace --db ./runledger.db --run run-42
  runledger trace --db ./runledger.db --run run-42 --task task-1 --kind tool_use
  runledger trace --db ./runledger.db --run run-42 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.ExecutionID, "run", "", "execution run to trace (required)")
	_ = cmd.MarkFlagRequired("run")
	cmd.Flags().StringVar(&opts.TaskID, "task", "", "filter to a task")
	cmd.Flags().StringVar(&opts.InstanceID, "instance", "", "filter to an agent instance")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "filter to an entry kind")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "stop after this many entries (0 = all)")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	if opts.Kind != "" && !record.ValidKind(record.EntryKind(opts.Kind)) {
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown entry kind %q", opts.Kind))
	}

	st, err := openStore(opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	run, err := st.GetRun(ctx, opts.ExecutionID)
	if err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("unknown run %q", opts.ExecutionID), err)
	}

	entries, err := collectTimeline(ctx, st, opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read transcript", err)
	}

	result := buildTraceResult(run, entries)

	if opts.Format == "json" {
		return formatterFor(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr()).Success(result)
	}
	renderTraceText(cmd.OutOrStdout(), result, opts.Verbose)
	return nil
}

// collectTimeline pages through ListEntries until the filter is exhausted or
// the caller's limit is reached.
func collectTimeline(ctx context.Context, st *store.Store, opts *TraceOptions) ([]record.TranscriptEntry, error) {
	var all []record.TranscriptEntry
	cursor := ""
	for {
		page, next, err := st.ListEntries(ctx, store.EntryFilter{
			ExecutionID: opts.ExecutionID,
			InstanceID:  opts.InstanceID,
			TaskID:      opts.TaskID,
			Kind:        record.EntryKind(opts.Kind),
			Cursor:      cursor,
			Limit:       store.DefaultPageSize,
		})
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if opts.Limit > 0 && len(all) >= opts.Limit {
			return all[:opts.Limit], nil
		}
		if next == "" {
			return all, nil
		}
		cursor = next
	}
}

func buildTraceResult(run record.ExecutionRun, entries []record.TranscriptEntry) TraceResult {
	timeline := make([]TraceEvent, 0, len(entries))
	instances := map[string]bool{}
	byCategory := map[string]int{}
	for _, e := range entries {
		instances[e.InstanceID] = true
		byCategory[string(e.Category)]++
		timeline = append(timeline, TraceEvent{
			Timestamp:  e.Timestamp,
			InstanceID: e.InstanceID,
			Seq:        e.Seq,
			TaskID:     e.TaskID,
			Kind:       string(e.Kind),
			Category:   string(e.Category),
			Summary:    e.Summary,
			Duration:   e.Duration,
		})
	}
	return TraceResult{
		ExecutionID: run.ID,
		Timeline:    timeline,
		ByCategory:  byCategory,
		Stats: TraceStats{
			TotalEntries: len(timeline),
			Instances:    len(instances),
			RunStatus:    string(run.Status),
		},
	}
}

// traceTimeFormat keeps every rendered timestamp the same width so the
// timeline columns line up.
const traceTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// categoryOrder fixes the render order of the per-category stats.
var categoryOrder = []record.EntryCategory{
	record.CategoryLifecycle,
	record.CategoryAction,
	record.CategoryValidation,
	record.CategoryKnowledge,
	record.CategoryCoordination,
}

// renderTraceText writes the human-readable timeline.
func renderTraceText(w io.Writer, result TraceResult, verbose bool) {
	fmt.Fprintf(w, "Trace for run: %s\n", result.ExecutionID)
	fmt.Fprintf(w, "Status: %s\n", result.Stats.RunStatus)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Timeline ===")
	if len(result.Timeline) == 0 {
		fmt.Fprintln(w, "  (no entries)")
	} else {
		for _, e := range result.Timeline {
			fmt.Fprintf(w, "  %s %s/%-3d %-15s %s\n",
				e.Timestamp.UTC().Format(traceTimeFormat),
				e.InstanceID, e.Seq, e.Kind, e.Summary)
			if verbose {
				if e.TaskID != "" {
					fmt.Fprintf(w, "    task: %s\n", e.TaskID)
				}
				if e.Duration > 0 {
					fmt.Fprintf(w, "    duration: %s\n", e.Duration)
				}
			}
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Stats ===")
	fmt.Fprintf(w, "  Total Entries: %d\n", result.Stats.TotalEntries)
	fmt.Fprintf(w, "  Instances:     %d\n", result.Stats.Instances)
	for _, cat := range categoryOrder {
		if n, ok := result.ByCategory[string(cat)]; ok {
			fmt.Fprintf(w, "  %s: %d\n", cat, n)
		}
	}
}
