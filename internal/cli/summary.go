package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/runledger/runledger/internal/store"
)

// SummaryOptions holds flags for the summary command.
type SummaryOptions struct {
	*RootOptions
	Database    string
	ExecutionID string
	TaskID      string // optional - narrow the pass rate to one task
}

// SummaryResult aggregates the derived views for an execution.
type SummaryResult struct {
	ExecutionID string                  `json:"execution_id"`
	TaskID      string                  `json:"task_id,omitempty"`
	Tools       []store.ToolSummary     `json:"tools"`
	Categories  []store.CategorySummary `json:"categories"`
	PassRate    store.PassRateReport    `json:"pass_rate"`
}

// NewSummaryCommand creates the summary command.
func NewSummaryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SummaryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Aggregate tool, entry, and assertion activity for an execution",
		Long: `Aggregate an execution's activity into derived views.

Shows per-tool invocation counts and outcomes, transcript entry counts
per category, and the assertion pass rate. All views are computed from
stored records; nothing is stored separately.

Examples:
  runledger summary --db ./runledger.db --run run-42
  runledger summary --db ./runledger.db --run run-42 --task task-1 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSummary(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.ExecutionID, "run", "", "execution run to summarize (required)")
	_ = cmd.MarkFlagRequired("run")
	cmd.Flags().StringVar(&opts.TaskID, "task", "", "narrow the pass rate to a task")

	return cmd
}

func runSummary(opts *SummaryOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	st, err := openStore(opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	if _, err := st.GetRun(ctx, opts.ExecutionID); err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("unknown run %q", opts.ExecutionID), err)
	}

	tools, err := st.SummarizeByTool(ctx, opts.ExecutionID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to summarize tools", err)
	}
	categories, err := st.SummarizeByCategory(ctx, opts.ExecutionID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to summarize categories", err)
	}
	passRate, err := st.PassRate(ctx, opts.ExecutionID, opts.TaskID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to compute pass rate", err)
	}

	result := SummaryResult{
		ExecutionID: opts.ExecutionID,
		TaskID:      opts.TaskID,
		Tools:       tools,
		Categories:  categories,
		PassRate:    passRate,
	}

	if opts.Format == "json" {
		return formatterFor(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr()).Success(result)
	}
	renderSummaryText(cmd.OutOrStdout(), result)
	return nil
}

// renderSummaryText writes the human-readable summary.
func renderSummaryText(w io.Writer, result SummaryResult) {
	fmt.Fprintf(w, "Summary for run: %s\n", result.ExecutionID)
	if result.TaskID != "" {
		fmt.Fprintf(w, "Task: %s\n", result.TaskID)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Tools ===")
	if len(result.Tools) == 0 {
		fmt.Fprintln(w, "  (no tool invocations)")
	}
	for _, ts := range result.Tools {
		fmt.Fprintf(w, "  %s (%s): %d call(s), %d succeeded, %d errored, %d blocked, %d pending, total %s\n",
			ts.ToolName, ts.Category, ts.Count,
			ts.Succeeded, ts.Errored, ts.Blocked, ts.Pending, ts.TotalDuration)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Entries ===")
	if len(result.Categories) == 0 {
		fmt.Fprintln(w, "  (no entries)")
	}
	for _, cs := range result.Categories {
		fmt.Fprintf(w, "  %s: %d\n", cs.Category, cs.Count)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Assertions ===")
	pr := result.PassRate
	if pr.Total == 0 {
		fmt.Fprintln(w, "  (no assertions)")
		return
	}
	fmt.Fprintf(w, "  pass: %d  fail: %d  skip: %d  warn: %d\n", pr.Pass, pr.Fail, pr.Skip, pr.Warn)
	fmt.Fprintf(w, "  rate: %.1f%%\n", pr.Rate*100)
}
