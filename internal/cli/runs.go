package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/runledger/runledger/internal/record"
)

// RunsOptions holds flags for the runs command.
type RunsOptions struct {
	*RootOptions
	Database string
}

// RunsResult holds the listed execution runs.
type RunsResult struct {
	Runs []record.ExecutionRun `json:"runs"`
}

// NewRunsCommand creates the runs command.
func NewRunsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List execution runs in a database",
		Long: `List the execution runs recorded in a database, newest first.

Examples:
  runledger runs --db ./runledger.db
  runledger runs --db ./runledger.db --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRuns(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runRuns(opts *RunsOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	st, err := openStore(opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := st.ListRuns(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list runs", err)
	}

	if opts.Format == "json" {
		return formatterFor(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr()).Success(RunsResult{Runs: runs})
	}
	renderRunsText(cmd.OutOrStdout(), runs)
	return nil
}

// renderRunsText writes the human-readable run listing.
func renderRunsText(w io.Writer, runs []record.ExecutionRun) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}
	for _, run := range runs {
		end := "-"
		if !run.EndTime.IsZero() {
			end = run.EndTime.UTC().Format(traceTimeFormat)
		}
		fmt.Fprintf(w, "  %s  %-9s  %s -> %s\n",
			run.ID, run.Status, run.StartTime.UTC().Format(traceTimeFormat), end)
	}
}
