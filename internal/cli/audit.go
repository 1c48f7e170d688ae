package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/runledger/runledger/internal/store"
)

// AuditOptions holds flags for the audit command.
type AuditOptions struct {
	*RootOptions
	Database    string
	ExecutionID string
	StaleAfter  time.Duration
}

// AuditResult wraps the store's audit report with the inputs that shaped it.
type AuditResult struct {
	ExecutionID string            `json:"execution_id"`
	StaleAfter  time.Duration     `json:"stale_after"`
	Clean       bool              `json:"clean"`
	Findings    int               `json:"findings"`
	Report      store.AuditReport `json:"report"`
}

// NewAuditCommand creates the audit command.
func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AuditOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Find incomplete work in an execution",
		Long: `Scan an execution for incomplete work.

Reports tool invocations still pending past the staleness cutoff,
unfinished skills, unclosed or empty assertion chains, unreleased locks,
and checkpoints never committed or rolled back. Nothing is mutated;
findings are reported, never auto-closed.

Exits 1 when findings exist, 0 when the execution is clean.

Examples:
  runledger audit --db ./runledger.db --run run-42
  runledger audit --db ./runledger.db --run run-42 --stale-after 5m`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.ExecutionID, "run", "", "execution run to audit (required)")
	_ = cmd.MarkFlagRequired("run")
	cmd.Flags().DurationVar(&opts.StaleAfter, "stale-after", 10*time.Minute,
		"age after which a pending tool invocation counts as stale")

	return cmd
}

func runAudit(opts *AuditOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	staleAfter := opts.StaleAfter
	if !cmd.Flags().Changed("stale-after") && opts.Config != nil {
		staleAfter = opts.Config.Audit.StaleToolAfter.Std()
	}

	st, err := openStore(opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	if _, err := st.GetRun(ctx, opts.ExecutionID); err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("unknown run %q", opts.ExecutionID), err)
	}

	report, err := st.Audit(ctx, opts.ExecutionID, time.Now().Add(-staleAfter))
	if err != nil {
		return WrapExitError(ExitCommandError, "audit failed", err)
	}

	result := AuditResult{
		ExecutionID: opts.ExecutionID,
		StaleAfter:  staleAfter,
		Clean:       report.Clean(),
		Findings:    countFindings(report),
		Report:      report,
	}

	if opts.Format == "json" {
		if err := formatterFor(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr()).Success(result); err != nil {
			return err
		}
	} else {
		renderAuditText(cmd.OutOrStdout(), result)
	}

	if !result.Clean {
		return NewExitError(ExitFailure, fmt.Sprintf("audit found %d incomplete item(s)", result.Findings))
	}
	return nil
}

func countFindings(r store.AuditReport) int {
	return len(r.StaleTools) + len(r.RunningSkills) + len(r.OpenChains) +
		len(r.EmptyChains) + len(r.UnreleasedLocks) + len(r.OpenCheckpoints)
}

// renderAuditText writes the human-readable audit report. Sections with no
// findings still print so a clean run reads as an explicit all-clear.
func renderAuditText(w io.Writer, result AuditResult) {
	fmt.Fprintf(w, "Audit for run: %s\n", result.ExecutionID)
	if result.Clean {
		fmt.Fprintln(w, "Status: clean")
	} else {
		fmt.Fprintf(w, "Status: %d finding(s)\n", result.Findings)
	}
	fmt.Fprintln(w)

	r := result.Report

	fmt.Fprintf(w, "=== Stale Tools (pending > %s) ===\n", result.StaleAfter)
	if len(r.StaleTools) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, inv := range r.StaleTools {
		fmt.Fprintf(w, "  %s %s pending since %s\n",
			inv.ToolName, inv.ID, inv.StartTime.UTC().Format(traceTimeFormat))
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Running Skills ===")
	if len(r.RunningSkills) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, sk := range r.RunningSkills {
		fmt.Fprintf(w, "  %s %s running since %s\n",
			sk.SkillName, sk.ID, sk.StartTime.UTC().Format(traceTimeFormat))
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Open Chains ===")
	if len(r.OpenChains) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, c := range r.OpenChains {
		fmt.Fprintf(w, "  %s %q never closed\n", c.ID, c.Description)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Empty Chains ===")
	if len(r.EmptyChains) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, c := range r.EmptyChains {
		fmt.Fprintf(w, "  %s %q closed with no assertions\n", c.ID, c.Description)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Unreleased Locks ===")
	if len(r.UnreleasedLocks) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, e := range r.UnreleasedLocks {
		fmt.Fprintf(w, "  %s %s\n", e.Timestamp.UTC().Format(traceTimeFormat), e.Summary)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Open Checkpoints ===")
	if len(r.OpenCheckpoints) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, e := range r.OpenCheckpoints {
		fmt.Fprintf(w, "  %s %s\n", e.Timestamp.UTC().Format(traceTimeFormat), e.Summary)
	}
}
