package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/runledger/runledger/internal/record"
	"github.com/runledger/runledger/internal/store"
)

// VerdictOptions holds flags for the verdict command.
type VerdictOptions struct {
	*RootOptions
	Database    string
	ExecutionID string
	TaskID      string // optional - narrow to one task
	ChainID     string // optional - show a single chain
}

// ChainReport is one assertion chain with its member records.
type ChainReport struct {
	Chain   record.AssertionChain    `json:"chain"`
	Members []record.AssertionRecord `json:"members"`
}

// VerdictResult holds the chains reported for an execution or task.
type VerdictResult struct {
	ExecutionID string        `json:"execution_id"`
	TaskID      string        `json:"task_id,omitempty"`
	Chains      []ChainReport `json:"chains"`
	Failed      int           `json:"failed"`
	Open        int           `json:"open"`
}

// NewVerdictCommand creates the verdict command.
func NewVerdictCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerdictOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "verdict",
		Short: "Show assertion chain verdicts for an execution",
		Long: `Show the assertion chains recorded for an execution.

Each chain lists its member assertions in position order with their
individual verdicts. A closed chain carries the aggregate verdict:
any fail makes the chain fail, otherwise any skip makes it partial,
otherwise it passes. Open chains are shown as open, never auto-closed.

Exits 1 when any reported chain failed.

Examples:
  runledger verdict --db ./runledger.db --run run-42 --task task-1
  runledger verdict --db ./runledger.db --run run-42 --chain chain-7 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerdict(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.ExecutionID, "run", "", "execution run to report (required)")
	_ = cmd.MarkFlagRequired("run")
	cmd.Flags().StringVar(&opts.TaskID, "task", "", "filter to a task")
	cmd.Flags().StringVar(&opts.ChainID, "chain", "", "show a single chain by id")

	return cmd
}

func runVerdict(opts *VerdictOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	st, err := openStore(opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	if _, err := st.GetRun(ctx, opts.ExecutionID); err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("unknown run %q", opts.ExecutionID), err)
	}

	chains, err := selectChains(ctx, st, opts)
	if err != nil {
		return err
	}

	result := VerdictResult{
		ExecutionID: opts.ExecutionID,
		TaskID:      opts.TaskID,
		Chains:      make([]ChainReport, 0, len(chains)),
	}
	for _, c := range chains {
		members, err := st.ChainMembers(ctx, c.ID)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read chain members", err)
		}
		result.Chains = append(result.Chains, ChainReport{Chain: c, Members: members})
		if !c.Closed {
			result.Open++
		} else if c.Verdict == record.ChainFail {
			result.Failed++
		}
	}

	if opts.Format == "json" {
		if err := formatterFor(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr()).Success(result); err != nil {
			return err
		}
	} else {
		renderVerdictText(cmd.OutOrStdout(), result, opts.Verbose)
	}

	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d chain(s) failed", result.Failed))
	}
	return nil
}

func selectChains(ctx context.Context, st *store.Store, opts *VerdictOptions) ([]record.AssertionChain, error) {
	if opts.ChainID != "" {
		c, err := st.GetChain(ctx, opts.ChainID)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, fmt.Sprintf("unknown chain %q", opts.ChainID), err)
		}
		return []record.AssertionChain{c}, nil
	}
	chains, err := st.ListChains(ctx, opts.ExecutionID, opts.TaskID)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to list chains", err)
	}
	return chains, nil
}

// renderVerdictText writes the human-readable chain report.
func renderVerdictText(w io.Writer, result VerdictResult, verbose bool) {
	fmt.Fprintf(w, "Chains for run: %s\n", result.ExecutionID)
	if result.TaskID != "" {
		fmt.Fprintf(w, "Task: %s\n", result.TaskID)
	}
	fmt.Fprintln(w)

	if len(result.Chains) == 0 {
		fmt.Fprintln(w, "  (no chains)")
		return
	}

	for _, cr := range result.Chains {
		c := cr.Chain
		verdict := "open"
		if c.Closed {
			verdict = string(c.Verdict)
		}
		fmt.Fprintf(w, "  [%s] %s %q  %d pass / %d fail / %d skip\n",
			c.ID, verdict, c.Description, c.PassCount, c.FailCount, c.SkipCount)
		if c.Closed && c.FirstFailure >= 0 {
			fmt.Fprintf(w, "    first failure at position %d\n", c.FirstFailure)
		}
		for _, m := range cr.Members {
			fmt.Fprintf(w, "    %d. %-4s %-13s %s\n", m.Position, m.Verdict, m.Category, m.Description)
			if verbose && m.Evidence.Command != "" {
				fmt.Fprintf(w, "       command: %s (exit %d)\n", m.Evidence.Command, m.Evidence.ExitCode)
			}
			if verbose && m.Evidence.FileState != "" {
				fmt.Fprintf(w, "       file: %s\n", m.Evidence.FileState)
			}
		}
	}
}
