package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/runledger/runledger/internal/assertion"
	"github.com/runledger/runledger/internal/checkspec"
	"github.com/runledger/runledger/internal/record"
	"github.com/runledger/runledger/internal/transcript"
)

// CheckOptions holds flags for the check command.
type CheckOptions struct {
	*RootOptions
	Database    string
	ExecutionID string
	TaskID      string
	InstanceID  string
	CheckDir    string
	WorkDir     string
	Description string
}

// CheckRunResult holds the recorded chain and its member assertions.
type CheckRunResult struct {
	ExecutionID string                   `json:"execution_id"`
	ChainID     string                   `json:"chain_id"`
	Chain       record.AssertionChain    `json:"chain"`
	Results     []record.AssertionRecord `json:"results"`
}

// NewCheckCommand creates the check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CheckOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run CUE-defined checks and record the verdicts",
		Long: `Run the custom checks defined in a CUE directory.

Each check runs as one assertion in a fresh chain: its command executes
bounded by the check's timeout, and the verdict with captured evidence
is recorded against the execution. A failing command is a fail verdict,
never a command error.

Exits 1 when the recorded chain failed.

Examples:
  runledger check --db ./runledger.db --run run-42 --task task-1 --dir ./checks
  runledger check --db ./runledger.db --run run-42 --dir ./checks --workdir ./repo`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.ExecutionID, "run", "", "execution run to record against (required)")
	_ = cmd.MarkFlagRequired("run")
	cmd.Flags().StringVar(&opts.TaskID, "task", "", "task to record against")
	cmd.Flags().StringVar(&opts.InstanceID, "instance", "cli", "instance id to record as")
	cmd.Flags().StringVar(&opts.CheckDir, "dir", "", "directory of CUE check definitions (defaults to the configured check_spec_dir)")
	cmd.Flags().StringVar(&opts.WorkDir, "workdir", "", "working directory for check commands")
	cmd.Flags().StringVar(&opts.Description, "description", "cue checks", "chain description")

	return cmd
}

func runCheck(opts *CheckOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	dir := opts.CheckDir
	if dir == "" && opts.Config != nil {
		dir = opts.Config.CheckSpecDir
	}
	if dir == "" {
		return NewExitError(ExitCommandError, "no check directory: pass --dir or set check_spec_dir in the config")
	}

	loaded, errs := checkspec.Load(dir, checkspec.LoadModeFailFast)
	if len(errs) > 0 {
		return WrapExitError(ExitCommandError, "failed to load checks", errs[0])
	}

	st, err := openStore(opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	if _, err := st.GetRun(ctx, opts.ExecutionID); err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("unknown run %q", opts.ExecutionID), err)
	}

	f := formatterFor(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	f.VerboseLog("loaded %d check(s) from %s", len(loaded.Checks), dir)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if opts.Verbose {
		logger = slog.New(slog.NewTextHandler(f.GetErrWriter(), nil))
	}
	var logOpts []transcript.Option
	if opts.Config != nil && opts.Config.MirrorDir != "" {
		logOpts = append(logOpts, transcript.WithMirrorDir(opts.Config.MirrorDir))
	}
	log := transcript.NewLog(st, logger, logOpts...)
	defer log.Close()

	var evalOpts []assertion.Option
	if opts.Config != nil && opts.Config.Checks.CommandTimeout > 0 {
		evalOpts = append(evalOpts, assertion.WithRunner(
			assertion.NewExecRunner(opts.Config.Checks.CommandTimeout.Std())))
	}
	eval := assertion.NewEvaluator(st, log, logger, evalOpts...)

	scope := assertion.Scope{
		ExecutionID: opts.ExecutionID,
		InstanceID:  opts.InstanceID,
		TaskID:      opts.TaskID,
	}
	chain, err := eval.StartChain(ctx, scope, opts.Description)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start chain", err)
	}

	results := make([]record.AssertionRecord, 0, len(loaded.Checks))
	for _, check := range loaded.Checks {
		rec, err := eval.Check(ctx, assertion.CheckParams{
			Scope:          scope,
			ChainID:        chain.ID,
			Category:       check.Category,
			Description:    check.Description,
			Command:        check.CommandLine(),
			Dir:            opts.WorkDir,
			Timeout:        check.Timeout,
			ExpectedExit:   check.ExpectedExit,
			OutputContains: check.OutputContains,
		})
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("check %q failed to record", check.Name), err)
		}
		results = append(results, rec)
	}

	closed, err := eval.EndChain(ctx, chain.ID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to close chain", err)
	}

	result := CheckRunResult{
		ExecutionID: opts.ExecutionID,
		ChainID:     closed.ID,
		Chain:       closed,
		Results:     results,
	}

	if opts.Format == "json" {
		if err := f.Success(result); err != nil {
			return err
		}
	} else {
		renderCheckText(cmd.OutOrStdout(), result, loaded.Checks, opts.Verbose)
	}

	if closed.Verdict == record.ChainFail {
		return NewExitError(ExitFailure, fmt.Sprintf("%d check(s) failed", closed.FailCount))
	}
	return nil
}

// renderCheckText writes the human-readable check run report.
func renderCheckText(w io.Writer, result CheckRunResult, checks []checkspec.Check, verbose bool) {
	fmt.Fprintf(w, "Checks for run: %s\n", result.ExecutionID)
	fmt.Fprintln(w)

	for i, rec := range result.Results {
		fmt.Fprintf(w, "  %-4s %-13s %s\n", rec.Verdict, rec.Category, rec.Description)
		if verbose && i < len(checks) {
			fmt.Fprintf(w, "       command: %s (exit %d)\n", checks[i].CommandLine(), rec.Evidence.ExitCode)
		}
	}
	fmt.Fprintln(w)

	c := result.Chain
	fmt.Fprintf(w, "Chain verdict: %s (%d pass / %d fail / %d skip)\n",
		c.Verdict, c.PassCount, c.FailCount, c.SkipCount)
}
