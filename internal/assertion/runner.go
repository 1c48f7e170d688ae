package assertion

import (
	"context"
	"errors"
	"os/exec"
	"time"
)

// CommandResult is what a check command actually did.
type CommandResult struct {
	ExitCode int
	Output   string
	TimedOut bool
}

// CommandRunner executes check commands. The evaluator ships with an
// exec-based runner; tests inject a fake.
type CommandRunner interface {
	Run(ctx context.Context, command, dir string) (CommandResult, error)
}

// defaultCheckTimeout bounds a single check command. A check that cannot
// decide within this window fails with timed-out evidence.
const defaultCheckTimeout = 30 * time.Second

// execRunner runs check commands through the shell with a deadline.
type execRunner struct {
	timeout time.Duration
}

// NewExecRunner returns the production command runner. A non-positive
// timeout falls back to the default.
func NewExecRunner(timeout time.Duration) CommandRunner {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	return &execRunner{timeout: timeout}
}

func (r *execRunner) Run(ctx context.Context, command, dir string) (CommandResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()

	result := CommandResult{Output: string(out)}
	if ctx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ExitCode = -1
		return result, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		// The command never ran (not found, permission). That is still a
		// checkable fact, not an evaluator failure.
		result.ExitCode = -1
		result.Output = err.Error()
		return result, nil
	}
	return result, nil
}
