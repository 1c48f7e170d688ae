package assertion

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/runledger/runledger/internal/record"
	"github.com/runledger/runledger/internal/store"
	"github.com/runledger/runledger/internal/stream"
	"github.com/runledger/runledger/internal/transcript"
)

// maxEvidenceOutput caps captured command output stored as evidence.
const maxEvidenceOutput = 8192

// Evaluator runs checks, records assertions, and manages chains.
type Evaluator struct {
	store  *store.Store
	log    *transcript.Log
	hub    *stream.Hub
	logger *slog.Logger
	runner CommandRunner
	now    func() time.Time

	mu        sync.Mutex
	positions map[string]int
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithHub attaches a stream hub for live assertion events.
func WithHub(hub *stream.Hub) Option {
	return func(ev *Evaluator) {
		ev.hub = hub
	}
}

// WithRunner overrides the check command runner. Used by tests.
func WithRunner(r CommandRunner) Option {
	return func(ev *Evaluator) {
		ev.runner = r
	}
}

// WithNow overrides the wall clock. Used by tests.
func WithNow(now func() time.Time) Option {
	return func(ev *Evaluator) {
		ev.now = now
	}
}

// NewEvaluator creates an evaluator writing through the given store and
// announcing assertions on the transcript log.
func NewEvaluator(s *store.Store, log *transcript.Log, logger *slog.Logger, opts ...Option) *Evaluator {
	ev := &Evaluator{
		store:     s,
		log:       log,
		logger:    logger,
		runner:    NewExecRunner(0),
		now:       time.Now,
		positions: make(map[string]int),
	}
	for _, opt := range opts {
		opt(ev)
	}
	return ev
}

// Scope names where an assertion belongs.
type Scope struct {
	ExecutionID string
	InstanceID  string
	TaskID      string
}

// StartChain opens an ordered assertion chain for a task.
func (ev *Evaluator) StartChain(ctx context.Context, scope Scope, description string) (record.AssertionChain, error) {
	chain := record.AssertionChain{
		ID:           record.NewID(),
		ExecutionID:  scope.ExecutionID,
		TaskID:       scope.TaskID,
		Description:  description,
		FirstFailure: -1,
		StartTime:    ev.now().UTC(),
	}
	if err := ev.store.WriteChain(ctx, chain); err != nil {
		return record.AssertionChain{}, fmt.Errorf("start chain: %w", err)
	}

	ev.mu.Lock()
	ev.positions[chain.ID] = 0
	ev.mu.Unlock()

	ev.publishChain(chain)
	return chain, nil
}

// CheckParams describes one check. Category selects the mechanism: the
// file categories stat Path, the command categories run Command through
// the runner. ChainID is optional; a standalone assertion has none.
type CheckParams struct {
	Scope       Scope
	ChainID     string
	Category    record.AssertionCategory
	Description string

	// Path and ModifiedSince drive the file categories.
	Path          string
	ModifiedSince time.Time

	// Command and Dir drive compiles, tests_pass, and custom checks.
	Command string
	Dir     string

	// Timeout bounds this check's command; zero means the runner's own
	// deadline applies.
	Timeout time.Duration

	// ExpectedExit is the exit code that counts as pass (default 0).
	// OutputContains, when set, additionally requires the substring in
	// the combined output.
	ExpectedExit   int
	OutputContains string

	// ToolInvocationID links the evidence to the tool invocation whose
	// effect this check validates.
	ToolInvocationID string
}

// Check performs the check and records the resulting assertion. The check
// failing yields a fail verdict, not an error; errors mean the assertion
// could not be recorded.
func (ev *Evaluator) Check(ctx context.Context, p CheckParams) (record.AssertionRecord, error) {
	var verdict record.Verdict
	var evidence record.Evidence

	switch p.Category {
	case record.AssertFileCreated:
		verdict, evidence = ev.checkFileExists(p.Path, true)
	case record.AssertFileDeleted:
		verdict, evidence = ev.checkFileExists(p.Path, false)
	case record.AssertFileModified:
		verdict, evidence = ev.checkFileModified(p.Path, p.ModifiedSince)
	case record.AssertCompiles, record.AssertTestsPass, record.AssertCustom:
		var err error
		verdict, evidence, err = ev.checkCommand(ctx, p)
		if err != nil {
			return record.AssertionRecord{}, err
		}
	default:
		return record.AssertionRecord{}, fmt.Errorf("check: unknown assertion category %q", p.Category)
	}

	evidence.ToolInvocationID = p.ToolInvocationID
	return ev.record(ctx, p, verdict, evidence)
}

// Skip records that a check was deliberately not performed, usually
// because an earlier chain member already failed.
func (ev *Evaluator) Skip(ctx context.Context, p CheckParams, reason string) (record.AssertionRecord, error) {
	return ev.record(ctx, p, record.VerdictSkip, record.Evidence{
		Output:           reason,
		ToolInvocationID: p.ToolInvocationID,
	})
}

// Warn records an observation that holds but deserves attention. Warns
// count toward pass in chain aggregation.
func (ev *Evaluator) Warn(ctx context.Context, p CheckParams, observation string) (record.AssertionRecord, error) {
	return ev.record(ctx, p, record.VerdictWarn, record.Evidence{
		Output:           observation,
		ToolInvocationID: p.ToolInvocationID,
	})
}

// EndChain freezes a chain: counts, verdict, and first failure computed
// from its members in position order. Ending an already-closed chain
// returns the frozen result unchanged.
func (ev *Evaluator) EndChain(ctx context.Context, chainID string) (record.AssertionChain, error) {
	chain, err := ev.store.GetChain(ctx, chainID)
	if err != nil {
		return record.AssertionChain{}, fmt.Errorf("end chain: %w", err)
	}
	if chain.Closed {
		return chain, nil
	}

	members, err := ev.store.ChainMembers(ctx, chainID)
	if err != nil {
		return record.AssertionChain{}, fmt.Errorf("end chain: %w", err)
	}
	verdicts := make([]record.Verdict, len(members))
	for i, m := range members {
		verdicts[i] = m.Verdict
	}

	verdict, passes, fails, skips, firstFailure := record.ComputeChainVerdict(verdicts)
	if len(members) == 0 {
		ev.logger.Warn("closing chain with no members",
			"chain_id", chainID,
			"execution_id", chain.ExecutionID)
	}

	chain.PassCount = passes
	chain.FailCount = fails
	chain.SkipCount = skips
	chain.Verdict = verdict
	chain.FirstFailure = firstFailure
	chain.EndTime = ev.now().UTC()
	if err := ev.store.CloseChain(ctx, chain); err != nil {
		return record.AssertionChain{}, err
	}

	// Re-read so a lost close race returns the actual frozen row.
	frozen, err := ev.store.GetChain(ctx, chainID)
	if err != nil {
		return record.AssertionChain{}, fmt.Errorf("end chain: %w", err)
	}

	ev.mu.Lock()
	delete(ev.positions, chainID)
	ev.mu.Unlock()

	ev.publishChain(frozen)
	return frozen, nil
}

func (ev *Evaluator) checkFileExists(path string, wantExists bool) (record.Verdict, record.Evidence) {
	info, err := os.Stat(path)
	switch {
	case err == nil && wantExists:
		return record.VerdictPass, record.Evidence{
			FileState: fmt.Sprintf("%s: exists (%d bytes)", path, info.Size()),
		}
	case err == nil && !wantExists:
		return record.VerdictFail, record.Evidence{
			FileState: fmt.Sprintf("%s: exists (%d bytes)", path, info.Size()),
		}
	case os.IsNotExist(err) && wantExists:
		return record.VerdictFail, record.Evidence{FileState: path + ": absent"}
	case os.IsNotExist(err) && !wantExists:
		return record.VerdictPass, record.Evidence{FileState: path + ": absent"}
	default:
		return record.VerdictFail, record.Evidence{
			FileState: fmt.Sprintf("%s: stat failed: %v", path, err),
		}
	}
}

func (ev *Evaluator) checkFileModified(path string, since time.Time) (record.Verdict, record.Evidence) {
	info, err := os.Stat(path)
	if err != nil {
		return record.VerdictFail, record.Evidence{
			FileState: fmt.Sprintf("%s: %v", path, err),
		}
	}
	state := fmt.Sprintf("%s: modified %s", path, info.ModTime().UTC().Format(time.RFC3339Nano))
	if !since.IsZero() && !info.ModTime().After(since) {
		return record.VerdictFail, record.Evidence{FileState: state + ", not after cutoff"}
	}
	return record.VerdictPass, record.Evidence{FileState: state}
}

func (ev *Evaluator) checkCommand(ctx context.Context, p CheckParams) (record.Verdict, record.Evidence, error) {
	if p.Command == "" {
		return "", record.Evidence{}, fmt.Errorf("check: command required")
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	result, err := ev.runner.Run(ctx, p.Command, p.Dir)
	if err != nil {
		return "", record.Evidence{}, fmt.Errorf("run check command: %w", err)
	}

	output := result.Output
	if len(output) > maxEvidenceOutput {
		output = output[:maxEvidenceOutput] + "\n[truncated]"
	}
	evidence := record.Evidence{
		Command:  p.Command,
		ExitCode: result.ExitCode,
		Output:   output,
		TimedOut: result.TimedOut,
	}

	pass := !result.TimedOut && result.ExitCode == p.ExpectedExit
	if pass && p.OutputContains != "" {
		pass = strings.Contains(result.Output, p.OutputContains)
	}
	if !pass {
		return record.VerdictFail, evidence, nil
	}
	return record.VerdictPass, evidence, nil
}

func (ev *Evaluator) record(ctx context.Context, p CheckParams, verdict record.Verdict, evidence record.Evidence) (record.AssertionRecord, error) {
	a := record.AssertionRecord{
		ID:          record.NewID(),
		ExecutionID: p.Scope.ExecutionID,
		TaskID:      p.Scope.TaskID,
		ChainID:     p.ChainID,
		Category:    p.Category,
		Description: p.Description,
		Verdict:     verdict,
		Evidence:    evidence,
		Timestamp:   ev.now().UTC(),
	}

	if p.ChainID != "" {
		position, err := ev.nextPosition(ctx, p.ChainID)
		if err != nil {
			return record.AssertionRecord{}, err
		}
		a.Position = position
	}

	if err := ev.store.WriteAssertion(ctx, a); err != nil {
		return record.AssertionRecord{}, fmt.Errorf("record assertion: %w", err)
	}

	_, err := ev.log.Append(ctx, transcript.AppendParams{
		ExecutionID: p.Scope.ExecutionID,
		InstanceID:  p.Scope.InstanceID,
		TaskID:      p.Scope.TaskID,
		Kind:        record.KindAssertion,
		Summary:     fmt.Sprintf("%s %s: %s", verdict, p.Category, p.Description),
		Detail: &record.AssertionDetail{
			AssertionID: a.ID,
			ChainID:     p.ChainID,
			Category:    p.Category,
			Verdict:     verdict,
		},
	})
	if err != nil {
		return record.AssertionRecord{}, fmt.Errorf("announce assertion: %w", err)
	}

	if ev.hub != nil {
		ev.hub.Publish(stream.Envelope{
			Kind:          stream.EventAssertion,
			ExecutionID:   a.ExecutionID,
			Payload:       a,
			LatestInBatch: true,
		})
	}
	return a, nil
}

// nextPosition hands out chain positions in recording order, seeding from
// the store when the evaluator has not seen the chain before (restart).
func (ev *Evaluator) nextPosition(ctx context.Context, chainID string) (int, error) {
	ev.mu.Lock()
	defer ev.mu.Unlock()

	position, ok := ev.positions[chainID]
	if !ok {
		members, err := ev.store.ChainMembers(ctx, chainID)
		if err != nil {
			return 0, fmt.Errorf("seed chain position: %w", err)
		}
		position = len(members)
	}
	ev.positions[chainID] = position + 1
	return position, nil
}

func (ev *Evaluator) publishChain(chain record.AssertionChain) {
	if ev.hub == nil {
		return
	}
	ev.hub.Publish(stream.Envelope{
		Kind:          stream.EventChain,
		ExecutionID:   chain.ExecutionID,
		Payload:       chain,
		LatestInBatch: true,
	})
}
