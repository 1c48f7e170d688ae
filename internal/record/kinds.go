package record

import "fmt"

// EntryKind identifies what a transcript entry records.
// The vocabulary is fixed: the transcript log rejects unknown kinds rather
// than accepting them as free text.
type EntryKind string

const (
	KindPhaseStart    EntryKind = "phase_start"
	KindPhaseEnd      EntryKind = "phase_end"
	KindTaskStart     EntryKind = "task_start"
	KindTaskEnd       EntryKind = "task_end"
	KindToolUse       EntryKind = "tool_use"
	KindSkillInvoke   EntryKind = "skill_invoke"
	KindSkillComplete EntryKind = "skill_complete"
	KindDecision      EntryKind = "decision"
	KindValidation    EntryKind = "validation"
	KindAssertion     EntryKind = "assertion"
	KindDiscovery     EntryKind = "discovery"
	KindError         EntryKind = "error"
	KindCheckpoint    EntryKind = "checkpoint"
	KindLockAcquire   EntryKind = "lock_acquire"
	KindLockRelease   EntryKind = "lock_release"
)

// EntryCategory groups entry kinds for filtering and aggregation.
type EntryCategory string

const (
	CategoryLifecycle    EntryCategory = "lifecycle"
	CategoryAction       EntryCategory = "action"
	CategoryValidation   EntryCategory = "validation"
	CategoryKnowledge    EntryCategory = "knowledge"
	CategoryCoordination EntryCategory = "coordination"
)

// kindCategories maps each entry kind to its single category.
// The kind determines the category; callers never choose it independently.
var kindCategories = map[EntryKind]EntryCategory{
	KindPhaseStart:    CategoryLifecycle,
	KindPhaseEnd:      CategoryLifecycle,
	KindTaskStart:     CategoryLifecycle,
	KindTaskEnd:       CategoryLifecycle,
	KindToolUse:       CategoryAction,
	KindSkillInvoke:   CategoryAction,
	KindSkillComplete: CategoryAction,
	KindDecision:      CategoryKnowledge,
	KindValidation:    CategoryValidation,
	KindAssertion:     CategoryValidation,
	KindDiscovery:     CategoryKnowledge,
	KindError:         CategoryAction,
	KindCheckpoint:    CategoryCoordination,
	KindLockAcquire:   CategoryCoordination,
	KindLockRelease:   CategoryCoordination,
}

// ValidKind reports whether kind belongs to the fixed vocabulary.
func ValidKind(kind EntryKind) bool {
	_, ok := kindCategories[kind]
	return ok
}

// CategoryFor returns the category an entry kind belongs to.
// Returns an error for kinds outside the fixed vocabulary.
func CategoryFor(kind EntryKind) (EntryCategory, error) {
	cat, ok := kindCategories[kind]
	if !ok {
		return "", fmt.Errorf("unknown entry kind %q", kind)
	}
	return cat, nil
}

// Kinds returns the full entry-kind vocabulary.
// Order is unspecified; callers that need determinism should sort.
func Kinds() []EntryKind {
	kinds := make([]EntryKind, 0, len(kindCategories))
	for k := range kindCategories {
		kinds = append(kinds, k)
	}
	return kinds
}

// ToolCategory classifies a tool invocation's input and output shapes.
type ToolCategory string

const (
	ToolFileRead  ToolCategory = "file_read"
	ToolFileWrite ToolCategory = "file_write"
	ToolShell     ToolCategory = "shell"
	ToolBrowser   ToolCategory = "browser"
	ToolNetwork   ToolCategory = "network"
	ToolAgent     ToolCategory = "agent"
	ToolCustom    ToolCategory = "custom"
)

// ValidToolCategory reports whether c is a known tool category.
func ValidToolCategory(c ToolCategory) bool {
	switch c {
	case ToolFileRead, ToolFileWrite, ToolShell, ToolBrowser, ToolNetwork, ToolAgent, ToolCustom:
		return true
	}
	return false
}

// ToolOutcome is the terminal status of a tool invocation.
// Exactly one of the three terminal outcomes applies; "errored" means the
// tool ran and failed, "blocked" means a policy layer refused to run it.
// The two are never conflated.
type ToolOutcome string

const (
	OutcomePending   ToolOutcome = "pending"
	OutcomeSucceeded ToolOutcome = "succeeded"
	OutcomeErrored   ToolOutcome = "errored"
	OutcomeBlocked   ToolOutcome = "blocked"
)

// Terminal reports whether the outcome is one of the three final states.
func (o ToolOutcome) Terminal() bool {
	return o == OutcomeSucceeded || o == OutcomeErrored || o == OutcomeBlocked
}

// SkillStatus is the terminal status of a skill invocation.
type SkillStatus string

const (
	SkillRunning SkillStatus = "running"
	SkillSuccess SkillStatus = "success"
	SkillPartial SkillStatus = "partial"
	SkillFailed  SkillStatus = "failed"
)

// RunStatus is the lifecycle status of an execution run.
// Terminal status is set once; a run is immutable after completion.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Verdict is the outcome of a single assertion check.
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictFail Verdict = "fail"
	VerdictSkip Verdict = "skip"
	VerdictWarn Verdict = "warn"
)

// ChainVerdict is the aggregate outcome of an assertion chain.
type ChainVerdict string

const (
	ChainPass    ChainVerdict = "pass"
	ChainPartial ChainVerdict = "partial"
	ChainFail    ChainVerdict = "fail"
)

// AssertionCategory classifies what an assertion checked.
type AssertionCategory string

const (
	AssertFileCreated  AssertionCategory = "file_created"
	AssertFileModified AssertionCategory = "file_modified"
	AssertFileDeleted  AssertionCategory = "file_deleted"
	AssertCompiles     AssertionCategory = "compiles"
	AssertTestsPass    AssertionCategory = "tests_pass"
	AssertCustom       AssertionCategory = "custom"
)
