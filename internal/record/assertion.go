package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Evidence captures what an assertion check actually observed: the command
// it ran, the exit code, captured output, and file state. Logical failures
// are recorded here as data, never raised as errors.
type Evidence struct {
	Command  string `json:"command,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
	Output   string `json:"output,omitempty"`
	// FileState describes the observed filesystem fact (path and condition).
	FileState string `json:"file_state,omitempty"`
	// TimedOut marks a check that exceeded its deadline. A timeout is a
	// fail verdict with this field set, not an evaluator error.
	TimedOut bool `json:"timed_out,omitempty"`
	// ToolInvocationID is an explicit reference to the tool invocation that
	// produced this evidence. Preferred over free-text containment when the
	// cross-reference resolver links assertions to invocations.
	ToolInvocationID string `json:"tool_invocation_id,omitempty"`
}

// AssertionRecord is one checked fact with captured evidence.
type AssertionRecord struct {
	ID          string            `json:"id"`
	ExecutionID string            `json:"execution_id"`
	TaskID      string            `json:"task_id"`
	ChainID     string            `json:"chain_id,omitempty"`
	Position    int               `json:"position"`
	Category    AssertionCategory `json:"category"`
	Description string            `json:"description"`
	Verdict     Verdict           `json:"verdict"`
	Evidence    Evidence          `json:"evidence"`
	Timestamp   time.Time         `json:"timestamp"`
}

// AssertionChain is an ordered group of assertion records for one task.
// Counts always sum to the chain length; the overall verdict follows the
// chain verdict law (see ComputeChainVerdict).
type AssertionChain struct {
	ID          string       `json:"id"`
	ExecutionID string       `json:"execution_id"`
	TaskID      string       `json:"task_id"`
	Description string       `json:"description"`
	PassCount   int          `json:"pass_count"`
	FailCount   int          `json:"fail_count"`
	SkipCount   int          `json:"skip_count"`
	Verdict     ChainVerdict `json:"verdict"`
	// FirstFailure is the position of the earliest failing member, or -1.
	FirstFailure int       `json:"first_failure"`
	Closed       bool      `json:"closed"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time,omitempty"`
}

// ComputeChainVerdict applies the chain verdict law to a set of member
// verdicts: any fail yields "fail"; otherwise any skip yields "partial";
// otherwise "pass". An empty chain closes as "pass": an agent that
// validated nothing has not failed, though coverage auditing flags it
// separately. Warn verdicts count toward pass for aggregation.
//
// Returns the verdict, the pass/fail/skip counts, and the position of the
// earliest fail (-1 if none).
func ComputeChainVerdict(verdicts []Verdict) (ChainVerdict, int, int, int, int) {
	passes, fails, skips := 0, 0, 0
	firstFailure := -1
	for i, v := range verdicts {
		switch v {
		case VerdictFail:
			fails++
			if firstFailure == -1 {
				firstFailure = i
			}
		case VerdictSkip:
			skips++
		default:
			passes++
		}
	}
	switch {
	case fails > 0:
		return ChainFail, passes, fails, skips, firstFailure
	case skips > 0:
		return ChainPartial, passes, fails, skips, firstFailure
	default:
		return ChainPass, passes, fails, skips, firstFailure
	}
}

// MarshalEvidence serializes evidence to JSON TEXT for storage.
func MarshalEvidence(ev Evidence) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(ev); err != nil {
		return "", fmt.Errorf("marshal evidence: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// UnmarshalEvidence parses JSON TEXT into an Evidence value.
func UnmarshalEvidence(data string) (Evidence, error) {
	var ev Evidence
	if data == "" || data == "{}" {
		return ev, nil
	}
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return Evidence{}, fmt.Errorf("unmarshal evidence: %w", err)
	}
	return ev, nil
}
