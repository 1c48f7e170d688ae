package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Detail is the kind-specific structured payload of a transcript entry.
// The entry kind determines the concrete shape: each kind (or kind pair,
// for start/end kinds sharing a shape) maps to exactly one Detail type.
type Detail interface {
	// detailMarker is a private method to restrict implementers.
	detailMarker()
}

// PhaseDetail is the payload for phase_start and phase_end entries.
type PhaseDetail struct {
	Phase string `json:"phase"`
	// Wave is the parallel batch this phase executed in, if any.
	Wave int `json:"wave,omitempty"`
}

// TaskDetail is the payload for task_start and task_end entries.
type TaskDetail struct {
	TaskID string `json:"task_id"`
	Title  string `json:"title,omitempty"`
	// Outcome is set on task_end entries only.
	Outcome string `json:"outcome,omitempty"`
}

// ToolUseDetail is the payload for tool_use entries. It carries the identity
// of the tool invocation record the entry announced.
type ToolUseDetail struct {
	InvocationID string       `json:"invocation_id"`
	ToolName     string       `json:"tool_name"`
	ToolCategory ToolCategory `json:"tool_category"`
}

// SkillDetail is the payload for skill_invoke and skill_complete entries.
type SkillDetail struct {
	SkillInvocationID string      `json:"skill_invocation_id"`
	SkillName         string      `json:"skill_name"`
	Source            SkillSource `json:"source"`
	// Status is set on skill_complete entries only.
	Status SkillStatus `json:"status,omitempty"`
}

// DecisionDetail is the payload for decision entries.
type DecisionDetail struct {
	Decision  string   `json:"decision"`
	Rationale string   `json:"rationale,omitempty"`
	Rejected  []string `json:"rejected,omitempty"`
}

// ValidationDetail is the payload for validation entries.
type ValidationDetail struct {
	Target  string `json:"target"`
	Outcome string `json:"outcome"`
}

// AssertionDetail is the payload for assertion entries. It carries the
// identity of the assertion record the entry announced.
type AssertionDetail struct {
	AssertionID string            `json:"assertion_id"`
	ChainID     string            `json:"chain_id"`
	Category    AssertionCategory `json:"category"`
	Verdict     Verdict           `json:"verdict"`
}

// DiscoveryDetail is the payload for discovery entries.
type DiscoveryDetail struct {
	Subject string `json:"subject"`
	Insight string `json:"insight"`
}

// ErrorDetail is the payload for error entries.
type ErrorDetail struct {
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// CheckpointState tracks a checkpoint's lifecycle within checkpoint entries.
type CheckpointState string

const (
	CheckpointCreated    CheckpointState = "created"
	CheckpointCommitted  CheckpointState = "committed"
	CheckpointRolledBack CheckpointState = "rolled_back"
)

// CheckpointDetail is the payload for checkpoint entries.
type CheckpointDetail struct {
	CheckpointID string          `json:"checkpoint_id"`
	Label        string          `json:"label,omitempty"`
	State        CheckpointState `json:"state"`
}

// LockDetail is the payload for lock_acquire and lock_release entries.
type LockDetail struct {
	Resource string `json:"resource"`
	Holder   string `json:"holder,omitempty"`
}

func (PhaseDetail) detailMarker()      {}
func (TaskDetail) detailMarker()       {}
func (ToolUseDetail) detailMarker()    {}
func (SkillDetail) detailMarker()      {}
func (DecisionDetail) detailMarker()   {}
func (ValidationDetail) detailMarker() {}
func (AssertionDetail) detailMarker()  {}
func (DiscoveryDetail) detailMarker()  {}
func (ErrorDetail) detailMarker()      {}
func (CheckpointDetail) detailMarker() {}
func (LockDetail) detailMarker()       {}

// newDetail returns a zero-value pointer to the payload type for a kind.
func newDetail(kind EntryKind) (Detail, error) {
	switch kind {
	case KindPhaseStart, KindPhaseEnd:
		return &PhaseDetail{}, nil
	case KindTaskStart, KindTaskEnd:
		return &TaskDetail{}, nil
	case KindToolUse:
		return &ToolUseDetail{}, nil
	case KindSkillInvoke, KindSkillComplete:
		return &SkillDetail{}, nil
	case KindDecision:
		return &DecisionDetail{}, nil
	case KindValidation:
		return &ValidationDetail{}, nil
	case KindAssertion:
		return &AssertionDetail{}, nil
	case KindDiscovery:
		return &DiscoveryDetail{}, nil
	case KindError:
		return &ErrorDetail{}, nil
	case KindCheckpoint:
		return &CheckpointDetail{}, nil
	case KindLockAcquire, KindLockRelease:
		return &LockDetail{}, nil
	default:
		return nil, fmt.Errorf("unknown entry kind %q", kind)
	}
}

// DetailMatchesKind reports whether the concrete detail type is the shape
// the kind requires. A nil detail matches any kind (the payload is optional
// for kinds whose summary carries the whole fact).
func DetailMatchesKind(kind EntryKind, d Detail) bool {
	if d == nil {
		return true
	}
	want, err := newDetail(kind)
	if err != nil {
		return false
	}
	return fmt.Sprintf("%T", want) == fmt.Sprintf("%T", deref(d))
}

// deref normalizes value and pointer forms of a detail to the pointer form
// so type comparison against newDetail's pointer types works.
func deref(d Detail) Detail {
	switch v := d.(type) {
	case PhaseDetail:
		return &v
	case TaskDetail:
		return &v
	case ToolUseDetail:
		return &v
	case SkillDetail:
		return &v
	case DecisionDetail:
		return &v
	case ValidationDetail:
		return &v
	case AssertionDetail:
		return &v
	case DiscoveryDetail:
		return &v
	case ErrorDetail:
		return &v
	case CheckpointDetail:
		return &v
	case LockDetail:
		return &v
	default:
		return d
	}
}

// MarshalDetail serializes a detail payload to JSON TEXT for storage.
// Uses an encoder with HTML escaping disabled so stored payloads round-trip
// byte-exactly. A nil detail serializes as "{}".
func MarshalDetail(d Detail) (string, error) {
	if d == nil {
		return "{}", nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(d); err != nil {
		return "", fmt.Errorf("marshal detail: %w", err)
	}
	// Encoder adds a trailing newline, remove it
	return strings.TrimSpace(buf.String()), nil
}

// UnmarshalDetail parses JSON TEXT into the payload shape for a kind.
// Returns nil for empty payloads.
func UnmarshalDetail(kind EntryKind, data string) (Detail, error) {
	if data == "" || data == "{}" || data == "null" {
		return nil, nil
	}
	d, err := newDetail(kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), d); err != nil {
		return nil, fmt.Errorf("unmarshal detail for kind %q: %w", kind, err)
	}
	return d, nil
}
