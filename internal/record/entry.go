package record

import (
	"fmt"
	"time"
)

// TranscriptEntry is one immutable, sequenced fact in the transcript log.
//
// Seq is scoped to (ExecutionID, InstanceID) and is strictly increasing with
// no gaps within that scope. Ordering across instances is established only by
// wall-clock timestamp; sequence numbers from different instances are never
// comparable.
type TranscriptEntry struct {
	ID          string        `json:"id"`
	ExecutionID string        `json:"execution_id"`
	InstanceID  string        `json:"instance_id"`
	Seq         int64         `json:"seq"`
	Timestamp   time.Time     `json:"timestamp"`
	TaskID      string        `json:"task_id,omitempty"`
	Kind        EntryKind     `json:"kind"`
	Category    EntryCategory `json:"category"`
	Summary     string        `json:"summary"`
	Detail      Detail        `json:"detail,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
}

// Validate checks the entry's fixed-vocabulary fields and invariants.
func (e *TranscriptEntry) Validate() error {
	if !ValidKind(e.Kind) {
		return fmt.Errorf("unknown entry kind %q", e.Kind)
	}
	cat, _ := CategoryFor(e.Kind)
	if e.Category != cat {
		return fmt.Errorf("entry kind %q requires category %q, got %q", e.Kind, cat, e.Category)
	}
	if !DetailMatchesKind(e.Kind, e.Detail) {
		return fmt.Errorf("detail payload %T does not match entry kind %q", e.Detail, e.Kind)
	}
	if e.Seq <= 0 {
		return fmt.Errorf("entry seq must be positive, got %d", e.Seq)
	}
	return nil
}
