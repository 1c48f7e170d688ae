package record

import "time"

// ExecutionRun is one logical run of a task list. It owns all entries,
// invocations, and assertions written during the run by identity reference.
type ExecutionRun struct {
	ID        string    `json:"id"`
	Status    RunStatus `json:"status"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time,omitempty"`
}
