package record

import "time"

// SkillSource locates where a skill is defined.
type SkillSource struct {
	File    string `json:"file"`
	Line    int    `json:"line,omitempty"`
	Section string `json:"section,omitempty"`
}

// SkillInvocation records one skill execution.
//
// Invariant: every contained tool invocation's start time falls within
// [StartTime, EndTime].
type SkillInvocation struct {
	ID          string      `json:"id"`
	ExecutionID string      `json:"execution_id"`
	TaskID      string      `json:"task_id,omitempty"`
	SkillName   string      `json:"skill_name"`
	Source      SkillSource `json:"source"`
	Status      SkillStatus `json:"status"`
	StartTime   time.Time   `json:"start_time"`
	EndTime     time.Time   `json:"end_time,omitempty"`
	// ToolInvocationIDs lists contained tool invocations in link order.
	ToolInvocationIDs []string `json:"tool_invocation_ids,omitempty"`
	// ParentID references the skill this one nested under, if any.
	ParentID string `json:"parent_id,omitempty"`
}
