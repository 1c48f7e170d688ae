package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ToolInvocation records one tool call made by an agent.
//
// Invariants: EndTime >= StartTime once terminal; exactly one terminal
// outcome; EntryID always references the tool_use transcript entry that
// announced the invocation.
type ToolInvocation struct {
	ID          string       `json:"id"`
	ExecutionID string       `json:"execution_id"`
	TaskID      string       `json:"task_id,omitempty"`
	EntryID     string       `json:"entry_id"`
	ToolName    string       `json:"tool_name"`
	Category    ToolCategory `json:"category"`
	Input       ToolInput    `json:"input,omitempty"`
	Outcome     ToolOutcome  `json:"outcome"`
	Output      ToolOutput   `json:"output,omitempty"`
	// Error holds the failure description when Outcome is errored.
	Error string `json:"error,omitempty"`
	// BlockReason holds the policy refusal when Outcome is blocked.
	BlockReason string        `json:"block_reason,omitempty"`
	StartTime   time.Time     `json:"start_time"`
	EndTime     time.Time     `json:"end_time,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	// SkillID references the skill invocation containing this call, if any.
	SkillID string `json:"skill_id,omitempty"`
	// ParentID references the invocation this call nested under, if any.
	ParentID string `json:"parent_id,omitempty"`
}

// ToolInput is the closed set of tool input shapes, tagged by ToolCategory.
type ToolInput interface {
	inputMarker()
	InputCategory() ToolCategory
}

// FileReadInput is the input shape for file_read tools.
type FileReadInput struct {
	Path string `json:"path"`
}

// FileWriteInput is the input shape for file_write tools.
type FileWriteInput struct {
	Path  string `json:"path"`
	Bytes int64  `json:"bytes,omitempty"`
}

// ShellInput is the input shape for shell tools.
type ShellInput struct {
	Command string `json:"command"`
	Dir     string `json:"dir,omitempty"`
}

// BrowserInput is the input shape for browser tools.
type BrowserInput struct {
	URL    string `json:"url"`
	Action string `json:"action,omitempty"`
}

// NetworkInput is the input shape for network tools.
type NetworkInput struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// AgentInput is the input shape for agent-delegation tools.
type AgentInput struct {
	Agent   string `json:"agent"`
	Request string `json:"request"`
}

// CustomInput is the input shape for custom tools.
type CustomInput struct {
	Name string            `json:"name"`
	Args map[string]string `json:"args,omitempty"`
}

func (FileReadInput) inputMarker()  {}
func (FileWriteInput) inputMarker() {}
func (ShellInput) inputMarker()     {}
func (BrowserInput) inputMarker()   {}
func (NetworkInput) inputMarker()   {}
func (AgentInput) inputMarker()     {}
func (CustomInput) inputMarker()    {}

func (FileReadInput) InputCategory() ToolCategory  { return ToolFileRead }
func (FileWriteInput) InputCategory() ToolCategory { return ToolFileWrite }
func (ShellInput) InputCategory() ToolCategory     { return ToolShell }
func (BrowserInput) InputCategory() ToolCategory   { return ToolBrowser }
func (NetworkInput) InputCategory() ToolCategory   { return ToolNetwork }
func (AgentInput) InputCategory() ToolCategory     { return ToolAgent }
func (CustomInput) InputCategory() ToolCategory    { return ToolCustom }

// ToolOutput is the closed set of tool output shapes, tagged by ToolCategory.
type ToolOutput interface {
	outputMarker()
	OutputCategory() ToolCategory
}

// FileReadOutput is the output shape for file_read tools.
type FileReadOutput struct {
	Bytes     int64 `json:"bytes"`
	Truncated bool  `json:"truncated,omitempty"`
}

// FileWriteOutput is the output shape for file_write tools.
type FileWriteOutput struct {
	BytesWritten int64 `json:"bytes_written"`
	Created      bool  `json:"created,omitempty"`
}

// ShellOutput is the output shape for shell tools.
type ShellOutput struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// BrowserOutput is the output shape for browser tools.
type BrowserOutput struct {
	Status int    `json:"status,omitempty"`
	Title  string `json:"title,omitempty"`
}

// NetworkOutput is the output shape for network tools.
type NetworkOutput struct {
	Status int   `json:"status"`
	Bytes  int64 `json:"bytes,omitempty"`
}

// AgentOutput is the output shape for agent-delegation tools.
type AgentOutput struct {
	Response string `json:"response"`
}

// CustomOutput is the output shape for custom tools.
type CustomOutput struct {
	Result map[string]string `json:"result,omitempty"`
}

func (FileReadOutput) outputMarker()  {}
func (FileWriteOutput) outputMarker() {}
func (ShellOutput) outputMarker()     {}
func (BrowserOutput) outputMarker()   {}
func (NetworkOutput) outputMarker()   {}
func (AgentOutput) outputMarker()     {}
func (CustomOutput) outputMarker()    {}

func (FileReadOutput) OutputCategory() ToolCategory  { return ToolFileRead }
func (FileWriteOutput) OutputCategory() ToolCategory { return ToolFileWrite }
func (ShellOutput) OutputCategory() ToolCategory     { return ToolShell }
func (BrowserOutput) OutputCategory() ToolCategory   { return ToolBrowser }
func (NetworkOutput) OutputCategory() ToolCategory   { return ToolNetwork }
func (AgentOutput) OutputCategory() ToolCategory     { return ToolAgent }
func (CustomOutput) OutputCategory() ToolCategory    { return ToolCustom }

// MarshalToolInput serializes a tool input to JSON TEXT for storage.
// A nil input serializes as "{}".
func MarshalToolInput(in ToolInput) (string, error) {
	return marshalCompact(in)
}

// MarshalToolOutput serializes a tool output to JSON TEXT for storage.
func MarshalToolOutput(out ToolOutput) (string, error) {
	return marshalCompact(out)
}

// UnmarshalToolInput parses JSON TEXT into the input shape for a category.
func UnmarshalToolInput(category ToolCategory, data string) (ToolInput, error) {
	if data == "" || data == "{}" || data == "null" {
		return nil, nil
	}
	var in ToolInput
	switch category {
	case ToolFileRead:
		in = &FileReadInput{}
	case ToolFileWrite:
		in = &FileWriteInput{}
	case ToolShell:
		in = &ShellInput{}
	case ToolBrowser:
		in = &BrowserInput{}
	case ToolNetwork:
		in = &NetworkInput{}
	case ToolAgent:
		in = &AgentInput{}
	case ToolCustom:
		in = &CustomInput{}
	default:
		return nil, fmt.Errorf("unknown tool category %q", category)
	}
	if err := json.Unmarshal([]byte(data), in); err != nil {
		return nil, fmt.Errorf("unmarshal tool input for category %q: %w", category, err)
	}
	return in, nil
}

// UnmarshalToolOutput parses JSON TEXT into the output shape for a category.
func UnmarshalToolOutput(category ToolCategory, data string) (ToolOutput, error) {
	if data == "" || data == "{}" || data == "null" {
		return nil, nil
	}
	var out ToolOutput
	switch category {
	case ToolFileRead:
		out = &FileReadOutput{}
	case ToolFileWrite:
		out = &FileWriteOutput{}
	case ToolShell:
		out = &ShellOutput{}
	case ToolBrowser:
		out = &BrowserOutput{}
	case ToolNetwork:
		out = &NetworkOutput{}
	case ToolAgent:
		out = &AgentOutput{}
	case ToolCustom:
		out = &CustomOutput{}
	default:
		return nil, fmt.Errorf("unknown tool category %q", category)
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return nil, fmt.Errorf("unmarshal tool output for category %q: %w", category, err)
	}
	return out, nil
}

// marshalCompact encodes v with HTML escaping disabled and no trailing
// newline. Nil values (including typed nils behind the interface) encode
// as "{}".
func marshalCompact(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	s := strings.TrimSpace(buf.String())
	if s == "null" {
		return "{}", nil
	}
	return s, nil
}
