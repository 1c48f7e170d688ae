package tooltrace

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/runledger/runledger/internal/record"
	"github.com/runledger/runledger/internal/store"
	"github.com/runledger/runledger/internal/stream"
	"github.com/runledger/runledger/internal/transcript"
)

// Tracker records tool invocations through their lifecycle.
type Tracker struct {
	store  *store.Store
	log    *transcript.Log
	hub    *stream.Hub
	logger *slog.Logger
	now    func() time.Time
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithHub attaches a stream hub for live tool events.
func WithHub(hub *stream.Hub) TrackerOption {
	return func(tr *Tracker) {
		tr.hub = hub
	}
}

// WithNow overrides the wall clock. Used by tests.
func WithNow(now func() time.Time) TrackerOption {
	return func(tr *Tracker) {
		tr.now = now
	}
}

// NewTracker creates a tracker writing through the given store and
// announcing invocations on the transcript log.
func NewTracker(s *store.Store, log *transcript.Log, logger *slog.Logger, opts ...TrackerOption) *Tracker {
	tr := &Tracker{
		store:  s,
		log:    log,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(tr)
	}
	return tr
}

// StartToolParams carries the caller-supplied fields of a new invocation.
type StartToolParams struct {
	ExecutionID string
	InstanceID  string
	TaskID      string
	ToolName    string
	Category    record.ToolCategory
	Input       record.ToolInput
	// ParentID references the invocation this call nests under, if any.
	ParentID string
	// SkillID links the invocation into a skill from the start, if known.
	SkillID string
}

// StartTool records a new invocation in its pending shape. The announcing
// tool_use transcript entry is written first; the invocation references it.
func (tr *Tracker) StartTool(ctx context.Context, p StartToolParams) (record.ToolInvocation, error) {
	if !record.ValidToolCategory(p.Category) {
		return record.ToolInvocation{}, &TraceError{
			Code:    ErrCodeUnknownCategory,
			Message: fmt.Sprintf("unknown tool category %q", p.Category),
		}
	}
	if p.Input != nil && p.Input.InputCategory() != p.Category {
		return record.ToolInvocation{}, &TraceError{
			Code: ErrCodeShapeMismatch,
			Message: fmt.Sprintf("input shape %T belongs to category %q, invocation is %q",
				p.Input, p.Input.InputCategory(), p.Category),
		}
	}

	invocationID := record.NewID()
	entry, err := tr.log.Append(ctx, transcript.AppendParams{
		ExecutionID: p.ExecutionID,
		InstanceID:  p.InstanceID,
		TaskID:      p.TaskID,
		Kind:        record.KindToolUse,
		Summary:     "tool " + p.ToolName,
		Detail: &record.ToolUseDetail{
			InvocationID: invocationID,
			ToolName:     p.ToolName,
			ToolCategory: p.Category,
		},
	})
	if err != nil {
		return record.ToolInvocation{}, fmt.Errorf("announce tool invocation: %w", err)
	}

	inv := record.ToolInvocation{
		ID:          invocationID,
		ExecutionID: p.ExecutionID,
		TaskID:      p.TaskID,
		EntryID:     entry.ID,
		ToolName:    p.ToolName,
		Category:    p.Category,
		Input:       p.Input,
		Outcome:     record.OutcomePending,
		StartTime:   tr.now().UTC(),
		ParentID:    p.ParentID,
	}
	if err := tr.store.WriteToolInvocation(ctx, inv); err != nil {
		return record.ToolInvocation{}, fmt.Errorf("record tool invocation: %w", err)
	}
	// The link sets the skill back-reference; a rejected link (skill
	// already finished) leaves the invocation standalone.
	if p.SkillID != "" {
		if err := tr.store.LinkToolToSkill(ctx, p.SkillID, inv.ID); err != nil {
			return record.ToolInvocation{}, fmt.Errorf("link tool invocation to skill: %w", err)
		}
		inv.SkillID = p.SkillID
	}

	tr.publish(inv)
	return inv, nil
}

// EndTool records the terminal outcome of a run invocation: succeeded when
// toolErr is empty, errored otherwise. Blocked invocations go through
// BlockTool; the two paths never mix.
func (tr *Tracker) EndTool(ctx context.Context, id string, output record.ToolOutput, toolErr string) (record.ToolInvocation, error) {
	inv, err := tr.store.GetToolInvocation(ctx, id)
	if err != nil {
		return record.ToolInvocation{}, fmt.Errorf("end tool invocation: %w", err)
	}
	if output != nil && output.OutputCategory() != inv.Category {
		return record.ToolInvocation{}, &TraceError{
			Code: ErrCodeShapeMismatch,
			Message: fmt.Sprintf("output shape %T belongs to category %q, invocation is %q",
				output, output.OutputCategory(), inv.Category),
			InvocationID: id,
		}
	}

	outcome := record.OutcomeSucceeded
	if toolErr != "" {
		outcome = record.OutcomeErrored
	}

	end, duration := tr.endTimes(inv)
	if err := tr.store.FinishToolInvocation(ctx, id, outcome, output, toolErr, "",
		end.UnixNano(), int64(duration)); err != nil {
		return record.ToolInvocation{}, err
	}

	inv.Outcome = outcome
	inv.Output = output
	inv.Error = toolErr
	inv.EndTime = end
	inv.Duration = duration
	tr.publish(inv)
	return inv, nil
}

// BlockTool records that a policy layer refused to run the invocation.
// The block reason is the whole story; there is no output and no tool error.
func (tr *Tracker) BlockTool(ctx context.Context, id, reason string) (record.ToolInvocation, error) {
	inv, err := tr.store.GetToolInvocation(ctx, id)
	if err != nil {
		return record.ToolInvocation{}, fmt.Errorf("block tool invocation: %w", err)
	}

	end, duration := tr.endTimes(inv)
	if err := tr.store.FinishToolInvocation(ctx, id, record.OutcomeBlocked, nil, "", reason,
		end.UnixNano(), int64(duration)); err != nil {
		return record.ToolInvocation{}, err
	}

	inv.Outcome = record.OutcomeBlocked
	inv.BlockReason = reason
	inv.EndTime = end
	inv.Duration = duration
	tr.publish(inv)
	return inv, nil
}

// endTimes computes the terminal timestamp and duration. A wall clock that
// stepped backwards would yield a negative duration; the end time is
// clamped to the start instead and the skew logged.
func (tr *Tracker) endTimes(inv record.ToolInvocation) (time.Time, time.Duration) {
	end := tr.now().UTC()
	if end.Before(inv.StartTime) {
		tr.logger.Warn("clock skew on tool finish, clamping duration to zero",
			"invocation_id", inv.ID,
			"start", inv.StartTime,
			"end", end)
		end = inv.StartTime
	}
	return end, end.Sub(inv.StartTime)
}

func (tr *Tracker) publish(inv record.ToolInvocation) {
	if tr.hub == nil {
		return
	}
	tr.hub.Publish(stream.Envelope{
		Kind:          stream.EventTool,
		ExecutionID:   inv.ExecutionID,
		Payload:       inv,
		LatestInBatch: true,
	})
}
