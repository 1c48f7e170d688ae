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

// maxSkillDepth bounds nesting walks. A chain deeper than this is treated
// as a cycle.
const maxSkillDepth = 64

// Tracer records skill invocations and their ordered tool containment.
type Tracer struct {
	store  *store.Store
	log    *transcript.Log
	hub    *stream.Hub
	logger *slog.Logger
	now    func() time.Time
}

// TracerOption configures a Tracer.
type TracerOption func(*Tracer)

// WithTracerHub attaches a stream hub for live skill events.
func WithTracerHub(hub *stream.Hub) TracerOption {
	return func(tc *Tracer) {
		tc.hub = hub
	}
}

// WithTracerNow overrides the wall clock. Used by tests.
func WithTracerNow(now func() time.Time) TracerOption {
	return func(tc *Tracer) {
		tc.now = now
	}
}

// NewTracer creates a skill tracer writing through the given store and
// announcing invocations on the transcript log.
func NewTracer(s *store.Store, log *transcript.Log, logger *slog.Logger, opts ...TracerOption) *Tracer {
	tc := &Tracer{
		store:  s,
		log:    log,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(tc)
	}
	return tc
}

// StartSkillParams carries the caller-supplied fields of a new skill
// invocation.
type StartSkillParams struct {
	ExecutionID string
	InstanceID  string
	TaskID      string
	SkillName   string
	Source      record.SkillSource
	// ParentID references the skill this invocation nests under, if any.
	ParentID string
}

// StartSkill records a new skill invocation in its running shape.
// A skill may nest under other skills but never under an invocation of
// itself; a name reappearing in the ancestry chain is rejected as a cycle.
func (tc *Tracer) StartSkill(ctx context.Context, p StartSkillParams) (record.SkillInvocation, error) {
	if p.SkillName == "" {
		return record.SkillInvocation{}, fmt.Errorf("start skill: name required")
	}
	if p.ParentID != "" {
		if err := tc.checkCycle(ctx, p.SkillName, p.ParentID); err != nil {
			return record.SkillInvocation{}, err
		}
	}

	sk := record.SkillInvocation{
		ID:          record.NewID(),
		ExecutionID: p.ExecutionID,
		TaskID:      p.TaskID,
		SkillName:   p.SkillName,
		Source:      p.Source,
		Status:      record.SkillRunning,
		StartTime:   tc.now().UTC(),
		ParentID:    p.ParentID,
	}
	if err := tc.store.WriteSkillInvocation(ctx, sk); err != nil {
		return record.SkillInvocation{}, fmt.Errorf("record skill invocation: %w", err)
	}

	_, err := tc.log.Append(ctx, transcript.AppendParams{
		ExecutionID: p.ExecutionID,
		InstanceID:  p.InstanceID,
		TaskID:      p.TaskID,
		Kind:        record.KindSkillInvoke,
		Summary:     "skill " + p.SkillName,
		Detail: &record.SkillDetail{
			SkillInvocationID: sk.ID,
			SkillName:         p.SkillName,
			Source:            p.Source,
		},
	})
	if err != nil {
		return record.SkillInvocation{}, fmt.Errorf("announce skill invocation: %w", err)
	}

	tc.publish(sk)
	return sk, nil
}

// AddToolCall links a tool invocation into a skill at the next position.
// Re-linking the same pair is a no-op.
func (tc *Tracer) AddToolCall(ctx context.Context, skillID, toolID string) error {
	if err := tc.store.LinkToolToSkill(ctx, skillID, toolID); err != nil {
		return fmt.Errorf("add tool call to skill %s: %w", skillID, err)
	}
	return nil
}

// EndSkill closes a running skill invocation with its terminal status and
// writes the skill_complete transcript entry.
func (tc *Tracer) EndSkill(ctx context.Context, instanceID, skillID string, status record.SkillStatus) (record.SkillInvocation, error) {
	if status != record.SkillSuccess && status != record.SkillPartial && status != record.SkillFailed {
		return record.SkillInvocation{}, fmt.Errorf("end skill: %q is not a terminal status", status)
	}

	sk, err := tc.store.GetSkillInvocation(ctx, skillID)
	if err != nil {
		return record.SkillInvocation{}, fmt.Errorf("end skill: %w", err)
	}

	end := tc.now().UTC()
	if end.Before(sk.StartTime) {
		tc.logger.Warn("clock skew on skill finish, clamping end to start",
			"skill_id", skillID,
			"start", sk.StartTime,
			"end", end)
		end = sk.StartTime
	}
	if err := tc.store.FinishSkillInvocation(ctx, skillID, status, end.UnixNano()); err != nil {
		return record.SkillInvocation{}, err
	}

	sk.Status = status
	sk.EndTime = end

	_, err = tc.log.Append(ctx, transcript.AppendParams{
		ExecutionID: sk.ExecutionID,
		InstanceID:  instanceID,
		TaskID:      sk.TaskID,
		Kind:        record.KindSkillComplete,
		Summary:     fmt.Sprintf("skill %s %s", sk.SkillName, status),
		Detail: &record.SkillDetail{
			SkillInvocationID: sk.ID,
			SkillName:         sk.SkillName,
			Source:            sk.Source,
			Status:            status,
		},
	})
	if err != nil {
		return record.SkillInvocation{}, fmt.Errorf("announce skill completion: %w", err)
	}

	tc.publish(sk)
	return sk, nil
}

// checkCycle walks the parent chain looking for an invocation of the same
// skill. The walk is bounded; exceeding the bound counts as a cycle.
func (tc *Tracer) checkCycle(ctx context.Context, skillName, parentID string) error {
	current := parentID
	for depth := 0; depth < maxSkillDepth; depth++ {
		ancestor, err := tc.store.GetSkillInvocation(ctx, current)
		if err != nil {
			return fmt.Errorf("resolve skill ancestry at %s: %w", current, err)
		}
		if ancestor.SkillName == skillName {
			return &TraceError{
				Code:    ErrCodeSkillCycle,
				Message: fmt.Sprintf("skill %q already active in ancestry", skillName),
				SkillID: ancestor.ID,
			}
		}
		if ancestor.ParentID == "" {
			return nil
		}
		current = ancestor.ParentID
	}
	return &TraceError{
		Code:    ErrCodeSkillCycle,
		Message: fmt.Sprintf("skill ancestry exceeds depth bound %d", maxSkillDepth),
		SkillID: parentID,
	}
}

func (tc *Tracer) publish(sk record.SkillInvocation) {
	if tc.hub == nil {
		return
	}
	tc.hub.Publish(stream.Envelope{
		Kind:          stream.EventSkill,
		ExecutionID:   sk.ExecutionID,
		Payload:       sk,
		LatestInBatch: true,
	})
}
