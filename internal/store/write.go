package store

import (
	"context"
	"fmt"

	"github.com/runledger/runledger/internal/record"
)

// StartRun inserts an execution run in "running" state.
// Uses ON CONFLICT(id) DO NOTHING for idempotency - duplicate IDs are
// silently ignored.
func (s *Store) StartRun(ctx context.Context, run record.ExecutionRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, status, start_time, end_time)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, run.ID, string(record.RunRunning), timeToNs(run.StartTime), nullableTime(run.EndTime))
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// FinishRun sets a run's terminal status exactly once. A run that already
// reached a terminal status is immutable; a second call is a no-op so crash
// recovery can re-drive the transition safely.
func (s *Store) FinishRun(ctx context.Context, runID string, status record.RunStatus, endTime int64) error {
	if status != record.RunCompleted && status != record.RunFailed {
		return fmt.Errorf("finish run: %q is not a terminal status", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, end_time = ?
		WHERE id = ? AND status = 'running'
	`, string(status), endTime, runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run: rows affected: %w", err)
	}
	if affected == 0 {
		// Either unknown run or already terminal. Distinguish for the caller;
		// an already-terminal run makes the call a no-op, not an error.
		var current string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, runID).Scan(&current)
		if err != nil {
			return fmt.Errorf("finish run %s: %w", runID, notFound(err))
		}
	}
	return nil
}

// WriteEntry inserts a transcript entry.
// Uses ON CONFLICT(id) DO NOTHING for idempotency - duplicate IDs are
// silently ignored. The unique (execution, instance, seq) index still
// rejects a different entry claiming an already-used sequence slot, which
// would indicate a sequencing bug rather than a benign duplicate.
func (s *Store) WriteEntry(ctx context.Context, e record.TranscriptEntry) error {
	detailJSON, err := record.MarshalDetail(e.Detail)
	if err != nil {
		return fmt.Errorf("write entry: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entries
		(id, execution_id, instance_id, seq, timestamp, task_id, kind, category, summary, detail, duration_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		e.ID,
		e.ExecutionID,
		e.InstanceID,
		e.Seq,
		timeToNs(e.Timestamp),
		e.TaskID,
		string(e.Kind),
		string(e.Category),
		e.Summary,
		detailJSON,
		int64(e.Duration),
	)
	if err != nil {
		return fmt.Errorf("write entry: %w", err)
	}

	return nil
}

// WriteToolInvocation inserts a tool invocation in its pending shape.
// Uses ON CONFLICT(id) DO NOTHING for idempotency.
func (s *Store) WriteToolInvocation(ctx context.Context, inv record.ToolInvocation) error {
	inputJSON, err := record.MarshalToolInput(inv.Input)
	if err != nil {
		return fmt.Errorf("write tool invocation: %w", err)
	}
	outputJSON, err := record.MarshalToolOutput(inv.Output)
	if err != nil {
		return fmt.Errorf("write tool invocation: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tool_invocations
		(id, execution_id, task_id, entry_id, tool_name, category, input, outcome,
		 output, error, block_reason, start_time, end_time, duration_ns, skill_id, parent_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		inv.ID,
		inv.ExecutionID,
		inv.TaskID,
		inv.EntryID,
		inv.ToolName,
		string(inv.Category),
		inputJSON,
		string(inv.Outcome),
		outputJSON,
		inv.Error,
		inv.BlockReason,
		timeToNs(inv.StartTime),
		nullableTime(inv.EndTime),
		int64(inv.Duration),
		inv.SkillID,
		inv.ParentID,
	)
	if err != nil {
		return fmt.Errorf("write tool invocation: %w", err)
	}
	return nil
}

// FinishToolInvocation records a terminal outcome for a pending invocation.
// The update is guarded on outcome = 'pending' so an invocation can only
// transition once: a second finish (or a finish after a block) affects zero
// rows. Returns ErrNotFound for an unknown id and ErrAlreadyFinished when
// the invocation already reached a terminal outcome.
func (s *Store) FinishToolInvocation(ctx context.Context, id string, outcome record.ToolOutcome, output record.ToolOutput, toolErr, blockReason string, endTimeNs, durationNs int64) error {
	if !outcome.Terminal() {
		return fmt.Errorf("finish tool invocation: %q is not a terminal outcome", outcome)
	}
	outputJSON, err := record.MarshalToolOutput(output)
	if err != nil {
		return fmt.Errorf("finish tool invocation: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tool_invocations
		SET outcome = ?, output = ?, error = ?, block_reason = ?, end_time = ?, duration_ns = ?
		WHERE id = ? AND outcome = 'pending'
	`, string(outcome), outputJSON, toolErr, blockReason, endTimeNs, durationNs, id)
	if err != nil {
		return fmt.Errorf("finish tool invocation: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish tool invocation: rows affected: %w", err)
	}
	if affected == 0 {
		var existing string
		err := s.db.QueryRowContext(ctx, `
			SELECT outcome FROM tool_invocations WHERE id = ?
		`, id).Scan(&existing)
		if err != nil {
			return fmt.Errorf("tool invocation %s: %w", id, notFound(err))
		}
		return fmt.Errorf("tool invocation %s already finished with outcome %q: %w", id, existing, ErrAlreadyFinished)
	}
	return nil
}

// LinkToolToSkill records containment of a tool invocation within a skill at
// the next position, and sets the invocation's back-reference, atomically.
// The skill must still be running and the tool must have started at or after
// the skill's start; linking into a finished skill returns
// ErrAlreadyFinished. Uses ON CONFLICT DO NOTHING on the link so re-linking
// the same pair is idempotent.
func (s *Store) LinkToolToSkill(ctx context.Context, skillID, toolID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("link tool to skill: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	// A link is only valid while the skill is running and for tools that
	// started inside the skill's window.
	var status string
	var skillStart int64
	err = tx.QueryRowContext(ctx, `
		SELECT status, start_time FROM skill_invocations WHERE id = ?
	`, skillID).Scan(&status, &skillStart)
	if err != nil {
		return fmt.Errorf("link tool to skill %s: %w", skillID, notFound(err))
	}
	if status != string(record.SkillRunning) {
		return fmt.Errorf("link tool to skill %s: %w", skillID, ErrAlreadyFinished)
	}
	var toolStart int64
	err = tx.QueryRowContext(ctx, `
		SELECT start_time FROM tool_invocations WHERE id = ?
	`, toolID).Scan(&toolStart)
	if err != nil {
		return fmt.Errorf("link tool %s to skill: %w", toolID, notFound(err))
	}
	if toolStart < skillStart {
		return fmt.Errorf("link tool to skill %s: tool %s started before the skill", skillID, toolID)
	}

	var next int
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(position), -1) + 1 FROM skill_tools WHERE skill_id = ?
	`, skillID).Scan(&next)
	if err != nil {
		return fmt.Errorf("link tool to skill: next position: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO skill_tools (skill_id, position, tool_id)
		VALUES (?, ?, ?)
		ON CONFLICT(skill_id, tool_id) DO NOTHING
	`, skillID, next, toolID)
	if err != nil {
		return fmt.Errorf("link tool to skill: insert link: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("link tool to skill: rows affected: %w", err)
	}
	if affected > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE tool_invocations SET skill_id = ? WHERE id = ?
		`, skillID, toolID); err != nil {
			return fmt.Errorf("link tool to skill: back-reference: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("link tool to skill: commit: %w", err)
	}
	return nil
}

// WriteSkillInvocation inserts a skill invocation in its running shape.
// Uses ON CONFLICT(id) DO NOTHING for idempotency.
func (s *Store) WriteSkillInvocation(ctx context.Context, sk record.SkillInvocation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO skill_invocations
		(id, execution_id, task_id, skill_name, source_file, source_line, source_section,
		 status, start_time, end_time, parent_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		sk.ID,
		sk.ExecutionID,
		sk.TaskID,
		sk.SkillName,
		sk.Source.File,
		sk.Source.Line,
		sk.Source.Section,
		string(record.SkillRunning),
		timeToNs(sk.StartTime),
		nullableTime(sk.EndTime),
		sk.ParentID,
	)
	if err != nil {
		return fmt.Errorf("write skill invocation: %w", err)
	}
	return nil
}

// FinishSkillInvocation closes a running skill invocation.
// Guarded on status = 'running': ErrNotFound for an unknown id,
// ErrAlreadyFinished if the skill already closed.
func (s *Store) FinishSkillInvocation(ctx context.Context, id string, status record.SkillStatus, endTimeNs int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE skill_invocations
		SET status = ?, end_time = ?
		WHERE id = ? AND status = 'running'
	`, string(status), endTimeNs, id)
	if err != nil {
		return fmt.Errorf("finish skill invocation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish skill invocation: rows affected: %w", err)
	}
	if affected == 0 {
		var existing string
		err := s.db.QueryRowContext(ctx, `
			SELECT status FROM skill_invocations WHERE id = ?
		`, id).Scan(&existing)
		if err != nil {
			return fmt.Errorf("skill invocation %s: %w", id, notFound(err))
		}
		return fmt.Errorf("skill invocation %s already finished with status %q: %w", id, existing, ErrAlreadyFinished)
	}
	return nil
}

// WriteAssertion inserts an assertion record.
// Uses ON CONFLICT(id) DO NOTHING for idempotency. The partial unique index
// on (chain_id, position) rejects a different record claiming an occupied
// chain slot.
func (s *Store) WriteAssertion(ctx context.Context, a record.AssertionRecord) error {
	evidenceJSON, err := record.MarshalEvidence(a.Evidence)
	if err != nil {
		return fmt.Errorf("write assertion: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO assertions
		(id, execution_id, task_id, chain_id, position, category, description, verdict, evidence, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		a.ID,
		a.ExecutionID,
		a.TaskID,
		a.ChainID,
		a.Position,
		string(a.Category),
		a.Description,
		string(a.Verdict),
		evidenceJSON,
		timeToNs(a.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("write assertion: %w", err)
	}
	return nil
}

// WriteChain inserts an assertion chain in its open shape.
// Uses ON CONFLICT(id) DO NOTHING for idempotency.
func (s *Store) WriteChain(ctx context.Context, c record.AssertionChain) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO assertion_chains
		(id, execution_id, task_id, description, pass_count, fail_count, skip_count,
		 verdict, first_failure, closed, start_time, end_time)
		VALUES (?, ?, ?, ?, 0, 0, 0, '', -1, 0, ?, NULL)
		ON CONFLICT(id) DO NOTHING
	`, c.ID, c.ExecutionID, c.TaskID, c.Description, timeToNs(c.StartTime))
	if err != nil {
		return fmt.Errorf("write chain: %w", err)
	}
	return nil
}

// CloseChain freezes a chain with its computed counts and verdict.
// Guarded on closed = 0 so closing is a single transition; a second close
// affects zero rows and is treated as the idempotent success case (the
// caller re-reads the frozen chain).
func (s *Store) CloseChain(ctx context.Context, c record.AssertionChain) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE assertion_chains
		SET pass_count = ?, fail_count = ?, skip_count = ?, verdict = ?,
		    first_failure = ?, closed = 1, end_time = ?
		WHERE id = ? AND closed = 0
	`,
		c.PassCount,
		c.FailCount,
		c.SkipCount,
		string(c.Verdict),
		c.FirstFailure,
		nullableTime(c.EndTime),
		c.ID,
	)
	if err != nil {
		return fmt.Errorf("close chain: %w", err)
	}
	return nil
}
