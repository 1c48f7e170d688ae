package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/runledger/runledger/internal/record"
)

// AuditReport collects the incomplete-work findings for an execution.
// Every field is a derived view; the audit never mutates stored records.
type AuditReport struct {
	// StaleTools are invocations still pending past the staleness cutoff.
	StaleTools []record.ToolInvocation `json:"stale_tools"`
	// RunningSkills are skill invocations never finished.
	RunningSkills []record.SkillInvocation `json:"running_skills"`
	// OpenChains are assertion chains never closed.
	OpenChains []record.AssertionChain `json:"open_chains"`
	// EmptyChains are chains closed with zero member assertions. They
	// carry a pass verdict but are flagged as a coverage gap.
	EmptyChains []record.AssertionChain `json:"empty_chains"`
	// UnreleasedLocks are lock_acquire entries with no matching
	// lock_release on the same resource.
	UnreleasedLocks []record.TranscriptEntry `json:"unreleased_locks"`
	// OpenCheckpoints are checkpoint entries whose identity was never
	// committed or rolled back.
	OpenCheckpoints []record.TranscriptEntry `json:"open_checkpoints"`
}

// Clean reports whether the audit found nothing.
func (r AuditReport) Clean() bool {
	return len(r.StaleTools) == 0 &&
		len(r.RunningSkills) == 0 &&
		len(r.OpenChains) == 0 &&
		len(r.EmptyChains) == 0 &&
		len(r.UnreleasedLocks) == 0 &&
		len(r.OpenCheckpoints) == 0
}

// Audit scans an execution for incomplete work: pending tool invocations
// older than staleBefore, unfinished skills, unclosed or empty chains,
// unreleased locks, and checkpoints left open. Lock and checkpoint pairing
// happens here rather than in SQL because the pairing key lives inside the
// entry detail payload.
func (s *Store) Audit(ctx context.Context, executionID string, staleBefore time.Time) (AuditReport, error) {
	var report AuditReport

	staleTools, err := s.staleToolInvocations(ctx, executionID, staleBefore)
	if err != nil {
		return AuditReport{}, err
	}
	report.StaleTools = staleTools

	runningSkills, err := s.runningSkillInvocations(ctx, executionID)
	if err != nil {
		return AuditReport{}, err
	}
	report.RunningSkills = runningSkills

	openChains, emptyChains, err := s.auditChains(ctx, executionID)
	if err != nil {
		return AuditReport{}, err
	}
	report.OpenChains = openChains
	report.EmptyChains = emptyChains

	locks, checkpoints, err := s.auditEntries(ctx, executionID)
	if err != nil {
		return AuditReport{}, err
	}
	report.UnreleasedLocks = locks
	report.OpenCheckpoints = checkpoints

	return report, nil
}

func (s *Store) staleToolInvocations(ctx context.Context, executionID string, staleBefore time.Time) ([]record.ToolInvocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+toolColumns+` FROM tool_invocations
		WHERE execution_id = ? AND outcome = 'pending' AND start_time < ?
		ORDER BY start_time ASC, id COLLATE BINARY ASC
	`, executionID, timeToNs(staleBefore))
	if err != nil {
		return nil, fmt.Errorf("audit stale tools: %w", err)
	}
	defer rows.Close()

	return collectTools(rows)
}

func (s *Store) runningSkillInvocations(ctx context.Context, executionID string) ([]record.SkillInvocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+skillColumns+` FROM skill_invocations
		WHERE execution_id = ? AND status = 'running'
		ORDER BY start_time ASC, id COLLATE BINARY ASC
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("audit running skills: %w", err)
	}
	defer rows.Close()

	return collectSkills(rows)
}

func (s *Store) auditChains(ctx context.Context, executionID string) (open, empty []record.AssertionChain, err error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+chainColumns+`,
		       (SELECT COUNT(*) FROM assertions WHERE assertions.chain_id = assertion_chains.id)
		FROM assertion_chains
		WHERE execution_id = ?
		ORDER BY start_time ASC, id COLLATE BINARY ASC
	`, executionID)
	if err != nil {
		return nil, nil, fmt.Errorf("audit chains: %w", err)
	}
	defer rows.Close()

	open = []record.AssertionChain{}
	empty = []record.AssertionChain{}
	for rows.Next() {
		var c record.AssertionChain
		var verdict string
		var closed, members int
		var startNs int64
		var endNs sql.NullInt64
		if err := rows.Scan(
			&c.ID, &c.ExecutionID, &c.TaskID, &c.Description,
			&c.PassCount, &c.FailCount, &c.SkipCount,
			&verdict, &c.FirstFailure, &closed, &startNs, &endNs, &members,
		); err != nil {
			return nil, nil, fmt.Errorf("scan audited chain: %w", err)
		}
		c.Verdict = record.ChainVerdict(verdict)
		c.Closed = closed != 0
		c.StartTime = nsToTime(startNs)
		c.EndTime = timeFromNullable(endNs)

		switch {
		case !c.Closed:
			open = append(open, c)
		case members == 0:
			empty = append(empty, c)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate audited chains: %w", err)
	}
	return open, empty, nil
}

// auditEntries walks the execution's coordination entries in order and
// pairs acquires with releases and checkpoint creates with their terminal
// transitions.
func (s *Store) auditEntries(ctx context.Context, executionID string) (locks, checkpoints []record.TranscriptEntry, err error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM entries
		WHERE execution_id = ? AND kind IN ('lock_acquire', 'lock_release', 'checkpoint')
		ORDER BY timestamp ASC, id COLLATE BINARY ASC
	`, executionID)
	if err != nil {
		return nil, nil, fmt.Errorf("audit coordination entries: %w", err)
	}
	defer rows.Close()

	entries, err := collectEntries(rows)
	if err != nil {
		return nil, nil, err
	}

	// Locks pair as a per-resource stack: a release pops the most recent
	// outstanding acquire, so a re-acquired resource still reports the
	// acquire left unpaired.
	heldLocks := map[string][]record.TranscriptEntry{}
	openCheckpoints := map[string]record.TranscriptEntry{}

	for _, e := range entries {
		switch e.Kind {
		case record.KindLockAcquire:
			if d, ok := e.Detail.(*record.LockDetail); ok {
				heldLocks[d.Resource] = append(heldLocks[d.Resource], e)
			}
		case record.KindLockRelease:
			if d, ok := e.Detail.(*record.LockDetail); ok {
				if stack := heldLocks[d.Resource]; len(stack) > 0 {
					heldLocks[d.Resource] = stack[:len(stack)-1]
				}
			}
		case record.KindCheckpoint:
			d, ok := e.Detail.(*record.CheckpointDetail)
			if !ok {
				continue
			}
			switch d.State {
			case record.CheckpointCreated:
				openCheckpoints[d.CheckpointID] = e
			case record.CheckpointCommitted, record.CheckpointRolledBack:
				delete(openCheckpoints, d.CheckpointID)
			}
		}
	}

	unpaired := map[string]bool{}
	for _, stack := range heldLocks {
		for _, e := range stack {
			unpaired[e.ID] = true
		}
	}

	// Re-walk in order so findings come out in transcript order.
	locks = []record.TranscriptEntry{}
	checkpoints = []record.TranscriptEntry{}
	for _, e := range entries {
		switch e.Kind {
		case record.KindLockAcquire:
			if unpaired[e.ID] {
				locks = append(locks, e)
			}
		case record.KindCheckpoint:
			if d, ok := e.Detail.(*record.CheckpointDetail); ok {
				if open, found := openCheckpoints[d.CheckpointID]; found && open.ID == e.ID {
					checkpoints = append(checkpoints, e)
				}
			}
		}
	}
	return locks, checkpoints, nil
}
