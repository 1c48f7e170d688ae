package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/runledger/runledger/internal/record"
)

const entryColumns = `id, execution_id, instance_id, seq, timestamp, task_id, kind, category, summary, detail, duration_ns`

const toolColumns = `id, execution_id, task_id, entry_id, tool_name, category, input, outcome,
	output, error, block_reason, start_time, end_time, duration_ns, skill_id, parent_id`

const skillColumns = `id, execution_id, task_id, skill_name, source_file, source_line, source_section,
	status, start_time, end_time, parent_id`

const assertionColumns = `id, execution_id, task_id, chain_id, position, category, description, verdict, evidence, timestamp`

const chainColumns = `id, execution_id, task_id, description, pass_count, fail_count, skip_count,
	verdict, first_failure, closed, start_time, end_time`

// scanner abstracts sql.Row and sql.Rows for the scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (record.TranscriptEntry, error) {
	var e record.TranscriptEntry
	var kind, category, detailJSON string
	var timestampNs, durationNs int64

	if err := row.Scan(
		&e.ID, &e.ExecutionID, &e.InstanceID, &e.Seq, &timestampNs,
		&e.TaskID, &kind, &category, &e.Summary, &detailJSON, &durationNs,
	); err != nil {
		return record.TranscriptEntry{}, err
	}

	e.Kind = record.EntryKind(kind)
	e.Category = record.EntryCategory(category)
	e.Timestamp = nsToTime(timestampNs)
	e.Duration = time.Duration(durationNs)

	detail, err := record.UnmarshalDetail(e.Kind, detailJSON)
	if err != nil {
		return record.TranscriptEntry{}, err
	}
	e.Detail = detail

	return e, nil
}

func scanTool(row scanner) (record.ToolInvocation, error) {
	var inv record.ToolInvocation
	var category, outcome, inputJSON, outputJSON string
	var startNs, durationNs int64
	var endNs sql.NullInt64

	if err := row.Scan(
		&inv.ID, &inv.ExecutionID, &inv.TaskID, &inv.EntryID, &inv.ToolName, &category,
		&inputJSON, &outcome, &outputJSON, &inv.Error, &inv.BlockReason,
		&startNs, &endNs, &durationNs, &inv.SkillID, &inv.ParentID,
	); err != nil {
		return record.ToolInvocation{}, err
	}

	inv.Category = record.ToolCategory(category)
	inv.Outcome = record.ToolOutcome(outcome)
	inv.StartTime = nsToTime(startNs)
	inv.EndTime = timeFromNullable(endNs)
	inv.Duration = time.Duration(durationNs)

	input, err := record.UnmarshalToolInput(inv.Category, inputJSON)
	if err != nil {
		return record.ToolInvocation{}, err
	}
	inv.Input = input

	output, err := record.UnmarshalToolOutput(inv.Category, outputJSON)
	if err != nil {
		return record.ToolInvocation{}, err
	}
	inv.Output = output

	return inv, nil
}

func scanSkill(row scanner) (record.SkillInvocation, error) {
	var sk record.SkillInvocation
	var status string
	var startNs int64
	var endNs sql.NullInt64

	if err := row.Scan(
		&sk.ID, &sk.ExecutionID, &sk.TaskID, &sk.SkillName,
		&sk.Source.File, &sk.Source.Line, &sk.Source.Section,
		&status, &startNs, &endNs, &sk.ParentID,
	); err != nil {
		return record.SkillInvocation{}, err
	}

	sk.Status = record.SkillStatus(status)
	sk.StartTime = nsToTime(startNs)
	sk.EndTime = timeFromNullable(endNs)

	return sk, nil
}

func scanAssertion(row scanner) (record.AssertionRecord, error) {
	var a record.AssertionRecord
	var category, verdict, evidenceJSON string
	var timestampNs int64

	if err := row.Scan(
		&a.ID, &a.ExecutionID, &a.TaskID, &a.ChainID, &a.Position,
		&category, &a.Description, &verdict, &evidenceJSON, &timestampNs,
	); err != nil {
		return record.AssertionRecord{}, err
	}

	a.Category = record.AssertionCategory(category)
	a.Verdict = record.Verdict(verdict)
	a.Timestamp = nsToTime(timestampNs)

	evidence, err := record.UnmarshalEvidence(evidenceJSON)
	if err != nil {
		return record.AssertionRecord{}, err
	}
	a.Evidence = evidence

	return a, nil
}

func scanChain(row scanner) (record.AssertionChain, error) {
	var c record.AssertionChain
	var verdict string
	var closed int
	var startNs int64
	var endNs sql.NullInt64

	if err := row.Scan(
		&c.ID, &c.ExecutionID, &c.TaskID, &c.Description,
		&c.PassCount, &c.FailCount, &c.SkipCount,
		&verdict, &c.FirstFailure, &closed, &startNs, &endNs,
	); err != nil {
		return record.AssertionChain{}, err
	}

	c.Verdict = record.ChainVerdict(verdict)
	c.Closed = closed != 0
	c.StartTime = nsToTime(startNs)
	c.EndTime = timeFromNullable(endNs)

	return c, nil
}

// GetRun retrieves a single execution run by ID.
// Returns ErrNotFound if the run does not exist.
func (s *Store) GetRun(ctx context.Context, id string) (record.ExecutionRun, error) {
	var run record.ExecutionRun
	var status string
	var startNs int64
	var endNs sql.NullInt64

	err := s.db.QueryRowContext(ctx, `
		SELECT id, status, start_time, end_time FROM runs WHERE id = ?
	`, id).Scan(&run.ID, &status, &startNs, &endNs)
	if err != nil {
		return record.ExecutionRun{}, fmt.Errorf("get run %s: %w", id, notFound(err))
	}

	run.Status = record.RunStatus(status)
	run.StartTime = nsToTime(startNs)
	run.EndTime = timeFromNullable(endNs)
	return run, nil
}

// GetEntry retrieves a single transcript entry by ID.
// Returns ErrNotFound if the entry does not exist.
func (s *Store) GetEntry(ctx context.Context, id string) (record.TranscriptEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM entries WHERE id = ?
	`, id)
	e, err := scanEntry(row)
	if err != nil {
		return record.TranscriptEntry{}, fmt.Errorf("get entry %s: %w", id, notFound(err))
	}
	return e, nil
}

// GetToolInvocation retrieves a single tool invocation by ID.
// Returns ErrNotFound if the invocation does not exist.
func (s *Store) GetToolInvocation(ctx context.Context, id string) (record.ToolInvocation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+toolColumns+` FROM tool_invocations WHERE id = ?
	`, id)
	inv, err := scanTool(row)
	if err != nil {
		return record.ToolInvocation{}, fmt.Errorf("get tool invocation %s: %w", id, notFound(err))
	}
	return inv, nil
}

// GetSkillInvocation retrieves a single skill invocation by ID, including
// its ordered contained tool invocation identities.
// Returns ErrNotFound if the invocation does not exist.
func (s *Store) GetSkillInvocation(ctx context.Context, id string) (record.SkillInvocation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+skillColumns+` FROM skill_invocations WHERE id = ?
	`, id)
	sk, err := scanSkill(row)
	if err != nil {
		return record.SkillInvocation{}, fmt.Errorf("get skill invocation %s: %w", id, notFound(err))
	}

	toolIDs, err := s.skillToolIDs(ctx, id)
	if err != nil {
		return record.SkillInvocation{}, err
	}
	sk.ToolInvocationIDs = toolIDs

	return sk, nil
}

// skillToolIDs returns the contained tool invocation identities for a skill
// in link order.
func (s *Store) skillToolIDs(ctx context.Context, skillID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tool_id FROM skill_tools WHERE skill_id = ? ORDER BY position ASC
	`, skillID)
	if err != nil {
		return nil, fmt.Errorf("query skill tools: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan skill tool: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate skill tools: %w", err)
	}
	return ids, nil
}

// GetAssertion retrieves a single assertion record by ID.
// Returns ErrNotFound if the record does not exist.
func (s *Store) GetAssertion(ctx context.Context, id string) (record.AssertionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+assertionColumns+` FROM assertions WHERE id = ?
	`, id)
	a, err := scanAssertion(row)
	if err != nil {
		return record.AssertionRecord{}, fmt.Errorf("get assertion %s: %w", id, notFound(err))
	}
	return a, nil
}

// GetChain retrieves a single assertion chain by ID.
// Returns ErrNotFound if the chain does not exist.
func (s *Store) GetChain(ctx context.Context, id string) (record.AssertionChain, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+chainColumns+` FROM assertion_chains WHERE id = ?
	`, id)
	c, err := scanChain(row)
	if err != nil {
		return record.AssertionChain{}, fmt.Errorf("get chain %s: %w", id, notFound(err))
	}
	return c, nil
}

// ChainMembers returns all assertion records in a chain, ordered by position.
// Returns an empty slice (not nil) for a chain with no members.
func (s *Store) ChainMembers(ctx context.Context, chainID string) ([]record.AssertionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+assertionColumns+` FROM assertions
		WHERE chain_id = ?
		ORDER BY position ASC
	`, chainID)
	if err != nil {
		return nil, fmt.Errorf("query chain members: %w", err)
	}
	defer rows.Close()

	return collectAssertions(rows)
}

// AdjacentEntry returns the entry before (direction < 0) or after
// (direction > 0) the given entry within its (execution, instance) sequence
// scope. Returns ErrNotFound when no neighbor exists.
func (s *Store) AdjacentEntry(ctx context.Context, e record.TranscriptEntry, direction int) (record.TranscriptEntry, error) {
	var query string
	if direction < 0 {
		query = `
			SELECT ` + entryColumns + ` FROM entries
			WHERE execution_id = ? AND instance_id = ? AND seq < ?
			ORDER BY seq DESC LIMIT 1`
	} else {
		query = `
			SELECT ` + entryColumns + ` FROM entries
			WHERE execution_id = ? AND instance_id = ? AND seq > ?
			ORDER BY seq ASC LIMIT 1`
	}

	row := s.db.QueryRowContext(ctx, query, e.ExecutionID, e.InstanceID, e.Seq)
	neighbor, err := scanEntry(row)
	if err != nil {
		return record.TranscriptEntry{}, notFound(err)
	}
	return neighbor, nil
}

// EntriesInWindow returns entries for a task within [startNs, endNs],
// ordered by timestamp then id for deterministic results.
func (s *Store) EntriesInWindow(ctx context.Context, executionID, taskID string, startNs, endNs int64) ([]record.TranscriptEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM entries
		WHERE execution_id = ? AND task_id = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC, id COLLATE BINARY ASC
	`, executionID, taskID, startNs, endNs)
	if err != nil {
		return nil, fmt.Errorf("query entries in window: %w", err)
	}
	defer rows.Close()

	return collectEntries(rows)
}

// AssertionsInWindow returns assertion records for a task whose timestamp
// falls within [startNs, endNs], ordered by timestamp then id.
func (s *Store) AssertionsInWindow(ctx context.Context, executionID, taskID string, startNs, endNs int64) ([]record.AssertionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+assertionColumns+` FROM assertions
		WHERE execution_id = ? AND task_id = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC, id COLLATE BINARY ASC
	`, executionID, taskID, startNs, endNs)
	if err != nil {
		return nil, fmt.Errorf("query assertions in window: %w", err)
	}
	defer rows.Close()

	return collectAssertions(rows)
}

// AssertionsReferencingTool returns assertion records whose evidence
// references the given tool invocation, either through the explicit
// tool_invocation_id evidence field or by free-text containment of the
// identity in the evidence payload. The explicit field is the strong link;
// containment is kept for evidence written without it.
func (s *Store) AssertionsReferencingTool(ctx context.Context, toolID string) ([]record.AssertionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+assertionColumns+` FROM assertions
		WHERE evidence LIKE '%' || ? || '%'
		ORDER BY timestamp ASC, id COLLATE BINARY ASC
	`, toolID)
	if err != nil {
		return nil, fmt.Errorf("query assertions referencing tool: %w", err)
	}
	defer rows.Close()

	return collectAssertions(rows)
}

// SkillAnnouncement returns the skill_invoke entry that announced a skill
// invocation, located through the detail payload. Returns ErrNotFound when
// the skill was never announced.
func (s *Store) SkillAnnouncement(ctx context.Context, skillID string) (record.TranscriptEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM entries
		WHERE kind = 'skill_invoke'
		  AND json_extract(detail, '$.skill_invocation_id') = ?
		LIMIT 1
	`, skillID)
	e, err := scanEntry(row)
	if err != nil {
		return record.TranscriptEntry{}, notFound(err)
	}
	return e, nil
}

// AssertionAnnouncement returns the assertion entry that announced an
// assertion record.
func (s *Store) AssertionAnnouncement(ctx context.Context, assertionID string) (record.TranscriptEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM entries
		WHERE kind = 'assertion'
		  AND json_extract(detail, '$.assertion_id') = ?
		LIMIT 1
	`, assertionID)
	e, err := scanEntry(row)
	if err != nil {
		return record.TranscriptEntry{}, notFound(err)
	}
	return e, nil
}

// ChildToolInvocations returns invocations nested under a parent invocation,
// ordered by start time then id.
func (s *Store) ChildToolInvocations(ctx context.Context, parentID string) ([]record.ToolInvocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+toolColumns+` FROM tool_invocations
		WHERE parent_id = ?
		ORDER BY start_time ASC, id COLLATE BINARY ASC
	`, parentID)
	if err != nil {
		return nil, fmt.Errorf("query child tool invocations: %w", err)
	}
	defer rows.Close()

	return collectTools(rows)
}

// ChildSkillInvocations returns skills nested under a parent skill,
// ordered by start time then id.
func (s *Store) ChildSkillInvocations(ctx context.Context, parentID string) ([]record.SkillInvocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+skillColumns+` FROM skill_invocations
		WHERE parent_id = ?
		ORDER BY start_time ASC, id COLLATE BINARY ASC
	`, parentID)
	if err != nil {
		return nil, fmt.Errorf("query child skill invocations: %w", err)
	}
	defer rows.Close()

	return collectSkills(rows)
}

// SkillAncestry returns the chain of parent skill identities starting at the
// given skill and walking up. Used for cycle detection when nesting skills.
func (s *Store) SkillAncestry(ctx context.Context, skillID string) ([]string, error) {
	var ancestry []string
	current := skillID
	// Bounded walk: a chain longer than this indicates a cycle already.
	for range [64]struct{}{} {
		var parent string
		err := s.db.QueryRowContext(ctx, `
			SELECT parent_id FROM skill_invocations WHERE id = ?
		`, current).Scan(&parent)
		if err != nil {
			return nil, fmt.Errorf("skill ancestry %s: %w", current, notFound(err))
		}
		ancestry = append(ancestry, current)
		if parent == "" {
			return ancestry, nil
		}
		current = parent
	}
	return ancestry, fmt.Errorf("skill ancestry for %s exceeds depth bound (cycle?)", skillID)
}

func collectEntries(rows *sql.Rows) ([]record.TranscriptEntry, error) {
	entries := []record.TranscriptEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

func collectTools(rows *sql.Rows) ([]record.ToolInvocation, error) {
	invocations := []record.ToolInvocation{}
	for rows.Next() {
		inv, err := scanTool(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tool invocation: %w", err)
		}
		invocations = append(invocations, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tool invocations: %w", err)
	}
	return invocations, nil
}

func collectSkills(rows *sql.Rows) ([]record.SkillInvocation, error) {
	skills := []record.SkillInvocation{}
	for rows.Next() {
		sk, err := scanSkill(rows)
		if err != nil {
			return nil, fmt.Errorf("scan skill invocation: %w", err)
		}
		skills = append(skills, sk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate skill invocations: %w", err)
	}
	return skills, nil
}

func collectAssertions(rows *sql.Rows) ([]record.AssertionRecord, error) {
	assertions := []record.AssertionRecord{}
	for rows.Next() {
		a, err := scanAssertion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan assertion: %w", err)
		}
		assertions = append(assertions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assertions: %w", err)
	}
	return assertions, nil
}
