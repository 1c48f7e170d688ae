package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/runledger/runledger/internal/record"
)

// DefaultPageSize bounds list results when the caller does not set a limit.
const DefaultPageSize = 100

// EntryFilter selects transcript entries for the query surface.
// Zero-valued fields are not applied. RawPayload controls whether the
// kind-specific detail payload is returned; it defaults to false to bound
// response size.
type EntryFilter struct {
	ExecutionID string
	InstanceID  string
	TaskID      string
	Kind        record.EntryKind
	Category    record.EntryCategory
	Since       time.Time
	Until       time.Time
	Cursor      string
	Limit       int
	RawPayload  bool
}

// ToolFilter selects tool invocations.
type ToolFilter struct {
	ExecutionID string
	TaskID      string
	ToolName    string
	Category    record.ToolCategory
	Outcome     record.ToolOutcome
	Since       time.Time
	Until       time.Time
	Cursor      string
	Limit       int
	RawPayload  bool
}

// SkillFilter selects skill invocations.
type SkillFilter struct {
	ExecutionID string
	TaskID      string
	SkillName   string
	Status      record.SkillStatus
	Since       time.Time
	Until       time.Time
	Cursor      string
	Limit       int
}

// AssertionFilter selects assertion records.
type AssertionFilter struct {
	ExecutionID string
	TaskID      string
	ChainID     string
	Category    record.AssertionCategory
	Verdict     record.Verdict
	Since       time.Time
	Until       time.Time
	Cursor      string
	Limit       int
	RawPayload  bool
}

// A cursor is an opaque keyset position: the (timestamp, id) pair of the
// last row the caller saw. Pagination orders by (timestamp, id) so the pair
// resumes deterministically regardless of writer instance.
func encodeCursor(ns int64, id string) string {
	return strconv.FormatInt(ns, 10) + "|" + id
}

func decodeCursor(cursor string) (int64, string, error) {
	if cursor == "" {
		return 0, "", nil
	}
	sep := strings.IndexByte(cursor, '|')
	if sep < 1 {
		return 0, "", fmt.Errorf("malformed cursor %q", cursor)
	}
	ns, err := strconv.ParseInt(cursor[:sep], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed cursor %q: %w", cursor, err)
	}
	return ns, cursor[sep+1:], nil
}

// whereBuilder accumulates parameterized conditions. Values are always
// parameterized, never interpolated; column names are compile-time constants
// in this package, never caller input.
type whereBuilder struct {
	clauses []string
	args    []any
}

func (w *whereBuilder) add(clause string, args ...any) {
	w.clauses = append(w.clauses, clause)
	w.args = append(w.args, args...)
}

func (w *whereBuilder) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func (w *whereBuilder) timeRange(column string, since, until time.Time) {
	if !since.IsZero() {
		w.add(column+" >= ?", timeToNs(since))
	}
	if !until.IsZero() {
		w.add(column+" <= ?", timeToNs(until))
	}
}

func (w *whereBuilder) cursor(timeColumn, cursor string) error {
	ns, id, err := decodeCursor(cursor)
	if err != nil {
		return err
	}
	if id != "" {
		w.add("("+timeColumn+" > ? OR ("+timeColumn+" = ? AND id > ?))", ns, ns, id)
	}
	return nil
}

func pageLimit(limit int) int {
	if limit <= 0 || limit > DefaultPageSize*10 {
		return DefaultPageSize
	}
	return limit
}

// ListEntries returns transcript entries matching the filter, ordered by
// (timestamp, id) for a deterministic cross-instance view, with keyset
// pagination. Returns the page and the cursor for the next page ("" when
// the page was not full).
func (s *Store) ListEntries(ctx context.Context, f EntryFilter) ([]record.TranscriptEntry, string, error) {
	var w whereBuilder
	if f.ExecutionID != "" {
		w.add("execution_id = ?", f.ExecutionID)
	}
	if f.InstanceID != "" {
		w.add("instance_id = ?", f.InstanceID)
	}
	if f.TaskID != "" {
		w.add("task_id = ?", f.TaskID)
	}
	if f.Kind != "" {
		w.add("kind = ?", string(f.Kind))
	}
	if f.Category != "" {
		w.add("category = ?", string(f.Category))
	}
	w.timeRange("timestamp", f.Since, f.Until)
	if err := w.cursor("timestamp", f.Cursor); err != nil {
		return nil, "", err
	}

	limit := pageLimit(f.Limit)
	query := `SELECT ` + entryColumns + ` FROM entries` + w.sql() +
		` ORDER BY timestamp ASC, id COLLATE BINARY ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, append(w.args, limit)...)
	if err != nil {
		return nil, "", fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	entries, err := collectEntries(rows)
	if err != nil {
		return nil, "", err
	}

	if !f.RawPayload {
		for i := range entries {
			entries[i].Detail = nil
		}
	}

	next := ""
	if len(entries) == limit {
		last := entries[len(entries)-1]
		next = encodeCursor(timeToNs(last.Timestamp), last.ID)
	}
	return entries, next, nil
}

// ListToolInvocations returns tool invocations matching the filter, ordered
// by (start_time, id) with keyset pagination.
func (s *Store) ListToolInvocations(ctx context.Context, f ToolFilter) ([]record.ToolInvocation, string, error) {
	var w whereBuilder
	if f.ExecutionID != "" {
		w.add("execution_id = ?", f.ExecutionID)
	}
	if f.TaskID != "" {
		w.add("task_id = ?", f.TaskID)
	}
	if f.ToolName != "" {
		w.add("tool_name = ?", f.ToolName)
	}
	if f.Category != "" {
		w.add("category = ?", string(f.Category))
	}
	if f.Outcome != "" {
		w.add("outcome = ?", string(f.Outcome))
	}
	w.timeRange("start_time", f.Since, f.Until)
	if err := w.cursor("start_time", f.Cursor); err != nil {
		return nil, "", err
	}

	limit := pageLimit(f.Limit)
	query := `SELECT ` + toolColumns + ` FROM tool_invocations` + w.sql() +
		` ORDER BY start_time ASC, id COLLATE BINARY ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, append(w.args, limit)...)
	if err != nil {
		return nil, "", fmt.Errorf("query tool invocations: %w", err)
	}
	defer rows.Close()

	invocations, err := collectTools(rows)
	if err != nil {
		return nil, "", err
	}

	if !f.RawPayload {
		for i := range invocations {
			invocations[i].Input = nil
			invocations[i].Output = nil
		}
	}

	next := ""
	if len(invocations) == limit {
		last := invocations[len(invocations)-1]
		next = encodeCursor(timeToNs(last.StartTime), last.ID)
	}
	return invocations, next, nil
}

// ListSkillInvocations returns skill invocations matching the filter,
// ordered by (start_time, id) with keyset pagination. Contained tool
// identities are not expanded here; use GetSkillInvocation for the full
// record.
func (s *Store) ListSkillInvocations(ctx context.Context, f SkillFilter) ([]record.SkillInvocation, string, error) {
	var w whereBuilder
	if f.ExecutionID != "" {
		w.add("execution_id = ?", f.ExecutionID)
	}
	if f.TaskID != "" {
		w.add("task_id = ?", f.TaskID)
	}
	if f.SkillName != "" {
		w.add("skill_name = ?", f.SkillName)
	}
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	w.timeRange("start_time", f.Since, f.Until)
	if err := w.cursor("start_time", f.Cursor); err != nil {
		return nil, "", err
	}

	limit := pageLimit(f.Limit)
	query := `SELECT ` + skillColumns + ` FROM skill_invocations` + w.sql() +
		` ORDER BY start_time ASC, id COLLATE BINARY ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, append(w.args, limit)...)
	if err != nil {
		return nil, "", fmt.Errorf("query skill invocations: %w", err)
	}
	defer rows.Close()

	skills, err := collectSkills(rows)
	if err != nil {
		return nil, "", err
	}

	next := ""
	if len(skills) == limit {
		last := skills[len(skills)-1]
		next = encodeCursor(timeToNs(last.StartTime), last.ID)
	}
	return skills, next, nil
}

// ListAssertions returns assertion records matching the filter, ordered by
// (timestamp, id) with keyset pagination.
func (s *Store) ListAssertions(ctx context.Context, f AssertionFilter) ([]record.AssertionRecord, string, error) {
	var w whereBuilder
	if f.ExecutionID != "" {
		w.add("execution_id = ?", f.ExecutionID)
	}
	if f.TaskID != "" {
		w.add("task_id = ?", f.TaskID)
	}
	if f.ChainID != "" {
		w.add("chain_id = ?", f.ChainID)
	}
	if f.Category != "" {
		w.add("category = ?", string(f.Category))
	}
	if f.Verdict != "" {
		w.add("verdict = ?", string(f.Verdict))
	}
	w.timeRange("timestamp", f.Since, f.Until)
	if err := w.cursor("timestamp", f.Cursor); err != nil {
		return nil, "", err
	}

	limit := pageLimit(f.Limit)
	query := `SELECT ` + assertionColumns + ` FROM assertions` + w.sql() +
		` ORDER BY timestamp ASC, id COLLATE BINARY ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, append(w.args, limit)...)
	if err != nil {
		return nil, "", fmt.Errorf("query assertions: %w", err)
	}
	defer rows.Close()

	assertions, err := collectAssertions(rows)
	if err != nil {
		return nil, "", err
	}

	if !f.RawPayload {
		for i := range assertions {
			assertions[i].Evidence.Output = ""
		}
	}

	next := ""
	if len(assertions) == limit {
		last := assertions[len(assertions)-1]
		next = encodeCursor(timeToNs(last.Timestamp), last.ID)
	}
	return assertions, next, nil
}

// ListChains returns the assertion chains for an execution, optionally
// narrowed to a task, ordered by (start_time, id). Chains are few per task,
// so there is no pagination here.
func (s *Store) ListChains(ctx context.Context, executionID, taskID string) ([]record.AssertionChain, error) {
	var w whereBuilder
	w.add("execution_id = ?", executionID)
	if taskID != "" {
		w.add("task_id = ?", taskID)
	}

	query := `SELECT ` + chainColumns + ` FROM assertion_chains` + w.sql() +
		` ORDER BY start_time ASC, id COLLATE BINARY ASC`
	rows, err := s.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("query chains: %w", err)
	}
	defer rows.Close()

	chains := []record.AssertionChain{}
	for rows.Next() {
		c, err := scanChain(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chain: %w", err)
		}
		chains = append(chains, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chains: %w", err)
	}
	return chains, nil
}

// ListRuns returns all execution runs ordered by start time, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]record.ExecutionRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, start_time, end_time FROM runs
		ORDER BY start_time DESC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []record.ExecutionRun{}
	for rows.Next() {
		var run record.ExecutionRun
		var status string
		var startNs int64
		var endNs sql.NullInt64
		if err := rows.Scan(&run.ID, &status, &startNs, &endNs); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Status = record.RunStatus(status)
		run.StartTime = nsToTime(startNs)
		run.EndTime = timeFromNullable(endNs)
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// ToolSummary is the per-tool aggregate derived from tool invocations.
type ToolSummary struct {
	ToolName      string        `json:"tool_name"`
	Category      string        `json:"category"`
	Count         int           `json:"count"`
	Succeeded     int           `json:"succeeded"`
	Errored       int           `json:"errored"`
	Blocked       int           `json:"blocked"`
	Pending       int           `json:"pending"`
	TotalDuration time.Duration `json:"total_duration"`
}

// SummarizeByTool aggregates tool invocations per tool name for an
// execution. A pure derived view over tool_invocations - no separate
// storage.
func (s *Store) SummarizeByTool(ctx context.Context, executionID string) ([]ToolSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tool_name, category,
		       COUNT(*),
		       SUM(CASE WHEN outcome = 'succeeded' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN outcome = 'errored' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN outcome = 'blocked' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN outcome = 'pending' THEN 1 ELSE 0 END),
		       SUM(duration_ns)
		FROM tool_invocations
		WHERE execution_id = ?
		GROUP BY tool_name, category
		ORDER BY tool_name ASC, category ASC
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("summarize by tool: %w", err)
	}
	defer rows.Close()

	summaries := []ToolSummary{}
	for rows.Next() {
		var ts ToolSummary
		var totalNs int64
		if err := rows.Scan(&ts.ToolName, &ts.Category, &ts.Count,
			&ts.Succeeded, &ts.Errored, &ts.Blocked, &ts.Pending, &totalNs); err != nil {
			return nil, fmt.Errorf("scan tool summary: %w", err)
		}
		ts.TotalDuration = time.Duration(totalNs)
		summaries = append(summaries, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tool summaries: %w", err)
	}
	return summaries, nil
}

// CategorySummary is the per-category aggregate derived from entries.
type CategorySummary struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
}

// SummarizeByCategory aggregates transcript entries per category for an
// execution.
func (s *Store) SummarizeByCategory(ctx context.Context, executionID string) ([]CategorySummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT category, COUNT(*)
		FROM entries
		WHERE execution_id = ?
		GROUP BY category
		ORDER BY category ASC
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("summarize by category: %w", err)
	}
	defer rows.Close()

	summaries := []CategorySummary{}
	for rows.Next() {
		var cs CategorySummary
		if err := rows.Scan(&cs.Category, &cs.Count); err != nil {
			return nil, fmt.Errorf("scan category summary: %w", err)
		}
		summaries = append(summaries, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate category summaries: %w", err)
	}
	return summaries, nil
}

// PassRateReport is the assertion pass-rate aggregate for an execution or
// task. Rate excludes skips: pass / (pass + fail), with warn counted as
// pass (matching the chain verdict law). Rate is 0 when nothing ran.
type PassRateReport struct {
	Pass  int     `json:"pass"`
	Fail  int     `json:"fail"`
	Skip  int     `json:"skip"`
	Warn  int     `json:"warn"`
	Total int     `json:"total"`
	Rate  float64 `json:"rate"`
}

// PassRate computes the assertion pass rate for an execution, optionally
// narrowed to a task.
func (s *Store) PassRate(ctx context.Context, executionID, taskID string) (PassRateReport, error) {
	var w whereBuilder
	w.add("execution_id = ?", executionID)
	if taskID != "" {
		w.add("task_id = ?", taskID)
	}

	query := `
		SELECT
		       COALESCE(SUM(CASE WHEN verdict = 'pass' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN verdict = 'fail' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN verdict = 'skip' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN verdict = 'warn' THEN 1 ELSE 0 END), 0),
		       COUNT(*)
		FROM assertions` + w.sql()

	var report PassRateReport
	var pass, fail, skip, warn, total int
	row := s.db.QueryRowContext(ctx, query, w.args...)
	if err := row.Scan(&pass, &fail, &skip, &warn, &total); err != nil {
		return PassRateReport{}, fmt.Errorf("pass rate: %w", err)
	}
	report = PassRateReport{Pass: pass, Fail: fail, Skip: skip, Warn: warn, Total: total}
	if effective := pass + warn + fail; effective > 0 {
		report.Rate = float64(pass+warn) / float64(effective)
	}
	return report, nil
}
