package transcript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/runledger/runledger/internal/record"
	"github.com/runledger/runledger/internal/store"
	"github.com/runledger/runledger/internal/stream"
)

// ErrClosed is returned by Append after the log has been closed.
var ErrClosed = errors.New("transcript log closed")

// scopeKey identifies one (execution, instance) sequence scope.
type scopeKey struct {
	executionID string
	instanceID  string
}

// scope holds the sequence counter for one key. The mutex serializes
// appends within the scope; different scopes append concurrently.
type scope struct {
	mu  sync.Mutex
	seq int64
}

// Log is the append-only transcript recorder.
type Log struct {
	store  *store.Store
	hub    *stream.Hub
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	scopes map[scopeKey]*scope
	mirror *mirror
	closed bool
}

// Option configures a Log.
type Option func(*Log)

// WithHub attaches a stream hub; every durable append publishes an
// envelope to it.
func WithHub(hub *stream.Hub) Option {
	return func(l *Log) {
		l.hub = hub
	}
}

// WithMirrorDir enables the JSONL mirror under dir, one file per
// (execution, instance) scope. Mirror failures are logged and never fail
// an append; the store is the source of truth.
func WithMirrorDir(dir string) Option {
	return func(l *Log) {
		l.mirror = newMirror(dir)
	}
}

// WithNow overrides the wall clock. Used by tests.
func WithNow(now func() time.Time) Option {
	return func(l *Log) {
		l.now = now
	}
}

// NewLog creates a transcript log over a store.
func NewLog(s *store.Store, logger *slog.Logger, opts ...Option) *Log {
	l := &Log{
		store:  s,
		logger: logger,
		now:    time.Now,
		scopes: make(map[scopeKey]*scope),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AppendParams carries the caller-supplied fields of a new entry. The log
// assigns identity, sequence number, category, and timestamp.
type AppendParams struct {
	ExecutionID string
	InstanceID  string
	TaskID      string
	Kind        record.EntryKind
	Summary     string
	Detail      record.Detail
	Duration    time.Duration
}

// Append records one entry and returns it in its stored shape.
//
// The write path is: validate, claim the next sequence number as a
// candidate, write to the store, then advance the counter. A store failure
// leaves the counter untouched so the next append reuses the slot and the
// scope stays gap-free.
func (l *Log) Append(ctx context.Context, p AppendParams) (record.TranscriptEntry, error) {
	entries, err := l.AppendAll(ctx, []AppendParams{p})
	if err != nil {
		return record.TranscriptEntry{}, err
	}
	return entries[0], nil
}

// AppendAll records a burst of entries in order. All entries must share
// one (execution, instance) scope; the burst holds the scope lock once so
// no other writer interleaves. The final entry's stream envelope carries
// the latest-in-batch mark.
//
// The burst is not atomic: a failure mid-burst returns the error and the
// entries already written stay written.
func (l *Log) AppendAll(ctx context.Context, params []AppendParams) ([]record.TranscriptEntry, error) {
	if len(params) == 0 {
		return []record.TranscriptEntry{}, nil
	}

	key := scopeKey{executionID: params[0].ExecutionID, instanceID: params[0].InstanceID}
	for i, p := range params {
		if p.ExecutionID != key.executionID || p.InstanceID != key.instanceID {
			return nil, fmt.Errorf("append batch spans scopes: entry %d is %s/%s, batch is %s/%s",
				i, p.ExecutionID, p.InstanceID, key.executionID, key.instanceID)
		}
		if err := validateParams(p); err != nil {
			return nil, err
		}
	}

	sc, err := l.scopeFor(key)
	if err != nil {
		return nil, err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	entries := make([]record.TranscriptEntry, 0, len(params))
	for i, p := range params {
		category, _ := record.CategoryFor(p.Kind)
		entry := record.TranscriptEntry{
			ID:          record.NewID(),
			ExecutionID: p.ExecutionID,
			InstanceID:  p.InstanceID,
			Seq:         sc.seq + 1,
			Timestamp:   l.now().UTC(),
			TaskID:      p.TaskID,
			Kind:        p.Kind,
			Category:    category,
			Summary:     record.NormalizeSummary(p.Summary),
			Detail:      p.Detail,
			Duration:    p.Duration,
		}

		if err := l.store.WriteEntry(ctx, entry); err != nil {
			return nil, fmt.Errorf("append entry seq %d: %w", entry.Seq, err)
		}
		sc.seq++
		entries = append(entries, entry)

		if l.mirror != nil {
			if err := l.mirror.append(entry); err != nil {
				l.logger.Warn("transcript mirror write failed",
					"execution_id", entry.ExecutionID,
					"instance_id", entry.InstanceID,
					"seq", entry.Seq,
					"error", err)
			}
		}

		if l.hub != nil {
			l.hub.Publish(stream.Envelope{
				Kind:          stream.EventEntry,
				ExecutionID:   entry.ExecutionID,
				Payload:       entry,
				LatestInBatch: i == len(params)-1,
			})
		}
	}
	return entries, nil
}

func validateParams(p AppendParams) error {
	if p.ExecutionID == "" {
		return errors.New("append: execution id required")
	}
	if p.InstanceID == "" {
		return errors.New("append: instance id required")
	}
	if !record.ValidKind(p.Kind) {
		return fmt.Errorf("append: unknown entry kind %q", p.Kind)
	}
	if !record.DetailMatchesKind(p.Kind, p.Detail) {
		return fmt.Errorf("append: detail payload %T does not match kind %q", p.Detail, p.Kind)
	}
	if p.Summary == "" {
		return errors.New("append: summary required")
	}
	return nil
}

// scopeFor returns the sequence scope for a key, creating and seeding it
// from the store on first use so a restarted instance resumes after its
// last written entry instead of colliding with it.
func (l *Log) scopeFor(key scopeKey) (*scope, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	if sc, ok := l.scopes[key]; ok {
		return sc, nil
	}

	var last int64
	row := l.store.DB().QueryRow(`
		SELECT COALESCE(MAX(seq), 0) FROM entries
		WHERE execution_id = ? AND instance_id = ?
	`, key.executionID, key.instanceID)
	if err := row.Scan(&last); err != nil {
		return nil, fmt.Errorf("seed sequence scope %s/%s: %w", key.executionID, key.instanceID, err)
	}

	sc := &scope{seq: last}
	l.scopes[key] = sc
	return sc, nil
}

// Seq returns the last sequence number issued for a scope, zero if the
// scope has never appended.
func (l *Log) Seq(executionID, instanceID string) int64 {
	l.mu.Lock()
	sc, ok := l.scopes[scopeKey{executionID: executionID, instanceID: instanceID}]
	l.mu.Unlock()
	if !ok {
		return 0
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.seq
}

// Flush forces buffered mirror output to disk. Idempotent; a no-op when
// the mirror is disabled.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.mirror == nil {
		return nil
	}
	return l.mirror.flush()
}

// Close flushes and closes the mirror and rejects further appends.
// Closing twice is safe.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.mirror == nil {
		return nil
	}
	return l.mirror.close()
}
