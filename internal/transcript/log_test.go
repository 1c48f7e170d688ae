package transcript

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runledger/runledger/internal/record"
	"github.com/runledger/runledger/internal/store"
	"github.com/runledger/runledger/internal/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	run := record.ExecutionRun{ID: "run1", Status: record.RunRunning, StartTime: time.Now()}
	require.NoError(t, s.StartRun(context.Background(), run))
	return s
}

func decisionParams(instanceID, summary string) AppendParams {
	return AppendParams{
		ExecutionID: "run1",
		InstanceID:  instanceID,
		Kind:        record.KindDecision,
		Summary:     summary,
	}
}

func TestAppend_AssignsSequentialSeq(t *testing.T) {
	s := newTestStore(t)
	l := NewLog(s, testLogger())
	ctx := context.Background()

	for want := int64(1); want <= 5; want++ {
		e, err := l.Append(ctx, decisionParams("agent-a", "step"))
		require.NoError(t, err)
		assert.Equal(t, want, e.Seq)
		assert.NotEmpty(t, e.ID)
		assert.Equal(t, record.CategoryKnowledge, e.Category)
	}
	assert.Equal(t, int64(5), l.Seq("run1", "agent-a"))
}

func TestAppend_ScopesAreIndependent(t *testing.T) {
	s := newTestStore(t)
	l := NewLog(s, testLogger())
	ctx := context.Background()

	a, err := l.Append(ctx, decisionParams("agent-a", "a1"))
	require.NoError(t, err)
	b, err := l.Append(ctx, decisionParams("agent-b", "b1"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), a.Seq)
	assert.Equal(t, int64(1), b.Seq, "each instance scope starts at 1")
}

func TestAppend_RejectsUnknownKind(t *testing.T) {
	s := newTestStore(t)
	l := NewLog(s, testLogger())

	_, err := l.Append(context.Background(), AppendParams{
		ExecutionID: "run1",
		InstanceID:  "agent-a",
		Kind:        "made_up_kind",
		Summary:     "nope",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown entry kind")
}

func TestAppend_RejectsMismatchedDetail(t *testing.T) {
	s := newTestStore(t)
	l := NewLog(s, testLogger())

	_, err := l.Append(context.Background(), AppendParams{
		ExecutionID: "run1",
		InstanceID:  "agent-a",
		Kind:        record.KindDecision,
		Summary:     "wrong payload",
		Detail:      &record.LockDetail{Resource: "x"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match kind")
}

func TestAppend_TruncatesLongSummary(t *testing.T) {
	s := newTestStore(t)
	l := NewLog(s, testLogger())

	long := make([]rune, 800)
	for i := range long {
		long[i] = 'x'
	}
	e, err := l.Append(context.Background(), decisionParams("agent-a", string(long)))
	require.NoError(t, err)
	assert.LessOrEqual(t, len([]rune(e.Summary)), record.MaxSummaryRunes)
}

func TestAppend_ConcurrentSameScope(t *testing.T) {
	s := newTestStore(t)
	l := NewLog(s, testLogger())
	ctx := context.Background()

	const writers = 8
	const perWriter = 20

	var wg sync.WaitGroup
	seqs := make(chan int64, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				e, err := l.Append(ctx, decisionParams("agent-a", "concurrent"))
				if err != nil {
					t.Error(err)
					return
				}
				seqs <- e.Seq
			}
		}()
	}
	wg.Wait()
	close(seqs)

	seen := map[int64]bool{}
	for seq := range seqs {
		assert.False(t, seen[seq], "seq %d issued twice", seq)
		seen[seq] = true
	}
	require.Len(t, seen, writers*perWriter)
	// Gap-free: every slot from 1..N was issued.
	for i := int64(1); i <= writers*perWriter; i++ {
		assert.True(t, seen[i], "seq %d missing", i)
	}
}

func TestAppend_AfterCloseFails(t *testing.T) {
	s := newTestStore(t)
	l := NewLog(s, testLogger())

	_, err := l.Append(context.Background(), decisionParams("agent-a", "before close"))
	require.NoError(t, err)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close(), "second close is a no-op")

	_, err = l.Append(context.Background(), decisionParams("agent-a", "after close"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestAppend_ReopenedLogResumesSequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	l1 := NewLog(s, testLogger())
	for i := 0; i < 3; i++ {
		_, err := l1.Append(ctx, decisionParams("agent-a", "first life"))
		require.NoError(t, err)
	}
	require.NoError(t, l1.Close())

	// A new log over the same store picks up after the last durable seq.
	l2 := NewLog(s, testLogger())
	e, err := l2.Append(ctx, decisionParams("agent-a", "second life"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), e.Seq)
}

func TestAppendAll_RejectsMixedScopes(t *testing.T) {
	s := newTestStore(t)
	l := NewLog(s, testLogger())

	_, err := l.AppendAll(context.Background(), []AppendParams{
		decisionParams("agent-a", "one"),
		decisionParams("agent-b", "two"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spans scopes")
}

func TestAppend_PublishesToHub(t *testing.T) {
	s := newTestStore(t)
	hub := stream.NewHub(testLogger(), stream.WithKeepaliveInterval(0))
	defer hub.Close()
	sub := hub.Subscribe(stream.Filter{ExecutionID: "run1"})

	l := NewLog(s, testLogger(), WithHub(hub))
	_, err := l.AppendAll(context.Background(), []AppendParams{
		decisionParams("agent-a", "first"),
		decisionParams("agent-a", "second"),
	})
	require.NoError(t, err)

	first := <-sub.Events()
	second := <-sub.Events()
	require.Equal(t, stream.EventEntry, first.Kind)
	assert.False(t, first.LatestInBatch)
	assert.True(t, second.LatestInBatch)

	entry, ok := second.Payload.(record.TranscriptEntry)
	require.True(t, ok)
	assert.Equal(t, "second", entry.Summary)
}

func TestMirror_WritesOneLinePerEntry(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()
	l := NewLog(s, testLogger(), WithMirrorDir(dir))
	ctx := context.Background()

	summaries := []string{"alpha", "beta", "gamma"}
	for _, summary := range summaries {
		_, err := l.Append(ctx, decisionParams("agent-a", summary))
		require.NoError(t, err)
	}
	require.NoError(t, l.Flush())

	f, err := os.Open(filepath.Join(dir, "run1__agent-a.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	var got []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e struct {
			Summary string `json:"summary"`
			Seq     int64  `json:"seq"`
		}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		got = append(got, e.Summary)
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, summaries, got)
}

func TestMirror_FailureDoesNotFailAppend(t *testing.T) {
	s := newTestStore(t)
	// A file where the mirror wants a directory.
	dir := filepath.Join(t.TempDir(), "blocked")
	require.NoError(t, os.WriteFile(dir, []byte("in the way"), 0o644))

	l := NewLog(s, testLogger(), WithMirrorDir(dir))
	e, err := l.Append(context.Background(), decisionParams("agent-a", "survives"))
	require.NoError(t, err, "append must succeed when only the mirror fails")
	assert.Equal(t, int64(1), e.Seq)
}

// Records a full phase of work from two instances and checks the stored
// ordered views: per-instance order by seq, merged order by timestamp.
func TestLog_TwoInstanceMergedView(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tick := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}
	l := NewLog(s, testLogger(), WithNow(now))

	// Interleave two instances in wall-clock time.
	_, err := l.Append(ctx, decisionParams("agent-a", "a1"))
	require.NoError(t, err)
	_, err = l.Append(ctx, decisionParams("agent-b", "b1"))
	require.NoError(t, err)
	_, err = l.Append(ctx, decisionParams("agent-a", "a2"))
	require.NoError(t, err)
	_, err = l.Append(ctx, decisionParams("agent-b", "b2"))
	require.NoError(t, err)

	merged, _, err := s.ListEntries(ctx, store.EntryFilter{ExecutionID: "run1"})
	require.NoError(t, err)
	require.Len(t, merged, 4)

	var summaries []string
	for _, e := range merged {
		summaries = append(summaries, e.Summary)
	}
	assert.Equal(t, []string{"a1", "b1", "a2", "b2"}, summaries)

	// Per-instance view stays gap-free and ordered.
	mine, _, err := s.ListEntries(ctx, store.EntryFilter{ExecutionID: "run1", InstanceID: "agent-a"})
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, int64(1), mine[0].Seq)
	assert.Equal(t, int64(2), mine[1].Seq)
}
