package fusion

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runledger/runledger/internal/record"
	"github.com/runledger/runledger/internal/store"
)

func TestStoreSnapshot_WalksEveryPage(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "runledger.db"))
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	require.NoError(t, st.StartRun(ctx, record.ExecutionRun{ID: "run1", StartTime: fusionBase}))
	require.NoError(t, st.StartRun(ctx, record.ExecutionRun{ID: "run2", StartTime: fusionBase}))

	// More entries than one page, so the cursor walk has to continue.
	total := store.DefaultPageSize + 5
	for i := 0; i < total; i++ {
		e := entry(fmt.Sprintf("e%03d", i), "agent-a", int64(i+1), time.Duration(i)*time.Second)
		require.NoError(t, st.WriteEntry(ctx, e))
	}
	other := entry("other", "agent-b", 1, time.Hour)
	other.ExecutionID = "run2"
	require.NoError(t, st.WriteEntry(ctx, other))

	src := StoreSnapshot{Store: st}
	got, err := src.Snapshot(ctx, "run1")
	require.NoError(t, err)
	require.Len(t, got, total, "every page included, other executions excluded")

	for i, e := range got {
		assert.Equal(t, fmt.Sprintf("e%03d", i), e.ID, "snapshot keeps store order")
	}
}

func TestStoreSnapshot_EmptyExecution(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "runledger.db"))
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	require.NoError(t, st.StartRun(ctx, record.ExecutionRun{ID: "run1", StartTime: fusionBase}))

	src := StoreSnapshot{Store: st}
	got, err := src.Snapshot(ctx, "run1")
	require.NoError(t, err)
	assert.Empty(t, got)
}
