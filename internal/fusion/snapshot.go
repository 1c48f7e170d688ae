package fusion

import (
	"context"
	"fmt"

	"github.com/runledger/runledger/internal/record"
	"github.com/runledger/runledger/internal/store"
)

// StoreSnapshot adapts the durable store's paged query surface into a
// SnapshotSource, walking the cursor until the execution is exhausted.
type StoreSnapshot struct {
	Store *store.Store
}

func (s StoreSnapshot) Snapshot(ctx context.Context, executionID string) ([]record.TranscriptEntry, error) {
	var all []record.TranscriptEntry
	cursor := ""
	for {
		page, next, err := s.Store.ListEntries(ctx, store.EntryFilter{
			ExecutionID: executionID,
			Cursor:      cursor,
			Limit:       store.DefaultPageSize,
			RawPayload:  true,
		})
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", executionID, err)
		}
		all = append(all, page...)
		if next == "" {
			return all, nil
		}
		cursor = next
	}
}
