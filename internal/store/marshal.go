package store

import (
	"database/sql"
	"time"
)

// Timestamps are stored as nanoseconds since the Unix epoch. Zero times map
// to NULL so "not yet ended" is distinguishable from the epoch.

func timeToNs(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func nsToTime(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

func nullableTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: timeToNs(t), Valid: true}
}

func timeFromNullable(ns sql.NullInt64) time.Time {
	if !ns.Valid {
		return time.Time{}
	}
	return nsToTime(ns.Int64)
}
