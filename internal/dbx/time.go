package dbx

import (
	"database/sql"
	"time"
)

// Timestamps are stored as integer Unix milliseconds (UTC).

func MillisOf(t time.Time) int64 {
	return t.UnixMilli()
}

func TimeAt(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// NullMillis converts an optional time into a driver-friendly value.
func NullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

// TimePtr converts a nullable column back into an optional time.
func TimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
