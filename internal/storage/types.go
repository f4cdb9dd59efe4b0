package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the SQLite database.
//
// Every process that shares the task tables must point Path at the same
// file; the lease table is the only cross-process coordination primitive.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means 5s
}

// Millis converts t to the unix-millisecond representation used by every
// timestamp column. The zero time maps to 0.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis is the inverse of Millis.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
