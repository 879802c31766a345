package repository

import (
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// criticalError wraps an error to signal repeater to stop retrying
type criticalError struct {
	err error
}

func (e *criticalError) Error() string {
	return e.err.Error()
}

func (e *criticalError) Unwrap() error {
	return e.err
}

// isLockError checks if an error is a SQLite lock/busy error
func isLockError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "SQLITE_BUSY") ||
		strings.Contains(errStr, "database is locked") ||
		strings.Contains(errStr, "database table is locked")
}

// newID generates a lexicographically sortable unique id
func newID() string {
	return ulid.Make().String()
}

// now returns the current time normalized for storage. All timestamps are
// kept in UTC truncated to microseconds so that text comparisons inside
// SQLite stay consistent with cursor tokens.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// normalizeTime applies storage normalization to an optional timestamp
func normalizeTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	norm := t.UTC().Truncate(time.Microsecond)
	return &norm
}
