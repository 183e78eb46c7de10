package shared

import (
	"context"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// IsSQLiteBusyError checks if the error is a SQLITE_BUSY error.
func IsSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "SQLITE_BUSY")
}

// IsSQLiteLockedError checks if the error is a "database is locked" error.
func IsSQLiteLockedError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "database is locked")
}

// IsSQLiteConflictError reports SQLite concurrency errors that warrant a retry.
func IsSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	return IsSQLiteBusyError(err) || IsSQLiteLockedError(err)
}

const (
	busyRetries   = 3
	busyBaseDelay = 50 * time.Millisecond
)

// RetryBusy runs fn, retrying with exponential backoff (50ms, 100ms, 200ms)
// while it fails with a SQLite conflict. Other errors return immediately.
func RetryBusy(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(busyRetries, retry.NewExponential(busyBaseDelay))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if IsSQLiteConflictError(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}
