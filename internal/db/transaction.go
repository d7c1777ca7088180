package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
)

const (
	defaultRetryAttempts = 3
	defaultRetryBackoff  = 50 * time.Millisecond
)

// TransactionWithRetry runs a transaction, retrying while SQLite reports the
// database as busy.
func (db *DB) TransactionWithRetry(ctx context.Context, maxAttempts int, baseBackoff time.Duration, fn func(*sql.Tx) error) error {
	if maxAttempts <= 0 {
		maxAttempts = defaultRetryAttempts
	}
	if baseBackoff <= 0 {
		baseBackoff = defaultRetryBackoff
	}

	return withRetry(ctx, maxAttempts, baseBackoff, func() error {
		return db.Transaction(ctx, fn)
	})
}

// withRetry calls fn until it succeeds, fails with a non-busy error, or
// maxAttempts is reached. Waits double from baseBackoff.
func withRetry(ctx context.Context, maxAttempts int, baseBackoff time.Duration, fn func() error) error {
	maxAttempts = max(maxAttempts, 1)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseBackoff
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxAttempts-1)), ctx)

	var last error
	err := backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			last = err
			return nil
		}
		last = fn()
		if isBusyError(last) {
			return last
		}
		return nil
	}, policy)
	if ctxErr := ctx.Err(); ctxErr != nil && (last == nil || isBusyError(last)) {
		return ctxErr
	}
	if last != nil {
		return last
	}
	return err
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	message := strings.ToLower(err.Error())
	return strings.Contains(message, "database is locked") ||
		strings.Contains(message, "database is busy") ||
		strings.Contains(message, "sqlite_busy")
}
