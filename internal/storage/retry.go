package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"teamchat/internal/constants"
	"teamchat/internal/retry"
)

var dbRetryConfig = retry.BackoffConfig{
	InitialDelay: constants.DefaultDatabaseLockBackoffMs * time.Millisecond,
	MaxDelay:     constants.DefaultDatabaseLockMaxBackoff * time.Millisecond,
	Multiplier:   2.0,
	MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
	Jitter:       true,
}

// retryableDBOperation retries operations that hit transient SQLite contention.
func retryableDBOperation(ctx context.Context, operation func() error, operationName string) error {
	var lastErr error
	attempts := 0
	err := retry.NewBackoff(dbRetryConfig).RetryWithPredicate(ctx, func() error {
		attempts++
		lastErr = operation()
		return lastErr
	}, isRetryableDBError)

	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if !isRetryableDBError(lastErr) {
		return fmt.Errorf("%s failed (non-retryable): %w", operationName, err)
	}
	return fmt.Errorf("%s failed after %d attempts: %w", operationName, attempts, err)
}

// isRetryableDBError determines if a database error is worth retrying
func isRetryableDBError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	errStr := err.Error()
	return strings.Contains(errStr, "database is locked") ||
		strings.Contains(errStr, "database table is locked") ||
		strings.Contains(errStr, "disk I/O error")
}
