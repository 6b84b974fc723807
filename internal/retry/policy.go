package retry

import (
	"math"
	"time"

	"teamchat/internal/constants"
	"teamchat/internal/models"
)

// MaxRetryCount is the attempt ceiling after which a queued message is
// reported as failed and no longer resent automatically.
const MaxRetryCount = constants.MaxRetryCount

// BackoffDelay returns 2^n seconds. Growth is unbounded; the attempt
// ceiling, not a delay cap, terminates the schedule.
func BackoffDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	// 2^34 seconds no longer fits in a Duration.
	if retryCount > 33 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(1<<uint(retryCount)) * constants.BaseBackoffMs * time.Millisecond
}

// IsExhausted reports whether the entry has used up its automatic retries.
func IsExhausted(entry models.QueuedMessage) bool {
	return entry.RetryCount >= MaxRetryCount
}

// IsRetryEligible reports whether entry may be resent at now. The backoff
// window is measured from the wall-clock LastAttempt so it survives the
// process being suspended; the boundary is inclusive.
func IsRetryEligible(entry models.QueuedMessage, now time.Time) bool {
	if IsExhausted(entry) {
		return false
	}
	return now.Sub(entry.LastAttempt) >= BackoffDelay(entry.RetryCount)
}

// NextAttemptAt returns the earliest time the entry becomes eligible, or the
// zero time when it is exhausted.
func NextAttemptAt(entry models.QueuedMessage) time.Time {
	if IsExhausted(entry) {
		return time.Time{}
	}
	return entry.LastAttempt.Add(BackoffDelay(entry.RetryCount))
}
