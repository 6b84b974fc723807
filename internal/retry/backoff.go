package retry

import (
	"context"
	"errors"
	"time"

	"teamchat/internal/models"

	"github.com/cenkalti/backoff/v5"
)

// jitterFactor spreads each delay over ±25% of its nominal value.
const jitterFactor = 0.25

// maxDelaySteps bounds GetNextDelay for long-running reconnect loops; the
// interval has long reached MaxDelay by then.
const maxDelaySteps = 64

// BackoffConfig contains configuration for exponential backoff
type BackoffConfig struct {
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Multiplier   float64       `json:"multiplier"`
	MaxAttempts  int           `json:"max_attempts"`
	Jitter       bool          `json:"jitter"`
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  5,
		Jitter:       true,
	}
}

// ConfigFromModel builds a jittered backoff config from the application retry settings.
func ConfigFromModel(cfg models.RetryConfig) BackoffConfig {
	out := DefaultBackoffConfig()
	if cfg.InitialBackoffMs > 0 {
		out.InitialDelay = time.Duration(cfg.InitialBackoffMs) * time.Millisecond
	}
	if cfg.MaxBackoffMs > 0 {
		out.MaxDelay = time.Duration(cfg.MaxBackoffMs) * time.Millisecond
	}
	if cfg.MaxAttempts > 0 {
		out.MaxAttempts = cfg.MaxAttempts
	}
	return out
}

// Backoff drives blocking retries such as opening the local store and
// reconnecting the realtime channel. Queued messages use the wall-clock
// policy in policy.go instead.
type Backoff struct {
	config BackoffConfig
}

func NewBackoff(config BackoffConfig) *Backoff {
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.MaxDelay < config.InitialDelay {
		config.MaxDelay = config.InitialDelay
	}
	return &Backoff{config: config}
}

// newExponential returns a fresh strategy; backoff.ExponentialBackOff is
// not safe for concurrent use.
func (b *Backoff) newExponential() *backoff.ExponentialBackOff {
	exp := &backoff.ExponentialBackOff{
		InitialInterval: b.config.InitialDelay,
		Multiplier:      b.config.Multiplier,
		MaxInterval:     b.config.MaxDelay,
	}
	if b.config.Jitter {
		exp.RandomizationFactor = jitterFactor
	}
	exp.Reset()
	return exp
}

// Retry runs operation until it succeeds, MaxAttempts is reached or ctx
// is done.
func (b *Backoff) Retry(ctx context.Context, operation func() error) error {
	return b.RetryWithPredicate(ctx, operation, func(error) bool { return true })
}

// RetryWithPredicate is Retry, but stops at the first error isRetryable
// rejects. The operation's own error is returned, never a wrapper.
func (b *Backoff) RetryWithPredicate(ctx context.Context, operation func() error, isRetryable func(error) bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := operation()
		if err != nil && !isRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b.newExponential()),
		backoff.WithMaxTries(uint(b.config.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
	)

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Unwrap()
	}
	return err
}

// GetNextDelay returns the delay before retry number attempt, counting
// from 1.
func (b *Backoff) GetNextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > maxDelaySteps {
		attempt = maxDelaySteps
	}
	exp := b.newExponential()
	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = exp.NextBackOff()
	}
	return delay
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
