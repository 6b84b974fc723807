package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestBreaker(cfg Config) (*CircuitBreaker, *clock.Mock) {
	clk := clock.NewMock()
	cfg.Clock = clk
	if cfg.Name == "" {
		cfg.Name = "chat-api"
	}
	return New(cfg, quietLogger()), clk
}

func fail(ctx context.Context) error    { return errBoom }
func succeed(ctx context.Context) error { return nil }

func TestStateString(t *testing.T) {
	tests := []struct {
		name     string
		state    State
		expected string
	}{
		{"Closed state", StateClosed, "CLOSED"},
		{"Open state", StateOpen, "OPEN"},
		{"Half-open state", StateHalfOpen, "HALF_OPEN"},
		{"Unknown state", State(999), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.state.String())
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	cb := New(Config{Name: "chat-api"}, nil)

	assert.Equal(t, uint32(5), cb.cfg.MaxFailures)
	assert.Equal(t, 30*time.Second, cb.cfg.ResetTimeout)
	assert.Equal(t, uint32(1), cb.cfg.HalfOpenMaxCalls)
	assert.Equal(t, StateClosed, cb.GetState())
	assert.NotNil(t, cb.logger)
}

func TestExecute_OpensAfterMaxFailures(t *testing.T) {
	cb, _ := newTestBreaker(Config{MaxFailures: 3, ResetTimeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	}
	assert.Equal(t, StateOpen, cb.GetState())

	var called bool
	err := cb.Execute(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
	assert.True(t, IsOpenError(err))
	assert.True(t, IsOpenError(fmt.Errorf("send: %w", err)))

	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, time.Minute, openErr.RetryAfter)
	assert.Equal(t, "circuit breaker 'chat-api' is OPEN", err.Error())

	stats := cb.GetStats()
	assert.Equal(t, "OPEN", stats.State)
	assert.Equal(t, uint64(3), stats.Requests)
	assert.Equal(t, uint64(1), stats.Rejected)
}

func TestExecute_SuccessResetsConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker(Config{MaxFailures: 2})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	require.NoError(t, cb.Execute(ctx, succeed))
	_ = cb.Execute(ctx, fail)

	assert.Equal(t, StateClosed, cb.GetState())
}

func TestExecute_IgnoredErrorsDoNotTrip(t *testing.T) {
	permanent := errors.New("403 forbidden")
	cb, _ := newTestBreaker(Config{
		MaxFailures: 1,
		IsFailure:   func(err error) bool { return !errors.Is(err, permanent) },
	})

	for i := 0; i < 5; i++ {
		err := cb.Execute(context.Background(), func(ctx context.Context) error { return permanent })
		assert.ErrorIs(t, err, permanent)
	}
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestHalfOpenRecovery(t *testing.T) {
	cb, clk := newTestBreaker(Config{MaxFailures: 1, ResetTimeout: 30 * time.Second, HalfOpenMaxCalls: 2})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	assert.Equal(t, StateOpen, cb.GetState())

	clk.Add(29 * time.Second)
	assert.Equal(t, StateOpen, cb.GetState())

	clk.Add(time.Second)
	assert.Equal(t, StateHalfOpen, cb.GetState())

	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateHalfOpen, cb.GetState())
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb, clk := newTestBreaker(Config{MaxFailures: 1, ResetTimeout: 10 * time.Second})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clk.Add(10 * time.Second)

	assert.ErrorIs(t, cb.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, cb.GetState())
	assert.True(t, IsOpenError(cb.Execute(ctx, succeed)))
}

func TestHalfOpenLimitsTrialCalls(t *testing.T) {
	cb, clk := newTestBreaker(Config{MaxFailures: 1, ResetTimeout: time.Second, HalfOpenMaxCalls: 1})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clk.Add(time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- cb.Execute(ctx, func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	assert.True(t, IsOpenError(cb.Execute(ctx, succeed)), "only one trial call while half-open")

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestConcurrentExecute(t *testing.T) {
	cb, _ := newTestBreaker(Config{MaxFailures: 1000})
	var wg sync.WaitGroup
	var successes atomic.Int32

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fn := succeed
			if i%2 == 0 {
				fn = fail
			}
			if cb.Execute(context.Background(), fn) == nil {
				successes.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(25), successes.Load())
	assert.Equal(t, uint64(50), cb.GetStats().Requests)
}
