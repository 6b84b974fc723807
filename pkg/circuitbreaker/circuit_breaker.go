// Package circuitbreaker stops calling a remote dependency that keeps
// failing and lets a few trial calls through once a cool-down has passed.
package circuitbreaker

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// State represents the state of a circuit breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config tunes a CircuitBreaker.
type Config struct {
	Name string
	// MaxFailures consecutive counted failures open the circuit.
	MaxFailures uint32
	// ResetTimeout is how long the circuit stays open before trial calls.
	ResetTimeout time.Duration
	// HalfOpenMaxCalls successful trial calls close the circuit again.
	HalfOpenMaxCalls uint32
	// IsFailure decides whether an error counts against the circuit. Nil
	// counts every error.
	IsFailure func(error) bool
	Clock     clock.Clock
}

type CircuitBreaker struct {
	cfg    Config
	clock  clock.Clock
	logger *logrus.Logger

	mu              sync.Mutex
	state           State
	failures        uint32
	lastFailureTime time.Time
	halfOpenCalls   uint32
	successCount    uint32
	requestCount    uint64
	rejectedCount   uint64
}

func New(cfg Config, logger *logrus.Logger) *CircuitBreaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxCalls == 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &CircuitBreaker{
		cfg:    cfg,
		clock:  clk,
		logger: logger,
		state:  StateClosed,
	}
}

// Execute runs fn unless the circuit is open. A rejected call returns an
// *OpenError without invoking fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.acquire(); err != nil {
		return err
	}

	err := fn(ctx)
	if err != nil && (cb.cfg.IsFailure == nil || cb.cfg.IsFailure(err)) {
		cb.onFailure()
		return err
	}
	cb.onSuccess()
	return err
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.currentStateLocked()
	switch state {
	case StateOpen:
		cb.rejectedCount++
		return &OpenError{Name: cb.cfg.Name, State: state, RetryAfter: cb.lastFailureTime.Add(cb.cfg.ResetTimeout).Sub(cb.clock.Now())}
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.cfg.HalfOpenMaxCalls {
			cb.rejectedCount++
			return &OpenError{Name: cb.cfg.Name, State: state}
		}
		cb.halfOpenCalls++
	}
	cb.requestCount++
	return nil
}

// currentStateLocked moves an open circuit to half-open once the reset
// timeout has passed.
func (cb *CircuitBreaker) currentStateLocked() State {
	if cb.state == StateOpen && cb.clock.Since(cb.lastFailureTime) >= cb.cfg.ResetTimeout {
		cb.state = StateHalfOpen
		cb.halfOpenCalls = 0
		cb.successCount = 0
		cb.logger.WithFields(logrus.Fields{
			"circuit_breaker": cb.cfg.Name,
			"state":           StateHalfOpen.String(),
		}).Info("Circuit breaker transitioned to half-open")
	}
	return cb.state
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.cfg.HalfOpenMaxCalls {
			cb.reset()
			cb.logger.WithFields(logrus.Fields{
				"circuit_breaker": cb.cfg.Name,
				"state":           StateClosed.String(),
			}).Info("Circuit breaker closed after successful recovery")
		}
	case StateClosed:
		cb.failures = 0
		cb.successCount++
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailureTime = cb.clock.Now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.cfg.MaxFailures {
			cb.trip()
		}
	case StateHalfOpen:
		cb.trip()
	}
}

func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.logger.WithFields(logrus.Fields{
		"circuit_breaker": cb.cfg.Name,
		"failures":        cb.failures,
		"state":           StateOpen.String(),
	}).Warn("Circuit breaker opened due to failures")
}

func (cb *CircuitBreaker) reset() {
	cb.state = StateClosed
	cb.failures = 0
	cb.successCount = 0
	cb.halfOpenCalls = 0
}

func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentStateLocked()
}

// Stats is a point-in-time view of a circuit breaker.
type Stats struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	Failures        uint32    `json:"failures"`
	Requests        uint64    `json:"requests"`
	Rejected        uint64    `json:"rejected"`
	LastFailureTime time.Time `json:"last_failure_time,omitempty"`
}

func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		Name:            cb.cfg.Name,
		State:           cb.currentStateLocked().String(),
		Failures:        cb.failures,
		Requests:        cb.requestCount,
		Rejected:        cb.rejectedCount,
		LastFailureTime: cb.lastFailureTime,
	}
}

// OpenError is returned for calls rejected by an open circuit.
type OpenError struct {
	Name       string
	State      State
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is %s", e.Name, e.State)
}

// IsOpenError reports whether err, or anything it wraps, is an *OpenError.
func IsOpenError(err error) bool {
	var openErr *OpenError
	return stderrors.As(err, &openErr)
}
