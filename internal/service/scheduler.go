package service

import (
	"context"
	"sync"
	"time"

	"teamchat/internal/constants"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// Scheduler runs one function on a fixed interval. It can be started and
// stopped repeatedly; starting a running scheduler replaces its job.
type Scheduler struct {
	name   string
	clock  clock.Clock
	logger *logrus.Logger

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewScheduler(name string, clk clock.Clock, logger *logrus.Logger) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	return &Scheduler{
		name:   name,
		clock:  clk,
		logger: logger,
	}
}

// Start calls fn every interval until Stop is called or ctx is done. The
// first call happens one interval after Start.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopCh != nil {
		close(s.stopCh)
	}
	stopCh := make(chan struct{})
	s.stopCh = stopCh
	ticker := s.clock.Ticker(interval)

	s.logger.WithFields(logrus.Fields{
		constants.LogFieldComponent: s.name,
		"interval":                  interval.String(),
	}).Debug("Starting scheduler")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

// Stop halts the schedule. A run already in progress is not interrupted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	s.logger.WithField(constants.LogFieldComponent, s.name).Debug("Scheduler stopped")
}

// Running reports whether a schedule is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCh != nil
}

// Wait blocks until every schedule loop has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
