package service

import (
	"context"
	"sync"
	"time"

	"teamchat/internal/constants"
	"teamchat/internal/models"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

type QueueStatsSource interface {
	GetQueueStats(ctx context.Context) models.QueueStats
}

// QueueMonitor periodically samples queue statistics so the metrics
// gauges stay current and exhausted messages are reported.
type QueueMonitor struct {
	source        QueueStatsSource
	checkInterval time.Duration
	clock         clock.Clock
	logger        *logrus.Logger
	stopCh        chan struct{}
	stopOnce      sync.Once
}

func NewQueueMonitor(source QueueStatsSource, checkInterval time.Duration, clk clock.Clock, logger *logrus.Logger) *QueueMonitor {
	if checkInterval <= 0 {
		checkInterval = constants.DefaultQueueMonitorInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	return &QueueMonitor{
		source:        source,
		checkInterval: checkInterval,
		clock:         clk,
		logger:        logger,
		stopCh:        make(chan struct{}),
	}
}

func (m *QueueMonitor) Start(ctx context.Context) {
	ticker := m.clock.Ticker(m.checkInterval)
	defer ticker.Stop()

	m.logger.WithField("check_interval", m.checkInterval).Info("Starting queue monitor")
	m.check(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

// Stop ends Start's loop. It is safe to call more than once.
func (m *QueueMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *QueueMonitor) check(ctx context.Context) models.QueueStats {
	stats := m.source.GetQueueStats(ctx)
	if stats.Failed > 0 {
		m.logger.WithFields(logrus.Fields{
			constants.LogFieldPending: stats.Pending,
			constants.LogFieldFailed:  stats.Failed,
		}).Warn("Messages exhausted their retries and need a manual retry or clear")
	}
	return stats
}
