package service

import (
	"context"
	"sync"
	"time"

	"teamchat/internal/constants"
	"teamchat/internal/queue"

	"github.com/sirupsen/logrus"
)

type QueueProcessor interface {
	ProcessQueue(ctx context.Context) queue.ProcessResult
}

// ConnectivitySource publishes committed connectivity transitions.
type ConnectivitySource interface {
	Connected() bool
	Subscribe(fn func(connected bool)) func()
}

// QueueCoordinator drains the outbox on reconnect and on a fixed interval
// while connected. It never processes the queue while offline.
type QueueCoordinator struct {
	processor    QueueProcessor
	connectivity ConnectivitySource
	scheduler    *Scheduler
	interval     time.Duration
	logger       *logrus.Logger

	mu          sync.Mutex
	ctx         context.Context
	unsubscribe func()
	wg          sync.WaitGroup
}

func NewQueueCoordinator(processor QueueProcessor, connectivity ConnectivitySource, scheduler *Scheduler, interval time.Duration, logger *logrus.Logger) *QueueCoordinator {
	if interval <= 0 {
		interval = constants.DefaultQueueProcessInterval
	}
	return &QueueCoordinator{
		processor:    processor,
		connectivity: connectivity,
		scheduler:    scheduler,
		interval:     interval,
		logger:       logger,
	}
}

// Start subscribes to connectivity changes. If the device is already
// connected the queue is drained once and the schedule begins.
func (c *QueueCoordinator) Start(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.unsubscribe = c.connectivity.Subscribe(c.onConnectivityChange)
	c.mu.Unlock()

	if c.connectivity.Connected() {
		c.onConnectivityChange(true)
	}
}

func (c *QueueCoordinator) onConnectivityChange(connected bool) {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	if !connected {
		c.scheduler.Stop()
		c.logger.Debug("Offline, queue processing paused")
		return
	}

	c.logger.Debug("Online, draining message queue")
	c.ProcessNow(ctx, "reconnect")
	c.scheduler.Start(ctx, c.interval, func(ctx context.Context) {
		c.run(ctx, "interval")
	})
}

// ProcessNow runs one pass in the background.
func (c *QueueCoordinator) ProcessNow(ctx context.Context, trigger string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx, trigger)
	}()
}

func (c *QueueCoordinator) run(ctx context.Context, trigger string) {
	if !c.connectivity.Connected() {
		return
	}
	result := c.processor.ProcessQueue(ctx)
	if result.Attempted > 0 {
		c.logger.WithFields(logrus.Fields{
			"trigger":                trigger,
			"sent":                   result.Sent,
			constants.LogFieldFailed: result.Failed,
		}).Debug("Queue pass finished")
	}
}

// Stop unsubscribes, halts the schedule and waits for background passes.
func (c *QueueCoordinator) Stop() {
	c.mu.Lock()
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	c.mu.Unlock()
	c.scheduler.Stop()
	c.wg.Wait()
	c.scheduler.Wait()
}
