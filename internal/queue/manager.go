// Package queue implements the offline outbox: a durable list of outbound
// messages that are resent with exponential backoff once the device is
// connected again.
package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"teamchat/internal/constants"
	"teamchat/internal/errors"
	"teamchat/internal/metrics"
	"teamchat/internal/models"
	"teamchat/internal/privacy"
	"teamchat/internal/retry"
	"teamchat/internal/storage"
	"teamchat/internal/tracing"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// RemoteSender delivers a message to the hosted backend and returns the
// server-assigned message ID.
type RemoteSender interface {
	SendMessage(ctx context.Context, conversationID, senderID, text string, attachments []models.Attachment) (string, error)
}

// Reconciler receives every change to a queued message's visible row.
type Reconciler interface {
	Upsert(conversationID string, msg models.Message)
}

// Options tunes a Manager. Zero values select defaults.
type Options struct {
	AppName string
	// FailFastOnPermanentError marks an entry exhausted on the first
	// failure classified as permanent instead of walking the full
	// backoff schedule.
	FailFastOnPermanentError bool
	Clock                    clock.Clock
	Metrics                  *metrics.Metrics
}

// ProcessResult summarises one ProcessQueue pass. Interrupted counts sends
// cut short by the caller's context; those entries are left untouched.
type ProcessResult struct {
	Total       int  `json:"total"`
	Attempted   int  `json:"attempted"`
	Sent        int  `json:"sent"`
	Failed      int  `json:"failed"`
	Exhausted   int  `json:"exhausted"`
	Interrupted int  `json:"interrupted,omitempty"`
	Coalesced   bool `json:"coalesced,omitempty"`
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeFailed
	outcomeInterrupted
)

// Manager is the single logical writer of the queue store.
type Manager struct {
	store      *Store
	sender     RemoteSender
	reconciler Reconciler
	clock      clock.Clock
	metrics    *metrics.Metrics
	failFast   bool
	logger     *logrus.Logger

	mu         sync.Mutex
	processing atomic.Bool
}

func NewManager(kv storage.KeyValueStore, sender RemoteSender, reconciler Reconciler, opts Options, logger *logrus.Logger) *Manager {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		store:      NewStore(kv, opts.AppName, logger),
		sender:     sender,
		reconciler: reconciler,
		clock:      clk,
		metrics:    opts.Metrics,
		failFast:   opts.FailFastOnPermanentError,
		logger:     logger,
	}
}

// Store exposes the underlying queue store for read-only inspection.
func (m *Manager) Store() *Store {
	return m.store
}

// NewLocalID returns a fresh local correlation ID of the form
// local_<unixMillis>_<random>.
func NewLocalID(clk clock.Clock) string {
	suffix := uuid.NewString()[:constants.DefaultMessageIDLength]
	return fmt.Sprintf("%s%d_%s", constants.LocalIDPrefix, clk.Now().UnixMilli(), suffix)
}

// QueueMessage places a new message in the outbox and returns its localId.
// Storage failures are logged; the localId is returned regardless so the
// caller can still render the message.
func (m *Manager) QueueMessage(ctx context.Context, conversationID, senderID, text string, attachments []models.Attachment) string {
	localID := NewLocalID(m.clock)
	m.QueueOutgoing(ctx, localID, models.OutgoingMessage{
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		Attachments:    attachments,
		DeliveryStatus: models.DeliveryStatusSending,
		CreatedAt:      m.clock.Now(),
	})
	return localID
}

// QueueOutgoing queues msg under an existing localId, used when an
// immediate send already produced an optimistic row. The write ignores
// cancellation of ctx: a send abandoned by its caller still has to land in
// the outbox. It reports whether the entry was persisted.
func (m *Manager) QueueOutgoing(ctx context.Context, localID string, msg models.OutgoingMessage) bool {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.clock.Now()
	}
	msg.DeliveryStatus = models.DeliveryStatusSending
	entry := models.QueuedMessage{
		LocalID:     localID,
		Message:     msg,
		RetryCount:  0,
		LastAttempt: m.clock.Now(),
	}

	m.mu.Lock()
	err := m.store.Append(context.WithoutCancel(ctx), entry)
	m.mu.Unlock()

	logger := m.logger.WithFields(logrus.Fields{
		constants.LogFieldLocalID:        privacy.MaskID(localID),
		constants.LogFieldConversationID: privacy.MaskID(msg.ConversationID),
	})
	if err != nil {
		errors.Entry(logger, err).Error("Failed to persist queued message")
		return false
	}
	m.metrics.MessageQueued()
	logger.Debug("Message queued")
	return true
}

// RestoreRows republishes every queued entry to the reconciler: exhausted
// entries as failed, the rest as sending. Run once at startup so messages
// persisted by an earlier process are visible again. It returns the number
// of rows restored.
func (m *Manager) RestoreRows(ctx context.Context) int {
	if m.reconciler == nil {
		return 0
	}
	entries, err := m.Entries(ctx)
	if err != nil {
		errors.Entry(m.logger.WithField(constants.LogFieldOperation, "restore_rows"), err).Error("Failed to read queue for row restore")
		return 0
	}
	for _, e := range entries {
		status := models.DeliveryStatusSending
		if retry.IsExhausted(e) {
			status = models.DeliveryStatusFailed
		}
		m.reconcile(e, "", status)
	}
	if len(entries) > 0 {
		m.logger.WithField(constants.LogFieldCount, len(entries)).Info("Restored queued message rows")
	}
	return len(entries)
}

// ProcessQueue makes one send attempt for every entry whose backoff window
// has elapsed. It never returns an error; failures become entry state. A
// call made while a pass is already running returns immediately.
func (m *Manager) ProcessQueue(ctx context.Context) ProcessResult {
	if !m.processing.CompareAndSwap(false, true) {
		return ProcessResult{Coalesced: true}
	}
	defer m.processing.Store(false)

	ctx, span := tracing.StartSpan(ctx, "queue.process")
	defer span.End()

	m.mu.Lock()
	entries, err := m.store.GetAll(ctx)
	m.mu.Unlock()
	if err != nil {
		entries = nil
	}

	result := ProcessResult{Total: len(entries)}
	if len(entries) == 0 {
		return result
	}

	now := m.clock.Now()
loop:
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		if !retry.IsRetryEligible(entry, now) {
			continue
		}
		result.Attempted++
		switch m.attempt(ctx, entry) {
		case outcomeSent:
			result.Sent++
			continue
		case outcomeInterrupted:
			// Remaining entries wait for the next pass.
			result.Interrupted++
			break loop
		}
		result.Failed++
		if updated, ok := m.lookup(context.WithoutCancel(ctx), entry.LocalID); ok && retry.IsExhausted(updated) {
			result.Exhausted++
		}
	}

	tracing.AddSpanAttributes(ctx,
		attribute.Int("queue.total", result.Total),
		attribute.Int("queue.attempted", result.Attempted),
		attribute.Int("queue.sent", result.Sent),
		attribute.Int("queue.failed", result.Failed),
	)
	if result.Failed > 0 {
		tracing.SetSpanStatus(ctx, codes.Error, "queued sends failed")
	}

	fields := logrus.Fields{
		constants.LogFieldCount:  result.Attempted,
		"sent":                   result.Sent,
		constants.LogFieldFailed: result.Failed,
	}
	if result.Sent > 0 {
		m.logger.WithFields(fields).Info("Processed message queue")
	} else if result.Attempted > 0 {
		m.logger.WithFields(fields).Debug("Processed message queue")
	}
	return result
}

// attempt sends one entry and records the outcome. Store writes ignore
// cancellation of ctx so a send that reached the backend is never left in
// the queue to be delivered twice.
func (m *Manager) attempt(ctx context.Context, entry models.QueuedMessage) outcome {
	msg := entry.Message
	persistCtx := context.WithoutCancel(ctx)
	logger := m.logger.WithFields(logrus.Fields{
		constants.LogFieldLocalID:    privacy.MaskID(entry.LocalID),
		constants.LogFieldRetryCount: entry.RetryCount,
	})

	start := m.clock.Now()
	serverID, err := m.sender.SendMessage(ctx, msg.ConversationID, msg.SenderID, msg.Text, msg.Attachments)
	m.metrics.ObserveSend(metrics.PathQueue, err, m.clock.Since(start))

	if err == nil {
		m.mu.Lock()
		_, rmErr := m.store.RemoveByID(persistCtx, entry.LocalID)
		m.mu.Unlock()
		if rmErr != nil {
			errors.Entry(logger, rmErr).Error("Failed to remove sent message from queue")
		}
		m.reconcile(entry, serverID, models.DeliveryStatusSent)
		logger.WithField(constants.LogFieldServerID, privacy.MaskID(serverID)).Debug("Queued message sent")
		return outcomeSent
	}

	if ctx.Err() != nil {
		logger.WithError(err).Info("Queued send interrupted, entry kept for the next pass")
		return outcomeInterrupted
	}

	tracing.RecordError(ctx, err, tracing.MessageAttributes(entry.LocalID, msg.ConversationID)...)
	errors.LogRetryable(logger, err, "Queued message send failed")

	var found bool
	if m.failFast && errors.IsPermanent(err) {
		found = m.exhaust(persistCtx, entry.LocalID)
	} else {
		found = m.UpdateRetryCount(persistCtx, entry.LocalID)
	}
	if !found {
		// Cleared while the send was in flight.
		logger.Debug("Queued message no longer in queue, row left unchanged")
		return outcomeFailed
	}
	m.reconcile(entry, "", models.DeliveryStatusFailed)
	return outcomeFailed
}

func (m *Manager) lookup(ctx context.Context, localID string) (models.QueuedMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, _ := m.store.GetAll(ctx)
	for _, e := range entries {
		if e.LocalID == localID {
			return e, true
		}
	}
	return models.QueuedMessage{}, false
}

func (m *Manager) reconcile(entry models.QueuedMessage, serverID string, status models.DeliveryStatus) {
	if m.reconciler == nil {
		return
	}
	msg := entry.ToMessage(status)
	if serverID != "" {
		msg.ID = serverID
	}
	m.reconciler.Upsert(entry.Message.ConversationID, msg)
}

// UpdateRetryCount records a failed attempt: the retry count goes up by one
// and the attempt time is stamped. It reports whether the entry exists.
func (m *Manager) UpdateRetryCount(ctx context.Context, localID string) bool {
	now := m.clock.Now()
	return m.patch(ctx, localID, "update_retry_count", func(e *models.QueuedMessage) {
		e.RetryCount++
		e.LastAttempt = now
	})
}

func (m *Manager) exhaust(ctx context.Context, localID string) bool {
	now := m.clock.Now()
	return m.patch(ctx, localID, "exhaust", func(e *models.QueuedMessage) {
		if e.RetryCount < retry.MaxRetryCount {
			e.RetryCount = retry.MaxRetryCount
		}
		e.LastAttempt = now
	})
}

func (m *Manager) patch(ctx context.Context, localID, operation string, fn func(*models.QueuedMessage)) bool {
	m.mu.Lock()
	updated, found, err := m.store.UpdateByID(ctx, localID, fn)
	m.mu.Unlock()

	logger := m.logger.WithFields(logrus.Fields{
		constants.LogFieldLocalID:   privacy.MaskID(localID),
		constants.LogFieldOperation: operation,
	})
	if err != nil {
		errors.Entry(logger, err).Error("Failed to update queued message")
		return false
	}
	if found && retry.IsExhausted(updated) {
		m.metrics.MessageExhausted()
		logger.WithField(constants.LogFieldRetryCount, updated.RetryCount).Error("Queued message exhausted its retries")
	}
	return found
}

// RetryMessage re-arms a queued entry for an immediate resend on the next
// pass and moves its row back to sending. It reports whether the entry
// exists.
func (m *Manager) RetryMessage(ctx context.Context, localID string) bool {
	m.mu.Lock()
	updated, found, err := m.store.UpdateByID(ctx, localID, func(e *models.QueuedMessage) {
		e.RetryCount = 0
		e.LastAttempt = m.clock.Now().Add(-retry.BackoffDelay(0))
	})
	m.mu.Unlock()

	if err != nil {
		errors.Entry(m.logger.WithField(constants.LogFieldLocalID, privacy.MaskID(localID)), err).Error("Failed to re-arm queued message")
		return false
	}
	if !found {
		return false
	}
	m.reconcile(updated, "", models.DeliveryStatusSending)
	return true
}

// ClearFailedMessages removes exhausted entries and returns how many were
// removed.
func (m *Manager) ClearFailedMessages(ctx context.Context) int {
	m.mu.Lock()
	n, err := m.store.ClearWhere(ctx, retry.IsExhausted)
	m.mu.Unlock()
	if err != nil {
		errors.Entry(m.logger.WithField(constants.LogFieldOperation, "clear_failed"), err).Error("Failed to clear failed messages")
		return 0
	}
	m.metrics.MessagesCleared("failed", n)
	m.logger.WithField(constants.LogFieldCount, n).Info("Cleared failed messages")
	return n
}

// ClearQueue removes every entry.
func (m *Manager) ClearQueue(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, _ := m.store.GetAll(ctx)
	if err := m.store.Clear(ctx); err != nil {
		errors.Entry(m.logger.WithField(constants.LogFieldOperation, "clear"), err).Error("Failed to clear message queue")
		return err
	}
	m.metrics.MessagesCleared("all", len(entries))
	m.logger.WithField(constants.LogFieldCount, len(entries)).Info("Cleared message queue")
	return nil
}

// GetQueueStats counts pending and exhausted entries. A storage failure
// yields empty stats.
func (m *Manager) GetQueueStats(ctx context.Context) models.QueueStats {
	m.mu.Lock()
	entries, _ := m.store.GetAll(ctx)
	m.mu.Unlock()

	var stats models.QueueStats
	for _, e := range entries {
		if retry.IsExhausted(e) {
			stats.Failed++
		} else {
			stats.Pending++
		}
	}
	stats.Total = stats.Pending + stats.Failed
	m.metrics.SetQueueEntries(stats.Pending, stats.Failed)
	return stats
}

// Entries returns a snapshot of the queue. Unlike the other operations it
// surfaces read failures so inspection tools can report them.
func (m *Manager) Entries(ctx context.Context) ([]models.QueuedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, err := m.store.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []models.QueuedMessage{}
	}
	return entries, nil
}
