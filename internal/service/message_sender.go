package service

import (
	"context"

	"teamchat/internal/constants"
	"teamchat/internal/errors"
	"teamchat/internal/metrics"
	"teamchat/internal/models"
	"teamchat/internal/privacy"
	"teamchat/internal/queue"
	"teamchat/internal/tracing"
	"teamchat/internal/validation"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// RemoteSender is the hosted chat backend.
type RemoteSender = queue.RemoteSender

type Connectivity interface {
	Connected() bool
}

// Outbox is the part of the queue manager the sender relies on.
type Outbox interface {
	QueueOutgoing(ctx context.Context, localID string, msg models.OutgoingMessage) bool
}

// RowWriter renders optimistic rows and moves them to a final state.
type RowWriter interface {
	NewOptimistic(localID string, out models.OutgoingMessage) models.Message
	MarkSent(conversationID, localID, serverID string) bool
	MarkFailed(conversationID, localID string) bool
}

// SendResult describes what happened to a composed message. Queued is true
// when the message went to the outbox instead of being confirmed. Failed
// is set when the outbox could not persist it either.
type SendResult struct {
	Queued   bool           `json:"queued"`
	Failed   bool           `json:"failed,omitempty"`
	LocalID  string         `json:"localId"`
	ServerID string         `json:"serverId,omitempty"`
	Message  models.Message `json:"message"`
}

// MessageSender decides between an immediate send and the offline queue.
type MessageSender struct {
	senderID     string
	connectivity Connectivity
	remote       RemoteSender
	outbox       Outbox
	rows         RowWriter
	clock        clock.Clock
	metrics      *metrics.Metrics
	logger       *logrus.Logger
}

func NewMessageSender(senderID string, connectivity Connectivity, remote RemoteSender, outbox Outbox, rows RowWriter, clk clock.Clock, m *metrics.Metrics, logger *logrus.Logger) *MessageSender {
	if clk == nil {
		clk = clock.New()
	}
	return &MessageSender{
		senderID:     senderID,
		connectivity: connectivity,
		remote:       remote,
		outbox:       outbox,
		rows:         rows,
		clock:        clk,
		metrics:      m,
		logger:       logger,
	}
}

// SendMessage composes a message. When the device is offline, or the
// immediate send fails, the message is queued and its row stays in the
// sending state. Only a failed outbox write leaves the row failed.
func (s *MessageSender) SendMessage(ctx context.Context, conversationID, text string, attachments []models.Attachment) SendResult {
	ctx, span := tracing.StartSpan(ctx, "message.send",
		attribute.Bool("network.connected", s.connectivity.Connected()))
	defer span.End()

	localID := queue.NewLocalID(s.clock)
	if len(attachments) > 0 {
		normalized := make([]models.Attachment, len(attachments))
		for i, a := range attachments {
			normalized[i] = validation.NormalizeAttachment(a)
		}
		attachments = normalized
	}
	out := models.OutgoingMessage{
		ConversationID: conversationID,
		SenderID:       s.senderID,
		Text:           text,
		Attachments:    attachments,
		DeliveryStatus: models.DeliveryStatusSending,
		CreatedAt:      s.clock.Now(),
	}
	row := s.rows.NewOptimistic(localID, out)
	tracing.AddSpanAttributes(ctx, tracing.MessageAttributes(localID, conversationID)...)

	logger := s.logger.WithFields(logrus.Fields{
		constants.LogFieldLocalID:        privacy.MaskID(localID),
		constants.LogFieldConversationID: privacy.MaskID(conversationID),
	})

	if !s.connectivity.Connected() {
		result := s.enqueue(ctx, localID, out, row, logger)
		if result.Queued {
			logger.Info("Offline, message queued")
		}
		return result
	}

	start := s.clock.Now()
	serverID, err := s.remote.SendMessage(ctx, conversationID, s.senderID, text, attachments)
	s.metrics.ObserveSend(metrics.PathImmediate, err, s.clock.Since(start))

	if err != nil {
		tracing.RecordError(ctx, err)
		errors.LogRetryable(logger, err, "Immediate send failed, queueing message")
		return s.enqueue(ctx, localID, out, row, logger)
	}

	s.rows.MarkSent(conversationID, localID, serverID)
	row.ID = serverID
	row.DeliveryStatus = models.DeliveryStatusSent
	logger.WithField(constants.LogFieldServerID, privacy.MaskID(serverID)).Debug("Message sent")
	return SendResult{LocalID: localID, ServerID: serverID, Message: row}
}

// enqueue hands the message to the outbox. A row whose message could not be
// persisted is marked failed so it never waits on a queue entry that does
// not exist.
func (s *MessageSender) enqueue(ctx context.Context, localID string, out models.OutgoingMessage, row models.Message, logger *logrus.Entry) SendResult {
	if s.outbox.QueueOutgoing(ctx, localID, out) {
		return SendResult{Queued: true, LocalID: localID, Message: row}
	}
	s.rows.MarkFailed(out.ConversationID, localID)
	row.DeliveryStatus = models.DeliveryStatusFailed
	logger.Error("Message could not be queued, row marked failed")
	return SendResult{Failed: true, LocalID: localID, Message: row}
}
