package chatapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"teamchat/internal/constants"
	"teamchat/internal/errors"
	"teamchat/internal/metrics"
	"teamchat/internal/models"
	"teamchat/internal/privacy"
	"teamchat/internal/retry"
	"teamchat/pkg/chatapi/types"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
)

const realtimeReadLimit = 64 << 10

// ReceiptApplier consumes delivered/read receipts for confirmed messages.
type ReceiptApplier interface {
	ApplyReceipt(conversationID, serverID string, status models.DeliveryStatus) bool
}

// ReceiptListener keeps a websocket open to the backend's realtime
// endpoint and applies message.status frames.
type ReceiptListener struct {
	url     string
	token   string
	applier ReceiptApplier
	backoff *retry.Backoff
	client  *http.Client
	metrics *metrics.Metrics
	logger  *logrus.Logger
}

func NewReceiptListener(realtimeURL, token string, applier ReceiptApplier, backoff retry.BackoffConfig, httpClient *http.Client, m *metrics.Metrics, logger *logrus.Logger) *ReceiptListener {
	return &ReceiptListener{
		url:     realtimeURL,
		token:   token,
		applier: applier,
		backoff: retry.NewBackoff(backoff),
		client:  httpClient,
		metrics: m,
		logger:  logger,
	}
}

// RealtimeURL derives the websocket URL from the REST base URL.
func RealtimeURL(baseURL string) string {
	u := strings.TrimSuffix(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + constants.DefaultRealtimePath
}

// Run listens until ctx is cancelled, reconnecting with backoff whenever
// the connection drops.
func (l *ReceiptListener) Run(ctx context.Context) error {
	attempt := 0
	for {
		connected, err := l.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			attempt = 0
		}
		attempt++
		delay := l.backoff.GetNextDelay(attempt)
		errors.Entry(l.logger.WithFields(logrus.Fields{
			constants.LogFieldURL:     privacy.MaskURL(l.url),
			constants.LogFieldAttempt: attempt,
			"retry_in":                delay.String(),
		}), err).Warn("Realtime connection lost, reconnecting")

		if err := retry.Sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// listen runs one connection. connected reports whether the dial
// succeeded.
func (l *ReceiptListener) listen(ctx context.Context) (connected bool, err error) {
	opts := &websocket.DialOptions{HTTPClient: l.client}
	if l.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + l.token}}
	}

	conn, _, err := websocket.Dial(ctx, l.url, opts)
	if err != nil {
		return false, errors.WrapRetryable(err, errors.ErrCodeRealtime, "realtime dial failed")
	}
	defer conn.CloseNow()
	conn.SetReadLimit(realtimeReadLimit)

	l.logger.WithField(constants.LogFieldURL, privacy.MaskURL(l.url)).Info("Realtime channel connected")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return true, errors.New(errors.ErrCodeRealtime, "realtime channel closed by server")
			}
			return true, errors.WrapRetryable(err, errors.ErrCodeRealtime, "realtime read failed")
		}
		l.handleFrame(data)
	}
}

func (l *ReceiptListener) handleFrame(data []byte) {
	var env types.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		l.logger.WithError(err).Debug("Skipping malformed realtime frame")
		return
	}
	if env.Type != types.EventMessageStatus {
		return
	}

	var payload types.StatusPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		l.logger.WithError(err).Debug("Skipping invalid status payload")
		return
	}
	if payload.ConversationID == "" || payload.ID == "" {
		return
	}

	applied := l.applier.ApplyReceipt(payload.ConversationID, payload.ID, payload.Status)
	l.metrics.ObserveReceipt(string(payload.Status), applied)
	l.logger.WithFields(logrus.Fields{
		constants.LogFieldConversationID: privacy.MaskID(payload.ConversationID),
		constants.LogFieldServerID:       privacy.MaskID(payload.ID),
		constants.LogFieldStatus:         payload.Status,
		"applied":                        applied,
	}).Debug("Delivery receipt received")
}
