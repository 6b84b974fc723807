package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"teamchat/internal/constants"
	"teamchat/internal/errors"
	"teamchat/internal/models"
	"teamchat/internal/privacy"
	"teamchat/internal/tracing"
	"teamchat/pkg/chatapi/types"
	"teamchat/pkg/circuitbreaker"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

const maxErrorBodyBytes = 4 << 10

// Client sends messages to the hosted chat backend.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *logrus.Logger
}

// NewClient builds a client for baseURL. breaker may be nil.
func NewClient(baseURL, token string, httpClient *http.Client, breaker *circuitbreaker.CircuitBreaker, logger *logrus.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: time.Duration(constants.DefaultHTTPTimeoutSec) * time.Second}
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  httpClient,
		breaker: breaker,
		logger:  logger,
	}
}

// NewBreaker returns a circuit breaker that only counts transient send
// failures; a rejected message says nothing about backend health.
func NewBreaker(maxFailures uint32, resetTimeout time.Duration, logger *logrus.Logger) *circuitbreaker.CircuitBreaker {
	return circuitbreaker.New(circuitbreaker.Config{
		Name:             "chat-api",
		MaxFailures:      maxFailures,
		ResetTimeout:     resetTimeout,
		HalfOpenMaxCalls: constants.DefaultBreakerHalfOpenCalls,
		IsFailure:        errors.IsRetryable,
	}, logger)
}

// SendMessage posts a message and returns the server-assigned ID. Failures
// are *errors.AppError values classified as retryable or permanent.
func (c *Client) SendMessage(ctx context.Context, conversationID, senderID, text string, attachments []models.Attachment) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "chatapi.send_message",
		attribute.String("conversation.id", privacy.MaskID(conversationID)),
		attribute.Int("message.attachments", len(attachments)),
	)
	defer span.End()

	if conversationID == "" {
		return "", errors.NewValidationError("conversationId", "must not be empty")
	}

	var serverID string
	call := func(ctx context.Context) error {
		id, err := c.send(ctx, conversationID, senderID, text, attachments)
		serverID = id
		return err
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(ctx, call)
		if circuitbreaker.IsOpenError(err) {
			err = errors.WrapRetryable(err, errors.ErrCodeCircuitOpen, "chat backend circuit is open")
		}
	} else {
		err = call(ctx)
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return "", err
	}
	return serverID, nil
}

func (c *Client) send(ctx context.Context, conversationID, senderID, text string, attachments []models.Attachment) (string, error) {
	endpoint := fmt.Sprintf("%s/v1/conversations/%s/messages", c.baseURL, url.PathEscape(conversationID))

	body, err := json.Marshal(types.SendMessageRequest{
		SenderID:    senderID,
		Text:        text,
		Attachments: attachments,
	})
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternalError, "failed to marshal send request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternalError, "failed to create send request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return "", errors.NewSendError(endpoint, 0, err)
	}
	defer resp.Body.Close()

	logger := c.logger.WithFields(logrus.Fields{
		constants.LogFieldConversationID: privacy.MaskID(conversationID),
		constants.LogFieldStatusCode:     resp.StatusCode,
		constants.LogFieldDuration:       time.Since(start).Milliseconds(),
	})

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		logger.Debug("Chat API rejected message")
		return "", errors.NewSendError(endpoint, resp.StatusCode, fmt.Errorf("chat API error: %s", apiErrorMessage(raw)))
	}

	var result types.SendMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", errors.WrapRetryable(err, errors.ErrCodeSendFailed, "failed to decode send response").
			WithContext(constants.LogFieldEndpoint, endpoint)
	}
	if result.ID == "" {
		return "", errors.WrapRetryable(fmt.Errorf("empty id"), errors.ErrCodeSendFailed, "send response carried no message id").
			WithContext(constants.LogFieldEndpoint, endpoint)
	}

	logger.WithField(constants.LogFieldServerID, privacy.MaskID(result.ID)).Debug("Chat API accepted message")
	return result.ID, nil
}

func apiErrorMessage(raw []byte) string {
	var apiErr types.ErrorResponse
	if err := json.Unmarshal(raw, &apiErr); err == nil {
		if apiErr.Message != "" {
			return apiErr.Message
		}
		if apiErr.Error != "" {
			return apiErr.Error
		}
	}
	return strings.TrimSpace(string(raw))
}
