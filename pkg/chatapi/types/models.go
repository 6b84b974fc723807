package types

import (
	"encoding/json"

	"teamchat/internal/models"
)

// SendMessageRequest is the body of POST /v1/conversations/{id}/messages.
type SendMessageRequest struct {
	SenderID    string              `json:"senderId"`
	Text        string              `json:"text"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
}

type SendMessageResponse struct {
	ID string `json:"id"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Realtime event types
const (
	EventMessageStatus = "message.status"
	EventPing          = "ping"
)

// Envelope wraps every realtime frame.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// StatusPayload reports a delivery receipt for a confirmed message.
type StatusPayload struct {
	ConversationID string                `json:"conversationId"`
	ID             string                `json:"id"`
	Status         models.DeliveryStatus `json:"status"`
}
