package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type DeliveryStatus string

const (
	DeliveryStatusSending   DeliveryStatus = "sending"
	DeliveryStatusSent      DeliveryStatus = "sent"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusRead      DeliveryStatus = "read"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

// rank orders the forward-moving statuses. Failed sits outside the chain.
var deliveryStatusRank = map[DeliveryStatus]int{
	DeliveryStatusSending:   0,
	DeliveryStatusSent:      1,
	DeliveryStatusDelivered: 2,
	DeliveryStatusRead:      3,
}

// Valid reports whether s is one of the known delivery statuses.
func (s DeliveryStatus) Valid() bool {
	if s == DeliveryStatusFailed {
		return true
	}
	_, ok := deliveryStatusRank[s]
	return ok
}

// CanTransitionTo reports whether moving from s to next is allowed.
// Statuses only move forward, except failed -> sending (manual retry)
// and failed -> sent (a late success is always accepted).
func (s DeliveryStatus) CanTransitionTo(next DeliveryStatus) bool {
	if !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	if s == DeliveryStatusFailed {
		return next == DeliveryStatusSending || next == DeliveryStatusSent
	}
	if next == DeliveryStatusFailed {
		return s == DeliveryStatusSending
	}
	return deliveryStatusRank[next] > deliveryStatusRank[s]
}

func (s *DeliveryStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	status := DeliveryStatus(raw)
	if !status.Valid() {
		return fmt.Errorf("unknown delivery status %q", raw)
	}
	*s = status
	return nil
}

type AttachmentType string

const (
	AttachmentTypeImage AttachmentType = "image"
	AttachmentTypeFile  AttachmentType = "file"
	AttachmentTypeAudio AttachmentType = "audio"
	AttachmentTypeVideo AttachmentType = "video"
)

// Attachment references an already uploaded blob.
type Attachment struct {
	Type      AttachmentType `json:"type"`
	URL       string         `json:"url"`
	Name      string         `json:"name,omitempty"`
	MimeType  string         `json:"mimeType,omitempty"`
	SizeBytes int64          `json:"sizeBytes,omitempty"`
}

// OutgoingMessage is a message payload that has no server-assigned ID yet.
type OutgoingMessage struct {
	ConversationID string         `json:"conversationId"`
	SenderID       string         `json:"senderId"`
	Text           string         `json:"text"`
	Attachments    []Attachment   `json:"attachments"`
	DeliveryStatus DeliveryStatus `json:"deliveryStatus"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// Message is the UI-visible record. ID is the server ID once confirmed and
// equals LocalID while the message is pending.
type Message struct {
	ID             string         `json:"id"`
	LocalID        string         `json:"localId,omitempty"`
	ConversationID string         `json:"conversationId"`
	SenderID       string         `json:"senderId"`
	Text           string         `json:"text"`
	Attachments    []Attachment   `json:"attachments,omitempty"`
	DeliveryStatus DeliveryStatus `json:"deliveryStatus"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// IsPending reports whether the message has not been confirmed by the server.
func (m Message) IsPending() bool {
	return m.LocalID != "" && m.ID == m.LocalID
}
