package models

import "time"

// QueuedMessage is an outbound message waiting in the offline queue.
type QueuedMessage struct {
	LocalID     string          `json:"localId"`
	Message     OutgoingMessage `json:"message"`
	RetryCount  int             `json:"retryCount"`
	LastAttempt time.Time       `json:"lastAttempt"`
}

// ToMessage renders the queued entry as its UI-visible pending row.
func (q QueuedMessage) ToMessage(status DeliveryStatus) Message {
	return Message{
		ID:             q.LocalID,
		LocalID:        q.LocalID,
		ConversationID: q.Message.ConversationID,
		SenderID:       q.Message.SenderID,
		Text:           q.Message.Text,
		Attachments:    q.Message.Attachments,
		DeliveryStatus: status,
		CreatedAt:      q.Message.CreatedAt,
	}
}

type QueueStats struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
}

type ConnectivityState string

const (
	ConnectivityOnline             ConnectivityState = "online"
	ConnectivityProvisionalOffline ConnectivityState = "provisional_offline"
	ConnectivityOffline            ConnectivityState = "offline"
)

// Connected collapses the tri-state into the boolean seen by consumers.
// A provisional offline state is still reported as connected.
func (c ConnectivityState) Connected() bool {
	return c != ConnectivityOffline
}
