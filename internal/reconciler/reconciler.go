// Package reconciler keeps one visible row per logical message while its
// delivery state moves from optimistic to confirmed.
package reconciler

import (
	"sort"
	"sync"

	"teamchat/internal/constants"
	"teamchat/internal/models"
	"teamchat/internal/privacy"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// Sink is the UI state edge. It receives every row written to a
// conversation list.
type Sink func(conversationID string, msg models.Message)

type Reconciler struct {
	mu            sync.RWMutex
	conversations map[string][]models.Message
	sinks         map[int]Sink
	nextSinkID    int
	clock         clock.Clock
	logger        *logrus.Logger
}

func New(clk clock.Clock, logger *logrus.Logger) *Reconciler {
	if clk == nil {
		clk = clock.New()
	}
	return &Reconciler{
		conversations: make(map[string][]models.Message),
		sinks:         make(map[int]Sink),
		clock:         clk,
		logger:        logger,
	}
}

// Subscribe registers sink and returns a function that removes it.
func (r *Reconciler) Subscribe(sink Sink) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSinkID
	r.nextSinkID++
	r.sinks[id] = sink
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.sinks, id)
	}
}

func matches(existing, incoming models.Message) bool {
	if incoming.ID != "" && incoming.ID == existing.ID {
		return true
	}
	return incoming.LocalID != "" && incoming.LocalID == existing.LocalID
}

// Upsert writes msg into its conversation list. A row matching by ID or by
// LocalID is replaced in place; otherwise msg is inserted and the list is
// re-sorted by CreatedAt.
func (r *Reconciler) Upsert(conversationID string, msg models.Message) {
	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}

	r.mu.Lock()
	list := r.conversations[conversationID]
	replaced := false
	for i := range list {
		if matches(list[i], msg) {
			if msg.LocalID == "" {
				msg.LocalID = list[i].LocalID
			}
			list[i] = msg
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, msg)
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		})
	}
	r.conversations[conversationID] = list
	sinks := r.snapshotSinks()
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		constants.LogFieldConversationID: privacy.MaskID(conversationID),
		constants.LogFieldLocalID:        privacy.MaskID(msg.LocalID),
		constants.LogFieldStatus:         msg.DeliveryStatus,
		"replaced":                       replaced,
	}).Debug("Reconciled message")

	for _, sink := range sinks {
		sink(conversationID, msg)
	}
}

func (r *Reconciler) snapshotSinks() []Sink {
	sinks := make([]Sink, 0, len(r.sinks))
	for _, s := range r.sinks {
		sinks = append(sinks, s)
	}
	return sinks
}

// NewOptimistic renders a pending row for a message about to be sent and
// inserts it. The row's ID equals its localID until the server confirms it.
func (r *Reconciler) NewOptimistic(localID string, out models.OutgoingMessage) models.Message {
	if out.CreatedAt.IsZero() {
		out.CreatedAt = r.clock.Now()
	}
	msg := models.QueuedMessage{LocalID: localID, Message: out}.ToMessage(models.DeliveryStatusSending)
	r.Upsert(out.ConversationID, msg)
	return msg
}

// update applies fn to the first row selected by pick while holding the
// lock. fn returns false to leave the row untouched.
func (r *Reconciler) update(conversationID string, pick func(models.Message) bool, fn func(*models.Message) bool) (models.Message, bool) {
	r.mu.Lock()
	list := r.conversations[conversationID]
	for i := range list {
		if !pick(list[i]) {
			continue
		}
		if !fn(&list[i]) {
			break
		}
		msg := list[i]
		sinks := r.snapshotSinks()
		r.mu.Unlock()
		for _, sink := range sinks {
			sink(conversationID, msg)
		}
		return msg, true
	}
	r.mu.Unlock()
	return models.Message{}, false
}

func (r *Reconciler) setStatus(conversationID, localID string, status models.DeliveryStatus, serverID string) bool {
	_, ok := r.update(conversationID,
		func(m models.Message) bool { return m.LocalID == localID },
		func(m *models.Message) bool {
			m.DeliveryStatus = status
			if serverID != "" {
				m.ID = serverID
			}
			return true
		})
	if !ok {
		r.logger.WithFields(logrus.Fields{
			constants.LogFieldConversationID: privacy.MaskID(conversationID),
			constants.LogFieldLocalID:        privacy.MaskID(localID),
			constants.LogFieldStatus:         status,
		}).Debug("Skipping status update: no visible row")
	}
	return ok
}

// MarkSent attaches the server ID to the pending row. A row already marked
// failed is still flipped to sent.
func (r *Reconciler) MarkSent(conversationID, localID, serverID string) bool {
	return r.setStatus(conversationID, localID, models.DeliveryStatusSent, serverID)
}

func (r *Reconciler) MarkFailed(conversationID, localID string) bool {
	return r.setStatus(conversationID, localID, models.DeliveryStatusFailed, "")
}

func (r *Reconciler) MarkSending(conversationID, localID string) bool {
	return r.setStatus(conversationID, localID, models.DeliveryStatusSending, "")
}

// ApplyReceipt moves a confirmed row forward to delivered or read. Receipts
// that would move a row backwards, or that name an unknown row, are ignored.
func (r *Reconciler) ApplyReceipt(conversationID, serverID string, status models.DeliveryStatus) bool {
	if status != models.DeliveryStatusDelivered && status != models.DeliveryStatusRead {
		return false
	}
	_, ok := r.update(conversationID,
		func(m models.Message) bool { return m.ID == serverID },
		func(m *models.Message) bool {
			if m.DeliveryStatus == status || !m.DeliveryStatus.CanTransitionTo(status) {
				return false
			}
			m.DeliveryStatus = status
			return true
		})
	return ok
}

// Messages returns a copy of a conversation list in display order.
func (r *Reconciler) Messages(conversationID string) []models.Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.conversations[conversationID]
	out := make([]models.Message, len(list))
	copy(out, list)
	return out
}

// Conversations returns the IDs of every conversation with visible rows.
func (r *Reconciler) Conversations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.conversations))
	for id := range r.conversations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
