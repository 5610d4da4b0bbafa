// Package status applies the message-status state machine and produces
// the resulting broadcast frames. The store is the owner of record;
// broadcasts are transient notifications and are never retried.
package status

import (
	"errors"
	"fmt"
	"time"

	"github.com/mkarlsen/chatrelay/internal/event"
	"github.com/mkarlsen/chatrelay/internal/hub"
	"github.com/mkarlsen/chatrelay/internal/metrics"
	"github.com/mkarlsen/chatrelay/internal/store"
)

// ErrInvalidStatus is returned when a single-message transition targets
// anything other than delivered/seen, or would regress the status.
var ErrInvalidStatus = errors.New("invalid status")

// Engine drives status transitions against the store and notifies the hub.
type Engine struct {
	store   *store.Store
	hub     *hub.Hub
	metrics *metrics.Metrics // optional

	now func() time.Time // swapped in tests
}

// NewEngine creates a status engine. m may be nil.
func NewEngine(s *store.Store, h *hub.Hub, m *metrics.Metrics) *Engine {
	return &Engine{store: s, hub: h, metrics: m, now: time.Now}
}

// MarkChatDelivered advances every sent message in the chat authored by
// someone other than actor to delivered, then emits one room-scoped
// messages_delivered frame. Idempotent: a second application changes
// nothing in the store.
func (e *Engine) MarkChatDelivered(chatID, actor int64) error {
	at := e.now().UTC()
	n, err := e.store.MarkChatDelivered(chatID, actor, at)
	if err != nil {
		return fmt.Errorf("marking chat %d delivered: %w", chatID, err)
	}
	e.count(store.StatusDelivered, n)
	e.hub.Broadcast(chatID, event.TypeMessagesDelivered, event.BulkStatus{
		ChatID:    chatID,
		UserID:    actor,
		Timestamp: at,
	})
	return nil
}

// MarkChatSeen advances every sent or delivered message in the chat
// authored by someone other than actor to seen, then emits one
// room-scoped messages_seen frame.
func (e *Engine) MarkChatSeen(chatID, actor int64) error {
	at := e.now().UTC()
	n, err := e.store.MarkChatSeen(chatID, actor, at)
	if err != nil {
		return fmt.Errorf("marking chat %d seen: %w", chatID, err)
	}
	e.count(store.StatusSeen, n)
	e.hub.Broadcast(chatID, event.TypeMessagesSeen, event.BulkStatus{
		ChatID:    chatID,
		UserID:    actor,
		Timestamp: at,
	})
	return nil
}

// SetMessageStatus applies a single-message transition and emits a global
// message_status_update frame. Unlike the bulk paths there is no
// ownership guard here; the caller is responsible for the correct actor.
//
// target must be delivered or seen. A transition that would regress the
// status (seen → delivered) is rejected with ErrInvalidStatus. Setting
// the status the message already has is a no-op and emits nothing.
func (e *Engine) SetMessageStatus(messageID int64, target store.Status, actor int64) (*store.Message, error) {
	if target != store.StatusDelivered && target != store.StatusSeen {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, target)
	}

	m, err := e.store.GetMessage(messageID)
	if err != nil {
		return nil, err
	}

	if m.Status == target {
		return m, nil
	}
	if m.Status == store.StatusSeen {
		return nil, fmt.Errorf("%w: message %d already seen", ErrInvalidStatus, messageID)
	}

	at := e.now().UTC()
	switch target {
	case store.StatusDelivered:
		m.Status = store.StatusDelivered
		if m.DeliveredAt == nil {
			m.DeliveredAt = &at
		}
	case store.StatusSeen:
		m.Status = store.StatusSeen
		if m.SeenAt == nil {
			m.SeenAt = &at
		}
	}

	if err := e.store.SaveStatus(m); err != nil {
		return nil, fmt.Errorf("saving status of message %d: %w", messageID, err)
	}
	e.count(target, 1)

	e.hub.BroadcastGlobal(event.TypeMessageStatus, event.StatusUpdate{
		MessageID: messageID,
		Status:    string(target),
		UserID:    actor,
		Timestamp: at,
	})
	return m, nil
}

func (e *Engine) count(s store.Status, n int64) {
	if e.metrics != nil && n > 0 {
		e.metrics.StatusTransitions.WithLabelValues(string(s)).Add(float64(n))
	}
}
