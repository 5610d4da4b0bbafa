package status

import (
	"errors"
	"testing"
	"time"

	"github.com/mkarlsen/chatrelay/internal/event"
	"github.com/mkarlsen/chatrelay/internal/hub"
	"github.com/mkarlsen/chatrelay/internal/store"
)

// testRig wires an engine to an in-memory store and a hub with one
// observer connection per scope so emitted frames can be inspected.
type testRig struct {
	engine *Engine
	store  *store.Store
	inRoom *hub.Conn // bound to the chat's room
	global *hub.Conn // registered, never bound
	chat   *store.Chat
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	s, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory failed: %v", err)
	}
	chat, err := s.CreateChat("general")
	if err != nil {
		t.Fatalf("CreateChat failed: %v", err)
	}

	h := hub.New(nil)
	inRoom := hub.NewConn(nil, 16)
	global := hub.NewConn(nil, 16)
	h.Register(inRoom)
	h.Register(global)
	h.BindToRoom(inRoom, chat.ID, 1)

	return &testRig{
		engine: NewEngine(s, h, nil),
		store:  s,
		inRoom: inRoom,
		global: global,
		chat:   chat,
	}
}

func drainOne(t *testing.T, c *hub.Conn) event.Frame {
	t.Helper()
	raw, ok := c.TryRecv()
	if !ok {
		t.Fatal("expected a queued frame")
	}
	f, err := event.Decode(raw)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return f
}

func TestMarkChatDelivered(t *testing.T) {
	rig := newTestRig(t)
	other, _ := rig.store.CreateMessage(rig.chat.ID, 2, "from user 2")
	own, _ := rig.store.CreateMessage(rig.chat.ID, 1, "from actor")

	if err := rig.engine.MarkChatDelivered(rig.chat.ID, 1); err != nil {
		t.Fatalf("MarkChatDelivered failed: %v", err)
	}

	got, _ := rig.store.GetMessage(other.ID)
	if got.Status != store.StatusDelivered || got.DeliveredAt == nil {
		t.Errorf("other message = %q deliveredAt=%v, want delivered with stamp", got.Status, got.DeliveredAt)
	}
	got, _ = rig.store.GetMessage(own.ID)
	if got.Status != store.StatusSent {
		t.Errorf("actor's own message = %q, want sent", got.Status)
	}

	// Room members get one messages_delivered frame; unbound conns get nothing.
	f := drainOne(t, rig.inRoom)
	if f.Type != event.TypeMessagesDelivered {
		t.Errorf("frame type = %q, want messages_delivered", f.Type)
	}
	var bs event.BulkStatus
	if err := event.DecodeData(f, &bs); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if bs.ChatID != rig.chat.ID || bs.UserID != 1 {
		t.Errorf("payload = %+v, want chatId=%d userId=1", bs, rig.chat.ID)
	}
	if _, ok := rig.global.TryRecv(); ok {
		t.Error("bulk transition must broadcast to the room only")
	}
}

func TestMarkChatSeenScenario(t *testing.T) {
	// Scenario: user 1 authored message 501; user 2 authored 502 which is
	// already delivered. mark-seen by user 1 touches only 502.
	rig := newTestRig(t)
	m501, _ := rig.store.CreateMessage(rig.chat.ID, 1, "authored by actor")
	m502, _ := rig.store.CreateMessage(rig.chat.ID, 2, "authored by other")
	rig.store.MarkChatDelivered(rig.chat.ID, 1, time.Now().UTC())
	drainOne(t, rig.inRoom) // discard the delivered frame

	if err := rig.engine.MarkChatSeen(rig.chat.ID, 1); err != nil {
		t.Fatalf("MarkChatSeen failed: %v", err)
	}

	got, _ := rig.store.GetMessage(m501.ID)
	if got.Status != store.StatusSent {
		t.Errorf("actor's own message = %q, want sent", got.Status)
	}
	got, _ = rig.store.GetMessage(m502.ID)
	if got.Status != store.StatusSeen || got.SeenAt == nil {
		t.Errorf("other message = %q seenAt=%v, want seen with stamp", got.Status, got.SeenAt)
	}

	f := drainOne(t, rig.inRoom)
	if f.Type != event.TypeMessagesSeen {
		t.Errorf("frame type = %q, want messages_seen", f.Type)
	}
}

func TestBulkIdempotent(t *testing.T) {
	rig := newTestRig(t)
	m, _ := rig.store.CreateMessage(rig.chat.ID, 2, "m")

	rig.engine.MarkChatDelivered(rig.chat.ID, 1)
	first, _ := rig.store.GetMessage(m.ID)

	rig.engine.MarkChatDelivered(rig.chat.ID, 1)
	second, _ := rig.store.GetMessage(m.ID)

	if !first.DeliveredAt.Equal(*second.DeliveredAt) || first.Status != second.Status {
		t.Errorf("second application changed the record: %+v vs %+v", first, second)
	}
}

func TestSetMessageStatusGlobalBroadcast(t *testing.T) {
	rig := newTestRig(t)
	m, _ := rig.store.CreateMessage(rig.chat.ID, 2, "m")

	updated, err := rig.engine.SetMessageStatus(m.ID, store.StatusDelivered, 1)
	if err != nil {
		t.Fatalf("SetMessageStatus failed: %v", err)
	}
	if updated.Status != store.StatusDelivered || updated.DeliveredAt == nil {
		t.Errorf("updated = %q deliveredAt=%v, want delivered with stamp", updated.Status, updated.DeliveredAt)
	}

	// Status updates go to every connection, bound or not.
	for _, c := range []*hub.Conn{rig.inRoom, rig.global} {
		f := drainOne(t, c)
		if f.Type != event.TypeMessageStatus {
			t.Errorf("frame type = %q, want message_status_update", f.Type)
		}
		var su event.StatusUpdate
		if err := event.DecodeData(f, &su); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if su.MessageID != m.ID || su.Status != "delivered" || su.UserID != 1 {
			t.Errorf("payload = %+v, want messageId=%d status=delivered userId=1", su, m.ID)
		}
	}
}

func TestSetMessageStatusRejectsSent(t *testing.T) {
	rig := newTestRig(t)
	m, _ := rig.store.CreateMessage(rig.chat.ID, 2, "m")

	if _, err := rig.engine.SetMessageStatus(m.ID, store.StatusSent, 1); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("error = %v, want ErrInvalidStatus", err)
	}
	if _, err := rig.engine.SetMessageStatus(m.ID, store.Status("bogus"), 1); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("error = %v, want ErrInvalidStatus", err)
	}
}

func TestSetMessageStatusNotFound(t *testing.T) {
	rig := newTestRig(t)
	if _, err := rig.engine.SetMessageStatus(9999, store.StatusSeen, 1); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("error = %v, want store.ErrNotFound", err)
	}
}

func TestStatusNeverRegresses(t *testing.T) {
	rig := newTestRig(t)
	m, _ := rig.store.CreateMessage(rig.chat.ID, 2, "m")

	if _, err := rig.engine.SetMessageStatus(m.ID, store.StatusSeen, 1); err != nil {
		t.Fatalf("SetMessageStatus(seen) failed: %v", err)
	}
	if _, err := rig.engine.SetMessageStatus(m.ID, store.StatusDelivered, 1); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("seen → delivered error = %v, want ErrInvalidStatus", err)
	}
	got, _ := rig.store.GetMessage(m.ID)
	if got.Status != store.StatusSeen {
		t.Errorf("status regressed to %q", got.Status)
	}
}

func TestSetMessageStatusIdempotent(t *testing.T) {
	rig := newTestRig(t)
	m, _ := rig.store.CreateMessage(rig.chat.ID, 2, "m")

	rig.engine.SetMessageStatus(m.ID, store.StatusDelivered, 1)
	drainOne(t, rig.global)

	// Same target again: record unchanged, nothing broadcast.
	if _, err := rig.engine.SetMessageStatus(m.ID, store.StatusDelivered, 1); err != nil {
		t.Fatalf("repeat SetMessageStatus failed: %v", err)
	}
	if _, ok := rig.global.TryRecv(); ok {
		t.Error("no-op transition should not broadcast")
	}
}

func TestSentToSeenSkipsDeliveredStamp(t *testing.T) {
	rig := newTestRig(t)
	m, _ := rig.store.CreateMessage(rig.chat.ID, 2, "m")

	updated, err := rig.engine.SetMessageStatus(m.ID, store.StatusSeen, 1)
	if err != nil {
		t.Fatalf("SetMessageStatus failed: %v", err)
	}
	if updated.Status != store.StatusSeen || updated.SeenAt == nil {
		t.Errorf("updated = %q seenAt=%v, want seen with stamp", updated.Status, updated.SeenAt)
	}
	if updated.DeliveredAt != nil {
		t.Error("sent → seen must not stamp delivered_at")
	}
}
