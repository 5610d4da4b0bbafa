// Package hub is the single-process broadcast core: it tracks live
// connections, binds each to at most one room, fans frames out per room
// or globally, and derives user presence from the connection set.
//
// All registry and presence mutations are serialized behind one mutex.
// Broadcasts snapshot the target list under the lock and write outside
// it, so fan-out tolerates concurrent joins and teardowns.
package hub

import (
	"log/slog"
	"sync"

	"github.com/mkarlsen/chatrelay/internal/event"
	"github.com/mkarlsen/chatrelay/internal/metrics"
)

// Hub owns connection, room membership, and presence state.
type Hub struct {
	mu     sync.Mutex
	conns  map[*Conn]struct{}
	rooms  map[int64]map[*Conn]struct{}
	online map[int64]struct{}

	metrics *metrics.Metrics // optional, nil if metrics disabled
}

// New creates an empty hub. m may be nil.
func New(m *metrics.Metrics) *Hub {
	return &Hub{
		conns:   make(map[*Conn]struct{}),
		rooms:   make(map[int64]map[*Conn]struct{}),
		online:  make(map[int64]struct{}),
		metrics: m,
	}
}

// Register adds a connection to the live set. The connection has no user
// or room until BindToRoom is called.
func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = struct{}{}
	slog.Debug("hub: registered", "conn", c.ID)
}

// BindToRoom associates the connection with a user and moves it into a
// room. A connection is in at most one room: binding removes it from any
// previous room first, deleting that room's entry if it becomes empty.
//
// Rebinding to a different user releases the connection's claim on the
// previous one; the prior userID is returned (0 otherwise) so the caller
// can re-evaluate that user's presence.
func (h *Hub) BindToRoom(c *Conn, roomID, userID int64) (prevUserID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c]; !ok {
		return 0
	}

	if c.roomID != 0 && c.roomID != roomID {
		h.removeFromRoomLocked(c)
	}
	if c.userID != 0 && c.userID != userID {
		prevUserID = c.userID
	}
	c.userID = userID
	c.roomID = roomID

	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*Conn]struct{})
	}
	h.rooms[roomID][c] = struct{}{}
	slog.Debug("hub: bound to room", "conn", c.ID, "room", roomID, "user", userID)
	return prevUserID
}

// Unregister removes the connection from the live set and from its room,
// deleting the room entry if it becomes empty. Returns the owning user
// and bound room so the caller can emit user_left and re-evaluate
// presence; both are zero if the connection was never identified or
// already removed.
func (h *Hub) Unregister(c *Conn) (userID, roomID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c]; !ok {
		return 0, 0
	}
	delete(h.conns, c)
	userID, roomID = c.userID, c.roomID
	h.removeFromRoomLocked(c)
	slog.Debug("hub: unregistered", "conn", c.ID, "user", userID, "room", roomID)
	return userID, roomID
}

// removeFromRoomLocked detaches c from its current room. Caller holds h.mu.
func (h *Hub) removeFromRoomLocked(c *Conn) {
	if c.roomID == 0 {
		return
	}
	members := h.rooms[c.roomID]
	if members != nil {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, c.roomID)
		}
	}
	c.roomID = 0
}

// MembersOf returns a snapshot of the connections currently bound to a room.
func (h *Hub) MembersOf(roomID int64) []*Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.rooms[roomID]
	out := make([]*Conn, 0, len(members))
	for c := range members {
		out = append(out, c)
	}
	return out
}

// RoomOf returns the room a connection is currently bound to (0 if none).
func (h *Hub) RoomOf(c *Conn) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return c.roomID
}

// UserOf returns the user a connection is bound to (0 if unidentified).
func (h *Hub) UserOf(c *Conn) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return c.userID
}

// Broadcast fans one frame out to every connection bound to the room.
// Best effort, at most once: frames to closing or saturated connections
// are dropped silently.
func (h *Hub) Broadcast(roomID int64, t event.Type, data any) {
	raw, err := event.Marshal(t, data)
	if err != nil {
		slog.Error("hub: encoding broadcast frame", "type", t, "error", err)
		return
	}
	h.deliver(h.MembersOf(roomID), t, "room", raw)
}

// BroadcastGlobal fans one frame out to every live connection regardless
// of room. Used for presence transitions and single-message status updates.
func (h *Hub) BroadcastGlobal(t event.Type, data any) {
	raw, err := event.Marshal(t, data)
	if err != nil {
		slog.Error("hub: encoding broadcast frame", "type", t, "error", err)
		return
	}
	h.mu.Lock()
	targets := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.Unlock()
	h.deliver(targets, t, "global", raw)
}

func (h *Hub) deliver(targets []*Conn, t event.Type, scope string, raw []byte) {
	for _, c := range targets {
		if !c.Send(raw) {
			slog.Debug("hub: dropped frame", "conn", c.ID, "type", t)
			if h.metrics != nil {
				h.metrics.DroppedFrames.Inc()
			}
		}
	}
	if h.metrics != nil {
		h.metrics.EventsTotal.WithLabelValues(string(t), scope).Inc()
	}
}

// MarkOnline adds the user to the presence set. Returns true only on the
// 0→1 transition, in which case the caller emits a global user_online.
func (h *Hub) MarkOnline(userID int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.online[userID]; ok {
		return false
	}
	h.online[userID] = struct{}{}
	if h.metrics != nil {
		h.metrics.OnlineUsers.Set(float64(len(h.online)))
	}
	return true
}

// MarkOfflineIfUnreachable removes the user from the presence set when no
// live connection with that owner remains. Must be called after the
// triggering connection has been unregistered, otherwise it still counts.
// Returns true when the user went offline.
func (h *Hub) MarkOfflineIfUnreachable(userID int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		if c.userID == userID {
			return false
		}
	}
	if _, ok := h.online[userID]; !ok {
		return false
	}
	delete(h.online, userID)
	if h.metrics != nil {
		h.metrics.OnlineUsers.Set(float64(len(h.online)))
	}
	return true
}

// Snapshot returns the IDs of all users currently online. This backs the
// pull-fallback presence read.
func (h *Hub) Snapshot() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]int64, 0, len(h.online))
	for id := range h.online {
		out = append(out, id)
	}
	return out
}

// ConnCount returns the number of live connections.
func (h *Hub) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// RoomCount returns the number of rooms with at least one member.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// OnlineCount returns the size of the presence set.
func (h *Hub) OnlineCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.online)
}
