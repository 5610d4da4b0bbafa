package health

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mkarlsen/chatrelay/internal/gateway"
	"github.com/mkarlsen/chatrelay/internal/hub"
	"github.com/mkarlsen/chatrelay/internal/logring"
	"github.com/mkarlsen/chatrelay/internal/store"
)

func newHealthRig(t *testing.T, detailed bool) (*Handler, *hub.Hub, *gateway.Stats) {
	t.Helper()
	s, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory failed: %v", err)
	}
	h := hub.New(nil)
	stats := gateway.NewStats()
	return NewHandler(h, stats, s, "test-version", detailed), h, stats
}

func serve(t *testing.T, h *Handler) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return rec, resp
}

func TestHealthHandler_Healthy(t *testing.T) {
	h, _, _ := newHealthRig(t, true)

	rec, resp := serve(t, h)
	if rec.Code != http.StatusOK {
		t.Errorf("status code = %d, want %d", rec.Code, http.StatusOK)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want %q", resp.Status, "ok")
	}
	if !resp.StoreReachable {
		t.Error("store_reachable should be true")
	}
	if resp.Version != "test-version" {
		t.Errorf("version = %q, want %q", resp.Version, "test-version")
	}
	if resp.ActiveConnections != 0 {
		t.Errorf("active_connections = %d, want 0", resp.ActiveConnections)
	}
	if resp.Details == nil {
		t.Error("details should not be nil")
	}
}

func TestHealthHandler_HubCounts(t *testing.T) {
	h, hb, stats := newHealthRig(t, false)

	c1 := hub.NewConn(nil, 4)
	c2 := hub.NewConn(nil, 4)
	hb.Register(c1)
	hb.Register(c2)
	hb.BindToRoom(c1, 7, 1)
	hb.BindToRoom(c2, 9, 2)
	hb.MarkOnline(1)
	stats.TryIncrement("127.0.0.1", 10, 10)

	_, resp := serve(t, h)
	if resp.ActiveConnections != 2 {
		t.Errorf("active_connections = %d, want 2", resp.ActiveConnections)
	}
	if resp.OnlineUsers != 1 {
		t.Errorf("online_users = %d, want 1", resp.OnlineUsers)
	}
	if resp.Rooms != 2 {
		t.Errorf("rooms = %d, want 2", resp.Rooms)
	}
	if resp.Details != nil {
		t.Error("details should be nil when detailed mode is off")
	}
}

func TestHealthHandler_RecentLogs(t *testing.T) {
	h, _, _ := newHealthRig(t, true)

	ring := logring.NewRingBuffer(16)
	ring.Add(logring.LogEntry{Time: time.Now(), Level: slog.LevelInfo, Message: "something happened"})
	h.SetLogRing(ring)

	_, resp := serve(t, h)
	if resp.Details == nil {
		t.Fatal("details should not be nil")
	}
	if len(resp.Details.RecentLogs) != 1 {
		t.Fatalf("recent_logs has %d entries, want 1", len(resp.Details.RecentLogs))
	}
	if resp.Details.RecentLogs[0].Message != "something happened" {
		t.Errorf("log message = %q", resp.Details.RecentLogs[0].Message)
	}
}
