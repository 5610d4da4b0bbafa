// Package health serves the liveness endpoint on the loopback listener,
// reporting hub statistics and, in detailed mode, a recent-log tail.
package health

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/mkarlsen/chatrelay/internal/gateway"
	"github.com/mkarlsen/chatrelay/internal/hub"
	"github.com/mkarlsen/chatrelay/internal/logring"
	"github.com/mkarlsen/chatrelay/internal/store"
)

// Response is the JSON response from the /health endpoint.
type Response struct {
	Status            string   `json:"status"`
	Uptime            string   `json:"uptime"`
	ActiveConnections int      `json:"active_connections"`
	OnlineUsers       int      `json:"online_users"`
	Rooms             int      `json:"rooms"`
	StoreReachable    bool     `json:"store_reachable"`
	Version           string   `json:"version"`
	Timestamp         string   `json:"timestamp"`
	Details           *Details `json:"details,omitempty"`
}

// Details contains extended health information.
type Details struct {
	TotalConnections int64              `json:"total_connections"`
	MemoryMB         float64            `json:"memory_mb"`
	RecentLogs       []logring.LogEntry `json:"recent_logs,omitempty"`
}

// Handler serves the health check endpoint.
type Handler struct {
	startTime time.Time
	hub       *hub.Hub
	stats     *gateway.Stats
	store     *store.Store
	ring      *logring.RingBuffer // optional, nil disables the log tail
	version   string
	detailed  bool
}

// NewHandler creates a new health check handler.
func NewHandler(h *hub.Hub, stats *gateway.Stats, s *store.Store, version string, detailed bool) *Handler {
	return &Handler{
		startTime: time.Now(),
		hub:       h,
		stats:     stats,
		store:     s,
		version:   version,
		detailed:  detailed,
	}
}

// SetLogRing attaches the ring buffer used for the detailed log tail.
func (h *Handler) SetLogRing(ring *logring.RingBuffer) {
	h.ring = ring
}

// ServeHTTP handles health check requests. The health listener runs on a
// separate loopback address so local monitoring tools (systemd,
// Prometheus, Nagios) can poll it without touching the client listener.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	storeOK := h.checkStore()

	status := "ok"
	httpCode := http.StatusOK
	if !storeOK {
		status = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	resp := Response{
		Status:            status,
		Uptime:            time.Since(h.startTime).Round(time.Second).String(),
		ActiveConnections: h.hub.ConnCount(),
		OnlineUsers:       h.hub.OnlineCount(),
		Rooms:             h.hub.RoomCount(),
		StoreReachable:    storeOK,
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
	}

	if h.detailed {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)
		resp.Version = h.version
		resp.Details = &Details{
			TotalConnections: h.stats.TotalConnections(),
			MemoryMB:         float64(memStats.Alloc) / 1024 / 1024,
		}
		if h.ring != nil {
			resp.Details.RecentLogs = h.ring.Entries(50, slog.LevelInfo, time.Time{})
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpCode)
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) checkStore() bool {
	if h.store == nil {
		return true
	}
	if err := h.store.Ping(); err != nil {
		slog.Debug("store unreachable", "error", err)
		return false
	}
	return true
}
