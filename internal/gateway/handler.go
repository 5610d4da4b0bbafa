// Package gateway is the per-connection protocol handler: it accepts
// WebSocket connections, parses inbound frames, drives the hub, and
// tears connections down exactly once on transport close.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/mkarlsen/chatrelay/internal/config"
	"github.com/mkarlsen/chatrelay/internal/event"
	"github.com/mkarlsen/chatrelay/internal/hub"
	"github.com/mkarlsen/chatrelay/internal/metrics"
	"github.com/mkarlsen/chatrelay/internal/security"
)

// Handler accepts client WebSocket connections and dispatches their frames.
type Handler struct {
	Hub         *hub.Hub
	Stats       *Stats
	RateLimiter *security.RateLimiter // optional, nil if rate limiting disabled
	Metrics     *metrics.Metrics      // optional, nil if metrics disabled
	ShutdownCtx context.Context       // cancelled on server shutdown

	// drainCtx is cancelled when the server begins draining connections.
	// Active connections watch this to send graceful close frames.
	drainCtx    context.Context
	drainCancel context.CancelFunc

	// mu protects cfg during hot-reload
	mu  sync.RWMutex
	cfg *config.Config
}

// NewHandler creates a gateway handler.
func NewHandler(cfg *config.Config, h *hub.Hub, shutdownCtx context.Context) *Handler {
	drainCtx, drainCancel := context.WithCancel(context.Background())
	return &Handler{
		Hub:         h,
		Stats:       NewStats(),
		ShutdownCtx: shutdownCtx,
		drainCtx:    drainCtx,
		drainCancel: drainCancel,
		cfg:         cfg,
	}
}

// StartDrain signals all active connections to begin graceful shutdown.
func (h *Handler) StartDrain() {
	h.drainCancel()
}

// GetConfig returns the current config (thread-safe for hot-reload).
func (h *Handler) GetConfig() *config.Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// UpdateConfig swaps the config (called on SIGHUP).
func (h *Handler) UpdateConfig(cfg *config.Config) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cfg = cfg
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.GetConfig()

	clientIP := security.ClientIP(r.RemoteAddr)

	// Optional auth token check (header first, query param fallback for
	// browser WebSocket clients that cannot set headers)
	if cfg.Security.AuthToken != "" {
		token := security.ExtractBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if !security.TokenMatch(token, cfg.Security.AuthToken) {
			slog.Warn("rejected invalid auth token", "client_ip", clientIP)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	if cfg.Security.RateLimit.Enabled && h.RateLimiter != nil && !h.RateLimiter.Allow(clientIP) {
		slog.Warn("connection rate limit exceeded", "client_ip", clientIP)
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	// Connection limits (atomic check-and-increment to prevent TOCTOU race)
	if reason := h.Stats.TryIncrement(clientIP, cfg.Security.MaxConnections, cfg.Security.MaxConnectionsPerIP); reason != "" {
		if reason == "max_connections" {
			slog.Warn("max connections reached", "current", h.Stats.ConnectionCount(), "max", cfg.Security.MaxConnections)
			http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		} else {
			slog.Warn("max connections per IP reached", "client_ip", clientIP, "current", h.Stats.ConnectionCountForIP(clientIP))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		}
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.Stats.Decrement(clientIP)
		if h.Metrics != nil {
			h.Metrics.ErrorsTotal.WithLabelValues("accept_failure").Inc()
		}
		slog.Error("failed to accept WebSocket", "client_ip", clientIP, "error", err)
		return
	}
	ws.SetReadLimit(cfg.Server.MaxMessageSize)

	if h.Metrics != nil {
		h.Metrics.ConnectionsTotal.Inc()
		h.Metrics.ActiveConnections.Inc()
	}

	conn := hub.NewConn(ws, cfg.Server.SendBuffer)
	h.Hub.Register(conn)
	slog.Info("connection established", "conn", conn.ID, "client_ip", clientIP)

	// Use ShutdownCtx (not r.Context()) as the parent: when ServeHTTP
	// returns, r.Context() is cancelled, which races with teardown.
	connCtx, connCancel := context.WithCancel(h.ShutdownCtx)
	defer connCancel()

	go conn.WritePump(connCtx, cfg.Server.WriteTimeout)

	// Keepalive pings detect dead connections. Ping must run concurrently
	// with Read per coder/websocket docs.
	if cfg.Server.PingInterval > 0 {
		go h.keepAlive(connCtx, ws, cfg.Server.PingInterval, cfg.Server.PongTimeout, connCancel)
	}

	// Drain watcher: when the server starts draining, send a graceful
	// close frame so the read loop below returns.
	var closeOnce sync.Once
	closeWS := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() { ws.Close(code, reason) })
	}
	go func() {
		select {
		case <-h.drainCtx.Done():
			closeWS(websocket.StatusGoingAway, "server shutting down")
		case <-connCtx.Done():
			// Connection already closing for another reason
		}
	}()

	start := time.Now()
	h.readLoop(connCtx, conn, ws)

	// Teardown order matters: unregister first, then re-evaluate presence,
	// so the just-closed connection no longer counts as live.
	userID, roomID := h.Hub.Unregister(conn)
	if roomID != 0 {
		h.Hub.Broadcast(roomID, event.TypeUserLeft, event.Presence{UserID: userID})
	}
	if userID != 0 && h.Hub.MarkOfflineIfUnreachable(userID) {
		h.Hub.BroadcastGlobal(event.TypeUserOffline, event.Presence{UserID: userID})
	}

	conn.Close()
	closeWS(websocket.StatusNormalClosure, "")
	h.Stats.Decrement(clientIP)
	if h.Metrics != nil {
		h.Metrics.ActiveConnections.Dec()
	}
	slog.Info("connection closed", "conn", conn.ID, "client_ip", clientIP,
		"user", userID, "duration", time.Since(start).String())
}

// readLoop parses and dispatches inbound frames until the transport
// closes or the context is cancelled. Malformed frames are logged and
// skipped; unknown frame types are ignored.
func (h *Handler) readLoop(ctx context.Context, conn *hub.Conn, ws *websocket.Conn) {
	for {
		_, raw, err := ws.Read(ctx)
		if err != nil {
			slog.Debug("read loop stopped", "conn", conn.ID, "reason", err)
			return
		}

		f, err := event.Decode(raw)
		if err != nil {
			// Parse errors are not fatal to the connection.
			slog.Warn("malformed inbound frame", "conn", conn.ID, "error", err)
			if h.Metrics != nil {
				h.Metrics.ErrorsTotal.WithLabelValues("malformed_frame").Inc()
			}
			continue
		}

		switch f.Type {
		case event.TypeJoinChat:
			h.handleJoinChat(conn, f)
		case event.TypeTyping:
			h.handleTyping(conn, f)
		default:
			slog.Debug("ignoring unknown frame type", "conn", conn.ID, "type", f.Type)
		}
	}
}

func (h *Handler) handleJoinChat(conn *hub.Conn, f event.Frame) {
	var jc event.JoinChat
	if err := event.DecodeData(f, &jc); err != nil {
		slog.Warn("malformed join_chat payload", "conn", conn.ID, "error", err)
		return
	}
	if jc.ChatID == 0 || jc.UserID == 0 {
		slog.Warn("join_chat missing chatId or userId", "conn", conn.ID)
		return
	}

	// A rejoin under a different userId releases the previous identity;
	// re-evaluate its presence after the rebind so this connection no
	// longer counts for it.
	if prev := h.Hub.BindToRoom(conn, jc.ChatID, jc.UserID); prev != 0 && h.Hub.MarkOfflineIfUnreachable(prev) {
		h.Hub.BroadcastGlobal(event.TypeUserOffline, event.Presence{UserID: prev})
	}
	h.Hub.Broadcast(jc.ChatID, event.TypeUserJoined, event.Presence{UserID: jc.UserID})
	if h.Hub.MarkOnline(jc.UserID) {
		h.Hub.BroadcastGlobal(event.TypeUserOnline, event.Presence{UserID: jc.UserID})
	}
	slog.Debug("joined chat", "conn", conn.ID, "chat", jc.ChatID, "user", jc.UserID)
}

func (h *Handler) handleTyping(conn *hub.Conn, f event.Frame) {
	roomID := h.Hub.RoomOf(conn)
	if roomID == 0 {
		// Typing before joining a room carries no audience.
		return
	}
	var ty event.Typing
	if err := event.DecodeData(f, &ty); err != nil {
		slog.Warn("malformed typing payload", "conn", conn.ID, "error", err)
		return
	}
	h.Hub.Broadcast(roomID, event.TypeTyping, event.Typing{
		UserID: h.Hub.UserOf(conn),
		Typing: ty.Typing,
	})
}

// keepAlive sends periodic WebSocket pings to detect dead connections.
// If a ping fails or times out, it cancels the connection context.
func (h *Handler) keepAlive(ctx context.Context, ws *websocket.Conn, interval, pongTimeout time.Duration, onFail context.CancelFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, pongTimeout)
			err := ws.Ping(pingCtx)
			pingCancel()
			if err != nil {
				slog.Debug("keepalive ping failed, closing connection", "error", err)
				ws.Close(websocket.StatusGoingAway, "keepalive timeout")
				onFail()
				return
			}
		}
	}
}
