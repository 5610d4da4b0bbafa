// Package api is the REST surface: message authoring, the since-cursor
// sync read used by the polling fallback, presence snapshots, status
// transitions, and deletes. Every mutation that other clients care
// about also produces the matching push frame through the hub.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mkarlsen/chatrelay/internal/event"
	"github.com/mkarlsen/chatrelay/internal/hub"
	"github.com/mkarlsen/chatrelay/internal/security"
	"github.com/mkarlsen/chatrelay/internal/status"
	"github.com/mkarlsen/chatrelay/internal/store"
)

// Server holds the REST handlers and their collaborators.
type Server struct {
	Store  *store.Store
	Hub    *hub.Hub
	Engine *status.Engine

	// AuthToken, when non-empty, gates every request with a bearer check.
	AuthToken string
}

// NewServer creates the REST server.
func NewServer(s *store.Store, h *hub.Hub, e *status.Engine, authToken string) *Server {
	return &Server{Store: s, Hub: h, Engine: e, AuthToken: authToken}
}

// Router builds a gin engine with all routes mounted under /api.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	s.Register(r)
	return r
}

// Register mounts the API routes on an existing engine.
func (s *Server) Register(r *gin.Engine) {
	api := r.Group("/api")
	if s.AuthToken != "" {
		api.Use(s.requireToken)
	}

	api.GET("/presence", s.getPresence)

	api.POST("/chats", s.createChat)
	api.DELETE("/chats/:id", s.requireUser, s.deleteChat)
	api.POST("/chats/:id/messages", s.requireUser, s.postMessage)
	api.GET("/chats/:id/messages", s.requireUser, s.listMessages)
	api.GET("/chats/:id/history", s.getHistory)
	api.POST("/chats/:id/delivered", s.requireUser, s.markDelivered)
	api.POST("/chats/:id/seen", s.requireUser, s.markSeen)

	api.PUT("/messages/:id/status", s.requireUser, s.putMessageStatus)
	api.DELETE("/messages/:id", s.requireUser, s.deleteMessage)
}

// requireToken rejects requests without a matching bearer token.
func (s *Server) requireToken(c *gin.Context) {
	token := security.ExtractBearerToken(c.GetHeader("Authorization"))
	if !security.TokenMatch(token, s.AuthToken) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid token"})
		return
	}
	c.Next()
}

// requireUser parses the caller's identity from X-User-ID. Identity
// management lives outside this service, but status semantics need to
// know who is acting.
func (s *Server) requireUser(c *gin.Context) {
	id, err := strconv.ParseInt(c.GetHeader("X-User-ID"), 10, 64)
	if err != nil || id <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing or invalid X-User-ID header"})
		return
	}
	c.Set("userID", id)
	c.Next()
}

func userID(c *gin.Context) int64 {
	return c.GetInt64("userID")
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func wireMessage(m *store.Message) event.Message {
	return event.Message{
		ID:        m.ID,
		ChatID:    m.ChatID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		Status:    string(m.Status),
		CreatedAt: m.CreatedAt,
	}
}

type createChatRequest struct {
	Name string `json:"name" binding:"required"`
}

func (s *Server) createChat(c *gin.Context) {
	var req createChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	chat, err := s.Store.CreateChat(req.Name)
	if err != nil {
		slog.Error("create chat failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusCreated, chat)
}

func (s *Server) deleteChat(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := s.Store.DeleteChat(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
			return
		}
		slog.Error("delete chat failed", "chat", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	s.Hub.BroadcastGlobal(event.TypeChatDeleted, event.ChatDeleted{ChatID: id})
	c.Status(http.StatusNoContent)
}

type postMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

func (s *Server) postMessage(c *gin.Context) {
	chatID, ok := pathID(c)
	if !ok {
		return
	}
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}
	if _, err := s.Store.GetChat(chatID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "chat not found"})
			return
		}
		slog.Error("chat lookup failed", "chat", chatID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	m, err := s.Store.CreateMessage(chatID, userID(c), req.Content)
	if err != nil {
		slog.Error("create message failed", "chat", chatID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	s.Hub.Broadcast(chatID, event.TypeNewMessage, wireMessage(m))
	c.JSON(http.StatusCreated, wireMessage(m))
}

// listMessages serves the sync read: messages with ID greater than the
// since cursor, excluding the caller's own, in ascending ID order.
func (s *Server) listMessages(c *gin.Context) {
	chatID, ok := pathID(c)
	if !ok {
		return
	}
	since := int64(0)
	if raw := c.Query("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since cursor"})
			return
		}
		since = v
	}

	msgs, err := s.Store.MessagesSince(chatID, since, userID(c))
	if err != nil {
		slog.Error("sync read failed", "chat", chatID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	out := make([]event.Message, 0, len(msgs))
	for i := range msgs {
		out = append(out, wireMessage(&msgs[i]))
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}

// getHistory serves the full message history of a chat, the caller's
// own included. This backs a client's initial load; incremental reads
// go through the since-cursor sync read instead.
func (s *Server) getHistory(c *gin.Context) {
	chatID, ok := pathID(c)
	if !ok {
		return
	}
	msgs, err := s.Store.ListMessages(chatID)
	if err != nil {
		slog.Error("history read failed", "chat", chatID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	out := make([]event.Message, 0, len(msgs))
	for i := range msgs {
		out = append(out, wireMessage(&msgs[i]))
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}

func (s *Server) getPresence(c *gin.Context) {
	users := s.Hub.Snapshot()
	if users == nil {
		users = []int64{}
	}
	c.JSON(http.StatusOK, gin.H{"online": users})
}

func (s *Server) markDelivered(c *gin.Context) {
	chatID, ok := pathID(c)
	if !ok {
		return
	}
	if err := s.Engine.MarkChatDelivered(chatID, userID(c)); err != nil {
		slog.Error("mark delivered failed", "chat", chatID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) markSeen(c *gin.Context) {
	chatID, ok := pathID(c)
	if !ok {
		return
	}
	if err := s.Engine.MarkChatSeen(chatID, userID(c)); err != nil {
		slog.Error("mark seen failed", "chat", chatID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.Status(http.StatusNoContent)
}

type putStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

func (s *Server) putMessageStatus(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req putStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status is required"})
		return
	}

	m, err := s.Engine.SetMessageStatus(id, store.Status(req.Status), userID(c))
	switch {
	case errors.Is(err, status.ErrInvalidStatus):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
	case err != nil:
		slog.Error("status update failed", "message", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	default:
		c.JSON(http.StatusOK, wireMessage(m))
	}
}

func (s *Server) deleteMessage(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	chatID, err := s.Store.DeleteMessage(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
			return
		}
		slog.Error("delete message failed", "message", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	s.Hub.Broadcast(chatID, event.TypeMessageDeleted, event.MessageDeleted{MessageID: id, ChatID: chatID})
	c.Status(http.StatusNoContent)
}
