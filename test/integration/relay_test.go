//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/mkarlsen/chatrelay/internal/api"
	"github.com/mkarlsen/chatrelay/internal/client"
	"github.com/mkarlsen/chatrelay/internal/config"
	"github.com/mkarlsen/chatrelay/internal/event"
	"github.com/mkarlsen/chatrelay/internal/gateway"
	"github.com/mkarlsen/chatrelay/internal/health"
	"github.com/mkarlsen/chatrelay/internal/hub"
	"github.com/mkarlsen/chatrelay/internal/status"
	"github.com/mkarlsen/chatrelay/internal/store"
)

type relayStack struct {
	server *httptest.Server
	store  *store.Store
	hub    *hub.Hub
	stats  *gateway.Stats
	chat   *store.Chat
}

// newRelayStack assembles the full server: push channel, REST surface,
// status engine, and in-memory store, on one httptest listener.
func newRelayStack(t *testing.T) *relayStack {
	t.Helper()

	st, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	chat, err := st.CreateChat("general")
	if err != nil {
		t.Fatalf("CreateChat: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Security.RateLimit.Enabled = false

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := hub.New(nil)
	engine := status.NewEngine(st, h, nil)
	gw := gateway.NewHandler(cfg, h, ctx)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.GET("/ws", gin.WrapH(gw))
	api.NewServer(st, h, engine, "").Register(router)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &relayStack{server: srv, store: st, hub: h, stats: gw.Stats, chat: chat}
}

func (s *relayStack) wsURL() string  { return "ws" + s.server.URL[4:] + "/ws" }
func (s *relayStack) apiURL() string { return s.server.URL }

func (s *relayStack) postMessage(t *testing.T, chatID, sender int64, content string) event.Message {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"content": content})
	req, _ := http.NewRequest(http.MethodPost,
		fmt.Sprintf("%s/api/chats/%d/messages", s.apiURL(), chatID), bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", fmt.Sprintf("%d", sender))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post message: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("post message status = %d, want 201", resp.StatusCode)
	}
	var m event.Message
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// TestEndToEndMessageFlow: a sync agent and a raw WebSocket peer join
// the same chat; a message authored over REST reaches the agent through
// the push channel.
func TestEndToEndMessageFlow(t *testing.T) {
	stack := newRelayStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	agent := client.New(client.Options{
		Transport: &client.WSTransport{URL: stack.wsURL()},
		Fetcher:   &client.HTTPFetcher{BaseURL: stack.apiURL(), UserID: 1},
		UserID:    1,
	})
	defer agent.Close()

	agent.JoinChat(stack.chat.ID)
	agent.Connect()
	waitFor(t, "agent connected", func() bool { return agent.State() == client.StateConnected })

	// Raw peer for user 2 in the same chat.
	peer, _, err := websocket.Dial(ctx, stack.wsURL(), nil)
	if err != nil {
		t.Fatalf("peer dial: %v", err)
	}
	defer peer.CloseNow()
	join, _ := event.Marshal(event.TypeJoinChat, event.JoinChat{ChatID: stack.chat.ID, UserID: 2})
	if err := peer.Write(ctx, websocket.MessageText, join); err != nil {
		t.Fatalf("peer join: %v", err)
	}

	waitFor(t, "both users online", func() bool { return stack.hub.OnlineCount() == 2 })

	m := stack.postMessage(t, stack.chat.ID, 2, "hello over the wire")
	waitFor(t, "message delivered over push", func() bool {
		msgs := agent.Messages(stack.chat.ID)
		return len(msgs) == 1 && msgs[0].ID == m.ID
	})
	if got := agent.Messages(stack.chat.ID)[0]; got.Content != "hello over the wire" || got.SenderID != 2 {
		t.Errorf("merged message = %+v", got)
	}
}

// TestPollingFallbackConvergence: the agent's push transport points at a
// dead endpoint, so convergence must come from the REST poll loop.
func TestPollingFallbackConvergence(t *testing.T) {
	stack := newRelayStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// A connected peer makes user 2 online.
	peer, _, err := websocket.Dial(ctx, stack.wsURL(), nil)
	if err != nil {
		t.Fatalf("peer dial: %v", err)
	}
	defer peer.CloseNow()
	join, _ := event.Marshal(event.TypeJoinChat, event.JoinChat{ChatID: stack.chat.ID, UserID: 2})
	peer.Write(ctx, websocket.MessageText, join)
	waitFor(t, "user 2 online", func() bool { return stack.hub.OnlineCount() == 1 })

	stack.postMessage(t, stack.chat.ID, 2, "missed while offline")

	agent := client.New(client.Options{
		Transport:    &client.WSTransport{URL: "ws://127.0.0.1:1/ws"},
		Fetcher:      &client.HTTPFetcher{BaseURL: stack.apiURL(), UserID: 1},
		UserID:       1,
		BackoffBase:  5 * time.Millisecond,
		BackoffCap:   20 * time.Millisecond,
		MaxRetries:   2,
		PollInterval: 10 * time.Millisecond,
	})
	defer agent.Close()

	agent.JoinChat(stack.chat.ID)
	agent.Connect()

	waitFor(t, "polling state", func() bool { return agent.State() == client.StatePolling })
	waitFor(t, "message merged via poll", func() bool { return len(agent.Messages(stack.chat.ID)) == 1 })
	waitFor(t, "presence merged via poll", func() bool { return len(agent.Online()) == 1 })

	if agent.Online()[0] != 2 {
		t.Errorf("online = %v, want [2]", agent.Online())
	}
}

// TestHealthEndpoint wires the health handler against the live stack.
func TestHealthEndpoint(t *testing.T) {
	stack := newRelayStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hh := health.NewHandler(stack.hub, stack.stats, stack.store, "integration", false)
	healthSrv := httptest.NewServer(hh)
	defer healthSrv.Close()

	peer, _, err := websocket.Dial(ctx, stack.wsURL(), nil)
	if err != nil {
		t.Fatalf("peer dial: %v", err)
	}
	defer peer.CloseNow()
	join, _ := event.Marshal(event.TypeJoinChat, event.JoinChat{ChatID: stack.chat.ID, UserID: 2})
	peer.Write(ctx, websocket.MessageText, join)
	waitFor(t, "peer online", func() bool { return stack.hub.OnlineCount() == 1 })

	resp, err := http.Get(healthSrv.URL + "/health")
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, want 200", resp.StatusCode)
	}

	var hr health.Response
	if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if hr.Status != "ok" {
		t.Errorf("status = %q, want ok", hr.Status)
	}
	if hr.ActiveConnections != 1 {
		t.Errorf("active_connections = %d, want 1", hr.ActiveConnections)
	}
	if hr.OnlineUsers != 1 {
		t.Errorf("online_users = %d, want 1", hr.OnlineUsers)
	}
}
