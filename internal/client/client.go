// Package client is the peer-side sync agent. It keeps the push channel
// open with capped exponential backoff, and when the channel is down it
// converges on server state through a fixed-interval polling fallback
// over the REST surface.
package client

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mkarlsen/chatrelay/internal/event"
)

// State is the single authoritative connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StatePolling      State = "polling"
)

// Options configures an Agent. Transport is required; a nil Fetcher
// disables the polling fallback.
type Options struct {
	Transport Transport
	Fetcher   Fetcher
	UserID    int64

	BackoffBase  time.Duration // first reconnect delay, default 1s
	BackoffCap   time.Duration // delay ceiling, default 30s
	MaxRetries   int           // reconnect attempts before giving up, default 5
	PollInterval time.Duration // fallback poll period, default 3s

	// OnFrame observes every decoded push frame after the agent has
	// applied it. Called from the read goroutine.
	OnFrame func(event.Frame)
}

func (o *Options) applyDefaults() {
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 30 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 3 * time.Second
	}
}

// Agent owns the push session, the reconnect timer, and the local
// message/presence mirror. All fields behind mu; timers are cancelled on
// Close so teardown leaks nothing.
type Agent struct {
	opts Options

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	state          State
	attempt        int
	session        Session
	reconnectTimer *time.Timer
	pollCancel     context.CancelFunc
	closed         bool

	joined   map[int64]struct{}
	messages map[int64]map[int64]event.Message
	lastID   map[int64]int64
	online   map[int64]struct{}
}

// New creates an agent in the Disconnected state. Call Connect to open
// the push channel.
func New(opts Options) *Agent {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		state:    StateDisconnected,
		joined:   make(map[int64]struct{}),
		messages: make(map[int64]map[int64]event.Message),
		lastID:   make(map[int64]int64),
		online:   make(map[int64]struct{}),
	}
}

// State returns the current connection state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Connect opens the push channel. It resets the reconnect attempt
// counter, so it also serves as the explicit reconnect trigger once the
// retry ceiling has been hit.
func (a *Agent) Connect() {
	a.mu.Lock()
	if a.closed || a.state == StateConnected || a.state == StateConnecting {
		a.mu.Unlock()
		return
	}
	a.attempt = 0
	a.stopReconnectLocked()
	a.state = StateConnecting
	a.mu.Unlock()

	go a.dial()
}

// Close tears the agent down: cancels the reconnect timer, the poll
// loop, and any open session. The agent cannot be reused after Close.
func (a *Agent) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.stopReconnectLocked()
	a.stopPollLocked()
	sess := a.session
	a.session = nil
	a.state = StateDisconnected
	a.mu.Unlock()

	a.cancel()
	if sess != nil {
		sess.Close()
	}
}

// JoinChat registers interest in a chat: the join intent is sent on the
// live session (and re-sent on every reconnect), and the poll fallback
// syncs the chat's messages.
func (a *Agent) JoinChat(chatID int64) {
	a.mu.Lock()
	a.joined[chatID] = struct{}{}
	sess := a.session
	a.mu.Unlock()

	if sess != nil {
		a.sendJoin(sess, chatID)
	}
}

// Messages returns the chat's merged messages in ID order.
func (a *Agent) Messages(chatID int64) []event.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	byID := a.messages[chatID]
	out := make([]event.Message, 0, len(byID))
	for _, m := range byID {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Online returns the last-known set of online user IDs.
func (a *Agent) Online() []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]int64, 0, len(a.online))
	for id := range a.online {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Merge folds messages into the local mirror. Idempotent by message ID;
// the local user's own messages advance the sync cursor but are not
// stored, since they are already reflected optimistically. Returns how
// many messages were actually new.
func (a *Agent) Merge(msgs []event.Message) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	added := 0
	for _, m := range msgs {
		if m.ID > a.lastID[m.ChatID] {
			a.lastID[m.ChatID] = m.ID
		}
		if m.SenderID == a.opts.UserID {
			continue
		}
		byID := a.messages[m.ChatID]
		if byID == nil {
			byID = make(map[int64]event.Message)
			a.messages[m.ChatID] = byID
		}
		if _, ok := byID[m.ID]; ok {
			continue
		}
		byID[m.ID] = m
		added++
	}
	return added
}

func (a *Agent) dial() {
	sess, err := a.opts.Transport.Dial(a.ctx)
	if err != nil {
		slog.Debug("push channel dial failed", "error", err)
		a.handleDisconnect()
		return
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		sess.Close()
		return
	}
	a.session = sess
	a.attempt = 0
	a.stopPollLocked()
	a.state = StateConnected
	chats := make([]int64, 0, len(a.joined))
	for id := range a.joined {
		chats = append(chats, id)
	}
	a.mu.Unlock()

	slog.Info("push channel connected", "user", a.opts.UserID)
	for _, chatID := range chats {
		a.sendJoin(sess, chatID)
	}
	go a.readLoop(sess)
}

func (a *Agent) sendJoin(sess Session, chatID int64) {
	raw, err := event.Marshal(event.TypeJoinChat, event.JoinChat{
		ChatID: chatID,
		UserID: a.opts.UserID,
	})
	if err != nil {
		slog.Error("encoding join_chat", "error", err)
		return
	}
	if err := sess.Write(a.ctx, raw); err != nil {
		slog.Warn("sending join_chat failed", "chat", chatID, "error", err)
	}
}

func (a *Agent) readLoop(sess Session) {
	for {
		raw, err := sess.Read(a.ctx)
		if err != nil {
			slog.Debug("push channel closed", "reason", err)
			sess.Close()
			a.handleDisconnect()
			return
		}
		f, err := event.Decode(raw)
		if err != nil {
			slog.Warn("malformed push frame", "error", err)
			continue
		}
		a.apply(f)
		if a.opts.OnFrame != nil {
			a.opts.OnFrame(f)
		}
	}
}

// apply folds a push frame into the local mirror.
func (a *Agent) apply(f event.Frame) {
	switch f.Type {
	case event.TypeNewMessage:
		var m event.Message
		if err := event.DecodeData(f, &m); err != nil {
			slog.Warn("malformed new_message payload", "error", err)
			return
		}
		a.Merge([]event.Message{m})
	case event.TypeUserOnline:
		var p event.Presence
		if event.DecodeData(f, &p) == nil {
			a.mu.Lock()
			a.online[p.UserID] = struct{}{}
			a.mu.Unlock()
		}
	case event.TypeUserOffline:
		var p event.Presence
		if event.DecodeData(f, &p) == nil {
			a.mu.Lock()
			delete(a.online, p.UserID)
			a.mu.Unlock()
		}
	}
}

// handleDisconnect runs the close half of the state machine: schedule a
// backed-off reconnect while attempts remain, and independently start
// the poll fallback. Past the ceiling the agent stays in Polling until
// an explicit Connect.
func (a *Agent) handleDisconnect() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.session = nil
	a.state = StateDisconnected

	if a.opts.Fetcher != nil && a.pollCancel == nil {
		pctx, cancel := context.WithCancel(a.ctx)
		a.pollCancel = cancel
		go a.pollLoop(pctx)
	}

	if a.attempt < a.opts.MaxRetries {
		delay := backoffDelay(a.opts.BackoffBase, a.opts.BackoffCap, a.attempt)
		a.attempt++
		a.state = StateReconnecting
		slog.Debug("scheduling reconnect", "attempt", a.attempt, "delay", delay.String())
		a.reconnectTimer = time.AfterFunc(delay, func() {
			a.mu.Lock()
			if a.closed {
				a.mu.Unlock()
				return
			}
			a.state = StateConnecting
			a.mu.Unlock()
			a.dial()
		})
	} else if a.pollCancel != nil {
		a.state = StatePolling
		slog.Info("reconnect attempts exhausted, staying in polling mode")
	}
}

// backoffDelay returns min(base * 2^attempt, ceil).
func backoffDelay(base, ceil time.Duration, attempt int) time.Duration {
	if attempt > 30 {
		return ceil
	}
	d := base << uint(attempt)
	if d > ceil || d <= 0 {
		return ceil
	}
	return d
}

func (a *Agent) stopReconnectLocked() {
	if a.reconnectTimer != nil {
		a.reconnectTimer.Stop()
		a.reconnectTimer = nil
	}
}

func (a *Agent) stopPollLocked() {
	if a.pollCancel != nil {
		a.pollCancel()
		a.pollCancel = nil
	}
}

func (a *Agent) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(a.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pollOnce(ctx)
		}
	}
}

// pollOnce is one fallback tick: presence snapshot plus a since-cursor
// read per joined chat. A fetch failure is logged and retried on the
// next tick.
func (a *Agent) pollOnce(ctx context.Context) {
	users, err := a.opts.Fetcher.Presence(ctx)
	if err != nil {
		slog.Warn("presence poll failed", "error", err)
	} else {
		a.mu.Lock()
		a.online = make(map[int64]struct{}, len(users))
		for _, id := range users {
			a.online[id] = struct{}{}
		}
		a.mu.Unlock()
	}

	a.mu.Lock()
	chats := make([]int64, 0, len(a.joined))
	for id := range a.joined {
		chats = append(chats, id)
	}
	a.mu.Unlock()

	for _, chatID := range chats {
		a.mu.Lock()
		since := a.lastID[chatID]
		a.mu.Unlock()

		msgs, err := a.opts.Fetcher.MessagesSince(ctx, chatID, since)
		if err != nil {
			slog.Warn("message poll failed", "chat", chatID, "error", err)
			continue
		}
		if n := a.Merge(msgs); n > 0 {
			slog.Debug("poll merged messages", "chat", chatID, "count", n)
		}
	}
}
