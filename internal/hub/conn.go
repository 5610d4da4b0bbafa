package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Conn is one live client connection. The user and room bindings are
// owned by the Hub and only mutated under its lock; everything else is
// connection-local.
//
// Outbound frames go through a bounded send buffer drained by a single
// writer goroutine, so a slow client can never stall a broadcast: when
// the buffer is full the frame is dropped and counted.
type Conn struct {
	ID string

	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	// Guarded by the owning Hub's mutex. Zero means unset.
	userID int64
	roomID int64
}

// NewConn wraps an accepted WebSocket connection with a send buffer of
// the given size.
func NewConn(ws *websocket.Conn, sendBuffer int) *Conn {
	return &Conn{
		ID:   uuid.NewString(),
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

// Send queues a frame for delivery. It never blocks: if the connection
// is closing or its buffer is full the frame is dropped. Returns whether
// the frame was queued.
func (c *Conn) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// TryRecv dequeues one buffered frame without blocking. Lets tests and
// diagnostics observe queued frames without a writer pump running.
func (c *Conn) TryRecv() ([]byte, bool) {
	select {
	case frame := <-c.send:
		return frame, true
	default:
		return nil, false
	}
}

// Close stops the writer pump. Idempotent; the underlying WebSocket is
// closed by the gateway, not here.
func (c *Conn) Close() {
	c.once.Do(func() { close(c.done) })
}

// WritePump drains the send buffer onto the wire until Close is called
// or the context is cancelled. Run in its own goroutine, one per
// connection. Write failures end the pump; the read loop notices the
// dead transport and tears the connection down.
func (c *Conn) WritePump(ctx context.Context, writeTimeout time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case frame := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				slog.Debug("write pump stopped", "conn", c.ID, "reason", err)
				return
			}
		}
	}
}
