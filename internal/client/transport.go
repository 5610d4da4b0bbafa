package client

import (
	"context"
	"fmt"

	"github.com/coder/websocket"
)

// Session is one open push-channel connection.
type Session interface {
	// Read blocks for the next raw frame.
	Read(ctx context.Context) ([]byte, error)
	// Write sends one raw frame.
	Write(ctx context.Context, raw []byte) error
	Close() error
}

// Transport dials push-channel sessions. Implementations other than the
// WebSocket one exist only in tests.
type Transport interface {
	Dial(ctx context.Context) (Session, error)
}

// WSTransport dials a chatrelay gateway over WebSocket.
type WSTransport struct {
	URL string
	// AuthToken, when non-empty, is passed as a query parameter since
	// browser-style clients cannot set headers on the handshake.
	AuthToken string
}

func (t *WSTransport) Dial(ctx context.Context) (Session, error) {
	url := t.URL
	if t.AuthToken != "" {
		url += "?token=" + t.AuthToken
	}
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", t.URL, err)
	}
	return &wsSession{ws: ws}, nil
}

type wsSession struct {
	ws *websocket.Conn
}

func (s *wsSession) Read(ctx context.Context) ([]byte, error) {
	_, raw, err := s.ws.Read(ctx)
	return raw, err
}

func (s *wsSession) Write(ctx context.Context, raw []byte) error {
	return s.ws.Write(ctx, websocket.MessageText, raw)
}

func (s *wsSession) Close() error {
	return s.ws.Close(websocket.StatusNormalClosure, "")
}
