// Package event defines the tagged frames exchanged over the push channel.
// Every frame is a JSON object {"type": ..., "data": ...}; inbound frames
// are decoded in two steps so unknown types can be skipped without
// touching the payload.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type tags a frame. Inbound and outbound tags share one namespace.
type Type string

// Inbound frame types (client → server).
const (
	TypeJoinChat Type = "join_chat"
	TypeTyping   Type = "typing"
)

// Outbound frame types (server → client).
const (
	TypeNewMessage        Type = "new_message"
	TypeUserJoined        Type = "user_joined"
	TypeUserLeft          Type = "user_left"
	TypeUserOnline        Type = "user_online"
	TypeUserOffline       Type = "user_offline"
	TypeMessageStatus     Type = "message_status_update"
	TypeMessagesDelivered Type = "messages_delivered"
	TypeMessagesSeen      Type = "messages_seen"
	TypeMessageDeleted    Type = "message_deleted"
	TypeChatDeleted       Type = "chat_deleted"
)

// Frame is a partially decoded frame: the tag is parsed, the payload is not.
type Frame struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// JoinChat is the payload of a join_chat frame. It binds the connection
// to one room and identifies its owning user.
type JoinChat struct {
	ChatID int64 `json:"chatId"`
	UserID int64 `json:"userId"`
}

// Typing is the payload of a typing frame in either direction. UserID is
// filled in by the server before rebroadcast.
type Typing struct {
	UserID int64 `json:"userId,omitempty"`
	Typing bool  `json:"typing"`
}

// Presence is the payload of user_joined/user_left/user_online/user_offline.
type Presence struct {
	UserID int64 `json:"userId"`
}

// Message is the wire form of a chat message, carried by new_message
// frames and returned by the sync read.
type Message struct {
	ID        int64     `json:"id"`
	ChatID    int64     `json:"chatId"`
	SenderID  int64     `json:"senderId"`
	Content   string    `json:"content"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// StatusUpdate is the payload of message_status_update.
type StatusUpdate struct {
	MessageID int64     `json:"messageId"`
	Status    string    `json:"status"`
	UserID    int64     `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

// BulkStatus is the payload of messages_delivered and messages_seen.
type BulkStatus struct {
	ChatID    int64     `json:"chatId"`
	UserID    int64     `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageDeleted is the payload of message_deleted.
type MessageDeleted struct {
	MessageID int64 `json:"messageId"`
	ChatID    int64 `json:"chatId"`
}

// ChatDeleted is the payload of chat_deleted.
type ChatDeleted struct {
	ChatID int64 `json:"chatId"`
}

// Decode parses the outer envelope of an inbound frame. The payload stays
// raw; use DecodeData once the tag has been matched.
func Decode(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("decoding frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("decoding frame: missing type tag")
	}
	return f, nil
}

// DecodeData unmarshals a frame payload into the given struct.
func DecodeData(f Frame, v any) error {
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", f.Type, err)
	}
	return nil
}

// Marshal encodes an outbound frame.
func Marshal(t Type, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", t, err)
	}
	return json.Marshal(Frame{Type: t, Data: payload})
}
