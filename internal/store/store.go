// Package store is the durable record of chats and messages, backed by
// GORM over the pure-Go SQLite driver. It is the owner of record for
// message status; the broadcast layer only carries transient notifications.
package store

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a chat or message does not exist.
var ErrNotFound = errors.New("not found")

// Status is the delivery status of a message. Transitions are monotonic:
// sent → delivered → seen, never backwards.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusSeen      Status = "seen"
)

// Chat is one conversation.
type Chat struct {
	ID        int64     `json:"id"        gorm:"primaryKey"`
	Name      string    `json:"name"      gorm:"type:varchar(255);not null"`
	CreatedAt time.Time `json:"createdAt"`
}

// TableName returns the database table name for Chat.
func (Chat) TableName() string { return "chats" }

// Message is one persisted chat message. IDs are store-assigned and
// monotonically increasing, which is what the sync read's cursor relies on.
type Message struct {
	ID          int64      `json:"id"          gorm:"primaryKey"`
	ChatID      int64      `json:"chatId"      gorm:"not null;index:idx_chat_messages"`
	SenderID    int64      `json:"senderId"    gorm:"not null"`
	Content     string     `json:"content"     gorm:"type:text;not null"`
	Status      Status     `json:"status"      gorm:"type:varchar(16);not null;default:'sent'"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	SeenAt      *time.Time `json:"seenAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// Store wraps the database handle.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the SQLite database at path and migrates the schema.
func Open(path string) (*Store, error) {
	// Fail early if the parent directory does not exist instead of
	// surfacing an opaque sqlite error later.
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}
	return open(path)
}

// OpenMemory opens a private in-memory database. Used by tests.
func OpenMemory() (*Store, error) {
	return open(":memory:")
}

func open(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA foreign_keys=ON;")
	db.Exec("PRAGMA busy_timeout=5000;")

	if err := db.AutoMigrate(&Chat{}, &Message{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Ping verifies the underlying database is reachable.
func (s *Store) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// CreateChat inserts a new chat row.
func (s *Store) CreateChat(name string) (*Chat, error) {
	c := &Chat{Name: name, CreatedAt: time.Now().UTC()}
	return c, s.db.Create(c).Error
}

// GetChat fetches a chat by ID.
func (s *Store) GetChat(id int64) (*Chat, error) {
	var c Chat
	if err := s.db.First(&c, id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &c, nil
}

// DeleteChat removes a chat and all of its messages.
func (s *Store) DeleteChat(id int64) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&Chat{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Where("chat_id = ?", id).Delete(&Message{}).Error
	})
}

// CreateMessage inserts a new message with status sent.
func (s *Store) CreateMessage(chatID, senderID int64, content string) (*Message, error) {
	m := &Message{
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		Status:    StatusSent,
		CreatedAt: time.Now().UTC(),
	}
	return m, s.db.Create(m).Error
}

// GetMessage fetches a message by ID.
func (s *Store) GetMessage(id int64) (*Message, error) {
	var m Message
	if err := s.db.First(&m, id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &m, nil
}

// DeleteMessage removes a message and returns the chat it belonged to so
// callers can notify the right room.
func (s *Store) DeleteMessage(id int64) (int64, error) {
	m, err := s.GetMessage(id)
	if err != nil {
		return 0, err
	}
	if err := s.db.Delete(&Message{}, id).Error; err != nil {
		return 0, err
	}
	return m.ChatID, nil
}

// MessagesSince returns messages in a chat with ID greater than sinceID,
// excluding those authored by excludeSender, ordered by ID. This is the
// pull-sync read: the caller already holds its own messages locally.
func (s *Store) MessagesSince(chatID, sinceID, excludeSender int64) ([]Message, error) {
	var out []Message
	err := s.db.
		Where("chat_id = ? AND id > ? AND sender_id <> ?", chatID, sinceID, excludeSender).
		Order("id ASC").
		Find(&out).Error
	return out, err
}

// ListMessages returns all messages in a chat ordered by ID.
func (s *Store) ListMessages(chatID int64) ([]Message, error) {
	var out []Message
	err := s.db.Where("chat_id = ?", chatID).Order("id ASC").Find(&out).Error
	return out, err
}

// MarkChatDelivered advances every sent message in the chat not authored
// by actor to delivered, stamping delivered_at. Returns the number of rows
// changed; zero means the call was a no-op (already applied or nothing to do).
func (s *Store) MarkChatDelivered(chatID, actor int64, at time.Time) (int64, error) {
	res := s.db.Model(&Message{}).
		Where("chat_id = ? AND sender_id <> ? AND status = ?", chatID, actor, StatusSent).
		Updates(map[string]any{"status": StatusDelivered, "delivered_at": at})
	return res.RowsAffected, res.Error
}

// MarkChatSeen advances every sent or delivered message in the chat not
// authored by actor to seen, stamping seen_at.
func (s *Store) MarkChatSeen(chatID, actor int64, at time.Time) (int64, error) {
	res := s.db.Model(&Message{}).
		Where("chat_id = ? AND sender_id <> ? AND status IN ?", chatID, actor,
			[]Status{StatusSent, StatusDelivered}).
		Updates(map[string]any{"status": StatusSeen, "seen_at": at})
	return res.RowsAffected, res.Error
}

// SaveStatus persists a single message's status and timestamps.
func (s *Store) SaveStatus(m *Message) error {
	return s.db.Model(m).
		Select("status", "delivered_at", "seen_at").
		Updates(m).Error
}

func wrapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
