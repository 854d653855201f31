// Package store provides durable, append-only persistence for chat messages
// and the history retrieval used when replaying recent activity to a newly
// connected client.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrStorage indicates that the persistence backend rejected or lost a write.
// Callers must not broadcast a message whose append failed with this error.
var ErrStorage = errors.New("message store unavailable")

// Message is a single persisted chat message. Once appended it is never
// mutated or deleted; Seq fixes its position relative to other appends even
// when timestamps collide.
type Message struct {
	Seq       uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	ID        string    `gorm:"uniqueIndex;size:36;not null" json:"id"`
	Username  string    `gorm:"size:100;not null" json:"username"`
	SenderID  string    `gorm:"size:100;not null" json:"senderId"`
	Text      string    `gorm:"size:5000;not null" json:"text"`
	Timestamp time.Time `gorm:"index;not null" json:"timestamp"`
}

// TableName returns the table name for the Message model.
func (Message) TableName() string {
	return "messages"
}

// NewMessage builds a Message with a fresh identifier and the current UTC
// timestamp. The caller is responsible for validating the fields first.
func NewMessage(username, senderID, text string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Username:  username,
		SenderID:  senderID,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
}

// MessageStore is the persistence contract required by the hub. Backends are
// interchangeable as long as Append is durable on return and Recent returns
// messages oldest first.
type MessageStore interface {
	// Append persists the message. On error the message was not stored and
	// must not be broadcast.
	Append(ctx context.Context, msg *Message) error

	// Recent returns up to limit of the most recently appended messages in
	// chronological order, oldest first. An empty store yields an empty
	// slice, never an error.
	Recent(ctx context.Context, limit int) ([]Message, error)
}
