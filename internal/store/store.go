// Package store defines the persistence interface for the GradLink server
// and provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Store is the persistence interface: the user directory the realtime layer
// resolves identities against, the durable message log the REST layer writes,
// and audit events.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByExternalID(ctx context.Context, externalID string) (*User, error)
	ListUsers(ctx context.Context) ([]User, error)

	// Messages
	SaveMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	ListConversation(ctx context.Context, userA, userB string, limit int) ([]Message, error)
	ListConversations(ctx context.Context, userID string) ([]ConversationSummary, error)
	MarkConversationRead(ctx context.Context, readerID, peerID string) ([]string, error)
	CountUnread(ctx context.Context, userID string) (int64, error)

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error)

	// Data retention
	PurgeOldMessages(ctx context.Context, before time.Time) (int64, error)
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// User is a directory entry. Role is "Student" or "Alumni".
type User struct {
	ID           string    `json:"id"`
	ExternalID   string    `json:"external_id,omitempty"` // external issuer subject, or empty
	Username     string    `json:"username"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// Message is a persisted chat message.
type Message struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Content   string    `json:"content"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationSummary describes one chat peer: the latest message exchanged
// and how many messages from that peer are still unread.
type ConversationSummary struct {
	PeerID      string    `json:"peer_id"`
	PeerName    string    `json:"peer_name"`
	PeerRole    string    `json:"peer_role"`
	LastMessage Message   `json:"last_message"`
	Unread      int64     `json:"unread"`
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	UserID    string          `json:"user_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
