// Package storage defines persistence contracts for chat accounts and the
// message log.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists indicates a uniqueness-constrained record already exists.
	ErrAlreadyExists = errors.New("record already exists")
)

// User is one registered account.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	PublicKey    string
	CreatedAt    time.Time
}

// Message is one row of the message log, joined with its sender's username.
type Message struct {
	ID        int64
	UserID    int64
	Username  string
	Content   string
	RoomID    string
	Timestamp time.Time
}

// UserStore persists accounts.
type UserStore interface {
	CreateUser(ctx context.Context, user User) (User, error)
	GetUser(ctx context.Context, id int64) (User, error)
	GetUserByUsername(ctx context.Context, username string) (User, error)
}

// MessageStore persists the append-only message log.
type MessageStore interface {
	// AppendMessage stores msg and returns it with ID and Timestamp assigned.
	AppendMessage(ctx context.Context, msg Message) (Message, error)
	// ListRecentMessages returns up to limit of the newest messages in room,
	// oldest first.
	ListRecentMessages(ctx context.Context, roomID string, limit int) ([]Message, error)
}

// Store is the full chat persistence surface.
type Store interface {
	UserStore
	MessageStore
	Close() error
}
