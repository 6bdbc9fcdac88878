// Package domain defines the chat identities, rooms and messages shared by the
// server and client.
package domain

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// DefaultRoom is the room used when a connection names none.
	DefaultRoom = "general"
	// MaxRoomRunes bounds a room name.
	MaxRoomRunes = 50
	// MaxContentRunes bounds a single chat message.
	MaxContentRunes = 5000
)

var (
	// ErrEmptyContent marks a message that is blank after trimming.
	ErrEmptyContent = errors.New("message content is empty")
	// ErrContentTooLong marks a message above MaxContentRunes.
	ErrContentTooLong = errors.New("message content exceeds 5000 characters")
	// ErrInvalidRoom marks a room name that cannot be used.
	ErrInvalidRoom = errors.New("room name is invalid")
)

// Identity is an authenticated participant. It is fixed for the lifetime of
// a connection.
type Identity struct {
	ID          int64
	DisplayName string
}

// Valid reports whether the identity can be registered.
func (i Identity) Valid() bool {
	return i.ID > 0 && strings.TrimSpace(i.DisplayName) != ""
}

// Message is one persisted chat line.
type Message struct {
	ID        int64
	Sender    Identity
	Content   string
	Room      string
	Timestamp time.Time
}

// ValidateContent checks an inbound message body. Blank content reports
// ErrEmptyContent so callers can drop it silently; content is never rewritten.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > MaxContentRunes {
		return ErrContentTooLong
	}
	return nil
}

// NormalizeRoom trims a room name and substitutes DefaultRoom for blanks.
func NormalizeRoom(room string) (string, error) {
	room = strings.TrimSpace(room)
	if room == "" {
		return DefaultRoom, nil
	}
	if utf8.RuneCountInString(room) > MaxRoomRunes {
		return "", ErrInvalidRoom
	}
	for _, r := range room {
		if r < 0x20 || r == 0x7f {
			return "", ErrInvalidRoom
		}
	}
	return room, nil
}
