// Package protocol defines the JSON frames exchanged over a chat connection.
//
// Every frame is one WebSocket text message carrying a JSON object with a
// "type" discriminator. Unknown fields are ignored on decode so older clients
// keep working when frames grow.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/louisbranch/termchat/internal/services/chat/domain"
)

// Type discriminates frames.
type Type string

const (
	TypeMessage     Type = "message"
	TypeUserJoined  Type = "user_joined"
	TypeUserLeft    Type = "user_left"
	TypeActiveUsers Type = "active_users"
	TypePing        Type = "ping"
	TypePong        Type = "pong"
	TypeError       Type = "error"
)

var (
	// ErrUnknownType is returned when a frame names a type outside the protocol.
	ErrUnknownType = errors.New("unknown frame type")
	// ErrMalformed is returned when a payload is not a JSON frame.
	ErrMalformed = errors.New("malformed frame")
)

// Valid reports whether t is part of the protocol.
func (t Type) Valid() bool {
	switch t {
	case TypeMessage, TypeUserJoined, TypeUserLeft, TypeActiveUsers, TypePing, TypePong, TypeError:
		return true
	default:
		return false
	}
}

// User is one roster entry.
type User struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

// Frame is the tagged union of everything sent over a connection. Only the
// fields relevant to Type are populated.
type Frame struct {
	Type      Type   `json:"type"`
	ID        int64  `json:"id,omitempty"`
	Content   string `json:"content,omitempty"`
	Username  string `json:"username,omitempty"`
	UserID    int64  `json:"user_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	RoomID    string `json:"room_id,omitempty"`
	Count     int    `json:"count,omitempty"`
	Users     []User `json:"users,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Time parses the frame timestamp.
func (f Frame) Time() (time.Time, error) {
	if f.Timestamp == "" {
		return time.Time{}, errors.New("frame has no timestamp")
	}
	return time.Parse(time.RFC3339Nano, f.Timestamp)
}

// Sender returns the identity carried by message and presence frames.
func (f Frame) Sender() domain.Identity {
	return domain.Identity{ID: f.UserID, DisplayName: f.Username}
}

// Encode marshals a frame after checking its type.
func Encode(frame Frame) ([]byte, error) {
	if !frame.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, frame.Type)
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// Decode unmarshals a frame and rejects unknown types.
func Decode(data []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !frame.Type.Valid() {
		return frame, fmt.Errorf("%w: %q", ErrUnknownType, frame.Type)
	}
	return frame, nil
}

func stamp(at time.Time) string {
	if at.IsZero() {
		at = time.Now()
	}
	return at.UTC().Format(time.RFC3339Nano)
}

// NewMessage builds the fan-out frame for a persisted message.
func NewMessage(msg domain.Message) Frame {
	return Frame{
		Type:      TypeMessage,
		ID:        msg.ID,
		Content:   msg.Content,
		Username:  msg.Sender.DisplayName,
		UserID:    msg.Sender.ID,
		Timestamp: stamp(msg.Timestamp),
		RoomID:    msg.Room,
	}
}

// Outbound builds the frame a client sends to post content.
func Outbound(content string) Frame {
	return Frame{Type: TypeMessage, Content: content}
}

// UserJoined announces a new member of room.
func UserJoined(identity domain.Identity, room string, at time.Time) Frame {
	return Frame{
		Type:      TypeUserJoined,
		Username:  identity.DisplayName,
		UserID:    identity.ID,
		RoomID:    room,
		Timestamp: stamp(at),
	}
}

// UserLeft announces a departed member of room.
func UserLeft(identity domain.Identity, room string, at time.Time) Frame {
	return Frame{
		Type:      TypeUserLeft,
		Username:  identity.DisplayName,
		UserID:    identity.ID,
		RoomID:    room,
		Timestamp: stamp(at),
	}
}

// ActiveUsers carries the roster of room.
func ActiveUsers(room string, members []domain.Identity, at time.Time) Frame {
	users := make([]User, 0, len(members))
	for _, member := range members {
		users = append(users, User{UserID: member.ID, Username: member.DisplayName})
	}
	return Frame{
		Type:      TypeActiveUsers,
		RoomID:    room,
		Count:     len(users),
		Users:     users,
		Timestamp: stamp(at),
	}
}

// Ping is the server liveness probe.
func Ping(at time.Time) Frame {
	return Frame{Type: TypePing, Timestamp: stamp(at)}
}

// Pong answers a ping.
func Pong(at time.Time) Frame {
	return Frame{Type: TypePong, Timestamp: stamp(at)}
}

// Error carries a user-visible failure.
func Error(message string) Frame {
	return Frame{Type: TypeError, Message: message, Timestamp: stamp(time.Time{})}
}
