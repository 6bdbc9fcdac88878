// Package sqlite provides a SQLite-backed chat storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/louisbranch/termchat/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/termchat/internal/services/chat/storage"
	"github.com/louisbranch/termchat/internal/services/chat/storage/sqlite/migrations"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store persists accounts and the message log in SQLite.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite chat store, creating the parent directory when needed,
// and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL&_pragma=foreign_keys(1)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(context.Background(), sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// CreateUser inserts an account and returns it with ID and CreatedAt set.
func (s *Store) CreateUser(ctx context.Context, user storage.User) (storage.User, error) {
	if err := ctx.Err(); err != nil {
		return storage.User{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.User{}, fmt.Errorf("storage is not configured")
	}
	user.Username = strings.TrimSpace(user.Username)
	if user.Username == "" {
		return storage.User{}, fmt.Errorf("username is required")
	}
	if user.PasswordHash == "" {
		return storage.User{}, fmt.Errorf("password hash is required")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now()
	}
	user.CreatedAt = fromMillis(toMillis(user.CreatedAt))

	var publicKey sql.NullString
	if strings.TrimSpace(user.PublicKey) != "" {
		publicKey = sql.NullString{String: user.PublicKey, Valid: true}
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO users (username, password_hash, public_key, created_at)
		 VALUES (?, ?, ?, ?)`,
		user.Username,
		user.PasswordHash,
		publicKey,
		toMillis(user.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.User{}, storage.ErrAlreadyExists
		}
		return storage.User{}, fmt.Errorf("create user: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return storage.User{}, fmt.Errorf("create user: %w", err)
	}
	user.ID = id
	return user, nil
}

// GetUser returns one account by ID.
func (s *Store) GetUser(ctx context.Context, id int64) (storage.User, error) {
	if err := ctx.Err(); err != nil {
		return storage.User{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.User{}, fmt.Errorf("storage is not configured")
	}
	if id <= 0 {
		return storage.User{}, fmt.Errorf("user id is required")
	}
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, username, password_hash, public_key, created_at
		   FROM users
		  WHERE id = ?`,
		id,
	)
	return scanUser(row)
}

// GetUserByUsername returns one account by its exact username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (storage.User, error) {
	if err := ctx.Err(); err != nil {
		return storage.User{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.User{}, fmt.Errorf("storage is not configured")
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return storage.User{}, fmt.Errorf("username is required")
	}
	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, username, password_hash, public_key, created_at
		   FROM users
		  WHERE username = ?`,
		username,
	)
	return scanUser(row)
}

func scanUser(row *sql.Row) (storage.User, error) {
	var (
		user      storage.User
		publicKey sql.NullString
		createdAt int64
	)
	if err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &publicKey, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.User{}, storage.ErrNotFound
		}
		return storage.User{}, fmt.Errorf("get user: %w", err)
	}
	user.PublicKey = publicKey.String
	user.CreatedAt = fromMillis(createdAt)
	return user, nil
}

// AppendMessage inserts one message. The sender must exist.
func (s *Store) AppendMessage(ctx context.Context, msg storage.Message) (storage.Message, error) {
	if err := ctx.Err(); err != nil {
		return storage.Message{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Message{}, fmt.Errorf("storage is not configured")
	}
	if msg.UserID <= 0 {
		return storage.Message{}, fmt.Errorf("user id is required")
	}
	msg.RoomID = strings.TrimSpace(msg.RoomID)
	if msg.RoomID == "" {
		return storage.Message{}, fmt.Errorf("room id is required")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	msg.Timestamp = fromMillis(toMillis(msg.Timestamp))

	result, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO messages (user_id, content, room_id, created_at)
		 VALUES (?, ?, ?, ?)`,
		msg.UserID,
		msg.Content,
		msg.RoomID,
		toMillis(msg.Timestamp),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return storage.Message{}, storage.ErrNotFound
		}
		return storage.Message{}, fmt.Errorf("append message: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return storage.Message{}, fmt.Errorf("append message: %w", err)
	}
	msg.ID = id
	return msg, nil
}

// ListRecentMessages returns up to limit of the newest messages in room,
// oldest first.
func (s *Store) ListRecentMessages(ctx context.Context, roomID string, limit int) ([]storage.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, fmt.Errorf("room id is required")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT m.id, m.user_id, u.username, m.content, m.room_id, m.created_at
		   FROM messages m
		   JOIN users u ON u.id = m.user_id
		  WHERE m.room_id = ?
		  ORDER BY m.created_at DESC, m.id DESC
		  LIMIT ?`,
		roomID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]storage.Message, 0, limit)
	for rows.Next() {
		var (
			msg       storage.Message
			createdAt int64
		)
		if err := rows.Scan(&msg.ID, &msg.UserID, &msg.Username, &msg.Content, &msg.RoomID, &createdAt); err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		msg.Timestamp = fromMillis(createdAt)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

func isForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "foreign key constraint failed")
}

var _ storage.Store = (*Store)(nil)
