// Package identity registers accounts, checks passwords and turns access
// tokens into chat identities.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/secure/precis"

	apperrors "github.com/louisbranch/termchat/internal/platform/errors"
	"github.com/louisbranch/termchat/internal/services/chat/domain"
	"github.com/louisbranch/termchat/internal/services/chat/storage"
)

const (
	MinUsernameRunes = 3
	MaxUsernameRunes = 50
	MinPasswordRunes = 6
	// bcrypt ignores input past 72 bytes.
	maxPasswordBytes = 72
)

// Token is the login response.
type Token struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	UserID      int64     `json:"user_id"`
	Username    string    `json:"username"`
}

// Service owns account lifecycle and token verification.
type Service struct {
	users      storage.UserStore
	tokens     *Tokens
	hashCost   int
	dummyHash  []byte
	usernameFn func(string) (string, error)
}

// Option configures a Service.
type Option func(*Service)

// WithHashCost overrides the bcrypt cost. Tests use bcrypt.MinCost.
func WithHashCost(cost int) Option {
	return func(s *Service) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			s.hashCost = cost
		}
	}
}

// NewService builds an identity service.
func NewService(users storage.UserStore, tokens *Tokens, opts ...Option) (*Service, error) {
	if users == nil {
		return nil, errors.New("user store is required")
	}
	if tokens == nil {
		return nil, errors.New("token codec is required")
	}
	s := &Service{
		users:      users,
		tokens:     tokens,
		hashCost:   bcrypt.DefaultCost,
		usernameFn: NormalizeUsername,
	}
	for _, opt := range opts {
		opt(s)
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("termchat-dummy-password"), s.hashCost)
	if err != nil {
		return nil, fmt.Errorf("prepare password hasher: %w", err)
	}
	s.dummyHash = dummy
	return s, nil
}

// NormalizeUsername applies the PRECIS username profile (case preserved) and
// enforces length bounds.
func NormalizeUsername(raw string) (string, error) {
	username, err := precis.UsernameCasePreserved.String(strings.TrimSpace(raw))
	if err != nil {
		return "", validation("username may only contain letters, digits and symbols without spaces")
	}
	n := utf8.RuneCountInString(username)
	if n < MinUsernameRunes || n > MaxUsernameRunes {
		return "", validation(fmt.Sprintf("username must be between %d and %d characters", MinUsernameRunes, MaxUsernameRunes))
	}
	return username, nil
}

// ValidatePassword enforces password bounds.
func ValidatePassword(password string) error {
	if utf8.RuneCountInString(password) < MinPasswordRunes {
		return validation(fmt.Sprintf("password must be at least %d characters", MinPasswordRunes))
	}
	if len(password) > maxPasswordBytes {
		return validation(fmt.Sprintf("password must be at most %d bytes", maxPasswordBytes))
	}
	return nil
}

// Register creates an account. publicKey is optional and stored as given.
func (s *Service) Register(ctx context.Context, username, password, publicKey string) (storage.User, error) {
	username, err := s.usernameFn(username)
	if err != nil {
		return storage.User{}, err
	}
	if err := ValidatePassword(password); err != nil {
		return storage.User{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.hashCost)
	if err != nil {
		return storage.User{}, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.users.CreateUser(ctx, storage.User{
		Username:     username,
		PasswordHash: string(hash),
		PublicKey:    strings.TrimSpace(publicKey),
	})
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return storage.User{}, apperrors.WithMetadata(
				apperrors.CodeAlreadyExists,
				"username already registered",
				map[string]string{"Field": "username"},
			)
		}
		return storage.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// Login checks credentials and issues an access token. Unknown users and bad
// passwords fail identically.
func (s *Service) Login(ctx context.Context, username, password string) (Token, error) {
	username, err := s.usernameFn(username)
	if err != nil {
		return Token{}, badCredentials()
	}
	user, err := s.users.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
			return Token{}, badCredentials()
		}
		return Token{}, fmt.Errorf("get user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return Token{}, badCredentials()
	}

	identity := domain.Identity{ID: user.ID, DisplayName: user.Username}
	signed, expiresAt, err := s.tokens.Issue(identity)
	if err != nil {
		return Token{}, err
	}
	return Token{
		AccessToken: signed,
		TokenType:   "bearer",
		ExpiresAt:   expiresAt,
		UserID:      user.ID,
		Username:    user.Username,
	}, nil
}

// Authenticate verifies token and confirms the account still exists.
func (s *Service) Authenticate(ctx context.Context, token string) (domain.Identity, error) {
	claimed, err := s.tokens.Verify(token)
	if err != nil {
		return domain.Identity{}, err
	}
	user, err := s.users.GetUser(ctx, claimed.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Identity{}, apperrors.New(apperrors.CodeAuthenticationFailure, "account no longer exists")
		}
		return domain.Identity{}, fmt.Errorf("get user: %w", err)
	}
	return domain.Identity{ID: user.ID, DisplayName: user.Username}, nil
}

func validation(reason string) error {
	return apperrors.WithMetadata(apperrors.CodeValidation, reason, map[string]string{"Reason": reason})
}

func badCredentials() error {
	const reason = "incorrect username or password"
	return apperrors.WithMetadata(apperrors.CodeAuthenticationFailure, reason, map[string]string{"Reason": reason})
}
