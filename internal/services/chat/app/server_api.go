package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/louisbranch/termchat/internal/platform/errors"
	"github.com/louisbranch/termchat/internal/services/chat/domain"
	"github.com/louisbranch/termchat/internal/services/chat/identity"
	"github.com/louisbranch/termchat/internal/services/chat/protocol"
	"github.com/louisbranch/termchat/internal/services/chat/registry"
	"github.com/louisbranch/termchat/internal/services/chat/storage"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 500
	maxRequestBodyBytes = 64 * 1024
)

// accountService registers accounts and issues tokens.
type accountService interface {
	Register(ctx context.Context, username, password, publicKey string) (storage.User, error)
	Login(ctx context.Context, username, password string) (identity.Token, error)
}

type apiHandler struct {
	authorizer  wsAuthorizer
	accounts    accountService
	messages    messageLog
	registry    *registry.Registry
	defaultRoom string
}

type credentialsRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	PublicKey string `json:"public_key,omitempty"`
}

type registerResponse struct {
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

type historyResponse struct {
	RoomID   string           `json:"room_id"`
	Count    int              `json:"count"`
	Messages []protocol.Frame `json:"messages"`
}

type statusResponse struct {
	Status            string `json:"status"`
	Service           string `json:"service"`
	ActiveConnections int    `json:"active_connections"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (a *apiHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:            "ok",
		Service:           "termchat",
		ActiveConnections: a.registry.Count(""),
	})
}

func (a *apiHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if a.accounts == nil {
		http.Error(w, "accounts are not configured", http.StatusServiceUnavailable)
		return
	}
	var req credentialsRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeAPIError(w, r, err)
		return
	}
	user, err := a.accounts.Register(r.Context(), req.Username, req.Password, req.PublicKey)
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	log.Printf("chat: registered user_id=%d username=%q", user.ID, user.Username)
	writeJSON(w, http.StatusCreated, registerResponse{
		UserID:    user.ID,
		Username:  user.Username,
		CreatedAt: user.CreatedAt,
	})
}

func (a *apiHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if a.accounts == nil {
		http.Error(w, "accounts are not configured", http.StatusServiceUnavailable)
		return
	}
	var req credentialsRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeAPIError(w, r, err)
		return
	}
	token, err := a.accounts.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (a *apiHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	if a.authorizer == nil || a.messages == nil {
		http.Error(w, "history is not configured", http.StatusServiceUnavailable)
		return
	}
	if _, err := authenticateRequest(r, a.authorizer); err != nil {
		writeAPIError(w, r, err)
		return
	}

	query := r.URL.Query()
	requested := query.Get("room")
	if requested == "" {
		requested = a.defaultRoom
	}
	room, err := domain.NormalizeRoom(requested)
	if err != nil {
		writeAPIError(w, r, validationError("room name is invalid"))
		return
	}
	limit, err := parseHistoryLimit(query.Get("limit"))
	if err != nil {
		writeAPIError(w, r, err)
		return
	}

	rows, err := a.messages.ListRecentMessages(r.Context(), room, limit)
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	frames := make([]protocol.Frame, 0, len(rows))
	for _, row := range rows {
		frames = append(frames, protocol.NewMessage(domain.Message{
			ID:        row.ID,
			Sender:    domain.Identity{ID: row.UserID, DisplayName: row.Username},
			Content:   row.Content,
			Room:      row.RoomID,
			Timestamp: row.Timestamp,
		}))
	}
	writeJSON(w, http.StatusOK, historyResponse{RoomID: room, Count: len(frames), Messages: frames})
}

func parseHistoryLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultHistoryLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, validationError("limit must be a positive integer")
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return limit, nil
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, target any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err := decoder.Decode(target); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidArgument, "decode request body", err)
	}
	return nil
}

func validationError(reason string) error {
	return apperrors.WithMetadata(apperrors.CodeValidation, reason, map[string]string{"Reason": reason})
}

// writeAPIError renders err in the caller's language. Errors without a domain
// code are logged and reported as internal.
func writeAPIError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.GetCode(err)
	if code == apperrors.CodeUnknown {
		log.Printf("chat: %s %s failed: %v", r.Method, r.URL.Path, err)
	}
	var domainErr *apperrors.Error
	status := http.StatusInternalServerError
	if errors.As(err, &domainErr) {
		status = domainErr.HTTPStatus()
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	writeJSON(w, status, errorResponse{Error: errorBody{
		Code:    string(code),
		Message: apperrors.CatalogFor(r.Header.Get("Accept-Language")).Message(err),
	}})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("chat: write json response: %v", err)
	}
}
