package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	apperrors "github.com/louisbranch/termchat/internal/platform/errors"
	"github.com/louisbranch/termchat/internal/services/chat/identity"
	"github.com/louisbranch/termchat/internal/services/chat/protocol"
)

// apiClient talks to the server's account and history endpoints.
type apiClient struct {
	baseURL string
	http    *http.Client
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type historyPage struct {
	RoomID   string           `json:"room_id"`
	Count    int              `json:"count"`
	Messages []protocol.Frame `json:"messages"`
}

func newAPIClient(baseURL string, httpClient *http.Client) *apiClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &apiClient{baseURL: strings.TrimSuffix(strings.TrimSpace(baseURL), "/"), http: httpClient}
}

func (c *apiClient) register(ctx context.Context, username, password, publicKey string) error {
	body := map[string]string{"username": username, "password": password}
	if publicKey != "" {
		body["public_key"] = publicKey
	}
	return c.do(ctx, http.MethodPost, "/api/register", "", body, nil)
}

func (c *apiClient) login(ctx context.Context, username, password string) (identity.Token, error) {
	var token identity.Token
	err := c.do(ctx, http.MethodPost, "/api/login", "", map[string]string{"username": username, "password": password}, &token)
	return token, err
}

func (c *apiClient) history(ctx context.Context, token, room string, limit int) ([]protocol.Frame, error) {
	query := url.Values{}
	if room != "" {
		query.Set("room", room)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var page historyPage
	if err := c.do(ctx, http.MethodGet, "/api/history?"+query.Encode(), token, nil, &page); err != nil {
		return nil, err
	}
	return page.Messages, nil
}

func (c *apiClient) do(ctx context.Context, method, path, token string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeTransport, fmt.Sprintf("%s %s", method, path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	var body apiError
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&body)
	message := strings.TrimSpace(body.Error.Message)
	if message == "" {
		message = resp.Status
	}
	code := apperrors.Code(body.Error.Code)
	if code == "" {
		code = statusCode(resp.StatusCode)
	}
	return apperrors.New(code, message)
}

func statusCode(status int) apperrors.Code {
	switch status {
	case http.StatusUnauthorized:
		return apperrors.CodeAuthenticationFailure
	case http.StatusConflict:
		return apperrors.CodeAlreadyExists
	case http.StatusBadRequest:
		return apperrors.CodeValidation
	default:
		return apperrors.CodeUnknown
	}
}
