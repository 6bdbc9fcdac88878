package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	apperrors "github.com/louisbranch/termchat/internal/platform/errors"
	"github.com/louisbranch/termchat/internal/platform/timeouts"
	"github.com/louisbranch/termchat/internal/services/chat/protocol"
)

// ErrAuthentication marks a handshake the server refused for credentials.
// It is never retried.
var ErrAuthentication = apperrors.New(apperrors.CodeAuthenticationFailure, "server rejected credentials")

// Transport is one live connection to the chat server.
type Transport interface {
	Send(ctx context.Context, frame protocol.Frame) error
	// Receive blocks until the next frame arrives or the transport fails.
	Receive() (protocol.Frame, error)
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context) (Transport, error) {
	return f(ctx)
}

// WebSocketDialer dials the server's /ws endpoint with a bearer token.
type WebSocketDialer struct {
	// ServerURL is the HTTP base URL, e.g. http://localhost:8086.
	ServerURL string
	Room      string
	Token     string
	// HTTPClient is used to classify rejected handshakes. Defaults to http.DefaultClient.
	HTTPClient *http.Client
	Timeout    time.Duration
	// Heartbeat is the server's ping interval. A connection silent for
	// timeouts.IdleTimeout(Heartbeat) is treated as lost.
	Heartbeat time.Duration
}

func (d WebSocketDialer) Dial(ctx context.Context) (Transport, error) {
	wsURL, err := d.endpoint()
	if err != nil {
		return nil, err
	}
	cfg, err := websocket.NewConfig(wsURL, d.origin())
	if err != nil {
		return nil, fmt.Errorf("websocket config: %w", err)
	}
	cfg.Header = make(http.Header)
	if token := strings.TrimSpace(d.Token); token != "" {
		cfg.Header.Set("Authorization", "Bearer "+token)
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = timeouts.Dial
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := cfg.DialContext(dialCtx)
	if err != nil {
		if rejectedHandshake(err) {
			return nil, d.classifyRejection(dialCtx, err)
		}
		return nil, apperrors.Wrap(apperrors.CodeTransport, "dial chat server", err)
	}
	return newWSTransport(conn, timeouts.IdleTimeout(d.Heartbeat)), nil
}

// rejectedHandshake reports a non-101 upgrade response. DialError does not
// unwrap, so the cause is inspected directly.
func rejectedHandshake(err error) bool {
	var dialErr *websocket.DialError
	if errors.As(err, &dialErr) {
		return errors.Is(dialErr.Err, websocket.ErrBadStatus)
	}
	return errors.Is(err, websocket.ErrBadStatus)
}

func (d WebSocketDialer) endpoint() (string, error) {
	base, err := url.Parse(strings.TrimSpace(d.ServerURL))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch base.Scheme {
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", base.Scheme)
	}
	base.Path = strings.TrimSuffix(base.Path, "/") + "/ws"
	query := url.Values{}
	if room := strings.TrimSpace(d.Room); room != "" {
		query.Set("room", room)
	}
	base.RawQuery = query.Encode()
	return base.String(), nil
}

func (d WebSocketDialer) origin() string {
	origin := strings.TrimSpace(d.ServerURL)
	origin = strings.Replace(origin, "ws://", "http://", 1)
	return strings.Replace(origin, "wss://", "https://", 1)
}

// classifyRejection replays the upgrade request as plain HTTP so a 401 can be
// told apart from other refusals; x/net/websocket hides the status code.
func (d WebSocketDialer) classifyRejection(ctx context.Context, dialErr error) error {
	wsURL, err := d.endpoint()
	if err != nil {
		return dialErr
	}
	probeURL := strings.Replace(strings.Replace(wsURL, "wss://", "https://", 1), "ws://", "http://", 1)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeTransport, "dial chat server", dialErr)
	}
	if token := strings.TrimSpace(d.Token); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := d.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeTransport, "dial chat server", dialErr)
	}
	_ = resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrAuthentication
	}
	return apperrors.Wrap(apperrors.CodeTransport, fmt.Sprintf("handshake refused: %s", resp.Status), dialErr)
}

// wsTransport serializes writes on one x/net websocket connection.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	readTimeout  time.Duration

	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newWSTransport(conn *websocket.Conn, readTimeout time.Duration) *wsTransport {
	return &wsTransport{conn: conn, writeTimeout: timeouts.WriteFrame, readTimeout: readTimeout}
}

func (t *wsTransport) Send(ctx context.Context, frame protocol.Frame) error {
	payload, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	deadline := time.Now().Add(t.writeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return apperrors.Wrap(apperrors.CodeTransport, "set write deadline", err)
	}
	if err := websocket.Message.Send(t.conn, string(payload)); err != nil {
		return apperrors.Wrap(apperrors.CodeTransport, "send frame", err)
	}
	return nil
}

// Receive fails once nothing, not even a ping, arrives within the read
// timeout, so a half-open connection is noticed.
func (t *wsTransport) Receive() (protocol.Frame, error) {
	for {
		if err := t.conn.SetReadDeadline(time.Now().Add(t.readTimeout)); err != nil {
			return protocol.Frame{}, apperrors.Wrap(apperrors.CodeTransport, "set read deadline", err)
		}
		var data []byte
		if err := websocket.Message.Receive(t.conn, &data); err != nil {
			return protocol.Frame{}, apperrors.Wrap(apperrors.CodeTransport, "receive frame", err)
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			// A newer server may speak frame types this client does not know.
			continue
		}
		return frame, nil
	}
}

func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
