package server

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/louisbranch/termchat/internal/platform/errors"
	platformid "github.com/louisbranch/termchat/internal/platform/id"
	"github.com/louisbranch/termchat/internal/platform/requestctx"
	"github.com/louisbranch/termchat/internal/platform/telemetry/metrics"
	"github.com/louisbranch/termchat/internal/platform/timeouts"
	"github.com/louisbranch/termchat/internal/services/chat/domain"
	"github.com/louisbranch/termchat/internal/services/chat/protocol"
	"github.com/louisbranch/termchat/internal/services/chat/registry"
	"golang.org/x/net/websocket"
)

const (
	// Large enough for a 5000-rune message of 4-byte runes plus JSON framing.
	maxFramePayloadBytes   = 64 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3
)

var errHandleClosed = errors.New("connection is closed")

type wsRoomContextKey struct{}

// handlerDeps are the collaborators behind the HTTP surface.
type handlerDeps struct {
	authorizer  wsAuthorizer
	accounts    accountService
	messages    messageLog
	registry    *registry.Registry
	heartbeat   time.Duration
	defaultRoom string
}

func newHandler(deps handlerDeps) http.Handler {
	if deps.registry == nil {
		deps.registry = registry.New()
	}
	if deps.defaultRoom == "" {
		deps.defaultRoom = domain.DefaultRoom
	}
	coord := newCoordinator(deps.registry, deps.messages, deps.heartbeat)
	api := &apiHandler{
		authorizer:  deps.authorizer,
		accounts:    deps.accounts,
		messages:    deps.messages,
		registry:    deps.registry,
		defaultRoom: deps.defaultRoom,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/api/register", metrics.Middleware("/api/register", http.HandlerFunc(api.handleRegister)))
	mux.Handle("/api/login", metrics.Middleware("/api/login", http.HandlerFunc(api.handleLogin)))
	mux.Handle("/api/history", metrics.Middleware("/api/history", http.HandlerFunc(api.handleHistory)))
	mux.Handle("/{$}", metrics.Middleware("/", http.HandlerFunc(api.handleStatus)))

	wsServer := websocket.Server{
		Handler: func(conn *websocket.Conn) {
			conn.MaxPayloadBytes = maxFramePayloadBytes
			coord.serveConn(conn)
		},
	}

	mux.Handle("/ws", metrics.Middleware("/ws", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if deps.authorizer == nil {
			http.Error(w, "websocket auth is not configured", http.StatusServiceUnavailable)
			return
		}

		who, err := authenticateRequest(r, deps.authorizer)
		if err != nil {
			log.Printf("chat: websocket unauthorized host=%q remote=%s path=%q err=%v", r.Host, r.RemoteAddr, r.URL.Path, err)
			if apperrors.IsCode(err, apperrors.CodeAuthenticationFailure) {
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			http.Error(w, "authentication unavailable", http.StatusServiceUnavailable)
			return
		}

		requested := r.URL.Query().Get("room")
		if requested == "" {
			requested = deps.defaultRoom
		}
		room, err := domain.NormalizeRoom(requested)
		if err != nil {
			http.Error(w, "invalid room", http.StatusBadRequest)
			return
		}

		ctx := withIdentity(r.Context(), who)
		ctx = context.WithValue(ctx, wsRoomContextKey{}, room)
		wsServer.ServeHTTP(w, r.WithContext(ctx))
	})))

	return mux
}

// wsHandle is the registry handle for one WebSocket connection. Writes are
// serialized and bounded by a deadline so one stuck peer cannot pin a
// broadcaster forever.
type wsHandle struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu        sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newWSHandle(conn *websocket.Conn) *wsHandle {
	id, err := platformid.NewPrefixedID("conn")
	if err != nil {
		id = "conn_" + time.Now().UTC().Format("20060102T150405.000000000")
	}
	return &wsHandle{
		id:           id,
		conn:         conn,
		writeTimeout: timeouts.WriteFrame,
		closed:       make(chan struct{}),
	}
}

func (h *wsHandle) ID() string {
	return h.id
}

func (h *wsHandle) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.closed:
		return errHandleClosed
	default:
	}

	deadline := time.Now().Add(h.writeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := h.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return websocket.Message.Send(h.conn, string(payload))
}

func (h *wsHandle) sendFrame(ctx context.Context, frame protocol.Frame) error {
	payload, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	return h.Send(ctx, payload)
}

func (h *wsHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.closed)
		err = h.conn.Close()
	})
	return err
}

func (h *wsHandle) isClosed() bool {
	select {
	case <-h.closed:
		return true
	default:
		return false
	}
}

// readFrames runs the receive loop for one joined connection until the peer
// goes away, the idle window lapses, or a policy limit is hit.
func readFrames(ctx context.Context, conn *websocket.Conn, idle time.Duration, handle func(protocol.Frame), reply func(protocol.Frame)) {
	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0
	connID := requestctx.ConnIDFromContext(ctx)

	for {
		if ctx.Err() != nil {
			return
		}
		if err := conn.SetReadDeadline(time.Now().Add(idle)); err != nil {
			return
		}

		var data []byte
		if err := websocket.Message.Receive(conn, &data); err != nil {
			var netErr net.Error
			switch {
			case errors.Is(err, websocket.ErrFrameTooLarge):
				reply(protocol.Error("frame too large"))
				continue
			case errors.Is(err, io.EOF):
			case errors.As(err, &netErr) && netErr.Timeout():
				metrics.RecordSessionEvent("idle_timeout")
				log.Printf("chat: connection idle conn=%q idle=%s", connID, idle)
			default:
				if ctx.Err() == nil {
					log.Printf("chat: receive failed conn=%q err=%v", connID, err)
				}
			}
			return
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			metrics.RecordMessageRejected("rate_limited")
			reply(protocol.Error(apperrors.UserMessage(apperrors.New(apperrors.CodeRateLimited, "rate limit exceeded"))))
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownType) {
				reply(protocol.Error("unsupported frame type"))
				continue
			}
			decodeErrors++
			reply(protocol.Error("invalid frame payload"))
			if decodeErrors >= maxDecodeErrorsPerConn {
				metrics.RecordSessionEvent("decode_budget_exhausted")
				return
			}
			continue
		}
		decodeErrors = 0
		handle(frame)
	}
}
