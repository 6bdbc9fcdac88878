package server

import (
	"context"
	"errors"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/websocket"

	apperrors "github.com/louisbranch/termchat/internal/platform/errors"
	platformotel "github.com/louisbranch/termchat/internal/platform/otel"
	"github.com/louisbranch/termchat/internal/platform/requestctx"
	"github.com/louisbranch/termchat/internal/platform/telemetry/metrics"
	"github.com/louisbranch/termchat/internal/platform/timeouts"
	"github.com/louisbranch/termchat/internal/services/chat/domain"
	"github.com/louisbranch/termchat/internal/services/chat/heartbeat"
	"github.com/louisbranch/termchat/internal/services/chat/protocol"
	"github.com/louisbranch/termchat/internal/services/chat/registry"
	"github.com/louisbranch/termchat/internal/services/chat/storage"
)

// messageLog is the durable message history.
type messageLog interface {
	AppendMessage(ctx context.Context, msg storage.Message) (storage.Message, error)
	ListRecentMessages(ctx context.Context, roomID string, limit int) ([]storage.Message, error)
}

// connState is the coordinator's view of one connection.
type connState int

const (
	stateConnecting connState = iota
	stateJoined
	stateClosing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateJoined:
		return "joined"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// session is one authenticated connection inside a room.
type session struct {
	identity domain.Identity
	room     string
	handle   *wsHandle
	catalog  *apperrors.Catalog
	state    connState
}

// coordinator runs joins, message fan-out and leaves for every connection.
type coordinator struct {
	registry       *registry.Registry
	messages       messageLog
	heartbeat      time.Duration
	persistTimeout time.Duration
	tracer         trace.Tracer
	now            func() time.Time
}

func newCoordinator(reg *registry.Registry, messages messageLog, heartbeatPeriod time.Duration) *coordinator {
	if heartbeatPeriod <= 0 {
		heartbeatPeriod = heartbeat.DefaultPeriod
	}
	return &coordinator{
		registry:       reg,
		messages:       messages,
		heartbeat:      heartbeatPeriod,
		persistTimeout: timeouts.Persist,
		tracer:         platformotel.Tracer("termchat/chat"),
		now:            time.Now,
	}
}

// serveConn owns one upgraded connection from join to close.
func (c *coordinator) serveConn(conn *websocket.Conn) {
	handle := newWSHandle(conn)
	defer func() {
		_ = handle.Close()
	}()

	request := conn.Request()
	who, ok := identityFromContext(request.Context())
	if !ok {
		_ = handle.sendFrame(context.Background(), protocol.Error("authentication required"))
		return
	}
	room, _ := request.Context().Value(wsRoomContextKey{}).(string)
	if room == "" {
		room = domain.DefaultRoom
	}

	ctx, cancel := context.WithCancel(requestctx.WithConnID(request.Context(), handle.ID()))
	defer cancel()

	s := &session{
		identity: who,
		room:     room,
		handle:   handle,
		catalog:  apperrors.CatalogFor(request.Header.Get("Accept-Language")),
		state:    stateConnecting,
	}
	if err := c.join(ctx, s); err != nil {
		log.Printf("chat: join failed user_id=%d room=%q err=%v", who.ID, room, err)
		_ = handle.sendFrame(ctx, protocol.Error(s.catalog.Message(err)))
		return
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	heartbeatDone := make(chan struct{})
	monitor := heartbeat.New(c.heartbeat, handle.sendFrame, heartbeat.WithFailureHandler(func(err error) {
		log.Printf("chat: heartbeat failed user_id=%d conn=%q err=%v", who.ID, handle.ID(), err)
		_ = handle.Close()
	}))
	go func() {
		defer close(heartbeatDone)
		_ = monitor.Run(heartbeatCtx)
	}()

	readFrames(ctx, conn, timeouts.IdleTimeout(c.heartbeat), func(frame protocol.Frame) {
		c.handleFrame(ctx, s, frame)
	}, func(frame protocol.Frame) {
		_ = handle.sendFrame(ctx, frame)
	})

	s.state = stateClosing
	stopHeartbeat()
	<-heartbeatDone
	c.leave(ctx, s)
}

// join registers the connection and announces it to the room.
func (c *coordinator) join(ctx context.Context, s *session) error {
	ctx, span := c.tracer.Start(ctx, "chat.join", trace.WithAttributes(
		attribute.Int64("chat.user_id", s.identity.ID),
		attribute.String("chat.room", s.room),
	))
	defer span.End()

	if err := c.registry.Register(s.identity, s.room, s.handle); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "register")
		return err
	}
	s.state = stateJoined
	metrics.RecordSessionEvent("joined")
	log.Printf("chat: joined user_id=%d username=%q room=%q conn=%q", s.identity.ID, s.identity.DisplayName, s.room, s.handle.ID())

	at := c.now()
	if _, err := c.registry.Broadcast(ctx, s.room, protocol.UserJoined(s.identity, s.room, at), s.identity.ID); err != nil {
		span.RecordError(err)
	}
	c.broadcastRoster(ctx, s.room, at)
	return nil
}

// leave deregisters the connection and, unless it was superseded, tells the
// room. It runs after the connection context is gone, so it uses its own.
func (c *coordinator) leave(ctx context.Context, s *session) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.WriteFrame)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "chat.leave", trace.WithAttributes(
		attribute.Int64("chat.user_id", s.identity.ID),
		attribute.String("chat.room", s.room),
	))
	defer span.End()

	defer func() { s.state = stateClosed }()
	if !c.registry.DeregisterHandle(s.identity.ID, s.handle) {
		span.SetAttributes(attribute.Bool("chat.superseded", true))
		return
	}
	metrics.RecordSessionEvent("left")
	log.Printf("chat: left user_id=%d room=%q conn=%q", s.identity.ID, s.room, s.handle.ID())

	at := c.now()
	if _, err := c.registry.Broadcast(ctx, s.room, protocol.UserLeft(s.identity, s.room, at), 0); err != nil {
		span.RecordError(err)
	}
	c.broadcastRoster(ctx, s.room, at)
}

func (c *coordinator) broadcastRoster(ctx context.Context, room string, at time.Time) {
	roster := protocol.ActiveUsers(room, c.registry.ActiveIdentities(room), at)
	if _, err := c.registry.Broadcast(ctx, room, roster, 0); err != nil {
		log.Printf("chat: roster broadcast failed room=%q err=%v", room, err)
	}
}

func (c *coordinator) handleFrame(ctx context.Context, s *session, frame protocol.Frame) {
	if s.state != stateJoined {
		return
	}
	switch frame.Type {
	case protocol.TypeMessage:
		c.handleMessage(ctx, s, frame.Content)
	case protocol.TypePing:
		_ = s.handle.sendFrame(ctx, protocol.Pong(c.now()))
	case protocol.TypePong:
	default:
		_ = s.handle.sendFrame(ctx, protocol.Error("unsupported frame type"))
	}
}

// handleMessage validates, persists and fans out one chat line. Blank content
// is dropped silently; oversize content and log failures are reported to the
// sender only.
func (c *coordinator) handleMessage(ctx context.Context, s *session, content string) {
	if err := domain.ValidateContent(content); err != nil {
		switch {
		case errors.Is(err, domain.ErrEmptyContent):
			metrics.RecordMessageRejected("empty")
		case errors.Is(err, domain.ErrContentTooLong):
			metrics.RecordMessageRejected("too_long")
			reason := apperrors.WithMetadata(apperrors.CodeValidation, err.Error(), map[string]string{
				"Reason": "message too long (max 5000 characters)",
			})
			_ = s.handle.sendFrame(ctx, protocol.Error(s.catalog.Message(reason)))
		}
		return
	}

	ctx, span := c.tracer.Start(ctx, "chat.message", trace.WithAttributes(
		attribute.Int64("chat.user_id", s.identity.ID),
		attribute.String("chat.room", s.room),
		attribute.Int("chat.content_bytes", len(content)),
	))
	defer span.End()

	persistCtx, cancel := context.WithTimeout(ctx, c.persistTimeout)
	stored, err := c.messages.AppendMessage(persistCtx, storage.Message{
		UserID:   s.identity.ID,
		Username: s.identity.DisplayName,
		Content:  content,
		RoomID:   s.room,
	})
	cancel()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist")
		metrics.RecordMessageRejected("persist_failed")
		log.Printf("chat: persist message failed user_id=%d room=%q err=%v", s.identity.ID, s.room, err)
		_ = s.handle.sendFrame(ctx, protocol.Error(s.catalog.Message(apperrors.Wrap(apperrors.CodeDelivery, "persist message", err))))
		return
	}
	metrics.RecordMessagePersisted(s.room)

	frame := protocol.NewMessage(domain.Message{
		ID:        stored.ID,
		Sender:    s.identity,
		Content:   content,
		Room:      s.room,
		Timestamp: stored.Timestamp,
	})
	report, err := c.registry.Broadcast(ctx, s.room, frame, 0)
	if err != nil {
		span.RecordError(err)
		return
	}
	span.SetAttributes(
		attribute.Int("chat.delivered", report.Delivered),
		attribute.Int("chat.failed", report.Failed),
	)
}
