// Package client keeps a chat connection alive from the user's side: it dials,
// receives, answers heartbeats, queues sends while offline and reconnects with
// exponential backoff after transport loss.
package client

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/termchat/internal/platform/telemetry/metrics"
	"github.com/louisbranch/termchat/internal/services/chat/protocol"
)

// DefaultOutboxSize bounds the messages held while offline.
const DefaultOutboxSize = 100

var (
	// ErrEmptyMessage rejects blank sends.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrOutboxFull reports that an offline send could not be queued.
	ErrOutboxFull = errors.New("offline queue is full")
	// ErrNotConnected is returned by Run when a running session has no transport.
	ErrNotConnected = errors.New("session is not connected")

	errStopped = errors.New("session stopped")
)

// Transform seals outgoing text and opens incoming text. The server only ever
// sees sealed content.
type Transform interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Config tunes a Session.
type Config struct {
	MinDelay   time.Duration
	MaxDelay   time.Duration
	OutboxSize int
	Transform  Transform
	// Sleep waits d and reports whether the wait completed; it returns false
	// early when ctx ends or stop closes. Nil uses a timer.
	Sleep func(ctx context.Context, stop <-chan struct{}, d time.Duration) bool
}

// Session is one user's connection lifecycle.
type Session struct {
	dialer     Dialer
	transform  Transform
	outboxSize int
	sleep      func(ctx context.Context, stop <-chan struct{}, d time.Duration) bool

	mu        sync.Mutex
	transport Transport
	running   bool
	stop      chan struct{}
	reconnect *ReconnectState
	outbox    []string
	// flushing is the transport currently draining outbox.
	flushing Transport

	messages listeners[protocol.Frame]
	statuses listeners[Status]
	events   dispatcher
}

// NewSession builds a disconnected session.
func NewSession(dialer Dialer, cfg Config) *Session {
	size := cfg.OutboxSize
	if size <= 0 {
		size = DefaultOutboxSize
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepTimer
	}
	return &Session{
		dialer:     dialer,
		transform:  cfg.Transform,
		outboxSize: size,
		sleep:      sleep,
		stop:       make(chan struct{}),
		reconnect:  NewReconnectState(cfg.MinDelay, cfg.MaxDelay),
	}
}

// OnMessage registers fn for every server frame other than heartbeats.
func (s *Session) OnMessage(fn func(protocol.Frame)) *Subscription {
	return s.messages.add(fn)
}

// OnStatus registers fn for lifecycle notices.
func (s *Session) OnStatus(fn func(Status)) *Subscription {
	return s.statuses.add(fn)
}

// Connect dials the server. On success the reconnect delay is reset and any
// queued messages are flushed. Authentication failures are returned as-is.
func (s *Session) Connect(ctx context.Context) error {
	s.emitStatus(StatusConnecting)
	transport, err := s.dialer.Dial(ctx)
	if err != nil {
		s.emitStatus(StatusDisconnected)
		return err
	}

	s.mu.Lock()
	if s.transport != nil {
		_ = s.transport.Close()
	}
	if !s.running {
		s.stop = make(chan struct{})
	}
	s.running = true
	s.transport = transport
	s.reconnect.Reset()
	s.mu.Unlock()

	s.emitStatus(StatusConnected)
	s.flush(ctx, transport)
	return nil
}

// Disconnect closes the connection and stops any pending reconnect for good.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if !s.running && s.transport == nil {
		s.mu.Unlock()
		return nil
	}
	if s.running {
		close(s.stop)
	}
	s.running = false
	transport := s.transport
	s.transport = nil
	s.mu.Unlock()

	var err error
	if transport != nil {
		err = transport.Close()
	}
	s.emitStatus(StatusDisconnected)
	return err
}

// Connected reports whether a transport is attached.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport != nil
}

// QueuedMessages is the number of messages waiting for a connection.
func (s *Session) QueuedMessages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outbox)
}

// Run receives frames until Disconnect (nil), ctx cancellation (ctx.Err()) or
// a refused reconnect (the dial error). Transport loss triggers reconnection.
func (s *Session) Run(ctx context.Context) error {
	stopWatch := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		transport := s.transport
		s.mu.Unlock()
		if transport != nil {
			_ = transport.Close()
		}
	})
	defer stopWatch()

	for {
		s.mu.Lock()
		transport, running := s.transport, s.running
		s.mu.Unlock()
		if !running {
			return nil
		}
		if transport == nil {
			return ErrNotConnected
		}

		frame, err := transport.Receive()
		if err == nil {
			s.handleFrame(ctx, transport, frame)
			continue
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !s.detach(transport) {
			// Disconnect or a newer Connect already replaced the transport.
			continue
		}
		log.Printf("chat client: connection lost: %v", err)
		s.emitStatus(StatusConnectionLost)

		if err := s.reconnectLoop(ctx); err != nil {
			if errors.Is(err, errStopped) {
				return nil
			}
			return err
		}
	}
}

// detach drops transport if it is still the current one.
func (s *Session) detach(transport Transport) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport != transport || !s.running {
		return false
	}
	s.transport = nil
	_ = transport.Close()
	return true
}

func (s *Session) reconnectLoop(ctx context.Context) error {
	s.emitStatus(StatusReconnecting)
	for {
		s.mu.Lock()
		delay, stop := s.reconnect.Delay(), s.stop
		s.mu.Unlock()

		if !s.sleep(ctx, stop, delay) {
			if err := ctx.Err(); err != nil {
				return err
			}
			return errStopped
		}

		transport, err := s.dialer.Dial(ctx)
		if err != nil {
			metrics.RecordReconnect(false)
			if errors.Is(err, ErrAuthentication) {
				s.emitStatus(StatusDisconnected)
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.mu.Lock()
			next := s.reconnect.Failed()
			s.mu.Unlock()
			log.Printf("chat client: reconnect failed, retrying in %s: %v", next, err)
			continue
		}

		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			_ = transport.Close()
			return errStopped
		}
		s.transport = transport
		s.reconnect.Reset()
		s.mu.Unlock()

		metrics.RecordReconnect(true)
		s.flush(ctx, transport)
		s.emitStatus(StatusReconnected)
		return nil
	}
}

func (s *Session) handleFrame(ctx context.Context, transport Transport, frame protocol.Frame) {
	switch frame.Type {
	case protocol.TypePing:
		if err := transport.Send(ctx, protocol.Pong(time.Now())); err != nil {
			log.Printf("chat client: answer ping: %v", err)
		}
		return
	case protocol.TypePong:
		return
	case protocol.TypeMessage:
		if s.transform != nil {
			plaintext, err := s.transform.Decrypt(frame.Content)
			if err != nil {
				plaintext = "[unreadable message]"
			}
			frame.Content = plaintext
		}
	}
	s.emitFrame(frame)
}

// SendMessage sends text now when connected with nothing queued; otherwise it
// is queued behind earlier messages. StatusOfflineQueued is emitted unless a
// flush in progress will carry it.
func (s *Session) SendMessage(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	content := text
	if s.transform != nil {
		sealed, err := s.transform.Encrypt(text)
		if err != nil {
			return err
		}
		content = sealed
	}

	s.mu.Lock()
	transport := s.transport
	direct := transport != nil && len(s.outbox) == 0 && s.flushing == nil
	s.mu.Unlock()
	if direct {
		if err := transport.Send(ctx, protocol.Outbound(content)); err == nil {
			return nil
		}
	}
	if err := s.enqueue(content); err != nil {
		return err
	}
	if transport != nil {
		s.flush(ctx, transport)
	}
	return nil
}

// enqueue appends content behind any backlog. Content picked up by a running
// flush is not reported as offline.
func (s *Session) enqueue(content string) error {
	s.mu.Lock()
	if len(s.outbox) >= s.outboxSize {
		s.mu.Unlock()
		return ErrOutboxFull
	}
	s.outbox = append(s.outbox, content)
	offline := s.flushing == nil
	s.mu.Unlock()
	if offline {
		s.emitStatus(StatusOfflineQueued)
	}
	return nil
}

// flush sends queued content in order, stopping at the first failure. Only
// one flush runs per transport; content queued meanwhile is drained by it.
func (s *Session) flush(ctx context.Context, transport Transport) {
	s.mu.Lock()
	if s.flushing == transport {
		s.mu.Unlock()
		return
	}
	s.flushing = transport
	s.mu.Unlock()

	for {
		s.mu.Lock()
		if len(s.outbox) == 0 || s.transport != transport {
			s.endFlush(transport)
			s.mu.Unlock()
			return
		}
		next := s.outbox[0]
		s.mu.Unlock()

		if err := transport.Send(ctx, protocol.Outbound(next)); err != nil {
			s.mu.Lock()
			s.endFlush(transport)
			s.mu.Unlock()
			log.Printf("chat client: flush queued message: %v", err)
			return
		}

		s.mu.Lock()
		if len(s.outbox) > 0 && s.outbox[0] == next {
			s.outbox = s.outbox[1:]
		}
		s.mu.Unlock()
	}
}

// endFlush must be called with mu held.
func (s *Session) endFlush(transport Transport) {
	if s.flushing == transport {
		s.flushing = nil
	}
}

func (s *Session) emitStatus(status Status) {
	fns := s.statuses.snapshot()
	calls := make([]func(), 0, len(fns))
	for _, fn := range fns {
		calls = append(calls, func() { fn(status) })
	}
	s.events.dispatch(calls...)
}

func (s *Session) emitFrame(frame protocol.Frame) {
	fns := s.messages.snapshot()
	calls := make([]func(), 0, len(fns))
	for _, fn := range fns {
		calls = append(calls, func() { fn(frame) })
	}
	s.events.dispatch(calls...)
}

func sleepTimer(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-timer.C:
		return true
	}
}
