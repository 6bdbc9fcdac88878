package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	platformgrpc "github.com/louisbranch/termchat/internal/platform/grpc"
	"github.com/louisbranch/termchat/internal/platform/telemetry/metrics"
	"github.com/louisbranch/termchat/internal/platform/timeouts"
	"github.com/louisbranch/termchat/internal/services/chat/domain"
	"github.com/louisbranch/termchat/internal/services/chat/identity"
	"github.com/louisbranch/termchat/internal/services/chat/registry"
	"github.com/louisbranch/termchat/internal/services/chat/storage/sqlite"
)

// HealthService is the gRPC health service name reported by the chat process.
const HealthService = "termchat.chat"

// Config defines the inputs for the chat process.
type Config struct {
	HTTPAddr          string
	GRPCHealthAddr    string
	DBPath            string
	JWTSecret         string
	JWTTTL            time.Duration
	HeartbeatInterval time.Duration
	DefaultRoom       string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the chat HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	store           *sqlite.Store
	registry        *registry.Registry
	health          *platformgrpc.HealthServer
}

// NewServer builds a configured chat server.
func NewServer(config Config) (*Server, error) {
	return NewServerWithContext(context.Background(), config)
}

// NewServerWithContext builds a configured chat server with an explicit context.
func NewServerWithContext(ctx context.Context, config Config) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if strings.TrimSpace(config.DBPath) == "" {
		return nil, errors.New("database path is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = timeouts.Heartbeat
	}
	defaultRoom, err := domain.NormalizeRoom(config.DefaultRoom)
	if err != nil {
		return nil, fmt.Errorf("default room: %w", err)
	}

	tokens, err := identity.NewTokens(identity.TokenConfig{
		Secret: []byte(config.JWTSecret),
		TTL:    config.JWTTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("configure tokens: %w", err)
	}

	store, err := sqlite.Open(config.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open chat store: %w", err)
	}
	accounts, err := identity.NewService(store, tokens)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init identity: %w", err)
	}

	var health *platformgrpc.HealthServer
	if addr := strings.TrimSpace(config.GRPCHealthAddr); addr != "" {
		health, err = platformgrpc.NewHealthServer(addr)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	metrics.Register()
	sessions := registry.New()
	httpServer := &http.Server{
		Addr: httpAddr,
		Handler: newHandler(handlerDeps{
			authorizer:  accounts,
			accounts:    accounts,
			messages:    store,
			registry:    sessions,
			heartbeat:   config.HeartbeatInterval,
			defaultRoom: defaultRoom,
		}),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		store:           store,
		registry:        sessions,
		health:          health,
	}, nil
}

// Run creates and serves a chat server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init chat server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve chat: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server (and the health endpoint when
// configured) until the context ends. Live WebSocket connections are closed
// once the HTTP server has stopped accepting.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("chat server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	healthCtx, stopHealth := context.WithCancel(ctx)
	defer stopHealth()
	healthDone := make(chan struct{})
	if s.health != nil {
		go func() {
			defer close(healthDone)
			if err := s.health.Serve(healthCtx); err != nil {
				log.Printf("chat: health server stopped: %v", err)
			}
		}()
		s.health.SetServing("", true)
		s.health.SetServing(HealthService, true)
		log.Printf("chat health listening on %s", s.health.Addr())
	} else {
		close(healthDone)
	}
	defer func() {
		stopHealth()
		<-healthDone
	}()

	serveErr := make(chan error, 1)
	log.Printf("chat server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.health.SetServing(HealthService, false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		s.registry.CloseAll()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		s.registry.CloseAll()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Handler exposes the HTTP routes, mainly for tests.
func (s *Server) Handler() http.Handler {
	if s == nil || s.httpServer == nil {
		return nil
	}
	return s.httpServer.Handler
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.registry != nil {
		s.registry.CloseAll()
	}
	s.health.Close()
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close chat store: %v", err)
		}
	}
}
