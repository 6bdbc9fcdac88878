package server

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	platformgrpc "github.com/louisbranch/termchat/internal/platform/grpc"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		HTTPAddr:  "127.0.0.1:0",
		DBPath:    filepath.Join(t.TempDir(), "chat.db"),
		JWTSecret: testJWTSecret,
	}
}

func TestNewServerValidatesConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "http address", mutate: func(c *Config) { c.HTTPAddr = " " }},
		{name: "database path", mutate: func(c *Config) { c.DBPath = "" }},
		{name: "short secret", mutate: func(c *Config) { c.JWTSecret = "short" }},
		{name: "room", mutate: func(c *Config) { c.DefaultRoom = strings.Repeat("r", 51) }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t)
			tc.mutate(&cfg)
			if _, err := NewServer(cfg); err == nil {
				t.Fatal("expected config error")
			}
		})
	}
}

func TestNewServerWithContextRequiresContext(t *testing.T) {
	//nolint:staticcheck // nil context is the case under test.
	if _, err := NewServerWithContext(nil, testConfig(t)); err == nil {
		t.Fatal("expected error for nil context")
	}
}

func TestListenAndServeNilServer(t *testing.T) {
	var s *Server
	if err := s.ListenAndServe(context.Background()); err == nil {
		t.Fatal("expected error for nil server")
	}
}

func TestServerHandlerRoutes(t *testing.T) {
	server, err := NewServer(testConfig(t))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer server.Close()

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{method: http.MethodGet, path: "/up", want: http.StatusOK},
		{method: http.MethodPost, path: "/ws", want: http.StatusMethodNotAllowed},
		{method: http.MethodGet, path: "/ws", want: http.StatusUnauthorized},
		{method: http.MethodGet, path: "/metrics", want: http.StatusOK},
		{method: http.MethodGet, path: "/api/login", want: http.StatusMethodNotAllowed},
		{method: http.MethodGet, path: "/nope", want: http.StatusNotFound},
	}
	for _, tc := range tests {
		rr := httptest.NewRecorder()
		server.Handler().ServeHTTP(rr, httptest.NewRequest(tc.method, tc.path, nil))
		if rr.Code != tc.want {
			t.Fatalf("%s %s status = %d, want %d", tc.method, tc.path, rr.Code, tc.want)
		}
		if tc.path == "/up" && strings.TrimSpace(rr.Body.String()) != "OK" {
			t.Fatalf("body = %q, want OK", rr.Body.String())
		}
	}
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, err := NewServer(testConfig(t))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer server.Close()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe(ctx)
	}()

	time.Sleep(25 * time.Millisecond)
	cancel()

	select {
	case err := <-serveErr:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop on cancel")
	}
}

func TestListenAndServeReportsHealth(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthAddr := freeAddr(t)
	cfg := testConfig(t)
	cfg.GRPCHealthAddr = healthAddr
	server, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer server.Close()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		probeErr := platformgrpc.Probe(ctx, healthAddr, 200*time.Millisecond, nil)
		if probeErr == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("health probe never succeeded: %v", probeErr)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-serveErr:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop on cancel")
	}
}

func TestRunReportsInitError(t *testing.T) {
	err := Run(context.Background(), Config{})
	if err == nil || !strings.Contains(err.Error(), "init chat server") {
		t.Fatalf("err = %v, want init error", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, testConfig(t))
	}()

	time.Sleep(25 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop on cancel")
	}
}

func TestCloseIsSafeOnNilServer(t *testing.T) {
	var s *Server
	s.Close()
	if s.Handler() != nil {
		t.Fatal("expected nil handler for nil server")
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := listener.Addr().String()
	if err := listener.Close(); err != nil {
		t.Fatalf("close listener: %v", err)
	}
	return addr
}
