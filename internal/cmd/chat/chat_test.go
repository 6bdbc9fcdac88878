package chat

import (
	"context"
	"flag"
	"strings"
	"testing"
	"time"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != ":8086" {
		t.Fatalf("expected default http addr, got %q", cfg.HTTPAddr)
	}
	if cfg.DBPath != "data/termchat.db" {
		t.Fatalf("expected default db path, got %q", cfg.DBPath)
	}
	if cfg.JWTTTL != 24*time.Hour {
		t.Fatalf("expected default jwt ttl, got %s", cfg.JWTTTL)
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Fatalf("expected default heartbeat, got %s", cfg.HeartbeatInterval)
	}
	if cfg.DefaultRoom != "general" || cfg.GRPCHealthAddr != "" || cfg.HealthCheck {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	t.Setenv("TERMCHAT_CHAT_HTTP_ADDR", "env-chat")
	t.Setenv("TERMCHAT_CHAT_DB_PATH", "env.db")
	t.Setenv("TERMCHAT_JWT_SECRET", "env-secret-0123456789")
	t.Setenv("TERMCHAT_CHAT_HEARTBEAT", "10s")

	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	args := []string{
		"-http-addr", "flag-chat",
		"-grpc-health-addr", "127.0.0.1:9000",
		"-heartbeat", "5s",
		"-healthcheck",
	}
	cfg, err := ParseConfig(fs, args)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.HTTPAddr != "flag-chat" {
		t.Fatalf("expected flag http addr, got %q", cfg.HTTPAddr)
	}
	if cfg.DBPath != "env.db" {
		t.Fatalf("expected env db path, got %q", cfg.DBPath)
	}
	if cfg.JWTSecret != "env-secret-0123456789" {
		t.Fatalf("expected env secret, got %q", cfg.JWTSecret)
	}
	if cfg.HeartbeatInterval != 5*time.Second {
		t.Fatalf("expected flag heartbeat, got %s", cfg.HeartbeatInterval)
	}
	if cfg.GRPCHealthAddr != "127.0.0.1:9000" || !cfg.HealthCheck {
		t.Fatalf("expected health flags, got %+v", cfg)
	}
}

func TestParseConfigRejectsBadDuration(t *testing.T) {
	t.Setenv("TERMCHAT_JWT_TTL", "forever")
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	if _, err := ParseConfig(fs, nil); err == nil {
		t.Fatal("expected env parse error")
	}
}

func TestRunRequiresSecret(t *testing.T) {
	err := Run(context.Background(), Config{HTTPAddr: "127.0.0.1:0", DBPath: t.TempDir() + "/chat.db"})
	if err == nil || !strings.Contains(err.Error(), "serve chat") {
		t.Fatalf("err = %v, want serve chat error", err)
	}
}
