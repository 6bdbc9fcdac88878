// Package chat parses chat server configuration and starts the service.
package chat

import (
	"context"
	"flag"
	"fmt"
	"time"

	entrypoint "github.com/louisbranch/termchat/internal/platform/cmd"
	server "github.com/louisbranch/termchat/internal/services/chat/app"
)

// Config holds chat command configuration.
type Config struct {
	HTTPAddr          string        `env:"TERMCHAT_CHAT_HTTP_ADDR"        envDefault:":8086"`
	GRPCHealthAddr    string        `env:"TERMCHAT_CHAT_GRPC_HEALTH_ADDR"`
	DBPath            string        `env:"TERMCHAT_CHAT_DB_PATH"          envDefault:"data/termchat.db"`
	JWTSecret         string        `env:"TERMCHAT_JWT_SECRET"`
	JWTTTL            time.Duration `env:"TERMCHAT_JWT_TTL"               envDefault:"24h"`
	HeartbeatInterval time.Duration `env:"TERMCHAT_CHAT_HEARTBEAT"        envDefault:"30s"`
	DefaultRoom       string        `env:"TERMCHAT_CHAT_DEFAULT_ROOM"     envDefault:"general"`
	// HealthCheck probes GRPCHealthAddr and exits instead of serving.
	HealthCheck bool
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "chat HTTP listen address")
	fs.StringVar(&cfg.GRPCHealthAddr, "grpc-health-addr", cfg.GRPCHealthAddr, "gRPC health listen address (empty disables)")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "SQLite database path")
	fs.DurationVar(&cfg.JWTTTL, "jwt-ttl", cfg.JWTTTL, "access token lifetime")
	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat", cfg.HeartbeatInterval, "heartbeat ping interval")
	fs.StringVar(&cfg.DefaultRoom, "default-room", cfg.DefaultRoom, "room used when a client names none")
	fs.BoolVar(&cfg.HealthCheck, "healthcheck", false, "probe the gRPC health endpoint and exit")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the chat app and serves until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceChat, func(ctx context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:          cfg.HTTPAddr,
			GRPCHealthAddr:    cfg.GRPCHealthAddr,
			DBPath:            cfg.DBPath,
			JWTSecret:         cfg.JWTSecret,
			JWTTTL:            cfg.JWTTTL,
			HeartbeatInterval: cfg.HeartbeatInterval,
			DefaultRoom:       cfg.DefaultRoom,
		}); err != nil {
			return fmt.Errorf("serve chat: %w", err)
		}
		return nil
	})
}
