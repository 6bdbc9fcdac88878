// Package main starts the chat server and handles termination.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	chatcmd "github.com/louisbranch/termchat/internal/cmd/chat"
	platformgrpc "github.com/louisbranch/termchat/internal/platform/grpc"
)

func main() {
	cfg, err := chatcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[CHAT] ")

	if cfg.HealthCheck {
		if err := platformgrpc.Probe(context.Background(), cfg.GRPCHealthAddr, 3*time.Second, nil); err != nil {
			log.Fatalf("health check: %v", err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := chatcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
