// Package main runs the terminal chat client.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/louisbranch/termchat/internal/cmd/chatclient"
)

func main() {
	cfg, err := chatclient.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[CHATCLIENT] ")
	log.SetOutput(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := chatclient.Run(ctx, cfg, chatclient.Deps{In: os.Stdin, Out: os.Stdout}); err != nil {
		log.Fatalf("chat client: %v", err)
	}
}
