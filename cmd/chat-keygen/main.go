package main

import (
	"flag"
	"os"

	"github.com/louisbranch/termchat/internal/platform/config"
	"github.com/louisbranch/termchat/internal/tools/chatkey"
)

func main() {
	cfg, err := chatkey.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	if err := chatkey.Run(cfg, os.Stdout, nil); err != nil {
		config.Exitf("generate key: %v", err)
	}
}
