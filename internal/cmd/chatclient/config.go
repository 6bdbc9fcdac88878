package chatclient

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	entrypoint "github.com/louisbranch/termchat/internal/platform/cmd"
	"github.com/louisbranch/termchat/internal/services/chat/client"
)

// Config holds chat client configuration.
type Config struct {
	ServerURL   string        `env:"TERMCHAT_SERVER_URL"     envDefault:"http://localhost:8086"`
	Room        string        `env:"TERMCHAT_ROOM"           envDefault:"general"`
	Username    string        `env:"TERMCHAT_USERNAME"`
	Password    string        `env:"TERMCHAT_PASSWORD"`
	KeyFile     string        `env:"TERMCHAT_KEY_FILE"`
	MessageKey  string        `env:"TERMCHAT_MESSAGE_KEY"`
	Profile     string        `env:"TERMCHAT_CLIENT_PROFILE"`
	MinDelay    time.Duration `env:"TERMCHAT_RECONNECT_MIN"  envDefault:"1s"`
	MaxDelay    time.Duration `env:"TERMCHAT_RECONNECT_MAX"  envDefault:"60s"`
	OutboxSize  int           `env:"TERMCHAT_OUTBOX_SIZE"    envDefault:"100"`
	HistorySize int           `env:"TERMCHAT_HISTORY_SIZE"   envDefault:"50"`
	// Heartbeat matches the server's ping interval; silence for twice as
	// long drops the connection.
	Heartbeat time.Duration `env:"TERMCHAT_CHAT_HEARTBEAT" envDefault:"30s"`
	// Register creates the account before logging in.
	Register bool
}

// profile mirrors the TOML client profile.
type profile struct {
	ServerURL   string `toml:"server_url"`
	Room        string `toml:"room"`
	Username    string `toml:"username"`
	KeyFile     string `toml:"key_file"`
	MinDelay    string `toml:"reconnect_min"`
	MaxDelay    string `toml:"reconnect_max"`
	OutboxSize  int    `toml:"outbox_size"`
	HistorySize int    `toml:"history_size"`
	Heartbeat   string `toml:"heartbeat"`
}

// DefaultProfilePath returns ~/.termchat/client.toml.
func DefaultProfilePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".termchat", "client.toml"), nil
}

// ParseConfig layers defaults, the TOML profile, environment and flags, in
// that order of increasing precedence.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	profilePath := cfg.Profile
	explicit := profilePath != ""
	if !explicit {
		if path, err := DefaultProfilePath(); err == nil {
			profilePath = path
		}
	}
	if profilePath != "" {
		if err := applyProfile(&cfg, profilePath, explicit); err != nil {
			return Config{}, err
		}
	}

	fs.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "chat server base URL")
	fs.StringVar(&cfg.Room, "room", cfg.Room, "room to join")
	fs.StringVar(&cfg.Username, "user", cfg.Username, "username")
	fs.StringVar(&cfg.Password, "password", cfg.Password, "password (prefer TERMCHAT_PASSWORD)")
	fs.StringVar(&cfg.KeyFile, "key-file", cfg.KeyFile, "message encryption key path")
	fs.DurationVar(&cfg.MinDelay, "reconnect-min", cfg.MinDelay, "first reconnect delay")
	fs.DurationVar(&cfg.MaxDelay, "reconnect-max", cfg.MaxDelay, "maximum reconnect delay")
	fs.IntVar(&cfg.OutboxSize, "outbox", cfg.OutboxSize, "messages kept while offline")
	fs.IntVar(&cfg.HistorySize, "history", cfg.HistorySize, "messages of history shown on start")
	fs.DurationVar(&cfg.Heartbeat, "heartbeat", cfg.Heartbeat, "server ping interval")
	fs.BoolVar(&cfg.Register, "register", false, "create the account before logging in")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = client.DefaultOutboxSize
	}
	return cfg, nil
}

// applyProfile copies profile values for settings the environment left unset.
// A missing default profile is ignored; a missing explicit one is an error.
func applyProfile(cfg *Config, path string, explicit bool) error {
	var raw profile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load client profile: %w", err)
	}

	set := func(key, envName string) bool {
		if !meta.IsDefined(key) {
			return false
		}
		_, fromEnv := os.LookupEnv(envName)
		return !fromEnv
	}
	if set("server_url", "TERMCHAT_SERVER_URL") {
		cfg.ServerURL = strings.TrimSpace(raw.ServerURL)
	}
	if set("room", "TERMCHAT_ROOM") {
		cfg.Room = strings.TrimSpace(raw.Room)
	}
	if set("username", "TERMCHAT_USERNAME") {
		cfg.Username = strings.TrimSpace(raw.Username)
	}
	if set("key_file", "TERMCHAT_KEY_FILE") {
		cfg.KeyFile = strings.TrimSpace(raw.KeyFile)
	}
	if set("reconnect_min", "TERMCHAT_RECONNECT_MIN") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.MinDelay))
		if err != nil {
			return fmt.Errorf("parse reconnect_min: %w", err)
		}
		cfg.MinDelay = d
	}
	if set("reconnect_max", "TERMCHAT_RECONNECT_MAX") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.MaxDelay))
		if err != nil {
			return fmt.Errorf("parse reconnect_max: %w", err)
		}
		cfg.MaxDelay = d
	}
	if set("outbox_size", "TERMCHAT_OUTBOX_SIZE") {
		cfg.OutboxSize = raw.OutboxSize
	}
	if set("history_size", "TERMCHAT_HISTORY_SIZE") {
		cfg.HistorySize = raw.HistorySize
	}
	if set("heartbeat", "TERMCHAT_CHAT_HEARTBEAT") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Heartbeat))
		if err != nil {
			return fmt.Errorf("parse heartbeat: %w", err)
		}
		cfg.Heartbeat = d
	}
	return nil
}
