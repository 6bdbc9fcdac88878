// Package chatclient runs the line-oriented terminal chat client.
package chatclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	entrypoint "github.com/louisbranch/termchat/internal/platform/cmd"
	apperrors "github.com/louisbranch/termchat/internal/platform/errors"
	"github.com/louisbranch/termchat/internal/services/chat/cipher"
	"github.com/louisbranch/termchat/internal/services/chat/client"
)

const quitCommand = "/quit"

// Deps are the process boundaries of the client; tests substitute them.
type Deps struct {
	In         io.Reader
	Out        io.Writer
	HTTPClient *http.Client
}

// Run logs in, shows recent history and relays stdin lines until EOF,
// /quit or ctx cancellation.
func Run(ctx context.Context, cfg Config, deps Deps) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceChatClient, func(ctx context.Context) error {
		return run(ctx, cfg, deps)
	})
}

func run(ctx context.Context, cfg Config, deps Deps) error {
	if deps.In == nil || deps.Out == nil {
		return errors.New("input and output are required")
	}
	username := strings.TrimSpace(cfg.Username)
	if username == "" || cfg.Password == "" {
		return errors.New("username and password are required")
	}
	out := newPrinter(deps.Out)

	box, err := loadCipher(cfg.MessageKey, cfg.KeyFile, out)
	if err != nil {
		return err
	}

	api := newAPIClient(cfg.ServerURL, deps.HTTPClient)
	if cfg.Register {
		err := api.register(ctx, username, cfg.Password, "")
		switch {
		case err == nil:
			out.line("-- registered %s", username)
		case apperrors.IsCode(err, apperrors.CodeAlreadyExists):
		default:
			return fmt.Errorf("register: %w", err)
		}
	}
	token, err := api.login(ctx, username, cfg.Password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	out.line("-- logged in as %s", token.Username)

	if cfg.HistorySize > 0 {
		history, err := api.history(ctx, token.AccessToken, cfg.Room, cfg.HistorySize)
		if err != nil {
			out.line("! history unavailable: %v", err)
		}
		for _, frame := range history {
			if plain, err := box.Decrypt(frame.Content); err == nil {
				frame.Content = plain
			} else {
				frame.Content = "[unreadable message]"
			}
			out.frame(frame)
		}
	}

	session := client.NewSession(client.WebSocketDialer{
		ServerURL:  cfg.ServerURL,
		Room:       cfg.Room,
		Token:      token.AccessToken,
		HTTPClient: deps.HTTPClient,
		Heartbeat:  cfg.Heartbeat,
	}, client.Config{
		MinDelay:   cfg.MinDelay,
		MaxDelay:   cfg.MaxDelay,
		OutboxSize: cfg.OutboxSize,
		Transform:  box,
	})
	session.OnMessage(out.frame)
	session.OnStatus(out.status)

	if err := session.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- session.Run(ctx) }()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(deps.In)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = session.Disconnect()
			<-runErr
			return nil
		case err := <-runErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("session: %w", err)
			}
			return nil
		case line, ok := <-lines:
			if !ok || strings.TrimSpace(line) == quitCommand {
				_ = session.Disconnect()
				return ignoreStopped(<-runErr)
			}
			if err := session.SendMessage(ctx, line); err != nil {
				switch {
				case errors.Is(err, client.ErrEmptyMessage):
				case errors.Is(err, client.ErrOutboxFull):
					out.line("! offline queue is full; message dropped")
				default:
					out.line("! send failed: %v", err)
				}
			}
		}
	}
}

func ignoreStopped(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return fmt.Errorf("session: %w", err)
}

// loadCipher prefers an inline key and falls back to the key file, creating
// it on first use.
func loadCipher(inline, path string, out *printer) (*cipher.Cipher, error) {
	if strings.TrimSpace(inline) != "" {
		key, err := cipher.DecodeKey(inline)
		if err != nil {
			return nil, fmt.Errorf("decode message key: %w", err)
		}
		return cipher.New(key)
	}
	if strings.TrimSpace(path) == "" {
		defaultPath, err := cipher.DefaultKeyPath()
		if err != nil {
			return nil, err
		}
		path = defaultPath
	}
	key, created, err := cipher.LoadOrCreateKey(path)
	if err != nil {
		return nil, fmt.Errorf("load encryption key: %w", err)
	}
	if created {
		out.line("-- created encryption key at %s; share it with your room to read each other", path)
	}
	return cipher.New(key)
}
