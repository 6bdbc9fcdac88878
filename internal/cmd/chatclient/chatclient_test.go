package chatclient

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	server "github.com/louisbranch/termchat/internal/services/chat/app"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) waitFor(t *testing.T, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !strings.Contains(b.String(), want) {
		if time.Now().After(deadline) {
			t.Fatalf("output never contained %q:\n%s", want, b.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func startChatServer(t *testing.T) string {
	t.Helper()
	srv, err := server.NewServer(server.Config{
		HTTPAddr:  "127.0.0.1:0",
		DBPath:    filepath.Join(t.TempDir(), "chat.db"),
		JWTSecret: "client-test-secret-0123456789",
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return ts.URL
}

func TestRunRequiresCredentials(t *testing.T) {
	err := run(context.Background(), Config{}, Deps{In: strings.NewReader(""), Out: io.Discard})
	if err == nil {
		t.Fatal("expected credentials error")
	}
}

func TestRunReportsLoginFailure(t *testing.T) {
	url := startChatServer(t)
	cfg := Config{
		ServerURL: url,
		Username:  "ghost",
		Password:  "password1",
		KeyFile:   filepath.Join(t.TempDir(), "key"),
	}
	err := run(context.Background(), cfg, Deps{In: strings.NewReader(""), Out: io.Discard})
	if err == nil || !strings.Contains(err.Error(), "login") {
		t.Fatalf("err = %v, want login error", err)
	}
}

func TestRunChatsEndToEnd(t *testing.T) {
	url := startChatServer(t)
	keyFile := filepath.Join(t.TempDir(), "encryption.key")
	cfg := Config{
		ServerURL:   url,
		Room:        "general",
		Username:    "ada",
		Password:    "password1",
		KeyFile:     keyFile,
		Register:    true,
		MinDelay:    10 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
		OutboxSize:  10,
		HistorySize: 10,
	}

	in, input := io.Pipe()
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- run(context.Background(), cfg, Deps{In: in, Out: out}) }()

	out.waitFor(t, "* online (1): ada")
	if !strings.Contains(out.String(), "created encryption key") {
		t.Fatalf("expected key creation notice:\n%s", out.String())
	}

	if _, err := io.WriteString(input, "hello there\n"); err != nil {
		t.Fatalf("write input: %v", err)
	}
	out.waitFor(t, "ada: hello there")

	if _, err := io.WriteString(input, quitCommand+"\n"); err != nil {
		t.Fatalf("write quit: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("client did not exit on /quit")
	}
	_ = input.Close()

	// A second session replays the sealed history with the same key.
	cfg.Register = true
	out2 := &syncBuffer{}
	done = make(chan error, 1)
	go func() { done <- run(context.Background(), cfg, Deps{In: strings.NewReader(""), Out: out2}) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("second run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("second client did not exit on EOF")
	}
	if !strings.Contains(out2.String(), "ada: hello there") {
		t.Fatalf("history not replayed:\n%s", out2.String())
	}
}
