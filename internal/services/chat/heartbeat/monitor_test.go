package heartbeat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/louisbranch/termchat/internal/services/chat/protocol"
)

func TestNewDefaultsPeriod(t *testing.T) {
	m := New(0, func(context.Context, protocol.Frame) error { return nil })
	if m.Period() != DefaultPeriod {
		t.Fatalf("period = %v, want %v", m.Period(), DefaultPeriod)
	}
}

func TestRunRequiresSendFunc(t *testing.T) {
	if err := New(time.Millisecond, nil).Run(context.Background()); err == nil {
		t.Fatal("expected error without send func")
	}
}

func TestRunSendsPingsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var (
		mu     sync.Mutex
		frames []protocol.Frame
	)
	m := New(5*time.Millisecond, func(_ context.Context, frame protocol.Frame) error {
		mu.Lock()
		frames = append(frames, frame)
		n := len(frames)
		mu.Unlock()
		if n == 3 {
			cancel()
		}
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(frames) != 3 {
		t.Fatalf("pings = %d, want 3", len(frames))
	}
	for _, frame := range frames {
		if frame.Type != protocol.TypePing {
			t.Fatalf("frame type = %q, want ping", frame.Type)
		}
		if _, err := frame.Time(); err != nil {
			t.Fatalf("ping timestamp: %v", err)
		}
	}
}

func TestRunStopsSendingAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var sends atomic.Int32
	m := New(time.Millisecond, func(context.Context, protocol.Frame) error {
		sends.Add(1)
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	after := sends.Load()
	time.Sleep(20 * time.Millisecond)
	if sends.Load() != after {
		t.Fatal("ping sent after cancellation")
	}
}

func TestRunReportsSendFailure(t *testing.T) {
	sendErr := errors.New("broken pipe")
	var reported error
	calls := 0
	m := New(time.Millisecond, func(context.Context, protocol.Frame) error {
		return sendErr
	}, WithFailureHandler(func(err error) {
		calls++
		reported = err
	}))

	err := m.Run(context.Background())
	if !errors.Is(err, sendErr) {
		t.Fatalf("err = %v, want %v", err, sendErr)
	}
	if calls != 1 || !errors.Is(reported, sendErr) {
		t.Fatalf("failure handler calls = %d err = %v", calls, reported)
	}
}

func TestRunIgnoresFailureCausedByCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	called := false
	m := New(time.Millisecond, func(context.Context, protocol.Frame) error {
		cancel()
		return context.Canceled
	}, WithFailureHandler(func(error) { called = true }))

	if err := m.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if called {
		t.Fatal("failure handler must not run after cancellation")
	}
}

func TestRunUsesClock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var got protocol.Frame
	m := New(time.Millisecond, func(_ context.Context, frame protocol.Frame) error {
		got = frame
		cancel()
		return nil
	}, WithClock(func() time.Time { return fixed }))

	if err := m.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	at, err := got.Time()
	if err != nil {
		t.Fatalf("timestamp: %v", err)
	}
	if !at.Equal(fixed) {
		t.Fatalf("timestamp = %v, want %v", at, fixed)
	}
}
