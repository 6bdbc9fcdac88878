package client

import (
	"context"
	"crypto/rand"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/louisbranch/termchat/internal/services/chat/cipher"
	"github.com/louisbranch/termchat/internal/services/chat/protocol"
)

var errTransportLost = errors.New("transport lost")

type fakeTransport struct {
	inbound chan protocol.Frame
	closed  chan struct{}

	mu        sync.Mutex
	sent      []protocol.Frame
	sendErr   error
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan protocol.Frame, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) Send(_ context.Context, frame protocol.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	select {
	case <-f.closed:
		return errTransportLost
	default:
	}
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeTransport) Receive() (protocol.Frame, error) {
	select {
	case frame := <-f.inbound:
		return frame, nil
	case <-f.closed:
		return protocol.Frame{}, errTransportLost
	}
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) sentFrames() []protocol.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Frame(nil), f.sent...)
}

// gatedTransport holds its first Send until release is closed.
type gatedTransport struct {
	*fakeTransport
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedTransport() *gatedTransport {
	return &gatedTransport{
		fakeTransport: newFakeTransport(),
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
}

func (g *gatedTransport) Send(ctx context.Context, frame protocol.Frame) error {
	first := false
	g.once.Do(func() {
		first = true
		close(g.entered)
	})
	if first {
		<-g.release
	}
	return g.fakeTransport.Send(ctx, frame)
}

// scriptedDialer hands out results in order and repeats the last one.
type scriptedDialer struct {
	mu      sync.Mutex
	results []dialResult
	calls   int
}

type dialResult struct {
	transport Transport
	err       error
}

func (d *scriptedDialer) Dial(context.Context) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := d.calls
	if idx >= len(d.results) {
		idx = len(d.results) - 1
	}
	d.calls++
	r := d.results[idx]
	return r.transport, r.err
}

func (d *scriptedDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// statusLog records statuses and signals when want shows up.
type statusLog struct {
	mu      sync.Mutex
	seen    []Status
	waiters map[Status]chan struct{}
}

func watchStatuses(s *Session, wait ...Status) *statusLog {
	log := &statusLog{waiters: make(map[Status]chan struct{})}
	for _, status := range wait {
		log.waiters[status] = make(chan struct{})
	}
	s.OnStatus(func(status Status) {
		log.mu.Lock()
		defer log.mu.Unlock()
		log.seen = append(log.seen, status)
		if ch, ok := log.waiters[status]; ok {
			close(ch)
			delete(log.waiters, status)
		}
	})
	return log
}

func (l *statusLog) wait(t *testing.T, status Status) {
	t.Helper()
	l.mu.Lock()
	ch, ok := l.waiters[status]
	l.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("status %q never emitted; saw %v", status, l.statuses())
	}
}

func (l *statusLog) statuses() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Status(nil), l.seen...)
}

// recordingSleep returns immediately and records each requested wait.
type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	default:
		return true
	}
}

func (r *recordingSleep) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func runSession(ctx context.Context, s *Session) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return")
		return nil
	}
}

func TestSendMessageRejectsBlank(t *testing.T) {
	s := NewSession(&scriptedDialer{}, Config{})
	if err := s.SendMessage(context.Background(), "  \n"); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("err = %v, want %v", err, ErrEmptyMessage)
	}
}

func TestOfflineSendsAreQueuedAndFlushedInOrder(t *testing.T) {
	transport := newFakeTransport()
	s := NewSession(&scriptedDialer{results: []dialResult{{transport: transport}}}, Config{})
	statuses := watchStatuses(s)

	for _, text := range []string{"one", "two"} {
		if err := s.SendMessage(context.Background(), text); err != nil {
			t.Fatalf("queue %q: %v", text, err)
		}
	}
	if s.QueuedMessages() != 2 {
		t.Fatalf("queued = %d, want 2", s.QueuedMessages())
	}
	if got := statuses.statuses(); len(got) != 2 || got[0] != StatusOfflineQueued {
		t.Fatalf("statuses = %v, want two offline_queued", got)
	}

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	sent := transport.sentFrames()
	if len(sent) != 2 || sent[0].Content != "one" || sent[1].Content != "two" {
		t.Fatalf("sent = %+v, want one then two", sent)
	}
	if s.QueuedMessages() != 0 {
		t.Fatalf("queued = %d after flush, want 0", s.QueuedMessages())
	}
}

func TestSendDuringFlushKeepsQueueOrder(t *testing.T) {
	transport := newGatedTransport()
	s := NewSession(&scriptedDialer{results: []dialResult{{transport: transport}}}, Config{})
	for _, text := range []string{"q1", "q2"} {
		if err := s.SendMessage(context.Background(), text); err != nil {
			t.Fatalf("queue %q: %v", text, err)
		}
	}
	statuses := watchStatuses(s)

	connected := make(chan error, 1)
	go func() { connected <- s.Connect(context.Background()) }()
	<-transport.entered

	if err := s.SendMessage(context.Background(), "live"); err != nil {
		t.Fatalf("send during flush: %v", err)
	}
	close(transport.release)
	select {
	case err := <-connected:
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not return")
	}

	sent := transport.sentFrames()
	want := []string{"q1", "q2", "live"}
	if len(sent) != len(want) {
		t.Fatalf("sent = %+v, want %v", sent, want)
	}
	for i := range want {
		if sent[i].Content != want[i] {
			t.Fatalf("sent = %+v, want %v", sent, want)
		}
	}
	if s.QueuedMessages() != 0 {
		t.Fatalf("queued = %d, want 0", s.QueuedMessages())
	}
	for _, status := range statuses.statuses() {
		if status == StatusOfflineQueued {
			t.Fatalf("statuses = %v, want no offline notice while flushing", statuses.statuses())
		}
	}
}

func TestSendAfterFlushGoesDirect(t *testing.T) {
	transport := newFakeTransport()
	s := NewSession(&scriptedDialer{results: []dialResult{{transport: transport}}}, Config{})
	_ = s.SendMessage(context.Background(), "queued")
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.SendMessage(context.Background(), "direct"); err != nil {
		t.Fatalf("send: %v", err)
	}
	sent := transport.sentFrames()
	if len(sent) != 2 || sent[0].Content != "queued" || sent[1].Content != "direct" {
		t.Fatalf("sent = %+v, want queued then direct", sent)
	}
}

func TestOutboxOverflowReturnsErrOutboxFull(t *testing.T) {
	s := NewSession(&scriptedDialer{}, Config{OutboxSize: 2})
	statuses := watchStatuses(s)

	_ = s.SendMessage(context.Background(), "a")
	_ = s.SendMessage(context.Background(), "b")
	if err := s.SendMessage(context.Background(), "c"); !errors.Is(err, ErrOutboxFull) {
		t.Fatalf("err = %v, want %v", err, ErrOutboxFull)
	}
	if got := statuses.statuses(); len(got) != 2 {
		t.Fatalf("statuses = %v, want only the two queued notices", got)
	}
}

func TestFailedSendFallsBackToOutbox(t *testing.T) {
	transport := newFakeTransport()
	transport.sendErr = errTransportLost
	s := NewSession(&scriptedDialer{results: []dialResult{{transport: transport}}}, Config{})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.SendMessage(context.Background(), "later"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if s.QueuedMessages() != 1 {
		t.Fatalf("queued = %d, want 1", s.QueuedMessages())
	}
}

func TestConnectReturnsDialErrorWithoutRetry(t *testing.T) {
	dialer := &scriptedDialer{results: []dialResult{{err: ErrAuthentication}}}
	s := NewSession(dialer, Config{})
	statuses := watchStatuses(s)

	if err := s.Connect(context.Background()); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("err = %v, want %v", err, ErrAuthentication)
	}
	if dialer.dialCount() != 1 {
		t.Fatalf("dials = %d, want 1", dialer.dialCount())
	}
	if got := statuses.statuses(); len(got) != 2 || got[0] != StatusConnecting || got[1] != StatusDisconnected {
		t.Fatalf("statuses = %v", got)
	}
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("run before connect = %v, want nil for a stopped session", err)
	}
}

func TestRunAnswersPingsAndDeliversFrames(t *testing.T) {
	transport := newFakeTransport()
	s := NewSession(&scriptedDialer{results: []dialResult{{transport: transport}}}, Config{})

	frames := make(chan protocol.Frame, 4)
	sub := s.OnMessage(func(frame protocol.Frame) { frames <- frame })
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	done := runSession(context.Background(), s)

	transport.inbound <- protocol.Ping(time.Now())
	transport.inbound <- protocol.Frame{Type: protocol.TypeMessage, Content: "hi", Username: "bob"}

	select {
	case frame := <-frames:
		if frame.Type != protocol.TypeMessage || frame.Content != "hi" {
			t.Fatalf("frame = %+v, want message", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
	sent := transport.sentFrames()
	if len(sent) != 1 || sent[0].Type != protocol.TypePong {
		t.Fatalf("sent = %+v, want a single pong", sent)
	}

	sub.Unsubscribe()
	sub.Unsubscribe()
	transport.inbound <- protocol.Frame{Type: protocol.TypeUserLeft, Username: "bob"}

	if err := s.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := waitRun(t, done); err != nil {
		t.Fatalf("run = %v, want nil after disconnect", err)
	}
	select {
	case frame := <-frames:
		if frame.Type == protocol.TypeUserLeft {
			t.Fatalf("frame delivered after unsubscribe: %+v", frame)
		}
	default:
	}
}

func TestRunReconnectsWithBackoffAndFlushes(t *testing.T) {
	first := newFakeTransport()
	second := newFakeTransport()
	dialFailure := errors.New("connection refused")
	dialer := &scriptedDialer{results: []dialResult{
		{transport: first},
		{err: dialFailure},
		{err: dialFailure},
		{transport: second},
	}}
	sleeper := &recordingSleep{}
	s := NewSession(dialer, Config{Sleep: sleeper.sleep})
	statuses := watchStatuses(s, StatusReconnected)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	done := runSession(context.Background(), s)

	first.mu.Lock()
	first.sendErr = errTransportLost
	first.mu.Unlock()
	if err := s.SendMessage(context.Background(), "while down"); err != nil {
		t.Fatalf("send: %v", err)
	}
	_ = first.Close()

	statuses.wait(t, StatusReconnected)

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	got := sleeper.recorded()
	if len(got) != len(want) {
		t.Fatalf("waits = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("waits = %v, want %v", got, want)
		}
	}

	sent := second.sentFrames()
	if len(sent) != 1 || sent[0].Content != "while down" {
		t.Fatalf("flushed = %+v, want queued message", sent)
	}

	seen := statuses.statuses()
	order := []Status{StatusConnecting, StatusConnected, StatusOfflineQueued, StatusConnectionLost, StatusReconnecting, StatusReconnected}
	if len(seen) != len(order) {
		t.Fatalf("statuses = %v, want %v", seen, order)
	}
	for i := range order {
		if seen[i] != order[i] {
			t.Fatalf("statuses = %v, want %v", seen, order)
		}
	}

	s.mu.Lock()
	delay := s.reconnect.Delay()
	s.mu.Unlock()
	if delay != time.Second {
		t.Fatalf("delay after reconnect = %s, want 1s", delay)
	}

	if err := s.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := waitRun(t, done); err != nil {
		t.Fatalf("run = %v, want nil", err)
	}
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	first := newFakeTransport()
	dialer := &scriptedDialer{results: []dialResult{{transport: first}, {transport: newFakeTransport()}}}
	s := NewSession(dialer, Config{MinDelay: time.Hour, MaxDelay: time.Hour})
	statuses := watchStatuses(s, StatusReconnecting)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	done := runSession(context.Background(), s)

	_ = first.Close()
	statuses.wait(t, StatusReconnecting)

	if err := s.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := waitRun(t, done); err != nil {
		t.Fatalf("run = %v, want nil", err)
	}
	if dialer.dialCount() != 1 {
		t.Fatalf("dials = %d, want no reconnect attempt", dialer.dialCount())
	}
	if s.Connected() {
		t.Fatal("session still connected after disconnect")
	}
}

func TestRunStopsOnAuthenticationFailure(t *testing.T) {
	first := newFakeTransport()
	dialer := &scriptedDialer{results: []dialResult{{transport: first}, {err: ErrAuthentication}}}
	sleeper := &recordingSleep{}
	s := NewSession(dialer, Config{Sleep: sleeper.sleep})

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	done := runSession(context.Background(), s)
	_ = first.Close()

	if err := waitRun(t, done); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("run = %v, want %v", err, ErrAuthentication)
	}
	if dialer.dialCount() != 2 {
		t.Fatalf("dials = %d, want 2", dialer.dialCount())
	}
}

func TestRunStopsWhenServerRefusesToken(t *testing.T) {
	var upgrades atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") != "" {
			upgrades.Add(1)
		}
		http.Error(w, "authentication required", http.StatusUnauthorized)
	}))
	defer srv.Close()

	first := newFakeTransport()
	refused := WebSocketDialer{ServerURL: srv.URL, Token: "expired"}
	var dials atomic.Int32
	dialer := DialerFunc(func(ctx context.Context) (Transport, error) {
		if dials.Add(1) == 1 {
			return first, nil
		}
		return refused.Dial(ctx)
	})
	sleeper := &recordingSleep{}
	s := NewSession(dialer, Config{Sleep: sleeper.sleep})

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	done := runSession(context.Background(), s)
	_ = first.Close()

	if err := waitRun(t, done); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("run = %v, want %v", err, ErrAuthentication)
	}
	if got := upgrades.Load(); got != 1 {
		t.Fatalf("handshakes = %d, want 1", got)
	}
	if got := len(sleeper.recorded()); got != 1 {
		t.Fatalf("waits = %d, want a single backoff before the refused attempt", got)
	}
}

func TestRunReturnsContextErrorOnCancel(t *testing.T) {
	transport := newFakeTransport()
	s := NewSession(&scriptedDialer{results: []dialResult{{transport: transport}}}, Config{})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := runSession(ctx, s)
	cancel()

	if err := waitRun(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("run = %v, want %v", err, context.Canceled)
	}
}

func TestTransformSealsOutgoingAndOpensIncoming(t *testing.T) {
	key, err := cipher.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	box, err := cipher.New(key)
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}

	transport := newFakeTransport()
	s := NewSession(&scriptedDialer{results: []dialResult{{transport: transport}}}, Config{Transform: box})
	frames := make(chan protocol.Frame, 2)
	s.OnMessage(func(frame protocol.Frame) { frames <- frame })
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := s.SendMessage(context.Background(), "secret"); err != nil {
		t.Fatalf("send: %v", err)
	}
	sent := transport.sentFrames()
	if len(sent) != 1 || sent[0].Content == "secret" {
		t.Fatalf("sent = %+v, want sealed content", sent)
	}

	done := runSession(context.Background(), s)
	transport.inbound <- protocol.Frame{Type: protocol.TypeMessage, Content: sent[0].Content}
	transport.inbound <- protocol.Frame{Type: protocol.TypeMessage, Content: "not sealed"}

	for _, want := range []string{"secret", "[unreadable message]"} {
		select {
		case frame := <-frames:
			if frame.Content != want {
				t.Fatalf("content = %q, want %q", frame.Content, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("message not delivered")
		}
	}
	_ = s.Disconnect()
	_ = waitRun(t, done)
}

func TestCallbacksMayReenterSession(t *testing.T) {
	s := NewSession(&scriptedDialer{}, Config{OutboxSize: 2})
	var got []Status
	depth := 0
	s.OnStatus(func(status Status) {
		depth++
		defer func() { depth-- }()
		if depth > 1 {
			t.Errorf("callback re-entered for %q", status)
		}
		got = append(got, status)
		if len(got) == 1 {
			if err := s.SendMessage(context.Background(), "again"); err != nil {
				t.Errorf("nested send: %v", err)
			}
			if len(got) != 1 {
				t.Errorf("nested status delivered before the callback returned")
			}
		}
	})
	if err := s.SendMessage(context.Background(), "first"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(got) != 2 || s.QueuedMessages() != 2 {
		t.Fatalf("statuses = %v queued = %d, want two of each", got, s.QueuedMessages())
	}
}
