package client

import "sync"

// Status is a connection lifecycle notice for the presentation layer.
type Status string

const (
	StatusConnecting     Status = "connecting"
	StatusConnected      Status = "connected"
	StatusDisconnected   Status = "disconnected"
	StatusConnectionLost Status = "connection_lost"
	StatusReconnecting   Status = "reconnecting"
	StatusReconnected    Status = "reconnected"
	StatusOfflineQueued  Status = "offline_queued"
)

// Subscription detaches a callback registered with OnMessage or OnStatus.
type Subscription struct {
	once   sync.Once
	detach func()
}

// Unsubscribe stops further deliveries. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.detach)
}

type listeners[T any] struct {
	mu     sync.Mutex
	nextID int
	funcs  map[int]func(T)
}

func (l *listeners[T]) add(fn func(T)) *Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.funcs == nil {
		l.funcs = make(map[int]func(T))
	}
	id := l.nextID
	l.nextID++
	l.funcs[id] = fn
	return &Subscription{detach: func() {
		l.mu.Lock()
		delete(l.funcs, id)
		l.mu.Unlock()
	}}
}

func (l *listeners[T]) snapshot() []func(T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]func(T), 0, len(l.funcs))
	for id := 0; id < l.nextID; id++ {
		if fn, ok := l.funcs[id]; ok {
			out = append(out, fn)
		}
	}
	return out
}

// dispatcher runs callbacks one at a time. A callback that triggers another
// event (for example by calling SendMessage) queues it instead of
// re-entering, so delivery never deadlocks.
type dispatcher struct {
	mu       sync.Mutex
	queue    []func()
	draining bool
}

func (d *dispatcher) dispatch(calls ...func()) {
	d.mu.Lock()
	d.queue = append(d.queue, calls...)
	if d.draining {
		d.mu.Unlock()
		return
	}
	d.draining = true
	for len(d.queue) > 0 {
		next := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()
		next()
		d.mu.Lock()
	}
	d.draining = false
	d.mu.Unlock()
}
