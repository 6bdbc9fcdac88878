// Package registry tracks the live connection of every identity and fans
// frames out to them.
//
// The registry holds one mutex that guards the identity map only. Network
// writes always happen on a snapshot taken under the lock, so a slow or dead
// peer never blocks registration or delivery to other peers.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/louisbranch/termchat/internal/platform/errors"
	"github.com/louisbranch/termchat/internal/platform/telemetry/metrics"
	"github.com/louisbranch/termchat/internal/services/chat/domain"
	"github.com/louisbranch/termchat/internal/services/chat/protocol"
)

// ErrNotConnected is returned by SendTo when the identity has no live handle.
var ErrNotConnected = apperrors.New(apperrors.CodeNotConnected, "identity is not connected")

// Handle is one live transport connection.
//
// Send must be safe for concurrent use; the registry, heartbeat and the
// connection's own replies may all write to the same handle.
type Handle interface {
	ID() string
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// Member is one registered identity and the room it joined.
type Member struct {
	Identity domain.Identity
	Room     string
	HandleID string
	Since    time.Time
}

// Delivery summarises one fan-out.
type Delivery struct {
	Delivered int
	Failed    int
}

type entry struct {
	identity domain.Identity
	room     string
	handle   Handle
	since    time.Time
}

// Registry maps identities to their current handle.
type Registry struct {
	mu      sync.Mutex
	entries map[int64]entry
	now     func() time.Time
	// publish receives per-room counts with mu held, so the gauge follows
	// the order of registry changes.
	publish func(room string, count int)
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the registration clock.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithCountPublisher replaces the active connection gauge update.
func WithCountPublisher(publish func(room string, count int)) Option {
	return func(r *Registry) {
		if publish != nil {
			r.publish = publish
		}
	}
}

// New returns an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[int64]entry),
		now:     time.Now,
		publish: metrics.SetActiveConnections,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register maps identity to handle in room. A handle already registered for
// the identity is superseded: it is removed from the map and closed after the
// lock is released. Registering the same handle again only updates the room.
func (r *Registry) Register(identity domain.Identity, room string, handle Handle) error {
	if !identity.Valid() {
		return apperrors.New(apperrors.CodeInvalidArgument, "identity is required")
	}
	if handle == nil {
		return apperrors.New(apperrors.CodeInvalidArgument, "handle is required")
	}
	room, err := domain.NormalizeRoom(room)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeValidation, "register", err)
	}

	r.mu.Lock()
	previous, existed := r.entries[identity.ID]
	r.entries[identity.ID] = entry{
		identity: identity,
		room:     room,
		handle:   handle,
		since:    r.now(),
	}
	r.publishLocked(r.roomCountsLocked(room, previous.room))
	r.mu.Unlock()

	if existed && previous.handle.ID() != handle.ID() {
		metrics.RecordSessionEvent("superseded")
		log.Printf("chat: superseding connection user_id=%d old=%q new=%q", identity.ID, previous.handle.ID(), handle.ID())
		if err := previous.handle.Close(); err != nil {
			log.Printf("chat: close superseded connection user_id=%d conn=%q err=%v", identity.ID, previous.handle.ID(), err)
		}
	}
	return nil
}

// Deregister removes identity. Absent identities are ignored.
func (r *Registry) Deregister(identityID int64) bool {
	r.mu.Lock()
	previous, ok := r.entries[identityID]
	if ok {
		delete(r.entries, identityID)
	}
	if ok {
		r.publishLocked(r.roomCountsLocked(previous.room))
	}
	r.mu.Unlock()
	return ok
}

// DeregisterHandle removes identity only while handle is still its current
// connection. A superseded connection tearing down cannot evict its
// replacement.
func (r *Registry) DeregisterHandle(identityID int64, handle Handle) bool {
	if handle == nil {
		return false
	}
	r.mu.Lock()
	current, ok := r.entries[identityID]
	if !ok || current.handle.ID() != handle.ID() {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, identityID)
	r.publishLocked(r.roomCountsLocked(current.room))
	r.mu.Unlock()
	return true
}

// SendTo delivers frame to one identity. It returns ErrNotConnected when the
// identity has no handle and a transport error when the write fails; the
// mapping is left in place either way.
func (r *Registry) SendTo(ctx context.Context, identityID int64, frame protocol.Frame) error {
	payload, err := protocol.Encode(frame)
	if err != nil {
		return err
	}

	r.mu.Lock()
	current, ok := r.entries[identityID]
	r.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}

	if err := current.handle.Send(ctx, payload); err != nil {
		metrics.RecordDelivery(string(frame.Type), false)
		return apperrors.Wrap(apperrors.CodeTransport, fmt.Sprintf("send %s to user %d", frame.Type, identityID), err)
	}
	metrics.RecordDelivery(string(frame.Type), true)
	return nil
}

// Broadcast delivers frame to every member of room except exclude (0 excludes
// nobody). An empty room targets every registered identity. Each peer is
// written independently; failures are logged and counted and never stop
// delivery to the rest.
func (r *Registry) Broadcast(ctx context.Context, room string, frame protocol.Frame, exclude int64) (Delivery, error) {
	payload, err := protocol.Encode(frame)
	if err != nil {
		return Delivery{}, err
	}

	r.mu.Lock()
	targets := make([]entry, 0, len(r.entries))
	for id, e := range r.entries {
		if exclude != 0 && id == exclude {
			continue
		}
		if room != "" && e.room != room {
			continue
		}
		targets = append(targets, e)
	}
	r.mu.Unlock()

	var delivered, failed atomic.Int64
	var wg sync.WaitGroup
	for _, target := range targets {
		wg.Add(1)
		go func(target entry) {
			defer wg.Done()
			if err := target.handle.Send(ctx, payload); err != nil {
				failed.Add(1)
				metrics.RecordDelivery(string(frame.Type), false)
				if !errors.Is(err, context.Canceled) {
					log.Printf("chat: broadcast %s to user_id=%d conn=%q failed: %v", frame.Type, target.identity.ID, target.handle.ID(), err)
				}
				return
			}
			delivered.Add(1)
			metrics.RecordDelivery(string(frame.Type), true)
		}(target)
	}
	wg.Wait()

	return Delivery{Delivered: int(delivered.Load()), Failed: int(failed.Load())}, nil
}

// ActiveIdentities returns the members of room ordered by display name, then
// id. An empty room lists everyone. The slice is a copy.
func (r *Registry) ActiveIdentities(room string) []domain.Identity {
	r.mu.Lock()
	out := make([]domain.Identity, 0, len(r.entries))
	for _, e := range r.entries {
		if room != "" && e.room != room {
			continue
		}
		out = append(out, e.identity)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		left, right := strings.ToLower(out[i].DisplayName), strings.ToLower(out[j].DisplayName)
		if left != right {
			return left < right
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Members returns a snapshot of every registration, ordered by id.
func (r *Registry) Members() []Member {
	r.mu.Lock()
	out := make([]Member, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Member{
			Identity: e.identity,
			Room:     e.room,
			HandleID: e.handle.ID(),
			Since:    e.since,
		})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Identity.ID < out[j].Identity.ID })
	return out
}

// Lookup reports the room and handle id registered for identity.
func (r *Registry) Lookup(identityID int64) (Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[identityID]
	if !ok {
		return Member{}, false
	}
	return Member{Identity: e.identity, Room: e.room, HandleID: e.handle.ID(), Since: e.since}, true
}

// Count returns the number of members in room, or everyone when room is empty.
func (r *Registry) Count(room string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if room == "" {
		return len(r.entries)
	}
	n := 0
	for _, e := range r.entries {
		if e.room == room {
			n++
		}
	}
	return n
}

// CloseAll closes every registered handle and empties the registry.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	handles := make([]Handle, 0, len(r.entries))
	rooms := make(map[string]int)
	for id, e := range r.entries {
		handles = append(handles, e.handle)
		rooms[e.room] = 0
		delete(r.entries, id)
	}
	r.publishLocked(rooms)
	r.mu.Unlock()

	for _, handle := range handles {
		_ = handle.Close()
	}
}

func (r *Registry) roomCountsLocked(rooms ...string) map[string]int {
	counts := make(map[string]int, len(rooms))
	for _, room := range rooms {
		if room != "" {
			counts[room] = 0
		}
	}
	for _, e := range r.entries {
		if _, ok := counts[e.room]; ok {
			counts[e.room]++
		}
	}
	return counts
}

func (r *Registry) publishLocked(counts map[string]int) {
	for room, count := range counts {
		r.publish(room, count)
	}
}
