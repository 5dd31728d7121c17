package core

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"roomchat/internal/auth"
	"roomchat/internal/protocol"
)

// Session represents one live, authenticated transport session.
type Session struct {
	ID       string
	Identity auth.Identity
	Send     chan protocol.Event

	closeOnce sync.Once

	mu    sync.Mutex
	rooms map[string]struct{}
}

// Rooms returns the room ids this session is subscribed to, sorted.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.Send) })
}

// Registry is the process-wide identity → session table together with the
// per-room subscriber sets. It is built fresh on process start; nothing in it
// is durable.
//
// Policy: one live session per identity. Registering an identity that already
// has a session evicts the older one: it is unsubscribed from every room, told
// why, and its send channel is closed so its transport shuts down.
type Registry struct {
	mu         sync.RWMutex
	byIdentity map[string]*Session
	nextID     atomic.Uint64

	// rooms only holds rooms with at least one subscriber.
	roomsMu sync.RWMutex
	rooms   map[string]map[*Session]struct{}

	delivered atomic.Uint64
	dropped   atomic.Uint64
	slow      atomic.Uint64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byIdentity: make(map[string]*Session),
		rooms:      make(map[string]map[*Session]struct{}),
	}
}

// Register creates a session for identity and maps it, replacing any previous
// session for the same identity. The displaced session, if any, is returned
// after it has been evicted.
func (r *Registry) Register(identity auth.Identity, sendBuf int) (*Session, *Session, error) {
	if strings.TrimSpace(identity.ID) == "" {
		return nil, nil, fmt.Errorf("identity id is required")
	}
	if sendBuf <= 0 {
		sendBuf = 64
	}

	s := &Session{
		ID:       fmt.Sprintf("c%d", r.nextID.Add(1)),
		Identity: identity,
		Send:     make(chan protocol.Event, sendBuf),
		rooms:    make(map[string]struct{}),
	}

	r.mu.Lock()
	prev := r.byIdentity[identity.ID]
	r.byIdentity[identity.ID] = s
	count := len(r.byIdentity)
	r.mu.Unlock()

	if prev != nil {
		r.evict(prev)
	}
	slog.Info("session registered", "session_id", s.ID, "user_id", identity.ID, "username", identity.Username, "replaced", prev != nil, "total_sessions", count)
	return s, prev, nil
}

func (r *Registry) evict(s *Session) {
	r.detach(s)
	if ev, err := protocol.NewEvent(protocol.TypeError, protocol.ErrorPayload{
		Message: "session replaced by a newer connection",
		Kind:    "authentication",
	}); err == nil {
		trySend(s.Send, ev)
	}
	s.close()
	slog.Info("session evicted", "session_id", s.ID, "user_id", s.Identity.ID)
}

// Unregister tears a session down: it leaves every room and its send channel
// is closed. The identity mapping is removed only if it still points at s, so
// a displaced session disconnecting late never unmaps its replacement.
func (r *Registry) Unregister(s *Session) bool {
	if s == nil {
		return false
	}
	r.mu.Lock()
	current := r.byIdentity[s.Identity.ID] == s
	if current {
		delete(r.byIdentity, s.Identity.ID)
	}
	remaining := len(r.byIdentity)
	r.mu.Unlock()

	r.detach(s)
	s.close()

	slog.Info("session removed", "session_id", s.ID, "user_id", s.Identity.ID, "was_current", current, "remaining_sessions", remaining)
	return current
}

// Lookup returns the current session for an identity.
func (r *Registry) Lookup(identityID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byIdentity[identityID]
	return s, ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity)
}

// RoomCount returns the number of rooms with at least one subscriber.
func (r *Registry) RoomCount() int {
	r.roomsMu.RLock()
	defer r.roomsMu.RUnlock()
	return len(r.rooms)
}

// Subscribe adds s to roomID's subscriber set. It reports whether s was newly
// added.
func (r *Registry) Subscribe(roomID string, s *Session) bool {
	r.roomsMu.Lock()
	subs, ok := r.rooms[roomID]
	if !ok {
		subs = make(map[*Session]struct{})
		r.rooms[roomID] = subs
	}
	_, existed := subs[s]
	subs[s] = struct{}{}
	total := len(subs)
	r.roomsMu.Unlock()

	s.mu.Lock()
	s.rooms[roomID] = struct{}{}
	s.mu.Unlock()

	slog.Debug("room subscribed", "room_id", roomID, "session_id", s.ID, "new", !existed, "subscribers", total)
	return !existed
}

// Unsubscribe removes s from roomID's subscriber set. It is idempotent, and
// the room is forgotten once its last subscriber leaves.
func (r *Registry) Unsubscribe(roomID string, s *Session) bool {
	r.roomsMu.Lock()
	subs, existed := r.rooms[roomID]
	if existed {
		_, existed = subs[s]
		delete(subs, s)
		if len(subs) == 0 {
			delete(r.rooms, roomID)
		}
	}
	r.roomsMu.Unlock()

	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()

	if existed {
		slog.Debug("room unsubscribed", "room_id", roomID, "session_id", s.ID)
	}
	return existed
}

// IsSubscribed reports whether s currently listens to roomID.
func (r *Registry) IsSubscribed(roomID string, s *Session) bool {
	r.roomsMu.RLock()
	defer r.roomsMu.RUnlock()
	_, ok := r.rooms[roomID][s]
	return ok
}

// Subscribers returns the sessions subscribed to roomID at call time.
func (r *Registry) Subscribers(roomID string) []*Session {
	r.roomsMu.RLock()
	defer r.roomsMu.RUnlock()
	subs := r.rooms[roomID]
	out := make([]*Session, 0, len(subs))
	for s := range subs {
		out = append(out, s)
	}
	return out
}

func (r *Registry) detach(s *Session) {
	for _, roomID := range s.Rooms() {
		r.Unsubscribe(roomID, s)
	}
}

// BroadcastToRoom sends ev to every session subscribed to roomID except
// except (which may be nil). It never blocks: a session whose send buffer is
// full is dropped from the registry so its transport closes. It returns the
// number of sessions reached.
func (r *Registry) BroadcastToRoom(roomID string, ev protocol.Event, except *Session) int {
	targets := r.Subscribers(roomID)

	sent := 0
	for _, s := range targets {
		if s == except {
			continue
		}
		if trySend(s.Send, ev) {
			sent++
			r.delivered.Add(1)
			continue
		}
		r.dropped.Add(1)
		r.dropSlow(s, ev.Type)
	}
	slog.Debug("broadcast_to_room", "type", ev.Type, "room_id", roomID, "recipients", sent, "total", len(targets))
	return sent
}

func (r *Registry) dropSlow(s *Session, eventType string) {
	r.slow.Add(1)
	slog.Warn("dropping slow session", "session_id", s.ID, "user_id", s.Identity.ID, "type", eventType, "buffered", len(s.Send))
	r.Unregister(s)
}

// SendTo sends one event to one session without blocking.
func (r *Registry) SendTo(s *Session, ev protocol.Event) bool {
	if s == nil {
		return false
	}
	return trySend(s.Send, ev)
}

// Totals returns cumulative fan-out counters and the live session count.
func (r *Registry) Totals() (delivered, dropped uint64, sessions int) {
	return r.delivered.Load(), r.dropped.Load(), r.Count()
}

// SlowDrops returns how many sessions were dropped for a full send buffer.
func (r *Registry) SlowDrops() uint64 {
	return r.slow.Load()
}

// trySend reports false when ch is full or already closed.
func trySend(ch chan protocol.Event, ev protocol.Event) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	select {
	case ch <- ev:
		return true
	default:
		return false
	}
}
