package cache

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"roomchat/internal/protocol"
)

// Cache is a client-side, per-room message buffer that merges fetched
// history with streamed events. Entries are keyed by message id; a newer
// arrival for an id replaces the cached one.
type Cache struct {
	mu    sync.Mutex
	rooms map[string]*roomBuffer
	now   func() time.Time
}

type roomBuffer struct {
	byID     map[string]protocol.MessageRecord
	cachedAt time.Time
}

// Snapshot is the persisted form of one room's buffer.
type Snapshot struct {
	RoomID   string                   `json:"room_id"`
	CachedAt time.Time                `json:"cached_at"`
	Messages []protocol.MessageRecord `json:"messages"`
}

// New returns an empty cache.
func New(now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{rooms: make(map[string]*roomBuffer), now: now}
}

func (c *Cache) room(roomID string) *roomBuffer {
	rb, ok := c.rooms[roomID]
	if !ok {
		rb = &roomBuffer{byID: make(map[string]protocol.MessageRecord)}
		c.rooms[roomID] = rb
	}
	return rb
}

// Merge folds a fetched page into roomID's buffer and stamps the buffer as
// freshly fetched.
func (c *Cache) Merge(roomID string, msgs []protocol.MessageRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rb := c.room(roomID)
	for _, m := range msgs {
		rb.byID[m.ID] = m
	}
	rb.cachedAt = c.now()
}

// Apply folds one stream event into the cache. Events that do not touch
// messages are ignored.
func (c *Cache) Apply(ev protocol.Event) error {
	switch ev.Type {
	case protocol.TypeMessage, protocol.TypeMessageEdited, protocol.TypeMessageReacted:
		var rec protocol.MessageRecord
		if err := json.Unmarshal(ev.Payload, &rec); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		c.upsert(rec)
	case protocol.TypeMessageDeleted:
		var p protocol.DeletedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", ev.Type, err)
		}
		c.evict(p.RoomID, p.ID)
	}
	return nil
}

func (c *Cache) upsert(rec protocol.MessageRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.room(rec.RoomID).byID[rec.ID] = rec
}

// evict drops a message. Without a room id every room is scanned.
func (c *Cache) evict(roomID, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if roomID != "" {
		if rb, ok := c.rooms[roomID]; ok {
			delete(rb.byID, id)
		}
		return
	}
	for _, rb := range c.rooms {
		delete(rb.byID, id)
	}
}

// Messages returns every cached message for roomID ordered by creation time,
// ties broken by id.
func (c *Cache) Messages(roomID string) []protocol.MessageRecord {
	c.mu.Lock()
	rb, ok := c.rooms[roomID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	out := make([]protocol.MessageRecord, 0, len(rb.byID))
	for _, m := range rb.byID {
		out = append(out, m)
	}
	c.mu.Unlock()

	sortMessages(out)
	return out
}

// Visible returns the messages to render now: not deleted or expired, and
// not past their expiry regardless of what the server last said.
func (c *Cache) Visible(roomID string) []protocol.MessageRecord {
	now := c.now()
	all := c.Messages(roomID)
	out := all[:0]
	for _, m := range all {
		if m.State == protocol.StateDeleted || m.State == protocol.StateExpired || m.Expired(now) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// CachedAt reports when roomID was last fetched or restored.
func (c *Cache) CachedAt(roomID string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rb, ok := c.rooms[roomID]
	if !ok || rb.cachedAt.IsZero() {
		return time.Time{}, false
	}
	return rb.cachedAt, true
}

// Snapshot captures roomID's buffer for persistence.
func (c *Cache) Snapshot(roomID string) Snapshot {
	at, _ := c.CachedAt(roomID)
	return Snapshot{RoomID: roomID, CachedAt: at, Messages: c.Messages(roomID)}
}

// Restore replaces roomID's buffer with a persisted snapshot.
func (c *Cache) Restore(s Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rb := &roomBuffer{byID: make(map[string]protocol.MessageRecord, len(s.Messages)), cachedAt: s.CachedAt}
	for _, m := range s.Messages {
		rb.byID[m.ID] = m
	}
	c.rooms[s.RoomID] = rb
}

// Forget drops roomID entirely.
func (c *Cache) Forget(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, roomID)
}

func sortMessages(msgs []protocol.MessageRecord) {
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
}
