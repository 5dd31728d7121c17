package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"roomchat/internal/protocol"

	_ "modernc.org/sqlite"
)

// SnapshotStore persists room snapshots across client restarts.
type SnapshotStore interface {
	Save(ctx context.Context, s Snapshot) error
	Load(ctx context.Context, roomID string) (Snapshot, bool, error)
}

// SQLiteSnapshots keeps one JSON snapshot row per room in a local SQLite file.
type SQLiteSnapshots struct {
	db *sql.DB
}

// OpenSnapshots opens (or creates) the snapshot database at path.
func OpenSnapshots(path string) (*SQLiteSnapshots, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("snapshot path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open snapshot database: %w", err)
	}
	db.SetMaxOpenConns(1)

	const schema = `
CREATE TABLE IF NOT EXISTS room_snapshots (
	room_id TEXT PRIMARY KEY,
	cached_at_unix_ms INTEGER NOT NULL,
	messages_json TEXT NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate snapshot database: %w", err)
	}
	return &SQLiteSnapshots{db: db}, nil
}

// Close closes the database.
func (s *SQLiteSnapshots) Close() error {
	return s.db.Close()
}

// Save upserts one room snapshot.
func (s *SQLiteSnapshots) Save(ctx context.Context, snap Snapshot) error {
	raw, err := json.Marshal(snap.Messages)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	const q = `
INSERT INTO room_snapshots (room_id, cached_at_unix_ms, messages_json)
VALUES (?, ?, ?)
ON CONFLICT(room_id) DO UPDATE SET
	cached_at_unix_ms = excluded.cached_at_unix_ms,
	messages_json = excluded.messages_json
`
	if _, err := s.db.ExecContext(ctx, q, snap.RoomID, snap.CachedAt.UnixMilli(), string(raw)); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Load reads a room snapshot if one was saved.
func (s *SQLiteSnapshots) Load(ctx context.Context, roomID string) (Snapshot, bool, error) {
	var (
		cachedMS int64
		raw      string
	)
	err := s.db.QueryRowContext(ctx, `SELECT cached_at_unix_ms, messages_json FROM room_snapshots WHERE room_id = ?`, roomID).Scan(&cachedMS, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("load snapshot: %w", err)
	}
	var msgs []protocol.MessageRecord
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return Snapshot{RoomID: roomID, CachedAt: time.UnixMilli(cachedMS).UTC(), Messages: msgs}, true, nil
}

// DefaultStaleAfter is how long a persisted snapshot may stand in for a fetch.
const DefaultStaleAfter = 10 * time.Minute

// Fetcher loads a page of room history, oldest first.
type Fetcher interface {
	History(ctx context.Context, roomID string, page, limit int) ([]protocol.MessageRecord, error)
}

// Source says where Load got a room's messages from.
type Source string

const (
	SourceSnapshot Source = "snapshot"
	SourceFetch    Source = "fetch"
)

// Syncer loads rooms into a Cache, preferring a fresh local snapshot over a
// network fetch.
type Syncer struct {
	Cache      *Cache
	Snapshots  SnapshotStore
	Fetcher    Fetcher
	StaleAfter time.Duration
	PageSize   int
}

// Load fills the cache for roomID. A snapshot younger than StaleAfter is used
// as is; anything older is discarded and the room is fetched again.
func (s *Syncer) Load(ctx context.Context, roomID string) (Source, error) {
	stale := s.StaleAfter
	if stale <= 0 {
		stale = DefaultStaleAfter
	}

	if s.Snapshots != nil {
		snap, ok, err := s.Snapshots.Load(ctx, roomID)
		if err != nil {
			slog.Error("snapshot load failed", "room_id", roomID, "err", err)
		} else if ok && s.Cache.now().Sub(snap.CachedAt) < stale {
			s.Cache.Restore(snap)
			return SourceSnapshot, nil
		}
	}

	s.Cache.Forget(roomID)
	msgs, err := s.Fetcher.History(ctx, roomID, 1, s.PageSize)
	if err != nil {
		return "", err
	}
	s.Cache.Merge(roomID, msgs)
	return SourceFetch, s.Persist(ctx, roomID)
}

// Persist writes roomID's current buffer to the snapshot store.
func (s *Syncer) Persist(ctx context.Context, roomID string) error {
	if s.Snapshots == nil {
		return nil
	}
	return s.Snapshots.Save(ctx, s.Cache.Snapshot(roomID))
}
