package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// ErrRoomNotFound is returned when a room id or name does not exist.
var ErrRoomNotFound = errors.New("room not found")

// ErrRoomNameTaken is returned when creating a room with a duplicate name.
var ErrRoomNameTaken = errors.New("room name already taken")

// Room is the durable room record. The password hash never leaves the store.
type Room struct {
	ID          string
	Name        string
	Description string
	IsPrivate   bool
	CreatedBy   string
	CreatedAt   time.Time
}

// Member is one durable room membership.
type Member struct {
	UserID   string
	JoinedAt time.Time
	LastRead time.Time
}

// Ban excludes a user from a room until Until. A zero Until is permanent.
type Ban struct {
	RoomID    string
	UserID    string
	Reason    string
	Until     time.Time
	CreatedAt time.Time
}

// ActiveAt reports whether the ban still applies at now.
func (b Ban) ActiveAt(now time.Time) bool {
	return b.Until.IsZero() || now.Before(b.Until)
}

// RoomInput describes a room to create.
type RoomInput struct {
	Name        string
	Description string
	IsPrivate   bool
	Password    string
	CreatedBy   string
}

// CreateRoom persists a room. Private rooms require a password. The creator,
// when set, becomes both a member and a moderator.
func (s *Store) CreateRoom(ctx context.Context, in RoomInput, now time.Time) (Room, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Room{}, fmt.Errorf("room name is required")
	}
	if in.IsPrivate && in.Password == "" {
		return Room{}, fmt.Errorf("private rooms require a password")
	}

	var hash string
	if in.IsPrivate {
		b, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
		if err != nil {
			return Room{}, fmt.Errorf("hash room password: %w", err)
		}
		hash = string(b)
	}

	room := Room{
		ID:          uuid.NewString(),
		Name:        name,
		Description: strings.TrimSpace(in.Description),
		IsPrivate:   in.IsPrivate,
		CreatedBy:   strings.TrimSpace(in.CreatedBy),
		CreatedAt:   now.UTC(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Room{}, fmt.Errorf("begin create room: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM rooms WHERE name = ?`, name).Scan(&exists)
	if err == nil {
		return Room{}, ErrRoomNameTaken
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Room{}, fmt.Errorf("check room name: %w", err)
	}

	const q = `
INSERT INTO rooms (id, name, description, is_private, password_hash, created_by, created_at_unix_ms)
VALUES (?, ?, ?, ?, ?, ?, ?)
`
	if _, err := tx.ExecContext(ctx, q, room.ID, room.Name, room.Description, room.IsPrivate, hash, room.CreatedBy, room.CreatedAt.UnixMilli()); err != nil {
		return Room{}, fmt.Errorf("insert room: %w", err)
	}
	if room.CreatedBy != "" {
		ms := room.CreatedAt.UnixMilli()
		if _, err := tx.ExecContext(ctx, `INSERT INTO room_members (room_id, user_id, joined_at_unix_ms, last_read_unix_ms) VALUES (?, ?, ?, ?)`, room.ID, room.CreatedBy, ms, ms); err != nil {
			return Room{}, fmt.Errorf("insert creator membership: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO room_moderators (room_id, user_id) VALUES (?, ?)`, room.ID, room.CreatedBy); err != nil {
			return Room{}, fmt.Errorf("insert creator moderator: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Room{}, fmt.Errorf("commit create room: %w", err)
	}

	slog.Info("room created", "room_id", room.ID, "name", room.Name, "private", room.IsPrivate)
	return room, nil
}

const roomColumns = `id, name, description, is_private, created_by, created_at_unix_ms`

func scanRoom(row interface{ Scan(...any) error }) (Room, error) {
	var (
		r         Room
		createdAt int64
	)
	if err := row.Scan(&r.ID, &r.Name, &r.Description, &r.IsPrivate, &r.CreatedBy, &createdAt); err != nil {
		return Room{}, err
	}
	r.CreatedAt = fromUnixMilli(createdAt)
	return r, nil
}

// RoomByID loads one room.
func (s *Store) RoomByID(ctx context.Context, id string) (Room, error) {
	r, err := scanRoom(s.db.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = ?`, strings.TrimSpace(id)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Room{}, ErrRoomNotFound
		}
		return Room{}, fmt.Errorf("query room: %w", err)
	}
	return r, nil
}

// RoomByName loads one room by its unique name.
func (s *Store) RoomByName(ctx context.Context, name string) (Room, error) {
	r, err := scanRoom(s.db.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE name = ?`, strings.TrimSpace(name)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Room{}, ErrRoomNotFound
		}
		return Room{}, fmt.Errorf("query room by name: %w", err)
	}
	return r, nil
}

// ListRooms returns all rooms ordered by name.
func (s *Store) ListRooms(ctx context.Context) ([]Room, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+roomColumns+` FROM rooms ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer rows.Close()

	var out []Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CheckRoomPassword compares password against the room's stored hash.
// Public rooms always match.
func (s *Store) CheckRoomPassword(ctx context.Context, roomID, password string) (bool, error) {
	var (
		private bool
		hash    string
	)
	err := s.db.QueryRowContext(ctx, `SELECT is_private, password_hash FROM rooms WHERE id = ?`, roomID).Scan(&private, &hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrRoomNotFound
		}
		return false, fmt.Errorf("query room password: %w", err)
	}
	if !private {
		return true, nil
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil, nil
}

// AddMember records durable membership. Re-adding an existing member is a no-op.
func (s *Store) AddMember(ctx context.Context, roomID, userID string, now time.Time) error {
	const q = `INSERT OR IGNORE INTO room_members (room_id, user_id, joined_at_unix_ms, last_read_unix_ms) VALUES (?, ?, ?, ?)`
	ms := now.UnixMilli()
	if _, err := s.db.ExecContext(ctx, q, roomID, userID, ms, ms); err != nil {
		return fmt.Errorf("insert member: %w", err)
	}
	slog.Debug("member added", "room_id", roomID, "user_id", userID)
	return nil
}

// RemoveMember drops durable membership.
func (s *Store) RemoveMember(ctx context.Context, roomID, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM room_members WHERE room_id = ? AND user_id = ?`, roomID, userID); err != nil {
		return fmt.Errorf("delete member: %w", err)
	}
	return nil
}

// IsMember reports durable membership.
func (s *Store) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM room_members WHERE room_id = ? AND user_id = ?`, roomID, userID)
}

// Members lists a room's durable members.
func (s *Store) Members(ctx context.Context, roomID string) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, joined_at_unix_ms, last_read_unix_ms FROM room_members WHERE room_id = ? ORDER BY joined_at_unix_ms, user_id`, roomID)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		var (
			m                Member
			joined, lastRead int64
		)
		if err := rows.Scan(&m.UserID, &joined, &lastRead); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		m.JoinedAt = fromUnixMilli(joined)
		m.LastRead = fromUnixMilli(lastRead)
		out = append(out, m)
	}
	return out, rows.Err()
}

// TouchLastRead sets a member's lastRead timestamp. Non-members are ignored.
func (s *Store) TouchLastRead(ctx context.Context, roomID, userID string, now time.Time) error {
	const q = `UPDATE room_members SET last_read_unix_ms = ? WHERE room_id = ? AND user_id = ?`
	if _, err := s.db.ExecContext(ctx, q, now.UnixMilli(), roomID, userID); err != nil {
		return fmt.Errorf("update last read: %w", err)
	}
	return nil
}

// AddModerator grants room moderation to userID.
func (s *Store) AddModerator(ctx context.Context, roomID, userID string) error {
	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO room_moderators (room_id, user_id) VALUES (?, ?)`, roomID, userID); err != nil {
		return fmt.Errorf("insert moderator: %w", err)
	}
	return nil
}

// IsModerator reports whether userID moderates roomID.
func (s *Store) IsModerator(ctx context.Context, roomID, userID string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM room_moderators WHERE room_id = ? AND user_id = ?`, roomID, userID)
}

// BanUser records or replaces a ban. A zero until is permanent.
func (s *Store) BanUser(ctx context.Context, roomID, userID, reason string, until, now time.Time) error {
	var untilMS int64
	if !until.IsZero() {
		untilMS = until.UnixMilli()
	}
	const q = `
INSERT INTO room_bans (room_id, user_id, reason, banned_until_unix_ms, created_at_unix_ms)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(room_id, user_id) DO UPDATE SET
	reason = excluded.reason,
	banned_until_unix_ms = excluded.banned_until_unix_ms,
	created_at_unix_ms = excluded.created_at_unix_ms
`
	if _, err := s.db.ExecContext(ctx, q, roomID, userID, reason, untilMS, now.UnixMilli()); err != nil {
		return fmt.Errorf("insert ban: %w", err)
	}
	slog.Info("user banned", "room_id", roomID, "user_id", userID, "permanent", until.IsZero())
	return nil
}

// UnbanUser lifts a ban.
func (s *Store) UnbanUser(ctx context.Context, roomID, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM room_bans WHERE room_id = ? AND user_id = ?`, roomID, userID); err != nil {
		return fmt.Errorf("delete ban: %w", err)
	}
	return nil
}

// ActiveBan returns the ban for userID in roomID if it still applies at now.
func (s *Store) ActiveBan(ctx context.Context, roomID, userID string, now time.Time) (Ban, bool, error) {
	var (
		b                  Ban
		untilMS, createdMS int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT room_id, user_id, reason, banned_until_unix_ms, created_at_unix_ms FROM room_bans WHERE room_id = ? AND user_id = ?`,
		roomID, userID,
	).Scan(&b.RoomID, &b.UserID, &b.Reason, &untilMS, &createdMS)
	if errors.Is(err, sql.ErrNoRows) {
		return Ban{}, false, nil
	}
	if err != nil {
		return Ban{}, false, fmt.Errorf("query ban: %w", err)
	}
	if untilMS > 0 {
		b.Until = fromUnixMilli(untilMS)
	}
	b.CreatedAt = fromUnixMilli(createdMS)
	if !b.ActiveAt(now) {
		return Ban{}, false, nil
	}
	return b, true, nil
}

func (s *Store) exists(ctx context.Context, q string, args ...any) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, q, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query existence: %w", err)
	}
	return true, nil
}
