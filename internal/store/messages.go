package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"roomchat/internal/expiry"
)

// ErrMessageNotFound is returned when a message id does not exist.
var ErrMessageNotFound = errors.New("message not found")

// ErrMessageGone is returned when mutating a message that is deleted or
// expired.
var ErrMessageGone = errors.New("message is deleted or expired")

// State is a message's lifecycle tag.
//
// Allowed transitions: active→edited, edited→edited, active|edited→deleted,
// active|edited→expired. deleted and expired are terminal.
type State string

const (
	StateActive  State = "active"
	StateEdited  State = "edited"
	StateDeleted State = "deleted"
	StateExpired State = "expired"
)

// Live reports whether the state still permits edits, reactions and reads.
func (s State) Live() bool {
	return s == StateActive || s == StateEdited
}

// Edit is one superseded content version.
type Edit struct {
	Content  string
	EditedAt time.Time
}

// Message is the durable message record.
type Message struct {
	ID          string
	RoomID      string
	SenderID    string
	SenderName  string
	Content     string
	Type        string
	State       State
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Attachments []BlobMetadata
	Edits       []Edit
	Reactions   map[string]string // user id -> emoji
}

// VisibleAt reports whether the message may appear in history at now.
func (m Message) VisibleAt(now time.Time) bool {
	return m.State.Live() && expiry.Visible(m.ExpiresAt, now)
}

// InsertMessage persists a new message with its attachment references.
func (s *Store) InsertMessage(ctx context.Context, m Message, attachmentIDs []string) error {
	if strings.TrimSpace(m.ID) == "" || strings.TrimSpace(m.RoomID) == "" || strings.TrimSpace(m.SenderID) == "" {
		return fmt.Errorf("message id, room id and sender id are required")
	}
	if m.State == "" {
		m.State = StateActive
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert message: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const q = `
INSERT INTO messages (id, room_id, sender_id, sender_name, content, type, state, created_at_unix_ms, expires_at_unix_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`
	if _, err := tx.ExecContext(ctx, q, m.ID, m.RoomID, m.SenderID, m.SenderName, m.Content, m.Type, string(m.State), m.CreatedAt.UnixMilli(), m.ExpiresAt.UnixMilli()); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	for i, blobID := range attachmentIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO message_attachments (message_id, blob_id, position) VALUES (?, ?, ?)`, m.ID, blobID, i); err != nil {
			return fmt.Errorf("insert message attachment: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert message: %w", err)
	}

	slog.Debug("message persisted", "msg_id", m.ID, "room_id", m.RoomID, "sender_id", m.SenderID)
	return nil
}

const messageColumns = `id, room_id, sender_id, sender_name, content, type, state, created_at_unix_ms, expires_at_unix_ms`

type scanner interface{ Scan(...any) error }

func scanMessage(row scanner) (Message, error) {
	var (
		m                  Message
		state              string
		createdMS, expires int64
	)
	if err := row.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.SenderName, &m.Content, &m.Type, &state, &createdMS, &expires); err != nil {
		return Message{}, err
	}
	m.State = State(state)
	m.CreatedAt = fromUnixMilli(createdMS)
	m.ExpiresAt = fromUnixMilli(expires)
	return m, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// MessageByID loads one message with attachments, edit history and reactions,
// regardless of its lifecycle state.
func (s *Store) MessageByID(ctx context.Context, id string) (Message, error) {
	return messageByID(ctx, s.db, id)
}

func messageByID(ctx context.Context, q querier, id string) (Message, error) {
	m, err := scanMessage(q.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, strings.TrimSpace(id)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, ErrMessageNotFound
		}
		return Message{}, fmt.Errorf("query message: %w", err)
	}
	msgs := []Message{m}
	if err := hydrate(ctx, q, msgs); err != nil {
		return Message{}, err
	}
	return msgs[0], nil
}

// EditMessage replaces a live message's content, appending the previous
// content to its edit history. Edit timestamps are kept strictly increasing.
func (s *Store) EditMessage(ctx context.Context, id, content string, now time.Time) (Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin edit message: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanMessage(tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, ErrMessageNotFound
		}
		return Message{}, fmt.Errorf("query message for edit: %w", err)
	}
	if !cur.VisibleAt(now) {
		return Message{}, ErrMessageGone
	}

	editedAt := now.UnixMilli()
	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(edited_at_unix_ms) FROM message_edits WHERE message_id = ?`, id).Scan(&last); err != nil {
		return Message{}, fmt.Errorf("query last edit: %w", err)
	}
	if last.Valid && editedAt <= last.Int64 {
		editedAt = last.Int64 + 1
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO message_edits (message_id, content, edited_at_unix_ms) VALUES (?, ?, ?)`, id, cur.Content, editedAt); err != nil {
		return Message{}, fmt.Errorf("insert message edit: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE messages SET content = ?, state = 'edited' WHERE id = ? AND state IN ('active', 'edited')`,
		content, id,
	)
	if err != nil {
		return Message{}, fmt.Errorf("update message content: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Message{}, ErrMessageGone
	}

	m, err := messageByID(ctx, tx, id)
	if err != nil {
		return Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit edit message: %w", err)
	}
	slog.Debug("message edited", "msg_id", id, "edits", len(m.Edits))
	return m, nil
}

// DeleteMessage soft-deletes a live message. Deleting an already deleted
// message succeeds with changed=false; an expired message is gone.
func (s *Store) DeleteMessage(ctx context.Context, id string, now time.Time) (Message, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, false, fmt.Errorf("begin delete message: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanMessage(tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, false, ErrMessageNotFound
		}
		return Message{}, false, fmt.Errorf("query message for delete: %w", err)
	}
	switch {
	case cur.State == StateDeleted:
		return cur, false, nil
	case !cur.VisibleAt(now):
		return Message{}, false, ErrMessageGone
	}

	if _, err := tx.ExecContext(ctx, `UPDATE messages SET state = 'deleted' WHERE id = ? AND state IN ('active', 'edited')`, id); err != nil {
		return Message{}, false, fmt.Errorf("update message state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Message{}, false, fmt.Errorf("commit delete message: %w", err)
	}
	cur.State = StateDeleted
	slog.Debug("message deleted", "msg_id", id)
	return cur, true, nil
}

// SetReaction records userID's reaction on a live message, replacing any
// previous one from the same user.
func (s *Store) SetReaction(ctx context.Context, id, userID, emoji string, now time.Time) (Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin set reaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanMessage(tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, ErrMessageNotFound
		}
		return Message{}, fmt.Errorf("query message for reaction: %w", err)
	}
	if !cur.VisibleAt(now) {
		return Message{}, ErrMessageGone
	}

	const q = `
INSERT INTO reactions (message_id, user_id, emoji, created_at_unix_ms)
VALUES (?, ?, ?, ?)
ON CONFLICT(message_id, user_id) DO UPDATE SET
	emoji = excluded.emoji,
	created_at_unix_ms = excluded.created_at_unix_ms
`
	if _, err := tx.ExecContext(ctx, q, id, userID, emoji, now.UnixMilli()); err != nil {
		return Message{}, fmt.Errorf("upsert reaction: %w", err)
	}

	m, err := messageByID(ctx, tx, id)
	if err != nil {
		return Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit set reaction: %w", err)
	}
	return m, nil
}

// ListRoomMessages returns one page of visible messages, newest first.
// page is 1-based.
func (s *Store) ListRoomMessages(ctx context.Context, roomID string, now time.Time, page, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if page <= 0 {
		page = 1
	}
	const q = `
SELECT ` + messageColumns + `
FROM messages
WHERE room_id = ? AND state IN ('active', 'edited') AND expires_at_unix_ms > ?
ORDER BY created_at_unix_ms DESC, id DESC
LIMIT ? OFFSET ?
`
	rows, err := s.db.QueryContext(ctx, q, roomID, now.UnixMilli(), limit, (page-1)*limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	rows.Close()

	if err := hydrate(ctx, s.db, msgs); err != nil {
		return nil, err
	}
	slog.Debug("messages loaded", "room_id", roomID, "count", len(msgs))
	return msgs, nil
}

// ExpireMessages flips live messages past their expiry to the expired state.
// An empty roomID covers every room. It returns the number of rows changed.
func (s *Store) ExpireMessages(ctx context.Context, roomID string, now time.Time) (int64, error) {
	q := `UPDATE messages SET state = 'expired' WHERE state IN ('active', 'edited') AND expires_at_unix_ms <= ?`
	args := []any{now.UnixMilli()}
	if roomID != "" {
		q += ` AND room_id = ?`
		args = append(args, roomID)
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("expire messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// hydrate fills attachments, edits and reactions for msgs in place.
// Each query's rows are drained before the next one starts.
func hydrate(ctx context.Context, q querier, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	index := make(map[string]int, len(msgs))
	args := make([]any, len(msgs))
	for i := range msgs {
		index[msgs[i].ID] = i
		args[i] = msgs[i].ID
		msgs[i].Reactions = make(map[string]string)
	}
	in := placeholders(len(msgs))

	rows, err := q.QueryContext(ctx, `
SELECT a.message_id, b.id, b.owner_id, b.original_name, b.content_type, b.disk_path, b.size_bytes, b.sha256, b.created_at_unix_ms
FROM message_attachments a JOIN blobs b ON b.id = a.blob_id
WHERE a.message_id IN (`+in+`)
ORDER BY a.message_id, a.position`, args...)
	if err != nil {
		return fmt.Errorf("query attachments: %w", err)
	}
	for rows.Next() {
		var (
			msgID     string
			b         BlobMetadata
			createdMS int64
		)
		if err := rows.Scan(&msgID, &b.ID, &b.OwnerID, &b.OriginalName, &b.ContentType, &b.DiskPath, &b.SizeBytes, &b.SHA256, &createdMS); err != nil {
			rows.Close()
			return fmt.Errorf("scan attachment: %w", err)
		}
		b.CreatedAt = fromUnixMilli(createdMS)
		i := index[msgID]
		msgs[i].Attachments = append(msgs[i].Attachments, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate attachments: %w", err)
	}

	rows, err = q.QueryContext(ctx, `SELECT message_id, content, edited_at_unix_ms FROM message_edits WHERE message_id IN (`+in+`) ORDER BY id`, args...)
	if err != nil {
		return fmt.Errorf("query edits: %w", err)
	}
	for rows.Next() {
		var (
			msgID    string
			e        Edit
			editedMS int64
		)
		if err := rows.Scan(&msgID, &e.Content, &editedMS); err != nil {
			rows.Close()
			return fmt.Errorf("scan edit: %w", err)
		}
		e.EditedAt = fromUnixMilli(editedMS)
		i := index[msgID]
		msgs[i].Edits = append(msgs[i].Edits, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate edits: %w", err)
	}

	rows, err = q.QueryContext(ctx, `SELECT message_id, user_id, emoji FROM reactions WHERE message_id IN (`+in+`)`, args...)
	if err != nil {
		return fmt.Errorf("query reactions: %w", err)
	}
	for rows.Next() {
		var msgID, userID, emoji string
		if err := rows.Scan(&msgID, &userID, &emoji); err != nil {
			rows.Close()
			return fmt.Errorf("scan reaction: %w", err)
		}
		msgs[index[msgID]].Reactions[userID] = emoji
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate reactions: %w", err)
	}
	return nil
}
