package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ErrBlobNotFound is returned when no attachment metadata exists for an id.
var ErrBlobNotFound = errors.New("blob metadata not found")

// BlobMetadata describes one uploaded attachment. DiskPath is relative to the
// blob root; SHA256 is the hex digest of the stored bytes.
type BlobMetadata struct {
	ID           string
	OwnerID      string
	OriginalName string
	ContentType  string
	DiskPath     string
	SizeBytes    int64
	SHA256       string
	CreatedAt    time.Time
}

func (m BlobMetadata) validate() error {
	required := []struct{ name, value string }{
		{"id", m.ID},
		{"owner", m.OwnerID},
		{"original name", m.OriginalName},
		{"content type", m.ContentType},
		{"disk path", m.DiskPath},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return fmt.Errorf("blob %s is required", f.name)
		}
	}
	if m.SizeBytes < 0 {
		return fmt.Errorf("blob size must be non-negative")
	}
	return nil
}

const blobColumns = `id, owner_id, original_name, content_type, disk_path, size_bytes, sha256, created_at_unix_ms`

// CreateBlob records metadata for bytes already written to disk.
func (s *Store) CreateBlob(ctx context.Context, meta BlobMetadata) error {
	if err := meta.validate(); err != nil {
		return err
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO blobs (`+blobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		meta.ID, meta.OwnerID, meta.OriginalName, meta.ContentType, meta.DiskPath, meta.SizeBytes, meta.SHA256, meta.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert blob metadata: %w", err)
	}
	slog.Debug("blob metadata created", "blob_id", meta.ID, "size", meta.SizeBytes)
	return nil
}

// BlobByID loads attachment metadata.
func (s *Store) BlobByID(ctx context.Context, id string) (BlobMetadata, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return BlobMetadata{}, ErrBlobNotFound
	}

	var (
		meta      BlobMetadata
		createdMS int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT `+blobColumns+` FROM blobs WHERE id = ?`, id).Scan(
		&meta.ID, &meta.OwnerID, &meta.OriginalName, &meta.ContentType,
		&meta.DiskPath, &meta.SizeBytes, &meta.SHA256, &createdMS,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return BlobMetadata{}, ErrBlobNotFound
	}
	if err != nil {
		return BlobMetadata{}, fmt.Errorf("query blob metadata: %w", err)
	}
	meta.CreatedAt = fromUnixMilli(createdMS)
	return meta, nil
}

// BlobRooms returns the ids of rooms holding a message that references the
// blob, in no particular order.
func (s *Store) BlobRooms(ctx context.Context, blobID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT m.room_id
		FROM message_attachments a
		JOIN messages m ON m.id = a.message_id
		WHERE a.blob_id = ?`, blobID)
	if err != nil {
		return nil, fmt.Errorf("query blob rooms: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var roomID string
		if err := rows.Scan(&roomID); err != nil {
			return nil, fmt.Errorf("scan blob room: %w", err)
		}
		out = append(out, roomID)
	}
	return out, rows.Err()
}
