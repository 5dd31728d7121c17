package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"roomchat/internal/store"

	"github.com/google/uuid"
)

// MaxSize bounds one attachment upload.
const MaxSize = 10 << 20

// ErrTooLarge is returned by Put when the upload exceeds MaxSize.
var ErrTooLarge = fmt.Errorf("attachment exceeds %d bytes", MaxSize)

const sniffLen = 512

// Metadata is the attachment index the blob store writes through.
type Metadata interface {
	CreateBlob(ctx context.Context, meta store.BlobMetadata) error
	BlobByID(ctx context.Context, id string) (store.BlobMetadata, error)
}

// Store keeps attachment bytes under root, sharded by the first two
// characters of the id, and indexes them in Metadata.
type Store struct {
	root string
	meta Metadata
	now  func() time.Time
}

// PutInput is one upload. An empty or generic ContentType is sniffed from
// the leading bytes.
type PutInput struct {
	OwnerID      string
	OriginalName string
	ContentType  string
	Reader       io.Reader
}

// OpenResult pairs metadata with the opened file; callers close File.
type OpenResult struct {
	Metadata store.BlobMetadata
	File     *os.File
}

// NewStore creates root if needed.
func NewStore(root string, meta Metadata) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("blob root directory is required")
	}
	if meta == nil {
		return nil, fmt.Errorf("blob metadata store is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	return &Store{root: root, meta: meta, now: time.Now}, nil
}

// Put streams the upload to a temp file while hashing it, then moves it into
// place and records metadata. Nothing is left on disk when any step fails.
func (s *Store) Put(ctx context.Context, in PutInput) (store.BlobMetadata, error) {
	if in.Reader == nil {
		return store.BlobMetadata{}, fmt.Errorf("blob reader is required")
	}
	owner := strings.TrimSpace(in.OwnerID)
	name := strings.TrimSpace(in.OriginalName)
	if owner == "" || name == "" {
		return store.BlobMetadata{}, fmt.Errorf("blob owner and name are required")
	}

	tmp, err := os.CreateTemp(s.root, ".upload-*")
	if err != nil {
		return store.BlobMetadata{}, fmt.Errorf("create temp blob file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmp.Name())
		}
	}()

	digest := sha256.New()
	head := &prefix{limit: sniffLen}
	size, err := io.Copy(io.MultiWriter(tmp, digest, head), io.LimitReader(in.Reader, MaxSize+1))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return store.BlobMetadata{}, fmt.Errorf("write blob bytes: %w", err)
	}
	if size > MaxSize {
		return store.BlobMetadata{}, ErrTooLarge
	}

	id := uuid.NewString()
	rel := filepath.Join(id[:2], id)
	dest := filepath.Join(s.root, rel)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return store.BlobMetadata{}, fmt.Errorf("create blob shard: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return store.BlobMetadata{}, fmt.Errorf("move blob into place: %w", err)
	}

	meta := store.BlobMetadata{
		ID:           id,
		OwnerID:      owner,
		OriginalName: name,
		ContentType:  contentType(in.ContentType, head.buf),
		DiskPath:     filepath.ToSlash(rel),
		SizeBytes:    size,
		SHA256:       hex.EncodeToString(digest.Sum(nil)),
		CreatedAt:    s.now().UTC().Truncate(time.Millisecond),
	}
	if err := s.meta.CreateBlob(ctx, meta); err != nil {
		_ = os.Remove(dest)
		return store.BlobMetadata{}, fmt.Errorf("persist blob metadata: %w", err)
	}
	committed = true

	slog.Info("blob stored", "blob_id", id, "owner_id", owner, "size", size, "content_type", meta.ContentType)
	return meta, nil
}

// Open looks up id and opens its bytes. Unknown ids return
// store.ErrBlobNotFound.
func (s *Store) Open(ctx context.Context, id string) (OpenResult, error) {
	meta, err := s.meta.BlobByID(ctx, id)
	if err != nil {
		return OpenResult{}, err
	}
	f, err := os.Open(filepath.Join(s.root, filepath.FromSlash(meta.DiskPath)))
	if errors.Is(err, os.ErrNotExist) {
		slog.Error("blob bytes missing", "blob_id", id, "path", meta.DiskPath)
		return OpenResult{}, fmt.Errorf("open blob %s: %w", id, err)
	}
	if err != nil {
		return OpenResult{}, fmt.Errorf("open blob %s: %w", id, err)
	}
	return OpenResult{Metadata: meta, File: f}, nil
}

func contentType(declared string, head []byte) string {
	declared = strings.TrimSpace(declared)
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	return http.DetectContentType(head)
}

// prefix keeps the first limit bytes written to it.
type prefix struct {
	buf   []byte
	limit int
}

func (p *prefix) Write(b []byte) (int, error) {
	if room := p.limit - len(p.buf); room > 0 {
		if len(b) < room {
			room = len(b)
		}
		p.buf = append(p.buf, b[:room]...)
	}
	return len(b), nil
}
