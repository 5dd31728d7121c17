package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"roomchat/internal/store"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	meta, err := store.Open(filepath.Join(dir, "roomchat.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = meta.Close() })

	root := filepath.Join(dir, "blobs")
	bs, err := NewStore(root, meta)
	if err != nil {
		t.Fatalf("new blob store: %v", err)
	}
	return bs, root
}

// uploadsLeft counts files under root, skipping directories.
func uploadsLeft(t *testing.T, root string) int {
	t.Helper()
	n := 0
	err := filepath.WalkDir(root, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			n++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk %s: %v", root, err)
	}
	return n
}

func TestPutAndOpen(t *testing.T) {
	bs, root := newTestStore(t)
	ctx := context.Background()

	meta, err := bs.Put(ctx, PutInput{OwnerID: "u1", OriginalName: "notes.txt", Reader: strings.NewReader("hello")})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if meta.SizeBytes != 5 || meta.OwnerID != "u1" {
		t.Fatalf("unexpected metadata: %#v", meta)
	}
	if meta.ContentType != "text/plain; charset=utf-8" {
		t.Fatalf("expected sniffed text content type, got %q", meta.ContentType)
	}
	if meta.SHA256 != "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Fatalf("unexpected digest %s", meta.SHA256)
	}
	if meta.DiskPath != meta.ID[:2]+"/"+meta.ID {
		t.Fatalf("expected sharded disk path, got %q", meta.DiskPath)
	}
	if _, err := os.Stat(filepath.Join(root, meta.ID[:2], meta.ID)); err != nil {
		t.Fatalf("blob bytes not on disk: %v", err)
	}

	res, err := bs.Open(ctx, meta.ID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer res.File.Close()
	data, err := io.ReadAll(res.File)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("unexpected content %q", data)
	}
	if res.Metadata != meta {
		t.Fatalf("open metadata mismatch: %#v vs %#v", res.Metadata, meta)
	}
}

func TestPutKeepsDeclaredContentType(t *testing.T) {
	bs, _ := newTestStore(t)
	png := []byte("\x89PNG\r\n\x1a\n0000")

	meta, err := bs.Put(context.Background(), PutInput{OwnerID: "u1", OriginalName: "x.png", ContentType: "application/octet-stream", Reader: bytes.NewReader(png)})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if meta.ContentType != "image/png" {
		t.Fatalf("generic type should be sniffed, got %q", meta.ContentType)
	}

	meta, err = bs.Put(context.Background(), PutInput{OwnerID: "u1", OriginalName: "x.dat", ContentType: "application/x-custom", Reader: bytes.NewReader(png)})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if meta.ContentType != "application/x-custom" {
		t.Fatalf("declared type should win, got %q", meta.ContentType)
	}
}

func TestPutRejectsOversizedUpload(t *testing.T) {
	bs, root := newTestStore(t)
	big := bytes.NewReader(make([]byte, MaxSize+1))
	_, err := bs.Put(context.Background(), PutInput{OwnerID: "u1", OriginalName: "big.bin", Reader: big})
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if n := uploadsLeft(t, root); n != 0 {
		t.Fatalf("expected no files left behind, found %d", n)
	}
}

func TestPutRequiresOwnerAndName(t *testing.T) {
	bs, _ := newTestStore(t)
	if _, err := bs.Put(context.Background(), PutInput{OriginalName: "a.txt", Reader: strings.NewReader("x")}); err == nil {
		t.Fatal("expected missing owner to fail")
	}
	if _, err := bs.Put(context.Background(), PutInput{OwnerID: "u1", Reader: strings.NewReader("x")}); err == nil {
		t.Fatal("expected missing name to fail")
	}
}

type failingMetadata struct{}

func (failingMetadata) CreateBlob(context.Context, store.BlobMetadata) error {
	return errors.New("disk full")
}

func (failingMetadata) BlobByID(context.Context, string) (store.BlobMetadata, error) {
	return store.BlobMetadata{}, store.ErrBlobNotFound
}

func TestPutRemovesBytesWhenMetadataFails(t *testing.T) {
	root := filepath.Join(t.TempDir(), "blobs")
	bs, err := NewStore(root, failingMetadata{})
	if err != nil {
		t.Fatalf("new blob store: %v", err)
	}
	if _, err := bs.Put(context.Background(), PutInput{OwnerID: "u1", OriginalName: "a.txt", Reader: strings.NewReader("x")}); err == nil {
		t.Fatal("expected metadata failure")
	}
	if n := uploadsLeft(t, root); n != 0 {
		t.Fatalf("expected no files left behind, found %d", n)
	}
}

func TestOpenUnknownID(t *testing.T) {
	bs, _ := newTestStore(t)
	if _, err := bs.Open(context.Background(), "missing"); !errors.Is(err, store.ErrBlobNotFound) {
		t.Fatalf("expected ErrBlobNotFound, got %v", err)
	}
}
