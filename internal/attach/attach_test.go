package attach

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/nbrewer/mneme/internal/apperr"
	"github.com/nbrewer/mneme/internal/storage"
	"github.com/nbrewer/mneme/internal/store"
)

func testStore(t *testing.T) (*Store, *storage.FS) {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "attach.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	blobs, err := storage.NewFS(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatalf("open blobs: %v", err)
	}
	return New(db.SQL(), blobs), blobs
}

func TestPutAndContent(t *testing.T) {
	s, _ := testStore(t)
	data := []byte("attachment bytes")

	a, err := s.Put("note-1", "diagram.png", data)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if a.Size != int64(len(data)) {
		t.Errorf("size = %d, want %d", a.Size, len(data))
	}
	if a.Checksum != Sum(data) {
		t.Errorf("checksum = %q, want %q", a.Checksum, Sum(data))
	}

	got, content, err := s.Content(a.ID)
	if err != nil {
		t.Fatalf("content: %v", err)
	}
	if got.Name != "diagram.png" {
		t.Errorf("name = %q", got.Name)
	}
	if !bytes.Equal(content, data) {
		t.Errorf("content mismatch: got %q", content)
	}
}

func TestPutValidation(t *testing.T) {
	s, _ := testStore(t)
	if _, err := s.Put("n", "", []byte("x")); apperr.AsValidation(err) == nil {
		t.Errorf("blank name: err = %v, want validation error", err)
	}
	if _, err := s.Put("n", "a.txt", nil); apperr.AsValidation(err) == nil {
		t.Errorf("empty content: err = %v, want validation error", err)
	}
}

func TestDedupSharesBlob(t *testing.T) {
	s, blobs := testStore(t)
	data := []byte("same bytes twice")

	a, err := s.Put("n1", "first.bin", data)
	if err != nil {
		t.Fatalf("put first: %v", err)
	}
	b, err := s.Put("n2", "second.bin", data)
	if err != nil {
		t.Fatalf("put second: %v", err)
	}
	if a.Checksum != b.Checksum {
		t.Fatalf("checksums differ: %q vs %q", a.Checksum, b.Checksum)
	}
	names, err := blobs.List()
	if err != nil {
		t.Fatalf("list blobs: %v", err)
	}
	if len(names) != 1 {
		t.Errorf("blob count = %d, want 1 (deduplicated)", len(names))
	}

	// Deleting one record keeps the shared blob alive.
	if err := s.Delete(a.ID); err != nil {
		t.Fatalf("delete first: %v", err)
	}
	if _, _, err := s.Content(b.ID); err != nil {
		t.Errorf("content after sibling delete: %v", err)
	}

	// Deleting the last reference removes the blob.
	if err := s.Delete(b.ID); err != nil {
		t.Fatalf("delete second: %v", err)
	}
	names, _ = blobs.List()
	if len(names) != 0 {
		t.Errorf("blobs remaining after last delete: %v", names)
	}
}

func TestForNote(t *testing.T) {
	s, _ := testStore(t)
	if _, err := s.Put("note-a", "one.txt", []byte("1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.Put("note-a", "two.txt", []byte("2")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.Put("note-b", "other.txt", []byte("3")); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.ForNote("note-a")
	if err != nil {
		t.Fatalf("for note: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d attachments, want 2", len(got))
	}
	if got[0].Name != "one.txt" || got[1].Name != "two.txt" {
		t.Errorf("order = [%s %s], want oldest first", got[0].Name, got[1].Name)
	}
}

func TestGetMissing(t *testing.T) {
	s, _ := testStore(t)
	if _, err := s.Get("01ARZ3NDEKTSV4RRFFQ69G5FAV"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if err := s.Delete("01ARZ3NDEKTSV4RRFFQ69G5FAV"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("delete missing: err = %v, want ErrNotFound", err)
	}
}

func TestCorruptBlobDetected(t *testing.T) {
	s, blobs := testStore(t)
	a, err := s.Put("n", "x.bin", []byte("pristine"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := blobs.Write(blobName(a.Checksum), []byte("tampered")); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if _, _, err := s.Content(a.ID); err == nil {
		t.Error("expected checksum mismatch error")
	}
}

func TestPurgeOrphans(t *testing.T) {
	s, blobs := testStore(t)
	kept, err := s.Put("n", "kept.bin", []byte("referenced"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := blobs.Write("ff/ffdeadbeef", []byte("orphan")); err != nil {
		t.Fatalf("write orphan: %v", err)
	}

	removed, err := s.PurgeOrphans()
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, _, err := s.Content(kept.ID); err != nil {
		t.Errorf("referenced blob lost: %v", err)
	}
}
