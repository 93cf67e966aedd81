// Package attach stores binary attachments: content bytes in the blob
// store, metadata rows in SQLite. Blobs are content-addressed by their
// SHA-256 digest, so identical uploads share one file on disk.
package attach

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/nbrewer/mneme/internal/apperr"
	"github.com/nbrewer/mneme/internal/ident"
	"github.com/nbrewer/mneme/internal/storage"
)

// Attachment is the stored metadata for one uploaded file.
type Attachment struct {
	ID        string    `json:"id"`
	NoteID    string    `json:"note_id,omitempty"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	Checksum  string    `json:"checksum"`
	CreatedAt time.Time `json:"created_at"`
}

// Store couples attachment metadata with the blob provider.
type Store struct {
	conn  *sql.DB
	blobs storage.Provider
	ids   *ident.Generator
}

// New builds an attachment store over an open database and blob
// provider.
func New(conn *sql.DB, blobs storage.Provider) *Store {
	return &Store{conn: conn, blobs: blobs, ids: ident.NewGenerator()}
}

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// blobName fans digests out into two-level directories to keep any one
// directory small.
func blobName(checksum string) string {
	return checksum[:2] + "/" + checksum
}

// Put stores content under a new attachment record. noteID may be
// empty for notes that don't exist yet; name is the user-facing
// filename.
func (s *Store) Put(noteID, name string, content []byte) (*Attachment, error) {
	var violations []string
	if name == "" {
		violations = append(violations, "name: cannot be blank")
	}
	if len(content) == 0 {
		violations = append(violations, "content: cannot be empty")
	}
	if err := apperr.Validation(violations); err != nil {
		return nil, err
	}

	sum := Sum(content)
	if err := s.blobs.Write(blobName(sum), content); err != nil {
		return nil, err
	}

	a := &Attachment{
		ID:        s.ids.Generate(time.Now()),
		NoteID:    noteID,
		Name:      name,
		Size:      int64(len(content)),
		Checksum:  sum,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.conn.Exec(`
		INSERT INTO attachments (id, note_id, name, size, checksum, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.ID, a.NoteID, a.Name, a.Size, a.Checksum, a.CreatedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("attach: insert: %w", err)
	}
	return a, nil
}

// Get returns the metadata for id, or ErrNotFound.
func (s *Store) Get(id string) (*Attachment, error) {
	row := s.conn.QueryRow(`
		SELECT id, note_id, name, size, checksum, created_at
		FROM attachments WHERE id = ?
	`, id)
	return scanAttachment(row)
}

// Content returns the stored bytes for id. The digest is re-verified
// on the way out so silent blob corruption surfaces as an error.
func (s *Store) Content(id string) (*Attachment, []byte, error) {
	a, err := s.Get(id)
	if err != nil {
		return nil, nil, err
	}
	data, err := s.blobs.Read(blobName(a.Checksum))
	if err != nil {
		return nil, nil, err
	}
	if Sum(data) != a.Checksum {
		return nil, nil, fmt.Errorf("attach: checksum mismatch for %s", id)
	}
	return a, data, nil
}

// ForNote lists attachments belonging to a note, oldest first.
func (s *Store) ForNote(noteID string) ([]*Attachment, error) {
	rows, err := s.conn.Query(`
		SELECT id, note_id, name, size, checksum, created_at
		FROM attachments WHERE note_id = ? ORDER BY id
	`, noteID)
	if err != nil {
		return nil, fmt.Errorf("attach: list for note: %w", err)
	}
	defer rows.Close()
	return collectAttachments(rows)
}

// Delete removes the metadata row and, when no other attachment shares
// the blob, the blob itself.
func (s *Store) Delete(id string) error {
	a, err := s.Get(id)
	if err != nil {
		return err
	}
	if _, err := s.conn.Exec(`DELETE FROM attachments WHERE id = ?`, id); err != nil {
		return fmt.Errorf("attach: delete: %w", err)
	}

	var refs int
	if err := s.conn.QueryRow(`SELECT COUNT(*) FROM attachments WHERE checksum = ?`, a.Checksum).Scan(&refs); err != nil {
		return fmt.Errorf("attach: count refs: %w", err)
	}
	if refs == 0 {
		if err := s.blobs.Delete(blobName(a.Checksum)); err != nil {
			return err
		}
	}
	return nil
}

// PurgeOrphans deletes blobs no metadata row references, returning how
// many were removed. Run from the retention sweeper.
func (s *Store) PurgeOrphans() (int, error) {
	names, err := s.blobs.List()
	if err != nil {
		return 0, err
	}

	rows, err := s.conn.Query(`SELECT DISTINCT checksum FROM attachments`)
	if err != nil {
		return 0, fmt.Errorf("attach: list checksums: %w", err)
	}
	defer rows.Close()

	referenced := make(map[string]struct{})
	for rows.Next() {
		var sum string
		if err := rows.Scan(&sum); err != nil {
			return 0, err
		}
		referenced[blobName(sum)] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	removed := 0
	for _, name := range names {
		if _, ok := referenced[name]; ok {
			continue
		}
		if err := s.blobs.Delete(name); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func scanAttachment(row *sql.Row) (*Attachment, error) {
	var (
		a  Attachment
		ms int64
	)
	err := row.Scan(&a.ID, &a.NoteID, &a.Name, &a.Size, &a.Checksum, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("attach: scan: %w", err)
	}
	a.CreatedAt = time.UnixMilli(ms).UTC()
	return &a, nil
}

func collectAttachments(rows *sql.Rows) ([]*Attachment, error) {
	var out []*Attachment
	for rows.Next() {
		var (
			a  Attachment
			ms int64
		)
		if err := rows.Scan(&a.ID, &a.NoteID, &a.Name, &a.Size, &a.Checksum, &ms); err != nil {
			return nil, err
		}
		a.CreatedAt = time.UnixMilli(ms).UTC()
		out = append(out, &a)
	}
	return out, rows.Err()
}
