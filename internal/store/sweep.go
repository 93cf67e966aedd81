package store

import (
	"fmt"
	"time"
)

// PurgeDeletedNotes physically removes soft-deleted notes whose
// deletion timestamp is strictly older than cutoff, along with any
// index references still pointing at them. Returns the number of notes
// purged. Scoping the purge to records older than the cutoff keeps the
// sweep safe to run alongside normal traffic.
func (db *DB) PurgeDeletedNotes(cutoff time.Time) (int, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return 0, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.Query(`SELECT id FROM notes WHERE is_deleted = 1 AND deleted_at < ?`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("store: find expired notes: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range ids {
		// Index references were dropped at soft-delete time; clear any
		// stragglers so counts stay honest.
		if _, err := tx.Exec(`DELETE FROM note_tags WHERE note_id = ?`, id); err != nil {
			return 0, fmt.Errorf("store: purge note tags: %w", err)
		}
		// Attachment rows go with the note; the orphan-blob purge
		// reclaims the bytes on its next pass.
		if _, err := tx.Exec(`DELETE FROM attachments WHERE note_id = ?`, id); err != nil {
			return 0, fmt.Errorf("store: purge note attachments: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM notes WHERE id = ?`, id); err != nil {
			return 0, fmt.Errorf("store: purge note: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit: %w", err)
	}
	return len(ids), nil
}
