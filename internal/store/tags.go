package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nbrewer/mneme/internal/apperr"
)

// TagEntry is one row of the secondary tag index. Count always equals
// the number of note_tags rows for the tag; an entry whose set would be
// empty is deleted instead of persisted.
type TagEntry struct {
	Tag       string    `json:"tag"`
	NoteIDs   []string  `json:"note_ids,omitempty"`
	Count     int       `json:"count"`
	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used"`
}

// NormalizeTag trims and lowercases a tag.
func NormalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

// ApplyTagDelta applies an (added, removed) tag delta for a note in its
// own transaction. Note mutations apply their delta inside the mutation
// transaction; this entry point exists for callers healing drift by
// hand. Idempotent: re-adding a present id and removing an absent one
// are no-ops.
func (db *DB) ApplyTagDelta(noteID string, added, removed []string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := applyTagDelta(tx, noteID, added, removed, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

// applyTagDelta keeps the tags and note_tags tables consistent with a
// note mutation. Counts are recomputed from the join table inside the
// same transaction, so they can never drift from set cardinality.
func applyTagDelta(tx *sql.Tx, noteID string, added, removed []string, now time.Time) error {
	ms := toMillis(now)
	for _, tag := range added {
		tag = NormalizeTag(tag)
		if tag == "" {
			continue
		}
		if _, err := tx.Exec(`INSERT OR IGNORE INTO note_tags (tag, note_id) VALUES (?, ?)`, tag, noteID); err != nil {
			return fmt.Errorf("store: add tag %q: %w", tag, err)
		}
		_, err := tx.Exec(`
			INSERT INTO tags (tag, count, created_at, last_used)
			VALUES (?, (SELECT COUNT(*) FROM note_tags WHERE tag = ?), ?, ?)
			ON CONFLICT(tag) DO UPDATE SET
				count     = (SELECT COUNT(*) FROM note_tags WHERE tag = excluded.tag),
				last_used = excluded.last_used
		`, tag, tag, ms, ms)
		if err != nil {
			return fmt.Errorf("store: upsert tag %q: %w", tag, err)
		}
	}
	for _, tag := range removed {
		tag = NormalizeTag(tag)
		if tag == "" {
			continue
		}
		if _, err := tx.Exec(`DELETE FROM note_tags WHERE tag = ? AND note_id = ?`, tag, noteID); err != nil {
			return fmt.Errorf("store: remove tag %q: %w", tag, err)
		}
		var count int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM note_tags WHERE tag = ?`, tag).Scan(&count); err != nil {
			return fmt.Errorf("store: count tag %q: %w", tag, err)
		}
		if count == 0 {
			if _, err := tx.Exec(`DELETE FROM tags WHERE tag = ?`, tag); err != nil {
				return fmt.Errorf("store: delete tag %q: %w", tag, err)
			}
		} else if _, err := tx.Exec(`UPDATE tags SET count = ? WHERE tag = ?`, count, tag); err != nil {
			return fmt.Errorf("store: update tag %q: %w", tag, err)
		}
	}
	return nil
}

// GetTag returns the index entry for a tag with its note-id set, or
// apperr.ErrNotFound.
func (db *DB) GetTag(tag string) (*TagEntry, error) {
	tag = NormalizeTag(tag)
	var (
		e        TagEntry
		created  int64
		lastUsed int64
	)
	err := db.conn.QueryRow(`SELECT tag, count, created_at, last_used FROM tags WHERE tag = ?`, tag).
		Scan(&e.Tag, &e.Count, &created, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: tag %q: %w", tag, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get tag: %w", err)
	}
	e.CreatedAt = fromMillis(created)
	e.LastUsed = fromMillis(lastUsed)

	ids, err := db.NotesForTag(tag)
	if err != nil {
		return nil, err
	}
	e.NoteIDs = ids
	return &e, nil
}

// ListTags returns every index entry ordered by count descending,
// then tag ascending for determinism. Note-id sets are omitted.
func (db *DB) ListTags() ([]TagEntry, error) {
	rows, err := db.conn.Query(`SELECT tag, count, created_at, last_used FROM tags ORDER BY count DESC, tag ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list tags: %w", err)
	}
	defer rows.Close()

	var out []TagEntry
	for rows.Next() {
		var (
			e        TagEntry
			created  int64
			lastUsed int64
		)
		if err := rows.Scan(&e.Tag, &e.Count, &created, &lastUsed); err != nil {
			return nil, err
		}
		e.CreatedAt = fromMillis(created)
		e.LastUsed = fromMillis(lastUsed)
		out = append(out, e)
	}
	return out, rows.Err()
}

// NotesForTag returns the ids referencing the tag, in id order.
func (db *DB) NotesForTag(tag string) ([]string, error) {
	rows, err := db.conn.Query(`SELECT note_id FROM note_tags WHERE tag = ? ORDER BY note_id`, NormalizeTag(tag))
	if err != nil {
		return nil, fmt.Errorf("store: notes for tag: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ReconcileReport summarizes an orphan-reconciliation sweep.
type ReconcileReport struct {
	EntriesFixed   int `json:"entries_fixed"`
	EntriesRemoved int `json:"entries_removed"`
}

// ReconcileTags heals drift in the derived tag index: ids referencing
// missing or soft-deleted notes are dropped, entries whose set becomes
// empty are deleted, and counts are recomputed.
func (db *DB) ReconcileTags() (ReconcileReport, error) {
	var report ReconcileReport

	tx, err := db.conn.Begin()
	if err != nil {
		return report, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	// Tags with at least one stale reference.
	rows, err := tx.Query(`
		SELECT DISTINCT tag FROM note_tags nt
		WHERE NOT EXISTS (
			SELECT 1 FROM notes n WHERE n.id = nt.note_id AND n.is_deleted = 0
		)
	`)
	if err != nil {
		return report, fmt.Errorf("store: find stale tags: %w", err)
	}
	var stale []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			rows.Close()
			return report, err
		}
		stale = append(stale, tag)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return report, err
	}

	for _, tag := range stale {
		if _, err := tx.Exec(`
			DELETE FROM note_tags WHERE tag = ? AND NOT EXISTS (
				SELECT 1 FROM notes n WHERE n.id = note_tags.note_id AND n.is_deleted = 0
			)
		`, tag); err != nil {
			return report, fmt.Errorf("store: drop stale refs for %q: %w", tag, err)
		}
		var count int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM note_tags WHERE tag = ?`, tag).Scan(&count); err != nil {
			return report, err
		}
		if count == 0 {
			if _, err := tx.Exec(`DELETE FROM tags WHERE tag = ?`, tag); err != nil {
				return report, err
			}
			report.EntriesRemoved++
		} else {
			if _, err := tx.Exec(`UPDATE tags SET count = ? WHERE tag = ?`, count, tag); err != nil {
				return report, err
			}
			report.EntriesFixed++
		}
	}

	// Entries with no references at all (the set is empty).
	res, err := tx.Exec(`DELETE FROM tags WHERE tag NOT IN (SELECT DISTINCT tag FROM note_tags)`)
	if err != nil {
		return report, fmt.Errorf("store: drop empty entries: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		report.EntriesRemoved += int(n)
	}

	if err := tx.Commit(); err != nil {
		return report, fmt.Errorf("store: commit: %w", err)
	}
	return report, nil
}
