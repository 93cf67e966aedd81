// Package store implements the SQLite-backed data engine: the document
// store, its tag index, the search path, and the retention sweep.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nbrewer/mneme/internal/ident"
)

// Timestamps are stored as Unix milliseconds so range scans and ordering
// are plain integer comparisons.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS notes (
	id                  TEXT PRIMARY KEY,
	title               TEXT NOT NULL DEFAULT '',
	body                TEXT NOT NULL,
	tags                TEXT NOT NULL DEFAULT '[]',
	created_at          INTEGER NOT NULL,
	updated_at          INTEGER NOT NULL,
	is_deleted          INTEGER NOT NULL DEFAULT 0,
	deleted_at          INTEGER,
	last_reviewed       INTEGER,
	review_count        INTEGER NOT NULL DEFAULT 0,
	next_review         INTEGER,
	review_interval_idx INTEGER NOT NULL DEFAULT 0,
	review_history      TEXT NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_notes_updated ON notes(is_deleted, updated_at);
CREATE INDEX IF NOT EXISTS idx_notes_next_review ON notes(is_deleted, next_review);
CREATE INDEX IF NOT EXISTS idx_notes_deleted_at ON notes(is_deleted, deleted_at);

CREATE TABLE IF NOT EXISTS tags (
	tag        TEXT PRIMARY KEY,
	count      INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	last_used  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS note_tags (
	tag     TEXT NOT NULL,
	note_id TEXT NOT NULL,
	UNIQUE(tag, note_id)
);

CREATE INDEX IF NOT EXISTS idx_note_tags_tag ON note_tags(tag);
CREATE INDEX IF NOT EXISTS idx_note_tags_note ON note_tags(note_id);

CREATE TABLE IF NOT EXISTS operations (
	id            TEXT PRIMARY KEY,
	kind          TEXT NOT NULL,
	payload       TEXT NOT NULL DEFAULT '',
	retry_count   INTEGER NOT NULL DEFAULT 0,
	max_retries   INTEGER NOT NULL DEFAULT 3,
	status        TEXT NOT NULL DEFAULT 'pending',
	scheduled_for INTEGER NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_operations_ready ON operations(status, scheduled_for);

CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS attachments (
	id         TEXT PRIMARY KEY,
	note_id    TEXT NOT NULL DEFAULT '',
	name       TEXT NOT NULL,
	size       INTEGER NOT NULL,
	checksum   TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_attachments_note ON attachments(note_id);
`

// DB wraps a sql.DB with document-store and tag-index operations. The
// queue, review, settings, and attachment layers share the same
// connection via SQL().
type DB struct {
	conn *sql.DB
	ids  *ident.Generator
}

// Open opens (or creates) the SQLite database and applies the schema.
// Transactions take the write lock up front (_txlock=immediate) so the
// read-merge-write paths in Update serialize per database, not per
// statement.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &DB{conn: conn, ids: ident.NewGenerator()}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// SQL exposes the shared connection for the sibling layers (queue,
// review, settings, attachments) that own their tables in this schema.
func (db *DB) SQL() *sql.DB {
	return db.conn
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
