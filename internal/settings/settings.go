// Package settings is a small key/value store for user preferences,
// persisted next to the notes they describe.
package settings

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nbrewer/mneme/internal/apperr"
)

// Entry is one stored preference.
type Entry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store reads and writes the settings table.
type Store struct {
	conn *sql.DB
}

// New builds a settings store over an open database.
func New(conn *sql.DB) *Store {
	return &Store{conn: conn}
}

// Get returns the entry for key, or ErrNotFound.
func (s *Store) Get(key string) (*Entry, error) {
	var (
		e  Entry
		ms int64
	)
	err := s.conn.QueryRow(`SELECT key, value, updated_at FROM settings WHERE key = ?`, key).
		Scan(&e.Key, &e.Value, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("settings: get %q: %w", key, err)
	}
	e.UpdatedAt = time.UnixMilli(ms).UTC()
	return &e, nil
}

// Set stores value under key, replacing any previous value.
func (s *Store) Set(key, value string) (*Entry, error) {
	if key == "" {
		return nil, apperr.Validation([]string{"key: cannot be blank"})
	}
	now := time.Now().UTC()
	_, err := s.conn.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("settings: set %q: %w", key, err)
	}
	return &Entry{Key: key, Value: value, UpdatedAt: now}, nil
}

// Delete removes key. Deleting an absent key is an error so callers
// can distinguish cleanup from typos.
func (s *Store) Delete(key string) error {
	res, err := s.conn.Exec(`DELETE FROM settings WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("settings: delete %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// List returns all entries ordered by key.
func (s *Store) List() ([]*Entry, error) {
	rows, err := s.conn.Query(`SELECT key, value, updated_at FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("settings: list: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var (
			e  Entry
			ms int64
		)
		if err := rows.Scan(&e.Key, &e.Value, &ms); err != nil {
			return nil, err
		}
		e.UpdatedAt = time.UnixMilli(ms).UTC()
		out = append(out, &e)
	}
	return out, rows.Err()
}
