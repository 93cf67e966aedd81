package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/nbrewer/mneme/internal/apperr"
	"github.com/nbrewer/mneme/internal/ident"
	"github.com/nbrewer/mneme/internal/markdown"
)

// MaxHistory bounds the per-note review log; oldest entries drop first.
const MaxHistory = 20

// Note is the primary record owned by the document store.
type Note struct {
	ID            string        `json:"id"`
	Title         string        `json:"title"`
	Body          string        `json:"body"`
	Tags          []string      `json:"tags"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	IsDeleted     bool          `json:"is_deleted,omitempty"`
	DeletedAt     *time.Time    `json:"deleted_at,omitempty"`
	LastReviewed  *time.Time    `json:"last_reviewed,omitempty"`
	ReviewCount   int           `json:"review_count"`
	NextReview    *time.Time    `json:"next_review,omitempty"`
	IntervalIndex int           `json:"interval_index"`
	ReviewHistory []ReviewEntry `json:"review_history,omitempty"`
}

// ReviewEntry is one recorded review transition.
type ReviewEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	Outcome      string    `json:"outcome"`
	IntervalDays int       `json:"interval_days"`
}

// NotePatch is a partial note update; nil fields are left unchanged.
type NotePatch struct {
	Title *string
	Body  *string
	Tags  *[]string
}

// ListOptions filters and pages List results.
type ListOptions struct {
	Tag            string
	IncludeDeleted bool
	Sort           string // updated_at (default), created_at, title
	Limit          int
	Offset         int
}

const noteColumns = `id, title, body, tags, created_at, updated_at, is_deleted, deleted_at,
	last_reviewed, review_count, next_review, review_interval_idx, review_history`

// Create validates and inserts a new note. The id is assigned when
// absent, the title derived from the body when absent, and the tag
// index updated within the same transaction.
func (db *DB) Create(n *Note) (*Note, error) {
	if n == nil {
		n = &Note{}
	}
	if err := validateNote(n.ID, n.Body, n.Tags); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	note := &Note{
		ID:            n.ID,
		Title:         strings.TrimSpace(n.Title),
		Body:          n.Body,
		Tags:          normalizeTags(n.Tags),
		CreatedAt:     now,
		UpdatedAt:     now,
		ReviewHistory: []ReviewEntry{},
	}
	if note.ID == "" {
		note.ID = db.ids.Generate(now)
	}
	if note.Title == "" {
		note.Title = markdown.DeriveTitle(note.Body)
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	tagsJSON, _ := json.Marshal(note.Tags)
	_, err = tx.Exec(`
		INSERT INTO notes (id, title, body, tags, created_at, updated_at, review_history)
		VALUES (?, ?, ?, ?, ?, ?, '[]')
	`, note.ID, note.Title, note.Body, string(tagsJSON), toMillis(now), toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("store: insert note: %w", err)
	}
	if err := applyTagDelta(tx, note.ID, note.Tags, nil, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}
	return note, nil
}

// Update merges the patch into the existing note, re-validates the
// merged record, and commits the row update together with the tag-index
// delta. Nothing is committed when any step fails.
func (db *DB) Update(id string, patch NotePatch) (*Note, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	cur, err := getNoteTx(tx, id, false)
	if err != nil {
		return nil, err
	}

	merged := *cur
	if patch.Title != nil {
		merged.Title = strings.TrimSpace(*patch.Title)
	}
	if patch.Body != nil {
		merged.Body = *patch.Body
	}
	if patch.Tags != nil {
		if err := validateNote(id, merged.Body, *patch.Tags); err != nil {
			return nil, err
		}
		merged.Tags = normalizeTags(*patch.Tags)
	} else if err := validateNote(id, merged.Body, merged.Tags); err != nil {
		return nil, err
	}
	if merged.Title == "" {
		merged.Title = markdown.DeriveTitle(merged.Body)
	}

	now := time.Now().UTC()
	merged.UpdatedAt = now

	added, removed := diffTags(cur.Tags, merged.Tags)
	tagsJSON, _ := json.Marshal(merged.Tags)
	_, err = tx.Exec(`
		UPDATE notes SET title = ?, body = ?, tags = ?, updated_at = ? WHERE id = ?
	`, merged.Title, merged.Body, string(tagsJSON), toMillis(now), id)
	if err != nil {
		return nil, fmt.Errorf("store: update note: %w", err)
	}
	if err := applyTagDelta(tx, id, added, removed, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}
	return &merged, nil
}

// SoftDelete marks the note deleted and removes every tag-index entry
// referencing it. The note's own tag list is left intact so an undo can
// restore the index from it.
func (db *DB) SoftDelete(id string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	cur, err := getNoteTx(tx, id, false)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err = tx.Exec(`
		UPDATE notes SET is_deleted = 1, deleted_at = ?, updated_at = ? WHERE id = ?
	`, toMillis(now), toMillis(now), id)
	if err != nil {
		return fmt.Errorf("store: soft delete: %w", err)
	}
	if err := applyTagDelta(tx, id, nil, cur.Tags, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// Get returns the note with the given id, treating soft-deleted records
// as absent.
func (db *DB) Get(id string) (*Note, error) {
	return db.get(id, false)
}

// GetAny returns the note with the given id including soft-deleted
// records.
func (db *DB) GetAny(id string) (*Note, error) {
	return db.get(id, true)
}

func (db *DB) get(id string, includeDeleted bool) (*Note, error) {
	q := `SELECT ` + noteColumns + ` FROM notes WHERE id = ?`
	if !includeDeleted {
		q += ` AND is_deleted = 0`
	}
	n, err := scanNote(db.conn.QueryRow(q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get note: %w", err)
	}
	return n, nil
}

// List returns notes matching opts plus the total match count before
// paging. Soft-deleted notes are filtered out unless requested.
func (db *DB) List(opts ListOptions) ([]*Note, int, error) {
	where := `WHERE 1=1`
	var args []any
	if !opts.IncludeDeleted {
		where += ` AND n.is_deleted = 0`
	}
	if opts.Tag != "" {
		where += ` AND n.id IN (SELECT note_id FROM note_tags WHERE tag = ?)`
		args = append(args, NormalizeTag(opts.Tag))
	}

	var total int
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM notes n `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count notes: %w", err)
	}

	order := ` ORDER BY n.updated_at DESC, n.id DESC`
	switch opts.Sort {
	case "", "updated_at":
	case "created_at":
		order = ` ORDER BY n.created_at DESC, n.id DESC`
	case "title":
		order = ` ORDER BY n.title COLLATE NOCASE ASC, n.id DESC`
	default:
		return nil, 0, apperr.Validation([]string{"sort: must be one of updated_at, created_at, title"})
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	q := `SELECT ` + noteColumns + ` FROM notes n ` + where + order + ` LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := db.conn.Query(q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list notes: %w", err)
	}
	defer rows.Close()

	var out []*Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("store: scan note: %w", err)
		}
		out = append(out, n)
	}
	return out, total, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNote(row rowScanner) (*Note, error) {
	var (
		n            Note
		tagsJSON     string
		historyJSON  string
		createdAt    int64
		updatedAt    int64
		isDeleted    int
		deletedAt    sql.NullInt64
		lastReviewed sql.NullInt64
		nextReview   sql.NullInt64
	)
	err := row.Scan(&n.ID, &n.Title, &n.Body, &tagsJSON, &createdAt, &updatedAt,
		&isDeleted, &deletedAt, &lastReviewed, &n.ReviewCount, &nextReview,
		&n.IntervalIndex, &historyJSON)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tagsJSON), &n.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if err := json.Unmarshal([]byte(historyJSON), &n.ReviewHistory); err != nil {
		return nil, fmt.Errorf("decode review history: %w", err)
	}
	if n.Tags == nil {
		n.Tags = []string{}
	}
	n.CreatedAt = fromMillis(createdAt)
	n.UpdatedAt = fromMillis(updatedAt)
	n.IsDeleted = isDeleted != 0
	n.DeletedAt = timePtr(deletedAt)
	n.LastReviewed = timePtr(lastReviewed)
	n.NextReview = timePtr(nextReview)
	return &n, nil
}

func getNoteTx(tx *sql.Tx, id string, includeDeleted bool) (*Note, error) {
	q := `SELECT ` + noteColumns + ` FROM notes WHERE id = ?`
	if !includeDeleted {
		q += ` AND is_deleted = 0`
	}
	n, err := scanNote(tx.QueryRow(q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get note: %w", err)
	}
	return n, nil
}

// validateNote collects every violated rule before refusing to commit.
func validateNote(id, body string, tags []string) error {
	errs := validation.Errors{
		"body": validation.Validate(strings.TrimSpace(body), validation.Required.Error("must not be empty")),
	}
	if id != "" && !ident.IsValid(id) {
		errs["id"] = errors.New("must be a valid sortable identifier")
	}
	for _, tag := range tags {
		if strings.TrimSpace(tag) == "" {
			errs["tags"] = errors.New("must not contain blank tags")
			break
		}
	}
	ferr := errs.Filter()
	if ferr == nil {
		return nil
	}
	var violations []string
	for field, e := range ferr.(validation.Errors) {
		violations = append(violations, field+": "+e.Error())
	}
	sort.Strings(violations)
	return apperr.Validation(violations)
}

// normalizeTags trims, lowercases, dedupes, and sorts.
func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = NormalizeTag(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// diffTags computes the (added, removed) sets between two normalized
// tag lists.
func diffTags(before, after []string) (added, removed []string) {
	b := make(map[string]struct{}, len(before))
	for _, t := range before {
		b[t] = struct{}{}
	}
	a := make(map[string]struct{}, len(after))
	for _, t := range after {
		a[t] = struct{}{}
		if _, ok := b[t]; !ok {
			added = append(added, t)
		}
	}
	for _, t := range before {
		if _, ok := a[t]; !ok {
			removed = append(removed, t)
		}
	}
	return added, removed
}
