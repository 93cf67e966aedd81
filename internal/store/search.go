package store

import (
	"fmt"
	"sort"
	"strings"
)

// Search answers combined free-text and tag-intersection queries.
//
// Candidates are the non-deleted notes whose tag set is a superset of
// the requested tags (AND semantics; no tags means no constraint),
// narrowed through the tag index before the substring scan. A non-empty
// query keeps only notes whose lowercased title or body contains the
// lowercased query. Ordering is deterministic: title matches before
// body-only matches, descending updated_at within each group, id
// descending on ties. Paging applies after the full ordering so page
// boundaries are stable.
func (db *DB) Search(query string, tags []string, limit, offset int) ([]*Note, error) {
	candidates, err := db.searchCandidates(normalizeTags(tags))
	if err != nil {
		return nil, err
	}

	q := strings.ToLower(strings.TrimSpace(query))

	type hit struct {
		note       *Note
		titleMatch bool
	}
	hits := make([]hit, 0, len(candidates))
	for _, n := range candidates {
		if q == "" {
			hits = append(hits, hit{note: n})
			continue
		}
		titleMatch := strings.Contains(strings.ToLower(n.Title), q)
		if titleMatch || strings.Contains(strings.ToLower(n.Body), q) {
			hits = append(hits, hit{note: n, titleMatch: titleMatch})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.titleMatch != b.titleMatch {
			return a.titleMatch
		}
		au, bu := a.note.UpdatedAt.UnixMilli(), b.note.UpdatedAt.UnixMilli()
		if au != bu {
			return au > bu
		}
		return a.note.ID > b.note.ID
	})

	if offset >= len(hits) {
		return []*Note{}, nil
	}
	hits = hits[offset:]
	if limit > 0 && limit < len(hits) {
		hits = hits[:limit]
	}

	out := make([]*Note, len(hits))
	for i, h := range hits {
		out[i] = h.note
	}
	return out, nil
}

// searchCandidates fetches the non-deleted notes carrying every
// requested tag, using the join table so the linear-cost substring scan
// only sees the narrowed set.
func (db *DB) searchCandidates(tags []string) ([]*Note, error) {
	q := `SELECT ` + noteColumns + ` FROM notes WHERE is_deleted = 0`
	var args []any
	if len(tags) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(tags)), ",")
		q += ` AND id IN (
			SELECT note_id FROM note_tags WHERE tag IN (` + placeholders + `)
			GROUP BY note_id HAVING COUNT(DISTINCT tag) = ?
		)`
		for _, t := range tags {
			args = append(args, t)
		}
		args = append(args, len(tags))
	}

	rows, err := db.conn.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: search candidates: %w", err)
	}
	defer rows.Close()

	var out []*Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan candidate: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
