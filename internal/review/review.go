// Package review schedules spaced repetition of notes: interval-table
// selection, outcome adjustment, due lists, weak-spot detection, and
// flashbacks.
package review

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nbrewer/mneme/internal/apperr"
	"github.com/nbrewer/mneme/internal/store"
)

// Outcome grades one review.
type Outcome string

const (
	OutcomeEasy      Outcome = "easy"
	OutcomeMedium    Outcome = "medium"
	OutcomeHard      Outcome = "hard"
	OutcomeForgotten Outcome = "forgotten"
)

// Score maps an outcome onto the 0..3 performance scale used for
// mastered-table selection.
func (o Outcome) Score() (int, bool) {
	switch o {
	case OutcomeForgotten:
		return 0, true
	case OutcomeHard:
		return 1, true
	case OutcomeMedium:
		return 2, true
	case OutcomeEasy:
		return 3, true
	}
	return 0, false
}

// Tables holds the three day-interval ladders.
type Tables struct {
	Standard    []int `yaml:"standard" json:"standard"`
	Accelerated []int `yaml:"accelerated" json:"accelerated"`
	Mastered    []int `yaml:"mastered" json:"mastered"`
}

// DefaultTables returns the built-in interval ladders.
func DefaultTables() Tables {
	return Tables{
		Standard:    []int{1, 3, 7, 14, 30},
		Accelerated: []int{1, 2, 3, 5, 8},
		Mastered:    []int{14, 30, 60, 90},
	}
}

// Policy selects interval tables. It is a replaceable heuristic, not a
// principled spaced-repetition formula.
type Policy struct {
	Tables             Tables
	AccelerateTags     []string
	MasteredMinReviews int
	MasteredMinScore   float64
}

// DefaultPolicy returns the standard selection policy with no
// accelerate tags.
func DefaultPolicy() Policy {
	return Policy{
		Tables:             DefaultTables(),
		MasteredMinReviews: 3,
		MasteredMinScore:   2.5,
	}
}

// WeakSpot is a tag whose notes are under-reviewed.
type WeakSpot struct {
	Tag             string     `json:"tag"`
	NoteCount       int        `json:"note_count"`
	MeanReviewCount float64    `json:"mean_review_count"`
	LastReviewed    *time.Time `json:"last_reviewed,omitempty"`
	DaysSince       int        `json:"days_since"`
}

// Scheduler computes next-review timestamps and review analytics over
// the document store. Policy swaps are safe at runtime (the config
// watcher hot-reloads accelerate tags).
type Scheduler struct {
	db *store.DB

	// Now is the clock; tests pin it.
	Now func() time.Time

	mu     sync.RWMutex
	policy Policy
	accel  map[string]struct{}
}

// NewScheduler builds a scheduler over the store with the given policy.
func NewScheduler(db *store.DB, p Policy) *Scheduler {
	s := &Scheduler{db: db, Now: time.Now}
	s.SetPolicy(p)
	return s
}

// SetPolicy replaces the selection policy. Empty tables and zero
// thresholds fall back to the defaults individually, so a partial
// policy can never leave a selectable table with no rungs.
func (s *Scheduler) SetPolicy(p Policy) {
	defaults := DefaultTables()
	if len(p.Tables.Standard) == 0 {
		p.Tables.Standard = defaults.Standard
	}
	if len(p.Tables.Accelerated) == 0 {
		p.Tables.Accelerated = defaults.Accelerated
	}
	if len(p.Tables.Mastered) == 0 {
		p.Tables.Mastered = defaults.Mastered
	}
	if p.MasteredMinReviews <= 0 {
		p.MasteredMinReviews = 3
	}
	if p.MasteredMinScore <= 0 {
		p.MasteredMinScore = 2.5
	}
	accel := make(map[string]struct{}, len(p.AccelerateTags))
	for _, t := range p.AccelerateTags {
		if n := store.NormalizeTag(t); n != "" {
			accel[n] = struct{}{}
		}
	}
	s.mu.Lock()
	s.policy = p
	s.accel = accel
	s.mu.Unlock()
}

// Policy returns the current selection policy.
func (s *Scheduler) Policy() Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

// Due returns the non-deleted notes whose next review is unset or not
// after now — never-reviewed notes first, then by next-review time.
// limit <= 0 means no limit.
func (s *Scheduler) Due(now time.Time, limit int) ([]*store.Note, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.SQL().Query(`
		SELECT id FROM notes
		WHERE is_deleted = 0 AND (next_review IS NULL OR next_review <= ?)
		ORDER BY next_review IS NOT NULL, next_review ASC, id ASC
		LIMIT ?
	`, now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("review: due: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*store.Note, 0, len(ids))
	for _, id := range ids {
		n, err := s.db.Get(id)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				continue // deleted between queries
			}
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// RecordOutcome applies one reviewed transition: selects the interval
// table from tag membership and prior performance, adjusts the interval
// index by the outcome, stamps next_review, and appends a bounded
// history entry — all within one transaction.
func (s *Scheduler) RecordOutcome(id string, outcome Outcome) (*store.Note, error) {
	if _, ok := outcome.Score(); !ok {
		return nil, apperr.Validation([]string{"outcome: must be one of easy, medium, hard, forgotten"})
	}

	now := s.Now().UTC()
	conn := s.db.SQL()

	tx, err := conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("review: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var (
		tagsJSON    string
		historyJSON string
		reviewCount int
		idx         int
	)
	err = tx.QueryRow(`
		SELECT tags, review_history, review_count, review_interval_idx
		FROM notes WHERE id = ? AND is_deleted = 0
	`, id).Scan(&tagsJSON, &historyJSON, &reviewCount, &idx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("review: load note: %w", err)
	}

	var tags []string
	var history []store.ReviewEntry
	if err := json.Unmarshal([]byte(tagsJSON), &tags); err != nil {
		return nil, fmt.Errorf("review: decode tags: %w", err)
	}
	if err := json.Unmarshal([]byte(historyJSON), &history); err != nil {
		return nil, fmt.Errorf("review: decode history: %w", err)
	}

	// Table selection uses performance recorded before this outcome.
	table := s.selectTable(tags, reviewCount, history)
	idx = adjustIndex(idx, outcome, len(table))
	intervalDays := table[idx]
	next := now.Add(time.Duration(intervalDays) * 24 * time.Hour)

	history = append(history, store.ReviewEntry{Timestamp: now, Outcome: string(outcome), IntervalDays: intervalDays})
	if len(history) > store.MaxHistory {
		history = history[len(history)-store.MaxHistory:]
	}
	newHistory, err := json.Marshal(history)
	if err != nil {
		return nil, fmt.Errorf("review: encode history: %w", err)
	}

	_, err = tx.Exec(`
		UPDATE notes
		SET last_reviewed = ?, review_count = review_count + 1, next_review = ?,
		    review_interval_idx = ?, review_history = ?, updated_at = ?
		WHERE id = ?
	`, now.UnixMilli(), next.UnixMilli(), idx, string(newHistory), now.UnixMilli(), id)
	if err != nil {
		return nil, fmt.Errorf("review: record outcome: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("review: commit: %w", err)
	}
	return s.db.Get(id)
}

// selectTable picks the interval ladder: accelerate-tag membership
// first, then the mastered heuristic, else standard.
func (s *Scheduler) selectTable(tags []string, reviewCount int, history []store.ReviewEntry) []int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range tags {
		if _, ok := s.accel[t]; ok {
			return s.policy.Tables.Accelerated
		}
	}
	if reviewCount >= s.policy.MasteredMinReviews && len(history) > 0 {
		sum, n := 0, 0
		for _, e := range history {
			if score, ok := Outcome(e.Outcome).Score(); ok {
				sum += score
				n++
			}
		}
		if n > 0 && float64(sum)/float64(n) >= s.policy.MasteredMinScore {
			return s.policy.Tables.Mastered
		}
	}
	return s.policy.Tables.Standard
}

// adjustIndex clamps idx into the table, then applies the outcome:
// easy advances (capped at the last slot), medium holds, hard regresses
// (floored at 0), forgotten resets to 0.
func adjustIndex(idx int, outcome Outcome, tableLen int) int {
	if idx < 0 {
		idx = 0
	}
	if idx > tableLen-1 {
		idx = tableLen - 1
	}
	switch outcome {
	case OutcomeEasy:
		if idx < tableLen-1 {
			idx++
		}
	case OutcomeHard:
		if idx > 0 {
			idx--
		}
	case OutcomeForgotten:
		idx = 0
	}
	return idx
}

// WeakSpots reports tags whose notes are stale and under-reviewed:
// days since the last review ≥ 14, mean review count < 2, and at least
// two notes — sorted by staleness, most stale first. Tags never
// reviewed at all measure staleness from their newest note's creation.
func (s *Scheduler) WeakSpots(now time.Time) ([]WeakSpot, error) {
	rows, err := s.db.SQL().Query(`
		SELECT nt.tag, COUNT(*), AVG(n.review_count), MAX(n.last_reviewed), MAX(n.created_at)
		FROM note_tags nt
		JOIN notes n ON n.id = nt.note_id
		WHERE n.is_deleted = 0
		GROUP BY nt.tag
	`)
	if err != nil {
		return nil, fmt.Errorf("review: weak spots: %w", err)
	}
	defer rows.Close()

	var out []WeakSpot
	for rows.Next() {
		var (
			ws           WeakSpot
			lastReviewed sql.NullInt64
			newestNote   int64
		)
		if err := rows.Scan(&ws.Tag, &ws.NoteCount, &ws.MeanReviewCount, &lastReviewed, &newestNote); err != nil {
			return nil, err
		}
		ref := time.UnixMilli(newestNote).UTC()
		if lastReviewed.Valid {
			ref = time.UnixMilli(lastReviewed.Int64).UTC()
			t := ref
			ws.LastReviewed = &t
		}
		ws.DaysSince = int(now.Sub(ref).Hours() / 24)
		if ws.DaysSince >= 14 && ws.MeanReviewCount < 2 && ws.NoteCount >= 2 {
			out = append(out, ws)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DaysSince != out[j].DaysSince {
			return out[i].DaysSince > out[j].DaysSince
		}
		return out[i].Tag < out[j].Tag
	})
	return out, nil
}

// Flashback returns a uniformly random non-deleted note created at
// least six months ago, or nil when none exists.
func (s *Scheduler) Flashback(now time.Time) (*store.Note, error) {
	cutoff := now.AddDate(0, -6, 0)
	var id string
	err := s.db.SQL().QueryRow(`
		SELECT id FROM notes WHERE is_deleted = 0 AND created_at <= ?
		ORDER BY RANDOM() LIMIT 1
	`, cutoff.UnixMilli()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("review: flashback: %w", err)
	}
	return s.db.Get(id)
}
