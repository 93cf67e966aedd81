// Package queue implements the durable, at-least-once work queue for
// deferred operations such as tag generation. Operations live in the
// engine's SQLite database; eligibility, backoff, and terminal failure
// are pure status/timestamp transitions so the queue never needs to
// know why an attempt failed.
package queue

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nbrewer/mneme/internal/apperr"
	"github.com/nbrewer/mneme/internal/ident"
)

// DefaultMaxRetries is the retry budget applied by Enqueue.
const DefaultMaxRetries = 3

// Status is the lifecycle state of a queued operation.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Operation is one durable unit of deferred work. Payload is opaque to
// the queue; the collaborator that enqueued it owns the format.
type Operation struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	Payload      string    `json:"payload"`
	RetryCount   int       `json:"retry_count"`
	MaxRetries   int       `json:"max_retries"`
	Status       Status    `json:"status"`
	ScheduledFor time.Time `json:"scheduled_for"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Queue is a handle on the operations table.
type Queue struct {
	conn *sql.DB
	ids  *ident.Generator
}

// New wraps the shared engine database. The operations table is part of
// the store schema.
func New(conn *sql.DB) *Queue {
	return &Queue{conn: conn, ids: ident.NewGenerator()}
}

// Enqueue inserts a pending operation eligible after the given delay,
// with the default retry budget.
func (q *Queue) Enqueue(kind, payload string, delay time.Duration) (string, error) {
	return q.EnqueueWithRetries(kind, payload, delay, DefaultMaxRetries)
}

// EnqueueWithRetries inserts a pending operation with an explicit retry
// budget.
func (q *Queue) EnqueueWithRetries(kind, payload string, delay time.Duration, maxRetries int) (string, error) {
	if strings.TrimSpace(kind) == "" {
		return "", apperr.Validation([]string{"kind: must not be empty"})
	}
	if maxRetries < 0 {
		return "", apperr.Validation([]string{"max_retries: must not be negative"})
	}

	now := time.Now().UTC()
	id := q.ids.Generate(now)
	_, err := q.conn.Exec(`
		INSERT INTO operations (id, kind, payload, max_retries, status, scheduled_for, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, kind, payload, maxRetries, StatusPending, now.Add(delay).UnixMilli(), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("queue: enqueue: %w", err)
	}
	return id, nil
}

// DequeueReady hands out operations that are pending and scheduled at
// or before now, flipping them to processing inside the selecting
// transaction so concurrent workers never hold the same operation.
// limit <= 0 means no limit.
func (q *Queue) DequeueReady(now time.Time, limit int) ([]Operation, error) {
	return q.DequeueReadyKinds(now, limit, nil)
}

// DequeueReadyKinds is DequeueReady restricted to the given operation
// kinds. A nil or empty kinds list claims any kind. The in-process
// worker uses the filter so it never steals work meant for external
// collaborators polling over the API.
func (q *Queue) DequeueReadyKinds(now time.Time, limit int, kinds []string) ([]Operation, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT ` + opColumns + ` FROM operations
		WHERE status = ? AND scheduled_for <= ?`
	args := []any{StatusPending, now.UnixMilli()}
	if len(kinds) > 0 {
		query += ` AND kind IN (?` + strings.Repeat(", ?", len(kinds)-1) + `)`
		for _, k := range kinds {
			args = append(args, k)
		}
	}
	query += `
		ORDER BY scheduled_for ASC, id ASC
		LIMIT ?`
	args = append(args, limit)

	tx, err := q.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("queue: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("queue: select ready: %w", err)
	}
	var ops []Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("queue: scan: %w", err)
		}
		ops = append(ops, op)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ms := now.UTC().UnixMilli()
	for i := range ops {
		if _, err := tx.Exec(`UPDATE operations SET status = ?, updated_at = ? WHERE id = ?`,
			StatusProcessing, ms, ops[i].ID); err != nil {
			return nil, fmt.Errorf("queue: mark processing: %w", err)
		}
		ops[i].Status = StatusProcessing
		ops[i].UpdatedAt = time.UnixMilli(ms).UTC()
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("queue: commit: %w", err)
	}
	return ops, nil
}

// Complete marks an in-flight operation as done. Completing an already
// terminal operation is a no-op.
func (q *Queue) Complete(id string) error {
	res, err := q.conn.Exec(`
		UPDATE operations SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, StatusCompleted, time.Now().UTC().UnixMilli(), id, StatusPending, StatusProcessing)
	if err != nil {
		return fmt.Errorf("queue: complete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := q.Get(id); err != nil {
			return err
		}
	}
	return nil
}

// Fail records a failed attempt. While the retry budget is not
// exhausted the operation stays pending with its eligibility pushed out
// by 2^retry_count seconds, and Fail returns true — meaning "will
// retry", not "retried successfully". Once retry_count reaches
// max_retries the operation becomes failed permanently and Fail
// returns false. Failing a terminal operation mutates nothing; a report
// against an operation that already exhausted its budget returns
// apperr.ErrRetriesExceeded so the caller can tell it apart from a
// freshly terminal one.
func (q *Queue) Fail(id, errorMessage string) (bool, error) {
	tx, err := q.conn.Begin()
	if err != nil {
		return false, fmt.Errorf("queue: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	op, err := getOperationTx(tx, id)
	if err != nil {
		return false, err
	}
	if op.Status == StatusCompleted || op.Status == StatusFailed {
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("queue: commit: %w", err)
		}
		if op.Status == StatusFailed {
			return false, fmt.Errorf("queue: operation %s: %w", id, apperr.ErrRetriesExceeded)
		}
		return false, nil
	}

	now := time.Now().UTC()
	op.RetryCount++
	backoff := time.Duration(1<<uint(op.RetryCount)) * time.Second

	status := StatusPending
	retrying := true
	if op.RetryCount >= op.MaxRetries {
		status = StatusFailed
		retrying = false
	}

	_, err = tx.Exec(`
		UPDATE operations
		SET status = ?, retry_count = ?, scheduled_for = ?, error_message = ?, updated_at = ?
		WHERE id = ?
	`, status, op.RetryCount, now.Add(backoff).UnixMilli(), errorMessage, now.UnixMilli(), id)
	if err != nil {
		return false, fmt.Errorf("queue: fail: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("queue: commit: %w", err)
	}
	if !retrying {
		return false, nil
	}
	return true, nil
}

// Get returns an operation by id.
func (q *Queue) Get(id string) (*Operation, error) {
	op, err := scanOperation(q.conn.QueryRow(`SELECT `+opColumns+` FROM operations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("queue: get: %w", err)
	}
	return &op, nil
}

// List returns operations filtered by status (empty means all), newest
// first.
func (q *Queue) List(status Status, limit int) ([]Operation, error) {
	if limit <= 0 {
		limit = -1
	}
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = q.conn.Query(`SELECT `+opColumns+` FROM operations ORDER BY id DESC LIMIT ?`, limit)
	} else {
		rows, err = q.conn.Query(`SELECT `+opColumns+` FROM operations WHERE status = ? ORDER BY id DESC LIMIT ?`, status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("queue: list: %w", err)
	}
	defer rows.Close()

	var out []Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// PurgeCompleted garbage-collects completed operations last touched
// strictly before cutoff. Returns the number removed.
func (q *Queue) PurgeCompleted(cutoff time.Time) (int, error) {
	res, err := q.conn.Exec(`DELETE FROM operations WHERE status = ? AND updated_at < ?`,
		StatusCompleted, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("queue: purge completed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

const opColumns = `id, kind, payload, retry_count, max_retries, status, scheduled_for, error_message, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (Operation, error) {
	var (
		op           Operation
		scheduledFor int64
		createdAt    int64
		updatedAt    int64
	)
	err := row.Scan(&op.ID, &op.Kind, &op.Payload, &op.RetryCount, &op.MaxRetries,
		&op.Status, &scheduledFor, &op.ErrorMessage, &createdAt, &updatedAt)
	if err != nil {
		return op, err
	}
	op.ScheduledFor = time.UnixMilli(scheduledFor).UTC()
	op.CreatedAt = time.UnixMilli(createdAt).UTC()
	op.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return op, nil
}

func getOperationTx(tx *sql.Tx, id string) (Operation, error) {
	op, err := scanOperation(tx.QueryRow(`SELECT `+opColumns+` FROM operations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return op, apperr.ErrNotFound
	}
	if err != nil {
		return op, fmt.Errorf("queue: get: %w", err)
	}
	return op, nil
}
