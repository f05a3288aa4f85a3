package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/michaelbrown/runbox/internal/storage"

	_ "modernc.org/sqlite"
)

// ExecutionState is the ledger state of one dispatched job.
type ExecutionState string

const (
	StateClaimed   ExecutionState = "claimed"
	StateCompleted ExecutionState = "completed"
	StateRequeued  ExecutionState = "requeued"
)

// Execution is one row of the local execution ledger.
type Execution struct {
	JobID       string         `json:"job_id"`
	UserID      string         `json:"user_id"`
	Language    string         `json:"language"`
	State       ExecutionState `json:"state"`
	Outcome     string         `json:"outcome,omitempty"`
	Duration    time.Duration  `json:"duration"`
	OutputBytes int            `json:"output_bytes"`
	ClaimedAt   time.Time      `json:"claimed_at"`
	FinishedAt  time.Time      `json:"finished_at,omitempty"`
}

// Completion describes how a claimed job finished.
type Completion struct {
	JobID       string
	Outcome     string
	Duration    time.Duration
	OutputBytes int
}

// ListOptions controls filtering and pagination for List.
type ListOptions struct {
	State  ExecutionState
	Limit  int
	Offset int
}

// ErrExecutionNotFound is returned by Get for a job the ledger never saw.
var ErrExecutionNotFound = errors.New("execution not found")

// ErrLedgerLocked is returned by OpenExclusive while another dispatcher owns the ledger.
var ErrLedgerLocked = errors.New("execution ledger is owned by another dispatcher")

// Ledger records which jobs this dispatcher instance claimed and finished.
type Ledger struct {
	db   *sql.DB
	lock *flock.Flock
}

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for testing). Open does not
// take ownership; readers such as the history command use it.
func Open(dbPath string) (*Ledger, error) {
	if err := ensureDir(dbPath); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Ledger{db: db}, nil
}

// OpenExclusive opens the ledger for the dispatcher that owns it. Ownership is
// an exclusive lock on <dbPath>.lock held until Close, so a second dispatcher
// pointed at the same file gets ErrLedgerLocked instead of recovering jobs a
// live sibling is still running.
func OpenExclusive(dbPath string) (*Ledger, error) {
	if dbPath == ":memory:" {
		return Open(dbPath)
	}
	if err := ensureDir(dbPath); err != nil {
		return nil, err
	}

	lock := flock.New(dbPath + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking ledger: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLedgerLocked, dbPath)
	}

	l, err := Open(dbPath)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	l.lock = lock
	return l, nil
}

func ensureDir(dbPath string) error {
	if dbPath == ":memory:" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("creating db directory: %w", err)
	}
	return nil
}

// Claim records that a job was taken off the queue. Claiming a job again resets its row.
func (l *Ledger) Claim(ctx context.Context, j *storage.Job) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO executions (job_id, user_id, language, state, claimed_at)
		VALUES (?, ?, ?, 'claimed', ?)
		ON CONFLICT(job_id) DO UPDATE SET
			state = 'claimed', outcome = '', duration_ms = 0, output_bytes = 0,
			claimed_at = excluded.claimed_at, finished_at = NULL`,
		j.ID, j.UserID, j.Language, now,
	)
	if err != nil {
		return fmt.Errorf("claiming job %s: %w", j.ID, err)
	}
	return nil
}

// Complete marks a claimed job as finished.
func (l *Ledger) Complete(ctx context.Context, c Completion) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := l.db.ExecContext(ctx, `
		UPDATE executions
		SET state = 'completed', outcome = ?, duration_ms = ?, output_bytes = ?, finished_at = ?
		WHERE job_id = ?`,
		c.Outcome, c.Duration.Milliseconds(), c.OutputBytes, now, c.JobID,
	)
	if err != nil {
		return fmt.Errorf("completing job %s: %w", c.JobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("completing job %s: not claimed", c.JobID)
	}
	return nil
}

// Unfinished returns ids claimed by this instance that never completed, oldest first.
func (l *Ledger) Unfinished(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT job_id FROM executions WHERE state = 'claimed' ORDER BY claimed_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying unfinished jobs: %w", err)
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
	return ids, rows.Err()
}

// MarkRequeued records that an unfinished job was pushed back onto the work queue.
func (l *Ledger) MarkRequeued(ctx context.Context, jobID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := l.db.ExecContext(ctx, `
		UPDATE executions SET state = 'requeued', finished_at = ? WHERE job_id = ?`, now, jobID)
	if err != nil {
		return fmt.Errorf("marking job %s requeued: %w", jobID, err)
	}
	return nil
}

// Get returns one ledger row.
func (l *Ledger) Get(ctx context.Context, jobID string) (*Execution, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT job_id, user_id, language, state, outcome, duration_ms, output_bytes, claimed_at, finished_at
		FROM executions WHERE job_id = ?`, jobID)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, jobID)
	}
	return e, err
}

// List returns ledger rows ordered by claim time, newest first.
func (l *Ledger) List(ctx context.Context, opts ListOptions) ([]Execution, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT job_id, user_id, language, state, outcome, duration_ms, output_bytes, claimed_at, finished_at FROM executions`
	var args []any

	if opts.State != "" {
		query += ` WHERE state = ?`
		args = append(args, string(opts.State))
	}

	query += ` ORDER BY claimed_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Close closes the database and releases ownership.
func (l *Ledger) Close() error {
	err := l.db.Close()
	if l.lock != nil {
		err = errors.Join(err, l.lock.Unlock())
	}
	return err
}

// Scanner interface to work with both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(s scanner) (*Execution, error) {
	var (
		e          Execution
		durationMS int64
		claimedAt  string
		finishedAt sql.NullString
	)
	err := s.Scan(&e.JobID, &e.UserID, &e.Language, &e.State, &e.Outcome,
		&durationMS, &e.OutputBytes, &claimedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	e.Duration = time.Duration(durationMS) * time.Millisecond
	e.ClaimedAt, _ = time.Parse(time.RFC3339, claimedAt)
	if finishedAt.Valid {
		e.FinishedAt, _ = time.Parse(time.RFC3339, finishedAt.String)
	}
	return &e, nil
}
