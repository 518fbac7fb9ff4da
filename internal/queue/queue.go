// Package queue implements a durable, at-least-once task queue over SQLite
// with leased ownership and redelivery. Every enqueued task is eventually
// leased at least once; duplicate delivery is possible, so handlers must be
// idempotent.
package queue

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/huaquanghan/agent-memory-server/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

// Options tune lease and retry behavior.
type Options struct {
	RedeliveryTimeout time.Duration
	MaxAttempts       int
	RetryBackoff      time.Duration
}

// Stats summarizes queue counters for the admin dashboard.
type Stats struct {
	Scheduled       int64
	Leased          int64
	Succeeded       int64
	FailedRetryable int64
	FailedTerminal  int64
}

// Queue is a SQLite-backed durable task queue.
type Queue struct {
	db     *sql.DB
	opts   Options
	logger *log.Logger
}

// Open opens and initializes the queue database.
func Open(ctx context.Context, dbPath string, opts Options, logger *log.Logger) (*Queue, error) {
	if opts.RedeliveryTimeout <= 0 {
		opts.RedeliveryTimeout = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 2 * time.Second
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	q := &Queue{db: db, opts: opts, logger: logger}
	for _, stmt := range splitSQLStatements(schemaSQL) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("run schema stmt: %w", err)
		}
	}
	return q, nil
}

func splitSQLStatements(s string) []string {
	parts := strings.Split(s, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p+";")
	}
	return out
}

// Enqueue schedules a task. notBefore may be zero for immediate eligibility.
func (q *Queue) Enqueue(ctx context.Context, taskType types.TaskType, payload []byte, notBefore time.Time) (string, error) {
	now := time.Now().UTC()
	if notBefore.IsZero() {
		notBefore = now
	}
	if payload == nil {
		payload = []byte{}
	}
	id := ulid.Make().String()

	const stmt = `INSERT INTO tasks (
		id, type, payload, status, attempts, max_attempts, not_before,
		lease_expires_at, created_at, updated_at
	) VALUES (?, ?, ?, ?, 0, ?, ?, NULL, ?, ?)`
	_, err := q.db.ExecContext(ctx, stmt,
		id,
		string(taskType),
		payload,
		string(types.TaskScheduled),
		q.opts.MaxAttempts,
		notBefore.UTC().Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("enqueue task: %w", err)
	}
	return id, nil
}

// Lease atomically claims up to maxCount eligible tasks of the given types
// for workerID. No two concurrent callers receive the same task: the claim
// is a conditional update guarded on the scheduled status.
func (q *Queue) Lease(ctx context.Context, workerID string, taskTypes []types.TaskType, maxCount int) ([]types.Task, error) {
	if maxCount <= 0 || len(taskTypes) == 0 {
		return nil, nil
	}
	now := time.Now().UTC()

	placeholders := make([]string, len(taskTypes))
	args := []any{string(types.TaskScheduled), now.Format(time.RFC3339Nano)}
	for i, t := range taskTypes {
		placeholders[i] = "?"
		args = append(args, string(t))
	}
	args = append(args, maxCount)

	// ULIDs sort by creation time, so ordering by id yields oldest-first.
	query := fmt.Sprintf(`SELECT id FROM tasks
WHERE status = ? AND not_before <= ? AND type IN (%s)
ORDER BY id ASC LIMIT ?`, strings.Join(placeholders, ", "))

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select leasable tasks: %w", err)
	}
	ids := make([]string, 0, maxCount)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	leaseExpiry := now.Add(q.opts.RedeliveryTimeout)
	leased := make([]types.Task, 0, len(ids))
	for _, id := range ids {
		res, err := q.db.ExecContext(ctx, `UPDATE tasks
SET status = ?, attempts = attempts + 1, lease_expires_at = ?, leased_by = ?, updated_at = ?
WHERE id = ? AND status = ?`,
			string(types.TaskLeased),
			leaseExpiry.Format(time.RFC3339Nano),
			workerID,
			now.Format(time.RFC3339Nano),
			id,
			string(types.TaskScheduled),
		)
		if err != nil {
			return leased, fmt.Errorf("lease task %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return leased, fmt.Errorf("lease rows affected: %w", err)
		}
		if n == 0 {
			// Another leaser claimed it between select and update.
			continue
		}
		task, err := q.get(ctx, id)
		if err != nil {
			return leased, err
		}
		leased = append(leased, task)
	}
	return leased, nil
}

// Complete marks a leased task succeeded. A reaped or unknown task returns
// ErrNotFound so the worker can log the lost lease.
func (q *Queue) Complete(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx, `UPDATE tasks
SET status = ?, lease_expires_at = NULL, updated_at = ?
WHERE id = ? AND status = ?`,
		string(types.TaskSucceeded),
		now.Format(time.RFC3339Nano),
		id,
		string(types.TaskLeased),
	)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete rows affected: %w", err)
	}
	if n == 0 {
		return types.ErrNotFound
	}
	return nil
}

// Fail records a handler failure. Retryable failures return to scheduled
// with exponential backoff until the attempt limit; exhausting the limit
// parks them as failed_retryable, so the dashboard separates tasks that
// died retrying a transient fault from tasks rejected as failed_terminal.
func (q *Queue) Fail(ctx context.Context, id string, cause string, retryable bool) error {
	now := time.Now().UTC()
	task, err := q.get(ctx, id)
	if err != nil {
		return err
	}

	status := types.TaskFailedTerminal
	notBefore := task.NotBefore
	if retryable {
		if task.Attempts < task.MaxAttempts {
			status = types.TaskScheduled
			notBefore = now.Add(q.backoff(task.Attempts))
		} else {
			status = types.TaskFailedRetryable
		}
	}
	if status != types.TaskScheduled {
		q.logger.Warn("task failed permanently",
			"task_id", id, "type", task.Type, "status", status,
			"attempts", task.Attempts, "error", cause)
	}

	res, err := q.db.ExecContext(ctx, `UPDATE tasks
SET status = ?, not_before = ?, lease_expires_at = NULL, last_error = ?, updated_at = ?
WHERE id = ? AND status = ?`,
		string(status),
		notBefore.UTC().Format(time.RFC3339Nano),
		cause,
		now.Format(time.RFC3339Nano),
		id,
		string(types.TaskLeased),
	)
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("fail rows affected: %w", err)
	}
	if n == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (q *Queue) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	factor := math.Pow(2, float64(attempts-1))
	d := time.Duration(float64(q.opts.RetryBackoff) * factor)
	if d > 5*time.Minute {
		d = 5 * time.Minute
	}
	return d
}

// ReapExpired returns expired leases to the scheduled state so another
// worker can claim them. A lease expiry is a transient-class failure, so
// tasks out of attempts park as failed_retryable.
func (q *Queue) ReapExpired(ctx context.Context, now time.Time) (int64, error) {
	nowStr := now.UTC().Format(time.RFC3339Nano)

	res, err := q.db.ExecContext(ctx, `UPDATE tasks
SET status = ?, last_error = 'lease expired', lease_expires_at = NULL, updated_at = ?
WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ? AND attempts >= max_attempts`,
		string(types.TaskFailedRetryable), nowStr, string(types.TaskLeased), nowStr)
	if err != nil {
		return 0, fmt.Errorf("reap exhausted leases: %w", err)
	}
	terminal, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reap rows affected: %w", err)
	}
	if terminal > 0 {
		q.logger.Warn("leases expired with attempts exhausted", "count", terminal)
	}

	res, err = q.db.ExecContext(ctx, `UPDATE tasks
SET status = ?, lease_expires_at = NULL, leased_by = '', updated_at = ?
WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?`,
		string(types.TaskScheduled), nowStr, string(types.TaskLeased), nowStr)
	if err != nil {
		return 0, fmt.Errorf("reap expired leases: %w", err)
	}
	rescheduled, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reap rows affected: %w", err)
	}
	return rescheduled + terminal, nil
}

// Stats returns per-status task counts.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	rows, err := q.db.QueryContext(ctx, `SELECT status, count(*) FROM tasks GROUP BY status`)
	if err != nil {
		return st, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return st, err
		}
		switch types.TaskStatus(status) {
		case types.TaskScheduled:
			st.Scheduled = n
		case types.TaskLeased:
			st.Leased = n
		case types.TaskSucceeded:
			st.Succeeded = n
		case types.TaskFailedRetryable:
			st.FailedRetryable = n
		case types.TaskFailedTerminal:
			st.FailedTerminal = n
		}
	}
	return st, rows.Err()
}

// Get returns one task by id.
func (q *Queue) Get(ctx context.Context, id string) (types.Task, error) {
	return q.get(ctx, id)
}

func (q *Queue) get(ctx context.Context, id string) (types.Task, error) {
	const query = `SELECT id, type, payload, status, attempts, max_attempts,
	not_before, lease_expires_at, leased_by, last_error, created_at, updated_at
FROM tasks WHERE id = ? LIMIT 1`

	var (
		t              types.Task
		taskType       string
		status         string
		notBefore      string
		leaseExpiresAt sql.NullString
		createdAt      string
		updatedAt      string
	)
	err := q.db.QueryRowContext(ctx, query, id).Scan(
		&t.ID, &taskType, &t.Payload, &status, &t.Attempts, &t.MaxAttempts,
		&notBefore, &leaseExpiresAt, &t.LeasedBy, &t.LastError, &createdAt, &updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return t, types.ErrNotFound
		}
		return t, fmt.Errorf("get task: %w", err)
	}
	t.Type = types.TaskType(taskType)
	t.Status = types.TaskStatus(status)
	if t.NotBefore, err = time.Parse(time.RFC3339Nano, notBefore); err != nil {
		return t, fmt.Errorf("parse not_before: %w", err)
	}
	if leaseExpiresAt.Valid {
		if t.LeaseExpiresAt, err = time.Parse(time.RFC3339Nano, leaseExpiresAt.String); err != nil {
			return t, fmt.Errorf("parse lease_expires_at: %w", err)
		}
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return t, fmt.Errorf("parse created_at: %w", err)
	}
	if t.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return t, fmt.Errorf("parse updated_at: %w", err)
	}
	return t, nil
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}
