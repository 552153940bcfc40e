// Package vtq implements a bounded priority Visibility Timeout Queue backed
// by SQLite.
//
// Rows are invisible to consumers for a configurable duration after being
// claimed. If the holder processes the row successfully it deletes (acks)
// it. If the holder crashes or exceeds the timeout the row reappears
// automatically. Claims drain in priority order (highest first), oldest
// first within a priority.
//
// The queue is bounded: once Bound rows are enqueued, further publishes are
// rejected with ErrFull instead of growing without limit. This makes it
// suitable as a backpressure point, e.g. a cache prefetch queue.
//
// The queue is pure SQLite — no external broker.
//
// Expected schema (created automatically by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS vtq_jobs (
//	    id          TEXT PRIMARY KEY,
//	    queue       TEXT NOT NULL DEFAULT '',
//	    payload     BLOB,
//	    priority    INTEGER NOT NULL DEFAULT 0,
//	    visible_at  INTEGER NOT NULL DEFAULT 0,  -- milliseconds since epoch
//	    created_at  INTEGER NOT NULL,             -- milliseconds since epoch
//	    attempts    INTEGER NOT NULL DEFAULT 0
//	);
package vtq

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"
)

// ErrFull is returned by Publish when the queue already holds Bound rows.
var ErrFull = errors.New("vtq: queue is full")

// Job is a row in the queue.
type Job struct {
	ID        string
	Queue     string
	Payload   []byte
	Priority  int
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
}

// Options configures queue behaviour.
type Options struct {
	// Queue is the logical queue name. Multiple queues can coexist in the
	// same table. Default: "" (the default queue).
	Queue string
	// Visibility is how long a claimed job stays invisible. Default: 30s.
	Visibility time.Duration
	// Bound is the maximum number of rows (visible + invisible) the queue
	// accepts. 0 means unbounded. Default: 0.
	Bound int
	// MaxAttempts limits how many times a job can be redelivered before
	// being discarded by ClaimBatch. 0 means unlimited. Default: 0.
	MaxAttempts int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Q is the queue handle.
type Q struct {
	db   *sql.DB
	opts Options
}

// New creates a queue handle. Call EnsureTable once at startup, then Publish
// and Claim (or ClaimBatch) as needed.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts}
}

// EnsureTable creates the vtq_jobs table and indexes if they don't exist.
func (q *Q) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS vtq_jobs (
			id          TEXT PRIMARY KEY,
			queue       TEXT NOT NULL DEFAULT '',
			payload     BLOB,
			priority    INTEGER NOT NULL DEFAULT 0,
			visible_at  INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_vtq_claim ON vtq_jobs (queue, visible_at, priority DESC);
	`)
	return err
}

// Publish inserts a job that is immediately visible. When the queue is
// bounded and full, it returns ErrFull. Publishing an ID that already
// exists updates its priority instead of duplicating the row (the highest
// of the two priorities wins).
func (q *Q) Publish(ctx context.Context, id string, payload []byte, priority int) error {
	if q.opts.Bound > 0 {
		n, err := q.Len(ctx)
		if err != nil {
			return err
		}
		if n >= q.opts.Bound {
			exists, err := q.exists(ctx, id)
			if err != nil {
				return err
			}
			if !exists {
				return ErrFull
			}
		}
	}

	now := time.Now().UnixMilli()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO vtq_jobs (id, queue, payload, priority, visible_at, created_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			priority = MAX(priority, excluded.priority),
			payload  = excluded.payload`,
		id, q.opts.Queue, payload, priority, now, now,
	)
	return err
}

func (q *Q) exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vtq_jobs WHERE id = ? AND queue = ?`, id, q.opts.Queue,
	).Scan(&n)
	return n > 0, err
}

// Claim atomically picks the highest-priority visible job, marks it
// invisible for the configured visibility duration, and returns it.
// Returns nil, nil if no job is available.
func (q *Q) Claim(ctx context.Context) (*Job, error) {
	jobs, err := q.ClaimBatch(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return jobs[0], nil
}

// ClaimBatch atomically claims up to n visible jobs in priority order.
// Jobs past MaxAttempts are deleted rather than delivered. It returns an
// empty (non-nil) slice when no jobs are available.
func (q *Q) ClaimBatch(ctx context.Context, n int) ([]*Job, error) {
	now := time.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	rows, err := q.db.QueryContext(ctx, `
		UPDATE vtq_jobs
		SET visible_at = ?, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM vtq_jobs
			WHERE queue = ? AND visible_at <= ?
			ORDER BY priority DESC, created_at ASC
			LIMIT ?
		)
		RETURNING id, queue, payload, priority, visible_at, created_at, attempts`,
		hideUntil, q.opts.Queue, now.UnixMilli(), n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []*Job{}
	var discard []string
	for rows.Next() {
		var j Job
		var visAt, creAt int64
		if err := rows.Scan(&j.ID, &j.Queue, &j.Payload, &j.Priority, &visAt, &creAt, &j.Attempts); err != nil {
			return nil, err
		}
		j.VisibleAt = time.UnixMilli(visAt)
		j.CreatedAt = time.UnixMilli(creAt)

		if q.opts.MaxAttempts > 0 && j.Attempts > q.opts.MaxAttempts {
			discard = append(discard, j.ID)
			continue
		}
		jobs = append(jobs, &j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range discard {
		q.opts.Logger.Warn("vtq: job exceeded max attempts, discarding",
			"id", id, "queue", q.opts.Queue)
		_ = q.Ack(ctx, id)
	}
	return jobs, nil
}

// Ack deletes a successfully processed job.
func (q *Q) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM vtq_jobs WHERE id = ? AND queue = ?`, id, q.opts.Queue,
	)
	return err
}

// Nack makes a job immediately visible again so another consumer can pick
// it up.
func (q *Q) Nack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE vtq_jobs SET visible_at = 0 WHERE id = ? AND queue = ?`, id, q.opts.Queue,
	)
	return err
}

// DiscardOlderThan deletes jobs created before the given age, regardless of
// visibility. Returns the number of rows removed. Used to drop prefetch
// work that is no longer relevant.
func (q *Q) DiscardOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age).UnixMilli()
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM vtq_jobs WHERE queue = ? AND created_at < ?`, q.opts.Queue, cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Purge deletes all jobs in the queue.
func (q *Q) Purge(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM vtq_jobs WHERE queue = ?`, q.opts.Queue,
	)
	return err
}

// Len returns the total number of jobs (visible + invisible) in the queue.
func (q *Q) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vtq_jobs WHERE queue = ?`, q.opts.Queue,
	).Scan(&n)
	return n, err
}
