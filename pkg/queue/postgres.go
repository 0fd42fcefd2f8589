package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/xase-labs/xase-core/pkg/util/resiliency"
	"github.com/xase-labs/xase-core/pkg/xerrors"
)

const jobColumns = `id, type, status, payload, attempts, max_attempts, run_at, last_error,
	dedupe_key, locked_by, locked_at, created_at, updated_at`

// PostgresQueue stores jobs in xase_jobs and xase_jobs_dlq.
//
// Claiming uses FOR UPDATE SKIP LOCKED, so any number of worker processes
// can poll the same table; claim and execution are separate transactions.
type PostgresQueue struct {
	db     *sql.DB
	policy resiliency.Policy
	clock  func() time.Time
	logger *slog.Logger
	closed atomic.Bool
}

var _ Queue = (*PostgresQueue)(nil)

func NewPostgresQueue(db *sql.DB) *PostgresQueue {
	return &PostgresQueue{
		db:     db,
		policy: resiliency.JobPolicy,
		clock:  time.Now,
		logger: slog.Default().With("component", "queue"),
	}
}

// WithClock overrides the time source for run_at and lease arithmetic.
func (q *PostgresQueue) WithClock(clock func() time.Time) *PostgresQueue {
	q.clock = clock
	return q
}

// WithPolicy overrides the retry backoff.
func (q *PostgresQueue) WithPolicy(p resiliency.Policy) *PostgresQueue {
	q.policy = p
	return q
}

func (q *PostgresQueue) now() time.Time { return q.clock().UTC() }

func (q *PostgresQueue) checkOpen(op string) error {
	if q.closed.Load() {
		return xerrors.New(xerrors.CodeQueueClosed, op, "queue is closed")
	}
	return nil
}

func (q *PostgresQueue) Enqueue(ctx context.Context, jobType string, payload any, opts EnqueueOptions) (*Job, bool, error) {
	const op = "queue.enqueue"
	if err := q.checkOpen(op); err != nil {
		return nil, false, err
	}
	raw, err := encodePayload(jobType, payload)
	if err != nil {
		return nil, false, err
	}

	now := q.now()
	runAt := opts.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	var dedupe sql.NullString
	if opts.DedupeKey != "" {
		dedupe = sql.NullString{String: opts.DedupeKey, Valid: true}
	}

	job, err := scanJob(q.db.QueryRowContext(ctx, `
		INSERT INTO xase_jobs (id, type, status, payload, attempts, max_attempts, run_at, dedupe_key, created_at, updated_at)
		VALUES ($1, $2, 'PENDING', $3, 0, $4, $5, $6, $7, $7)
		ON CONFLICT (dedupe_key) DO NOTHING
		RETURNING `+jobColumns,
		uuid.NewString(), jobType, string(raw), maxAttempts, runAt.UTC(), dedupe, now))
	switch {
	case err == nil:
		return job, true, nil
	case errors.Is(err, sql.ErrNoRows) && dedupe.Valid:
		existing, gerr := scanJob(q.db.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM xase_jobs WHERE dedupe_key = $1`, dedupe.String))
		if gerr != nil {
			return nil, false, fmt.Errorf("%s: load duplicate %s: %w", op, dedupe.String, gerr)
		}
		return existing, false, nil
	default:
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}
}

func (q *PostgresQueue) ClaimNext(ctx context.Context, workerID string) (*Job, error) {
	const op = "queue.claim"
	if err := q.checkOpen(op); err != nil {
		return nil, err
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: begin: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	now := q.now()
	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM xase_jobs
		WHERE status = 'PENDING' AND run_at <= $1
		ORDER BY run_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1`, now).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: select: %w", op, err)
	}

	job, err := scanJob(tx.QueryRowContext(ctx, `
		UPDATE xase_jobs
		SET status = 'RUNNING', locked_by = $2, locked_at = $3, updated_at = $3
		WHERE id = $1
		RETURNING `+jobColumns, id, workerID, now))
	if err != nil {
		return nil, fmt.Errorf("%s: lease %s: %w", op, id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%s: commit: %w", op, err)
	}
	return job, nil
}

func (q *PostgresQueue) Complete(ctx context.Context, id string) error {
	const op = "queue.complete"
	if err := q.checkOpen(op); err != nil {
		return err
	}
	_, err := q.db.ExecContext(ctx, `
		UPDATE xase_jobs
		SET status = 'DONE', locked_by = NULL, locked_at = NULL, updated_at = $2
		WHERE id = $1`, id, q.now())
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (q *PostgresQueue) Reschedule(ctx context.Context, id string, attempts int, cause error) (time.Time, error) {
	const op = "queue.reschedule"
	if err := q.checkOpen(op); err != nil {
		return time.Time{}, err
	}
	now := q.now()
	runAt := now.Add(q.policy.Delay(attempts))
	_, err := q.db.ExecContext(ctx, `
		UPDATE xase_jobs
		SET status = 'PENDING', attempts = attempts + 1, last_error = $2, run_at = $3,
		    locked_by = NULL, locked_at = NULL, updated_at = $4
		WHERE id = $1`, id, truncateError(cause), runAt, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", op, err)
	}
	return runAt, nil
}

func (q *PostgresQueue) DeadLetter(ctx context.Context, id string, cause error) error {
	const op = "queue.dead_letter"
	if err := q.checkOpen(op); err != nil {
		return err
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := deadLetterTx(ctx, tx, id, truncateError(cause), q.now()); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}
	return nil
}

func deadLetterTx(ctx context.Context, tx *sql.Tx, id, lastError string, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO xase_jobs_dlq (id, type, payload, attempts, max_attempts, last_error, created_at, updated_at, dead_at)
		SELECT id, type, payload, attempts, max_attempts, $2, created_at, updated_at, $3
		FROM xase_jobs WHERE id = $1`, id, lastError, now); err != nil {
		return fmt.Errorf("insert dlq: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM xase_jobs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

// ReapStale puts expired RUNNING jobs back to PENDING with attempts+1, or
// dead-letters them once that would exhaust max_attempts. A worker that
// crashed mid-job therefore costs one attempt.
func (q *PostgresQueue) ReapStale(ctx context.Context, lease time.Duration) (ReapResult, error) {
	const op = "queue.reap"
	var res ReapResult
	if err := q.checkOpen(op); err != nil {
		return res, err
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("%s: begin: %w", op, err)
	}
	defer func() { _ = tx.Rollback() }()

	now := q.now()
	rows, err := tx.QueryContext(ctx, `
		SELECT id, type, payload, attempts, max_attempts FROM xase_jobs
		WHERE status = 'RUNNING' AND locked_at < $1
		FOR UPDATE SKIP LOCKED`, now.Add(-lease))
	if err != nil {
		return res, fmt.Errorf("%s: select: %w", op, err)
	}
	var expired []*Job
	for rows.Next() {
		var (
			j       Job
			payload []byte
		)
		if err := rows.Scan(&j.ID, &j.Type, &payload, &j.Attempts, &j.MaxAttempts); err != nil {
			_ = rows.Close()
			return res, fmt.Errorf("%s: scan: %w", op, err)
		}
		j.Payload = payload
		expired = append(expired, &j)
	}
	if err := rows.Close(); err != nil {
		return res, fmt.Errorf("%s: close rows: %w", op, err)
	}
	if err := rows.Err(); err != nil {
		return res, fmt.Errorf("%s: rows: %w", op, err)
	}

	const leaseExpired = "lease expired"
	for _, j := range expired {
		j.Attempts++
		j.LastError = leaseExpired
		if j.Attempts >= j.MaxAttempts {
			if _, err := tx.ExecContext(ctx,
				`UPDATE xase_jobs SET attempts = attempts + 1 WHERE id = $1`, j.ID); err != nil {
				return res, fmt.Errorf("%s: %w", op, err)
			}
			if err := deadLetterTx(ctx, tx, j.ID, leaseExpired, now); err != nil {
				return res, fmt.Errorf("%s: %w", op, err)
			}
			res.add(j, true)
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE xase_jobs
			SET status = 'PENDING', attempts = attempts + 1, last_error = $2, run_at = $3,
			    locked_by = NULL, locked_at = NULL, updated_at = $3
			WHERE id = $1`, j.ID, leaseExpired, now); err != nil {
			return res, fmt.Errorf("%s: %w", op, err)
		}
		res.add(j, false)
	}

	if err := tx.Commit(); err != nil {
		return ReapResult{}, fmt.Errorf("%s: commit: %w", op, err)
	}
	return res, nil
}

func (q *PostgresQueue) Requeue(ctx context.Context, dedupeKey string) (bool, error) {
	const op = "queue.requeue"
	if err := q.checkOpen(op); err != nil {
		return false, err
	}
	now := q.now()
	res, err := q.db.ExecContext(ctx, `
		UPDATE xase_jobs
		SET status = 'PENDING', attempts = 0, run_at = $2, last_error = NULL,
		    locked_by = NULL, locked_at = NULL, updated_at = $2
		WHERE dedupe_key = $1 AND status <> 'RUNNING'`, dedupeKey, now)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: rows affected: %w", op, err)
	}
	return n > 0, nil
}

func (q *PostgresQueue) Stats(ctx context.Context) (Stats, error) {
	const op = "queue.stats"
	var st Stats
	if err := q.checkOpen(op); err != nil {
		return st, err
	}
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM xase_jobs GROUP BY status`)
	if err != nil {
		return st, fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return st, fmt.Errorf("%s: scan: %w", op, err)
		}
		switch Status(status) {
		case StatusPending:
			st.Pending = n
		case StatusRunning:
			st.Running = n
		case StatusDone:
			st.Done = n
		}
	}
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("%s: %w", op, err)
	}
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM xase_jobs_dlq`).Scan(&st.DeadLettered); err != nil {
		return st, fmt.Errorf("%s: dlq: %w", op, err)
	}
	return st, nil
}

// Close does not close the underlying *sql.DB, which the caller owns.
func (q *PostgresQueue) Close() error {
	if q.closed.Swap(true) {
		return nil
	}
	q.logger.Info("queue.closed")
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j         Job
		status    string
		payload   []byte
		lastErr   sql.NullString
		dedupe    sql.NullString
		lockedBy  sql.NullString
		lockedAt  sql.NullTime
		runAt     time.Time
		createdAt time.Time
		updatedAt time.Time
	)
	if err := row.Scan(&j.ID, &j.Type, &status, &payload, &j.Attempts, &j.MaxAttempts, &runAt,
		&lastErr, &dedupe, &lockedBy, &lockedAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	j.Status = Status(status)
	j.Payload = append([]byte(nil), payload...)
	j.RunAt = runAt.UTC()
	j.LastError = lastErr.String
	if dedupe.Valid {
		k := dedupe.String
		j.DedupeKey = &k
	}
	j.LockedBy = lockedBy.String
	if lockedAt.Valid {
		t := lockedAt.Time.UTC()
		j.LockedAt = &t
	}
	j.CreatedAt = createdAt.UTC()
	j.UpdatedAt = updatedAt.UTC()
	return &j, nil
}
