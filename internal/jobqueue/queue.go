// Package jobqueue implements the durable FIFO lease queue of spec §4.2:
// enqueue/claim/renew/complete/fail, FIFO-within-priority claim ordering,
// and terminal Failed after DefaultMaxAttempts. Postgres is the sole
// authority (spec §5): claim uses SELECT ... FOR UPDATE SKIP LOCKED inside
// one transaction so two coordinators racing to claim the same row never
// both win.
package jobqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chainyield/coordinator/internal/models"
)

type Queue struct {
	db *sql.DB
}

func New(db *sql.DB) *Queue {
	return &Queue{db: db}
}

// Enqueue inserts a new Pending job.
func (q *Queue) Enqueue(ctx context.Context, kind models.JobKind, payload any, priority int) (int64, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("jobqueue: marshal payload: %w", err)
	}
	var id int64
	err = q.db.QueryRowContext(ctx, `
		INSERT INTO jobs (kind, payload, status, priority)
		VALUES ($1, $2, 'pending', $3)
		RETURNING job_id
	`, string(kind), body, priority).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("jobqueue: enqueue: %w", err)
	}
	return id, nil
}

// Claim atomically moves the oldest eligible Pending (or lease-expired
// Leased) job of the given role's admitted kinds to Leased, FIFO within
// priority class, ties broken by created_at (spec §4.2).
func (q *Queue) Claim(ctx context.Context, role models.WorkerRole, holder string, leaseTTL time.Duration) (*models.Job, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("jobqueue: claim begin: %w", err)
	}
	defer tx.Rollback()

	var kindFilter string
	switch role {
	case models.RoleCompile:
		kindFilter = "kind = 'compile'"
	case models.RoleExecute:
		kindFilter = "kind = 'execute'"
	default:
		kindFilter = "kind IN ('compile','execute')"
	}

	row := tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT job_id, kind, payload, status, priority, lease_holder, lease_expires_at, attempts, last_error, created_at
		FROM jobs
		WHERE %s
		  AND (status = 'pending' OR (status = 'leased' AND lease_expires_at < now()))
		ORDER BY priority DESC, created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`, kindFilter))

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jobqueue: claim select: %w", err)
	}

	expiresAt := time.Now().Add(leaseTTL)
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = 'leased', lease_holder = $1, lease_expires_at = $2
		WHERE job_id = $3
	`, holder, expiresAt, job.JobID)
	if err != nil {
		return nil, fmt.Errorf("jobqueue: claim update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("jobqueue: claim commit: %w", err)
	}

	job.Status = models.JobLeased
	job.LeaseHolder = holder
	job.LeaseExpiresAt = &expiresAt
	return job, nil
}

// Renew extends a job's lease iff holder still owns it.
func (q *Queue) Renew(ctx context.Context, jobID int64, holder string, leaseTTL time.Duration) error {
	expiresAt := time.Now().Add(leaseTTL)
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET lease_expires_at = $1
		WHERE job_id = $2 AND lease_holder = $3 AND status = 'leased'
	`, expiresAt, jobID, holder)
	if err != nil {
		return fmt.Errorf("jobqueue: renew: %w", err)
	}
	return rejectIfNoRows(res, models.ErrLeaseConflict)
}

// Complete marks a job Done. It is idempotent: a duplicate complete from the
// same (or a since-superseded) holder after the job is already Done is a
// no-op, not an error (spec §8 round-trip law).
func (q *Queue) Complete(ctx context.Context, jobID int64, holder string) error {
	var status string
	var leaseHolder sql.NullString
	err := q.db.QueryRowContext(ctx,
		`SELECT status, lease_holder FROM jobs WHERE job_id = $1`, jobID,
	).Scan(&status, &leaseHolder)
	if err == sql.ErrNoRows {
		return models.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("jobqueue: complete lookup: %w", err)
	}
	if status == string(models.JobDone) {
		return nil // idempotent
	}
	if status != string(models.JobLeased) || leaseHolder.String != holder {
		return models.ErrLeaseConflict
	}

	_, err = q.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'done' WHERE job_id = $1 AND lease_holder = $2`, jobID, holder)
	if err != nil {
		return fmt.Errorf("jobqueue: complete: %w", err)
	}
	return nil
}

// Fail records a failed attempt. Transient failures (retryable) return the
// job to Pending until DefaultMaxAttempts is reached, at which point — like
// deterministic failures — the job becomes terminally Failed (spec §4.2,
// §4.5). The returned bool reports whether this call terminated the job;
// callers must not treat a requeued-for-retry job as a terminal failure.
func (q *Queue) Fail(ctx context.Context, jobID int64, holder string, cause error, policy models.RetryPolicy) (bool, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("jobqueue: fail begin: %w", err)
	}
	defer tx.Rollback()

	var status string
	var leaseHolder sql.NullString
	var attempts int
	err = tx.QueryRowContext(ctx,
		`SELECT status, lease_holder, attempts FROM jobs WHERE job_id = $1 FOR UPDATE`, jobID,
	).Scan(&status, &leaseHolder, &attempts)
	if err == sql.ErrNoRows {
		return false, models.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("jobqueue: fail lookup: %w", err)
	}
	if status != string(models.JobLeased) || leaseHolder.String != holder {
		return false, models.ErrLeaseConflict
	}

	attempts++
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = models.DefaultMaxAttempts
	}

	terminal := !policy.Transient || attempts >= maxAttempts
	newStatus := "pending"
	if terminal {
		newStatus = "failed"
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = $1, attempts = $2, last_error = $3,
			lease_holder = NULL, lease_expires_at = NULL
		WHERE job_id = $4
	`, newStatus, attempts, cause.Error(), jobID)
	if err != nil {
		return false, fmt.Errorf("jobqueue: fail update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("jobqueue: fail commit: %w", err)
	}
	return terminal, nil
}

func rejectIfNoRows(res sql.Result, err error) error {
	n, e := res.RowsAffected()
	if e != nil {
		return e
	}
	if n == 0 {
		return err
	}
	return nil
}

func scanJob(row *sql.Row) (*models.Job, error) {
	var j models.Job
	var kind, status string
	var leaseHolder sql.NullString
	var leaseExpiresAt sql.NullTime
	var lastError sql.NullString
	if err := row.Scan(&j.JobID, &kind, &j.Payload, &status, &j.Priority, &leaseHolder, &leaseExpiresAt, &j.Attempts, &lastError, &j.CreatedAt); err != nil {
		return nil, err
	}
	j.Kind = models.JobKind(kind)
	j.Status = models.JobStatus(status)
	j.LeaseHolder = leaseHolder.String
	j.LastError = lastError.String
	if leaseExpiresAt.Valid {
		t := leaseExpiresAt.Time
		j.LeaseExpiresAt = &t
	}
	return &j, nil
}
