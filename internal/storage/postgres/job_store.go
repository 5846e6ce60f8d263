package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/a11y-scanner/internal/audit"
)

// queueLockKey serializes queue transactions across all workers of a deployment.
const queueLockKey int64 = 0x61313179

const jobColumns = `id, scan_id, user_id, status, attempts, next_run_at, last_error, created_at, updated_at`

func decodeJob(row pgx.Row) (audit.ScanJob, error) {
	var (
		job    audit.ScanJob
		status string
	)
	err := row.Scan(
		&job.ID,
		&job.ScanID,
		&job.UserID,
		&status,
		&job.Attempts,
		&job.NextRunAt,
		&job.LastError,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return audit.ScanJob{}, err
	}
	job.Status = audit.JobStatus(status)
	return job, nil
}

func optionalJob(row pgx.Row) (audit.ScanJob, bool, error) {
	job, err := decodeJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return audit.ScanJob{}, false, nil
	}
	if err != nil {
		return audit.ScanJob{}, false, fmt.Errorf("scan job row: %w", err)
	}
	return job, true, nil
}

func getJob(ctx context.Context, q querier, jobID string) (audit.ScanJob, error) {
	job, err := decodeJob(q.QueryRow(ctx, `SELECT `+jobColumns+` FROM scan_jobs WHERE id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return audit.ScanJob{}, audit.ErrJobNotFound
	}
	if err != nil {
		return audit.ScanJob{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (audit.ScanJob, error) {
	return getJob(ctx, s.pool, jobID)
}

// DeleteJobsForScan removes up to limit jobs of a scan, oldest first. A limit of zero removes all.
func (s *Store) DeleteJobsForScan(ctx context.Context, scanID string, limit int) (int, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	tag, err := s.pool.Exec(ctx, `
DELETE FROM scan_jobs WHERE id IN (
	SELECT id FROM scan_jobs WHERE scan_id = $1 ORDER BY created_at ASC LIMIT $2
)`, scanID, lim)
	if err != nil {
		return 0, fmt.Errorf("delete jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// InTx runs fn in a transaction holding the queue advisory lock. The lock is released on
// commit or rollback.
func (s *Store) InTx(ctx context.Context, fn func(tx audit.QueueTx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, queueLockKey); err != nil {
		return fmt.Errorf("acquire queue lock: %w", err)
	}
	if err := fn(queueTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit queue tx: %w", err)
	}
	return nil
}

type queueTx struct {
	q querier
}

var _ audit.QueueTx = queueTx{}

func (t queueTx) GetJob(ctx context.Context, jobID string) (audit.ScanJob, error) {
	return getJob(ctx, t.q, jobID)
}

func (t queueTx) ActiveJobForScan(ctx context.Context, scanID string) (audit.ScanJob, bool, error) {
	return optionalJob(t.q.QueryRow(ctx, `
SELECT `+jobColumns+` FROM scan_jobs
WHERE scan_id = $1 AND status <> $2
ORDER BY created_at DESC, id DESC
LIMIT 1`, scanID, string(audit.JobStatusDone)))
}

func (t queueTx) RunningJobs(ctx context.Context) ([]audit.ScanJob, error) {
	rows, err := t.q.Query(ctx, `
SELECT `+jobColumns+` FROM scan_jobs
WHERE status = $1
ORDER BY updated_at ASC, created_at ASC, id ASC`, string(audit.JobStatusRunning))
	if err != nil {
		return nil, fmt.Errorf("list running jobs: %w", err)
	}
	defer rows.Close()

	var out []audit.ScanJob
	for rows.Next() {
		job, err := decodeJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate running jobs: %w", err)
	}
	return out, nil
}

func (t queueTx) NextQueued(ctx context.Context, now time.Time) (audit.ScanJob, bool, error) {
	return optionalJob(t.q.QueryRow(ctx, `
SELECT `+jobColumns+` FROM scan_jobs
WHERE status = $1 AND next_run_at <= $2
ORDER BY next_run_at ASC, created_at ASC, id ASC
LIMIT 1`, string(audit.JobStatusQueued), now))
}

func (t queueTx) UserHasRunningJob(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := t.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM scan_jobs WHERE user_id = $1 AND status = $2)`,
		userID, string(audit.JobStatusRunning),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check running jobs: %w", err)
	}
	return exists, nil
}

func (t queueTx) InsertJob(ctx context.Context, job audit.ScanJob) error {
	_, err := t.q.Exec(ctx, `
INSERT INTO scan_jobs (`+jobColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		job.ID,
		job.ScanID,
		job.UserID,
		string(job.Status),
		job.Attempts,
		job.NextRunAt,
		job.LastError,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (t queueTx) UpdateJob(ctx context.Context, job audit.ScanJob) error {
	tag, err := t.q.Exec(ctx, `
UPDATE scan_jobs SET status = $2, attempts = $3, next_run_at = $4, last_error = $5, updated_at = $6
WHERE id = $1`,
		job.ID,
		string(job.Status),
		job.Attempts,
		job.NextRunAt,
		job.LastError,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return audit.ErrJobNotFound
	}
	return nil
}

func (t queueTx) GetScan(ctx context.Context, scanID string) (audit.Scan, error) {
	return getScan(ctx, t.q, scanID, true)
}

func (t queueTx) SetScanStatus(ctx context.Context, scanID string, status audit.ScanStatus, errText string, at time.Time) error {
	scan, err := getScan(ctx, t.q, scanID, true)
	if err != nil {
		return err
	}
	scan.Status = status
	scan.Error = errText
	scan.UpdatedAt = at
	return writeScan(ctx, t.q, scan)
}
