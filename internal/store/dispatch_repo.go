package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/etsangsplk/concent/internal/domain"
)

// DispatchRepo is the outbox of scheduled worker orders.
type DispatchRepo struct{}

// ScheduleTx records a pending dispatch in the caller's transaction.
func (r *DispatchRepo) ScheduleTx(ctx context.Context, tx *sql.Tx, job domain.DispatchJob) error {
	const q = `INSERT INTO dispatch_jobs (job_id, subtask_id, status, attempts, created_at)
VALUES (?, ?, ?, 0, ?)`
	_, err := tx.ExecContext(ctx, q, job.JobID, job.SubtaskID, domain.DispatchPending, job.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("schedule dispatch: %w", err)
	}
	return nil
}

// ListReady returns pending jobs whose verification request has both
// packages uploaded, oldest first.
func (r *DispatchRepo) ListReady(ctx context.Context, q DBTX, limit int) ([]domain.DispatchJob, error) {
	const sel = `SELECT d.job_id, d.subtask_id, d.status, d.attempts, d.created_at, d.fired_at
FROM dispatch_jobs d
	JOIN verification_requests v ON v.subtask_id = d.subtask_id
WHERE d.status = ? AND v.upload_finished = 1
ORDER BY d.created_at ASC, d.rowid ASC
LIMIT ?`
	rows, err := q.QueryContext(ctx, sel, domain.DispatchPending, limit)
	if err != nil {
		return nil, fmt.Errorf("list ready dispatches: %w", err)
	}
	defer rows.Close()

	var jobs []domain.DispatchJob
	for rows.Next() {
		j, err := scanDispatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dispatch: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// GetBySubtask returns the outbox row for a subtask.
func (r *DispatchRepo) GetBySubtask(ctx context.Context, q DBTX, subtaskID string) (*domain.DispatchJob, error) {
	row := q.QueryRowContext(ctx, `SELECT job_id, subtask_id, status, attempts, created_at, fired_at
FROM dispatch_jobs WHERE subtask_id = ?`, subtaskID)
	j, err := scanDispatch(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrSubtaskNotFound
		}
		return nil, fmt.Errorf("get dispatch: %w", err)
	}
	return j, nil
}

// MarkFired moves a pending job to fired. Firing an already fired job is a
// no-op that reports false.
func (r *DispatchRepo) MarkFired(ctx context.Context, q DBTX, jobID string, at time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `UPDATE dispatch_jobs SET status = ?, attempts = attempts + 1, fired_at = ?, last_error = ''
WHERE job_id = ? AND status = ?`, domain.DispatchFired, at.Unix(), jobID, domain.DispatchPending)
	if err != nil {
		return false, fmt.Errorf("mark dispatch fired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}

// RecordFailure counts a failed enqueue attempt; the job stays pending.
func (r *DispatchRepo) RecordFailure(ctx context.Context, q DBTX, jobID string, cause error) error {
	_, err := q.ExecContext(ctx, `UPDATE dispatch_jobs SET attempts = attempts + 1, last_error = ? WHERE job_id = ?`,
		cause.Error(), jobID)
	if err != nil {
		return fmt.Errorf("record dispatch failure: %w", err)
	}
	return nil
}

// CountByStatus returns how many jobs are in the given status.
func (r *DispatchRepo) CountByStatus(ctx context.Context, q DBTX, status string) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM dispatch_jobs WHERE status = ?`, status).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dispatches: %w", err)
	}
	return n, nil
}

func scanDispatch(row scanner) (*domain.DispatchJob, error) {
	var j domain.DispatchJob
	var created int64
	var fired sql.NullInt64
	if err := row.Scan(&j.JobID, &j.SubtaskID, &j.Status, &j.Attempts, &created, &fired); err != nil {
		return nil, err
	}
	j.CreatedAt = time.Unix(created, 0)
	if fired.Valid {
		t := time.Unix(fired.Int64, 0)
		j.FiredAt = &t
	}
	return &j, nil
}
