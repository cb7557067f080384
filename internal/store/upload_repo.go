package store

import (
	"context"
	"fmt"
	"time"

	"github.com/etsangsplk/concent/internal/domain"
)

// UploadRepo records storage cluster upload notifications.
type UploadRepo struct{}

// Record appends an upload report.
func (r *UploadRepo) Record(ctx context.Context, q DBTX, u domain.UploadReport) error {
	const ins = `INSERT INTO upload_reports (path, subtask_id, created_at) VALUES (?, ?, ?)`
	if _, err := q.ExecContext(ctx, ins, u.Path, u.SubtaskID, u.CreatedAt.Unix()); err != nil {
		return fmt.Errorf("record upload report: %w", err)
	}
	return nil
}

// Reported reports whether at least one upload was recorded for path.
func (r *UploadRepo) Reported(ctx context.Context, q DBTX, path string) (bool, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM upload_reports WHERE path = ?`, path).Scan(&n); err != nil {
		return false, fmt.Errorf("count upload reports: %w", err)
	}
	return n > 0, nil
}

// ListByPath returns every report for a path, oldest first.
func (r *UploadRepo) ListByPath(ctx context.Context, q DBTX, path string) ([]domain.UploadReport, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, path, subtask_id, created_at FROM upload_reports
WHERE path = ? ORDER BY id ASC`, path)
	if err != nil {
		return nil, fmt.Errorf("list upload reports: %w", err)
	}
	defer rows.Close()

	var out []domain.UploadReport
	for rows.Next() {
		var u domain.UploadReport
		var created int64
		if err := rows.Scan(&u.ID, &u.Path, &u.SubtaskID, &created); err != nil {
			return nil, fmt.Errorf("scan upload report: %w", err)
		}
		u.CreatedAt = time.Unix(created, 0)
		out = append(out, u)
	}
	return out, rows.Err()
}
