package store

import (
	"context"
	"fmt"

	"github.com/etsangsplk/concent/internal/domain"
)

// AuditRepo handles persistence for AuditRecord entries.
type AuditRepo struct{}

// Record inserts an audit record.
func (r *AuditRepo) Record(ctx context.Context, q DBTX, rec domain.AuditRecord) error {
	const ins = `INSERT INTO audit_records (id, subtask_id, category, actor, action, detail_json, severity, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.ExecContext(ctx, ins,
		rec.ID,
		rec.SubtaskID,
		rec.Category,
		rec.Actor,
		rec.Action,
		rec.DetailJSON,
		rec.Severity,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

// ListBySubtask returns all audit records for a subtask, ordered by creation time.
func (r *AuditRepo) ListBySubtask(ctx context.Context, q DBTX, subtaskID string) ([]domain.AuditRecord, error) {
	const sel = `SELECT id, subtask_id, category, actor, action, detail_json, severity, created_at
FROM audit_records
WHERE subtask_id = ?
ORDER BY created_at ASC, rowid ASC`

	rows, err := q.QueryContext(ctx, sel, subtaskID)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	var records []domain.AuditRecord
	for rows.Next() {
		var a domain.AuditRecord
		if err := rows.Scan(&a.ID, &a.SubtaskID, &a.Category, &a.Actor, &a.Action,
			&a.DetailJSON, &a.Severity, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		records = append(records, a)
	}
	return records, rows.Err()
}
