package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/etsangsplk/concent/internal/domain"
)

// MessageRepo handles persistence for StoredMessage records. Messages are
// append-only.
type MessageRepo struct{}

// StoreTx appends a raw signed message and returns its id.
func (r *MessageRepo) StoreTx(ctx context.Context, tx *sql.Tx, m domain.StoredMessage) (int64, error) {
	const q = `INSERT INTO stored_messages (type, timestamp, data, task_id, subtask_id)
VALUES (?, ?, ?, ?, ?)`
	res, err := tx.ExecContext(ctx, q, m.Type, m.Timestamp.Unix(), m.Data, m.TaskID, m.SubtaskID)
	if err != nil {
		return 0, fmt.Errorf("store message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("stored message id: %w", err)
	}
	return id, nil
}

// GetByID retrieves a message by its id.
func (r *MessageRepo) GetByID(ctx context.Context, q DBTX, id int64) (*domain.StoredMessage, error) {
	const sel = `SELECT id, type, timestamp, data, task_id, subtask_id FROM stored_messages WHERE id = ?`
	var m domain.StoredMessage
	var ts int64
	err := q.QueryRowContext(ctx, sel, id).Scan(&m.ID, &m.Type, &ts, &m.Data, &m.TaskID, &m.SubtaskID)
	if err != nil {
		return nil, fmt.Errorf("get message %d: %w", id, err)
	}
	m.Timestamp = time.Unix(ts, 0)
	return &m, nil
}

// ListBySubtask returns every message stored for a subtask in insertion order.
func (r *MessageRepo) ListBySubtask(ctx context.Context, q DBTX, subtaskID string) ([]domain.StoredMessage, error) {
	const sel = `SELECT id, type, timestamp, data, task_id, subtask_id
FROM stored_messages WHERE subtask_id = ? ORDER BY id ASC`
	rows, err := q.QueryContext(ctx, sel, subtaskID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []domain.StoredMessage
	for rows.Next() {
		var m domain.StoredMessage
		var ts int64
		if err := rows.Scan(&m.ID, &m.Type, &ts, &m.Data, &m.TaskID, &m.SubtaskID); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Timestamp = time.Unix(ts, 0)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Count returns the total number of stored messages.
func (r *MessageRepo) Count(ctx context.Context, q DBTX) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM stored_messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}
