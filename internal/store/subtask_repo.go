package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/etsangsplk/concent/internal/domain"
)

// SubtaskRepo handles persistence for Subtask records.
type SubtaskRepo struct{}

const subtaskColumns = `s.subtask_id, s.task_id, p.public_key, r.public_key, s.state, s.next_deadline,
	s.task_to_compute_id, s.report_computed_task_id, s.state_version,
	s.escalated, s.escalation_code, s.escalation_detail, s.created_at, s.updated_at`

const subtaskFrom = `FROM subtasks s
	JOIN clients p ON p.id = s.provider_id
	JOIN clients r ON r.id = s.requestor_id`

// CreateTx inserts a new subtask within an existing transaction. A second
// insert for the same subtask id fails with ErrDuplicateSubtask.
func (r *SubtaskRepo) CreateTx(ctx context.Context, tx *sql.Tx, s domain.Subtask, providerID, requestorID int64) error {
	const q = `INSERT INTO subtasks (subtask_id, task_id, provider_id, requestor_id, state, next_deadline,
	task_to_compute_id, report_computed_task_id, state_version, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
ON CONFLICT(subtask_id) DO NOTHING`
	res, err := tx.ExecContext(ctx, q,
		s.SubtaskID,
		s.TaskID,
		providerID,
		requestorID,
		string(s.State),
		unixOrNil(s.NextDeadline),
		s.TaskToComputeID,
		s.ReportComputedID,
		s.CreatedAt.Unix(),
		s.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create subtask: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrDuplicateSubtask
	}
	return nil
}

// UpdateStateTx writes the mutable columns of a subtask using optimistic
// locking. The update only succeeds if the stored state_version matches
// s.StateVersion.
func (r *SubtaskRepo) UpdateStateTx(ctx context.Context, tx *sql.Tx, s domain.Subtask) error {
	const q = `UPDATE subtasks SET
		state = ?,
		next_deadline = ?,
		task_to_compute_id = COALESCE(?, task_to_compute_id),
		report_computed_task_id = COALESCE(?, report_computed_task_id),
		state_version = state_version + 1,
		escalated = ?,
		escalation_code = ?,
		escalation_detail = ?,
		updated_at = ?
	WHERE subtask_id = ? AND state_version = ?`

	res, err := tx.ExecContext(ctx, q,
		string(s.State),
		unixOrNil(s.NextDeadline),
		s.TaskToComputeID,
		s.ReportComputedID,
		boolToInt(s.Escalated),
		s.EscalationCode,
		s.EscalationDetail,
		s.UpdatedAt.Unix(),
		s.SubtaskID,
		s.StateVersion,
	)
	if err != nil {
		return fmt.Errorf("update subtask state: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrOptimisticLock
	}
	return nil
}

// GetByID retrieves a subtask by its subtask id.
func (r *SubtaskRepo) GetByID(ctx context.Context, q DBTX, subtaskID string) (*domain.Subtask, error) {
	row := q.QueryRowContext(ctx, `SELECT `+subtaskColumns+` `+subtaskFrom+` WHERE s.subtask_id = ?`, subtaskID)
	s, err := scanSubtask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrSubtaskNotFound
		}
		return nil, fmt.Errorf("get subtask: %w", err)
	}
	return s, nil
}

// ListExpired returns ADDITIONAL_VERIFICATION subtasks whose deadline is
// strictly before now and that are not escalated.
func (r *SubtaskRepo) ListExpired(ctx context.Context, q DBTX, now time.Time) ([]*domain.Subtask, error) {
	const where = ` WHERE s.state = ? AND s.next_deadline IS NOT NULL AND s.next_deadline < ? AND s.escalated = 0
ORDER BY s.next_deadline ASC`
	return r.list(ctx, q, `SELECT `+subtaskColumns+` `+subtaskFrom+where,
		string(domain.SubtaskAdditionalVerification), now.Unix())
}

// ListExpiredForClient is ListExpired restricted to subtasks where the
// client is either party.
func (r *SubtaskRepo) ListExpiredForClient(ctx context.Context, q DBTX, publicKey []byte, now time.Time) ([]*domain.Subtask, error) {
	const where = ` WHERE s.state = ? AND s.next_deadline IS NOT NULL AND s.next_deadline < ? AND s.escalated = 0
	AND (p.public_key = ? OR r.public_key = ?)
ORDER BY s.next_deadline ASC`
	return r.list(ctx, q, `SELECT `+subtaskColumns+` `+subtaskFrom+where,
		string(domain.SubtaskAdditionalVerification), now.Unix(), publicKey, publicKey)
}

// ListByState returns all subtasks in the given state, oldest first.
func (r *SubtaskRepo) ListByState(ctx context.Context, q DBTX, state domain.SubtaskState) ([]*domain.Subtask, error) {
	return r.list(ctx, q, `SELECT `+subtaskColumns+` `+subtaskFrom+` WHERE s.state = ? ORDER BY s.created_at ASC`,
		string(state))
}

// ListEscalated returns subtasks waiting for manual resolution.
func (r *SubtaskRepo) ListEscalated(ctx context.Context, q DBTX) ([]*domain.Subtask, error) {
	return r.list(ctx, q, `SELECT `+subtaskColumns+` `+subtaskFrom+` WHERE s.escalated = 1 ORDER BY s.updated_at ASC`)
}

func (r *SubtaskRepo) list(ctx context.Context, q DBTX, query string, args ...any) ([]*domain.Subtask, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list subtasks: %w", err)
	}
	defer rows.Close()

	var out []*domain.Subtask
	for rows.Next() {
		s, err := scanSubtask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subtask: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubtask(row scanner) (*domain.Subtask, error) {
	var s domain.Subtask
	var state string
	var deadline, ttcID, rctID sql.NullInt64
	var escalated int
	var created, updated int64
	err := row.Scan(&s.SubtaskID, &s.TaskID, &s.ProviderKey, &s.RequestorKey, &state, &deadline,
		&ttcID, &rctID, &s.StateVersion, &escalated, &s.EscalationCode, &s.EscalationDetail,
		&created, &updated)
	if err != nil {
		return nil, err
	}
	s.State, err = domain.ParseSubtaskState(state)
	if err != nil {
		return nil, err
	}
	if deadline.Valid {
		t := time.Unix(deadline.Int64, 0)
		s.NextDeadline = &t
	}
	if ttcID.Valid {
		s.TaskToComputeID = &ttcID.Int64
	}
	if rctID.Valid {
		s.ReportComputedID = &rctID.Int64
	}
	s.Escalated = escalated != 0
	s.CreatedAt = time.Unix(created, 0)
	s.UpdatedAt = time.Unix(updated, 0)
	return &s, nil
}

func unixOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}
