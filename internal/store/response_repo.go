package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/etsangsplk/concent/internal/domain"
)

// ResponseRepo handles persistence for PendingResponse and PaymentInfo records.
type ResponseRepo struct{}

// EnqueueTx appends a pending response, and its payment record when present,
// inside the caller's transaction.
func (r *ResponseRepo) EnqueueTx(ctx context.Context, tx *sql.Tx, pr domain.PendingResponse, clientID int64) error {
	const q = `INSERT INTO pending_responses (id, response_type, client_id, queue, subtask_id, delivered, created_at)
VALUES (?, ?, ?, ?, ?, 0, ?)`
	var subtaskID any
	if pr.SubtaskID != "" {
		subtaskID = pr.SubtaskID
	}
	_, err := tx.ExecContext(ctx, q,
		pr.ID,
		string(pr.ResponseType),
		clientID,
		string(pr.Queue),
		subtaskID,
		pr.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("enqueue pending response: %w", err)
	}

	if pr.Payment == nil {
		return nil
	}
	const qp = `INSERT INTO payment_info (pending_response_id, payment_ts, task_owner_key, provider_eth_account,
	amount_paid, amount_pending, recipient_type)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	p := pr.Payment
	_, err = tx.ExecContext(ctx, qp,
		pr.ID,
		p.PaymentTS.Unix(),
		p.TaskOwnerKey,
		p.ProviderEthAccount,
		int64(p.AmountPaid),
		int64(p.AmountPending),
		p.RecipientType,
	)
	if err != nil {
		return fmt.Errorf("store payment info: %w", err)
	}
	return nil
}

const responseSelect = `SELECT pr.id, pr.response_type, c.public_key, pr.queue, COALESCE(s.task_id, ''),
	COALESCE(pr.subtask_id, ''), pr.delivered, pr.created_at,
	pi.id, pi.payment_ts, pi.task_owner_key, pi.provider_eth_account, pi.amount_paid, pi.amount_pending, pi.recipient_type
FROM pending_responses pr
	JOIN clients c ON c.id = pr.client_id
	LEFT JOIN subtasks s ON s.subtask_id = pr.subtask_id
	LEFT JOIN payment_info pi ON pi.pending_response_id = pr.id`

// NextUndelivered returns the oldest undelivered response for a client on a
// queue, or nil when there is none.
func (r *ResponseRepo) NextUndelivered(ctx context.Context, q DBTX, publicKey []byte, queue domain.Queue) (*domain.PendingResponse, error) {
	row := q.QueryRowContext(ctx, responseSelect+`
WHERE c.public_key = ? AND pr.queue = ? AND pr.delivered = 0
ORDER BY pr.created_at ASC, pr.rowid ASC
LIMIT 1`, publicKey, string(queue))
	pr, err := scanResponse(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("next pending response: %w", err)
	}
	return pr, nil
}

// MarkDeliveredTx flags a response as delivered. Responses are never deleted.
func (r *ResponseRepo) MarkDeliveredTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `UPDATE pending_responses SET delivered = 1 WHERE id = ? AND delivered = 0`, id)
	if err != nil {
		return fmt.Errorf("mark response delivered: %w", err)
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

// ListBySubtask returns every response queued for a subtask.
func (r *ResponseRepo) ListBySubtask(ctx context.Context, q DBTX, subtaskID string) ([]domain.PendingResponse, error) {
	rows, err := q.QueryContext(ctx, responseSelect+`
WHERE pr.subtask_id = ?
ORDER BY pr.created_at ASC, pr.rowid ASC`, subtaskID)
	if err != nil {
		return nil, fmt.Errorf("list pending responses: %w", err)
	}
	defer rows.Close()

	var out []domain.PendingResponse
	for rows.Next() {
		pr, err := scanResponse(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending response: %w", err)
		}
		out = append(out, *pr)
	}
	return out, rows.Err()
}

// Count returns the number of pending responses ever queued.
func (r *ResponseRepo) Count(ctx context.Context, q DBTX) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_responses`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending responses: %w", err)
	}
	return n, nil
}

func scanResponse(row scanner) (*domain.PendingResponse, error) {
	var pr domain.PendingResponse
	var responseType, queue string
	var delivered int
	var created int64
	var payID, payTS, paid, pending sql.NullInt64
	var ownerKey []byte
	var ethAccount, recipient sql.NullString
	err := row.Scan(&pr.ID, &responseType, &pr.ClientKey, &queue, &pr.TaskID, &pr.SubtaskID,
		&delivered, &created,
		&payID, &payTS, &ownerKey, &ethAccount, &paid, &pending, &recipient)
	if err != nil {
		return nil, err
	}
	if pr.ResponseType, err = domain.ParseResponseType(responseType); err != nil {
		return nil, err
	}
	if pr.Queue, err = domain.ParseQueue(queue); err != nil {
		return nil, err
	}
	pr.Delivered = delivered != 0
	pr.CreatedAt = time.Unix(created, 0)
	if payID.Valid {
		pr.Payment = &domain.PaymentInfo{
			ID:                 payID.Int64,
			PaymentTS:          time.Unix(payTS.Int64, 0),
			TaskOwnerKey:       ownerKey,
			ProviderEthAccount: ethAccount.String,
			AmountPaid:         uint64(paid.Int64),
			AmountPending:      uint64(pending.Int64),
			RecipientType:      recipient.String,
		}
	}
	return &pr, nil
}
