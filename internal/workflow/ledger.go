package workflow

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/etsangsplk/concent/internal/domain"
	"github.com/etsangsplk/concent/internal/store"
)

// Ledger is the transition-gated view of the persisted entity graph. Every
// mutation runs inside a transaction supplied by the caller or by WithTx.
type Ledger struct {
	DB            *sql.DB
	Clients       *store.ClientRepo
	Messages      *store.MessageRepo
	Subtasks      *store.SubtaskRepo
	Responses     *store.ResponseRepo
	Verifications *store.VerificationRepo
	Dispatches    *store.DispatchRepo
	Uploads       *store.UploadRepo
	Audit         *store.AuditRepo

	now func() time.Time
}

// NewLedger creates a Ledger over db. A nil clock defaults to time.Now.
func NewLedger(db *sql.DB, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		DB:            db,
		Clients:       &store.ClientRepo{},
		Messages:      &store.MessageRepo{},
		Subtasks:      &store.SubtaskRepo{},
		Responses:     &store.ResponseRepo{},
		Verifications: &store.VerificationRepo{},
		Dispatches:    &store.DispatchRepo{},
		Uploads:       &store.UploadRepo{},
		Audit:         &store.AuditRepo{},
		now:           now,
	}
}

// Now returns the ledger clock.
func (l *Ledger) Now() time.Time { return l.now() }

// WithTx runs fn in a transaction. Any error from fn, or a panic, rolls the
// transaction back.
func (l *Ledger) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// SubtaskChange is a requested create-or-transition of a subtask.
type SubtaskChange struct {
	TaskID           string
	SubtaskID        string
	ProviderKey      []byte
	RequestorKey     []byte
	State            domain.SubtaskState
	NextDeadline     *time.Time
	TaskToComputeID  *int64
	ReportComputedID *int64
}

// StoreOrUpdateSubtaskTx creates the subtask if absent, otherwise validates
// and applies the requested state transition. An illegal transition fails
// with ErrTransitionNotAllowed and writes nothing.
func (l *Ledger) StoreOrUpdateSubtaskTx(ctx context.Context, tx *sql.Tx, c SubtaskChange) (*domain.Subtask, error) {
	if c.State.IsTerminal() && c.NextDeadline != nil {
		panic(fmt.Sprintf("workflow: terminal state %s with a deadline", c.State))
	}
	now := l.now()

	existing, err := l.Subtasks.GetByID(ctx, tx, c.SubtaskID)
	if err != nil && !errors.Is(err, domain.ErrSubtaskNotFound) {
		return nil, err
	}

	if existing == nil {
		if !IsValidInitialState(c.State) {
			return nil, domain.NewError(domain.CodeSubtaskTransitionForbidden,
				fmt.Sprintf("subtask cannot be created in state %s", c.State))
		}
		provider, err := l.Clients.GetOrCreate(ctx, tx, c.ProviderKey, now)
		if err != nil {
			return nil, err
		}
		requestor, err := l.Clients.GetOrCreate(ctx, tx, c.RequestorKey, now)
		if err != nil {
			return nil, err
		}
		s := domain.Subtask{
			TaskID:           c.TaskID,
			SubtaskID:        c.SubtaskID,
			ProviderKey:      c.ProviderKey,
			RequestorKey:     c.RequestorKey,
			State:            c.State,
			NextDeadline:     c.NextDeadline,
			TaskToComputeID:  c.TaskToComputeID,
			ReportComputedID: c.ReportComputedID,
			StateVersion:     1,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := l.Subtasks.CreateTx(ctx, tx, s, provider.ID, requestor.ID); err != nil {
			return nil, err
		}
		logTransition(&s, "", "Subtask created")
		return &s, nil
	}

	if existing.TaskID != c.TaskID ||
		!bytes.Equal(existing.ProviderKey, c.ProviderKey) ||
		!bytes.Equal(existing.RequestorKey, c.RequestorKey) {
		return nil, domain.NewError(domain.CodeMessageInvalid,
			fmt.Sprintf("subtask %s identity does not match the stored parties", c.SubtaskID))
	}
	if !IsValidTransition(existing.State, c.State) {
		return nil, transitionError(existing.State, c.State)
	}

	from := existing.State
	updated := *existing
	updated.State = c.State
	updated.NextDeadline = c.NextDeadline
	if c.TaskToComputeID != nil {
		updated.TaskToComputeID = c.TaskToComputeID
	}
	if c.ReportComputedID != nil {
		updated.ReportComputedID = c.ReportComputedID
	}
	updated.Escalated = false
	updated.EscalationCode = ""
	updated.EscalationDetail = ""
	updated.UpdatedAt = now

	if err := l.Subtasks.UpdateStateTx(ctx, tx, updated); err != nil {
		return nil, err
	}
	updated.StateVersion++
	logTransition(&updated, from, "Subtask state changed")
	return &updated, nil
}

// EscalateTx flags an ADDITIONAL_VERIFICATION subtask for manual resolution.
// The state is kept and the deadline cleared so no sweep resolves it.
func (l *Ledger) EscalateTx(ctx context.Context, tx *sql.Tx, s *domain.Subtask, code, detail string) (*domain.Subtask, error) {
	if s.State != domain.SubtaskAdditionalVerification {
		return nil, transitionError(s.State, s.State)
	}
	updated := *s
	updated.NextDeadline = nil
	updated.Escalated = true
	updated.EscalationCode = code
	updated.EscalationDetail = detail
	updated.UpdatedAt = l.now()
	if err := l.Subtasks.UpdateStateTx(ctx, tx, updated); err != nil {
		return nil, err
	}
	updated.StateVersion++
	log.WithFields(log.Fields{
		"subtask_id": s.SubtaskID,
		"task_id":    s.TaskID,
		"error_code": code,
	}).Error("Subtask escalated for manual resolution")
	return &updated, nil
}

// FindDuplicate reports whether a subtask already has a case in flight: it
// exists in a state past REPORTED that is not terminal. Resolved subtasks
// are reported by the transition check instead.
func (l *Ledger) FindDuplicate(ctx context.Context, q store.DBTX, subtaskID string) (bool, error) {
	s, err := l.Subtasks.GetByID(ctx, q, subtaskID)
	if errors.Is(err, domain.ErrSubtaskNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return s.State != domain.SubtaskReported && !s.State.IsTerminal(), nil
}

// EnqueuePendingResponseTx queues a response for clientKey, with an optional
// payment record, in the caller's transaction.
func (l *Ledger) EnqueuePendingResponseTx(
	ctx context.Context,
	tx *sql.Tx,
	rt domain.ResponseType,
	clientKey []byte,
	queue domain.Queue,
	subtask *domain.Subtask,
	payment *domain.PaymentInfo,
) (*domain.PendingResponse, error) {
	client, err := l.Clients.GetOrCreate(ctx, tx, clientKey, l.now())
	if err != nil {
		return nil, err
	}
	pr := domain.PendingResponse{
		ID:           uuid.NewString(),
		ResponseType: rt,
		ClientKey:    clientKey,
		Queue:        queue,
		Payment:      payment,
		CreatedAt:    l.now(),
	}
	if subtask != nil {
		pr.TaskID = subtask.TaskID
		pr.SubtaskID = subtask.SubtaskID
	}
	if err := l.Responses.EnqueueTx(ctx, tx, pr, client.ID); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"response_type": rt,
		"queue":         queue,
		"subtask_id":    pr.SubtaskID,
		"client_key":    encodeKey(clientKey),
	}).Info("New pending response")
	return &pr, nil
}

// StoreMessageTx appends a raw signed message.
func (l *Ledger) StoreMessageTx(ctx context.Context, tx *sql.Tx, msgType string, ts time.Time, data []byte, taskID, subtaskID string) (int64, error) {
	return l.Messages.StoreTx(ctx, tx, domain.StoredMessage{
		Type:      msgType,
		Timestamp: ts,
		Data:      data,
		TaskID:    taskID,
		SubtaskID: subtaskID,
	})
}

// GetOrCreateClientTx returns the client for a public key.
func (l *Ledger) GetOrCreateClientTx(ctx context.Context, tx *sql.Tx, publicKey []byte) (*domain.Client, error) {
	return l.Clients.GetOrCreate(ctx, tx, publicKey, l.now())
}

// GetSubtask loads a subtask by id.
func (l *Ledger) GetSubtask(ctx context.Context, subtaskID string) (*domain.Subtask, error) {
	return l.Subtasks.GetByID(ctx, l.DB, subtaskID)
}

// ListExpired returns in-flight disputes whose deadline has passed.
func (l *Ledger) ListExpired(ctx context.Context, now time.Time) ([]*domain.Subtask, error) {
	return l.Subtasks.ListExpired(ctx, l.DB, now)
}

// ListExpiredForClient returns expired disputes the client is party to.
func (l *Ledger) ListExpiredForClient(ctx context.Context, publicKey []byte, now time.Time) ([]*domain.Subtask, error) {
	return l.Subtasks.ListExpiredForClient(ctx, l.DB, publicKey, now)
}

// ListForcingTransfer returns subtasks awaiting a forced result upload.
func (l *Ledger) ListForcingTransfer(ctx context.Context) ([]*domain.Subtask, error) {
	return l.Subtasks.ListByState(ctx, l.DB, domain.SubtaskForcingResultTransfer)
}

// TakeNextResponse returns the oldest undelivered response for a client on a
// queue and marks it delivered, or returns nil when the queue is empty.
func (l *Ledger) TakeNextResponse(ctx context.Context, publicKey []byte, queue domain.Queue) (*domain.PendingResponse, error) {
	var out *domain.PendingResponse
	err := l.WithTx(ctx, func(tx *sql.Tx) error {
		pr, err := l.Responses.NextUndelivered(ctx, tx, publicKey, queue)
		if err != nil || pr == nil {
			return err
		}
		if err := l.Responses.MarkDeliveredTx(ctx, tx, pr.ID); err != nil {
			return err
		}
		pr.Delivered = true
		out = pr
		return nil
	})
	return out, err
}

// MessageCount returns how many protocol messages the ledger holds.
func (l *Ledger) MessageCount(ctx context.Context) (int, error) {
	return l.Messages.Count(ctx, l.DB)
}

// RecordAudit writes an audit record with a JSON detail payload.
func (l *Ledger) RecordAudit(ctx context.Context, q store.DBTX, subtaskID, category, actor, action, severity string, detail any) error {
	data, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal audit detail: %w", err)
	}
	return l.Audit.Record(ctx, q, domain.AuditRecord{
		ID:         uuid.NewString(),
		SubtaskID:  subtaskID,
		Category:   category,
		Actor:      actor,
		Action:     action,
		DetailJSON: string(data),
		Severity:   severity,
		CreatedAt:  l.now().Unix(),
	})
}

func logTransition(s *domain.Subtask, from domain.SubtaskState, msg string) {
	fields := log.Fields{
		"subtask_id":    s.SubtaskID,
		"task_id":       s.TaskID,
		"state":         s.State,
		"provider_key":  encodeKey(s.ProviderKey),
		"requestor_key": encodeKey(s.RequestorKey),
	}
	if from != "" {
		fields["from"] = from
	}
	if s.NextDeadline != nil {
		fields["next_deadline"] = s.NextDeadline.Unix()
	}
	log.WithFields(fields).Info(msg)
}

func encodeKey(k []byte) string {
	return base64.StdEncoding.EncodeToString(k)
}
