package dispute

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/etsangsplk/concent/internal/domain"
	"github.com/etsangsplk/concent/internal/envelope"
	"github.com/etsangsplk/concent/internal/metrics"
	"github.com/etsangsplk/concent/internal/store"
	"github.com/etsangsplk/concent/internal/workflow"
)

// Audit categories and actions written by the reconciler.
const (
	auditCategory        = "reconciliation"
	actionEscalated      = "verdict_error_escalated"
	actionDroppedVerdict = "late_verdict_dropped"
	actionDeadlineSettle = "deadline_settled"
	actionManualResolve  = "manual_resolution"
)

// Reconciler applies verdicts and expired deadlines to in-flight disputes.
type Reconciler struct {
	Ledger *workflow.Ledger

	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewReconciler creates a Reconciler whose Run loop sweeps every interval.
func NewReconciler(l *workflow.Ledger, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reconciler{
		Ledger:   l,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// HandleReport routes a worker report to the matching operation.
func (r *Reconciler) HandleReport(ctx context.Context, rep domain.WorkerReport) error {
	switch rep.Kind {
	case domain.ReportUploadAcknowledged:
		return r.RecordUploadAcknowledged(ctx, rep.SubtaskID)
	case domain.ReportVerdict:
		return r.Reconcile(ctx, rep.SubtaskID, rep.Verdict, rep.Detail, rep.ErrorCode)
	}
	log.WithFields(log.Fields{"kind": rep.Kind, "subtask_id": rep.SubtaskID}).Error("Unknown worker report kind")
	return nil
}

// RecordUploadAcknowledged notes that the worker picked up a subtask's order.
func (r *Reconciler) RecordUploadAcknowledged(ctx context.Context, subtaskID string) error {
	err := r.Ledger.Verifications.MarkUploadAcknowledged(ctx, r.Ledger.DB, subtaskID)
	if errors.Is(err, domain.ErrSubtaskNotFound) {
		log.WithField("subtask_id", subtaskID).Error("Upload acknowledgement for unknown subtask")
		return nil
	}
	return err
}

// Reconcile applies a worker verdict. A verdict for an unknown subtask is
// logged and dropped, as is one for a subtask that is already resolved or
// escalated. Escalated subtasks close only through ResolveEscalated.
func (r *Reconciler) Reconcile(ctx context.Context, subtaskID string, verdict domain.Verdict, detail, errorCode string) error {
	logger := log.WithFields(log.Fields{"subtask_id": subtaskID, "verdict": verdict})
	if _, err := domain.ParseVerdict(string(verdict)); err != nil {
		logger.WithError(err).Error("Dropping malformed verdict")
		metrics.Verdicts.WithLabelValues(string(verdict), "malformed").Inc()
		return nil
	}

	// An expired dispute is settled by its deadline before any verdict.
	if _, err := r.SweepSubtask(ctx, subtaskID); err != nil {
		return err
	}

	result := "applied"
	err := r.Ledger.WithTx(ctx, func(tx *sql.Tx) error {
		s, err := r.Ledger.Subtasks.GetByID(ctx, tx, subtaskID)
		if errors.Is(err, domain.ErrSubtaskNotFound) {
			logger.Error("Verdict for unknown subtask dropped")
			result = "unknown_subtask"
			return nil
		}
		if err != nil {
			return err
		}
		if s.State != domain.SubtaskAdditionalVerification {
			logger.WithField("state", s.State).Warn("Verdict for resolved subtask dropped")
			result = "dropped"
			return r.Ledger.RecordAudit(ctx, tx, subtaskID, auditCategory, "worker", actionDroppedVerdict, "warning",
				map[string]string{"verdict": string(verdict), "state": string(s.State)})
		}
		if s.Escalated {
			logger.WithField("error_code", s.EscalationCode).Warn("Verdict for escalated subtask dropped")
			result = "dropped"
			return r.Ledger.RecordAudit(ctx, tx, subtaskID, auditCategory, "worker", actionDroppedVerdict, "warning",
				map[string]string{"verdict": string(verdict), "state": string(s.State), "escalated": "true"})
		}

		switch verdict {
		case domain.VerdictMatch, domain.VerdictMismatch:
			return r.resolveTx(ctx, tx, s, verdict)
		default:
			if errorCode == "" {
				errorCode = "UNKNOWN"
			}
			if _, err := r.Ledger.EscalateTx(ctx, tx, s, errorCode, detail); err != nil {
				return err
			}
			result = "escalated"
			return r.Ledger.RecordAudit(ctx, tx, subtaskID, auditCategory, "worker", actionEscalated, "error",
				map[string]string{"error_code": errorCode, "detail": detail})
		}
	})
	if err != nil {
		metrics.Verdicts.WithLabelValues(string(verdict), "failed").Inc()
		return fmt.Errorf("reconcile %s: %w", subtaskID, err)
	}
	metrics.Verdicts.WithLabelValues(string(verdict), result).Inc()
	return nil
}

// ResolveEscalated applies a manual MATCH or MISMATCH decision to a subtask
// escalated after an ERROR verdict.
func (r *Reconciler) ResolveEscalated(ctx context.Context, subtaskID string, verdict domain.Verdict, actor string) (*domain.Subtask, error) {
	if verdict != domain.VerdictMatch && verdict != domain.VerdictMismatch {
		return nil, domain.NewError(domain.CodeMessageInvalid, "manual resolution must be MATCH or MISMATCH")
	}
	err := r.Ledger.WithTx(ctx, func(tx *sql.Tx) error {
		s, err := r.Ledger.Subtasks.GetByID(ctx, tx, subtaskID)
		if err != nil {
			return err
		}
		if !s.Escalated {
			return domain.ErrNotEscalated
		}
		if err := r.resolveTx(ctx, tx, s, verdict); err != nil {
			return err
		}
		return r.Ledger.RecordAudit(ctx, tx, subtaskID, auditCategory, actor, actionManualResolve, "info",
			map[string]string{"verdict": string(verdict), "error_code": s.EscalationCode})
	})
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"subtask_id": subtaskID, "verdict": verdict, "actor": actor}).Info("Escalated subtask resolved")
	return r.Ledger.GetSubtask(ctx, subtaskID)
}

// resolveTx moves s to ACCEPTED or FAILED and notifies both parties.
func (r *Reconciler) resolveTx(ctx context.Context, tx *sql.Tx, s *domain.Subtask, verdict domain.Verdict) error {
	state := domain.SubtaskAccepted
	response := domain.ResponseSubtaskResultsSettled
	if verdict == domain.VerdictMismatch {
		state = domain.SubtaskFailed
		response = domain.ResponseSubtaskResultsRejected
	}
	updated, err := r.Ledger.StoreOrUpdateSubtaskTx(ctx, tx, changeFor(s, state))
	if err != nil {
		return err
	}
	return r.notifyBothTx(ctx, tx, updated, response)
}

// SweepSubtask settles one subtask if its deadline has passed. It reports
// whether a settlement happened.
func (r *Reconciler) SweepSubtask(ctx context.Context, subtaskID string) (bool, error) {
	s, err := r.Ledger.GetSubtask(ctx, subtaskID)
	if errors.Is(err, domain.ErrSubtaskNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !sweepable(s, r.Ledger.Now()) {
		return false, nil
	}
	return r.settleExpired(ctx, subtaskID)
}

// SweepClient settles the expired disputes a client is party to.
func (r *Reconciler) SweepClient(ctx context.Context, publicKey []byte) (int, error) {
	expired, err := r.Ledger.ListExpiredForClient(ctx, publicKey, r.Ledger.Now())
	if err != nil {
		return 0, err
	}
	return r.settleAll(ctx, expired)
}

// SweepExpired settles every expired dispute.
func (r *Reconciler) SweepExpired(ctx context.Context) (int, error) {
	expired, err := r.Ledger.ListExpired(ctx, r.Ledger.Now())
	if err != nil {
		return 0, err
	}
	return r.settleAll(ctx, expired)
}

func (r *Reconciler) settleAll(ctx context.Context, subtasks []*domain.Subtask) (int, error) {
	n := 0
	for _, s := range subtasks {
		ok, err := r.settleExpired(ctx, s.SubtaskID)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// settleExpired accepts an expired dispute in the provider's favor. The
// subtask is re-read inside the transaction so a concurrent verdict wins.
func (r *Reconciler) settleExpired(ctx context.Context, subtaskID string) (bool, error) {
	settled := false
	err := r.Ledger.WithTx(ctx, func(tx *sql.Tx) error {
		s, err := r.Ledger.Subtasks.GetByID(ctx, tx, subtaskID)
		if err != nil {
			return err
		}
		if !sweepable(s, r.Ledger.Now()) {
			return nil
		}
		updated, err := r.Ledger.StoreOrUpdateSubtaskTx(ctx, tx, changeFor(s, domain.SubtaskAccepted))
		if err != nil {
			return err
		}
		if err := r.notifyBothTx(ctx, tx, updated, domain.ResponseSubtaskResultsSettled); err != nil {
			return err
		}
		settled = true
		return r.Ledger.RecordAudit(ctx, tx, subtaskID, auditCategory, "system", actionDeadlineSettle, "info",
			map[string]int64{"next_deadline": s.NextDeadline.Unix()})
	})
	if err != nil {
		return false, fmt.Errorf("settle expired %s: %w", subtaskID, err)
	}
	if settled {
		metrics.DeadlineSweeps.Inc()
		log.WithField("subtask_id", subtaskID).Info("Expired dispute settled in the provider's favor")
	}
	return settled, nil
}

// notifyBothTx queues the same out-of-band response to both parties.
func (r *Reconciler) notifyBothTx(ctx context.Context, tx *sql.Tx, s *domain.Subtask, rt domain.ResponseType) error {
	var ttc *envelope.TaskToCompute
	if rt == domain.ResponseSubtaskResultsSettled {
		t, err := loadTaskToCompute(ctx, r.Ledger, tx, s)
		if err != nil {
			return err
		}
		ttc = t
	}
	for _, party := range []struct {
		key       []byte
		recipient string
	}{
		{s.RequestorKey, "requestor"},
		{s.ProviderKey, "provider"},
	} {
		var payment *domain.PaymentInfo
		if ttc != nil {
			payment = &domain.PaymentInfo{
				PaymentTS:          r.Ledger.Now(),
				TaskOwnerKey:       s.RequestorKey,
				ProviderEthAccount: ttc.ProviderEthereumAddress,
				AmountPaid:         ttc.Price,
				RecipientType:      party.recipient,
			}
		}
		if _, err := r.Ledger.EnqueuePendingResponseTx(ctx, tx, rt, party.key,
			domain.QueueReceiveOutOfBand, s, payment); err != nil {
			return err
		}
	}
	return nil
}

// Run sweeps expired disputes every interval until ctx is cancelled or Stop
// is called.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.SweepExpired(ctx); err != nil {
				log.WithError(err).Error("Deadline sweep failed")
			}
		}
	}
}

// Stop signals Run to return. Safe to call multiple times.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func sweepable(s *domain.Subtask, now time.Time) bool {
	return s.State == domain.SubtaskAdditionalVerification && !s.Escalated && s.Expired(now)
}

func changeFor(s *domain.Subtask, state domain.SubtaskState) workflow.SubtaskChange {
	return workflow.SubtaskChange{
		TaskID:       s.TaskID,
		SubtaskID:    s.SubtaskID,
		ProviderKey:  s.ProviderKey,
		RequestorKey: s.RequestorKey,
		State:        state,
	}
}

// loadTaskToCompute decodes the stored task agreement of s, or returns nil
// when none was stored.
func loadTaskToCompute(ctx context.Context, l *workflow.Ledger, q store.DBTX, s *domain.Subtask) (*envelope.TaskToCompute, error) {
	env, err := loadMessage(ctx, l, q, s.TaskToComputeID)
	if err != nil || env == nil {
		return nil, err
	}
	var ttc envelope.TaskToCompute
	if err := env.Decode(&ttc); err != nil {
		return nil, err
	}
	return &ttc, nil
}

func loadMessage(ctx context.Context, l *workflow.Ledger, q store.DBTX, id *int64) (*envelope.Envelope, error) {
	if id == nil {
		return nil, nil
	}
	m, err := l.Messages.GetByID(ctx, q, *id)
	if err != nil {
		return nil, err
	}
	return envelope.Open(m.Data)
}
