package dispute

import (
	"context"
	"crypto/ecdsa"
	"database/sql"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/etsangsplk/concent/internal/domain"
	"github.com/etsangsplk/concent/internal/envelope"
	"github.com/etsangsplk/concent/internal/metrics"
	"github.com/etsangsplk/concent/internal/policy"
	"github.com/etsangsplk/concent/internal/store"
	"github.com/etsangsplk/concent/internal/token"
	"github.com/etsangsplk/concent/internal/workflow"
)

// Mailbox hands queued responses to polling clients as signed messages.
type Mailbox struct {
	Ledger     *workflow.Ledger
	Policy     *policy.Engine
	Issuer     *token.Issuer
	Reconciler *Reconciler

	key *ecdsa.PrivateKey
}

// NewMailbox creates a Mailbox. key signs every delivered message.
func NewMailbox(l *workflow.Ledger, p *policy.Engine, issuer *token.Issuer, r *Reconciler, key *ecdsa.PrivateKey) *Mailbox {
	return &Mailbox{Ledger: l, Policy: p, Issuer: issuer, Reconciler: r, key: key}
}

// Receive settles the client's expired disputes, then returns the oldest
// undelivered response on queue as a signed message, or nil when the queue
// is empty. The response is marked delivered in the same transaction.
func (m *Mailbox) Receive(ctx context.Context, clientKey []byte, queue domain.Queue) (*envelope.Envelope, error) {
	if _, err := m.Reconciler.SweepClient(ctx, clientKey); err != nil {
		return nil, err
	}

	var out *envelope.Envelope
	err := m.Ledger.WithTx(ctx, func(tx *sql.Tx) error {
		pr, err := m.Ledger.Responses.NextUndelivered(ctx, tx, clientKey, queue)
		if err != nil || pr == nil {
			return err
		}
		env, err := m.render(ctx, tx, pr)
		if err != nil {
			return fmt.Errorf("render %s %s: %w", pr.ResponseType, pr.ID, err)
		}
		if err := m.Ledger.Responses.MarkDeliveredTx(ctx, tx, pr.ID); err != nil {
			return err
		}
		out = env
		log.WithFields(log.Fields{
			"response_type": pr.ResponseType,
			"queue":         queue,
			"subtask_id":    pr.SubtaskID,
		}).Info("Pending response delivered")
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out != nil {
		metrics.PendingResponsesDelivered.WithLabelValues(string(queue)).Inc()
	}
	return out, nil
}

func (m *Mailbox) render(ctx context.Context, q store.DBTX, pr *domain.PendingResponse) (*envelope.Envelope, error) {
	s, err := m.Ledger.Subtasks.GetByID(ctx, q, pr.SubtaskID)
	if err != nil {
		return nil, err
	}
	now := m.Ledger.Now().Unix()

	switch pr.ResponseType {
	case domain.ResponseSubtaskResultsSettled:
		return m.renderSettled(ctx, q, s, pr, now)

	case domain.ResponseSubtaskResultsRejected:
		report, err := loadMessage(ctx, m.Ledger, q, s.ReportComputedID)
		if err != nil {
			return nil, err
		}
		payload := envelope.SubtaskResultsRejected{Reason: domain.RejectionConcentVerificationNegative}
		if report != nil {
			payload.ReportComputedTask = report.Bytes()
		}
		return envelope.Seal(envelope.TypeSubtaskResultsRejected, now, payload, m.key)

	case domain.ResponseForceGetTaskResultUpload, domain.ResponseForceGetTaskResultDownload:
		return m.renderForced(ctx, q, s, pr)
	}
	return nil, fmt.Errorf("no renderer for response type %s", pr.ResponseType)
}

func (m *Mailbox) renderSettled(ctx context.Context, q store.DBTX, s *domain.Subtask, pr *domain.PendingResponse, now int64) (*envelope.Envelope, error) {
	origin := envelope.OriginResultsVerified
	audits, err := m.Ledger.Audit.ListBySubtask(ctx, q, s.SubtaskID)
	if err != nil {
		return nil, err
	}
	for _, a := range audits {
		if a.Action == actionDeadlineSettle {
			origin = envelope.OriginDeadlineExpired
		}
	}

	payload := envelope.SubtaskResultsSettled{Origin: origin}
	task, err := loadMessage(ctx, m.Ledger, q, s.TaskToComputeID)
	if err != nil {
		return nil, err
	}
	if task != nil {
		payload.TaskToCompute = task.Bytes()
	}
	if p := pr.Payment; p != nil {
		payload.Payment = &envelope.Payment{
			PaymentTS:          p.PaymentTS.Unix(),
			TaskOwnerKey:       p.TaskOwnerKey,
			ProviderEthAccount: p.ProviderEthAccount,
			AmountPaid:         p.AmountPaid,
			AmountPending:      p.AmountPending,
			RecipientType:      p.RecipientType,
		}
	}
	return envelope.Seal(envelope.TypeSubtaskResultsSettled, now, payload, m.key)
}

// renderForced builds the upload demand for the provider or the download
// notice for the requestor, each carrying a token for the result package.
func (m *Mailbox) renderForced(ctx context.Context, q store.DBTX, s *domain.Subtask, pr *domain.PendingResponse) (*envelope.Envelope, error) {
	fgtr, err := latestMessage(ctx, m.Ledger, q, s.SubtaskID, envelope.TypeForceGetTaskResult)
	if err != nil {
		return nil, err
	}
	report, err := loadMessage(ctx, m.Ledger, q, s.ReportComputedID)
	if err != nil {
		return nil, err
	}
	if report == nil {
		return nil, fmt.Errorf("subtask %s has no stored report", s.SubtaskID)
	}
	rct, _, ttc, err := envelope.DecodeReport(report)
	if err != nil {
		return nil, err
	}

	file := token.ResultFile(s.TaskID, s.SubtaskID, rct.PackageHash, rct.Size)
	subtaskDeadline := time.Unix(ttc.ComputeTaskDef.Deadline, 0)
	now := m.Ledger.Now()

	if pr.ResponseType == domain.ResponseForceGetTaskResultUpload {
		tok, err := m.Issuer.IssueUntil(s.ProviderKey, domain.OperationUpload, []domain.FileInfo{file},
			latest(now, m.Policy.UploadDeadline(subtaskDeadline, rct.Size)))
		if err != nil {
			return nil, err
		}
		tokEnv, err := m.Issuer.Seal(tok)
		if err != nil {
			return nil, err
		}
		return envelope.Seal(envelope.TypeForceGetTaskResultUpload, now.Unix(), envelope.ForceGetTaskResultUpload{
			ForceGetTaskResult: fgtr.Bytes(),
			FileTransferToken:  tokEnv.Bytes(),
		}, m.key)
	}

	tok, err := m.Issuer.IssueUntil(s.RequestorKey, domain.OperationDownload, []domain.FileInfo{file},
		latest(now, m.Policy.DownloadDeadline(subtaskDeadline, rct.Size)))
	if err != nil {
		return nil, err
	}
	tokEnv, err := m.Issuer.Seal(tok)
	if err != nil {
		return nil, err
	}
	return envelope.Seal(envelope.TypeForceGetTaskResultDownload, now.Unix(), envelope.ForceGetTaskResultDownload{
		ForceGetTaskResult: fgtr.Bytes(),
		FileTransferToken:  tokEnv.Bytes(),
	}, m.key)
}

// latestMessage returns the newest stored message of typ for a subtask.
func latestMessage(ctx context.Context, l *workflow.Ledger, q store.DBTX, subtaskID string, typ envelope.Type) (*envelope.Envelope, error) {
	msgs, err := l.Messages.ListBySubtask(ctx, q, subtaskID)
	if err != nil {
		return nil, err
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Type == string(typ) {
			return envelope.Open(msgs[i].Data)
		}
	}
	return nil, fmt.Errorf("subtask %s has no stored %s", subtaskID, typ)
}

// latest keeps a token valid at the moment it is issued.
func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
