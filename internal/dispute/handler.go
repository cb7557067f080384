// Package dispute admits provider disputes and forced result transfers,
// reconciles worker verdicts and expired deadlines into the ledger, and
// renders queued responses for polling clients.
package dispute

import (
	"context"
	"crypto/ecdsa"
	"database/sql"
	"errors"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/etsangsplk/concent/internal/dispatch"
	"github.com/etsangsplk/concent/internal/domain"
	"github.com/etsangsplk/concent/internal/envelope"
	"github.com/etsangsplk/concent/internal/funds"
	"github.com/etsangsplk/concent/internal/metrics"
	"github.com/etsangsplk/concent/internal/policy"
	"github.com/etsangsplk/concent/internal/token"
	"github.com/etsangsplk/concent/internal/workflow"
)

// Result is a signed protocol answer with the HTTP status it is sent with.
// Refusals are results, not errors.
type Result struct {
	Status  int
	Message *envelope.Envelope
}

// Handler runs the admission sequences for inbound client messages.
type Handler struct {
	Ledger     *workflow.Ledger
	Policy     *policy.Engine
	Issuer     *token.Issuer
	Funds      funds.Oracle
	Dispatcher *dispatch.Dispatcher
	Reconciler *Reconciler

	key *ecdsa.PrivateKey
}

// NewHandler wires a Handler. key signs every answer.
func NewHandler(
	l *workflow.Ledger,
	p *policy.Engine,
	issuer *token.Issuer,
	oracle funds.Oracle,
	d *dispatch.Dispatcher,
	r *Reconciler,
	key *ecdsa.PrivateKey,
) *Handler {
	return &Handler{
		Ledger:     l,
		Policy:     p,
		Issuer:     issuer,
		Funds:      oracle,
		Dispatcher: d,
		Reconciler: r,
		key:        key,
	}
}

// HandleSubtaskResultsVerify admits or refuses a provider's dispute of a
// rejection. Structural problems are returned as errors and leave the
// ledger untouched.
func (h *Handler) HandleSubtaskResultsVerify(ctx context.Context, verify *envelope.Envelope) (*Result, error) {
	chain, err := envelope.DecodeChain(verify)
	if err != nil {
		return nil, err
	}
	ttc := chain.TaskToCompute
	def := ttc.ComputeTaskDef
	logger := log.WithFields(log.Fields{
		"task_id":    def.TaskID,
		"subtask_id": def.SubtaskID,
		"message":    envelope.TypeSubtaskResultsVerify,
	})

	if err := verify.VerifiedBy(ttc.ProviderPublicKey); err != nil {
		return nil, err
	}

	if reason := verifyChainSignatures(chain); reason != "" {
		logger.WithField("detail", reason).Info("Dispute refused: nested signature mismatch")
		return h.refuse(verify, domain.RefusalInvalidRequest, def.SubtaskID)
	}

	if _, err := h.Reconciler.SweepSubtask(ctx, def.SubtaskID); err != nil {
		return nil, err
	}

	dup, err := h.Ledger.FindDuplicate(ctx, h.Ledger.DB, def.SubtaskID)
	if err != nil {
		return nil, err
	}
	if dup {
		logger.Info("Dispute refused: duplicate request")
		return h.refuse(verify, domain.RefusalDuplicateRequest, def.SubtaskID)
	}

	if err := h.checkDisputableState(ctx, def.SubtaskID); err != nil {
		metrics.DisputeAdmissions.WithLabelValues(string(envelope.TypeSubtaskResultsVerify), "transition_not_allowed").Inc()
		return nil, err
	}

	decision := h.Policy.CheckAdmission(chain.Rejection.Reason,
		time.Unix(chain.Rejected.Timestamp, 0), time.Unix(verify.Timestamp, 0), h.Ledger.Now())
	if !decision.Admitted {
		logger.WithField("detail", decision.Detail).Info("Dispute refused")
		return h.refuse(verify, decision.Reason, def.SubtaskID)
	}

	if !h.requestorCanPay(ctx, ttc, logger) {
		return h.refuse(verify, domain.RefusalTooSmallRequestorDeposit, def.SubtaskID)
	}

	files := token.DisputeFiles(def.TaskID, def.SubtaskID,
		ttc.PackageHash, ttc.Size, chain.ReportComputed.PackageHash, chain.ReportComputed.Size)
	tok, err := h.Issuer.Issue(ttc.ProviderPublicKey, domain.OperationUpload, files)
	if err != nil {
		return nil, err
	}
	tokEnv, err := h.Issuer.Seal(tok)
	if err != nil {
		return nil, err
	}

	now := h.Ledger.Now()
	deadline := h.Policy.AdditionalVerificationDeadline(now)
	err = h.Ledger.WithTx(ctx, func(tx *sql.Tx) error {
		if dup, err := h.Ledger.FindDuplicate(ctx, tx, def.SubtaskID); err != nil {
			return err
		} else if dup {
			return domain.ErrDuplicateSubtask
		}

		ids, err := h.storeChain(ctx, tx, chain)
		if err != nil {
			return err
		}
		_, err = h.Ledger.StoreOrUpdateSubtaskTx(ctx, tx, workflow.SubtaskChange{
			TaskID:           def.TaskID,
			SubtaskID:        def.SubtaskID,
			ProviderKey:      ttc.ProviderPublicKey,
			RequestorKey:     ttc.RequestorPublicKey,
			State:            domain.SubtaskAdditionalVerification,
			NextDeadline:     &deadline,
			TaskToComputeID:  &ids.task,
			ReportComputedID: &ids.report,
		})
		if err != nil {
			return err
		}

		_, err = h.Dispatcher.Schedule(ctx, tx, domain.VerificationRequest{
			SubtaskID:         def.SubtaskID,
			TaskID:            def.TaskID,
			SourcePackagePath: token.SourcePath(def.TaskID, def.SubtaskID),
			SourceSize:        ttc.Size,
			SourcePackageHash: ttc.PackageHash,
			ResultPackagePath: token.ResultPath(def.TaskID, def.SubtaskID),
			ResultSize:        chain.ReportComputed.Size,
			ResultPackageHash: chain.ReportComputed.PackageHash,
			OutputFormat:      def.OutputFormat,
			SceneFile:         def.SceneFile,
		})
		return err
	})
	if errors.Is(err, domain.ErrDuplicateSubtask) || errors.Is(err, domain.ErrOptimisticLock) {
		logger.Info("Dispute refused: concurrent duplicate")
		return h.refuse(verify, domain.RefusalDuplicateRequest, def.SubtaskID)
	}
	if err != nil {
		return nil, err
	}

	ack, err := envelope.Seal(envelope.TypeAckSubtaskResultsVerify, now.Unix(), envelope.AckSubtaskResultsVerify{
		SubtaskResultsVerify: verify.Bytes(),
		FileTransferToken:    tokEnv.Bytes(),
	}, h.key)
	if err != nil {
		return nil, err
	}
	metrics.DisputeAdmissions.WithLabelValues(string(envelope.TypeSubtaskResultsVerify), "admitted").Inc()
	logger.WithField("next_deadline", deadline.Unix()).Info("Dispute admitted")
	return &Result{Status: http.StatusAccepted, Message: ack}, nil
}

// checkDisputableState allows a dispute only for an absent or REPORTED subtask.
func (h *Handler) checkDisputableState(ctx context.Context, subtaskID string) error {
	s, err := h.Ledger.GetSubtask(ctx, subtaskID)
	if errors.Is(err, domain.ErrSubtaskNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !workflow.IsValidTransition(s.State, domain.SubtaskAdditionalVerification) {
		return domain.NewError(domain.CodeSubtaskTransitionForbidden,
			"subtask "+subtaskID+" is "+string(s.State)+" and cannot be disputed")
	}
	return nil
}

// requestorCanPay asks the funds oracle about the requestor's deposit. An
// oracle failure is treated as insufficient funds.
func (h *Handler) requestorCanPay(ctx context.Context, ttc envelope.TaskToCompute, logger *log.Entry) bool {
	address := ttc.RequestorEthereumAddress
	if address == "" {
		addr, err := envelope.EthereumAddress(ttc.RequestorPublicKey)
		if err != nil {
			logger.WithError(err).Warn("Cannot derive requestor address")
			return false
		}
		address = addr.Hex()
	}
	ok, err := h.Funds.IsAccountStatusPositive(ctx, address, ttc.Price)
	if err != nil {
		logger.WithError(err).WithField("address", address).Error("Funds oracle query failed")
		return false
	}
	if !ok {
		logger.WithField("address", address).Info("Dispute refused: requestor deposit too small")
	}
	return ok
}

// verifyChainSignatures checks each nested message against the party that
// must have signed it. It returns a description of the first mismatch.
func verifyChainSignatures(c *envelope.Chain) string {
	ttc := c.TaskToCompute
	if err := c.Rejected.VerifiedBy(ttc.RequestorPublicKey); err != nil {
		return "subtask_results_rejected is not signed by the requestor"
	}
	if err := c.Report.VerifiedBy(ttc.ProviderPublicKey); err != nil {
		return "report_computed_task is not signed by the provider"
	}
	if err := c.Task.VerifiedBy(ttc.RequestorPublicKey); err != nil {
		return "task_to_compute is not signed by the requestor"
	}
	return ""
}

type chainIDs struct {
	task, report int64
}

// storeChain persists every message of the dispute.
func (h *Handler) storeChain(ctx context.Context, tx *sql.Tx, c *envelope.Chain) (chainIDs, error) {
	def := c.TaskToCompute.ComputeTaskDef
	var ids chainIDs
	for _, m := range []struct {
		env *envelope.Envelope
		id  *int64
	}{
		{c.Task, &ids.task},
		{c.Report, &ids.report},
		{c.Rejected, nil},
		{c.Verify, nil},
	} {
		id, err := h.Ledger.StoreMessageTx(ctx, tx, string(m.env.Type), time.Unix(m.env.Timestamp, 0),
			m.env.Bytes(), def.TaskID, def.SubtaskID)
		if err != nil {
			return ids, err
		}
		if m.id != nil {
			*m.id = id
		}
	}
	return ids, nil
}

// refuse signs a ServiceRefused answer to msg.
func (h *Handler) refuse(msg *envelope.Envelope, reason domain.RefusalReason, subtaskID string) (*Result, error) {
	env, err := envelope.Seal(envelope.TypeServiceRefused, h.Ledger.Now().Unix(), envelope.ServiceRefused{
		Reason:    reason,
		SubtaskID: subtaskID,
	}, h.key)
	if err != nil {
		return nil, err
	}
	metrics.DisputeAdmissions.WithLabelValues(string(msg.Type), string(reason)).Inc()
	return &Result{Status: http.StatusOK, Message: env}, nil
}
