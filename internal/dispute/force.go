package dispute

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/etsangsplk/concent/internal/domain"
	"github.com/etsangsplk/concent/internal/envelope"
	"github.com/etsangsplk/concent/internal/metrics"
	"github.com/etsangsplk/concent/internal/workflow"
)

// HandleForceGetTaskResult admits a requestor's demand that the provider
// upload a computed result through the storage cluster.
func (h *Handler) HandleForceGetTaskResult(ctx context.Context, msg *envelope.Envelope) (*Result, error) {
	if err := msg.Expect(envelope.TypeForceGetTaskResult); err != nil {
		return nil, err
	}
	var fgtr envelope.ForceGetTaskResult
	if err := msg.Decode(&fgtr); err != nil {
		return nil, err
	}
	report, err := envelope.OpenNested(fgtr.ReportComputedTask, envelope.TypeReportComputedTask)
	if err != nil {
		return nil, err
	}
	rct, task, ttc, err := envelope.DecodeReport(report)
	if err != nil {
		return nil, err
	}
	def := ttc.ComputeTaskDef
	logger := log.WithFields(log.Fields{
		"task_id":    def.TaskID,
		"subtask_id": def.SubtaskID,
		"message":    envelope.TypeForceGetTaskResult,
	})

	if err := msg.VerifiedBy(ttc.RequestorPublicKey); err != nil {
		return nil, err
	}
	if report.VerifiedBy(ttc.ProviderPublicKey) != nil || task.VerifiedBy(ttc.RequestorPublicKey) != nil {
		logger.Info("ForceGetTaskResult refused: nested signature mismatch")
		return h.refuse(msg, domain.RefusalInvalidRequest, def.SubtaskID)
	}

	dup, err := h.Ledger.FindDuplicate(ctx, h.Ledger.DB, def.SubtaskID)
	if err != nil {
		return nil, err
	}
	if dup {
		logger.Info("ForceGetTaskResult refused: duplicate request")
		return h.refuse(msg, domain.RefusalDuplicateRequest, def.SubtaskID)
	}
	if _, err := h.Ledger.GetSubtask(ctx, def.SubtaskID); err == nil {
		metrics.DisputeAdmissions.WithLabelValues(string(envelope.TypeForceGetTaskResult), "transition_not_allowed").Inc()
		return nil, domain.NewError(domain.CodeSubtaskTransitionForbidden,
			"subtask "+def.SubtaskID+" already has a resolved case")
	} else if !errors.Is(err, domain.ErrSubtaskNotFound) {
		return nil, err
	}

	now := h.Ledger.Now()
	if d := h.Policy.CheckMessageTime(time.Unix(msg.Timestamp, 0), now); !d.Admitted {
		logger.WithField("detail", d.Detail).Info("ForceGetTaskResult refused")
		return h.refuse(msg, d.Reason, def.SubtaskID)
	}
	subtaskDeadline := time.Unix(def.Deadline, 0)
	if d := h.Policy.CheckForceGetTaskResult(subtaskDeadline, now); !d.Admitted {
		logger.WithField("detail", d.Detail).Info("ForceGetTaskResult refused")
		return h.refuse(msg, d.Reason, def.SubtaskID)
	}

	uploadDeadline := h.Policy.UploadDeadline(subtaskDeadline, rct.Size)
	err = h.Ledger.WithTx(ctx, func(tx *sql.Tx) error {
		taskID, err := h.Ledger.StoreMessageTx(ctx, tx, string(task.Type), time.Unix(task.Timestamp, 0),
			task.Bytes(), def.TaskID, def.SubtaskID)
		if err != nil {
			return err
		}
		reportID, err := h.Ledger.StoreMessageTx(ctx, tx, string(report.Type), time.Unix(report.Timestamp, 0),
			report.Bytes(), def.TaskID, def.SubtaskID)
		if err != nil {
			return err
		}
		if _, err := h.Ledger.StoreMessageTx(ctx, tx, string(msg.Type), time.Unix(msg.Timestamp, 0),
			msg.Bytes(), def.TaskID, def.SubtaskID); err != nil {
			return err
		}

		s, err := h.Ledger.StoreOrUpdateSubtaskTx(ctx, tx, workflow.SubtaskChange{
			TaskID:           def.TaskID,
			SubtaskID:        def.SubtaskID,
			ProviderKey:      ttc.ProviderPublicKey,
			RequestorKey:     ttc.RequestorPublicKey,
			State:            domain.SubtaskForcingResultTransfer,
			NextDeadline:     &uploadDeadline,
			TaskToComputeID:  &taskID,
			ReportComputedID: &reportID,
		})
		if err != nil {
			return err
		}
		_, err = h.Ledger.EnqueuePendingResponseTx(ctx, tx, domain.ResponseForceGetTaskResultUpload,
			ttc.ProviderPublicKey, domain.QueueReceive, s, nil)
		return err
	})
	if errors.Is(err, domain.ErrDuplicateSubtask) || errors.Is(err, domain.ErrOptimisticLock) {
		logger.Info("ForceGetTaskResult refused: concurrent duplicate")
		return h.refuse(msg, domain.RefusalDuplicateRequest, def.SubtaskID)
	}
	if err != nil {
		return nil, err
	}

	ack, err := envelope.Seal(envelope.TypeAckForceGetTaskResult, now.Unix(), envelope.AckForceGetTaskResult{
		ForceGetTaskResult: msg.Bytes(),
	}, h.key)
	if err != nil {
		return nil, err
	}
	metrics.DisputeAdmissions.WithLabelValues(string(envelope.TypeForceGetTaskResult), "admitted").Inc()
	logger.WithField("upload_deadline", uploadDeadline.Unix()).Info("ForceGetTaskResult admitted")
	return &Result{Status: http.StatusAccepted, Message: ack}, nil
}
