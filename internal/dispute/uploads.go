package dispute

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/etsangsplk/concent/internal/domain"
	"github.com/etsangsplk/concent/internal/envelope"
	"github.com/etsangsplk/concent/internal/token"
	"github.com/etsangsplk/concent/internal/workflow"
)

// StatusProber reports whether the single file a token names is stored.
type StatusProber interface {
	RequestUploadStatus(ctx context.Context, t domain.FileTransferToken) (bool, error)
}

// UploadPoller moves forced transfers to RESULT_UPLOADED once the storage
// cluster holds the result package.
type UploadPoller struct {
	Ledger *workflow.Ledger
	Issuer *token.Issuer
	Prober StatusProber

	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewUploadPoller creates an UploadPoller whose Run loop checks every interval.
func NewUploadPoller(l *workflow.Ledger, issuer *token.Issuer, prober StatusProber, interval time.Duration) *UploadPoller {
	if interval <= 0 {
		interval = time.Minute
	}
	return &UploadPoller{
		Ledger:   l,
		Issuer:   issuer,
		Prober:   prober,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// CheckOnce probes every FORCING_RESULT_TRANSFER subtask and returns how
// many were found uploaded. A failed probe is logged and retried next pass.
func (p *UploadPoller) CheckOnce(ctx context.Context) (int, error) {
	pending, err := p.Ledger.ListForcingTransfer(ctx)
	if err != nil {
		return 0, err
	}
	uploaded := 0
	for _, s := range pending {
		logger := log.WithFields(log.Fields{"subtask_id": s.SubtaskID, "task_id": s.TaskID})
		ok, err := p.checkSubtask(ctx, s)
		if err != nil {
			logger.WithError(err).Error("Upload status check failed")
			continue
		}
		if ok {
			uploaded++
		}
	}
	return uploaded, nil
}

func (p *UploadPoller) checkSubtask(ctx context.Context, s *domain.Subtask) (bool, error) {
	report, err := loadMessage(ctx, p.Ledger, p.Ledger.DB, s.ReportComputedID)
	if err != nil {
		return false, err
	}
	if report == nil {
		return false, errors.New("no stored report")
	}
	rct, _, _, err := envelope.DecodeReport(report)
	if err != nil {
		return false, err
	}

	file := token.ResultFile(s.TaskID, s.SubtaskID, rct.PackageHash, rct.Size)
	tok, err := p.Issuer.Issue(p.Issuer.PublicKey(), domain.OperationUpload, []domain.FileInfo{file})
	if err != nil {
		return false, err
	}
	present, err := p.Prober.RequestUploadStatus(ctx, tok)
	if err != nil || !present {
		return false, err
	}

	moved := false
	err = p.Ledger.WithTx(ctx, func(tx *sql.Tx) error {
		cur, err := p.Ledger.Subtasks.GetByID(ctx, tx, s.SubtaskID)
		if err != nil {
			return err
		}
		if cur.State != domain.SubtaskForcingResultTransfer {
			return nil
		}
		updated, err := p.Ledger.StoreOrUpdateSubtaskTx(ctx, tx, changeFor(cur, domain.SubtaskResultUploaded))
		if err != nil {
			return err
		}
		if _, err := p.Ledger.EnqueuePendingResponseTx(ctx, tx, domain.ResponseForceGetTaskResultDownload,
			updated.RequestorKey, domain.QueueReceive, updated, nil); err != nil {
			return err
		}
		moved = true
		return nil
	})
	return moved, err
}

// Run polls every interval until ctx is cancelled or Stop is called.
func (p *UploadPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.CheckOnce(ctx); err != nil {
				log.WithError(err).Error("Upload poll failed")
			}
		}
	}
}

// Stop signals Run to return. Safe to call multiple times.
func (p *UploadPoller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// ReportUpload records a storage cluster notification that path was
// uploaded. Once both packages of a verification request are reported the
// request is marked upload_finished so its order can be dispatched. It
// returns whether the path belongs to a known verification request.
func ReportUpload(ctx context.Context, l *workflow.Ledger, path string) (bool, error) {
	known := false
	err := l.WithTx(ctx, func(tx *sql.Tx) error {
		req, err := l.Verifications.FindByPackagePath(ctx, tx, path)
		if err != nil && !errors.Is(err, domain.ErrSubtaskNotFound) {
			return err
		}
		report := domain.UploadReport{Path: path, CreatedAt: l.Now()}
		if req != nil {
			report.SubtaskID = req.SubtaskID
			known = true
		}
		if err := l.Uploads.Record(ctx, tx, report); err != nil {
			return err
		}
		if req == nil || req.UploadFinished {
			return nil
		}

		for _, p := range []string{req.SourcePackagePath, req.ResultPackagePath} {
			ok, err := l.Uploads.Reported(ctx, tx, p)
			if err != nil || !ok {
				return err
			}
		}
		if err := l.Verifications.MarkUploadFinished(ctx, tx, req.SubtaskID); err != nil {
			return err
		}
		log.WithField("subtask_id", req.SubtaskID).Info("Verification packages uploaded")
		return nil
	})
	return known, err
}
