// Package verifier implements the out-of-band re-verification worker. It
// takes orders from the queue, fetches both packages from the storage
// cluster, re-renders the scene and reports a verdict back to the arbiter.
package verifier

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/etsangsplk/concent/internal/domain"
	"github.com/etsangsplk/concent/internal/metrics"
	"github.com/etsangsplk/concent/internal/queue"
	"github.com/etsangsplk/concent/internal/token"
)

// Options tunes a Worker.
type Options struct {
	// StoragePath is the scratch directory; each order works in its own
	// subdirectory, removed when the order finishes.
	StoragePath string
	// Mock skips all work: MATCH iff the subtask id ends in "m".
	Mock bool
	// Wait bounds each blocking poll of the order queue.
	Wait time.Duration
}

// Worker executes verification orders.
type Worker struct {
	Orders   queue.OrderSource
	Reports  queue.ReportSink
	Issuer   *token.Issuer
	Client   *http.Client
	Renderer Renderer
	Options  Options

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewWorker creates a Worker.
func NewWorker(orders queue.OrderSource, reports queue.ReportSink, issuer *token.Issuer,
	client *http.Client, renderer Renderer, opts Options) *Worker {
	if opts.Wait <= 0 {
		opts.Wait = 5 * time.Second
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Worker{
		Orders:   orders,
		Reports:  reports,
		Issuer:   issuer,
		Client:   client,
		Renderer: renderer,
		Options:  opts,
		stopCh:   make(chan struct{}),
	}
}

// RunOrder processes one order and reports its outcome. Environmental
// failures become an ERROR verdict and a nil return; a failure that points
// at the worker itself is reported and then returned.
func (w *Worker) RunOrder(ctx context.Context, order domain.VerificationOrder) error {
	logger := log.WithFields(log.Fields{"subtask_id": order.SubtaskID, "job_id": order.JobID})
	if err := validateOrder(order); err != nil {
		logger.WithError(err).Error("Rejecting malformed verification order")
		return err
	}
	if err := w.Reports.Report(ctx, domain.WorkerReport{
		Kind:      domain.ReportUploadAcknowledged,
		SubtaskID: order.SubtaskID,
	}); err != nil {
		return fmt.Errorf("acknowledge %s: %w", order.SubtaskID, err)
	}

	if w.Options.Mock {
		verdict := domain.VerdictMismatch
		if strings.HasSuffix(order.SubtaskID, "m") {
			verdict = domain.VerdictMatch
		}
		return w.verdict(ctx, order.SubtaskID, verdict, "", "")
	}

	workDir := filepath.Join(w.Options.StoragePath, order.SubtaskID)
	if err := os.RemoveAll(workDir); err != nil {
		return w.fail(ctx, order.SubtaskID, domain.WorkerFileDownloadFailed, err, true)
	}
	defer os.RemoveAll(workDir)

	files := []domain.FileInfo{
		{Path: order.SourcePackagePath, Checksum: order.SourcePackageHash, Size: order.SourceSize, Category: domain.CategorySource},
		{Path: order.ResultPackagePath, Checksum: order.ResultPackageHash, Size: order.ResultSize, Category: domain.CategoryResult},
	}
	tok, err := w.Issuer.Issue(w.Issuer.PublicKey(), domain.OperationDownload, files)
	if err != nil {
		return w.fail(ctx, order.SubtaskID, domain.WorkerFileDownloadFailed, err, true)
	}
	headers, err := w.Issuer.AuthorizationHeaders(tok)
	if err != nil {
		return w.fail(ctx, order.SubtaskID, domain.WorkerFileDownloadFailed, err, true)
	}

	archives := map[domain.FileCategory]string{}
	for _, f := range files {
		dest := filepath.Join(workDir, string(f.Category)+"_"+path.Base(f.Path))
		if err := w.download(ctx, headers, f, dest); err != nil {
			logger.WithError(err).WithField("path", f.Path).Info("Package download failed")
			return w.fail(ctx, order.SubtaskID, domain.WorkerFileDownloadFailed, err, false)
		}
		archives[f.Category] = dest
	}

	sourceDir := filepath.Join(workDir, "source")
	resultDir := filepath.Join(workDir, "result")
	if _, err := unpackArchive(archives[domain.CategorySource], sourceDir); err != nil {
		return w.fail(ctx, order.SubtaskID, domain.WorkerUnpackingArchiveFailed, err, false)
	}
	resultFiles, err := unpackArchive(archives[domain.CategoryResult], resultDir)
	if err != nil {
		return w.fail(ctx, order.SubtaskID, domain.WorkerUnpackingArchiveFailed, err, false)
	}

	outDir := filepath.Join(workDir, "rendered")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return w.fail(ctx, order.SubtaskID, domain.WorkerRenderingFailed, err, false)
	}
	if err := w.Renderer.Render(ctx, RenderJob{
		SubtaskID: order.SubtaskID,
		WorkDir:   sourceDir,
		SceneFile: order.SceneFile,
		Format:    order.OutputFormat,
		OutputDir: outDir,
	}); err != nil {
		return w.fail(ctx, order.SubtaskID, domain.WorkerRenderingFailed, err, false)
	}

	same, err := compareOutputs(outDir, resultDir, resultFiles)
	if err != nil {
		return w.fail(ctx, order.SubtaskID, domain.WorkerComparisonFailed, err, false)
	}
	if same {
		return w.verdict(ctx, order.SubtaskID, domain.VerdictMatch, "", "")
	}
	return w.verdict(ctx, order.SubtaskID, domain.VerdictMismatch, "rendered output differs from the result package", "")
}

// download fetches one package with the arbiter's token and checks its size
// and, for sha1 checksums, its digest.
func (w *Worker) download(ctx context.Context, headers map[string]string, f domain.FileInfo, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.Issuer.ClusterURL()+token.DownloadPath+f.Path, nil)
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s returned %d", f.Path, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	h := sha1.New()
	n, err := io.Copy(io.MultiWriter(out, h), resp.Body)
	if err != nil {
		return fmt.Errorf("store %s: %w", f.Path, err)
	}
	if f.Size > 0 && n != f.Size {
		return fmt.Errorf("%s: got %d bytes, expected %d", f.Path, n, f.Size)
	}
	if want, ok := strings.CutPrefix(f.Checksum, "sha1:"); ok {
		if got := hex.EncodeToString(h.Sum(nil)); !strings.EqualFold(got, want) {
			return fmt.Errorf("%s: checksum sha1:%s does not match %s", f.Path, got, f.Checksum)
		}
	}
	return out.Sync()
}

// fail reports an ERROR verdict. When unexpected is set the cause is
// returned as well so the caller sees the fault.
func (w *Worker) fail(ctx context.Context, subtaskID, code string, cause error, unexpected bool) error {
	if err := w.verdict(ctx, subtaskID, domain.VerdictError, cause.Error(), code); err != nil {
		return err
	}
	if unexpected {
		return fmt.Errorf("verify %s: %w", subtaskID, cause)
	}
	return nil
}

func (w *Worker) verdict(ctx context.Context, subtaskID string, v domain.Verdict, detail, code string) error {
	metrics.VerifierOrders.WithLabelValues(string(v)).Inc()
	log.WithFields(log.Fields{
		"subtask_id": subtaskID,
		"verdict":    v,
		"error_code": code,
	}).Info("Verification finished")
	return w.Reports.Report(ctx, domain.WorkerReport{
		Kind:      domain.ReportVerdict,
		SubtaskID: subtaskID,
		Verdict:   v,
		Detail:    detail,
		ErrorCode: code,
	})
}

// Run takes orders until ctx is cancelled or Stop is called.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		order, err := w.Orders.NextOrder(ctx, w.Options.Wait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Error("Read verification order failed")
			time.Sleep(w.Options.Wait)
			continue
		}
		if order == nil {
			continue
		}
		if err := w.RunOrder(ctx, *order); err != nil {
			log.WithError(err).WithField("subtask_id", order.SubtaskID).Error("Verification order failed")
		}
	}
}

// Stop signals Run to return. Safe to call multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func validateOrder(o domain.VerificationOrder) error {
	var problems []string
	if o.SubtaskID == "" {
		problems = append(problems, "subtask_id is empty")
	}
	if o.SourcePackagePath == "" || o.ResultPackagePath == "" {
		problems = append(problems, "package paths are required")
	} else if o.SourcePackagePath == o.ResultPackagePath {
		problems = append(problems, "source and result paths are equal")
	}
	if o.SourcePackageHash == "" || o.ResultPackageHash == "" {
		problems = append(problems, "package hashes are required")
	} else if o.SourcePackageHash == o.ResultPackageHash {
		problems = append(problems, "source and result hashes are equal")
	}
	if o.SourceSize <= 0 || o.ResultSize <= 0 {
		problems = append(problems, "package sizes must be positive")
	}
	if _, err := domain.ParseOutputFormat(string(o.OutputFormat)); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return domain.NewError(domain.CodeMessageInvalid, strings.Join(problems, "; "))
	}
	return nil
}
