// Package dispatch moves admitted verification requests from the ledger's
// outbox onto the worker queue. Scheduling is durable: the outbox row is
// written in the admission transaction and fired afterwards.
package dispatch

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/etsangsplk/concent/internal/domain"
	"github.com/etsangsplk/concent/internal/metrics"
	"github.com/etsangsplk/concent/internal/queue"
	"github.com/etsangsplk/concent/internal/workflow"
)

// Config holds tunable parameters for the dispatch loop.
type Config struct {
	IntervalSec int
	BatchSize   int
}

// Dispatcher fires pending outbox jobs whose packages are uploaded.
type Dispatcher struct {
	Ledger *workflow.Ledger
	Queue  queue.Queue
	Config Config

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewDispatcher creates a Dispatcher with defaults for zero-value config fields.
func NewDispatcher(l *workflow.Ledger, q queue.Queue, cfg Config) *Dispatcher {
	if cfg.IntervalSec == 0 {
		cfg.IntervalSec = 5
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}
	return &Dispatcher{
		Ledger: l,
		Queue:  q,
		Config: cfg,
		stopCh: make(chan struct{}),
	}
}

// Schedule persists the verification request and its outbox job in the
// caller's transaction and returns the job id. Nothing is sent until the
// transaction commits and FireOnce picks the job up.
func (d *Dispatcher) Schedule(ctx context.Context, tx *sql.Tx, req domain.VerificationRequest) (string, error) {
	now := d.Ledger.Now()
	req.CreatedAt = now
	if err := d.Ledger.Verifications.CreateTx(ctx, tx, req); err != nil {
		return "", err
	}
	job := domain.DispatchJob{
		JobID:     uuid.NewString(),
		SubtaskID: req.SubtaskID,
		Status:    domain.DispatchPending,
		CreatedAt: now,
	}
	if err := d.Ledger.Dispatches.ScheduleTx(ctx, tx, job); err != nil {
		return "", err
	}
	return job.JobID, nil
}

// FireOnce enqueues every ready job and returns how many were fired. A
// failed enqueue leaves the job pending for the next pass.
func (d *Dispatcher) FireOnce(ctx context.Context) (int, error) {
	jobs, err := d.Ledger.Dispatches.ListReady(ctx, d.Ledger.DB, d.Config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list ready jobs: %w", err)
	}

	fired := 0
	for _, job := range jobs {
		req, err := d.Ledger.Verifications.GetBySubtask(ctx, d.Ledger.DB, job.SubtaskID)
		if err != nil {
			return fired, fmt.Errorf("load verification request %s: %w", job.SubtaskID, err)
		}

		handle, err := d.Queue.Enqueue(ctx, domain.OrderFromRequest(job.JobID, *req))
		if err != nil {
			metrics.DispatchAttempts.WithLabelValues("failed").Inc()
			log.WithError(err).WithFields(log.Fields{
				"job_id":     job.JobID,
				"subtask_id": job.SubtaskID,
				"attempts":   job.Attempts + 1,
			}).Warn("Verification order enqueue failed")
			if rerr := d.Ledger.Dispatches.RecordFailure(ctx, d.Ledger.DB, job.JobID, err); rerr != nil {
				return fired, rerr
			}
			continue
		}

		ok, err := d.Ledger.Dispatches.MarkFired(ctx, d.Ledger.DB, job.JobID, d.Ledger.Now())
		if err != nil {
			return fired, err
		}
		if !ok {
			// Another dispatcher fired it first; the worker tolerates the duplicate.
			continue
		}
		fired++
		metrics.DispatchAttempts.WithLabelValues("fired").Inc()
		log.WithFields(log.Fields{
			"job_id":     handle.JobID,
			"queue":      handle.Queue,
			"subtask_id": job.SubtaskID,
		}).Info("Verification order dispatched")
	}
	return fired, nil
}

// Run fires ready jobs every interval until ctx is cancelled or Stop is called.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(d.Config.IntervalSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.FireOnce(ctx); err != nil {
				log.WithError(err).Error("Dispatch pass failed")
			}
		}
	}
}

// Stop signals Run to return. Safe to call multiple times.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}
