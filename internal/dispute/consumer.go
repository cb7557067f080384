package dispute

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/etsangsplk/concent/internal/queue"
)

// ReportConsumer drains worker reports into the reconciler.
type ReportConsumer struct {
	Source     queue.ReportSource
	Reconciler *Reconciler

	wait     time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewReportConsumer creates a consumer that blocks up to wait per poll.
func NewReportConsumer(src queue.ReportSource, r *Reconciler, wait time.Duration) *ReportConsumer {
	if wait <= 0 {
		wait = time.Second
	}
	return &ReportConsumer{
		Source:     src,
		Reconciler: r,
		wait:       wait,
		stopCh:     make(chan struct{}),
	}
}

// Run consumes reports until ctx is cancelled or Stop is called. A report
// that fails to apply is logged; the worker is never told.
func (c *ReportConsumer) Run(ctx context.Context) {
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		rep, err := c.Source.NextReport(ctx, c.wait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Error("Read worker report failed")
			time.Sleep(c.wait)
			continue
		}
		if rep == nil {
			continue
		}
		if err := c.Reconciler.HandleReport(ctx, *rep); err != nil {
			log.WithError(err).WithField("subtask_id", rep.SubtaskID).Error("Apply worker report failed")
		}
	}
}

// Stop signals Run to return. Safe to call multiple times.
func (c *ReportConsumer) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}
