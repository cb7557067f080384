// Package queue carries verification orders to workers and worker reports
// back to the arbiter. Producers and consumers depend on the interfaces here
// and never on the concrete transport.
package queue

import (
	"context"
	"time"

	"github.com/etsangsplk/concent/internal/domain"
)

// JobHandle identifies an enqueued order.
type JobHandle struct {
	JobID string
	Queue string
}

// Queue accepts verification orders. Delivery is at least once.
type Queue interface {
	Enqueue(ctx context.Context, order domain.VerificationOrder) (JobHandle, error)
}

// OrderSource is the worker side of the order queue. NextOrder returns nil
// when nothing arrived within wait.
type OrderSource interface {
	NextOrder(ctx context.Context, wait time.Duration) (*domain.VerificationOrder, error)
}

// ReportSink is the worker side of the report queue.
type ReportSink interface {
	Report(ctx context.Context, report domain.WorkerReport) error
}

// ReportSource is the arbiter side of the report queue. NextReport returns
// nil when nothing arrived within wait.
type ReportSource interface {
	NextReport(ctx context.Context, wait time.Duration) (*domain.WorkerReport, error)
}

// Broker bundles both directions; RedisQueue and MemoryQueue implement it.
type Broker interface {
	Queue
	OrderSource
	ReportSink
	ReportSource
}
