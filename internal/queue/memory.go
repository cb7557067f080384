package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/etsangsplk/concent/internal/domain"
)

// MemoryQueue is an in-process Broker used by tests and single-binary runs.
type MemoryQueue struct {
	orders  chan domain.VerificationOrder
	reports chan domain.WorkerReport

	mu       sync.Mutex
	enqueued []domain.VerificationOrder
	failNext error
}

// NewMemoryQueue creates a MemoryQueue with the given buffer size.
func NewMemoryQueue(size int) *MemoryQueue {
	return &MemoryQueue{
		orders:  make(chan domain.VerificationOrder, size),
		reports: make(chan domain.WorkerReport, size),
	}
}

// FailNextEnqueue makes the next Enqueue call return err.
func (q *MemoryQueue) FailNextEnqueue(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failNext = err
}

// Enqueued returns every order accepted so far.
func (q *MemoryQueue) Enqueued() []domain.VerificationOrder {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]domain.VerificationOrder(nil), q.enqueued...)
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(ctx context.Context, order domain.VerificationOrder) (JobHandle, error) {
	q.mu.Lock()
	if err := q.failNext; err != nil {
		q.failNext = nil
		q.mu.Unlock()
		return JobHandle{}, err
	}
	q.enqueued = append(q.enqueued, order)
	q.mu.Unlock()

	select {
	case q.orders <- order:
		return JobHandle{JobID: order.JobID, Queue: "memory"}, nil
	case <-ctx.Done():
		return JobHandle{}, ctx.Err()
	default:
		return JobHandle{}, errors.New("memory queue is full")
	}
}

// NextOrder implements OrderSource.
func (q *MemoryQueue) NextOrder(ctx context.Context, wait time.Duration) (*domain.VerificationOrder, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case o := <-q.orders:
		return &o, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Report implements ReportSink.
func (q *MemoryQueue) Report(ctx context.Context, report domain.WorkerReport) error {
	select {
	case q.reports <- report:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NextReport implements ReportSource.
func (q *MemoryQueue) NextReport(ctx context.Context, wait time.Duration) (*domain.WorkerReport, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case r := <-q.reports:
		return &r, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
