package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/etsangsplk/concent/internal/domain"
)

// RedisQueue implements Broker on two Redis lists: one for orders and one
// for reports. Producers LPUSH and consumers BRPOP, so each list is FIFO.
type RedisQueue struct {
	client    *redis.Client
	ordersKey string
	reportKey string
}

// RedisOptions configures a RedisQueue.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisQueue connects to Redis and verifies the connection.
func NewRedisQueue(ctx context.Context, opts RedisOptions) (*RedisQueue, error) {
	if opts.Addr == "" {
		opts.Addr = "localhost:6379"
	}
	if opts.Prefix == "" {
		opts.Prefix = "concent"
	}
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  0,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
	}
	return NewRedisQueueFromClient(client, opts.Prefix), nil
}

// NewRedisQueueFromClient wraps an existing client.
func NewRedisQueueFromClient(client *redis.Client, prefix string) *RedisQueue {
	return &RedisQueue{
		client:    client,
		ordersKey: prefix + ":verification_orders",
		reportKey: prefix + ":worker_reports",
	}
}

// Enqueue pushes an order onto the order list.
func (q *RedisQueue) Enqueue(ctx context.Context, order domain.VerificationOrder) (JobHandle, error) {
	data, err := json.Marshal(order)
	if err != nil {
		return JobHandle{}, fmt.Errorf("marshal order: %w", err)
	}
	if err := q.client.LPush(ctx, q.ordersKey, data).Err(); err != nil {
		return JobHandle{}, fmt.Errorf("push order %s: %w", order.JobID, err)
	}
	return JobHandle{JobID: order.JobID, Queue: q.ordersKey}, nil
}

// NextOrder blocks up to wait for the next order.
func (q *RedisQueue) NextOrder(ctx context.Context, wait time.Duration) (*domain.VerificationOrder, error) {
	data, err := q.pop(ctx, q.ordersKey, wait)
	if err != nil || data == nil {
		return nil, err
	}
	var order domain.VerificationOrder
	if err := json.Unmarshal(data, &order); err != nil {
		log.WithError(err).Error("Discarding malformed verification order")
		return nil, nil
	}
	return &order, nil
}

// Report pushes a worker report onto the report list.
func (q *RedisQueue) Report(ctx context.Context, report domain.WorkerReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := q.client.LPush(ctx, q.reportKey, data).Err(); err != nil {
		return fmt.Errorf("push report for %s: %w", report.SubtaskID, err)
	}
	return nil
}

// NextReport blocks up to wait for the next worker report.
func (q *RedisQueue) NextReport(ctx context.Context, wait time.Duration) (*domain.WorkerReport, error) {
	data, err := q.pop(ctx, q.reportKey, wait)
	if err != nil || data == nil {
		return nil, err
	}
	var report domain.WorkerReport
	if err := json.Unmarshal(data, &report); err != nil {
		log.WithError(err).Error("Discarding malformed worker report")
		return nil, nil
	}
	return &report, nil
}

func (q *RedisQueue) pop(ctx context.Context, key string, wait time.Duration) ([]byte, error) {
	result, err := q.client.BRPop(ctx, wait, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop %s: %w", key, err)
	}
	if len(result) < 2 {
		return nil, nil
	}
	return []byte(result[1]), nil
}

// Close releases the Redis connection.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
