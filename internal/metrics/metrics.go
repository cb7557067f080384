// Package metrics exposes the service's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DisputeAdmissions counts dispute handler outcomes: admitted, refused
	// reasons, and structural errors.
	DisputeAdmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "concent_dispute_admissions_total",
		Help: "Dispute requests by outcome",
	}, []string{"message", "outcome"})

	Verdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "concent_verdicts_total",
		Help: "Worker verdicts reconciled into the ledger",
	}, []string{"verdict", "result"})

	DeadlineSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "concent_deadline_sweeps_total",
		Help: "Expired disputes settled by the deadline sweep",
	})

	StorageProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "concent_storage_probes_total",
		Help: "Storage cluster upload status probes by result",
	}, []string{"result"})

	DispatchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "concent_dispatch_attempts_total",
		Help: "Outbox dispatch attempts by result",
	}, []string{"result"})

	VerifierOrders = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "concent_verifier_orders_total",
		Help: "Verification orders processed by the worker, by verdict",
	}, []string{"verdict"})

	PendingResponsesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "concent_pending_responses_delivered_total",
		Help: "Pending responses handed to clients, by queue",
	}, []string{"queue"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "concent_http_request_duration_seconds",
		Help:    "HTTP request latency by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "status"})
)
