package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	HTTPRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_http_rejected_total",
			Help: "Requests rejected by the in-flight limiter",
		},
	)

	// Transfer metrics
	TransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_transfers_total",
			Help: "Transfer records created, by terminal state",
		},
		[]string{"state"}, // COMPLETED, DECLINED
	)

	TransferReplaysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_transfer_replays_total",
			Help: "Idempotent replays served from an existing record",
		},
		[]string{"state"},
	)

	TransferErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_transfer_errors_total",
			Help: "Transfers rejected or failed, by reason",
		},
		[]string{"reason"},
	)

	TransferDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ledger_transfer_duration_seconds",
			Help:    "Time to execute a transfer including lock waits and commit",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)

	TransferConflictRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_transfer_conflict_retries_total",
			Help: "Units of work re-run after a concurrent request id insert",
		},
	)

	// Event metrics
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_events_published_total",
			Help: "Transfer events published",
		},
		[]string{"subject", "result"},
	)
)
