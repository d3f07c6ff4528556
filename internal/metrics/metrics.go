package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	DispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchflow_dispatches_total",
			Help: "Total number of dispatch attempts against the compute backend",
		},
		[]string{"result"}, // success, transient_error, permanent_error
	)

	DispatchRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "batchflow_dispatch_retries_total",
			Help: "Total number of dispatch retries after transient failures",
		},
	)

	RateLimitDenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchflow_rate_limit_denials_total",
			Help: "Total number of denied rate-limit checks",
		},
		[]string{"class"},
	)

	MilestonesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchflow_milestones_total",
			Help: "Total number of batch progress milestones fired",
		},
		[]string{"threshold"}, // 25, 50, 75, 100
	)

	BatchesFinalizedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batchflow_batches_finalized_total",
			Help: "Total number of batches finalized, by terminal status",
		},
		[]string{"status"},
	)

	DuplicateCompletionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "batchflow_duplicate_completions_total",
			Help: "Total number of completion events ignored because the job was already terminal",
		},
	)

	// Gauges
	InFlightDispatches = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "batchflow_inflight_dispatches",
			Help: "Current number of dispatch calls in flight",
		},
	)
)
