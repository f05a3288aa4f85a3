package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbox_jobs_total",
			Help: "Total number of batch jobs executed",
		},
		[]string{"language", "outcome"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runbox_execution_duration_ms",
			Help:    "Batch execution duration in milliseconds",
			Buckets: []float64{100, 250, 500, 1000, 2500, 5000, 10000, 20000},
		},
		[]string{"language"},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbox_store_errors_total",
			Help: "Store operations that failed",
		},
		[]string{"component"},
	)

	DispatcherPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "runbox_dispatcher_panics_total",
			Help: "Dispatcher iterations that panicked",
		},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "runbox_active_sessions",
			Help: "Interactive sessions currently attached",
		},
	)

	ActiveWatchers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "runbox_active_watchers",
			Help: "Status stream connections currently open",
		},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "runbox_rate_limit_hits_total",
			Help: "Total number of requests rejected by rate limiter",
		},
	)
)
