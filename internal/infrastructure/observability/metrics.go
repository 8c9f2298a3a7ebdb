package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	RepositoryCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repository_calls_total",
			Help: "Total number of repository method calls",
		},
		[]string{"method", "status"},
	)

	RepositoryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "repository_duration_seconds",
			Help:    "Duration of repository method calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	GatewayCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_calls_total",
			Help: "Total number of outbound payment gateway calls",
		},
		[]string{"endpoint", "status"},
	)

	GatewayDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_call_duration_seconds",
			Help:    "Duration of outbound payment gateway calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Total number of webhook events received",
		},
		[]string{"event", "result"},
	)

	SweepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_sweep_runs_total",
			Help: "Total number of scheduler sweep executions",
		},
		[]string{"sweep", "status"},
	)

	SweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scheduler_sweep_duration_seconds",
			Help:    "Duration of scheduler sweeps in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sweep"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(
		RepositoryCalls, RepositoryDuration,
		GatewayCalls, GatewayDuration,
		WebhookEvents,
		SweepRuns, SweepDuration,
	)
}
