package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the application
type Metrics struct {
	// Ingress
	UpdatesReceived *prometheus.CounterVec // by kind

	// Agent runs
	AgentRuns       *prometheus.CounterVec // by agent and source
	AgentRunLatency prometheus.Histogram
	AgentErrors     *prometheus.CounterVec // by error kind
	Rotations       prometheus.Counter

	// Memory
	MemoryCaptures prometheus.Counter
	Retrievals     *prometheus.CounterVec // hit/miss

	// Cron
	CronFires prometheus.Counter
	CronSkips prometheus.Counter

	// Tokens
	TokensTracked *prometheus.CounterVec // input/output
}

var globalMetrics *Metrics

// Init initializes the Prometheus metrics
func Init() *Metrics {
	m := &Metrics{
		UpdatesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_updates_received_total",
			Help: "Total inbound updates by message kind",
		}, []string{"kind"}),

		AgentRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_agent_runs_total",
			Help: "Total agent invocations by agent and source",
		}, []string{"agent", "source"}),

		AgentRunLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "courier_agent_run_duration_seconds",
			Help:    "Agent subprocess duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600}, // agent CLIs are slow
		}),

		AgentErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_agent_errors_total",
			Help: "Total agent failures by kind",
		}, []string{"kind"}),

		Rotations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "courier_thread_rotations_total",
			Help: "Total thread rotations",
		}),

		MemoryCaptures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "courier_memory_captures_total",
			Help: "Total memory events captured",
		}),

		Retrievals: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_memory_retrievals_total",
			Help: "Total retrieval lookups by cache outcome",
		}, []string{"outcome"}),

		CronFires: promauto.NewCounter(prometheus.CounterOpts{
			Name: "courier_cron_fires_total",
			Help: "Total cron job fires",
		}),

		CronSkips: promauto.NewCounter(prometheus.CounterOpts{
			Name: "courier_cron_skips_total",
			Help: "Total cron fires skipped by the budget gate",
		}),

		TokensTracked: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "courier_tokens_tracked_total",
			Help: "Total tokens tracked by direction",
		}, []string{"direction"}),
	}
	globalMetrics = m
	return m
}

// Get returns the initialized metrics, nil before Init.
func Get() *Metrics {
	return globalMetrics
}
