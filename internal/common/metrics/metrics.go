// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AgentRunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_runs_completed_total",
			Help: "Total number of agent runs by outcome (ok, blocked, failed)",
		},
		[]string{"agent", "outcome"},
	)

	AgentRunsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_runs_failed_total",
			Help: "Total number of agent runs failed by error code",
		},
		[]string{"agent", "error_code"},
	)

	AgentRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agent_run_duration_seconds",
			Help:    "Duration of agent runs in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		},
		[]string{"agent"},
	)

	AgentRunsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agent_runs_active",
			Help: "Number of in-flight runs per agent",
		},
		[]string{"agent"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "agent_stage_duration_seconds",
			Help: "Duration of pipeline stages in seconds",
		},
		[]string{"agent", "stage"},
	)

	CapabilityCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capability_calls_total",
			Help: "Outbound capability calls by status (ok, error, timeout, cached, unavailable)",
		},
		[]string{"capability", "status"},
	)

	HardRulesApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hard_rules_applied_total",
			Help: "Deterministic rule overrides applied to synthesis output",
		},
		[]string{"agent", "rule"},
	)

	CritiqueScore = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "critique_score",
			Help:    "Self-critique score (1-10) per agent",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		},
		[]string{"agent"},
	)
)
