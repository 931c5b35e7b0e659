// Package metrics registers the Prometheus metrics for the orchestrator
// core, grounded on services/ingest/internal/pipeline/metrics.go's naming
// convention (component-prefixed gauge/counter/histogram names registered
// against the default registry via promauto).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StagesInFlight tracks currently IN_PROGRESS stage executions per stage type.
	StagesInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchestrator_stages_in_flight",
		Help: "Number of stage executions currently in progress, by stage type.",
	}, []string{"stage_type"})

	// StageAttemptsTotal counts every stage attempt, by stage type and outcome.
	StageAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_stage_attempts_total",
		Help: "Total stage attempts, by stage type and outcome (ok|skipped|retryable|fatal).",
	}, []string{"stage_type", "outcome"})

	// StageDurationSeconds tracks stage wall-clock duration.
	StageDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orchestrator_stage_duration_seconds",
		Help:    "Stage execution duration in seconds, by stage type.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"stage_type"})

	// RecordingsByStatus tracks the current count of recordings in each status.
	RecordingsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchestrator_recordings_by_status",
		Help: "Number of recordings currently in each pipeline status.",
	}, []string{"status"})

	// ConcurrentTasksGauge mirrors the quota ledger's per-user gauge total
	// across all users, for fleet-wide visibility.
	ConcurrentTasksGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_concurrent_tasks_total",
		Help: "Sum of concurrent_tasks_count across all users.",
	})

	// DiscoveryRunsTotal counts source discovery cycles, by source type and result.
	DiscoveryRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_discovery_runs_total",
		Help: "Total discovery runs, by source type and result (created|duplicate|quota_denied|error).",
	}, []string{"source_type", "result"})

	// SchedulerTicksTotal counts scheduler ticks that evaluated at least one
	// due job, whether that job ran or was skipped.
	SchedulerTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_scheduler_ticks_total",
		Help: "Total scheduler ticks that evaluated due jobs.",
	})

	// JanitorPurgedTotal counts recordings hard-deleted by the janitor.
	JanitorPurgedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_janitor_purged_total",
		Help: "Total recordings hard-deleted by the janitor.",
	})
)
