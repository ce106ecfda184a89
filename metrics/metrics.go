// Package metrics holds the prometheus collectors shared by the crashmover
// components. They register with the default registry on import.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// IntakeDecisions counts submissions by throttle decision.
	IntakeDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crashmover_intake_decisions_total",
		Help: "Crash submissions by throttle decision",
	}, []string{"decision"})

	IntakeDumpBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "crashmover_intake_dump_bytes",
		Help:    "Size of submitted dumps in bytes",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 10), // 1KiB to ~256MiB
	})

	// SpoolFiles counts spool entries by outcome (submitted, failed, moved).
	SpoolFiles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crashmover_spool_entries_total",
		Help: "Spool entries handled by outcome",
	}, []string{"outcome"})

	StorageFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crashmover_storage_fallback_total",
		Help: "Operations served by the fallback backend after a primary failure",
	}, []string{"operation"})

	StorageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crashmover_storage_errors_total",
		Help: "Storage backend errors by backend and operation",
	}, []string{"backend", "operation"})

	ReconcilerMigrated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crashmover_reconciler_migrated_total",
		Help: "Crashes moved from the fallback backend to the primary",
	})

	SchedulerDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crashmover_scheduler_dispatched_total",
		Help: "Jobs handed to workers by source",
	}, []string{"source"})

	SchedulerReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crashmover_scheduler_reclaimed_total",
		Help: "Jobs released from stale processors",
	})

	SchedulerRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crashmover_scheduler_requeued_total",
		Help: "Completed jobs requeued because their report is missing",
	})

	SchedulerPurgedMarkers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crashmover_scheduler_purged_markers_total",
		Help: "Priority markers dropped without dispatch",
	})

	SchedulerDBErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crashmover_scheduler_db_errors_total",
		Help: "Database errors seen by the scheduler loops",
	}, []string{"loop"})

	// JobsProcessed counts finished jobs by result (success, failed, skipped).
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crashmover_jobs_processed_total",
		Help: "Jobs finished by result",
	}, []string{"result"})

	ProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "crashmover_processing_duration_seconds",
		Help:    "Time from job start to completion",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7min
	})

	RetryAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crashmover_retry_attempts_total",
		Help: "Transient failures retried by workers",
	})

	FramesTruncated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crashmover_frames_truncated_total",
		Help: "Crashing threads whose frame list was truncated",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
