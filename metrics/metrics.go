// Package metrics exposes Prometheus instrumentation for the analysis
// service and its workers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksSubmitted counts tasks accepted for analysis.
	TasksSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "analysisd_tasks_submitted_total",
		Help: "Tasks accepted and enqueued for analysis.",
	})

	// TasksDequeued counts tasks pulled off the ready queue and admitted.
	TasksDequeued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "analysisd_tasks_dequeued_total",
		Help: "Tasks dequeued and admitted into processing.",
	})

	// TasksCompleted counts pipeline runs by outcome.
	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analysisd_tasks_completed_total",
		Help: "Finished pipeline runs by outcome.",
	}, []string{"outcome"})

	// AdmissionRejections counts dequeues bounced back to the queue by a
	// concurrency ceiling.
	AdmissionRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "analysisd_admission_rejections_total",
		Help: "Dequeues requeued because a concurrency ceiling was reached.",
	})

	// ClaimsReclaimed counts visibility claims released from unresponsive
	// workers.
	ClaimsReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "analysisd_claims_reclaimed_total",
		Help: "Visibility claims released from unresponsive workers.",
	})

	// ZombiesCleaned counts tasks force-failed after exceeding the
	// maximum running time.
	ZombiesCleaned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "analysisd_zombie_tasks_cleaned_total",
		Help: "Tasks force-failed after exceeding the maximum running time.",
	})

	// TasksRunning gauges tasks currently executing in this process.
	TasksRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "analysisd_tasks_running",
		Help: "Tasks currently executing in this process.",
	})

	// TaskDuration observes end-to-end pipeline execution time.
	TaskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "analysisd_task_duration_seconds",
		Help:    "End-to-end pipeline execution time.",
		Buckets: prometheus.ExponentialBuckets(15, 2, 8),
	})
)
