package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for JobsTotal.
const (
	OutcomeProcessed = "processed"
	OutcomeRetry     = "retry"
	OutcomeFailed    = "failed"
	OutcomeRecovered = "recovered"
	OutcomeLost      = "lost"
)

var (
	// JobsTotal counts dispatcher cycles by outcome.
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ageprobe_jobs_total",
			Help: "Total number of dispatcher cycles by outcome",
		},
		[]string{"outcome"},
	)

	// AnalyzerDuration tracks analyzer call latency in seconds.
	AnalyzerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ageprobe_analyzer_duration_seconds",
			Help:    "Duration of analyzer calls in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7m
		},
		[]string{"outcome"},
	)

	// WorkersActive tracks the number of workers currently running a dispatcher cycle.
	WorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ageprobe_workers_active",
			Help: "Number of workers currently processing a job",
		},
	)

	JobsReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ageprobe_jobs_reclaimed_total",
			Help: "Jobs returned to pending by the staleness sweep",
		},
	)

	JobsRequeued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ageprobe_jobs_requeued_total",
			Help: "Failed jobs moved back to pending after their backoff",
		},
	)

	JobsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ageprobe_jobs_expired_total",
			Help: "Terminal jobs removed by retention",
		},
	)

	// SubmissionsTotal counts submissions by outcome (accepted, rejected, error).
	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ageprobe_submissions_total",
			Help: "Total number of image submissions",
		},
		[]string{"outcome"},
	)

	// WakeupPublishFailures counts wake-up notifications that could not be published.
	WakeupPublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ageprobe_wakeup_publish_failures_total",
			Help: "Wake-up notifications that failed to publish",
		},
	)
)
