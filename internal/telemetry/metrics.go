package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated      = prometheus.NewCounter(prometheus.CounterOpts{Name: "replywatch_jobs_created_total", Help: "Detection jobs created"})
	JobsVerified     = prometheus.NewCounter(prometheus.CounterOpts{Name: "replywatch_jobs_verified_total", Help: "Jobs that reached a verified outcome"})
	JobsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "replywatch_jobs_retried_total", Help: "Job attempts that failed and were rescheduled"})
	JobsDeadLettered = prometheus.NewCounter(prometheus.CounterOpts{Name: "replywatch_jobs_dead_letter_total", Help: "Jobs promoted to the dead-letter store"})
	RepliesFound     = prometheus.NewCounter(prometheus.CounterOpts{Name: "replywatch_replies_found_total", Help: "Replies detected and persisted"})
	QuorumFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "replywatch_quorum_failures_total", Help: "Runs that ended partial for lack of healthy layers"})
	AnomaliesRaised  = prometheus.NewCounter(prometheus.CounterOpts{Name: "replywatch_anomalies_total", Help: "Anomalies raised"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "replywatch_rate_limit_rejects_total", Help: "Requests rejected by rate limiting"})
	SweepJobsCreated = prometheus.NewCounter(prometheus.CounterOpts{Name: "replywatch_sweep_jobs_created_total", Help: "Reconciliation jobs created by the sweeper"})

	QueueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "replywatch_queue_depth", Help: "Ready queue depth across priority bands"})
	InFlightGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "replywatch_inflight", Help: "Jobs currently leased"})

	LayerExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "replywatch_layer_executions_total", Help: "Layer executions by layer and health"},
		[]string{"layer", "healthy"},
	)
	RunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "replywatch_run_duration_seconds",
		Help:    "Wall time of one full detection run",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			JobsVerified,
			JobsRetried,
			JobsDeadLettered,
			RepliesFound,
			QuorumFailures,
			AnomaliesRaised,
			RateLimitRejects,
			SweepJobsCreated,
			QueueDepthGauge,
			InFlightGauge,
			LayerExecutions,
			RunDuration,
		)
	})
	return promhttp.Handler()
}
