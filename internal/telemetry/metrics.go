package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	UploadsAccepted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "uploads_accepted_total", Help: "Uploads accepted and enqueued"})
	UploadsRejected  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "uploads_rejected_total", Help: "Uploads rejected at ingress"}, []string{"reason"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "uploads_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "upload_jobs_completed_total", Help: "Processing jobs completed successfully"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "upload_jobs_failed_total", Help: "Processing jobs that failed without retry"})
	JobsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "upload_jobs_retried_total", Help: "Processing jobs scheduled for retry"})
	JobsDeadLetter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "upload_jobs_dead_letter_total", Help: "Processing jobs moved to DLQ"})
	JobsAbandoned    = prometheus.NewCounter(prometheus.CounterOpts{Name: "upload_jobs_hard_timeout_total", Help: "Attempts abandoned at the hard time limit"})
	UploadsPurged    = prometheus.NewCounter(prometheus.CounterOpts{Name: "uploads_purged_total", Help: "Failed uploads removed by retention sweep"})
	StepDuration     = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "upload_step_duration_seconds",
		Help:    "Duration of processing steps",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"step", "status"})
	QueueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "upload_queue_depth", Help: "Ready queue depth"})
	InFlightGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "upload_jobs_inflight", Help: "Jobs currently being processed"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			UploadsAccepted,
			UploadsRejected,
			RateLimitRejects,
			JobsCompleted,
			JobsFailed,
			JobsRetried,
			JobsDeadLetter,
			JobsAbandoned,
			UploadsPurged,
			StepDuration,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
