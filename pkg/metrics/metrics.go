package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job state gauges
	JobsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobrunner_jobs_pending",
			Help: "Number of jobs currently in the pending state",
		},
	)

	JobsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobrunner_jobs_running",
			Help: "Number of jobs currently running",
		},
	)

	JobsByPrivacyLevel = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobrunner_jobs_active_by_privacy_level",
			Help: "Number of active (pending or running) jobs by workspace privacy level",
		},
		[]string{"privacy_level"},
	)

	JobsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobrunner_jobs_completed_total",
			Help: "Total number of jobs that finalised successfully",
		},
	)

	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobrunner_jobs_failed_total",
			Help: "Total number of jobs that finalised as failed, by reason",
		},
		[]string{"reason"},
	)

	// Run loop metrics
	LoopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jobrunner_loop_duration_seconds",
			Help:    "Time taken for one run loop tick to handle pending and running jobs",
			Buckets: prometheus.DefBuckets,
		},
	)

	LoopTicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobrunner_loop_ticks_total",
			Help: "Total number of run loop ticks completed",
		},
	)

	// Container adapter metrics
	ContainerStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jobrunner_container_start_duration_seconds",
			Help:    "Time taken to start a job's container",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerPullDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jobrunner_container_pull_duration_seconds",
			Help:    "Time taken to pull a job's image",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	ImagePullFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobrunner_image_pull_failures_total",
			Help: "Total number of image pull failures",
		},
	)

	// Finaliser metrics
	FinaliseDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jobrunner_finalise_duration_seconds",
			Help:    "Time taken to finalise a job (extract outputs, update manifest)",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Git fetcher metrics
	GitFetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jobrunner_git_fetch_duration_seconds",
			Help:    "Time taken to fetch a study repository at a commit",
			Buckets: []float64{1, 5, 10, 30, 60, 120},
		},
	)

	GitFetchRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobrunner_git_fetch_retries_total",
			Help: "Total number of git fetch retry attempts after a failed clone",
		},
	)

	// Coordinator sync metrics
	SyncRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobrunner_sync_requests_total",
			Help: "Total number of requests made to the job-server coordinator, by direction and status",
		},
		[]string{"direction", "status"},
	)

	SyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jobrunner_sync_duration_seconds",
			Help:    "Time taken for one sync cycle with the coordinator",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(JobsPending)
	prometheus.MustRegister(JobsRunning)
	prometheus.MustRegister(JobsByPrivacyLevel)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)

	prometheus.MustRegister(LoopDuration)
	prometheus.MustRegister(LoopTicksTotal)

	prometheus.MustRegister(ContainerStartDuration)
	prometheus.MustRegister(ContainerPullDuration)
	prometheus.MustRegister(ImagePullFailuresTotal)

	prometheus.MustRegister(FinaliseDuration)

	prometheus.MustRegister(GitFetchDuration)
	prometheus.MustRegister(GitFetchRetriesTotal)

	prometheus.MustRegister(SyncRequestsTotal)
	prometheus.MustRegister(SyncDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
