package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the rehearsal daemon
type Metrics struct {
	// Capture metrics
	CapturesStarted   prometheus.Counter
	CapturesCompleted prometheus.Counter
	CapturesFailed    *prometheus.CounterVec
	CapturesRejected  prometheus.Counter
	CaptureActive     prometheus.Gauge
	CaptureDuration   prometheus.Histogram
	RecordingSize     prometheus.Histogram

	// Collaborator metrics, labelled by operation
	CollabRequests  *prometheus.CounterVec
	CollabSuccesses *prometheus.CounterVec
	CollabFailures  *prometheus.CounterVec
	CollabRetries   *prometheus.CounterVec
	CollabDuration  *prometheus.HistogramVec

	// Rehearsal metrics
	EvaluationsApplied prometheus.Counter
	JobsInFlight       prometheus.Gauge

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Capture metrics
		CapturesStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "rehearsal_captures_started_total",
			Help: "Total number of captures that acquired the microphone",
		}),
		CapturesCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "rehearsal_captures_completed_total",
			Help: "Total number of captures encoded into a recording",
		}),
		CapturesFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rehearsal_captures_failed_total",
			Help: "Total number of failed captures",
		}, []string{"reason"}),
		CapturesRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "rehearsal_captures_rejected_total",
			Help: "Total number of capture starts rejected because one was in progress",
		}),
		CaptureActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rehearsal_capture_active",
			Help: "1 while a capture holds the microphone",
		}),
		CaptureDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rehearsal_capture_duration_seconds",
			Help:    "Length of captured audio in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4 minutes
		}),
		RecordingSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rehearsal_recording_size_bytes",
			Help:    "Size of encoded WAV recordings in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 14), // 1KB to ~16MB
		}),

		// Collaborator metrics
		CollabRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rehearsal_collaborator_requests_total",
			Help: "Total number of collaborator requests sent",
		}, []string{"operation"}),
		CollabSuccesses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rehearsal_collaborator_successes_total",
			Help: "Total number of successful collaborator requests",
		}, []string{"operation"}),
		CollabFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rehearsal_collaborator_failures_total",
			Help: "Total number of failed collaborator requests",
		}, []string{"operation"}),
		CollabRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rehearsal_collaborator_retries_total",
			Help: "Total number of collaborator request retries",
		}, []string{"operation"}),
		CollabDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rehearsal_collaborator_duration_seconds",
			Help:    "Duration of collaborator requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1.7 minutes
		}, []string{"operation"}),

		// Rehearsal metrics
		EvaluationsApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "rehearsal_evaluations_applied_total",
			Help: "Total number of evaluation results written to the store",
		}),
		JobsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rehearsal_jobs_in_flight",
			Help: "Current number of background collaborator jobs",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rehearsal_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rehearsal_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rehearsal_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordCaptureStarted records a capture that acquired the device
func (m *Metrics) RecordCaptureStarted() {
	m.CapturesStarted.Inc()
	m.CaptureActive.Set(1)
}

// RecordCaptureCompleted records a finished capture and its recording
func (m *Metrics) RecordCaptureCompleted(durationSeconds float64, sizeBytes int) {
	m.CapturesCompleted.Inc()
	m.CaptureActive.Set(0)
	m.CaptureDuration.Observe(durationSeconds)
	m.RecordingSize.Observe(float64(sizeBytes))
}

// RecordCaptureFailed records a capture that ended without a recording
func (m *Metrics) RecordCaptureFailed(reason string) {
	m.CapturesFailed.WithLabelValues(reason).Inc()
	m.CaptureActive.Set(0)
}

// RecordCaptureRejected increments the busy rejection counter
func (m *Metrics) RecordCaptureRejected() {
	m.CapturesRejected.Inc()
}

// RecordCollabRequest increments the request counter for an operation
func (m *Metrics) RecordCollabRequest(operation string) {
	m.CollabRequests.WithLabelValues(operation).Inc()
}

// RecordCollabSuccess records a successful collaborator call
func (m *Metrics) RecordCollabSuccess(operation string, durationSeconds float64) {
	m.CollabSuccesses.WithLabelValues(operation).Inc()
	m.CollabDuration.WithLabelValues(operation).Observe(durationSeconds)
}

// RecordCollabFailure records a failed collaborator call
func (m *Metrics) RecordCollabFailure(operation string, durationSeconds float64) {
	m.CollabFailures.WithLabelValues(operation).Inc()
	m.CollabDuration.WithLabelValues(operation).Observe(durationSeconds)
}

// RecordCollabRetry increments the retry counter for an operation
func (m *Metrics) RecordCollabRetry(operation string) {
	m.CollabRetries.WithLabelValues(operation).Inc()
}

// RecordEvaluationApplied increments the applied evaluations counter
func (m *Metrics) RecordEvaluationApplied() {
	m.EvaluationsApplied.Inc()
}

// JobStarted increments the in-flight job gauge
func (m *Metrics) JobStarted() {
	m.JobsInFlight.Inc()
}

// JobFinished decrements the in-flight job gauge
func (m *Metrics) JobFinished() {
	m.JobsInFlight.Dec()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
