package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bazhil/SpeechTranscriber/internal/httpclient"
)

// Metrics contains all Prometheus metrics for the transcriber service
type Metrics struct {
	// Provider call metrics
	ProviderAttempts        *prometheus.CounterVec
	ProviderRetries         *prometheus.CounterVec
	ProviderAttemptDuration *prometheus.HistogramVec

	// Token metrics
	TokenRefreshes *prometheus.CounterVec

	// Job metrics
	JobsSubmitted prometheus.Counter
	JobsFinished  *prometheus.CounterVec
	JobDuration   prometheus.Histogram
	ActiveJobs    prometheus.Gauge
	UploadSize    prometheus.Histogram

	// WebSocket metrics
	WebSocketClients prometheus.Gauge

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Provider call metrics
		ProviderAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transcriber_provider_attempts_total",
			Help: "Total number of request attempts sent to the speech provider",
		}, []string{"method", "endpoint", "status_code"}),
		ProviderRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transcriber_provider_retries_total",
			Help: "Total number of provider attempts followed by a retry",
		}, []string{"endpoint"}),
		ProviderAttemptDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "transcriber_provider_attempt_duration_seconds",
			Help:    "Duration of single provider request attempts",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		}, []string{"endpoint"}),

		// Token metrics
		TokenRefreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transcriber_token_refreshes_total",
			Help: "Total number of access token grants by result",
		}, []string{"result"}),

		// Job metrics
		JobsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcriber_jobs_submitted_total",
			Help: "Total number of recognition jobs submitted",
		}),
		JobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transcriber_jobs_finished_total",
			Help: "Total number of recognition jobs reaching a terminal status",
		}, []string{"status"}),
		JobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "transcriber_job_duration_seconds",
			Help:    "Time from submission to terminal status",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),
		ActiveJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "transcriber_tracked_jobs",
			Help: "Current number of jobs polled in the background",
		}),
		UploadSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "transcriber_upload_size_bytes",
			Help:    "Size of uploaded media files in bytes",
			Buckets: prometheus.ExponentialBuckets(64*1024, 4, 10), // 64KB to ~16GB
		}),

		// WebSocket metrics
		WebSocketClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "transcriber_websocket_clients",
			Help: "Current number of connected WebSocket clients",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transcriber_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "transcriber_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transcriber_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordProviderAttempt records one outbound attempt. It matches httpclient.Observer.
func (m *Metrics) RecordProviderAttempt(a httpclient.Attempt) {
	status := "error"
	if a.Err == nil {
		status = strconv.Itoa(a.StatusCode)
	}
	m.ProviderAttempts.WithLabelValues(a.Method, a.Endpoint, status).Inc()
	m.ProviderAttemptDuration.WithLabelValues(a.Endpoint).Observe(a.Duration.Seconds())
	if a.Delay > 0 {
		m.ProviderRetries.WithLabelValues(a.Endpoint).Inc()
	}
}

// RecordTokenRefresh records the outcome of a token grant
func (m *Metrics) RecordTokenRefresh(err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.TokenRefreshes.WithLabelValues(result).Inc()
}

// RecordJobSubmitted records a submitted job and its upload size
func (m *Metrics) RecordJobSubmitted(sizeBytes int) {
	m.JobsSubmitted.Inc()
	m.UploadSize.Observe(float64(sizeBytes))
}

// RecordJobFinished records a job reaching a terminal status
func (m *Metrics) RecordJobFinished(status string, durationSeconds float64) {
	m.JobsFinished.WithLabelValues(status).Inc()
	m.JobDuration.Observe(durationSeconds)
}

// SetActiveJobs sets the number of jobs tracked in the background
func (m *Metrics) SetActiveJobs(count int) {
	m.ActiveJobs.Set(float64(count))
}

// SetWebSocketClients sets the number of connected WebSocket clients
func (m *Metrics) SetWebSocketClients(count int) {
	m.WebSocketClients.Set(float64(count))
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
