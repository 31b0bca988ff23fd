package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bazhil/SpeechTranscriber/internal/config"
	"github.com/bazhil/SpeechTranscriber/internal/jobs"
	"github.com/bazhil/SpeechTranscriber/internal/metrics"
	"github.com/bazhil/SpeechTranscriber/internal/recognition"
)

const (
	serviceName    = "speech-transcriber"
	serviceVersion = "1.0.0"

	// multipart overhead allowed on top of the upload limit
	formOverhead = 1 << 20
	formMemory   = 32 << 20
)

// JobService is the job orchestration used by the API.
type JobService interface {
	Initiate(ctx context.Context, upload jobs.Upload, opts recognition.Options) (jobs.Job, error)
	CheckStatus(ctx context.Context, jobID string) (jobs.Job, error)
	FetchResult(ctx context.Context, responseFileID string, separateSpeakers bool) (jobs.Transcript, error)
	Track(jobID string, separateSpeakers bool) error
	List() []jobs.Job
	Events(since int64) []jobs.Event
}

// StatsSource reports provider client statistics.
type StatsSource interface {
	GetStats() recognition.ClientStats
}

// HTTPServer provides the transcription API and monitoring endpoints
type HTTPServer struct {
	server   *http.Server
	logger   *slog.Logger
	config   *config.Config
	jobs     JobService
	hub      *Hub
	stats    StatsSource
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server. stats and gatherer may be nil.
func NewHTTPServer(appConfig *config.Config, logger *slog.Logger, jobService JobService, hub *Hub,
	stats StatsSource, m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		jobs:      jobService,
		hub:       hub,
		stats:     stats,
		metrics:   m,
		gatherer:  gatherer,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", appConfig.HTTP.Address, appConfig.HTTP.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Transcription workflow
	mux.HandleFunc("POST /api/transcriptions", h.withMetrics("/api/transcriptions", h.handleInitiate))
	mux.HandleFunc("GET /api/transcriptions/{id}", h.withMetrics("/api/transcriptions/{id}", h.handleStatus))
	mux.HandleFunc("GET /api/results/{fileID}", h.withMetrics("/api/results/{fileID}", h.handleResult))

	// Tracked jobs and their events
	mux.HandleFunc("GET /api/jobs", h.withMetrics("/api/jobs", h.handleJobs))
	mux.HandleFunc("GET /api/events", h.withMetrics("/api/events", h.handleEvents))
	mux.HandleFunc("GET /ws", h.withMetrics("/ws", h.hub.ServeWS))

	// Monitoring
	mux.HandleFunc("GET /health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("GET /config", h.withMetrics("/config", h.handleConfig))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	// Root endpoint with API documentation
	mux.HandleFunc("GET /{$}", h.withMetrics("/", h.handleRoot))
}

// Handler returns the routed handler
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		if h.metrics == nil {
			return
		}

		duration := time.Since(startTime).Seconds()
		h.metrics.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(ww.statusCode), duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Hijack lets the WebSocket upgrader take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (h *HTTPServer) Run(ctx context.Context) error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	h.logger.Info("Stopping HTTP API server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return h.server.Shutdown(shutdownCtx)
}

type initiateResponse struct {
	TaskID string   `json:"task_id"`
	Job    jobs.Job `json:"job"`
}

// handleInitiate accepts a multipart upload and submits a recognition job
func (h *HTTPServer) handleInitiate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.Jobs.GetMaxUploadBytes()+formOverhead)
	if err := r.ParseMultipartForm(formMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.writeError(w, fmt.Errorf("%w: request body exceeds %d bytes", jobs.ErrUploadTooLarge, maxErr.Limit))
			return
		}
		h.writeError(w, fmt.Errorf("%w: invalid multipart form: %v", jobs.ErrInvalidRequest, err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, fmt.Errorf("%w: file is required", jobs.ErrInvalidRequest))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.writeError(w, fmt.Errorf("%w: failed to read file: %v", jobs.ErrInvalidRequest, err))
		return
	}

	opts, err := parseOptions(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	track, err := formBool(r, "track", false)
	if err != nil {
		h.writeError(w, err)
		return
	}
	separate, err := formBool(r, "separate_speakers", h.config.Transcript.SeparateSpeakers)
	if err != nil {
		h.writeError(w, err)
		return
	}

	upload := jobs.Upload{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}

	job, err := h.jobs.Initiate(r.Context(), upload, opts)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if track {
		if err := h.jobs.Track(job.ID, separate); err != nil {
			h.writeError(w, err)
			return
		}
		job.Tracked = true
	}

	h.writeJSON(w, http.StatusAccepted, initiateResponse{TaskID: job.ID, Job: job})
}

func parseOptions(r *http.Request) (recognition.Options, error) {
	opts := recognition.Options{
		Encoding: recognition.Encoding(strings.ToUpper(strings.TrimSpace(r.FormValue("encoding")))),
		Model:    r.FormValue("model"),
	}

	var err error
	if opts.SpeakerSeparation, err = formBool(r, "speaker_separation", false); err != nil {
		return opts, err
	}
	if opts.SampleRate, err = formInt(r, "sample_rate"); err != nil {
		return opts, err
	}
	if opts.ChannelsCount, err = formInt(r, "channels_count"); err != nil {
		return opts, err
	}
	if hints := strings.TrimSpace(r.FormValue("hints")); hints != "" {
		for _, word := range strings.Split(hints, ",") {
			if word = strings.TrimSpace(word); word != "" {
				opts.Hints = append(opts.Hints, word)
			}
		}
	}
	return opts, nil
}

func formBool(r *http.Request, name string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(r.FormValue(name))
	if raw == "" {
		return fallback, nil
	}
	if raw == "on" {
		return true, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%w: %s must be a boolean, got %q", jobs.ErrInvalidRequest, name, raw)
	}
	return v, nil
}

func formInt(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.FormValue(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer, got %q", jobs.ErrInvalidRequest, name, raw)
	}
	return v, nil
}

// handleStatus performs one status check for a job
func (h *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.CheckStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

// handleResult downloads and renders a finished result
func (h *HTTPServer) handleResult(w http.ResponseWriter, r *http.Request) {
	separate, err := formBool(r, "separate_speakers", h.config.Transcript.SeparateSpeakers)
	if err != nil {
		h.writeError(w, err)
		return
	}

	format := r.URL.Query().Get("format")
	if format != "" && format != "json" && format != "text" {
		h.writeError(w, fmt.Errorf("%w: format must be 'json' or 'text', got %q", jobs.ErrInvalidRequest, format))
		return
	}

	tr, err := h.jobs.FetchResult(r.Context(), r.PathValue("fileID"), separate)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if format == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, tr.Text)
		return
	}
	h.writeJSON(w, http.StatusOK, tr)
}

// handleJobs lists jobs known to this instance
func (h *HTTPServer) handleJobs(w http.ResponseWriter, r *http.Request) {
	list := h.jobs.List()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_jobs": len(list),
		"timestamp":  time.Now().UTC(),
		"jobs":       list,
	})
}

// handleEvents returns buffered events after the since sequence number
func (h *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			h.writeError(w, fmt.Errorf("%w: since must be a non-negative integer", jobs.ErrInvalidRequest))
			return
		}
		since = v
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": h.jobs.Events(since),
	})
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]interface{}{
		"jobs": map[string]interface{}{
			"status": "running",
			"known":  len(h.jobs.List()),
		},
		"websocket": map[string]interface{}{
			"status":  "running",
			"clients": h.hub.ClientCount(),
		},
	}
	if h.stats != nil {
		stats := h.stats.GetStats()
		components["provider"] = map[string]interface{}{
			"status":          "running",
			"total_requests":  stats.TotalRequests,
			"success_rate":    stats.SuccessRate,
			"active_requests": stats.ActiveRequests,
			"retries":         stats.Retries,
		}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": components,
	})
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	// The auth key is never exposed
	sanitizedConfig := map[string]interface{}{
		"http": map[string]interface{}{
			"port":    h.config.HTTP.Port,
			"address": h.config.HTTP.Address,
		},
		"provider": map[string]interface{}{
			"token_url":           h.config.Provider.TokenURL,
			"base_url":            h.config.Provider.BaseURL,
			"scope":               h.config.Provider.Scope,
			"model":               h.config.Provider.Model,
			"timeout":             h.config.Provider.Timeout,
			"max_concurrent":      h.config.Provider.MaxConcurrent,
			"token_safety_margin": h.config.Provider.TokenSafetyMargin,
		},
		"retry": map[string]interface{}{
			"attempts":  h.config.Retry.Attempts,
			"timeout":   h.config.Retry.Timeout,
			"max_delay": h.config.Retry.MaxDelay,
			"statuses":  h.config.Retry.Statuses,
		},
		"jobs": map[string]interface{}{
			"polling_delay": h.config.Jobs.PollingDelay,
			"max_upload_mb": h.config.Jobs.MaxUploadMB,
			"retention":     h.config.Jobs.Retention,
		},
		"transcript": map[string]interface{}{
			"separate_speakers": h.config.Transcript.SeparateSpeakers,
			"suppress_repeats":  h.config.Transcript.SuppressRepeats,
			"speakers":          h.config.Transcript.Speakers,
		},
		"encodings": recognition.Encodings(),
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	h.writeJSON(w, http.StatusOK, sanitizedConfig)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "Speech Transcriber",
		"version": serviceVersion,
		"endpoints": map[string]interface{}{
			"GET /":                         "API documentation",
			"POST /api/transcriptions":      "Upload a file and submit a recognition job",
			"GET /api/transcriptions/{id}":  "Check the status of a job",
			"GET /api/results/{fileID}":     "Fetch a finished result (separate_speakers, format=json|text)",
			"GET /api/jobs":                 "List known jobs",
			"GET /api/events?since={seq}":   "Buffered job events",
			"GET /ws?job_id={id}":           "Job event stream",
			"GET /health":                   "Service health check",
			"GET /config":                   "Get service configuration",
			"GET /metrics":                  "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// writeError maps job and provider errors to a status code and JSON body
func (h *HTTPServer) writeError(w http.ResponseWriter, err error) {
	status, kind := classify(err)
	if status >= 500 {
		h.logger.Error("Request failed",
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
	}
	h.writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, jobs.ErrUploadTooLarge):
		return http.StatusRequestEntityTooLarge, "upload_too_large"
	case errors.Is(err, jobs.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, jobs.ErrJobNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusBadGateway, recognition.KindOf(err)
	}
}

func (h *HTTPServer) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("Failed to write response", slog.String("error", err.Error()))
	}
}
