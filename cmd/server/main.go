package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/bazhil/SpeechTranscriber/internal/auth"
	"github.com/bazhil/SpeechTranscriber/internal/config"
	"github.com/bazhil/SpeechTranscriber/internal/httpclient"
	"github.com/bazhil/SpeechTranscriber/internal/jobs"
	"github.com/bazhil/SpeechTranscriber/internal/metrics"
	"github.com/bazhil/SpeechTranscriber/internal/recognition"
	"github.com/bazhil/SpeechTranscriber/internal/server"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "speech-transcriber"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file, empty for defaults and environment only")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.String("token_url", cfg.Provider.TokenURL),
		slog.String("base_url", cfg.Provider.BaseURL),
		slog.String("model", cfg.Provider.Model),
		slog.Int("retry_attempts", cfg.Retry.Attempts),
		slog.Duration("retry_base_delay", cfg.Retry.GetBaseDelay()),
		slog.Duration("polling_interval", cfg.Jobs.GetPollingInterval()),
		slog.String("log_level", cfg.Logging.Level),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Service failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Service stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize Prometheus metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	appMetrics := metrics.NewMetrics(registry)
	logger.Info("Prometheus metrics initialized")

	// Outbound stack: retrying transport, token manager, recognition client
	transport := &http.Client{Timeout: cfg.Provider.GetTimeoutDuration()}
	attemptStats := httpclient.NewStats()
	retrying := httpclient.New(httpclient.Config{
		MaxRetries:    cfg.Retry.Attempts,
		BaseDelay:     cfg.Retry.GetBaseDelay(),
		MaxDelay:      cfg.Retry.GetMaxDelay(),
		RetryStatuses: cfg.Retry.Statuses,
	}, transport, logger,
		httpclient.WithObserver(appMetrics.RecordProviderAttempt),
		httpclient.WithObserver(attemptStats.Observe),
	)

	sessionID := uuid.NewString()
	tokens, err := auth.NewManager(auth.Config{
		TokenURL:     cfg.Provider.TokenURL,
		AuthKey:      cfg.Provider.AuthKey,
		Scope:        cfg.Provider.Scope,
		RequestID:    sessionID,
		SafetyMargin: cfg.Provider.GetTokenSafetyMargin(),
		DefaultTTL:   cfg.Provider.GetDefaultTokenTTL(),
	}, retrying, logger, auth.WithRefreshObserver(appMetrics.RecordTokenRefresh))
	if err != nil {
		return fmt.Errorf("failed to create token manager: %w", err)
	}

	recognitionClient, err := recognition.NewClient(recognition.Config{
		BaseURL:       cfg.Provider.BaseURL,
		Model:         cfg.Provider.Model,
		MaxConcurrent: cfg.Provider.MaxConcurrent,
		SessionID:     sessionID,
	}, retrying, tokens, logger, recognition.WithAttemptStats(attemptStats))
	if err != nil {
		return fmt.Errorf("failed to create recognition client: %w", err)
	}

	// Event fan-out and job orchestration
	hub := server.NewHub(logger, appMetrics)
	jobManager, err := jobs.NewManager(jobs.Config{
		MaxUploadBytes:  cfg.Jobs.GetMaxUploadBytes(),
		PollingInterval: cfg.Jobs.GetPollingInterval(),
		Retention:       cfg.Jobs.GetRetention(),
		CleanupInterval: cfg.Jobs.GetCleanupInterval(),
		SuppressRepeats: cfg.Transcript.SuppressRepeats,
		Speakers:        cfg.Transcript.Speakers,
		EventHistory:    cfg.Jobs.EventHistory,
	}, recognitionClient, hub, appMetrics, logger)
	if err != nil {
		return fmt.Errorf("failed to create job manager: %w", err)
	}
	logger.Info("Job manager initialized",
		slog.Int64("max_upload_bytes", cfg.Jobs.GetMaxUploadBytes()),
		slog.Duration("retention", cfg.Jobs.GetRetention()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return hub.Run(gctx)
	})

	if cfg.HTTP.Enabled {
		httpServer := server.NewHTTPServer(cfg, logger, jobManager, hub, recognitionClient, appMetrics, registry)
		g.Go(func() error {
			return httpServer.Run(gctx)
		})
	} else {
		logger.Warn("HTTP API disabled, only background tracking is running")
	}

	logger.Info("Service started successfully, waiting for signals...")

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Starting graceful shutdown...")

		// Stop trackers before in-flight provider calls are drained
		jobManager.Stop()
		recognitionClient.Close()

		stats := recognitionClient.GetStats()
		logger.Info("Final provider statistics",
			slog.Uint64("total_requests", stats.TotalRequests),
			slog.Uint64("success_requests", stats.SuccessRequests),
			slog.Uint64("failed_requests", stats.FailedRequests),
			slog.Uint64("attempts", stats.Attempts),
			slog.Uint64("retries", stats.Retries),
		)
		return nil
	})

	return g.Wait()
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Anything else is a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
