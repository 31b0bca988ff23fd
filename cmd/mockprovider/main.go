package main

import (
	"flag"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/bazhil/SpeechTranscriber/internal/fakeprovider"
)

func main() {
	addr := flag.String("addr", ":9000", "Listen address")
	authKey := flag.String("auth-key", "", "Expected basic credential, empty accepts any")
	polls := flag.Int("polls", 3, "PROCESSING answers before a job is DONE")
	jobError := flag.String("job-error", "", "Fail every job with this message")
	resultFile := flag.String("result", "", "File served as the recognition result")
	tokenTTL := flag.Duration("token-ttl", 30*time.Minute, "Lifetime of issued tokens")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	config := fakeprovider.DefaultConfig()
	config.AuthKey = *authKey
	config.PollsUntilDone = *polls
	config.JobError = *jobError
	config.TokenTTL = *tokenTTL
	config.ProcessingDelay = 200 * time.Millisecond
	if *resultFile != "" {
		data, err := os.ReadFile(*resultFile)
		if err != nil {
			logger.Error("Failed to read result file", slog.String("path", *resultFile), slog.String("error", err.Error()))
			os.Exit(1)
		}
		config.Result = string(data)
	}

	provider := fakeprovider.New(config, logger)

	logger.Info("Mock speech provider starting",
		slog.String("address", *addr),
		slog.String("token_url", "http://localhost"+*addr+fakeprovider.TokenPath),
		slog.String("base_url", "http://localhost"+*addr+fakeprovider.APIPrefix),
	)

	if err := http.ListenAndServe(*addr, provider.Handler()); err != nil {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
