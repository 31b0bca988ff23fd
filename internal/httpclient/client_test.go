package httpclient

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordSleep captures backoff delays instead of sleeping.
func recordSleep(delays *[]time.Duration) Option {
	return WithSleep(func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	})
}

type failingDoer struct {
	calls int
}

func (f *failingDoer) Do(req *http.Request) (*http.Response, error) {
	f.calls++
	return nil, errors.New("connection refused")
}

func TestRetryOnRetryableStatus(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	var delays []time.Duration
	client := New(Config{MaxRetries: 5, BaseDelay: 100 * time.Millisecond}, server.Client(), testLogger(), recordSleep(&delays))

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if hits != 3 {
		t.Errorf("Expected 3 attempts, got %d", hits)
	}

	expected := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if len(delays) != len(expected) {
		t.Fatalf("Expected %d delays, got %v", len(expected), delays)
	}
	for i := range expected {
		if delays[i] != expected[i] {
			t.Errorf("Delay %d: expected %v, got %v", i+1, expected[i], delays[i])
		}
	}
}

func TestRetryExhaustionReturnsLastResponse(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("slow down"))
	}))
	defer server.Close()

	var delays []time.Duration
	client := New(Config{MaxRetries: 3, BaseDelay: time.Second}, server.Client(), testLogger(), recordSleep(&delays))

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("Expected status 429, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "slow down" {
		t.Errorf("Expected last body to be readable, got %q", string(body))
	}
	if hits != 4 {
		t.Errorf("Expected 4 attempts, got %d", hits)
	}

	expected := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(delays) != len(expected) {
		t.Fatalf("Expected %d delays, got %v", len(expected), delays)
	}
	for i := range expected {
		if delays[i] != expected[i] {
			t.Errorf("Delay %d: expected %v, got %v", i+1, expected[i], delays[i])
		}
	}
}

func TestNonRetryableStatusReturnedImmediately(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	var delays []time.Duration
	client := New(Config{MaxRetries: 3, BaseDelay: time.Second}, server.Client(), testLogger(), recordSleep(&delays))

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.StatusCode)
	}
	if hits != 1 {
		t.Errorf("Expected 1 attempt, got %d", hits)
	}
	if len(delays) != 0 {
		t.Errorf("Expected no delays, got %v", delays)
	}
}

func TestTransportErrorExhaustion(t *testing.T) {
	doer := &failingDoer{}
	var delays []time.Duration
	client := New(Config{MaxRetries: 2, BaseDelay: 10 * time.Millisecond}, doer, testLogger(), recordSleep(&delays))

	req, _ := http.NewRequest(http.MethodGet, "http://provider.invalid/task", nil)
	resp, err := client.Do(req)
	if resp != nil {
		t.Errorf("Expected nil response, got %v", resp)
	}

	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("Expected NetworkError, got %v", err)
	}
	if netErr.Attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", netErr.Attempts)
	}
	if doer.calls != 3 {
		t.Errorf("Expected 3 transport calls, got %d", doer.calls)
	}
	if len(delays) != 2 {
		t.Errorf("Expected 2 delays, got %v", delays)
	}
}

func TestRequestBodyReplayedOnRetry(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != "audio-bytes" {
			t.Errorf("Expected replayed body, got %q", string(body))
		}
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	var delays []time.Duration
	client := New(Config{MaxRetries: 1, BaseDelay: time.Millisecond}, server.Client(), testLogger(), recordSleep(&delays))

	req, _ := http.NewRequest(http.MethodPost, server.URL, bytes.NewReader([]byte("audio-bytes")))
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if hits != 2 {
		t.Errorf("Expected 2 attempts, got %d", hits)
	}
}

func TestBackoffCap(t *testing.T) {
	client := New(Config{BaseDelay: time.Second, MaxDelay: 5 * time.Second}, nil, testLogger())

	tests := []struct {
		retry    int
		expected time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{60, 5 * time.Second},
	}

	for _, tt := range tests {
		if got := client.Backoff(tt.retry); got != tt.expected {
			t.Errorf("Backoff(%d): expected %v, got %v", tt.retry, tt.expected, got)
		}
	}
}

func TestBackoffWithoutMaxDelay(t *testing.T) {
	client := New(Config{BaseDelay: time.Second}, nil, testLogger())

	tests := []struct {
		retry    int
		expected time.Duration
	}{
		{1, time.Second},
		{9, 256 * time.Second},
		{10, DefaultMaxDelay},
		{64, DefaultMaxDelay},
		{1000, DefaultMaxDelay},
	}

	for _, tt := range tests {
		if got := client.Backoff(tt.retry); got != tt.expected {
			t.Errorf("Backoff(%d): expected %v, got %v", tt.retry, tt.expected, got)
		}
	}
}

func TestStatsCountRetries(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	stats := NewStats()
	var observed int
	var delays []time.Duration
	client := New(Config{MaxRetries: 3, BaseDelay: time.Second}, server.Client(), testLogger(),
		recordSleep(&delays),
		WithObserver(stats.Observe),
		WithObserver(func(Attempt) { observed++ }),
	)

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	resp.Body.Close()

	snapshot := stats.Snapshot()
	if snapshot.Attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", snapshot.Attempts)
	}
	if snapshot.Retries != 2 {
		t.Errorf("Expected 2 retries, got %d", snapshot.Retries)
	}
	if snapshot.RetriedStatuses != 2 {
		t.Errorf("Expected 2 retried statuses, got %d", snapshot.RetriedStatuses)
	}
	if snapshot.TransportErrors != 0 {
		t.Errorf("Expected no transport errors, got %d", snapshot.TransportErrors)
	}
	if observed != 3 {
		t.Errorf("Expected second observer to see 3 attempts, got %d", observed)
	}
}

func TestObserverSeesEveryAttempt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	var attempts []Attempt
	var delays []time.Duration
	client := New(Config{MaxRetries: 2, BaseDelay: time.Second}, server.Client(), testLogger(),
		recordSleep(&delays),
		WithObserver(func(a Attempt) { attempts = append(attempts, a) }),
	)

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	resp.Body.Close()

	if len(attempts) != 3 {
		t.Fatalf("Expected 3 observed attempts, got %d", len(attempts))
	}
	for i, a := range attempts {
		if a.Number != i+1 {
			t.Errorf("Expected attempt number %d, got %d", i+1, a.Number)
		}
		if a.StatusCode != http.StatusInternalServerError {
			t.Errorf("Expected status 500, got %d", a.StatusCode)
		}
	}
	if attempts[2].Delay != 0 {
		t.Errorf("Expected no delay after final attempt, got %v", attempts[2].Delay)
	}
}

func TestCancelledContextStopsRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	client := New(Config{MaxRetries: 5, BaseDelay: time.Second}, server.Client(), testLogger(),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		}),
	)

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	_, err := client.Do(req)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
