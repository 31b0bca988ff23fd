package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T, server *httptest.Server, clock *fakeClock, opts ...Option) *Manager {
	t.Helper()
	opts = append(opts, WithClock(clock.Now))
	m, err := NewManager(Config{
		TokenURL:     server.URL,
		AuthKey:      "c2VjcmV0",
		RequestID:    "session-1",
		SafetyMargin: 5 * time.Minute,
	}, server.Client(), testLogger(), opts...)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	return m
}

func TestTokenRefreshedOnlyWhenNeeded(t *testing.T) {
	var grants int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&grants, 1)
		w.Write([]byte(`{"access_token":"tok","expires_in":1800}`))
	}))
	defer server.Close()

	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	m := newTestManager(t, server, clock)

	tests := []struct {
		name           string
		advance        time.Duration
		expectedGrants int32
	}{
		{"no token yet", 0, 1},
		{"fresh token reused", time.Minute, 1},
		{"still outside margin", 23 * time.Minute, 1},
		{"inside safety margin", time.Minute, 2},
		{"new token reused", time.Second, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock.Advance(tt.advance)
			tok, err := m.Token(context.Background())
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if tok != "tok" {
				t.Errorf("Expected token 'tok', got %q", tok)
			}
			if got := atomic.LoadInt32(&grants); got != tt.expectedGrants {
				t.Errorf("Expected %d grants, got %d", tt.expectedGrants, got)
			}
		})
	}
}

func TestGrantRequestFormat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Basic c2VjcmV0" {
			t.Errorf("Expected basic credential, got %q", got)
		}
		if got := r.Header.Get("RqUID"); got != "session-1" {
			t.Errorf("Expected RqUID session-1, got %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/x-www-form-urlencoded" {
			t.Errorf("Expected form content type, got %q", got)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("Failed to parse form: %v", err)
		}
		if got := r.PostForm.Get("scope"); got != DefaultScope {
			t.Errorf("Expected scope %s, got %q", DefaultScope, got)
		}
		w.Write([]byte(`{"access_token":"tok"}`))
	}))
	defer server.Close()

	clock := &fakeClock{now: time.Now()}
	m := newTestManager(t, server, clock)
	if _, err := m.Token(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
}

func TestTokenExpiry(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		body     string
		expected time.Time
	}{
		{
			name:     "expires_in seconds",
			body:     `{"access_token":"tok","expires_in":600}`,
			expected: start.Add(600 * time.Second),
		},
		{
			name:     "fallback when omitted",
			body:     `{"access_token":"tok"}`,
			expected: start.Add(DefaultTokenTTL),
		},
		{
			name:     "expires_at milliseconds",
			body:     `{"access_token":"tok","expires_at":1704112200000}`,
			expected: time.UnixMilli(1704112200000),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			m := newTestManager(t, server, &fakeClock{now: start})
			if _, err := m.Token(context.Background()); err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}

			tok, ok := m.Current()
			if !ok {
				t.Fatal("Expected stored token")
			}
			if !tok.ExpiresAt.Equal(tt.expected) {
				t.Errorf("Expected expiry %v, got %v", tt.expected, tok.ExpiresAt)
			}
		})
	}
}

func TestRefreshFailures(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		statusCode int
	}{
		{"unauthorized", http.StatusUnauthorized, `{"message":"bad credentials"}`, http.StatusUnauthorized},
		{"missing access token", http.StatusOK, `{"expires_in":1800}`, http.StatusOK},
		{"not json", http.StatusOK, `<html>`, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			var observed []error
			m := newTestManager(t, server, &fakeClock{now: time.Now()},
				WithRefreshObserver(func(err error) { observed = append(observed, err) }))

			tok, err := m.Token(context.Background())
			if err == nil {
				t.Fatalf("Expected error, got token %q", tok)
			}
			if !errors.Is(err, ErrRefresh) {
				t.Errorf("Expected ErrRefresh, got %v", err)
			}

			var refreshErr *RefreshError
			if !errors.As(err, &refreshErr) {
				t.Fatalf("Expected RefreshError, got %T", err)
			}
			if refreshErr.StatusCode != tt.statusCode {
				t.Errorf("Expected status %d, got %d", tt.statusCode, refreshErr.StatusCode)
			}
			if refreshErr.Body != tt.body {
				t.Errorf("Expected body %q, got %q", tt.body, refreshErr.Body)
			}
			if _, ok := m.Current(); ok {
				t.Error("Expected no stored token after failed refresh")
			}
			if len(observed) != 1 || observed[0] == nil {
				t.Errorf("Expected one failed refresh observed, got %v", observed)
			}
		})
	}
}

func TestFailedRefreshNeverReturnsStaleToken(t *testing.T) {
	var fail atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"access_token":"old","expires_in":600}`))
	}))
	defer server.Close()

	clock := &fakeClock{now: time.Now()}
	m := newTestManager(t, server, clock)

	if _, err := m.Token(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	fail.Store(true)
	clock.Advance(6 * time.Minute)

	tok, err := m.Token(context.Background())
	if err == nil {
		t.Fatalf("Expected refresh error, got token %q", tok)
	}
	if tok != "" {
		t.Errorf("Expected empty token on failure, got %q", tok)
	}
}

func TestConcurrentCallersShareOneRefresh(t *testing.T) {
	var grants int32
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&grants, 1)
		<-release
		w.Write([]byte(`{"access_token":"shared","expires_in":1800}`))
	}))
	defer server.Close()

	m := newTestManager(t, server, &fakeClock{now: time.Now()})

	const callers = 20
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = m.Token(context.Background())
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&grants); got != 1 {
		t.Errorf("Expected 1 grant, got %d", got)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Errorf("Caller %d: unexpected error: %v", i, errs[i])
		}
		if tokens[i] != "shared" {
			t.Errorf("Caller %d: expected token 'shared', got %q", i, tokens[i])
		}
	}
}

func TestInvalidateForcesRefresh(t *testing.T) {
	var grants int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&grants, 1)
		w.Write([]byte(`{"access_token":"tok","expires_in":1800}`))
	}))
	defer server.Close()

	m := newTestManager(t, server, &fakeClock{now: time.Now()})

	m.Token(context.Background())
	m.Invalidate()
	m.Token(context.Background())

	if got := atomic.LoadInt32(&grants); got != 2 {
		t.Errorf("Expected 2 grants, got %d", got)
	}
}

func TestNewManagerValidation(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		client bool
	}{
		{"missing token url", Config{AuthKey: "key"}, true},
		{"missing auth key", Config{TokenURL: "http://localhost"}, true},
		{"missing client", Config{TokenURL: "http://localhost", AuthKey: "key"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var client *http.Client
			if tt.client {
				client = http.DefaultClient
			}
			var err error
			if client != nil {
				_, err = NewManager(tt.config, client, testLogger())
			} else {
				_, err = NewManager(tt.config, nil, testLogger())
			}
			if err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}
