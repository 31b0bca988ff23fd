package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Doer is the minimal HTTP surface the provider clients depend on.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config contains retry policy configuration
type Config struct {
	MaxRetries    int           // retries after the first attempt
	BaseDelay     time.Duration // delay before the first retry
	MaxDelay      time.Duration // upper bound for a single delay, 0 means DefaultMaxDelay
	RetryStatuses []int
}

// DefaultMaxDelay bounds a single backoff when Config.MaxDelay is unset.
const DefaultMaxDelay = 5 * time.Minute

// DefaultRetryStatuses are the transient statuses the provider is known to return.
var DefaultRetryStatuses = []int{
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// Attempt describes a single outbound try. Delay is the backoff scheduled
// after it, zero when no further attempt follows.
type Attempt struct {
	Method     string
	URL        string
	Endpoint   string // URL path without query, safe for metric labels
	Number     int
	StatusCode int
	Err        error
	Delay      time.Duration
	Duration   time.Duration
}

// Observer receives every attempt made by the client.
type Observer func(Attempt)

// NetworkError is returned when transport failures exhaust the retry budget.
type NetworkError struct {
	Attempts int
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("request failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Client wraps an http.Client with status and error based retries
type Client struct {
	config    Config
	inner     Doer
	logger    *slog.Logger
	observers []Observer
	retryable map[int]bool
	sleep     func(ctx context.Context, d time.Duration) error
}

// Option customises a Client.
type Option func(*Client)

// WithObserver registers an attempt observer. Observers are called in
// registration order.
func WithObserver(o Observer) Option {
	return func(c *Client) {
		if o != nil {
			c.observers = append(c.observers, o)
		}
	}
}

// WithSleep replaces the backoff sleep, used by tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

// New creates a retrying client on top of inner. A nil inner uses http.DefaultClient.
func New(config Config, inner Doer, logger *slog.Logger, opts ...Option) *Client {
	if inner == nil {
		inner = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = time.Second
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = DefaultMaxDelay
	}
	statuses := config.RetryStatuses
	if statuses == nil {
		statuses = DefaultRetryStatuses
	}
	retryable := make(map[int]bool, len(statuses))
	for _, s := range statuses {
		retryable[s] = true
	}

	c := &Client{
		config:    config,
		inner:     inner,
		logger:    logger,
		retryable: retryable,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Backoff returns the delay before retry n (1-indexed).
func (c *Client) Backoff(n int) time.Duration {
	if n < 1 {
		return 0
	}
	d := c.config.BaseDelay
	for i := 1; i < n; i++ {
		if d >= c.config.MaxDelay {
			break
		}
		d *= 2
	}
	return min(d, c.config.MaxDelay)
}

// Do sends req, retrying transient failures. The final retryable response is
// returned to the caller unchanged once the retry budget is spent.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	maxAttempts := c.config.MaxRetries + 1

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		try := req
		if attempt > 1 {
			var err error
			if try, err = rewind(req); err != nil {
				return nil, err
			}
		}

		started := time.Now()
		resp, err := c.inner.Do(try)
		elapsed := time.Since(started)

		if err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}

		retry := err != nil || c.retryable[resp.StatusCode]
		last := attempt == maxAttempts

		var delay time.Duration
		if retry && !last {
			delay = c.Backoff(attempt)
		}
		c.report(try, attempt, resp, err, delay, elapsed)

		if !retry {
			return resp, nil
		}
		if last {
			if err != nil {
				return nil, &NetworkError{Attempts: attempt, Err: err}
			}
			return resp, nil
		}

		if err != nil {
			lastErr = err
		} else {
			drain(resp)
		}

		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	// unreachable: the loop always returns on the last attempt
	return nil, &NetworkError{Attempts: maxAttempts, Err: lastErr}
}

func (c *Client) report(req *http.Request, attempt int, resp *http.Response, err error, delay, elapsed time.Duration) {
	a := Attempt{
		Method:   req.Method,
		URL:      req.URL.Redacted(),
		Endpoint: req.URL.Path,
		Number:   attempt,
		Err:      err,
		Delay:    delay,
		Duration: elapsed,
	}
	if resp != nil {
		a.StatusCode = resp.StatusCode
	}

	switch {
	case err != nil && delay > 0:
		c.logger.Warn("Request failed, retrying",
			slog.String("url", a.URL),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
	case err != nil:
		c.logger.Error("Request failed, giving up",
			slog.String("url", a.URL),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	case delay > 0:
		c.logger.Warn("Retryable response status, retrying",
			slog.String("url", a.URL),
			slog.Int("status", a.StatusCode),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
		)
	default:
		c.logger.Debug("Request completed",
			slog.String("url", a.URL),
			slog.Int("status", a.StatusCode),
			slog.Int("attempt", attempt),
		)
	}

	for _, observe := range c.observers {
		observe(a)
	}
}

// rewind prepares a fresh copy of req for another attempt.
func rewind(req *http.Request) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return clone, nil
	}
	if req.GetBody == nil {
		return nil, errors.New("request body cannot be replayed for retry")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("failed to replay request body: %w", err)
	}
	clone.Body = body
	return clone, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
