package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/bazhil/SpeechTranscriber/internal/httpclient"
)

const (
	// DefaultScope is the personal-tier scope of the speech API.
	DefaultScope = "SALUTE_SPEECH_PERS"

	// DefaultTokenTTL is assumed when the grant response carries no expiry.
	DefaultTokenTTL = 1800 * time.Second

	// DefaultSafetyMargin is how long before expiry a token stops being handed out.
	DefaultSafetyMargin = 300 * time.Second
)

// ErrRefresh marks every failed credential grant.
var ErrRefresh = errors.New("token refresh failed")

// RefreshError describes a failed credential grant. StatusCode is zero when
// the grant never produced a response.
type RefreshError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *RefreshError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("%v: status %d: %v", ErrRefresh, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%v: status %d: %s", ErrRefresh, e.StatusCode, truncate(e.Body, 512))
	case e.Err != nil:
		return fmt.Sprintf("%v: %v", ErrRefresh, e.Err)
	default:
		return ErrRefresh.Error()
	}
}

func (e *RefreshError) Unwrap() []error {
	return []error{ErrRefresh, e.Err}
}

// Config contains credential grant configuration
type Config struct {
	TokenURL     string
	AuthKey      string // pre-encoded basic credential
	Scope        string
	RequestID    string // sent as RqUID, generated when empty
	SafetyMargin time.Duration
	DefaultTTL   time.Duration
}

// Token is a bearer token together with its expiry.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Manager owns a single bearer token and refreshes it before it expires.
// Concurrent callers share one in-flight refresh.
type Manager struct {
	config   Config
	client   httpclient.Doer
	logger   *slog.Logger
	now      func() time.Time
	observer func(err error)

	token *Token
	mu    sync.RWMutex
	group singleflight.Group
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock replaces time.Now, used by tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRefreshObserver registers a callback invoked after every grant attempt.
func WithRefreshObserver(fn func(err error)) Option {
	return func(m *Manager) { m.observer = fn }
}

// NewManager creates a token manager. client should be the retrying client.
func NewManager(config Config, client httpclient.Doer, logger *slog.Logger, opts ...Option) (*Manager, error) {
	if config.TokenURL == "" {
		return nil, fmt.Errorf("token URL cannot be empty")
	}
	if config.AuthKey == "" {
		return nil, fmt.Errorf("auth key cannot be empty")
	}
	if client == nil {
		return nil, fmt.Errorf("http client cannot be nil")
	}
	if config.Scope == "" {
		config.Scope = DefaultScope
	}
	if config.SafetyMargin < 0 {
		config.SafetyMargin = 0
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = DefaultTokenTTL
	}
	if config.RequestID == "" {
		config.RequestID = uuid.NewString()
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		config: config,
		client: client,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Token returns a bearer token valid for at least the safety margin,
// refreshing it first when needed.
func (m *Manager) Token(ctx context.Context) (string, error) {
	if value, ok := m.cached(); ok {
		return value, nil
	}

	ch := m.group.DoChan("token", func() (interface{}, error) {
		if value, ok := m.cached(); ok {
			return value, nil
		}
		tok, err := m.refresh(context.WithoutCancel(ctx))
		if err != nil {
			return "", err
		}
		return tok.Value, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Current returns a copy of the stored token, if any.
func (m *Manager) Current() (Token, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.token == nil {
		return Token{}, false
	}
	return *m.token, true
}

// Invalidate drops the stored token so the next call refreshes.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token != nil {
		m.logger.Info("Access token invalidated")
	}
	m.token = nil
}

func (m *Manager) cached() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.token == nil {
		return "", false
	}
	if !m.now().Add(m.config.SafetyMargin).Before(m.token.ExpiresAt) {
		return "", false
	}
	return m.token.Value, true
}

type grantResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	ExpiresAt   int64  `json:"expires_at"` // epoch milliseconds
}

// refresh performs the credential grant and stores the new token.
func (m *Manager) refresh(ctx context.Context) (*Token, error) {
	m.logger.Debug("Refreshing access token", slog.String("token_url", m.config.TokenURL))

	tok, err := m.grant(ctx)
	if m.observer != nil {
		m.observer(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.token = nil
		m.logger.Error("Failed to refresh access token", slog.String("error", err.Error()))
		return nil, err
	}

	m.token = tok
	m.logger.Info("Access token refreshed",
		slog.Time("expires_at", tok.ExpiresAt),
	)
	return tok, nil
}

func (m *Manager) grant(ctx context.Context) (*Token, error) {
	form := url.Values{}
	form.Set("scope", m.config.Scope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.config.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &RefreshError{Err: fmt.Errorf("failed to create token request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Basic "+m.config.AuthKey)
	req.Header.Set("RqUID", m.config.RequestID)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, &RefreshError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RefreshError{StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read token response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RefreshError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var grant grantResponse
	if err := json.Unmarshal(body, &grant); err != nil {
		return nil, &RefreshError{StatusCode: resp.StatusCode, Body: string(body), Err: fmt.Errorf("failed to parse token response: %w", err)}
	}
	if grant.AccessToken == "" {
		return nil, &RefreshError{StatusCode: resp.StatusCode, Body: string(body), Err: errors.New("access_token missing from response")}
	}

	now := m.now()
	expiresAt := now.Add(m.config.DefaultTTL)
	switch {
	case grant.ExpiresIn > 0:
		expiresAt = now.Add(time.Duration(grant.ExpiresIn) * time.Second)
	case grant.ExpiresAt > 0:
		expiresAt = time.UnixMilli(grant.ExpiresAt)
	}

	return &Token{Value: grant.AccessToken, ExpiresAt: expiresAt}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
