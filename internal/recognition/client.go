package recognition

import (
	"bytes"
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
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/bazhil/SpeechTranscriber/internal/httpclient"
)

// TokenSource supplies a fresh bearer token for every call.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// invalidator is implemented by token sources that can drop a rejected token.
type invalidator interface {
	Invalidate()
}

// Client drives the asynchronous recognition workflow: upload, submit,
// single status checks and result download. It holds no per-job state.
type Client struct {
	config    Config
	http      httpclient.Doer
	tokens    TokenSource
	logger    *slog.Logger
	sessionID string
	semaphore chan struct{} // bounds concurrent provider calls
	attempts  *httpclient.Stats

	// Statistics
	operations map[string]*OperationStats
	mu         sync.RWMutex
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithAttemptStats reports transport-level attempt and retry totals from
// stats in GetStats. stats must also be registered as an observer on the
// retrying client.
func WithAttemptStats(stats *httpclient.Stats) ClientOption {
	return func(c *Client) { c.attempts = stats }
}

// Config contains recognition client configuration
type Config struct {
	BaseURL       string
	Model         string
	MaxConcurrent int
	SessionID     string // generated when empty
}

// UploadedFile is a payload stored on the provider side, consumed by one Submit.
type UploadedFile struct {
	RemoteFileID string `json:"request_file_id"`
}

// JobState is the provider-side state of a recognition job.
type JobState string

const (
	StateNew        JobState = "NEW"
	StateProcessing JobState = "PROCESSING"
	StateDone       JobState = "DONE"
	StateError      JobState = "ERROR"
)

func (s JobState) rank() int {
	switch s {
	case StateNew:
		return 0
	case StateProcessing:
		return 1
	case StateDone, StateError:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is one of the known states.
func (s JobState) Valid() bool {
	return s.rank() >= 0
}

// Terminal reports whether no further transition can happen.
func (s JobState) Terminal() bool {
	return s == StateDone || s == StateError
}

// CanAdvanceTo reports whether moving from s to next keeps the job moving
// forward. Staying in the same state is allowed.
func (s JobState) CanAdvanceTo(next JobState) bool {
	if !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	if s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

// Status is the outcome of a single status check.
type Status struct {
	ID             string   `json:"id"`
	State          JobState `json:"status"`
	ResponseFileID string   `json:"response_file_id,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// OperationStats counts the calls of one workflow step.
type OperationStats struct {
	Calls     uint64        `json:"calls"`
	Failures  uint64        `json:"failures"`
	TotalTime time.Duration `json:"total_time"`
}

// ClientStats represents client statistics. Requests count workflow calls;
// Attempts and Retries count what the retrying transport actually sent.
type ClientStats struct {
	TotalRequests   uint64                    `json:"total_requests"`
	SuccessRequests uint64                    `json:"success_requests"`
	FailedRequests  uint64                    `json:"failed_requests"`
	SuccessRate     float64                   `json:"success_rate"`
	AvgResponseTime time.Duration             `json:"avg_response_time"`
	ActiveRequests  int                       `json:"active_requests"`
	Attempts        uint64                    `json:"attempts"`
	Retries         uint64                    `json:"retries"`
	TransportErrors uint64                    `json:"transport_errors"`
	Operations      map[string]OperationStats `json:"operations"`
}

// NewClient creates a recognition client. doer should be the retrying client.
func NewClient(config Config, doer httpclient.Doer, tokens TokenSource, logger *slog.Logger, opts ...ClientOption) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if doer == nil {
		return nil, fmt.Errorf("http client cannot be nil")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token source cannot be nil")
	}
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}
	if config.SessionID == "" {
		config.SessionID = uuid.NewString()
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("Recognition client created", slog.String("session_id", config.SessionID))

	c := &Client{
		config:     config,
		http:       doer,
		tokens:     tokens,
		logger:     logger,
		sessionID:  config.SessionID,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
		operations: make(map[string]*OperationStats),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SessionID returns the correlation id sent with every request.
func (c *Client) SessionID() string {
	return c.sessionID
}

type uploadResponse struct {
	Result struct {
		RequestFileID string `json:"request_file_id"`
	} `json:"result"`
}

// Upload stores data on the provider. contentType is passed through verbatim.
func (c *Client) Upload(ctx context.Context, data []byte, contentType string) (UploadedFile, error) {
	const op = "upload"

	body, status, err := c.call(ctx, op, ErrUpload, http.MethodPost, "/data:upload", data, contentType)
	if err != nil {
		return UploadedFile{}, err
	}

	var resp uploadResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return UploadedFile{}, &Error{Kind: ErrUpload, Op: op, StatusCode: status, Body: string(body), Err: err}
	}
	if resp.Result.RequestFileID == "" {
		return UploadedFile{}, &Error{Kind: ErrUpload, Op: op, StatusCode: status, Body: string(body), Err: missingField("result.request_file_id")}
	}

	c.logger.Info("File uploaded",
		slog.String("request_file_id", resp.Result.RequestFileID),
		slog.Int("size", len(data)),
		slog.String("content_type", contentType),
	)
	return UploadedFile{RemoteFileID: resp.Result.RequestFileID}, nil
}

type submitRequest struct {
	Options       submitOptions `json:"options"`
	RequestFileID string        `json:"request_file_id"`
}

type submitOptions struct {
	Model                    string             `json:"model,omitempty"`
	AudioEncoding            Encoding           `json:"audio_encoding"`
	SampleRate               int                `json:"sample_rate,omitempty"`
	ChannelsCount            int                `json:"channels_count,omitempty"`
	Hints                    *hints             `json:"hints,omitempty"`
	SpeakerSeparationOptions *speakerSeparation `json:"speaker_separation_options,omitempty"`
}

type hints struct {
	Words []string `json:"words"`
}

type speakerSeparation struct {
	Enable bool `json:"enable"`
}

type submitResponse struct {
	Result struct {
		ID string `json:"id"`
	} `json:"result"`
}

// Submit starts recognition of an uploaded file and returns the job id.
// Options are expected to be validated by the caller.
func (c *Client) Submit(ctx context.Context, file UploadedFile, opts Options) (string, error) {
	const op = "submit"

	model := opts.Model
	if model == "" {
		model = c.config.Model
	}
	request := submitRequest{
		Options: submitOptions{
			Model:         model,
			AudioEncoding: opts.Encoding,
			SampleRate:    opts.SampleRate,
			ChannelsCount: opts.ChannelsCount,
		},
		RequestFileID: file.RemoteFileID,
	}
	if len(opts.Hints) > 0 {
		request.Options.Hints = &hints{Words: opts.Hints}
	}
	if opts.SpeakerSeparation {
		request.Options.SpeakerSeparationOptions = &speakerSeparation{Enable: true}
	}

	payload, err := json.Marshal(request)
	if err != nil {
		return "", &Error{Kind: ErrSubmission, Op: op, Err: fmt.Errorf("failed to encode request: %w", err)}
	}

	body, status, err := c.call(ctx, op, ErrSubmission, http.MethodPost, "/speech:async_recognize", payload, "application/json")
	if err != nil {
		return "", err
	}

	var resp submitResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &Error{Kind: ErrSubmission, Op: op, StatusCode: status, Body: string(body), Err: err}
	}
	if resp.Result.ID == "" {
		return "", &Error{Kind: ErrSubmission, Op: op, StatusCode: status, Body: string(body), Err: missingField("result.id")}
	}

	c.logger.Info("Recognition job submitted",
		slog.String("task_id", resp.Result.ID),
		slog.String("request_file_id", file.RemoteFileID),
		slog.String("encoding", string(opts.Encoding)),
		slog.Bool("speaker_separation", opts.SpeakerSeparation),
	)
	return resp.Result.ID, nil
}

type statusResponse struct {
	Result Status `json:"result"`
}

// PollOnce performs a single status check. Polling cadence is up to the caller.
func (c *Client) PollOnce(ctx context.Context, jobID string) (Status, error) {
	const op = "status"

	path := "/task:get?" + url.Values{"id": {jobID}}.Encode()
	body, status, err := c.call(ctx, op, ErrStatus, http.MethodGet, path, nil, "")
	if err != nil {
		return Status{}, err
	}

	var resp statusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Status{}, &Error{Kind: ErrStatus, Op: op, StatusCode: status, Body: string(body), Err: err}
	}
	if resp.Result.State == "" {
		return Status{}, &Error{Kind: ErrStatus, Op: op, StatusCode: status, Body: string(body), Err: missingField("result.status")}
	}
	if !resp.Result.State.Valid() {
		return Status{}, &Error{Kind: ErrStatus, Op: op, StatusCode: status, Body: string(body), Err: fmt.Errorf("unknown job status %q", resp.Result.State)}
	}
	if resp.Result.State == StateDone && resp.Result.ResponseFileID == "" {
		return Status{}, &Error{Kind: ErrStatus, Op: op, StatusCode: status, Body: string(body), Err: missingField("result.response_file_id")}
	}
	if resp.Result.ID == "" {
		resp.Result.ID = jobID
	}

	c.logger.Debug("Recognition job status",
		slog.String("task_id", jobID),
		slog.String("status", string(resp.Result.State)),
	)
	return resp.Result, nil
}

// DownloadResult fetches and parses a finished job's result. The body is
// parsed as JSON whatever content type the provider declares.
func (c *Client) DownloadResult(ctx context.Context, responseFileID string) (Result, error) {
	const op = "download"

	path := "/data:download?" + url.Values{"response_file_id": {responseFileID}}.Encode()
	body, status, err := c.call(ctx, op, ErrDownload, http.MethodGet, path, nil, "")
	if err != nil {
		return Result{}, err
	}

	if !utf8.Valid(body) {
		return Result{}, &Error{Kind: ErrResultParse, Op: op, StatusCode: status, Body: string(body), Err: errors.New("result body is not valid UTF-8")}
	}

	result, err := ParseResult(body)
	if err != nil {
		c.logger.Error("Failed to parse recognition result",
			slog.String("response_file_id", responseFileID),
			slog.Int("size", len(body)),
			slog.String("error", err.Error()),
		)
		return Result{}, &Error{Kind: ErrResultParse, Op: op, StatusCode: status, Body: string(body), Err: err}
	}

	c.logger.Info("Recognition result downloaded",
		slog.String("response_file_id", responseFileID),
		slog.String("shape", result.Shape.String()),
		slog.Int("segments", result.Len()),
	)
	return result, nil
}

// call performs one authenticated request through the retrying client and
// returns the body of a 2xx response.
func (c *Client) call(ctx context.Context, op string, kind error, method, path string, payload []byte, contentType string) ([]byte, int, error) {
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return nil, 0, &Error{Kind: kind, Op: op, Err: ctx.Err()}
	}

	startTime := time.Now()
	body, status, err := c.doCall(ctx, op, kind, method, path, payload, contentType)
	c.record(op, time.Since(startTime), err)
	if err != nil {
		return nil, status, err
	}
	return body, status, nil
}

func (c *Client) doCall(ctx context.Context, op string, kind error, method, path string, payload []byte, contentType string) ([]byte, int, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, 0, &Error{Kind: ErrAuth, Op: op, Err: err}
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, reader)
	if err != nil {
		return nil, 0, &Error{Kind: kind, Op: op, Err: fmt.Errorf("failed to create HTTP request: %w", err)}
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Request-ID", c.sessionID)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, &Error{Kind: kind, Op: op, Err: err}
		}
		return nil, 0, &Error{Kind: kind, Op: op, Err: fmt.Errorf("%w: %w", ErrNetwork, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, &Error{Kind: kind, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: failed to read response body: %w", ErrNetwork, err)}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		if inv, ok := c.tokens.(invalidator); ok {
			inv.Invalidate()
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("Provider returned error status",
			slog.String("op", op),
			slog.Int("status", resp.StatusCode),
			slog.String("body", truncate(string(body), maxErrorBody)),
		)
		return nil, resp.StatusCode, &Error{Kind: kind, Op: op, StatusCode: resp.StatusCode, Body: string(body)}
	}

	return body, resp.StatusCode, nil
}

func missingField(name string) error {
	return fmt.Errorf("response is missing %s", name)
}

func (c *Client) record(op string, elapsed time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, ok := c.operations[op]
	if !ok {
		stats = &OperationStats{}
		c.operations[op] = stats
	}
	stats.Calls++
	stats.TotalTime += elapsed
	if err != nil {
		stats.Failures++
	}
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	stats := ClientStats{
		ActiveRequests: len(c.semaphore),
		Operations:     make(map[string]OperationStats, len(c.operations)),
	}
	var totalTime time.Duration
	for op, s := range c.operations {
		stats.Operations[op] = *s
		stats.TotalRequests += s.Calls
		stats.FailedRequests += s.Failures
		totalTime += s.TotalTime
	}
	c.mu.RUnlock()

	stats.SuccessRequests = stats.TotalRequests - stats.FailedRequests
	if stats.TotalRequests > 0 {
		stats.SuccessRate = float64(stats.SuccessRequests) / float64(stats.TotalRequests) * 100
		stats.AvgResponseTime = totalTime / time.Duration(stats.TotalRequests)
	}

	if c.attempts != nil {
		snapshot := c.attempts.Snapshot()
		stats.Attempts = snapshot.Attempts
		stats.Retries = snapshot.Retries
		stats.TransportErrors = snapshot.TransportErrors
	}
	return stats
}

// Close waits for in-flight calls to finish.
func (c *Client) Close() error {
	for i := 0; i < cap(c.semaphore); i++ {
		c.semaphore <- struct{}{}
	}
	return nil
}
