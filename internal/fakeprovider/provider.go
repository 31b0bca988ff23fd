package fakeprovider

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	// TokenPath serves the credential grant.
	TokenPath = "/oauth"
	// APIPrefix is the base path of the recognition API.
	APIPrefix = "/rest/v1"
)

// DefaultResult is a nested, speaker-separated result with one repeated line.
const DefaultResult = `[
  {"results":[{"text":"hello there","normalized_text":"Hello there.","start":"0.120s","end":"1.480s"}],"eou":true,"channel":0,"speaker_info":{"speaker_id":1,"main_speaker_confidence":0.93}},
  {"results":[{"text":"hi how are you","normalized_text":"Hi, how are you?","start":"1.900s","end":"3.250s"}],"eou":true,"channel":0,"speaker_info":{"speaker_id":2,"main_speaker_confidence":0.88}},
  {"results":[{"text":"hi how are you","normalized_text":"Hi, how are you?","start":"3.250s","end":"3.900s"}],"eou":true,"channel":0,"speaker_info":{"speaker_id":2,"main_speaker_confidence":0.41}}
]`

// Config controls how the provider answers.
type Config struct {
	// AuthKey is the expected basic credential; empty accepts any.
	AuthKey string
	// TokenTTL is returned as expires_in; zero omits the field.
	TokenTTL time.Duration
	// PollsUntilDone is the number of PROCESSING answers before DONE.
	PollsUntilDone int
	// JobError, when set, ends every job in ERROR with this message.
	JobError string
	// Result is served by the download endpoint.
	Result string
	// ResultContentType is the declared type of the result body.
	ResultContentType string
	// ProcessingDelay is slept on every upload.
	ProcessingDelay time.Duration
}

// DefaultConfig finishes jobs after two polls and mislabels the result body.
func DefaultConfig() Config {
	return Config{
		TokenTTL:          30 * time.Minute,
		PollsUntilDone:    2,
		Result:            DefaultResult,
		ResultContentType: "application/octet-stream",
	}
}

// Provider is an in-memory stand-in for the speech API.
type Provider struct {
	logger *slog.Logger

	mu      sync.Mutex
	config  Config
	seq     int
	tokens  map[string]bool
	files   map[string]storedFile
	tasks   map[string]*task
	results map[string]bool
	stats   Stats
}

type storedFile struct {
	data        []byte
	contentType string
}

type task struct {
	fileID  string
	polls   int
	request json.RawMessage
}

// Stats counts requests per endpoint.
type Stats struct {
	TokenGrants int
	Uploads     int
	Submits     int
	Polls       int
	Downloads   int
	Rejected    int // requests refused for a missing or unknown bearer token
}

// New creates a provider answering according to config.
func New(config Config, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Provider{
		config:  config,
		logger:  logger,
		tokens:  make(map[string]bool),
		files:   make(map[string]storedFile),
		tasks:   make(map[string]*task),
		results: make(map[string]bool),
	}
}

// Configure changes the provider behaviour while it is serving.
func (p *Provider) Configure(fn func(c *Config)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&p.config)
}

func (p *Provider) snapshot() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.config
}

// Handler returns the HTTP surface of the provider.
func (p *Provider) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(TokenPath, p.handleToken)
	mux.HandleFunc(APIPrefix+"/data:upload", p.handleUpload)
	mux.HandleFunc(APIPrefix+"/speech:async_recognize", p.handleSubmit)
	mux.HandleFunc(APIPrefix+"/task:get", p.handleTask)
	mux.HandleFunc(APIPrefix+"/data:download", p.handleDownload)
	return mux
}

// Stats returns a snapshot of request counters.
func (p *Provider) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// RevokeTokens forgets every issued token, as if they had expired server-side.
func (p *Provider) RevokeTokens() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens = make(map[string]bool)
}

// SubmitRequest returns the raw body of the submit call that created taskID.
func (p *Provider) SubmitRequest(taskID string) (json.RawMessage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[taskID]
	if !ok {
		return nil, false
	}
	return t.request, true
}

// UploadedFile returns the bytes and content type stored under fileID.
func (p *Provider) UploadedFile(fileID string) ([]byte, string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.files[fileID]
	return f.data, f.contentType, ok
}

func (p *Provider) nextID(prefix string) string {
	p.seq++
	return fmt.Sprintf("%s-%d", prefix, p.seq)
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil || r.PostForm.Get("scope") == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"code": 6, "message": "scope is required"})
		return
	}
	if r.Header.Get("RqUID") == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"code": 5, "message": "RqUID is required"})
		return
	}
	config := p.snapshot()
	if config.AuthKey != "" && r.Header.Get("Authorization") != "Basic "+config.AuthKey {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"code": 1, "message": "invalid credentials"})
		return
	}

	p.mu.Lock()
	p.stats.TokenGrants++
	token := p.nextID("token")
	p.tokens[token] = true
	p.mu.Unlock()

	resp := map[string]interface{}{"access_token": token}
	if config.TokenTTL > 0 {
		resp["expires_in"] = int64(config.TokenTTL / time.Second)
	}
	p.logger.Info("Issued access token", slog.String("scope", r.PostForm.Get("scope")))
	writeJSON(w, http.StatusOK, resp)
}

// authorized rejects requests without a known bearer token or correlation id.
func (p *Provider) authorized(w http.ResponseWriter, r *http.Request) bool {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	p.mu.Lock()
	known := p.tokens[token]
	if !known {
		p.stats.Rejected++
	}
	p.mu.Unlock()

	if !known {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"status": 401, "message": "token expired or invalid"})
		return false
	}
	if r.Header.Get("X-Request-ID") == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"status": 400, "message": "X-Request-ID is required"})
		return false
	}
	return true
}

func (p *Provider) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !p.authorized(w, r) {
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"status": 400, "message": "failed to read body"})
		return
	}
	if len(data) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"status": 400, "message": "empty body"})
		return
	}

	if delay := p.snapshot().ProcessingDelay; delay > 0 {
		time.Sleep(delay)
	}

	p.mu.Lock()
	p.stats.Uploads++
	fileID := p.nextID("file")
	p.files[fileID] = storedFile{data: data, contentType: r.Header.Get("Content-Type")}
	p.mu.Unlock()

	p.logger.Info("File uploaded",
		slog.String("request_file_id", fileID),
		slog.Int("size", len(data)),
		slog.String("content_type", r.Header.Get("Content-Type")),
	)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": 200,
		"result": map[string]interface{}{"request_file_id": fileID},
	})
}

func (p *Provider) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !p.authorized(w, r) {
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"status": 400, "message": "failed to read body"})
		return
	}

	var request struct {
		Options struct {
			AudioEncoding string `json:"audio_encoding"`
		} `json:"options"`
		RequestFileID string `json:"request_file_id"`
	}
	if err := json.Unmarshal(body, &request); err != nil || request.Options.AudioEncoding == "" {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"status": 400, "message": "invalid request"})
		return
	}

	p.mu.Lock()
	if _, ok := p.files[request.RequestFileID]; !ok {
		p.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"status": 404, "message": "file not found"})
		return
	}
	p.stats.Submits++
	taskID := p.nextID("task")
	p.tasks[taskID] = &task{fileID: request.RequestFileID, request: body}
	p.mu.Unlock()

	p.logger.Info("Recognition task created",
		slog.String("task_id", taskID),
		slog.String("request_file_id", request.RequestFileID),
	)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": 200,
		"result": map[string]interface{}{
			"id":         taskID,
			"status":     "NEW",
			"created_at": time.Now().UTC().Format(time.RFC3339),
		},
	})
}

func (p *Provider) handleTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !p.authorized(w, r) {
		return
	}

	taskID := r.URL.Query().Get("id")

	p.mu.Lock()
	t, ok := p.tasks[taskID]
	if !ok {
		p.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"status": 404, "message": "task not found"})
		return
	}
	p.stats.Polls++
	t.polls++

	result := map[string]interface{}{"id": taskID}
	switch {
	case t.polls <= p.config.PollsUntilDone:
		result["status"] = "PROCESSING"
	case p.config.JobError != "":
		result["status"] = "ERROR"
		result["error"] = p.config.JobError
	default:
		responseID := "result-" + taskID
		p.results[responseID] = true
		result["status"] = "DONE"
		result["response_file_id"] = responseID
	}
	p.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{"status": 200, "result": result})
}

func (p *Provider) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !p.authorized(w, r) {
		return
	}

	responseID := r.URL.Query().Get("response_file_id")

	p.mu.Lock()
	ok := p.results[responseID]
	if ok {
		p.stats.Downloads++
	}
	config := p.config
	p.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"status": 404, "message": "file not found"})
		return
	}

	w.Header().Set("Content-Type", config.ResultContentType)
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, config.Result)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
