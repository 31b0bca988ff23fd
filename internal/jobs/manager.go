package jobs

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"lukechampine.com/blake3"

	"github.com/bazhil/SpeechTranscriber/internal/metrics"
	"github.com/bazhil/SpeechTranscriber/internal/recognition"
	"github.com/bazhil/SpeechTranscriber/internal/transcript"
)

// DefaultMaxUploadBytes is the largest accepted media file.
const DefaultMaxUploadBytes = 1 << 30

var (
	// ErrInvalidRequest is returned for requests rejected before any remote call.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUploadTooLarge is an ErrInvalidRequest for files above the size limit.
	ErrUploadTooLarge = fmt.Errorf("%w: upload too large", ErrInvalidRequest)
	// ErrStopped is returned when tracking is requested after Stop.
	ErrStopped = errors.New("job manager is stopped")
	// ErrJobNotFound is returned by Get and Track for job ids that are not registered.
	ErrJobNotFound = errors.New("job not found")
)

// Recognizer is the provider workflow used by the manager.
type Recognizer interface {
	Upload(ctx context.Context, data []byte, contentType string) (recognition.UploadedFile, error)
	Submit(ctx context.Context, file recognition.UploadedFile, opts recognition.Options) (string, error)
	PollOnce(ctx context.Context, jobID string) (recognition.Status, error)
	DownloadResult(ctx context.Context, responseFileID string) (recognition.Result, error)
}

// Config contains job manager configuration
type Config struct {
	MaxUploadBytes  int64
	PollingInterval time.Duration
	Retention       time.Duration // how long terminal jobs stay listed
	CleanupInterval time.Duration
	SuppressRepeats bool
	Speakers        []string
	EventHistory    int
}

// Job is a submitted recognition job as seen by this service.
type Job struct {
	ID             string               `json:"id"`
	FileName       string               `json:"file_name"`
	ContentType    string               `json:"content_type"`
	Size           int64                `json:"size"`
	Checksum       string               `json:"checksum"`
	Status         recognition.JobState `json:"status"`
	ResponseFileID string               `json:"response_file_id,omitempty"`
	ErrorDetail    string               `json:"error,omitempty"`
	Options        recognition.Options  `json:"options"`
	Tracked        bool                 `json:"tracked"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// Upload is a media file received from a caller.
type Upload struct {
	Name        string
	ContentType string
	Data        []byte
}

// Transcript is a normalized recognition result.
type Transcript struct {
	Text            string             `json:"text"`
	Result          recognition.Result `json:"result"`
	SegmentCount    int                `json:"segment_count"`
	DurationSeconds float64            `json:"duration_seconds"`
}

// Manager submits jobs, applies status updates and tracks jobs in the background.
type Manager struct {
	config    Config
	client    Recognizer
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	events    *EventLog

	jobs    map[string]*Job
	stopped bool // guarded by mu, set before trackers are awaited
	mu      sync.RWMutex

	ctx      context.Context
	cancel   context.CancelFunc
	trackers sync.WaitGroup
	cleanup  chan struct{}
	stopOnce sync.Once
}

// NewManager creates a job manager and starts its clean-up routine.
// publisher and m may be nil.
func NewManager(config Config, client Recognizer, publisher Publisher, m *metrics.Metrics, logger *slog.Logger) (*Manager, error) {
	if client == nil {
		return nil, fmt.Errorf("recognizer cannot be nil")
	}
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if config.PollingInterval <= 0 {
		config.PollingInterval = time.Second
	}
	if config.Retention <= 0 {
		config.Retention = time.Hour
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	mgr := &Manager{
		config:    config,
		client:    client,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		events:    NewEventLog(config.EventHistory),
		jobs:      make(map[string]*Job),
		ctx:       ctx,
		cancel:    cancel,
		cleanup:   make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr, nil
}

// Initiate validates the request, uploads the media and submits a recognition job.
// Nothing is sent to the provider when validation fails.
func (m *Manager) Initiate(ctx context.Context, upload Upload, opts recognition.Options) (Job, error) {
	if len(upload.Data) == 0 {
		return Job{}, fmt.Errorf("%w: file is empty", ErrInvalidRequest)
	}
	if int64(len(upload.Data)) > m.config.MaxUploadBytes {
		return Job{}, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrUploadTooLarge, len(upload.Data), m.config.MaxUploadBytes)
	}
	if err := opts.Validate(); err != nil {
		return Job{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	contentType := detectContentType(upload)
	sum := blake3.Sum256(upload.Data)
	checksum := hex.EncodeToString(sum[:])

	file, err := m.client.Upload(ctx, upload.Data, contentType)
	if err != nil {
		return Job{}, fmt.Errorf("failed to upload %s: %w", upload.Name, err)
	}

	taskID, err := m.client.Submit(ctx, file, opts)
	if err != nil {
		return Job{}, fmt.Errorf("failed to submit %s: %w", upload.Name, err)
	}

	now := time.Now()
	job := &Job{
		ID:          taskID,
		FileName:    upload.Name,
		ContentType: contentType,
		Size:        int64(len(upload.Data)),
		Checksum:    checksum,
		Status:      recognition.StateNew,
		Options:     opts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	m.mu.Lock()
	m.jobs[taskID] = job
	snapshot := *job
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordJobSubmitted(len(upload.Data))
	}

	m.logger.Info("Recognition job registered",
		slog.String("job_id", taskID),
		slog.String("file_name", upload.Name),
		slog.Int64("size", snapshot.Size),
		slog.String("checksum", checksum),
	)

	m.emit(Event{JobID: taskID, Type: EventTypeStatus, Status: recognition.StateNew})
	return snapshot, nil
}

// CheckStatus performs one status check and applies it to the job. Status
// reports that would move the job backwards are ignored. Jobs this manager
// does not know, such as ones already cleaned up, are checked with the
// provider and returned without being registered.
func (m *Manager) CheckStatus(ctx context.Context, jobID string) (Job, error) {
	status, err := m.client.PollOnce(ctx, jobID)
	if err != nil {
		return Job{}, fmt.Errorf("failed to check job %s: %w", jobID, err)
	}

	job, known, changed := m.apply(jobID, status)
	if !known {
		m.logger.Debug("Checked unregistered job",
			slog.String("job_id", jobID),
			slog.String("status", string(status.State)),
		)
		return job, nil
	}
	if changed {
		m.emit(Event{JobID: jobID, Type: EventTypeStatus, Status: job.Status, Message: job.ErrorDetail})
	}
	return job, nil
}

// apply records status on a registered job and reports whether the job is
// registered and whether it changed. An unregistered job is built from
// status alone.
func (m *Manager) apply(jobID string, status recognition.Status) (Job, bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	registered, ok := m.jobs[jobID]
	if !ok {
		return Job{
			ID:             jobID,
			Status:         status.State,
			ResponseFileID: status.ResponseFileID,
			ErrorDetail:    status.Error,
			UpdatedAt:      time.Now(),
		}, false, false
	}
	current, changed := m.advance(registered, status)
	return current, true, changed
}

// advance moves job forward to status. The caller holds mu.
func (m *Manager) advance(job *Job, status recognition.Status) (Job, bool) {
	jobID := job.ID

	if !job.Status.CanAdvanceTo(status.State) {
		m.logger.Warn("Ignoring status regression",
			slog.String("job_id", jobID),
			slog.String("current", string(job.Status)),
			slog.String("reported", string(status.State)),
		)
		return *job, false
	}
	if job.Status == status.State {
		return *job, false
	}

	job.Status = status.State
	job.UpdatedAt = time.Now()
	if status.ResponseFileID != "" {
		job.ResponseFileID = status.ResponseFileID
	}
	if status.Error != "" {
		job.ErrorDetail = status.Error
	}

	m.logger.Info("Recognition job status changed",
		slog.String("job_id", jobID),
		slog.String("status", string(job.Status)),
	)

	if job.Status.Terminal() && m.metrics != nil {
		m.metrics.RecordJobFinished(string(job.Status), job.UpdatedAt.Sub(job.CreatedAt).Seconds())
	}
	return *job, true
}

// FetchResult downloads a finished result and renders it as text.
func (m *Manager) FetchResult(ctx context.Context, responseFileID string, separateSpeakers bool) (Transcript, error) {
	result, err := m.client.DownloadResult(ctx, responseFileID)
	if err != nil {
		return Transcript{}, fmt.Errorf("failed to fetch result %s: %w", responseFileID, err)
	}

	text := transcript.Normalize(result, transcript.Options{
		SeparateSpeakers: separateSpeakers,
		SuppressRepeats:  m.config.SuppressRepeats,
		Speakers:         m.config.Speakers,
	})

	return Transcript{
		Text:            text,
		Result:          result,
		SegmentCount:    result.Len(),
		DurationSeconds: decimal.New(result.EndMs(), -3).InexactFloat64(),
	}, nil
}

// Track polls the job in the background until it is terminal, then fetches
// its result and emits a result or error event. Tracking an already tracked
// job is a no-op.
func (m *Manager) Track(jobID string, separateSpeakers bool) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrStopped
	}
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if job.Tracked {
		m.mu.Unlock()
		return nil
	}
	job.Tracked = true
	m.trackers.Add(1)
	m.mu.Unlock()

	m.updateActiveJobs()
	go m.track(jobID, separateSpeakers)
	return nil
}

func (m *Manager) track(jobID string, separateSpeakers bool) {
	defer m.trackers.Done()
	defer m.untrack(jobID)

	m.logger.Debug("Tracking recognition job",
		slog.String("job_id", jobID),
		slog.Duration("interval", m.config.PollingInterval),
	)

	for {
		job, err := m.CheckStatus(m.ctx, jobID)
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			m.emitError(jobID, err)
			return
		}

		switch job.Status {
		case recognition.StateDone:
			result, err := m.FetchResult(m.ctx, job.ResponseFileID, separateSpeakers)
			if err != nil {
				if m.ctx.Err() != nil {
					return
				}
				m.emitError(jobID, err)
				return
			}
			m.emit(Event{JobID: jobID, Type: EventTypeResult, Status: job.Status, Text: result.Text})
			return
		case recognition.StateError:
			m.emit(Event{JobID: jobID, Type: EventTypeError, Status: job.Status, Message: job.ErrorDetail, Kind: "job"})
			return
		}

		timer := time.NewTimer(m.config.PollingInterval)
		select {
		case <-m.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (m *Manager) untrack(jobID string) {
	m.mu.Lock()
	if job, ok := m.jobs[jobID]; ok {
		job.Tracked = false
	}
	m.mu.Unlock()
	m.updateActiveJobs()
}

func (m *Manager) updateActiveJobs() {
	if m.metrics == nil {
		return
	}
	m.mu.RLock()
	count := 0
	for _, job := range m.jobs {
		if job.Tracked {
			count++
		}
	}
	m.mu.RUnlock()
	m.metrics.SetActiveJobs(count)
}

// Get returns a snapshot of one job.
func (m *Manager) Get(jobID string) (Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return *job, nil
}

// List returns all known jobs, oldest first.
func (m *Manager) List() []Job {
	m.mu.RLock()
	jobs := make([]Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, *job)
	}
	m.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs
}

// Events returns buffered events newer than seq.
func (m *Manager) Events(since int64) []Event {
	return m.events.Since(since)
}

// Stop cancels trackers and the clean-up routine and waits for them.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.logger.Info("Stopping job manager")
		m.mu.Lock()
		m.stopped = true
		m.mu.Unlock()
		m.cancel()
		m.trackers.Wait()
		<-m.cleanup
		m.logger.Info("Job manager stopped")
	})
}

func (m *Manager) emit(event Event) {
	event = m.events.Append(event)
	if m.publisher != nil {
		m.publisher.Publish(event)
	}
}

func (m *Manager) emitError(jobID string, err error) {
	m.logger.Error("Recognition job failed",
		slog.String("job_id", jobID),
		slog.String("kind", recognition.KindOf(err)),
		slog.String("error", err.Error()),
	)
	m.emit(Event{JobID: jobID, Type: EventTypeError, Message: err.Error(), Kind: recognition.KindOf(err)})
}

func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	m.logger.Info("Job cleanup routine started",
		slog.Duration("retention", m.config.Retention),
		slog.Duration("check_interval", m.config.CleanupInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Job cleanup routine stopping")
			return

		case <-ticker.C:
			m.cleanupExpiredJobs(time.Now())
		}
	}
}

// cleanupExpiredJobs forgets terminal jobs not updated within the retention period.
func (m *Manager) cleanupExpiredJobs(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, job := range m.jobs {
		if job.Tracked || !job.Status.Terminal() {
			continue
		}
		if now.Sub(job.UpdatedAt) > m.config.Retention {
			delete(m.jobs, id)
			removed++
		}
	}

	if removed > 0 {
		m.logger.Info("Cleaned up expired jobs",
			slog.Int("expired_count", removed),
			slog.Int("remaining", len(m.jobs)),
		)
	}
	return removed
}

func detectContentType(upload Upload) string {
	if upload.ContentType != "" {
		return upload.ContentType
	}
	if ct := mime.TypeByExtension(filepath.Ext(upload.Name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
