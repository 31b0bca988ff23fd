package httpclient

import (
	"sync"
	"time"
)

// Stats accumulates the attempts reported by a Client. Register Observe
// with WithObserver.
type Stats struct {
	mu              sync.Mutex
	attempts        uint64
	retries         uint64
	transportErrors uint64
	retriedStatuses uint64
	totalTime       time.Duration
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Attempts        uint64        `json:"attempts"`
	Retries         uint64        `json:"retries"`
	TransportErrors uint64        `json:"transport_errors"`
	RetriedStatuses uint64        `json:"retried_statuses"`
	AvgAttemptTime  time.Duration `json:"avg_attempt_time"`
}

// NewStats creates an empty accumulator.
func NewStats() *Stats {
	return &Stats{}
}

// Observe records one attempt.
func (s *Stats) Observe(a Attempt) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts++
	if a.Number > 1 {
		s.retries++
	}
	if a.Err != nil {
		s.transportErrors++
	} else if a.Delay > 0 {
		s.retriedStatuses++
	}
	s.totalTime += a.Duration
}

// Snapshot returns the current totals.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := StatsSnapshot{
		Attempts:        s.attempts,
		Retries:         s.retries,
		TransportErrors: s.transportErrors,
		RetriedStatuses: s.retriedStatuses,
	}
	if s.attempts > 0 {
		snapshot.AvgAttemptTime = s.totalTime / time.Duration(s.attempts)
	}
	return snapshot
}
