package jobs

import (
	"sync"
	"time"

	"github.com/bazhil/SpeechTranscriber/internal/recognition"
)

// EventType classifies messages emitted while a job progresses.
type EventType string

const (
	EventTypeStatus EventType = "status"
	EventTypeResult EventType = "result"
	EventTypeError  EventType = "error"
)

// Event is a sequenced notification about one job.
type Event struct {
	Seq       int64                `json:"seq"`
	Timestamp time.Time            `json:"timestamp"`
	JobID     string               `json:"job_id"`
	Type      EventType            `json:"type"`
	Status    recognition.JobState `json:"status,omitempty"`
	Message   string               `json:"message,omitempty"`
	Kind      string               `json:"kind,omitempty"`
	Text      string               `json:"text,omitempty"`
}

// Publisher receives events as they are emitted.
type Publisher interface {
	Publish(event Event)
}

// EventLog keeps a bounded history of events and assigns their sequence numbers.
type EventLog struct {
	mu        sync.RWMutex
	nextSeq   int64
	maxEvents int
	events    []Event
}

// NewEventLog creates a bounded in-memory event buffer.
func NewEventLog(maxEvents int) *EventLog {
	if maxEvents <= 0 {
		maxEvents = 500
	}

	return &EventLog{
		maxEvents: maxEvents,
		events:    make([]Event, 0, maxEvents),
	}
}

// Append stores one event, assigning sequence and timestamp.
func (l *EventLog) Append(event Event) Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextSeq++
	event.Seq = l.nextSeq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		trim := len(l.events) - l.maxEvents
		l.events = append([]Event(nil), l.events[trim:]...)
	}

	return event
}

// Since returns events with sequence strictly greater than seq, oldest first.
func (l *EventLog) Since(seq int64) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Event, 0, len(l.events))
	for _, event := range l.events {
		if event.Seq > seq {
			out = append(out, event)
		}
	}
	return out
}
