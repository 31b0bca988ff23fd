package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bazhil/SpeechTranscriber/internal/httpclient"
)

func TestRecordProviderAttempt(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordProviderAttempt(httpclient.Attempt{Method: "GET", Endpoint: "/task:get", StatusCode: 503, Delay: time.Second})
	m.RecordProviderAttempt(httpclient.Attempt{Method: "GET", Endpoint: "/task:get", StatusCode: 200})
	m.RecordProviderAttempt(httpclient.Attempt{Method: "POST", Endpoint: "/data:upload", Err: errors.New("reset")})

	if got := testutil.ToFloat64(m.ProviderAttempts.WithLabelValues("GET", "/task:get", "503")); got != 1 {
		t.Errorf("Expected 1 attempt with 503, got %v", got)
	}
	if got := testutil.ToFloat64(m.ProviderAttempts.WithLabelValues("POST", "/data:upload", "error")); got != 1 {
		t.Errorf("Expected 1 failed upload attempt, got %v", got)
	}
	if got := testutil.ToFloat64(m.ProviderRetries.WithLabelValues("/task:get")); got != 1 {
		t.Errorf("Expected 1 retry, got %v", got)
	}
}

func TestRecordTokenRefresh(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordTokenRefresh(nil)
	m.RecordTokenRefresh(nil)
	m.RecordTokenRefresh(errors.New("denied"))

	if got := testutil.ToFloat64(m.TokenRefreshes.WithLabelValues("success")); got != 2 {
		t.Errorf("Expected 2 successful refreshes, got %v", got)
	}
	if got := testutil.ToFloat64(m.TokenRefreshes.WithLabelValues("failure")); got != 1 {
		t.Errorf("Expected 1 failed refresh, got %v", got)
	}
}

func TestRegistriesAreIndependent(t *testing.T) {
	a := NewMetrics(prometheus.NewRegistry())
	b := NewMetrics(prometheus.NewRegistry())

	a.RecordJobSubmitted(1024)
	a.RecordJobFinished("DONE", 12)

	if got := testutil.ToFloat64(a.JobsSubmitted); got != 1 {
		t.Errorf("Expected 1 submitted job, got %v", got)
	}
	if got := testutil.ToFloat64(b.JobsSubmitted); got != 0 {
		t.Errorf("Expected independent counter, got %v", got)
	}
}
