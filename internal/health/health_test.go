package health

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hollis-dev/agentbridge/internal/apiclient"
	"github.com/hollis-dev/agentbridge/internal/config"
)

func monitorFor(t *testing.T, handler http.Handler) *Monitor {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	api := apiclient.New(srv.URL, time.Second,
		config.RetryConfig{MaxAttempts: 1, Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1})
	return NewMonitor(api, time.Hour)
}

func TestHealthyWhenAllHealthy(t *testing.T) {
	m := monitorFor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"status":"stable"}`)
	}))

	snap := m.CheckNow(context.Background())
	if snap.Overall != Healthy {
		t.Errorf("overall = %v, want healthy (%+v)", snap.Overall, snap)
	}
	if snap.API != Healthy || snap.Agent != Healthy {
		t.Errorf("components = api %v agent %v", snap.API, snap.Agent)
	}
	if snap.APILatency <= 0 {
		t.Error("latency should be measured")
	}
}

func TestUnhealthyWhenAPIDown(t *testing.T) {
	api := apiclient.New("http://127.0.0.1:1", 100*time.Millisecond,
		config.RetryConfig{MaxAttempts: 1, Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1})
	m := NewMonitor(api, time.Hour)

	snap := m.CheckNow(context.Background())
	if snap.Overall != Unhealthy {
		t.Errorf("overall = %v, want unhealthy", snap.Overall)
	}
	if snap.Agent != Unknown {
		t.Errorf("agent should be unknown when API is down, got %v", snap.Agent)
	}
}

func TestDegradedWhenAgentUnknown(t *testing.T) {
	m := monitorFor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"status":""}`)
	}))

	snap := m.CheckNow(context.Background())
	if snap.Overall != Degraded {
		t.Errorf("overall = %v, want degraded (%+v)", snap.Overall, snap)
	}
}

func TestUnhealthyOnBadAgentState(t *testing.T) {
	m := monitorFor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"status":"crashed"}`)
	}))

	snap := m.CheckNow(context.Background())
	if snap.Overall != Unhealthy {
		t.Errorf("overall = %v, want unhealthy", snap.Overall)
	}
	if snap.AgentState != "crashed" {
		t.Errorf("agent state = %q", snap.AgentState)
	}
}

func TestCheckReturnsHealthCheckError(t *testing.T) {
	api := apiclient.New("http://127.0.0.1:1", 100*time.Millisecond,
		config.RetryConfig{MaxAttempts: 1, Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1})
	m := NewMonitor(api, time.Hour)

	_, err := m.check(context.Background())
	var hcErr *HealthCheckError
	if !errors.As(err, &hcErr) {
		t.Fatalf("expected HealthCheckError, got %v", err)
	}
	if hcErr.Check != "api" {
		t.Errorf("check = %q, want api", hcErr.Check)
	}

	healthy := monitorFor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"status":"stable"}`)
	}))
	if _, err := healthy.check(context.Background()); err != nil {
		t.Errorf("healthy checks returned error: %v", err)
	}
}

func TestLastReturnsMostRecent(t *testing.T) {
	m := monitorFor(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"status":"running"}`)
	}))

	if m.Last().CheckedAt.IsZero() != true {
		t.Error("expected zero snapshot before first check")
	}
	m.CheckNow(context.Background())
	if m.Last().Overall != Healthy {
		t.Errorf("Last = %+v", m.Last())
	}
}
