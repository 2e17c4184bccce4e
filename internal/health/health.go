// Package health periodically folds API reachability, agent status and
// bridge uptime into one composite verdict.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hollis-dev/agentbridge/internal/apiclient"
	"github.com/hollis-dev/agentbridge/internal/logging"
)

// State of one component or of the whole system.
type State string

const (
	Healthy   State = "healthy"
	Degraded  State = "degraded"
	Unhealthy State = "unhealthy"
	Unknown   State = "unknown"
)

// HealthCheckError reports a check that failed to run (not an unhealthy
// verdict; an unhealthy target is a result, not an error).
type HealthCheckError struct {
	Check string
	Err   error
}

func (e *HealthCheckError) Error() string {
	return fmt.Sprintf("health check %s: %v", e.Check, e.Err)
}

func (e *HealthCheckError) Unwrap() error { return e.Err }

// Snapshot is one composite health observation.
type Snapshot struct {
	Overall    State         `json:"overall"`
	API        State         `json:"api"`
	APILatency time.Duration `json:"api_latency"`
	Agent      State         `json:"agent"`
	AgentState string        `json:"agent_state,omitempty"`
	Uptime     time.Duration `json:"uptime"`
	CheckedAt  time.Time     `json:"checked_at"`
}

// Monitor runs the periodic composite check.
type Monitor struct {
	api      *apiclient.Client
	interval time.Duration
	logger   *slog.Logger
	started  time.Time

	mu   sync.Mutex
	last Snapshot
}

// NewMonitor creates a monitor checking via the given client.
func NewMonitor(api *apiclient.Client, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		api:      api,
		interval: interval,
		logger:   logging.With("component", "health"),
		started:  time.Now(),
	}
}

// Run checks on the configured interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.CheckNow(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			snap := m.CheckNow(ctx)
			if snap.Overall != Healthy {
				m.logger.Warn("health degraded",
					"overall", snap.Overall, "api", snap.API, "agent", snap.Agent)
			}
		}
	}
}

// Last returns the most recent snapshot.
func (m *Monitor) Last() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// CheckNow runs one composite check and records the snapshot. A check
// that fails to run degrades the affected component and is logged; the
// snapshot itself is always produced.
func (m *Monitor) CheckNow(ctx context.Context) Snapshot {
	snap, err := m.check(ctx)
	if err != nil {
		m.logger.Debug("health check failed", "error", err)
	}

	m.mu.Lock()
	m.last = snap
	m.mu.Unlock()
	return snap
}

// check runs the component checks. The returned error is a
// HealthCheckError for the first check that failed to run; an unhealthy
// verdict alone is not an error.
func (m *Monitor) check(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{
		Uptime:    time.Since(m.started),
		CheckedAt: time.Now(),
	}
	var checkErr error

	latency, err := m.api.Ping(ctx)
	snap.APILatency = latency
	if err != nil {
		snap.API = Unhealthy
		checkErr = &HealthCheckError{Check: "api", Err: err}
	} else {
		snap.API = Healthy
	}

	if snap.API == Healthy {
		info, err := m.api.Status(ctx)
		if err != nil {
			snap.Agent = Unknown
			checkErr = &HealthCheckError{Check: "agent", Err: err}
		} else {
			snap.AgentState = info.Status
			switch info.Status {
			case "running", "stable":
				snap.Agent = Healthy
			case "":
				snap.Agent = Unknown
			default:
				snap.Agent = Unhealthy
			}
		}
	} else {
		snap.Agent = Unknown
	}

	// Own uptime: healthy once the monitor has been alive at all.
	self := Healthy

	switch {
	case snap.API == Healthy && snap.Agent == Healthy && self == Healthy:
		snap.Overall = Healthy
	case snap.API == Unhealthy || snap.Agent == Unhealthy:
		snap.Overall = Unhealthy
	default:
		snap.Overall = Degraded
	}

	return snap, checkErr
}
