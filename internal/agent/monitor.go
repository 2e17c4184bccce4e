package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/hollis-dev/agentbridge/internal/config"
)

// Monitor watches one agent until ctx is cancelled or the failure budget
// is spent. The check interval starts at poll cadence x interval factor
// (5s at the defaults) and backs off 1.5x per consecutive failure,
// capped by the configured failure cap. When a check fails and the agent
// has auto-reconnect enabled, the agent is restarted. After max
// consecutive failures the monitor gives up and returns the last error.
func (s *Supervisor) Monitor(ctx context.Context, t config.AgentType) error {
	if _, err := config.ParseAgentType(string(t)); err != nil {
		return &DetectionError{Agent: t, Err: err}
	}

	s.catMu[catMonitor].Lock()
	defer s.catMu[catMonitor].Unlock()

	base := time.Duration(s.cfg.Monitor.IntervalFactor) * s.cfg.Bridge.PollCadence
	if base <= 0 {
		base = 5 * time.Second
	}
	maxInterval := s.cfg.Monitor.FailureCap
	if maxInterval <= 0 {
		maxInterval = 60 * time.Second
	}
	maxFailures := s.cfg.Monitor.MaxFailures
	if maxFailures <= 0 {
		maxFailures = 5
	}

	autoReconnect := s.cfg.Agent(t).AutoReconnect
	interval := base
	failures := 0
	var lastErr error

	s.logger.Info("monitoring agent", "agent", t, "interval", base, "auto_reconnect", autoReconnect)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		if s.validate(ctx, t) {
			if failures > 0 {
				s.logger.Info("agent recovered", "agent", t, "after_failures", failures)
			}
			failures = 0
			interval = base
			continue
		}

		failures++
		lastErr = fmt.Errorf("liveness check failed (%d consecutive)", failures)
		s.logger.Warn("agent check failed", "agent", t, "failures", failures)

		if failures >= maxFailures {
			s.logger.Error("monitor giving up", "agent", t, "failures", failures)
			return &DetectionError{Agent: t, Err: lastErr}
		}

		if autoReconnect {
			if _, err := s.Restart(ctx, t); err != nil {
				s.logger.Warn("auto-reconnect restart failed", "agent", t, "error", err)
				lastErr = err
			} else {
				s.logger.Info("agent restarted by monitor", "agent", t)
				failures = 0
				interval = base
				continue
			}
		}

		interval = time.Duration(float64(interval) * 1.5)
		if interval > maxInterval {
			interval = maxInterval
		}
	}
}
