package agent

import (
	"context"
	"log/slog"

	"github.com/hollis-dev/agentbridge/internal/apiclient"
	"github.com/hollis-dev/agentbridge/internal/config"
	"github.com/hollis-dev/agentbridge/internal/logging"
)

// Validator answers "is agent t the one live behind the server?" using a
// chain of heuristics, strongest first:
//
//  1. the /status agentType field matches,
//  2. recent message content carries the agent's fingerprints,
//  3. a direct agent-type query answers with a fingerprint,
//  4. the server answers at all (any status < 500) and t is the
//     configured expectation.
//
// Step 4 is a weak positive by construction: a different agent occupying
// the port would pass it. That imprecision is accepted; the alternative
// is calling a healthy server dead whenever it predates the agentType
// field.
type Validator struct {
	api    *apiclient.Client
	cfg    *config.Config
	logger *slog.Logger
}

// NewValidator builds a validator over one API client.
func NewValidator(api *apiclient.Client, cfg *config.Config) *Validator {
	return &Validator{
		api:    api,
		cfg:    cfg,
		logger: logging.With("component", "validator"),
	}
}

// Alive reports whether agent t is live behind the server.
func (v *Validator) Alive(ctx context.Context, t config.AgentType) bool {
	alive, _ := v.Check(ctx, t)
	return alive
}

// Check is Alive with the deciding heuristic named, for logs and tests.
func (v *Validator) Check(ctx context.Context, t config.AgentType) (bool, string) {
	detected, err := v.api.DetectAgentType(ctx, false)
	if err == nil {
		if detected == t {
			return true, "identity"
		}
		if detected != "" {
			return false, "identity-mismatch"
		}
		// Reachable but anonymous server: trust the configured
		// expectation, weakly.
		if _, configured := v.cfg.Agents[t]; configured {
			return true, "connectivity"
		}
		return false, "unidentified"
	}
	v.logger.Debug("identity check failed", "agent", t, "error", err)

	// /status may have failed transiently; a bare probe still counts
	// as the weak positive when the type is the configured one.
	if _, perr := v.api.Ping(ctx); perr == nil {
		if _, configured := v.cfg.Agents[t]; configured {
			return true, "connectivity"
		}
		return false, "unidentified"
	}
	return false, "unreachable"
}
