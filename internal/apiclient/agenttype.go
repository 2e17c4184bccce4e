package apiclient

import (
	"context"
	"strings"
	"time"

	"github.com/hollis-dev/agentbridge/internal/config"
)

// agentFingerprints are lowercase substrings that identify an agent from
// its message output. Ordered map iteration doesn't matter here: the
// chains are disjoint enough that the first hit wins per message.
var agentFingerprints = map[config.AgentType][]string{
	config.AgentClaude: {"claude", "anthropic"},
	config.AgentGoose:  {"goose", "( o)>"},
	config.AgentAider:  {"aider"},
	config.AgentCodex:  {"codex", "openai codex"},
}

// DetectAgentType works out which agent is behind the server, trying
// strategies from cheapest to most intrusive:
//
//  1. the /status agentType field (newer servers),
//  2. fingerprints in recent message content,
//  3. when probe is set, a direct "which agent are you" message followed
//     by a short poll of the conversation.
//
// Returns "" without error when no strategy produced an answer; callers
// treat that as inconclusive, not as failure.
func (c *Client) DetectAgentType(ctx context.Context, probe bool) (config.AgentType, error) {
	info, err := c.Status(ctx)
	if err != nil {
		return "", err
	}
	if info.AgentType != "" {
		if t, perr := config.ParseAgentType(info.AgentType); perr == nil {
			return t, nil
		}
	}

	msgs, err := c.Messages(ctx)
	if err == nil {
		if t := fingerprintMessages(msgs); t != "" {
			return t, nil
		}
	}

	if !probe {
		return "", nil
	}

	if err := c.SendMessage(ctx, "Which AI coding agent are you? Answer with just your name.", MessageTypeUser); err != nil {
		return "", nil
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
		msgs, err := c.Messages(ctx)
		if err != nil {
			continue
		}
		if t := fingerprintMessages(msgs); t != "" {
			return t, nil
		}
	}
	return "", nil
}

// fingerprintMessages scans agent-authored messages newest-first for a
// known fingerprint.
func fingerprintMessages(msgs []Message) config.AgentType {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			continue
		}
		content := strings.ToLower(msgs[i].Content)
		for agent, marks := range agentFingerprints {
			for _, mark := range marks {
				if strings.Contains(content, mark) {
					return agent
				}
			}
		}
	}
	return ""
}
