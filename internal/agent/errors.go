package agent

import (
	"fmt"
	"time"

	"github.com/hollis-dev/agentbridge/internal/config"
)

// DetectionError reports a failed agent probe.
type DetectionError struct {
	Agent config.AgentType
	Err   error
}

func (e *DetectionError) Error() string {
	return fmt.Sprintf("detect %s: %v", e.Agent, e.Err)
}

func (e *DetectionError) Unwrap() error { return e.Err }

// InstallError reports a failed agent installation.
type InstallError struct {
	Agent  config.AgentType
	Stderr string
	Err    error
}

func (e *InstallError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("install %s: %v: %s", e.Agent, e.Err, e.Stderr)
	}
	return fmt.Sprintf("install %s: %v", e.Agent, e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }

// StartError reports a failed agent start. Stderr holds the tail of the
// server's stderr when the process died during startup.
type StartError struct {
	Agent  config.AgentType
	Stderr string
	Err    error
}

func (e *StartError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("start %s: %v: %s", e.Agent, e.Err, e.Stderr)
	}
	return fmt.Sprintf("start %s: %v", e.Agent, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// StopError reports an agent that would not stop.
type StopError struct {
	Agent config.AgentType
	Err   error
}

func (e *StopError) Error() string {
	return fmt.Sprintf("stop %s: %v", e.Agent, e.Err)
}

func (e *StopError) Unwrap() error { return e.Err }

// RestartError reports a failed restart, wrapping whichever phase broke.
type RestartError struct {
	Agent config.AgentType
	Err   error
}

func (e *RestartError) Error() string {
	return fmt.Sprintf("restart %s: %v", e.Agent, e.Err)
}

func (e *RestartError) Unwrap() error { return e.Err }

// SwitchError reports a failed agent switch.
type SwitchError struct {
	From config.AgentType
	To   config.AgentType
	Err  error
}

func (e *SwitchError) Error() string {
	return fmt.Sprintf("switch %s -> %s: %v", e.From, e.To, e.Err)
}

func (e *SwitchError) Unwrap() error { return e.Err }

// TimeoutError reports an operation that exceeded its deadline.
type TimeoutError struct {
	Agent   config.AgentType
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s: timed out after %v", e.Op, e.Agent, e.Timeout)
}
