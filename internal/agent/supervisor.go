// Package agent supervises AI coding-agent subprocesses fronted by an
// agentapi server: detection, installation, start/stop/restart/switch
// and continuous monitoring.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hollis-dev/agentbridge/internal/config"
	"github.com/hollis-dev/agentbridge/internal/executil"
	"github.com/hollis-dev/agentbridge/internal/logging"
	"github.com/hollis-dev/agentbridge/internal/resource"
)

// stopVerifyTimeout bounds the post-stop liveness re-check and the wait
// for a force-killed child to exit.
const stopVerifyTimeout = 2 * time.Second

// Status of one agent as the supervisor sees it.
type Status string

const (
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusStopping Status = "stopping"
	StatusUnknown  Status = "unknown"
)

// Info is a point-in-time snapshot of one agent.
type Info struct {
	Type               config.AgentType `json:"type"`
	Status             Status           `json:"status"`
	Installed          bool             `json:"installed"`
	Path               string           `json:"path,omitempty"`
	Version            string           `json:"version,omitempty"`
	PID                int              `json:"pid,omitempty"`
	Port               int              `json:"port,omitempty"`
	RequiresCredential bool             `json:"requires_credential"`
	CredentialPresent  bool             `json:"credential_present"`
	StartedAt          time.Time        `json:"started_at,omitzero"`
}

// category is one lifecycle operation class. Each category serializes
// against itself; different categories on different agents may overlap.
type category int

const (
	catDetect category = iota
	catInstall
	catStart
	catStop
	catSwitch
	catRestart
	catMonitor
	catCount
)

// Supervisor owns agent lifecycle. Locking is category lock first, then
// the per-agent lock, released in reverse order.
type Supervisor struct {
	cfg     *config.Config
	tracker *resource.Tracker
	logger  *slog.Logger

	// validate is the liveness check, swappable in tests.
	validate func(ctx context.Context, t config.AgentType) bool

	// settleDelay is the pause between stop and start on restart, giving
	// the old server time to release the port.
	settleDelay time.Duration

	catMu   [catCount]sync.Mutex
	agentMu map[config.AgentType]*sync.Mutex

	mu     sync.Mutex
	procs  map[config.AgentType]*Process
	status map[config.AgentType]Info
	active config.AgentType

	opMu    sync.Mutex
	ops     map[string]Operation
	opGrace time.Duration
}

// NewSupervisor wires a supervisor to one Agent API endpoint.
func NewSupervisor(cfg *config.Config, v *Validator, tracker *resource.Tracker) *Supervisor {
	s := &Supervisor{
		cfg:         cfg,
		tracker:     tracker,
		logger:      logging.With("component", "supervisor"),
		settleDelay: 500 * time.Millisecond,
		agentMu:     make(map[config.AgentType]*sync.Mutex),
		procs:       make(map[config.AgentType]*Process),
		status:      make(map[config.AgentType]Info),
		ops:         make(map[string]Operation),
		opGrace:     5 * time.Minute,
	}
	s.validate = func(ctx context.Context, t config.AgentType) bool {
		return v.Alive(ctx, t)
	}
	for _, t := range config.KnownAgentTypes {
		s.agentMu[t] = &sync.Mutex{}
	}
	return s
}

// lock takes the category lock then the agent lock. The returned func
// releases both in reverse order.
func (s *Supervisor) lock(cat category, t config.AgentType) func() {
	s.catMu[cat].Lock()
	am := s.agentMu[t]
	if am == nil {
		return func() { s.catMu[cat].Unlock() }
	}
	am.Lock()
	return func() {
		am.Unlock()
		s.catMu[cat].Unlock()
	}
}

// Active returns the agent type currently fronted by the server, empty
// when none has been started by this supervisor.
func (s *Supervisor) Active() config.AgentType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// DetectAll probes every known agent concurrently. Individual probe
// failures degrade that agent to unknown instead of failing the sweep.
// Each probe gets half the detect timeout.
func (s *Supervisor) DetectAll(ctx context.Context) (map[config.AgentType]Info, error) {
	s.catMu[catDetect].Lock()
	defer s.catMu[catDetect].Unlock()

	opID := s.beginOp("detect", "")
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Monitor.Timeouts.Detect)
	defer cancel()

	perAgent := s.cfg.Monitor.Timeouts.Detect / 2

	results := make(map[config.AgentType]Info, len(config.KnownAgentTypes))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range config.KnownAgentTypes {
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, perAgent)
			defer cancel()

			info := s.detectOne(probeCtx, t)
			mu.Lock()
			results[t] = info
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		detErr := &DetectionError{Err: err}
		s.endOp(opID, detErr)
		return nil, detErr
	}

	s.mu.Lock()
	for t, info := range results {
		s.status[t] = info
	}
	s.mu.Unlock()
	s.endOp(opID, nil)
	return results, nil
}

// detectOne probes one agent: binary on the sanitized PATH, a --version
// run, and whether it is the live agent behind the server.
func (s *Supervisor) detectOne(ctx context.Context, t config.AgentType) Info {
	info := Info{Type: t, Status: StatusStopped}
	info.RequiresCredential = len(config.CredentialEnvChain(t)) > 0
	if cred, _ := s.cfg.ResolveCredential(t); cred != "" {
		info.CredentialPresent = true
	}

	ac := s.cfg.Agent(t)
	binary := ac.Binary
	if binary == "" {
		binary = string(t)
	}

	path, err := executil.LookPath(binary)
	if err != nil {
		if t != config.AgentCustom || ac.Binary != "" {
			info.Status = StatusUnknown
		}
		return info
	}
	info.Installed = true
	info.Path = path
	info.Version = probeVersion(ctx, binary)

	if s.validate(ctx, t) {
		info.Status = StatusRunning
		info.Port = s.cfg.Server.Port
		s.mu.Lock()
		if p := s.procs[t]; p != nil {
			info.PID = p.PID()
		}
		s.mu.Unlock()
	}
	return info
}

func probeVersion(ctx context.Context, binary string) string {
	cmd, err := executil.CommandContext(ctx, binary, "--version")
	if err != nil {
		return ""
	}
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	if len(line) > 80 {
		line = line[:80]
	}
	return line
}

// GetStatus returns a fresh snapshot for one agent.
func (s *Supervisor) GetStatus(ctx context.Context, t config.AgentType) (Info, error) {
	if _, err := config.ParseAgentType(string(t)); err != nil {
		return Info{}, &DetectionError{Agent: t, Err: err}
	}
	unlock := s.lock(catDetect, t)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Monitor.Timeouts.Detect/2)
	defer cancel()

	info := s.detectOne(ctx, t)
	s.mu.Lock()
	s.status[t] = info
	s.mu.Unlock()
	return info, nil
}

// Install runs the agent's installer under the install timeout.
func (s *Supervisor) Install(ctx context.Context, t config.AgentType) error {
	if _, err := config.ParseAgentType(string(t)); err != nil {
		return &InstallError{Agent: t, Err: err}
	}
	unlock := s.lock(catInstall, t)
	defer unlock()

	opID := s.beginOp("install", t)
	var opErr error
	defer func() { s.endOp(opID, opErr) }()

	ac := s.cfg.Agent(t)
	if ac.InstallCommand == "" {
		opErr = &InstallError{Agent: t, Err: errors.New("no install command configured")}
		return opErr
	}

	timeout := s.cfg.Monitor.Timeouts.Install
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.logger.Info("installing agent", "agent", t, "command", ac.InstallCommand)
	cmd, err := executil.CommandContext(ctx, "sh", "-c", ac.InstallCommand)
	if err != nil {
		opErr = &InstallError{Agent: t, Err: err}
		return opErr
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			opErr = &TimeoutError{Agent: t, Op: "install", Timeout: timeout}
		} else {
			opErr = &InstallError{Agent: t, Stderr: tail(stderr.String(), 400), Err: err}
		}
		return opErr
	}
	s.logger.Info("agent installed", "agent", t)
	return nil
}

// Start launches the agentapi server for an agent. Already-running and
// validated agents return immediately. Starting an uninstalled agent is
// a StartError, as is a missing credential after the env fallback chain.
func (s *Supervisor) Start(ctx context.Context, t config.AgentType) (Info, error) {
	if _, err := config.ParseAgentType(string(t)); err != nil {
		return Info{}, &StartError{Agent: t, Err: err}
	}
	unlock := s.lock(catStart, t)
	defer unlock()

	opID := s.beginOp("start", t)
	info, err := s.startLocked(ctx, t)
	s.endOp(opID, err)
	return info, err
}

// startLocked is Start for callers already holding a category and agent
// lock (restart, switch).
func (s *Supervisor) startLocked(ctx context.Context, t config.AgentType) (Info, error) {
	timeout := s.cfg.Monitor.Timeouts.Start
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	info := s.detectOne(ctx, t)
	if !info.Installed {
		return Info{}, &StartError{Agent: t, Err: errors.New("agent is not installed")}
	}
	if info.Status == StatusRunning {
		s.logger.Info("agent already running", "agent", t)
		return info, nil
	}

	credential, chain := s.cfg.ResolveCredential(t)
	if credential == "" {
		return Info{}, &StartError{
			Agent: t,
			Err:   fmt.Errorf("no credential configured and none of %s set", strings.Join(chain, ", ")),
		}
	}
	credentialEnv := ""
	if envs := config.CredentialEnvChain(t); len(envs) > 0 {
		credentialEnv = envs[0]
	}

	ac := s.cfg.Agent(t)
	binary := ac.Binary
	if binary == "" {
		binary = string(t)
	}

	spec := ServerSpec{
		Binary:        s.cfg.Server.Binary,
		Port:          s.cfg.Server.Port,
		Agent:         t,
		AgentBinary:   binary,
		Model:         ac.Model,
		ConfigFile:    ac.ConfigFile,
		Provider:      ac.Provider,
		Credential:    credential,
		CredentialEnv: credentialEnv,
	}

	s.logger.Info("starting agent", "agent", t, "port", spec.Port)
	// The child must outlive the start deadline, so it is not spawned
	// under the polling context.
	p, err := SpawnServer(context.Background(), spec)
	if err != nil {
		return Info{}, &StartError{Agent: t, Err: err}
	}

	key := processKey(t)
	if err := s.tracker.RegisterProcess(key, p); err != nil {
		p.Kill()
		return Info{}, &StartError{Agent: t, Err: err}
	}

	s.mu.Lock()
	s.procs[t] = p
	s.status[t] = Info{Type: t, Status: StatusStarting, Installed: true, PID: p.PID(), Port: spec.Port}
	s.mu.Unlock()

	// Poll for liveness with adaptive backoff: 1s growing 1.5x, capped
	// at 5s, until validation, child exit, or deadline.
	delay := time.Second
	for {
		select {
		case <-p.Done():
			stderr := p.StderrTail()
			s.clearProcess(t)
			return Info{}, &StartError{
				Agent:  t,
				Stderr: stderr,
				Err:    fmt.Errorf("server exited with code %d during startup", p.ExitCode()),
			}
		case <-ctx.Done():
			s.logger.Warn("start deadline exceeded, terminating", "agent", t)
			stopCtx, stopCancel := context.WithTimeout(context.Background(), s.cfg.Monitor.Timeouts.Stop)
			_ = s.tracker.StopProcess(stopCtx, key)
			stopCancel()
			s.clearProcess(t)
			return Info{}, &TimeoutError{Agent: t, Op: "start", Timeout: timeout}
		case <-time.After(delay):
		}

		if s.validate(ctx, t) {
			full := Info{
				Type: t, Status: StatusRunning, Installed: true,
				Path: info.Path, Version: info.Version,
				PID: p.PID(), Port: spec.Port, StartedAt: time.Now(),
				RequiresCredential: info.RequiresCredential,
				CredentialPresent:  true,
			}
			s.mu.Lock()
			s.status[t] = full
			s.active = t
			s.mu.Unlock()
			s.logger.Info("agent started", "agent", t, "pid", p.PID())
			return full, nil
		}

		delay = time.Duration(float64(delay) * 1.5)
		if delay > 5*time.Second {
			delay = 5 * time.Second
		}
	}
}

// Stop terminates an agent's server. Stopping an agent that is not
// running is not an error: the stopped snapshot comes back untouched,
// and nothing is signalled.
func (s *Supervisor) Stop(ctx context.Context, t config.AgentType) (Info, error) {
	if _, err := config.ParseAgentType(string(t)); err != nil {
		return Info{}, &StopError{Agent: t, Err: err}
	}
	unlock := s.lock(catStop, t)
	defer unlock()

	opID := s.beginOp("stop", t)
	info, err := s.stopLocked(ctx, t)
	s.endOp(opID, err)
	return info, err
}

func (s *Supervisor) stopLocked(ctx context.Context, t config.AgentType) (Info, error) {
	timeout := s.cfg.Monitor.Timeouts.Stop
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.mu.Lock()
	p := s.procs[t]
	s.mu.Unlock()

	if p == nil {
		if !s.validate(ctx, t) {
			info := Info{Type: t, Status: StatusStopped}
			s.mu.Lock()
			s.status[t] = info
			s.mu.Unlock()
			return info, nil
		}
		// Alive but not ours: nothing to signal.
		return Info{}, &StopError{Agent: t, Err: errors.New("agent is running but not managed by this supervisor")}
	}

	s.mu.Lock()
	s.status[t] = Info{Type: t, Status: StatusStopping, PID: p.PID()}
	s.mu.Unlock()

	s.logger.Info("stopping agent", "agent", t, "pid", p.PID())
	err := s.tracker.StopProcess(ctx, processKey(t))
	if ctx.Err() != nil {
		// Deadline expired mid-escalation, so the ladder may have been
		// cut short with the child still alive and already unregistered.
		// Force-kill before reporting: a timed-out stop must never leave
		// the process running.
		s.logger.Warn("stop deadline exceeded, force killing", "agent", t, "pid", p.PID())
		_ = p.Kill()
		select {
		case <-p.Done():
		case <-time.After(stopVerifyTimeout):
		}
		s.clearProcess(t)
		return Info{}, &TimeoutError{Agent: t, Op: "stop", Timeout: timeout}
	}
	if err != nil {
		s.clearProcess(t)
		return Info{}, &StopError{Agent: t, Err: err}
	}

	// Re-validate on a fresh deadline: the stop context may be nearly
	// spent, and a check that fails only because its context expired
	// would pass for a dead server.
	vctx, vcancel := context.WithTimeout(context.Background(), stopVerifyTimeout)
	defer vcancel()
	if s.validate(vctx, t) {
		s.clearProcess(t)
		return Info{}, &StopError{Agent: t, Err: errors.New("server still responding after kill")}
	}

	s.clearProcess(t)
	info := Info{Type: t, Status: StatusStopped, Installed: true}
	s.mu.Lock()
	s.status[t] = info
	if s.active == t {
		s.active = ""
	}
	s.mu.Unlock()
	s.logger.Info("agent stopped", "agent", t)
	return info, nil
}

// Restart stops then starts an agent under the restart timeout. A
// not-running agent just starts.
func (s *Supervisor) Restart(ctx context.Context, t config.AgentType) (info Info, err error) {
	if _, perr := config.ParseAgentType(string(t)); perr != nil {
		return Info{}, &RestartError{Agent: t, Err: perr}
	}
	unlock := s.lock(catRestart, t)
	defer unlock()

	opID := s.beginOp("restart", t)
	defer func() { s.endOp(opID, err) }()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Monitor.Timeouts.Restart)
	defer cancel()

	if _, err := s.stopLocked(ctx, t); err != nil {
		return Info{}, &RestartError{Agent: t, Err: err}
	}

	// Let the old server release the port before the new one binds it.
	select {
	case <-ctx.Done():
		return Info{}, &RestartError{Agent: t, Err: ctx.Err()}
	case <-time.After(s.settleDelay):
	}

	info, err = s.startLocked(ctx, t)
	if err != nil {
		return Info{}, &RestartError{Agent: t, Err: err}
	}
	return info, nil
}

// SwitchTo makes target the active agent. Switching to the already
// active, validated agent is a no-op success.
func (s *Supervisor) SwitchTo(ctx context.Context, target config.AgentType) (info Info, err error) {
	if _, perr := config.ParseAgentType(string(target)); perr != nil {
		return Info{}, &SwitchError{To: target, Err: perr}
	}
	s.catMu[catSwitch].Lock()
	defer s.catMu[catSwitch].Unlock()

	opID := s.beginOp("switch", target)
	defer func() { s.endOp(opID, err) }()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Monitor.Timeouts.Switch)
	defer cancel()

	current := s.Active()
	if current == target && s.validate(ctx, target) {
		s.logger.Info("switch is a no-op, target already active", "agent", target)
		s.mu.Lock()
		info := s.status[target]
		s.mu.Unlock()
		return info, nil
	}

	if current != "" && current != target {
		am := s.agentMu[current]
		am.Lock()
		_, err := s.stopLocked(ctx, current)
		am.Unlock()
		if err != nil {
			return Info{}, &SwitchError{From: current, To: target, Err: err}
		}
	}

	am := s.agentMu[target]
	am.Lock()
	info, err = s.startLocked(ctx, target)
	am.Unlock()
	if err != nil {
		return Info{}, &SwitchError{From: current, To: target, Err: err}
	}
	return info, nil
}

func (s *Supervisor) clearProcess(t config.AgentType) {
	s.mu.Lock()
	delete(s.procs, t)
	s.mu.Unlock()
	s.tracker.Unregister(processKey(t))
}

func processKey(t config.AgentType) string {
	return "agent-server:" + string(t)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
