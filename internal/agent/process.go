package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/hollis-dev/agentbridge/internal/config"
	"github.com/hollis-dev/agentbridge/internal/executil"
)

const stderrTailLines = 40

// ServerSpec describes one `agentapi server` invocation.
type ServerSpec struct {
	Binary      string // agentapi executable
	Port        int
	Agent       config.AgentType
	AgentBinary string
	Model       string
	ConfigFile  string
	Provider    string

	// CredentialEnv / Credential inject the API key into the child
	// environment without it ever appearing in argv.
	CredentialEnv string
	Credential    string
}

// Args builds the agentapi command line: server flags first, then the
// agent command after the -- separator.
func (s ServerSpec) Args() []string {
	args := []string{"server", "--port", strconv.Itoa(s.Port), "--", s.AgentBinary}
	if s.Model != "" {
		args = append(args, "--model", s.Model)
	}
	if s.ConfigFile != "" {
		args = append(args, "--config", s.ConfigFile)
	}
	if s.Provider != "" {
		args = append(args, "--provider", s.Provider)
	}
	if s.Agent == config.AgentCodex {
		args = append(args, "--approval-mode", "suggest")
	}
	return args
}

// Process is a running agentapi server child.
type Process struct {
	cmd        *exec.Cmd
	stderrPipe io.ReadCloser

	done chan struct{}

	mu       sync.Mutex
	running  bool
	exitCode int
	pid      int
	stderr   []string // bounded tail for diagnostics
}

// SpawnServer starts an agentapi server for the given spec.
func SpawnServer(ctx context.Context, spec ServerSpec) (*Process, error) {
	cmd, err := executil.CommandContext(ctx, spec.Binary, spec.Args()...)
	if err != nil {
		return nil, err
	}
	if spec.Credential != "" && spec.CredentialEnv != "" {
		cmd.Env = append(cmd.Env, spec.CredentialEnv+"="+spec.Credential)
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = io.Discard

	if err := cmd.Start(); err != nil {
		stderrPipe.Close()
		return nil, fmt.Errorf("start %s: %w", spec.Binary, err)
	}

	p := &Process{
		cmd:        cmd,
		stderrPipe: stderrPipe,
		done:       make(chan struct{}),
		running:    true,
		pid:        cmd.Process.Pid,
		exitCode:   -1,
	}

	go p.stderrLoop()
	go p.waitLoop()
	return p, nil
}

// PID returns the child's process id.
func (p *Process) PID() int { return p.pid }

// Done closes when the child exits.
func (p *Process) Done() <-chan struct{} { return p.done }

// IsRunning reports whether the child is still alive.
func (p *Process) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// ExitCode is valid once Done has closed, -1 before.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// StderrTail returns the last captured stderr lines joined by newlines.
func (p *Process) StderrTail() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.Join(p.stderr, "\n")
}

// Signal delivers sig to the child.
func (p *Process) Signal(sig os.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running || p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(sig)
}

// Kill force-terminates the child.
func (p *Process) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running || p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// CloseStdio closes the pipes held to the child.
func (p *Process) CloseStdio() error {
	if p.stderrPipe != nil {
		return p.stderrPipe.Close()
	}
	return nil
}

func (p *Process) stderrLoop() {
	scanner := bufio.NewScanner(p.stderrPipe)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		p.mu.Lock()
		p.stderr = append(p.stderr, line)
		if len(p.stderr) > stderrTailLines {
			p.stderr = p.stderr[len(p.stderr)-stderrTailLines:]
		}
		p.mu.Unlock()
	}
}

func (p *Process) waitLoop() {
	_ = p.cmd.Wait()

	p.mu.Lock()
	p.running = false
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}
	p.mu.Unlock()

	close(p.done)
}
