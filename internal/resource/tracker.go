// Package resource tracks processes, background tasks and other
// cleanables so shutdown can release everything, in order, even when
// individual teardowns fail.
package resource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/hollis-dev/agentbridge/internal/logging"
)

// ResourceError reports a tracker operation failure.
type ResourceError struct {
	Key string
	Op  string
	Err error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("resource %q: %s: %v", e.Key, e.Op, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// Proc is the control surface the tracker needs over an OS process.
type Proc interface {
	// Signal delivers sig to the process.
	Signal(sig os.Signal) error
	// Kill force-terminates the process.
	Kill() error
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// CloseStdio closes any pipes held open to the process.
	CloseStdio() error
}

// Task is a cancellable background goroutine.
type Task struct {
	Cancel context.CancelFunc
	Done   <-chan struct{}
}

// CleanupFunc releases a custom resource.
type CleanupFunc func(ctx context.Context) error

// Tracker holds every live resource under a unique key.
type Tracker struct {
	mu        sync.Mutex
	processes map[string]Proc
	tasks     map[string]Task
	custom    map[string]CleanupFunc
	logger    *slog.Logger

	// Grace periods between escalation steps when stopping a process.
	TermWait time.Duration
	IntWait  time.Duration
	KillWait time.Duration
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		processes: make(map[string]Proc),
		tasks:     make(map[string]Task),
		custom:    make(map[string]CleanupFunc),
		logger:    logging.With("component", "resource"),
		TermWait:  5 * time.Second,
		IntWait:   2 * time.Second,
		KillWait:  2 * time.Second,
	}
}

// RegisterProcess tracks a process. The key must be unused across all
// resource kinds.
func (t *Tracker) RegisterProcess(key string, p Proc) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.taken(key) {
		return &ResourceError{Key: key, Op: "register process", Err: errors.New("key already registered")}
	}
	t.processes[key] = p
	return nil
}

// RegisterTask tracks a cancellable goroutine.
func (t *Tracker) RegisterTask(key string, task Task) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.taken(key) {
		return &ResourceError{Key: key, Op: "register task", Err: errors.New("key already registered")}
	}
	t.tasks[key] = task
	return nil
}

// RegisterCleanup tracks an arbitrary cleanup function.
func (t *Tracker) RegisterCleanup(key string, fn CleanupFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.taken(key) {
		return &ResourceError{Key: key, Op: "register cleanup", Err: errors.New("key already registered")}
	}
	t.custom[key] = fn
	return nil
}

// Unregister drops a key without releasing anything.
func (t *Tracker) Unregister(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.processes, key)
	delete(t.tasks, key)
	delete(t.custom, key)
}

// Keys returns every registered key.
func (t *Tracker) Keys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, 0, len(t.processes)+len(t.tasks)+len(t.custom))
	for k := range t.processes {
		keys = append(keys, k)
	}
	for k := range t.tasks {
		keys = append(keys, k)
	}
	for k := range t.custom {
		keys = append(keys, k)
	}
	return keys
}

func (t *Tracker) taken(key string) bool {
	if _, ok := t.processes[key]; ok {
		return true
	}
	if _, ok := t.tasks[key]; ok {
		return true
	}
	_, ok := t.custom[key]
	return ok
}

// StopProcess walks the escalation ladder: SIGTERM, wait, SIGINT, wait,
// SIGKILL, wait. Stdio is closed and the key is unregistered no matter
// what happened; failures along the way are logged, not returned, except
// when the process survives SIGKILL.
func (t *Tracker) StopProcess(ctx context.Context, key string) error {
	t.mu.Lock()
	p, ok := t.processes[key]
	t.mu.Unlock()
	if !ok {
		return nil
	}

	defer func() {
		if err := p.CloseStdio(); err != nil {
			t.logger.Debug("close stdio", "key", key, "error", err)
		}
		t.Unregister(key)
	}()

	steps := []struct {
		name string
		sig  func() error
		wait time.Duration
	}{
		{"terminate", func() error { return p.Signal(syscall.SIGTERM) }, t.TermWait},
		{"interrupt", func() error { return p.Signal(syscall.SIGINT) }, t.IntWait},
		{"kill", p.Kill, t.KillWait},
	}

	for _, step := range steps {
		if err := step.sig(); err != nil {
			// Usually "process already finished".
			t.logger.Debug("signal failed", "key", key, "step", step.name, "error", err)
		}
		select {
		case <-p.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(step.wait):
			t.logger.Warn("process survived signal, escalating", "key", key, "step", step.name)
		}
	}

	return &ResourceError{Key: key, Op: "stop process", Err: errors.New("still running after SIGKILL")}
}

// CancelTask cancels a tracked goroutine and waits up to timeout for it
// to finish. The key is always unregistered.
func (t *Tracker) CancelTask(ctx context.Context, key string, timeout time.Duration) error {
	t.mu.Lock()
	task, ok := t.tasks[key]
	t.mu.Unlock()
	if !ok {
		return nil
	}
	defer t.Unregister(key)

	task.Cancel()
	if task.Done == nil {
		return nil
	}
	select {
	case <-task.Done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return &ResourceError{Key: key, Op: "cancel task", Err: errors.New("did not finish in time")}
	}
}

// CleanupAll releases everything: tasks first, then processes, then
// custom cleanups. It snapshots the keys up front and keeps going past
// failures, returning them joined.
func (t *Tracker) CleanupAll(ctx context.Context) error {
	t.mu.Lock()
	taskKeys := make([]string, 0, len(t.tasks))
	for k := range t.tasks {
		taskKeys = append(taskKeys, k)
	}
	procKeys := make([]string, 0, len(t.processes))
	for k := range t.processes {
		procKeys = append(procKeys, k)
	}
	customKeys := make([]string, 0, len(t.custom))
	fns := make(map[string]CleanupFunc, len(t.custom))
	for k, fn := range t.custom {
		customKeys = append(customKeys, k)
		fns[k] = fn
	}
	t.mu.Unlock()

	var errs []error
	for _, k := range taskKeys {
		if err := t.CancelTask(ctx, k, 5*time.Second); err != nil {
			t.logger.Warn("task cleanup failed", "key", k, "error", err)
			errs = append(errs, err)
		}
	}
	for _, k := range procKeys {
		if err := t.StopProcess(ctx, k); err != nil {
			t.logger.Warn("process cleanup failed", "key", k, "error", err)
			errs = append(errs, err)
		}
	}
	for _, k := range customKeys {
		if err := fns[k](ctx); err != nil {
			t.logger.Warn("custom cleanup failed", "key", k, "error", err)
			errs = append(errs, &ResourceError{Key: k, Op: "cleanup", Err: err})
		}
		t.Unregister(k)
	}
	return errors.Join(errs...)
}
