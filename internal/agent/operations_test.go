package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/hollis-dev/agentbridge/internal/config"
)

func TestOperationsRecordLifecycle(t *testing.T) {
	s, _, _ := setupTestEnv(t)
	s.cfg.Agents[config.AgentCustom] = config.AgentConfig{Binary: "mytool", InstallCommand: "true"}

	if err := s.Install(context.Background(), config.AgentCustom); err != nil {
		t.Fatalf("Install: %v", err)
	}
	// Claude binary is absent, so this start fails and must be recorded
	// as failed with its error.
	if _, err := s.Start(context.Background(), config.AgentClaude); err == nil {
		t.Fatal("expected start to fail")
	}

	ops := s.Operations()
	if len(ops) != 2 {
		t.Fatalf("operations = %d, want 2 (%+v)", len(ops), ops)
	}

	install := ops[0]
	if install.Name != "install" || install.Agent != config.AgentCustom || install.Status != OpSucceeded {
		t.Errorf("install record = %+v", install)
	}
	if install.EndedAt.IsZero() {
		t.Error("finished record should carry an end time")
	}

	start := ops[1]
	if start.Name != "start" || start.Agent != config.AgentClaude || start.Status != OpFailed {
		t.Errorf("start record = %+v", start)
	}
	if !strings.Contains(start.Error, "not installed") {
		t.Errorf("start record error = %q, want the start failure", start.Error)
	}
}

func TestOperationsPrunedAfterGrace(t *testing.T) {
	s, _, _ := setupTestEnv(t)
	s.opGrace = time.Millisecond

	done := s.beginOp("detect", "")
	s.endOp(done, nil)
	running := s.beginOp("start", config.AgentClaude)
	time.Sleep(5 * time.Millisecond)

	ops := s.Operations()
	if len(ops) != 1 {
		t.Fatalf("operations after grace = %d, want only the running one (%+v)", len(ops), ops)
	}
	if ops[0].ID != running || ops[0].Status != OpRunning {
		t.Errorf("surviving record = %+v, want the running operation", ops[0])
	}
}
