package agent

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hollis-dev/agentbridge/internal/config"
)

// OperationStatus is the lifecycle state of one recorded operation.
type OperationStatus string

const (
	OpRunning   OperationStatus = "running"
	OpSucceeded OperationStatus = "succeeded"
	OpFailed    OperationStatus = "failed"
)

// Operation records one lifecycle operation for diagnostics. Finished
// records are kept for a grace period and then pruned.
type Operation struct {
	ID        string           `json:"id"`
	Agent     config.AgentType `json:"agent,omitempty"`
	Name      string           `json:"name"`
	Status    OperationStatus  `json:"status"`
	Error     string           `json:"error,omitempty"`
	StartedAt time.Time        `json:"started_at"`
	EndedAt   time.Time        `json:"ended_at,omitzero"`
}

// beginOp opens a record for one operation and returns its id.
func (s *Supervisor) beginOp(name string, t config.AgentType) string {
	now := time.Now()
	id := uuid.NewString()

	s.opMu.Lock()
	s.pruneOpsLocked(now)
	s.ops[id] = Operation{
		ID:        id,
		Agent:     t,
		Name:      name,
		Status:    OpRunning,
		StartedAt: now,
	}
	s.opMu.Unlock()
	return id
}

// endOp closes a record, marking it failed when err is non-nil.
func (s *Supervisor) endOp(id string, err error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	op, ok := s.ops[id]
	if !ok {
		return
	}
	op.EndedAt = time.Now()
	if err != nil {
		op.Status = OpFailed
		op.Error = err.Error()
	} else {
		op.Status = OpSucceeded
	}
	s.ops[id] = op
}

// Operations returns a snapshot of recorded operations, oldest first.
func (s *Supervisor) Operations() []Operation {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.pruneOpsLocked(time.Now())

	out := make([]Operation, 0, len(s.ops))
	for _, op := range s.ops {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// pruneOpsLocked drops finished records older than the grace period.
// Caller holds opMu.
func (s *Supervisor) pruneOpsLocked(now time.Time) {
	for id, op := range s.ops {
		if op.Status != OpRunning && now.Sub(op.EndedAt) > s.opGrace {
			delete(s.ops, id)
		}
	}
}
