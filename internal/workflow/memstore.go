package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/queuescope/queuescope/model"
)

// MemoryStore is the in-process Store twin used by tests and single-node
// deployments without Postgres.
type MemoryStore struct {
	mu         sync.RWMutex
	workflows  map[string]model.WorkflowDefinition
	executions []model.WorkflowExecution
	execIndex  map[string]int
}

// NewMemoryStore creates an empty in-memory workflow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]model.WorkflowDefinition),
		execIndex: make(map[string]int),
	}
}

// SaveWorkflow inserts or replaces a definition by id.
func (s *MemoryStore) SaveWorkflow(_ context.Context, wf model.WorkflowDefinition) error {
	if wf.ID == "" {
		return model.NewValidationError("workflow id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := s.workflows[wf.ID]; ok {
		wf.CreatedAt = existing.CreatedAt
	} else if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	s.workflows[wf.ID] = wf
	return nil
}

// Workflow returns one definition by id.
func (s *MemoryStore) Workflow(_ context.Context, id string) (model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return model.WorkflowDefinition{}, model.NewNotFoundError(fmt.Sprintf("workflow %q not found", id))
	}
	return wf, nil
}

// ListWorkflows returns all definitions, priority descending then name.
func (s *MemoryStore) ListWorkflows(_ context.Context) ([]model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.WorkflowDefinition, 0, len(s.workflows))
	for _, wf := range s.workflows {
		out = append(out, wf)
	}
	sortWorkflows(out)
	return out, nil
}

// ListEnabledByTrigger returns enabled definitions for one trigger type,
// priority descending.
func (s *MemoryStore) ListEnabledByTrigger(_ context.Context, triggerType string) ([]model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.WorkflowDefinition
	for _, wf := range s.workflows {
		if wf.Enabled && wf.Trigger.Type == triggerType {
			out = append(out, wf)
		}
	}
	sortWorkflows(out)
	return out, nil
}

// CreateExecution appends one execution row.
func (s *MemoryStore) CreateExecution(_ context.Context, exec model.WorkflowExecution) error {
	if exec.ID == "" {
		return model.NewValidationError("execution id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.execIndex[exec.ID]; ok {
		return model.NewConflictError(fmt.Sprintf("execution %q already exists", exec.ID))
	}
	s.execIndex[exec.ID] = len(s.executions)
	s.executions = append(s.executions, exec)
	return nil
}

// FinalizeExecution replaces a running row with its terminal form.
func (s *MemoryStore) FinalizeExecution(_ context.Context, exec model.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.execIndex[exec.ID]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("execution %q not found", exec.ID))
	}
	s.executions[idx] = exec
	return nil
}

// ListExecutions returns recent executions newest first.
func (s *MemoryStore) ListExecutions(_ context.Context, workflowID string, limit int) ([]model.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.WorkflowExecution
	for i := len(s.executions) - 1; i >= 0; i-- {
		exec := s.executions[i]
		if workflowID != "" && exec.WorkflowID != workflowID {
			continue
		}
		out = append(out, exec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TriggeredAt.After(out[j].TriggeredAt)
	})
	return out, nil
}

// CountExecutionsSince counts one workflow's dispatched executions since
// the given instant.
func (s *MemoryStore) CountExecutionsSince(_ context.Context, workflowID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, exec := range s.executions {
		if exec.WorkflowID == workflowID && countableStatus(exec.Status) && !exec.TriggeredAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// CountByBreakerKeySince counts dispatched executions sharing a breaker key
// since the given instant.
func (s *MemoryStore) CountByBreakerKeySince(_ context.Context, key string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, exec := range s.executions {
		if exec.CircuitBreakerKey == key && countableStatus(exec.Status) && !exec.TriggeredAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// UpdateWorkflowCounters bumps the aggregate counters after a finalized
// execution.
func (s *MemoryStore) UpdateWorkflowCounters(_ context.Context, workflowID string, succeeded bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[workflowID]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("workflow %q not found", workflowID))
	}
	wf.ExecutionCount++
	if succeeded {
		wf.SuccessCount++
	} else {
		wf.FailureCount++
	}
	at = at.UTC()
	wf.LastExecutedAt = &at
	wf.UpdatedAt = time.Now().UTC()
	s.workflows[workflowID] = wf
	return nil
}

// HealthCheck reports the memory store as always available.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

func sortWorkflows(wfs []model.WorkflowDefinition) {
	sort.SliceStable(wfs, func(i, j int) bool {
		if wfs[i].Priority != wfs[j].Priority {
			return wfs[i].Priority > wfs[j].Priority
		}
		return wfs[i].Name < wfs[j].Name
	})
}
