// Package workflow evaluates condition-driven automations against the
// normalized event stream and records an audit trail of every dispatch.
package workflow

import (
	"context"
	"time"

	"github.com/queuescope/queuescope/model"
)

// Store persists workflow definitions and their execution audit rows.
type Store interface {
	// SaveWorkflow inserts or replaces a definition by id.
	SaveWorkflow(ctx context.Context, wf model.WorkflowDefinition) error

	// Workflow returns one definition. Returns NOT_FOUND when absent.
	Workflow(ctx context.Context, id string) (model.WorkflowDefinition, error)

	// ListWorkflows returns all definitions ordered by priority descending,
	// then name.
	ListWorkflows(ctx context.Context) ([]model.WorkflowDefinition, error)

	// ListEnabledByTrigger returns the enabled definitions for one trigger
	// type, priority descending.
	ListEnabledByTrigger(ctx context.Context, triggerType string) ([]model.WorkflowDefinition, error)

	// CreateExecution appends one execution row with whatever status the
	// caller set. Gate rejections arrive already terminal.
	CreateExecution(ctx context.Context, exec model.WorkflowExecution) error

	// FinalizeExecution replaces a previously created running row with its
	// terminal form. Returns NOT_FOUND if the row does not exist.
	FinalizeExecution(ctx context.Context, exec model.WorkflowExecution) error

	// ListExecutions returns recent executions newest first, optionally
	// restricted to one workflow (empty id = all).
	ListExecutions(ctx context.Context, workflowID string, limit int) ([]model.WorkflowExecution, error)

	// CountExecutionsSince counts one workflow's dispatched executions
	// (running, completed or failed) triggered at or after since. Gate
	// rejection rows are excluded so a saturated cap can drain.
	CountExecutionsSince(ctx context.Context, workflowID string, since time.Time) (int, error)

	// CountByBreakerKeySince counts dispatched executions sharing a
	// circuit-breaker key triggered at or after since, across workflows.
	CountByBreakerKeySince(ctx context.Context, key string, since time.Time) (int, error)

	// UpdateWorkflowCounters bumps the aggregate counters after a finalized
	// execution.
	UpdateWorkflowCounters(ctx context.Context, workflowID string, succeeded bool, at time.Time) error
}

// countableStatus reports whether an execution row represents an actual
// dispatch for rate-limit and breaker accounting.
func countableStatus(status string) bool {
	switch status {
	case model.ExecutionStatusRunning, model.ExecutionStatusCompleted, model.ExecutionStatusFailed:
		return true
	default:
		return false
	}
}
