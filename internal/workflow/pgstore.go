package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/queuescope/queuescope/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5. Definition substructure
// (trigger, conditions, actions, breaker config) lives in JSONB columns.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL workflow store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const workflowColumns = `id, name, description, enabled, trigger, conditions, actions,
       priority, cooldown_seconds, max_executions_per_hour, circuit_breaker,
       execution_count, success_count, failure_count, last_executed_at,
       created_at, updated_at`

const executionColumns = `id, workflow_id, triggered_at, trigger_type, trigger_event,
       status, actions_executed, error, started_at, completed_at,
       duration_seconds, circuit_breaker_key, workflow_snapshot`

// SaveWorkflow inserts or replaces a definition by id.
func (s *PgStore) SaveWorkflow(ctx context.Context, wf model.WorkflowDefinition) error {
	if wf.ID == "" {
		return model.NewValidationError("workflow id is required")
	}

	triggerJSON, err := json.Marshal(wf.Trigger)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	conditionsJSON, err := json.Marshal(wf.Conditions)
	if err != nil {
		return fmt.Errorf("marshal conditions: %w", err)
	}
	actionsJSON, err := json.Marshal(wf.Actions)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}
	var breakerJSON []byte
	if wf.CircuitBreaker != nil {
		breakerJSON, err = json.Marshal(wf.CircuitBreaker)
		if err != nil {
			return fmt.Errorf("marshal circuit breaker: %w", err)
		}
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflows (
			id, name, description, enabled, trigger, conditions, actions,
			priority, cooldown_seconds, max_executions_per_hour, circuit_breaker,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11,
			NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			enabled = EXCLUDED.enabled,
			trigger = EXCLUDED.trigger,
			conditions = EXCLUDED.conditions,
			actions = EXCLUDED.actions,
			priority = EXCLUDED.priority,
			cooldown_seconds = EXCLUDED.cooldown_seconds,
			max_executions_per_hour = EXCLUDED.max_executions_per_hour,
			circuit_breaker = EXCLUDED.circuit_breaker,
			updated_at = NOW()`,
		wf.ID, wf.Name, wf.Description, wf.Enabled, triggerJSON, conditionsJSON, actionsJSON,
		wf.Priority, wf.CooldownSeconds, wf.MaxExecutionsPerHour, breakerJSON,
	)
	if err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	return nil
}

// Workflow returns one definition by id.
func (s *PgStore) Workflow(ctx context.Context, id string) (model.WorkflowDefinition, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+workflowColumns+`
		FROM workflows
		WHERE id = $1`,
		id,
	)
	wf, err := scanWorkflow(row)
	if err == pgx.ErrNoRows {
		return model.WorkflowDefinition{}, model.NewNotFoundError(
			fmt.Sprintf("workflow %q not found", id),
		)
	}
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("query workflow: %w", err)
	}
	return wf, nil
}

// ListWorkflows returns all definitions, priority descending then name.
func (s *PgStore) ListWorkflows(ctx context.Context) ([]model.WorkflowDefinition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+workflowColumns+`
		FROM workflows
		ORDER BY priority DESC, name ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflows: %w", err)
	}
	defer rows.Close()
	return collectWorkflows(rows)
}

// ListEnabledByTrigger returns enabled definitions for one trigger type,
// priority descending.
func (s *PgStore) ListEnabledByTrigger(ctx context.Context, triggerType string) ([]model.WorkflowDefinition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+workflowColumns+`
		FROM workflows
		WHERE enabled AND trigger->>'type' = $1
		ORDER BY priority DESC, name ASC`,
		triggerType,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflows by trigger: %w", err)
	}
	defer rows.Close()
	return collectWorkflows(rows)
}

// CreateExecution appends one execution row.
func (s *PgStore) CreateExecution(ctx context.Context, exec model.WorkflowExecution) error {
	eventJSON, actionsJSON, snapshotJSON, err := marshalExecution(exec)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_executions (
			id, workflow_id, triggered_at, trigger_type, trigger_event,
			status, actions_executed, error, started_at, completed_at,
			duration_seconds, circuit_breaker_key, workflow_snapshot
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13
		)`,
		exec.ID, exec.WorkflowID, exec.TriggeredAt, exec.TriggerType, eventJSON,
		exec.Status, actionsJSON, exec.Error, exec.StartedAt, exec.CompletedAt,
		exec.DurationSeconds, exec.CircuitBreakerKey, snapshotJSON,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// FinalizeExecution replaces a running row with its terminal form.
func (s *PgStore) FinalizeExecution(ctx context.Context, exec model.WorkflowExecution) error {
	_, actionsJSON, _, err := marshalExecution(exec)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_executions
		SET status = $2, actions_executed = $3, error = $4,
		    completed_at = $5, duration_seconds = $6
		WHERE id = $1`,
		exec.ID, exec.Status, actionsJSON, exec.Error,
		exec.CompletedAt, exec.DurationSeconds,
	)
	if err != nil {
		return fmt.Errorf("finalize execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("execution %q not found", exec.ID))
	}
	return nil
}

// ListExecutions returns recent executions newest first.
func (s *PgStore) ListExecutions(ctx context.Context, workflowID string, limit int) ([]model.WorkflowExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+executionColumns+`
		FROM workflow_executions
		WHERE ($1 = '' OR workflow_id = $1)
		ORDER BY triggered_at DESC, id DESC
		LIMIT $2`,
		workflowID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var execs []model.WorkflowExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// CountExecutionsSince counts one workflow's dispatched executions since
// the given instant. Gate rejection rows are excluded.
func (s *PgStore) CountExecutionsSince(ctx context.Context, workflowID string, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM workflow_executions
		WHERE workflow_id = $1
		  AND triggered_at >= $2
		  AND status IN ($3, $4, $5)`,
		workflowID, since,
		model.ExecutionStatusRunning, model.ExecutionStatusCompleted, model.ExecutionStatusFailed,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count executions: %w", err)
	}
	return n, nil
}

// CountByBreakerKeySince counts dispatched executions sharing a breaker key
// since the given instant.
func (s *PgStore) CountByBreakerKeySince(ctx context.Context, key string, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM workflow_executions
		WHERE circuit_breaker_key = $1
		  AND triggered_at >= $2
		  AND status IN ($3, $4, $5)`,
		key, since,
		model.ExecutionStatusRunning, model.ExecutionStatusCompleted, model.ExecutionStatusFailed,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count executions by breaker key: %w", err)
	}
	return n, nil
}

// UpdateWorkflowCounters bumps the aggregate counters after a finalized
// execution.
func (s *PgStore) UpdateWorkflowCounters(ctx context.Context, workflowID string, succeeded bool, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflows
		SET execution_count = execution_count + 1,
		    success_count = success_count + CASE WHEN $2 THEN 1 ELSE 0 END,
		    failure_count = failure_count + CASE WHEN $2 THEN 0 ELSE 1 END,
		    last_executed_at = $3,
		    updated_at = NOW()
		WHERE id = $1`,
		workflowID, succeeded, at,
	)
	if err != nil {
		return fmt.Errorf("update workflow counters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("workflow %q not found", workflowID))
	}
	return nil
}

// HealthCheck implements observability.HealthChecker.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func marshalExecution(exec model.WorkflowExecution) (eventJSON, actionsJSON, snapshotJSON []byte, err error) {
	eventJSON, err = json.Marshal(exec.TriggerEvent)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal trigger event: %w", err)
	}
	actionsJSON, err = json.Marshal(exec.ActionsExecuted)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal action results: %w", err)
	}
	snapshotJSON, err = json.Marshal(exec.WorkflowSnapshot)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal workflow snapshot: %w", err)
	}
	return eventJSON, actionsJSON, snapshotJSON, nil
}

func scanWorkflow(row pgx.Row) (model.WorkflowDefinition, error) {
	var wf model.WorkflowDefinition
	var triggerJSON, conditionsJSON, actionsJSON, breakerJSON []byte

	err := row.Scan(
		&wf.ID, &wf.Name, &wf.Description, &wf.Enabled, &triggerJSON, &conditionsJSON, &actionsJSON,
		&wf.Priority, &wf.CooldownSeconds, &wf.MaxExecutionsPerHour, &breakerJSON,
		&wf.ExecutionCount, &wf.SuccessCount, &wf.FailureCount, &wf.LastExecutedAt,
		&wf.CreatedAt, &wf.UpdatedAt,
	)
	if err != nil {
		return model.WorkflowDefinition{}, err
	}
	if err := json.Unmarshal(triggerJSON, &wf.Trigger); err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("unmarshal trigger: %w", err)
	}
	if err := json.Unmarshal(conditionsJSON, &wf.Conditions); err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("unmarshal conditions: %w", err)
	}
	if err := json.Unmarshal(actionsJSON, &wf.Actions); err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("unmarshal actions: %w", err)
	}
	if breakerJSON != nil {
		wf.CircuitBreaker = &model.CircuitBreakerConfig{}
		if err := json.Unmarshal(breakerJSON, wf.CircuitBreaker); err != nil {
			return model.WorkflowDefinition{}, fmt.Errorf("unmarshal circuit breaker: %w", err)
		}
	}
	return wf, nil
}

func collectWorkflows(rows pgx.Rows) ([]model.WorkflowDefinition, error) {
	var wfs []model.WorkflowDefinition
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		wfs = append(wfs, wf)
	}
	return wfs, rows.Err()
}

func scanExecution(row pgx.Row) (model.WorkflowExecution, error) {
	var exec model.WorkflowExecution
	var eventJSON, actionsJSON, snapshotJSON []byte

	err := row.Scan(
		&exec.ID, &exec.WorkflowID, &exec.TriggeredAt, &exec.TriggerType, &eventJSON,
		&exec.Status, &actionsJSON, &exec.Error, &exec.StartedAt, &exec.CompletedAt,
		&exec.DurationSeconds, &exec.CircuitBreakerKey, &snapshotJSON,
	)
	if err != nil {
		return model.WorkflowExecution{}, err
	}
	if eventJSON != nil {
		_ = json.Unmarshal(eventJSON, &exec.TriggerEvent)
	}
	if actionsJSON != nil {
		_ = json.Unmarshal(actionsJSON, &exec.ActionsExecuted)
	}
	if snapshotJSON != nil {
		_ = json.Unmarshal(snapshotJSON, &exec.WorkflowSnapshot)
	}
	exec.TriggeredAt = exec.TriggeredAt.UTC()
	return exec, nil
}
