package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/queuescope/queuescope/internal/observability"
	"github.com/queuescope/queuescope/model"
)

// ActionRunner executes one action of a workflow. Implementations never
// return an error: failures are expressed in the ActionResult status so
// one broken action cannot corrupt the surrounding audit trail.
type ActionRunner interface {
	Run(ctx context.Context, action model.ActionDefinition, fields map[string]any) model.ActionResult
}

// Executor runs a dispatched workflow's ordered actions and owns the
// execution's audit lifecycle: created running, finalized exactly once.
type Executor struct {
	store   Store
	runner  ActionRunner
	metrics *observability.Metrics
	log     *zap.Logger
	now     func() time.Time
}

// NewExecutor creates a workflow executor.
func NewExecutor(store Store, runner ActionRunner, metrics *observability.Metrics, log *zap.Logger) *Executor {
	return &Executor{
		store:   store,
		runner:  runner,
		metrics: metrics,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Execute runs one dispatched workflow. The execution row freezes both the
// trigger event and the workflow definition as dispatched, so later edits
// to the definition never rewrite history.
func (e *Executor) Execute(ctx context.Context, wf model.WorkflowDefinition, triggerType string, fields map[string]any, breakerKey string) {
	ctx, span := observability.StartSpan(ctx, "workflow.execute",
		observability.AttrWorkflowID.String(wf.ID))
	var spanErr error
	defer func() { observability.EndSpanWithError(span, spanErr) }()

	started := e.now()
	exec := model.WorkflowExecution{
		ID:                uuid.New().String(),
		WorkflowID:        wf.ID,
		TriggeredAt:       started,
		TriggerType:       triggerType,
		TriggerEvent:      fields,
		Status:            model.ExecutionStatusRunning,
		StartedAt:         &started,
		CircuitBreakerKey: breakerKey,
		WorkflowSnapshot:  snapshotWorkflow(wf),
	}

	if err := e.store.CreateExecution(ctx, exec); err != nil {
		spanErr = err
		e.log.Error("create execution failed",
			zap.String("workflow_id", wf.ID), zap.Error(err))
		return
	}

	status, results, execErr := e.runActions(ctx, wf, fields)
	if execErr != "" {
		spanErr = errors.New(execErr)
	}

	exec.Status = status
	exec.ActionsExecuted = results
	exec.Error = execErr
	completed := e.now()
	exec.CompletedAt = &completed
	exec.DurationSeconds = completed.Sub(started).Seconds()

	if err := e.store.FinalizeExecution(ctx, exec); err != nil {
		e.log.Error("finalize execution failed",
			zap.String("execution_id", exec.ID), zap.Error(err))
		return
	}
	if err := e.store.UpdateWorkflowCounters(ctx, wf.ID, status == model.ExecutionStatusCompleted, completed); err != nil {
		e.log.Error("update workflow counters failed",
			zap.String("workflow_id", wf.ID), zap.Error(err))
	}

	e.metrics.RecordWorkflowExecution(wf.ID, status)
	e.log.Info("workflow executed",
		zap.String("workflow_id", wf.ID),
		zap.String("execution_id", exec.ID),
		zap.String("status", status),
		zap.Int("actions", len(results)),
		zap.Float64("duration_seconds", exec.DurationSeconds))
}

// runActions walks the action list strictly in order. A failed action ends
// the chain unless it opts into continue_on_failure; the actions it cut off
// stay in the audit trail as skipped. A panic anywhere in an action is
// caught and finalizes the execution as failed.
func (e *Executor) runActions(ctx context.Context, wf model.WorkflowDefinition, fields map[string]any) (status string, results []model.ActionResult, execErr string) {
	defer func() {
		if r := recover(); r != nil {
			status = model.ExecutionStatusFailed
			execErr = fmt.Sprintf("panic: %v\n%s", r, debug.Stack())
			e.log.Error("action panicked",
				zap.String("workflow_id", wf.ID), zap.Any("panic", r))
		}
	}()

	for i, action := range wf.Actions {
		actionCtx, span := observability.StartSpan(ctx, "workflow.action",
			observability.AttrWorkflowID.String(wf.ID),
			observability.AttrActionType.String(action.Type))

		start := e.now()
		result := e.runner.Run(actionCtx, action, fields)
		result.Type = action.Type
		result.Duration = e.now().Sub(start).Seconds()
		results = append(results, result)

		var runErr error
		if result.Status == model.ActionStatusFailed {
			runErr = errors.New(result.Error)
		}
		observability.EndSpanWithError(span, runErr)

		e.metrics.RecordAction(action.Type, result.Status, time.Duration(result.Duration*float64(time.Second)))

		if result.Status == model.ActionStatusFailed && !action.ContinueOnFailure {
			for _, cut := range wf.Actions[i+1:] {
				results = append(results, model.ActionResult{
					Type:   cut.Type,
					Status: model.ActionStatusSkipped,
				})
			}
			return model.ExecutionStatusFailed, results, result.Error
		}
	}
	return model.ExecutionStatusCompleted, results, ""
}

// snapshotWorkflow freezes a definition into the JSON-safe map stored on
// the execution row.
func snapshotWorkflow(wf model.WorkflowDefinition) map[string]any {
	raw, err := json.Marshal(wf)
	if err != nil {
		return map[string]any{"id": wf.ID, "name": wf.Name}
	}
	var snapshot map[string]any
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return map[string]any{"id": wf.ID, "name": wf.Name}
	}
	return snapshot
}
