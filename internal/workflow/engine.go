package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/queuescope/queuescope/internal/event"
	"github.com/queuescope/queuescope/internal/observability"
	"github.com/queuescope/queuescope/model"
)

// Engine maps normalized events onto trigger types and walks the enabled
// definitions for that trigger through three gates in order: can-execute
// (enabled, cooldown, hourly cap), the condition tree, and the circuit
// breaker. Qualifying workflows are handed to the dispatch pool so one
// slow execution never blocks evaluation of the next event.
type Engine struct {
	store    Store
	lineage  *event.LineageTracker
	executor *Executor
	pool     *Pool
	metrics  *observability.Metrics
	log      *zap.Logger
	now      func() time.Time
}

// NewEngine creates a workflow engine.
func NewEngine(store Store, lineage *event.LineageTracker, executor *Executor, pool *Pool, metrics *observability.Metrics, log *zap.Logger) *Engine {
	return &Engine{
		store:    store,
		lineage:  lineage,
		executor: executor,
		pool:     pool,
		metrics:  metrics,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// OnTaskEvent evaluates automations for one normalized task event.
func (e *Engine) OnTaskEvent(ctx context.Context, ev model.TaskEvent) {
	trigger, ok := model.TriggerTypeForEvent(ev.EventType)
	if !ok {
		return
	}

	ctx, span := observability.StartSpan(ctx, "automation.evaluate",
		observability.AttrTaskID.String(ev.TaskID),
		observability.AttrTaskName.String(ev.TaskName),
		observability.AttrEventType.String(ev.EventType))
	defer span.End()

	fields := model.TaskEventContext(ev)
	fields["retries"] = ev.RetryCount
	if e.lineage != nil {
		root, err := e.lineage.ChainRoot(ctx, ev.TaskID)
		if err != nil {
			e.log.Warn("resolve chain root failed",
				zap.String("task_id", ev.TaskID), zap.Error(err))
		} else {
			fields["root_id"] = root
		}
	}

	e.evaluate(ctx, trigger, fields)
}

// OnWorkerEvent evaluates automations for one normalized worker event.
func (e *Engine) OnWorkerEvent(ctx context.Context, ev model.WorkerEvent) {
	trigger, ok := model.TriggerTypeForEvent(ev.EventType)
	if !ok {
		return
	}

	ctx, span := observability.StartSpan(ctx, "automation.evaluate",
		observability.AttrHostname.String(ev.Hostname),
		observability.AttrEventType.String(ev.EventType))
	defer span.End()

	e.evaluate(ctx, trigger, model.WorkerEventContext(ev))
}

func (e *Engine) evaluate(ctx context.Context, trigger string, fields map[string]any) {
	wfs, err := e.store.ListEnabledByTrigger(ctx, trigger)
	if err != nil {
		e.log.Error("list workflows by trigger failed",
			zap.String("trigger", trigger), zap.Error(err))
		return
	}

	for _, wf := range wfs {
		e.evaluateOne(ctx, wf, trigger, fields)
	}
}

// evaluateOne walks one definition through the gates. Gate rejections on
// the hourly cap and the breaker are recorded as terminal execution rows
// so operators can see exactly why an automation did not run; cooldown and
// condition misses are silent skips.
func (e *Engine) evaluateOne(ctx context.Context, wf model.WorkflowDefinition, trigger string, fields map[string]any) {
	now := e.now()

	if !wf.Enabled {
		return
	}
	if wf.CooldownSeconds > 0 && wf.LastExecutedAt != nil {
		ready := wf.LastExecutedAt.Add(time.Duration(wf.CooldownSeconds) * time.Second)
		if now.Before(ready) {
			e.log.Debug("workflow in cooldown",
				zap.String("workflow_id", wf.ID), zap.Time("ready_at", ready))
			return
		}
	}
	if wf.MaxExecutionsPerHour > 0 {
		n, err := e.store.CountExecutionsSince(ctx, wf.ID, now.Add(-time.Hour))
		if err != nil {
			e.log.Error("count hourly executions failed",
				zap.String("workflow_id", wf.ID), zap.Error(err))
			return
		}
		if n >= wf.MaxExecutionsPerHour {
			e.recordRejection(ctx, wf, trigger, fields, "", model.ExecutionStatusRateLimited, now)
			return
		}
	}

	if !EvaluateConditions(wf.Conditions, fields) {
		return
	}

	key := BreakerKey(wf, trigger, fields)
	open, err := breakerOpen(ctx, e.store, wf.CircuitBreaker, key, now)
	if err != nil {
		e.log.Error("circuit breaker check failed",
			zap.String("workflow_id", wf.ID), zap.Error(err))
		return
	}
	if open {
		e.metrics.CircuitOpenTotal.WithLabelValues(wf.ID).Inc()
		e.log.Warn("circuit open, rejecting workflow",
			zap.String("workflow_id", wf.ID), zap.String("breaker_key", key))
		e.recordRejection(ctx, wf, trigger, fields, key, model.ExecutionStatusCircuitOpen, now)
		return
	}

	submitted := e.pool.Submit(func(jobCtx context.Context) {
		e.executor.Execute(jobCtx, wf, trigger, fields, key)
	})
	if !submitted {
		e.log.Warn("dispatch backlog full, workflow skipped",
			zap.String("workflow_id", wf.ID), zap.String("trigger", trigger))
	}
}

// recordRejection writes an already-terminal execution row for a gate
// rejection. These rows are excluded from rate-limit and breaker counting.
func (e *Engine) recordRejection(ctx context.Context, wf model.WorkflowDefinition, trigger string, fields map[string]any, key, status string, now time.Time) {
	exec := model.WorkflowExecution{
		ID:                uuid.New().String(),
		WorkflowID:        wf.ID,
		TriggeredAt:       now,
		TriggerType:       trigger,
		TriggerEvent:      fields,
		Status:            status,
		CompletedAt:       &now,
		CircuitBreakerKey: key,
		WorkflowSnapshot:  snapshotWorkflow(wf),
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		e.log.Error("record gate rejection failed",
			zap.String("workflow_id", wf.ID), zap.String("status", status), zap.Error(err))
		return
	}
	e.metrics.RecordWorkflowExecution(wf.ID, status)
}
