package action

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/queuescope/queuescope/internal/event"
	"github.com/queuescope/queuescope/internal/observability"
	"github.com/queuescope/queuescope/model"
)

// Retry ceiling bounds. The ceiling counts the whole chain, not the hop,
// so a retried retry still converges.
const (
	DefaultMaxRetries = 10
	MinMaxRetries     = 1
	MaxMaxRetries     = 100
)

// TaskSubmitter resubmits a task to the broker.
type TaskSubmitter interface {
	Submit(ctx context.Context, sub model.TaskSubmission) error
}

// RetryHandler resubmits the triggering task with a fresh id, recording
// the new id in the retry chain. It is the lineage-depth half of loop
// prevention: once a chain carries max_retries descendants it refuses to
// resubmit, regardless of how slowly the loop is turning.
type RetryHandler struct {
	store      event.Store
	lineage    *event.LineageTracker
	submitter  TaskSubmitter
	metrics    *observability.Metrics
	log        *zap.Logger
	maxRetries int
}

// NewRetryHandler creates a retry handler. defaultMaxRetries is clamped to
// [1, 100]; zero selects the built-in default of 10.
func NewRetryHandler(store event.Store, lineage *event.LineageTracker, submitter TaskSubmitter, metrics *observability.Metrics, log *zap.Logger, defaultMaxRetries int) *RetryHandler {
	return &RetryHandler{
		store:      store,
		lineage:    lineage,
		submitter:  submitter,
		metrics:    metrics,
		log:        log,
		maxRetries: clampMaxRetries(defaultMaxRetries),
	}
}

// Type implements Handler.
func (h *RetryHandler) Type() string { return "retry_task" }

// ValidateParams implements Handler.
func (h *RetryHandler) ValidateParams(params map[string]any) error {
	if raw, ok := params["max_retries"]; ok {
		n, isNumber := asInt(raw)
		if !isNumber {
			return fmt.Errorf("max_retries must be a number")
		}
		if n < MinMaxRetries || n > MaxMaxRetries {
			return fmt.Errorf("max_retries must be between %d and %d", MinMaxRetries, MaxMaxRetries)
		}
	}
	if raw, ok := params["delay_seconds"]; ok {
		if _, isNumber := asInt(raw); !isNumber {
			return fmt.Errorf("delay_seconds must be a number")
		}
	}
	return nil
}

// Execute resolves the task's chain, enforces the retry ceiling, and
// resubmits with a fresh id. Hitting the ceiling is a failed result with
// no resubmission at all.
func (h *RetryHandler) Execute(ctx context.Context, params map[string]any, fields map[string]any) model.ActionResult {
	taskID, _ := fields["task_id"].(string)
	if taskID == "" {
		return failedResult(h.Type(), "event context carries no task_id")
	}

	root, err := h.lineage.ChainRoot(ctx, taskID)
	if err != nil {
		return failedResult(h.Type(), fmt.Sprintf("resolve chain root: %v", err))
	}

	count, err := h.lineage.RetryCount(ctx, root)
	if err != nil {
		return failedResult(h.Type(), fmt.Sprintf("count chain retries: %v", err))
	}

	maxRetries := h.maxRetries
	if raw, ok := params["max_retries"]; ok {
		if n, isNumber := asInt(raw); isNumber {
			maxRetries = clampMaxRetries(n)
		}
	}

	if count >= maxRetries {
		h.metrics.RetryCeilingHitsTotal.Inc()
		h.log.Warn("retry ceiling reached, refusing resubmission",
			zap.String("root_id", root),
			zap.Int("retry_count", count),
			zap.Int("max_retries", maxRetries))
		return failedResult(h.Type(), fmt.Sprintf("Max retry limit reached %d/%d", count, maxRetries))
	}

	original, err := h.originalTask(ctx, root)
	if err != nil {
		return failedResult(h.Type(), fmt.Sprintf("load original task: %v", err))
	}

	newID := uuid.New().String()
	if _, err := h.lineage.RecordRetry(ctx, root, newID); err != nil {
		return failedResult(h.Type(), fmt.Sprintf("record retry: %v", err))
	}
	h.metrics.RetryChainsTotal.Inc()

	delay, _ := asInt(params["delay_seconds"])
	sub := model.TaskSubmission{
		TaskID:       newID,
		TaskName:     original.TaskName,
		Args:         original.Args,
		Kwargs:       original.Kwargs,
		Queue:        original.Queue,
		DelaySeconds: delay,
	}
	if err := h.submitter.Submit(ctx, sub); err != nil {
		return failedResult(h.Type(), fmt.Sprintf("resubmit task: %v", err))
	}

	h.log.Info("task resubmitted",
		zap.String("original_id", root),
		zap.String("new_task_id", newID),
		zap.String("task_name", original.TaskName),
		zap.Int("retry_count", count+1))

	return model.ActionResult{
		Type:   h.Type(),
		Status: model.ActionStatusSuccess,
		Result: map[string]any{
			"original_id": root,
			"new_task_id": newID,
			"task_name":   original.TaskName,
			"queue":       original.Queue,
			"retry_count": count + 1,
		},
	}
}

// originalTask re-reads the root task's stored payload, preferring its
// received event and falling back to its latest event.
func (h *RetryHandler) originalTask(ctx context.Context, rootID string) (model.TaskEvent, error) {
	ev, err := h.store.ReceivedEvent(ctx, rootID)
	if err == nil {
		return ev, nil
	}
	if !model.IsNotFound(err) {
		return model.TaskEvent{}, err
	}

	events, err := h.store.TaskEvents(ctx, rootID)
	if err != nil {
		return model.TaskEvent{}, err
	}
	if len(events) == 0 {
		return model.TaskEvent{}, model.NewNotFoundError(fmt.Sprintf("no events for task %q", rootID))
	}
	return events[len(events)-1], nil
}

func clampMaxRetries(n int) int {
	if n == 0 {
		return DefaultMaxRetries
	}
	if n < MinMaxRetries {
		return MinMaxRetries
	}
	if n > MaxMaxRetries {
		return MaxMaxRetries
	}
	return n
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case float32:
		return int(n), true
	default:
		return 0, false
	}
}
