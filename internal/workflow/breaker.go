package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/queuescope/queuescope/model"
)

// BreakerKey resolves the grouping key that bounds repeated execution of
// one workflow for one logical context. Fields are tried in order: the
// workflow's configured context_field, then trigger-type defaults, then a
// final task fallback. A field with no value falls through to the next.
func BreakerKey(wf model.WorkflowDefinition, triggerType string, fields map[string]any) string {
	var candidates []string
	if wf.CircuitBreaker != nil && wf.CircuitBreaker.ContextField != "" {
		candidates = append(candidates, wf.CircuitBreaker.ContextField)
	}
	if model.IsWorkerTrigger(triggerType) {
		candidates = append(candidates, "hostname", "worker_name")
	} else {
		candidates = append(candidates, "root_id", "task_id")
	}
	candidates = append(candidates, "root_id", "task_id")

	for _, field := range candidates {
		v, ok := model.LookupField(fields, field)
		if !ok || v == nil {
			continue
		}
		if s := fmt.Sprint(v); s != "" {
			return fmt.Sprintf("%s:%s=%s", wf.ID, field, s)
		}
	}
	return fmt.Sprintf("%s:trigger=%s", wf.ID, triggerType)
}

// breakerOpen reports whether the circuit is open for the given key: the
// count of dispatched executions sharing the key within the trailing
// window has reached the configured ceiling. State is computed from
// execution rows on every check and never stored.
func breakerOpen(ctx context.Context, store Store, cfg *model.CircuitBreakerConfig, key string, now time.Time) (bool, error) {
	if cfg == nil || !cfg.Enabled || cfg.MaxExecutions <= 0 || cfg.WindowSeconds <= 0 {
		return false, nil
	}
	since := now.Add(-time.Duration(cfg.WindowSeconds) * time.Second)
	n, err := store.CountByBreakerKeySince(ctx, key, since)
	if err != nil {
		return false, fmt.Errorf("count breaker window: %w", err)
	}
	return n >= cfg.MaxExecutions, nil
}
