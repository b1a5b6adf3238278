package integration

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queuescope/queuescope/internal/event"
	"github.com/queuescope/queuescope/model"
)

func TestNotifyWorkflowFires(t *testing.T) {
	h := NewHarness(t, WithWorkflow(model.WorkflowDefinition{
		ID:      "wf-notify",
		Name:    "notify on charge failures",
		Enabled: true,
		Trigger: model.TriggerConfig{Type: model.TriggerTaskFailed},
		Conditions: model.ConditionGroup{
			Operator: model.GroupAnd,
			Conditions: []model.Condition{
				{Field: "task_name", Operator: model.OpEquals, Value: "tasks.charge_card"},
			},
		},
		Actions: []model.ActionDefinition{{
			Type: "notify",
			Params: map[string]any{
				"message": "Task {{task_name}} failed: {{exception}}",
			},
		}},
	}))

	// A different task's failure must not fire.
	h.TaskLifecycle("t-other", "tasks.send_email", "worker-a", model.TaskEventFailed, event.Raw{
		Exception: "SMTPError",
	})

	h.TaskLifecycle("t-1", "tasks.charge_card", "worker-a", model.TaskEventFailed, event.Raw{
		Exception: "CardDeclined: insufficient funds",
	})

	payload := h.WaitWebhook()
	assert.Equal(t,
		"Task tasks.charge_card failed: CardDeclined: insufficient funds",
		payload["message"])

	execs := h.WaitExecutions("wf-notify", 1)
	require.Len(t, execs, 1)
	assert.Equal(t, model.ExecutionStatusCompleted, execs[0].Status)
	require.Len(t, execs[0].ActionsExecuted, 1)
	assert.Equal(t, model.ActionStatusSuccess, execs[0].ActionsExecuted[0].Status)
}

func TestRetryWorkflowStopsAtCeiling(t *testing.T) {
	const maxRetries = 3

	h := NewHarness(t, WithWorkflow(model.WorkflowDefinition{
		ID:      "wf-retry",
		Name:    "retry failed imports",
		Enabled: true,
		Trigger: model.TriggerConfig{Type: model.TriggerTaskFailed},
		Actions: []model.ActionDefinition{{
			Type:   "retry_task",
			Params: map[string]any{"max_retries": maxRetries},
		}},
	}))

	// The original failure starts a resubmission loop: every resubmitted
	// task immediately fails again, as a poison task would.
	h.TaskLifecycle("t-root", "tasks.import", "worker-a", model.TaskEventFailed, event.Raw{
		Exception: "TimeoutError",
	})

	ts := float64(time.Now().Unix()) + 10
	for i := 0; i < maxRetries; i++ {
		sub := h.WaitSubmission()
		assert.Equal(t, "tasks.import", sub.TaskName)
		assert.NotEqual(t, "t-root", sub.TaskID)

		h.IngestTask(event.Raw{
			Type: model.TaskEventReceived, UUID: sub.TaskID, Name: sub.TaskName,
			Hostname: "worker-a", Queue: sub.Queue, Timestamp: ts + float64(2*i),
		})
		h.IngestTask(event.Raw{
			Type: model.TaskEventFailed, UUID: sub.TaskID, Name: sub.TaskName,
			Hostname: "worker-a", Exception: "TimeoutError", Timestamp: ts + float64(2*i+1),
		})
	}

	// The chain has now absorbed maxRetries resubmissions; the final
	// failure must short-circuit instead of resubmitting again.
	h.ExpectNoSubmission(500 * time.Millisecond)

	// One execution per failure: the first three resubmit, the last one
	// reports the ceiling.
	execs := h.WaitExecutions("wf-retry", maxRetries+1)
	require.Len(t, execs, maxRetries+1)

	failed := 0
	for _, ex := range execs {
		if ex.Status == model.ExecutionStatusFailed {
			failed++
			require.Len(t, ex.ActionsExecuted, 1)
			assert.Contains(t, ex.ActionsExecuted[0].Error,
				fmt.Sprintf("Max retry limit reached %d/%d", maxRetries, maxRetries))
		}
	}
	assert.Equal(t, 1, failed)

	// Every chain member resolves to the root with the full count.
	rel, err := h.EventStore.Relationship(h.ctx, "t-root")
	require.NoError(t, err)
	assert.Equal(t, maxRetries, rel.TotalRetries)
	assert.Len(t, rel.RetryChain, maxRetries)
}

func TestCircuitBreakerOpens(t *testing.T) {
	h := NewHarness(t, WithWorkflow(model.WorkflowDefinition{
		ID:      "wf-brk",
		Name:    "notify with breaker",
		Enabled: true,
		Trigger: model.TriggerConfig{Type: model.TriggerTaskFailed},
		Actions: []model.ActionDefinition{{
			Type:   "notify",
			Params: map[string]any{"message": "failure on {{task_id}}"},
		}},
		CircuitBreaker: &model.CircuitBreakerConfig{
			Enabled:       true,
			MaxExecutions: 2,
			WindowSeconds: 300,
		},
	}))

	ts := float64(time.Now().Unix())
	h.IngestTask(event.Raw{
		Type: model.TaskEventReceived, UUID: "t-loop", Name: "tasks.flaky",
		Hostname: "worker-a", Queue: "default", Timestamp: ts,
	})

	// The same task fails three times inside the window; the third
	// evaluation must trip the breaker instead of dispatching.
	for i := 1; i <= 3; i++ {
		h.IngestTask(event.Raw{
			Type: model.TaskEventFailed, UUID: "t-loop", Name: "tasks.flaky",
			Hostname: "worker-a", Exception: "boom", Timestamp: ts + float64(i),
		})
		h.WaitExecutions("wf-brk", i)
	}

	execs := h.WaitExecutions("wf-brk", 3)
	require.Len(t, execs, 3)

	byStatus := map[string]int{}
	for _, ex := range execs {
		byStatus[ex.Status]++
		assert.Equal(t, "wf-brk:root_id=t-loop", ex.CircuitBreakerKey)
	}
	assert.Equal(t, 2, byStatus[model.ExecutionStatusCompleted])
	assert.Equal(t, 1, byStatus[model.ExecutionStatusCircuitOpen])
}
