package integration

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queuescope/queuescope/internal/event"
	"github.com/queuescope/queuescope/model"
)

func TestTaskLifecycleOverHTTP(t *testing.T) {
	h := NewHarness(t)

	h.TaskLifecycle("t-1", "tasks.charge_card", "worker-a", model.TaskEventSucceeded, event.Raw{
		Queue:  "billing",
		Args:   "[42]",
		Kwargs: map[string]any{"user": "u-1"},
	})

	var timeline struct {
		TaskID string            `json:"task_id"`
		Events []model.TaskEvent `json:"events"`
	}
	status := h.GetJSON("/api/tasks/t-1/events", &timeline)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, timeline.Events, 3)
	assert.Equal(t, model.TaskEventReceived, timeline.Events[0].EventType)
	assert.Equal(t, model.TaskEventSucceeded, timeline.Events[2].EventType)

	// Started and succeeded inherit queue and args from the received event.
	for _, ev := range timeline.Events {
		assert.Equal(t, "billing", ev.Queue)
		assert.Equal(t, "[42]", ev.Args)
	}

	status = h.GetJSON("/api/tasks/t-unknown/events", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestReplayAndTaskNames(t *testing.T) {
	h := NewHarness(t)

	h.TaskLifecycle("t-1", "tasks.charge_card", "worker-a", model.TaskEventSucceeded, event.Raw{})
	h.TaskLifecycle("t-2", "tasks.send_email", "worker-a", model.TaskEventFailed, event.Raw{
		Exception: "SMTPError: connection refused",
	})

	var replay struct {
		Count int `json:"count"`
	}
	status := h.GetJSON("/api/events/replay?event_types=task-failed", &replay)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, replay.Count)

	status = h.GetJSON("/api/events/replay?task_names=tasks.charge_card", &replay)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 3, replay.Count)

	var names struct {
		TaskNames []string `json:"task_names"`
	}
	status = h.GetJSON("/api/tasks/names", &names)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{"tasks.charge_card", "tasks.send_email"}, names.TaskNames)
}

func TestWorkerEventsOverHTTP(t *testing.T) {
	h := NewHarness(t)

	h.IngestWorker(event.Raw{
		Type:      model.WorkerEventOnline,
		Hostname:  "worker-a",
		Timestamp: float64(time.Now().Unix()),
		Active:    2,
		Processed: 10,
	})

	var body struct {
		Events []model.WorkerEvent `json:"events"`
	}
	status := h.GetJSON("/api/workers/events", &body)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body.Events, 1)
	assert.Equal(t, "worker-a", body.Events[0].Hostname)
}
