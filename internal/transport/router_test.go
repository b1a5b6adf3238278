package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/queuescope/queuescope/internal/broadcast"
	"github.com/queuescope/queuescope/internal/config"
	"github.com/queuescope/queuescope/internal/event"
	"github.com/queuescope/queuescope/internal/observability"
	"github.com/queuescope/queuescope/internal/taskname"
	"github.com/queuescope/queuescope/internal/workflow"
	"github.com/queuescope/queuescope/model"
)

type fixture struct {
	router        http.Handler
	eventStore    *event.MemoryStore
	workflowStore *workflow.MemoryStore
	bridge        *broadcast.Bridge
	names         *taskname.MemoryCache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	log := zap.NewNop()

	eventStore := event.NewMemoryStore()
	workflowStore := workflow.NewMemoryStore()
	bridge := broadcast.NewBridge(64, 10*time.Millisecond, metrics, log)
	t.Cleanup(bridge.Close)
	names := taskname.NewMemoryCache(time.Minute)

	router := NewRouter(Dependencies{
		Config:        config.Defaults(),
		EventStore:    eventStore,
		WorkflowStore: workflowStore,
		Bridge:        bridge,
		TaskNames:     names,
		Metrics:       metrics,
		Ready: observability.ReadinessChecks{
			EventStore:    eventStore,
			WorkflowStore: workflowStore,
		},
		Log: log,
	})
	return &fixture{
		router:        router,
		eventStore:    eventStore,
		workflowStore: workflowStore,
		bridge:        bridge,
		names:         names,
	}
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func seedTaskEvent(t *testing.T, store *event.MemoryStore, taskID, name, eventType string, ts time.Time) {
	t.Helper()
	err := store.InsertTaskEvent(context.Background(), model.TaskEvent{
		ID:        taskID + "-" + eventType,
		TaskID:    taskID,
		TaskName:  name,
		EventType: eventType,
		Timestamp: ts,
		Hostname:  "worker-a",
		Queue:     "default",
	})
	require.NoError(t, err)
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.get(t, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTaskTimeline(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	seedTaskEvent(t, f.eventStore, "t-1", "tasks.a", model.TaskEventReceived, base)
	seedTaskEvent(t, f.eventStore, "t-1", "tasks.a", model.TaskEventStarted, base.Add(time.Second))

	rec := f.get(t, "/api/tasks/t-1/events")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		TaskID string            `json:"task_id"`
		Events []model.TaskEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "t-1", body.TaskID)
	require.Len(t, body.Events, 2)
	assert.Equal(t, model.TaskEventReceived, body.Events[0].EventType)

	rec = f.get(t, "/api/tasks/t-missing/events")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReplayFilters(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	seedTaskEvent(t, f.eventStore, "t-1", "tasks.a", model.TaskEventStarted, base)
	seedTaskEvent(t, f.eventStore, "t-2", "tasks.b", model.TaskEventFailed, base.Add(time.Second))

	rec := f.get(t, "/api/events/replay?event_types=task-failed")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Events []broadcast.Message `json:"events"`
		Count  int                 `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, model.TaskEventFailed, body.Events[0].Kind)

	rec = f.get(t, "/api/events/replay?condition=task_name:equals:tasks.a")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)

	rec = f.get(t, "/api/events/replay?condition=task_name:like:x")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTaskNames(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.names.Record(context.Background(), "tasks.a"))

	rec := f.get(t, "/api/tasks/names")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		TaskNames []string `json:"task_names"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"tasks.a"}, body.TaskNames)
}

func TestListWorkflowsAndExecutions(t *testing.T) {
	f := newFixture(t)
	wf := model.WorkflowDefinition{
		ID:      "wf-1",
		Name:    "notify",
		Enabled: true,
		Trigger: model.TriggerConfig{Type: model.TriggerTaskFailed},
		Actions: []model.ActionDefinition{{Type: "notify"}},
	}
	require.NoError(t, f.workflowStore.SaveWorkflow(context.Background(), wf))
	require.NoError(t, f.workflowStore.CreateExecution(context.Background(), model.WorkflowExecution{
		ID:          "ex-1",
		WorkflowID:  "wf-1",
		TriggeredAt: time.Now().UTC(),
		TriggerType: model.TriggerTaskFailed,
		Status:      model.ExecutionStatusCompleted,
	}))

	rec := f.get(t, "/api/workflows")
	require.Equal(t, http.StatusOK, rec.Code)
	var wfBody struct {
		Workflows []model.WorkflowDefinition `json:"workflows"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wfBody))
	require.Len(t, wfBody.Workflows, 1)

	rec = f.get(t, "/api/workflows/wf-1")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.get(t, "/api/workflows/wf-missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.get(t, "/api/executions?workflow_id=wf-1")
	require.Equal(t, http.StatusOK, rec.Code)
	var exBody struct {
		Executions []model.WorkflowExecution `json:"executions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &exBody))
	require.Len(t, exBody.Executions, 1)
	assert.Equal(t, "ex-1", exBody.Executions[0].ID)
}

func TestSubscribeStreamsEvents(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		srv.URL+"/api/events/subscribe?event_types=task-failed", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Publish until the subscriber is registered and a frame arrives.
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-time.After(10 * time.Millisecond):
				f.bridge.Publish(model.TaskEventFailed, model.TaskEvent{
					TaskID:    "t-1",
					TaskName:  "tasks.a",
					EventType: model.TaskEventFailed,
					Timestamp: time.Now().UTC(),
				})
			}
		}
	}()
	defer close(done)

	reader := bufio.NewReader(resp.Body)
	var eventLine, dataLine string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		if strings.HasPrefix(line, "event: ") {
			eventLine = line
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = line
			break
		}
	}

	assert.Equal(t, "event: task-failed", eventLine)
	var ev model.TaskEvent
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(dataLine, "data: ")), &ev))
	assert.Equal(t, "t-1", ev.TaskID)
}
