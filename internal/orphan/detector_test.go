package orphan

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/queuescope/queuescope/internal/event"
	"github.com/queuescope/queuescope/internal/observability"
	"github.com/queuescope/queuescope/model"
)

type captureSink struct {
	kinds    []string
	payloads []any
}

func (c *captureSink) Publish(kind string, payload any) bool {
	c.kinds = append(c.kinds, kind)
	c.payloads = append(c.payloads, payload)
	return true
}

type captureEngine struct {
	taskEvents []model.TaskEvent
}

func (c *captureEngine) OnTaskEvent(_ context.Context, ev model.TaskEvent)     { c.taskEvents = append(c.taskEvents, ev) }
func (c *captureEngine) OnWorkerEvent(_ context.Context, _ model.WorkerEvent) {}

func newTestDetector(t *testing.T, store event.Store) (*Detector, *captureSink, *captureEngine) {
	t.Helper()
	sink := &captureSink{}
	engine := &captureEngine{}
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	return NewDetector(store, sink, engine, metrics, zap.NewNop()), sink, engine
}

func insertEvent(t *testing.T, store event.Store, taskID, eventType, hostname string, ts time.Time) {
	t.Helper()
	err := store.InsertTaskEvent(context.Background(), model.TaskEvent{
		ID:        taskID + "-" + eventType,
		TaskID:    taskID,
		TaskName:  "tasks.resize_image",
		EventType: eventType,
		Timestamp: ts,
		Hostname:  hostname,
		Queue:     "default",
	})
	require.NoError(t, err)
}

func TestDetectFlagsNonTerminalTasks(t *testing.T) {
	store := event.NewMemoryStore()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	insertEvent(t, store, "t-running", model.TaskEventStarted, "worker-a", base)
	insertEvent(t, store, "t-done", model.TaskEventStarted, "worker-a", base)
	insertEvent(t, store, "t-done", model.TaskEventSucceeded, "worker-a", base.Add(time.Second))
	insertEvent(t, store, "t-elsewhere", model.TaskEventStarted, "worker-b", base)

	det, sink, engine := newTestDetector(t, store)
	at := base.Add(time.Minute)

	updated, err := det.Detect(context.Background(), "worker-a", at, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"t-running"}, updated)

	// The synthetic event is persisted, broadcast and handed to automations.
	require.Len(t, sink.kinds, 1)
	assert.Equal(t, model.TaskEventOrphaned, sink.kinds[0])
	require.Len(t, engine.taskEvents, 1)
	ev := engine.taskEvents[0]
	assert.Equal(t, "t-running", ev.TaskID)
	assert.True(t, ev.IsOrphan)
	require.NotNil(t, ev.OrphanedAt)
	assert.Equal(t, at, *ev.OrphanedAt)

	events, err := store.TaskEvents(context.Background(), "t-running")
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, model.TaskEventOrphaned, last.EventType)
}

func TestDetectOrphanOutranksFutureTimestamps(t *testing.T) {
	store := event.NewMemoryStore()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// Broker clock runs ahead: the started event is stamped after the
	// detection time.
	insertEvent(t, store, "t-skewed", model.TaskEventStarted, "worker-a", base.Add(time.Second))

	det, _, _ := newTestDetector(t, store)
	updated, err := det.Detect(context.Background(), "worker-a", base, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"t-skewed"}, updated)

	events, err := store.TaskEvents(context.Background(), "t-skewed")
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, model.TaskEventOrphaned, last.EventType)
	assert.True(t, last.Timestamp.After(base.Add(time.Second)))
	require.NotNil(t, last.OrphanedAt)
	assert.Equal(t, base, *last.OrphanedAt)
}

func TestDetectIsIdempotent(t *testing.T) {
	store := event.NewMemoryStore()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	insertEvent(t, store, "t-1", model.TaskEventStarted, "worker-a", base)

	det, sink, _ := newTestDetector(t, store)

	first, err := det.Detect(context.Background(), "worker-a", base.Add(time.Minute), 0)
	require.NoError(t, err)
	require.Equal(t, []string{"t-1"}, first)

	// A second pass finds the task already orphaned and terminal.
	second, err := det.Detect(context.Background(), "worker-a", base.Add(2*time.Minute), 0)
	require.NoError(t, err)
	assert.Empty(t, second)
	assert.Len(t, sink.kinds, 1)
}

func TestDetectGracePeriodHonorsContext(t *testing.T) {
	store := event.NewMemoryStore()
	det, _, _ := newTestDetector(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := det.Detect(ctx, "worker-a", time.Now(), time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDetectNoCandidates(t *testing.T) {
	store := event.NewMemoryStore()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	insertEvent(t, store, "t-ok", model.TaskEventSucceeded, "worker-a", base)

	det, sink, _ := newTestDetector(t, store)
	updated, err := det.Detect(context.Background(), "worker-a", base.Add(time.Minute), 0)
	require.NoError(t, err)
	assert.Empty(t, updated)
	assert.Empty(t, sink.kinds)
}
