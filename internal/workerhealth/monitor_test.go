package workerhealth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/queuescope/queuescope/internal/event"
	"github.com/queuescope/queuescope/internal/observability"
	"github.com/queuescope/queuescope/internal/orphan"
	"github.com/queuescope/queuescope/model"
)

type recordSink struct {
	mu    sync.Mutex
	kinds []string
}

func (r *recordSink) Publish(kind string, _ any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
	return true
}

func (r *recordSink) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.kinds...)
}

type recordEngine struct {
	mu           sync.Mutex
	workerEvents []model.WorkerEvent
	taskEvents   []model.TaskEvent
}

func (r *recordEngine) OnTaskEvent(_ context.Context, ev model.TaskEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.taskEvents = append(r.taskEvents, ev)
}

func (r *recordEngine) OnWorkerEvent(_ context.Context, ev model.WorkerEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workerEvents = append(r.workerEvents, ev)
}

func (r *recordEngine) tasks() []model.TaskEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.TaskEvent(nil), r.taskEvents...)
}

func (r *recordEngine) workers() []model.WorkerEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.WorkerEvent(nil), r.workerEvents...)
}

// waitTasks polls until the engine has seen n task events.
func (r *recordEngine) waitTasks(t *testing.T, n int) []model.TaskEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got := r.tasks()
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d task events, got %d", n, len(got))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestMonitor(t *testing.T) (*Monitor, *event.MemoryStore, *recordSink, *recordEngine) {
	t.Helper()
	store := event.NewMemoryStore()
	sink := &recordSink{}
	engine := &recordEngine{}
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	detector := orphan.NewDetector(store, sink, engine, metrics, zap.NewNop())
	mon := NewMonitor(store, sink, engine, detector, metrics, zap.NewNop(), 15*time.Second, 30*time.Second, 0)
	return mon, store, sink, engine
}

func heartbeat(hostname string, at time.Time) model.WorkerEvent {
	return model.WorkerEvent{
		ID:        hostname + "-hb-" + at.Format(time.RFC3339),
		Hostname:  hostname,
		EventType: model.WorkerEventHeartbeat,
		Timestamp: at,
	}
}

func TestObserveTracksLiveness(t *testing.T) {
	mon, _, _, _ := newTestMonitor(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	assert.False(t, mon.Online("worker-a"))

	mon.Observe(ctx, heartbeat("worker-a", base))
	assert.True(t, mon.Online("worker-a"))

	mon.Observe(ctx, model.WorkerEvent{
		Hostname:  "worker-a",
		EventType: model.WorkerEventOffline,
		Timestamp: base.Add(time.Minute),
	})
	assert.False(t, mon.Online("worker-a"))

	// Any later event proves the worker alive again.
	mon.Observe(ctx, heartbeat("worker-a", base.Add(2*time.Minute)))
	assert.True(t, mon.Online("worker-a"))
}

func TestAnnouncedOfflineCascadesOrphans(t *testing.T) {
	mon, store, sink, engine := newTestMonitor(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mon.Observe(ctx, heartbeat("worker-a", base))

	err := store.InsertTaskEvent(ctx, model.TaskEvent{
		ID:        "evt-1",
		TaskID:    "t-1",
		TaskName:  "tasks.send_email",
		EventType: model.TaskEventStarted,
		Timestamp: base,
		Hostname:  "worker-a",
	})
	require.NoError(t, err)

	// The broker announces the shutdown; no sweep runs at all.
	mon.Observe(ctx, model.WorkerEvent{
		Hostname:  "worker-a",
		EventType: model.WorkerEventOffline,
		Timestamp: base.Add(time.Minute),
	})

	orphaned := engine.waitTasks(t, 1)
	assert.Equal(t, "t-1", orphaned[0].TaskID)
	assert.Equal(t, model.TaskEventOrphaned, orphaned[0].EventType)
	assert.Contains(t, sink.snapshot(), model.TaskEventOrphaned)

	events, err := store.TaskEvents(ctx, "t-1")
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, model.TaskEventOrphaned, last.EventType)
	assert.True(t, last.IsOrphan)
}

func TestAnnouncedOfflineForUntrackedWorkerCascades(t *testing.T) {
	mon, store, _, engine := newTestMonitor(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// Tasks observed on a host whose online event predates this process.
	err := store.InsertTaskEvent(ctx, model.TaskEvent{
		ID:        "evt-1",
		TaskID:    "t-1",
		TaskName:  "tasks.send_email",
		EventType: model.TaskEventStarted,
		Timestamp: base,
		Hostname:  "worker-b",
	})
	require.NoError(t, err)

	mon.Observe(ctx, model.WorkerEvent{
		Hostname:  "worker-b",
		EventType: model.WorkerEventOffline,
		Timestamp: base.Add(time.Minute),
	})

	orphaned := engine.waitTasks(t, 1)
	assert.Equal(t, "t-1", orphaned[0].TaskID)
}

func TestSweepPromotesStaleWorkers(t *testing.T) {
	mon, store, sink, engine := newTestMonitor(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	mon.now = func() time.Time { return base.Add(45 * time.Second) }

	ctx := context.Background()
	mon.Observe(ctx, heartbeat("worker-stale", base))
	mon.Observe(ctx, heartbeat("worker-fresh", base.Add(40*time.Second)))

	// The stale worker has a running task that should cascade into an orphan.
	err := store.InsertTaskEvent(ctx, model.TaskEvent{
		ID:        "evt-1",
		TaskID:    "t-1",
		TaskName:  "tasks.send_email",
		EventType: model.TaskEventStarted,
		Timestamp: base,
		Hostname:  "worker-stale",
	})
	require.NoError(t, err)

	mon.sweep(ctx)

	assert.False(t, mon.Online("worker-stale"))
	assert.True(t, mon.Online("worker-fresh"))

	// Synthetic worker-offline persisted and fed to automations.
	workers, err := store.RecentWorkerEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, model.WorkerEventOffline, workers[0].EventType)
	seen := engine.workers()
	require.Len(t, seen, 1)
	assert.Equal(t, model.WorkerEventOffline, seen[0].EventType)
	assert.Equal(t, "worker-stale", seen[0].Hostname)

	// Orphan cascade reached the worker's running task.
	tasks := engine.tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "t-1", tasks[0].TaskID)
	assert.Contains(t, sink.snapshot(), model.WorkerEventOffline)
	assert.Contains(t, sink.snapshot(), model.TaskEventOrphaned)
}

func TestSweepIsIdempotentForOfflineWorkers(t *testing.T) {
	mon, store, _, _ := newTestMonitor(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	mon.now = func() time.Time { return base.Add(time.Minute) }

	ctx := context.Background()
	mon.Observe(ctx, heartbeat("worker-a", base))
	mon.sweep(ctx)
	mon.sweep(ctx)

	workers, err := store.RecentWorkerEvents(ctx, 10)
	require.NoError(t, err)

	offline := 0
	for _, ev := range workers {
		if ev.EventType == model.WorkerEventOffline {
			offline++
		}
	}
	assert.Equal(t, 1, offline)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	mon, _, _, _ := newTestMonitor(t)
	mon.interval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mon.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop on cancel")
	}
}
