// Package workerhealth tracks worker liveness from heartbeat traffic and
// promotes silent workers to offline.
package workerhealth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/queuescope/queuescope/internal/event"
	"github.com/queuescope/queuescope/internal/observability"
	"github.com/queuescope/queuescope/internal/orphan"
	"github.com/queuescope/queuescope/model"
)

type workerState struct {
	lastSeen time.Time
	online   bool
}

// Monitor keeps a last-seen table per hostname and a periodic sweep that
// declares workers offline once their heartbeats go stale. An offline
// promotion cascades into orphan detection for the worker's tasks.
type Monitor struct {
	store    event.Store
	sink     event.Sink
	engine   event.Automations
	detector *orphan.Detector
	metrics  *observability.Metrics
	log      *zap.Logger

	interval    time.Duration
	timeout     time.Duration
	orphanGrace time.Duration

	mu      sync.Mutex
	workers map[string]*workerState
	now     func() time.Time
}

// NewMonitor creates a worker health monitor. interval is the sweep
// cadence; timeout is how long a worker may stay silent before it is
// declared offline. orphanGrace debounces orphan detection after a
// broker-announced offline event.
func NewMonitor(store event.Store, sink event.Sink, engine event.Automations, detector *orphan.Detector, metrics *observability.Metrics, log *zap.Logger, interval, timeout, orphanGrace time.Duration) *Monitor {
	return &Monitor{
		store:       store,
		sink:        sink,
		engine:      engine,
		detector:    detector,
		metrics:     metrics,
		log:         log,
		interval:    interval,
		timeout:     timeout,
		orphanGrace: orphanGrace,
		workers:     make(map[string]*workerState),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Observe feeds a worker event into the liveness table. Any event from a
// worker proves it alive; an explicit offline event retires it directly and
// cascades into orphan detection for the worker's tasks.
func (m *Monitor) Observe(ctx context.Context, ev model.WorkerEvent) {
	m.mu.Lock()

	state, ok := m.workers[ev.Hostname]
	if !ok {
		state = &workerState{}
		m.workers[ev.Hostname] = state
	}
	state.lastSeen = model.NormalizeTime(ev.Timestamp)

	wasOnline := state.online
	state.online = ev.EventType != model.WorkerEventOffline

	if state.online && !wasOnline {
		m.metrics.WorkersOnline.Inc()
		if ok {
			m.log.Info("worker back online", zap.String("hostname", ev.Hostname))
		}
	} else if !state.online && wasOnline {
		m.metrics.WorkersOnline.Dec()
	}
	announced := !state.online && (wasOnline || !ok)
	at := state.lastSeen
	m.mu.Unlock()

	// An announced shutdown already retired the liveness state, so the
	// sweep will never pick this worker up. Cascade here instead, off the
	// ingestion goroutine; the grace period absorbs completion events still
	// in transit behind the offline signal.
	if announced {
		m.metrics.WorkersOfflineTotal.Inc()
		m.log.Info("worker announced offline", zap.String("hostname", ev.Hostname))
		go m.cascadeOrphans(ctx, ev.Hostname, at, m.orphanGrace)
	}
}

// Online reports whether a worker is currently considered online.
func (m *Monitor) Online(hostname string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.workers[hostname]
	return ok && state.online
}

// Run sweeps the liveness table until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.log.Info("worker health monitor started",
		zap.Duration("check_interval", m.interval),
		zap.Duration("heartbeat_timeout", m.timeout))

	for {
		select {
		case <-ctx.Done():
			m.log.Info("worker health monitor stopped")
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep promotes every stale worker to offline. Failures on one worker are
// logged and do not stop the sweep.
func (m *Monitor) sweep(ctx context.Context) {
	now := m.now()

	var stale []string
	m.mu.Lock()
	for hostname, state := range m.workers {
		if state.online && now.Sub(state.lastSeen) > m.timeout {
			state.online = false
			stale = append(stale, hostname)
		}
	}
	m.mu.Unlock()

	for _, hostname := range stale {
		m.metrics.WorkersOnline.Dec()
		m.metrics.WorkersOfflineTotal.Inc()
		m.log.Warn("worker heartbeat timed out",
			zap.String("hostname", hostname),
			zap.Duration("timeout", m.timeout))
		m.declareOffline(ctx, hostname, now)
	}
}

// declareOffline records a synthetic worker-offline event and cascades
// into orphan detection. The heartbeat timeout already covers the race
// window against in-flight completions, so orphan detection runs with no
// extra grace.
func (m *Monitor) declareOffline(ctx context.Context, hostname string, at time.Time) {
	ev := model.WorkerEvent{
		ID:        uuid.New().String(),
		Hostname:  hostname,
		EventType: model.WorkerEventOffline,
		Timestamp: at,
	}

	if err := m.store.InsertWorkerEvent(ctx, ev); err != nil {
		m.log.Error("persist worker-offline event failed",
			zap.String("hostname", hostname), zap.Error(err))
	}
	m.sink.Publish(ev.EventType, ev)
	if m.engine != nil {
		m.engine.OnWorkerEvent(ctx, ev)
	}

	m.cascadeOrphans(ctx, hostname, at, 0)
}

// cascadeOrphans flags the non-terminal tasks of an offline worker.
func (m *Monitor) cascadeOrphans(ctx context.Context, hostname string, at time.Time, grace time.Duration) {
	if m.detector == nil {
		return
	}
	if _, err := m.detector.Detect(ctx, hostname, at, grace); err != nil {
		m.log.Error("orphan detection failed",
			zap.String("hostname", hostname), zap.Error(err))
	}
}
