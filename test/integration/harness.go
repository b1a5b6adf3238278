// Package integration provides a reusable test harness for end-to-end
// testing of the queuescope server. It wires the full in-process stack —
// ingestion pipeline, fan-out bridge, worker monitor, orphan detector,
// automation engine, and HTTP surface — over in-memory stores, replacing
// only the NATS connection with a channel-backed task submitter and the
// notify webhook with a capture server.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/queuescope/queuescope/internal/action"
	"github.com/queuescope/queuescope/internal/broadcast"
	"github.com/queuescope/queuescope/internal/config"
	"github.com/queuescope/queuescope/internal/event"
	"github.com/queuescope/queuescope/internal/observability"
	"github.com/queuescope/queuescope/internal/orphan"
	"github.com/queuescope/queuescope/internal/taskname"
	"github.com/queuescope/queuescope/internal/transport"
	"github.com/queuescope/queuescope/internal/workerhealth"
	"github.com/queuescope/queuescope/internal/workflow"
	"github.com/queuescope/queuescope/model"
)

// Harness encapsulates a fully wired queuescope instance for integration
// testing.
type Harness struct {
	t      *testing.T
	server *httptest.Server
	ctx    context.Context

	// Internal components exposed for advanced test scenarios.
	Pipeline      *event.Pipeline
	EventStore    *event.MemoryStore
	WorkflowStore *workflow.MemoryStore
	Engine        *workflow.Engine
	Bridge        *broadcast.Bridge
	Detector      *orphan.Detector
	Monitor       *workerhealth.Monitor

	// Submissions receives every task the retry action resubmits.
	Submissions chan model.TaskSubmission

	// WebhookBodies receives the raw body of every notify webhook call.
	WebhookBodies chan []byte
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	workflows        []model.WorkflowDefinition
	maxRetries       int
	heartbeatTimeout time.Duration
	checkInterval    time.Duration
	orphanGrace      time.Duration
	runMonitor       bool
}

// WithWorkflow saves a workflow definition before the server starts.
func WithWorkflow(wf model.WorkflowDefinition) HarnessOption {
	return func(c *harnessConfig) {
		c.workflows = append(c.workflows, wf)
	}
}

// WithMaxRetries sets the retry action's default ceiling.
func WithMaxRetries(n int) HarnessOption {
	return func(c *harnessConfig) {
		c.maxRetries = n
	}
}

// WithMonitor runs the worker liveness sweep with the given cadence.
func WithMonitor(checkInterval, heartbeatTimeout time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.runMonitor = true
		c.checkInterval = checkInterval
		c.heartbeatTimeout = heartbeatTimeout
	}
}

// WithOrphanGrace delays orphan detection after a broker-announced
// worker-offline event.
func WithOrphanGrace(grace time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.orphanGrace = grace
	}
}

// chanSubmitter records resubmitted tasks instead of publishing to NATS.
type chanSubmitter struct {
	ch chan model.TaskSubmission
}

func (s *chanSubmitter) Submit(_ context.Context, sub model.TaskSubmission) error {
	s.ch <- sub
	return nil
}

// NewHarness creates and starts a full queuescope test instance. Servers
// and background goroutines are cleaned up when the test completes.
func NewHarness(t *testing.T, opts ...HarnessOption) *Harness {
	t.Helper()

	hc := &harnessConfig{
		maxRetries:       10,
		checkInterval:    20 * time.Millisecond,
		heartbeatTimeout: 60 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(hc)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	metrics := observability.InitMetrics(prometheus.NewRegistry())
	logger := zap.NewNop()
	cfg := config.Defaults()

	h := &Harness{
		t:             t,
		ctx:           ctx,
		EventStore:    event.NewMemoryStore(),
		WorkflowStore: workflow.NewMemoryStore(),
		Submissions:   make(chan model.TaskSubmission, 64),
		WebhookBodies: make(chan []byte, 64),
	}

	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		h.WebhookBodies <- body
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(webhook.Close)

	h.Bridge = broadcast.NewBridge(256, 10*time.Millisecond, metrics, logger)
	t.Cleanup(h.Bridge.Close)

	lineage := event.NewLineageTracker(h.EventStore)

	registry := action.NewRegistry(logger)
	registry.Register(action.NewNotifyHandler(webhook.Client(), webhook.URL))
	registry.Register(action.NewRetryHandler(
		h.EventStore, lineage, &chanSubmitter{ch: h.Submissions},
		metrics, logger, hc.maxRetries,
	))

	executor := workflow.NewExecutor(h.WorkflowStore, registry, metrics, logger)
	pool := workflow.NewPool(4, 64, metrics, logger)
	pool.Start(ctx)
	h.Engine = workflow.NewEngine(h.WorkflowStore, lineage, executor, pool, metrics, logger)

	for _, wf := range hc.workflows {
		if err := h.WorkflowStore.SaveWorkflow(ctx, wf); err != nil {
			t.Fatalf("save workflow %q: %v", wf.Name, err)
		}
	}

	h.Detector = orphan.NewDetector(h.EventStore, h.Bridge, h.Engine, metrics, logger)
	h.Monitor = workerhealth.NewMonitor(
		h.EventStore, h.Bridge, h.Engine, h.Detector, metrics, logger,
		hc.checkInterval, hc.heartbeatTimeout, hc.orphanGrace,
	)
	if hc.runMonitor {
		go h.Monitor.Run(ctx)
	}

	names := taskname.NewMemoryCache(time.Minute)

	h.Pipeline = event.NewPipeline(
		event.NewNormalizer(h.EventStore, lineage),
		h.EventStore, h.Bridge, h.Engine, h.Monitor, names, metrics, logger,
	)

	router := transport.NewRouter(transport.Dependencies{
		Config:        cfg,
		EventStore:    h.EventStore,
		WorkflowStore: h.WorkflowStore,
		Bridge:        h.Bridge,
		TaskNames:     names,
		Metrics:       metrics,
		Ready: observability.ReadinessChecks{
			EventStore:    h.EventStore,
			WorkflowStore: h.WorkflowStore,
		},
		Log: logger,
	})
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *Harness) BaseURL() string {
	return h.server.URL
}

// IngestTask feeds one raw task event through the pipeline, as the broker
// consumer would.
func (h *Harness) IngestTask(raw event.Raw) {
	h.t.Helper()
	if err := h.Pipeline.Handle(h.ctx, raw); err != nil {
		h.t.Fatalf("ingest task event %s/%s: %v", raw.Type, raw.UUID, err)
	}
}

// IngestWorker feeds one raw worker event through the pipeline.
func (h *Harness) IngestWorker(raw event.Raw) {
	h.t.Helper()
	if err := h.Pipeline.Handle(h.ctx, raw); err != nil {
		h.t.Fatalf("ingest worker event %s/%s: %v", raw.Type, raw.Hostname, err)
	}
}

// TaskLifecycle ingests received, started, and a final event for a task.
func (h *Harness) TaskLifecycle(taskID, name, hostname, finalType string, raw event.Raw) {
	h.t.Helper()
	base := raw
	base.UUID = taskID
	base.Name = name
	base.Hostname = hostname
	if base.Queue == "" {
		base.Queue = "default"
	}
	if base.Timestamp == 0 {
		base.Timestamp = float64(time.Now().Unix())
	}

	for i, eventType := range []string{model.TaskEventReceived, model.TaskEventStarted, finalType} {
		ev := base
		ev.Type = eventType
		ev.Timestamp = base.Timestamp + float64(i)
		h.IngestTask(ev)
	}
}

// GetJSON performs a GET request and unmarshals the response body.
func (h *Harness) GetJSON(path string, target any) int {
	h.t.Helper()

	resp, err := http.Get(h.server.URL + path)
	if err != nil {
		h.t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if target != nil && resp.StatusCode == http.StatusOK {
		if err := json.Unmarshal(data, target); err != nil {
			h.t.Fatalf("unmarshal response: %v\nbody: %s", err, data)
		}
	}
	return resp.StatusCode
}

// WaitExecutions polls until the workflow has at least n execution rows or
// the deadline passes, then returns them newest first.
func (h *Harness) WaitExecutions(workflowID string, n int) []model.WorkflowExecution {
	h.t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for {
		execs, err := h.WorkflowStore.ListExecutions(h.ctx, workflowID, 100)
		if err != nil {
			h.t.Fatalf("list executions: %v", err)
		}
		settled := 0
		for _, ex := range execs {
			if ex.Status != model.ExecutionStatusRunning {
				settled++
			}
		}
		if settled >= n {
			return execs
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("%d settled executions for workflow %s, want at least %d",
				settled, workflowID, n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// WaitSubmission receives one resubmitted task or fails the test.
func (h *Harness) WaitSubmission() model.TaskSubmission {
	h.t.Helper()
	select {
	case sub := <-h.Submissions:
		return sub
	case <-time.After(5 * time.Second):
		h.t.Fatal("timed out waiting for a task resubmission")
		return model.TaskSubmission{}
	}
}

// ExpectNoSubmission asserts that no resubmission arrives within the window.
func (h *Harness) ExpectNoSubmission(window time.Duration) {
	h.t.Helper()
	select {
	case sub := <-h.Submissions:
		h.t.Fatalf("unexpected resubmission of task %s", sub.TaskID)
	case <-time.After(window):
	}
}

// WaitWebhook receives one notify webhook body or fails the test.
func (h *Harness) WaitWebhook() map[string]any {
	h.t.Helper()
	select {
	case body := <-h.WebhookBodies:
		var payload map[string]any
		if err := json.Unmarshal(body, &payload); err != nil {
			h.t.Fatalf("unmarshal webhook body: %v\nbody: %s", err, body)
		}
		return payload
	case <-time.After(5 * time.Second):
		h.t.Fatal("timed out waiting for a webhook call")
		return nil
	}
}
