package event

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/queuescope/queuescope/internal/observability"
	"github.com/queuescope/queuescope/model"
)

// Sink receives normalized events for live fan-out. Publish reports
// whether the item was accepted; a full hand-off queue drops it.
type Sink interface {
	Publish(kind string, payload any) bool
}

// Automations evaluates workflow automations against normalized events.
type Automations interface {
	OnTaskEvent(ctx context.Context, ev model.TaskEvent)
	OnWorkerEvent(ctx context.Context, ev model.WorkerEvent)
}

// WorkerTracker observes worker events for liveness tracking. An explicit
// offline event cascades into orphan detection for the worker's tasks.
type WorkerTracker interface {
	Observe(ctx context.Context, ev model.WorkerEvent)
}

// NameRecorder records task names as they are observed.
type NameRecorder interface {
	Record(ctx context.Context, name string) error
}

// Pipeline is the ingestion path: it runs on the single broker-consumer
// goroutine and is the sole writer of newly observed events.
type Pipeline struct {
	normalizer *Normalizer
	store      Store
	sink       Sink
	engine     Automations
	workers    WorkerTracker
	names      NameRecorder
	metrics    *observability.Metrics
	log        *zap.Logger
}

// NewPipeline wires the ingestion path.
func NewPipeline(
	normalizer *Normalizer,
	store Store,
	sink Sink,
	engine Automations,
	workers WorkerTracker,
	names NameRecorder,
	metrics *observability.Metrics,
	log *zap.Logger,
) *Pipeline {
	return &Pipeline{
		normalizer: normalizer,
		store:      store,
		sink:       sink,
		engine:     engine,
		workers:    workers,
		names:      names,
		metrics:    metrics,
		log:        log,
	}
}

// Handle processes one raw broker event end to end: normalize, persist,
// fan out, and evaluate automations. A storage error drops this single
// event; the caller logs and keeps consuming.
func (p *Pipeline) Handle(ctx context.Context, raw Raw) error {
	if raw.IsWorkerEvent() {
		return p.handleWorker(ctx, raw)
	}
	return p.handleTask(ctx, raw)
}

func (p *Pipeline) handleTask(ctx context.Context, raw Raw) error {
	if raw.UUID == "" {
		p.metrics.RecordEventDropped("missing_task_id")
		return fmt.Errorf("task event %q has no task id", raw.Type)
	}

	ev, err := p.normalizer.NormalizeTask(ctx, raw)
	if err != nil {
		p.metrics.RecordEventDropped("normalize")
		return fmt.Errorf("normalize task event: %w", err)
	}

	if err := p.store.InsertTaskEvent(ctx, ev); err != nil {
		p.metrics.RecordEventDropped("store")
		return fmt.Errorf("persist task event: %w", err)
	}
	p.metrics.RecordEventIngested(ev.EventType)

	if ev.TaskName != "" && p.names != nil {
		if err := p.names.Record(ctx, ev.TaskName); err != nil {
			p.log.Warn("task name cache record failed",
				zap.String("task_name", ev.TaskName), zap.Error(err))
		}
	}

	p.sink.Publish(ev.EventType, ev)
	p.engine.OnTaskEvent(ctx, ev)
	return nil
}

func (p *Pipeline) handleWorker(ctx context.Context, raw Raw) error {
	if raw.Hostname == "" {
		p.metrics.RecordEventDropped("missing_hostname")
		return fmt.Errorf("worker event %q has no hostname", raw.Type)
	}

	ev := p.normalizer.NormalizeWorker(raw)

	if err := p.store.InsertWorkerEvent(ctx, ev); err != nil {
		p.metrics.RecordEventDropped("store")
		return fmt.Errorf("persist worker event: %w", err)
	}
	p.metrics.RecordEventIngested(ev.EventType)

	if p.workers != nil {
		p.workers.Observe(ctx, ev)
	}

	p.sink.Publish(ev.EventType, ev)

	// Heartbeats keep liveness fresh but do not drive automations.
	if ev.EventType != model.WorkerEventHeartbeat {
		p.engine.OnWorkerEvent(ctx, ev)
	}
	return nil
}
