// Package orphan flags tasks stranded by workers that went offline before
// the task reached a terminal state.
package orphan

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/queuescope/queuescope/internal/event"
	"github.com/queuescope/queuescope/internal/observability"
	"github.com/queuescope/queuescope/model"
)

// Detector finds and flags non-terminal tasks on a host whose worker went
// offline. Detection is idempotent: already-orphaned tasks are excluded, so
// repeated runs never overwrite the original orphaned_at.
type Detector struct {
	store   event.Store
	sink    event.Sink
	engine  event.Automations
	metrics *observability.Metrics
	log     *zap.Logger
}

// NewDetector creates an orphan detector.
func NewDetector(store event.Store, sink event.Sink, engine event.Automations, metrics *observability.Metrics, log *zap.Logger) *Detector {
	return &Detector{store: store, sink: sink, engine: engine, metrics: metrics, log: log}
}

// Detect flags the orphaned tasks of a host and returns their ids.
//
// The grace period debounces races against in-flight completion events
// still in transit when the offline signal arrived. It is a heuristic, not
// a correctness guarantee: a completion that lands after marking leaves a
// small residual race, accepted by design. Callers whose offline signal
// already absorbed the race window (the health monitor's heartbeat
// timeout) pass zero.
func (d *Detector) Detect(ctx context.Context, hostname string, orphanedAt time.Time, grace time.Duration) ([]string, error) {
	if grace > 0 {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	orphanedAt = model.NormalizeTime(orphanedAt)

	latest, err := d.store.LatestEventsByHost(ctx, hostname)
	if err != nil {
		return nil, fmt.Errorf("latest events for host %q: %w", hostname, err)
	}

	var candidates []model.TaskEvent
	for _, ev := range latest {
		if model.IsTerminalTaskEvent(ev.EventType) || ev.IsOrphan {
			continue
		}
		candidates = append(candidates, ev)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	ids := make([]string, len(candidates))
	byID := make(map[string]model.TaskEvent, len(candidates))
	for i, ev := range candidates {
		ids[i] = ev.TaskID
		byID[ev.TaskID] = ev
	}

	updated, err := d.store.MarkOrphaned(ctx, ids, orphanedAt)
	if err != nil {
		return nil, fmt.Errorf("mark orphaned on host %q: %w", hostname, err)
	}

	for _, taskID := range updated {
		d.metrics.TasksOrphanedTotal.Inc()
		synthetic := syntheticOrphanEvent(byID[taskID], hostname, orphanedAt)

		if err := d.store.InsertTaskEvent(ctx, synthetic); err != nil {
			d.log.Error("persist orphan event failed",
				zap.String("task_id", taskID), zap.Error(err))
			continue
		}
		d.sink.Publish(synthetic.EventType, synthetic)
		if d.engine != nil {
			d.engine.OnTaskEvent(ctx, synthetic)
		}
	}

	if len(updated) > 0 {
		d.log.Info("tasks orphaned",
			zap.String("hostname", hostname),
			zap.Int("count", len(updated)),
			zap.Time("orphaned_at", orphanedAt))
	}
	return updated, nil
}

// syntheticOrphanEvent builds the broadcastable task-orphaned event from
// the task's last observed state. The event timestamp is clamped past the
// task's latest event so the orphan always wins the (timestamp, id) ordering
// even when broker clocks run ahead of ours.
func syntheticOrphanEvent(last model.TaskEvent, hostname string, orphanedAt time.Time) model.TaskEvent {
	ts := orphanedAt
	if !ts.After(last.Timestamp) {
		ts = last.Timestamp.Add(time.Millisecond)
	}
	return model.TaskEvent{
		ID:         uuid.New().String(),
		TaskID:     last.TaskID,
		TaskName:   last.TaskName,
		EventType:  model.TaskEventOrphaned,
		Timestamp:  ts,
		Hostname:   hostname,
		Queue:      last.Queue,
		Args:       last.Args,
		Kwargs:     last.Kwargs,
		RetryOf:    last.RetryOf,
		RetriedBy:  last.RetriedBy,
		RetryCount: last.RetryCount,
		IsOrphan:   true,
		OrphanedAt: &orphanedAt,
	}
}
