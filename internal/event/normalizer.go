package event

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/queuescope/queuescope/model"
)

// Raw is the wire shape of one broker event before normalization. Task and
// worker events share the envelope; worker events carry the counter fields.
type Raw struct {
	Type       string         `json:"type"`
	UUID       string         `json:"uuid"`
	Name       string         `json:"name"`
	Timestamp  float64        `json:"timestamp"` // unix seconds, possibly fractional
	Hostname   string         `json:"hostname"`
	Queue      string         `json:"queue"`
	RoutingKey string         `json:"routing_key"`
	Args       string         `json:"args"`
	Kwargs     map[string]any `json:"kwargs"`
	Result     string         `json:"result"`
	Runtime    float64        `json:"runtime"`
	Exception  string         `json:"exception"`

	// Worker counters.
	Active    int       `json:"active"`
	Processed int       `json:"processed"`
	Loadavg   []float64 `json:"loadavg"`
	Freq      float64   `json:"freq"`
}

// IsWorkerEvent reports whether the raw event concerns a worker.
func (r Raw) IsWorkerEvent() bool {
	return strings.HasPrefix(r.Type, "worker-")
}

// Time converts the raw unix timestamp to UTC. A missing timestamp is
// assumed to be now; naive timestamps are assumed UTC.
func (r Raw) Time() time.Time {
	if r.Timestamp == 0 {
		return time.Now().UTC()
	}
	sec, frac := math.Modf(r.Timestamp)
	return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC()
}

// Normalizer converts raw broker events into canonical records, inheriting
// missing task fields from the task's earlier received event and resolving
// retry lineage for display.
type Normalizer struct {
	store   Store
	lineage *LineageTracker
}

// NewNormalizer creates a normalizer over the given store.
func NewNormalizer(store Store, lineage *LineageTracker) *Normalizer {
	return &Normalizer{store: store, lineage: lineage}
}

// NormalizeTask converts a raw task event into a canonical TaskEvent. If
// the event carries no args/kwargs/queue, they are inherited from the
// task's earlier received event so downstream consumers always see a
// complete record.
func (n *Normalizer) NormalizeTask(ctx context.Context, raw Raw) (model.TaskEvent, error) {
	ev := model.TaskEvent{
		ID:        uuid.New().String(),
		TaskID:    raw.UUID,
		TaskName:  raw.Name,
		EventType: raw.Type,
		Timestamp: model.NormalizeTime(raw.Time()),
		Hostname:  raw.Hostname,
		Queue:     raw.Queue,
		Args:      raw.Args,
		Kwargs:    raw.Kwargs,
		Result:    raw.Result,
		Runtime:   raw.Runtime,
		Exception: raw.Exception,
	}
	if ev.Queue == "" {
		ev.Queue = raw.RoutingKey
	}

	if ev.EventType != model.TaskEventReceived &&
		(ev.Args == "" || ev.Kwargs == nil || ev.Queue == "" || ev.TaskName == "") {
		received, err := n.store.ReceivedEvent(ctx, ev.TaskID)
		if err == nil {
			if ev.Args == "" {
				ev.Args = received.Args
			}
			if ev.Kwargs == nil {
				ev.Kwargs = received.Kwargs
			}
			if ev.Queue == "" {
				ev.Queue = received.Queue
			}
			if ev.TaskName == "" {
				ev.TaskName = received.TaskName
			}
		} else if !model.IsNotFound(err) {
			return model.TaskEvent{}, err
		}
	}

	if err := n.lineage.Decorate(ctx, &ev); err != nil {
		return model.TaskEvent{}, err
	}
	return ev, nil
}

// NormalizeWorker converts a raw worker event into a canonical WorkerEvent.
func (n *Normalizer) NormalizeWorker(raw Raw) model.WorkerEvent {
	return model.WorkerEvent{
		ID:        uuid.New().String(),
		Hostname:  raw.Hostname,
		EventType: raw.Type,
		Timestamp: model.NormalizeTime(raw.Time()),
		Active:    raw.Active,
		Processed: raw.Processed,
		LoadAvg:   raw.Loadavg,
		FreqHz:    raw.Freq,
	}
}
