package model

import "time"

// Task event type constants. These are the canonical inbound vocabulary
// carried on the broker; "task-orphaned" is synthetic, emitted by the
// orphan detector rather than the broker.
const (
	TaskEventSent      = "task-sent"
	TaskEventReceived  = "task-received"
	TaskEventStarted   = "task-started"
	TaskEventSucceeded = "task-succeeded"
	TaskEventFailed    = "task-failed"
	TaskEventRetried   = "task-retried"
	TaskEventRevoked   = "task-revoked"
	TaskEventOrphaned  = "task-orphaned"
)

// Worker event type constants.
const (
	WorkerEventOnline    = "worker-online"
	WorkerEventOffline   = "worker-offline"
	WorkerEventHeartbeat = "worker-heartbeat"
)

// terminalTaskEvents are the event types after which a task cannot be
// orphaned: the task already reached a final state.
var terminalTaskEvents = map[string]bool{
	TaskEventSucceeded: true,
	TaskEventFailed:    true,
	TaskEventRevoked:   true,
	TaskEventOrphaned:  true,
}

// IsTerminalTaskEvent reports whether the given task event type is terminal.
func IsTerminalTaskEvent(eventType string) bool {
	return terminalTaskEvents[eventType]
}

// TaskEvent is one observed transition of a task. Rows are immutable once
// written except the orphan flag and timestamp, which are set at most once.
type TaskEvent struct {
	ID         string         `json:"id"`
	TaskID     string         `json:"task_id"`
	TaskName   string         `json:"task_name"`
	EventType  string         `json:"event_type"`
	Timestamp  time.Time      `json:"timestamp"`
	Hostname   string         `json:"hostname"`
	Queue      string         `json:"queue,omitempty"`
	Args       string         `json:"args,omitempty"`
	Kwargs     map[string]any `json:"kwargs,omitempty"`
	Result     string         `json:"result,omitempty"`
	Runtime    float64        `json:"runtime,omitempty"`
	Exception  string         `json:"exception,omitempty"`
	RetryOf    string         `json:"retry_of,omitempty"`
	RetriedBy  []string       `json:"retried_by,omitempty"`
	RetryCount int            `json:"retry_count"`
	IsOrphan   bool           `json:"is_orphan"`
	OrphanedAt *time.Time     `json:"orphaned_at,omitempty"`
}

// WorkerEvent is one observed worker transition or heartbeat. Append-only.
type WorkerEvent struct {
	ID        string    `json:"id"`
	Hostname  string    `json:"hostname"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Active    int       `json:"active"`
	Processed int       `json:"processed"`
	LoadAvg   []float64 `json:"loadavg,omitempty"`
	FreqHz    float64   `json:"freq,omitempty"`
}

// TaskSubmission is the resubmission contract back to the broker: a task
// identity plus the payload it should run with.
type TaskSubmission struct {
	TaskID       string         `json:"task_id"`
	TaskName     string         `json:"task_name"`
	Args         string         `json:"args,omitempty"`
	Kwargs       map[string]any `json:"kwargs,omitempty"`
	Queue        string         `json:"queue,omitempty"`
	DelaySeconds int            `json:"delay_seconds,omitempty"`
}

// NormalizeTime coerces a timestamp to UTC. Naive or zone-local timestamps
// observed on the wire are assumed to already be UTC; this must be applied
// at every component boundary, not only at write time.
func NormalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
