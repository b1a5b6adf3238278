// Package event converts raw broker events into canonical task and worker
// records, persists them, and maintains retry lineage between task ids.
package event

import (
	"context"
	"time"

	"github.com/queuescope/queuescope/model"
)

// Store persists task/worker events and retry relationships. Events and
// lineage share one store because retry creation mutates both in a single
// unit of work: any failure rolls the whole sequence back so chains and
// event flags never diverge.
type Store interface {
	// InsertTaskEvent appends one task event.
	InsertTaskEvent(ctx context.Context, ev model.TaskEvent) error

	// InsertWorkerEvent appends one worker event.
	InsertWorkerEvent(ctx context.Context, ev model.WorkerEvent) error

	// ReceivedEvent returns the earliest "task-received" event for a task.
	// Returns NOT_FOUND if the task has no received event.
	ReceivedEvent(ctx context.Context, taskID string) (model.TaskEvent, error)

	// TaskEvents returns all events for a task ordered by (timestamp, id).
	TaskEvents(ctx context.Context, taskID string) ([]model.TaskEvent, error)

	// LatestEventsByHost returns, for every task observed on the given
	// hostname, that task's single latest event ordered by (timestamp, id).
	LatestEventsByHost(ctx context.Context, hostname string) ([]model.TaskEvent, error)

	// MarkOrphaned flags the given tasks as orphaned in one statement,
	// skipping tasks already flagged, and returns the ids actually updated.
	// Repeated runs never overwrite an earlier orphaned_at.
	MarkOrphaned(ctx context.Context, taskIDs []string, at time.Time) ([]string, error)

	// RecentTaskEvents returns up to limit most recent task events, newest
	// first.
	RecentTaskEvents(ctx context.Context, limit int) ([]model.TaskEvent, error)

	// RecentWorkerEvents returns up to limit most recent worker events,
	// newest first.
	RecentWorkerEvents(ctx context.Context, limit int) ([]model.WorkerEvent, error)

	// Relationship returns the retry relationship row owned by taskID.
	// Returns NOT_FOUND if the task is not part of any chain.
	Relationship(ctx context.Context, taskID string) (model.RetryRelationship, error)

	// CreateRetry records that newID is a retry in the chain rooted at
	// originalID: it inserts the child row, appends newID to the root
	// chain, and retroactively stamps retried_by on the original task's
	// prior events. The whole mutation is atomic and fails closed.
	CreateRetry(ctx context.Context, originalID, newID string) (model.RetryRelationship, error)
}
