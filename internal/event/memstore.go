package event

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/queuescope/queuescope/model"
)

// MemoryStore is an in-memory Store for testing and single-instance
// deployments without Postgres.
type MemoryStore struct {
	mu            sync.RWMutex
	taskEvents    []model.TaskEvent
	workerEvents  []model.WorkerEvent
	relationships map[string]model.RetryRelationship // key: task id
}

// NewMemoryStore creates a new in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		relationships: make(map[string]model.RetryRelationship),
	}
}

// InsertTaskEvent appends one task event.
func (s *MemoryStore) InsertTaskEvent(_ context.Context, ev model.TaskEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.taskEvents = append(s.taskEvents, ev)
	return nil
}

// InsertWorkerEvent appends one worker event.
func (s *MemoryStore) InsertWorkerEvent(_ context.Context, ev model.WorkerEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.workerEvents = append(s.workerEvents, ev)
	return nil
}

// ReceivedEvent returns the earliest "task-received" event for a task.
func (s *MemoryStore) ReceivedEvent(_ context.Context, taskID string) (model.TaskEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *model.TaskEvent
	for i := range s.taskEvents {
		ev := &s.taskEvents[i]
		if ev.TaskID != taskID || ev.EventType != model.TaskEventReceived {
			continue
		}
		if found == nil || ev.Timestamp.Before(found.Timestamp) {
			found = ev
		}
	}
	if found == nil {
		return model.TaskEvent{}, model.NewNotFoundError(
			fmt.Sprintf("no received event for task %q", taskID),
		)
	}
	return *found, nil
}

// TaskEvents returns all events for a task ordered by (timestamp, id).
func (s *MemoryStore) TaskEvents(_ context.Context, taskID string) ([]model.TaskEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TaskEvent
	for _, ev := range s.taskEvents {
		if ev.TaskID == taskID {
			result = append(result, ev)
		}
	}
	sortEvents(result)
	return result, nil
}

// LatestEventsByHost returns each task's latest event on the hostname.
func (s *MemoryStore) LatestEventsByHost(_ context.Context, hostname string) ([]model.TaskEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Tasks seen on the host at least once qualify; their latest event may
	// itself carry a different hostname (e.g. a sent event from a client).
	onHost := make(map[string]bool)
	for _, ev := range s.taskEvents {
		if ev.Hostname == hostname {
			onHost[ev.TaskID] = true
		}
	}

	latest := make(map[string]model.TaskEvent)
	for _, ev := range s.taskEvents {
		if !onHost[ev.TaskID] {
			continue
		}
		cur, ok := latest[ev.TaskID]
		if !ok || laterEvent(ev, cur) {
			latest[ev.TaskID] = ev
		}
	}

	result := make([]model.TaskEvent, 0, len(latest))
	for _, ev := range latest {
		result = append(result, ev)
	}
	sortEvents(result)
	return result, nil
}

// MarkOrphaned flags non-orphaned tasks among taskIDs, returning the ids
// actually updated.
func (s *MemoryStore) MarkOrphaned(_ context.Context, taskIDs []string, at time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]bool, len(taskIDs))
	for _, id := range taskIDs {
		wanted[id] = true
	}

	// Already-orphaned tasks keep their original orphaned_at.
	skip := make(map[string]bool)
	for _, ev := range s.taskEvents {
		if wanted[ev.TaskID] && ev.IsOrphan {
			skip[ev.TaskID] = true
		}
	}

	updated := make(map[string]bool)
	for i := range s.taskEvents {
		ev := &s.taskEvents[i]
		if !wanted[ev.TaskID] || skip[ev.TaskID] {
			continue
		}
		ev.IsOrphan = true
		ts := at
		ev.OrphanedAt = &ts
		updated[ev.TaskID] = true
	}

	ids := make([]string, 0, len(updated))
	for id := range updated {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// RecentTaskEvents returns up to limit most recent task events, newest first.
func (s *MemoryStore) RecentTaskEvents(_ context.Context, limit int) ([]model.TaskEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.TaskEvent, len(s.taskEvents))
	copy(result, s.taskEvents)
	sortEvents(result)
	// Reverse to newest-first.
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// RecentWorkerEvents returns up to limit most recent worker events, newest first.
func (s *MemoryStore) RecentWorkerEvents(_ context.Context, limit int) ([]model.WorkerEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.WorkerEvent, len(s.workerEvents))
	copy(result, s.workerEvents)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.After(result[j].Timestamp)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Relationship returns the retry relationship row owned by taskID.
func (s *MemoryStore) Relationship(_ context.Context, taskID string) (model.RetryRelationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rel, ok := s.relationships[taskID]
	if !ok {
		return model.RetryRelationship{}, model.NewNotFoundError(
			fmt.Sprintf("no retry relationship for task %q", taskID),
		)
	}
	return copyRelationship(rel), nil
}

// CreateRetry records newID as a retry in the chain rooted at originalID.
func (s *MemoryStore) CreateRetry(_ context.Context, originalID, newID string) (model.RetryRelationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.relationships[newID]; exists {
		return model.RetryRelationship{}, model.NewConflictError(
			fmt.Sprintf("task %q already belongs to a retry chain", newID),
		)
	}

	root, ok := s.relationships[originalID]
	if !ok {
		root = model.RetryRelationship{TaskID: originalID, OriginalID: originalID}
	}

	root.RetryChain = append(root.RetryChain, newID)
	root.TotalRetries = len(root.RetryChain)
	s.relationships[originalID] = root

	child := model.RetryRelationship{TaskID: newID, OriginalID: root.OriginalID}
	s.relationships[newID] = child

	// Retroactively stamp the original task's events.
	chain := make([]string, len(root.RetryChain))
	copy(chain, root.RetryChain)
	for i := range s.taskEvents {
		ev := &s.taskEvents[i]
		if ev.TaskID == originalID {
			ev.RetriedBy = chain
			ev.RetryCount = root.TotalRetries
		}
	}

	return copyRelationship(root), nil
}

// HealthCheck implements observability.HealthChecker.
func (s *MemoryStore) HealthCheck(_ context.Context) error { return nil }

// laterEvent orders events by (timestamp, id), the authoritative ordering
// for per-task current state.
func laterEvent(a, b model.TaskEvent) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.ID > b.ID
}

func sortEvents(events []model.TaskEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return events[i].ID < events[j].ID
	})
}

func copyRelationship(rel model.RetryRelationship) model.RetryRelationship {
	out := rel
	out.RetryChain = make([]string, len(rel.RetryChain))
	copy(out.RetryChain, rel.RetryChain)
	return out
}
