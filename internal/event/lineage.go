package event

import (
	"context"
	"fmt"

	"github.com/queuescope/queuescope/model"
)

// LineageTracker maintains parent/child retry relationships per task chain
// on top of the event store's denormalized relationship rows.
type LineageTracker struct {
	store Store
}

// NewLineageTracker creates a tracker over the given store.
func NewLineageTracker(store Store) *LineageTracker {
	return &LineageTracker{store: store}
}

// ChainRoot resolves the root task id of the chain containing taskID.
// A task with no relationship row is its own root.
func (t *LineageTracker) ChainRoot(ctx context.Context, taskID string) (string, error) {
	rel, err := t.store.Relationship(ctx, taskID)
	if model.IsNotFound(err) {
		return taskID, nil
	}
	if err != nil {
		return "", err
	}
	return rel.OriginalID, nil
}

// RetryCount returns the number of retries recorded for the chain
// containing taskID, resolved via the chain root.
func (t *LineageTracker) RetryCount(ctx context.Context, taskID string) (int, error) {
	root, err := t.ChainRoot(ctx, taskID)
	if err != nil {
		return 0, err
	}
	rel, err := t.store.Relationship(ctx, root)
	if model.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return rel.TotalRetries, nil
}

// RecordRetry appends newID to the chain containing taskID. The store
// mutation is atomic and fails closed, so lineage rows and event flags
// never diverge.
func (t *LineageTracker) RecordRetry(ctx context.Context, taskID, newID string) (model.RetryRelationship, error) {
	root, err := t.ChainRoot(ctx, taskID)
	if err != nil {
		return model.RetryRelationship{}, err
	}
	rel, err := t.store.CreateRetry(ctx, root, newID)
	if err != nil {
		return model.RetryRelationship{}, fmt.Errorf("record retry %s -> %s: %w", root, newID, err)
	}
	return rel, nil
}

// Decorate fills the display lineage fields on a task event from the
// task's relationship row: a 1-hop view of parent and children. Deeper
// ancestry is intentionally not walked; nested records resolve their own
// rows, which prevents cycles in rendered output.
func (t *LineageTracker) Decorate(ctx context.Context, ev *model.TaskEvent) error {
	rel, err := t.store.Relationship(ctx, ev.TaskID)
	if model.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	if rel.OriginalID != ev.TaskID {
		ev.RetryOf = rel.OriginalID
	}
	if len(rel.RetryChain) > 0 {
		ev.RetriedBy = rel.RetryChain
	}
	ev.RetryCount = rel.TotalRetries
	return nil
}
