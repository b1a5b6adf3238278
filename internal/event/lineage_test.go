package event

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queuescope/queuescope/model"
)

func TestChainRootWithoutRelationship(t *testing.T) {
	tracker := NewLineageTracker(NewMemoryStore())

	root, err := tracker.ChainRoot(context.Background(), "solo")
	require.NoError(t, err)
	assert.Equal(t, "solo", root)
}

func TestRecordRetryChainInvariants(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tracker := NewLineageTracker(store)

	// Three retries: root -> r1 -> r2 -> r3, each recorded against the
	// previous member rather than the root.
	prev := "root"
	for _, id := range []string{"r1", "r2", "r3"} {
		rel, err := tracker.RecordRetry(ctx, prev, id)
		require.NoError(t, err)
		assert.Equal(t, "root", rel.OriginalID)
		prev = id
	}

	rootRel, err := store.Relationship(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2", "r3"}, rootRel.RetryChain)
	assert.Equal(t, len(rootRel.RetryChain), rootRel.TotalRetries)

	// Every chain member resolves to the same root and sees the same count.
	for _, id := range []string{"root", "r1", "r2", "r3"} {
		root, err := tracker.ChainRoot(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "root", root, "member %s", id)

		count, err := tracker.RetryCount(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 3, count, "member %s", id)
	}
}

func TestRecordRetryRejectsChainMember(t *testing.T) {
	ctx := context.Background()
	tracker := NewLineageTracker(NewMemoryStore())

	_, err := tracker.RecordRetry(ctx, "root", "r1")
	require.NoError(t, err)

	_, err = tracker.RecordRetry(ctx, "root", "r1")
	require.Error(t, err)
	assert.True(t, model.IsConflict(err))
}

func TestDecorate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tracker := NewLineageTracker(store)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.InsertTaskEvent(ctx, model.TaskEvent{
		ID: "e1", TaskID: "root", EventType: model.TaskEventFailed, Timestamp: base,
	}))
	_, err := tracker.RecordRetry(ctx, "root", "r1")
	require.NoError(t, err)

	rootEv := model.TaskEvent{TaskID: "root"}
	require.NoError(t, tracker.Decorate(ctx, &rootEv))
	assert.Empty(t, rootEv.RetryOf)
	assert.Equal(t, []string{"r1"}, rootEv.RetriedBy)
	assert.Equal(t, 1, rootEv.RetryCount)

	childEv := model.TaskEvent{TaskID: "r1"}
	require.NoError(t, tracker.Decorate(ctx, &childEv))
	assert.Equal(t, "root", childEv.RetryOf)
	assert.Empty(t, childEv.RetriedBy)

	// Tasks outside any chain are left untouched.
	plain := model.TaskEvent{TaskID: "other"}
	require.NoError(t, tracker.Decorate(ctx, &plain))
	assert.Empty(t, plain.RetryOf)
	assert.Zero(t, plain.RetryCount)
}

func TestCreateRetryBackfillsRootEvents(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tracker := NewLineageTracker(store)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.InsertTaskEvent(ctx, model.TaskEvent{
		ID: "e1", TaskID: "root", EventType: model.TaskEventFailed, Timestamp: base,
	}))

	_, err := tracker.RecordRetry(ctx, "root", "r1")
	require.NoError(t, err)

	events, err := store.TaskEvents(ctx, "root")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, []string{"r1"}, events[0].RetriedBy)
	assert.Equal(t, 1, events[0].RetryCount)
}
