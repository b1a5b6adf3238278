package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCodeHelpers(t *testing.T) {
	assert.True(t, IsNotFound(NewNotFoundError("task t1")))
	assert.True(t, IsConflict(NewConflictError("already a chain member")))

	assert.False(t, IsNotFound(NewConflictError("already a chain member")))
	assert.False(t, IsConflict(errors.New("plain")))
	assert.False(t, IsNotFound(nil))
}

func TestErrorCodeHelpersUnwrap(t *testing.T) {
	wrapped := fmt.Errorf("record retry for root %q: %w", "t1", NewConflictError("already a chain member"))
	assert.True(t, IsConflict(wrapped))
	assert.False(t, IsNotFound(wrapped))

	deep := fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", NewNotFoundError("task t1")))
	assert.True(t, IsNotFound(deep))
}
