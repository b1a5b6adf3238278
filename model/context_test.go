package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLookupField(t *testing.T) {
	fields := map[string]any{
		"task_name": "tasks.send_email",
		"kwargs": map[string]any{
			"user": map[string]any{"id": float64(42)},
		},
	}

	v, ok := LookupField(fields, "task_name")
	assert.True(t, ok)
	assert.Equal(t, "tasks.send_email", v)

	v, ok = LookupField(fields, "kwargs.user.id")
	assert.True(t, ok)
	assert.Equal(t, float64(42), v)

	_, ok = LookupField(fields, "kwargs.missing")
	assert.False(t, ok)

	_, ok = LookupField(fields, "task_name.nested")
	assert.False(t, ok)
}

func TestConditionEvaluate(t *testing.T) {
	fields := map[string]any{
		"task_name":   "tasks.send_email",
		"exception":   "TimeoutError: connect timed out",
		"runtime":     float64(12.5),
		"retry_count": 3,
		"queue":       "default",
	}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"equals match", Condition{Field: "task_name", Operator: OpEquals, Value: "tasks.send_email"}, true},
		{"equals mismatch", Condition{Field: "task_name", Operator: OpEquals, Value: "tasks.other"}, false},
		{"equals numeric string", Condition{Field: "retry_count", Operator: OpEquals, Value: "3"}, true},
		{"not_equals", Condition{Field: "queue", Operator: OpNotEquals, Value: "priority"}, true},
		{"in", Condition{Field: "queue", Operator: OpIn, Value: []any{"default", "priority"}}, true},
		{"not_in", Condition{Field: "queue", Operator: OpNotIn, Value: []any{"priority"}}, true},
		{"regex", Condition{Field: "exception", Operator: OpRegex, Value: `^TimeoutError`}, true},
		{"regex invalid pattern", Condition{Field: "exception", Operator: OpRegex, Value: `([`}, false},
		{"gt", Condition{Field: "runtime", Operator: OpGt, Value: float64(10)}, true},
		{"gt string threshold", Condition{Field: "runtime", Operator: OpGt, Value: "20"}, false},
		{"lte", Condition{Field: "retry_count", Operator: OpLte, Value: 3}, true},
		{"contains", Condition{Field: "exception", Operator: OpContains, Value: "timed out"}, true},
		{"starts_with", Condition{Field: "task_name", Operator: OpStartsWith, Value: "tasks."}, true},
		{"ends_with", Condition{Field: "task_name", Operator: OpEndsWith, Value: "_email"}, true},
		{"unknown operator", Condition{Field: "queue", Operator: "like", Value: "def"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cond.Evaluate(fields))
		})
	}
}

func TestConditionMissingField(t *testing.T) {
	fields := map[string]any{"task_name": "tasks.cleanup"}

	// Absent fields satisfy not_equals and nothing else.
	assert.True(t, Condition{Field: "exception", Operator: OpNotEquals, Value: "x"}.Evaluate(fields))
	assert.False(t, Condition{Field: "exception", Operator: OpEquals, Value: "x"}.Evaluate(fields))
	assert.False(t, Condition{Field: "exception", Operator: OpContains, Value: "x"}.Evaluate(fields))
	assert.False(t, Condition{Field: "exception", Operator: OpGt, Value: 1}.Evaluate(fields))
}

func TestTaskEventContext(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ev := TaskEvent{
		TaskID:     "t-1",
		TaskName:   "tasks.resize",
		EventType:  TaskEventFailed,
		Timestamp:  ts,
		Hostname:   "worker-a",
		Queue:      "images",
		Exception:  "OOM",
		RetryCount: 2,
		Kwargs:     map[string]any{"width": float64(800)},
	}

	fields := TaskEventContext(ev)
	assert.Equal(t, "t-1", fields["task_id"])
	assert.Equal(t, TaskEventFailed, fields["event_type"])
	assert.Equal(t, "OOM", fields["exception"])

	v, ok := LookupField(fields, "kwargs.width")
	assert.True(t, ok)
	assert.Equal(t, float64(800), v)

	// Empty optional fields stay absent so missing-field semantics apply.
	_, ok = fields["result"]
	assert.False(t, ok)
}
