package broadcast

import (
	"fmt"
	"strings"

	"github.com/queuescope/queuescope/model"
)

// Filter narrows which messages a subscriber receives. Allow-lists and
// conditions all have to pass; empty parts pass everything.
type Filter struct {
	EventTypes []string
	TaskNames  []string
	Conditions []model.Condition
}

// Matches reports whether the message passes the filter. A nil filter
// matches everything. The task-name allow-list only ever matches task
// events, so setting it implicitly excludes worker events.
func (f *Filter) Matches(msg Message) bool {
	if f == nil {
		return true
	}
	if len(f.EventTypes) > 0 && !containsString(f.EventTypes, msg.Kind) {
		return false
	}

	var fields map[string]any
	switch ev := msg.Payload.(type) {
	case model.TaskEvent:
		if len(f.TaskNames) > 0 && !containsString(f.TaskNames, ev.TaskName) {
			return false
		}
		fields = model.TaskEventContext(ev)
	case model.WorkerEvent:
		if len(f.TaskNames) > 0 {
			return false
		}
		fields = model.WorkerEventContext(ev)
	default:
		if len(f.TaskNames) > 0 || len(f.Conditions) > 0 {
			return false
		}
		return true
	}

	for _, cond := range f.Conditions {
		if !cond.Evaluate(fields) {
			return false
		}
	}
	return true
}

// ParseCondition parses the wire form "field:operator:value" used by
// subscription requests. The value may itself contain colons.
func ParseCondition(s string) (model.Condition, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return model.Condition{}, fmt.Errorf("condition %q: want field:operator:value", s)
	}
	op := parts[1]
	switch op {
	case model.OpEquals, model.OpNotEquals, model.OpIn, model.OpNotIn,
		model.OpRegex, model.OpGt, model.OpLt, model.OpGte, model.OpLte,
		model.OpContains, model.OpStartsWith, model.OpEndsWith:
	default:
		return model.Condition{}, fmt.Errorf("condition %q: unknown operator %q", s, op)
	}

	var value any = parts[2]
	if op == model.OpIn || op == model.OpNotIn {
		items := strings.Split(parts[2], ",")
		list := make([]any, len(items))
		for i, item := range items {
			list[i] = strings.TrimSpace(item)
		}
		value = list
	}
	return model.Condition{Field: parts[0], Operator: op, Value: value}, nil
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
