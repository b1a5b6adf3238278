package workflow

import (
	"strings"

	"github.com/queuescope/queuescope/model"
)

// EvaluateConditions applies a condition group to an event context. An
// empty group passes; an unknown group operator is treated as AND.
func EvaluateConditions(group model.ConditionGroup, fields map[string]any) bool {
	if len(group.Conditions) == 0 {
		return true
	}

	if strings.EqualFold(group.Operator, model.GroupOr) {
		for _, cond := range group.Conditions {
			if cond.Evaluate(fields) {
				return true
			}
		}
		return false
	}

	for _, cond := range group.Conditions {
		if !cond.Evaluate(fields) {
			return false
		}
	}
	return true
}
