package model

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// TaskEventContext flattens a task event into the field map that condition
// predicates, circuit-breaker keys and action templates read from.
func TaskEventContext(ev TaskEvent) map[string]any {
	fields := map[string]any{
		"task_id":     ev.TaskID,
		"task_name":   ev.TaskName,
		"event_type":  ev.EventType,
		"timestamp":   ev.Timestamp.UTC().Format(time.RFC3339Nano),
		"hostname":    ev.Hostname,
		"queue":       ev.Queue,
		"args":        ev.Args,
		"retry_count": ev.RetryCount,
		"is_orphan":   ev.IsOrphan,
	}
	if len(ev.Kwargs) > 0 {
		fields["kwargs"] = ev.Kwargs
	}
	if ev.Result != "" {
		fields["result"] = ev.Result
	}
	if ev.Runtime != 0 {
		fields["runtime"] = ev.Runtime
	}
	if ev.Exception != "" {
		fields["exception"] = ev.Exception
	}
	if ev.RetryOf != "" {
		fields["retry_of"] = ev.RetryOf
	}
	return fields
}

// WorkerEventContext flattens a worker event the same way.
func WorkerEventContext(ev WorkerEvent) map[string]any {
	fields := map[string]any{
		"hostname":    ev.Hostname,
		"worker_name": ev.Hostname,
		"event_type":  ev.EventType,
		"timestamp":   ev.Timestamp.UTC().Format(time.RFC3339Nano),
		"active":      ev.Active,
		"processed":   ev.Processed,
	}
	if len(ev.LoadAvg) > 0 {
		fields["load_avg"] = ev.LoadAvg
	}
	if ev.FreqHz != 0 {
		fields["freq_hz"] = ev.FreqHz
	}
	return fields
}

// LookupField resolves a dotted path ("kwargs.user_id") against a context
// map. Only map[string]any steps are traversable.
func LookupField(fields map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var current any = fields
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Evaluate applies the leaf predicate against an event context. A missing
// field is treated per the documented policy: true for not_equals, false
// for every other operator.
func (c Condition) Evaluate(fields map[string]any) bool {
	actual, ok := LookupField(fields, c.Field)
	if !ok || actual == nil {
		return c.Operator == OpNotEquals
	}

	switch c.Operator {
	case OpEquals:
		return looseEqual(actual, c.Value)
	case OpNotEquals:
		return !looseEqual(actual, c.Value)
	case OpIn:
		return memberOf(actual, c.Value)
	case OpNotIn:
		return !memberOf(actual, c.Value)
	case OpRegex:
		re, err := regexp.Compile(stringify(c.Value))
		if err != nil {
			return false
		}
		return re.MatchString(stringify(actual))
	case OpGt, OpLt, OpGte, OpLte:
		a, aok := numeric(actual)
		b, bok := numeric(c.Value)
		if !aok || !bok {
			return false
		}
		switch c.Operator {
		case OpGt:
			return a > b
		case OpLt:
			return a < b
		case OpGte:
			return a >= b
		default:
			return a <= b
		}
	case OpContains:
		return strings.Contains(stringify(actual), stringify(c.Value))
	case OpStartsWith:
		return strings.HasPrefix(stringify(actual), stringify(c.Value))
	case OpEndsWith:
		return strings.HasSuffix(stringify(actual), stringify(c.Value))
	default:
		return false
	}
}

// looseEqual compares numerically when both sides parse as numbers, else
// by string form. Broker payloads carry JSON numbers while stored
// condition values are often strings, so strict type equality would
// reject matches the author plainly intended.
func looseEqual(a, b any) bool {
	if af, aok := numeric(a); aok {
		if bf, bok := numeric(b); bok {
			return af == bf
		}
	}
	return stringify(a) == stringify(b)
}

func memberOf(actual, value any) bool {
	items, ok := value.([]any)
	if !ok {
		return looseEqual(actual, value)
	}
	for _, item := range items {
		if looseEqual(actual, item) {
			return true
		}
	}
	return false
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}
