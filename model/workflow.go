package model

import "time"

// Trigger type constants. Each canonical broker event type maps to exactly
// one trigger type; workflows subscribe to trigger types.
const (
	TriggerTaskSent      = "task.sent"
	TriggerTaskReceived  = "task.received"
	TriggerTaskStarted   = "task.started"
	TriggerTaskSucceeded = "task.succeeded"
	TriggerTaskFailed    = "task.failed"
	TriggerTaskRetried   = "task.retried"
	TriggerTaskRevoked   = "task.revoked"
	TriggerTaskOrphaned  = "task.orphaned"
	TriggerWorkerOnline  = "worker.online"
	TriggerWorkerOffline = "worker.offline"
)

// Condition operators. A leaf whose field is absent from the event context
// evaluates true only for OpNotEquals and false for every other operator;
// missing data is a policy outcome, not an error.
const (
	OpEquals     = "equals"
	OpNotEquals  = "not_equals"
	OpIn         = "in"
	OpNotIn      = "not_in"
	OpRegex      = "regex"
	OpGt         = "gt"
	OpLt         = "lt"
	OpGte        = "gte"
	OpLte        = "lte"
	OpContains   = "contains"
	OpStartsWith = "starts_with"
	OpEndsWith   = "ends_with"
)

// Condition group operators.
const (
	GroupAnd = "and"
	GroupOr  = "or"
)

// Workflow execution status constants.
const (
	ExecutionStatusPending     = "pending"
	ExecutionStatusRunning     = "running"
	ExecutionStatusCompleted   = "completed"
	ExecutionStatusFailed      = "failed"
	ExecutionStatusRateLimited = "rate_limited"
	ExecutionStatusCircuitOpen = "circuit_open"
)

// Action result status constants.
const (
	ActionStatusSuccess = "success"
	ActionStatusFailed  = "failed"
	ActionStatusSkipped = "skipped"
)

// TriggerConfig describes what a workflow reacts to.
type TriggerConfig struct {
	Type   string         `json:"type" yaml:"type"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// Condition is a leaf predicate evaluated against the trigger event context.
type Condition struct {
	Field    string `json:"field" yaml:"field"`
	Operator string `json:"operator" yaml:"operator"`
	Value    any    `json:"value" yaml:"value"`
}

// ConditionGroup combines leaf predicates with AND/OR. An empty group
// evaluates true.
type ConditionGroup struct {
	Operator   string      `json:"operator" yaml:"operator"`
	Conditions []Condition `json:"conditions" yaml:"conditions"`
}

// ActionDefinition is one ordered action in a workflow.
type ActionDefinition struct {
	Type              string         `json:"type" yaml:"type"`
	Params            map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	ContinueOnFailure bool           `json:"continue_on_failure" yaml:"continue_on_failure"`
}

// CircuitBreakerConfig bounds repeated execution for one logical context
// within a trailing time window. State is computed on demand from execution
// rows sharing the breaker key; it is never persisted itself.
type CircuitBreakerConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	MaxExecutions int    `json:"max_executions" yaml:"max_executions"`
	WindowSeconds int    `json:"window_seconds" yaml:"window_seconds"`
	ContextField  string `json:"context_field,omitempty" yaml:"context_field,omitempty"`
}

// WorkflowDefinition is a stored automation: trigger, gated conditions, and
// ordered actions, plus running aggregate counters.
type WorkflowDefinition struct {
	ID                   string                `json:"id" yaml:"id"`
	Name                 string                `json:"name" yaml:"name"`
	Description          string                `json:"description,omitempty" yaml:"description,omitempty"`
	Enabled              bool                  `json:"enabled" yaml:"enabled"`
	Trigger              TriggerConfig         `json:"trigger" yaml:"trigger"`
	Conditions           ConditionGroup        `json:"conditions" yaml:"conditions"`
	Actions              []ActionDefinition    `json:"actions" yaml:"actions"`
	Priority             int                   `json:"priority" yaml:"priority"`
	CooldownSeconds      int                   `json:"cooldown_seconds" yaml:"cooldown_seconds"`
	MaxExecutionsPerHour int                   `json:"max_executions_per_hour" yaml:"max_executions_per_hour"`
	CircuitBreaker       *CircuitBreakerConfig `json:"circuit_breaker,omitempty" yaml:"circuit_breaker,omitempty"`

	ExecutionCount int        `json:"execution_count" yaml:"-"`
	SuccessCount   int        `json:"success_count" yaml:"-"`
	FailureCount   int        `json:"failure_count" yaml:"-"`
	LastExecutedAt *time.Time `json:"last_executed_at,omitempty" yaml:"-"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// ActionResult is the per-action outcome recorded on an execution. Action
// failures are represented as data, never raised into the engine.
type ActionResult struct {
	Type     string         `json:"type"`
	Status   string         `json:"status"`
	Result   map[string]any `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
	Duration float64        `json:"duration_seconds"`
}

// WorkflowExecution is an append-only audit row for one dispatch attempt.
// WorkflowSnapshot freezes the definition at dispatch time so later edits
// never retroactively change history.
type WorkflowExecution struct {
	ID                string         `json:"id"`
	WorkflowID        string         `json:"workflow_id"`
	TriggeredAt       time.Time      `json:"triggered_at"`
	TriggerType       string         `json:"trigger_type"`
	TriggerEvent      map[string]any `json:"trigger_event"`
	Status            string         `json:"status"`
	ActionsExecuted   []ActionResult `json:"actions_executed,omitempty"`
	Error             string         `json:"error,omitempty"`
	StartedAt         *time.Time     `json:"started_at,omitempty"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	DurationSeconds   float64        `json:"duration_seconds,omitempty"`
	CircuitBreakerKey string         `json:"circuit_breaker_key,omitempty"`
	WorkflowSnapshot  map[string]any `json:"workflow_snapshot,omitempty"`
}

var validTriggers = map[string]bool{
	TriggerTaskSent: true, TriggerTaskReceived: true, TriggerTaskStarted: true,
	TriggerTaskSucceeded: true, TriggerTaskFailed: true, TriggerTaskRetried: true,
	TriggerTaskRevoked: true, TriggerTaskOrphaned: true,
	TriggerWorkerOnline: true, TriggerWorkerOffline: true,
}

var validOperators = map[string]bool{
	OpEquals: true, OpNotEquals: true, OpIn: true, OpNotIn: true,
	OpRegex: true, OpGt: true, OpLt: true, OpGte: true, OpLte: true,
	OpContains: true, OpStartsWith: true, OpEndsWith: true,
}

// IsValidTrigger reports whether t is a known trigger type.
func IsValidTrigger(t string) bool { return validTriggers[t] }

// IsValidOperator reports whether op is a known condition operator.
func IsValidOperator(op string) bool { return validOperators[op] }

// TriggerTypeForEvent maps a canonical event type to its trigger type.
// Heartbeats do not drive automations.
func TriggerTypeForEvent(eventType string) (string, bool) {
	switch eventType {
	case TaskEventSent:
		return TriggerTaskSent, true
	case TaskEventReceived:
		return TriggerTaskReceived, true
	case TaskEventStarted:
		return TriggerTaskStarted, true
	case TaskEventSucceeded:
		return TriggerTaskSucceeded, true
	case TaskEventFailed:
		return TriggerTaskFailed, true
	case TaskEventRetried:
		return TriggerTaskRetried, true
	case TaskEventRevoked:
		return TriggerTaskRevoked, true
	case TaskEventOrphaned:
		return TriggerTaskOrphaned, true
	case WorkerEventOnline:
		return TriggerWorkerOnline, true
	case WorkerEventOffline:
		return TriggerWorkerOffline, true
	default:
		return "", false
	}
}

// IsWorkerTrigger reports whether the trigger type concerns workers rather
// than tasks. It drives circuit-breaker key fallbacks.
func IsWorkerTrigger(triggerType string) bool {
	return triggerType == TriggerWorkerOnline || triggerType == TriggerWorkerOffline
}
