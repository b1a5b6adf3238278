// Package action dispatches workflow actions to type-keyed handlers.
package action

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/queuescope/queuescope/model"
)

// Handler implements one action type. ValidateParams runs before every
// execution so a bad definition fails fast as a result, not a panic.
type Handler interface {
	Type() string
	ValidateParams(params map[string]any) error
	Execute(ctx context.Context, params map[string]any, fields map[string]any) model.ActionResult
}

// Registry maps action-type strings to handlers. Registration is a runtime
// API: new action types plug in without touching the dispatch path.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	log      *zap.Logger
}

// NewRegistry creates an empty action registry.
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{handlers: make(map[string]Handler), log: log}
}

// Register adds or replaces the handler for its action type.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Type()] = h
	r.log.Info("action handler registered", zap.String("action_type", h.Type()))
}

// Types returns the registered action types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Run dispatches one action. An unknown type or invalid params yields a
// failed result; nothing in this path raises into the caller.
func (r *Registry) Run(ctx context.Context, action model.ActionDefinition, fields map[string]any) model.ActionResult {
	r.mu.RLock()
	handler, ok := r.handlers[action.Type]
	r.mu.RUnlock()

	if !ok {
		return model.ActionResult{
			Type:   action.Type,
			Status: model.ActionStatusFailed,
			Error:  fmt.Sprintf("unknown action type %q", action.Type),
		}
	}
	if err := handler.ValidateParams(action.Params); err != nil {
		return model.ActionResult{
			Type:   action.Type,
			Status: model.ActionStatusFailed,
			Error:  fmt.Sprintf("invalid params: %v", err),
		}
	}
	return handler.Execute(ctx, action.Params, fields)
}
