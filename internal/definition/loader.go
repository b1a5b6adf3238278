// Package definition loads workflow documents shipped alongside the
// binary and upserts them into the workflow store at boot.
package definition

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/queuescope/queuescope/internal/workflow"
	"github.com/queuescope/queuescope/model"
)

// Document is one bootstrap YAML file holding workflow definitions.
type Document struct {
	Workflows []model.WorkflowDefinition `yaml:"workflows"`
}

// Loader validates and upserts bootstrap workflow documents.
type Loader struct {
	store       workflow.Store
	actionTypes map[string]bool
	log         *zap.Logger
}

// NewLoader creates a loader. actionTypes is the set of registered action
// handlers; documents naming anything else are rejected.
func NewLoader(store workflow.Store, actionTypes []string, log *zap.Logger) *Loader {
	known := make(map[string]bool, len(actionTypes))
	for _, t := range actionTypes {
		known[t] = true
	}
	return &Loader{store: store, actionTypes: known, log: log}
}

// LoadDirectories loads every .yml/.yaml document under the given
// directories and returns the number of workflows upserted. A missing
// directory is skipped; an invalid document fails the whole load, since a
// misconfigured automation should stop boot, not run half-configured.
func (l *Loader) LoadDirectories(ctx context.Context, dirs []string) (int, error) {
	total := 0
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			l.log.Debug("definition directory absent", zap.String("dir", dir))
			continue
		}
		if err != nil {
			return total, fmt.Errorf("read definitions dir %q: %w", dir, err)
		}

		for _, entry := range entries {
			if entry.IsDir() || !isYAML(entry.Name()) {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			n, err := l.LoadFile(ctx, path)
			if err != nil {
				return total, fmt.Errorf("load %q: %w", path, err)
			}
			total += n
		}
	}
	if total > 0 {
		l.log.Info("workflow definitions loaded", zap.Int("count", total))
	}
	return total, nil
}

// LoadFile loads one document.
func (l *Loader) LoadFile(ctx context.Context, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return 0, fmt.Errorf("parse document: %w", err)
	}

	for i, wf := range doc.Workflows {
		if wf.ID == "" {
			// Deterministic id from the name keeps upserts stable
			// across restarts.
			wf.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(wf.Name)).String()
		}
		if err := l.Validate(wf); err != nil {
			return 0, fmt.Errorf("workflow %d (%q): %w", i, wf.Name, err)
		}
		if err := l.store.SaveWorkflow(ctx, wf); err != nil {
			return 0, fmt.Errorf("save workflow %q: %w", wf.Name, err)
		}
	}
	return len(doc.Workflows), nil
}

// Validate checks one definition against the known trigger types,
// condition operators, and registered action types.
func (l *Loader) Validate(wf model.WorkflowDefinition) error {
	if wf.Name == "" {
		return model.NewValidationError("name is required")
	}
	if !model.IsValidTrigger(wf.Trigger.Type) {
		return model.NewValidationError(fmt.Sprintf("unknown trigger type %q", wf.Trigger.Type))
	}

	switch strings.ToLower(wf.Conditions.Operator) {
	case "", model.GroupAnd, model.GroupOr:
	default:
		return model.NewValidationError(fmt.Sprintf("unknown condition group operator %q", wf.Conditions.Operator))
	}
	for _, cond := range wf.Conditions.Conditions {
		if cond.Field == "" {
			return model.NewValidationError("condition field is required")
		}
		if !model.IsValidOperator(cond.Operator) {
			return model.NewValidationError(fmt.Sprintf("unknown condition operator %q", cond.Operator))
		}
	}

	if len(wf.Actions) == 0 {
		return model.NewValidationError("at least one action is required")
	}
	for _, action := range wf.Actions {
		if !l.actionTypes[action.Type] {
			return model.NewValidationError(fmt.Sprintf("unknown action type %q", action.Type))
		}
	}

	if wf.CooldownSeconds < 0 {
		return model.NewValidationError("cooldown_seconds must not be negative")
	}
	if wf.MaxExecutionsPerHour < 0 {
		return model.NewValidationError("max_executions_per_hour must not be negative")
	}
	if cb := wf.CircuitBreaker; cb != nil && cb.Enabled {
		if cb.MaxExecutions < 1 {
			return model.NewValidationError("circuit_breaker.max_executions must be at least 1")
		}
		if cb.WindowSeconds < 1 {
			return model.NewValidationError("circuit_breaker.window_seconds must be at least 1")
		}
	}
	return nil
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
