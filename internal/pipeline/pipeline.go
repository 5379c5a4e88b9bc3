// Package pipeline implements the step runner, DAG scheduler, sequential
// executor, and dispatcher entry point: the core
// that turns a declarative Job into backend calls, respecting dependsOn
// ordering, forEach fan-out, retry policy, and optional-step semantics.
package pipeline

import (
	"github.com/forgepipe/orchestrator/internal/backend"
	"github.com/forgepipe/orchestrator/internal/template"
)

// Deps bundles the process-wide collaborators a step needs.
type Deps struct {
	Registry *backend.Registry
}

// EventFunc receives step lifecycle notifications: step:start,
// step:complete, step:error.
type EventFunc func(event, stepID string, optional bool)

// ProgressFunc receives a 0-100 completion percentage.
type ProgressFunc func(percent int)

func emit(onEvent EventFunc, event, stepID string, optional bool) {
	if onEvent != nil {
		onEvent(event, stepID, optional)
	}
}

// mergeSteps returns a shallow copy of base with "steps" replaced by the
// supplied id/index → result mapping, the context shape both the DAG
// scheduler and sequential executor expose to template resolution.
func mergeSteps(base map[string]any, steps map[string]any) map[string]any {
	out := make(map[string]any, len(base)+1)
	for k, v := range base {
		out[k] = v
	}
	out["steps"] = steps
	return out
}

// truthy applies the dispatcher's falsy rule for runWhen conditions: nil,
// false, zero, empty string, and empty sequences/mappings are falsy;
// everything else (including an unresolved template) is truthy only when
// it actually resolved to something.
func truthy(v any) bool {
	if template.IsUndefined(v) {
		return false
	}
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

// evaluateRunWhen resolves step.RunWhen against vars and applies the
// falsy rule.
func evaluateRunWhen(runWhen string, vars map[string]any) bool {
	return truthy(template.Resolve(runWhen, vars))
}

// conditionFalseResult is the result shape a condition-false skip stores
// as the step's result (mirrors the shape an optional-step failure gets).
func conditionFalseResult() map[string]any {
	return map[string]any{"skipped": true, "reason": "condition-false"}
}
