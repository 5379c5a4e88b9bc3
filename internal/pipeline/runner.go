package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/forgepipe/orchestrator/internal/backend"
	"github.com/forgepipe/orchestrator/internal/job"
	"github.com/forgepipe/orchestrator/internal/model"
	"github.com/forgepipe/orchestrator/internal/retry"
	"github.com/forgepipe/orchestrator/internal/template"
	streamyerrors "github.com/forgepipe/orchestrator/pkg/errors"
)

// RunStep executes one step to completion: resolve templates,
// optionally fan out forEach, select a backend, execute under retry, and
// classify the outcome. The returned error is non-nil only when the step
// failed AND is not optional — the scheduler aborts the pipeline on it.
// An optional step's failure is absorbed into a "skipped" status instead.
func RunStep(ctx context.Context, parent *job.Job, step job.Step, vars map[string]any, deps Deps, onEvent EventFunc) (model.StepStatus, error) {
	status := model.StepStatus{ID: step.ID, Task: step.Task, Status: model.StatusRunning}
	started := time.Now()
	status.StartedAt = &started
	emit(onEvent, "step:start", step.ID, step.Optional)

	var result any
	var err error
	if step.ForEach != "" {
		result, err = runForEach(ctx, parent, step, vars, deps)
	} else {
		result, err = runSingle(ctx, parent, step, vars, deps, step.ID)
	}

	completed := time.Now()
	status.CompletedAt = &completed
	duration := completed.Sub(started).Milliseconds()
	status.Duration = &duration

	if err != nil {
		if step.Optional {
			status.Status = model.StatusSkipped
			status.Error = err.Error()
			status.Result = map[string]any{"skipped": true, "error": err.Error()}
			emit(onEvent, "step:error", step.ID, true)
			return status, nil
		}
		status.Status = model.StatusFailed
		status.Error = err.Error()
		emit(onEvent, "step:error", step.ID, false)
		return status, err
	}

	status.Status = model.StatusCompleted
	status.Result = result
	emit(onEvent, "step:complete", step.ID, step.Optional)
	return status, nil
}

// runSingle resolves the step's input once, builds a single child task, and
// executes it under the step's effective retry policy and deadline.
func runSingle(ctx context.Context, parent *job.Job, step job.Step, vars map[string]any, deps Deps, taskID string) (any, error) {
	payload, err := template.DeepInterpolate(step.Input, vars)
	if err != nil {
		return nil, streamyerrors.NewValidationError("input", fmt.Sprintf("step %q: failed to resolve input templates", step.ID), err)
	}
	payloadMap, _ := payload.(map[string]any)

	b, err := deps.Registry.Select(ctx, step.EffectiveBackend(parent))
	if err != nil {
		return nil, err
	}

	if d := stepTimeout(step); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	policy := step.EffectiveRetry(parent)
	return retry.Do(ctx, policy, nil, func() (any, error) {
		return b.Execute(ctx, backend.Task{ID: taskID, Type: step.Task, Payload: payloadMap})
	})
}

// stepTimeout resolves the deadline a step's backend call runs under: its
// own timeout first, falling back to resources.timeoutSeconds, else no
// deadline (zero).
func stepTimeout(step job.Step) time.Duration {
	if step.Timeout > 0 {
		return time.Duration(step.Timeout) * time.Second
	}
	if step.Resources != nil && step.Resources.TimeoutSeconds > 0 {
		return time.Duration(step.Resources.TimeoutSeconds) * time.Second
	}
	return 0
}

// runForEach resolves the forEach template to a sequence, then executes
// one child task per element with context extended by {item, index},
// bounded to forEachConcurrency concurrent in-flight executions, and
// collects results in item order.
func runForEach(ctx context.Context, parent *job.Job, step job.Step, vars map[string]any, deps Deps) (any, error) {
	resolved := template.Resolve(step.ForEach, vars)
	items, ok := resolved.([]any)
	if !ok {
		return nil, streamyerrors.NewValidationError("forEach",
			fmt.Sprintf("step %q: forEach template %q did not resolve to a sequence (got %T)", step.ID, step.ForEach, resolved), nil)
	}

	concurrency := step.ForEachConcurrency
	if concurrency <= 0 || concurrency > len(items) {
		concurrency = len(items)
	}
	if concurrency == 0 {
		return []any{}, nil
	}

	results := make([]any, len(items))
	errs := make([]error, len(items))

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i, item := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, item any) {
			defer wg.Done()
			defer func() { <-sem }()

			itemVars := make(map[string]any, len(vars)+2)
			for k, v := range vars {
				itemVars[k] = v
			}
			itemVars["item"] = item
			itemVars["index"] = i

			res, err := runSingle(ctx, parent, step, itemVars, deps, fmt.Sprintf("%s[%d]", step.ID, i))
			results[i] = res
			errs[i] = err
		}(i, item)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("forEach item %d: %w", i, err)
		}
	}
	return results, nil
}
