package pipeline

import (
	"context"

	"github.com/forgepipe/orchestrator/internal/backend"
	"github.com/forgepipe/orchestrator/internal/effects"
	"github.com/forgepipe/orchestrator/internal/job"
	"github.com/forgepipe/orchestrator/internal/retry"
	"github.com/forgepipe/orchestrator/internal/template"
	streamyerrors "github.com/forgepipe/orchestrator/pkg/errors"
)

// Dispatch decides single-task vs. pipeline-DAG vs. pipeline-sequential
// execution for j, runs it, and fires the job's onSuccess /
// onError lifecycle effects around the outcome. The returned value is the
// raw backend result for a single-task job, or a *model.PipelineResult
// for a pipeline.
func Dispatch(ctx context.Context, j job.Job, deps Deps, fx *effects.Dispatcher, jobID string, onEvent EventFunc, onProgress ProgressFunc) (any, error) {
	j.Normalize()

	result, err := dispatchCore(ctx, &j, jobID, deps, onEvent, onProgress)

	ec := effects.Context{JobID: jobID, Task: j.Type, Vars: map[string]any{"payload": j.Payload}}
	if err != nil {
		ec.Err = err
		if fx != nil {
			fx.Dispatch(ctx, j.OnError, ec)
		}
		return nil, err
	}

	ec.Result = result
	if fx != nil {
		fx.Dispatch(ctx, j.OnSuccess, ec)
	}
	return result, nil
}

func dispatchCore(ctx context.Context, j *job.Job, jobID string, deps Deps, onEvent EventFunc, onProgress ProgressFunc) (any, error) {
	baseVars := map[string]any{"payload": j.Payload}

	if !j.IsPipeline() {
		return runSingleTaskJob(ctx, j, jobID, baseVars, deps)
	}
	if j.IsDAGMode() {
		return RunDAG(ctx, j, j.Steps, baseVars, deps, onEvent, onProgress)
	}
	return RunSequential(ctx, j, j.Steps, baseVars, deps, onEvent, onProgress)
}

// runSingleTaskJob resolves the job payload once, selects a backend by the
// job's hint (defaulting to "auto"), and executes under the job's retry
// policy.
func runSingleTaskJob(ctx context.Context, j *job.Job, jobID string, vars map[string]any, deps Deps) (any, error) {
	resolved, err := template.DeepInterpolate(j.Payload, vars)
	if err != nil {
		return nil, streamyerrors.NewValidationError("payload", "failed to resolve templates", err)
	}
	payload, _ := resolved.(map[string]any)

	hint := j.Backend
	if hint == "" {
		hint = "auto"
	}
	b, err := deps.Registry.Select(ctx, hint)
	if err != nil {
		return nil, err
	}

	taskID := jobID
	if taskID == "" {
		taskID = j.Type
	}

	return retry.Do(ctx, j.Retry, nil, func() (any, error) {
		return b.Execute(ctx, backend.Task{ID: taskID, Type: j.Type, Payload: payload})
	})
}
