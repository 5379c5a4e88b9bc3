package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/forgepipe/orchestrator/internal/job"
	"github.com/forgepipe/orchestrator/internal/model"
	streamyerrors "github.com/forgepipe/orchestrator/pkg/errors"
)

// RunSequential executes steps strictly in declaration order when no step
// names an id or dependsOn. Each step's result is exposed to
// later templates both by numeric index (steps.0.field) and by a
// generated step_<i> key.
func RunSequential(ctx context.Context, parent *job.Job, steps []job.Step, baseVars map[string]any, deps Deps, onEvent EventFunc, onProgress ProgressFunc) (*model.PipelineResult, error) {
	start := time.Now()
	n := len(steps)

	result := &model.PipelineResult{StepResults: make(map[string]any, n)}
	stepsCtx := make(map[string]any, n*2)
	vars := mergeSteps(baseVars, stepsCtx)

	for i, step := range steps {
		if onProgress != nil && n > 0 {
			onProgress(i * 100 / n)
		}

		indexKey := fmt.Sprintf("%d", i)
		syntheticID := fmt.Sprintf("step_%d", i)

		if step.ID == "" {
			step.ID = syntheticID
		}

		var st model.StepStatus
		var err error
		if step.RunWhen != "" && !evaluateRunWhen(step.RunWhen, vars) {
			st = model.StepStatus{ID: step.ID, Task: step.Task, Status: model.StatusSkipped, Error: "condition-false", Result: conditionFalseResult()}
		} else {
			st, err = RunStep(ctx, parent, step, vars, deps, onEvent)
		}

		result.Steps = append(result.Steps, st.Result)
		result.StepStatus = append(result.StepStatus, st)
		result.StepResults[indexKey] = st.Result

		if err != nil {
			result.TotalDuration = time.Since(start).Milliseconds()
			return result, streamyerrors.NewStepFailureError(step.ID, err)
		}

		stepsCtx[indexKey] = st.Result
		stepsCtx[syntheticID] = st.Result
		vars = mergeSteps(baseVars, stepsCtx)
		result.FinalResult = st.Result
	}

	result.TotalDuration = time.Since(start).Milliseconds()
	return result, nil
}
