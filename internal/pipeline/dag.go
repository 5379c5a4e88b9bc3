package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/forgepipe/orchestrator/internal/job"
	"github.com/forgepipe/orchestrator/internal/model"
	streamyerrors "github.com/forgepipe/orchestrator/pkg/errors"
)

// schedulerYield is the cooperative pause between iterations when no step
// is runnable but at least one is still running.
const schedulerYield = time.Millisecond

// RunDAG executes steps carrying id/dependsOn relations.
// Readiness is recomputed every iteration; every runnable step is launched
// concurrently and the scheduler awaits the group before recomputing.
func RunDAG(ctx context.Context, parent *job.Job, steps []job.Step, baseVars map[string]any, deps Deps, onEvent EventFunc, onProgress ProgressFunc) (*model.PipelineResult, error) {
	start := time.Now()

	byID := make(map[string]job.Step, len(steps))
	order := make([]string, 0, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
		order = append(order, s.ID)
	}

	statusByID := make(map[string]model.StepStatus, len(steps))
	resultByID := make(map[string]any, len(steps))
	for _, id := range order {
		statusByID[id] = model.StepStatus{ID: id, Task: byID[id].Task, Status: model.StatusPending}
	}

	var mu sync.Mutex
	var parallelGroups [][]string
	var firstErr error

	isTerminal := func(status string) bool {
		return status == model.StatusCompleted || status == model.StatusFailed || status == model.StatusSkipped
	}
	isResolved := func(status string) bool {
		return status == model.StatusCompleted || status == model.StatusSkipped
	}

	total := len(order)

	for {
		mu.Lock()
		var runnable []string
		var anyRunning bool
		for _, id := range order {
			st := statusByID[id].Status
			if st == model.StatusRunning {
				anyRunning = true
				continue
			}
			if isTerminal(st) {
				continue
			}
			ready := true
			for _, dep := range byID[id].DependsOn {
				if !isResolved(statusByID[dep].Status) {
					ready = false
					break
				}
			}
			if ready {
				runnable = append(runnable, id)
			}
		}
		mu.Unlock()

		if len(runnable) == 0 {
			if anyRunning {
				time.Sleep(schedulerYield)
				continue
			}

			mu.Lock()
			var pending []string
			for _, id := range order {
				if !isTerminal(statusByID[id].Status) {
					pending = append(pending, id)
				}
			}
			mu.Unlock()

			if len(pending) == 0 {
				break
			}
			return nil, streamyerrors.NewDeadlockError(pending)
		}

		if len(runnable) > 1 {
			mu.Lock()
			parallelGroups = append(parallelGroups, append([]string(nil), runnable...))
			mu.Unlock()
		}

		mu.Lock()
		snapshot := make(map[string]any, len(resultByID))
		for k, v := range resultByID {
			snapshot[k] = v
		}
		for _, id := range runnable {
			statusByID[id] = model.StepStatus{ID: id, Task: byID[id].Task, Status: model.StatusRunning}
		}
		mu.Unlock()
		vars := mergeSteps(baseVars, snapshot)

		var wg sync.WaitGroup
		for _, id := range runnable {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				step := byID[id]

				if step.RunWhen != "" && !evaluateRunWhen(step.RunWhen, vars) {
					mu.Lock()
					statusByID[id] = model.StepStatus{ID: id, Task: step.Task, Status: model.StatusSkipped, Error: "condition-false", Result: conditionFalseResult()}
					resultByID[id] = conditionFalseResult()
					mu.Unlock()
					return
				}

				st, err := RunStep(ctx, parent, step, vars, deps, onEvent)
				mu.Lock()
				statusByID[id] = st
				resultByID[id] = st.Result
				if err != nil && firstErr == nil {
					firstErr = streamyerrors.NewStepFailureError(id, err)
				}
				mu.Unlock()
			}(id)
		}
		wg.Wait()

		if firstErr != nil {
			break
		}

		mu.Lock()
		doneCount := 0
		for _, id := range order {
			if isTerminal(statusByID[id].Status) {
				doneCount++
			}
		}
		mu.Unlock()
		if onProgress != nil && total > 0 {
			onProgress(doneCount * 100 / total)
		}
	}

	if firstErr != nil {
		return nil, firstErr
	}

	result := &model.PipelineResult{
		StepResults:    make(map[string]any, len(order)),
		ParallelGroups: parallelGroups,
		TotalDuration:  time.Since(start).Milliseconds(),
	}
	for _, id := range order {
		result.Steps = append(result.Steps, resultByID[id])
		result.StepResults[id] = resultByID[id]
		result.StepStatus = append(result.StepStatus, statusByID[id])
	}
	if len(order) > 0 {
		result.FinalResult = resultByID[order[len(order)-1]]
	}
	return result, nil
}
