package job

import (
	"fmt"
	"sort"

	streamyerrors "github.com/forgepipe/orchestrator/pkg/errors"
)

// Normalize assigns synthetic step ids (step_<index>) to any step missing
// one, once the pipeline has been determined to be in DAG mode. It is a
// no-op for sequential-mode pipelines and for single-task jobs.
func (j *Job) Normalize() {
	if !j.IsDAGMode() {
		return
	}
	for i := range j.Steps {
		if j.Steps[i].ID == "" {
			j.Steps[i].ID = fmt.Sprintf("step_%d", i)
		}
	}
}

// Validate runs struct-tag validation and, for pipelines, the structural
// structural invariants: unique ids, dependsOn references that exist,
// and an acyclic dependency graph.
func (j *Job) Validate() error {
	j.Normalize()

	if err := GetValidator().Struct(j); err != nil {
		return streamyerrors.NewValidationError("job", err.Error(), err)
	}

	if j.Type == "" && !j.IsPipeline() {
		return streamyerrors.NewValidationError("type", "type is required for single-task jobs", nil)
	}

	if !j.IsPipeline() {
		return nil
	}

	return j.validatePipeline()
}

func (j *Job) validatePipeline() error {
	seen := make(map[string]int, len(j.Steps))
	for i, s := range j.Steps {
		if s.ID == "" {
			continue // sequential mode: ids are never required
		}
		if prev, ok := seen[s.ID]; ok {
			return streamyerrors.NewValidationError("steps",
				fmt.Sprintf("duplicate step id %q at indices %d and %d", s.ID, prev, i), nil)
		}
		seen[s.ID] = i
	}

	if !j.IsDAGMode() {
		return nil
	}

	for _, s := range j.Steps {
		for _, dep := range s.DependsOn {
			if _, ok := seen[dep]; !ok {
				return streamyerrors.NewValidationError("steps",
					fmt.Sprintf("step %q depends on unknown step %q", s.ID, dep), nil)
			}
		}
	}

	return detectCycle(j.Steps)
}

// detectCycle performs a DFS-based cycle check over the dependsOn edges so
// that a broken pipeline definition fails fast at submission time rather
// than only being caught by the scheduler's runtime deadlock detector.
func detectCycle(steps []Step) error {
	deps := make(map[string][]string, len(steps))
	for _, s := range steps {
		deps[s.ID] = s.DependsOn
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(steps))
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		path = append(path, id)
		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				cycle := append([]string(nil), path...)
				return append(cycle, dep)
			case white:
				if cyc := visit(dep); cyc != nil {
					return cyc
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return nil
	}

	ids := make([]string, 0, len(steps))
	for _, s := range steps {
		ids = append(ids, s.ID)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if color[id] == white {
			if cyc := visit(id); cyc != nil {
				// Reported as a DeadlockError (not a ValidationError): an
				// unsatisfiable dependsOn graph is exactly what the DAG
				// scheduler would otherwise discover at runtime via its
				// "no runnable, none running" check.
				return streamyerrors.NewDeadlockError(cyc)
			}
		}
	}
	return nil
}
