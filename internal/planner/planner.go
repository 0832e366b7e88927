// Package planner converts an analyzed prompt into a dependency-ordered
// execution plan. The wave layering is a Kahn-style topological partition,
// with a circular-dependency fallback that still schedules every task.
package planner

import (
	"fmt"
	"sort"

	"github.com/cortexos/cortexos/pkg/task"
)

// PromptAnalysis is the typed input the Planner consumes. Its internals
// (complexity scoring, domain/language detection, intent classification)
// belong to an upstream analyzer that is out of scope for this package;
// Planner only needs the fields below.
type PromptAnalysis struct {
	Complexity           float64
	Domains              []string
	Languages            []string
	Intent               string
	EstimatedSubtasks    int
	SuggestedRoles       []task.Role
}

// ExecutionPlan pairs the task set the Planner produced with its wave layering.
type ExecutionPlan struct {
	Tasks []task.Task
	Plan  task.Plan
}

// Plan builds an ExecutionPlan from a task set. Tasks must form a DAG to be
// laid out cleanly; unresolved cycles are placed into a single trailing
// fallback wave rather than rejected, per the scheduler's cycle policy.
func Plan(tasks []task.Task) (ExecutionPlan, error) {
	byID := make(map[string]task.Task, len(tasks))
	for _, t := range tasks {
		if t.ID == "" {
			return ExecutionPlan{}, fmt.Errorf("planner: task has empty ID")
		}
		if _, dup := byID[t.ID]; dup {
			return ExecutionPlan{}, fmt.Errorf("planner: duplicate task ID %q", t.ID)
		}
		byID[t.ID] = t
	}

	waves, err := layerWaves(tasks, byID)
	if err != nil {
		return ExecutionPlan{}, err
	}

	return ExecutionPlan{Tasks: tasks, Plan: task.Plan{Waves: waves}}, nil
}

// layerWaves implements Kahn's algorithm: tasks whose dependencies all lie
// in earlier waves are peeled off one wave at a time. If tasks remain but
// none qualify for the next wave (a cycle), the remaining set is emitted as
// one final wave so no task is ever dropped.
func layerWaves(tasks []task.Task, byID map[string]task.Task) ([]task.Wave, error) {
	remaining := make(map[string]task.Task, len(tasks))
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("planner: task %q depends on unknown task %q", t.ID, dep)
			}
		}
		remaining[t.ID] = t
	}

	placed := make(map[string]bool, len(tasks))
	var waves []task.Wave

	for len(remaining) > 0 {
		var ready []task.Task
		for _, t := range tasks {
			if _, ok := remaining[t.ID]; ok && allDepsPlaced(t, placed) {
				ready = append(ready, t)
			}
		}

		if len(ready) == 0 {
			// Circular-dependency fallback: emit everything left as one
			// final wave rather than looping forever or erroring out.
			fallback := make([]task.Task, 0, len(remaining))
			for _, t := range tasks {
				if _, ok := remaining[t.ID]; ok {
					fallback = append(fallback, t)
				}
			}
			sortWaveTasks(fallback)
			waves = append(waves, buildWave(fallback))
			break
		}

		sortWaveTasks(ready)
		waves = append(waves, buildWave(ready))
		for _, t := range ready {
			placed[t.ID] = true
			delete(remaining, t.ID)
		}
	}

	return waves, nil
}

func allDepsPlaced(t task.Task, placed map[string]bool) bool {
	for _, dep := range t.Dependencies {
		if !placed[dep] {
			return false
		}
	}
	return true
}

// sortWaveTasks orders tasks within a wave by priority descending, then by
// the fixed role order, so wave construction is deterministic.
func sortWaveTasks(tasks []task.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return task.RoleRank(tasks[i].Role) < task.RoleRank(tasks[j].Role)
	})
}

func buildWave(tasks []task.Task) task.Wave {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return task.Wave{TaskIDs: ids, Concurrent: true}
}
