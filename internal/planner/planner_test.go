package planner

import (
	"testing"

	"github.com/cortexos/cortexos/pkg/task"
)

func waveOf(p task.Plan, i int) []string {
	if i >= len(p.Waves) {
		return nil
	}
	return p.Waves[i].TaskIDs
}

func TestPlanLinearChain(t *testing.T) {
	tasks := []task.Task{
		{ID: "A", Role: task.RoleResearcher, Priority: 5},
		{ID: "B", Role: task.RoleDeveloper, Priority: 5, Dependencies: []string{"A"}},
		{ID: "C", Role: task.RoleTester, Priority: 5, Dependencies: []string{"B"}},
	}

	plan, err := Plan(tasks)
	if err != nil {
		t.Fatalf("Plan returned error: %v", err)
	}
	if len(plan.Plan.Waves) != 3 {
		t.Fatalf("expected 3 waves, got %d", len(plan.Plan.Waves))
	}
	if got := waveOf(plan.Plan, 0); len(got) != 1 || got[0] != "A" {
		t.Fatalf("wave 1 = %v, want [A]", got)
	}
	if got := waveOf(plan.Plan, 1); len(got) != 1 || got[0] != "B" {
		t.Fatalf("wave 2 = %v, want [B]", got)
	}
	if got := waveOf(plan.Plan, 2); len(got) != 1 || got[0] != "C" {
		t.Fatalf("wave 3 = %v, want [C]", got)
	}
}

func TestPlanParallelFanOut(t *testing.T) {
	tasks := []task.Task{
		{ID: "A", Role: task.RoleDeveloper, Priority: 1},
		{ID: "B", Role: task.RoleDeveloper, Priority: 1},
		{ID: "C", Role: task.RoleDeveloper, Priority: 1},
	}

	plan, err := Plan(tasks)
	if err != nil {
		t.Fatalf("Plan returned error: %v", err)
	}
	if len(plan.Plan.Waves) != 1 {
		t.Fatalf("expected 1 wave, got %d", len(plan.Plan.Waves))
	}
	if !plan.Plan.Waves[0].Concurrent {
		t.Fatalf("expected wave to be concurrent")
	}
	if len(plan.Plan.Waves[0].TaskIDs) != 3 {
		t.Fatalf("expected 3 tasks in wave, got %d", len(plan.Plan.Waves[0].TaskIDs))
	}
}

func TestPlanCircularDependencyFallback(t *testing.T) {
	tasks := []task.Task{
		{ID: "A", Role: task.RoleDeveloper, Dependencies: []string{"B"}},
		{ID: "B", Role: task.RoleDeveloper, Dependencies: []string{"A"}},
	}

	plan, err := Plan(tasks)
	if err != nil {
		t.Fatalf("Plan returned error: %v", err)
	}
	if len(plan.Plan.Waves) != 1 {
		t.Fatalf("expected the cycle to collapse into a single fallback wave, got %d waves", len(plan.Plan.Waves))
	}
	ids := waveOf(plan.Plan, 0)
	if len(ids) != 2 {
		t.Fatalf("expected both tasks present in fallback wave, got %v", ids)
	}
}

func TestPlanPriorityOrdering(t *testing.T) {
	tasks := []task.Task{
		{ID: "low", Role: task.RoleDeveloper, Priority: 1},
		{ID: "high", Role: task.RoleDeveloper, Priority: 9},
		{ID: "mid", Role: task.RoleDeveloper, Priority: 5},
	}

	plan, err := Plan(tasks)
	if err != nil {
		t.Fatalf("Plan returned error: %v", err)
	}
	ids := waveOf(plan.Plan, 0)
	want := []string{"high", "mid", "low"}
	for i, w := range want {
		if ids[i] != w {
			t.Fatalf("wave order = %v, want %v", ids, want)
		}
	}
}

func TestPlanRoleTieBreak(t *testing.T) {
	tasks := []task.Task{
		{ID: "t", Role: task.RoleTester, Priority: 5},
		{ID: "a", Role: task.RoleArchitect, Priority: 5},
		{ID: "d", Role: task.RoleDeveloper, Priority: 5},
	}

	plan, err := Plan(tasks)
	if err != nil {
		t.Fatalf("Plan returned error: %v", err)
	}
	ids := waveOf(plan.Plan, 0)
	want := []string{"a", "d", "t"}
	for i, w := range want {
		if ids[i] != w {
			t.Fatalf("wave order = %v, want %v", ids, want)
		}
	}
}

func TestPlanRejectsUnknownDependency(t *testing.T) {
	tasks := []task.Task{
		{ID: "A", Dependencies: []string{"ghost"}},
	}
	if _, err := Plan(tasks); err == nil {
		t.Fatalf("expected error for unknown dependency")
	}
}

func TestPlanRejectsDuplicateID(t *testing.T) {
	tasks := []task.Task{{ID: "A"}, {ID: "A"}}
	if _, err := Plan(tasks); err == nil {
		t.Fatalf("expected error for duplicate task ID")
	}
}

func TestInvariantEveryTaskInExactlyOneWave(t *testing.T) {
	tasks := []task.Task{
		{ID: "A"},
		{ID: "B", Dependencies: []string{"A"}},
		{ID: "C", Dependencies: []string{"A"}},
		{ID: "D", Dependencies: []string{"B", "C"}},
	}
	plan, err := Plan(tasks)
	if err != nil {
		t.Fatalf("Plan returned error: %v", err)
	}

	waveOfTask := make(map[string]int)
	for wi, w := range plan.Plan.Waves {
		for _, id := range w.TaskIDs {
			if _, dup := waveOfTask[id]; dup {
				t.Fatalf("task %q appears in more than one wave", id)
			}
			waveOfTask[id] = wi
		}
	}
	if len(waveOfTask) != len(tasks) {
		t.Fatalf("expected every task placed, got %d of %d", len(waveOfTask), len(tasks))
	}

	byID := make(map[string]task.Task)
	for _, t2 := range tasks {
		byID[t2.ID] = t2
	}
	for id, wi := range waveOfTask {
		for _, dep := range byID[id].Dependencies {
			if waveOfTask[dep] >= wi {
				t.Fatalf("dependency %q of %q is not in an earlier wave", dep, id)
			}
		}
	}
}
