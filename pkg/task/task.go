// Package task defines the immutable data model shared by the planner,
// scheduler, and agent loop: tasks, waves, plans, and the results an agent
// produces for a task.
package task

import "time"

// Role is a closed set of agent specializations a task can be tagged with.
type Role string

const (
	RoleOrchestrator Role = "orchestrator"
	RoleResearcher   Role = "researcher"
	RoleArchitect    Role = "architect"
	RoleDeveloper    Role = "developer"
	RoleTester       Role = "tester"
	RoleValidator    Role = "validator"
	RoleUX           Role = "ux"
)

// roleOrder fixes the tie-break order used when sorting tasks within a wave.
var roleOrder = map[Role]int{
	RoleOrchestrator: 0,
	RoleArchitect:    1,
	RoleResearcher:   2,
	RoleDeveloper:    3,
	RoleTester:       4,
	RoleValidator:    5,
	RoleUX:           6,
}

// RoleRank returns the fixed tie-break rank for a role. Unknown roles sort last.
func RoleRank(r Role) int {
	if rank, ok := roleOrder[r]; ok {
		return rank
	}
	return len(roleOrder)
}

// Task is an immutable unit of work produced by the Planner and consumed by
// an Agent. It is never mutated after construction.
type Task struct {
	ID           string
	Description  string
	Role         Role
	Dependencies []string
	Priority     int // 1-10
	Tools        []string
	Context      map[string]any
}

// FileChangeKind enumerates the kinds of file mutation an agent can record.
type FileChangeKind string

const (
	FileCreate FileChangeKind = "create"
	FileModify FileChangeKind = "modify"
	FileDelete FileChangeKind = "delete"
)

// FileChange records a single file mutation performed by an agent during a run.
type FileChange struct {
	Path    string
	Kind    FileChangeKind
	Content string
}

// TokenUsage tracks input/output/total tokens consumed for a unit of work.
type TokenUsage struct {
	Input  int64
	Output int64
}

// Total returns the sum of input and output tokens.
func (u TokenUsage) Total() int64 {
	return u.Input + u.Output
}

// Add accumulates another usage record into this one and returns the result.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{Input: u.Input + other.Input, Output: u.Output + other.Output}
}

// AgentResult is the per-task output an Agent Loop hands back to the scheduler.
type AgentResult struct {
	TaskID        string
	Success       bool
	Text          string
	FileChanges   []FileChange
	Usage         TokenUsage
	Error         string
	ReasoningText string
}

// Wave is a set of task identifiers whose dependencies all lie in earlier
// waves. Concurrent reports whether the scheduler may run its tasks in
// parallel (true for all waves produced by the Kahn layering in this
// implementation; the field exists so a future planner could mark a wave
// sequential).
type Wave struct {
	TaskIDs    []string
	Concurrent bool
}

// Plan is an ordered sequence of Waves produced once per run from a task set.
type Plan struct {
	Waves []Wave
}

// TaskCount returns the total number of tasks named across all waves.
func (p Plan) TaskCount() int {
	n := 0
	for _, w := range p.Waves {
		n += len(w.TaskIDs)
	}
	return n
}

// CreatedAt is the construction timestamp clock seam used wherever the
// engine needs "now" for a new piece of run state (runsession.New's
// startedAt), kept here instead of scattering time.Now() across
// call sites so every timestamp in a run traces back to one function.
func CreatedAt() time.Time {
	return time.Now()
}
