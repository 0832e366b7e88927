// Package runsession implements the Session/Run Context: the single
// accumulator a Wave Scheduler run owns exclusively, tracking its stage,
// per-task results, aggregate token usage, running cost, and remaining
// budget as the run progresses.
//
// Named in spec.md §3 but not broken out as its own §4 subsection in the
// original distillation; it earns its own package here because it sits
// between the Budget Controller and the Event Bus and nothing else in
// the engine owns it. Grounded on the donor's rolling-aggregation idiom
// in internal/usage (breakdown accumulation keyed by model/provider) and
// pkg/models session bookkeeping, restructured around one run instead of
// a multi-channel chat session.
package runsession

import (
	"sync"
	"time"

	"github.com/cortexos/cortexos/pkg/task"
)

// Stage is the run's current position in the engine's pseudostate.
type Stage int

const (
	StagePending Stage = iota
	StageRecall
	StageAnalyze
	StageEnhance
	StageDecompose
	StagePlan
	StageExecute
	StageVerify
	StageMemorize
	StageComplete
	StageFailed
)

var stageNames = map[Stage]string{
	StagePending:    "pending",
	StageRecall:     "recall",
	StageAnalyze:    "analyze",
	StageEnhance:    "enhance",
	StageDecompose:  "decompose",
	StagePlan:       "plan",
	StageExecute:    "execute",
	StageVerify:     "verify",
	StageMemorize:   "memorize",
	StageComplete:   "complete",
	StageFailed:     "failed",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "unknown"
}

// Context is the mutable state of one run, owned exclusively by the
// engine driving it. All accessors are safe for concurrent use so
// per-wave task goroutines can report results without the engine
// hand-rolling its own synchronization.
type Context struct {
	mu sync.Mutex

	id        string
	startedAt time.Time
	workDir   string

	stage Stage

	results      []task.AgentResult
	usage        task.TokenUsage
	costUSD      float64
	memoryHits   int
	budgetLeft   float64
	cancelled    bool
	cancelReason string
}

// New creates a Context for a run rooted at workDir.
func New(id, workDir string) *Context {
	return &Context{
		id:        id,
		startedAt: task.CreatedAt(),
		workDir:   workDir,
		stage:     StagePending,
	}
}

// ID returns the run's stable identifier.
func (c *Context) ID() string { return c.id }

// StartedAt returns when the run began.
func (c *Context) StartedAt() time.Time { return c.startedAt }

// WorkDir returns the run's working directory.
func (c *Context) WorkDir() string { return c.workDir }

// SetStage records the run's current pseudostate stage.
func (c *Context) SetStage(s Stage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stage = s
}

// Stage returns the run's current pseudostate stage.
func (c *Context) Stage() Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stage
}

// RecordResult appends an AgentResult and folds its usage into the
// run's aggregate totals.
func (c *Context) RecordResult(r task.AgentResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, r)
	c.usage = c.usage.Add(r.Usage)
}

// RecordCost adds costUSD to the run's running cost total.
func (c *Context) RecordCost(costUSD float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.costUSD += costUSD
}

// RecordMemoryHit increments the run's memory-recall hit counter.
func (c *Context) RecordMemoryHit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memoryHits++
}

// SetBudgetRemaining records the engine's latest view of remaining
// run-level budget, for reporting alongside results.
func (c *Context) SetBudgetRemaining(remaining float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.budgetLeft = remaining
}

// Cancel marks the run as cancelled with reason, so in-flight stages can
// observe it and stop scheduling further waves.
func (c *Context) Cancel(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelled {
		return
	}
	c.cancelled = true
	c.cancelReason = reason
}

// Cancelled reports whether the run has been cancelled, and why.
func (c *Context) Cancelled() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled, c.cancelReason
}

// Snapshot is a consistent, point-in-time read of the run's accumulated
// state, safe to hand to a caller outside the lock.
type Snapshot struct {
	ID         string
	StartedAt  time.Time
	WorkDir    string
	Stage      Stage
	Results    []task.AgentResult
	Usage      task.TokenUsage
	CostUSD    float64
	MemoryHits int
	BudgetLeft float64
	Cancelled  bool
}

// Snapshot returns a copy of the run's current state.
func (c *Context) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	results := make([]task.AgentResult, len(c.results))
	copy(results, c.results)
	return Snapshot{
		ID:         c.id,
		StartedAt:  c.startedAt,
		WorkDir:    c.workDir,
		Stage:      c.stage,
		Results:    results,
		Usage:      c.usage,
		CostUSD:    c.costUSD,
		MemoryHits: c.memoryHits,
		BudgetLeft: c.budgetLeft,
		Cancelled:  c.cancelled,
	}
}

// SuccessCount returns how many recorded AgentResults succeeded.
func (c *Context) SuccessCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.results {
		if r.Success {
			n++
		}
	}
	return n
}

// FailureCount returns how many recorded AgentResults failed.
func (c *Context) FailureCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.results {
		if !r.Success {
			n++
		}
	}
	return n
}
