// Package engine implements the Wave Scheduler: the central coordinator
// that drives one run from a natural-language prompt through recall,
// analysis, decomposition, planning, wave-by-wave execution, quality
// verification, and memorization.
//
// Grounded on the donor's internal/multiagent/orchestrator.go (stage
// sequencing, event-callback emission, handoff wiring) and
// internal/process/command_queue.go's LaneState (bounded concurrency via
// a per-lane active counter and mutex, reused here as a per-wave
// semaphore channel instead of a queue, since a wave's task set is known
// up front and does not need FIFO admission). The Engine is the single
// owner of the RunContext, the Budget Controller, and the Plan, per
// spec.md §3's ownership rules.
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/cortexos/cortexos/internal/budget"
	"github.com/cortexos/cortexos/internal/bus"
	"github.com/cortexos/cortexos/internal/events"
	"github.com/cortexos/cortexos/internal/handoff"
	"github.com/cortexos/cortexos/internal/planner"
	"github.com/cortexos/cortexos/internal/provider"
	"github.com/cortexos/cortexos/internal/runsession"
	"github.com/cortexos/cortexos/internal/toolcatalog"
	"github.com/cortexos/cortexos/pkg/task"
)

// Analyzer turns a raw prompt into a PromptAnalysis. The concrete
// implementation (complexity scoring, domain/language detection, intent
// classification) is an external collaborator out of scope for the
// engine; Engine only needs the typed output.
type Analyzer interface {
	Analyze(ctx context.Context, prompt string) (planner.PromptAnalysis, error)
}

// Decomposer turns an analyzed prompt into the task set the Planner will
// layer into waves.
type Decomposer interface {
	Decompose(ctx context.Context, prompt string, analysis planner.PromptAnalysis) ([]task.Task, error)
}

// Enhancer optionally enriches a PromptAnalysis before decomposition
// (e.g. folding in recalled memory). The default Engine config uses a
// no-op Enhancer.
type Enhancer interface {
	Enhance(ctx context.Context, analysis planner.PromptAnalysis, recalled []string) (planner.PromptAnalysis, error)
}

// MemoryStore is the external, best-effort persistent memory collaborator
// named in spec.md §6 ("Persisted state"). The engine never requires it
// to succeed: a Recall or Store error is logged via an event, not fatal.
type MemoryStore interface {
	Recall(ctx context.Context, prompt string) ([]string, error)
	Store(ctx context.Context, snapshot runsession.Snapshot) error
}

// QualityGate is one post-execution check (syntax, lint, type-check,
// test) run during the verify stage.
type QualityGate interface {
	Name() string
	Run(ctx context.Context, workDir string) (passed bool, detail string, err error)
}

// RoleConfig binds a task Role to the system prompt and default tool set
// an Agent constructed for that role receives, and the budget tier it is
// entered with.
type RoleConfig struct {
	SystemPrompt string
	DefaultTools []string
	Tier         budget.Tier
}

// Config tunes a run. New replaces a zero MaxParallelAgents,
// AgentMaxIterations, AgentMaxTokens or AgentTimeout, and a nil
// RoleConfigs, with DefaultConfig's values; every other field is used as
// given, so a zero BudgetPerRun sets no run cost limit and a zero
// AgentTemperature stays 0.
type Config struct {
	MaxParallelAgents int
	AgentMaxIterations int
	AgentMaxTokens    int
	AgentTemperature  float64

	BudgetPerRun   float64 // cost.budgetPerRun, spec.md §6
	QualityGates   []QualityGate
	QualityMaxRetries int
	MemoryEnabled  bool

	RoleConfigs map[task.Role]RoleConfig

	AgentTimeout time.Duration // per-agent overall timeout, spec.md §5

	// WorktreeIsolation runs each task in its own disposable git worktree
	// and branch (spec.md §5's optional isolation feature), off by
	// default. Requires workDir to be inside a git repository.
	WorktreeIsolation bool
}

// DefaultConfig mirrors the documented defaults: 4 parallel agents, 20
// iterations/4096 tokens per agent call, a $1.00 per-run budget, and a
// ~5 minute per-agent timeout.
func DefaultConfig() Config {
	return Config{
		MaxParallelAgents:  4,
		AgentMaxIterations: 20,
		AgentMaxTokens:     4096,
		AgentTemperature:   0.7,
		BudgetPerRun:       1.00,
		QualityMaxRetries:  0,
		AgentTimeout:       5 * time.Minute,
		RoleConfigs:        map[task.Role]RoleConfig{},
	}
}

// Engine is the Wave Scheduler. It exclusively owns the RunContext, the
// Budget Controller, and the current run's Plan; every other component
// (Message Bus, Event Bus, Provider Gateway, Tool Catalog, Handoff
// Executor) is a collaborator it is constructed with.
type Engine struct {
	cfg Config

	gw      provider.Provider
	catalog *toolcatalog.Catalog
	msgBus  *bus.Bus
	evtBus  *events.Bus
	budgets *budget.Controller
	handoff *handoff.Executor

	worktreeMergeMu sync.Mutex // serializes worktree merges, spec.md §5

	analyzer   Analyzer
	decomposer Decomposer
	enhancer   Enhancer
	memory     MemoryStore

	onWarn func(budget.WarnEvent)
}

// Deps bundles the constructor-injected collaborators, grounded on the
// Design Notes' "construct a single registry at engine start, pass it by
// reference" guidance — no process-wide mutable singleton.
type Deps struct {
	Provider   provider.Provider
	Catalog    *toolcatalog.Catalog
	MessageBus *bus.Bus
	EventBus   *events.Bus
	Analyzer   Analyzer
	Decomposer Decomposer
	Enhancer   Enhancer
	Memory     MemoryStore
}

// New constructs an Engine. A nil Enhancer is replaced by a no-op; a nil
// Memory disables the recall/memorize stages entirely rather than
// calling a store that does nothing.
func New(cfg Config, deps Deps) *Engine {
	if cfg.MaxParallelAgents <= 0 {
		d := DefaultConfig()
		cfg.MaxParallelAgents = d.MaxParallelAgents
	}
	if cfg.AgentMaxIterations <= 0 {
		cfg.AgentMaxIterations = 20
	}
	if cfg.AgentMaxTokens <= 0 {
		cfg.AgentMaxTokens = 4096
	}
	if cfg.AgentTimeout <= 0 {
		cfg.AgentTimeout = 5 * time.Minute
	}
	if cfg.RoleConfigs == nil {
		cfg.RoleConfigs = map[task.Role]RoleConfig{}
	}
	if deps.Enhancer == nil {
		deps.Enhancer = noopEnhancer{}
	}

	evtBus := deps.EventBus
	if evtBus == nil {
		evtBus = events.NewBus(1000)
	}
	msgBus := deps.MessageBus
	if msgBus == nil {
		msgBus = bus.New(1000)
	}

	e := &Engine{
		cfg:        cfg,
		gw:         deps.Provider,
		catalog:    deps.Catalog,
		msgBus:     msgBus,
		evtBus:     evtBus,
		analyzer:   deps.Analyzer,
		decomposer: deps.Decomposer,
		enhancer:   deps.Enhancer,
		memory:     deps.Memory,
	}

	e.budgets = budget.NewController(e.publishWarn)
	e.handoff = handoff.New(msgBus, e.runHandoff, handoff.DefaultConfig())

	return e
}

type noopEnhancer struct{}

func (noopEnhancer) Enhance(_ context.Context, a planner.PromptAnalysis, _ []string) (planner.PromptAnalysis, error) {
	return a, nil
}

// EventBus exposes the engine's Event Bus for external subscribers (the
// dashboard relay, structured logger, metrics sink).
func (e *Engine) EventBus() *events.Bus { return e.evtBus }

// MessageBus exposes the engine's Message Bus.
func (e *Engine) MessageBus() *bus.Bus { return e.msgBus }

// BudgetStats exposes process-wide budget-controller counters.
func (e *Engine) BudgetStats() budget.Stats { return e.budgets.Stats() }

// Stop settles the Handoff Executor, waiting for in-flight handoffs.
func (e *Engine) Stop() { e.handoff.Stop() }

func (e *Engine) publishWarn(ev budget.WarnEvent) {
	level := string(ev.Level)
	if ev.Exhausted {
		level = "exhausted"
	}
	e.evtBus.Publish(events.Event{
		Type:   events.CostUpdate,
		TaskID: ev.TaskID,
		Payload: map[string]any{
			"resource":  string(ev.Resource),
			"used":      ev.Used,
			"limit":     ev.Limit,
			"level":     level,
			"exhausted": ev.Exhausted,
		},
	})
}

// Run drives one full pseudostate cycle — recall, analyze, enhance,
// decompose, plan, execute, verify, memorize — for prompt, rooted at
// workDir. It never panics: every internal failure is folded into the
// returned error or a failed AgentResult, and engine:error is emitted
// before a failing Run returns.
func (e *Engine) Run(ctx context.Context, runID, prompt, workDir string) (runsession.Snapshot, error) {
	rc := runsession.New(runID, workDir)
	e.evtBus.Publish(events.Event{Type: events.EngineStart, RunID: runID, Payload: map[string]any{"prompt": prompt}})

	snapshot, err := e.run(ctx, rc, prompt)
	if err != nil {
		e.evtBus.Publish(events.Event{Type: events.EngineError, RunID: runID, Payload: map[string]any{"error": err.Error()}})
		return snapshot, err
	}
	e.evtBus.Publish(events.Event{Type: events.EngineComplete, RunID: runID})
	return snapshot, nil
}

func (e *Engine) run(ctx context.Context, rc *runsession.Context, prompt string) (runsession.Snapshot, error) {
	runID := rc.ID()

	e.enterStage(rc, runsession.StageRecall)
	var recalled []string
	if e.cfg.MemoryEnabled && e.memory != nil {
		hits, err := e.memory.Recall(ctx, prompt)
		if err != nil {
			e.evtBus.Publish(events.Event{Type: events.Error, RunID: runID, Payload: map[string]any{"stage": "recall", "error": err.Error()}})
		} else {
			recalled = hits
			for range hits {
				rc.RecordMemoryHit()
			}
			e.evtBus.Publish(events.Event{Type: events.MemoryRecall, RunID: runID, Payload: map[string]any{"hits": len(hits)}})
		}
	}

	e.enterStage(rc, runsession.StageAnalyze)
	var analysis planner.PromptAnalysis
	if e.analyzer != nil {
		a, err := e.analyzer.Analyze(ctx, prompt)
		if err != nil {
			rc.SetStage(runsession.StageFailed)
			return rc.Snapshot(), fmt.Errorf("engine: analyze: %w", err)
		}
		analysis = a
	}

	e.enterStage(rc, runsession.StageEnhance)
	analysis, err := e.enhancer.Enhance(ctx, analysis, recalled)
	if err != nil {
		rc.SetStage(runsession.StageFailed)
		return rc.Snapshot(), fmt.Errorf("engine: enhance: %w", err)
	}

	e.enterStage(rc, runsession.StageDecompose)
	var tasks []task.Task
	if e.decomposer != nil {
		t, err := e.decomposer.Decompose(ctx, prompt, analysis)
		if err != nil {
			rc.SetStage(runsession.StageFailed)
			return rc.Snapshot(), fmt.Errorf("engine: decompose: %w", err)
		}
		tasks = t
	}

	e.enterStage(rc, runsession.StagePlan)
	plan, err := planner.Plan(tasks)
	if err != nil {
		rc.SetStage(runsession.StageFailed)
		return rc.Snapshot(), fmt.Errorf("engine: plan: %w", err)
	}
	e.evtBus.Publish(events.Event{Type: events.PlanCreated, RunID: runID, Payload: map[string]any{
		"tasks": len(plan.Tasks), "waves": len(plan.Plan.Waves),
	}})

	runBudgetID := "run:" + runID
	e.budgets.CreateBudget(runBudgetID, budget.Overrides{
		Tier: budget.TierStandard,
		Limits: &budget.Limits{
			APICalls: 0, // unlimited call count at run scope; cost is the gate
			Tokens:   0,
			Cost:     e.cfg.BudgetPerRun,
			Depth:    0,
		},
	})
	defer e.budgets.ReleaseBudget(runBudgetID)

	e.enterStage(rc, runsession.StageExecute)
	runErr := e.execute(ctx, rc, plan, runBudgetID)

	e.enterStage(rc, runsession.StageVerify)
	if runErr == nil {
		e.verify(ctx, rc)
	}

	e.enterStage(rc, runsession.StageMemorize)
	if e.cfg.MemoryEnabled && e.memory != nil {
		snap := rc.Snapshot()
		if err := e.memory.Store(ctx, snap); err != nil {
			e.evtBus.Publish(events.Event{Type: events.Error, RunID: runID, Payload: map[string]any{"stage": "memorize", "error": err.Error()}})
		} else {
			e.evtBus.Publish(events.Event{Type: events.MemoryStore, RunID: runID})
		}
	}

	if runErr != nil {
		rc.SetStage(runsession.StageFailed)
		return rc.Snapshot(), runErr
	}
	rc.SetStage(runsession.StageComplete)
	return rc.Snapshot(), nil
}

func (e *Engine) enterStage(rc *runsession.Context, stage runsession.Stage) {
	rc.SetStage(stage)
	e.evtBus.Publish(events.Event{Type: events.StageStart, RunID: rc.ID(), Payload: map[string]any{"stage": stage.String()}})
}

// execute runs the plan's waves in order. Wave k+1 starts only after
// every task in wave k has produced an AgentResult, per the ordering
// guarantee in spec.md §4.9; within a wave tasks run concurrently up to
// MaxParallelAgents. A run-level budget exhaustion cancels remaining
// waves; a single failed task never does.
func (e *Engine) execute(ctx context.Context, rc *runsession.Context, plan planner.ExecutionPlan, runBudgetID string) error {
	byID := make(map[string]task.Task, len(plan.Tasks))
	for _, t := range plan.Tasks {
		byID[t.ID] = t
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for waveIdx, wave := range plan.Plan.Waves {
		if cancelled, reason := rc.Cancelled(); cancelled {
			return fmt.Errorf("engine: run cancelled: %s", reason)
		}

		e.evtBus.Publish(events.Event{Type: events.WaveStart, RunID: rc.ID(), WaveIndex: waveIdx, Payload: map[string]any{"tasks": len(wave.TaskIDs)}})

		sem := make(chan struct{}, e.cfg.MaxParallelAgents)
		var wg sync.WaitGroup

		for _, taskID := range wave.TaskIDs {
			t, ok := byID[taskID]
			if !ok {
				continue
			}

			sem <- struct{}{}
			wg.Add(1)
			go func(t task.Task) {
				defer wg.Done()
				defer func() { <-sem }()
				e.runTask(runCtx, rc, t, runBudgetID)

				if e.budgets.CheckBudget(runBudgetID) != nil {
					rc.Cancel("run-level budget exceeded")
					cancel()
				}
			}(t)
		}

		wg.Wait()

		e.evtBus.Publish(events.Event{Type: events.WaveComplete, RunID: rc.ID(), WaveIndex: waveIdx})

		if cancelled, reason := rc.Cancelled(); cancelled {
			return fmt.Errorf("engine: run cancelled: %s", reason)
		}
	}

	return nil
}

// runTask runs a single task's Agent Loop, bounded by the agent timeout,
// and folds its result into the RunContext and the run-level budget. It
// never returns an error: every outcome becomes an AgentResult, per
// spec.md §4.9's failure model ("Provider errors inside an agent produce
// a failed AgentResult but do not abort the run").
func (e *Engine) runTask(ctx context.Context, rc *runsession.Context, t task.Task, runBudgetID string) {
	e.evtBus.Publish(events.Event{Type: events.AgentStart, RunID: rc.ID(), TaskID: t.ID})

	if cancelled, reason := rc.Cancelled(); cancelled {
		result := task.AgentResult{TaskID: t.ID, Success: false, Error: "cancelled: " + reason}
		rc.RecordResult(result)
		e.evtBus.Publish(events.Event{Type: events.AgentError, RunID: rc.ID(), TaskID: t.ID, Payload: map[string]any{"error": result.Error}})
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, e.cfg.AgentTimeout)
	defer cancel()

	e.budgets.CreateBudget(t.ID, budget.Overrides{Tier: e.roleConfig(t.Role).Tier})
	defer e.budgets.ReleaseBudget(t.ID)

	if err := e.budgets.CheckBudget(t.ID); err != nil {
		result := task.AgentResult{TaskID: t.ID, Success: false, Error: "budget-exceeded: " + err.Error()}
		rc.RecordResult(result)
		e.evtBus.Publish(events.Event{Type: events.AgentError, RunID: rc.ID(), TaskID: t.ID, Payload: map[string]any{"error": result.Error}})
		return
	}

	var wt *Worktree
	var mainline string
	if e.cfg.WorktreeIsolation {
		w, m, err := e.createTaskWorktree(taskCtx, rc, t.ID)
		if err != nil {
			e.evtBus.Publish(events.Event{Type: events.Error, RunID: rc.ID(), TaskID: t.ID, Payload: map[string]any{"stage": "worktree", "error": err.Error()}})
		} else {
			wt, mainline = w, m
			t.Context = withWorktreeContext(t.Context, w.Path(), mainline)
		}
	}

	loop := e.newLoop(t)
	result := loop.Execute(taskCtx, t)

	if wt != nil {
		e.finishTaskWorktree(taskCtx, rc, t.ID, wt, mainline, result.Success)
	}

	if usage := result.Usage.Total(); usage > 0 {
		cost := estimateCost(result.Usage)
		_ = e.budgets.RecordAPICall(t.ID, usage, cost)
		_ = e.budgets.RecordAPICall(runBudgetID, usage, cost)
		rc.RecordCost(cost)
	}

	rc.RecordResult(result)

	if result.Success {
		e.evtBus.Publish(events.Event{Type: events.AgentComplete, RunID: rc.ID(), TaskID: t.ID})
	} else {
		e.evtBus.Publish(events.Event{Type: events.AgentError, RunID: rc.ID(), TaskID: t.ID, Payload: map[string]any{"error": result.Error}})
	}
}

// createTaskWorktree creates a disposable worktree for taskID rooted at
// rc.WorkDir(), on a throwaway branch named after the task. It returns
// the worktree and the mainline branch rc.WorkDir() was on, which
// finishTaskWorktree later passes to Worktree.Merge as a sanity check.
func (e *Engine) createTaskWorktree(ctx context.Context, rc *runsession.Context, taskID string) (*Worktree, string, error) {
	mainline, err := currentBranch(ctx, rc.WorkDir())
	if err != nil {
		return nil, "", err
	}
	suffix := sanitizeBranchName(taskID)
	relPath := filepath.Join(".cortexos", "worktrees", suffix)
	absPath := filepath.Join(rc.WorkDir(), relPath)
	wt, err := NewWorktree(ctx, rc.WorkDir(), absPath, "cortexos/"+suffix)
	if err != nil {
		return nil, "", err
	}
	return wt, mainline, nil
}

// withWorktreeContext records the task's worktree directory under
// Context["prompt"], the only context key buildInitialMessages folds
// into the agent's first message (internal/agentloop), so the agent is
// actually told which directory to work and commit in — a path inside
// the workspace root, so it resolves through the Tool Catalog's
// existing path resolver the same as any other workspace-relative tool
// argument.
func withWorktreeContext(ctx map[string]any, worktreePath, mainline string) map[string]any {
	out := make(map[string]any, len(ctx)+1)
	for k, v := range ctx {
		out[k] = v
	}
	note := fmt.Sprintf("Work inside the isolated worktree directory %s (branched off %q); file and command tool calls should target paths under it.", worktreePath, mainline)
	if existing, ok := out["prompt"].(string); ok && existing != "" {
		out["prompt"] = existing + "\n\n" + note
	} else {
		out["prompt"] = note
	}
	return out
}

// finishTaskWorktree merges a succeeded task's worktree into the
// mainline branch, or discards it on failure, serializing merges one
// at a time across concurrently completing tasks in the same wave per
// spec.md §5.
func (e *Engine) finishTaskWorktree(ctx context.Context, rc *runsession.Context, taskID string, wt *Worktree, mainline string, succeeded bool) {
	if !succeeded {
		if err := wt.Remove(ctx); err != nil {
			e.evtBus.Publish(events.Event{Type: events.Error, RunID: rc.ID(), TaskID: taskID, Payload: map[string]any{"stage": "worktree", "error": err.Error()}})
		}
		return
	}

	e.worktreeMergeMu.Lock()
	defer e.worktreeMergeMu.Unlock()
	if err := wt.Merge(ctx, mainline); err != nil {
		e.evtBus.Publish(events.Event{Type: events.Error, RunID: rc.ID(), TaskID: taskID, Payload: map[string]any{"stage": "worktree", "error": err.Error()}})
	}
}

// estimateCost derives a rough USD cost from token usage at a flat rate,
// standing in for the per-model pricing table that lives with the
// concrete provider adapters (out of scope here per spec.md §1's
// non-goal on cost-optimal routing).
func estimateCost(u task.TokenUsage) float64 {
	const perMillionTokens = 3.00
	return float64(u.Total()) / 1_000_000 * perMillionTokens
}

func (e *Engine) roleConfig(r task.Role) RoleConfig {
	if rc, ok := e.cfg.RoleConfigs[r]; ok {
		return rc
	}
	return RoleConfig{Tier: budget.TierStandard}
}

// verify runs the configured quality gates in order, retrying the whole
// sequence up to QualityMaxRetries times on failure, per spec.md §7's
// QualityGateFailed policy.
func (e *Engine) verify(ctx context.Context, rc *runsession.Context) {
	if len(e.cfg.QualityGates) == 0 {
		return
	}

	attempt := 0
	for {
		allPassed := true
		for _, gate := range e.cfg.QualityGates {
			passed, detail, err := gate.Run(ctx, rc.WorkDir())
			payload := map[string]any{"gate": gate.Name(), "passed": passed, "detail": detail}
			if err != nil {
				payload["error"] = err.Error()
			}
			e.evtBus.Publish(events.Event{Type: events.QualityGate, RunID: rc.ID(), Payload: payload})
			if !passed || err != nil {
				allPassed = false
			}
		}
		if allPassed || attempt >= e.cfg.QualityMaxRetries {
			return
		}
		attempt++
	}
}
