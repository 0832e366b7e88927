// Package budget tracks per-task API call, token, cost, and recursion-depth
// spend against configured limits, scaled by a tier multiplier, and raises
// typed exhaustion errors when a resource crosses its limit.
//
// Grounded on the accumulate-then-threshold-check shape of the donor's
// internal/usage.Tracker, generalized from a cross-request usage rollup to
// a per-task ledger with hard limits and warning thresholds.
package budget

import (
	"fmt"
	"sync"
)

// Tier scales a task's limits relative to the standard tier.
type Tier string

const (
	TierMinimal  Tier = "minimal"
	TierStandard Tier = "standard"
	TierEnhanced Tier = "enhanced"
	TierCritical Tier = "critical"
)

// Multiplier returns the scaling factor for a tier. Unknown tiers scale as standard.
func (t Tier) Multiplier() float64 {
	switch t {
	case TierMinimal:
		return 0.25
	case TierEnhanced:
		return 2.0
	case TierCritical:
		return 4.0
	default:
		return 1.0
	}
}

// Limits defines the resource ceilings for a single task budget, before
// tier scaling is applied.
type Limits struct {
	APICalls int64
	Tokens   int64
	Cost     float64
	Depth    int
}

// DefaultLimits returns the baseline standard-tier limits.
func DefaultLimits() Limits {
	return Limits{
		APICalls: 50,
		Tokens:   200_000,
		Cost:     1.00,
		Depth:    10,
	}
}

// Resource names a single ledgered resource, used in warnings and errors.
type Resource string

const (
	ResourceAPICalls Resource = "apiCalls"
	ResourceTokens   Resource = "tokens"
	ResourceCost     Resource = "cost"
	ResourceDepth    Resource = "depth"
)

// WarnLevel distinguishes the medium/high utilization tiers from full exhaustion.
type WarnLevel string

const (
	WarnMedium WarnLevel = "medium"
	WarnHigh   WarnLevel = "high"
)

// ExceededError is raised by CheckBudget when a resource is at or over its limit.
type ExceededError struct {
	TaskID   string
	Resource Resource
	Used     float64
	Limit    float64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget exceeded for task %s: %s used=%v limit=%v", e.TaskID, e.Resource, e.Used, e.Limit)
}

// WarnEvent is emitted the first time a budget crosses the 50%, 80%, or
// 100% utilization threshold for a resource. Each threshold fires at most
// once per budget, per resource.
type WarnEvent struct {
	TaskID   string
	Resource Resource
	Level    WarnLevel
	Used     float64
	Limit    float64
	Exhausted bool
}

// Budget is the per-task ledger. All mutation goes through the Controller,
// which guards each operation with its single controller-wide mutex so
// every update is atomic with respect to concurrent callers.
type Budget struct {
	TaskID string
	Tier   Tier

	UsedAPICalls int64
	UsedTokens   int64
	UsedCost     float64
	Depth        int

	limits    Limits // post-tier-scaling effective limits
	autoScale bool
	exhausted bool

	// crossed tracks which (resource, threshold) pairs have already fired a
	// warning, so each threshold is emitted at most once.
	crossed map[string]bool
}

// Remaining returns the unused portion of each resource (never negative).
func (b *Budget) Remaining() Limits {
	rem := Limits{
		APICalls: b.limits.APICalls - b.UsedAPICalls,
		Tokens:   b.limits.Tokens - b.UsedTokens,
		Cost:     b.limits.Cost - b.UsedCost,
		Depth:    b.limits.Depth - b.Depth,
	}
	if rem.APICalls < 0 {
		rem.APICalls = 0
	}
	if rem.Tokens < 0 {
		rem.Tokens = 0
	}
	if rem.Cost < 0 {
		rem.Cost = 0
	}
	if rem.Depth < 0 {
		rem.Depth = 0
	}
	return rem
}

// Exhausted reports whether this budget has ever tripped 100% on any resource.
func (b *Budget) Exhausted() bool {
	return b.exhausted
}

// Overrides allows a caller to replace any subset of the default limits or
// tier when creating a budget.
type Overrides struct {
	Tier   Tier
	Limits *Limits // nil falls back to DefaultLimits(); a zero field disables that resource's check
}

// Stats summarizes controller-wide budget activity.
type Stats struct {
	Active           int
	TotalCreated      int64
	TotalExhausted    int64
}

// ExhaustionRate returns TotalExhausted/TotalCreated, or 0 if none created.
func (s Stats) ExhaustionRate() float64 {
	if s.TotalCreated == 0 {
		return 0
	}
	return float64(s.TotalExhausted) / float64(s.TotalCreated)
}

// Controller owns every active Budget, keyed by task ID, and the
// process-wide creation/exhaustion counters named in the data model.
type Controller struct {
	mu      sync.Mutex
	budgets map[string]*Budget

	totalCreated   int64
	totalExhausted int64

	// onWarn is invoked (outside the lock) whenever a budget crosses a
	// threshold. The engine wires this to the Event Bus.
	onWarn func(WarnEvent)
}

// NewController creates an empty budget controller. onWarn may be nil.
func NewController(onWarn func(WarnEvent)) *Controller {
	return &Controller{
		budgets: make(map[string]*Budget),
		onWarn:  onWarn,
	}
}

// CreateBudget creates and stores a new Budget for taskID, scaled by the
// requested tier. Creating a budget for a task ID that already has one
// replaces it, matching "created by Budget Controller on task entry."
func (c *Controller) CreateBudget(taskID string, overrides Overrides) *Budget {
	limits := DefaultLimits()
	if overrides.Limits != nil {
		limits = *overrides.Limits
	}
	tier := overrides.Tier
	if tier == "" {
		tier = TierStandard
	}
	mult := tier.Multiplier()
	scaled := Limits{
		APICalls: int64(float64(limits.APICalls) * mult),
		Tokens:   int64(float64(limits.Tokens) * mult),
		Cost:     limits.Cost * mult,
		Depth:    limits.Depth, // depth is a structural guard, not scaled
	}

	b := &Budget{
		TaskID:  taskID,
		Tier:    tier,
		limits:  scaled,
		crossed: make(map[string]bool),
	}

	c.mu.Lock()
	c.budgets[taskID] = b
	c.totalCreated++
	c.mu.Unlock()

	return b
}

// get returns the budget for a task, or nil.
func (c *Controller) get(taskID string) *Budget {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.budgets[taskID]
}

// RecordAPICall increments used counters for a task and emits warning/
// exhaustion events as thresholds are crossed. tokens/cost are deltas for
// this single call.
func (c *Controller) RecordAPICall(taskID string, tokens int64, cost float64) error {
	c.mu.Lock()
	b, ok := c.budgets[taskID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("budget: no budget for task %s", taskID)
	}
	b.UsedAPICalls++
	b.UsedTokens += tokens
	b.UsedCost += cost

	events := c.checkThresholds(b)
	c.mu.Unlock()

	for _, ev := range events {
		if c.onWarn != nil {
			c.onWarn(ev)
		}
	}
	return nil
}

// checkThresholds evaluates every resource against the 50/80/100 thresholds
// and returns newly-crossed events. Must be called with c.mu held.
func (c *Controller) checkThresholds(b *Budget) []WarnEvent {
	var events []WarnEvent

	check := func(resource Resource, used, limit float64) {
		if limit <= 0 {
			return
		}
		pct := used / limit
		thresholds := []struct {
			pct   float64
			level WarnLevel
			key   string
		}{
			{1.0, "", fmt.Sprintf("%s:100", resource)},
			{0.8, WarnHigh, fmt.Sprintf("%s:80", resource)},
			{0.5, WarnMedium, fmt.Sprintf("%s:50", resource)},
		}
		for i, th := range thresholds {
			if pct < th.pct || b.crossed[th.key] {
				continue
			}
			// Mark every lower threshold crossed too, so a skipped 50% or
			// 80% warning never fires later, after a higher one.
			for _, lower := range thresholds[i:] {
				b.crossed[lower.key] = true
			}
			exhausted := th.pct >= 1.0
			if exhausted {
				b.exhausted = true
				c.totalExhausted++
			}
			events = append(events, WarnEvent{
				TaskID:    b.TaskID,
				Resource:  resource,
				Level:     th.level,
				Used:      used,
				Limit:     limit,
				Exhausted: exhausted,
			})
			break // only the highest newly-crossed threshold fires per call
		}
	}

	check(ResourceAPICalls, float64(b.UsedAPICalls), float64(b.limits.APICalls))
	check(ResourceTokens, float64(b.UsedTokens), float64(b.limits.Tokens))
	check(ResourceCost, b.UsedCost, b.limits.Cost)

	return events
}

// RecordDepthIncrease increments the recursion depth counter for a task.
func (c *Controller) RecordDepthIncrease(taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.budgets[taskID]
	if !ok {
		return fmt.Errorf("budget: no budget for task %s", taskID)
	}
	b.Depth++
	return nil
}

// RecordDepthDecrease decrements the recursion depth counter, floored at zero.
func (c *Controller) RecordDepthDecrease(taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.budgets[taskID]
	if !ok {
		return fmt.Errorf("budget: no budget for task %s", taskID)
	}
	if b.Depth > 0 {
		b.Depth--
	}
	return nil
}

// CheckBudget returns an *ExceededError naming the first resource found at
// or over its limit, or nil if the task's budget has headroom on every
// resource.
func (c *Controller) CheckBudget(taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.budgets[taskID]
	if !ok {
		return fmt.Errorf("budget: no budget for task %s", taskID)
	}

	if b.limits.APICalls > 0 && b.UsedAPICalls >= b.limits.APICalls {
		return &ExceededError{TaskID: taskID, Resource: ResourceAPICalls, Used: float64(b.UsedAPICalls), Limit: float64(b.limits.APICalls)}
	}
	if b.limits.Tokens > 0 && b.UsedTokens >= b.limits.Tokens {
		return &ExceededError{TaskID: taskID, Resource: ResourceTokens, Used: float64(b.UsedTokens), Limit: float64(b.limits.Tokens)}
	}
	if b.limits.Cost > 0 && b.UsedCost >= b.limits.Cost {
		return &ExceededError{TaskID: taskID, Resource: ResourceCost, Used: b.UsedCost, Limit: b.limits.Cost}
	}
	if b.limits.Depth > 0 && b.Depth >= b.limits.Depth {
		return &ExceededError{TaskID: taskID, Resource: ResourceDepth, Used: float64(b.Depth), Limit: float64(b.limits.Depth)}
	}
	return nil
}

// HasBudget is the boolean form of CheckBudget.
func (c *Controller) HasBudget(taskID string) bool {
	return c.CheckBudget(taskID) == nil
}

// ScaleBudget rescales a task's limits by multiplier and clears its
// exhausted flag along with every threshold it had already crossed, so
// a budget that gets re-exhausted after scaling fires its warning
// events again instead of staying silent because they were already
// marked crossed pre-scale. Only effective when EnableAutoScale was
// called for this task's budget; otherwise it is a no-op, per the spec's
// optional auto-scale.
func (c *Controller) ScaleBudget(taskID string, multiplier float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.budgets[taskID]
	if !ok {
		return fmt.Errorf("budget: no budget for task %s", taskID)
	}
	if !b.autoScale {
		return nil
	}
	b.limits.APICalls = int64(float64(b.limits.APICalls) * multiplier)
	b.limits.Tokens = int64(float64(b.limits.Tokens) * multiplier)
	b.limits.Cost *= multiplier
	b.exhausted = false
	b.crossed = make(map[string]bool)
	return nil
}

// EnableAutoScale turns on auto-scale eligibility for a task's budget.
func (c *Controller) EnableAutoScale(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.budgets[taskID]; ok {
		b.autoScale = true
	}
}

// ReleaseBudget removes a task's budget and returns its final snapshot.
func (c *Controller) ReleaseBudget(taskID string) (*Budget, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.budgets[taskID]
	if !ok {
		return nil, fmt.Errorf("budget: no budget for task %s", taskID)
	}
	delete(c.budgets, taskID)
	final := *b
	return &final, nil
}

// Stats returns a snapshot of controller-wide counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Active:         len(c.budgets),
		TotalCreated:   c.totalCreated,
		TotalExhausted: c.totalExhausted,
	}
}
