package budget

import "testing"

func TestCreateBudgetAppliesTierMultiplier(t *testing.T) {
	c := NewController(nil)
	limits := Limits{APICalls: 100, Tokens: 1000, Cost: 10, Depth: 5}

	b := c.CreateBudget("t1", Overrides{Tier: TierEnhanced, Limits: &limits})
	if b.limits.APICalls != 200 {
		t.Fatalf("expected enhanced tier to double API calls, got %d", b.limits.APICalls)
	}
	if b.limits.Tokens != 2000 {
		t.Fatalf("expected enhanced tier to double tokens, got %d", b.limits.Tokens)
	}
	if b.limits.Cost != 20 {
		t.Fatalf("expected enhanced tier to double cost, got %v", b.limits.Cost)
	}
	if b.limits.Depth != 5 {
		t.Fatalf("expected depth to be unscaled, got %d", b.limits.Depth)
	}
}

func TestRecordAPICallAccumulates(t *testing.T) {
	c := NewController(nil)
	c.CreateBudget("t1", Overrides{})

	if err := c.RecordAPICall("t1", 100, 0.01); err != nil {
		t.Fatalf("RecordAPICall returned error: %v", err)
	}
	if err := c.RecordAPICall("t1", 50, 0.02); err != nil {
		t.Fatalf("RecordAPICall returned error: %v", err)
	}

	b := c.get("t1")
	if b.UsedAPICalls != 2 {
		t.Fatalf("expected 2 calls recorded, got %d", b.UsedAPICalls)
	}
	if b.UsedTokens != 150 {
		t.Fatalf("expected 150 tokens recorded, got %d", b.UsedTokens)
	}
	if b.UsedCost != 0.03 {
		t.Fatalf("expected cost 0.03, got %v", b.UsedCost)
	}
}

func TestRecordAPICallUnknownTask(t *testing.T) {
	c := NewController(nil)
	if err := c.RecordAPICall("ghost", 1, 0); err == nil {
		t.Fatalf("expected error for unknown task")
	}
}

func TestWarnThresholdsFireOncePerLevel(t *testing.T) {
	var events []WarnEvent
	c := NewController(func(ev WarnEvent) { events = append(events, ev) })

	limits := Limits{APICalls: 10, Tokens: 0, Cost: 0, Depth: 0}
	c.CreateBudget("t1", Overrides{Limits: &limits})

	for i := 0; i < 5; i++ {
		if err := c.RecordAPICall("t1", 0, 0); err != nil {
			t.Fatalf("RecordAPICall returned error: %v", err)
		}
	}
	if len(events) != 1 || events[0].Level != WarnMedium {
		t.Fatalf("expected exactly one medium warning at 50%%, got %+v", events)
	}

	for i := 0; i < 3; i++ {
		if err := c.RecordAPICall("t1", 0, 0); err != nil {
			t.Fatalf("RecordAPICall returned error: %v", err)
		}
	}
	if len(events) != 2 || events[1].Level != WarnHigh {
		t.Fatalf("expected a second, high warning at 80%%, got %+v", events)
	}

	for i := 0; i < 2; i++ {
		if err := c.RecordAPICall("t1", 0, 0); err != nil {
			t.Fatalf("RecordAPICall returned error: %v", err)
		}
	}
	if len(events) != 3 || !events[2].Exhausted {
		t.Fatalf("expected a third, exhaustion event at 100%%, got %+v", events)
	}

	// Further calls past 100% must not re-fire any threshold.
	if err := c.RecordAPICall("t1", 0, 0); err != nil {
		t.Fatalf("RecordAPICall returned error: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected no further events past exhaustion, got %d", len(events))
	}
}

func TestCheckBudgetExceeded(t *testing.T) {
	c := NewController(nil)
	limits := Limits{APICalls: 1, Tokens: 0, Cost: 0, Depth: 0}
	c.CreateBudget("t1", Overrides{Limits: &limits})

	if err := c.CheckBudget("t1"); err != nil {
		t.Fatalf("expected no error before first call, got %v", err)
	}
	if err := c.RecordAPICall("t1", 0, 0); err != nil {
		t.Fatalf("RecordAPICall returned error: %v", err)
	}

	err := c.CheckBudget("t1")
	if err == nil {
		t.Fatalf("expected budget exceeded error")
	}
	exceeded, ok := err.(*ExceededError)
	if !ok {
		t.Fatalf("expected *ExceededError, got %T", err)
	}
	if exceeded.Resource != ResourceAPICalls {
		t.Fatalf("expected apiCalls resource, got %s", exceeded.Resource)
	}

	if c.HasBudget("t1") {
		t.Fatalf("expected HasBudget to report false once exceeded")
	}
}

func TestDepthIncreaseDecreaseFloorsAtZero(t *testing.T) {
	c := NewController(nil)
	c.CreateBudget("t1", Overrides{})

	if err := c.RecordDepthDecrease("t1"); err != nil {
		t.Fatalf("RecordDepthDecrease returned error: %v", err)
	}
	if b := c.get("t1"); b.Depth != 0 {
		t.Fatalf("expected depth to floor at 0, got %d", b.Depth)
	}

	if err := c.RecordDepthIncrease("t1"); err != nil {
		t.Fatalf("RecordDepthIncrease returned error: %v", err)
	}
	if err := c.RecordDepthIncrease("t1"); err != nil {
		t.Fatalf("RecordDepthIncrease returned error: %v", err)
	}
	if b := c.get("t1"); b.Depth != 2 {
		t.Fatalf("expected depth 2, got %d", b.Depth)
	}
}

func TestScaleBudgetRequiresAutoScale(t *testing.T) {
	c := NewController(nil)
	limits := Limits{APICalls: 10, Tokens: 0, Cost: 0, Depth: 0}
	c.CreateBudget("t1", Overrides{Limits: &limits})

	if err := c.ScaleBudget("t1", 2.0); err != nil {
		t.Fatalf("ScaleBudget returned error: %v", err)
	}
	if b := c.get("t1"); b.limits.APICalls != 10 {
		t.Fatalf("expected scale to no-op without auto-scale enabled, got %d", b.limits.APICalls)
	}

	c.EnableAutoScale("t1")
	if err := c.ScaleBudget("t1", 2.0); err != nil {
		t.Fatalf("ScaleBudget returned error: %v", err)
	}
	if b := c.get("t1"); b.limits.APICalls != 20 {
		t.Fatalf("expected scale to double limit once enabled, got %d", b.limits.APICalls)
	}
}

func TestScaleBudgetClearsExhausted(t *testing.T) {
	c := NewController(nil)
	limits := Limits{APICalls: 1, Tokens: 0, Cost: 0, Depth: 0}
	c.CreateBudget("t1", Overrides{Limits: &limits})
	c.EnableAutoScale("t1")

	if err := c.RecordAPICall("t1", 0, 0); err != nil {
		t.Fatalf("RecordAPICall returned error: %v", err)
	}
	if !c.get("t1").Exhausted() {
		t.Fatalf("expected budget to be exhausted")
	}

	if err := c.ScaleBudget("t1", 5.0); err != nil {
		t.Fatalf("ScaleBudget returned error: %v", err)
	}
	if c.get("t1").Exhausted() {
		t.Fatalf("expected ScaleBudget to clear the exhausted flag")
	}
}

func TestScaleBudgetClearsCrossedThresholdsSoReExhaustionWarnsAgain(t *testing.T) {
	var events []WarnEvent
	c := NewController(func(ev WarnEvent) { events = append(events, ev) })
	limits := Limits{APICalls: 1, Tokens: 0, Cost: 0, Depth: 0}
	c.CreateBudget("t1", Overrides{Limits: &limits})
	c.EnableAutoScale("t1")

	if err := c.RecordAPICall("t1", 0, 0); err != nil {
		t.Fatalf("RecordAPICall returned error: %v", err)
	}
	if len(events) != 1 || !events[0].Exhausted {
		t.Fatalf("expected one exhaustion warning before scaling, got %+v", events)
	}

	if err := c.ScaleBudget("t1", 1.0); err != nil {
		t.Fatalf("ScaleBudget returned error: %v", err)
	}

	if err := c.RecordAPICall("t1", 0, 0); err != nil {
		t.Fatalf("RecordAPICall returned error: %v", err)
	}
	if len(events) != 2 || !events[1].Exhausted {
		t.Fatalf("expected a second exhaustion warning after the budget was re-exhausted post-scale, got %+v", events)
	}
}

func TestReleaseBudgetRemovesAndReturnsSnapshot(t *testing.T) {
	c := NewController(nil)
	c.CreateBudget("t1", Overrides{})
	_ = c.RecordAPICall("t1", 10, 0.5)

	final, err := c.ReleaseBudget("t1")
	if err != nil {
		t.Fatalf("ReleaseBudget returned error: %v", err)
	}
	if final.UsedTokens != 10 {
		t.Fatalf("expected released snapshot to carry final usage, got %d", final.UsedTokens)
	}

	if _, err := c.ReleaseBudget("t1"); err == nil {
		t.Fatalf("expected error releasing an already-released task")
	}

	stats := c.Stats()
	if stats.Active != 0 {
		t.Fatalf("expected 0 active budgets after release, got %d", stats.Active)
	}
}

func TestStatsExhaustionRate(t *testing.T) {
	c := NewController(nil)
	limits := Limits{APICalls: 1, Tokens: 0, Cost: 0, Depth: 0}

	c.CreateBudget("t1", Overrides{Limits: &limits})
	c.CreateBudget("t2", Overrides{Limits: &limits})
	_ = c.RecordAPICall("t1", 0, 0)

	stats := c.Stats()
	if stats.TotalCreated != 2 {
		t.Fatalf("expected 2 created, got %d", stats.TotalCreated)
	}
	if stats.TotalExhausted != 1 {
		t.Fatalf("expected 1 exhausted, got %d", stats.TotalExhausted)
	}
	if stats.ExhaustionRate() != 0.5 {
		t.Fatalf("expected exhaustion rate 0.5, got %v", stats.ExhaustionRate())
	}
}

func TestExhaustionRateZeroWhenNoneCreated(t *testing.T) {
	var s Stats
	if s.ExhaustionRate() != 0 {
		t.Fatalf("expected 0 exhaustion rate with no budgets created")
	}
}
