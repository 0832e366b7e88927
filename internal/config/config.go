// Package config defines CortexOS's layered configuration schema:
// provider credentials, agent concurrency limits, cost budgets, quality
// gates, memory, and the optional reasoning layer, per spec.md §6.
//
// Grounded on the donor's internal/config package for the overall shape
// (a single root Config struct composed of per-concern sub-structs, each
// with its own applyXDefaults function) but the schema itself is
// rewritten from scratch: the donor's config describes a multi-channel
// chat gateway (Slack/Discord/database/auth/workspace files) that has no
// home in CortexOS, per spec.md's explicit Non-goals on channel
// connectors and persistence schema.
package config

import "time"

// Config is CortexOS's root configuration structure.
type Config struct {
	Providers ProvidersConfig `yaml:"providers"`
	Agents    AgentsConfig    `yaml:"agents"`
	Cost      CostConfig      `yaml:"cost"`
	Quality   QualityConfig   `yaml:"quality"`
	Memory    MemoryConfig    `yaml:"memory"`
	Reasoning ReasoningConfig `yaml:"reasoning"`
}

// ProvidersConfig selects the default LLM provider and carries
// per-provider API keys, per spec.md §6's closed provider vocabulary.
type ProvidersConfig struct {
	Default string            `yaml:"default"`
	APIKeys map[string]string `yaml:"api_keys"`
}

// KnownProviders is the closed vocabulary spec.md §6 names for
// providers.default. The gateway only ever constructs adapters for
// anthropic and openai ([EXPANSION] §4.1); the remaining eight are
// accepted here purely for config validation symmetry with the spec's
// documented enum, so a project file naming one isn't rejected outright
// even though no adapter is wired for it yet.
var KnownProviders = []string{
	"anthropic", "openai", "google", "ollama", "groq",
	"mistral", "together", "deepseek", "fireworks", "cohere",
}

// AgentsConfig bounds how many agents run concurrently and how long each
// agent's Agent Loop may iterate, mirrored into engine.Config at startup.
type AgentsConfig struct {
	MaxParallel    int `yaml:"max_parallel"`
	MaxIterations  int `yaml:"max_iterations"`
}

// CostConfig carries the run- and day-level budget ceilings the Budget
// Controller enforces.
type CostConfig struct {
	BudgetPerRun float64 `yaml:"budget_per_run"`
	BudgetPerDay float64 `yaml:"budget_per_day"`
}

// Gate names one quality check the verify stage can run.
type Gate string

const (
	GateSyntax    Gate = "syntax"
	GateLint      Gate = "lint"
	GateTypeCheck Gate = "type-check"
	GateTest      Gate = "test"
)

// QualityConfig configures the verify stage's ordered gate list and
// auto-fix retry behavior.
type QualityConfig struct {
	Gates      []Gate `yaml:"gates"`
	AutoFix    bool   `yaml:"auto_fix"`
	MaxRetries int    `yaml:"max_retries"`
}

// MemoryConfig toggles the external memory store and its decay window.
type MemoryConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DecayHalfLife   time.Duration `yaml:"decay_half_life_days"`
}

// ReasoningConfig toggles the optional evolutionary/population reasoning
// layer named as a non-goal in spec.md's overview but left configurable
// as an off-by-default extension point.
type ReasoningConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Defaults returns the configuration spec.md §6 documents: anthropic as
// the default provider, 4 parallel agents with 25 iterations each, a
// $1.00 per-run / $10.00 per-day budget, no quality gates with one retry,
// memory enabled with a 14-day decay half-life, and reasoning disabled.
func Defaults() Config {
	return Config{
		Providers: ProvidersConfig{
			Default: "anthropic",
			APIKeys: map[string]string{},
		},
		Agents: AgentsConfig{
			MaxParallel:   4,
			MaxIterations: 25,
		},
		Cost: CostConfig{
			BudgetPerRun: 1.00,
			BudgetPerDay: 10.00,
		},
		Quality: QualityConfig{
			Gates:      nil,
			AutoFix:    false,
			MaxRetries: 1,
		},
		Memory: MemoryConfig{
			Enabled:       true,
			DecayHalfLife: 14 * 24 * time.Hour,
		},
		Reasoning: ReasoningConfig{
			Enabled: false,
		},
	}
}

func isKnownProvider(name string) bool {
	for _, p := range KnownProviders {
		if p == name {
			return true
		}
	}
	return false
}
