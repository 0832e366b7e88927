package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is CortexOS's Prometheus registry, trimmed from the donor's
// multi-channel gateway surface (webhooks, database queries, HTTP
// routes) down to the Wave Scheduler's own lifecycle: waves, agents,
// tool calls, provider requests, and cost.
type Metrics struct {
	WaveDuration *prometheus.HistogramVec // labels: run_id
	WaveTaskCount *prometheus.HistogramVec // labels: run_id

	AgentDuration *prometheus.HistogramVec // labels: role, status
	AgentCounter  *prometheus.CounterVec   // labels: role, status

	ToolExecutionDuration *prometheus.HistogramVec // labels: tool_name, status
	ToolExecutionCounter  *prometheus.CounterVec   // labels: tool_name, status

	ProviderRequestDuration *prometheus.HistogramVec // labels: provider, model, status
	ProviderRequestCounter  *prometheus.CounterVec   // labels: provider, model, status
	ProviderTokensUsed      *prometheus.CounterVec   // labels: provider, model, kind (input|output)

	CostUSD         *prometheus.CounterVec // labels: run_id
	BudgetRemaining *prometheus.GaugeVec   // labels: run_id

	ActiveRuns prometheus.Gauge
}

// NewMetrics registers every CortexOS metric against reg. Pass
// prometheus.NewRegistry() for an isolated registry in tests, or
// prometheus.DefaultRegisterer for the process-wide one.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		WaveDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cortexos_wave_duration_seconds",
			Help:    "Wall-clock duration of one wave's execution.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"run_id"}),
		WaveTaskCount: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cortexos_wave_task_count",
			Help:    "Number of tasks scheduled in a single wave.",
			Buckets: []float64{1, 2, 4, 8, 16, 32},
		}, []string{"run_id"}),
		AgentDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cortexos_agent_duration_seconds",
			Help:    "Duration of a single agent's loop execution.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"role", "status"}),
		AgentCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cortexos_agent_total",
			Help: "Agent loop executions by role and outcome.",
		}, []string{"role", "status"}),
		ToolExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cortexos_tool_execution_duration_seconds",
			Help:    "Duration of a single tool invocation.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"tool_name", "status"}),
		ToolExecutionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cortexos_tool_execution_total",
			Help: "Tool invocations by tool name and outcome.",
		}, []string{"tool_name", "status"}),
		ProviderRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cortexos_provider_request_duration_seconds",
			Help:    "LLM provider request latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model", "status"}),
		ProviderRequestCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cortexos_provider_requests_total",
			Help: "LLM provider requests by provider, model, and outcome.",
		}, []string{"provider", "model", "status"}),
		ProviderTokensUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cortexos_provider_tokens_total",
			Help: "Tokens consumed by provider, model, and kind.",
		}, []string{"provider", "model", "kind"}),
		CostUSD: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cortexos_cost_usd_total",
			Help: "Accumulated API cost in USD by run.",
		}, []string{"run_id"}),
		BudgetRemaining: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cortexos_budget_remaining_usd",
			Help: "Remaining run-level budget in USD.",
		}, []string{"run_id"}),
		ActiveRuns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cortexos_active_runs",
			Help: "Number of engine runs currently executing.",
		}),
	}
}
