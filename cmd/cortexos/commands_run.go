package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/cortexos/cortexos/internal/config"
	"github.com/cortexos/cortexos/internal/dashboard"
	"github.com/cortexos/cortexos/internal/engine"
	"github.com/cortexos/cortexos/internal/events"
	"github.com/cortexos/cortexos/internal/memstore"
	"github.com/cortexos/cortexos/internal/observability"
	"github.com/cortexos/cortexos/internal/orchestration"
	"github.com/cortexos/cortexos/internal/planner"
	"github.com/cortexos/cortexos/internal/provider"
	"github.com/cortexos/cortexos/internal/runsession"
	"github.com/cortexos/cortexos/internal/toolcatalog"
)

const defaultConfigPath = "cortexos.yaml"
const stateDir = ".cortexos"

// =============================================================================
// Run command
// =============================================================================

func buildRunCmd() *cobra.Command {
	var (
		configPath    string
		dir           string
		budget        float64
		model         string
		providerName  string
		noMemory      bool
		dryRun        bool
		jsonOut       bool
		dashboardAddr string
	)
	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run a natural-language task across a pool of agents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, configPath, args[0], dir, budget, model, providerName, noMemory, dryRun, jsonOut, dashboardAddr)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to configuration file")
	cmd.Flags().StringVar(&dir, "dir", ".", "working directory the run is rooted at")
	cmd.Flags().Float64Var(&budget, "budget", 0, "per-run cost budget in USD (0 uses the configured default)")
	cmd.Flags().StringVar(&model, "model", "", "model name override (provider default if empty)")
	cmd.Flags().StringVar(&providerName, "provider", "", "provider override (configured default if empty)")
	cmd.Flags().BoolVar(&noMemory, "no-memory", false, "disable memory recall and storage for this run")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "analyze and plan the run without executing any agent")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the run report as JSON")
	cmd.Flags().StringVar(&dashboardAddr, "dashboard", "", "serve a WebSocket relay of this run's events at the given address (e.g. :8787)")
	return cmd
}

func runRun(cmd *cobra.Command, configPath, prompt, dir string, budgetOverride float64, model, providerName string, noMemory, dryRun, jsonOut bool, dashboardAddr string) error {
	cfg, err := loadConfigForCLI(configPath)
	if err != nil {
		return err
	}

	if providerName != "" {
		cfg.Providers.Default = providerName
	}
	if budgetOverride > 0 {
		cfg.Cost.BudgetPerRun = budgetOverride
	}

	logger := observability.NewLogger(observability.LogConfig{Level: "info", Format: "text", Output: os.Stderr})
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	gw, err := buildProviderGateway(cfg)
	if err != nil {
		return fmt.Errorf("cortexos: %w", err)
	}
	if model == "" {
		model = defaultModelFor(cfg.Providers.Default)
	}

	catalog := toolcatalog.New(nil, toolcatalog.DefaultConfig())
	if err := registerWorkspaceTools(catalog, dir); err != nil {
		return fmt.Errorf("cortexos: %w", err)
	}

	evtBus := events.NewBus(1000)
	observability.NewSink(logger, metrics, evtBus)

	analyzer := orchestration.NewAnalyzer(gw, model)
	decomposer := orchestration.NewDecomposer(gw, model)

	if dryRun {
		return runDryRun(cmd, analyzer, decomposer, prompt)
	}

	var mem engine.MemoryStore
	if cfg.Memory.Enabled && !noMemory {
		mem = memstore.New(filepath.Join(stateDir, "memory.json"), cfg.Memory.DecayHalfLife)
	}

	eng := engine.New(engine.Config{
		MaxParallelAgents:  cfg.Agents.MaxParallel,
		AgentMaxIterations: cfg.Agents.MaxIterations,
		BudgetPerRun:       cfg.Cost.BudgetPerRun,
		MemoryEnabled:      cfg.Memory.Enabled && !noMemory,
	}, engine.Deps{
		Provider:   gw,
		Catalog:    catalog,
		EventBus:   evtBus,
		Analyzer:   analyzer,
		Decomposer: decomposer,
		Memory:     mem,
	})
	defer eng.Stop()

	unsub := evtBus.Subscribe(func(ev events.Event) {
		if jsonOut {
			return
		}
		fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s\n", ev.Type, eventSummary(ev))
	})
	defer unsub()

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if dashboardAddr != "" {
		stop := serveDashboard(logger, dashboardAddr, evtBus)
		defer stop()
	}

	runID := uuid.NewString()
	snapshot, runErr := eng.Run(ctx, runID, prompt, dir)

	if err := persistLastRun(snapshot); err != nil {
		logger.Warn(ctx, "cli: persist last run failed", "error", err.Error())
	}

	if jsonOut {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(reportFrom(snapshot, runErr)); encErr != nil {
			return encErr
		}
	} else {
		printReport(cmd, snapshot, runErr)
	}

	if runErr != nil || !allResultsSucceeded(snapshot) {
		return errRunFailed
	}
	return nil
}

// errRunFailed is returned, never wrapped with a message, when a run
// completed but one or more tasks failed: printReport/the JSON report
// already described the failure, so main()'s top-level "command failed"
// log would otherwise just repeat it.
var errRunFailed = &silentError{}

type silentError struct{}

func (*silentError) Error() string { return "" }

// registerWorkspaceTools registers the Tool Catalog's filesystem and shell
// tools scoped to workspace, so an agent's read_file/write_file/edit_file/
// list_dir/run_command calls are confined to the run's target directory
// regardless of the CLI process's own working directory.
func registerWorkspaceTools(catalog *toolcatalog.Catalog, workspace string) error {
	fileCfg := toolcatalog.FileConfig{Workspace: workspace}
	workspaceTools := []toolcatalog.Tool{
		toolcatalog.NewReadFileTool(fileCfg),
		toolcatalog.NewWriteFileTool(fileCfg),
		toolcatalog.NewEditFileTool(fileCfg),
		toolcatalog.NewListDirTool(fileCfg),
		toolcatalog.NewRunCommandTool(workspace, ""),
	}
	for _, t := range workspaceTools {
		if err := catalog.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func eventSummary(ev events.Event) string {
	if ev.RunID == "" {
		return fmt.Sprintf("%+v", ev.Payload)
	}
	return fmt.Sprintf("run=%s %+v", ev.RunID, ev.Payload)
}

type runReport struct {
	RunID     string  `json:"run_id"`
	Stage     string  `json:"stage"`
	Success   bool    `json:"success"`
	TaskCount int     `json:"task_count"`
	CostUSD   float64 `json:"cost_usd"`
	Error     string  `json:"error,omitempty"`
}

func reportFrom(snapshot runsession.Snapshot, runErr error) runReport {
	r := runReport{
		RunID:     snapshot.ID,
		Stage:     snapshot.Stage.String(),
		Success:   runErr == nil && allResultsSucceeded(snapshot),
		TaskCount: len(snapshot.Results),
		CostUSD:   snapshot.CostUSD,
	}
	if runErr != nil {
		r.Error = runErr.Error()
	}
	return r
}

func allResultsSucceeded(snapshot runsession.Snapshot) bool {
	for _, res := range snapshot.Results {
		if !res.Success {
			return false
		}
	}
	return true
}

func printReport(cmd *cobra.Command, snapshot runsession.Snapshot, runErr error) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nrun %s: stage=%s tasks=%d cost=$%.4f\n", snapshot.ID, snapshot.Stage, len(snapshot.Results), snapshot.CostUSD)
	for _, r := range snapshot.Results {
		status := "ok"
		if !r.Success {
			status = "FAILED: " + r.Error
		}
		fmt.Fprintf(out, "  - %s [%s]\n", r.TaskID, status)
	}
	if runErr != nil {
		fmt.Fprintf(out, "run error: %v\n", runErr)
	}
}

// loadConfigForCLI loads the project config file at path, falling back
// to config.Defaults()-plus-environment when path is the CLI's own
// default and no file exists there yet: a config file is optional for
// the default path, but an explicitly-named --config file that is
// missing is still a real error.
func loadConfigForCLI(path string) (config.Config, error) {
	if path == defaultConfigPath {
		if _, err := os.Stat(path); err != nil {
			path = ""
		}
	}
	cfg, err := config.Load(path, nil)
	if err != nil {
		return config.Config{}, fmt.Errorf("cortexos: load config: %w", err)
	}
	return cfg, nil
}

func buildProviderGateway(cfg config.Config) (*provider.Gateway, error) {
	primary, err := newProvider(cfg, cfg.Providers.Default)
	if err != nil {
		return nil, err
	}
	gw := provider.NewGateway(primary, provider.DefaultGatewayConfig())
	for _, name := range config.KnownProviders {
		if name == cfg.Providers.Default {
			continue
		}
		if p, err := newProvider(cfg, name); err == nil {
			gw.AddProvider(p)
		}
	}
	return gw, nil
}

func newProvider(cfg config.Config, name string) (provider.Provider, error) {
	key := cfg.Providers.APIKeys[name]
	switch name {
	case "anthropic":
		if key == "" {
			return nil, fmt.Errorf("missing anthropic api key")
		}
		return provider.NewAnthropicProvider(provider.AnthropicConfig{APIKey: key, DefaultModel: "claude-sonnet-4-20250514"})
	case "openai":
		if key == "" {
			return nil, fmt.Errorf("missing openai api key")
		}
		return provider.NewOpenAIProvider(key, "gpt-4o"), nil
	default:
		return nil, fmt.Errorf("unsupported provider %q for this run (no adapter beyond anthropic/openai)", name)
	}
}

func defaultModelFor(providerName string) string {
	switch providerName {
	case "openai":
		return "gpt-4o"
	default:
		return "claude-sonnet-4-20250514"
	}
}

func persistLastRun(snapshot runsession.Snapshot) error {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(struct {
		Snapshot  runsession.Snapshot `json:"snapshot"`
		UpdatedAt time.Time           `json:"updated_at"`
	}{snapshot, time.Now()}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(stateDir, "last_run.json"), data, 0o644)
}

func loadLastRun() (runsession.Snapshot, time.Time, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, "last_run.json"))
	if err != nil {
		return runsession.Snapshot{}, time.Time{}, err
	}
	var parsed struct {
		Snapshot  runsession.Snapshot `json:"snapshot"`
		UpdatedAt time.Time           `json:"updated_at"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return runsession.Snapshot{}, time.Time{}, err
	}
	return parsed.Snapshot, parsed.UpdatedAt, nil
}

// runDryRun runs only the analyze and decompose stages and prints the
// resulting wave plan, without constructing an Engine or executing any
// agent — so --dry-run never spends the run budget.
func runDryRun(cmd *cobra.Command, analyzer *orchestration.Analyzer, decomposer *orchestration.Decomposer, prompt string) error {
	ctx := cmd.Context()

	analysis, err := analyzer.Analyze(ctx, prompt)
	if err != nil {
		return fmt.Errorf("cortexos: dry run: analyze: %w", err)
	}
	tasks, err := decomposer.Decompose(ctx, prompt, analysis)
	if err != nil {
		return fmt.Errorf("cortexos: dry run: decompose: %w", err)
	}
	plan, err := planner.Plan(tasks)
	if err != nil {
		return fmt.Errorf("cortexos: dry run: plan: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "analysis: complexity=%.2f intent=%q domains=%v languages=%v\n",
		analysis.Complexity, analysis.Intent, analysis.Domains, analysis.Languages)
	for i, wave := range plan.Plan.Waves {
		fmt.Fprintf(out, "wave %d: %v\n", i, wave.TaskIDs)
	}
	fmt.Fprintf(out, "%d task(s) across %d wave(s), no agents executed\n", len(tasks), len(plan.Plan.Waves))
	return nil
}

// serveDashboard starts the dashboard's WebSocket relay on addr for the
// lifetime of the run, returning a function that shuts it down.
func serveDashboard(logger *observability.Logger, addr string, bus *events.Bus) func() {
	srv := dashboard.NewServer(nil, bus)
	httpSrv := &http.Server{Addr: addr, Handler: srv}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn(context.Background(), "dashboard: serve failed", "error", err.Error())
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(ctx)
	}
}
