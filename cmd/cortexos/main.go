// Package main provides the CLI entry point for CortexOS, a local
// orchestration runtime that turns a single natural-language task into
// a coordinated run across role-specialized, LLM-backed agents.
//
// # Basic usage
//
//	cortexos run "add input validation to the signup handler"
//	cortexos status
//	cortexos agents list
//	cortexos memory stats
//
// # Environment variables
//
//   - ANTHROPIC_API_KEY / OPENAI_API_KEY / ...: provider credentials, one
//     per entry in config.KnownProviders
//   - CORTEXOS_DEFAULT_PROVIDER, CORTEXOS_BUDGET_PER_RUN, CORTEXOS_BUDGET_PER_DAY:
//     override the matching config field (see internal/config)
//
// The configuration file path itself is set with run's --config flag
// (default: cortexos.yaml), not an environment variable.
//
// Grounded on the donor's cmd/nexus/main.go: a slog-configured root
// command built in buildRootCmd (kept separate from main for testing),
// one command-group file per noun, Execute()'s error silenced from
// Cobra's own usage dump and surfaced instead as a slog error plus a
// non-zero exit code.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		// A run that completed but left a task failed reports that via
		// its own printed/JSON report, not a generic top-level log line.
		if err.Error() != "" {
			slog.Error("command failed", "error", err)
		}
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with every subcommand group
// attached. Kept separate from main so tests can exercise it without a
// process exit.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cortexos",
		Short: "CortexOS - local multi-agent LLM orchestration runtime",
		Long: `CortexOS turns a single natural-language task into a coordinated run
across role-specialized, LLM-backed agents: it analyzes the prompt, decomposes
it into a dependency-ordered task graph, schedules the graph across a bounded
pool of agents under a cost budget, runs quality gates on the result, and
reports what happened.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildStatusCmd(),
		buildAgentsCmd(),
		buildMemoryCmd(),
	)

	return rootCmd
}
