package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cortexos/cortexos/internal/runsession"
)

// =============================================================================
// Status command
// =============================================================================

func buildStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the most recent run's outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd)
		},
	}
	return cmd
}

func runStatus(cmd *cobra.Command) error {
	snapshot, updatedAt, err := loadLastRun()
	if err != nil {
		fmt.Fprintln(cmd.OutOrStdout(), "no recorded run yet; run `cortexos run <prompt>` first")
		return nil
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "last run:   %s\n", snapshot.ID)
	fmt.Fprintf(out, "recorded:   %s (%s ago)\n", updatedAt.Format(time.RFC3339), time.Since(updatedAt).Round(time.Second))
	fmt.Fprintf(out, "stage:      %s\n", snapshot.Stage)
	succeeded := countSuccess(snapshot)
	fmt.Fprintf(out, "tasks:      %d succeeded, %d failed\n", succeeded, len(snapshot.Results)-succeeded)
	fmt.Fprintf(out, "cost:       $%.4f (budget left $%.4f)\n", snapshot.CostUSD, snapshot.BudgetLeft)
	fmt.Fprintf(out, "memory:     %d hit(s)\n", snapshot.MemoryHits)
	fmt.Fprintf(out, "cancelled:  %v\n", snapshot.Cancelled)
	return nil
}

func countSuccess(snapshot runsession.Snapshot) int {
	n := 0
	for _, r := range snapshot.Results {
		if r.Success {
			n++
		}
	}
	return n
}
