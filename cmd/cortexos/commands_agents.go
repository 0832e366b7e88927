package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cortexos/cortexos/pkg/task"
)

// =============================================================================
// Agents command group
// =============================================================================

var allRoles = []task.Role{
	task.RoleOrchestrator,
	task.RoleArchitect,
	task.RoleResearcher,
	task.RoleDeveloper,
	task.RoleTester,
	task.RoleValidator,
	task.RoleUX,
}

func buildAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect agent roles and the most recent run's per-task results",
	}
	cmd.AddCommand(buildAgentsListCmd(), buildAgentsStatusCmd())
	return cmd
}

func buildAgentsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the role specializations available to the Planner",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, r := range allRoles {
				fmt.Fprintf(out, "%s\t(rank %d)\n", r, task.RoleRank(r))
			}
			return nil
		},
	}
	return cmd
}

func buildAgentsStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show per-task agent results from the most recent run",
		RunE: func(cmd *cobra.Command, args []string) error {
			snapshot, _, err := loadLastRun()
			if err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no recorded run yet; run `cortexos run <prompt>` first")
				return nil
			}
			out := cmd.OutOrStdout()
			if len(snapshot.Results) == 0 {
				fmt.Fprintln(out, "the most recent run produced no task results")
				return nil
			}
			for _, r := range snapshot.Results {
				status := "ok"
				if !r.Success {
					status = "failed: " + r.Error
				}
				fmt.Fprintf(out, "%s\t%s\tinput=%d output=%d\n", r.TaskID, status, r.Usage.Input, r.Usage.Output)
			}
			return nil
		},
	}
	return cmd
}
