package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/cortexos/cortexos/internal/memstore"
)

// =============================================================================
// Memory command group
// =============================================================================

func buildMemoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and manage the persistent memory store",
		Long: `Inspect and manage the persistent memory store CortexOS consults at the
recall stage of a run and writes to at the memorize stage. Memory is
file-backed and scoped to the current directory's .cortexos state.`,
	}
	cmd.AddCommand(buildMemoryStatsCmd(), buildMemorySearchCmd(), buildMemoryClearCmd())
	return cmd
}

func openMemoryStore(configPath string) (*memstore.Store, error) {
	cfg, err := loadConfigForCLI(configPath)
	if err != nil {
		return nil, err
	}
	return memstore.New(filepath.Join(stateDir, "memory.json"), cfg.Memory.DecayHalfLife), nil
}

func buildMemoryStatsCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show memory store statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openMemoryStore(configPath)
			if err != nil {
				return err
			}
			stats, err := store.Stats()
			if err != nil {
				return fmt.Errorf("cortexos: memory stats: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "entries:  %d (%d succeeded, %d failed)\n", stats.TotalEntries, stats.SuccessCount, stats.FailureCount)
			fmt.Fprintf(out, "cost:     $%.4f total across stored runs\n", stats.TotalCostUSD)
			if stats.TotalEntries > 0 {
				fmt.Fprintf(out, "oldest:   %s\n", stats.OldestStored.Format(time.RFC3339))
				fmt.Fprintf(out, "newest:   %s\n", stats.NewestStored.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to configuration file")
	return cmd
}

func buildMemorySearchCmd() *cobra.Command {
	var (
		configPath string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search stored run summaries by keyword overlap",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openMemoryStore(configPath)
			if err != nil {
				return err
			}
			entries, err := store.Search(args[0], limit)
			if err != nil {
				return fmt.Errorf("cortexos: memory search: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "no matching entries")
				return nil
			}
			for _, e := range entries {
				fmt.Fprintf(out, "%s\t%s\t%s\n", e.RunID, e.StoredAt.Format(time.RFC3339), e.Summary)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to configuration file")
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum number of results")
	return cmd
}

func buildMemoryClearCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every stored memory entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openMemoryStore(configPath)
			if err != nil {
				return err
			}
			if err := store.Clear(); err != nil {
				return fmt.Errorf("cortexos: memory clear: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "memory store cleared")
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to configuration file")
	return cmd
}
