package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vulnsweep/vulnsweep/internal/config"
	"github.com/vulnsweep/vulnsweep/internal/storage"
	"github.com/vulnsweep/vulnsweep/internal/storage/sqlite"
	"github.com/vulnsweep/vulnsweep/internal/types"
)

var (
	statsProject int64
	statsRefresh bool
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-project vulnerability statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := sqlite.New(cmd.Context(), config.GetString(config.KeyDBPath))
		if err != nil {
			return err
		}
		defer store.Close()

		var stats *types.Statistics
		if statsRefresh {
			stats, err = store.RecomputeStatistics(cmd.Context(), statsProject)
		} else {
			stats, err = store.GetStatistics(cmd.Context(), statsProject)
			if errors.Is(err, storage.ErrNotFound) {
				stats, err = store.RecomputeStatistics(cmd.Context(), statsProject)
			}
		}
		if err != nil {
			return err
		}

		if jsonOutput {
			outputJSON(stats)
			return nil
		}
		fmt.Printf("Project %d (refreshed %s)\n", stats.ProjectID, stats.RefreshedAt.Format("2006-01-02 15:04:05"))
		fmt.Printf("  total     %d\n", stats.Total)
		fmt.Printf("  detected  %d\n", stats.Detected)
		fmt.Printf("  confirmed %d\n", stats.Confirmed)
		fmt.Printf("  dismissed %d\n", stats.Dismissed)
		fmt.Printf("  resolved  %d\n", stats.Resolved)
		fmt.Printf("  critical  %d   high  %d\n", stats.Critical, stats.High)
		return nil
	},
}

func init() {
	statsCmd.Flags().Int64Var(&statsProject, "project", 0, "Project ID (required)")
	_ = statsCmd.MarkFlagRequired("project")
	rootCmd.AddCommand(statsCmd)
}
