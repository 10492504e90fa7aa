package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vulnsweep/vulnsweep/internal/config"
	"github.com/vulnsweep/vulnsweep/internal/storage/sqlite"
)

var transitionsLimit int

var transitionsCmd = &cobra.Command{
	Use:   "transitions <vulnerability-id>",
	Short: "Show the state transition ledger for a vulnerability",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid vulnerability id %q", args[0])
		}

		store, err := sqlite.New(cmd.Context(), config.GetString(config.KeyDBPath))
		if err != nil {
			return err
		}
		defer store.Close()

		transitions, err := store.ListTransitions(cmd.Context(), id, transitionsLimit)
		if err != nil {
			return err
		}

		if jsonOutput {
			outputJSON(transitions)
			return nil
		}
		if len(transitions) == 0 {
			fmt.Printf("No transitions recorded for vulnerability %d\n", id)
			return nil
		}
		for _, tr := range transitions {
			line := fmt.Sprintf("%s  %s -> %s", tr.CreatedAt.Format("2006-01-02 15:04:05"), tr.FromState, tr.ToState)
			if tr.Comment != nil {
				line += "  " + *tr.Comment
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	transitionsCmd.Flags().IntVar(&transitionsLimit, "limit", 50, "Max transitions to show (newest first)")
	rootCmd.AddCommand(transitionsCmd)
}
