// vulnsweep - automated vulnerability state-transition engine.
//
// Evaluates security policy rules against CI-detected vulnerabilities and
// applies bounded auto-dismiss / auto-resolve transitions with a full audit
// trail (ledger, system notes, webhooks, statistics).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vulnsweep/vulnsweep/internal/config"
	"github.com/vulnsweep/vulnsweep/internal/telemetry"
)

var (
	// Version is overridden by ldflags at build time.
	Version = "0.3.0"
	Build   = "dev"
)

var (
	configPath string
	dbPath     string
	jsonOutput bool
	verbose    bool
	quiet      bool
)

var rootCmd = &cobra.Command{
	Use:   "vulnsweep",
	Short: "vulnsweep - automated vulnerability state transitions",
	Long: `Policy-driven auto-dismiss and auto-resolve of CI-detected vulnerabilities.

Policies are declared in YAML and matched against the candidate set of a
pipeline run. Every transition is recorded in an append-only ledger with a
system note, and side effects (search sync, webhooks, statistics) fire only
after the database writes commit.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Initialize(configPath); err != nil {
			return err
		}
		if dbPath != "" {
			config.Set(config.KeyDBPath, dbPath)
		}
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Printf("vulnsweep version %s (%s)\n", Version, Build)
			return
		}
		_ = cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: env + built-in defaults)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database path (overrides config db.path)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose/debug output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress non-essential output (errors only)")
	rootCmd.Flags().BoolP("version", "V", false, "Print version information")
}

// newLogger builds the process logger honoring --verbose/--quiet.
func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	switch {
	case quiet:
		level = zerolog.ErrorLevel
	case verbose:
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func main() {
	ctx := context.Background()
	if err := telemetry.Init(ctx, "vulnsweep", Version); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: telemetry init failed: %v\n", err)
	}
	defer telemetry.Shutdown(ctx)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
