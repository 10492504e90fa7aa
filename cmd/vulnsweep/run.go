package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vulnsweep/vulnsweep/internal/audit"
	"github.com/vulnsweep/vulnsweep/internal/config"
	"github.com/vulnsweep/vulnsweep/internal/engine"
	"github.com/vulnsweep/vulnsweep/internal/eventbus"
	"github.com/vulnsweep/vulnsweep/internal/policy"
	"github.com/vulnsweep/vulnsweep/internal/search"
	"github.com/vulnsweep/vulnsweep/internal/statistics"
	"github.com/vulnsweep/vulnsweep/internal/storage"
	"github.com/vulnsweep/vulnsweep/internal/storage/sqlite"
	"github.com/vulnsweep/vulnsweep/internal/telemetry"
	"github.com/vulnsweep/vulnsweep/internal/types"
	"github.com/vulnsweep/vulnsweep/internal/webhook"
)

var (
	runProject    int64
	runPipeline   int64
	runRef        string
	runURL        string
	runPolicyFile string
	runAction     string
	runBudget     int
	runCandidates string
	runDryRun     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute security policies against a pipeline's candidate vulnerabilities",
	Long: `Evaluates the policy file against the candidate set and applies matching
auto-dismiss / auto-resolve transitions.

Candidate vulnerability IDs come from the CI ingestion layer; pass them with
--candidates. With --dry-run the run reports what would transition without
writing anything.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().Int64Var(&runProject, "project", 0, "Project ID (required)")
	runCmd.Flags().Int64Var(&runPipeline, "pipeline", 0, "Pipeline ID (required)")
	runCmd.Flags().StringVar(&runRef, "ref", "main", "Pipeline ref")
	runCmd.Flags().StringVar(&runURL, "url", "", "Pipeline web URL (shown in audit notes)")
	runCmd.Flags().StringVar(&runPolicyFile, "policy", "", "Policy YAML file (default: config policy.file)")
	runCmd.Flags().StringVar(&runAction, "action", "both", "Which policies to run: dismiss, resolve, or both")
	runCmd.Flags().IntVar(&runBudget, "resolve-budget", 0, "Max resolutions this run (default: config engine.resolve-budget)")
	runCmd.Flags().StringVar(&runCandidates, "candidates", "", "Comma-separated candidate vulnerability IDs (required)")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Report matches without writing")
	_ = runCmd.MarkFlagRequired("project")
	_ = runCmd.MarkFlagRequired("pipeline")
	_ = runCmd.MarkFlagRequired("candidates")

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := newLogger()

	candidateIDs, err := parseIDList(runCandidates)
	if err != nil {
		return fmt.Errorf("invalid --candidates: %w", err)
	}
	if runAction != "dismiss" && runAction != "resolve" && runAction != "both" {
		return fmt.Errorf("invalid --action %q: want dismiss, resolve, or both", runAction)
	}

	policyFile := runPolicyFile
	if policyFile == "" {
		policyFile = config.GetString(config.KeyPolicyFile)
	}
	policies, err := policy.LoadFile(policyFile)
	if err != nil {
		return err
	}

	store, err := sqlite.New(ctx, config.GetString(config.KeyDBPath))
	if err != nil {
		return err
	}
	defer store.Close()

	pipeline := &types.Pipeline{
		ID:        runPipeline,
		ProjectID: runProject,
		Ref:       runRef,
		WebURL:    runURL,
		CreatedAt: time.Now().UTC(),
	}

	if runDryRun {
		return dryRun(ctx, store, pipeline, candidateIDs, policies)
	}

	eng, scheduler := buildEngine(store, log)
	defer scheduler.Wait()

	budget := runBudget
	if budget <= 0 {
		budget = config.GetInt(config.KeyEngineResolveBudget)
	}

	summary := map[string]any{"project": runProject, "pipeline": runPipeline}
	var runErr error

	if runAction == "dismiss" || runAction == "both" {
		res, err := eng.AutoDismiss(ctx, pipeline, candidateIDs, policies)
		summary["dismissed"] = res.Count
		summary["dismiss_run_id"] = res.RunID
		if err != nil {
			runErr = err
		}
	}
	if runErr == nil && (runAction == "resolve" || runAction == "both") {
		res, err := eng.AutoResolve(ctx, pipeline, candidateIDs, policies, budget)
		summary["resolved"] = res.Count
		summary["resolve_run_id"] = res.RunID
		if err != nil {
			runErr = err
		}
	}

	if jsonOutput {
		outputJSON(summary)
	} else {
		fmt.Printf("Run complete: %d dismissed, %d resolved\n",
			intOrZero(summary["dismissed"]), intOrZero(summary["resolved"]))
	}
	return runErr
}

// buildEngine wires the event bus handlers in their priority order and
// returns the engine plus the statistics scheduler (callers wait on it so
// async refreshes finish before process exit).
func buildEngine(store storage.Storage, log zerolog.Logger) (*engine.Engine, *statistics.Scheduler) {
	bus := eventbus.New(log)
	bus.Register(audit.NewEmitter(store, log))

	if idx := search.NewIndexer(store, config.GetString(config.KeySearchEndpoint), log); idx.Enabled() {
		bus.Register(idx)
	}
	webhookTimeout, err := time.ParseDuration(config.GetString(config.KeyWebhookTimeout))
	if err != nil || webhookTimeout <= 0 {
		webhookTimeout = 10 * time.Second
	}
	bus.Register(webhook.NewDispatcher(store, log,
		webhook.WithTimeout(webhookTimeout),
		webhook.WithMaxRetries(uint64(config.GetInt(config.KeyWebhookMaxRetries)))))

	scheduler := statistics.NewScheduler(store, log)
	bus.Register(statistics.NewHandler(scheduler))

	opts := []engine.Option{
		engine.WithBatchSize(config.GetInt(config.KeyEngineBatchSize)),
	}
	if telemetry.Enabled() {
		if rec, err := telemetry.NewRecorder(); err == nil {
			opts = append(opts, engine.WithRunRecorder(rec))
		}
	}
	return engine.New(store, bus, log, opts...), scheduler
}

// dryRun pages through the candidate set and reports every policy match
// without touching the database.
func dryRun(ctx context.Context, store storage.Storage, pipeline *types.Pipeline, candidateIDs []int64, policies []policy.Policy) error {
	now := time.Now()
	batchSize := config.GetInt(config.KeyEngineBatchSize)

	type planned struct {
		VulnerabilityID int64  `json:"vulnerability_id"`
		Title           string `json:"title"`
		Action          string `json:"action"`
		Policy          string `json:"policy"`
	}
	var plan []planned

	var afterID int64
	for {
		page, err := store.ListCandidates(ctx, storage.CandidateFilter{
			ProjectID: pipeline.ProjectID,
			IDs:       candidateIDs,
			AfterID:   afterID,
			Limit:     batchSize,
		})
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}
		for _, v := range page {
			if match, ok := policy.Match(v, policies, now); ok {
				plan = append(plan, planned{
					VulnerabilityID: v.ID,
					Title:           v.Title,
					Action:          string(match.Policy.Action),
					Policy:          match.Policy.Name,
				})
			}
		}
		afterID = page[len(page)-1].ID
		if len(page) < batchSize {
			break
		}
	}

	if jsonOutput {
		outputJSON(map[string]any{"dry_run": true, "matches": plan})
		return nil
	}
	if len(plan) == 0 {
		fmt.Println("Dry run: no vulnerabilities match the configured policies")
		return nil
	}
	fmt.Printf("Dry run: %d vulnerabilities would transition\n", len(plan))
	for _, p := range plan {
		fmt.Printf("  #%-6d %-8s %-24q %s\n", p.VulnerabilityID, p.Action, p.Policy, p.Title)
	}
	return nil
}

func parseIDList(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a vulnerability id", part)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("empty id list")
	}
	return ids, nil
}

func intOrZero(v any) int {
	if n, ok := v.(int); ok {
		return n
	}
	return 0
}
