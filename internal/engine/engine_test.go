package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vulnsweep/vulnsweep/internal/audit"
	"github.com/vulnsweep/vulnsweep/internal/eventbus"
	"github.com/vulnsweep/vulnsweep/internal/policy"
	"github.com/vulnsweep/vulnsweep/internal/storage"
	"github.com/vulnsweep/vulnsweep/internal/storage/sqlite"
	"github.com/vulnsweep/vulnsweep/internal/types"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// newTestEngine wires the engine with an audit emitter so note side effects
// can be asserted end to end.
func newTestEngine(t *testing.T, store storage.Storage, opts ...Option) *Engine {
	t.Helper()
	log := zerolog.Nop()
	bus := eventbus.New(log)
	bus.Register(audit.NewEmitter(store, log))
	return New(store, bus, log, opts...)
}

func seedProject(t *testing.T, store *sqlite.Store) *types.Project {
	t.Helper()
	p := &types.Project{Name: "test", FullPath: "group/test"}
	if err := store.CreateProject(context.Background(), p); err != nil {
		t.Fatalf("failed to create project: %v", err)
	}
	return p
}

type vulnSeed struct {
	state    types.State
	severity types.Severity
	present  bool
}

func seedVulnerability(t *testing.T, store *sqlite.Store, projectID int64, seed vulnSeed) *types.Vulnerability {
	t.Helper()
	v := &types.Vulnerability{
		ProjectID:           projectID,
		Title:               fmt.Sprintf("%s %s vulnerability", seed.severity, seed.state),
		State:               seed.state,
		Severity:            seed.severity,
		ReportType:          types.ReportSAST,
		PresentOnLatestScan: seed.present,
		Findings:            []*types.Finding{{Identifiers: []string{"CVE-2024-0001"}, Location: "main.go:10"}},
	}
	if err := store.CreateVulnerability(context.Background(), v); err != nil {
		t.Fatalf("failed to create vulnerability: %v", err)
	}
	return v
}

func dismissCriticalPolicy() []policy.Policy {
	reason := types.ReasonFalsePositive
	return []policy.Policy{{
		Name:            "Dismiss critical SAST",
		Action:          policy.ActionDismiss,
		DismissalReason: &reason,
		Rules: []policy.Rule{{
			Kind:       policy.KindNewlyDetected,
			Severities: []types.Severity{types.SeverityCritical},
		}},
	}}
}

func resolveAbsentPolicy() []policy.Policy {
	return []policy.Policy{{
		Name:   "Resolve fixed findings",
		Action: policy.ActionResolve,
		Rules:  []policy.Rule{{Kind: policy.KindNoLongerDetected}},
	}}
}

func testPipeline(projectID int64) *types.Pipeline {
	return &types.Pipeline{
		ID:        42,
		ProjectID: projectID,
		Ref:       "main",
		WebURL:    "https://ci.example.com/pipelines/42",
		CreatedAt: time.Now(),
	}
}

func countTransitions(t *testing.T, store *sqlite.Store, vulnID int64) int {
	t.Helper()
	transitions, err := store.ListTransitions(context.Background(), vulnID, 100)
	if err != nil {
		t.Fatalf("failed to list transitions: %v", err)
	}
	return len(transitions)
}

func TestAutoDismissTransitionsMatchingVulnerability(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	project := seedProject(t, store)
	v := seedVulnerability(t, store, project.ID, vulnSeed{state: types.StateDetected, severity: types.SeverityCritical, present: true})

	eng := newTestEngine(t, store)
	res, err := eng.AutoDismiss(ctx, testPipeline(project.ID), []int64{v.ID}, dismissCriticalPolicy())
	if err != nil {
		t.Fatalf("AutoDismiss failed: %v", err)
	}
	if res.Count != 1 {
		t.Fatalf("count = %d, want 1", res.Count)
	}

	got, err := store.GetVulnerability(ctx, v.ID)
	if err != nil {
		t.Fatalf("failed to reload vulnerability: %v", err)
	}
	if got.State != types.StateDismissed {
		t.Errorf("state = %q, want dismissed", got.State)
	}
	if got.DismissalReason == nil || *got.DismissalReason != types.ReasonFalsePositive {
		t.Errorf("dismissal reason = %v, want false_positive", got.DismissalReason)
	}
	if got.DismissedAt == nil || got.DismissedBy == nil {
		t.Error("dismissed_at/dismissed_by not recorded")
	}

	transitions, err := store.ListTransitions(ctx, v.ID, 10)
	if err != nil {
		t.Fatalf("failed to list transitions: %v", err)
	}
	if len(transitions) != 1 {
		t.Fatalf("transition count = %d, want 1", len(transitions))
	}
	tr := transitions[0]
	if tr.FromState != types.StateDetected || tr.ToState != types.StateDismissed {
		t.Errorf("transition %s -> %s, want detected -> dismissed", tr.FromState, tr.ToState)
	}
	if tr.RunID == nil || *tr.RunID != res.RunID {
		t.Errorf("transition run id = %v, want %s", tr.RunID, res.RunID)
	}
	if tr.Comment == nil || !strings.Contains(*tr.Comment, "Dismiss critical SAST") {
		t.Errorf("transition comment does not name the policy: %v", tr.Comment)
	}

	// Audit note written post-commit, naming the single responsible policy.
	notes, err := store.CountNotes(ctx, v.ID)
	if err != nil {
		t.Fatalf("failed to count notes: %v", err)
	}
	if notes != 1 {
		t.Errorf("note count = %d, want 1", notes)
	}
	var body string
	if err := store.UnderlyingDB().QueryRowContext(ctx,
		`SELECT body FROM notes WHERE vulnerability_id = ?`, v.ID).Scan(&body); err != nil {
		t.Fatalf("failed to read note body: %v", err)
	}
	if !strings.Contains(body, `"Dismiss critical SAST"`) {
		t.Errorf("note body does not name the policy: %q", body)
	}
	if !strings.Contains(body, "pipeline 42") {
		t.Errorf("note body does not reference the pipeline: %q", body)
	}

	// Read model mirrors the new state in the same commit.
	reads, err := store.GetReads(ctx, []int64{v.ID})
	if err != nil {
		t.Fatalf("failed to load reads: %v", err)
	}
	if len(reads) != 1 || reads[0].State != types.StateDismissed {
		t.Errorf("read model not updated: %+v", reads)
	}
}

func TestAutoResolveAbsentVulnerability(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	project := seedProject(t, store)
	v := seedVulnerability(t, store, project.ID, vulnSeed{state: types.StateConfirmed, severity: types.SeverityHigh, present: false})

	eng := newTestEngine(t, store)
	res, err := eng.AutoResolve(ctx, testPipeline(project.ID), []int64{v.ID}, resolveAbsentPolicy(), 100)
	if err != nil {
		t.Fatalf("AutoResolve failed: %v", err)
	}
	if res.Count != 1 {
		t.Fatalf("count = %d, want 1", res.Count)
	}

	got, err := store.GetVulnerability(ctx, v.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != types.StateResolved {
		t.Errorf("state = %q, want resolved", got.State)
	}
	if got.DismissalReason != nil {
		t.Errorf("resolved vulnerability carries dismissal reason %v", got.DismissalReason)
	}
	if got.ResolvedAt == nil {
		t.Error("resolved_at not recorded")
	}
}

func TestTerminalStateIsNoOp(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	project := seedProject(t, store)
	v := seedVulnerability(t, store, project.ID, vulnSeed{state: types.StateDismissed, severity: types.SeverityCritical, present: true})

	eng := newTestEngine(t, store)
	res, err := eng.AutoDismiss(ctx, testPipeline(project.ID), []int64{v.ID}, dismissCriticalPolicy())
	if err != nil {
		t.Fatalf("AutoDismiss failed: %v", err)
	}
	if res.Count != 0 {
		t.Errorf("count = %d, want 0", res.Count)
	}
	if n := countTransitions(t, store, v.ID); n != 0 {
		t.Errorf("transition count = %d, want 0", n)
	}
	notes, _ := store.CountNotes(ctx, v.ID)
	if notes != 0 {
		t.Errorf("note count = %d, want 0", notes)
	}
}

func TestBudgetBoundsTransitions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	project := seedProject(t, store)
	v1 := seedVulnerability(t, store, project.ID, vulnSeed{state: types.StateDetected, severity: types.SeverityHigh, present: false})
	v2 := seedVulnerability(t, store, project.ID, vulnSeed{state: types.StateDetected, severity: types.SeverityHigh, present: false})

	eng := newTestEngine(t, store)
	res, err := eng.AutoResolve(ctx, testPipeline(project.ID), []int64{v1.ID, v2.ID}, resolveAbsentPolicy(), 1)
	if err != nil {
		t.Fatalf("AutoResolve failed: %v", err)
	}
	if res.Count != 1 {
		t.Fatalf("count = %d, want exactly 1 under budget 1", res.Count)
	}

	resolved := 0
	for _, id := range []int64{v1.ID, v2.ID} {
		got, err := store.GetVulnerability(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if got.State == types.StateResolved {
			resolved++
		}
	}
	if resolved != 1 {
		t.Errorf("resolved %d vulnerabilities, want exactly 1", resolved)
	}
}

func TestNoPoliciesIsZeroWriteSuccess(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	project := seedProject(t, store)
	v := seedVulnerability(t, store, project.ID, vulnSeed{state: types.StateDetected, severity: types.SeverityCritical, present: true})

	eng := newTestEngine(t, store)
	res, err := eng.AutoDismiss(ctx, testPipeline(project.ID), []int64{v.ID}, nil)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if res.Count != 0 {
		t.Errorf("count = %d, want 0", res.Count)
	}
	if n := countTransitions(t, store, v.ID); n != 0 {
		t.Errorf("transition count = %d, want 0", n)
	}

	// Not even the automation actor is provisioned.
	var users int
	if err := store.UnderlyingDB().QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&users); err != nil {
		t.Fatal(err)
	}
	if users != 0 {
		t.Errorf("user count = %d, want 0 writes on empty policy set", users)
	}
}

func TestUnauthorizedBotAbortsRun(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	project := seedProject(t, store)
	v := seedVulnerability(t, store, project.ID, vulnSeed{state: types.StateDetected, severity: types.SeverityCritical, present: true})

	bot, err := store.EnsureSecurityPolicyBot(ctx, project.ID)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SetTransitionPermission(ctx, bot.ID, project.ID, false); err != nil {
		t.Fatal(err)
	}

	eng := newTestEngine(t, store)
	_, err = eng.AutoDismiss(ctx, testPipeline(project.ID), []int64{v.ID}, dismissCriticalPolicy())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if n := countTransitions(t, store, v.ID); n != 0 {
		t.Errorf("transition count = %d, want 0", n)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	project := seedProject(t, store)
	v := seedVulnerability(t, store, project.ID, vulnSeed{state: types.StateDetected, severity: types.SeverityCritical, present: true})
	pipeline := testPipeline(project.ID)
	candidates := []int64{v.ID}

	eng := newTestEngine(t, store)
	first, err := eng.AutoDismiss(ctx, pipeline, candidates, dismissCriticalPolicy())
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	second, err := eng.AutoDismiss(ctx, pipeline, candidates, dismissCriticalPolicy())
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if first.Count != 1 || second.Count != 0 {
		t.Errorf("counts = %d, %d; want 1, 0", first.Count, second.Count)
	}
	// One ledger row per actual state change, not per invocation.
	if n := countTransitions(t, store, v.ID); n != 1 {
		t.Errorf("transition count = %d, want 1", n)
	}
}

func TestFirstMatchingPolicyWins(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	project := seedProject(t, store)
	v := seedVulnerability(t, store, project.ID, vulnSeed{state: types.StateDetected, severity: types.SeverityCritical, present: true})

	reason := types.ReasonAcceptableRisk
	policies := append(dismissCriticalPolicy(), policy.Policy{
		Name:            "Also matches critical",
		Action:          policy.ActionDismiss,
		DismissalReason: &reason,
		Rules: []policy.Rule{{
			Kind:       policy.KindNewlyDetected,
			Severities: []types.Severity{types.SeverityCritical},
		}},
	})

	eng := newTestEngine(t, store)
	res, err := eng.AutoDismiss(ctx, testPipeline(project.ID), []int64{v.ID}, policies)
	if err != nil {
		t.Fatal(err)
	}
	if res.Count != 1 {
		t.Fatalf("count = %d, want 1", res.Count)
	}

	// Exactly one attribution, and it names the first policy in order.
	transitions, err := store.ListTransitions(ctx, v.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(transitions) != 1 {
		t.Fatalf("transition count = %d, want 1", len(transitions))
	}
	if c := transitions[0].Comment; c == nil || !strings.Contains(*c, "Dismiss critical SAST") || strings.Contains(*c, "Also matches") {
		t.Errorf("attribution comment = %v, want first policy only", c)
	}
	got, _ := store.GetVulnerability(ctx, v.ID)
	if got.DismissalReason == nil || *got.DismissalReason != types.ReasonFalsePositive {
		t.Errorf("dismissal reason = %v, want the first policy's reason", got.DismissalReason)
	}
}

func TestBatchingCoversFullCandidateSet(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	project := seedProject(t, store)

	var ids []int64
	for i := 0; i < 7; i++ {
		v := seedVulnerability(t, store, project.ID, vulnSeed{state: types.StateDetected, severity: types.SeverityCritical, present: true})
		ids = append(ids, v.ID)
	}

	eng := newTestEngine(t, store, WithBatchSize(3))
	res, err := eng.AutoDismiss(ctx, testPipeline(project.ID), ids, dismissCriticalPolicy())
	if err != nil {
		t.Fatal(err)
	}
	if res.Count != 7 {
		t.Errorf("count = %d, want all 7 across batches", res.Count)
	}
}

// faultStore injects a storage failure when the executor inserts the ledger
// row for one specific vulnerability.
type faultStore struct {
	*sqlite.Store
	failID int64
}

type faultTx struct {
	storage.Transaction
	failID int64
}

func (f *faultStore) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	return f.Store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return fn(&faultTx{Transaction: tx, failID: f.failID})
	})
}

func (f *faultTx) InsertStateTransition(ctx context.Context, transition *types.StateTransition) error {
	if transition.VulnerabilityID == f.failID {
		return errors.New("disk I/O error")
	}
	return f.Transaction.InsertStateTransition(ctx, transition)
}

func TestStorageFailureKeepsCommittedUnits(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	project := seedProject(t, store)
	v1 := seedVulnerability(t, store, project.ID, vulnSeed{state: types.StateDetected, severity: types.SeverityCritical, present: true})
	v2 := seedVulnerability(t, store, project.ID, vulnSeed{state: types.StateDetected, severity: types.SeverityCritical, present: true})

	eng := newTestEngine(t, &faultStore{Store: store, failID: v2.ID})
	res, err := eng.AutoDismiss(ctx, testPipeline(project.ID), []int64{v1.ID, v2.ID}, dismissCriticalPolicy())
	if !errors.Is(err, ErrTransitionFailed) {
		t.Fatalf("err = %v, want ErrTransitionFailed", err)
	}
	if res.Count != 1 {
		t.Errorf("count = %d, want 1 committed before the failure", res.Count)
	}

	got1, err := store.GetVulnerability(ctx, v1.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got1.State != types.StateDismissed {
		t.Errorf("v1 state = %q, want dismissed and durable", got1.State)
	}
	got2, err := store.GetVulnerability(ctx, v2.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got2.State != types.StateDetected {
		t.Errorf("v2 state = %q, want unchanged", got2.State)
	}
	if n := countTransitions(t, store, v2.ID); n != 0 {
		t.Errorf("v2 transition count = %d, want 0", n)
	}
}

func TestDuplicateLedgerRowSkipsUnitOnly(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	project := seedProject(t, store)
	v1 := seedVulnerability(t, store, project.ID, vulnSeed{state: types.StateDetected, severity: types.SeverityCritical, present: true})
	v2 := seedVulnerability(t, store, project.ID, vulnSeed{state: types.StateDetected, severity: types.SeverityCritical, present: true})

	eng := newTestEngine(t, &duplicateStore{Store: store, dupID: v1.ID})
	res, err := eng.AutoDismiss(ctx, testPipeline(project.ID), []int64{v1.ID, v2.ID}, dismissCriticalPolicy())
	if err != nil {
		t.Fatalf("duplicates are recoverable, got %v", err)
	}
	if res.Count != 1 {
		t.Errorf("count = %d, want 1 (duplicate unit rolled back)", res.Count)
	}
	got1, _ := store.GetVulnerability(ctx, v1.ID)
	if got1.State != types.StateDetected {
		t.Errorf("v1 state = %q, want detected (unit rolled back)", got1.State)
	}
	got2, _ := store.GetVulnerability(ctx, v2.ID)
	if got2.State != types.StateDismissed {
		t.Errorf("v2 state = %q, want dismissed", got2.State)
	}
}

type duplicateStore struct {
	*sqlite.Store
	dupID int64
}

type duplicateTx struct {
	storage.Transaction
	dupID int64
}

func (d *duplicateStore) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	return d.Store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return fn(&duplicateTx{Transaction: tx, dupID: d.dupID})
	})
}

func (d *duplicateTx) InsertStateTransition(ctx context.Context, transition *types.StateTransition) error {
	if transition.VulnerabilityID == d.dupID {
		return fmt.Errorf("vulnerability %d: %w", d.dupID, storage.ErrDuplicateTransition)
	}
	return d.Transaction.InsertStateTransition(ctx, transition)
}
