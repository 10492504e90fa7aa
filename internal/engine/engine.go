// Package engine implements the automated vulnerability state-transition
// runs: rule matching over candidate pages, a per-run transition budget, the
// transactional executor, and post-commit side-effect dispatch.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vulnsweep/vulnsweep/internal/eventbus"
	"github.com/vulnsweep/vulnsweep/internal/policy"
	"github.com/vulnsweep/vulnsweep/internal/storage"
	"github.com/vulnsweep/vulnsweep/internal/types"
)

// ErrUnauthorized is returned when the security policy bot cannot create
// state transitions for the project. The run aborts before any write.
var ErrUnauthorized = errors.New("security policy bot cannot create state transitions")

// RunRecorder receives one analytics event per run, even for zero-transition
// runs (duration metrics). Implemented by the telemetry package.
type RunRecorder interface {
	RecordRun(ctx context.Context, action string, count int, duration time.Duration)
}

// NopRecorder discards run analytics.
type NopRecorder struct{}

// RecordRun implements RunRecorder.
func (NopRecorder) RecordRun(context.Context, string, int, time.Duration) {}

// Result summarizes one run.
type Result struct {
	RunID string
	Count int
}

// Engine drives automated transition runs for one store. Batches are
// processed synchronously, single-threaded per run; concurrency across runs
// is tolerated via the executor's in-transaction re-validation guard.
type Engine struct {
	store     storage.Storage
	bus       *eventbus.Bus
	analytics RunRecorder
	log       zerolog.Logger
	batchSize int
}

// Option configures an Engine.
type Option func(*Engine)

// WithBatchSize overrides the candidate page size.
func WithBatchSize(n int) Option {
	return func(e *Engine) { e.batchSize = n }
}

// WithRunRecorder sets the analytics sink.
func WithRunRecorder(r RunRecorder) Option {
	return func(e *Engine) { e.analytics = r }
}

// New creates an Engine.
func New(store storage.Storage, bus *eventbus.Bus, log zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		bus:       bus,
		analytics: NopRecorder{},
		log:       log.With().Str("component", "engine").Logger(),
		batchSize: DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AutoDismiss evaluates dismiss-type policies against the candidate set for
// the pipeline and dismisses matches under the fixed dismiss budget.
func (e *Engine) AutoDismiss(ctx context.Context, pipeline *types.Pipeline, candidateIDs []int64, policies []policy.Policy) (Result, error) {
	dismiss, _ := policy.Split(policies)
	return e.run(ctx, pipeline, candidateIDs, dismiss, policy.ActionDismiss, NewBudget(DefaultDismissBudget))
}

// AutoResolve evaluates resolve-type policies against the candidate set and
// resolves matches under the caller-supplied budget ceiling.
func (e *Engine) AutoResolve(ctx context.Context, pipeline *types.Pipeline, candidateIDs []int64, policies []policy.Policy, budget int) (Result, error) {
	_, resolve := policy.Split(policies)
	return e.run(ctx, pipeline, candidateIDs, resolve, policy.ActionResolve, NewBudget(budget))
}

// run is the orchestrator shared by both paths.
func (e *Engine) run(ctx context.Context, pipeline *types.Pipeline, candidateIDs []int64, policies []policy.Policy, action policy.Action, budget *Budget) (Result, error) {
	start := time.Now()
	result := Result{RunID: uuid.NewString()}
	log := e.log.With().
		Str("run", result.RunID).
		Str("action", string(action)).
		Int64("pipeline", pipeline.ID).
		Logger()

	// No policies configured: success with zero writes.
	if len(policies) == 0 {
		log.Debug().Msg("no policies configured, nothing to do")
		e.analytics.RecordRun(ctx, string(action), 0, time.Since(start))
		return result, nil
	}

	actor, err := e.store.EnsureSecurityPolicyBot(ctx, pipeline.ProjectID)
	if err != nil {
		return result, fmt.Errorf("failed to resolve automation actor: %w", err)
	}
	allowed, err := e.store.CanCreateStateTransitions(ctx, actor.ID, pipeline.ProjectID)
	if err != nil {
		return result, fmt.Errorf("failed to check actor authorization: %w", err)
	}
	if !allowed {
		return result, fmt.Errorf("project %d: %w", pipeline.ProjectID, ErrUnauthorized)
	}

	it := newBatchIterator(e.store, pipeline.ProjectID, candidateIDs, e.batchSize)

	for !budget.Exhausted() {
		page, err := it.next(ctx)
		if err != nil {
			e.analytics.RecordRun(ctx, string(action), result.Count, time.Since(start))
			return result, fmt.Errorf("%w: %v", ErrTransitionFailed, err)
		}
		if page == nil {
			break
		}

		now := time.Now()
		var requests []transitionRequest
		for _, v := range page {
			match, ok := policy.Match(v, policies, now)
			if !ok {
				continue
			}
			requests = append(requests, transitionRequest{vuln: v, match: match})
		}

		granted := budget.Consume(len(requests))
		requests = requests[:granted]
		if len(requests) == 0 {
			continue
		}

		records, execErr := e.executeBatch(ctx, result.RunID, actor, requests)
		result.Count += len(records)

		if len(records) > 0 {
			// Post-commit side effects: audit notes, search sync, webhooks.
			// Best-effort by contract; the bus never propagates handler errors.
			_, _ = e.bus.Dispatch(ctx, &eventbus.Event{
				Type:        eventbus.EventTransitionsCompleted,
				RunID:       result.RunID,
				Project:     pipeline.ProjectID,
				Pipeline:    pipeline,
				Actor:       actor,
				Transitions: records,
			})
		}

		if execErr != nil {
			// Fatal storage error: committed batches stand, the rest of the
			// run is abandoned.
			log.Error().Err(execErr).Int("count", result.Count).Msg("run aborted")
			e.analytics.RecordRun(ctx, string(action), result.Count, time.Since(start))
			return result, execErr
		}
	}

	// Statistics refresh is triggered exactly once per run, transitions or not.
	_, _ = e.bus.Dispatch(ctx, &eventbus.Event{
		Type:     eventbus.EventRunCompleted,
		RunID:    result.RunID,
		Project:  pipeline.ProjectID,
		Pipeline: pipeline,
		Actor:    actor,
		Count:    result.Count,
		Duration: time.Since(start),
	})
	e.analytics.RecordRun(ctx, string(action), result.Count, time.Since(start))

	log.Info().Int("count", result.Count).Dur("elapsed", time.Since(start)).Msg("run completed")
	return result, nil
}
