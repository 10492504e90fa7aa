package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vulnsweep/vulnsweep/internal/eventbus"
	"github.com/vulnsweep/vulnsweep/internal/policy"
	"github.com/vulnsweep/vulnsweep/internal/storage"
	"github.com/vulnsweep/vulnsweep/internal/types"
)

// ErrTransitionFailed wraps unrecoverable storage errors encountered while
// committing transitions. Already-committed batches stand; the caller should
// treat the invocation as failed and may retry, relying on idempotency.
var ErrTransitionFailed = errors.New("could not transition vulnerabilities")

// transitionRequest pairs one candidate with its attributed rule.
type transitionRequest struct {
	vuln  *types.Vulnerability
	match policy.MatchResult
}

func (r transitionRequest) target() types.State {
	if r.match.Policy.Action == policy.ActionResolve {
		return types.StateResolved
	}
	return types.StateDismissed
}

// executeBatch commits the primary write set for one batch of matched
// candidates. Each candidate is processed inside its own savepoint, so a
// transient failure (duplicate ledger row) rolls back that vulnerability
// only. On a fatal storage error the batch commits the units processed so
// far and the error is returned for the orchestrator to abort the run.
func (e *Engine) executeBatch(ctx context.Context, runID string, actor *types.User, requests []transitionRequest) ([]eventbus.TransitionRecord, error) {
	var committed []eventbus.TransitionRecord
	var fatal error

	err := e.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		for _, req := range requests {
			record, err := e.transitionOne(ctx, tx, runID, actor, req)
			switch {
			case err == nil && record != nil:
				committed = append(committed, *record)
			case err == nil:
				// Guard skip: already terminal under concurrent edit.
			case errors.Is(err, storage.ErrDuplicateTransition):
				e.log.Warn().
					Int64("vulnerability", req.vuln.ID).
					Str("run", runID).
					Msg("duplicate transition, unit rolled back")
			case errors.Is(err, storage.ErrNotFound):
				e.log.Warn().
					Int64("vulnerability", req.vuln.ID).
					Msg("candidate vanished before processing")
			default:
				// Fatal: stop here and commit the units already processed.
				fatal = err
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransitionFailed, err)
	}
	if fatal != nil {
		return committed, fmt.Errorf("%w: %v", ErrTransitionFailed, fatal)
	}
	return committed, nil
}

// transitionOne performs the atomic write set for a single vulnerability:
// ledger insert, primary record mutation, read-model upsert. Returns a nil
// record (and nil error) when the terminal-state guard skips the candidate.
func (e *Engine) transitionOne(ctx context.Context, tx storage.Transaction, runID string, actor *types.User, req transitionRequest) (*eventbus.TransitionRecord, error) {
	var record *eventbus.TransitionRecord

	err := tx.InSavepoint(ctx, func() error {
		// Re-read inside the transaction: the listing snapshot may be stale
		// under concurrent external mutation.
		fresh, err := tx.GetVulnerabilityForUpdate(ctx, req.vuln.ID)
		if err != nil {
			return err
		}

		target := req.target()
		if !fresh.State.CanTransitionTo(target) {
			// Expected under concurrent edits; not an error and not a success.
			return nil
		}

		now := time.Now()
		fromState := fresh.State
		pol := req.match.Policy

		verb := "dismissed"
		if target == types.StateResolved {
			verb = "resolved"
		}
		comment := fmt.Sprintf("Auto-%s by the %q security policy", verb, pol.Name)
		transition := &types.StateTransition{
			VulnerabilityID: fresh.ID,
			FromState:       fromState,
			ToState:         target,
			AuthorID:        actor.ID,
			Comment:         &comment,
			RunID:           &runID,
			CreatedAt:       now,
		}

		switch target {
		case types.StateDismissed:
			transition.DismissalReason = pol.DismissalReason
			fresh.State = types.StateDismissed
			fresh.DismissalReason = pol.DismissalReason
			fresh.DismissedAt = &now
			fresh.DismissedBy = &actor.ID
			// Null out stale bookkeeping from earlier lifecycle stages.
			fresh.ConfirmedAt = nil
			fresh.ConfirmedBy = nil
			fresh.ResolvedAt = nil
			fresh.ResolvedBy = nil
		case types.StateResolved:
			fresh.State = types.StateResolved
			fresh.DismissalReason = nil
			fresh.ResolvedAt = &now
			fresh.ResolvedBy = &actor.ID
			fresh.DismissedAt = nil
			fresh.DismissedBy = nil
		}

		if err := tx.InsertStateTransition(ctx, transition); err != nil {
			return err
		}
		if err := tx.UpdateVulnerabilityState(ctx, fresh); err != nil {
			return err
		}

		read := &types.VulnerabilityRead{
			VulnerabilityID: fresh.ID,
			ProjectID:       fresh.ProjectID,
			State:           fresh.State,
			Severity:        fresh.Severity,
			ReportType:      fresh.ReportType,
			DismissalReason: fresh.DismissalReason,
		}
		if len(fresh.Findings) > 0 {
			read.UUID = fresh.Findings[0].UUID
		}
		if err := tx.UpsertVulnerabilityRead(ctx, read); err != nil {
			return err
		}

		record = &eventbus.TransitionRecord{
			Vulnerability: fresh,
			FromState:     fromState,
			ToState:       target,
			PolicyName:    pol.Name,
			Reason:        transition.DismissalReason,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}
