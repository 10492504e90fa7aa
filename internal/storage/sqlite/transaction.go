package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vulnsweep/vulnsweep/internal/storage"
	"github.com/vulnsweep/vulnsweep/internal/types"
)

// Verify txStore implements storage.Transaction at compile time
var _ storage.Transaction = (*txStore)(nil)

// txStore implements the storage.Transaction interface for SQLite.
// It wraps a dedicated database connection with an active transaction.
type txStore struct {
	conn      *sql.Conn
	savepoint int // monotonic counter for savepoint names
}

// RunInTransaction executes a function within a database transaction.
//
// The transaction uses BEGIN IMMEDIATE to acquire the write lock early,
// preventing deadlocks when multiple goroutines compete for it.
//
// Transaction lifecycle:
//  1. Acquire dedicated connection from pool
//  2. Begin IMMEDIATE transaction with retry on SQLITE_BUSY
//  3. Execute user function with Transaction interface
//  4. On success: COMMIT
//  5. On error or panic: ROLLBACK
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection for transaction: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := beginImmediateWithRetry(ctx, conn, 5, 10*time.Millisecond); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			// Background context so rollback completes even if ctx is cancelled.
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if err := fn(&txStore{conn: conn}); err != nil {
		return err // Rollback happens in defer
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// beginImmediateWithRetry starts an IMMEDIATE transaction, retrying on
// SQLITE_BUSY with exponential backoff.
func beginImmediateWithRetry(ctx context.Context, conn *sql.Conn, maxRetries uint64, initial time.Duration) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = 500 * time.Millisecond

	op := func() error {
		_, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		if err == nil {
			return nil
		}
		if strings.Contains(err.Error(), "database is locked") ||
			strings.Contains(err.Error(), "SQLITE_BUSY") {
			return err // retryable
		}
		return backoff.Permanent(err)
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx))
}

// InSavepoint runs fn inside a named savepoint. On error the savepoint is
// rolled back and released, leaving earlier writes in the enclosing
// transaction intact; the error is returned to the caller.
func (t *txStore) InSavepoint(ctx context.Context, fn func() error) error {
	t.savepoint++
	name := fmt.Sprintf("sp_%d", t.savepoint)

	if _, err := t.conn.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to create savepoint: %w", err)
	}

	if err := fn(); err != nil {
		// Roll back this unit only; the enclosing transaction stays live.
		if _, rbErr := t.conn.ExecContext(ctx, "ROLLBACK TO "+name); rbErr != nil {
			return fmt.Errorf("failed to roll back savepoint after %v: %w", err, rbErr)
		}
		_, _ = t.conn.ExecContext(ctx, "RELEASE "+name)
		return err
	}

	if _, err := t.conn.ExecContext(ctx, "RELEASE "+name); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	return nil
}

// GetVulnerabilityForUpdate re-reads a vulnerability inside the transaction.
// With SQLite's connection-level write lock this is the re-validation read
// the executor's terminal-state guard requires.
func (t *txStore) GetVulnerabilityForUpdate(ctx context.Context, id int64) (*types.Vulnerability, error) {
	return getVulnerability(ctx, connQueryer{t.conn}, id)
}

// InsertStateTransition appends one immutable ledger row. A uniqueness
// violation (a transition for this vulnerability/run already exists) is
// reported as storage.ErrDuplicateTransition.
func (t *txStore) InsertStateTransition(ctx context.Context, tr *types.StateTransition) error {
	if !tr.FromState.IsValid() || !tr.ToState.IsValid() {
		return fmt.Errorf("invalid transition states: %q -> %q", tr.FromState, tr.ToState)
	}
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now()
	}

	res, err := t.conn.ExecContext(ctx, `
		INSERT INTO state_transitions
			(vulnerability_id, from_state, to_state, author_id, comment, dismissal_reason, run_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, tr.VulnerabilityID, tr.FromState, tr.ToState, tr.AuthorID,
		nullableString(tr.Comment), nullableReason(tr.DismissalReason),
		nullableString(tr.RunID), formatTime(tr.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("transition for vulnerability %d: %w",
				tr.VulnerabilityID, storage.ErrDuplicateTransition)
		}
		return wrapDBError("failed to insert state transition", err)
	}

	if id, err := res.LastInsertId(); err == nil {
		tr.ID = id
	}
	return nil
}

// UpdateVulnerabilityState writes the mutable transition fields of the
// primary record: state, terminal timestamps/actors, and dismissal reason.
func (t *txStore) UpdateVulnerabilityState(ctx context.Context, v *types.Vulnerability) error {
	if err := v.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	v.UpdatedAt = time.Now()

	res, err := t.conn.ExecContext(ctx, `
		UPDATE vulnerabilities SET
			state = ?,
			dismissal_reason = ?,
			confirmed_at = ?, confirmed_by = ?,
			resolved_at = ?, resolved_by = ?,
			dismissed_at = ?, dismissed_by = ?,
			updated_at = ?
		WHERE id = ?
	`, v.State, nullableReason(v.DismissalReason),
		formatNullableTime(v.ConfirmedAt), nullableInt64(v.ConfirmedBy),
		formatNullableTime(v.ResolvedAt), nullableInt64(v.ResolvedBy),
		formatNullableTime(v.DismissedAt), nullableInt64(v.DismissedBy),
		formatTime(v.UpdatedAt), v.ID)
	if err != nil {
		return wrapDBError(fmt.Sprintf("failed to update vulnerability %d", v.ID), err)
	}

	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("failed to update vulnerability %d: %w", v.ID, storage.ErrNotFound)
	}
	return nil
}

// UpsertVulnerabilityRead mirrors the new state into the read-model
// projection so it stays consistent with the source-of-truth record. The
// has_issues and indexable flags are owned by ingestion and left untouched
// for existing rows.
func (t *txStore) UpsertVulnerabilityRead(ctx context.Context, r *types.VulnerabilityRead) error {
	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO vulnerability_reads
			(vulnerability_id, project_id, uuid, state, severity, report_type, dismissal_reason, has_issues, indexable)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(vulnerability_id) DO UPDATE SET
			state = excluded.state,
			severity = excluded.severity,
			dismissal_reason = excluded.dismissal_reason
	`, r.VulnerabilityID, r.ProjectID, r.UUID, r.State, r.Severity, r.ReportType,
		nullableReason(r.DismissalReason), boolToInt(r.HasIssues), boolToInt(r.Indexable))
	if err != nil {
		return wrapDBError(fmt.Sprintf("failed to upsert read for vulnerability %d", r.VulnerabilityID), err)
	}
	return nil
}

// connQueryer adapts *sql.Conn to the queryer interface.
type connQueryer struct {
	conn *sql.Conn
}

func (c connQueryer) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.conn.QueryContext(ctx, query, args...)
}

func (c connQueryer) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.conn.QueryRowContext(ctx, query, args...)
}

func (c connQueryer) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.conn.ExecContext(ctx, query, args...)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
