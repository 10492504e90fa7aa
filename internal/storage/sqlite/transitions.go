package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/vulnsweep/vulnsweep/internal/types"
)

// ListTransitions retrieves ledger rows for a vulnerability, newest first.
func (s *Store) ListTransitions(ctx context.Context, vulnerabilityID int64, limit int) ([]*types.StateTransition, error) {
	query := `
		SELECT id, vulnerability_id, from_state, to_state, author_id,
		       comment, dismissal_reason, run_id, created_at
		FROM state_transitions
		WHERE vulnerability_id = ?
		ORDER BY created_at DESC, id DESC
	`
	args := []any{vulnerabilityID}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("failed to list transitions", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.StateTransition
	for rows.Next() {
		var tr types.StateTransition
		var comment, reason, runID sql.NullString
		var createdAt string
		if err := rows.Scan(&tr.ID, &tr.VulnerabilityID, &tr.FromState, &tr.ToState,
			&tr.AuthorID, &comment, &reason, &runID, &createdAt); err != nil {
			return nil, wrapDBError("failed to scan transition", err)
		}
		tr.Comment = parseNullableString(comment)
		tr.DismissalReason = parseNullableReason(reason)
		tr.RunID = parseNullableString(runID)
		tr.CreatedAt = parseTimeString(createdAt)
		out = append(out, &tr)
	}
	return out, rows.Err()
}
