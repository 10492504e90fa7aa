package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vulnsweep/vulnsweep/internal/storage"
	"github.com/vulnsweep/vulnsweep/internal/types"
)

// RecomputeStatistics rebuilds the per-project aggregate from the read model
// and stores it. Called by the deferred statistics refresh after each run.
func (s *Store) RecomputeStatistics(ctx context.Context, projectID int64) (*types.Statistics, error) {
	stats := &types.Statistics{ProjectID: projectID, RefreshedAt: time.Now()}

	rows, err := s.db.QueryContext(ctx, `
		SELECT state, severity, COUNT(*)
		FROM vulnerability_reads
		WHERE project_id = ?
		GROUP BY state, severity
	`, projectID)
	if err != nil {
		return nil, wrapDBError("failed to aggregate statistics", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var state types.State
		var severity types.Severity
		var n int
		if err := rows.Scan(&state, &severity, &n); err != nil {
			return nil, wrapDBError("failed to scan statistics row", err)
		}
		stats.Total += n
		switch state {
		case types.StateDetected:
			stats.Detected += n
		case types.StateConfirmed:
			stats.Confirmed += n
		case types.StateDismissed:
			stats.Dismissed += n
		case types.StateResolved:
			stats.Resolved += n
		}
		switch severity {
		case types.SeverityCritical:
			stats.Critical += n
		case types.SeverityHigh:
			stats.High += n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("failed to aggregate statistics", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO vulnerability_statistics
			(project_id, total, detected, confirmed, dismissed, resolved, critical, high, refreshed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			total = excluded.total,
			detected = excluded.detected,
			confirmed = excluded.confirmed,
			dismissed = excluded.dismissed,
			resolved = excluded.resolved,
			critical = excluded.critical,
			high = excluded.high,
			refreshed_at = excluded.refreshed_at
	`, projectID, stats.Total, stats.Detected, stats.Confirmed, stats.Dismissed,
		stats.Resolved, stats.Critical, stats.High, formatTime(stats.RefreshedAt)); err != nil {
		return nil, wrapDBError("failed to store statistics", err)
	}

	return stats, nil
}

// GetStatistics returns the stored aggregate for a project.
func (s *Store) GetStatistics(ctx context.Context, projectID int64) (*types.Statistics, error) {
	var stats types.Statistics
	var refreshedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT project_id, total, detected, confirmed, dismissed, resolved, critical, high, refreshed_at
		FROM vulnerability_statistics WHERE project_id = ?
	`, projectID).Scan(&stats.ProjectID, &stats.Total, &stats.Detected, &stats.Confirmed,
		&stats.Dismissed, &stats.Resolved, &stats.Critical, &stats.High, &refreshedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("statistics for project %d: %w", projectID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, wrapDBError("failed to get statistics", err)
	}
	stats.RefreshedAt = parseTimeString(refreshedAt)
	return &stats, nil
}
