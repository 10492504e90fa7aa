package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/vulnsweep/vulnsweep/internal/storage"
	"github.com/vulnsweep/vulnsweep/internal/types"
)

const vulnerabilityColumns = `id, project_id, title, state, severity, report_type,
	dismissal_reason, author_id, detected_at, confirmed_at, confirmed_by,
	resolved_at, resolved_by, dismissed_at, dismissed_by,
	present_on_latest_scan, created_at, updated_at`

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanVulnerability(row rowScanner) (*types.Vulnerability, error) {
	var v types.Vulnerability
	var reason, detectedAt, confirmedAt, resolvedAt, dismissedAt sql.NullString
	var confirmedBy, resolvedBy, dismissedBy sql.NullInt64
	var createdAt, updatedAt string
	var present int

	err := row.Scan(
		&v.ID, &v.ProjectID, &v.Title, &v.State, &v.Severity, &v.ReportType,
		&reason, &v.AuthorID, &detectedAt, &confirmedAt, &confirmedBy,
		&resolvedAt, &resolvedBy, &dismissedAt, &dismissedBy,
		&present, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	v.DismissalReason = parseNullableReason(reason)
	if detectedAt.Valid {
		v.DetectedAt = parseTimeString(detectedAt.String)
	}
	v.ConfirmedAt = parseNullableTimeString(confirmedAt)
	v.ConfirmedBy = parseNullableInt64(confirmedBy)
	v.ResolvedAt = parseNullableTimeString(resolvedAt)
	v.ResolvedBy = parseNullableInt64(resolvedBy)
	v.DismissedAt = parseNullableTimeString(dismissedAt)
	v.DismissedBy = parseNullableInt64(dismissedBy)
	v.PresentOnLatestScan = present != 0
	v.CreatedAt = parseTimeString(createdAt)
	v.UpdatedAt = parseTimeString(updatedAt)
	return &v, nil
}

// GetVulnerability retrieves one vulnerability with its findings loaded.
func (s *Store) GetVulnerability(ctx context.Context, id int64) (*types.Vulnerability, error) {
	return getVulnerability(ctx, s.db, id)
}

func getVulnerability(ctx context.Context, q queryer, id int64) (*types.Vulnerability, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+vulnerabilityColumns+` FROM vulnerabilities WHERE id = ?`, id)
	v, err := scanVulnerability(row)
	if err != nil {
		return nil, wrapDBError(fmt.Sprintf("failed to get vulnerability %d", id), err)
	}
	if err := attachFindings(ctx, q, []*types.Vulnerability{v}); err != nil {
		return nil, err
	}
	return v, nil
}

// ListCandidates returns one deterministic page of candidate vulnerabilities
// from the read-model projection, ordered by id ascending. Findings are
// loaded so rule predicates can evaluate without further I/O.
func (s *Store) ListCandidates(ctx context.Context, filter storage.CandidateFilter) ([]*types.Vulnerability, error) {
	if len(filter.IDs) == 0 {
		return nil, nil
	}
	if filter.Limit <= 0 {
		return nil, fmt.Errorf("candidate filter requires a positive limit")
	}

	placeholders := make([]string, len(filter.IDs))
	args := make([]any, 0, len(filter.IDs)+3)
	args = append(args, filter.ProjectID, filter.AfterID)
	for i, id := range filter.IDs {
		placeholders[i] = "?"
		args = append(args, id)
	}
	args = append(args, filter.Limit)

	// nolint:gosec // G201: the %s is filled with ? placeholders only
	query := fmt.Sprintf(`
		SELECT `+prefixColumns("v", vulnerabilityColumns)+`
		FROM vulnerability_reads r
		JOIN vulnerabilities v ON v.id = r.vulnerability_id
		WHERE r.project_id = ? AND v.id > ? AND v.id IN (%s)
		ORDER BY v.id ASC
		LIMIT ?`, strings.Join(placeholders, ","))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBError("failed to list candidates", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Vulnerability
	for rows.Next() {
		v, err := scanVulnerability(rows)
		if err != nil {
			return nil, wrapDBError("failed to scan candidate", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("failed to list candidates", err)
	}

	if err := attachFindings(ctx, s.db, out); err != nil {
		return nil, err
	}
	return out, nil
}

// attachFindings loads findings for the given vulnerabilities in one batched
// query and assigns them in place.
func attachFindings(ctx context.Context, q queryer, vulns []*types.Vulnerability) error {
	if len(vulns) == 0 {
		return nil
	}
	ids := make([]int64, len(vulns))
	for i, v := range vulns {
		ids[i] = v.ID
	}

	byVuln, err := batchIN(ctx, q, ids, defaultBatchSize,
		`SELECT vulnerability_id, id, uuid, identifiers, location, report_type
		 FROM findings WHERE vulnerability_id IN (%s) ORDER BY id`,
		func(rows *sql.Rows) (int64, *types.Finding, error) {
			var f types.Finding
			var identifiers, location sql.NullString
			if err := rows.Scan(&f.VulnerabilityID, &f.ID, &f.UUID, &identifiers, &location, &f.ReportType); err != nil {
				return 0, nil, err
			}
			f.Identifiers = parseJSONStringArray(identifiers.String)
			if location.Valid {
				f.Location = location.String
			}
			return f.VulnerabilityID, &f, nil
		})
	if err != nil {
		return wrapDBError("failed to load findings", err)
	}

	for _, v := range vulns {
		v.Findings = byVuln[v.ID]
	}
	return nil
}

// GetReads returns the read-model rows for the given vulnerabilities.
func (s *Store) GetReads(ctx context.Context, vulnerabilityIDs []int64) ([]*types.VulnerabilityRead, error) {
	byID, err := batchIN(ctx, s.db, vulnerabilityIDs, defaultBatchSize,
		`SELECT vulnerability_id, project_id, uuid, state, severity, report_type,
		        dismissal_reason, has_issues, indexable
		 FROM vulnerability_reads WHERE vulnerability_id IN (%s)`,
		func(rows *sql.Rows) (int64, *types.VulnerabilityRead, error) {
			var r types.VulnerabilityRead
			var reason sql.NullString
			var hasIssues, indexable int
			if err := rows.Scan(&r.VulnerabilityID, &r.ProjectID, &r.UUID, &r.State,
				&r.Severity, &r.ReportType, &reason, &hasIssues, &indexable); err != nil {
				return 0, nil, err
			}
			r.DismissalReason = parseNullableReason(reason)
			r.HasIssues = hasIssues != 0
			r.Indexable = indexable != 0
			return r.VulnerabilityID, &r, nil
		})
	if err != nil {
		return nil, wrapDBError("failed to get vulnerability reads", err)
	}

	// Preserve the caller's id order.
	out := make([]*types.VulnerabilityRead, 0, len(vulnerabilityIDs))
	for _, id := range vulnerabilityIDs {
		for _, r := range byID[id] {
			out = append(out, r)
		}
	}
	return out, nil
}

// prefixColumns qualifies each column in a comma-separated list with a table
// alias for use in joins.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
