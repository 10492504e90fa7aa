package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vulnsweep/vulnsweep/internal/types"
)

// Ingestion-side write paths. The scan-result ingestion pipeline that
// normally populates these tables lives outside this engine; these methods
// carry the seed and test surface.

// CreateProject inserts a project.
func (s *Store) CreateProject(ctx context.Context, p *types.Project) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (name, full_path) VALUES (?, ?)`, p.Name, p.FullPath)
	if err != nil {
		return wrapDBError("failed to create project", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		p.ID = id
	}
	return nil
}

// CreateVulnerability inserts a vulnerability, its findings, and its
// read-model row in one transaction, the way ingestion does on report upload.
func (s *Store) CreateVulnerability(ctx context.Context, v *types.Vulnerability) error {
	if err := v.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	now := time.Now()
	v.CreatedAt = now
	v.UpdatedAt = now
	if v.DetectedAt.IsZero() {
		v.DetectedAt = now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO vulnerabilities
			(project_id, title, state, severity, report_type, dismissal_reason,
			 author_id, detected_at, present_on_latest_scan, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, v.ProjectID, v.Title, v.State, v.Severity, v.ReportType,
		nullableReason(v.DismissalReason), v.AuthorID, formatTime(v.DetectedAt),
		boolToInt(v.PresentOnLatestScan), formatTime(now), formatTime(now))
	if err != nil {
		return wrapDBError("failed to insert vulnerability", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get vulnerability id: %w", err)
	}
	v.ID = id

	readUUID := uuid.NewString()
	for _, f := range v.Findings {
		f.VulnerabilityID = id
		if f.UUID == "" {
			f.UUID = uuid.NewString()
		}
		if f.ReportType == "" {
			f.ReportType = v.ReportType
		}
		fres, err := tx.ExecContext(ctx, `
			INSERT INTO findings (vulnerability_id, uuid, identifiers, location, report_type)
			VALUES (?, ?, ?, ?, ?)
		`, id, f.UUID, formatJSONStringArray(f.Identifiers), f.Location, f.ReportType)
		if err != nil {
			return wrapDBError("failed to insert finding", err)
		}
		if fid, err := fres.LastInsertId(); err == nil {
			f.ID = fid
		}
	}
	if len(v.Findings) > 0 {
		readUUID = v.Findings[0].UUID
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO vulnerability_reads
			(vulnerability_id, project_id, uuid, state, severity, report_type, dismissal_reason, has_issues, indexable)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, 1)
	`, id, v.ProjectID, readUUID, v.State, v.Severity, v.ReportType,
		nullableReason(v.DismissalReason)); err != nil {
		return wrapDBError("failed to insert vulnerability read", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit vulnerability: %w", err)
	}
	return nil
}

// AddWebhookEndpoint registers a project webhook consumer.
func (s *Store) AddWebhookEndpoint(ctx context.Context, w *types.WebhookEndpoint) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_endpoints (project_id, url, secret, enabled)
		VALUES (?, ?, ?, ?)
	`, w.ProjectID, w.URL, w.Secret, boolToInt(w.Enabled))
	if err != nil {
		return wrapDBError("failed to add webhook endpoint", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		w.ID = id
	}
	return nil
}

// SetIndexable toggles search indexing eligibility on the read-model row.
func (s *Store) SetIndexable(ctx context.Context, vulnerabilityID int64, indexable bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE vulnerability_reads SET indexable = ? WHERE vulnerability_id = ?`,
		boolToInt(indexable), vulnerabilityID)
	return wrapDBError("failed to set indexable", err)
}

// MarkAbsentFromLatestScan records that the latest pipeline no longer reports
// this vulnerability. Normally done by ingestion when diffing scan results.
func (s *Store) MarkAbsentFromLatestScan(ctx context.Context, vulnerabilityID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE vulnerabilities SET present_on_latest_scan = 0 WHERE id = ?`, vulnerabilityID)
	return wrapDBError("failed to mark vulnerability absent", err)
}
