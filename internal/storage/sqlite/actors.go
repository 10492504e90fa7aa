package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vulnsweep/vulnsweep/internal/types"
)

// EnsureSecurityPolicyBot resolves the automation actor for a project,
// creating it on first use. Idempotent: concurrent callers converge on the
// same user row.
func (s *Store) EnsureSecurityPolicyBot(ctx context.Context, projectID int64) (*types.User, error) {
	// Fast path: bot already registered for the project.
	if u, err := s.projectBot(ctx, projectID); err == nil {
		return u, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, wrapDBError("failed to resolve security policy bot", err)
	}

	username := fmt.Sprintf("security_policy_bot_%d", projectID)
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, name, bot) VALUES (?, 'Security Policy Bot', 1)
		ON CONFLICT(username) DO NOTHING
	`, username); err != nil {
		return nil, wrapDBError("failed to create security policy bot", err)
	}

	var userID int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT id FROM users WHERE username = ?`, username).Scan(&userID); err != nil {
		return nil, wrapDBError("failed to look up security policy bot", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO project_bots (project_id, user_id) VALUES (?, ?)
		ON CONFLICT(project_id) DO NOTHING
	`, projectID, userID); err != nil {
		return nil, wrapDBError("failed to register security policy bot", err)
	}

	// Grant the default transition permission on first creation only, so an
	// operator revocation survives later runs.
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO project_permissions (project_id, user_id, can_create_state_transitions)
		VALUES (?, ?, 1)
		ON CONFLICT(project_id, user_id) DO NOTHING
	`, projectID, userID); err != nil {
		return nil, wrapDBError("failed to grant bot permissions", err)
	}

	return s.projectBot(ctx, projectID)
}

func (s *Store) projectBot(ctx context.Context, projectID int64) (*types.User, error) {
	var u types.User
	var bot int
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.username, u.name, u.bot
		FROM project_bots pb JOIN users u ON u.id = pb.user_id
		WHERE pb.project_id = ?
	`, projectID).Scan(&u.ID, &u.Username, &u.Name, &bot)
	if err != nil {
		return nil, err
	}
	u.Bot = bot != 0
	return &u, nil
}

// CanCreateStateTransitions checks the actor's transition permission for the
// project.
func (s *Store) CanCreateStateTransitions(ctx context.Context, userID, projectID int64) (bool, error) {
	var allowed int
	err := s.db.QueryRowContext(ctx, `
		SELECT can_create_state_transitions FROM project_permissions
		WHERE project_id = ? AND user_id = ?
	`, projectID, userID).Scan(&allowed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, wrapDBError("failed to check permissions", err)
	}
	return allowed != 0, nil
}

// SetTransitionPermission grants or revokes the transition permission.
func (s *Store) SetTransitionPermission(ctx context.Context, userID, projectID int64, allowed bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_permissions (project_id, user_id, can_create_state_transitions)
		VALUES (?, ?, ?)
		ON CONFLICT(project_id, user_id) DO UPDATE SET
			can_create_state_transitions = excluded.can_create_state_transitions
	`, projectID, userID, boolToInt(allowed))
	return wrapDBError("failed to set permission", err)
}

// ListWebhookEndpoints returns the enabled webhook endpoints for a project.
func (s *Store) ListWebhookEndpoints(ctx context.Context, projectID int64) ([]*types.WebhookEndpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, url, secret, enabled
		FROM webhook_endpoints
		WHERE project_id = ? AND enabled = 1
		ORDER BY id
	`, projectID)
	if err != nil {
		return nil, wrapDBError("failed to list webhook endpoints", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.WebhookEndpoint
	for rows.Next() {
		var w types.WebhookEndpoint
		var enabled int
		if err := rows.Scan(&w.ID, &w.ProjectID, &w.URL, &w.Secret, &enabled); err != nil {
			return nil, wrapDBError("failed to scan webhook endpoint", err)
		}
		w.Enabled = enabled != 0
		out = append(out, &w)
	}
	return out, rows.Err()
}
