package sqlite

import (
	"context"
	"fmt"
)

// schema is applied on every open; all statements are idempotent.
//
// vulnerabilities is the source of truth. vulnerability_reads is the
// batch-scan projection maintained inside the same transaction that mutates
// the source row. state_transitions and notes are append-only.
const schema = `
CREATE TABLE IF NOT EXISTS projects (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    name       TEXT NOT NULL,
    full_path  TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS users (
    id       INTEGER PRIMARY KEY AUTOINCREMENT,
    username TEXT NOT NULL UNIQUE,
    name     TEXT NOT NULL,
    bot      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS project_bots (
    project_id INTEGER PRIMARY KEY REFERENCES projects(id),
    user_id    INTEGER NOT NULL REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS project_permissions (
    project_id                  INTEGER NOT NULL REFERENCES projects(id),
    user_id                     INTEGER NOT NULL REFERENCES users(id),
    can_create_state_transitions INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (project_id, user_id)
);

CREATE TABLE IF NOT EXISTS vulnerabilities (
    id                     INTEGER PRIMARY KEY AUTOINCREMENT,
    project_id             INTEGER NOT NULL REFERENCES projects(id),
    title                  TEXT NOT NULL,
    state                  TEXT NOT NULL DEFAULT 'detected',
    severity               TEXT NOT NULL,
    report_type            TEXT NOT NULL,
    dismissal_reason       TEXT,
    author_id              INTEGER NOT NULL DEFAULT 0,
    detected_at            TEXT NOT NULL,
    confirmed_at           TEXT,
    confirmed_by           INTEGER,
    resolved_at            TEXT,
    resolved_by            INTEGER,
    dismissed_at           TEXT,
    dismissed_by           INTEGER,
    present_on_latest_scan INTEGER NOT NULL DEFAULT 1,
    created_at             TEXT NOT NULL,
    updated_at             TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_vulnerabilities_project_state
    ON vulnerabilities(project_id, state);

CREATE TABLE IF NOT EXISTS findings (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    vulnerability_id INTEGER NOT NULL REFERENCES vulnerabilities(id),
    uuid             TEXT NOT NULL UNIQUE,
    identifiers      TEXT,
    location         TEXT,
    report_type      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_findings_vulnerability
    ON findings(vulnerability_id);

CREATE TABLE IF NOT EXISTS vulnerability_reads (
    vulnerability_id INTEGER PRIMARY KEY REFERENCES vulnerabilities(id),
    project_id       INTEGER NOT NULL,
    uuid             TEXT NOT NULL,
    state            TEXT NOT NULL,
    severity         TEXT NOT NULL,
    report_type      TEXT NOT NULL,
    dismissal_reason TEXT,
    has_issues       INTEGER NOT NULL DEFAULT 0,
    indexable        INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_reads_project_state
    ON vulnerability_reads(project_id, state);

CREATE TABLE IF NOT EXISTS state_transitions (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    vulnerability_id INTEGER NOT NULL REFERENCES vulnerabilities(id),
    from_state       TEXT NOT NULL,
    to_state         TEXT NOT NULL,
    author_id        INTEGER NOT NULL,
    comment          TEXT,
    dismissal_reason TEXT,
    run_id           TEXT,
    created_at       TEXT NOT NULL,
    UNIQUE (vulnerability_id, run_id)
);

CREATE INDEX IF NOT EXISTS idx_transitions_vulnerability
    ON state_transitions(vulnerability_id, created_at);

CREATE TABLE IF NOT EXISTS notes (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    project_id       INTEGER NOT NULL,
    vulnerability_id INTEGER NOT NULL REFERENCES vulnerabilities(id),
    author_id        INTEGER NOT NULL,
    body             TEXT NOT NULL,
    system           INTEGER NOT NULL DEFAULT 0,
    created_at       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_notes_vulnerability
    ON notes(vulnerability_id);

CREATE TABLE IF NOT EXISTS note_metadata (
    note_id    INTEGER PRIMARY KEY REFERENCES notes(id),
    action     TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS webhook_endpoints (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    project_id INTEGER NOT NULL REFERENCES projects(id),
    url        TEXT NOT NULL,
    secret     TEXT NOT NULL DEFAULT '',
    enabled    INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS vulnerability_statistics (
    project_id   INTEGER PRIMARY KEY REFERENCES projects(id),
    total        INTEGER NOT NULL DEFAULT 0,
    detected     INTEGER NOT NULL DEFAULT 0,
    confirmed    INTEGER NOT NULL DEFAULT 0,
    dismissed    INTEGER NOT NULL DEFAULT 0,
    resolved     INTEGER NOT NULL DEFAULT 0,
    critical     INTEGER NOT NULL DEFAULT 0,
    high         INTEGER NOT NULL DEFAULT 0,
    refreshed_at TEXT NOT NULL
);
`

func (s *Store) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
