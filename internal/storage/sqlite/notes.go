package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/vulnsweep/vulnsweep/internal/types"
)

// CreateSystemNote writes an audit note and its metadata row together.
// Notes are written after the primary transaction commits; a note and its
// metadata still commit atomically with each other.
func (s *Store) CreateSystemNote(ctx context.Context, note *types.Note, metadata *types.NoteMetadata) error {
	if note.Body == "" {
		return fmt.Errorf("note body is required")
	}
	now := time.Now()
	note.CreatedAt = now
	note.System = true

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin note transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO notes (project_id, vulnerability_id, author_id, body, system, created_at)
		VALUES (?, ?, ?, ?, 1, ?)
	`, note.ProjectID, note.VulnerabilityID, note.AuthorID, note.Body, formatTime(now))
	if err != nil {
		return wrapDBError("failed to insert note", err)
	}
	noteID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get note id: %w", err)
	}
	note.ID = noteID

	if metadata != nil {
		metadata.NoteID = noteID
		metadata.CreatedAt = now
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO note_metadata (note_id, action, created_at)
			VALUES (?, ?, ?)
		`, noteID, metadata.Action, formatTime(now)); err != nil {
			return wrapDBError("failed to insert note metadata", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit note: %w", err)
	}
	return nil
}

// CountNotes returns the number of notes attached to a vulnerability.
func (s *Store) CountNotes(ctx context.Context, vulnerabilityID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notes WHERE vulnerability_id = ?`, vulnerabilityID).Scan(&n)
	if err != nil {
		return 0, wrapDBError("failed to count notes", err)
	}
	return n, nil
}
