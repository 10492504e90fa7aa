// Package storage provides shared types for vulnerability storage.
//
// The concrete implementation lives in the sqlite sub-package. This package
// holds the interface and sentinel errors referenced by both the
// implementation and its consumers (the engine, the emitters, cmd/vulnsweep).
package storage

import (
	"context"
	"errors"

	"github.com/vulnsweep/vulnsweep/internal/types"
)

// ErrNotFound is returned when a requested entity does not exist in the database.
var ErrNotFound = errors.New("not found")

// ErrDuplicateTransition is returned when a state transition insert violates a
// uniqueness constraint (a transition for this vulnerability already exists in
// this run). The executor rolls back that vulnerability only and continues.
var ErrDuplicateTransition = errors.New("duplicate state transition")

// CandidateFilter selects a page of candidate vulnerabilities from the read
// model, ordered by vulnerability id ascending for deterministic coverage.
type CandidateFilter struct {
	ProjectID int64
	IDs       []int64 // candidate set from the ingestion layer; empty means none
	AfterID   int64   // keyset cursor: return ids strictly greater
	Limit     int
}

// Storage is the interface satisfied by *sqlite.Store.
// Consumers depend on this interface rather than on the concrete type so that
// alternative implementations (mocks, proxies, etc.) can be substituted.
type Storage interface {
	// Vulnerabilities
	GetVulnerability(ctx context.Context, id int64) (*types.Vulnerability, error)
	ListCandidates(ctx context.Context, filter CandidateFilter) ([]*types.Vulnerability, error)

	// Transition ledger (append-only)
	ListTransitions(ctx context.Context, vulnerabilityID int64, limit int) ([]*types.StateTransition, error)

	// Audit notes
	CreateSystemNote(ctx context.Context, note *types.Note, metadata *types.NoteMetadata) error
	CountNotes(ctx context.Context, vulnerabilityID int64) (int, error)

	// Acting identity
	EnsureSecurityPolicyBot(ctx context.Context, projectID int64) (*types.User, error)
	CanCreateStateTransitions(ctx context.Context, userID, projectID int64) (bool, error)

	// Side-effect inputs
	ListWebhookEndpoints(ctx context.Context, projectID int64) ([]*types.WebhookEndpoint, error)
	GetReads(ctx context.Context, vulnerabilityIDs []int64) ([]*types.VulnerabilityRead, error)

	// Statistics
	RecomputeStatistics(ctx context.Context, projectID int64) (*types.Statistics, error)
	GetStatistics(ctx context.Context, projectID int64) (*types.Statistics, error)

	// Transactions
	RunInTransaction(ctx context.Context, fn func(tx Transaction) error) error

	// Lifecycle
	Close() error
}

// Transaction exposes the write set that must commit atomically per processed
// batch. All operations share one database transaction: the ledger insert,
// the primary record mutation, and the read-model upsert either all commit
// or none do.
//
// InSavepoint isolates a single vulnerability's writes inside the batch
// transaction: if fn returns an error the savepoint is rolled back and the
// error returned, leaving earlier writes in the batch intact.
type Transaction interface {
	GetVulnerabilityForUpdate(ctx context.Context, id int64) (*types.Vulnerability, error)
	InsertStateTransition(ctx context.Context, transition *types.StateTransition) error
	UpdateVulnerabilityState(ctx context.Context, v *types.Vulnerability) error
	UpsertVulnerabilityRead(ctx context.Context, read *types.VulnerabilityRead) error
	InSavepoint(ctx context.Context, fn func() error) error
}
