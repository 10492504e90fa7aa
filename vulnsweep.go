// Package vulnsweep provides a minimal public API for embedding the
// state-transition engine in other Go programs.
//
// Most integrations should shell out to the vulnsweep CLI. This package
// exports only the types and constructors needed to drive runs
// programmatically against a vulnsweep database.
package vulnsweep

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/vulnsweep/vulnsweep/internal/audit"
	"github.com/vulnsweep/vulnsweep/internal/engine"
	"github.com/vulnsweep/vulnsweep/internal/eventbus"
	"github.com/vulnsweep/vulnsweep/internal/policy"
	"github.com/vulnsweep/vulnsweep/internal/statistics"
	"github.com/vulnsweep/vulnsweep/internal/storage"
	"github.com/vulnsweep/vulnsweep/internal/storage/sqlite"
	"github.com/vulnsweep/vulnsweep/internal/types"
)

// Core domain types.
type (
	Vulnerability = types.Vulnerability
	Pipeline      = types.Pipeline
	Project       = types.Project
	State         = types.State
	Severity      = types.Severity
	Policy        = policy.Policy
	Rule          = policy.Rule
	Engine        = engine.Engine
	Result        = engine.Result
	Storage       = storage.Storage
)

// State constants.
const (
	StateDetected  = types.StateDetected
	StateConfirmed = types.StateConfirmed
	StateDismissed = types.StateDismissed
	StateResolved  = types.StateResolved
)

// DefaultDismissBudget is the fixed per-run ceiling for auto-dismiss.
const DefaultDismissBudget = engine.DefaultDismissBudget

// Sentinel errors.
var (
	ErrNotFound     = storage.ErrNotFound
	ErrUnauthorized = engine.ErrUnauthorized
)

// Open opens (creating if necessary) a vulnsweep SQLite database.
// Pass ":memory:" for an ephemeral in-process database.
func Open(ctx context.Context, path string) (*sqlite.Store, error) {
	return sqlite.New(ctx, path)
}

// LoadPolicies parses a policy YAML file.
func LoadPolicies(path string) ([]Policy, error) {
	return policy.LoadFile(path)
}

// NewEngine builds an engine with the default side-effect handlers (audit
// notes and statistics refresh) registered. Callers needing search sync or
// webhooks should wire the internal packages via the CLI instead.
func NewEngine(store Storage, log zerolog.Logger) *Engine {
	bus := eventbus.New(log)
	bus.Register(audit.NewEmitter(store, log))
	bus.Register(statistics.NewHandler(statistics.NewScheduler(store, log)))
	return engine.New(store, bus, log)
}
