// Package sqlite implements the storage interface using SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"

	// Import SQLite driver
	_ "modernc.org/sqlite"

	"github.com/vulnsweep/vulnsweep/internal/storage"
)

// Verify Store implements storage.Storage at compile time
var _ storage.Storage = (*Store)(nil)

// Store implements the Storage interface using SQLite
type Store struct {
	db     *sql.DB
	dbPath string
	closed atomic.Bool // Tracks whether Close() has been called
}

// New creates a new SQLite storage backend. Pass ":memory:" for an ephemeral
// in-process database (tests).
func New(ctx context.Context, path string) (*Store, error) {
	pragmas := url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	var connStr string
	isInMemory := path == ":memory:"
	if isInMemory {
		// WAL mode does not apply to in-memory databases; foreign keys and
		// busy timeout still do.
		connStr = ":memory:?" + url.Values{
			"_pragma": []string{"busy_timeout(30000)", "foreign_keys(ON)"},
		}.Encode()
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		connStr = path + "?" + pragmas
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if isInMemory {
		// SQLite in-memory databases are isolated per connection; force a
		// single connection so every caller sees the same data.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		// WAL supports 1 writer + N readers; cap the pool to keep write-lock
		// contention from piling up goroutines.
		db.SetMaxOpenConns(runtime.NumCPU() + 1)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection. Safe to call more than once.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path (empty for in-memory stores).
func (s *Store) Path() string {
	if s.dbPath == ":memory:" {
		return ""
	}
	return s.dbPath
}

// UnderlyingDB exposes the raw handle for test fixtures.
func (s *Store) UnderlyingDB() *sql.DB {
	return s.db
}
