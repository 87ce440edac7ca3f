// Package store wraps the SQLite-backed persistence layer every other
// component transacts against. It generalizes the teacher repo's
// internal/db/db.go Open/RunMigrations pattern: a single *sql.DB handle,
// WAL mode, single-writer pool sizing, and one Transact entry point that
// every component-level operation passes through.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store wraps the database connection pool.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path, applies
// pragmas enforcing the single-writer WAL discipline spec'd for this
// engine, and runs any pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store: path must not be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create dir: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	// One connection: every write serializes through Transact, so a
	// second connection would only contend with the first over SQLite's
	// own file lock.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	if err := runMigrations(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{db: conn}, nil
}

// SQL returns the underlying *sql.DB for components that need to build
// their own queries.
func (s *Store) SQL() *sql.DB { return s.db }

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// Transact runs fn inside a single database transaction, committing on a
// nil return and rolling back otherwise. Every cross-row invariant in this
// engine (claim exclusivity, cycle-free dependency edges, atomic renewal)
// is enforced by running its check-then-write sequence inside one
// Transact call.
func (s *Store) Transact(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}
