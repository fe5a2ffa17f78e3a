// Package pg implements corestore.Store over PostgreSQL via jackc/pgx/v5,
// following the teacher's DBTX/pool conventions (internal/storage).
package pg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lavente/identity-core/internal/corestore"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx, letting every query method
// run unmodified whether or not it's inside a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgx.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Store implements corestore.Store.
type Store struct {
	db DBTX
	// pool is non-nil only on the root Store (not inside a transaction), so
	// WithTx can call Begin; a Store built from within a transaction has a
	// nil pool and its WithTx calls are no-ops that reuse the active tx.
	pool *pgxpool.Pool
}

// New builds the root Store from a connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{db: pool, pool: pool}
}

// NewPostgresPool dials Postgres and verifies connectivity, mirroring the
// teacher's storage.NewPostgres.
func NewPostgresPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// WithTx runs fn against a Store bound to one REPEATABLE READ transaction.
// Per spec's concurrency model, session creation+eviction, refresh rotation,
// backup-code consumption, and MFA enrollment activation must all run here.
func (s *Store) WithTx(ctx context.Context, fn func(tx corestore.Store) error) error {
	if s.pool == nil {
		// Already inside a transaction: nested WithTx just reuses it so the
		// outer transaction remains the sole unit of atomicity.
		return fn(s)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // safe no-op after Commit

	txStore := &Store{db: tx}
	if err := fn(txStore); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

var _ corestore.Store = (*Store)(nil)
