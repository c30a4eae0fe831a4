// Package postgres implements the Record Store on PostgreSQL via pgx.
package postgres

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/openmohaa/session-tracker/internal/store"
)

//go:embed schema.sql
var schema string

// querier is the subset of pgx shared by pools and transactions.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Store is a store.Store backed by a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	db     querier
	policy store.RetryPolicy
	logger *zap.SugaredLogger
}

var _ store.Store = (*Store)(nil)

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, url string, logger *zap.SugaredLogger) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return New(pool, logger), nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool, logger *zap.SugaredLogger) *Store {
	return &Store{
		pool:   pool,
		db:     pool,
		policy: store.DefaultRetryPolicy(),
		logger: logger,
	}
}

// WithRetryPolicy overrides the transient retry policy.
func (s *Store) WithRetryPolicy(p store.RetryPolicy) *Store {
	s.policy = p
	return s
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	s.logger.Infow("Schema applied")
	return nil
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return store.Retry(ctx, s.policy, s.logger, func() error {
		err := pgx.BeginFunc(ctx, s.pool, func(ptx pgx.Tx) error {
			return fn(&tx{q: ptx})
		})
		return classify(err)
	})
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}
