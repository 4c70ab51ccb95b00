package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the Postgres backing for passages (via pgvector), visitors,
// pending reconciliations, and the source catalog.
type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnsureSchema creates the tables this service owns. dims fixes the vector
// column width; zero leaves it unconstrained.
func (s *Store) EnsureSchema(ctx context.Context, dims int) error {
	vectorType := "vector"
	if dims > 0 {
		vectorType = fmt.Sprintf("vector(%d)", dims)
	}

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS mirror_passages (
			id          text PRIMARY KEY,
			tenant_id   text NOT NULL,
			source_type text NOT NULL,
			source_id   text NOT NULL,
			sequence    integer NOT NULL,
			text        text NOT NULL,
			embedding   %s NOT NULL,
			created_at  timestamptz NOT NULL DEFAULT now(),
			UNIQUE (tenant_id, source_id, sequence)
		)`, vectorType),
		`CREATE INDEX IF NOT EXISTS mirror_passages_tenant_idx ON mirror_passages (tenant_id)`,
		`
		CREATE TABLE IF NOT EXISTS mirror_visitors (
			id             uuid PRIMARY KEY,
			external_token text NOT NULL UNIQUE,
			display_name   text NOT NULL DEFAULT '',
			first_seen     timestamptz NOT NULL,
			last_seen      timestamptz NOT NULL,
			CHECK (last_seen >= first_seen)
		)`,
		`
		CREATE TABLE IF NOT EXISTS mirror_pending_reconciliations (
			tenant_id    text NOT NULL,
			temp_id      text NOT NULL,
			permanent_id text NOT NULL,
			recorded_at  timestamptz NOT NULL,
			attempts     integer NOT NULL DEFAULT 1,
			PRIMARY KEY (tenant_id, temp_id)
		)`,
		`
		CREATE TABLE IF NOT EXISTS mirror_sources (
			tenant_id    text NOT NULL,
			source_id    text NOT NULL,
			source_type  text NOT NULL,
			title        text NOT NULL DEFAULT '',
			description  text NOT NULL DEFAULT '',
			body         text NOT NULL,
			content_hash text NOT NULL,
			indexed_at   timestamptz NOT NULL,
			temporary    boolean NOT NULL DEFAULT false,
			PRIMARY KEY (tenant_id, source_id)
		)`,
		`ALTER TABLE mirror_sources ADD COLUMN IF NOT EXISTS temporary boolean NOT NULL DEFAULT false`,
		`
		CREATE TABLE IF NOT EXISTS mirror_id_aliases (
			tenant_id    text NOT NULL,
			temp_id      text NOT NULL,
			permanent_id text NOT NULL,
			applied_at   timestamptz NOT NULL,
			PRIMARY KEY (tenant_id, temp_id)
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
