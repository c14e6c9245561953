package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new PostgreSQL connection pool with pgvector types
// registered on every connection.
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Migrate creates the vector extension, the pages and chunks tables and the
// scheduling indexes. Safe to run on every startup.
func (db *DB) Migrate(ctx context.Context, embeddingDim int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS pages (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			url TEXT UNIQUE NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			crawl_count INTEGER NOT NULL DEFAULT 0,
			process_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_crawled_at TIMESTAMPTZ DEFAULT NULL,
			processed_at TIMESTAMPTZ DEFAULT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunks (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			url TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding halfvec(%d),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, embeddingDim),
		`CREATE INDEX IF NOT EXISTS idx_pages_crawl_sched
			ON pages (crawl_count, last_crawled_at NULLS FIRST)`,
		`CREATE INDEX IF NOT EXISTS idx_pages_process_sched
			ON pages (last_crawled_at DESC)
			WHERE content <> '' AND processed_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_url ON chunks (url)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Ping verifies database connectivity. Used by the readiness probe.
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Close closes the connection pool
func (db *DB) Close() {
	db.Pool.Close()
}
