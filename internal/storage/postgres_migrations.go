package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresMigrations contains all PostgreSQL schema migrations in order.
// {{dim}} is replaced with the catalog's embedding dimension.
var PostgresMigrations = []Migration{
	{
		Version: "1.0.0",
		Up:      postgresV1Up,
		Down:    postgresV1Down,
	},
	{
		Version: "1.1.0",
		Up:      postgresV11Up,
		Down:    postgresV11Down,
	},
}

const postgresV1Up = `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE EXTENSION IF NOT EXISTS pg_trgm;

CREATE TABLE IF NOT EXISTS schema_version (
    version TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS catalog_meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS products (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    category TEXT NOT NULL DEFAULT '',
    tags TEXT[] NOT NULL DEFAULT '{}',
    price NUMERIC NOT NULL DEFAULT 0 CHECK (price >= 0),
    available BIGINT NOT NULL DEFAULT 0 CHECK (available >= 0),
    active BOOLEAN NOT NULL DEFAULT TRUE,
    search_text TEXT NOT NULL DEFAULT '',
    content_hash TEXT NOT NULL DEFAULT '',
    embedding vector({{dim}}),
    embedded_at TIMESTAMPTZ,
    source_version TEXT,
    synced_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_products_active ON products(active);
CREATE INDEX IF NOT EXISTS idx_products_source_version ON products(source_version);
CREATE INDEX IF NOT EXISTS idx_products_search_trgm ON products USING gin (search_text gin_trgm_ops);
`

const postgresV1Down = `
DROP TABLE IF EXISTS products;
DROP TABLE IF EXISTS catalog_meta;
DROP TABLE IF EXISTS schema_version;
`

// 1.1.0 adds the approximate nearest neighbour index for cosine distance
const postgresV11Up = `
CREATE INDEX IF NOT EXISTS idx_products_embedding_hnsw ON products USING hnsw (embedding vector_cosine_ops);
`

const postgresV11Down = `
DROP INDEX IF EXISTS idx_products_embedding_hnsw;
`

func appliedPostgresVersions(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	var exists bool
	err := pool.QueryRow(ctx, `SELECT to_regclass('schema_version') IS NOT NULL`).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check schema_version table: %w", err)
	}
	if !exists {
		return nil, nil
	}

	rows, err := pool.Query(ctx, `SELECT version FROM schema_version`)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema_version: %w", err)
	}
	defer rows.Close()

	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// ApplyPostgresMigrations runs all pending PostgreSQL migrations, each in its
// own transaction
func ApplyPostgresMigrations(ctx context.Context, pool *pgxpool.Pool, dimension int) error {
	applied, err := appliedPostgresVersions(ctx, pool)
	if err != nil {
		return err
	}
	current, err := latestVersion(applied)
	if err != nil {
		return err
	}
	pending, err := pendingMigrations(current, PostgresMigrations)
	if err != nil {
		return err
	}

	for _, migration := range pending {
		up := strings.ReplaceAll(migration.Up, "{{dim}}", strconv.Itoa(dimension))

		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin migration %s: %w", migration.Version, err)
		}
		if _, err := tx.Exec(ctx, up); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("failed to apply migration %s: %w", migration.Version, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, migration.Version); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("failed to record migration %s: %w", migration.Version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", migration.Version, err)
		}
	}
	return nil
}

// postgresSchemaVersion returns the highest applied PostgreSQL schema version
func postgresSchemaVersion(ctx context.Context, pool *pgxpool.Pool) (string, error) {
	applied, err := appliedPostgresVersions(ctx, pool)
	if err != nil {
		return "", err
	}
	v, err := latestVersion(applied)
	if err != nil {
		return "", err
	}
	return v.String(), nil
}
