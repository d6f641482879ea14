package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"
)

const (
	// CurrentSchemaVersion tracks the database schema version
	CurrentSchemaVersion = "1.1.0"
)

// Migration represents a database schema migration
type Migration struct {
	Version string
	Up      string
	Down    string
}

// SQLiteMigrations contains all SQLite schema migrations in order
var SQLiteMigrations = []Migration{
	{
		Version: "1.0.0",
		Up:      sqliteV1Up,
		Down:    sqliteV1Down,
	},
	{
		Version: "1.1.0",
		Up:      sqliteV11Up,
		Down:    sqliteV11Down,
	},
}

const sqliteV1Up = `
-- Schema version tracking
CREATE TABLE IF NOT EXISTS schema_version (
    version TEXT PRIMARY KEY,
    applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

-- Store-level settings such as the embedding dimension
CREATE TABLE IF NOT EXISTS catalog_meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS products (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    category TEXT NOT NULL DEFAULT '',
    tags TEXT NOT NULL DEFAULT '[]',
    price TEXT NOT NULL DEFAULT '0',
    available INTEGER NOT NULL DEFAULT 0 CHECK (available >= 0),
    active BOOLEAN NOT NULL DEFAULT 1,
    search_text TEXT NOT NULL DEFAULT '',
    content_hash TEXT NOT NULL DEFAULT '',
    embedding BLOB,
    embedding_dim INTEGER,
    embedded_at TIMESTAMP,
    source_version TEXT,
    synced_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_products_active ON products(active);
CREATE INDEX IF NOT EXISTS idx_products_source_version ON products(source_version);
CREATE INDEX IF NOT EXISTS idx_products_synced_at ON products(synced_at);

-- Trigram full-text index over the folded search text
CREATE VIRTUAL TABLE IF NOT EXISTS products_fts USING fts5(
    search_text,
    content='products',
    content_rowid='rowid',
    tokenize='trigram'
);

-- Triggers to keep FTS in sync
CREATE TRIGGER IF NOT EXISTS products_ai AFTER INSERT ON products BEGIN
    INSERT INTO products_fts(rowid, search_text) VALUES (new.rowid, new.search_text);
END;

CREATE TRIGGER IF NOT EXISTS products_ad AFTER DELETE ON products BEGIN
    INSERT INTO products_fts(products_fts, rowid, search_text) VALUES ('delete', old.rowid, old.search_text);
END;

CREATE TRIGGER IF NOT EXISTS products_au AFTER UPDATE OF search_text ON products BEGIN
    INSERT INTO products_fts(products_fts, rowid, search_text) VALUES ('delete', old.rowid, old.search_text);
    INSERT INTO products_fts(rowid, search_text) VALUES (new.rowid, new.search_text);
END;
`

const sqliteV1Down = `
DROP TRIGGER IF EXISTS products_au;
DROP TRIGGER IF EXISTS products_ad;
DROP TRIGGER IF EXISTS products_ai;
DROP TABLE IF EXISTS products_fts;
DROP TABLE IF EXISTS products;
DROP TABLE IF EXISTS catalog_meta;
DROP TABLE IF EXISTS schema_version;
`

// 1.1.0 speeds up the vector scan, which only ever reads embedded active rows
const sqliteV11Up = `
CREATE INDEX IF NOT EXISTS idx_products_embedded ON products(active) WHERE embedding IS NOT NULL;
`

const sqliteV11Down = `
DROP INDEX IF EXISTS idx_products_embedded;
`

// latestVersion returns the highest semver among applied versions, or 0.0.0
func latestVersion(applied []string) (*semver.Version, error) {
	current := semver.MustParse("0.0.0")
	for _, v := range applied {
		parsed, err := semver.NewVersion(v)
		if err != nil {
			return nil, fmt.Errorf("invalid applied schema version %s: %w", v, err)
		}
		if parsed.GreaterThan(current) {
			current = parsed
		}
	}
	return current, nil
}

// pendingMigrations returns the migrations newer than current, oldest first
func pendingMigrations(current *semver.Version, all []Migration) ([]Migration, error) {
	type versioned struct {
		v *semver.Version
		m Migration
	}
	var pending []versioned
	for _, m := range all {
		v, err := semver.NewVersion(m.Version)
		if err != nil {
			return nil, fmt.Errorf("invalid migration version %s: %w", m.Version, err)
		}
		if current.LessThan(v) {
			pending = append(pending, versioned{v: v, m: m})
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].v.LessThan(pending[j].v) })

	out := make([]Migration, len(pending))
	for i, p := range pending {
		out[i] = p.m
	}
	return out, nil
}

// appliedSQLiteVersions lists recorded versions; a missing table means none
func appliedSQLiteVersions(ctx context.Context, db *sql.DB) ([]string, error) {
	var tableName string
	err := db.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&tableName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check schema_version table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_version")
	if err != nil {
		return nil, fmt.Errorf("failed to read schema_version: %w", err)
	}
	defer func() { _ = rows.Close() }()

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

// ApplyMigrations runs all pending SQLite migrations
func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	applied, err := appliedSQLiteVersions(ctx, db)
	if err != nil {
		return err
	}
	current, err := latestVersion(applied)
	if err != nil {
		return err
	}
	pending, err := pendingMigrations(current, SQLiteMigrations)
	if err != nil {
		return err
	}

	for _, migration := range pending {
		if _, err := db.ExecContext(ctx, migration.Up); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", migration.Version, err)
		}
		if _, err := db.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", migration.Version); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", migration.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the highest applied SQLite schema version
func SchemaVersion(ctx context.Context, db *sql.DB) (string, error) {
	applied, err := appliedSQLiteVersions(ctx, db)
	if err != nil {
		return "", err
	}
	v, err := latestVersion(applied)
	if err != nil {
		return "", err
	}
	return v.String(), nil
}

// RollbackMigration rolls back the most recent SQLite migration
func RollbackMigration(ctx context.Context, db *sql.DB) error {
	currentVersion, err := SchemaVersion(ctx, db)
	if err != nil {
		return err
	}
	if currentVersion == "0.0.0" {
		return fmt.Errorf("no migrations to rollback")
	}

	var migration *Migration
	for i := range SQLiteMigrations {
		if SQLiteMigrations[i].Version == currentVersion {
			migration = &SQLiteMigrations[i]
			break
		}
	}
	if migration == nil {
		return fmt.Errorf("migration %s not found", currentVersion)
	}

	if _, err := db.ExecContext(ctx, migration.Down); err != nil {
		return fmt.Errorf("failed to rollback migration %s: %w", currentVersion, err)
	}

	// The first migration's Down drops schema_version itself
	if _, err := db.ExecContext(ctx, "DELETE FROM schema_version WHERE version = ?", currentVersion); err != nil {
		if currentVersion != SQLiteMigrations[0].Version {
			return fmt.Errorf("failed to remove migration record %s: %w", currentVersion, err)
		}
	}

	return nil
}
