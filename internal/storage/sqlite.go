package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sanchirEs/mns-chatbot-sub001/internal/textnorm"
	"github.com/sanchirEs/mns-chatbot-sub001/pkg/types"
)

// BackendSQLite names the SQLite backend in status output
const BackendSQLite = "sqlite"

const metaDimensionKey = "embedding_dimension"

// Bound parameters per IN (...) clause
const maxInParams = 500

const productColumns = `id, name, category, tags, price, available, active, content_hash,
	embedding, embedded_at, source_version, synced_at, created_at, updated_at`

// SQLiteStorage implements the Store interface using SQLite
type SQLiteStorage struct {
	db        *sql.DB
	dimension int
}

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite benefits from single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// NewSQLiteStorage opens (or creates) a catalog at dbPath for vectors of the
// given dimension. Reopening a catalog created with another dimension fails
// with types.ErrDimensionMismatch.
func NewSQLiteStorage(dbPath string, dimension int) (*SQLiteStorage, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive, got %d", types.ErrDimensionMismatch, dimension)
	}

	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx := context.Background()
	if err := ApplyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	if err := ensureDimension(ctx, db, dimension); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteStorage{db: db, dimension: dimension}, nil
}

// ensureDimension records the dimension on first open and verifies it after
func ensureDimension(ctx context.Context, db *sql.DB, dimension int) error {
	var stored string
	err := db.QueryRowContext(ctx, "SELECT value FROM catalog_meta WHERE key = ?", metaDimensionKey).Scan(&stored)
	if err == sql.ErrNoRows {
		_, err = db.ExecContext(ctx, "INSERT INTO catalog_meta (key, value) VALUES (?, ?)", metaDimensionKey, strconv.Itoa(dimension))
		if err != nil {
			return fmt.Errorf("failed to record embedding dimension: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read embedding dimension: %w", err)
	}
	if stored != strconv.Itoa(dimension) {
		return fmt.Errorf("%w: catalog stores %s-dimensional vectors, configured %d", types.ErrDimensionMismatch, stored, dimension)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Dimension returns the vector dimension of this catalog
func (s *SQLiteStorage) Dimension() int {
	return s.dimension
}

// BeginTx starts a new transaction
func (s *SQLiteStorage) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %w", types.ErrStoreUnavailable, err)
	}
	return &sqliteTx{tx: tx, storage: s}, nil
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// sqliteTx wraps a SQL transaction
type sqliteTx struct {
	tx      *sql.Tx
	storage *SQLiteStorage
}

func (t *sqliteTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback() error {
	return t.tx.Rollback()
}

func (t *sqliteTx) UpsertProduct(ctx context.Context, product *types.Product) error {
	return t.storage.upsertProductWithQuerier(ctx, t.tx, product)
}

func (t *sqliteTx) TouchSynced(ctx context.Context, ids []string, version string, at time.Time) error {
	return t.storage.touchSyncedWithQuerier(ctx, t.tx, ids, version, at)
}

// validateProduct checks the product and its embedding against the catalog
func validateProduct(product *types.Product, dimension int) error {
	if err := product.Validate(); err != nil {
		return err
	}
	if product.HasEmbedding() && len(product.Embedding) != dimension {
		return fmt.Errorf("%w: product %s has %d values, catalog expects %d",
			types.ErrDimensionMismatch, product.ID, len(product.Embedding), dimension)
	}
	return nil
}

// Product operations

// upsertProductWithQuerier is the internal implementation that uses a querier
func (s *SQLiteStorage) upsertProductWithQuerier(ctx context.Context, q querier, product *types.Product) error {
	if err := validateProduct(product, s.dimension); err != nil {
		return err
	}

	tags, err := json.Marshal(nonNilTags(product.Tags))
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	if product.ContentHash == "" {
		product.ContentHash = product.ComputeContentHash()
	}

	var (
		embedding    interface{}
		embeddingDim interface{}
		embeddedAt   interface{}
	)
	if product.HasEmbedding() {
		embedding = serializeVector(product.Embedding)
		embeddingDim = len(product.Embedding)
		if product.EmbeddedAt != nil {
			embeddedAt = product.EmbeddedAt.UTC()
		}
	}

	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now

	var syncedAt interface{}
	if !product.SyncedAt.IsZero() {
		syncedAt = product.SyncedAt.UTC()
	}

	query := `
		INSERT INTO products (id, name, category, tags, price, available, active, search_text, content_hash,
		                      embedding, embedding_dim, embedded_at, source_version, synced_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			category = excluded.category,
			tags = excluded.tags,
			price = excluded.price,
			available = excluded.available,
			active = excluded.active,
			search_text = excluded.search_text,
			content_hash = excluded.content_hash,
			embedding = excluded.embedding,
			embedding_dim = excluded.embedding_dim,
			embedded_at = excluded.embedded_at,
			source_version = excluded.source_version,
			synced_at = excluded.synced_at,
			updated_at = excluded.updated_at
	`
	_, err = q.ExecContext(ctx, query,
		product.ID, product.Name, product.Category, string(tags), product.Price.String(),
		product.Available, product.Active,
		textnorm.SearchText(product.Name, product.Category, product.Tags), product.ContentHash,
		embedding, embeddingDim, embeddedAt, nullString(product.SourceVersion), syncedAt,
		product.CreatedAt.UTC(), now)
	if err != nil {
		return fmt.Errorf("failed to upsert product %s: %w", product.ID, err)
	}
	return nil
}

func (s *SQLiteStorage) UpsertProduct(ctx context.Context, product *types.Product) error {
	return s.upsertProductWithQuerier(ctx, s.db, product)
}

// FindByIDs returns the stored products among ids. Unknown ids are skipped.
func (s *SQLiteStorage) FindByIDs(ctx context.Context, ids []string) ([]*types.Product, error) {
	return s.findByIDsWithQuerier(ctx, s.db, ids)
}

func (s *SQLiteStorage) findByIDsWithQuerier(ctx context.Context, q querier, ids []string) ([]*types.Product, error) {
	products := make([]*types.Product, 0, len(ids))
	for start := 0; start < len(ids); start += maxInParams {
		end := start + maxInParams
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		query := `SELECT ` + productColumns + ` FROM products WHERE id IN (` + placeholders(len(batch)) + `)`
		rows, err := q.QueryContext(ctx, query, stringArgs(batch)...)
		if err != nil {
			return nil, fmt.Errorf("%w: find products: %w", types.ErrStoreUnavailable, err)
		}
		found, err := scanProducts(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, found...)
	}
	return products, nil
}

// touchSyncedWithQuerier stamps products seen by a sync run without rewriting them
func (s *SQLiteStorage) touchSyncedWithQuerier(ctx context.Context, q querier, ids []string, version string, at time.Time) error {
	for start := 0; start < len(ids); start += maxInParams {
		end := start + maxInParams
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		args := append([]interface{}{version, at.UTC()}, stringArgs(batch)...)
		query := `UPDATE products SET source_version = ?, synced_at = ? WHERE id IN (` + placeholders(len(batch)) + `)`
		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to touch products: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStorage) TouchSynced(ctx context.Context, ids []string, version string, at time.Time) error {
	return s.touchSyncedWithQuerier(ctx, s.db, ids, version, at)
}

// DeactivateMissing marks active products that the sync run identified by
// version did not see as inactive
func (s *SQLiteStorage) DeactivateMissing(ctx context.Context, version string, at time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE products SET active = 0, updated_at = ?
		WHERE active = 1 AND (source_version IS NULL OR source_version <> ?)
	`, at.UTC(), version)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate missing products: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Search operations

// SimilaritySearch scans embedded products, scores them by cosine similarity
// and returns the best matches at or above minSimilarity
func (s *SQLiteStorage) SimilaritySearch(ctx context.Context, vector []float32, limit int, minSimilarity float64, filters *SearchFilters) ([]ScoredProduct, error) {
	if len(vector) != s.dimension {
		return nil, fmt.Errorf("%w: query has %d values, catalog expects %d", types.ErrDimensionMismatch, len(vector), s.dimension)
	}

	query := `SELECT id, embedding FROM products WHERE embedding IS NOT NULL`
	if !filters.includeInactive() {
		query += ` AND active = 1`
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: vector scan: %w", types.ErrStoreUnavailable, err)
	}
	candidates, err := computeSimilarityScores(rows, vector, minSimilarity)
	if err != nil {
		return nil, fmt.Errorf("%w: vector scan: %w", types.ErrStoreUnavailable, err)
	}

	sortCandidates(candidates)
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.id
	}
	products, err := s.FindByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	return orderByIDs(products, candidates), nil
}

// computeSimilarityScores processes rows and computes cosine similarity
func computeSimilarityScores(rows *sql.Rows, queryVector []float32, minSimilarity float64) ([]candidate, error) {
	defer func() { _ = rows.Close() }()
	candidates := make([]candidate, 0, 256)

	for rows.Next() {
		var id string
		var vectorBlob []byte
		if err := rows.Scan(&id, &vectorBlob); err != nil {
			return nil, err
		}

		vector := deserializeVector(vectorBlob)
		if len(vector) != len(queryVector) {
			continue
		}

		similarity := clampUnit(cosineSimilarity(queryVector, vector))
		if similarity < minSimilarity {
			continue
		}

		candidates = append(candidates, candidate{id: id, score: similarity})
	}

	return candidates, rows.Err()
}

// LexicalSearch finds candidates through the trigram FTS index (or a LIKE scan
// for queries too short to form trigrams) and ranks them by text similarity
func (s *SQLiteStorage) LexicalSearch(ctx context.Context, query string, limit int, filters *SearchFilters) ([]ScoredProduct, error) {
	folded := textnorm.Fold(query)
	if folded == "" {
		return nil, nil
	}

	activeClause := ""
	if !filters.includeInactive() {
		activeClause = " AND p.active = 1"
	}

	var (
		rows *sql.Rows
		err  error
	)
	if grams := queryTrigrams(folded); len(grams) > 0 {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+prefixColumns("p")+`
			FROM products_fts
			JOIN products p ON p.rowid = products_fts.rowid
			WHERE products_fts MATCH ?`+activeClause+`
			ORDER BY bm25(products_fts)
			LIMIT ?`, buildFTSMatch(grams), lexicalCandidateLimit(limit))
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+prefixColumns("p")+`
			FROM products p
			WHERE p.search_text LIKE ? ESCAPE '\'`+activeClause+`
			LIMIT ?`, "%"+escapeLike(folded)+"%", lexicalCandidateLimit(limit))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: lexical search: %w", types.ErrStoreUnavailable, err)
	}

	products, err := scanProducts(rows)
	if err != nil {
		return nil, fmt.Errorf("%w: lexical search: %w", types.ErrStoreUnavailable, err)
	}
	return rescoreLexical(folded, products, limit), nil
}

// Status operations

func (s *SQLiteStorage) GetStatus(ctx context.Context) (*CatalogStatus, error) {
	status := &CatalogStatus{
		Backend:   BackendSQLite,
		Dimension: s.dimension,
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN active = 1 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN embedding IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM products
	`).Scan(&status.Products, &status.ActiveProducts, &status.Embedded)
	if err != nil {
		return status, fmt.Errorf("%w: status: %w", types.ErrStoreUnavailable, err)
	}
	status.Health.DatabaseAccessible = true

	var lastSynced sql.NullTime
	err = s.db.QueryRowContext(ctx, `SELECT synced_at FROM products WHERE synced_at IS NOT NULL ORDER BY synced_at DESC LIMIT 1`).Scan(&lastSynced)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return status, fmt.Errorf("status last sync: %w", err)
	}
	if lastSynced.Valid {
		t := lastSynced.Time
		status.LastSyncedAt = &t
	}

	var name string
	err = s.db.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name='products_fts'").Scan(&name)
	status.Health.LexicalIndexBuilt = err == nil
	// Vector search is a full scan in Go; it is available whenever the table is
	status.Health.VectorIndexBuilt = true

	if v, err := SchemaVersion(ctx, s.db); err == nil {
		status.SchemaVersion = v
	}

	return status, nil
}

// Helpers

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProduct(row rowScanner) (*types.Product, error) {
	var (
		p          types.Product
		tagsJSON   string
		price      string
		embedding  []byte
		embeddedAt sql.NullTime
		sourceVer  sql.NullString
		syncedAt   sql.NullTime
	)
	err := row.Scan(&p.ID, &p.Name, &p.Category, &tagsJSON, &price, &p.Available, &p.Active, &p.ContentHash,
		&embedding, &embeddedAt, &sourceVer, &syncedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if tagsJSON != "" {
		if err := json.Unmarshal([]byte(tagsJSON), &p.Tags); err != nil {
			return nil, fmt.Errorf("decode tags of %s: %w", p.ID, err)
		}
	}
	if len(p.Tags) == 0 {
		p.Tags = nil
	}
	p.Price, err = decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("decode price of %s: %w", p.ID, err)
	}
	if len(embedding) > 0 {
		p.Embedding = deserializeVector(embedding)
	}
	if embeddedAt.Valid {
		t := embeddedAt.Time
		p.EmbeddedAt = &t
	}
	p.SourceVersion = sourceVer.String
	if syncedAt.Valid {
		p.SyncedAt = syncedAt.Time
	}
	return &p, nil
}

func scanProducts(rows *sql.Rows) ([]*types.Product, error) {
	defer func() { _ = rows.Close() }()
	var products []*types.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// prefixColumns qualifies productColumns with a table alias
func prefixColumns(alias string) string {
	cols := strings.Split(productColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func stringArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
