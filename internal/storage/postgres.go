package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/sanchirEs/mns-chatbot-sub001/internal/textnorm"
	"github.com/sanchirEs/mns-chatbot-sub001/pkg/types"
)

// BackendPostgres names the PostgreSQL backend in status output
const BackendPostgres = "postgres"

const pgProductColumns = `id, name, category, tags, price::text, available, active, content_hash,
	embedding::text, embedded_at, source_version, synced_at, created_at, updated_at`

// PostgresStorage implements the Store interface on PostgreSQL with the
// pgvector and pg_trgm extensions
type PostgresStorage struct {
	pool      *pgxpool.Pool
	dimension int
}

// pgQuerier is implemented by both *pgxpool.Pool and pgx.Tx
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPostgresStorage connects, migrates and verifies the embedding dimension
func NewPostgresStorage(ctx context.Context, dsn string, dimension int, maxConns int32) (*PostgresStorage, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive, got %d", types.ErrDimensionMismatch, dimension)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := ApplyPostgresMigrations(ctx, pool, dimension); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	s := &PostgresStorage{pool: pool, dimension: dimension}
	if err := s.ensureDimension(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStorage) ensureDimension(ctx context.Context) error {
	var stored string
	err := s.pool.QueryRow(ctx, `SELECT value FROM catalog_meta WHERE key = $1`, metaDimensionKey).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		_, err = s.pool.Exec(ctx, `INSERT INTO catalog_meta (key, value) VALUES ($1, $2)`, metaDimensionKey, strconv.Itoa(s.dimension))
		if err != nil {
			return fmt.Errorf("failed to record embedding dimension: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read embedding dimension: %w", err)
	}
	if stored != strconv.Itoa(s.dimension) {
		return fmt.Errorf("%w: catalog stores %s-dimensional vectors, configured %d", types.ErrDimensionMismatch, stored, s.dimension)
	}
	return nil
}

func (s *PostgresStorage) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStorage) Dimension() int {
	return s.dimension
}

func (s *PostgresStorage) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %w", types.ErrStoreUnavailable, err)
	}
	return &postgresTx{tx: tx, ctx: ctx, storage: s}, nil
}

// postgresTx adapts pgx.Tx to the context-free Commit/Rollback of Tx
type postgresTx struct {
	tx      pgx.Tx
	ctx     context.Context
	storage *PostgresStorage
}

func (t *postgresTx) Commit() error {
	return t.tx.Commit(t.ctx)
}

func (t *postgresTx) Rollback() error {
	// Use a fresh context so a cancelled batch still releases its connection
	return t.tx.Rollback(context.WithoutCancel(t.ctx))
}

func (t *postgresTx) UpsertProduct(ctx context.Context, product *types.Product) error {
	return t.storage.upsertProductWithQuerier(ctx, t.tx, product)
}

func (t *postgresTx) TouchSynced(ctx context.Context, ids []string, version string, at time.Time) error {
	return t.storage.touchSyncedWithQuerier(ctx, t.tx, ids, version, at)
}

// Product operations

func (s *PostgresStorage) upsertProductWithQuerier(ctx context.Context, q pgQuerier, product *types.Product) error {
	if err := validateProduct(product, s.dimension); err != nil {
		return err
	}
	if product.ContentHash == "" {
		product.ContentHash = product.ComputeContentHash()
	}

	var embedding *string
	var embeddedAt *time.Time
	if product.HasEmbedding() {
		v := formatPGVector(product.Embedding)
		embedding = &v
		embeddedAt = product.EmbeddedAt
	}
	var syncedAt *time.Time
	if !product.SyncedAt.IsZero() {
		syncedAt = &product.SyncedAt
	}

	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now

	_, err := q.Exec(ctx, `
		INSERT INTO products (id, name, category, tags, price, available, active, search_text, content_hash,
		                      embedding, embedded_at, source_version, synced_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10::vector, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			category = EXCLUDED.category,
			tags = EXCLUDED.tags,
			price = EXCLUDED.price,
			available = EXCLUDED.available,
			active = EXCLUDED.active,
			search_text = EXCLUDED.search_text,
			content_hash = EXCLUDED.content_hash,
			embedding = EXCLUDED.embedding,
			embedded_at = EXCLUDED.embedded_at,
			source_version = EXCLUDED.source_version,
			synced_at = EXCLUDED.synced_at,
			updated_at = EXCLUDED.updated_at
	`,
		product.ID, product.Name, product.Category, nonNilTags(product.Tags), product.Price.String(),
		product.Available, product.Active, textnorm.SearchText(product.Name, product.Category, product.Tags),
		product.ContentHash, embedding, embeddedAt, nullString(product.SourceVersion), syncedAt,
		product.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("failed to upsert product %s: %w", product.ID, err)
	}
	return nil
}

func (s *PostgresStorage) UpsertProduct(ctx context.Context, product *types.Product) error {
	return s.upsertProductWithQuerier(ctx, s.pool, product)
}

func (s *PostgresStorage) FindByIDs(ctx context.Context, ids []string) ([]*types.Product, error) {
	if len(ids) == 0 {
		return []*types.Product{}, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT `+pgProductColumns+` FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("%w: find products: %w", types.ErrStoreUnavailable, err)
	}
	return scanPGProducts(rows, nil)
}

func (s *PostgresStorage) touchSyncedWithQuerier(ctx context.Context, q pgQuerier, ids []string, version string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := q.Exec(ctx, `UPDATE products SET source_version = $1, synced_at = $2 WHERE id = ANY($3)`, version, at.UTC(), ids)
	if err != nil {
		return fmt.Errorf("failed to touch products: %w", err)
	}
	return nil
}

func (s *PostgresStorage) TouchSynced(ctx context.Context, ids []string, version string, at time.Time) error {
	return s.touchSyncedWithQuerier(ctx, s.pool, ids, version, at)
}

func (s *PostgresStorage) DeactivateMissing(ctx context.Context, version string, at time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE products SET active = FALSE, updated_at = $1
		WHERE active AND (source_version IS NULL OR source_version <> $2)
	`, at.UTC(), version)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate missing products: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Search operations

// SimilaritySearch orders by pgvector cosine distance so the HNSW index can
// serve the scan
func (s *PostgresStorage) SimilaritySearch(ctx context.Context, vector []float32, limit int, minSimilarity float64, filters *SearchFilters) ([]ScoredProduct, error) {
	if len(vector) != s.dimension {
		return nil, fmt.Errorf("%w: query has %d values, catalog expects %d", types.ErrDimensionMismatch, len(vector), s.dimension)
	}
	if limit <= 0 {
		limit = lexicalCandidateLimit(0)
	}

	query := `SELECT ` + pgProductColumns + `, 1 - (embedding <=> $1::vector) AS similarity
		FROM products WHERE embedding IS NOT NULL`
	if !filters.includeInactive() {
		query += ` AND active`
	}
	query += ` ORDER BY embedding <=> $1::vector LIMIT $2`

	rows, err := s.pool.Query(ctx, query, formatPGVector(vector), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: vector search: %w", types.ErrStoreUnavailable, err)
	}

	var scores []float64
	products, err := scanPGProducts(rows, &scores)
	if err != nil {
		return nil, fmt.Errorf("%w: vector search: %w", types.ErrStoreUnavailable, err)
	}

	results := make([]ScoredProduct, 0, len(products))
	for i, p := range products {
		score := clampUnit(scores[i])
		if score < minSimilarity {
			continue
		}
		results = append(results, ScoredProduct{Product: p, Score: score})
	}
	return results, nil
}

// LexicalSearch gathers candidates with pg_trgm word similarity and substring
// matching, then ranks them with the shared text similarity
func (s *PostgresStorage) LexicalSearch(ctx context.Context, query string, limit int, filters *SearchFilters) ([]ScoredProduct, error) {
	folded := textnorm.Fold(query)
	if folded == "" {
		return nil, nil
	}
	variants := textnorm.Variants(folded)
	alt := variants[len(variants)-1]

	sql := `SELECT ` + pgProductColumns + ` FROM products
		WHERE ($1 <% search_text OR $2 <% search_text OR search_text ILIKE $3 OR search_text ILIKE $4)`
	if !filters.includeInactive() {
		sql += ` AND active`
	}
	sql += ` ORDER BY greatest(word_similarity($1, search_text), word_similarity($2, search_text)) DESC, id LIMIT $5`

	rows, err := s.pool.Query(ctx, sql, folded, alt,
		"%"+escapeLike(folded)+"%", "%"+escapeLike(alt)+"%", lexicalCandidateLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("%w: lexical search: %w", types.ErrStoreUnavailable, err)
	}
	products, err := scanPGProducts(rows, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: lexical search: %w", types.ErrStoreUnavailable, err)
	}
	return rescoreLexical(folded, products, limit), nil
}

// Status operations

func (s *PostgresStorage) GetStatus(ctx context.Context) (*CatalogStatus, error) {
	status := &CatalogStatus{
		Backend:   BackendPostgres,
		Dimension: s.dimension,
	}

	var lastSynced *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE active),
		       COUNT(*) FILTER (WHERE embedding IS NOT NULL),
		       MAX(synced_at)
		FROM products
	`).Scan(&status.Products, &status.ActiveProducts, &status.Embedded, &lastSynced)
	if err != nil {
		return status, fmt.Errorf("%w: status: %w", types.ErrStoreUnavailable, err)
	}
	status.Health.DatabaseAccessible = true
	status.LastSyncedAt = lastSynced

	err = s.pool.QueryRow(ctx, `
		SELECT
			EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_products_search_trgm'),
			EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_products_embedding_hnsw')
	`).Scan(&status.Health.LexicalIndexBuilt, &status.Health.VectorIndexBuilt)
	if err != nil {
		return status, fmt.Errorf("status indexes: %w", err)
	}

	if v, err := postgresSchemaVersion(ctx, s.pool); err == nil {
		status.SchemaVersion = v
	}
	return status, nil
}

// scanPGProducts reads product rows. When scores is non-nil every row carries
// one trailing float column that is collected into it.
func scanPGProducts(rows pgx.Rows, scores *[]float64) ([]*types.Product, error) {
	defer rows.Close()

	var products []*types.Product
	for rows.Next() {
		var (
			p          types.Product
			price      string
			embedding  *string
			embeddedAt *time.Time
			sourceVer  *string
			syncedAt   *time.Time
			score      float64
		)
		dest := []any{&p.ID, &p.Name, &p.Category, &p.Tags, &price, &p.Available, &p.Active, &p.ContentHash,
			&embedding, &embeddedAt, &sourceVer, &syncedAt, &p.CreatedAt, &p.UpdatedAt}
		if scores != nil {
			dest = append(dest, &score)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}

		var err error
		if p.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("decode price of %s: %w", p.ID, err)
		}
		if embedding != nil {
			if p.Embedding, err = parsePGVector(*embedding); err != nil {
				return nil, fmt.Errorf("decode embedding of %s: %w", p.ID, err)
			}
		}
		if len(p.Tags) == 0 {
			p.Tags = nil
		}
		p.EmbeddedAt = embeddedAt
		if sourceVer != nil {
			p.SourceVersion = *sourceVer
		}
		if syncedAt != nil {
			p.SyncedAt = *syncedAt
		}

		products = append(products, &p)
		if scores != nil {
			*scores = append(*scores, score)
		}
	}
	return products, rows.Err()
}
