package storage

import (
	"context"
	"time"

	"github.com/sanchirEs/mns-chatbot-sub001/pkg/types"
)

// Store persists the product catalog and answers the two retrieval signals.
// Implementations are safe for concurrent use.
type Store interface {
	// Product operations
	UpsertProduct(ctx context.Context, product *types.Product) error
	FindByIDs(ctx context.Context, ids []string) ([]*types.Product, error)
	TouchSynced(ctx context.Context, ids []string, version string, at time.Time) error
	DeactivateMissing(ctx context.Context, version string, at time.Time) (int, error)

	// Search operations
	SimilaritySearch(ctx context.Context, vector []float32, limit int, minSimilarity float64, filters *SearchFilters) ([]ScoredProduct, error)
	LexicalSearch(ctx context.Context, query string, limit int, filters *SearchFilters) ([]ScoredProduct, error)

	// Status operations
	GetStatus(ctx context.Context) (*CatalogStatus, error)
	Dimension() int

	// Database operations
	BeginTx(ctx context.Context) (Tx, error)
	Close() error
}

// Tx groups the writes of one sync batch. A batch is either fully applied or
// not at all.
type Tx interface {
	UpsertProduct(ctx context.Context, product *types.Product) error
	TouchSynced(ctx context.Context, ids []string, version string, at time.Time) error
	Commit() error
	Rollback() error
}

// SearchFilters narrows both retrieval signals
type SearchFilters struct {
	IncludeInactive bool
}

func (f *SearchFilters) includeInactive() bool {
	return f != nil && f.IncludeInactive
}

// ScoredProduct is a retrieval candidate with a signal score in [0, 1]
type ScoredProduct struct {
	Product *types.Product
	Score   float64
}

// CatalogStatus contains statistics about the stored catalog
type CatalogStatus struct {
	Backend        string       `json:"backend"`
	Products       int          `json:"products"`
	ActiveProducts int          `json:"active_products"`
	Embedded       int          `json:"embedded"`
	Dimension      int          `json:"dimension"`
	SchemaVersion  string       `json:"schema_version"`
	LastSyncedAt   *time.Time   `json:"last_synced_at,omitempty"`
	Health         HealthStatus `json:"health"`
}

// HealthStatus represents the health of the store
type HealthStatus struct {
	DatabaseAccessible bool `json:"database_accessible"`
	LexicalIndexBuilt  bool `json:"lexical_index_built"`
	VectorIndexBuilt   bool `json:"vector_index_built"`
}
