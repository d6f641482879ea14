package searcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanchirEs/mns-chatbot-sub001/internal/cache"
	"github.com/sanchirEs/mns-chatbot-sub001/internal/embedder"
	"github.com/sanchirEs/mns-chatbot-sub001/internal/storage"
	"github.com/sanchirEs/mns-chatbot-sub001/pkg/types"
)

const testDim = 2

// mockEmbedder returns a fixed query vector, or err when set
type mockEmbedder struct {
	vector []float32
	err    error
	calls  atomic.Int32
}

func (m *mockEmbedder) GenerateEmbedding(ctx context.Context, req embedder.EmbeddingRequest) (*embedder.Embedding, error) {
	m.calls.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	return &embedder.Embedding{Vector: m.vector, Dimension: len(m.vector), Provider: "mock", Model: "mock-model"}, nil
}

func (m *mockEmbedder) GenerateBatch(ctx context.Context, req embedder.BatchEmbeddingRequest) (*embedder.BatchEmbeddingResponse, error) {
	resp := &embedder.BatchEmbeddingResponse{Provider: "mock", Model: "mock-model"}
	for _, text := range req.Texts {
		emb, err := m.GenerateEmbedding(ctx, embedder.EmbeddingRequest{Text: text})
		if err != nil {
			return nil, err
		}
		resp.Embeddings = append(resp.Embeddings, emb)
	}
	return resp, nil
}

func (m *mockEmbedder) Dimension() int   { return testDim }
func (m *mockEmbedder) Provider() string { return "mock" }
func (m *mockEmbedder) Model() string    { return "mock-model" }
func (m *mockEmbedder) Close() error     { return nil }

// countingStore wraps a real store, counts search calls and injects faults
type countingStore struct {
	storage.Store
	vectorCalls  atomic.Int32
	lexicalCalls atomic.Int32

	lexicalErr   error
	lexicalDelay time.Duration
	lexicalPanic bool
}

func (c *countingStore) SimilaritySearch(ctx context.Context, vector []float32, limit int, minSimilarity float64, filters *storage.SearchFilters) ([]storage.ScoredProduct, error) {
	c.vectorCalls.Add(1)
	return c.Store.SimilaritySearch(ctx, vector, limit, minSimilarity, filters)
}

func (c *countingStore) LexicalSearch(ctx context.Context, query string, limit int, filters *storage.SearchFilters) ([]storage.ScoredProduct, error) {
	c.lexicalCalls.Add(1)
	if c.lexicalPanic {
		panic("index corrupted")
	}
	if c.lexicalDelay > 0 {
		select {
		case <-time.After(c.lexicalDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.lexicalErr != nil {
		return nil, c.lexicalErr
	}
	return c.Store.LexicalSearch(ctx, query, limit, filters)
}

type fixture struct {
	store    *countingStore
	embedder *mockEmbedder
	cache    *cache.Memory
	searcher *Searcher
}

func setupTestSearcher(t *testing.T, config Config, products ...*types.Product) *fixture {
	t.Helper()
	sqlite, err := storage.NewSQLiteStorage(":memory:", testDim)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	ctx := context.Background()
	for _, p := range products {
		require.NoError(t, sqlite.UpsertProduct(ctx, p))
	}

	f := &fixture{
		store:    &countingStore{Store: sqlite},
		embedder: &mockEmbedder{vector: []float32{1, 0}},
		cache:    cache.NewMemory(100),
	}
	f.searcher = New(f.store, f.embedder, f.cache, config, nil)
	return f
}

func product(id, name string, available int64, vec ...float32) *types.Product {
	p := &types.Product{
		ID:        id,
		Name:      name,
		Price:     decimal.NewFromInt(2500),
		Available: available,
		Active:    true,
	}
	if len(vec) > 0 {
		p.Embedding = vec
		now := time.Now()
		p.EmbeddedAt = &now
	}
	return p
}

func resultIDs(resp *types.SearchResponse) []string {
	ids := make([]string, len(resp.Products))
	for i, r := range resp.Products {
		ids[i] = r.Product.ID
	}
	return ids
}

func TestSearch_ParacetamolScenario(t *testing.T) {
	f := setupTestSearcher(t, DefaultConfig(),
		product("para-400", "Paracetamol 400mg", 120, 1, 0),
		product("brush", "Toothbrush soft", 50, -0.6, -0.8),
	)
	// cosine([1,0], q) = 0.82
	f.embedder.vector = []float32{0.82, 0.5724}

	resp, err := f.searcher.Search(context.Background(), "paracetamol 400", types.SearchOptions{Limit: 5, Threshold: 0.3})
	require.NoError(t, err)

	require.NotEmpty(t, resp.Products)
	top := resp.Products[0]
	assert.Equal(t, "para-400", top.Product.ID)
	assert.Equal(t, types.InStock, top.StockStatus)
	assert.Equal(t, "In stock", top.StockLabel)
	assert.Equal(t, types.MatchBoth, top.MatchedBy)
	assert.InDelta(t, 0.82, top.VectorScore, 0.001)
	assert.Equal(t, 1, top.Rank)
	assert.Equal(t, "2,500₮", top.DisplayPrice)
	assert.NoError(t, top.Validate())

	assert.True(t, resp.Metadata.UsedVectorSearch)
	assert.True(t, resp.Metadata.UsedLexicalSearch)
	assert.False(t, resp.Metadata.Degraded)
	assert.Equal(t, 0.3, resp.Metadata.ThresholdApplied)
	assert.Equal(t, "paracetamol 400", resp.Query)
	assert.NotContains(t, resultIDs(resp), "brush")
}

func TestSearch_DegradedProviderFallsBackToLexical(t *testing.T) {
	f := setupTestSearcher(t, DefaultConfig(),
		product("para-400", "Paracetamol 400mg", 120, 1, 0),
	)
	f.embedder.err = fmt.Errorf("%w: 503 after 3 attempts", embedder.ErrProviderUnavailable)

	opts := types.SearchOptions{Limit: 5, Threshold: 0.3}
	resp, err := f.searcher.Search(context.Background(), "paracetamol 400", opts)
	require.NoError(t, err)

	assert.Equal(t, []string{"para-400"}, resultIDs(resp))
	assert.Equal(t, types.MatchLexical, resp.Products[0].MatchedBy)
	assert.True(t, resp.Metadata.Degraded)
	assert.False(t, resp.Metadata.UsedVectorSearch)
	assert.True(t, resp.Metadata.UsedLexicalSearch)
	assert.Equal(t, []string{"vector: embedding unavailable"}, resp.Metadata.DegradedReasons)

	// Degraded responses are not cached
	_, err = f.searcher.Search(context.Background(), "paracetamol 400", opts)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.store.lexicalCalls.Load())
}

func TestSearch_BothSignalsFail(t *testing.T) {
	f := setupTestSearcher(t, DefaultConfig(), product("a", "Aspirin", 1, 1, 0))
	f.embedder.err = embedder.ErrRateLimited
	f.store.lexicalErr = fmt.Errorf("%w: disk I/O error", types.ErrStoreUnavailable)

	_, err := f.searcher.Search(context.Background(), "aspirin", types.SearchOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrStoreUnavailable)
}

func TestSearch_CacheHit(t *testing.T) {
	f := setupTestSearcher(t, DefaultConfig(),
		product("a", "Aspirin 100mg", 30, 1, 0),
		product("b", "Aspirin cardio", 3, 0.9, 0.1),
	)
	ctx := context.Background()
	opts := types.SearchOptions{Limit: 10, Threshold: 0.2}

	first, err := f.searcher.Search(ctx, "Aspirin", opts)
	require.NoError(t, err)
	assert.False(t, first.Metadata.CacheHit)

	second, err := f.searcher.Search(ctx, "  ASPIRIN ", opts)
	require.NoError(t, err)
	assert.True(t, second.Metadata.CacheHit)

	assert.Equal(t, int32(1), f.embedder.calls.Load(), "embedding client not re-invoked")
	assert.Equal(t, int32(1), f.store.vectorCalls.Load())
	assert.Equal(t, int32(1), f.store.lexicalCalls.Load())

	assert.Equal(t, resultIDs(first), resultIDs(second))
	assert.Equal(t, first.Total, second.Total)
	for i := range first.Products {
		assert.InDelta(t, first.Products[i].Score, second.Products[i].Score, 1e-12)
		assert.Equal(t, first.Products[i].DisplayPrice, second.Products[i].DisplayPrice)
	}

	t.Run("different options miss", func(t *testing.T) {
		_, err := f.searcher.Search(ctx, "aspirin", types.SearchOptions{Limit: 5, Threshold: 0.2})
		require.NoError(t, err)
		assert.Equal(t, int32(2), f.store.lexicalCalls.Load())
	})

	t.Run("invalidation", func(t *testing.T) {
		n, err := f.searcher.InvalidateCache(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		resp, err := f.searcher.Search(ctx, "aspirin", opts)
		require.NoError(t, err)
		assert.False(t, resp.Metadata.CacheHit)
	})
}

func TestSearch_CacheEntryExpires(t *testing.T) {
	config := DefaultConfig()
	config.CacheTTL = 20 * time.Millisecond
	f := setupTestSearcher(t, config, product("a", "Aspirin", 30, 1, 0))
	ctx := context.Background()

	_, err := f.searcher.Search(ctx, "aspirin", types.SearchOptions{})
	require.NoError(t, err)
	time.Sleep(40 * time.Millisecond)

	resp, err := f.searcher.Search(ctx, "aspirin", types.SearchOptions{})
	require.NoError(t, err)
	assert.False(t, resp.Metadata.CacheHit)
	assert.Equal(t, int32(2), f.embedder.calls.Load())
}

func TestSearch_Validation(t *testing.T) {
	f := setupTestSearcher(t, DefaultConfig())
	ctx := context.Background()

	tests := []struct {
		name    string
		query   string
		opts    types.SearchOptions
		wantErr error
	}{
		{"empty", "", types.SearchOptions{}, types.ErrEmptyQuery},
		{"only punctuation", "  ?!. ", types.SearchOptions{}, types.ErrEmptyQuery},
		{"negative limit", "aspirin", types.SearchOptions{Limit: -1}, types.ErrInvalidOptions},
		{"threshold above one", "aspirin", types.SearchOptions{Threshold: 1.5}, types.ErrInvalidOptions},
		{"negative threshold", "aspirin", types.SearchOptions{Threshold: -0.1}, types.ErrInvalidOptions},
		{"NaN threshold", "aspirin", types.SearchOptions{Threshold: math.NaN()}, types.ErrInvalidOptions},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.searcher.Search(ctx, tt.query, tt.opts)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.ErrorIs(t, err, types.ErrValidation)
		})
	}
	assert.Equal(t, int32(0), f.embedder.calls.Load(), "validation happens before any retrieval")
}

func TestSearch_SignalTimeout(t *testing.T) {
	config := DefaultConfig()
	config.SignalTimeout = 30 * time.Millisecond
	f := setupTestSearcher(t, config, product("a", "Aspirin", 30, 1, 0))
	f.store.lexicalDelay = time.Second

	start := time.Now()
	resp, err := f.searcher.Search(context.Background(), "aspirin", types.SearchOptions{})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	assert.True(t, resp.Metadata.Degraded)
	assert.False(t, resp.Metadata.UsedLexicalSearch)
	assert.Equal(t, []string{"lexical: timed out"}, resp.Metadata.DegradedReasons)
	assert.Equal(t, []string{"a"}, resultIDs(resp))
	assert.Equal(t, types.MatchVector, resp.Products[0].MatchedBy)
}

func TestSearch_SignalPanicIsContained(t *testing.T) {
	f := setupTestSearcher(t, DefaultConfig(), product("a", "Aspirin", 30, 1, 0))
	f.store.lexicalPanic = true

	resp, err := f.searcher.Search(context.Background(), "aspirin", types.SearchOptions{})
	require.NoError(t, err)
	assert.True(t, resp.Metadata.Degraded)
	assert.Equal(t, []string{"a"}, resultIDs(resp))
}

func TestSearch_CanceledContext(t *testing.T) {
	f := setupTestSearcher(t, DefaultConfig(), product("a", "Aspirin", 30, 1, 0))
	f.store.lexicalDelay = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := f.searcher.Search(ctx, "aspirin", types.SearchOptions{})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestSearch_FiltersAndLimits(t *testing.T) {
	inactive := product("old", "Aspirin retired", 10, 1, 0)
	inactive.Active = false
	f := setupTestSearcher(t, DefaultConfig(),
		product("a1", "Aspirin 100mg", 0, 1, 0),
		product("a2", "Aspirin 300mg", 5, 0.95, 0.05),
		product("a3", "Aspirin 500mg", 40, 0.9, 0.1),
		inactive,
	)
	ctx := context.Background()

	t.Run("inactive hidden by default", func(t *testing.T) {
		resp, err := f.searcher.Search(ctx, "aspirin", types.SearchOptions{})
		require.NoError(t, err)
		assert.NotContains(t, resultIDs(resp), "old")
		assert.Contains(t, resultIDs(resp), "a1", "out-of-stock kept but flagged")
		for _, r := range resp.Products {
			if r.Product.ID == "a1" {
				assert.Equal(t, types.OutOfStock, r.StockStatus)
			}
			if r.Product.ID == "a2" {
				assert.Equal(t, types.LowStock, r.StockStatus)
			}
		}
	})

	t.Run("include inactive", func(t *testing.T) {
		resp, err := f.searcher.Search(ctx, "aspirin", types.SearchOptions{IncludeInactive: true})
		require.NoError(t, err)
		assert.Contains(t, resultIDs(resp), "old")
	})

	t.Run("limit truncates after counting", func(t *testing.T) {
		resp, err := f.searcher.Search(ctx, "aspirin", types.SearchOptions{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, resp.Products, 1)
		assert.Equal(t, 3, resp.Total)
	})

	t.Run("threshold", func(t *testing.T) {
		resp, err := f.searcher.Search(ctx, "aspirin", types.SearchOptions{Threshold: 1})
		require.NoError(t, err)
		assert.Empty(t, resp.Products)
		assert.Equal(t, 0, resp.Total)
	})
}

func TestSearch_HideOutOfStock(t *testing.T) {
	config := DefaultConfig()
	config.HideOutOfStock = true
	f := setupTestSearcher(t, config,
		product("a1", "Aspirin 100mg", 0, 1, 0),
		product("a3", "Aspirin 500mg", 40, 0.9, 0.1),
	)

	resp, err := f.searcher.Search(context.Background(), "aspirin", types.SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a3"}, resultIDs(resp))
}

func TestSearch_Properties(t *testing.T) {
	var products []*types.Product
	names := []string{"Aspirin", "Paracetamol", "Ibuprofen", "Vitamin C", "Vitamin D3", "Bandage", "Cough syrup", "Nasal spray"}
	for i := 0; i < 24; i++ {
		name := fmt.Sprintf("%s %dmg", names[i%len(names)], (i+1)*50)
		angle := float32(i) / 24
		p := product(fmt.Sprintf("p%02d", i), name, int64(i%7), 1-angle, angle)
		p.Active = i%5 != 0
		products = append(products, p)
	}
	f := setupTestSearcher(t, DefaultConfig(), products...)

	queries := []string{"aspirin", "vitamin", "paracetomol 500", "spray", "ibuprofen 400mg", "xyz"}
	for _, q := range queries {
		for _, limit := range []int{1, 3, 10} {
			for _, threshold := range []float64{0, 0.3, 0.6} {
				opts := types.SearchOptions{Limit: limit, Threshold: threshold}
				resp, err := f.searcher.Search(context.Background(), q, opts)
				require.NoError(t, err)

				assert.LessOrEqual(t, len(resp.Products), limit)
				assert.GreaterOrEqual(t, resp.Total, len(resp.Products))
				for i, r := range resp.Products {
					assert.GreaterOrEqual(t, r.Score, threshold)
					assert.True(t, r.Product.Active)
					assert.Equal(t, i+1, r.Rank)
					assert.NoError(t, r.Validate())
					if i > 0 {
						assert.LessOrEqual(t, r.Score, resp.Products[i-1].Score)
					}
				}
			}
		}
	}
}

func TestSearch_LimitClamped(t *testing.T) {
	config := DefaultConfig()
	config.MaxLimit = 2
	f := setupTestSearcher(t, config,
		product("a", "Aspirin 1", 1, 1, 0),
		product("b", "Aspirin 2", 1, 1, 0),
		product("c", "Aspirin 3", 1, 1, 0),
	)

	resp, err := f.searcher.Search(context.Background(), "aspirin", types.SearchOptions{Limit: 50})
	require.NoError(t, err)
	assert.Len(t, resp.Products, 2)
}

func TestFuse(t *testing.T) {
	s := New(nil, nil, nil, DefaultConfig(), nil)
	both := &types.Product{ID: "both", Name: "Both"}
	vec := &types.Product{ID: "vec", Name: "Vec"}
	lex := &types.Product{ID: "lex", Name: "Lex"}

	fused := s.fuse(
		[]storage.ScoredProduct{{Product: both, Score: 0.9}, {Product: vec, Score: 0.9}},
		[]storage.ScoredProduct{{Product: both, Score: 0.5}, {Product: lex, Score: 1.0}},
	)
	require.Len(t, fused, 3)

	scores := make(map[string]*fusedResult)
	for _, f := range fused {
		scores[f.product.ID] = f
	}
	assert.InDelta(t, 0.78, scores["both"].score, 1e-9)
	assert.InDelta(t, 0.72, scores["vec"].score, 1e-9)
	assert.InDelta(t, 0.80, scores["lex"].score, 1e-9)
	assert.Equal(t, types.MatchBoth, scores["both"].matchedBy())
	assert.Equal(t, types.MatchVector, scores["vec"].matchedBy())
	assert.Equal(t, types.MatchLexical, scores["lex"].matchedBy())

	assert.Equal(t, "lex", fused[0].product.ID)
	assert.Equal(t, "both", fused[1].product.ID)
	assert.Equal(t, "vec", fused[2].product.ID)
}

func TestFuse_ScoresClamped(t *testing.T) {
	s := New(nil, nil, nil, DefaultConfig(), nil)
	p := &types.Product{ID: "p", Name: "P"}

	fused := s.fuse([]storage.ScoredProduct{{Product: p, Score: 1.7}}, []storage.ScoredProduct{{Product: p, Score: -0.2}})
	require.Len(t, fused, 1)
	assert.InDelta(t, 0.7, fused[0].score, 1e-9)
}

func TestSortFused_TieBreaks(t *testing.T) {
	results := []*fusedResult{
		{product: &types.Product{ID: "c", Name: "Aspirin", Available: 5}, score: 0.5},
		{product: &types.Product{ID: "b", Name: "Aspirin", Available: 5}, score: 0.5},
		{product: &types.Product{ID: "long", Name: "Aspirin tablets", Available: 5}, score: 0.5},
		{product: &types.Product{ID: "stocked", Name: "Aspirin tablets", Available: 50}, score: 0.5},
		{product: &types.Product{ID: "top", Name: "Aspirin tablets", Available: 0}, score: 0.9},
	}
	sortFused(results)

	var got []string
	for _, r := range results {
		got = append(got, r.product.ID)
	}
	assert.Equal(t, []string{"top", "stocked", "b", "c", "long"}, got)
}

func TestConfig_WithDefaults(t *testing.T) {
	c := Config{DefaultLimit: 50, MaxLimit: 20, VectorWeight: -1, SingleSignalPenalty: 2, CandidateMultiplier: 1}.withDefaults()
	assert.Equal(t, 20, c.DefaultLimit)
	assert.Equal(t, 0.7, c.VectorWeight)
	assert.Equal(t, 0.3, c.LexicalWeight)
	assert.Equal(t, 0.8, c.SingleSignalPenalty)
	assert.Equal(t, 3, c.CandidateMultiplier)
	assert.Equal(t, 3*time.Second, c.SignalTimeout)
}
