package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanchirEs/mns-chatbot-sub001/internal/config"
	"github.com/sanchirEs/mns-chatbot-sub001/internal/embedder"
	"github.com/sanchirEs/mns-chatbot-sub001/internal/storage"
	"github.com/sanchirEs/mns-chatbot-sub001/pkg/types"
)

const catalogPage = `{"data":{"data":{"items":[
	{"id":"p1","name":"Paracetamol 500mg","category":"Pain relief","price":"2500","quantity":120},
	{"id":"p2","name":"Aspirin 100mg","category":"Pain relief","price":1800,"quantity":4},
	{"id":"p3","name":"Vitamin C 1000mg","category":"Vitamins","price":"12,500","quantity":0}
]}}}`

const emptyPage = `{"data":{"data":{"items":[]}}}`

// upstreamServer serves one catalog page followed by an empty page
func upstreamServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("page") == "1" {
			_, _ = w.Write([]byte(catalogPage))
			return
		}
		_, _ = w.Write([]byte(emptyPage))
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func testConfig(t *testing.T, upstreamURL string) *config.Config {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)

	cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "catalog.db")
	cfg.Embedding.Provider = embedder.ProviderLocal
	cfg.Embedding.Dimension = 64
	cfg.Upstream.BaseURL = upstreamURL
	cfg.Upstream.Path = "/products"
	cfg.Sync.Schedule = ""
	cfg.Retry.BaseDelay = time.Millisecond
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	e, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEngine_SyncThenSearch(t *testing.T) {
	srv, _ := upstreamServer(t)
	e := newTestEngine(t, testConfig(t, srv.URL))
	ctx := context.Background()

	summary, err := e.TriggerSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Created)
	assert.Equal(t, 0, summary.Failed)
	assert.True(t, summary.Completed)
	assert.True(t, summary.CacheInvalidated)

	resp, err := e.Search(ctx, "paracetamol", e.DefaultOptions())
	require.NoError(t, err)
	require.NotEmpty(t, resp.Products)
	top := resp.Products[0]
	assert.Equal(t, "p1", top.Product.ID)
	assert.Equal(t, types.InStock, top.StockStatus)
	assert.Equal(t, "2,500₮", top.DisplayPrice)
	assert.False(t, resp.Metadata.Degraded)

	// Second sync over an unchanged upstream
	again, err := e.TriggerSync(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Created)
	assert.Zero(t, again.Updated)
	assert.Equal(t, 3, again.Unchanged)
	assert.False(t, again.CacheInvalidated)

	cached, err := e.Search(ctx, "paracetamol", e.DefaultOptions())
	require.NoError(t, err)
	assert.True(t, cached.Metadata.CacheHit)
}

func TestEngine_Status(t *testing.T) {
	srv, _ := upstreamServer(t)
	e := newTestEngine(t, testConfig(t, srv.URL))
	ctx := context.Background()

	st, err := e.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Catalog.Products)
	assert.Nil(t, st.LastSync)
	assert.True(t, st.SyncConfigured)
	assert.False(t, st.SyncRunning)
	assert.Equal(t, CacheBackendMemory, st.CacheBackend)
	assert.Equal(t, embedder.ProviderLocal, st.EmbeddingProvider)
	assert.Equal(t, 64, st.EmbeddingDimension)

	_, err = e.TriggerSync(ctx)
	require.NoError(t, err)

	st, err = e.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Catalog.Products)
	assert.Equal(t, 3, st.Catalog.Embedded)
	require.NotNil(t, st.LastSync)
	assert.Equal(t, 3, st.LastSync.Created)
	assert.NotNil(t, st.Catalog.LastSyncedAt)
}

func TestEngine_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	srv, _ := upstreamServer(t)
	cfg := testConfig(t, srv.URL)
	cfg.Redis.Addr = mr.Addr()
	e := newTestEngine(t, cfg)
	ctx := context.Background()

	_, err := e.TriggerSync(ctx)
	require.NoError(t, err)
	_, err = e.Search(ctx, "aspirin", e.DefaultOptions())
	require.NoError(t, err)

	var embKeys, searchKeys int
	for _, k := range mr.Keys() {
		switch {
		case strings.HasPrefix(k, "catalog:emb:"):
			embKeys++
		case strings.HasPrefix(k, "catalog:search:"):
			searchKeys++
		}
	}
	assert.GreaterOrEqual(t, embKeys, 3, "product embeddings shared through redis")
	assert.Equal(t, 1, searchKeys)
	assert.False(t, mr.Exists("catalog:sync:lock"), "lease released after the run")

	st, err := e.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, CacheBackendRedis, st.CacheBackend)
}

func TestEngine_RedisUnreachable(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Redis.Addr = "127.0.0.1:1"

	_, err := New(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache")
}

func TestEngine_SyncNotConfigured(t *testing.T) {
	e := newTestEngine(t, testConfig(t, ""))

	_, err := e.TriggerSync(context.Background())
	assert.ErrorIs(t, err, ErrSyncNotConfigured)
	assert.ErrorIs(t, err, types.ErrSyncUnavailable)

	st, err := e.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.SyncConfigured)
}

func TestEngine_SearchValidation(t *testing.T) {
	e := newTestEngine(t, testConfig(t, ""))

	_, err := e.Search(context.Background(), "   ", e.DefaultOptions())
	assert.ErrorIs(t, err, types.ErrEmptyQuery)
}

func TestEngine_DefaultOptions(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Search.DefaultThreshold = 0.45
	cfg.Search.DefaultLimit = 7
	e := newTestEngine(t, cfg)

	opts := e.DefaultOptions()
	assert.Equal(t, 7, opts.Limit)
	assert.InDelta(t, 0.45, opts.Threshold, 1e-9)
}

func TestAssemble_DimensionMismatch(t *testing.T) {
	store, err := storage.NewSQLiteStorage(":memory:", 8)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = Assemble(Components{Store: store, Embedder: embedder.NewLocalProvider(16, nil)}, nil)
	assert.ErrorIs(t, err, types.ErrDimensionMismatch)
}

func TestAssemble_RequiresComponents(t *testing.T) {
	_, err := Assemble(Components{}, nil)
	assert.Error(t, err)
}

func TestEngine_StoreDimensionChanged(t *testing.T) {
	cfg := testConfig(t, "")
	e, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	cfg.Embedding.Dimension = 128
	_, err = New(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, types.ErrDimensionMismatch)
}

func TestScheduler(t *testing.T) {
	t.Run("run on start", func(t *testing.T) {
		srv, requests := upstreamServer(t)
		cfg := testConfig(t, srv.URL)
		cfg.Sync.Schedule = "@every 1h"
		cfg.Sync.RunOnStart = true
		e := newTestEngine(t, cfg)

		require.NoError(t, e.StartScheduler())
		require.Eventually(t, func() bool {
			st, err := e.Status(context.Background())
			return err == nil && st.LastSync != nil
		}, 5*time.Second, 20*time.Millisecond)
		assert.GreaterOrEqual(t, requests.Load(), int32(2))

		st, err := e.Status(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "@every 1h", st.Schedule)
		require.NotNil(t, st.NextSyncAt)
		assert.True(t, st.NextSyncAt.After(time.Now()))

		assert.Error(t, e.StartScheduler(), "second start is rejected")
		e.StopScheduler()
		e.StopScheduler()

		st, err = e.Status(context.Background())
		require.NoError(t, err)
		assert.Empty(t, st.Schedule)
	})

	t.Run("fires on schedule", func(t *testing.T) {
		srv, requests := upstreamServer(t)
		cfg := testConfig(t, srv.URL)
		cfg.Sync.Schedule = "@every 1s"
		e := newTestEngine(t, cfg)

		require.NoError(t, e.StartScheduler())
		require.Eventually(t, func() bool {
			return requests.Load() >= 2
		}, 5*time.Second, 50*time.Millisecond)
	})

	t.Run("invalid schedule", func(t *testing.T) {
		srv, _ := upstreamServer(t)
		cfg := testConfig(t, srv.URL)
		cfg.Sync.Schedule = "every tuesday"
		e := newTestEngine(t, cfg)

		assert.Error(t, e.StartScheduler())
	})

	t.Run("empty schedule is a no-op", func(t *testing.T) {
		e := newTestEngine(t, testConfig(t, ""))
		assert.NoError(t, e.StartScheduler())
	})

	t.Run("schedule without upstream", func(t *testing.T) {
		cfg := testConfig(t, "")
		cfg.Sync.Schedule = "@every 1h"
		e := newTestEngine(t, cfg)
		assert.ErrorIs(t, e.StartScheduler(), ErrSyncNotConfigured)
	})
}
