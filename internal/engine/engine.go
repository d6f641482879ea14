package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sanchirEs/mns-chatbot-sub001/internal/cache"
	"github.com/sanchirEs/mns-chatbot-sub001/internal/config"
	"github.com/sanchirEs/mns-chatbot-sub001/internal/embedder"
	"github.com/sanchirEs/mns-chatbot-sub001/internal/logger"
	"github.com/sanchirEs/mns-chatbot-sub001/internal/retry"
	"github.com/sanchirEs/mns-chatbot-sub001/internal/searcher"
	"github.com/sanchirEs/mns-chatbot-sub001/internal/storage"
	"github.com/sanchirEs/mns-chatbot-sub001/internal/syncer"
	"github.com/sanchirEs/mns-chatbot-sub001/internal/upstream"
	"github.com/sanchirEs/mns-chatbot-sub001/pkg/types"
)

const (
	// In-process cache capacity when Redis is not configured
	memoryCacheEntries = 10000

	redisNamespace = "catalog:"

	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// ErrSyncNotConfigured is returned by TriggerSync when no upstream is set
var ErrSyncNotConfigured = fmt.Errorf("%w: upstream base url not configured", types.ErrSyncUnavailable)

// Components are the collaborators an Engine is assembled from.
// Source may be nil, which disables TriggerSync.
type Components struct {
	Store    storage.Store
	Embedder embedder.Embedder
	Cache    cache.Cache
	Locker   cache.Locker
	Source   upstream.Source

	CacheBackend     string
	DefaultThreshold float64
	Search           searcher.Config
	Sync             syncer.Config
	Schedule         string
	RunOnStart       bool
}

// Engine is the facade used by the chat and ops layers: Search for queries,
// TriggerSync for catalog refreshes, Status for diagnostics.
type Engine struct {
	store    storage.Store
	embedder embedder.Embedder
	cache    cache.Cache
	source   upstream.Source
	searcher *searcher.Searcher
	syncer   *syncer.Syncer // nil when no upstream is configured

	cacheBackend     string
	defaultThreshold float64
	schedule         string
	runOnStart       bool

	mu        sync.Mutex
	scheduler *scheduler

	lastSync atomic.Pointer[types.SyncSummary]
	log      *logger.Logger
}

// New builds every component from configuration. The caller owns the
// returned Engine and must Close it.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Engine, error) {
	log = logger.OrNop(log)
	policy := retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		Multiplier:  cfg.Retry.Multiplier,
		Jitter:      cfg.Retry.Jitter,
	}

	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}

	emb, err := embedder.New(embedder.Config{
		Provider:  cfg.Embedding.Provider,
		APIKey:    cfg.Embedding.APIKey,
		BaseURL:   cfg.Embedding.BaseURL,
		Model:     cfg.Embedding.Model,
		Dimension: cfg.Embedding.Dimension,
		Timeout:   cfg.Embedding.Timeout,
		CacheSize: cfg.Embedding.CacheSize,
		Retry:     policy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}
	closers = append(closers, emb.Close)

	store, err := storage.Open(ctx, storage.Options{
		Driver:      cfg.Store.Driver,
		SQLitePath:  cfg.Store.SQLitePath,
		PostgresDSN: cfg.Store.PostgresDSN,
		Dimension:   emb.Dimension(),
		MaxConns:    cfg.Store.MaxConns,
	})
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	closers = append(closers, store.Close)

	var (
		cacheStore   cache.Cache
		locker       cache.Locker
		cacheBackend string
	)
	if cfg.Redis.Addr != "" {
		rc, err := cache.NewRedis(ctx, cache.RedisOptions{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Namespace: redisNamespace,
		})
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("failed to initialize cache: %w", err)
		}
		closers = append(closers, rc.Close)
		cacheStore, locker, cacheBackend = rc, rc, CacheBackendRedis

		// Share embeddings across instances
		emb = embedder.NewCachedEmbedder(emb, rc, cfg.Embedding.CacheTTL, log)
	} else {
		mem := cache.NewMemory(memoryCacheEntries)
		closers = append(closers, mem.Close)
		cacheStore, locker, cacheBackend = mem, cache.NewMemoryLocker(), CacheBackendMemory
	}

	var source upstream.Source
	if cfg.Upstream.BaseURL != "" {
		src, err := upstream.NewHTTPSource(upstream.Options{
			BaseURL:    cfg.Upstream.BaseURL,
			Path:       cfg.Upstream.Path,
			Token:      cfg.Upstream.Token,
			Timeout:    cfg.Upstream.Timeout,
			PageParam:  cfg.Upstream.PageParam,
			SizeParam:  cfg.Upstream.SizeParam,
			FromParam:  cfg.Upstream.FromParam,
			ToParam:    cfg.Upstream.ToParam,
			StoreParam: cfg.Upstream.StoreParam,
			Retry:      policy,
		}, log)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("failed to initialize upstream source: %w", err)
		}
		closers = append(closers, src.Close)
		source = src
	}

	e, err := Assemble(Components{
		Store:            store,
		Embedder:         emb,
		Cache:            cacheStore,
		Locker:           locker,
		Source:           source,
		CacheBackend:     cacheBackend,
		DefaultThreshold: cfg.Search.DefaultThreshold,
		Search:           SearchConfig(cfg.Search),
		Sync:             SyncConfig(cfg),
		Schedule:         cfg.Sync.Schedule,
		RunOnStart:       cfg.Sync.RunOnStart,
	}, log)
	if err != nil {
		cleanup()
		return nil, err
	}
	return e, nil
}

// SearchConfig maps SEARCH_* settings onto the searcher
func SearchConfig(c config.SearchConfig) searcher.Config {
	return searcher.Config{
		DefaultLimit:        c.DefaultLimit,
		MaxLimit:            c.MaxLimit,
		VectorWeight:        c.VectorWeight,
		LexicalWeight:       c.LexicalWeight,
		SingleSignalPenalty: c.SingleSignalPenalty,
		CandidateMultiplier: c.CandidateMultiplier,
		MinVectorSimilarity: c.MinVectorSimilarity,
		SignalTimeout:       c.SignalTimeout,
		CacheTTL:            c.CacheTTL,
		HideOutOfStock:      c.HideOutOfStock,
		LowWaterMark:        c.LowWaterMark,
		CurrencySymbol:      c.CurrencySymbol,
		CurrencyDecimals:    c.CurrencyDecimals,
	}
}

// SyncConfig maps UPSTREAM_*, EMBEDDING_* and SYNC_* settings onto the syncer
func SyncConfig(cfg *config.Config) syncer.Config {
	return syncer.Config{
		PageSize:           cfg.Upstream.PageSize,
		MaxPages:           cfg.Upstream.MaxPages,
		FirstPage:          cfg.Upstream.FirstPage,
		StoreID:            cfg.Upstream.StoreID,
		LookbackDays:       cfg.Upstream.LookbackDays,
		EmbedBatchSize:     cfg.Embedding.BatchSize,
		EmbedConcurrency:   cfg.Embedding.Concurrency,
		EmbedRatePerSecond: cfg.Embedding.RatePerSecond,
		LeaseTTL:           cfg.Sync.LeaseTTL,
		DeactivateMissing:  cfg.Sync.DeactivateMissing,
	}
}

// Assemble wires already constructed components. Close releases the store,
// embedder, cache and source it was given.
func Assemble(c Components, log *logger.Logger) (*Engine, error) {
	if c.Store == nil || c.Embedder == nil {
		return nil, errors.New("engine requires a store and an embedder")
	}
	if c.Embedder.Dimension() != c.Store.Dimension() {
		return nil, fmt.Errorf("%w: embedder %s produces %d dimensions, store holds %d",
			types.ErrDimensionMismatch, c.Embedder.Model(), c.Embedder.Dimension(), c.Store.Dimension())
	}
	if math.IsNaN(c.DefaultThreshold) || c.DefaultThreshold < 0 || c.DefaultThreshold > 1 {
		return nil, fmt.Errorf("%w: default threshold %v", types.ErrInvalidOptions, c.DefaultThreshold)
	}

	log = logger.OrNop(log)
	e := &Engine{
		store:            c.Store,
		embedder:         c.Embedder,
		cache:            c.Cache,
		source:           c.Source,
		searcher:         searcher.New(c.Store, c.Embedder, c.Cache, c.Search, log),
		cacheBackend:     c.CacheBackend,
		defaultThreshold: c.DefaultThreshold,
		schedule:         c.Schedule,
		runOnStart:       c.RunOnStart,
		log:              log.With("component", "engine"),
	}
	if c.Source != nil {
		e.syncer = syncer.New(c.Source, c.Store, c.Embedder, c.Cache, c.Locker, c.Sync, log)
	}
	return e, nil
}

// Search runs a hybrid search. The returned error is either a
// types.ErrValidation or types.ErrStoreUnavailable; a lost signal only
// degrades the response.
func (e *Engine) Search(ctx context.Context, query string, opts types.SearchOptions) (*types.SearchResponse, error) {
	return e.searcher.Search(ctx, query, opts)
}

// DefaultOptions returns search options carrying the configured default
// threshold and limit
func (e *Engine) DefaultOptions() types.SearchOptions {
	return types.SearchOptions{
		Limit:     e.searcher.Config().DefaultLimit,
		Threshold: e.defaultThreshold,
	}
}

// TriggerSync runs one sync cycle. A call while another run is in progress
// returns immediately with AlreadyRunning set.
func (e *Engine) TriggerSync(ctx context.Context) (*types.SyncSummary, error) {
	if e.syncer == nil {
		return nil, ErrSyncNotConfigured
	}
	summary, err := e.syncer.Run(ctx)
	if summary != nil && !summary.AlreadyRunning {
		e.lastSync.Store(summary)
	}
	return summary, err
}

// Status reports catalog statistics and runtime state
type Status struct {
	Catalog *storage.CatalogStatus `json:"catalog"`

	EmbeddingProvider  string `json:"embedding_provider"`
	EmbeddingModel     string `json:"embedding_model"`
	EmbeddingDimension int    `json:"embedding_dimension"`

	CacheBackend   string     `json:"cache_backend"`
	SyncConfigured bool       `json:"sync_configured"`
	SyncRunning    bool       `json:"sync_running"`
	Schedule       string     `json:"schedule,omitempty"`
	NextSyncAt     *time.Time `json:"next_sync_at,omitempty"`

	LastSync *types.SyncSummary `json:"last_sync,omitempty"`
}

// Status collects the current engine status
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	catalog, err := e.store.GetStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get catalog status: %w", err)
	}

	st := &Status{
		Catalog:            catalog,
		EmbeddingProvider:  e.embedder.Provider(),
		EmbeddingModel:     e.embedder.Model(),
		EmbeddingDimension: e.embedder.Dimension(),
		CacheBackend:       e.cacheBackend,
		SyncConfigured:     e.syncer != nil,
		LastSync:           e.lastSync.Load(),
	}
	if e.syncer != nil {
		st.SyncRunning = e.syncer.Running()
	}

	e.mu.Lock()
	if e.scheduler != nil {
		st.Schedule = e.scheduler.spec
		if next, ok := e.scheduler.next(); ok {
			st.NextSyncAt = &next
		}
	}
	e.mu.Unlock()

	return st, nil
}

// InvalidateSearchCache drops every cached search response
func (e *Engine) InvalidateSearchCache(ctx context.Context) (int, error) {
	return e.searcher.InvalidateCache(ctx)
}

// Close stops the scheduler and releases every component
func (e *Engine) Close() error {
	e.StopScheduler()

	var errs []error
	if c, ok := e.source.(interface{ Close() error }); ok {
		errs = append(errs, c.Close())
	}
	if e.cache != nil {
		errs = append(errs, e.cache.Close())
	}
	errs = append(errs, e.embedder.Close(), e.store.Close())
	return errors.Join(errs...)
}
