package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sanchirEs/mns-chatbot-sub001/internal/cache"
	"github.com/sanchirEs/mns-chatbot-sub001/internal/embedder"
	"github.com/sanchirEs/mns-chatbot-sub001/internal/logger"
	"github.com/sanchirEs/mns-chatbot-sub001/internal/storage"
	"github.com/sanchirEs/mns-chatbot-sub001/internal/upstream"
	"github.com/sanchirEs/mns-chatbot-sub001/pkg/types"
)

// Defaults
const (
	DefaultPageSize         = 100
	DefaultMaxPages         = 1000
	DefaultEmbedBatchSize   = 50
	DefaultEmbedConcurrency = 4
	DefaultLeaseTTL         = 30 * time.Minute // Refreshed every third of its length while a run is active

	maxErrorMessages = 100
)

// Config contains configuration for the syncer
type Config struct {
	PageSize     int    // Records requested per page
	MaxPages     int    // Guard against an upstream that never returns an empty page
	FirstPage    int    // Index of the first page (upstreams differ on 0 or 1)
	StoreID      string // Passed through to the upstream
	LookbackDays int    // >0 restricts the upstream date range; 0 requests everything

	EmbedBatchSize     int
	EmbedConcurrency   int
	EmbedRatePerSecond float64 // Embedding calls per second; <=0 is unlimited

	LeaseTTL time.Duration

	// DeactivateMissing marks products not seen by a completed run inactive
	DeactivateMissing bool
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.MaxPages <= 0 {
		c.MaxPages = DefaultMaxPages
	}
	if c.FirstPage < 0 {
		c.FirstPage = 0
	}
	if c.EmbedBatchSize <= 0 {
		c.EmbedBatchSize = DefaultEmbedBatchSize
	}
	if c.EmbedBatchSize > embedder.MaxBatchSize {
		c.EmbedBatchSize = embedder.MaxBatchSize
	}
	if c.EmbedConcurrency <= 0 {
		c.EmbedConcurrency = DefaultEmbedConcurrency
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	return c
}

// Syncer coordinates the sync pipeline: fetch -> map -> embed -> store
type Syncer struct {
	source   upstream.Source
	store    storage.Store
	embedder embedder.Embedder
	cache    cache.Cache  // Optional; search results are purged after changes
	locker   cache.Locker // Optional; cross-process exclusion
	limiter  *rate.Limiter
	config   Config
	lock     RunLock
	log      *logger.Logger
	now      func() time.Time
}

// New creates a syncer. cacheStore and locker may be nil.
func New(source upstream.Source, store storage.Store, emb embedder.Embedder,
	cacheStore cache.Cache, locker cache.Locker, config Config, log *logger.Logger) *Syncer {

	config = config.withDefaults()

	limit := rate.Inf
	if config.EmbedRatePerSecond > 0 {
		limit = rate.Limit(config.EmbedRatePerSecond)
	}

	return &Syncer{
		source:   source,
		store:    store,
		embedder: emb,
		cache:    cacheStore,
		locker:   locker,
		limiter:  rate.NewLimiter(limit, config.EmbedConcurrency),
		config:   config,
		log:      logger.OrNop(log).With("component", "syncer"),
		now:      time.Now,
	}
}

// Running reports whether this process is currently syncing
func (s *Syncer) Running() bool {
	return s.lock.Running()
}

// Run performs one full sync. If another run holds the lock it returns a
// summary with AlreadyRunning set and no error. An upstream failure aborts
// the run with types.ErrSyncUnavailable and a failed write with
// types.ErrStoreUnavailable; pages committed before either stay.
func (s *Syncer) Run(ctx context.Context) (*types.SyncSummary, error) {
	if !s.lock.TryAcquire() {
		s.log.Info("sync already running in this process")
		return s.alreadyRunning(), nil
	}
	defer s.lock.Release()

	runCtx := ctx
	if s.locker != nil {
		lease, ok, err := s.locker.TryLock(ctx, cache.SyncLockKey, s.config.LeaseTTL)
		if err != nil {
			s.log.Error("failed to acquire sync lease", "error", err)
			return nil, fmt.Errorf("%w: acquire lease: %w", types.ErrSyncUnavailable, err)
		}
		if !ok {
			s.log.Info("sync already running elsewhere")
			return s.alreadyRunning(), nil
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				s.log.Error("failed to release sync lease", "error", err)
			}
		}()

		var stop func()
		runCtx, stop = s.keepLease(ctx, lease)
		defer stop()
	}

	summary := &types.SyncSummary{
		RunID:     uuid.NewString(),
		StartedAt: s.now().UTC(),
	}
	log := s.log.With("run_id", summary.RunID)
	log.Info("sync started")

	runErr := s.paginate(runCtx, summary, log)
	if runErr == nil && summary.Completed && s.config.DeactivateMissing {
		n, err := s.store.DeactivateMissing(runCtx, summary.RunID, s.now())
		if err != nil {
			runErr = fmt.Errorf("%w: deactivate missing products: %w", types.ErrStoreUnavailable, err)
		} else {
			summary.Deactivated = n
		}
	}
	if runErr != nil {
		addError(summary, runErr.Error())
	}

	s.invalidateSearchCache(ctx, summary, log)
	summary.FinishedAt = s.now().UTC()

	kv := []interface{}{
		"pages", summary.Pages,
		"records", summary.Records,
		"created", summary.Created,
		"updated", summary.Updated,
		"unchanged", summary.Unchanged,
		"failed", summary.Failed,
		"embedded", summary.Embedded,
		"deactivated", summary.Deactivated,
		"completed", summary.Completed,
		"truncated", summary.Truncated,
		"duration", summary.Duration(),
	}
	if runErr != nil {
		log.Error("sync aborted", append(kv, "error", runErr)...)
		return summary, runErr
	}
	log.Info("sync finished", kv...)
	return summary, nil
}

// keepLease refreshes lease every third of the lease TTL until stop is
// called. Losing the lease cancels the returned context with a cause
// wrapping cache.ErrLeaseLost.
func (s *Syncer) keepLease(ctx context.Context, lease cache.Lease) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	interval := max(s.config.LeaseTTL/3, time.Millisecond)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := lease.Refresh(ctx, s.config.LeaseTTL)
				if err == nil {
					continue
				}
				if errors.Is(err, cache.ErrLeaseLost) {
					s.log.Error("sync lease lost, aborting run")
					cancel(fmt.Errorf("%w: %w", types.ErrSyncUnavailable, err))
					return
				}
				s.log.Warn("failed to refresh sync lease", "error", err)
			}
		}
	}()

	return ctx, func() {
		close(done)
		wg.Wait()
		cancel(nil)
	}
}

func (s *Syncer) alreadyRunning() *types.SyncSummary {
	now := s.now().UTC()
	return &types.SyncSummary{AlreadyRunning: true, StartedAt: now, FinishedAt: now}
}

// paginate walks the upstream listing page by page
func (s *Syncer) paginate(ctx context.Context, summary *types.SyncSummary, log *logger.Logger) error {
	req := upstream.PageRequest{
		Size:    s.config.PageSize,
		StoreID: s.config.StoreID,
	}
	if s.config.LookbackDays > 0 {
		req.To = s.now().UTC()
		req.From = req.To.AddDate(0, 0, -s.config.LookbackDays)
	}

	for i := 0; i < s.config.MaxPages; i++ {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}

		req.Page = s.config.FirstPage + i
		page, err := s.source.FetchPage(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			if !errors.Is(err, types.ErrSyncUnavailable) {
				err = fmt.Errorf("%w: %w", types.ErrSyncUnavailable, err)
			}
			return err
		}

		if len(page.Records) == 0 {
			// An unrecognized envelope stops paging but is not a clean end
			summary.Completed = page.Shape != types.ShapeNone
			return nil
		}

		batch, err := s.syncPage(ctx, page, summary, log)
		summary.AddBatch(batch)
		if err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			return err
		}
	}

	summary.Truncated = true
	log.Warn("max page guard reached, stopping sync", "max_pages", s.config.MaxPages)
	return nil
}

type planKind int

const (
	planCreate planKind = iota
	planUpdate
	planUnchanged
)

// plan is the decision taken for one upstream product
type plan struct {
	product     *types.Product
	kind        planKind
	embed       bool
	embedFailed bool
}

// syncPage maps, classifies, embeds and stores one page
func (s *Syncer) syncPage(ctx context.Context, page *upstream.Page, summary *types.SyncSummary, log *logger.Logger) (types.SyncBatch, error) {
	batch := types.SyncBatch{
		Page:    page.Number,
		Shape:   page.Shape,
		Records: len(page.Records),
	}
	at := s.now().UTC()

	// Map records; the last occurrence of a duplicated id wins
	var (
		order    []string
		incoming = make(map[string]*types.Product, len(page.Records))
		touchIDs []string
	)
	for _, raw := range page.Records {
		p, err := upstream.MapRecord(raw)
		if err == nil {
			if verr := p.Validate(); verr != nil {
				err = fmt.Errorf("%w: %s: %w", types.ErrSyncRecord, p.ID, verr)
			}
		}
		if err != nil {
			batch.Failed++
			log.Warn("skipping upstream record", "page", page.Number, "error", err)
			addError(summary, fmt.Sprintf("page %d: %v", page.Number, err))
			if id := upstream.RecordID(raw); id != "" {
				touchIDs = append(touchIDs, id)
			}
			continue
		}
		if _, seen := incoming[p.ID]; !seen {
			order = append(order, p.ID)
		}
		incoming[p.ID] = p
	}

	// Read outside the write transaction: SQLite runs on a single connection
	existing := make(map[string]*types.Product, len(order))
	if len(order) > 0 {
		stored, err := s.store.FindByIDs(ctx, order)
		if err != nil {
			return batch, fmt.Errorf("%w: load stored products: %w", types.ErrStoreUnavailable, err)
		}
		for _, p := range stored {
			existing[p.ID] = p
		}
	}

	plans := make([]*plan, 0, len(order))
	for _, id := range order {
		plans = append(plans, classify(incoming[id], existing[id], summary.RunID, at))
	}

	embedded, err := s.embedPlans(ctx, plans, log)
	if err != nil {
		return batch, err
	}
	summary.Embedded += embedded

	var writes []*types.Product
	for _, pl := range plans {
		switch {
		case pl.embedFailed:
			batch.Failed++
			// Keep the stored row, if any, from being seen as missing
			touchIDs = append(touchIDs, pl.product.ID)
			addError(summary, fmt.Sprintf("page %d: %s: embedding failed", page.Number, pl.product.ID))
		case pl.kind == planCreate:
			batch.Created++
			writes = append(writes, pl.product)
		case pl.kind == planUpdate:
			batch.Updated++
			writes = append(writes, pl.product)
		case pl.embed:
			// Unchanged listing that gained its missing embedding
			batch.Unchanged++
			writes = append(writes, pl.product)
		default:
			batch.Unchanged++
			touchIDs = append(touchIDs, pl.product.ID)
		}
	}

	if err := s.commit(ctx, writes, touchIDs, summary.RunID, at); err != nil {
		// Nothing from this page was stored
		batch.Created, batch.Updated, batch.Unchanged = 0, 0, 0
		return batch, err
	}

	log.Debug("page synced",
		"page", batch.Page,
		"shape", batch.Shape,
		"records", batch.Records,
		"created", batch.Created,
		"updated", batch.Updated,
		"unchanged", batch.Unchanged,
		"failed", batch.Failed)

	return batch, nil
}

// classify compares an incoming product with its stored version. Embeddings
// are carried over while the descriptive text is unchanged.
func classify(incoming, stored *types.Product, runID string, at time.Time) *plan {
	incoming.ContentHash = incoming.ComputeContentHash()
	incoming.SourceVersion = runID
	incoming.SyncedAt = at

	if stored == nil {
		return &plan{product: incoming, kind: planCreate, embed: incoming.Active}
	}

	incoming.CreatedAt = stored.CreatedAt
	if stored.ContentHash != incoming.ContentHash {
		return &plan{product: incoming, kind: planUpdate, embed: incoming.Active}
	}

	incoming.Embedding = stored.Embedding
	incoming.EmbeddedAt = stored.EmbeddedAt
	kind := planUnchanged
	if !incoming.SameListing(stored) {
		kind = planUpdate
	}
	return &plan{product: incoming, kind: kind, embed: incoming.Active && !incoming.HasEmbedding()}
}

// embedPlans embeds every plan that needs it in rate limited, bounded
// parallel batches. A failed batch marks its plans failed; a dimension
// mismatch aborts the run.
func (s *Syncer) embedPlans(ctx context.Context, plans []*plan, log *logger.Logger) (int, error) {
	var pending []*plan
	for _, pl := range plans {
		if pl.embed {
			pending = append(pending, pl)
		}
	}
	if len(pending) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.EmbedConcurrency)

	var (
		mu       sync.Mutex
		embedded int
	)
	for start := 0; start < len(pending); start += s.config.EmbedBatchSize {
		end := start + s.config.EmbedBatchSize
		if end > len(pending) {
			end = len(pending)
		}
		chunk := pending[start:end]

		g.Go(func() error {
			n, err := s.embedChunk(gctx, chunk)
			if err != nil {
				if errors.Is(err, types.ErrDimensionMismatch) || gctx.Err() != nil {
					return err
				}
				log.Warn("embedding batch failed, products skipped for this cycle",
					"products", len(chunk), "error", err)
				for _, pl := range chunk {
					pl.embedFailed = true
				}
				return nil
			}
			mu.Lock()
			embedded += n
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}
	return embedded, nil
}

func (s *Syncer) embedChunk(ctx context.Context, chunk []*plan) (int, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	texts := make([]string, len(chunk))
	for i, pl := range chunk {
		texts[i] = pl.product.DescriptiveText()
	}

	resp, err := s.embedder.GenerateBatch(ctx, embedder.BatchEmbeddingRequest{Texts: texts})
	if err != nil {
		return 0, err
	}
	if len(resp.Embeddings) != len(chunk) {
		return 0, fmt.Errorf("embedder returned %d vectors for %d texts", len(resp.Embeddings), len(chunk))
	}

	want := s.store.Dimension()
	at := s.now().UTC()
	for i, pl := range chunk {
		vec := resp.Embeddings[i].Vector
		if len(vec) != want {
			return 0, fmt.Errorf("%w: embedder returned %d values, catalog expects %d",
				types.ErrDimensionMismatch, len(vec), want)
		}
		pl.product.Embedding = vec
		pl.product.EmbeddedAt = &at
	}
	return len(chunk), nil
}

// commit writes one page in a single transaction
func (s *Syncer) commit(ctx context.Context, writes []*types.Product, touchIDs []string, runID string, at time.Time) error {
	if len(writes) == 0 && len(touchIDs) == 0 {
		return nil
	}

	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %w", types.ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range writes {
		if err := tx.UpsertProduct(ctx, p); err != nil {
			return fmt.Errorf("%w: upsert %s: %w", types.ErrStoreUnavailable, p.ID, err)
		}
	}
	if len(touchIDs) > 0 {
		if err := tx.TouchSynced(ctx, touchIDs, runID, at); err != nil {
			return fmt.Errorf("%w: touch synced: %w", types.ErrStoreUnavailable, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit transaction: %w", types.ErrStoreUnavailable, err)
	}
	return nil
}

// invalidateSearchCache drops cached search responses after any change
func (s *Syncer) invalidateSearchCache(ctx context.Context, summary *types.SyncSummary, log *logger.Logger) {
	if s.cache == nil || !summary.Changed() {
		return
	}
	n, err := s.cache.Purge(context.WithoutCancel(ctx), cache.SearchKeyPrefix)
	if err != nil {
		log.Warn("failed to purge search cache", "error", err)
		return
	}
	summary.CacheInvalidated = true
	log.Debug("search cache purged", "keys", n)
}

func addError(summary *types.SyncSummary, msg string) {
	if len(summary.ErrorMessages) < maxErrorMessages {
		summary.ErrorMessages = append(summary.ErrorMessages, msg)
	}
}
