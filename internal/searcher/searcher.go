package searcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sanchirEs/mns-chatbot-sub001/internal/cache"
	"github.com/sanchirEs/mns-chatbot-sub001/internal/embedder"
	"github.com/sanchirEs/mns-chatbot-sub001/internal/logger"
	"github.com/sanchirEs/mns-chatbot-sub001/internal/storage"
	"github.com/sanchirEs/mns-chatbot-sub001/internal/textnorm"
	"github.com/sanchirEs/mns-chatbot-sub001/pkg/types"
)

// cacheKeyVersion changes whenever the cached response shape changes
const cacheKeyVersion = "v1"

// Extra wait past SignalTimeout before a silent signal is abandoned
const signalGrace = 100 * time.Millisecond

var errQueryEmbedding = errors.New("failed to generate query embedding")

// Config tunes ranking, limits and caching
type Config struct {
	DefaultLimit int
	MaxLimit     int

	VectorWeight        float64
	LexicalWeight       float64
	SingleSignalPenalty float64 // Multiplier for products found by one signal only
	CandidateMultiplier int     // Each signal fetches limit * CandidateMultiplier
	MinVectorSimilarity float64

	SignalTimeout time.Duration
	CacheTTL      time.Duration // 0 disables result caching

	HideOutOfStock bool
	LowWaterMark   int64

	CurrencySymbol   string
	CurrencyDecimals int32
}

// DefaultConfig returns the default search configuration
func DefaultConfig() Config {
	return Config{
		DefaultLimit:        10,
		MaxLimit:            100,
		VectorWeight:        0.7,
		LexicalWeight:       0.3,
		SingleSignalPenalty: 0.8,
		CandidateMultiplier: 3,
		MinVectorSimilarity: 0.1,
		SignalTimeout:       3 * time.Second,
		CacheTTL:            60 * time.Second,
		LowWaterMark:        types.DefaultLowWaterMark,
		CurrencySymbol:      "₮",
		CurrencyDecimals:    0,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = d.DefaultLimit
	}
	if c.MaxLimit <= 0 {
		c.MaxLimit = d.MaxLimit
	}
	if c.DefaultLimit > c.MaxLimit {
		c.DefaultLimit = c.MaxLimit
	}
	if c.VectorWeight < 0 || c.LexicalWeight < 0 || c.VectorWeight+c.LexicalWeight == 0 {
		c.VectorWeight, c.LexicalWeight = d.VectorWeight, d.LexicalWeight
	}
	if c.SingleSignalPenalty <= 0 || c.SingleSignalPenalty > 1 {
		c.SingleSignalPenalty = d.SingleSignalPenalty
	}
	if c.CandidateMultiplier < 2 {
		c.CandidateMultiplier = d.CandidateMultiplier
	}
	if c.SignalTimeout <= 0 {
		c.SignalTimeout = d.SignalTimeout
	}
	if c.LowWaterMark < 0 {
		c.LowWaterMark = d.LowWaterMark
	}
	if c.CurrencyDecimals < 0 {
		c.CurrencyDecimals = 0
	}
	return c
}

// Searcher coordinates search operations across vector and lexical search
type Searcher struct {
	store    storage.Store
	embedder embedder.Embedder
	cache    cache.Cache // Optional
	config   Config
	display  displayFormatter
	log      *logger.Logger
}

// New creates a searcher. cacheStore may be nil to disable result caching.
func New(store storage.Store, emb embedder.Embedder, cacheStore cache.Cache, config Config, log *logger.Logger) *Searcher {
	config = config.withDefaults()
	return &Searcher{
		store:    store,
		embedder: emb,
		cache:    cacheStore,
		config:   config,
		display:  newDisplayFormatter(config.CurrencySymbol, config.CurrencyDecimals),
		log:      logger.OrNop(log).With("component", "searcher"),
	}
}

// Config returns the effective configuration
func (s *Searcher) Config() Config {
	return s.config
}

// Search runs a hybrid search. It fails only on invalid input
// (types.ErrValidation) or when neither signal could be served
// (types.ErrStoreUnavailable); a lost signal otherwise degrades the response.
func (s *Searcher) Search(ctx context.Context, query string, opts types.SearchOptions) (*types.SearchResponse, error) {
	startTime := time.Now()

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	opts = s.normalizeOptions(opts)

	normalized := textnorm.NormalizeQuery(query)
	if normalized == "" {
		return nil, types.ErrEmptyQuery
	}

	key := s.cacheKey(normalized, opts)
	if cached := s.checkCache(ctx, key); cached != nil {
		cached.Metadata.CacheHit = true
		cached.Duration = time.Since(startTime)
		return cached, nil
	}

	response, err := s.hybridSearch(ctx, normalized, opts)
	if err != nil {
		return nil, err
	}
	response.Duration = time.Since(startTime)

	// Degraded responses would pin a partial answer for the whole TTL
	if !response.Metadata.Degraded {
		s.storeInCache(ctx, key, response)
	}

	return response, nil
}

// normalizeOptions applies the default and maximum limit
func (s *Searcher) normalizeOptions(opts types.SearchOptions) types.SearchOptions {
	if opts.Limit == 0 {
		opts.Limit = s.config.DefaultLimit
	}
	if opts.Limit > s.config.MaxLimit {
		opts.Limit = s.config.MaxLimit
	}
	return opts
}

// signalResult holds the outcome of one retrieval signal
type signalResult struct {
	results []storage.ScoredProduct
	err     error
}

// runVectorSearch embeds the query and runs similarity search
func (s *Searcher) runVectorSearch(ctx context.Context, query string, candidates int, filters *storage.SearchFilters, resultChan chan<- signalResult) {
	var res signalResult
	defer func() {
		if r := recover(); r != nil {
			res = signalResult{err: fmt.Errorf("vector search panic: %v", r)}
		}
		resultChan <- res
	}()

	ctx, cancel := context.WithTimeout(ctx, s.config.SignalTimeout)
	defer cancel()

	embedding, err := s.embedder.GenerateEmbedding(ctx, embedder.EmbeddingRequest{Text: query})
	if err != nil {
		res.err = fmt.Errorf("%w: %w", errQueryEmbedding, err)
		return
	}
	res.results, res.err = s.store.SimilaritySearch(ctx, embedding.Vector, candidates, s.config.MinVectorSimilarity, filters)
}

// runLexicalSearch runs trigram text search
func (s *Searcher) runLexicalSearch(ctx context.Context, query string, candidates int, filters *storage.SearchFilters, resultChan chan<- signalResult) {
	var res signalResult
	defer func() {
		if r := recover(); r != nil {
			res = signalResult{err: fmt.Errorf("lexical search panic: %v", r)}
		}
		resultChan <- res
	}()

	ctx, cancel := context.WithTimeout(ctx, s.config.SignalTimeout)
	defer cancel()

	res.results, res.err = s.store.LexicalSearch(ctx, query, candidates, filters)
}

// hybridSearch runs both signals concurrently, then fuses, filters and decorates
func (s *Searcher) hybridSearch(ctx context.Context, query string, opts types.SearchOptions) (*types.SearchResponse, error) {
	candidates := opts.Limit * s.config.CandidateMultiplier
	filters := &storage.SearchFilters{IncludeInactive: opts.IncludeInactive}

	vectorChan := make(chan signalResult, 1)
	lexicalChan := make(chan signalResult, 1)

	go s.runVectorSearch(ctx, query, candidates, filters, vectorChan)
	go s.runLexicalSearch(ctx, query, candidates, filters, lexicalChan)

	// Wait for both signals. The timer covers a backend that ignores its
	// context; a signal still running when it fires counts as timed out.
	timer := time.NewTimer(s.config.SignalTimeout + signalGrace)
	defer timer.Stop()

	var vectorRes, lexicalRes signalResult
	var vectorDone, lexicalDone bool
	for !vectorDone || !lexicalDone {
		select {
		case vectorRes = <-vectorChan:
			vectorDone = true
		case lexicalRes = <-lexicalChan:
			lexicalDone = true
		case <-timer.C:
			if !vectorDone {
				vectorRes, vectorDone = signalResult{err: context.DeadlineExceeded}, true
			}
			if !lexicalDone {
				lexicalRes, lexicalDone = signalResult{err: context.DeadlineExceeded}, true
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if vectorRes.err != nil && lexicalRes.err != nil {
		return nil, fmt.Errorf("%w: vector=%v, lexical=%v", types.ErrStoreUnavailable, vectorRes.err, lexicalRes.err)
	}

	meta := types.SearchMetadata{
		UsedVectorSearch:  vectorRes.err == nil,
		UsedLexicalSearch: lexicalRes.err == nil,
		ThresholdApplied:  opts.Threshold,
		VectorCandidates:  len(vectorRes.results),
		LexicalCandidates: len(lexicalRes.results),
	}
	if vectorRes.err != nil {
		meta.Degraded = true
		meta.DegradedReasons = append(meta.DegradedReasons, s.degradedReason("vector", vectorRes.err))
	}
	if lexicalRes.err != nil {
		meta.Degraded = true
		meta.DegradedReasons = append(meta.DegradedReasons, s.degradedReason("lexical", lexicalRes.err))
	}

	fused := s.fuse(vectorRes.results, lexicalRes.results)
	filtered := s.filter(fused, opts)

	total := len(filtered)
	if len(filtered) > opts.Limit {
		filtered = filtered[:opts.Limit]
	}

	return &types.SearchResponse{
		Query:    query,
		Products: s.decorate(filtered),
		Total:    total,
		Metadata: meta,
	}, nil
}

// degradedReason logs a lost signal and describes it for the response
func (s *Searcher) degradedReason(signal string, err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		s.log.Warn("search signal timed out", "signal", signal, "timeout", s.config.SignalTimeout)
		return signal + ": timed out"
	case errors.Is(err, errQueryEmbedding):
		s.log.Warn("embedding degraded, serving lexical results", "error", err)
		return signal + ": embedding unavailable"
	default:
		s.log.Warn("search signal failed", "signal", signal, "error", err)
		return signal + ": unavailable"
	}
}

// fusedResult is a product with its per-signal scores
type fusedResult struct {
	product    *types.Product
	vector     float64
	lexical    float64
	hasVector  bool
	hasLexical bool
	score      float64
}

func (f *fusedResult) matchedBy() types.MatchSignal {
	switch {
	case f.hasVector && f.hasLexical:
		return types.MatchBoth
	case f.hasVector:
		return types.MatchVector
	default:
		return types.MatchLexical
	}
}

// fuse merges both candidate lists by product id. Products found by both
// signals get the normalized weighted sum; the rest keep their single score
// scaled by the penalty.
func (s *Searcher) fuse(vectorResults, lexicalResults []storage.ScoredProduct) []*fusedResult {
	byID := make(map[string]*fusedResult, len(vectorResults)+len(lexicalResults))
	var order []*fusedResult

	get := func(p *types.Product) *fusedResult {
		if f, ok := byID[p.ID]; ok {
			return f
		}
		f := &fusedResult{product: p}
		byID[p.ID] = f
		order = append(order, f)
		return f
	}

	for _, vr := range vectorResults {
		f := get(vr.Product)
		f.vector, f.hasVector = clamp01(vr.Score), true
	}
	for _, lr := range lexicalResults {
		f := get(lr.Product)
		f.lexical, f.hasLexical = clamp01(lr.Score), true
	}

	wv, wl := s.config.VectorWeight, s.config.LexicalWeight
	for _, f := range order {
		switch {
		case f.hasVector && f.hasLexical:
			f.score = (wv*f.vector + wl*f.lexical) / (wv + wl)
		case f.hasVector:
			f.score = f.vector * s.config.SingleSignalPenalty
		default:
			f.score = f.lexical * s.config.SingleSignalPenalty
		}
		f.score = clamp01(f.score)
	}

	sortFused(order)
	return order
}

// sortFused orders by score, then higher availability, then shorter name,
// then id
func sortFused(results []*fusedResult) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.product.Available != b.product.Available {
			return a.product.Available > b.product.Available
		}
		la, lb := utf8.RuneCountInString(a.product.Name), utf8.RuneCountInString(b.product.Name)
		if la != lb {
			return la < lb
		}
		return a.product.ID < b.product.ID
	})
}

// filter drops results under the threshold, inactive products unless
// requested, and out-of-stock products when hidden by policy
func (s *Searcher) filter(results []*fusedResult, opts types.SearchOptions) []*fusedResult {
	out := make([]*fusedResult, 0, len(results))
	for _, r := range results {
		if r.score < opts.Threshold {
			continue
		}
		if !r.product.Active && !opts.IncludeInactive {
			continue
		}
		if s.config.HideOutOfStock && r.product.Available <= 0 {
			continue
		}
		out = append(out, r)
	}
	return out
}

// decorate attaches rank and display fields
func (s *Searcher) decorate(results []*fusedResult) []types.SearchResult {
	out := make([]types.SearchResult, len(results))
	for i, r := range results {
		status := r.product.StockStatus(s.config.LowWaterMark)
		out[i] = types.SearchResult{
			Product:      r.product,
			Rank:         i + 1,
			Score:        r.score,
			VectorScore:  r.vector,
			LexicalScore: r.lexical,
			MatchedBy:    r.matchedBy(),
			StockStatus:  status,
			StockLabel:   status.Label(),
			DisplayPrice: s.display.Price(r.product.Price),
		}
	}
	return out
}

// cacheKey computes a unique key for a normalized query and its options
func (s *Searcher) cacheKey(normalized string, opts types.SearchOptions) string {
	// Build deterministic string representation
	var data strings.Builder
	data.WriteString(normalized)
	data.WriteString("|")
	data.WriteString(fmt.Sprintf("%d", opts.Limit))
	data.WriteString("|")
	data.WriteString(fmt.Sprintf("%.4f", opts.Threshold))
	data.WriteString("|")
	data.WriteString(fmt.Sprintf("%t", opts.IncludeInactive))
	data.WriteString("|")
	data.WriteString(fmt.Sprintf("%t", s.config.HideOutOfStock))

	sum := sha256.Sum256([]byte(data.String()))
	return cache.SearchKeyPrefix + cacheKeyVersion + ":" + hex.EncodeToString(sum[:])
}

// checkCache returns a cached response, or nil on a miss or any cache error
func (s *Searcher) checkCache(ctx context.Context, key string) *types.SearchResponse {
	if s.cache == nil || s.config.CacheTTL <= 0 {
		return nil
	}

	data, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.log.Warn("search cache read failed", "error", err)
		return nil
	}
	if !ok {
		return nil
	}

	// Decoding yields a fresh copy the caller may mutate freely
	var response types.SearchResponse
	if err := json.Unmarshal(data, &response); err != nil {
		s.log.Warn("dropping undecodable search cache entry", "error", err)
		_ = s.cache.Delete(ctx, key)
		return nil
	}
	return &response
}

// storeInCache saves a response; failures only cost a future cache miss
func (s *Searcher) storeInCache(ctx context.Context, key string, response *types.SearchResponse) {
	if s.cache == nil || s.config.CacheTTL <= 0 {
		return
	}

	data, err := json.Marshal(response)
	if err != nil {
		s.log.Warn("failed to encode search response for cache", "error", err)
		return
	}
	if err := s.cache.Set(ctx, key, data, s.config.CacheTTL); err != nil {
		s.log.Warn("search cache write failed", "error", err)
	}
}

// InvalidateCache removes every cached search response
func (s *Searcher) InvalidateCache(ctx context.Context) (int, error) {
	if s.cache == nil {
		return 0, nil
	}
	return s.cache.Purge(ctx, cache.SearchKeyPrefix)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
