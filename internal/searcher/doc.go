// Package searcher implements hybrid product search combining vector
// similarity over product embeddings and trigram lexical matching.
//
// # Basic Usage
//
//	s := searcher.New(store, emb, cacheStore, searcher.DefaultConfig(), log)
//
//	resp, err := s.Search(ctx, "paracetamol 500", types.SearchOptions{
//	    Limit:     5,
//	    Threshold: 0.3,
//	})
//
//	for _, r := range resp.Products {
//	    fmt.Printf("[%d] %s %s (%s, score: %.2f)\n",
//	        r.Rank, r.Product.Name, r.DisplayPrice, r.StockLabel, r.Score)
//	}
//
// # Signals
//
// Both signals run concurrently, each under its own timeout:
//
//   - Vector: the query is embedded and compared by cosine similarity
//   - Lexical: folded trigrams tolerate typos and Cyrillic/Latin spellings
//
// A product found by both signals scores the weighted sum of the two
// (0.7 vector, 0.3 lexical by default). A product found by one signal keeps
// that score times a penalty (0.8 by default). Ties break on higher
// availability, then shorter name, then id.
//
// # Degradation
//
// When the embedding provider or one retrieval path fails or times out, the
// response is served from the remaining signal and flagged with
// Metadata.Degraded. Search fails with types.ErrStoreUnavailable only when
// neither signal produced an answer.
//
// # Caching
//
// Healthy responses are cached under a SHA-256 of the normalized query and
// options for Config.CacheTTL. Degraded responses are never cached. A sync
// run that changes the catalog purges every cached response.
package searcher
