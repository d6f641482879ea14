// Package embedder turns product descriptions and shopper queries into
// vector embeddings.
//
// Hosted providers (OpenAI, Jina AI) share one OpenAI compatible HTTP client
// with retry and backoff. The local provider hashes character trigrams into a
// fixed-size vector and needs no network, which keeps development and tests
// offline.
//
// # Basic Usage
//
//	emb, err := embedder.New(embedder.Config{
//	    Provider:  "openai",
//	    APIKey:    key,
//	    Dimension: 1536,
//	    Retry:     retry.DefaultPolicy(),
//	})
//	if err != nil {
//	    return err
//	}
//	defer emb.Close()
//
//	resp, err := emb.GenerateBatch(ctx, embedder.BatchEmbeddingRequest{
//	    Texts: []string{"Paracetamol 500mg | Pain relief", "Vitamin C 1000mg"},
//	})
//
// # Errors
//
// Rate limits (HTTP 429), server errors and network failures are retried.
// Other client errors and dimension mismatches are not. Once a call gives up
// the error wraps ErrProviderUnavailable together with the last cause:
//
//	if errors.Is(err, embedder.ErrProviderUnavailable) {
//	    // degrade to lexical search
//	}
//	if errors.Is(err, types.ErrDimensionMismatch) {
//	    // configuration error, abort
//	}
//
// # Caching
//
// Each provider keeps an in-process LRU keyed by model and text hash.
// CachedEmbedder adds a second level in the shared cache layer (memory or
// Redis) so embeddings survive restarts and are shared between instances.
package embedder
