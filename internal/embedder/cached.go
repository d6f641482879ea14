package embedder

import (
	"context"
	"encoding/binary"
	"math"
	"time"

	"github.com/sanchirEs/mns-chatbot-sub001/internal/cache"
	"github.com/sanchirEs/mns-chatbot-sub001/internal/logger"
)

// CachedEmbedder memoizes another Embedder in the shared Cache Layer, so
// repeated queries and unchanged products are not re-embedded across restarts
// or instances. Cache failures are logged and fall through to the provider.
type CachedEmbedder struct {
	Embedder
	store cache.Cache
	ttl   time.Duration
	log   *logger.Logger
}

// NewCachedEmbedder wraps inner. A zero ttl keeps entries until evicted.
func NewCachedEmbedder(inner Embedder, store cache.Cache, ttl time.Duration, log *logger.Logger) *CachedEmbedder {
	return &CachedEmbedder{
		Embedder: inner,
		store:    store,
		ttl:      ttl,
		log:      logger.OrNop(log).With("component", "embedding_cache"),
	}
}

func (c *CachedEmbedder) key(model, text string) string {
	if model == "" {
		model = c.Model()
	}
	return cache.EmbeddingKeyPrefix + cacheKey(model, text)
}

func (c *CachedEmbedder) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	resp, err := c.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{req.Text}, Model: req.Model})
	if err != nil {
		return nil, err
	}
	return resp.Embeddings[0], nil
}

func (c *CachedEmbedder) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = c.Model()
	}

	embeddings := make([]*Embedding, len(req.Texts))
	var missing []int
	for i, text := range req.Texts {
		raw, ok, err := c.store.Get(ctx, c.key(model, text))
		if err != nil {
			c.log.Warn("embedding cache read failed", "error", err)
		}
		if ok {
			if vec, decErr := decodeVector(raw); decErr == nil && len(vec) == c.Dimension() {
				embeddings[i] = &Embedding{
					Vector:    vec,
					Dimension: len(vec),
					Provider:  c.Provider(),
					Model:     model,
					Hash:      ComputeHash(text),
				}
				continue
			}
		}
		missing = append(missing, i)
	}

	if len(missing) > 0 {
		texts := make([]string, len(missing))
		for j, i := range missing {
			texts[j] = req.Texts[i]
		}
		resp, err := c.Embedder.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: texts, Model: req.Model})
		if err != nil {
			return nil, err
		}
		for j, i := range missing {
			emb := resp.Embeddings[j]
			embeddings[i] = emb
			if err := c.store.Set(ctx, c.key(model, req.Texts[i]), encodeVector(emb.Vector), c.ttl); err != nil {
				c.log.Warn("embedding cache write failed", "error", err)
			}
		}
	}

	return &BatchEmbeddingResponse{
		Embeddings: embeddings,
		Provider:   c.Provider(),
		Model:      model,
	}, nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, ErrInvalidInput
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
