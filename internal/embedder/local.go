package embedder

import (
	"context"
	"hash/fnv"
	"math"

	"github.com/sanchirEs/mns-chatbot-sub001/internal/textnorm"
)

// LocalProvider produces deterministic embeddings offline by hashing
// character trigrams and whole tokens into a fixed number of buckets.
// Similar spellings land close together; it carries no semantics beyond that.
type LocalProvider struct {
	model     string
	dimension int
	cache     *Cache
}

// NewLocalProvider creates an offline embedder. dimension <= 0 selects LocalDimension.
func NewLocalProvider(dimension int, cache *Cache) *LocalProvider {
	if dimension <= 0 {
		dimension = LocalDimension
	}
	return &LocalProvider{
		model:     DefaultLocalModel,
		dimension: dimension,
		cache:     cache,
	}
}

func (l *LocalProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := cacheKey(l.model, req.Text)
	if l.cache != nil {
		if emb, ok := l.cache.Get(key); ok {
			return emb, nil
		}
	}

	emb := &Embedding{
		Vector:    l.vectorize(req.Text),
		Dimension: l.dimension,
		Provider:  ProviderLocal,
		Model:     l.model,
		Hash:      ComputeHash(req.Text),
	}

	if l.cache != nil {
		l.cache.Set(key, emb)
	}

	return emb, nil
}

func (l *LocalProvider) vectorize(text string) []float32 {
	vector := make([]float32, l.dimension)
	folded := textnorm.Fold(text)
	for _, variant := range textnorm.Variants(folded) {
		for _, tok := range textnorm.Tokens(variant) {
			l.addFeature(vector, "t:"+tok, 2)
			rs := []rune(" " + tok + " ")
			for i := 0; i+3 <= len(rs); i++ {
				l.addFeature(vector, string(rs[i:i+3]), 1)
			}
		}
	}
	return NormalizeVector(vector)
}

func (l *LocalProvider) addFeature(vector []float32, feature string, weight float32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()
	idx := int(sum % uint64(l.dimension))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vector[idx] += weight
}

func (l *LocalProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}

	embeddings := make([]*Embedding, len(req.Texts))
	for i, text := range req.Texts {
		emb, err := l.GenerateEmbedding(ctx, EmbeddingRequest{Text: text, Model: req.Model})
		if err != nil {
			return nil, err
		}
		embeddings[i] = emb
	}

	return &BatchEmbeddingResponse{
		Embeddings: embeddings,
		Provider:   ProviderLocal,
		Model:      l.model,
	}, nil
}

func (l *LocalProvider) Dimension() int {
	return l.dimension
}

func (l *LocalProvider) Provider() string {
	return ProviderLocal
}

func (l *LocalProvider) Model() string {
	return l.model
}

func (l *LocalProvider) Close() error {
	return nil
}

// NormalizeVector normalizes a vector to unit length (for cosine similarity)
func NormalizeVector(v []float32) []float32 {
	var sum float64
	for _, val := range v {
		sum += float64(val * val)
	}

	if sum == 0 {
		return v
	}

	norm := float32(math.Sqrt(sum))
	result := make([]float32, len(v))
	for i, val := range v {
		result[i] = val / norm
	}

	return result
}
