package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sanchirEs/mns-chatbot-sub001/pkg/types"
)

// Common errors
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrUnsupportedModel  = errors.New("unsupported model")
	ErrEmptyText         = errors.New("text cannot be empty")
	ErrBatchTooLarge     = errors.New("batch size exceeds limit")
	ErrNoProviderEnabled = errors.New("no embedding provider configured")

	// ErrRateLimited is a retryable provider response (HTTP 429)
	ErrRateLimited = errors.New("embedding provider rate limited")

	// ErrProviderUnavailable is returned once retries are exhausted or the
	// provider rejected the request outright. It wraps the last cause.
	ErrProviderUnavailable = errors.New("embedding provider unavailable")
)

// Embedding is the vector for one product text or search query
type Embedding struct {
	Vector    []float32
	Dimension int
	Provider  string
	Model     string
	Hash      string // Content hash for caching
}

// EmbeddingRequest represents a request to generate embeddings
type EmbeddingRequest struct {
	Text  string
	Model string // Optional: override default model
}

// BatchEmbeddingRequest represents a batch request
type BatchEmbeddingRequest struct {
	Texts []string
	Model string // Optional: override default model
}

// BatchEmbeddingResponse represents a batch response
type BatchEmbeddingResponse struct {
	Embeddings []*Embedding
	Provider   string
	Model      string
}

// Embedder interface defines methods for generating embeddings
type Embedder interface {
	// GenerateEmbedding generates a single embedding for the given text
	GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error)

	// GenerateBatch generates embeddings for multiple texts, in input order
	GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error)

	// Dimension returns the embedding dimension for this provider
	Dimension() int

	// Provider returns the provider name
	Provider() string

	// Model returns the model name
	Model() string

	// Close releases any resources held by the embedder
	Close() error
}

// Cache is the provider-local LRU of vectors keyed by model and text hash.
// Entries are copied in and out so callers may mutate what they get back.
type Cache struct {
	cache *lru.Cache[string, *Embedding]
}

// NewCache creates a new embedding cache with LRU eviction
func NewCache(maxLen int) *Cache {
	if maxLen <= 0 {
		maxLen = 10000 // Default: cache 10k embeddings
	}
	cache, err := lru.New[string, *Embedding](maxLen)
	if err != nil {
		cache, _ = lru.New[string, *Embedding](10000)
	}
	return &Cache{
		cache: cache,
	}
}

// Get retrieves a deep copy of an embedding from cache
func (c *Cache) Get(hash string) (*Embedding, bool) {
	emb, ok := c.cache.Get(hash)
	if !ok {
		return nil, false
	}
	return cloneEmbedding(emb), true
}

// Set stores an embedding in cache with automatic LRU eviction
func (c *Cache) Set(hash string, emb *Embedding) {
	c.cache.Add(hash, cloneEmbedding(emb))
}

// Size returns the current cache size
func (c *Cache) Size() int {
	return c.cache.Len()
}

// Clear empties the cache
func (c *Cache) Clear() {
	c.cache.Purge()
}

func cloneEmbedding(emb *Embedding) *Embedding {
	c := *emb
	c.Vector = append([]float32(nil), emb.Vector...)
	return &c
}

// ComputeHash computes SHA-256 hash of text for caching
func ComputeHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

// cacheKey scopes a text hash to the model that embedded it
func cacheKey(model, text string) string {
	return model + ":" + ComputeHash(text)
}

// ValidateRequest rejects blank texts; a query of only whitespace has
// nothing to embed.
func ValidateRequest(req EmbeddingRequest) error {
	if strings.TrimSpace(req.Text) == "" {
		return ErrEmptyText
	}
	return nil
}

// ValidateBatchRequest validates a batch embedding request
func ValidateBatchRequest(req BatchEmbeddingRequest) error {
	if len(req.Texts) == 0 {
		return fmt.Errorf("%w: no texts provided", ErrInvalidInput)
	}
	if len(req.Texts) > MaxBatchSize {
		return fmt.Errorf("%w: max %d texts allowed", ErrBatchTooLarge, MaxBatchSize)
	}

	for i, text := range req.Texts {
		if strings.TrimSpace(text) == "" {
			return fmt.Errorf("%w: product text at index %d is blank", ErrInvalidInput, i)
		}
	}

	return nil
}

// checkDimension rejects vectors that do not match the configured dimension
func checkDimension(vector []float32, want int) error {
	if len(vector) != want {
		return fmt.Errorf("%w: provider returned %d values, expected %d", types.ErrDimensionMismatch, len(vector), want)
	}
	return nil
}
