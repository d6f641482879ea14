package embedder

import (
	"fmt"
	"strings"
	"time"

	"github.com/sanchirEs/mns-chatbot-sub001/internal/retry"
)

// Config holds embedder configuration
type Config struct {
	Provider  string
	APIKey    string
	BaseURL   string
	Model     string
	Dimension int
	Timeout   time.Duration
	CacheSize int // In-process LRU entries; 0 disables
	Retry     retry.Policy
}

// New creates an embedder with explicit configuration
func New(cfg Config) (Embedder, error) {
	var cache *Cache
	if cfg.CacheSize > 0 {
		cache = NewCache(cfg.CacheSize)
	}

	provider := strings.ToLower(cfg.Provider)
	switch provider {
	case ProviderJina, ProviderOpenAI:
		return NewHTTPProvider(HTTPOptions{
			Name:      provider,
			BaseURL:   cfg.BaseURL,
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			Dimension: cfg.Dimension,
			Timeout:   cfg.Timeout,
			Cache:     cache,
			Retry:     cfg.Retry,
		})
	case ProviderLocal, "":
		return NewLocalProvider(cfg.Dimension, cache), nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %s", ErrUnsupportedModel, cfg.Provider)
	}
}
