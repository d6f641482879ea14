package embedder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanchirEs/mns-chatbot-sub001/internal/retry"
	"github.com/sanchirEs/mns-chatbot-sub001/pkg/types"
)

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

// embeddingServer answers /embeddings with dim-sized vectors whose first
// component encodes the input position. handler may short-circuit a request
// by returning true. last receives every decoded request body.
func embeddingServer(t *testing.T, dim int, calls *int32, handler func(w http.ResponseWriter, r *http.Request) bool) (*httptest.Server, *lastRequest) {
	t.Helper()
	last := &lastRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		if handler != nil && handler(w, r) {
			return
		}
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req embeddingAPIRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		last.set(req)

		type item struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		data := make([]item, len(req.Input))
		// Reverse order to prove the client sorts by index
		for i := range req.Input {
			vec := make([]float32, dim)
			vec[0] = float32(i + 1)
			data[len(req.Input)-1-i] = item{Embedding: vec, Index: i}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"model": req.Model, "data": data})
	}))
	t.Cleanup(srv.Close)
	return srv, last
}

type lastRequest struct {
	mu  sync.Mutex
	req embeddingAPIRequest
}

func (l *lastRequest) set(req embeddingAPIRequest) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.req = req
}

func (l *lastRequest) get() embeddingAPIRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.req
}

func newTestProvider(t *testing.T, name, url string, dim int, cache *Cache) *HTTPProvider {
	t.Helper()
	p, err := NewHTTPProvider(HTTPOptions{
		Name:      name,
		BaseURL:   url,
		APIKey:    "test-key",
		Dimension: dim,
		Cache:     cache,
		Retry:     fastRetry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestHTTPProvider(t *testing.T) {
	ctx := context.Background()

	t.Run("batch preserves input order", func(t *testing.T) {
		var calls int32
		srv, _ := embeddingServer(t, 8, &calls, nil)
		p := newTestProvider(t, ProviderOpenAI, srv.URL, 8, nil)

		resp, err := p.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{"a", "b", "c"}})
		require.NoError(t, err)
		require.Len(t, resp.Embeddings, 3)
		for i, emb := range resp.Embeddings {
			assert.Equal(t, float32(i+1), emb.Vector[0])
			assert.Equal(t, 8, emb.Dimension)
		}
		assert.Equal(t, ProviderOpenAI, resp.Provider)
	})

	t.Run("cache avoids second call", func(t *testing.T) {
		var calls int32
		srv, _ := embeddingServer(t, 4, &calls, nil)
		p := newTestProvider(t, ProviderJina, srv.URL, 4, NewCache(10))

		_, err := p.GenerateEmbedding(ctx, EmbeddingRequest{Text: "aspirin"})
		require.NoError(t, err)
		_, err = p.GenerateEmbedding(ctx, EmbeddingRequest{Text: "aspirin"})
		require.NoError(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("partial cache hit only sends misses", func(t *testing.T) {
		var calls int32
		srv, last := embeddingServer(t, 4, &calls, nil)
		p := newTestProvider(t, ProviderOpenAI, srv.URL, 4, NewCache(10))
		_, err := p.GenerateEmbedding(ctx, EmbeddingRequest{Text: "cached"})
		require.NoError(t, err)

		resp, err := p.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{"new-1", "cached", "new-2"}})
		require.NoError(t, err)
		require.Len(t, resp.Embeddings, 3)
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
		assert.Equal(t, []string{"new-1", "new-2"}, last.get().Input)
	})

	t.Run("retries on 429 then succeeds", func(t *testing.T) {
		var calls int32
		srv, _ := embeddingServer(t, 4, &calls, func(w http.ResponseWriter, r *http.Request) bool {
			if atomic.LoadInt32(&calls) < 3 {
				w.WriteHeader(http.StatusTooManyRequests)
				return true
			}
			return false
		})
		p := newTestProvider(t, ProviderOpenAI, srv.URL, 4, nil)

		_, err := p.GenerateEmbedding(ctx, EmbeddingRequest{Text: "retry me"})
		require.NoError(t, err)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("rate limit carries the server hint", func(t *testing.T) {
		var calls int32
		srv, _ := embeddingServer(t, 4, &calls, func(w http.ResponseWriter, r *http.Request) bool {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return true
		})
		p := newTestProvider(t, ProviderOpenAI, srv.URL, 4, nil)

		start := time.Now()
		_, err := p.GenerateEmbedding(ctx, EmbeddingRequest{Text: "slow down"})
		assert.ErrorIs(t, err, ErrRateLimited)
		assert.ErrorIs(t, err, ErrProviderUnavailable)
		hint, ok := retry.RetryAfterHint(err)
		assert.True(t, ok)
		assert.Equal(t, 2*time.Second, hint)
		assert.Less(t, time.Since(start), time.Second, "hint is capped by the policy")
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("gives up after retries", func(t *testing.T) {
		var calls int32
		srv, _ := embeddingServer(t, 4, &calls, func(w http.ResponseWriter, r *http.Request) bool {
			w.WriteHeader(http.StatusServiceUnavailable)
			return true
		})
		p := newTestProvider(t, ProviderOpenAI, srv.URL, 4, nil)

		_, err := p.GenerateEmbedding(ctx, EmbeddingRequest{Text: "down"})
		assert.ErrorIs(t, err, ErrProviderUnavailable)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("client errors are not retried", func(t *testing.T) {
		var calls int32
		srv, _ := embeddingServer(t, 4, &calls, func(w http.ResponseWriter, r *http.Request) bool {
			w.WriteHeader(http.StatusUnauthorized)
			return true
		})
		p := newTestProvider(t, ProviderOpenAI, srv.URL, 4, nil)

		_, err := p.GenerateEmbedding(ctx, EmbeddingRequest{Text: "denied"})
		assert.ErrorIs(t, err, ErrProviderUnavailable)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("dimension mismatch is permanent", func(t *testing.T) {
		var calls int32
		srv, _ := embeddingServer(t, 3, &calls, nil)
		p := newTestProvider(t, ProviderOpenAI, srv.URL, 4, nil)

		_, err := p.GenerateEmbedding(ctx, EmbeddingRequest{Text: "short"})
		assert.ErrorIs(t, err, types.ErrDimensionMismatch)
		assert.ErrorIs(t, err, ErrProviderUnavailable)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("custom dimension is requested", func(t *testing.T) {
		var calls int32
		srv, last := embeddingServer(t, 256, &calls, nil)
		p := newTestProvider(t, ProviderOpenAI, srv.URL, 256, nil)

		_, err := p.GenerateEmbedding(ctx, EmbeddingRequest{Text: "small"})
		require.NoError(t, err)
		assert.Equal(t, 256, last.get().Dimensions)
		assert.Equal(t, DefaultOpenAIModel, last.get().Model)
	})

	t.Run("validation", func(t *testing.T) {
		p := newTestProvider(t, ProviderOpenAI, "http://127.0.0.1:1", 4, nil)
		_, err := p.GenerateEmbedding(ctx, EmbeddingRequest{})
		assert.ErrorIs(t, err, ErrEmptyText)
		_, err = p.GenerateBatch(ctx, BatchEmbeddingRequest{})
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
}

func TestNewHTTPProvider(t *testing.T) {
	t.Run("metadata defaults", func(t *testing.T) {
		p, err := NewHTTPProvider(HTTPOptions{Name: ProviderJina, APIKey: "k"})
		require.NoError(t, err)
		assert.Equal(t, ProviderJina, p.Provider())
		assert.Equal(t, DefaultJinaModel, p.Model())
		assert.Equal(t, JinaDimension, p.Dimension())
		assert.False(t, p.sendDims)

		p, err = NewHTTPProvider(HTTPOptions{Name: ProviderOpenAI, APIKey: "k", Model: "text-embedding-3-large", Dimension: 1536})
		require.NoError(t, err)
		assert.Equal(t, "text-embedding-3-large", p.Model())
		assert.Equal(t, OpenAIDimension, p.Dimension())
		assert.False(t, p.sendDims)
	})

	t.Run("missing api key", func(t *testing.T) {
		_, err := NewHTTPProvider(HTTPOptions{Name: ProviderOpenAI})
		assert.ErrorIs(t, err, ErrNoProviderEnabled)
	})

	t.Run("unknown provider", func(t *testing.T) {
		_, err := NewHTTPProvider(HTTPOptions{Name: "cohere", APIKey: "k"})
		assert.ErrorIs(t, err, ErrUnsupportedModel)
	})
}
