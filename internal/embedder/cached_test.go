package embedder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanchirEs/mns-chatbot-sub001/internal/cache"
)

// countingEmbedder wraps the local provider and counts texts sent to it
type countingEmbedder struct {
	*LocalProvider
	texts int
	fail  error
}

func (c *countingEmbedder) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if c.fail != nil {
		return nil, c.fail
	}
	c.texts += len(req.Texts)
	return c.LocalProvider.GenerateBatch(ctx, req)
}

func TestCachedEmbedder(t *testing.T) {
	ctx := context.Background()

	t.Run("second request served from cache", func(t *testing.T) {
		inner := &countingEmbedder{LocalProvider: NewLocalProvider(16, nil)}
		store := cache.NewMemory(100)
		c := NewCachedEmbedder(inner, store, time.Hour, nil)

		first, err := c.GenerateEmbedding(ctx, EmbeddingRequest{Text: "ibuprofen"})
		require.NoError(t, err)
		second, err := c.GenerateEmbedding(ctx, EmbeddingRequest{Text: "ibuprofen"})
		require.NoError(t, err)

		assert.Equal(t, 1, inner.texts)
		assert.Equal(t, first.Vector, second.Vector)
		assert.Equal(t, 16, c.Dimension())
	})

	t.Run("batch only embeds misses", func(t *testing.T) {
		inner := &countingEmbedder{LocalProvider: NewLocalProvider(16, nil)}
		c := NewCachedEmbedder(inner, cache.NewMemory(100), 0, nil)

		_, err := c.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{"a1", "b2"}})
		require.NoError(t, err)
		resp, err := c.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{"b2", "c3", "a1"}})
		require.NoError(t, err)

		assert.Equal(t, 3, inner.texts)
		require.Len(t, resp.Embeddings, 3)
		direct, _ := NewLocalProvider(16, nil).GenerateEmbedding(ctx, EmbeddingRequest{Text: "c3"})
		assert.Equal(t, direct.Vector, resp.Embeddings[1].Vector)
	})

	t.Run("keys use embedding prefix", func(t *testing.T) {
		store := cache.NewMemory(100)
		c := NewCachedEmbedder(NewLocalProvider(4, nil), store, 0, nil)
		_, err := c.GenerateEmbedding(ctx, EmbeddingRequest{Text: "x"})
		require.NoError(t, err)

		n, err := store.Purge(ctx, cache.EmbeddingKeyPrefix)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("corrupt entry is re-embedded", func(t *testing.T) {
		inner := &countingEmbedder{LocalProvider: NewLocalProvider(4, nil)}
		store := cache.NewMemory(100)
		c := NewCachedEmbedder(inner, store, 0, nil)
		require.NoError(t, store.Set(ctx, c.key("", "x"), []byte{1, 2, 3}, 0))

		_, err := c.GenerateEmbedding(ctx, EmbeddingRequest{Text: "x"})
		require.NoError(t, err)
		assert.Equal(t, 1, inner.texts)
	})

	t.Run("provider errors pass through", func(t *testing.T) {
		boom := errors.New("boom")
		inner := &countingEmbedder{LocalProvider: NewLocalProvider(4, nil), fail: boom}
		c := NewCachedEmbedder(inner, cache.NewMemory(10), 0, nil)

		_, err := c.GenerateEmbedding(ctx, EmbeddingRequest{Text: "x"})
		assert.ErrorIs(t, err, boom)
	})
}

func TestVectorCodec(t *testing.T) {
	v := []float32{0.25, -1.5, 3}
	got, err := decodeVector(encodeVector(v))
	require.NoError(t, err)
	assert.Equal(t, v, got)

	_, err = decodeVector([]byte{1})
	assert.Error(t, err)
}
