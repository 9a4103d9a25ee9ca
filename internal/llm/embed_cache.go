package llm

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// CachedEmbedder memoizes embeddings by model and text. Retrieval embeds
// the same query repeatedly across agentic rounds and paginated requests.
type CachedEmbedder struct {
	next  EmbeddingGenerator
	cache *ristretto.Cache
}

// NewCachedEmbedder wraps next with a cache holding up to maxVectors
// entries. maxVectors <= 0 disables caching and returns next unchanged.
func NewCachedEmbedder(next EmbeddingGenerator, maxVectors int64) (EmbeddingGenerator, error) {
	if maxVectors <= 0 {
		return next, nil
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxVectors * 10,
		MaxCost:     maxVectors,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding cache: %w", err)
	}
	return &CachedEmbedder{next: next, cache: cache}, nil
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.next.GetModel() + "\x00" + text
	if v, ok := c.cache.Get(key); ok {
		return v.([]float32), nil
	}
	vec, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, vec, 1)
	return vec, nil
}

func (c *CachedEmbedder) GetModel() string { return c.next.GetModel() }

// Close releases the cache's background goroutines.
func (c *CachedEmbedder) Close() { c.cache.Close() }

// wait flushes pending sets; ristretto applies them asynchronously.
func (c *CachedEmbedder) wait() { c.cache.Wait() }
