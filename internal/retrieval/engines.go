package retrieval

import (
	"context"
	"fmt"
	"time"

	"github.com/syn-zhu/EverMemOS/internal/llm"
	"github.com/syn-zhu/EverMemOS/internal/storage"
	"github.com/syn-zhu/EverMemOS/pkg/types"
)

// Candidate is a hydrated memory with the score its producer assigned.
type Candidate struct {
	Memory *types.Memory
	Score  float64
}

// Query is what a strategy engine runs.
type Query struct {
	Text        string
	Filter      storage.RetrievalFilter
	Radius      float64
	CurrentTime *time.Time
}

// Engine produces one ranked candidate list.
type Engine interface {
	Name() string
	Retrieve(ctx context.Context, q Query) ([]Candidate, error)
}

// hydrate loads index hits through the store, which drops deleted rows, and
// re-applies the filter to the loaded records. Index order is preserved.
func hydrate(ctx context.Context, store storage.MemoryStore, hits []storage.ScoredID, q Query) ([]Candidate, error) {
	if len(hits) == 0 {
		return nil, nil
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	byID, err := store.GetMany(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("hydrate candidates: %w", err)
	}
	out := make([]Candidate, 0, len(hits))
	for _, h := range hits {
		m, ok := byID[h.ID]
		if !ok || !q.Filter.Matches(m) {
			continue
		}
		if q.CurrentTime != nil && m.MemoryType == types.MemoryTypeForesight && !m.ActiveAt(*q.CurrentTime) {
			continue
		}
		out = append(out, Candidate{Memory: m, Score: h.Score})
	}
	return out, nil
}

// KeywordEngine ranks by BM25 over the lexical index.
type KeywordEngine struct {
	index storage.KeywordIndex
	store storage.MemoryStore
}

// NewKeywordEngine creates a keyword engine over index, hydrating hits from store.
func NewKeywordEngine(index storage.KeywordIndex, store storage.MemoryStore) *KeywordEngine {
	return &KeywordEngine{index: index, store: store}
}

// Name identifies the engine in failure metadata.
func (e *KeywordEngine) Name() string { return string(MethodKeyword) }

// Retrieve returns BM25-ranked candidates in scope. An empty query lists
// by recency with zero scores.
func (e *KeywordEngine) Retrieve(ctx context.Context, q Query) ([]Candidate, error) {
	hits, err := e.index.KeywordSearch(ctx, storage.KeywordQuery{RetrievalFilter: q.Filter, Query: q.Text})
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	return hydrate(ctx, e.store, hits, q)
}

// VectorEngine ranks by cosine similarity of the query embedding.
type VectorEngine struct {
	index    storage.VectorIndex
	store    storage.MemoryStore
	embedder llm.EmbeddingGenerator
}

// NewVectorEngine creates a vector engine. Queries are embedded with
// embedder and hits are hydrated from store.
func NewVectorEngine(index storage.VectorIndex, store storage.MemoryStore, embedder llm.EmbeddingGenerator) *VectorEngine {
	return &VectorEngine{index: index, store: store, embedder: embedder}
}

// Name identifies the engine in failure metadata.
func (e *VectorEngine) Name() string { return string(MethodVector) }

// Retrieve returns candidates whose cosine similarity reaches the query radius.
func (e *VectorEngine) Retrieve(ctx context.Context, q Query) ([]Candidate, error) {
	vec, err := e.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := e.index.VectorSearch(ctx, storage.VectorQuery{
		RetrievalFilter: q.Filter,
		Vector:          vec,
		MinSimilarity:   q.Radius,
	})
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	cands, err := hydrate(ctx, e.store, hits, q)
	if err != nil {
		return nil, err
	}
	// The index applies the radius too; this guards indexes that only
	// approximate it.
	kept := cands[:0]
	for _, c := range cands {
		if c.Score >= q.Radius {
			kept = append(kept, c)
		}
	}
	return kept, nil
}
