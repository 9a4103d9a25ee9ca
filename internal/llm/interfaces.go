// Package llm holds the model-facing clients used by boundary detection,
// memory extraction and retrieval: text completion, embeddings and
// reranking, each behind a small interface so tests and offline
// deployments can swap in deterministic implementations.
package llm

import "context"

// TextGenerator completes a single prompt.
type TextGenerator interface {
	Complete(ctx context.Context, prompt string) (string, error)
	GetModel() string
}

// EmbeddingGenerator turns text into a dense vector.
type EmbeddingGenerator interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	GetModel() string
}

// Reranker scores documents against a query. The returned slice is
// parallel to docs; higher is more relevant.
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []string) ([]float64, error)
}
