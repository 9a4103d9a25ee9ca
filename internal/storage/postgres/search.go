package postgres

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/lib/pq"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/syn-zhu/EverMemOS/internal/storage"
	"github.com/syn-zhu/EverMemOS/pkg/types"
)

const vectorSearchMaxCandidates = 10_000

// KeywordSearch ranks memories with ts_rank_cd over the generated tsvector.
func (s *Store) KeywordSearch(ctx context.Context, q storage.KeywordQuery) ([]storage.ScoredID, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 40
	}

	b := filterBinder(q.RetrievalFilter)

	if strings.TrimSpace(q.Query) == "" {
		query := `SELECT m.id, 0.0 FROM memories m WHERE ` + b.where() + ` ORDER BY m.timestamp DESC LIMIT ` + b.next(limit)
		return s.queryScored(ctx, query, b.args)
	}

	terms := storage.Tokenize(q.Query)
	if len(terms) == 0 {
		return nil, nil
	}
	for i, t := range terms {
		terms[i] = t + ":*"
	}
	tsq := b.next(strings.Join(terms, " | "))
	b.add("m.content_tsv @@ to_tsquery('english', " + tsq + ")")

	query := `SELECT m.id, ts_rank_cd(m.content_tsv, to_tsquery('english', ` + tsq + `)) AS score
		FROM memories m WHERE ` + b.where() + ` ORDER BY score DESC LIMIT ` + b.next(limit)
	return s.queryScored(ctx, query, b.args)
}

// UpsertVector stores or replaces the embedding of a memory.
func (s *Store) UpsertVector(ctx context.Context, memory *types.Memory, vector []float32, model string) error {
	if memory == nil || memory.ID == "" {
		return fmt.Errorf("%w: memory ID is required", storage.ErrInvalidInput)
	}
	if len(vector) == 0 {
		return fmt.Errorf("%w: embedding vector cannot be empty", storage.ErrInvalidInput)
	}

	var err error
	if s.pgvectorAvailable {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO memory_embeddings (memory_id, embedding, dimension, model, embedding_vec, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			ON CONFLICT (memory_id) DO UPDATE SET
				embedding = excluded.embedding,
				dimension = excluded.dimension,
				model = excluded.model,
				embedding_vec = excluded.embedding_vec,
				updated_at = NOW()`,
			memory.ID, pq.Array(vector), len(vector), model, pgvector.NewVector(vector))
	} else {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO memory_embeddings (memory_id, embedding, dimension, model, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (memory_id) DO UPDATE SET
				embedding = excluded.embedding,
				dimension = excluded.dimension,
				model = excluded.model,
				updated_at = NOW()`,
			memory.ID, pq.Array(vector), len(vector), model)
	}
	if err != nil {
		return fmt.Errorf("postgres: failed to store embedding: %w", err)
	}
	return nil
}

// VectorSearch returns memories ordered by cosine similarity.
func (s *Store) VectorSearch(ctx context.Context, q storage.VectorQuery) ([]storage.ScoredID, error) {
	if len(q.Vector) == 0 {
		return nil, fmt.Errorf("%w: query vector cannot be empty", storage.ErrInvalidInput)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 40
	}

	b := filterBinder(q.RetrievalFilter)
	b.add("e.dimension = ?", len(q.Vector))

	if s.pgvectorAvailable {
		vec := b.next(pgvector.NewVector(q.Vector))
		b.add("1 - (e.embedding_vec <=> "+vec+"::vector) >= ?", q.MinSimilarity)
		query := `SELECT m.id, 1 - (e.embedding_vec <=> ` + vec + `::vector) AS score
			FROM memory_embeddings e JOIN memories m ON m.id = e.memory_id
			WHERE e.embedding_vec IS NOT NULL AND ` + b.where() + `
			ORDER BY e.embedding_vec <=> ` + vec + `::vector LIMIT ` + b.next(limit)
		return s.queryScored(ctx, query, b.args)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT m.id, e.embedding
		FROM memory_embeddings e JOIN memories m ON m.id = e.memory_id
		WHERE `+b.where()+` LIMIT `+b.next(vectorSearchMaxCandidates), b.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: vector search failed: %w", err)
	}
	defer rows.Close()

	var hits []storage.ScoredID
	for rows.Next() {
		var id string
		var emb pq.Float32Array
		if err := rows.Scan(&id, &emb); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan embedding: %w", err)
		}
		if sim := cosineSimilarity(q.Vector, emb); sim >= q.MinSimilarity {
			hits = append(hits, storage.ScoredID{ID: id, Score: sim})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// DeleteVectors removes embeddings for the given memories.
func (s *Store) DeleteVectors(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM memory_embeddings WHERE memory_id = ANY($1)`, pq.Array(ids)); err != nil {
		return fmt.Errorf("postgres: failed to delete embeddings: %w", err)
	}
	return nil
}

func (s *Store) queryScored(ctx context.Context, query string, args []interface{}) ([]storage.ScoredID, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: search failed: %w", err)
	}
	defer rows.Close()

	var out []storage.ScoredID
	for rows.Next() {
		var hit storage.ScoredID
		if err := rows.Scan(&hit.ID, &hit.Score); err != nil {
			return nil, err
		}
		out = append(out, hit)
	}
	return out, rows.Err()
}

func filterBinder(f storage.RetrievalFilter) *binder {
	b := &binder{}
	b.add("NOT m.deleted")
	if !storage.IsWildcard(f.Scope.UserID) {
		b.add(userClause("m"), f.Scope.UserID, f.Scope.UserID)
	}
	if !storage.IsWildcard(f.Scope.GroupID) {
		b.add("m.group_id = ?", f.Scope.GroupID)
	}
	if len(f.MemoryTypes) > 0 {
		mt := make([]string, len(f.MemoryTypes))
		for i, t := range f.MemoryTypes {
			mt[i] = string(t)
		}
		b.add("m.memory_type = ANY(?)", pq.Array(mt))
	}
	if f.StartTime != nil {
		b.add("m.timestamp >= ?", f.StartTime.UTC())
	}
	if f.EndTime != nil {
		b.add("m.timestamp <= ?", f.EndTime.UTC())
	}
	return b
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// userClause matches rows a user's scope reaches: their own memories and
// group memories without a user id that list them as a participant.
func userClause(alias string) string {
	return "(" + alias + ".user_id = ? OR (" + alias + ".user_id = '' AND " + alias + ".group_id <> '' AND ? = ANY(" + alias + ".participants)))"
}
