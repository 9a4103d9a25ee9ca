package sqlite

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/syn-zhu/EverMemOS/internal/storage"
	"github.com/syn-zhu/EverMemOS/pkg/types"
)

// vectorSearchMaxCandidates caps how many embeddings are loaded into memory
// for a single similarity scan.
const vectorSearchMaxCandidates = 10_000

// KeywordSearch ranks memories with FTS5 BM25. Scores are positive; higher is
// better. An empty query lists the scope's memories by recency with score 0.
func (s *Store) KeywordSearch(ctx context.Context, q storage.KeywordQuery) ([]storage.ScoredID, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 40
	}

	where, args := filterClause("m", q.RetrievalFilter)

	if strings.TrimSpace(q.Query) == "" {
		rows, err := s.db.QueryContext(ctx,
			`SELECT m.id, 0.0 FROM memories m WHERE `+where+` ORDER BY m.timestamp DESC LIMIT ?`,
			append(args, limit)...)
		if err != nil {
			return nil, fmt.Errorf("failed to list memories: %w", err)
		}
		defer rows.Close()
		return scanScored(rows)
	}

	match := ftsMatch(q.Query)
	if match == "" {
		return nil, nil
	}

	query := `
		SELECT m.id, -bm25(memories_fts) AS score
		FROM memories_fts
		JOIN memories m ON m.rowid = memories_fts.rowid
		WHERE memories_fts MATCH ? AND ` + where + `
		ORDER BY bm25(memories_fts)
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, append(append([]interface{}{match}, args...), limit)...)
	if err != nil {
		return nil, fmt.Errorf("full-text search failed: %w", err)
	}
	defer rows.Close()
	return scanScored(rows)
}

// UpsertVector stores or replaces the embedding of a memory.
func (s *Store) UpsertVector(ctx context.Context, memory *types.Memory, vector []float32, model string) error {
	if memory == nil || memory.ID == "" {
		return fmt.Errorf("%w: memory ID is required", storage.ErrInvalidInput)
	}
	if len(vector) == 0 {
		return fmt.Errorf("%w: embedding vector cannot be empty", storage.ErrInvalidInput)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_embeddings (memory_id, embedding, dimension, model, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (memory_id) DO UPDATE SET
			embedding = excluded.embedding,
			dimension = excluded.dimension,
			model = excluded.model,
			updated_at = excluded.updated_at`,
		memory.ID, serializeEmbedding(vector), len(vector), model, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to store embedding: %w", err)
	}
	return nil
}

// VectorSearch scores candidate embeddings by cosine similarity in Go.
func (s *Store) VectorSearch(ctx context.Context, q storage.VectorQuery) ([]storage.ScoredID, error) {
	if len(q.Vector) == 0 {
		return nil, fmt.Errorf("%w: query vector cannot be empty", storage.ErrInvalidInput)
	}

	where, args := filterClause("m", q.RetrievalFilter)
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, e.embedding
		FROM memory_embeddings e
		JOIN memories m ON m.id = e.memory_id
		WHERE e.dimension = ? AND `+where+`
		LIMIT ?`,
		append(append([]interface{}{len(q.Vector)}, args...), vectorSearchMaxCandidates)...)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	defer rows.Close()

	var hits []storage.ScoredID
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan embedding: %w", err)
		}
		sim := cosineSimilarity(q.Vector, deserializeEmbedding(blob))
		if sim < q.MinSimilarity {
			continue
		}
		hits = append(hits, storage.ScoredID{ID: id, Score: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if q.Limit > 0 && len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	return hits, nil
}

// DeleteVectors removes embeddings for the given memories.
func (s *Store) DeleteVectors(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_embeddings WHERE memory_id IN (`+placeholders(len(ids))+`)`, args...); err != nil {
		return fmt.Errorf("failed to delete embeddings: %w", err)
	}
	return nil
}

// filterClause renders a RetrievalFilter as a WHERE fragment over alias.
func filterClause(alias string, f storage.RetrievalFilter) (string, []interface{}) {
	where := []string{alias + ".deleted = 0"}
	var args []interface{}

	if !storage.IsWildcard(f.Scope.UserID) {
		where = append(where, userClause(alias))
		args = append(args, f.Scope.UserID, f.Scope.UserID)
	}
	if !storage.IsWildcard(f.Scope.GroupID) {
		where = append(where, alias+".group_id = ?")
		args = append(args, f.Scope.GroupID)
	}
	if len(f.MemoryTypes) > 0 {
		where = append(where, alias+".memory_type IN ("+placeholders(len(f.MemoryTypes))+")")
		for _, t := range f.MemoryTypes {
			args = append(args, t)
		}
	}
	if f.StartTime != nil {
		where = append(where, alias+".timestamp >= ?")
		args = append(args, f.StartTime.UTC())
	}
	if f.EndTime != nil {
		where = append(where, alias+".timestamp <= ?")
		args = append(args, f.EndTime.UTC())
	}

	return strings.Join(where, " AND "), args
}

// ftsMatch converts a free-form query into a safe FTS5 MATCH expression:
// every token becomes a quoted prefix term and terms are ORed.
func ftsMatch(query string) string {
	terms := storage.Tokenize(query)
	if len(terms) == 0 {
		return ""
	}
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"*`
	}
	return strings.Join(terms, " OR ")
}

func scanScored(rows interface {
	Next() bool
	Scan(...interface{}) error
	Err() error
}) ([]storage.ScoredID, error) {
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

// serializeEmbedding encodes a vector as little-endian float32 values.
func serializeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func deserializeEmbedding(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

// cosineSimilarity computes cosine similarity between two equal-length vectors.
// Returns 0 if either vector has zero magnitude or lengths differ.
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
// group memories without a user id that list them as a participant. It
// takes the user id twice.
func userClause(alias string) string {
	return "(" + alias + ".user_id = ? OR (" + alias + ".user_id = '' AND " + alias + ".group_id != '' AND EXISTS (SELECT 1 FROM json_each(" + alias + ".participants) p WHERE p.value = ?)))"
}
