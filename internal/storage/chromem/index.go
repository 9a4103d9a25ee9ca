// Package chromem provides an in-process storage.VectorIndex backed by
// chromem-go. Each memory type lives in its own collection; owner and time
// filters are applied through document metadata.
package chromem

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/syn-zhu/EverMemOS/internal/storage"
	"github.com/syn-zhu/EverMemOS/pkg/types"
)

var _ storage.VectorIndex = (*Index)(nil)

// oversample widens the raw query so post-filters on time still fill the limit.
const oversample = 4

// Index is a chromem-go backed vector index.
type Index struct {
	db          *chromem.DB
	collections map[types.MemoryType]*chromem.Collection
	mu          sync.RWMutex
	logger      *slog.Logger
}

// New creates an index. An empty path keeps everything in memory; otherwise
// collections are persisted under path.
func New(path string, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var db *chromem.DB
	if path == "" {
		db = chromem.NewDB()
	} else {
		var err error
		if db, err = chromem.NewPersistentDB(path, false); err != nil {
			return nil, fmt.Errorf("chromem: open %s: %w", path, err)
		}
	}

	return &Index{
		db:          db,
		collections: make(map[types.MemoryType]*chromem.Collection),
		logger:      logger,
	}, nil
}

// collection returns the collection for a memory type, creating it on first use.
func (x *Index) collection(mt types.MemoryType) (*chromem.Collection, error) {
	x.mu.RLock()
	col, ok := x.collections[mt]
	x.mu.RUnlock()
	if ok {
		return col, nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if col, ok := x.collections[mt]; ok {
		return col, nil
	}

	// Embeddings are always supplied by the caller, so no embedding func.
	col, err := x.db.GetOrCreateCollection("memories_"+string(mt), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem: create collection: %w", err)
	}
	x.collections[mt] = col
	return col, nil
}

// UpsertVector stores or replaces the embedding of a memory.
func (x *Index) UpsertVector(ctx context.Context, m *types.Memory, vector []float32, model string) error {
	if m == nil || m.ID == "" {
		return fmt.Errorf("%w: memory ID is required", storage.ErrInvalidInput)
	}
	if len(vector) == 0 {
		return fmt.Errorf("%w: embedding vector cannot be empty", storage.ErrInvalidInput)
	}

	col, err := x.collection(m.MemoryType)
	if err != nil {
		return err
	}

	// AddDocument overwrites by ID; chromem normalizes the vector.
	vec := make([]float32, len(vector))
	copy(vec, vector)

	metadata := map[string]string{
		"user_id":   m.UserID,
		"group_id":  m.GroupID,
		"timestamp": strconv.FormatInt(m.Timestamp.Unix(), 10),
		"dimension": strconv.Itoa(len(vector)),
		"model":     model,
	}
	// One key per reader, since where filters only match by equality.
	for _, u := range m.Readers() {
		metadata[readerKey(u)] = "1"
	}

	return col.AddDocument(ctx, chromem.Document{
		ID:        m.ID,
		Content:   m.IndexText(),
		Embedding: vec,
		Metadata:  metadata,
	})
}

// VectorSearch queries every requested type's collection and merges hits by similarity.
func (x *Index) VectorSearch(ctx context.Context, q storage.VectorQuery) ([]storage.ScoredID, error) {
	if len(q.Vector) == 0 {
		return nil, fmt.Errorf("%w: query vector cannot be empty", storage.ErrInvalidInput)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 40
	}

	memoryTypes := q.MemoryTypes
	if len(memoryTypes) == 0 {
		memoryTypes = types.ValidMemoryTypes
	}

	where := map[string]string{"dimension": strconv.Itoa(len(q.Vector))}
	if !storage.IsWildcard(q.Scope.UserID) {
		where[readerKey(q.Scope.UserID)] = "1"
	}
	if !storage.IsWildcard(q.Scope.GroupID) {
		where["group_id"] = q.Scope.GroupID
	}

	var hits []storage.ScoredID
	for _, mt := range memoryTypes {
		col, err := x.collection(mt)
		if err != nil {
			return nil, err
		}

		n := limit * oversample
		if count := col.Count(); n > count {
			n = count
		}
		if n == 0 {
			continue
		}

		results, err := queryWithShrink(ctx, col, q.Vector, n, where)
		if err != nil {
			return nil, fmt.Errorf("chromem: query %s: %w", mt, err)
		}

		for _, r := range results {
			sim := float64(r.Similarity)
			if sim < q.MinSimilarity || !inTimeRange(r.Metadata["timestamp"], q.RetrievalFilter) {
				continue
			}
			hits = append(hits, storage.ScoredID{ID: r.ID, Score: sim})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// DeleteVectors removes the given IDs from every collection.
func (x *Index) DeleteVectors(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	for _, mt := range types.ValidMemoryTypes {
		col, err := x.collection(mt)
		if err != nil {
			return err
		}
		if err := col.Delete(ctx, nil, nil, ids...); err != nil {
			return fmt.Errorf("chromem: delete from %s: %w", mt, err)
		}
	}
	return nil
}

// queryWithShrink retries with fewer results when the metadata filter leaves
// fewer documents than requested.
func queryWithShrink(ctx context.Context, col *chromem.Collection, vec []float32, n int, where map[string]string) ([]chromem.Result, error) {
	for ; n >= 1; n-- {
		results, err := col.QueryEmbedding(ctx, vec, n, where, nil)
		if err == nil {
			return results, nil
		}
		if !isInsufficientDocsError(err) {
			return nil, err
		}
	}
	return nil, nil
}

func isInsufficientDocsError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}

func readerKey(userID string) string {
	return "reader:" + userID
}

func inTimeRange(raw string, f storage.RetrievalFilter) bool {
	if f.StartTime == nil && f.EndTime == nil {
		return true
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false
	}
	if f.StartTime != nil && ts < f.StartTime.Unix() {
		return false
	}
	if f.EndTime != nil && ts > f.EndTime.Unix() {
		return false
	}
	return true
}

// DeleteByOwner removes every vector the user's scope reaches within the group. A
// wildcard or empty id does not constrain the match; both unset is a no-op.
func (x *Index) DeleteByOwner(ctx context.Context, userID, groupID string) error {
	where := map[string]string{}
	if !storage.IsWildcard(userID) {
		where[readerKey(userID)] = "1"
	}
	if !storage.IsWildcard(groupID) {
		where["group_id"] = groupID
	}
	if len(where) == 0 {
		return nil
	}
	for _, mt := range types.ValidMemoryTypes {
		col, err := x.collection(mt)
		if err != nil {
			return err
		}
		if err := col.Delete(ctx, where, nil); err != nil {
			return fmt.Errorf("chromem: delete owner from %s: %w", mt, err)
		}
	}
	return nil
}
