package retrieval

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syn-zhu/EverMemOS/internal/storage"
	"github.com/syn-zhu/EverMemOS/internal/storage/sqlite"
	"github.com/syn-zhu/EverMemOS/pkg/types"
)

var t0 = time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)

// mapEmbedder returns fixed vectors per text; unknown text fails.
type mapEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (m mapEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	v, ok := m.vectors[text]
	if !ok {
		return nil, fmt.Errorf("no vector for %q", text)
	}
	return v, nil
}
func (m mapEmbedder) GetModel() string { return "map" }

type stubReranker struct {
	scores func(docs []string) []float64
	err    error
}

func (s stubReranker) Rerank(_ context.Context, _ string, docs []string) ([]float64, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.scores(docs), nil
}

type fixture struct {
	store  *sqlite.Store
	byName map[string]*types.Memory
}

// newFixture stores four memories for user u1 across two groups:
//
//	A g1 "espresso coffee beans roast"  vec [1, 0, 0]     (cos 1.0 to "coffee")
//	B g1 "coffee shop downtown"         vec [0.8, 0.6, 0] (cos 0.8)
//	C g1 "hiking trail mountains"       vec [0.5, 0.866, 0] (cos 0.5)
//	D g2 "coffee grinder review"        vec [0, 1, 0]     (cos 0)
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "retrieval.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	specs := []struct {
		name, group, content string
		vec                  []float32
	}{
		{"A", "g1", "espresso coffee beans roast", []float32{1, 0, 0}},
		{"B", "g1", "coffee shop downtown", []float32{0.8, 0.6, 0}},
		{"C", "g1", "hiking trail mountains", []float32{0.5, 0.866, 0}},
		{"D", "g2", "coffee grinder review", []float32{0, 1, 0}},
	}
	f := &fixture{store: store, byName: map[string]*types.Memory{}}
	for i, s := range specs {
		m := &types.Memory{
			ID:         "mem-" + s.name,
			MemoryType: types.MemoryTypeEpisodic,
			UserID:     "u1",
			GroupID:    s.group,
			Timestamp:  t0.Add(time.Duration(i) * time.Hour),
			Subject:    s.content,
			Summary:    s.content,
			Content:    s.content,
			Keywords:   []string{"topic" + s.name},
		}
		require.NoError(t, store.Save(ctx, []*types.Memory{m}))
		require.NoError(t, store.UpsertVector(ctx, m, s.vec, "map"))
		f.byName[s.name] = m
	}
	return f
}

func (f *fixture) router(opts RouterOptions) *Router {
	if opts.Keyword == nil {
		opts.Keyword = NewKeywordEngine(f.store, f.store)
	}
	if opts.Vector == nil {
		opts.Vector = NewVectorEngine(f.store, f.store, mapEmbedder{vectors: map[string][]float32{
			"coffee": {1, 0, 0},
		}})
	}
	if opts.Pending == nil {
		opts.Pending = f.store
	}
	return NewRouter(opts)
}

func ids(resp *Response) []string {
	var out []string
	for _, g := range resp.Memories {
		for _, h := range g.Memories {
			out = append(out, h.Memory.ID)
		}
	}
	return out
}

func sortedIDs(resp *Response) []string {
	out := ids(resp)
	sort.Strings(out)
	return out
}

func TestRequestNormalize(t *testing.T) {
	cfg := DefaultConfig()

	req := Request{Scope: types.Scope{GroupID: "g1"}}
	require.NoError(t, req.normalize(cfg))
	assert.Equal(t, MethodKeyword, req.Method)
	assert.Equal(t, 40, req.TopK)
	assert.Equal(t, 40, req.PageSize)
	assert.Equal(t, 1, req.Page)
	assert.Equal(t, []types.MemoryType{types.MemoryTypeEpisodic}, req.MemoryTypes)
	assert.InDelta(t, 0.6, *req.Radius, 1e-9)

	zero := 0.0
	req = Request{Scope: types.Scope{UserID: "u1"}, Method: MethodVector, Query: "x", Radius: &zero}
	require.NoError(t, req.normalize(cfg))
	assert.Zero(t, *req.Radius)

	bad := []Request{
		{},
		{Scope: types.Scope{UserID: types.Wildcard, GroupID: types.Wildcard}},
		{Scope: types.Scope{GroupID: "g1"}, Method: MethodVector},
		{Scope: types.Scope{GroupID: "g1"}, Method: "semantic", Query: "x"},
		{Scope: types.Scope{GroupID: "g1"}, TopK: 101},
		{Scope: types.Scope{GroupID: "g1"}, MemoryTypes: []types.MemoryType{types.MemoryTypeProfile}},
		{Scope: types.Scope{GroupID: "g1"}, MemoryTypes: []types.MemoryType{"diary"}},
		{Scope: types.Scope{GroupID: "g1"}, Radius: func() *float64 { v := 1.5; return &v }()},
		{Scope: types.Scope{GroupID: "g1"}, StartTime: &t0, EndTime: func() *time.Time { v := t0.Add(-time.Hour); return &v }()},
		{Scope: types.Scope{GroupID: "g1"}, Page: 1<<62 + 1, PageSize: 3},
	}
	for i, r := range bad {
		err := r.normalize(cfg)
		assert.ErrorIs(t, err, storage.ErrInvalidInput, "case %d", i)
	}
}

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod("RRF")
	require.NoError(t, err)
	assert.Equal(t, MethodRRF, m)
	m, err = ParseMethod("")
	require.NoError(t, err)
	assert.Equal(t, MethodKeyword, m)
	_, err = ParseMethod("fuzzy")
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestParseTime(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)

	end, err := ParseTime("2025-04-01", loc, true)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 4, 1, 23, 59, 59, 0, loc), *end)

	start, err := ParseTime("2025-04-01", loc, false)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 4, 1, 0, 0, 0, 0, loc), *start)

	naive, err := ParseTime("2025-04-01T10:00:00", loc, false)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 4, 1, 2, 0, 0, 0, time.UTC), naive.UTC())

	none, err := ParseTime("  ", loc, false)
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = ParseTime("yesterday", loc, false)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func cand(id string, score float64) Candidate {
	return Candidate{Memory: &types.Memory{ID: id, GroupID: "g", Timestamp: t0}, Score: score}
}

func TestFuserRRF(t *testing.T) {
	f := NewFuser(nil, 60, nil)
	res := f.Fuse(context.Background(), StrategyRRF, "q", [][]Candidate{
		{cand("a", 9), cand("b", 5)},
		{cand("b", 0.9), cand("c", 0.8)},
	})
	require.Len(t, res.Candidates, 3)
	assert.Equal(t, "b", res.Candidates[0].Memory.ID)
	assert.InDelta(t, 1.0/62+1.0/61, res.Candidates[0].Score, 1e-12)
	assert.Equal(t, "a", res.Candidates[1].Memory.ID)
	assert.InDelta(t, 1.0/61, res.Candidates[1].Score, 1e-12)
	assert.InDelta(t, 1.0/62, res.Candidates[2].Score, 1e-12)
	assert.False(t, res.RerankFallback)
}

func TestFuserNativeKeepsBestScore(t *testing.T) {
	f := NewFuser(nil, 60, nil)
	res := f.Fuse(context.Background(), StrategyNative, "q", [][]Candidate{
		{cand("a", 0.2), cand("b", 0.5)},
		{cand("a", 0.9)},
	})
	require.Len(t, res.Candidates, 2)
	assert.Equal(t, "a", res.Candidates[0].Memory.ID)
	assert.Equal(t, 0.9, res.Candidates[0].Score)
}

func TestFuserRerank(t *testing.T) {
	// Scores the last document highest.
	rr := stubReranker{scores: func(docs []string) []float64 {
		out := make([]float64, len(docs))
		for i := range docs {
			out[i] = float64(i)
		}
		return out
	}}
	f := NewFuser(rr, 60, nil)
	res := f.Fuse(context.Background(), StrategyRerank, "q", [][]Candidate{
		{cand("a", 10), cand("b", 5)},
		{cand("c", 0.1)},
	})
	require.Len(t, res.Candidates, 3)
	assert.Equal(t, "c", res.Candidates[0].Memory.ID)
	assert.False(t, res.RerankFallback)
}

func TestFuserRerankFallbackNormalizes(t *testing.T) {
	f := NewFuser(stubReranker{err: errors.New("rerank service down")}, 60, nil)
	res := f.Fuse(context.Background(), StrategyRerank, "q", [][]Candidate{
		{cand("a", 12), cand("b", 10), cand("c", 2)}, // bm25 scale
		{cand("d", 0.95), cand("e", 0.7)},           // cosine scale
	})
	assert.True(t, res.RerankFallback)
	require.Len(t, res.Candidates, 5)
	top := []string{res.Candidates[0].Memory.ID, res.Candidates[1].Memory.ID}
	assert.ElementsMatch(t, []string{"a", "d"}, top, "each list's best maps to 1")
	for _, c := range res.Candidates {
		assert.GreaterOrEqual(t, c.Score, 0.0)
		assert.LessOrEqual(t, c.Score, 1.0)
	}
}

func TestGroupHitsOrdering(t *testing.T) {
	mk := func(id, group string, score float64) Candidate {
		return Candidate{Memory: &types.Memory{ID: id, GroupID: group}, Score: score}
	}
	groups := groupHits([]Candidate{
		mk("1", "g2", 0.9),
		mk("2", "g1", 0.5),
		mk("3", "g1", 0.45),
		mk("4", "g3", 0.45),
		mk("5", "g0", 0.45),
	})
	require.Len(t, groups, 4)
	assert.Equal(t, "g1", groups[0].GroupID)
	assert.InDelta(t, 0.95, groups[0].ImportanceScore, 1e-9)
	assert.Equal(t, "2", groups[0].Memories[0].Memory.ID, "rank order within a group")
	assert.Equal(t, "g2", groups[1].GroupID)
	assert.Equal(t, "g0", groups[2].GroupID, "ties broken by group id")
	assert.Equal(t, "g3", groups[3].GroupID)
}

func TestAggregatePagination(t *testing.T) {
	var ranked []Candidate
	for i := 0; i < 7; i++ {
		ranked = append(ranked, cand(fmt.Sprintf("m%d", i), float64(10-i)))
	}
	groups, total, more := aggregate(ranked, 5, 1, 2)
	assert.Equal(t, 5, total, "capped at top_k before paging")
	assert.True(t, more)
	assert.Len(t, groups[0].Memories, 2)

	_, _, more = aggregate(ranked, 5, 3, 2)
	assert.False(t, more)

	groups, total, more = aggregate(ranked, 5, 9, 2)
	assert.Equal(t, 5, total)
	assert.False(t, more)
	assert.Empty(t, groups)

	groups, total, more = aggregate(ranked, 5, 1<<62+1, 3)
	assert.Equal(t, 5, total)
	assert.False(t, more)
	assert.Empty(t, groups)

	groups, _, more = aggregate(ranked, 5, 1, int(^uint(0)>>1))
	assert.False(t, more)
	require.Len(t, groups, 1)
	assert.Len(t, groups[0].Memories, 5)
}

func TestSearchRejectsHugePage(t *testing.T) {
	f := newFixture(t)
	_, err := f.router(RouterOptions{}).Search(context.Background(),
		Request{Scope: types.Scope{UserID: "u1"}, Query: "coffee", Page: 1<<62 + 1, PageSize: 3})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestKeywordSearch(t *testing.T) {
	f := newFixture(t)
	r := f.router(RouterOptions{})

	resp, err := r.Search(context.Background(), Request{Scope: types.Scope{UserID: "u1"}, Query: "coffee"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"mem-A", "mem-B", "mem-D"}, ids(resp))
	assert.Equal(t, 3, resp.TotalCount)
	assert.False(t, resp.HasMore)
	assert.Equal(t, MethodKeyword, resp.Metadata.RetrieveMethod)
	assert.NotNil(t, resp.PendingMessages)

	resp, err = r.Search(context.Background(), Request{Scope: types.Scope{GroupID: "g2"}, Query: "coffee"})
	require.NoError(t, err)
	assert.Equal(t, []string{"mem-D"}, ids(resp))
}

func TestKeywordSearchEmptyQueryListsByRecency(t *testing.T) {
	f := newFixture(t)
	resp, err := f.router(RouterOptions{}).Search(context.Background(), Request{Scope: types.Scope{GroupID: "g1"}})
	require.NoError(t, err)
	require.Len(t, resp.Memories, 1)
	assert.Equal(t, []string{"mem-C", "mem-B", "mem-A"}, ids(resp))
	for _, h := range resp.Memories[0].Memories {
		assert.Zero(t, h.Score)
	}
}

func TestSearchExcludesDeleted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.router(RouterOptions{})

	n, err := f.store.SoftDelete(ctx, storage.DeleteFilter{EventID: "mem-A", UserID: types.Wildcard, GroupID: types.Wildcard})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	for _, m := range []Method{MethodKeyword, MethodVector, MethodRRF, MethodHybrid} {
		resp, err := r.Search(ctx, Request{Scope: types.Scope{UserID: "u1"}, Query: "coffee", Method: m})
		require.NoError(t, err, m)
		assert.NotContains(t, ids(resp), "mem-A", m)
	}
}

func TestVectorSearchHonoursRadius(t *testing.T) {
	f := newFixture(t)
	r := f.router(RouterOptions{})

	for _, radius := range []float64{0, 0.5, 0.6, 0.85, 1} {
		radius := radius
		resp, err := r.Search(context.Background(), Request{
			Scope: types.Scope{UserID: "u1"}, Query: "coffee", Method: MethodVector, Radius: &radius,
		})
		require.NoError(t, err)
		for _, g := range resp.Memories {
			for _, h := range g.Memories {
				assert.GreaterOrEqual(t, h.Score, radius, "radius %.2f returned %s", radius, h.Memory.ID)
			}
		}
	}

	resp, err := r.Search(context.Background(), Request{Scope: types.Scope{UserID: "u1"}, Query: "coffee", Method: MethodVector})
	require.NoError(t, err)
	assert.Equal(t, []string{"mem-A", "mem-B"}, ids(resp), "default radius 0.6 excludes C and D")
}

func TestRRFAndHybridShareMembership(t *testing.T) {
	f := newFixture(t)
	reverse := stubReranker{scores: func(docs []string) []float64 {
		out := make([]float64, len(docs))
		for i := range docs {
			out[i] = float64(len(docs) - i)
		}
		return out
	}}
	r := f.router(RouterOptions{Fuser: NewFuser(reverse, 60, nil)})
	req := Request{Scope: types.Scope{UserID: "u1"}, Query: "coffee"}

	req.Method = MethodRRF
	rrf, err := r.Search(context.Background(), req)
	require.NoError(t, err)
	req.Method = MethodHybrid
	hybrid, err := r.Search(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, sortedIDs(rrf), sortedIDs(hybrid))
	assert.Equal(t, []string{"mem-A", "mem-B", "mem-D"}, sortedIDs(rrf))
	assert.False(t, hybrid.Metadata.Partial)
	assert.False(t, hybrid.Metadata.RerankFallback)
}

func TestHybridWithoutRerankerFallsBack(t *testing.T) {
	f := newFixture(t)
	resp, err := f.router(RouterOptions{}).Search(context.Background(), Request{
		Scope: types.Scope{UserID: "u1"}, Query: "coffee", Method: MethodHybrid,
	})
	require.NoError(t, err)
	assert.True(t, resp.Metadata.RerankFallback)
	assert.ElementsMatch(t, []string{"mem-A", "mem-B", "mem-D"}, ids(resp))
	for _, g := range resp.Memories {
		for _, h := range g.Memories {
			assert.LessOrEqual(t, h.Score, 1.0, "fallback scores are normalized")
		}
	}
}

func TestFusedSearchDegradesWhenOneEngineFails(t *testing.T) {
	f := newFixture(t)
	broken := NewVectorEngine(f.store, f.store, mapEmbedder{err: errors.New("embedding backend unreachable")})
	r := f.router(RouterOptions{Vector: broken})

	for _, m := range []Method{MethodRRF, MethodHybrid} {
		resp, err := r.Search(context.Background(), Request{Scope: types.Scope{UserID: "u1"}, Query: "coffee", Method: m})
		require.NoError(t, err)
		assert.True(t, resp.Metadata.Partial)
		assert.Equal(t, []string{"vector"}, resp.Metadata.FailedEngines)
		assert.ElementsMatch(t, []string{"mem-A", "mem-B", "mem-D"}, ids(resp))
	}

	_, err := r.Search(context.Background(), Request{Scope: types.Scope{UserID: "u1"}, Query: "coffee", Method: MethodVector})
	assert.Error(t, err, "a single-engine method fails outright")
}

type failingEngine struct{ name string }

func (e failingEngine) Name() string { return e.name }
func (e failingEngine) Retrieve(context.Context, Query) ([]Candidate, error) {
	return nil, errors.New(e.name + " down")
}

func TestFusedSearchFailsWhenAllEnginesFail(t *testing.T) {
	f := newFixture(t)
	r := f.router(RouterOptions{Keyword: failingEngine{"keyword"}, Vector: failingEngine{"vector"}})
	_, err := r.Search(context.Background(), Request{Scope: types.Scope{UserID: "u1"}, Query: "coffee", Method: MethodRRF})
	assert.Error(t, err)
}

func TestVectorNotConfigured(t *testing.T) {
	f := newFixture(t)
	r := NewRouter(RouterOptions{Keyword: NewKeywordEngine(f.store, f.store), Pending: f.store})
	_, err := r.Search(context.Background(), Request{Scope: types.Scope{UserID: "u1"}, Query: "coffee", Method: MethodVector})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	resp, err := r.Search(context.Background(), Request{Scope: types.Scope{UserID: "u1"}, Query: "coffee", Method: MethodRRF})
	require.NoError(t, err)
	assert.True(t, resp.Metadata.Partial)
	assert.Equal(t, []string{"vector"}, resp.Metadata.FailedEngines)
}

func TestSearchIncludesPendingMessages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for i, id := range []string{"p1", "p2"} {
		_, err := f.store.Append(ctx, types.Message{
			MessageID: id, GroupID: "g1", Sender: "u1", CreateTime: t0.Add(time.Duration(i) * time.Minute), Content: "not yet memory",
		})
		require.NoError(t, err)
	}
	_, err := f.store.Append(ctx, types.Message{MessageID: "other", GroupID: "g9", Sender: "u9", CreateTime: t0, Content: "elsewhere"})
	require.NoError(t, err)

	resp, err := f.router(RouterOptions{}).Search(ctx, Request{Scope: types.Scope{GroupID: "g1"}, Query: "coffee"})
	require.NoError(t, err)
	require.Len(t, resp.PendingMessages, 2)
	assert.Equal(t, "p1", resp.PendingMessages[0].MessageID)
	assert.Equal(t, "p2", resp.PendingMessages[1].MessageID)
}

func TestForesightCurrentTime(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	start, end := t0, t0.Add(48*time.Hour)
	m := &types.Memory{
		ID: "fs-1", MemoryType: types.MemoryTypeForesight, UserID: "u1", GroupID: "g1",
		Timestamp: t0, Content: "coffee tasting next week", StartTime: &start, EndTime: &end,
	}
	require.NoError(t, f.store.Save(ctx, []*types.Memory{m}))
	r := f.router(RouterOptions{})

	inside := t0.Add(time.Hour)
	resp, err := r.Search(ctx, Request{Scope: types.Scope{GroupID: "g1"}, Query: "tasting",
		MemoryTypes: []types.MemoryType{types.MemoryTypeForesight}, CurrentTime: &inside})
	require.NoError(t, err)
	assert.Equal(t, []string{"fs-1"}, ids(resp))

	after := t0.Add(72 * time.Hour)
	resp, err = r.Search(ctx, Request{Scope: types.Scope{GroupID: "g1"}, Query: "tasting",
		MemoryTypes: []types.MemoryType{types.MemoryTypeForesight}, CurrentTime: &after})
	require.NoError(t, err)
	assert.Empty(t, ids(resp))
}

// scriptedEngine returns a fixed list per query text.
type scriptedEngine struct {
	name    string
	results map[string][]Candidate
	mu      sync.Mutex
	seen    []string
}

func (s *scriptedEngine) Name() string { return s.name }
func (s *scriptedEngine) Retrieve(_ context.Context, q Query) ([]Candidate, error) {
	s.mu.Lock()
	s.seen = append(s.seen, q.Text)
	s.mu.Unlock()
	return s.results[q.Text], nil
}

type scriptedRefiner struct {
	replies []Refinement
	calls   int
	onCall  func()
}

func (s *scriptedRefiner) Refine(context.Context, string, []Candidate) (Refinement, error) {
	if s.onCall != nil {
		s.onCall()
	}
	i := min(s.calls, len(s.replies)-1)
	s.calls++
	return s.replies[i], nil
}

func agenticRouter(kw, vec Engine, ref Refiner) *Router {
	return NewRouter(RouterOptions{Keyword: kw, Vector: vec, Refiner: ref, Config: Config{AgenticMaxRounds: 3}})
}

func TestAgenticStopsWhenSufficient(t *testing.T) {
	kw := &scriptedEngine{name: "keyword", results: map[string][]Candidate{"trip": {cand("a", 3)}}}
	vec := &scriptedEngine{name: "vector", results: map[string][]Candidate{"trip": {cand("b", 0.9)}}}
	ref := &scriptedRefiner{replies: []Refinement{{Sufficient: true}}}

	resp, err := agenticRouter(kw, vec, ref).Search(context.Background(), Request{Scope: types.Scope{GroupID: "g"}, Query: "trip", Method: MethodAgentic})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Metadata.Rounds)
	assert.Equal(t, StopSufficient, resp.Metadata.StopReason)
	assert.ElementsMatch(t, []string{"a", "b"}, ids(resp))
	assert.True(t, resp.Metadata.RerankFallback, "no reranker configured")
}

func TestAgenticMergesRoundsUntilBudget(t *testing.T) {
	kw := &scriptedEngine{name: "keyword", results: map[string][]Candidate{
		"trip":        {cand("a", 3)},
		"trip flight": {cand("c", 2)},
		"trip hotel":  {cand("d", 2)},
	}}
	vec := &scriptedEngine{name: "vector", results: map[string][]Candidate{}}
	ref := &scriptedRefiner{replies: []Refinement{
		{Queries: []string{"trip flight"}},
		{Queries: []string{"trip hotel"}},
		{Queries: []string{"trip car"}},
	}}

	resp, err := agenticRouter(kw, vec, ref).Search(context.Background(), Request{Scope: types.Scope{GroupID: "g"}, Query: "trip", Method: MethodAgentic})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Metadata.Rounds)
	assert.Equal(t, StopMaxRounds, resp.Metadata.StopReason)
	assert.Equal(t, []string{"trip", "trip flight", "trip hotel"}, resp.Metadata.Queries)
	assert.ElementsMatch(t, []string{"a", "c", "d"}, ids(resp))
	assert.Equal(t, 2, ref.calls, "no refinement after the last round")
}

func TestAgenticStopsOnSaturation(t *testing.T) {
	kw := &scriptedEngine{name: "keyword", results: map[string][]Candidate{
		"trip":      {cand("a", 3)},
		"trip more": {cand("a", 1)},
	}}
	vec := &scriptedEngine{name: "vector", results: map[string][]Candidate{}}
	ref := &scriptedRefiner{replies: []Refinement{{Queries: []string{"trip more"}}}}

	resp, err := agenticRouter(kw, vec, ref).Search(context.Background(), Request{Scope: types.Scope{GroupID: "g"}, Query: "trip", Method: MethodAgentic})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Metadata.Rounds)
	assert.Equal(t, StopSaturated, resp.Metadata.StopReason)
}

func TestAgenticIgnoresRepeatedQueries(t *testing.T) {
	kw := &scriptedEngine{name: "keyword", results: map[string][]Candidate{"trip": {cand("a", 3)}}}
	vec := &scriptedEngine{name: "vector", results: map[string][]Candidate{}}
	ref := &scriptedRefiner{replies: []Refinement{{Queries: []string{" TRIP ", ""}}}}

	resp, err := agenticRouter(kw, vec, ref).Search(context.Background(), Request{Scope: types.Scope{GroupID: "g"}, Query: "trip", Method: MethodAgentic})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Metadata.Rounds)
	assert.Equal(t, StopNoQueries, resp.Metadata.StopReason)
}

func TestAgenticDeadlineReturnsLastCompletedRound(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kw := &scriptedEngine{name: "keyword", results: map[string][]Candidate{
		"trip":       {cand("a", 3)},
		"trip later": {cand("z", 9)},
	}}
	vec := &scriptedEngine{name: "vector", results: map[string][]Candidate{}}
	// The caller's deadline passes while round 2 is being planned.
	ref := &scriptedRefiner{replies: []Refinement{{Queries: []string{"trip later"}}}, onCall: cancel}

	resp, err := agenticRouter(kw, vec, ref).Search(ctx, Request{Scope: types.Scope{GroupID: "g"}, Query: "trip", Method: MethodAgentic})
	require.NoError(t, err)
	assert.True(t, resp.Metadata.Partial)
	assert.Equal(t, StopDeadline, resp.Metadata.StopReason)
	assert.Equal(t, 1, resp.Metadata.Rounds)
	assert.Equal(t, []string{"a"}, ids(resp))
}

func TestAgenticRoundLoopIsBounded(t *testing.T) {
	// Every round yields something new and the refiner never gives up.
	kw := &countingEngine{}
	ref := &scriptedRefiner{}
	ref.replies = []Refinement{{Queries: []string{"q1"}}, {Queries: []string{"q2"}}, {Queries: []string{"q3"}}, {Queries: []string{"q4"}}}

	resp, err := agenticRouter(kw, &scriptedEngine{name: "vector"}, ref).Search(context.Background(),
		Request{Scope: types.Scope{GroupID: "g"}, Query: "q0", Method: MethodAgentic})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Metadata.Rounds)
}

type countingEngine struct {
	mu sync.Mutex
	n  int
}

func (c *countingEngine) Name() string { return "keyword" }
func (c *countingEngine) Retrieve(context.Context, Query) ([]Candidate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return []Candidate{cand(fmt.Sprintf("m%d", c.n), 1)}, nil
}

func TestKeywordRefiner(t *testing.T) {
	top := []Candidate{
		{Memory: &types.Memory{ID: "1", Subject: "Lisbon flights", Keywords: []string{"lisbon", "tap air"}}},
		{Memory: &types.Memory{ID: "2", Subject: "Lisbon hotel", Keywords: []string{"hotel"}}},
	}
	ref, err := KeywordRefiner{Terms: 2}.Refine(context.Background(), "trip to portugal", top)
	require.NoError(t, err)
	assert.False(t, ref.Sufficient)
	require.Len(t, ref.Queries, 1)
	assert.Equal(t, "trip to portugal lisbon hotel", ref.Queries[0])

	ref, err = KeywordRefiner{}.Refine(context.Background(), "lisbon", []Candidate{{Memory: &types.Memory{Keywords: []string{"lisbon"}}}})
	require.NoError(t, err)
	assert.True(t, ref.Sufficient)
}

type replyGen struct{ reply string }

func (g replyGen) Complete(context.Context, string) (string, error) { return g.reply, nil }
func (g replyGen) GetModel() string                                  { return "reply" }

func TestLLMRefiner(t *testing.T) {
	top := []Candidate{cand("a", 1)}
	ref, err := NewLLMRefiner(replyGen{reply: `{"sufficient": false, "queries": ["flight times"]}`}, nil).Refine(context.Background(), "trip", top)
	require.NoError(t, err)
	assert.Equal(t, []string{"flight times"}, ref.Queries)

	_, err = NewLLMRefiner(replyGen{reply: `{"queries": []}`}, nil).Refine(context.Background(), "trip", top)
	assert.Error(t, err)
}
