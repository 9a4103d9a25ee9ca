package retrieval

import (
	"cmp"
	"context"
	"log/slog"
	"slices"

	"github.com/syn-zhu/EverMemOS/internal/llm"
)

// Strategy selects how candidate lists are merged.
type Strategy string

// Fusion strategies
const (
	// StrategyNative keeps each engine's own score; duplicates keep the max.
	StrategyNative Strategy = "native"
	// StrategyRRF scores by reciprocal rank: sum of 1/(k + rank).
	StrategyRRF Strategy = "rrf"
	// StrategyRerank scores the union with the reranking backend.
	StrategyRerank Strategy = "rerank"
)

// Fused is the outcome of a fusion pass.
type Fused struct {
	Candidates []Candidate
	// RerankFallback is set when the reranker was unavailable and the
	// fallback ordering was used instead.
	RerankFallback bool
}

// Fuser merges candidate lists from several engines into one ranking.
type Fuser struct {
	reranker llm.Reranker
	rrfK     int
	logger   *slog.Logger
}

// NewFuser creates a fuser. Without a reranker the rerank strategy always
// takes its fallback ordering.
func NewFuser(reranker llm.Reranker, rrfK int, logger *slog.Logger) *Fuser {
	if rrfK <= 0 {
		rrfK = 60
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fuser{reranker: reranker, rrfK: rrfK, logger: logger}
}

// Fuse merges lists with the given strategy. The rerank strategy falls back
// to min-max normalized native scores.
func (f *Fuser) Fuse(ctx context.Context, strategy Strategy, query string, lists [][]Candidate) Fused {
	switch strategy {
	case StrategyRRF:
		return Fused{Candidates: f.rrf(lists)}
	case StrategyRerank:
		return f.rerank(ctx, query, union(lists), func([]Candidate) []Candidate {
			return native(normalizeLists(lists))
		})
	default:
		return Fused{Candidates: native(lists)}
	}
}

// rerank scores cands with the reranker, using fallback when it fails.
func (f *Fuser) rerank(ctx context.Context, query string, cands []Candidate, fallback func([]Candidate) []Candidate) Fused {
	if len(cands) == 0 {
		return Fused{}
	}
	if f.reranker == nil {
		return Fused{Candidates: fallback(cands), RerankFallback: true}
	}
	docs := make([]string, len(cands))
	for i, c := range cands {
		docs[i] = c.Memory.IndexText()
	}
	scores, err := f.reranker.Rerank(ctx, query, docs)
	if err != nil || len(scores) != len(cands) {
		f.logger.Warn("retrieval: rerank failed, using fallback ordering", "candidates", len(cands), "err", err)
		return Fused{Candidates: fallback(cands), RerankFallback: true}
	}
	out := make([]Candidate, len(cands))
	for i, c := range cands {
		out[i] = Candidate{Memory: c.Memory, Score: scores[i]}
	}
	sortCandidates(out)
	return Fused{Candidates: out}
}

func (f *Fuser) rrf(lists [][]Candidate) []Candidate {
	scores := make(map[string]float64)
	first := make(map[string]Candidate)
	var order []string
	for _, list := range lists {
		for rank, c := range list {
			id := c.Memory.ID
			if _, ok := first[id]; !ok {
				first[id] = c
				order = append(order, id)
			}
			scores[id] += 1 / float64(f.rrfK+rank+1)
		}
	}
	out := make([]Candidate, 0, len(order))
	for _, id := range order {
		out = append(out, Candidate{Memory: first[id].Memory, Score: scores[id]})
	}
	sortCandidates(out)
	return out
}

// union dedupes lists by memory id, first occurrence wins.
func union(lists [][]Candidate) []Candidate {
	seen := make(map[string]bool)
	var out []Candidate
	for _, list := range lists {
		for _, c := range list {
			if !seen[c.Memory.ID] {
				seen[c.Memory.ID] = true
				out = append(out, c)
			}
		}
	}
	return out
}

// native keeps the best score per memory.
func native(lists [][]Candidate) []Candidate {
	best := make(map[string]int)
	var out []Candidate
	for _, list := range lists {
		for _, c := range list {
			if i, ok := best[c.Memory.ID]; ok {
				if c.Score > out[i].Score {
					out[i].Score = c.Score
				}
				continue
			}
			best[c.Memory.ID] = len(out)
			out = append(out, c)
		}
	}
	sortCandidates(out)
	return out
}

// normalizeLists rescales each list's scores to [0, 1] so BM25 and cosine
// become comparable. A list with a single distinct score maps to 1.
func normalizeLists(lists [][]Candidate) [][]Candidate {
	out := make([][]Candidate, len(lists))
	for i, list := range lists {
		if len(list) == 0 {
			continue
		}
		lo, hi := list[0].Score, list[0].Score
		for _, c := range list {
			lo = min(lo, c.Score)
			hi = max(hi, c.Score)
		}
		scaled := make([]Candidate, len(list))
		for j, c := range list {
			s := 1.0
			if hi > lo {
				s = (c.Score - lo) / (hi - lo)
			}
			scaled[j] = Candidate{Memory: c.Memory, Score: s}
		}
		out[i] = scaled
	}
	return out
}

// sortCandidates orders by score desc, then newer first, then id.
func sortCandidates(c []Candidate) {
	slices.SortStableFunc(c, func(a, b Candidate) int {
		if n := cmp.Compare(b.Score, a.Score); n != 0 {
			return n
		}
		if n := b.Memory.Timestamp.Compare(a.Memory.Timestamp); n != 0 {
			return n
		}
		return cmp.Compare(a.Memory.ID, b.Memory.ID)
	})
}
