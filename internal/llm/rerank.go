package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrUnparseableRanking is returned when a listwise ranking names no
// valid passage.
var ErrUnparseableRanking = errors.New("reranker output contained no valid passage ids")

// LLMReranker asks a chat model for a listwise ranking ("[3] > [1] > [2]")
// and converts rank positions into descending scores in (0, 1]. Passages
// the model leaves out score 0.
type LLMReranker struct {
	gen           TextGenerator
	maxPassageLen int
}

// NewLLMReranker creates a listwise reranker over gen. Passages are cut to
// maxPassageLen runes.
func NewLLMReranker(gen TextGenerator, maxPassageLen int) *LLMReranker {
	if maxPassageLen <= 0 {
		maxPassageLen = 512
	}
	return &LLMReranker{gen: gen, maxPassageLen: maxPassageLen}
}

func (r *LLMReranker) Rerank(ctx context.Context, query string, docs []string) ([]float64, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	out, err := r.gen.Complete(ctx, r.prompt(query, docs))
	if err != nil {
		return nil, fmt.Errorf("listwise rerank: %w", err)
	}
	order := parseRanking(out, len(docs))
	if len(order) == 0 {
		return nil, ErrUnparseableRanking
	}
	scores := make([]float64, len(docs))
	n := float64(len(docs))
	for pos, idx := range order {
		scores[idx] = 1 - float64(pos)/n
	}
	return scores, nil
}

func (r *LLMReranker) prompt(query string, docs []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are RankLLM, an assistant that ranks passages by relevance to a query.\n"+
		"I will provide you with %d passages, each indicated by a numerical identifier [].\n"+
		"Rank the passages based on their relevance to the search query: %q.\n\n", len(docs), query)
	for i, d := range docs {
		if len(d) > r.maxPassageLen {
			d = d[:r.maxPassageLen] + "..."
		}
		fmt.Fprintf(&sb, "[%d] %s\n", i+1, d)
	}
	fmt.Fprintf(&sb, "\nSearch Query: %q.\nRank the %d passages above in descending order of relevance "+
		"using their identifiers. The output format should be [] > [], e.g., [4] > [2]. "+
		"Only respond with the ranking.", query, len(docs))
	return sb.String()
}

// parseRanking turns "[2] > [1] > [3]" into zero-based indices, dropping
// out-of-range and repeated ids.
func parseRanking(s string, n int) []int {
	s = strings.NewReplacer("[", "", "]", "").Replace(s)
	parts := strings.FieldsFunc(s, func(r rune) bool { return strings.ContainsRune("><,=\n", r) })
	seen := make(map[int]bool, n)
	var order []int
	for _, p := range parts {
		idx, err := strconv.Atoi(strings.TrimSpace(p))
		idx--
		if err != nil || idx < 0 || idx >= n || seen[idx] {
			continue
		}
		seen[idx] = true
		order = append(order, idx)
	}
	return order
}

// HTTPRerankConfig configures a cross-encoder rerank service exposing
// POST /rerank (the Jina/Cohere/TEI request shape).
type HTTPRerankConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	Breaker *CircuitBreaker
}

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// HTTPReranker calls a remote cross-encoder.
type HTTPReranker struct {
	cfg  HTTPRerankConfig
	http *http.Client
}

// NewHTTPReranker creates a client for a hosted rerank endpoint.
func NewHTTPReranker(cfg HTTPRerankConfig) *HTTPReranker {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Breaker == nil {
		cfg.Breaker = NewCircuitBreaker(BreakerConfig{Name: "rerank"})
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPReranker{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

func (r *HTTPReranker) Rerank(ctx context.Context, query string, docs []string) ([]float64, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	return guarded(ctx, r.cfg.Breaker, "rerank", func(ctx context.Context) ([]float64, error) {
		var headers map[string]string
		if r.cfg.APIKey != "" {
			headers = map[string]string{"Authorization": "Bearer " + r.cfg.APIKey}
		}
		var out rerankResponse
		req := rerankRequest{Model: r.cfg.Model, Query: query, Documents: docs}
		if err := postJSON(ctx, r.http, "rerank", r.cfg.BaseURL+"/rerank", headers, req, &out); err != nil {
			return nil, err
		}
		if len(out.Results) == 0 {
			return nil, fmt.Errorf("rerank service returned no results")
		}
		scores := make([]float64, len(docs))
		for _, res := range out.Results {
			if res.Index >= 0 && res.Index < len(docs) {
				scores[res.Index] = res.RelevanceScore
			}
		}
		return scores, nil
	})
}

var (
	_ Reranker = (*LLMReranker)(nil)
	_ Reranker = (*HTTPReranker)(nil)
)
