package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/syn-zhu/EverMemOS/internal/llm"
	"github.com/syn-zhu/EverMemOS/internal/storage"
)

// Agentic stop reasons reported in Metadata.StopReason.
const (
	StopSufficient = "sufficient"
	StopSaturated  = "saturated"
	StopMaxRounds  = "max_rounds"
	StopDeadline   = "deadline"
	StopNoQueries  = "no_new_queries"
)

// Refinement is a refiner's verdict on the current results.
type Refinement struct {
	Sufficient bool     `json:"sufficient"`
	Queries    []string `json:"queries"`
}

// Refiner decides whether results answer the query and, if not, proposes
// follow-up queries.
type Refiner interface {
	Refine(ctx context.Context, query string, top []Candidate) (Refinement, error)
}

// agentic runs rounds of rrf retrieval. Each round's candidates join a
// running union that is reranked against the original query; the refiner
// then proposes the next round's queries. A round cut short by the caller's
// deadline is discarded and the last completed round is returned.
func (r *Router) agentic(ctx context.Context, q Query, meta *Metadata) ([]Candidate, error) {
	pool := make(map[string]Candidate) // memory id -> best rrf score
	asked := map[string]bool{normalizeQuery(q.Text): true}
	queries := []string{q.Text}
	failedSet := make(map[string]bool)

	var ranked []Candidate
	for round := 1; ; round++ {
		added := 0
		var roundErr error
		for _, text := range queries {
			rq := q
			rq.Text = text
			lists, failed, err := r.retrieveAll(ctx, rq)
			for _, name := range failed {
				failedSet[name] = true
			}
			if err != nil {
				roundErr = err
				break
			}
			for _, c := range r.fuser.Fuse(ctx, StrategyRRF, text, lists).Candidates {
				prev, seen := pool[c.Memory.ID]
				if !seen {
					added++
				}
				if !seen || c.Score > prev.Score {
					pool[c.Memory.ID] = c
				}
			}
		}
		if ctx.Err() != nil {
			meta.Partial = true
			meta.StopReason = StopDeadline
			break
		}
		if roundErr != nil {
			if round == 1 {
				return nil, roundErr
			}
			meta.Partial = true
			break
		}

		union := make([]Candidate, 0, len(pool))
		for _, c := range pool {
			union = append(union, c)
		}
		sortCandidates(union)
		res := r.fuser.rerank(ctx, q.Text, union, func(c []Candidate) []Candidate { return c })
		ranked = res.Candidates
		meta.Rounds = round
		meta.Queries = append(meta.Queries, queries...)
		meta.RerankFallback = meta.RerankFallback || res.RerankFallback

		if round > 1 && added == 0 {
			meta.StopReason = StopSaturated
			break
		}
		if round >= r.cfg.AgenticMaxRounds {
			meta.StopReason = StopMaxRounds
			break
		}

		top := ranked[:min(len(ranked), r.cfg.AgenticReviewSize)]
		ref, err := r.refiner.Refine(ctx, q.Text, top)
		if err != nil {
			if ctx.Err() != nil {
				meta.Partial = true
				meta.StopReason = StopDeadline
				break
			}
			r.logger.Warn("retrieval: refiner failed, using keyword refiner", "err", err)
			ref, _ = KeywordRefiner{}.Refine(ctx, q.Text, top)
		}
		if ref.Sufficient {
			meta.StopReason = StopSufficient
			break
		}
		queries = queries[:0]
		for _, nq := range ref.Queries {
			key := normalizeQuery(nq)
			if key == "" || asked[key] {
				continue
			}
			asked[key] = true
			queries = append(queries, strings.TrimSpace(nq))
		}
		if len(queries) == 0 {
			meta.StopReason = StopNoQueries
			break
		}
	}

	for name := range failedSet {
		meta.FailedEngines = append(meta.FailedEngines, name)
	}
	slices.Sort(meta.FailedEngines)
	if len(meta.FailedEngines) > 0 {
		meta.Partial = true
	}
	return ranked, nil
}

func normalizeQuery(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// KeywordRefiner is the model-free refiner. It extends the query with the
// most frequent keywords of the top results that the query does not
// already contain, and declares the results sufficient when there are
// none.
type KeywordRefiner struct {
	// Terms is how many keywords to add. Default 3.
	Terms int
}

func (k KeywordRefiner) Refine(_ context.Context, query string, top []Candidate) (Refinement, error) {
	n := k.Terms
	if n <= 0 {
		n = 3
	}
	known := make(map[string]bool)
	for _, t := range storage.Tokenize(query) {
		known[t] = true
	}

	counts := make(map[string]int)
	var order []string
	for _, c := range top {
		terms := append(slices.Clone(c.Memory.Keywords), storage.Tokenize(c.Memory.Subject)...)
		for _, raw := range terms {
			for _, t := range storage.Tokenize(raw) {
				if known[t] {
					continue
				}
				if counts[t] == 0 {
					order = append(order, t)
				}
				counts[t]++
			}
		}
	}
	if len(order) == 0 {
		return Refinement{Sufficient: true}, nil
	}
	slices.SortStableFunc(order, func(a, b string) int { return counts[b] - counts[a] })
	if len(order) > n {
		order = order[:n]
	}
	return Refinement{Queries: []string{query + " " + strings.Join(order, " ")}}, nil
}

const refinementSchema = `{
	"type": "object",
	"required": ["sufficient"],
	"properties": {
		"sufficient": {"type": "boolean"},
		"queries": {"type": "array", "items": {"type": "string"}, "maxItems": 3}
	}
}`

var refineSchema = llm.MustCompileSchema("refinement.json", refinementSchema)

const refinePrompt = `You are helping search a personal memory store.
Question: %q

Memories retrieved so far (best first):
%s
Do these memories contain enough information to answer the question?
If not, propose up to 3 different search queries that would find the missing information.
Respond with only a JSON object: {"sufficient": true|false, "queries": ["..."]}`

// LLMRefiner asks a language model to judge the results.
type LLMRefiner struct {
	gen    llm.TextGenerator
	logger *slog.Logger
}

// NewLLMRefiner creates a refiner that asks gen to judge each round.
func NewLLMRefiner(gen llm.TextGenerator, logger *slog.Logger) *LLMRefiner {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMRefiner{gen: gen, logger: logger}
}

func (l *LLMRefiner) Refine(ctx context.Context, query string, top []Candidate) (Refinement, error) {
	var sb strings.Builder
	if len(top) == 0 {
		sb.WriteString("(none)\n")
	}
	for i, c := range top {
		text := c.Memory.Summary
		if text == "" {
			text = c.Memory.Content
		}
		if r := []rune(text); len(r) > 300 {
			text = string(r[:300]) + "..."
		}
		fmt.Fprintf(&sb, "%d. [%s] %s\n", i+1, c.Memory.Timestamp.Format("2006-01-02"), text)
	}
	var out Refinement
	if err := llm.CompleteJSON(ctx, l.gen, refineSchema, fmt.Sprintf(refinePrompt, query, sb.String()), &out); err != nil {
		return Refinement{}, fmt.Errorf("llm refiner: %w", err)
	}
	return out, nil
}
