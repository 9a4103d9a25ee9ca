package retrieval

import (
	"cmp"
	"slices"

	"github.com/syn-zhu/EverMemOS/pkg/types"
)

// Hit is a scored memory in a response.
type Hit struct {
	Memory *types.Memory `json:"memory"`
	Score  float64       `json:"score"`
}

// Group holds the hits of one conversation.
type Group struct {
	GroupID         string  `json:"group_id"`
	ImportanceScore float64 `json:"importance_score"`
	Memories        []Hit   `json:"memories"`
}

// Metadata describes how a response was produced.
type Metadata struct {
	RetrieveMethod Method   `json:"retrieve_method"`
	Rounds         int      `json:"rounds,omitempty"`
	Queries        []string `json:"queries,omitempty"`
	Partial        bool     `json:"partial"`
	FailedEngines  []string `json:"failed_engines,omitempty"`
	RerankFallback bool     `json:"rerank_fallback,omitempty"`
	StopReason     string   `json:"stop_reason,omitempty"`
	Page           int      `json:"page"`
	PageSize       int      `json:"page_size"`
}

// Response is the grouped, paginated result of a search.
type Response struct {
	Memories        []Group             `json:"memories"`
	TotalCount      int                 `json:"total_count"`
	HasMore         bool                `json:"has_more"`
	PendingMessages []types.BufferEntry `json:"pending_messages"`
	Metadata        Metadata            `json:"metadata"`
}

// aggregate cuts the fused ranking to topK, pages it, and groups the page
// by conversation. Totals are computed before paging.
func aggregate(ranked []Candidate, topK, page, pageSize int) ([]Group, int, bool) {
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}
	total := len(ranked)
	start := total
	if page <= 1 {
		start = 0
	} else if pageSize > 0 && page-1 < total/pageSize+1 {
		start = min((page-1)*pageSize, total)
	}
	end := total
	if pageSize > 0 && pageSize < total-start {
		end = start + pageSize
	}
	return groupHits(ranked[start:end]), total, end < total
}

// groupHits keeps rank order within a group. Groups are ordered by the sum
// of member scores, ties broken by group id.
func groupHits(ranked []Candidate) []Group {
	index := make(map[string]int)
	groups := []Group{}
	for _, c := range ranked {
		key := c.Memory.OwnerGroup()
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, Group{GroupID: key})
		}
		groups[i].Memories = append(groups[i].Memories, Hit{Memory: c.Memory, Score: c.Score})
		groups[i].ImportanceScore += c.Score
	}
	slices.SortStableFunc(groups, func(a, b Group) int {
		if n := cmp.Compare(b.ImportanceScore, a.ImportanceScore); n != 0 {
			return n
		}
		return cmp.Compare(a.GroupID, b.GroupID)
	})
	return groups
}
