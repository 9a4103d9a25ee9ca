// Package retrieval answers search requests against stored memories with
// keyword, vector, hybrid, rank-fusion and agentic strategies, then groups
// the ranked memories by conversation and folds in pending messages.
package retrieval

import (
	"fmt"
	"strings"
	"time"

	"github.com/syn-zhu/EverMemOS/internal/storage"
	"github.com/syn-zhu/EverMemOS/pkg/types"
)

// Method selects the retrieval strategy.
type Method string

// Retrieval methods
const (
	MethodKeyword Method = "keyword"
	MethodVector  Method = "vector"
	MethodHybrid  Method = "hybrid"
	MethodRRF     Method = "rrf"
	MethodAgentic Method = "agentic"
)

// ParseMethod is case-insensitive; an empty string is keyword.
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return MethodKeyword, nil
	case MethodKeyword, MethodVector, MethodHybrid, MethodRRF, MethodAgentic:
		return m, nil
	default:
		return "", fmt.Errorf("%w: unknown retrieve_method %q", storage.ErrInvalidInput, s)
	}
}

// Config holds retrieval defaults and limits.
type Config struct {
	DefaultTopK         int     `yaml:"default_top_k"`
	MaxTopK             int     `yaml:"max_top_k"`
	DefaultRadius       float64 `yaml:"default_radius"`
	CandidateMultiplier int     `yaml:"candidate_multiplier"`
	RRFK                int     `yaml:"rrf_k"`
	AgenticMaxRounds    int     `yaml:"agentic_max_rounds"`
	// AgenticReviewSize is how many top results the refiner sees per round.
	AgenticReviewSize int `yaml:"agentic_review_size"`
	PendingLimit      int `yaml:"pending_limit"`
}

// DefaultConfig returns the default retrieval limits.
func DefaultConfig() Config {
	return Config{
		DefaultTopK:         40,
		MaxTopK:             100,
		DefaultRadius:       0.6,
		CandidateMultiplier: 2,
		RRFK:                60,
		AgenticMaxRounds:    3,
		AgenticReviewSize:   10,
		PendingLimit:        100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DefaultTopK <= 0 {
		c.DefaultTopK = d.DefaultTopK
	}
	if c.MaxTopK <= 0 {
		c.MaxTopK = d.MaxTopK
	}
	if c.DefaultRadius <= 0 {
		c.DefaultRadius = d.DefaultRadius
	}
	if c.CandidateMultiplier <= 0 {
		c.CandidateMultiplier = d.CandidateMultiplier
	}
	if c.RRFK <= 0 {
		c.RRFK = d.RRFK
	}
	if c.AgenticMaxRounds <= 0 {
		c.AgenticMaxRounds = d.AgenticMaxRounds
	}
	if c.AgenticReviewSize <= 0 {
		c.AgenticReviewSize = d.AgenticReviewSize
	}
	if c.PendingLimit <= 0 {
		c.PendingLimit = d.PendingLimit
	}
	return c
}

// Request is a search over one scope.
type Request struct {
	Scope       types.Scope        `json:"scope"`
	Query       string             `json:"query"`
	Method      Method             `json:"retrieve_method"`
	TopK        int                `json:"top_k"`
	StartTime   *time.Time         `json:"start_time,omitempty"`
	EndTime     *time.Time         `json:"end_time,omitempty"`
	MemoryTypes []types.MemoryType `json:"memory_types"`
	// Radius is the minimum cosine similarity for vector candidates. Nil
	// takes the configured default.
	Radius      *float64   `json:"radius,omitempty"`
	CurrentTime *time.Time `json:"current_time,omitempty"`
	Page        int        `json:"page"`
	PageSize    int        `json:"page_size"`
}

// normalize applies defaults and validates the request.
func (r *Request) normalize(cfg Config) error {
	r.Scope.UserID = strings.TrimSpace(r.Scope.UserID)
	r.Scope.GroupID = strings.TrimSpace(r.Scope.GroupID)
	if r.Scope.IsEmpty() {
		return fmt.Errorf("%w: one of user_id or group_id is required", storage.ErrInvalidInput)
	}
	if r.Method == "" {
		r.Method = MethodKeyword
	}
	if _, err := ParseMethod(string(r.Method)); err != nil {
		return err
	}
	r.Query = strings.TrimSpace(r.Query)
	if r.Query == "" && r.Method != MethodKeyword {
		return fmt.Errorf("%w: query is required for %s retrieval", storage.ErrInvalidInput, r.Method)
	}

	if r.TopK <= 0 {
		r.TopK = cfg.DefaultTopK
	}
	if r.TopK > cfg.MaxTopK {
		return fmt.Errorf("%w: top_k must be at most %d", storage.ErrInvalidInput, cfg.MaxTopK)
	}

	if len(r.MemoryTypes) == 0 {
		r.MemoryTypes = []types.MemoryType{types.MemoryTypeEpisodic}
	}
	for _, t := range r.MemoryTypes {
		if !t.IsValid() {
			return fmt.Errorf("%w: unknown memory type %q", storage.ErrInvalidInput, t)
		}
		if !t.Searchable() {
			return fmt.Errorf("%w: %s memories are fetched by owner, not searched", storage.ErrInvalidInput, t)
		}
	}

	if r.Radius == nil {
		radius := cfg.DefaultRadius
		r.Radius = &radius
	}
	if *r.Radius < 0 || *r.Radius > 1 {
		return fmt.Errorf("%w: radius must be within [0, 1]", storage.ErrInvalidInput)
	}

	if r.StartTime != nil && r.EndTime != nil && r.EndTime.Before(*r.StartTime) {
		return fmt.Errorf("%w: end_time is before start_time", storage.ErrInvalidInput)
	}

	if r.Page <= 0 {
		r.Page = 1
	}
	if r.PageSize <= 0 || r.PageSize > r.TopK {
		r.PageSize = r.TopK
	}
	if !storage.ValidPage(r.Page, r.PageSize) {
		return fmt.Errorf("%w: page %d is out of range", storage.ErrInvalidInput, r.Page)
	}
	return nil
}

func (r *Request) filter(limit int) storage.RetrievalFilter {
	return storage.RetrievalFilter{
		Scope:       r.Scope,
		MemoryTypes: r.MemoryTypes,
		StartTime:   r.StartTime,
		EndTime:     r.EndTime,
		Limit:       limit,
	}
}

// ParseTime parses an RFC3339 timestamp or a bare date. Naive values are
// read in loc. A bare date used as an upper bound covers the whole day.
func ParseTime(s string, loc *time.Location, endOfDay bool) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return &t, nil
		}
	}
	if t, err := time.ParseInLocation("2006-01-02", s, loc); err == nil {
		if endOfDay {
			t = time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, loc)
		}
		return &t, nil
	}
	return nil, fmt.Errorf("%w: invalid time %q", storage.ErrInvalidInput, s)
}
