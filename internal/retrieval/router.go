package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/syn-zhu/EverMemOS/internal/storage"
	"github.com/syn-zhu/EverMemOS/pkg/types"
)

// PendingSource exposes buffered messages without consuming them.
type PendingSource interface {
	PeekPending(ctx context.Context, filter storage.PendingFilter) ([]types.BufferEntry, error)
}

// Router dispatches a request to the engines its method needs and shapes
// the fused ranking into a response.
type Router struct {
	keyword Engine
	vector  Engine
	fuser   *Fuser
	pending PendingSource
	refiner Refiner
	cfg     Config
	logger  *slog.Logger
}

// RouterOptions wires a Router. Vector and Refiner are optional: without a
// vector engine, vector retrieval is rejected and fused methods run on
// keyword results alone; without a refiner, agentic retrieval uses the
// keyword refiner.
type RouterOptions struct {
	Keyword Engine
	Vector  Engine
	Fuser   *Fuser
	Pending PendingSource
	Refiner Refiner
	Config  Config
	Logger  *slog.Logger
}

// NewRouter creates a router. A missing fuser, refiner or logger takes a default.
func NewRouter(opts RouterOptions) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config.withDefaults()
	fuser := opts.Fuser
	if fuser == nil {
		fuser = NewFuser(nil, cfg.RRFK, logger)
	}
	refiner := opts.Refiner
	if refiner == nil {
		refiner = KeywordRefiner{}
	}
	return &Router{
		keyword: opts.Keyword,
		vector:  opts.Vector,
		fuser:   fuser,
		pending: opts.Pending,
		refiner: refiner,
		cfg:     cfg,
		logger:  logger,
	}
}

// Search runs req and returns grouped results plus the scope's pending
// messages.
func (r *Router) Search(ctx context.Context, req Request) (*Response, error) {
	if err := req.normalize(r.cfg); err != nil {
		return nil, err
	}
	q := Query{
		Text:        req.Query,
		Filter:      req.filter(req.TopK * r.cfg.CandidateMultiplier),
		Radius:      *req.Radius,
		CurrentTime: req.CurrentTime,
	}
	meta := Metadata{RetrieveMethod: req.Method, Page: req.Page, PageSize: req.PageSize}

	var (
		ranked []Candidate
		err    error
	)
	switch req.Method {
	case MethodKeyword:
		ranked, err = r.single(ctx, r.keyword, q)
	case MethodVector:
		if r.vector == nil {
			return nil, fmt.Errorf("%w: vector retrieval is not configured", storage.ErrInvalidInput)
		}
		ranked, err = r.single(ctx, r.vector, q)
	case MethodHybrid:
		ranked, err = r.fused(ctx, StrategyRerank, q, &meta)
	case MethodRRF:
		ranked, err = r.fused(ctx, StrategyRRF, q, &meta)
	case MethodAgentic:
		ranked, err = r.agentic(ctx, q, &meta)
	}
	if err != nil {
		return nil, err
	}

	groups, total, hasMore := aggregate(ranked, req.TopK, req.Page, req.PageSize)
	return &Response{
		Memories:        groups,
		TotalCount:      total,
		HasMore:         hasMore,
		PendingMessages: r.pendingFor(ctx, req, &meta),
		Metadata:        meta,
	}, nil
}

func (r *Router) single(ctx context.Context, e Engine, q Query) ([]Candidate, error) {
	cands, err := e.Retrieve(ctx, q)
	if err != nil {
		return nil, err
	}
	sortCandidates(cands)
	return cands, nil
}

// engines returns the constituents of a fused method.
func (r *Router) engines() []Engine {
	if r.vector == nil {
		return []Engine{r.keyword}
	}
	return []Engine{r.keyword, r.vector}
}

// retrieveAll runs the fused engines concurrently. It fails only when every
// engine failed; otherwise the names of failed engines are returned.
func (r *Router) retrieveAll(ctx context.Context, q Query) ([][]Candidate, []string, error) {
	engines := r.engines()
	lists := make([][]Candidate, len(engines))
	errs := make([]error, len(engines))

	var wg sync.WaitGroup
	for i, e := range engines {
		wg.Add(1)
		go func(i int, e Engine) {
			defer wg.Done()
			lists[i], errs[i] = e.Retrieve(ctx, q)
		}(i, e)
	}
	wg.Wait()

	var failed []string
	if r.vector == nil {
		failed = append(failed, string(MethodVector))
	}
	ok := 0
	for i, err := range errs {
		if err != nil {
			failed = append(failed, engines[i].Name())
			r.logger.Warn("retrieval: engine failed", "engine", engines[i].Name(), "err", err)
			continue
		}
		ok++
	}
	if ok == 0 {
		return nil, failed, fmt.Errorf("all retrieval engines failed: %w", errors.Join(errs...))
	}
	return lists, failed, nil
}

func (r *Router) fused(ctx context.Context, strategy Strategy, q Query, meta *Metadata) ([]Candidate, error) {
	lists, failed, err := r.retrieveAll(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(failed) > 0 {
		meta.Partial = true
		meta.FailedEngines = failed
	}
	res := r.fuser.Fuse(ctx, strategy, q.Text, lists)
	meta.RerankFallback = res.RerankFallback
	return res.Candidates, nil
}

func (r *Router) pendingFor(ctx context.Context, req Request, meta *Metadata) []types.BufferEntry {
	if r.pending == nil {
		return []types.BufferEntry{}
	}
	entries, err := r.pending.PeekPending(ctx, storage.PendingFilter{
		Scope:     req.Scope,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
		Limit:     r.cfg.PendingLimit,
	})
	if err != nil {
		r.logger.Warn("retrieval: pending lookup failed", "err", err)
		meta.Partial = true
		meta.FailedEngines = append(meta.FailedEngines, "pending")
		return []types.BufferEntry{}
	}
	if entries == nil {
		entries = []types.BufferEntry{}
	}
	return entries
}
