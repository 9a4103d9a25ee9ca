package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/syn-zhu/EverMemOS/internal/retrieval"
	"github.com/syn-zhu/EverMemOS/pkg/types"
)

// Search handles GET and POST /api/v1/memories/search.
//
// Parameters are read from the query string and then from a JSON body,
// which wins:
//   - user_id, group_id — scope; at least one is required
//   - query             — search text (optional for keyword)
//   - retrieve_method   — keyword (default), vector, hybrid, rrf, agentic
//   - top_k             — default 40, max 100
//   - start_time, end_time, current_time
//   - memory_types      — comma separated; default episodic_memory
//   - radius            — minimum cosine similarity for vector candidates
//   - page, page_size
func (h *APIHandlers) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := SearchRequest{
		UserID:         q.Get("user_id"),
		GroupID:        q.Get("group_id"),
		Query:          q.Get("query"),
		RetrieveMethod: q.Get("retrieve_method"),
		TopK:           parseInt(q.Get("top_k"), 0),
		StartTime:      q.Get("start_time"),
		EndTime:        q.Get("end_time"),
		CurrentTime:    q.Get("current_time"),
		Page:           parseInt(q.Get("page"), 0),
		PageSize:       parseInt(q.Get("page_size"), 0),
	}
	for _, v := range q["memory_types"] {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				req.MemoryTypes = append(req.MemoryTypes, t)
			}
		}
	}
	if s := q.Get("radius"); s != "" {
		radius, err := strconv.ParseFloat(s, 64)
		if err != nil {
			respondError(w, r, http.StatusBadRequest, "radius must be a number", "INVALID_PARAMETER")
			return
		}
		req.Radius = &radius
	}
	if err := decodeJSON(w, r, &req, false); err != nil {
		respondError(w, r, http.StatusBadRequest, err.Error(), "INVALID_PARAMETER")
		return
	}

	rreq, err := h.toRetrievalRequest(req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	resp, err := h.svc.Search(r.Context(), rreq)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	if resp.Memories == nil {
		resp.Memories = []retrieval.Group{}
	}
	if resp.PendingMessages == nil {
		resp.PendingMessages = []types.BufferEntry{}
	}

	respondJSON(w, http.StatusOK, Envelope{
		Status:  StatusOK,
		Message: "Memory retrieval successful",
		Result:  resp,
	})
}

func (h *APIHandlers) toRetrievalRequest(req SearchRequest) (retrieval.Request, error) {
	method, err := retrieval.ParseMethod(req.RetrieveMethod)
	if err != nil {
		return retrieval.Request{}, err
	}
	out := retrieval.Request{
		Scope:    types.Scope{UserID: req.UserID, GroupID: req.GroupID},
		Query:    req.Query,
		Method:   method,
		TopK:     req.TopK,
		Radius:   req.Radius,
		Page:     req.Page,
		PageSize: req.PageSize,
	}
	for _, t := range req.MemoryTypes {
		mt, _ := types.ParseMemoryType(t)
		out.MemoryTypes = append(out.MemoryTypes, mt)
	}
	if out.StartTime, err = retrieval.ParseTime(req.StartTime, h.loc, false); err != nil {
		return retrieval.Request{}, err
	}
	// A date-only end_time covers the whole day.
	if out.EndTime, err = retrieval.ParseTime(req.EndTime, h.loc, true); err != nil {
		return retrieval.Request{}, err
	}
	if out.CurrentTime, err = retrieval.ParseTime(req.CurrentTime, h.loc, false); err != nil {
		return retrieval.Request{}, err
	}
	return out, nil
}
