// Package handlers provides the HTTP handlers and middleware of the
// EverMemOS REST API.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/syn-zhu/EverMemOS/internal/engine"
	"github.com/syn-zhu/EverMemOS/internal/extraction"
	"github.com/syn-zhu/EverMemOS/internal/retrieval"
	"github.com/syn-zhu/EverMemOS/internal/storage"
	"github.com/syn-zhu/EverMemOS/pkg/types"
)

// maxBodyBytes bounds every request body.
const maxBodyBytes = 1 << 20

// MemoryService is the part of the memory engine the API calls.
type MemoryService interface {
	Ingest(ctx context.Context, msg types.Message) (*engine.IngestResult, error)
	Fetch(ctx context.Context, owner types.Scope, memoryType types.MemoryType, opts storage.FetchOptions) (*storage.PaginatedResult[types.Memory], error)
	Search(ctx context.Context, req retrieval.Request) (*retrieval.Response, error)
	Delete(ctx context.Context, filter storage.DeleteFilter) (int, error)
}

// APIHandlers contains HTTP handlers for the REST API.
type APIHandlers struct {
	svc    MemoryService
	loc    *time.Location
	logger *slog.Logger
}

// NewAPIHandlers creates the API handlers. loc is applied to timestamps that
// carry no offset.
func NewAPIHandlers(svc MemoryService, loc *time.Location, logger *slog.Logger) *APIHandlers {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &APIHandlers{svc: svc, loc: loc, logger: logger}
}

// Ingest handles POST /api/v1/memories: one message into its conversation's
// buffer, extracting memories when it closes an episode.
func (h *APIHandlers) Ingest(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		respondError(w, r, http.StatusBadRequest, err.Error(), "INVALID_PARAMETER")
		return
	}

	createTime, err := retrieval.ParseTime(req.CreateTime, h.loc, false)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	msg := types.Message{
		MessageID:  req.MessageID,
		GroupID:    req.GroupID,
		UserID:     req.UserID,
		Sender:     req.Sender,
		SenderName: req.SenderName,
		Content:    req.Content,
		ReferList:  req.ReferList,
	}
	if createTime != nil {
		msg.CreateTime = *createTime
	}

	res, err := h.svc.Ingest(r.Context(), msg)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	memories := res.Memories
	if memories == nil {
		memories = []*types.Memory{}
	}
	message := "Message queued, awaiting boundary detection"
	if res.Status == extraction.StatusExtracted {
		message = fmt.Sprintf("Extracted %d memories", len(memories))
	}

	respondJSON(w, http.StatusOK, Envelope{
		Status:  StatusOK,
		Message: message,
		Result: IngestResult{
			Memories:   memories,
			Count:      len(memories),
			StatusInfo: string(res.Status),
			Duplicate:  res.Duplicate,
			Deferred:   res.Deferred,
		},
	})
}

// Fetch handles GET /api/v1/memories: owner-keyed listing of one memory type.
func (h *APIHandlers) Fetch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := FetchRequest{
		UserID:      q.Get("user_id"),
		GroupID:     q.Get("group_id"),
		MemoryType:  q.Get("memory_type"),
		Limit:       parseInt(q.Get("limit"), 0),
		Page:        parseInt(q.Get("page"), 0),
		SortBy:      q.Get("sort_by"),
		SortOrder:   q.Get("sort_order"),
		StartTime:   q.Get("start_time"),
		EndTime:     q.Get("end_time"),
		CurrentTime: q.Get("current_time"),
	}
	if q.Has("version_start") || q.Has("version_end") {
		req.VersionRange = []*int{optionalInt(q.Get("version_start")), optionalInt(q.Get("version_end"))}
	}
	if err := decodeJSON(w, r, &req, false); err != nil {
		respondError(w, r, http.StatusBadRequest, err.Error(), "INVALID_PARAMETER")
		return
	}

	memoryType := types.MemoryTypeEpisodic
	if strings.TrimSpace(req.MemoryType) != "" {
		memoryType, _ = types.ParseMemoryType(req.MemoryType)
	}

	opts := storage.FetchOptions{
		Page:      req.Page,
		Limit:     req.Limit,
		SortBy:    req.SortBy,
		SortOrder: req.SortOrder,
	}
	var err error
	if opts.StartTime, err = retrieval.ParseTime(req.StartTime, h.loc, false); err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	if opts.EndTime, err = retrieval.ParseTime(req.EndTime, h.loc, true); err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	if opts.CurrentTime, err = retrieval.ParseTime(req.CurrentTime, h.loc, false); err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	switch len(req.VersionRange) {
	case 0:
	case 2:
		opts.VersionRange = &types.VersionRange{Start: req.VersionRange[0], End: req.VersionRange[1]}
	default:
		respondError(w, r, http.StatusBadRequest, "version_range must be [start, end]", "INVALID_PARAMETER")
		return
	}

	result, err := h.svc.Fetch(r.Context(), types.Scope{UserID: req.UserID, GroupID: req.GroupID}, memoryType, opts)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	items := result.Items
	if items == nil {
		items = []types.Memory{}
	}
	respondJSON(w, http.StatusOK, Envelope{
		Status:  StatusOK,
		Message: fmt.Sprintf("Memory retrieval successful, retrieved %d memories", len(items)),
		Result: FetchResult{
			Memories:   items,
			TotalCount: result.Total,
			HasMore:    result.HasMore,
			Page:       result.Page,
			Limit:      result.PageSize,
		},
	})
}

// Delete handles DELETE /api/v1/memories: soft delete by a conjunction of
// event, user and group.
func (h *APIHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := DeleteRequest{
		EventID: q.Get("event_id"),
		UserID:  q.Get("user_id"),
		GroupID: q.Get("group_id"),
	}
	if err := decodeJSON(w, r, &req, false); err != nil {
		respondError(w, r, http.StatusBadRequest, err.Error(), "INVALID_PARAMETER")
		return
	}

	filter := storage.DeleteFilter{EventID: req.EventID, UserID: req.UserID, GroupID: req.GroupID}
	count, err := h.svc.Delete(r.Context(), filter)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	filter.Normalize()
	noun := "memories"
	if count == 1 {
		noun = "memory"
	}
	respondJSON(w, http.StatusOK, Envelope{
		Status:  StatusOK,
		Message: fmt.Sprintf("Successfully deleted %d %s", count, noun),
		Result: DeleteResult{
			Filters: DeleteRequest{EventID: filter.EventID, UserID: filter.UserID, GroupID: filter.GroupID},
			Count:   count,
		},
	})
}

// respondServiceError maps engine errors onto status codes. Anything that
// is not a caller mistake is logged and answered with an opaque body.
func (h *APIHandlers) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrInvalidInput):
		respondError(w, r, http.StatusBadRequest, err.Error(), "INVALID_PARAMETER")
	case errors.Is(err, storage.ErrNotFound):
		respondError(w, r, http.StatusNotFound, err.Error(), "NOT_FOUND")
	case errors.Is(err, engine.ErrNotStarted):
		respondError(w, r, http.StatusServiceUnavailable, "service unavailable", "UNAVAILABLE")
	default:
		h.logger.Error("handlers: request failed",
			"method", r.Method, "path", r.URL.Path,
			"request_id", RequestIDFromContext(r.Context()), "err", err)
		respondError(w, r, http.StatusInternalServerError, "internal error", "INTERNAL")
	}
}

// decodeJSON overlays a JSON object body onto dst. An empty body is an
// error only when required is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}, required bool) error {
	if r.Body == nil {
		if required {
			return errors.New("request body is required")
		}
		return nil
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		if required {
			return errors.New("request body is required")
		}
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// parseInt parses an integer from a string, returning defaultValue if parsing fails.
func parseInt(s string, defaultValue int) int {
	if s == "" {
		return defaultValue
	}
	val, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return val
}

func optionalInt(s string) *int {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return nil
	}
	return &v
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already sent.
		slog.Default().Warn("handlers: encode response", "err", err)
	}
}

// respondError writes an error response with the given status code.
func respondError(w http.ResponseWriter, r *http.Request, statusCode int, message, code string) {
	respondJSON(w, statusCode, ErrorResponse{
		Status:    StatusFailed,
		Error:     message,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	})
}
