package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/syn-zhu/EverMemOS/internal/engine"
	"github.com/syn-zhu/EverMemOS/internal/extraction"
	"github.com/syn-zhu/EverMemOS/internal/retrieval"
	"github.com/syn-zhu/EverMemOS/internal/storage"
	"github.com/syn-zhu/EverMemOS/pkg/types"
)

// MockMemoryService is a mock implementation of MemoryService for testing.
type MockMemoryService struct {
	mock.Mock
}

func (m *MockMemoryService) Ingest(ctx context.Context, msg types.Message) (*engine.IngestResult, error) {
	args := m.Called(ctx, msg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*engine.IngestResult), args.Error(1)
}

func (m *MockMemoryService) Fetch(ctx context.Context, owner types.Scope, memoryType types.MemoryType, opts storage.FetchOptions) (*storage.PaginatedResult[types.Memory], error) {
	args := m.Called(ctx, owner, memoryType, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*storage.PaginatedResult[types.Memory]), args.Error(1)
}

func (m *MockMemoryService) Search(ctx context.Context, req retrieval.Request) (*retrieval.Response, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*retrieval.Response), args.Error(1)
}

func (m *MockMemoryService) Delete(ctx context.Context, filter storage.DeleteFilter) (int, error) {
	args := m.Called(ctx, filter)
	return args.Int(0), args.Error(1)
}

var shanghai = time.FixedZone("CST", 8*3600)

func newTestAPI() (*APIHandlers, *MockMemoryService) {
	svc := new(MockMemoryService)
	return NewAPIHandlers(svc, shanghai, nil), svc
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestIngest_Accumulated(t *testing.T) {
	api, svc := newTestAPI()

	svc.On("Ingest", mock.Anything, mock.MatchedBy(func(m types.Message) bool {
		want := time.Date(2025, 1, 15, 10, 0, 0, 0, shanghai)
		return m.MessageID == "m1" && m.GroupID == "g1" && m.Sender == "alice" && m.CreateTime.Equal(want)
	})).Return(&engine.IngestResult{Status: extraction.StatusAccumulated}, nil)

	body := `{"message_id":"m1","group_id":"g1","sender":"alice","create_time":"2025-01-15T10:00:00","content":"hi"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/memories", strings.NewReader(body))
	w := httptest.NewRecorder()
	api.Ingest(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Status  string       `json:"status"`
		Message string       `json:"message"`
		Result  IngestResult `json:"result"`
	}
	decodeBody(t, w, &resp)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "Message queued, awaiting boundary detection", resp.Message)
	assert.Equal(t, "accumulated", resp.Result.StatusInfo)
	assert.Equal(t, 0, resp.Result.Count)
	assert.NotNil(t, resp.Result.Memories)
	svc.AssertExpectations(t)
}

func TestIngest_Extracted(t *testing.T) {
	api, svc := newTestAPI()
	mems := []*types.Memory{
		{ID: "e1", MemoryType: types.MemoryTypeEpisodic, GroupID: "g1", Content: "transcript"},
	}
	svc.On("Ingest", mock.Anything, mock.Anything).
		Return(&engine.IngestResult{Status: extraction.StatusExtracted, Memories: mems}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/memories",
		strings.NewReader(`{"message_id":"m3","group_id":"g1","sender":"bob","content":"bye"}`))
	w := httptest.NewRecorder()
	api.Ingest(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Message string       `json:"message"`
		Result  IngestResult `json:"result"`
	}
	decodeBody(t, w, &resp)
	assert.Equal(t, "Extracted 1 memories", resp.Message)
	assert.Equal(t, "extracted", resp.Result.StatusInfo)
	require.Len(t, resp.Result.Memories, 1)
	assert.Equal(t, "e1", resp.Result.Memories[0].ID)
}

func TestIngest_BadRequests(t *testing.T) {
	api, svc := newTestAPI()
	svc.On("Ingest", mock.Anything, mock.Anything).
		Return(nil, storage.ErrInvalidInput)

	tests := []struct {
		name string
		body string
	}{
		{"empty body", ""},
		{"malformed json", "{"},
		{"bad create_time", `{"message_id":"m1","group_id":"g","sender":"a","create_time":"yesterday"}`},
		{"engine validation", `{"message_id":"","group_id":"g","sender":"a"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/memories", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			api.Ingest(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			var resp ErrorResponse
			decodeBody(t, w, &resp)
			assert.Equal(t, "failed", resp.Status)
			assert.Equal(t, "INVALID_PARAMETER", resp.Code)
		})
	}
}

func TestIngest_InternalErrorIsOpaque(t *testing.T) {
	api, svc := newTestAPI()
	svc.On("Ingest", mock.Anything, mock.Anything).
		Return(nil, errors.New("disk I/O error at /var/lib/evermem.db"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/memories",
		strings.NewReader(`{"message_id":"m1","group_id":"g","sender":"a"}`))
	w := httptest.NewRecorder()
	api.Ingest(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "disk")
	var resp ErrorResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, "internal error", resp.Error)
	assert.Equal(t, "INTERNAL", resp.Code)
}

func TestIngest_NotStarted(t *testing.T) {
	api, svc := newTestAPI()
	svc.On("Ingest", mock.Anything, mock.Anything).Return(nil, engine.ErrNotStarted)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/memories",
		strings.NewReader(`{"message_id":"m1","group_id":"g","sender":"a"}`))
	w := httptest.NewRecorder()
	api.Ingest(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestFetch_QueryParams(t *testing.T) {
	api, svc := newTestAPI()

	svc.On("Fetch", mock.Anything,
		types.Scope{UserID: "u1"},
		types.MemoryTypeProfile,
		mock.MatchedBy(func(o storage.FetchOptions) bool {
			return o.Limit == 5 && o.Page == 2 && o.SortBy == "version" &&
				o.VersionRange != nil && *o.VersionRange.Start == 1 && o.VersionRange.End == nil &&
				o.EndTime != nil && o.EndTime.Hour() == 23
		}),
	).Return(&storage.PaginatedResult[types.Memory]{
		Items:    []types.Memory{{ID: "p2", MemoryType: types.MemoryTypeProfile, UserID: "u1", Version: 2}},
		Total:    6,
		Page:     2,
		PageSize: 5,
		HasMore:  false,
	}, nil)

	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/memories?user_id=u1&memory_type=profile&limit=5&page=2&sort_by=version&version_start=1&version_end=&end_time=2025-01-31", nil)
	w := httptest.NewRecorder()
	api.Fetch(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Message string      `json:"message"`
		Result  FetchResult `json:"result"`
	}
	decodeBody(t, w, &resp)
	assert.Equal(t, 6, resp.Result.TotalCount)
	assert.Equal(t, 5, resp.Result.Limit)
	require.Len(t, resp.Result.Memories, 1)
	assert.Equal(t, 2, resp.Result.Memories[0].Version)
	assert.Contains(t, resp.Message, "retrieved 1 memories")
	svc.AssertExpectations(t)
}

func TestFetch_BodyOverridesQuery(t *testing.T) {
	api, svc := newTestAPI()
	svc.On("Fetch", mock.Anything, types.Scope{UserID: "u1", GroupID: "g9"}, types.MemoryTypeEpisodic, mock.Anything).
		Return(&storage.PaginatedResult[types.Memory]{Page: 1, PageSize: 40}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/memories?user_id=u1&group_id=g1",
		strings.NewReader(`{"group_id":"g9"}`))
	w := httptest.NewRecorder()
	api.Fetch(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Result FetchResult `json:"result"`
	}
	decodeBody(t, w, &resp)
	assert.NotNil(t, resp.Result.Memories)
	assert.Empty(t, resp.Result.Memories)
	svc.AssertExpectations(t)
}

func TestFetch_Errors(t *testing.T) {
	api, svc := newTestAPI()
	svc.On("Fetch", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, storage.ErrInvalidInput)

	for _, target := range []string{
		"/api/v1/memories",
		"/api/v1/memories?user_id=u1&start_time=never",
	} {
		w := httptest.NewRecorder()
		api.Fetch(w, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code, target)
	}

	w := httptest.NewRecorder()
	api.Fetch(w, httptest.NewRequest(http.MethodGet, "/api/v1/memories?user_id=u1",
		strings.NewReader(`{"version_range":[1]}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSearch_GetQueryParams(t *testing.T) {
	api, svc := newTestAPI()

	svc.On("Search", mock.Anything, mock.MatchedBy(func(r retrieval.Request) bool {
		return r.Scope.GroupID == "g1" &&
			r.Query == "coffee" &&
			r.Method == retrieval.MethodHybrid &&
			r.TopK == 10 &&
			r.Radius != nil && *r.Radius == 0.5 &&
			len(r.MemoryTypes) == 2 &&
			r.MemoryTypes[0] == types.MemoryTypeEpisodic &&
			r.MemoryTypes[1] == types.MemoryTypeEventLog &&
			r.EndTime != nil && r.EndTime.Hour() == 23 && r.EndTime.Minute() == 59
	})).Return(&retrieval.Response{
		Memories:   []retrieval.Group{{GroupID: "g1", ImportanceScore: 0.9}},
		TotalCount: 1,
		Metadata:   retrieval.Metadata{RetrieveMethod: retrieval.MethodHybrid},
	}, nil)

	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/memories/search?group_id=g1&query=coffee&retrieve_method=HYBRID&top_k=10&radius=0.5&memory_types=episodic_memory,event_log&end_time=2025-01-31", nil)
	w := httptest.NewRecorder()
	api.Search(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Status string             `json:"status"`
		Result retrieval.Response `json:"result"`
	}
	decodeBody(t, w, &resp)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Result.TotalCount)
	assert.NotNil(t, resp.Result.PendingMessages)
	assert.Equal(t, retrieval.MethodHybrid, resp.Result.Metadata.RetrieveMethod)
	svc.AssertExpectations(t)
}

func TestSearch_PostBody(t *testing.T) {
	api, svc := newTestAPI()
	svc.On("Search", mock.Anything, mock.MatchedBy(func(r retrieval.Request) bool {
		return r.Scope.UserID == "u1" && r.Method == retrieval.MethodAgentic && r.Query == "where did we eat"
	})).Return(&retrieval.Response{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/memories/search",
		strings.NewReader(`{"user_id":"u1","query":"where did we eat","retrieve_method":"agentic"}`))
	w := httptest.NewRecorder()
	api.Search(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	svc.AssertExpectations(t)
}

func TestSearch_Errors(t *testing.T) {
	api, svc := newTestAPI()
	svc.On("Search", mock.Anything, mock.Anything).Return(nil, storage.ErrInvalidInput)

	for _, target := range []string{
		"/api/v1/memories/search?group_id=g1&retrieve_method=semantic",
		"/api/v1/memories/search?group_id=g1&radius=wide",
		"/api/v1/memories/search?group_id=g1&start_time=soon",
		"/api/v1/memories/search?query=x",
	} {
		w := httptest.NewRecorder()
		api.Search(w, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code, target)
	}
}

func TestDelete(t *testing.T) {
	api, svc := newTestAPI()
	svc.On("Delete", mock.Anything, storage.DeleteFilter{UserID: "u1"}).Return(1, nil)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/memories", strings.NewReader(`{"user_id":"u1"}`))
	w := httptest.NewRecorder()
	api.Delete(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Message string       `json:"message"`
		Result  DeleteResult `json:"result"`
	}
	decodeBody(t, w, &resp)
	assert.Equal(t, "Successfully deleted 1 memory", resp.Message)
	assert.Equal(t, 1, resp.Result.Count)
	assert.Equal(t, types.Wildcard, resp.Result.Filters.EventID)
	assert.Equal(t, "u1", resp.Result.Filters.UserID)
	svc.AssertExpectations(t)
}

func TestDelete_ErrorMapping(t *testing.T) {
	api, svc := newTestAPI()
	svc.On("Delete", mock.Anything, storage.DeleteFilter{}).Return(0, storage.ErrInvalidInput)
	svc.On("Delete", mock.Anything, storage.DeleteFilter{EventID: "gone"}).Return(0, storage.ErrNotFound)

	w := httptest.NewRecorder()
	api.Delete(w, httptest.NewRequest(http.MethodDelete, "/api/v1/memories", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	api.Delete(w, httptest.NewRequest(http.MethodDelete, "/api/v1/memories?event_id=gone", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	var resp ErrorResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, "NOT_FOUND", resp.Code)
}

type stubQueue int

func (s stubQueue) GetQueueSize() int { return int(s) }

func TestHealth(t *testing.T) {
	w := httptest.NewRecorder()
	NewHealthHandler(stubQueue(3), nil, nil).Health(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	decodeBody(t, w, &resp)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 3, resp.QueueSize)
	assert.Nil(t, resp.Backup)
}
