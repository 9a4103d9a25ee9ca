package handlers

import (
	"github.com/syn-zhu/EverMemOS/internal/backup"
	"github.com/syn-zhu/EverMemOS/internal/retrieval"
	"github.com/syn-zhu/EverMemOS/pkg/types"
)

// Response status values.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// ErrorResponse is the standard error response format for the API.
type ErrorResponse struct {
	Status    string `json:"status"`
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// Envelope wraps every successful response.
type Envelope struct {
	Status  string      `json:"status"`
	Message string      `json:"message"`
	Result  interface{} `json:"result"`
}

// IngestRequest is the body of POST /api/v1/memories. create_time accepts
// RFC3339; a timestamp without an offset takes the server's timezone.
type IngestRequest struct {
	MessageID  string   `json:"message_id"`
	GroupID    string   `json:"group_id"`
	UserID     string   `json:"user_id"`
	Sender     string   `json:"sender"`
	SenderName string   `json:"sender_name"`
	CreateTime string   `json:"create_time"`
	Content    string   `json:"content"`
	ReferList  []string `json:"refer_list"`
}

// IngestResult is the result of one ingest call.
type IngestResult struct {
	Memories []*types.Memory `json:"memories"`
	Count    int             `json:"count"`
	// StatusInfo is "extracted" or "accumulated".
	StatusInfo string `json:"status_info"`
	Duplicate  bool   `json:"duplicate,omitempty"`
	Deferred   bool   `json:"deferred,omitempty"`
}

// FetchRequest carries the parameters of GET /api/v1/memories. Values come
// from the query string and may be overridden by a JSON body.
type FetchRequest struct {
	UserID       string `json:"user_id"`
	GroupID      string `json:"group_id"`
	MemoryType   string `json:"memory_type"`
	Limit        int    `json:"limit"`
	Page         int    `json:"page"`
	SortBy       string `json:"sort_by"`
	SortOrder    string `json:"sort_order"`
	StartTime    string `json:"start_time"`
	EndTime      string `json:"end_time"`
	CurrentTime  string `json:"current_time"`
	VersionRange []*int `json:"version_range"`
}

// FetchResult is the result of an owner-keyed fetch.
type FetchResult struct {
	Memories   []types.Memory `json:"memories"`
	TotalCount int            `json:"total_count"`
	HasMore    bool           `json:"has_more"`
	Page       int            `json:"page"`
	Limit      int            `json:"limit"`
}

// SearchRequest carries the parameters of /api/v1/memories/search.
type SearchRequest struct {
	UserID         string   `json:"user_id"`
	GroupID        string   `json:"group_id"`
	Query          string   `json:"query"`
	RetrieveMethod string   `json:"retrieve_method"`
	TopK           int      `json:"top_k"`
	StartTime      string   `json:"start_time"`
	EndTime        string   `json:"end_time"`
	MemoryTypes    []string `json:"memory_types"`
	Radius         *float64 `json:"radius"`
	CurrentTime    string   `json:"current_time"`
	Page           int      `json:"page"`
	PageSize       int      `json:"page_size"`
}

// SearchResult is the grouped search response.
type SearchResult = retrieval.Response

// DeleteRequest carries the filter of DELETE /api/v1/memories. Omitted
// fields do not constrain the match.
type DeleteRequest struct {
	EventID string `json:"event_id"`
	UserID  string `json:"user_id"`
	GroupID string `json:"group_id"`
}

// DeleteResult reports how many memories were soft deleted.
type DeleteResult struct {
	Filters DeleteRequest `json:"filters"`
	Count   int           `json:"count"`
}

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status    string               `json:"status"`
	QueueSize int                  `json:"queue_size"`
	Backup    *backup.HealthStatus `json:"backup,omitempty"`
}
