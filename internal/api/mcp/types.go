package mcp

import (
	"github.com/syn-zhu/EverMemOS/pkg/types"
)

// MemorizeArgs are the arguments of the memorize tool: one chat message.
type MemorizeArgs struct {
	MessageID  string   `json:"message_id"`
	GroupID    string   `json:"group_id,omitempty"`
	UserID     string   `json:"user_id,omitempty"`
	Sender     string   `json:"sender,omitempty"` // Auto-detected if empty
	SenderName string   `json:"sender_name,omitempty"`
	CreateTime string   `json:"create_time,omitempty"` // RFC3339 or naive; default now
	Content    string   `json:"content"`
	ReferList  []string `json:"refer_list,omitempty"`
}

// MemorizeResult reports what happened to the message.
type MemorizeResult struct {
	StatusInfo string          `json:"status_info"` // extracted | accumulated
	Duplicate  bool            `json:"duplicate,omitempty"`
	Deferred   bool            `json:"deferred,omitempty"`
	Count      int             `json:"count"`
	Memories   []*types.Memory `json:"memories"`
}

// FetchMemoriesArgs select one owner's memories of one type.
type FetchMemoriesArgs struct {
	UserID       string `json:"user_id,omitempty"`
	GroupID      string `json:"group_id,omitempty"`
	MemoryType   string `json:"memory_type,omitempty"` // Default episodic_memory
	Limit        int    `json:"limit,omitempty"`
	Page         int    `json:"page,omitempty"`
	SortBy       string `json:"sort_by,omitempty"`
	SortOrder    string `json:"sort_order,omitempty"`
	StartTime    string `json:"start_time,omitempty"`
	EndTime      string `json:"end_time,omitempty"`
	CurrentTime  string `json:"current_time,omitempty"`
	VersionStart *int   `json:"version_start,omitempty"`
	VersionEnd   *int   `json:"version_end,omitempty"`
}

// FetchMemoriesResult is a page of memories.
type FetchMemoriesResult struct {
	Memories   []types.Memory `json:"memories"`
	TotalCount int            `json:"total_count"`
	HasMore    bool           `json:"has_more"`
	Page       int            `json:"page"`
	Limit      int            `json:"limit"`
}

// SearchMemoriesArgs are the arguments of the search_memories tool.
type SearchMemoriesArgs struct {
	UserID         string   `json:"user_id,omitempty"`
	GroupID        string   `json:"group_id,omitempty"`
	Query          string   `json:"query,omitempty"`
	RetrieveMethod string   `json:"retrieve_method,omitempty"`
	TopK           int      `json:"top_k,omitempty"`
	MemoryTypes    []string `json:"memory_types,omitempty"`
	Radius         *float64 `json:"radius,omitempty"`
	StartTime      string   `json:"start_time,omitempty"`
	EndTime        string   `json:"end_time,omitempty"`
	CurrentTime    string   `json:"current_time,omitempty"`
	Page           int      `json:"page,omitempty"`
	PageSize       int      `json:"page_size,omitempty"`
}

// DeleteMemoriesArgs is a conjunctive soft-delete filter. At least one
// field is required.
type DeleteMemoriesArgs struct {
	EventID string `json:"event_id,omitempty"`
	UserID  string `json:"user_id,omitempty"`
	GroupID string `json:"group_id,omitempty"`
}

// DeleteMemoriesResult reports the normalized filter and the count.
type DeleteMemoriesResult struct {
	Filters DeleteMemoriesArgs `json:"filters"`
	Count   int                `json:"count"`
}

// FlushConversationArgs name the buffer to close.
type FlushConversationArgs struct {
	ConversationID string `json:"conversation_id"`
}

// FlushConversationResult reports the forced extraction.
type FlushConversationResult struct {
	StatusInfo string          `json:"status_info"`
	Count      int             `json:"count"`
	Memories   []*types.Memory `json:"memories"`
}

// JSONRPCRequest represents a JSON-RPC 2.0 request. A request without an
// id is a notification.
type JSONRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      interface{} `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	Result  interface{}   `json:"result,omitempty"`
	Error   *JSONRPCError `json:"error,omitempty"`
	ID      interface{}   `json:"id"`
}

// JSONRPCError represents a JSON-RPC 2.0 error.
type JSONRPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// JSON-RPC error codes
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
	ErrCodeServerError    = -32000
)

// MCPInitializeResult is the response to the initialize request.
type MCPInitializeResult struct {
	ProtocolVersion string                `json:"protocolVersion"`
	Capabilities    MCPServerCapabilities `json:"capabilities"`
	ServerInfo      MCPServerInfo         `json:"serverInfo"`
}

// MCPServerInfo identifies this MCP server.
type MCPServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// MCPServerCapabilities describes what this server supports.
type MCPServerCapabilities struct {
	Tools *MCPToolsCapability `json:"tools,omitempty"`
}

// MCPToolsCapability signals that the server exposes tools.
type MCPToolsCapability struct{}

// MCPTool describes a single tool exposed via tools/list.
type MCPTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// MCPToolsListResult is the response to tools/list.
type MCPToolsListResult struct {
	Tools []MCPTool `json:"tools"`
}

// MCPToolCallParams holds the parameters sent in a tools/call request.
type MCPToolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// MCPToolCallContent is a single content block in a tool call response.
type MCPToolCallContent struct {
	Type string `json:"type"` // always "text"
	Text string `json:"text"`
}

// MCPToolCallResult is the response to tools/call.
type MCPToolCallResult struct {
	Content []MCPToolCallContent `json:"content"`
	IsError bool                 `json:"isError,omitempty"`
}
