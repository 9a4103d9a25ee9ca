// Package mcp exposes the memory engine to AI assistants over the Model
// Context Protocol: JSON-RPC 2.0 with initialize, tools/list and tools/call.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/syn-zhu/EverMemOS/internal/attribution"
	"github.com/syn-zhu/EverMemOS/internal/engine"
	"github.com/syn-zhu/EverMemOS/internal/extraction"
	"github.com/syn-zhu/EverMemOS/internal/retrieval"
	"github.com/syn-zhu/EverMemOS/internal/storage"
	"github.com/syn-zhu/EverMemOS/pkg/types"
)

// ProtocolVersion is the MCP revision this server speaks.
const ProtocolVersion = "2024-11-05"

// memoryEngine is the subset of engine.MemoryEngine used by the MCP server.
type memoryEngine interface {
	Ingest(ctx context.Context, msg types.Message) (*engine.IngestResult, error)
	Fetch(ctx context.Context, owner types.Scope, memoryType types.MemoryType, opts storage.FetchOptions) (*storage.PaginatedResult[types.Memory], error)
	Search(ctx context.Context, req retrieval.Request) (*retrieval.Response, error)
	Delete(ctx context.Context, filter storage.DeleteFilter) (int, error)
	Flush(ctx context.Context, conversationID string) (extraction.Result, error)
}

type toolHandler func(s *Server, ctx context.Context, params interface{}) (interface{}, error)

var toolHandlers = map[string]toolHandler{
	"memorize":           (*Server).handleMemorize,
	"fetch_memories":     (*Server).handleFetchMemories,
	"search_memories":    (*Server).handleSearchMemories,
	"delete_memories":    (*Server).handleDeleteMemories,
	"flush_conversation": (*Server).handleFlushConversation,
}

// Server implements the Model Context Protocol for EverMemOS.
type Server struct {
	engine       memoryEngine
	loc          *time.Location
	logger       *slog.Logger
	detectSender func() string
	version      string
	sessionID    string
}

// ServerOption is a functional option for configuring a Server.
type ServerOption func(*Server)

// WithLocation sets the timezone applied to timestamps without an offset.
func WithLocation(loc *time.Location) ServerOption {
	return func(s *Server) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithLogger sets the logger. It must not write to stdout.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSenderDetector overrides how memorize fills in a missing sender.
func WithSenderDetector(fn func() string) ServerOption {
	return func(s *Server) {
		if fn != nil {
			s.detectSender = fn
		}
	}
}

// WithVersion sets the version reported in serverInfo.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// NewServer creates an MCP server over eng.
func NewServer(eng memoryEngine, opts ...ServerOption) *Server {
	s := &Server{
		engine:       eng,
		loc:          time.UTC,
		logger:       slog.Default(),
		detectSender: attribution.DetectSender,
		version:      "dev",
		sessionID:    uuid.New().String(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger.Info("mcp: session started", "session_id", s.sessionID)
	return s
}

// HandleRequest processes one JSON-RPC 2.0 message. It returns nil for
// notifications, which get no response.
func (s *Server) HandleRequest(ctx context.Context, requestJSON []byte) ([]byte, error) {
	var req JSONRPCRequest
	if err := json.Unmarshal(requestJSON, &req); err != nil {
		return s.errorResponse(nil, ErrCodeParseError, "Parse error", err.Error())
	}
	if req.JSONRPC != "2.0" {
		return s.errorResponse(req.ID, ErrCodeInvalidRequest, "Invalid JSON-RPC version", nil)
	}
	if req.ID == nil && (strings.HasPrefix(req.Method, "notifications/") || req.Method == "initialized") {
		return nil, nil
	}

	var result interface{}
	var err error

	switch req.Method {
	case "initialize":
		result = s.initializeResult()
	case "ping":
		result = map[string]interface{}{}
	case "tools/list":
		result = MCPToolsListResult{Tools: buildToolsList()}
	case "tools/call":
		result, err = s.handleToolsCall(ctx, req.Params)
	default:
		// Tools are also callable as plain JSON-RPC methods.
		h, ok := toolHandlers[req.Method]
		if !ok {
			return s.errorResponse(req.ID, ErrCodeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method), nil)
		}
		result, err = h(s, ctx, req.Params)
	}

	if err != nil {
		var pe *paramsError
		if errors.As(err, &pe) {
			return s.errorResponse(req.ID, ErrCodeInvalidParams, err.Error(), nil)
		}
		return s.errorResponse(req.ID, ErrCodeServerError, err.Error(), nil)
	}
	return s.successResponse(req.ID, result)
}

func (s *Server) initializeResult() MCPInitializeResult {
	return MCPInitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    MCPServerCapabilities{Tools: &MCPToolsCapability{}},
		ServerInfo:      MCPServerInfo{Name: "evermem", Version: s.version},
	}
}

// handleToolsCall dispatches a tools/call request and wraps the result in
// the MCP content envelope. Tool failures are reported in-band.
func (s *Server) handleToolsCall(ctx context.Context, params interface{}) (interface{}, error) {
	var p MCPToolCallParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}

	h, ok := toolHandlers[p.Name]
	if !ok {
		return toolError(fmt.Sprintf("unknown tool: %s", p.Name)), nil
	}
	var args interface{} = p.Arguments
	if p.Arguments == nil {
		args = map[string]interface{}{}
	}
	result, err := h(s, ctx, args)
	if err != nil {
		s.logger.Debug("mcp: tool failed", "tool", p.Name, "err", err)
		return toolError(err.Error()), nil
	}

	text, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &MCPToolCallResult{
		Content: []MCPToolCallContent{{Type: "text", Text: string(text)}},
	}, nil
}

func toolError(msg string) *MCPToolCallResult {
	return &MCPToolCallResult{
		Content: []MCPToolCallContent{{Type: "text", Text: msg}},
		IsError: true,
	}
}

// Memorize ingests one message.
func (s *Server) Memorize(ctx context.Context, args MemorizeArgs) (*MemorizeResult, error) {
	msg := types.Message{
		MessageID:  args.MessageID,
		GroupID:    args.GroupID,
		UserID:     args.UserID,
		Sender:     args.Sender,
		SenderName: args.SenderName,
		Content:    args.Content,
		ReferList:  args.ReferList,
	}
	if strings.TrimSpace(msg.Sender) == "" {
		msg.Sender = s.detectSender()
	}
	t, err := retrieval.ParseTime(args.CreateTime, s.loc, false)
	if err != nil {
		return nil, err
	}
	if t != nil {
		msg.CreateTime = *t
	}

	res, err := s.engine.Ingest(ctx, msg)
	if err != nil {
		return nil, err
	}
	memories := res.Memories
	if memories == nil {
		memories = []*types.Memory{}
	}
	return &MemorizeResult{
		StatusInfo: string(res.Status),
		Duplicate:  res.Duplicate,
		Deferred:   res.Deferred,
		Count:      len(res.Memories),
		Memories:   memories,
	}, nil
}

// FetchMemories lists one owner's memories of one type.
func (s *Server) FetchMemories(ctx context.Context, args FetchMemoriesArgs) (*FetchMemoriesResult, error) {
	memoryType := types.MemoryTypeEpisodic
	if strings.TrimSpace(args.MemoryType) != "" {
		memoryType, _ = types.ParseMemoryType(args.MemoryType)
	}
	opts := storage.FetchOptions{
		Page:      args.Page,
		Limit:     args.Limit,
		SortBy:    args.SortBy,
		SortOrder: args.SortOrder,
	}
	var err error
	if opts.StartTime, err = retrieval.ParseTime(args.StartTime, s.loc, false); err != nil {
		return nil, err
	}
	if opts.EndTime, err = retrieval.ParseTime(args.EndTime, s.loc, true); err != nil {
		return nil, err
	}
	if opts.CurrentTime, err = retrieval.ParseTime(args.CurrentTime, s.loc, false); err != nil {
		return nil, err
	}
	if args.VersionStart != nil || args.VersionEnd != nil {
		opts.VersionRange = &types.VersionRange{Start: args.VersionStart, End: args.VersionEnd}
	}

	page, err := s.engine.Fetch(ctx, types.Scope{UserID: args.UserID, GroupID: args.GroupID}, memoryType, opts)
	if err != nil {
		return nil, err
	}
	items := page.Items
	if items == nil {
		items = []types.Memory{}
	}
	return &FetchMemoriesResult{
		Memories:   items,
		TotalCount: page.Total,
		HasMore:    page.HasMore,
		Page:       page.Page,
		Limit:      page.PageSize,
	}, nil
}

// SearchMemories runs a scoped search.
func (s *Server) SearchMemories(ctx context.Context, args SearchMemoriesArgs) (*retrieval.Response, error) {
	method, err := retrieval.ParseMethod(args.RetrieveMethod)
	if err != nil {
		return nil, err
	}
	req := retrieval.Request{
		Scope:    types.Scope{UserID: args.UserID, GroupID: args.GroupID},
		Query:    args.Query,
		Method:   method,
		TopK:     args.TopK,
		Radius:   args.Radius,
		Page:     args.Page,
		PageSize: args.PageSize,
	}
	for _, t := range args.MemoryTypes {
		mt, _ := types.ParseMemoryType(t)
		req.MemoryTypes = append(req.MemoryTypes, mt)
	}
	if req.StartTime, err = retrieval.ParseTime(args.StartTime, s.loc, false); err != nil {
		return nil, err
	}
	if req.EndTime, err = retrieval.ParseTime(args.EndTime, s.loc, true); err != nil {
		return nil, err
	}
	if req.CurrentTime, err = retrieval.ParseTime(args.CurrentTime, s.loc, false); err != nil {
		return nil, err
	}
	return s.engine.Search(ctx, req)
}

// DeleteMemories soft-deletes every memory matching the filter.
func (s *Server) DeleteMemories(ctx context.Context, args DeleteMemoriesArgs) (*DeleteMemoriesResult, error) {
	filter := storage.DeleteFilter{EventID: args.EventID, UserID: args.UserID, GroupID: args.GroupID}
	n, err := s.engine.Delete(ctx, filter)
	if err != nil {
		return nil, err
	}
	filter.Normalize()
	return &DeleteMemoriesResult{
		Filters: DeleteMemoriesArgs{EventID: filter.EventID, UserID: filter.UserID, GroupID: filter.GroupID},
		Count:   n,
	}, nil
}

// FlushConversation closes a conversation's buffered episode now.
func (s *Server) FlushConversation(ctx context.Context, args FlushConversationArgs) (*FlushConversationResult, error) {
	if strings.TrimSpace(args.ConversationID) == "" {
		return nil, fmt.Errorf("%w: conversation_id is required", storage.ErrInvalidInput)
	}
	out, err := s.engine.Flush(ctx, args.ConversationID)
	if err != nil {
		return nil, err
	}
	memories := out.Memories
	if memories == nil {
		memories = []*types.Memory{}
	}
	return &FlushConversationResult{
		StatusInfo: string(out.Status),
		Count:      len(out.Memories),
		Memories:   memories,
	}, nil
}

func (s *Server) handleMemorize(ctx context.Context, params interface{}) (interface{}, error) {
	var args MemorizeArgs
	if err := unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	return s.Memorize(ctx, args)
}

func (s *Server) handleFetchMemories(ctx context.Context, params interface{}) (interface{}, error) {
	var args FetchMemoriesArgs
	if err := unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	return s.FetchMemories(ctx, args)
}

func (s *Server) handleSearchMemories(ctx context.Context, params interface{}) (interface{}, error) {
	var args SearchMemoriesArgs
	if err := unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	return s.SearchMemories(ctx, args)
}

func (s *Server) handleDeleteMemories(ctx context.Context, params interface{}) (interface{}, error) {
	var args DeleteMemoriesArgs
	if err := unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	return s.DeleteMemories(ctx, args)
}

func (s *Server) handleFlushConversation(ctx context.Context, params interface{}) (interface{}, error) {
	var args FlushConversationArgs
	if err := unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	return s.FlushConversation(ctx, args)
}

// paramsError marks a request whose params do not decode.
type paramsError struct{ err error }

func (e *paramsError) Error() string { return "invalid params: " + e.err.Error() }
func (e *paramsError) Unwrap() error { return e.err }

// unmarshalParams decodes JSON-RPC params into a typed struct.
func unmarshalParams(params interface{}, dest interface{}) error {
	data, err := json.Marshal(params)
	if err != nil {
		return &paramsError{err: err}
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return &paramsError{err: err}
	}
	return nil
}

func (s *Server) successResponse(id interface{}, result interface{}) ([]byte, error) {
	return json.Marshal(JSONRPCResponse{JSONRPC: "2.0", Result: result, ID: id})
}

func (s *Server) errorResponse(id interface{}, code int, message string, data interface{}) ([]byte, error) {
	return json.Marshal(JSONRPCResponse{
		JSONRPC: "2.0",
		Error:   &JSONRPCError{Code: code, Message: message, Data: data},
		ID:      id,
	})
}
