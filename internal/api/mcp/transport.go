package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
)

// maxLine bounds one JSON-RPC frame.
const maxLine = 4 * 1024 * 1024

// StdioTransport reads line-delimited JSON-RPC 2.0 requests from in and
// writes one response line per request to out. Nothing else may be written
// to out; diagnostics go to the logger, which must target stderr.
type StdioTransport struct {
	server *Server
	in     io.Reader
	out    io.Writer
	logger *slog.Logger
}

// NewStdioTransport constructs a transport over the given streams.
//
//	t := mcp.NewStdioTransport(srv, os.Stdin, os.Stdout, logger)
//	t.Serve(ctx)
func NewStdioTransport(srv *Server, in io.Reader, out io.Writer, logger *slog.Logger) *StdioTransport {
	if logger == nil {
		logger = srv.logger
	}
	return &StdioTransport{server: srv, in: in, out: out, logger: logger}
}

// Serve handles requests in arrival order until in is closed or ctx is
// cancelled.
func (t *StdioTransport) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 64*1024), maxLine)

	for {
		if err := ctx.Err(); err != nil {
			t.logger.Info("mcp: context cancelled, shutting down")
			return err
		}
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("stdin scanner: %w", err)
			}
			t.logger.Info("mcp: stdin closed, shutting down")
			return nil
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		resp, err := t.server.HandleRequest(ctx, line)
		if err != nil {
			t.logger.Error("mcp: handler error", "err", err)
			resp = internalErrorResponse(line, err)
		}
		if resp == nil {
			continue // notification
		}
		if _, err := fmt.Fprintf(t.out, "%s\n", resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
}

// internalErrorResponse builds a best-effort error frame, keeping the
// request id when it can be recovered.
func internalErrorResponse(rawRequest []byte, handlerErr error) []byte {
	var partial struct {
		ID interface{} `json:"id"`
	}
	_ = json.Unmarshal(rawRequest, &partial)

	data, err := json.Marshal(JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      partial.ID,
		Error:   &JSONRPCError{Code: ErrCodeInternalError, Message: handlerErr.Error()},
	})
	if err != nil {
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error"}}`)
	}
	return data
}
