// Package server provides HTTP server initialization and lifecycle management
// for the EverMemOS API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/syn-zhu/EverMemOS/internal/config"
	"github.com/syn-zhu/EverMemOS/web/handlers"
)

// Options carries the server's dependencies. Queue and Backup are optional.
type Options struct {
	Config *config.Config
	Memory handlers.MemoryService
	Queue  handlers.QueueSizeGetter
	Backup handlers.BackupHealth
	Logger *slog.Logger
	// OriginPatterns lists cross-origin hosts allowed on /ws.
	OriginPatterns []string
}

// Server is a running HTTP server.
type Server struct {
	addr   string
	hub    *handlers.WebSocketHub
	http   *http.Server
	done   chan struct{}
	logger *slog.Logger
}

// NewHandler builds the route table and middleware chain. The returned hub
// is not running; callers start it with Run.
func NewHandler(opts Options) (http.Handler, *handlers.WebSocketHub) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc, err := cfg.Location()
	if err != nil {
		loc = time.UTC
	}

	hub := handlers.NewWebSocketHub(logger, opts.OriginPatterns...)
	api := handlers.NewAPIHandlers(opts.Memory, loc, logger)
	health := handlers.NewHealthHandler(opts.Queue, opts.Backup, logger)

	// API routes (require auth in production mode)
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/v1/memories", api.Ingest)
	apiMux.HandleFunc("GET /api/v1/memories", api.Fetch)
	apiMux.HandleFunc("DELETE /api/v1/memories", api.Delete)
	apiMux.HandleFunc("GET /api/v1/memories/search", api.Search)
	apiMux.HandleFunc("POST /api/v1/memories/search", api.Search)

	mux := http.NewServeMux()
	// Health endpoint: no auth required, used by monitoring.
	mux.HandleFunc("GET /api/v1/health", health.Health)
	mux.Handle("/api/", handlers.RequireAuth(apiMux, cfg))
	// WebSocket endpoint: origin validation in Accept.
	mux.Handle("GET /ws", hub)

	rateLimiter := handlers.NewRateLimiter(cfg.Security.RateLimit, cfg.Security.RateBurst)

	var handler http.Handler = mux
	handler = handlers.RateLimitMiddleware(handler, rateLimiter)
	handler = handlers.SecurityHeaders(handler)
	handler = handlers.AccessLog(handler, logger)
	handler = handlers.RequestID(handler)
	return handler, hub
}

// Start listens on the configured address and serves until ctx is done,
// then shuts down gracefully within Server.ShutdownTimeout. Port 0 picks a
// free port; Addr reports the actual one.
func Start(ctx context.Context, opts Options) (*Server, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("server: config is required")
	}
	if opts.Memory == nil {
		return nil, errors.New("server: memory service is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	handler, hub := NewHandler(opts)

	listener, err := net.Listen("tcp", cfg.Server.Addr())
	if err != nil {
		return nil, fmt.Errorf("server: listen on %s: %w", cfg.Server.Addr(), err)
	}

	s := &Server{
		addr: listener.Addr().String(),
		hub:  hub,
		http: &http.Server{
			Handler:           handler,
			ReadTimeout:       cfg.Server.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.Server.WriteTimeout,
			IdleTimeout:       60 * time.Second,
		},
		done:   make(chan struct{}),
		logger: logger,
	}

	go hub.Run()
	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server: serve", "err", err)
		}
	}()

	// Handle graceful shutdown
	go func() {
		defer close(s.done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		hub.Stop()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server: shutdown", "err", err)
		}
		logger.Info("server: stopped", "addr", s.addr)
	}()

	logger.Info("server: listening", "addr", s.addr, "security_mode", cfg.Security.SecurityMode)
	return s, nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string { return s.addr }

// Hub returns the websocket hub for wiring engine events.
func (s *Server) Hub() *handlers.WebSocketHub { return s.hub }

// Done is closed once shutdown has finished.
func (s *Server) Done() <-chan struct{} { return s.done }
