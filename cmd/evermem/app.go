package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/syn-zhu/EverMemOS/internal/backup"
	"github.com/syn-zhu/EverMemOS/internal/boundary"
	"github.com/syn-zhu/EverMemOS/internal/config"
	"github.com/syn-zhu/EverMemOS/internal/engine"
	"github.com/syn-zhu/EverMemOS/internal/extraction"
	"github.com/syn-zhu/EverMemOS/internal/llm"
	"github.com/syn-zhu/EverMemOS/internal/retrieval"
	"github.com/syn-zhu/EverMemOS/internal/storage"
	"github.com/syn-zhu/EverMemOS/internal/storage/chromem"
	"github.com/syn-zhu/EverMemOS/internal/storage/postgres"
	"github.com/syn-zhu/EverMemOS/internal/storage/sqlite"
)

// app is a fully wired engine over the configured backend.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  storage.Backend
	engine *engine.MemoryEngine
}

// openBackend opens the relational store selected by cfg.
func openBackend(cfg *config.Config, logger *slog.Logger) (storage.Backend, error) {
	if cfg.Storage.Engine == "postgres" {
		logger.Info("evermem: opening postgres store", "dsn", cfg.Storage.RedactedDSN())
		store, err := postgres.New(cfg.Storage.PostgresDSN, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	if err := os.MkdirAll(cfg.Storage.DataPath, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	logger.Debug("evermem: opening sqlite store", "path", cfg.Storage.SQLitePath())
	store, err := sqlite.New(cfg.Storage.SQLitePath())
	if err != nil {
		return nil, err
	}
	return store, nil
}

// newApp wires storage, model providers, the boundary detector, the
// extraction coordinator and the retrieval router into an engine. The
// engine is not started.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	store, err := openBackend(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Storage.Engine, err)
	}
	a := &app{cfg: cfg, logger: logger, store: store}

	eng, err := a.wire()
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.engine = eng
	return a, nil
}

func (a *app) wire() (*engine.MemoryEngine, error) {
	cfg := a.cfg
	logger := a.logger

	gen, err := llm.NewTextGenerator(cfg.LLM.Text, logger)
	if err != nil {
		return nil, fmt.Errorf("text provider: %w", err)
	}
	embedder, err := llm.NewEmbeddingGenerator(cfg.LLM.Embedding, cfg.LLM.EmbeddingDims, logger)
	if err != nil {
		return nil, fmt.Errorf("embedding provider: %w", err)
	}
	reranker, err := llm.NewReranker(cfg.LLM.Reranker, gen, logger)
	if err != nil {
		return nil, fmt.Errorf("rerank provider: %w", err)
	}

	var detectorGen llm.TextGenerator
	if cfg.Boundary.UseLLM {
		detectorGen = gen
	}
	detector := boundary.New(cfg.Boundary.Config, detectorGen, logger)

	var extractor extraction.Extractor = extraction.NewTranscriptExtractor(cfg.Extraction.Transcript)
	if cfg.Extraction.Extractor == "llm" {
		extractor = extraction.NewLLMExtractor(gen)
	}
	coordinator := extraction.NewCoordinator(extractor, a.store, a.store, cfg.Extraction.Coordinator, logger)

	routerOpts := retrieval.RouterOptions{
		Keyword: retrieval.NewKeywordEngine(a.store, a.store),
		Fuser:   retrieval.NewFuser(reranker, cfg.Retrieval.RRFK, logger),
		Pending: a.store,
		Config:  cfg.Retrieval.Config,
		Logger:  logger,
	}
	if cfg.Retrieval.Refiner == "llm" {
		routerOpts.Refiner = retrieval.NewLLMRefiner(gen, logger)
	}

	deps := engine.Deps{
		Store:       a.store,
		Buffer:      a.store,
		Detector:    detector,
		Coordinator: coordinator,
		Logger:      logger,
	}
	if embedder != nil {
		var vectors storage.VectorIndex = a.store
		if cfg.Storage.VectorIndex == "chromem" {
			idx, err := chromem.New(cfg.Storage.ChromemPath, logger)
			if err != nil {
				return nil, fmt.Errorf("chromem index: %w", err)
			}
			vectors = idx
		}
		queryEmbedder, err := llm.NewCachedEmbedder(embedder, cfg.LLM.EmbedCacheSize)
		if err != nil {
			return nil, err
		}
		deps.Vectors = vectors
		deps.Embedder = embedder
		routerOpts.Vector = retrieval.NewVectorEngine(vectors, a.store, queryEmbedder)
	}
	deps.Router = retrieval.NewRouter(routerOpts)

	eng, err := engine.NewMemoryEngine(deps, cfg.Engine)
	if err != nil {
		return nil, fmt.Errorf("memory engine: %w", err)
	}
	return eng, nil
}

// run starts the engine, calls fn and shuts the engine down again.
// Embeddings still queued stay pending and are recovered by the next start.
func (a *app) run(ctx context.Context, fn func(ctx context.Context, eng *engine.MemoryEngine) error) error {
	if err := a.engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	runErr := fn(ctx, a.engine)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Engine.ShutdownTimeout)
	defer cancel()
	return errors.Join(runErr, a.engine.Shutdown(shutdownCtx))
}

func (a *app) Close() error {
	return a.store.Close()
}

// newBackupService builds the snapshot service for the sqlite store.
func newBackupService(cfg *config.Config, logger *slog.Logger) (*backup.Service, error) {
	if cfg.Storage.Engine == "postgres" {
		return nil, errors.New("backups are only supported for the sqlite engine")
	}
	return backup.NewService(backup.Config{
		DBPath:    cfg.Storage.SQLitePath(),
		BackupDir: cfg.Backup.Path,
		Interval:  cfg.Backup.Interval,
		Retention: backup.RetentionPolicy{
			Hourly:  cfg.Backup.RetentionHourly,
			Daily:   cfg.Backup.RetentionDaily,
			Weekly:  cfg.Backup.RetentionWeekly,
			Monthly: cfg.Backup.RetentionMonthly,
		},
		Verify: cfg.Backup.Verify,
		Logger: logger,
	})
}
