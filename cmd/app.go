package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/xhad/groundnotes/internal/types"
	"github.com/xhad/groundnotes/pkg/chunker"
	"github.com/xhad/groundnotes/pkg/config"
	"github.com/xhad/groundnotes/pkg/conversation"
	"github.com/xhad/groundnotes/pkg/ingest"
	"github.com/xhad/groundnotes/pkg/llm"
	"github.com/xhad/groundnotes/pkg/rag"
	"github.com/xhad/groundnotes/pkg/store"
	"github.com/xhad/groundnotes/pkg/tracker"
)

// app holds every component a command may need, built from one config.
type app struct {
	config       *config.Config
	logger       *slog.Logger
	docs         types.DocumentStore
	vectors      types.VectorStore
	tracker      *tracker.Tracker
	orchestrator *conversation.Orchestrator
	fetcher      *ingest.URLFetcher
	closers      []func()
}

func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.verbose {
		cfg.LogLevel = "debug"
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("invalid configuration:\n  %s", strings.Join(msgs, "\n  "))
	}
	return cfg, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func newApp(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	a := &app{config: cfg, logger: logger}
	if err := a.openStores(ctx); err != nil {
		return nil, err
	}

	embedder, err := llm.NewEmbedderWithConfig(llm.EmbedderConfig{
		Provider:       cfg.Embedder.Provider,
		Model:          cfg.Embedder.Model,
		BaseURL:        cfg.Embedder.BaseURL,
		APIKey:         cfg.Embedder.APIKey,
		Dimension:      cfg.Database.VectorDim,
		BatchSize:      cfg.Embedder.BatchSize,
		MaxRetries:     cfg.Embedder.MaxRetries,
		InitialBackoff: cfg.Embedder.Backoff,
		Logger:         logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	c, err := chunker.NewWithConfig(chunker.ChunkerConfig{
		ChunkSize:    cfg.Chunker.ChunkSize,
		ChunkOverlap: cfg.Chunker.ChunkOverlap,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.tracker = tracker.NewWithConfig(tracker.TrackerConfig{
		EmbedConcurrency: cfg.Retrieval.EmbedConcurrency,
		EmbedBatchSize:   cfg.Embedder.BatchSize,
		ProcessTimeout:   cfg.Retrieval.ProcessTimeout,
		Logger:           logger,
	}, a.docs, a.vectors, embedder, c)

	assembler, err := rag.NewWithConfig(rag.AssemblerConfig{
		Threshold:       cfg.Retrieval.Threshold,
		MaxDocuments:    cfg.Retrieval.MaxDocuments,
		MaxContextChars: cfg.Retrieval.MaxContextChars,
		Logger:          logger,
	}, embedder, a.vectors)
	if err != nil {
		a.Close()
		return nil, err
	}

	generator, err := llm.NewWithConfig(llm.ChatConfig{
		Provider:    cfg.LLM.Provider,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize chat engine: %w", err)
	}

	a.orchestrator, err = conversation.NewWithConfig(conversation.OrchestratorConfig{
		MaxChunks:       cfg.Conversation.MaxChunks,
		MaxHistoryTurns: cfg.Conversation.MaxHistoryTurns,
		Logger:          logger,
	}, assembler, generator)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.fetcher = ingest.NewURLFetcher(ingest.FetcherConfig{
		RateLimit:         cfg.Scraper.RateLimit,
		MaxDepth:          cfg.Scraper.MaxDepth,
		IgnorePatterns:    cfg.Scraper.IgnorePatterns,
		AllowedExtensions: cfg.Scraper.AllowedExtensions,
		Logger:            logger,
	})

	return a, nil
}

// openStores connects to Postgres, or falls back to in-memory stores that
// live only as long as the process when no database URL is configured.
func (a *app) openStores(ctx context.Context) error {
	db := a.config.Database
	if db.URL == "" {
		color.Yellow("No database configured; documents are kept in memory for this session only.")
		a.docs = store.NewMemoryDocumentStoreWithConfig(store.MemoryDocumentStoreConfig{ClaimLease: db.ClaimLease})
		a.vectors = store.NewMemoryVectorStore(db.VectorDim)
		return nil
	}

	pool, err := store.Connect(ctx, db.URL)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, pool.Close)

	vectors, err := store.NewPGVectorStore(pool, store.VectorStoreConfig{
		TableName: db.ChunkTable,
		VectorDim: db.VectorDim,
		IndexType: db.IndexType,
	})
	if err != nil {
		a.Close()
		return err
	}
	docs, err := store.NewPGDocumentStore(pool, store.DocumentStoreConfig{
		TableName:  db.DocumentTable,
		ClaimLease: db.ClaimLease,
	})
	if err != nil {
		a.Close()
		return err
	}

	if !db.SkipMigrations {
		if err := docs.Migrate(ctx); err != nil {
			a.Close()
			return err
		}
		if err := vectors.Migrate(ctx); err != nil {
			a.Close()
			return err
		}
	}

	a.docs = docs
	a.vectors = vectors
	return nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
