// Package rag assembles retrieved chunks into the context block handed to the
// generation service.
package rag

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/xhad/groundnotes/internal/models"
	"github.com/xhad/groundnotes/internal/types"
)

const (
	// DefaultSimilarityThreshold is the minimum cosine similarity a chunk needs
	// to be used as context.
	DefaultSimilarityThreshold = 0.5
	// DefaultMaxDocuments bounds how many documents one request may scope over.
	DefaultMaxDocuments = 10
)

// Searcher is the slice of the vector store the assembler reads from.
type Searcher interface {
	Search(ctx context.Context, query []float32, opts types.SearchOptions) ([]models.RetrievalResult, error)
}

type AssemblerConfig struct {
	// Threshold defaults to DefaultSimilarityThreshold when nil.
	Threshold    *float64
	MaxDocuments int
	// MaxContextChars caps the chunk text in one context. Zero means no cap.
	MaxContextChars int
	Logger          *slog.Logger
}

type Assembler struct {
	config    AssemblerConfig
	threshold float64
	embedder types.QueryEmbedder
	store    Searcher
}

// Context is the ranked set of chunks retrieved for one query.
type Context struct {
	Chunks       []models.RetrievalResult `json:"chunks"`
	TotalSources int                      `json:"total_sources"`
	Scope        models.Scope             `json:"scope"`
}

func NewWithConfig(config AssemblerConfig, embedder types.QueryEmbedder, store Searcher) (*Assembler, error) {
	threshold := DefaultSimilarityThreshold
	if config.Threshold != nil {
		threshold = *config.Threshold
	}
	config.Threshold = &threshold
	if config.MaxDocuments == 0 {
		config.MaxDocuments = DefaultMaxDocuments
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if threshold < 0 || threshold > 1 {
		return nil, types.NewValidationError("threshold", "must be within [0, 1], got %v", threshold)
	}
	if config.MaxDocuments < 1 {
		return nil, types.NewValidationError("max_documents", "must be positive, got %d", config.MaxDocuments)
	}
	if config.MaxContextChars < 0 {
		return nil, types.NewValidationError("max_context_chars", "must be non-negative, got %d", config.MaxContextChars)
	}
	return &Assembler{config: config, threshold: threshold, embedder: embedder, store: store}, nil
}

func (a *Assembler) Config() AssemblerConfig {
	return a.config
}

// GetContext embeds query once and returns at most maxChunks chunks from scope.
// With several documents in scope each one is searched for
// ceil(maxChunks/n) chunks before the merged list is re-ranked and cut to
// maxChunks, so one document cannot crowd out the others at the search stage.
func (a *Assembler) GetContext(ctx context.Context, query string, scope models.Scope, maxChunks int) (*Context, error) {
	if strings.TrimSpace(query) == "" {
		return nil, types.NewValidationError("query", "is required")
	}
	if maxChunks <= 0 {
		return nil, types.NewValidationError("max_chunks", "must be positive, got %d", maxChunks)
	}
	scope = scope.Normalize()
	if len(scope.DocumentIDs) > a.config.MaxDocuments {
		return nil, types.NewValidationError("scope", "at most %d documents per request, got %d", a.config.MaxDocuments, len(scope.DocumentIDs))
	}

	vector, err := a.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	var results []models.RetrievalResult
	if len(scope.DocumentIDs) <= 1 {
		results, err = a.store.Search(ctx, vector, types.SearchOptions{
			Scope:     scope,
			TopK:      maxChunks,
			Threshold: a.threshold,
		})
	} else {
		results, err = a.fanOut(ctx, vector, scope, maxChunks)
	}
	if err != nil {
		return nil, err
	}

	chunks := a.budget(results)
	a.config.Logger.Debug("assembled context",
		"documents", len(scope.DocumentIDs),
		"candidates", len(results),
		"chunks", len(chunks),
	)

	return &Context{
		Chunks:       chunks,
		TotalSources: len(chunks),
		Scope:        scope,
	}, nil
}

func (a *Assembler) fanOut(ctx context.Context, vector []float32, scope models.Scope, maxChunks int) ([]models.RetrievalResult, error) {
	ids := scope.DocumentIDs
	perDoc := (maxChunks + len(ids) - 1) / len(ids)

	perDocResults := make([][]models.RetrievalResult, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			res, err := a.store.Search(gctx, vector, types.SearchOptions{
				Scope:     models.SingleDocument(id),
				TopK:      perDoc,
				Threshold: a.threshold,
			})
			if err != nil {
				return fmt.Errorf("search document %s: %w", id, err)
			}
			perDocResults[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []models.RetrievalResult
	for _, res := range perDocResults {
		merged = append(merged, res...)
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Less(merged[j]) })
	if len(merged) > maxChunks {
		merged = merged[:maxChunks]
	}
	return merged, nil
}

// budget keeps chunks in rank order until the character budget is spent. The
// first chunk is always kept.
func (a *Assembler) budget(results []models.RetrievalResult) []models.RetrievalResult {
	if len(results) == 0 {
		return []models.RetrievalResult{}
	}
	if a.config.MaxContextChars == 0 {
		return results
	}
	used := 0
	for i, r := range results {
		used += len(r.Content)
		if i > 0 && used > a.config.MaxContextChars {
			return results[:i]
		}
	}
	return results
}

// Text renders the chunks as numbered, source-tagged blocks.
func (c *Context) Text() string {
	if c == nil || len(c.Chunks) == 0 {
		return ""
	}
	var b strings.Builder
	for i, chunk := range c.Chunks {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] (document %s, chunk %d)\n%s", i+1, chunk.DocumentID, chunk.ChunkIndex, chunk.Content)
	}
	return b.String()
}
