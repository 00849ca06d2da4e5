// Package tracker runs the chunk → embed → store pipeline for a document at
// most once per content version and records the outcome as the document's
// processing state.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/xhad/groundnotes/internal/models"
	"github.com/xhad/groundnotes/internal/types"
	"github.com/xhad/groundnotes/pkg/chunker"
)

// BatchEmbedder is what the tracker needs from the embedding client.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type TrackerConfig struct {
	// EmbedConcurrency bounds concurrent embedding requests per document.
	EmbedConcurrency int
	// EmbedBatchSize is the number of chunks sent per embedding request.
	EmbedBatchSize int
	// ProcessTimeout bounds one pipeline run. The run is detached from the
	// callers waiting on it, so this is what stops a stuck backend.
	ProcessTimeout time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
}

type Tracker struct {
	config   TrackerConfig
	docs     types.DocumentStore
	vectors  types.VectorStore
	embedder BatchEmbedder
	chunker  *chunker.Chunker
	inflight singleflight.Group
}

func NewWithConfig(config TrackerConfig, docs types.DocumentStore, vectors types.VectorStore, embedder BatchEmbedder, c *chunker.Chunker) *Tracker {
	if config.EmbedConcurrency <= 0 {
		config.EmbedConcurrency = 4
	}
	if config.EmbedBatchSize <= 0 {
		config.EmbedBatchSize = 16
	}
	if config.ProcessTimeout <= 0 {
		config.ProcessTimeout = 10 * time.Minute
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Tracker{
		config:   config,
		docs:     docs,
		vectors:  vectors,
		embedder: embedder,
		chunker:  c,
	}
}

// EnsureProcessed chunks, embeds and stores text for documentID unless that has
// already happened. Callers in this process that arrive while a run is in
// flight wait for it; if another process holds the claim ErrStillProcessing is
// returned. A caller that gives up waiting does not cancel the run.
func (t *Tracker) EnsureProcessed(ctx context.Context, documentID, text string) (models.ProcessingState, error) {
	if err := validate(documentID, text); err != nil {
		return "", err
	}
	return t.shared(ctx, documentID, func(ctx context.Context) (models.ProcessingState, error) {
		return t.ensure(ctx, documentID, text)
	})
}

func validate(documentID, text string) error {
	if strings.TrimSpace(documentID) == "" {
		return types.NewValidationError("document_id", "is required")
	}
	if strings.TrimSpace(text) == "" {
		return types.NewValidationError("text", "document has no content to process")
	}
	return nil
}

// shared runs fn once for all concurrent callers using key. fn gets a context
// that keeps the first caller's values but none of its cancellation.
func (t *Tracker) shared(ctx context.Context, key string, fn func(context.Context) (models.ProcessingState, error)) (models.ProcessingState, error) {
	detached := context.WithoutCancel(ctx)
	ch := t.inflight.DoChan(key, func() (any, error) {
		runCtx, cancel := context.WithTimeout(detached, t.config.ProcessTimeout)
		defer cancel()
		return fn(runCtx)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Shared {
			t.config.Logger.Debug("joined in-flight processing", "key", key)
		}
		state, _ := res.Val.(models.ProcessingState)
		return state, res.Err
	}
}

func (t *Tracker) ensure(ctx context.Context, documentID, text string) (models.ProcessingState, error) {
	status, err := t.docs.GetProcessingState(ctx, documentID)
	if err != nil {
		return "", err
	}
	if status.State == models.StateProcessed {
		return models.StateProcessed, nil
	}

	claimed, status, err := t.docs.ClaimProcessing(ctx, documentID)
	if err != nil {
		return "", err
	}
	if !claimed {
		if status.State == models.StateProcessing {
			return models.StateProcessing, types.ErrStillProcessing
		}
		return status.State, nil
	}
	return t.process(ctx, documentID, text)
}

// process runs the pipeline for a document this tracker has claimed.
func (t *Tracker) process(ctx context.Context, documentID, text string) (models.ProcessingState, error) {
	log := t.config.Logger.With("document_id", documentID)
	start := t.config.Now()
	log.Info("processing document")

	n, err := t.run(ctx, documentID, text)
	if err != nil {
		t.fail(ctx, log, documentID, err)
		return models.StateFailed, err
	}

	at := t.config.Now().UTC()
	if err := t.docs.SetProcessingState(ctx, documentID, models.StateProcessed, &at); err != nil {
		t.fail(ctx, log, documentID, err)
		return models.StateFailed, err
	}

	log.Info("document processed", "chunks", n, "elapsed", time.Since(start))
	return models.StateProcessed, nil
}

func (t *Tracker) run(ctx context.Context, documentID, text string) (int, error) {
	candidates, err := t.chunker.Chunk(chunker.Normalize(text))
	if err != nil {
		return 0, err
	}
	if len(candidates) == 0 {
		return 0, types.NewValidationError("text", "document produced no chunks")
	}

	chunks := make([]models.Chunk, len(candidates))
	for i, c := range candidates {
		chunks[i] = models.Chunk{
			DocumentID: documentID,
			Index:      c.Index,
			Content:    c.Content,
			Metadata:   c.Metadata,
		}
	}

	// Each batch writes only its own slots, so no locking is needed.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.config.EmbedConcurrency)
	for start := 0; start < len(chunks); start += t.config.EmbedBatchSize {
		end := min(start+t.config.EmbedBatchSize, len(chunks))
		g.Go(func() error {
			texts := make([]string, 0, end-start)
			for _, c := range chunks[start:end] {
				texts = append(texts, c.Content)
			}
			vectors, err := t.embedder.EmbedBatch(gctx, texts)
			if err != nil {
				return fmt.Errorf("embed chunks %d-%d: %w", start, end-1, err)
			}
			if len(vectors) != len(texts) {
				return fmt.Errorf("embed chunks %d-%d: got %d vectors", start, end-1, len(vectors))
			}
			for i, v := range vectors {
				chunks[start+i].Embedding = v
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	return t.vectors.StoreChunks(ctx, documentID, chunks)
}

// fail removes whatever chunks exist for the document and records failed.
// Cleanup uses a fresh context so a cancelled request still leaves a
// consistent state behind.
func (t *Tracker) fail(ctx context.Context, log *slog.Logger, documentID string, cause error) {
	log.Error("document processing failed", "error", cause)

	cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if _, err := t.vectors.DeleteChunks(cleanup, documentID); err != nil {
		log.Error("failed to delete partial chunks", "error", err)
	}
	if err := t.docs.SetProcessingState(cleanup, documentID, models.StateFailed, nil); err != nil {
		log.Error("failed to record failed state", "error", err)
	}
}

// Reset deletes the document's chunks and marks it unprocessed so the next
// EnsureProcessed call runs the pipeline again. The document is claimed for
// the duration so no other worker can start on it halfway through.
func (t *Tracker) Reset(ctx context.Context, documentID string) error {
	claimed, _, err := t.docs.ClaimReprocessing(ctx, documentID)
	if err != nil {
		return err
	}
	if !claimed {
		return types.ErrStillProcessing
	}

	if _, err := t.vectors.DeleteChunks(ctx, documentID); err != nil {
		t.fail(ctx, t.config.Logger.With("document_id", documentID), documentID, err)
		return err
	}
	return t.docs.SetProcessingState(ctx, documentID, models.StateUnprocessed, nil)
}

// Reprocess processes text as the document's new content. The old chunks stay
// searchable until the new set replaces them.
func (t *Tracker) Reprocess(ctx context.Context, documentID, text string) (models.ProcessingState, error) {
	if err := validate(documentID, text); err != nil {
		return "", err
	}
	return t.shared(ctx, "reprocess/"+documentID, func(ctx context.Context) (models.ProcessingState, error) {
		claimed, status, err := t.docs.ClaimReprocessing(ctx, documentID)
		if err != nil {
			return "", err
		}
		if !claimed {
			return status.State, types.ErrStillProcessing
		}
		return t.process(ctx, documentID, text)
	})
}

// ProcessDocument loads the document's content from the document store and
// processes it.
func (t *Tracker) ProcessDocument(ctx context.Context, documentID string) (models.ProcessingState, error) {
	doc, err := t.docs.GetDocument(ctx, documentID)
	if err != nil {
		return "", err
	}
	return t.EnsureProcessed(ctx, doc.ID, doc.Content)
}

func (t *Tracker) Status(ctx context.Context, documentID string) (models.ProcessingStatus, error) {
	return t.docs.GetProcessingState(ctx, documentID)
}

// Delete removes a document and its chunks.
func (t *Tracker) Delete(ctx context.Context, documentID string) error {
	if _, err := t.vectors.DeleteChunks(ctx, documentID); err != nil {
		return err
	}
	if err := t.docs.DeleteDocument(ctx, documentID); err != nil && !errors.Is(err, types.ErrDocumentNotFound) {
		return err
	}
	return nil
}
