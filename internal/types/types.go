package types

import (
	"context"
	"time"

	"github.com/xhad/groundnotes/internal/models"
)

// Core interfaces

// EmbeddingClient is the raw embedding backend. langchaingo's ollama and openai
// LLMs satisfy it.
type EmbeddingClient interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// QueryEmbedder turns one text into a vector.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type SearchOptions struct {
	Scope     models.Scope
	TopK      int
	Threshold float64
}

type VectorStore interface {
	StoreChunks(ctx context.Context, documentID string, chunks []models.Chunk) (int, error)
	DeleteChunks(ctx context.Context, documentID string) (int, error)
	CountChunks(ctx context.Context, documentID string) (int, error)
	Search(ctx context.Context, query []float32, opts SearchOptions) ([]models.RetrievalResult, error)
	Close()
}

// DocumentStore owns documents; the RAG core only touches the processing fields.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc models.Document) (models.Document, error)
	GetDocument(ctx context.Context, id string) (models.Document, error)
	DeleteDocument(ctx context.Context, id string) error
	GetProcessingState(ctx context.Context, id string) (models.ProcessingStatus, error)
	// ClaimProcessing moves an unprocessed or failed document to processing in one
	// step. A processing claim older than the store's lease is taken over. It
	// returns false with the current status when the document is in any other
	// state.
	ClaimProcessing(ctx context.Context, id string) (bool, models.ProcessingStatus, error)
	// ClaimReprocessing is ClaimProcessing that also accepts processed
	// documents. Only a live processing claim makes it return false.
	ClaimReprocessing(ctx context.Context, id string) (bool, models.ProcessingStatus, error)
	// SetProcessingState writes state and timestamp together.
	SetProcessingState(ctx context.Context, id string, state models.ProcessingState, at *time.Time) error
	Close()
}
