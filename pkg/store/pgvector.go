package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pgvector/pgvector-go"

	"github.com/xhad/groundnotes/internal/models"
	"github.com/xhad/groundnotes/internal/types"
)

type VectorStoreConfig struct {
	ConnString string
	TableName  string
	VectorDim  int
	// IndexType is "hnsw", "ivfflat" or "none".
	IndexType string
}

// PGVectorStore keeps chunk embeddings in a pgvector column.
type PGVectorStore struct {
	config VectorStoreConfig
	db     DB
	owned  bool
}

// NewWithConfig connects to config.ConnString and creates the schema.
func NewWithConfig(ctx context.Context, config VectorStoreConfig) (*PGVectorStore, error) {
	pool, err := Connect(ctx, config.ConnString)
	if err != nil {
		return nil, err
	}

	vs, err := NewPGVectorStore(pool, config)
	if err != nil {
		pool.Close()
		return nil, err
	}
	vs.owned = true

	if err := vs.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return vs, nil
}

// NewPGVectorStore uses an existing connection; the caller keeps ownership of db.
func NewPGVectorStore(db DB, config VectorStoreConfig) (*PGVectorStore, error) {
	if config.TableName == "" {
		config.TableName = "document_chunks"
	}
	if config.VectorDim == 0 {
		config.VectorDim = 768 // nomic-embed-text
	}
	if config.IndexType == "" {
		config.IndexType = "hnsw"
	}
	if err := checkTableName(config.TableName); err != nil {
		return nil, err
	}
	if config.VectorDim < 0 {
		return nil, fmt.Errorf("vector dimension must be positive")
	}

	return &PGVectorStore{config: config, db: db}, nil
}

func (vs *PGVectorStore) Dimension() int {
	return vs.config.VectorDim
}

// Migrate creates the vector extension, chunk table and similarity index.
func (vs *PGVectorStore) Migrate(ctx context.Context) error {
	_, err := vs.db.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
	if err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			document_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			content TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (document_id, chunk_index)
		)`, vs.config.TableName, vs.config.VectorDim)

	if _, err = vs.db.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	var createIndex string
	switch vs.config.IndexType {
	case "hnsw":
		createIndex = fmt.Sprintf(`
			CREATE INDEX IF NOT EXISTS %s_embedding_idx
			ON %s
			USING hnsw (embedding vector_cosine_ops)`,
			vs.config.TableName, vs.config.TableName)
	case "ivfflat":
		createIndex = fmt.Sprintf(`
			CREATE INDEX IF NOT EXISTS %s_embedding_idx
			ON %s
			USING ivfflat (embedding vector_cosine_ops)
			WITH (lists = 100)`,
			vs.config.TableName, vs.config.TableName)
	}
	if createIndex != "" {
		if _, err = vs.db.Exec(ctx, createIndex); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// StoreChunks replaces every chunk of documentID with chunks inside one
// transaction, so searches see either the old set or the new one.
func (vs *PGVectorStore) StoreChunks(ctx context.Context, documentID string, chunks []models.Chunk) (int, error) {
	if err := validateChunks(documentID, chunks, vs.config.VectorDim); err != nil {
		return 0, err
	}

	tx, err := vs.db.Begin(ctx)
	if err != nil {
		return 0, &types.StorageError{Op: "begin", Err: err}
	}
	defer tx.Rollback(ctx)

	deleteStmt := fmt.Sprintf(`DELETE FROM %s WHERE document_id = $1`, vs.config.TableName)
	if _, err := tx.Exec(ctx, deleteStmt, documentID); err != nil {
		return 0, &types.StorageError{Op: "delete", Err: err}
	}

	insertStmt := fmt.Sprintf(`
		INSERT INTO %s (document_id, chunk_index, content, embedding, metadata)
		VALUES ($1, $2, $3, $4, $5)`,
		vs.config.TableName)

	for _, chunk := range chunks {
		metadata, err := json.Marshal(chunk.Metadata)
		if err != nil {
			return 0, &types.StorageError{Op: "insert", Err: err}
		}
		_, err = tx.Exec(ctx, insertStmt,
			documentID,
			chunk.Index,
			chunk.Content,
			pgvector.NewVector(chunk.Embedding),
			metadata,
		)
		if err != nil {
			return 0, &types.StorageError{Op: "insert", Err: fmt.Errorf("chunk %d: %w", chunk.Index, err)}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, &types.StorageError{Op: "commit", Err: err}
	}

	return len(chunks), nil
}

func (vs *PGVectorStore) DeleteChunks(ctx context.Context, documentID string) (int, error) {
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE document_id = $1`, vs.config.TableName)
	tag, err := vs.db.Exec(ctx, stmt, documentID)
	if err != nil {
		return 0, &types.StorageError{Op: "delete", Err: err}
	}
	return int(tag.RowsAffected()), nil
}

func (vs *PGVectorStore) CountChunks(ctx context.Context, documentID string) (int, error) {
	var n int
	stmt := fmt.Sprintf(`SELECT count(*) FROM %s WHERE document_id = $1`, vs.config.TableName)
	if err := vs.db.QueryRow(ctx, stmt, documentID).Scan(&n); err != nil {
		return 0, &types.StorageError{Op: "count", Err: err}
	}
	return n, nil
}

// Search ranks chunks by cosine similarity. Rows below opts.Threshold are not
// returned. Filtering and ordering use the raw cosine distance so the
// vector_cosine_ops index can serve the ORDER BY ... LIMIT.
func (vs *PGVectorStore) Search(ctx context.Context, query []float32, opts types.SearchOptions) ([]models.RetrievalResult, error) {
	if err := validateSearch(query, opts, vs.config.VectorDim); err != nil {
		return nil, err
	}
	scope := opts.Scope.Normalize()

	var sb strings.Builder
	fmt.Fprintf(&sb, `
		SELECT document_id, chunk_index, content, metadata,
			GREATEST(0, 1 - (embedding <=> $1)) AS similarity
		FROM %s
		WHERE embedding <=> $1 <= $2`, vs.config.TableName)

	args := []any{pgvector.NewVector(query), 1 - opts.Threshold}
	if !scope.IsEmpty() {
		args = append(args, scope.DocumentIDs)
		fmt.Fprintf(&sb, `
			AND document_id = ANY($%d)`, len(args))
	}
	args = append(args, opts.TopK)
	fmt.Fprintf(&sb, `
		ORDER BY embedding <=> $1, chunk_index, document_id
		LIMIT $%d`, len(args))

	rows, err := vs.db.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, &types.StorageError{Op: "search", Err: err}
	}
	defer rows.Close()

	results := make([]models.RetrievalResult, 0, opts.TopK)
	for rows.Next() {
		var (
			r        models.RetrievalResult
			metadata []byte
		)
		if err := rows.Scan(&r.DocumentID, &r.ChunkIndex, &r.Content, &metadata, &r.Similarity); err != nil {
			return nil, &types.StorageError{Op: "scan", Err: err}
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
				return nil, &types.StorageError{Op: "scan", Err: fmt.Errorf("chunk metadata: %w", err)}
			}
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &types.StorageError{Op: "search", Err: err}
	}

	return results, nil
}

func (vs *PGVectorStore) Close() {
	if vs.owned && vs.db != nil {
		vs.db.Close()
	}
}

func validateChunks(documentID string, chunks []models.Chunk, dim int) error {
	if strings.TrimSpace(documentID) == "" {
		return types.NewValidationError("document_id", "is required")
	}
	if len(chunks) == 0 {
		return types.NewValidationError("chunks", "at least one chunk is required")
	}
	for i, chunk := range chunks {
		if chunk.Index != i {
			return types.NewValidationError("chunks", "chunk indices must be contiguous from 0, got %d at position %d", chunk.Index, i)
		}
		if chunk.DocumentID != "" && chunk.DocumentID != documentID {
			return types.NewValidationError("chunks", "chunk %d belongs to document %q", i, chunk.DocumentID)
		}
		if len(chunk.Embedding) != dim {
			return fmt.Errorf("chunk %d: %w: expected %d, got %d", i, types.ErrDimensionMismatch, dim, len(chunk.Embedding))
		}
	}
	return nil
}

func validateSearch(query []float32, opts types.SearchOptions, dim int) error {
	if opts.TopK <= 0 {
		return types.NewValidationError("top_k", "must be positive, got %d", opts.TopK)
	}
	if opts.Threshold < 0 || opts.Threshold > 1 {
		return types.NewValidationError("similarity_threshold", "must be between 0 and 1, got %g", opts.Threshold)
	}
	if len(query) != dim {
		return fmt.Errorf("query vector: %w: expected %d, got %d", types.ErrDimensionMismatch, dim, len(query))
	}
	return nil
}
