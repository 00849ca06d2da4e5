package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/xhad/groundnotes/internal/models"
	"github.com/xhad/groundnotes/internal/types"
)

// DefaultClaimLease is how long a processing claim holds before another
// worker may take it over.
const DefaultClaimLease = 30 * time.Minute

type DocumentStoreConfig struct {
	TableName string
	// ClaimLease bounds how long a processing claim survives its worker.
	ClaimLease time.Duration
}

// PGDocumentStore keeps documents and their processing state in Postgres.
type PGDocumentStore struct {
	config DocumentStoreConfig
	db     DB
}

func NewPGDocumentStore(db DB, config DocumentStoreConfig) (*PGDocumentStore, error) {
	if config.TableName == "" {
		config.TableName = "documents"
	}
	if config.ClaimLease <= 0 {
		config.ClaimLease = DefaultClaimLease
	}
	if err := checkTableName(config.TableName); err != nil {
		return nil, err
	}
	return &PGDocumentStore{config: config, db: db}, nil
}

func (ds *PGDocumentStore) Migrate(ctx context.Context) error {
	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			rag_state TEXT NOT NULL DEFAULT 'unprocessed',
			rag_processed_at TIMESTAMPTZ,
			rag_claimed_at TIMESTAMPTZ
		)`, ds.config.TableName)

	if _, err := ds.db.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	addClaimedAt := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS rag_claimed_at TIMESTAMPTZ`, ds.config.TableName)
	if _, err := ds.db.Exec(ctx, addClaimedAt); err != nil {
		return fmt.Errorf("failed to add claim column: %w", err)
	}
	return nil
}

func (ds *PGDocumentStore) CreateDocument(ctx context.Context, doc models.Document) (models.Document, error) {
	if strings.TrimSpace(doc.OwnerID) == "" {
		return doc, types.NewValidationError("owner_id", "is required")
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	doc.State = models.StateUnprocessed
	doc.ProcessedAt = nil

	stmt := fmt.Sprintf(`
		INSERT INTO %s (id, owner_id, title, source, content, rag_state)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`, ds.config.TableName)

	err := ds.db.QueryRow(ctx, stmt,
		doc.ID, doc.OwnerID, doc.Title, doc.Source, doc.Content, string(doc.State),
	).Scan(&doc.CreatedAt)
	if err != nil {
		return doc, &types.StorageError{Op: "create document", Err: err}
	}
	return doc, nil
}

func (ds *PGDocumentStore) GetDocument(ctx context.Context, id string) (models.Document, error) {
	stmt := fmt.Sprintf(`
		SELECT id, owner_id, title, source, content, created_at, rag_state, rag_processed_at
		FROM %s WHERE id = $1`, ds.config.TableName)

	var (
		doc   models.Document
		state string
	)
	err := ds.db.QueryRow(ctx, stmt, id).Scan(
		&doc.ID, &doc.OwnerID, &doc.Title, &doc.Source, &doc.Content,
		&doc.CreatedAt, &state, &doc.ProcessedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return doc, fmt.Errorf("%w: %s", types.ErrDocumentNotFound, id)
	}
	if err != nil {
		return doc, &types.StorageError{Op: "get document", Err: err}
	}
	doc.State = models.ProcessingState(state)
	return doc, nil
}

func (ds *PGDocumentStore) DeleteDocument(ctx context.Context, id string) error {
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, ds.config.TableName)
	tag, err := ds.db.Exec(ctx, stmt, id)
	if err != nil {
		return &types.StorageError{Op: "delete document", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", types.ErrDocumentNotFound, id)
	}
	return nil
}

func (ds *PGDocumentStore) GetProcessingState(ctx context.Context, id string) (models.ProcessingStatus, error) {
	stmt := fmt.Sprintf(`SELECT rag_state, rag_processed_at FROM %s WHERE id = $1`, ds.config.TableName)

	var (
		state string
		at    *time.Time
	)
	err := ds.db.QueryRow(ctx, stmt, id).Scan(&state, &at)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ProcessingStatus{}, fmt.Errorf("%w: %s", types.ErrDocumentNotFound, id)
	}
	if err != nil {
		return models.ProcessingStatus{}, &types.StorageError{Op: "get state", Err: err}
	}
	return models.NewProcessingStatus(id, models.ProcessingState(state), at), nil
}

// ClaimProcessing uses a conditional UPDATE so only one caller across all
// processes can move a document into processing. Claims are stamped with the
// database clock and expire after the configured lease.
func (ds *PGDocumentStore) ClaimProcessing(ctx context.Context, id string) (bool, models.ProcessingStatus, error) {
	stmt := fmt.Sprintf(`
		UPDATE %s SET rag_state = $2, rag_processed_at = NULL, rag_claimed_at = now()
		WHERE id = $1 AND (rag_state IN ($3, $4) OR (rag_state = $2 AND %s))
		RETURNING id`, ds.config.TableName, expiredClaim("$5"))

	return ds.claim(ctx, id, stmt,
		string(models.StateProcessing),
		string(models.StateUnprocessed),
		string(models.StateFailed),
		ds.config.ClaimLease.Seconds(),
	)
}

func (ds *PGDocumentStore) ClaimReprocessing(ctx context.Context, id string) (bool, models.ProcessingStatus, error) {
	stmt := fmt.Sprintf(`
		UPDATE %s SET rag_state = $2, rag_processed_at = NULL, rag_claimed_at = now()
		WHERE id = $1 AND (rag_state <> $2 OR %s)
		RETURNING id`, ds.config.TableName, expiredClaim("$3"))

	return ds.claim(ctx, id, stmt,
		string(models.StateProcessing),
		ds.config.ClaimLease.Seconds(),
	)
}

// expiredClaim matches rows whose claim is older than the lease in seconds
// bound to param. Rows claimed before rag_claimed_at existed count as expired.
func expiredClaim(param string) string {
	return fmt.Sprintf("(rag_claimed_at IS NULL OR rag_claimed_at < now() - make_interval(secs => %s))", param)
}

func (ds *PGDocumentStore) claim(ctx context.Context, id, stmt string, args ...any) (bool, models.ProcessingStatus, error) {
	var claimed string
	err := ds.db.QueryRow(ctx, stmt, append([]any{id}, args...)...).Scan(&claimed)
	if err == nil {
		return true, models.NewProcessingStatus(id, models.StateProcessing, nil), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, models.ProcessingStatus{}, &types.StorageError{Op: "claim", Err: err}
	}

	status, err := ds.GetProcessingState(ctx, id)
	if err != nil {
		return false, status, err
	}
	return false, status, nil
}

// SetProcessingState writes state and timestamp in a single statement. Any
// state other than processing releases the claim.
func (ds *PGDocumentStore) SetProcessingState(ctx context.Context, id string, state models.ProcessingState, at *time.Time) error {
	if !state.Valid() {
		return types.NewValidationError("state", "unknown processing state %q", state)
	}
	if state != models.StateProcessed {
		at = nil
	}

	stmt := fmt.Sprintf(`
		UPDATE %s SET rag_state = $2, rag_processed_at = $3,
			rag_claimed_at = CASE WHEN $2 = 'processing' THEN now() END
		WHERE id = $1`, ds.config.TableName)
	tag, err := ds.db.Exec(ctx, stmt, id, string(state), at)
	if err != nil {
		return &types.StorageError{Op: "set state", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", types.ErrDocumentNotFound, id)
	}
	return nil
}

// Close is a no-op; the pool belongs to the caller.
func (ds *PGDocumentStore) Close() {}
