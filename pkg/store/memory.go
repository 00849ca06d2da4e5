package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xhad/groundnotes/internal/models"
	"github.com/xhad/groundnotes/internal/types"
)

// MemoryVectorStore is an in-process vector store using brute-force cosine
// similarity. Each document's chunk slice is replaced whole, never edited in place.
type MemoryVectorStore struct {
	mu        sync.RWMutex
	dimension int
	chunks    map[string][]models.Chunk
}

func NewMemoryVectorStore(dimension int) *MemoryVectorStore {
	return &MemoryVectorStore{
		dimension: dimension,
		chunks:    make(map[string][]models.Chunk),
	}
}

func (s *MemoryVectorStore) StoreChunks(_ context.Context, documentID string, chunks []models.Chunk) (int, error) {
	if err := validateChunks(documentID, chunks, s.dimension); err != nil {
		return 0, err
	}

	stored := make([]models.Chunk, len(chunks))
	for i, c := range chunks {
		c.DocumentID = documentID
		c.Embedding = append([]float32(nil), c.Embedding...)
		stored[i] = c
	}

	s.mu.Lock()
	s.chunks[documentID] = stored
	s.mu.Unlock()

	return len(stored), nil
}

func (s *MemoryVectorStore) DeleteChunks(_ context.Context, documentID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.chunks[documentID])
	delete(s.chunks, documentID)
	return n, nil
}

func (s *MemoryVectorStore) CountChunks(_ context.Context, documentID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks[documentID]), nil
}

func (s *MemoryVectorStore) Search(_ context.Context, query []float32, opts types.SearchOptions) ([]models.RetrievalResult, error) {
	if err := validateSearch(query, opts, s.dimension); err != nil {
		return nil, err
	}
	scope := opts.Scope.Normalize()

	s.mu.RLock()
	var candidates [][]models.Chunk
	if scope.IsEmpty() {
		for _, chunks := range s.chunks {
			candidates = append(candidates, chunks)
		}
	} else {
		for _, id := range scope.DocumentIDs {
			if chunks, ok := s.chunks[id]; ok {
				candidates = append(candidates, chunks)
			}
		}
	}
	s.mu.RUnlock()

	var results []models.RetrievalResult
	for _, chunks := range candidates {
		for _, c := range chunks {
			sim := cosine(query, c.Embedding)
			if sim < opts.Threshold {
				continue
			}
			results = append(results, models.RetrievalResult{
				DocumentID: c.DocumentID,
				ChunkIndex: c.Index,
				Content:    c.Content,
				Similarity: math.Max(0, sim),
				Metadata:   c.Metadata,
			})
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Less(results[j]) })
	if len(results) > opts.TopK {
		results = results[:opts.TopK]
	}
	return results, nil
}

func (s *MemoryVectorStore) Close() {}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

type MemoryDocumentStoreConfig struct {
	ClaimLease time.Duration
	Now        func() time.Time
}

// MemoryDocumentStore is an in-process DocumentStore.
type MemoryDocumentStore struct {
	mu     sync.Mutex
	config MemoryDocumentStoreConfig
	docs   map[string]models.Document
	claims map[string]time.Time
}

func NewMemoryDocumentStore() *MemoryDocumentStore {
	return NewMemoryDocumentStoreWithConfig(MemoryDocumentStoreConfig{})
}

func NewMemoryDocumentStoreWithConfig(config MemoryDocumentStoreConfig) *MemoryDocumentStore {
	if config.ClaimLease <= 0 {
		config.ClaimLease = DefaultClaimLease
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &MemoryDocumentStore{
		config: config,
		docs:   make(map[string]models.Document),
		claims: make(map[string]time.Time),
	}
}

func (s *MemoryDocumentStore) CreateDocument(_ context.Context, doc models.Document) (models.Document, error) {
	if strings.TrimSpace(doc.OwnerID) == "" {
		return doc, types.NewValidationError("owner_id", "is required")
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	doc.State = models.StateUnprocessed
	doc.ProcessedAt = nil
	doc.CreatedAt = s.config.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.docs[doc.ID]; exists {
		return doc, &types.StorageError{Op: "create document", Err: fmt.Errorf("document %s already exists", doc.ID)}
	}
	s.docs[doc.ID] = doc
	return doc, nil
}

func (s *MemoryDocumentStore) GetDocument(_ context.Context, id string) (models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return doc, fmt.Errorf("%w: %s", types.ErrDocumentNotFound, id)
	}
	return doc, nil
}

func (s *MemoryDocumentStore) DeleteDocument(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[id]; !ok {
		return fmt.Errorf("%w: %s", types.ErrDocumentNotFound, id)
	}
	delete(s.docs, id)
	delete(s.claims, id)
	return nil
}

func (s *MemoryDocumentStore) GetProcessingState(_ context.Context, id string) (models.ProcessingStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return models.ProcessingStatus{}, fmt.Errorf("%w: %s", types.ErrDocumentNotFound, id)
	}
	return models.NewProcessingStatus(id, doc.State, doc.ProcessedAt), nil
}

func (s *MemoryDocumentStore) ClaimProcessing(_ context.Context, id string) (bool, models.ProcessingStatus, error) {
	return s.claim(id, func(state models.ProcessingState) bool {
		return state == models.StateUnprocessed || state == models.StateFailed
	})
}

func (s *MemoryDocumentStore) ClaimReprocessing(_ context.Context, id string) (bool, models.ProcessingStatus, error) {
	return s.claim(id, func(state models.ProcessingState) bool {
		return state != models.StateProcessing
	})
}

// claim moves id to processing when claimable accepts its state or its
// processing claim has outlived the lease.
func (s *MemoryDocumentStore) claim(id string, claimable func(models.ProcessingState) bool) (bool, models.ProcessingStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return false, models.ProcessingStatus{}, fmt.Errorf("%w: %s", types.ErrDocumentNotFound, id)
	}

	now := s.config.Now()
	expired := doc.State == models.StateProcessing && now.Sub(s.claims[id]) > s.config.ClaimLease
	if !claimable(doc.State) && !expired {
		return false, models.NewProcessingStatus(id, doc.State, doc.ProcessedAt), nil
	}

	doc.State = models.StateProcessing
	doc.ProcessedAt = nil
	s.docs[id] = doc
	s.claims[id] = now
	return true, models.NewProcessingStatus(id, doc.State, nil), nil
}

func (s *MemoryDocumentStore) SetProcessingState(_ context.Context, id string, state models.ProcessingState, at *time.Time) error {
	if !state.Valid() {
		return types.NewValidationError("state", "unknown processing state %q", state)
	}
	if state != models.StateProcessed {
		at = nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrDocumentNotFound, id)
	}
	doc.State = state
	doc.ProcessedAt = at
	s.docs[id] = doc
	if state == models.StateProcessing {
		s.claims[id] = s.config.Now()
	} else {
		delete(s.claims, id)
	}
	return nil
}

func (s *MemoryDocumentStore) Close() {}
