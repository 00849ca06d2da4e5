package store_test

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/groundnotes/internal/models"
	"github.com/xhad/groundnotes/internal/types"
	"github.com/xhad/groundnotes/pkg/store"
)

// unit returns a 2-d vector whose cosine similarity with (1, 0) is sim.
func unit(sim float64) []float32 {
	return []float32{float32(sim), float32(math.Sqrt(1 - sim*sim))}
}

var query = []float32{1, 0}

func chunksWith(sims ...float64) []models.Chunk {
	out := make([]models.Chunk, len(sims))
	for i, s := range sims {
		out[i] = models.Chunk{
			Index:     i,
			Content:   "chunk",
			Embedding: unit(s),
			Metadata:  models.ChunkMetadata{StartWord: i * 10, EndWord: i*10 + 10, WordCount: 10},
		}
	}
	return out
}

func TestMemoryVectorStore_SearchThresholdAndOrder(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryVectorStore(2)

	n, err := s.StoreChunks(ctx, "doc-a", chunksWith(0.9, 0.3, 0.6))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	results, err := s.Search(ctx, query, types.SearchOptions{
		Scope:     models.SingleDocument("doc-a"),
		TopK:      3,
		Threshold: 0.5,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 0, results[0].ChunkIndex)
	assert.Equal(t, 2, results[1].ChunkIndex)
	assert.InDelta(t, 0.9, results[0].Similarity, 1e-6)
	assert.InDelta(t, 0.6, results[1].Similarity, 1e-6)
	assert.Equal(t, 20, results[1].Metadata.StartWord)

	for _, r := range results {
		assert.GreaterOrEqual(t, r.Similarity, 0.5)
	}
}

func TestMemoryVectorStore_TieBreak(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryVectorStore(2)

	_, err := s.StoreChunks(ctx, "doc-b", chunksWith(0.8, 0.8))
	require.NoError(t, err)
	_, err = s.StoreChunks(ctx, "doc-a", chunksWith(0.8, 0.8))
	require.NoError(t, err)

	opts := types.SearchOptions{TopK: 10, Threshold: 0.5}
	first, err := s.Search(ctx, query, opts)
	require.NoError(t, err)
	require.Len(t, first, 4)

	want := []struct {
		doc   string
		index int
	}{{"doc-a", 0}, {"doc-b", 0}, {"doc-a", 1}, {"doc-b", 1}}
	for i, w := range want {
		assert.Equal(t, w.doc, first[i].DocumentID)
		assert.Equal(t, w.index, first[i].ChunkIndex)
	}

	for i := 0; i < 5; i++ {
		again, err := s.Search(ctx, query, opts)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestMemoryVectorStore_TopKAndScope(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryVectorStore(2)
	_, err := s.StoreChunks(ctx, "doc-a", chunksWith(0.9, 0.85, 0.8))
	require.NoError(t, err)
	_, err = s.StoreChunks(ctx, "doc-b", chunksWith(0.95))
	require.NoError(t, err)

	results, err := s.Search(ctx, query, types.SearchOptions{
		Scope:     models.Scope{DocumentIDs: []string{"doc-a", "missing"}},
		TopK:      2,
		Threshold: 0.5,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, "doc-a", r.DocumentID)
	}

	all, err := s.Search(ctx, query, types.SearchOptions{TopK: 10, Threshold: 0.5})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "doc-b", all[0].DocumentID)
}

func TestMemoryVectorStore_DeleteThenSearch(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryVectorStore(2)
	_, err := s.StoreChunks(ctx, "doc-a", chunksWith(0.9, 0.7))
	require.NoError(t, err)

	n, err := s.DeleteChunks(ctx, "doc-a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	results, err := s.Search(ctx, query, types.SearchOptions{
		Scope:     models.SingleDocument("doc-a"),
		TopK:      5,
		Threshold: 0.5,
	})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestMemoryVectorStore_StoreReplacesSet(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryVectorStore(2)
	_, err := s.StoreChunks(ctx, "doc-a", chunksWith(0.9, 0.8, 0.7))
	require.NoError(t, err)
	_, err = s.StoreChunks(ctx, "doc-a", chunksWith(0.6))
	require.NoError(t, err)

	n, err := s.CountChunks(ctx, "doc-a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryVectorStore_Validation(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryVectorStore(2)

	bad := chunksWith(0.9)
	bad[0].Embedding = []float32{1, 0, 0}
	_, err := s.StoreChunks(ctx, "doc-a", bad)
	assert.ErrorIs(t, err, types.ErrDimensionMismatch)

	gap := chunksWith(0.9, 0.8)
	gap[1].Index = 5
	_, err = s.StoreChunks(ctx, "doc-a", gap)
	assert.True(t, types.IsValidation(err))

	n, err := s.CountChunks(ctx, "doc-a")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.Search(ctx, query, types.SearchOptions{TopK: 0, Threshold: 0.5})
	assert.True(t, types.IsValidation(err))

	_, err = s.Search(ctx, []float32{1, 0, 0}, types.SearchOptions{TopK: 1})
	assert.ErrorIs(t, err, types.ErrDimensionMismatch)
}

func TestMemoryVectorStore_ConcurrentStoreAndSearch(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryVectorStore(2)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := s.StoreChunks(ctx, "doc-a", chunksWith(0.9, 0.8, 0.7))
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			results, err := s.Search(ctx, query, types.SearchOptions{Scope: models.SingleDocument("doc-a"), TopK: 10, Threshold: 0.5})
			assert.NoError(t, err)
			// all or nothing
			assert.Contains(t, []int{0, 3}, len(results))
		}()
	}
	wg.Wait()
}

func TestMemoryDocumentStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryDocumentStore()

	doc, err := s.CreateDocument(ctx, models.Document{OwnerID: "user-1", Content: "hello world"})
	require.NoError(t, err)
	assert.NotEmpty(t, doc.ID)
	assert.Equal(t, models.StateUnprocessed, doc.State)

	claimed, status, err := s.ClaimProcessing(ctx, doc.ID)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, models.StateProcessing, status.State)

	claimed, status, err = s.ClaimProcessing(ctx, doc.ID)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, models.StateProcessing, status.State)

	err = s.SetProcessingState(ctx, doc.ID, models.StateFailed, nil)
	require.NoError(t, err)

	claimed, _, err = s.ClaimProcessing(ctx, doc.ID)
	require.NoError(t, err)
	assert.True(t, claimed)

	status, err = s.GetProcessingState(ctx, doc.ID)
	require.NoError(t, err)
	assert.False(t, status.Processed)
	assert.Nil(t, status.ProcessedAt)

	_, err = s.GetDocument(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrDocumentNotFound)
	_, _, err = s.ClaimProcessing(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrDocumentNotFound)

	_, err = s.CreateDocument(ctx, models.Document{Content: "x"})
	assert.True(t, types.IsValidation(err))
}

func TestMemoryDocumentStore_ClaimLease(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := store.NewMemoryDocumentStoreWithConfig(store.MemoryDocumentStoreConfig{
		ClaimLease: 10 * time.Minute,
		Now:        func() time.Time { return now },
	})

	doc, err := s.CreateDocument(ctx, models.Document{OwnerID: "user-1", Content: "hello world"})
	require.NoError(t, err)

	claimed, _, err := s.ClaimProcessing(ctx, doc.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	now = now.Add(9 * time.Minute)
	claimed, _, err = s.ClaimProcessing(ctx, doc.ID)
	require.NoError(t, err)
	assert.False(t, claimed, "live claim must not be taken over")
	claimed, _, err = s.ClaimReprocessing(ctx, doc.ID)
	require.NoError(t, err)
	assert.False(t, claimed)

	now = now.Add(2 * time.Minute)
	claimed, status, err := s.ClaimProcessing(ctx, doc.ID)
	require.NoError(t, err)
	assert.True(t, claimed, "expired claim is taken over")
	assert.Equal(t, models.StateProcessing, status.State)

	// The takeover renewed the claim.
	claimed, _, err = s.ClaimProcessing(ctx, doc.ID)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestMemoryDocumentStore_ClaimReprocessing(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryDocumentStore()

	doc, err := s.CreateDocument(ctx, models.Document{OwnerID: "user-1", Content: "hello world"})
	require.NoError(t, err)
	at := time.Now()
	require.NoError(t, s.SetProcessingState(ctx, doc.ID, models.StateProcessed, &at))

	claimed, _, err := s.ClaimProcessing(ctx, doc.ID)
	require.NoError(t, err)
	assert.False(t, claimed, "processed documents are not claimed for processing")

	claimed, status, err := s.ClaimReprocessing(ctx, doc.ID)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, models.StateProcessing, status.State)
	assert.Nil(t, status.ProcessedAt)

	_, _, err = s.ClaimReprocessing(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrDocumentNotFound)
}
