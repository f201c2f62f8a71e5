package index

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunk(id, projectID, sourceID string, vec []float32) Chunk {
	return Chunk{ID: id, ProjectID: projectID, SourceID: sourceID, Text: "text " + id, Vector: vec}
}

func TestMemoryStore_SearchRanksByCosine(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Replace(ctx, "p1", "s1", []Chunk{
		chunk("far", "p1", "s1", []float32{0, 1}),
		chunk("near", "p1", "s1", []float32{1, 0.1}),
	}))

	hits, err := s.Search(ctx, "p1", []float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "near", hits[0].Chunk.ID)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestMemoryStore_ProjectIsolation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	vec := []float32{1, 0}

	require.NoError(t, s.Replace(ctx, "p1", "s1", []Chunk{chunk("a", "p1", "s1", vec)}))
	require.NoError(t, s.Replace(ctx, "p2", "s2", []Chunk{chunk("b", "p2", "s2", vec)}))

	hits, err := s.Search(ctx, "p1", vec, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].Chunk.ID)

	count, err := s.Count(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMemoryStore_RecencyTieBreak(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	vec := []float32{1, 0}

	require.NoError(t, s.Replace(ctx, "p1", "old", []Chunk{chunk("older", "p1", "old", vec)}))
	require.NoError(t, s.Replace(ctx, "p1", "new", []Chunk{chunk("newer", "p1", "new", vec)}))

	hits, err := s.Search(ctx, "p1", vec, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "newer", hits[0].Chunk.ID)
}

func TestMemoryStore_ReplaceSwapsWholeSource(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	vec := []float32{1, 0}

	require.NoError(t, s.Replace(ctx, "p1", "s1", []Chunk{
		chunk("a1", "p1", "s1", vec), chunk("a2", "p1", "s1", vec),
	}))
	require.NoError(t, s.Replace(ctx, "p1", "s1", []Chunk{chunk("b1", "p1", "s1", vec)}))

	hits, err := s.Search(ctx, "p1", vec, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b1", hits[0].Chunk.ID)
}

// Readers racing a slow Replace must observe either the full old chunk
// set or the full new one, never a blend.
func TestMemoryStore_ReplaceAtomicUnderConcurrentReads(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	vec := []float32{1, 0}

	oldSet := make([]Chunk, 3)
	for i := range oldSet {
		oldSet[i] = chunk(fmt.Sprintf("old%d", i), "p1", "s1", vec)
	}
	newSet := make([]Chunk, 5)
	for i := range newSet {
		newSet[i] = chunk(fmt.Sprintf("new%d", i), "p1", "s1", vec)
	}
	require.NoError(t, s.Replace(ctx, "p1", "s1", oldSet))

	// Widen the mid-swap window where the source briefly holds no chunks.
	s.replaceHook = func() { time.Sleep(50 * time.Millisecond) }

	stop := make(chan struct{})
	var wg sync.WaitGroup
	var torn sync.Once
	var tornErr error

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				hits, err := s.Search(ctx, "p1", vec, 100)
				if err != nil {
					torn.Do(func() { tornErr = err })
					return
				}
				if len(hits) != len(oldSet) && len(hits) != len(newSet) {
					torn.Do(func() {
						tornErr = fmt.Errorf("torn read: saw %d chunks", len(hits))
					})
					return
				}
				for _, h := range hits {
					want := "old"
					if len(hits) == len(newSet) {
						want = "new"
					}
					if h.Chunk.ID[:3] != want {
						torn.Do(func() {
							tornErr = fmt.Errorf("torn read: %s chunk in a %d-chunk result", h.Chunk.ID, len(hits))
						})
						return
					}
				}
			}
		}()
	}

	require.NoError(t, s.Replace(ctx, "p1", "s1", newSet))
	time.Sleep(20 * time.Millisecond)
	close(stop)
	wg.Wait()

	require.NoError(t, tornErr)
}

func TestMemoryStore_DeleteSourceAndProject(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	vec := []float32{1, 0}

	require.NoError(t, s.Replace(ctx, "p1", "s1", []Chunk{chunk("a", "p1", "s1", vec)}))
	require.NoError(t, s.Replace(ctx, "p1", "s2", []Chunk{chunk("b", "p1", "s2", vec)}))

	require.NoError(t, s.DeleteSource(ctx, "p1", "s1"))
	count, err := s.Count(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, s.DeleteProject(ctx, "p1"))
	count, err = s.Count(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestMemoryStore_ListPagination(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	vec := []float32{1, 0}

	var chunks []Chunk
	for i := 0; i < 5; i++ {
		chunks = append(chunks, chunk(fmt.Sprintf("c%d", i), "p1", "s1", vec))
	}
	require.NoError(t, s.Replace(ctx, "p1", "s1", chunks))

	page, err := s.List(ctx, "p1", "s1", 2, 0)
	require.NoError(t, err)
	assert.Len(t, page, 2)

	page, err = s.List(ctx, "p1", "s1", 2, 4)
	require.NoError(t, err)
	assert.Len(t, page, 1)

	page, err = s.List(ctx, "p1", "s1", 2, 10)
	require.NoError(t, err)
	assert.Empty(t, page)
}
