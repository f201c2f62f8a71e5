package index

import (
	"context"
	"math"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store. The write lock around the per-source
// swap is what makes Replace atomic for concurrent readers.
type MemoryStore struct {
	mu       sync.RWMutex
	projects map[string]map[string][]Chunk // projectID -> sourceID -> chunks
	seq      int                           // insertion counter for recency tie-breaks
	inserted map[string]int                // chunk ID -> insertion sequence

	// replaceHook runs mid-swap while the write lock is held. Tests use it
	// to widen the window in which a torn read could be observed.
	replaceHook func()
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects: make(map[string]map[string][]Chunk),
		inserted: make(map[string]int),
	}
}

func (s *MemoryStore) Replace(ctx context.Context, projectID, sourceID string, chunks []Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sources, ok := s.projects[projectID]
	if !ok {
		sources = make(map[string][]Chunk)
		s.projects[projectID] = sources
	}

	for _, old := range sources[sourceID] {
		delete(s.inserted, old.ID)
	}
	delete(sources, sourceID)

	if s.replaceHook != nil {
		s.replaceHook()
	}

	copied := make([]Chunk, len(chunks))
	copy(copied, chunks)
	for i := range copied {
		s.seq++
		s.inserted[copied[i].ID] = s.seq
	}
	sources[sourceID] = copied
	return nil
}

func (s *MemoryStore) Search(ctx context.Context, projectID string, vector []float32, k int) ([]Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var hits []Hit
	for _, chunks := range s.projects[projectID] {
		for _, c := range chunks {
			hits = append(hits, Hit{Chunk: c, Score: cosineSimilarity(vector, c.Vector)})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return s.inserted[hits[i].Chunk.ID] > s.inserted[hits[j].Chunk.ID]
	})

	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (s *MemoryStore) DeleteSource(ctx context.Context, projectID, sourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sources, ok := s.projects[projectID]; ok {
		for _, c := range sources[sourceID] {
			delete(s.inserted, c.ID)
		}
		delete(sources, sourceID)
	}
	return nil
}

func (s *MemoryStore) DeleteProject(ctx context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, chunks := range s.projects[projectID] {
		for _, c := range chunks {
			delete(s.inserted, c.ID)
		}
	}
	delete(s.projects, projectID)
	return nil
}

func (s *MemoryStore) Count(ctx context.Context, projectID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, chunks := range s.projects[projectID] {
		total += len(chunks)
	}
	return total, nil
}

func (s *MemoryStore) List(ctx context.Context, projectID, sourceID string, limit, offset int) ([]Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []Chunk
	if sourceID != "" {
		all = append(all, s.projects[projectID][sourceID]...)
	} else {
		var sourceIDs []string
		for sid := range s.projects[projectID] {
			sourceIDs = append(sourceIDs, sid)
		}
		sort.Strings(sourceIDs)
		for _, sid := range sourceIDs {
			all = append(all, s.projects[projectID][sid]...)
		}
	}

	if offset >= len(all) {
		return []Chunk{}, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
