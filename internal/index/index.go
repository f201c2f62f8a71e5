package index

import "context"

// Chunk is the unit of retrieval: a bounded segment of source text with
// its embedding and enough provenance to render a citation.
type Chunk struct {
	ID            string    `json:"id"`
	ProjectID     string    `json:"project_id"`
	SourceID      string    `json:"source_id"`
	Text          string    `json:"text"`
	Title         string    `json:"title,omitempty"`
	URL           string    `json:"url,omitempty"`
	SourceType    string    `json:"source_type,omitempty"`
	OffsetSeconds int       `json:"offset_seconds,omitempty"`
	Method        string    `json:"method,omitempty"`
	Position      int       `json:"position"`
	Vector        []float32 `json:"-"`
}

type Hit struct {
	Chunk Chunk   `json:"chunk"`
	Score float32 `json:"score"`
}

// Store persists chunk vectors per project and serves similarity search.
//
// Replace swaps the full chunk set for a source in one step: a concurrent
// Search observes either the previous set or the new one, never a blend
// of the two ingestion generations.
type Store interface {
	Replace(ctx context.Context, projectID, sourceID string, chunks []Chunk) error
	Search(ctx context.Context, projectID string, vector []float32, k int) ([]Hit, error)
	DeleteSource(ctx context.Context, projectID, sourceID string) error
	DeleteProject(ctx context.Context, projectID string) error
	Count(ctx context.Context, projectID string) (int, error)
	List(ctx context.Context, projectID, sourceID string, limit, offset int) ([]Chunk, error)
}
