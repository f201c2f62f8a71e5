package weaviate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"townbrain/backend/internal/index"
	"townbrain/backend/internal/vector"
)

// Store keeps chunk vectors in a single Weaviate class, scoped per
// project by the projectId property.
type Store struct {
	client *weaviate.Client
}

func NewStore(client *weaviate.Client) *Store {
	return &Store{client: client}
}

var chunkFields = []graphql.Field{
	{Name: "text"},
	{Name: "projectId"},
	{Name: "sourceId"},
	{Name: "sourceType"},
	{Name: "title"},
	{Name: "url"},
	{Name: "generation"},
	{Name: "position"},
	{Name: "offsetSeconds"},
	{Name: "method"},
	{Name: "chunkId"},
}

// Replace installs a fresh chunk set for a source. Weaviate has no
// transactions, so the new generation is inserted first and older
// generations are deleted after; Search collapses overlapping
// generations to the newest one, so readers never see a blend.
func (s *Store) Replace(ctx context.Context, projectID, sourceID string, chunks []index.Chunk) error {
	generation := fmt.Sprintf("%020d", time.Now().UnixNano())

	if len(chunks) > 0 {
		objects := make([]*models.Object, 0, len(chunks))
		for _, c := range chunks {
			objects = append(objects, &models.Object{
				Class: vector.ClassName,
				Properties: map[string]interface{}{
					"text":          c.Text,
					"projectId":     projectID,
					"sourceId":      sourceID,
					"sourceType":    c.SourceType,
					"title":         c.Title,
					"url":           c.URL,
					"generation":    generation,
					"position":      c.Position,
					"offsetSeconds": c.OffsetSeconds,
					"method":        c.Method,
					"chunkId":       c.ID,
				},
				Vector: c.Vector,
			})
		}

		resp, err := s.client.Batch().ObjectsBatcher().
			WithObjects(objects...).
			Do(ctx)
		if err != nil {
			s.deleteGeneration(ctx, sourceID, generation)
			return fmt.Errorf("inserting chunk batch: %w", err)
		}
		for _, r := range resp {
			if r.Result != nil && r.Result.Errors != nil && len(r.Result.Errors.Error) > 0 {
				// A partial new generation would outrank the intact old one
				// in Search's collapse; clear it so readers fall back.
				s.deleteGeneration(ctx, sourceID, generation)
				return fmt.Errorf("inserting chunk: %s", r.Result.Errors.Error[0].Message)
			}
		}
	}

	_, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(vector.ClassName).
		WithOutput("minimal").
		WithWhere(filters.Where().
			WithOperator(filters.And).
			WithOperands([]*filters.WhereBuilder{
				filters.Where().
					WithPath([]string{"sourceId"}).
					WithOperator(filters.Equal).
					WithValueString(sourceID),
				filters.Where().
					WithPath([]string{"generation"}).
					WithOperator(filters.NotEqual).
					WithValueString(generation),
			})).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("deleting stale generations: %w", err)
	}
	return nil
}

func (s *Store) Search(ctx context.Context, projectID string, queryVector []float32, k int) ([]index.Hit, error) {
	if k <= 0 {
		return nil, nil
	}

	nearVector := s.client.GraphQL().NearVectorArgBuilder().
		WithVector(queryVector)

	where := filters.Where().
		WithPath([]string{"projectId"}).
		WithOperator(filters.Equal).
		WithValueString(projectID)

	fields := append([]graphql.Field{}, chunkFields...)
	fields = append(fields, graphql.Field{
		Name:   "_additional",
		Fields: []graphql.Field{{Name: "certainty"}},
	})

	// Overfetch so dropping superseded generations still leaves k hits.
	res, err := s.client.GraphQL().Get().
		WithClassName(vector.ClassName).
		WithNearVector(nearVector).
		WithWhere(where).
		WithLimit(k * 3).
		WithFields(fields...).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	if len(res.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %v", res.Errors)
	}

	type rawHit struct {
		chunk      index.Chunk
		generation string
		score      float32
	}

	var raw []rawHit
	for _, props := range objectsFromResponse(res.Data) {
		h := rawHit{chunk: chunkFromProps(props)}
		if gen, ok := props["generation"].(string); ok {
			h.generation = gen
		}
		if additional, ok := props["_additional"].(map[string]interface{}); ok {
			if certainty, ok := additional["certainty"].(float64); ok {
				h.score = float32(certainty)
			}
		}
		raw = append(raw, h)
	}

	// Collapse each source to its newest generation present in the
	// result set; a half-replaced source contributes only new chunks.
	newest := make(map[string]string)
	for _, h := range raw {
		if h.generation > newest[h.chunk.SourceID] {
			newest[h.chunk.SourceID] = h.generation
		}
	}

	var kept []rawHit
	for _, h := range raw {
		if h.generation != newest[h.chunk.SourceID] {
			continue
		}
		kept = append(kept, h)
	}

	// Equal scores break toward the most recently ingested source.
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].score != kept[j].score {
			return kept[i].score > kept[j].score
		}
		return kept[i].generation > kept[j].generation
	})

	var hits []index.Hit
	for _, h := range kept {
		hits = append(hits, index.Hit{Chunk: h.chunk, Score: h.score})
	}
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// deleteGeneration clears a partially inserted generation so the
// previous complete one stays authoritative. Best effort: the stale
// rows are also superseded by the next successful sync.
func (s *Store) deleteGeneration(ctx context.Context, sourceID, generation string) {
	_, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(vector.ClassName).
		WithOutput("minimal").
		WithWhere(filters.Where().
			WithOperator(filters.And).
			WithOperands([]*filters.WhereBuilder{
				filters.Where().
					WithPath([]string{"sourceId"}).
					WithOperator(filters.Equal).
					WithValueString(sourceID),
				filters.Where().
					WithPath([]string{"generation"}).
					WithOperator(filters.Equal).
					WithValueString(generation),
			})).
		Do(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to clear partial generation",
			"source_id", sourceID, "generation", generation, "error", err)
	}
}

func (s *Store) DeleteSource(ctx context.Context, projectID, sourceID string) error {
	_, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(vector.ClassName).
		WithOutput("minimal").
		WithWhere(filters.Where().
			WithOperator(filters.And).
			WithOperands([]*filters.WhereBuilder{
				filters.Where().
					WithPath([]string{"projectId"}).
					WithOperator(filters.Equal).
					WithValueString(projectID),
				filters.Where().
					WithPath([]string{"sourceId"}).
					WithOperator(filters.Equal).
					WithValueString(sourceID),
			})).
		Do(ctx)
	return err
}

func (s *Store) DeleteProject(ctx context.Context, projectID string) error {
	_, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(vector.ClassName).
		WithOutput("minimal").
		WithWhere(filters.Where().
			WithPath([]string{"projectId"}).
			WithOperator(filters.Equal).
			WithValueString(projectID)).
		Do(ctx)
	return err
}

func (s *Store) Count(ctx context.Context, projectID string) (int, error) {
	where := filters.Where().
		WithPath([]string{"projectId"}).
		WithOperator(filters.Equal).
		WithValueString(projectID)

	res, err := s.client.GraphQL().Aggregate().
		WithClassName(vector.ClassName).
		WithWhere(where).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, err
	}
	if len(res.Errors) > 0 {
		return 0, fmt.Errorf("graphql error: %v", res.Errors)
	}

	if data, ok := res.Data["Aggregate"].(map[string]interface{}); ok {
		if rows, ok := data[vector.ClassName].([]interface{}); ok && len(rows) > 0 {
			if row, ok := rows[0].(map[string]interface{}); ok {
				if meta, ok := row["meta"].(map[string]interface{}); ok {
					if count, ok := meta["count"].(float64); ok {
						return int(count), nil
					}
				}
			}
		}
	}
	return 0, nil
}

func (s *Store) List(ctx context.Context, projectID, sourceID string, limit, offset int) ([]index.Chunk, error) {
	where := filters.Where().
		WithPath([]string{"projectId"}).
		WithOperator(filters.Equal).
		WithValueString(projectID)
	if sourceID != "" {
		where = filters.Where().
			WithOperator(filters.And).
			WithOperands([]*filters.WhereBuilder{
				where,
				filters.Where().
					WithPath([]string{"sourceId"}).
					WithOperator(filters.Equal).
					WithValueString(sourceID),
			})
	}

	res, err := s.client.GraphQL().Get().
		WithClassName(vector.ClassName).
		WithWhere(where).
		WithSort(graphql.Sort{Path: []string{"position"}, Order: graphql.Asc}).
		WithLimit(limit).
		WithOffset(offset).
		WithFields(chunkFields...).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	if len(res.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %v", res.Errors)
	}

	var chunks []index.Chunk
	for _, props := range objectsFromResponse(res.Data) {
		chunks = append(chunks, chunkFromProps(props))
	}
	return chunks, nil
}

func objectsFromResponse(data map[string]models.JSONObject) []map[string]interface{} {
	var out []map[string]interface{}
	if get, ok := data["Get"].(map[string]interface{}); ok {
		if rows, ok := get[vector.ClassName].([]interface{}); ok {
			for _, r := range rows {
				if props, ok := r.(map[string]interface{}); ok {
					out = append(out, props)
				}
			}
		}
	}
	return out
}

func chunkFromProps(props map[string]interface{}) index.Chunk {
	var c index.Chunk
	if v, ok := props["chunkId"].(string); ok {
		c.ID = v
	}
	if v, ok := props["projectId"].(string); ok {
		c.ProjectID = v
	}
	if v, ok := props["sourceId"].(string); ok {
		c.SourceID = v
	}
	if v, ok := props["text"].(string); ok {
		c.Text = v
	}
	if v, ok := props["title"].(string); ok {
		c.Title = v
	}
	if v, ok := props["url"].(string); ok {
		c.URL = v
	}
	if v, ok := props["sourceType"].(string); ok {
		c.SourceType = v
	}
	if v, ok := props["position"].(float64); ok {
		c.Position = int(v)
	}
	if v, ok := props["offsetSeconds"].(float64); ok {
		c.OffsetSeconds = int(v)
	}
	if v, ok := props["method"].(string); ok {
		c.Method = v
	}
	return c
}
