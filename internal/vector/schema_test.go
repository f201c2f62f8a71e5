package vector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate/entities/models"
)

type fakeSchemaClient struct {
	exists  bool
	class   *models.Class
	created *models.Class
	added   []string
}

func (f *fakeSchemaClient) ClassExists(ctx context.Context, className string) (bool, error) {
	return f.exists, nil
}

func (f *fakeSchemaClient) CreateClass(ctx context.Context, class *models.Class) error {
	f.created = class
	return nil
}

func (f *fakeSchemaClient) GetClass(ctx context.Context, className string) (*models.Class, error) {
	return f.class, nil
}

func (f *fakeSchemaClient) AddProperty(ctx context.Context, className string, property *models.Property) error {
	f.added = append(f.added, property.Name)
	return nil
}

func TestEnsureSchema_CreatesClassWhenMissing(t *testing.T) {
	client := &fakeSchemaClient{exists: false}

	require.NoError(t, EnsureSchema(context.Background(), client))
	require.NotNil(t, client.created)
	assert.Equal(t, ClassName, client.created.Class)
	assert.Equal(t, "none", client.created.Vectorizer, "vectors are supplied by the embedder, not Weaviate")

	names := make(map[string]bool)
	for _, p := range client.created.Properties {
		names[p.Name] = true
	}
	for _, want := range []string{"text", "projectId", "sourceId", "generation", "position", "chunkId"} {
		assert.True(t, names[want], want)
	}
	assert.Empty(t, client.added)
}

func TestEnsureSchema_BackfillsMissingProperties(t *testing.T) {
	client := &fakeSchemaClient{
		exists: true,
		class: &models.Class{
			Class: ClassName,
			Properties: []*models.Property{
				{Name: "text"}, {Name: "projectId"}, {Name: "sourceId"},
				{Name: "sourceType"}, {Name: "title"}, {Name: "url"},
				{Name: "position"}, {Name: "offsetSeconds"}, {Name: "method"},
				{Name: "chunkId"},
			},
		},
	}

	require.NoError(t, EnsureSchema(context.Background(), client))
	assert.Nil(t, client.created)
	assert.Equal(t, []string{"generation"}, client.added)
}

func TestEnsureSchema_NoopWhenComplete(t *testing.T) {
	client := &fakeSchemaClient{exists: false}
	require.NoError(t, EnsureSchema(context.Background(), client))

	// Feed the freshly created schema back in; nothing should change.
	second := &fakeSchemaClient{exists: true, class: client.created}
	require.NoError(t, EnsureSchema(context.Background(), second))
	assert.Nil(t, second.created)
	assert.Empty(t, second.added)
}
