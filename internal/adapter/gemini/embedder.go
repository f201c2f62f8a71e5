package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const embedModel = "gemini-embedding-001"

// Embedder computes embeddings via the Gemini API. The client is cached
// per key so a key rotation picks up a fresh client without a restart.
type Embedder struct {
	apiKey     string
	client     *genai.Client
	currentKey string
	mu         sync.Mutex
	clientOpts []option.ClientOption
}

func NewEmbedder(apiKey string, opts ...option.ClientOption) *Embedder {
	return &Embedder{apiKey: apiKey, clientOpts: opts}
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.apiKey == "" {
		return nil, fmt.Errorf("gemini api key not configured")
	}

	client, err := e.getClient(ctx, e.apiKey)
	if err != nil {
		return nil, err
	}

	model := client.EmbeddingModel(embedModel)
	res, err := model.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, err
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, fmt.Errorf("empty embedding received")
	}
	return res.Embedding.Values, nil
}

func (e *Embedder) getClient(ctx context.Context, key string) (*genai.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client != nil && e.currentKey == key {
		return e.client, nil
	}

	if e.client != nil {
		if err := e.client.Close(); err != nil {
			slog.Warn("failed to close previous genai client", "error", err)
		}
	}

	opts := append(e.clientOpts, option.WithAPIKey(key))
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}

	e.client = client
	e.currentKey = key
	return client, nil
}
