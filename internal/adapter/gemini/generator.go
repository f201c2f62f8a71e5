package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"townbrain/backend/internal/adapter/provider"
)

// Generator produces completions via the Gemini API. Keys arrive per
// request since each project carries its own.
type Generator struct {
	client     *genai.Client
	currentKey string
	mu         sync.Mutex
	clientOpts []option.ClientOption
}

func NewGenerator(opts ...option.ClientOption) *Generator {
	return &Generator{clientOpts: opts}
}

func (g *Generator) Generate(ctx context.Context, req provider.Request) (string, error) {
	if req.APIKey == "" {
		return "", &provider.Error{Provider: "gemini", Err: fmt.Errorf("api key not configured")}
	}

	client, err := g.getClient(ctx, req.APIKey)
	if err != nil {
		return "", &provider.Error{Provider: "gemini", Err: err}
	}

	model := client.GenerativeModel(req.Model)
	model.SetTemperature(req.Temperature)
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if req.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}

	var prompt strings.Builder
	for _, m := range req.Messages {
		if m.Role == "assistant" {
			prompt.WriteString("Assistant: ")
		} else {
			prompt.WriteString("User: ")
		}
		prompt.WriteString(m.Content)
		prompt.WriteString("\n\n")
	}

	resp, err := model.GenerateContent(ctx, genai.Text(strings.TrimSpace(prompt.String())))
	if err != nil {
		return "", &provider.Error{Provider: "gemini", Err: err}
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", &provider.Error{Provider: "gemini", Err: fmt.Errorf("empty response")}
	}

	var out strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			out.WriteString(string(t))
		}
	}
	return out.String(), nil
}

func (g *Generator) getClient(ctx context.Context, key string) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.client != nil && g.currentKey == key {
		return g.client, nil
	}

	if g.client != nil {
		if err := g.client.Close(); err != nil {
			slog.Warn("failed to close previous genai client", "error", err)
		}
	}

	opts := append(g.clientOpts, option.WithAPIKey(key))
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}

	g.client = client
	g.currentKey = key
	return client, nil
}
