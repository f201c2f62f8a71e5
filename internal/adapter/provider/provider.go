package provider

import (
	"context"
	"fmt"
)

type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Request is everything a generation backend needs for one completion.
// The API key travels per request because providers are selected per
// project, not per process.
type Request struct {
	Model       string
	APIKey      string
	System      string
	Messages    []Message
	Temperature float32
	MaxTokens   int
}

type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Error wraps a generation backend failure so the query path can degrade
// to a user-visible message instead of surfacing a raw transport error.
type Error struct {
	Provider string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s provider: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
