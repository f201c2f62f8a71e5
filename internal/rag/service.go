package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"time"

	"townbrain/backend/internal/adapter/provider"
	"townbrain/backend/internal/index"
	"townbrain/backend/internal/middleware"
)

// Project carries the per-project answering configuration. The chat
// feature maps its stored project onto this so the engine stays free of
// persistence concerns.
type Project struct {
	ID              string
	Name            string
	Municipality    string
	Provider        string
	Model           string
	APIKey          string
	Temperature     float32
	MaxTokens       int
	SystemPrompt    string
	EnableCitations bool
	ShowThinking    bool
}

type Question struct {
	Text    string
	History []provider.Message
}

type Citation struct {
	Title          string  `json:"title"`
	URL            string  `json:"url"`
	SourceType     string  `json:"source_type"`
	RelevanceScore float32 `json:"relevance_score"`
}

// Answer is the full chat response. Degraded answers keep a 200-shaped
// payload with an error code instead of failing the request, so the
// client can always render something.
type Answer struct {
	Answer      string     `json:"answer"`
	Sources     []Citation `json:"sources"`
	Thinking    string     `json:"thinking,omitempty"`
	ContextUsed bool       `json:"context_used"`
	ErrorCode   string     `json:"error,omitempty"`
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

const maxHistoryTurns = 5

type Service struct {
	embedder  Embedder
	store     index.Store
	providers *provider.Registry
	logger    *QueryLogger
	topK      int
}

func NewService(e Embedder, s index.Store, p *provider.Registry, l *QueryLogger, topK int) *Service {
	if topK <= 0 {
		topK = 5
	}
	return &Service{embedder: e, store: s, providers: p, logger: l, topK: topK}
}

// Ask answers a question grounded in the project's indexed sources.
// Retrieval failures are real errors; generation failures degrade to a
// user-readable answer.
func (s *Service) Ask(ctx context.Context, p Project, q Question) (*Answer, error) {
	start := time.Now()
	var answer *Answer

	defer func() {
		if s.logger != nil && answer != nil {
			s.logger.Log(QueryLogEntry{
				ProjectID:     p.ID,
				Query:         q.Text,
				NumResults:    len(answer.Sources),
				Degraded:      answer.ErrorCode != "",
				Duration:      time.Since(start),
				CorrelationID: middleware.GetCorrelationID(ctx),
			})
		}
	}()

	vec, err := s.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("embedding question: %w", err)
	}

	hits, err := s.store.Search(ctx, p.ID, vec, s.topK)
	if err != nil {
		return nil, fmt.Errorf("searching index: %w", err)
	}

	messages := make([]provider.Message, 0, maxHistoryTurns+1)
	history := q.History
	if len(history) > maxHistoryTurns {
		history = history[len(history)-maxHistoryTurns:]
	}
	messages = append(messages, history...)
	messages = append(messages, provider.Message{
		Role:    "user",
		Content: buildUserPrompt(p.Municipality, q.Text, hits),
	})

	gen, err := s.providers.For(p.Provider)
	if err != nil {
		answer = degrade(p, err)
		return answer, nil
	}

	raw, err := gen.Generate(ctx, provider.Request{
		Model:       p.Model,
		APIKey:      p.APIKey,
		System:      buildSystemPrompt(p),
		Messages:    messages,
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
	})
	if err != nil {
		slog.WarnContext(ctx, "generation failed, degrading answer",
			"project_id", p.ID, "provider", p.Provider, "error", err)
		answer = degrade(p, err)
		return answer, nil
	}

	text, thinking := splitThinking(raw)
	answer = &Answer{
		Answer:      text,
		Sources:     []Citation{},
		ContextUsed: len(hits) > 0,
	}
	if p.ShowThinking {
		answer.Thinking = thinking
	}
	if p.EnableCitations {
		for _, h := range hits {
			answer.Sources = append(answer.Sources, Citation{
				Title:          h.Chunk.Title,
				URL:            h.Chunk.URL,
				SourceType:     h.Chunk.SourceType,
				RelevanceScore: roundScore(h.Score),
			})
		}
	}
	return answer, nil
}

// degrade maps a generation failure onto the answer the resident sees.
func degrade(p Project, err error) *Answer {
	msg := strings.ToLower(err.Error())
	var perr *provider.Error
	isProvider := errors.As(err, &perr)

	var text, code string
	switch {
	case isProvider && perr.Provider == "ollama" && (strings.Contains(msg, "connection") || strings.Contains(msg, "refused")):
		text = "Ollama is not running. Please start Ollama with `ollama serve` in your terminal, then try again."
		code = "ollama_not_running"
	case isProvider && perr.Provider == "ollama" && strings.Contains(msg, "not installed"):
		text = fmt.Sprintf("The model '%s' is not installed. Run `ollama pull %s` to install it.", p.Model, p.Model)
		code = "model_not_found"
	case strings.Contains(msg, "api key not configured"):
		text = fmt.Sprintf("%s API key is not configured. Please add your API key in Settings.", providerLabel(p.Provider))
		code = "missing_api_key"
	case strings.Contains(msg, "api_key") || strings.Contains(msg, "authentication") || strings.Contains(msg, "invalid x-api-key"):
		text = "API key is invalid or missing. Please check your API key in Settings."
		code = "invalid_api_key"
	case strings.Contains(msg, "rate") && strings.Contains(msg, "limit"):
		text = "Rate limit exceeded. Please wait a moment and try again."
		code = "rate_limited"
	case strings.Contains(msg, "model") && strings.Contains(msg, "not found"):
		text = fmt.Sprintf("Model '%s' is not available. Please select a different model in Settings.", p.Model)
		code = "model_not_found"
	default:
		text = fmt.Sprintf("I apologize, but I encountered an error: %v", err)
		code = "provider_error"
	}

	return &Answer{Answer: text, Sources: []Citation{}, ErrorCode: code}
}

func providerLabel(name string) string {
	switch name {
	case "openai":
		return "OpenAI"
	case "anthropic":
		return "Anthropic"
	case "gemini":
		return "Gemini"
	case "ollama":
		return "Ollama"
	default:
		return name
	}
}

var thinkPattern = regexp.MustCompile(`(?s)<think>(.*?)</think>`)

// splitThinking strips reasoning blocks emitted by local reasoning
// models, returning them separately.
func splitThinking(raw string) (answer, thinking string) {
	matches := thinkPattern.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		return strings.TrimSpace(raw), ""
	}
	var blocks []string
	for _, m := range matches {
		blocks = append(blocks, strings.TrimSpace(m[1]))
	}
	return strings.TrimSpace(thinkPattern.ReplaceAllString(raw, "")), strings.Join(blocks, "\n\n")
}

func roundScore(s float32) float32 {
	return float32(math.Round(float64(s)*1000) / 1000)
}
