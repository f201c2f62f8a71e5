package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nsqio/go-nsq"

	"townbrain/backend/internal/adapter/anthropic"
	"townbrain/backend/internal/adapter/gemini"
	"townbrain/backend/internal/adapter/ollama"
	"townbrain/backend/internal/adapter/openai"
	"townbrain/backend/internal/adapter/provider"
	"townbrain/backend/internal/app"
	"townbrain/backend/internal/config"
	"townbrain/backend/internal/rag"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		slog.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}
	defer deps.DB.Close()

	// Embedding backend is chosen per deployment, not per project, so
	// ingestion and queries always share one embedding space.
	ollamaClient := ollama.New(cfg.OllamaURL, cfg.EmbedModel)
	var embedder rag.Embedder
	switch cfg.EmbedProvider {
	case "gemini":
		embedder = gemini.NewEmbedder(cfg.GeminiAPIKey)
	default:
		embedder = ollamaClient
	}

	generators := provider.NewRegistry()
	generators.Register("ollama", provider.Serialized(ollamaClient, cfg.IngestConcurrency))
	generators.Register("openai", openai.New(""))
	generators.Register("anthropic", anthropic.New(""))
	generators.Register("gemini", gemini.NewGenerator())

	application, err := app.New(cfg, deps.DB, deps.Store, deps.NSQProducer, embedder, generators)
	if err != nil {
		slog.Error("failed to build app", "error", err)
		os.Exit(1)
	}

	// Ingest consumer
	nsqCfg := nsq.NewConfig()
	nsqCfg.MaxInFlight = cfg.IngestConcurrency
	consumer, err := nsq.NewConsumer(config.TopicIngestTask, config.ChannelIngest, nsqCfg)
	if err != nil {
		slog.Error("failed to create NSQ consumer", "error", err)
		os.Exit(1)
	}
	consumer.AddConcurrentHandlers(application.IngestConsumer, cfg.IngestConcurrency)
	if err := consumer.ConnectToNSQLookupd(cfg.NSQLookupd); err != nil {
		slog.Error("failed to connect to NSQLookupd", "error", err)
		os.Exit(1)
	}
	defer consumer.Stop()
	slog.Info("ingest consumer connected", "topic", config.TopicIngestTask)

	if err := application.Run(ctx); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}
