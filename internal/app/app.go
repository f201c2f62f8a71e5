package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"townbrain/backend/features/chat"
	"townbrain/backend/features/job"
	"townbrain/backend/features/project"
	"townbrain/backend/features/source"
	"townbrain/backend/internal/adapter/provider"
	"townbrain/backend/internal/collector"
	"townbrain/backend/internal/config"
	"townbrain/backend/internal/index"
	"townbrain/backend/internal/middleware"
	"townbrain/backend/internal/rag"
	"townbrain/backend/internal/worker"
)

type TaskPublisher interface {
	Publish(topic string, body []byte) error
}

type App struct {
	Handler        http.Handler
	IngestConsumer *worker.IngestConsumer
	JobService     *job.Service

	cfg *config.Config
}

func New(
	cfg *config.Config,
	db *sql.DB,
	store index.Store,
	taskPub TaskPublisher,
	embedder rag.Embedder,
	generators *provider.Registry,
) (*App, error) {
	// Feature: Project
	projectRepo := project.NewPostgresRepo(db)
	projectService := project.NewService(projectRepo, store)
	projectHandler := project.NewHandler(projectService)

	// Feature: Source
	sourceRepo := source.NewPostgresRepo(db)
	sourceService := source.NewService(sourceRepo, store)
	sourceHandler := source.NewHandler(sourceService, cfg.UploadDir, cfg.MaxUploadMB)

	// Feature: Job
	jobRepo := job.NewPostgresRepo(db)
	jobService := job.NewService(jobRepo, sourceRepo, taskPub)
	jobHandler := job.NewHandler(jobService)

	// Feature: Chat
	queryLogger, err := rag.NewFileQueryLogger(cfg.QueryLogPath)
	if err != nil {
		slog.Warn("failed to create query logger, falling back to stdout", "error", err)
		queryLogger = rag.NewQueryLogger(os.Stdout)
	}
	engine := rag.NewService(embedder, store, generators, queryLogger, cfg.SearchTopK)
	chatHandler := chat.NewHandler(projectService, engine)

	// Worker: ingest pipeline
	collectors := collector.NewRegistry(collector.Options{
		CrawlPageLimit: cfg.CrawlPageLimit,
		YouTubeAPIKey:  cfg.YouTubeAPIKey,
	})
	ingestConsumer := worker.NewIngestConsumer(collectors, embedder, store, sourceRepo, jobRepo, worker.IngestConfig{
		ChunkSizeWords:    cfg.ChunkSizeWords,
		ChunkOverlapWords: cfg.ChunkOverlapWords,
	})

	// Middleware: CORS
	enableCORS := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, PATCH, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next(w, r)
		}
	}

	// Routes
	mux := http.NewServeMux()
	route := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, middleware.CorrelationID(enableCORS(h)))
	}

	route("POST /api/projects", projectHandler.Create)
	route("GET /api/projects", projectHandler.List)
	route("GET /api/projects/{id}", projectHandler.Get)
	route("PUT /api/projects/{id}", projectHandler.Update)
	route("DELETE /api/projects/{id}", projectHandler.Delete)
	route("GET /api/projects/{id}/health", projectHandler.Health)
	route("GET /api/projects/{id}/stats", projectHandler.Stats)
	route("GET /api/projects/{id}/documents", sourceHandler.Documents)

	route("POST /api/projects/{id}/sources", sourceHandler.Create)
	route("GET /api/projects/{id}/sources", sourceHandler.List)
	route("POST /api/projects/{id}/sources/upload", sourceHandler.Upload)
	route("PATCH /api/projects/{id}/sources/{sourceId}", sourceHandler.SetEnabled)
	route("DELETE /api/projects/{id}/sources/{sourceId}", sourceHandler.Delete)

	route("POST /api/projects/{id}/sources/{sourceId}/ingest", jobHandler.Ingest)
	route("POST /api/projects/{id}/ingest", jobHandler.SyncAll)
	route("GET /api/jobs/{jobId}", jobHandler.Get)
	route("GET /api/admin/jobs", jobHandler.ListAdmin)

	route("POST /api/chat", chatHandler.Chat)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
	})

	return &App{
		Handler:        mux,
		IngestConsumer: ingestConsumer,
		JobService:     jobService,
		cfg:            cfg,
	}, nil
}

// Run serves HTTP and drives the stall watchdog until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.ServerPort),
		Handler: a.Handler,
	}

	stallTimeout := time.Duration(a.cfg.JobStallTimeoutMins) * time.Minute
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := a.JobService.FailStale(ctx, stallTimeout); err != nil {
					slog.Error("stall watchdog sweep failed", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		if err := srv.Shutdown(context.Background()); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server starting", "port", a.cfg.ServerPort)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
