package main

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	wstore "townbrain/backend/internal/adapter/weaviate"
	"townbrain/backend/internal/adapter/ollama"
	"townbrain/backend/internal/adapter/provider"
	"townbrain/backend/internal/app"
	"townbrain/backend/internal/config"
	"townbrain/backend/internal/testutils"
	"townbrain/backend/internal/vector"
)

func TestSmoke_Startup(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping smoke test in short mode")
	}

	// 1. Start infrastructure
	suite := testutils.NewIntegrationSuite(t)
	suite.Setup()
	defer suite.Teardown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, vector.EnsureSchema(ctx, vector.NewWeaviateClientAdapter(suite.Weaviate)))

	// 2. Wire the app against the containers
	cfg := &config.Config{
		ServerPort:        8082,
		QueryLogPath:      t.TempDir() + "/query.log",
		UploadDir:         t.TempDir(),
		MaxUploadMB:       50,
		SearchTopK:        6,
		ChunkSizeWords:    500,
		ChunkOverlapWords: 50,
		CrawlPageLimit:    10,
		IngestConcurrency: 1,

		JobStallTimeoutMins: 10,
	}

	ollamaClient := ollama.New("http://localhost:11434", "nomic-embed-text")
	generators := provider.NewRegistry()
	generators.Register("ollama", provider.Serialized(ollamaClient, 1))

	application, err := app.New(cfg, suite.DB, wstore.NewStore(suite.Weaviate), suite.NSQ, ollamaClient, generators)
	require.NoError(t, err)

	// 3. Run in background
	go func() {
		if err := application.Run(ctx); err != nil {
			t.Logf("app run exited: %v", err)
		}
	}()

	// 4. Wait for health check
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://localhost:8082/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 10*time.Second, 500*time.Millisecond)
}
