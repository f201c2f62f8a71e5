package config

import (
	"errors"
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var ErrMissingRequired = errors.New("missing required configuration")

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"townbrain"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"townbrain"`

	WeaviateHost   string `envconfig:"WEAVIATE_HOST" default:"localhost:8080"`
	WeaviateScheme string `envconfig:"WEAVIATE_SCHEME" default:"http"`

	NSQLookupd string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost   string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP   string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`

	ServerPort    int    `envconfig:"SERVER_PORT" default:"8081"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"file://migrations"`
	QueryLogPath  string `envconfig:"QUERY_LOG_PATH" default:"data/logs/query.log"`
	UploadDir     string `envconfig:"UPLOAD_DIR" default:"./uploads"`
	MaxUploadMB   int64  `envconfig:"MAX_UPLOAD_SIZE_MB" default:"50"`

	// Embedding is deployment-wide, not per-project: ingestion and query
	// must share one embedding space or retrieval silently degrades.
	EmbedProvider string `envconfig:"EMBED_PROVIDER" default:"ollama"`
	EmbedModel    string `envconfig:"EMBED_MODEL" default:"nomic-embed-text"`
	GeminiAPIKey  string `envconfig:"GEMINI_API_KEY"`
	OllamaURL     string `envconfig:"OLLAMA_URL" default:"http://localhost:11434"`
	YouTubeAPIKey string `envconfig:"YOUTUBE_API_KEY"`

	ChunkSizeWords    int `envconfig:"CHUNK_SIZE_WORDS" default:"500"`
	ChunkOverlapWords int `envconfig:"CHUNK_OVERLAP_WORDS" default:"50"`
	SearchTopK        int `envconfig:"SEARCH_TOP_K" default:"6"`
	CrawlPageLimit    int `envconfig:"CRAWL_PAGE_LIMIT" default:"50"`

	// One in-flight ingestion by default: the target deployment is a
	// single small machine and embedding is compute-bound.
	IngestConcurrency   int `envconfig:"INGEST_CONCURRENCY" default:"1"`
	JobStallTimeoutMins int `envconfig:"JOB_STALL_TIMEOUT_MINS" default:"10"`

	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Env vars may be set in the shell instead; ignore a missing .env.
	_ = godotenv.Load(".env")

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	if c.ChunkOverlapWords >= c.ChunkSizeWords {
		return fmt.Errorf("%w: CHUNK_OVERLAP_WORDS must be smaller than CHUNK_SIZE_WORDS", ErrMissingRequired)
	}
	return nil
}
