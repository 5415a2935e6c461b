package config

import (
	"os"
	"strconv"
)

// Config centralizes runtime settings for the API and the ingestion worker.
type Config struct {
	Port string

	AuthToken          string
	CORSAllowedOrigins string

	DatabaseURL string

	EdgarBaseURL           string
	EdgarDataBaseURL       string
	EdgarUserAgent         string
	EdgarRequestsPerSecond float64
	EdgarMaxRetries        int
	EdgarBackoffMS         int
	EdgarTimeoutMS         int

	OpenAIAPIKey              string
	OpenAIBaseURL             string
	OpenAIEmbeddingModel      string
	OpenAIEmbeddingDimensions int
	OpenAITimeoutMS           int
	OpenAIMaxRetries          int

	QdrantURL        string
	QdrantAPIKey     string
	QdrantCollection string

	ChunkSize          int
	ChunkOverlap       int
	IngestBatchSize    int
	IngestYearMin      int
	IngestYearMax      int
	IngestStageTimeout int
	ArchiveDir         string

	EmbedCacheTTLSeconds int
	EmbedCacheMaxEntries int

	SearchDefaultLimit int
	SearchMaxLimit     int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisStream   string
	RedisDLQ      string
	RedisGroup    string
	RedisConsumer string

	RateLimitRPS   float64
	RateLimitBurst int

	QueueBatchingEnabled     bool
	QueueBatchSize           int
	QueueBatchFlushMS        int
	QueueBatchFlushTimeoutMS int
	QueueBatchQueueCapacity  int
	QueueBatchMaxInFlight    int

	WorkerEnabled bool
}

func Load() Config {
	return Config{
		Port: getEnv("PORT", "8080"),

		AuthToken:          getEnv("API_AUTH_TOKEN", ""),
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		EdgarBaseURL:           getEnv("EDGAR_BASE_URL", "https://www.sec.gov"),
		EdgarDataBaseURL:       getEnv("EDGAR_DATA_BASE_URL", "https://data.sec.gov"),
		EdgarUserAgent:         getEnv("EDGAR_USER_AGENT", "filingsight ingest-back admin@filingsight.dev"),
		EdgarRequestsPerSecond: getEnvFloat("EDGAR_REQUESTS_PER_SECOND", 10),
		EdgarMaxRetries:        getEnvInt("EDGAR_MAX_RETRIES", 3),
		EdgarBackoffMS:         getEnvInt("EDGAR_BACKOFF_MS", 500),
		EdgarTimeoutMS:         getEnvInt("EDGAR_TIMEOUT_MS", 20000),

		OpenAIAPIKey:              getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:             getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIEmbeddingModel:      getEnv("OPENAI_EMBEDDING_MODEL", "text-embedding-ada-002"),
		OpenAIEmbeddingDimensions: getEnvInt("OPENAI_EMBEDDING_DIMENSIONS", 1536),
		OpenAITimeoutMS:           getEnvInt("OPENAI_TIMEOUT_MS", 15000),
		OpenAIMaxRetries:          getEnvInt("OPENAI_MAX_RETRIES", 2),

		QdrantURL:        getEnv("QDRANT_URL", ""),
		QdrantAPIKey:     getEnv("QDRANT_API_KEY", ""),
		QdrantCollection: getEnv("QDRANT_COLLECTION", "filing_chunks"),

		ChunkSize:          getEnvInt("CHUNK_SIZE", 1000),
		ChunkOverlap:       getEnvInt("CHUNK_OVERLAP", 200),
		IngestBatchSize:    getEnvInt("INGEST_BATCH_SIZE", 16),
		IngestYearMin:      getEnvInt("INGEST_YEAR_MIN", 2016),
		IngestYearMax:      getEnvInt("INGEST_YEAR_MAX", 2024),
		IngestStageTimeout: getEnvInt("INGEST_STAGE_TIMEOUT_MS", 120000),
		ArchiveDir:         getEnv("INGEST_ARCHIVE_DIR", ""),

		EmbedCacheTTLSeconds: getEnvInt("EMBED_CACHE_TTL_SECONDS", 900),
		EmbedCacheMaxEntries: getEnvInt("EMBED_CACHE_MAX_ENTRIES", 2000),

		SearchDefaultLimit: getEnvInt("SEARCH_DEFAULT_LIMIT", 5),
		SearchMaxLimit:     getEnvInt("SEARCH_MAX_LIMIT", 20),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisStream:   getEnv("REDIS_STREAM", "ingest_runs"),
		RedisDLQ:      getEnv("REDIS_DLQ_STREAM", "ingest_runs_dlq"),
		RedisGroup:    getEnv("REDIS_GROUP", "ingest_workers"),
		RedisConsumer: getEnv("REDIS_CONSUMER", "api-1"),

		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 40),

		QueueBatchingEnabled:     getEnvBool("QUEUE_BATCHING_ENABLED", true),
		QueueBatchSize:           getEnvInt("QUEUE_BATCH_SIZE", 32),
		QueueBatchFlushMS:        getEnvInt("QUEUE_BATCH_FLUSH_MS", 25),
		QueueBatchFlushTimeoutMS: getEnvInt("QUEUE_BATCH_FLUSH_TIMEOUT_MS", 3000),
		QueueBatchQueueCapacity:  getEnvInt("QUEUE_BATCH_QUEUE_CAPACITY", 2048),
		QueueBatchMaxInFlight:    getEnvInt("QUEUE_BATCH_MAX_IN_FLIGHT", 4),

		WorkerEnabled: getEnvBool("WORKER_ENABLED", true),
	}
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
