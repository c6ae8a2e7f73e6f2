package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every tunable the pipeline needs. It is built once in main
// and injected into components; nothing reads the environment at call time.
type Config struct {
	Environment  string
	HTTPPort     string
	HTTPSPort    string
	Domains      []string
	CertCacheDir string

	DatabaseURL string

	// Embedding provider.
	OpenAIAPIKey       string
	EmbeddingModel     string
	EmbeddingDimension int
	EmbeddingMaxChars  int

	// Extraction service.
	ExtractionBaseURL    string
	ExtractionAPIKey     string
	ExtractionAgentID    string
	ExtractionRatePerSec float64

	// Object storage.
	StorageBaseURL   string
	StoragePublicURL string
	StorageBucket    string
	StorageAPIKey    string

	// Normalizer / splitter limits.
	MaxUploadBytes   int64
	MaxPagesPerChunk int

	// Poll policy for extraction results.
	PollMaxAttempts  int
	PollInitialDelay time.Duration

	// Retry policy for upload/start/fetch calls.
	CallMaxAttempts  int
	CallInitialDelay time.Duration
	CallMaxDelay     time.Duration

	// Orchestration.
	ChunkConcurrency int
	JobTimeout       time.Duration
	ReaperInterval   time.Duration

	// Similarity search defaults.
	DefaultSimilarityThreshold float64
	DefaultMaxResults          int
	MaxResultsCap              int
}

var isTest bool

func init() {
	isTest = os.Getenv("GO_ENVIRONMENT") == "test"
	if !isTest {
		err := godotenv.Load()
		if err != nil {
			log.Println("Warning: Error loading .env file:", err)
		}
	}
}

func Load() Config {
	return Config{
		Environment:  getEnv("ENVIRONMENT", "development"),
		HTTPPort:     getEnv("HTTP_PORT", "8089"),
		HTTPSPort:    getEnv("HTTPS_PORT", "443"),
		Domains:      []string{getEnv("DOMAIN", "example.com")},
		CertCacheDir: getEnv("CERT_CACHE_DIR", "/etc/letsencrypt/live/example.com"),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		OpenAIAPIKey:       getEnv("OPENAI_API_KEY", ""),
		EmbeddingModel:     getEnv("EMBEDDING_MODEL", "text-embedding-ada-002"),
		EmbeddingDimension: getEnvAsInt("EMBEDDING_DIMENSION", 1536),
		EmbeddingMaxChars:  getEnvAsInt("EMBEDDING_MAX_CHARS", 8000),

		ExtractionBaseURL:    getEnv("EXTRACTION_BASE_URL", "https://api.cloud.llamaindex.ai"),
		ExtractionAPIKey:     getEnv("EXTRACTION_API_KEY", ""),
		ExtractionAgentID:    getEnv("EXTRACTION_AGENT_ID", ""),
		ExtractionRatePerSec: getEnvAsFloat("EXTRACTION_RATE_PER_SEC", 4.0),

		StorageBaseURL:   getEnv("STORAGE_BASE_URL", ""),
		StoragePublicURL: getEnv("STORAGE_PUBLIC_URL", ""),
		StorageBucket:    getEnv("STORAGE_BUCKET", "documents"),
		StorageAPIKey:    getEnv("STORAGE_API_KEY", ""),

		MaxUploadBytes:   int64(getEnvAsInt("MAX_UPLOAD_BYTES", 50<<20)),
		MaxPagesPerChunk: getEnvAsInt("MAX_PAGES_PER_CHUNK", 20),

		PollMaxAttempts:  getEnvAsInt("POLL_MAX_ATTEMPTS", 5),
		PollInitialDelay: time.Duration(getEnvAsInt("POLL_INITIAL_DELAY_SECONDS", 5)) * time.Second,

		CallMaxAttempts:  getEnvAsInt("CALL_MAX_ATTEMPTS", 5),
		CallInitialDelay: time.Duration(getEnvAsInt("CALL_INITIAL_DELAY_SECONDS", 1)) * time.Second,
		CallMaxDelay:     time.Duration(getEnvAsInt("CALL_MAX_DELAY_SECONDS", 32)) * time.Second,

		ChunkConcurrency: getEnvAsInt("CHUNK_CONCURRENCY", 4),
		JobTimeout:       time.Duration(getEnvAsInt("JOB_TIMEOUT_SECONDS", 600)) * time.Second,
		ReaperInterval:   time.Duration(getEnvAsInt("REAPER_INTERVAL_SECONDS", 120)) * time.Second,

		DefaultSimilarityThreshold: getEnvAsFloat("SIMILARITY_THRESHOLD", 0.7),
		DefaultMaxResults:          getEnvAsInt("MAX_RESULTS", 5),
		MaxResultsCap:              getEnvAsInt("MAX_RESULTS_CAP", 50),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	strValue := getEnv(key, "")
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	strValue := getEnv(key, "")
	if value, err := strconv.ParseFloat(strValue, 64); err == nil {
		return value
	}
	return fallback
}
