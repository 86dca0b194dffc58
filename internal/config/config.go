// Package config loads environment configuration for the Distill pipeline.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// LLM provider identifiers.
const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderBedrock   = "bedrock"
)

// Config holds all configuration values.
type Config struct {
	// SurrealDB connection
	SurrealDBURL       string
	SurrealDBNamespace string
	SurrealDBDatabase  string
	SurrealDBUser      string
	SurrealDBPass      string
	SurrealDBAuthLevel string

	// LLM generation
	LLMProvider     string
	LLMModel        string
	OpenAIAPIKey    string
	AnthropicAPIKey string
	BedrockRegion   string

	// Embeddings
	EmbeddingProvider  string
	EmbeddingModel     string
	EmbeddingDimension int
	OllamaHost         string
	VoyageAPIKey       string

	// Refinement loop
	Phase1MaxIters int     // self-improvement iterations
	Phase2MaxIters int     // human review rounds
	DupFloor       float64 // below: never a duplicate
	DupAuto        float64 // above: duplicate without a judgment call
	DedupeTopK     int

	// Workflow engine
	CurationTimeout   time.Duration
	PollInterval      time.Duration
	GatewayMaxRetries int
	GatewayTimeout    time.Duration
	CommitMaxRetries  int
	WorkerConcurrency int

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Load reads configuration from environment variables. The refinement
// tunables deliberately ship as configuration, not constants: the thresholds
// and iteration limits are deployment-specific.
func Load() Config {
	return Config{
		SurrealDBURL:       getEnv("SURREALDB_URL", "ws://localhost:8000/rpc"),
		SurrealDBNamespace: getEnv("SURREALDB_NAMESPACE", "distill"),
		SurrealDBDatabase:  getEnv("SURREALDB_DATABASE", "graph"),
		SurrealDBUser:      getEnv("SURREALDB_USER", "root"),
		SurrealDBPass:      getEnv("SURREALDB_PASS", "root"),
		SurrealDBAuthLevel: getEnv("SURREALDB_AUTH_LEVEL", "root"),

		LLMProvider:     getEnv("DISTILL_LLM_PROVIDER", ProviderOllama),
		LLMModel:        getEnv("DISTILL_LLM_MODEL", "llama3.1"),
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		BedrockRegion:   getEnv("AWS_REGION", "us-east-1"),

		EmbeddingProvider:  getEnv("DISTILL_EMBEDDING_PROVIDER", "ollama"),
		EmbeddingModel:     getEnv("DISTILL_EMBEDDING_MODEL", "all-minilm:l6-v2"),
		EmbeddingDimension: getEnvInt("DISTILL_EMBEDDING_DIMENSION", 384),
		OllamaHost:         getEnv("OLLAMA_HOST", "http://localhost:11434"),
		VoyageAPIKey:       os.Getenv("VOYAGE_API_KEY"),

		Phase1MaxIters: getEnvInt("DISTILL_PHASE1_MAX_ITERS", 3),
		Phase2MaxIters: getEnvInt("DISTILL_PHASE2_MAX_ITERS", 7),
		DupFloor:       getEnvFloat("DISTILL_DUP_FLOOR", 0.70),
		DupAuto:        getEnvFloat("DISTILL_DUP_AUTO", 0.90),
		DedupeTopK:     getEnvInt("DISTILL_DEDUPE_TOP_K", 5),

		CurationTimeout:   getEnvDuration("DISTILL_CURATION_TIMEOUT", 168*time.Hour),
		PollInterval:      getEnvDuration("DISTILL_POLL_INTERVAL", 15*time.Second),
		GatewayMaxRetries: getEnvInt("DISTILL_GATEWAY_MAX_RETRIES", 3),
		GatewayTimeout:    getEnvDuration("DISTILL_GATEWAY_TIMEOUT", 2*time.Minute),
		CommitMaxRetries:  getEnvInt("DISTILL_COMMIT_MAX_RETRIES", 3),
		WorkerConcurrency: getEnvInt("DISTILL_WORKER_CONCURRENCY", 4),

		LogFile:  getEnv("DISTILL_LOG_FILE", "/tmp/distill.log"),
		LogLevel: parseLogLevel(getEnv("DISTILL_LOG_LEVEL", "INFO")),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
