package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        int
	NatsURL     string
	NatsToken   string
	DatabaseURL string
	// DataFile is the bbolt file used for the catalog, pending
	// reconciliations, and visitors when DatabaseURL is empty.
	DataFile string
	RedisURL string
	LogLevel string
	APIToken string

	AnthropicAPIKey string
	AnthropicModel  string

	OpenAIAPIKey        string
	EmbeddingBaseURL    string
	EmbeddingModel      string
	EmbeddingDimensions int
	EmbeddingRPS        float64
	EmbeddingBatchSize  int
	EmbeddingTimeout    time.Duration
	EmbeddingCacheTTL   time.Duration

	RetrieveK       int
	MinScore        float64
	HistoryTurns    int
	PromptMaxTokens int
	ModelTimeout    time.Duration
	AnswerTimeout   time.Duration
	// ModelTemperature is sent to the model as is; 0 means deterministic.
	ModelTemperature float64

	RetryMaxAttempts int
	RetryBaseDelay   time.Duration

	ReconcileInterval  time.Duration
	ReconcileTTL       time.Duration
	IndexConversations bool
	ChunkProfilesFile  string

	OTLPEndpoint string

	ReindexStateFile  string
	ReindexBatchSize  int
	ReindexBatchPause time.Duration
}

// LoadDotEnv loads ./.env into the environment if it exists. Variables
// already set win.
func LoadDotEnv() error {
	if _, err := os.Stat(".env"); err != nil {
		return nil
	}
	if err := godotenv.Load(); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func Load() Config {
	return Config{
		Port:        envInt("MIRROR_PORT", 8760),
		NatsURL:     envStr("NATS_URL", ""),
		NatsToken:   envStr("NATS_TOKEN", ""),
		DatabaseURL: envStr("DATABASE_URL", ""),
		DataFile:    envStr("MIRROR_DATA_FILE", "mirror.db"),
		RedisURL:    envStr("REDIS_URL", ""),
		LogLevel:    envStr("LOG_LEVEL", "info"),
		APIToken:    envStr("MIRROR_API_TOKEN", ""),

		AnthropicAPIKey: envStr("ANTHROPIC_API_KEY", ""),
		AnthropicModel:  envStr("MIRROR_MODEL", "claude-sonnet-4-20250514"),

		OpenAIAPIKey:        envStr("OPENAI_API_KEY", ""),
		EmbeddingBaseURL:    envStr("EMBEDDING_BASE_URL", "https://api.openai.com/v1"),
		EmbeddingModel:      envStr("EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingDimensions: envInt("EMBEDDING_DIMENSIONS", 1536),
		EmbeddingRPS:        envFloat("EMBEDDING_RPS", 10),
		EmbeddingBatchSize:  envInt("EMBEDDING_BATCH_SIZE", 64),
		EmbeddingTimeout:    envDuration("EMBEDDING_TIMEOUT", 30*time.Second),
		EmbeddingCacheTTL:   envDuration("EMBEDDING_CACHE_TTL", 24*time.Hour),

		RetrieveK:       envInt("RETRIEVE_K", 8),
		MinScore:        envFloat("RETRIEVE_MIN_SCORE", 0.25),
		HistoryTurns:    envInt("HISTORY_TURNS", 6),
		PromptMaxTokens: envInt("PROMPT_MAX_TOKENS", 3000),
		ModelTimeout:    envDuration("MODEL_TIMEOUT", 20*time.Second),
		AnswerTimeout:   envDuration("ANSWER_TIMEOUT", 30*time.Second),
		// Unset falls back to 0.3; an explicit 0 is kept.
		ModelTemperature: envFloat("MODEL_TEMPERATURE", 0.3),

		RetryMaxAttempts: envInt("RETRY_MAX_ATTEMPTS", 3),
		RetryBaseDelay:   envDuration("RETRY_BASE_DELAY", 500*time.Millisecond),

		ReconcileInterval:  envDuration("RECONCILE_INTERVAL", time.Minute),
		ReconcileTTL:       envDuration("RECONCILE_TTL", 24*time.Hour),
		IndexConversations: envBool("INDEX_CONVERSATIONS", false),
		ChunkProfilesFile:  envStr("CHUNK_PROFILES_FILE", ""),

		OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		ReindexStateFile:  envStr("REINDEX_STATE_FILE", "~/.mirror/reindex-state.json"),
		ReindexBatchSize:  envInt("REINDEX_BATCH_SIZE", 50),
		ReindexBatchPause: envDuration("REINDEX_BATCH_PAUSE", 5*time.Second),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
