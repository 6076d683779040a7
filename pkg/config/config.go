package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"github.com/EternisAI/enchanted-memory/pkg/helpers"
)

type Config struct {
	CompletionsAPIURL string
	CompletionsAPIKey string
	CompletionsModel  string
	ReasoningModel    string

	EmbeddingsAPIURL       string
	EmbeddingsAPIKey       string
	EmbeddingsModel        string
	EmbeddingDim           int
	EnableEventEmbedding   bool
	EmbeddingsRequestsPerS float64

	MemoryBackend     string
	MemoryDBPath      string
	MemoryPostgresURL string

	FlushInterval              time.Duration
	FlushLockTTL               time.Duration
	FlushConcurrency           int
	MaxChatBlobBufferTokenSize int
	MaxProfileSubtopics        int
	MinEventSummaryTokens      int
	ProfileStrictMode          bool
	SearchRounds               int
	EventTopK                  int
	SimilarityThreshold        float64
	RecallTimeout              time.Duration
	ProfileCacheTTL            time.Duration
	LLMTabSeparator            string
	LogLevel                   string
	MetricsAddr                string
}

func getEnv(key, defaultValue string, printEnv bool) string {
	logger := log.Default()
	value := os.Getenv(key)
	if printEnv {
		logger.Info("Env", "key", key, "value", value)
	}
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int, printEnv bool) int {
	raw := getEnv(key, "", printEnv)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Default().Warn("Invalid integer env, using default", "key", key, "value", raw, "default", defaultValue)
		return defaultValue
	}
	return v
}

func getEnvFloat(key string, defaultValue float64, printEnv bool) float64 {
	raw := getEnv(key, "", printEnv)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Default().Warn("Invalid float env, using default", "key", key, "value", raw, "default", defaultValue)
		return defaultValue
	}
	return v
}

func getEnvBool(key string, defaultValue bool, printEnv bool) bool {
	raw := getEnv(key, "", printEnv)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		log.Default().Warn("Invalid bool env, using default", "key", key, "value", raw, "default", defaultValue)
		return defaultValue
	}
	return v
}

func getEnvDuration(key string, defaultValue time.Duration, printEnv bool) time.Duration {
	raw := getEnv(key, "", printEnv)
	if raw == "" {
		return defaultValue
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		log.Default().Warn("Invalid duration env, using default", "key", key, "value", raw, "default", defaultValue)
		return defaultValue
	}
	return v
}

// LoadConfig reads .env (if present) and the process environment.
func LoadConfig(printEnv bool) (*Config, error) {
	if path, err := helpers.LoadEnvFile(3); err == nil && printEnv {
		log.Default().Info("Loaded env file", "path", path)
	}

	conf := &Config{
		CompletionsAPIURL: getEnv("COMPLETIONS_API_URL", "https://api.openai.com/v1", printEnv),
		CompletionsAPIKey: getEnv("COMPLETIONS_API_KEY", "", printEnv),
		CompletionsModel:  getEnv("COMPLETIONS_MODEL", "gpt-4.1-mini", printEnv),
		ReasoningModel:    getEnv("REASONING_MODEL", "gpt-4.1-mini", printEnv),

		EmbeddingsAPIURL:       getEnv("EMBEDDINGS_API_URL", "https://api.openai.com/v1", printEnv),
		EmbeddingsAPIKey:       getEnv("EMBEDDINGS_API_KEY", "", printEnv),
		EmbeddingsModel:        getEnv("EMBEDDINGS_MODEL", "text-embedding-3-small", printEnv),
		EmbeddingDim:           getEnvInt("EMBEDDING_DIM", 1536, printEnv),
		EnableEventEmbedding:   getEnvBool("ENABLE_EVENT_EMBEDDING", true, printEnv),
		EmbeddingsRequestsPerS: getEnvFloat("EMBEDDINGS_REQUESTS_PER_SECOND", 5, printEnv),

		MemoryBackend:     getEnv("MEMORY_BACKEND", "sqlite", printEnv),
		MemoryDBPath:      getEnv("MEMORY_DB_PATH", "./output/sqlite/memory.db", printEnv),
		MemoryPostgresURL: getEnv("MEMORY_POSTGRES_URL", "", printEnv),

		FlushInterval:              getEnvDuration("MEMORY_FLUSH_INTERVAL", 60*time.Second, printEnv),
		FlushLockTTL:               getEnvDuration("MEMORY_FLUSH_LOCK_TTL", 5*time.Minute, printEnv),
		FlushConcurrency:           getEnvInt("MEMORY_FLUSH_CONCURRENCY", 4, printEnv),
		MaxChatBlobBufferTokenSize: getEnvInt("MEMORY_MAX_BUFFER_TOKENS", 1024, printEnv),
		MaxProfileSubtopics:        getEnvInt("MEMORY_MAX_PROFILE_SUBTOPICS", 15, printEnv),
		MinEventSummaryTokens:      getEnvInt("MEMORY_MIN_EVENT_SUMMARY_TOKENS", 256, printEnv),
		ProfileStrictMode:          getEnvBool("MEMORY_PROFILE_STRICT_MODE", false, printEnv),
		SearchRounds:               getEnvInt("MEMORY_SEARCH_ROUNDS", 3, printEnv),
		EventTopK:                  getEnvInt("MEMORY_EVENT_TOPK", 5, printEnv),
		SimilarityThreshold:        getEnvFloat("MEMORY_SIMILARITY_THRESHOLD", 0.5, printEnv),
		RecallTimeout:              getEnvDuration("MEMORY_RECALL_TIMEOUT", 3*time.Second, printEnv),
		ProfileCacheTTL:            getEnvDuration("MEMORY_PROFILE_CACHE_TTL", 20*time.Minute, printEnv),
		LLMTabSeparator:            getEnv("MEMORY_LLM_TAB_SEPARATOR", "::", printEnv),
		LogLevel:                   getEnv("LOG_LEVEL", "info", printEnv),
		MetricsAddr:                getEnv("METRICS_ADDR", "", printEnv),
	}

	switch conf.MemoryBackend {
	case "sqlite":
	case "postgresql":
		if conf.MemoryPostgresURL == "" {
			return nil, fmt.Errorf("MEMORY_POSTGRES_URL is required when MEMORY_BACKEND=postgresql")
		}
	default:
		return nil, fmt.Errorf("unsupported MEMORY_BACKEND %q", conf.MemoryBackend)
	}
	if conf.EmbeddingDim <= 0 {
		return nil, fmt.Errorf("EMBEDDING_DIM must be positive, got %d", conf.EmbeddingDim)
	}

	return conf, nil
}
