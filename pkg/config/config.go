// Package config reads the process configuration from the environment and
// research settings from env overrides and an optional YAML file.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	LLMProvider     string
	GoogleApiKey    string
	AnthropicApiKey string
	OpenAIApiKey    string
	ReasoningModel  string
	FastModel       string

	BraveApiKey     string
	FirecrawlApiKey string
	MistralApiKey   string

	DatabaseURL    string
	RedisURL       string
	SearchCacheTTL time.Duration
	Port           string

	EmbeddingModel string
	CollectionName string

	Concurrency    int
	ExtractTimeout time.Duration
	SettingsFile   string

	LogLevel  string
	LogFormat string
	LogFile   string
}

// Load reads .env when present and then the environment.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		LLMProvider:     getEnv("LLM_PROVIDER", "google"),
		GoogleApiKey:    getEnv("GOOGLE_API_KEY", ""),
		AnthropicApiKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIApiKey:    getEnv("OPENAI_API_KEY", ""),
		ReasoningModel:  getEnv("REASONING_MODEL", ""),
		FastModel:       getEnv("FAST_MODEL", ""),
		BraveApiKey:     getEnv("BRAVE_API_KEY", ""),
		FirecrawlApiKey: getEnv("FIRECRAWL_API_KEY", ""),
		MistralApiKey:   getEnv("MISTRAL_API_KEY", ""),
		DatabaseURL:     getEnv("DATABASE_URL", ""),
		RedisURL:        getEnv("REDIS_URL", ""),
		SearchCacheTTL:  getEnvAsDuration("SEARCH_CACHE_TTL", 24*time.Hour),
		Port:            getEnv("PORT", "3000"),
		EmbeddingModel:  getEnv("EMBEDDING_MODEL", "gemini-embedding-001"),
		CollectionName:  getEnv("COLLECTION_NAME", "research_learnings"),
		Concurrency:     getEnvAsInt("CONCURRENCY", 3),
		ExtractTimeout:  getEnvAsDuration("EXTRACT_TIMEOUT", 30*time.Second),
		SettingsFile:    getEnv("SETTINGS_FILE", ""),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "text"),
		LogFile:         getEnv("LOG_FILE", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts a Go duration ("90s") or a plain number of seconds.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
