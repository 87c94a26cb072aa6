// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Redis settings. RedisURL wins over the discrete fields when set.
	RedisURL      string
	RedisHost     string
	RedisPort     int
	RedisDB       int
	RedisPassword string
	RedisSSL      bool

	// Person directory. Either a Postgres URL or "sqlite:<path>".
	PersonDB       string
	PersonSeedPath string // Optional JSON array upserted at startup.

	// LLM backend settings.
	LLMProvider          string // "bedrock" or "echo"
	AWSRegion            string
	BedrockModelID       string
	BedrockRouterModelID string
	MaxTokens            int
	Temperature          float64

	// Knowledge index settings (optional; empty QdrantURL disables retrieval).
	QdrantURL           string
	QdrantAPIKey        string
	QdrantCollection    string
	OllamaURL           string
	OllamaModel         string
	EmbeddingDimensions int
	KnowledgeTopK       int

	// Moderation settings.
	ModerationWarnTTL     time.Duration
	ModerationMute        time.Duration
	ModerationPatternsDir string
	ModerationBackend     string // "redis" or "memory"

	// Conversation and streaming settings.
	HistoryTTL       time.Duration
	StreamBufferSize int
	StreamWorkers    int

	// JWT settings.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration

	// Admin bootstrap: Argon2id hash of the admin API key.
	AdminAPIKeyHash string

	// Rate limiting.
	RateLimitEnabled bool
	RateLimitBackend string // "memory" or "redis"
	RateLimitRPS     float64
	RateLimitBurst   int

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first one.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	intVar := func(key string, def int) int {
		v, err := envInt(key, def)
		collect(err)
		return v
	}
	boolVar := func(key string, def bool) bool {
		v, err := envBool(key, def)
		collect(err)
		return v
	}
	durVar := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		collect(err)
		return v
	}
	floatVar := func(key string, def float64) float64 {
		v, err := envFloat(key, def)
		collect(err)
		return v
	}

	cfg := Config{
		Port:                  intVar("HAIGATE_PORT", 8080),
		ReadTimeout:           durVar("HAIGATE_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:          durVar("HAIGATE_WRITE_TIMEOUT", 120*time.Second),
		RedisURL:              envStr("REDIS_URL", ""),
		RedisHost:             envStr("REDIS_HOST", "localhost"),
		RedisPort:             intVar("REDIS_PORT", 6379),
		RedisDB:               intVar("REDIS_DB", 0),
		RedisPassword:         envStr("REDIS_PASSWORD", ""),
		RedisSSL:              boolVar("REDIS_SSL", false),
		PersonDB:              envStr("HAIGATE_PERSON_DB", "sqlite:data/persons.db"),
		PersonSeedPath:        envStr("HAIGATE_PERSON_SEED", ""),
		LLMProvider:           envStr("HAIGATE_LLM_PROVIDER", "bedrock"),
		AWSRegion:             envStr("AWS_REGION", "us-east-1"),
		BedrockModelID:        envStr("BEDROCK_MODEL_ID", "anthropic.claude-3-5-sonnet-20240620-v1:0"),
		BedrockRouterModelID:  envStr("BEDROCK_ROUTER_MODEL_ID", ""),
		MaxTokens:             intVar("HAIGATE_MAX_TOKENS", 4096),
		Temperature:           floatVar("HAIGATE_TEMPERATURE", 1.0),
		QdrantURL:             envStr("QDRANT_URL", ""),
		QdrantAPIKey:          envStr("QDRANT_API_KEY", ""),
		QdrantCollection:      envStr("QDRANT_COLLECTION", "haigate_knowledge"),
		OllamaURL:             envStr("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:           envStr("OLLAMA_MODEL", "mxbai-embed-large"),
		EmbeddingDimensions:   intVar("HAIGATE_EMBEDDING_DIMENSIONS", 1024),
		KnowledgeTopK:         intVar("HAIGATE_KNOWLEDGE_TOP_K", 5),
		ModerationWarnTTL:     time.Duration(intVar("MODERATION_WARN_TTL_SECONDS", 86400)) * time.Second,
		ModerationMute:        time.Duration(intVar("MODERATION_MUTE_SECONDS", 300)) * time.Second,
		ModerationPatternsDir: envStr("HAIGATE_MODERATION_PATTERNS_DIR", ""),
		ModerationBackend:     envStr("HAIGATE_MODERATION_BACKEND", "redis"),
		HistoryTTL:            durVar("HAIGATE_HISTORY_TTL", 6*time.Hour),
		StreamBufferSize:      intVar("HAIGATE_STREAM_BUFFER_SIZE", 10),
		StreamWorkers:         intVar("HAIGATE_STREAM_WORKERS", 256),
		JWTPrivateKeyPath:     envStr("HAIGATE_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:      envStr("HAIGATE_JWT_PUBLIC_KEY", ""),
		JWTExpiration:         durVar("HAIGATE_JWT_EXPIRATION", 24*time.Hour),
		AdminAPIKeyHash:       envStr("HAIGATE_ADMIN_API_KEY_HASH", ""),
		RateLimitEnabled:      boolVar("HAIGATE_RATE_LIMIT_ENABLED", true),
		RateLimitBackend:      envStr("HAIGATE_RATE_LIMIT_BACKEND", "memory"),
		RateLimitRPS:          floatVar("HAIGATE_RATE_LIMIT_RPS", 5),
		RateLimitBurst:        intVar("HAIGATE_RATE_LIMIT_BURST", 20),
		OTELEndpoint:          envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:          boolVar("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:           envStr("OTEL_SERVICE_NAME", "haigate"),
		LogLevel:              envStr("HAIGATE_LOG_LEVEL", "info"),
		MaxRequestBodyBytes:   int64(intVar("HAIGATE_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
	}

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c Config) Validate() error {
	if c.RedisURL == "" && c.RedisHost == "" {
		return fmt.Errorf("config: REDIS_URL or REDIS_HOST is required")
	}
	switch c.LLMProvider {
	case "bedrock", "echo":
	default:
		return fmt.Errorf("config: HAIGATE_LLM_PROVIDER must be bedrock or echo (got %q)", c.LLMProvider)
	}
	if c.LLMProvider == "bedrock" && c.BedrockModelID == "" {
		return fmt.Errorf("config: BEDROCK_MODEL_ID is required for the bedrock provider")
	}
	switch c.ModerationBackend {
	case "redis", "memory":
	default:
		return fmt.Errorf("config: HAIGATE_MODERATION_BACKEND must be redis or memory (got %q)", c.ModerationBackend)
	}
	switch c.RateLimitBackend {
	case "redis", "memory":
	default:
		return fmt.Errorf("config: HAIGATE_RATE_LIMIT_BACKEND must be redis or memory (got %q)", c.RateLimitBackend)
	}
	if c.ModerationWarnTTL <= 0 || c.ModerationMute <= 0 {
		return fmt.Errorf("config: moderation windows must be positive")
	}
	if c.HistoryTTL <= 0 {
		return fmt.Errorf("config: HAIGATE_HISTORY_TTL must be positive")
	}
	if c.StreamBufferSize < 0 {
		return fmt.Errorf("config: HAIGATE_STREAM_BUFFER_SIZE must not be negative")
	}
	if c.StreamWorkers <= 0 {
		return fmt.Errorf("config: HAIGATE_STREAM_WORKERS must be positive")
	}
	if c.EmbeddingDimensions <= 0 {
		return fmt.Errorf("config: HAIGATE_EMBEDDING_DIMENSIONS must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: HAIGATE_MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

// RouterModelID returns the model used for intent classification, falling
// back to the generation model.
func (c Config) RouterModelID() string {
	if c.BedrockRouterModelID != "" {
		return c.BedrockRouterModelID
	}
	return c.BedrockModelID
}

// SQLitePath returns the database file path when PersonDB names a SQLite
// database, or "" when it is a Postgres URL.
func (c Config) SQLitePath() string {
	if path, ok := strings.CutPrefix(c.PersonDB, "sqlite:"); ok {
		return path
	}
	return ""
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
