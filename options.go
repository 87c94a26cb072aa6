package haigate

import (
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port        int
	redisURL    string
	personDB    string
	logger      *slog.Logger
	version     string
	embedder    Embedder
	middlewares []Middleware
}

// WithPort overrides the TCP port from config (HAIGATE_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithRedisURL overrides the Redis connection string from config (REDIS_URL env var).
func WithRedisURL(url string) Option {
	return func(o *resolvedOptions) { o.redisURL = url }
}

// WithPersonDB overrides the person directory DSN from config
// (HAIGATE_PERSON_DB env var). Use a Postgres URL or "sqlite:<path>".
func WithPersonDB(dsn string) Option {
	return func(o *resolvedOptions) { o.personDB = dsn }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithEmbedder replaces the Ollama embedder used by the knowledge index.
// It has no effect when QDRANT_URL is unset.
func WithEmbedder(e Embedder) Option {
	return func(o *resolvedOptions) { o.embedder = e }
}

// WithMiddleware registers an outermost HTTP middleware.
// Multiple middlewares may be registered. Applied in registration order:
// the first-registered middleware is outermost (called first by every request).
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}
