package haigate

import (
	"context"
	"net/http"
)

// Embedder generates vector embeddings from text.
// When provided via WithEmbedder, replaces the Ollama embedder.
// Uses []float32 (not pgvector.Vector) to avoid forcing the pgvector dependency on
// external consumers. New() wraps it in an adapter for internal use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including /health.
// Multiple middlewares are applied in registration order (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
