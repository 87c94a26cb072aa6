// Package haigate is the public API for embedding the haigate chat gateway.
//
// Callers construct the gateway with New and run it with Run:
//
//	app, err := haigate.New(
//	    haigate.WithVersion(version),
//	    haigate.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, never the other way round. Public
// types are plain structs and interfaces; the adapters that bridge them to
// internal types live in this file.
package haigate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pgvector/pgvector-go"
	"github.com/redis/go-redis/v9"

	"github.com/hai-labs/haigate/api"
	"github.com/hai-labs/haigate/internal/auth"
	"github.com/hai-labs/haigate/internal/chat"
	"github.com/hai-labs/haigate/internal/config"
	"github.com/hai-labs/haigate/internal/history"
	"github.com/hai-labs/haigate/internal/knowledge"
	"github.com/hai-labs/haigate/internal/kv"
	"github.com/hai-labs/haigate/internal/llm"
	"github.com/hai-labs/haigate/internal/mcp"
	"github.com/hai-labs/haigate/internal/moderation"
	"github.com/hai-labs/haigate/internal/ratelimit"
	"github.com/hai-labs/haigate/internal/router"
	"github.com/hai-labs/haigate/internal/server"
	"github.com/hai-labs/haigate/internal/storage"
	"github.com/hai-labs/haigate/internal/stream"
	"github.com/hai-labs/haigate/internal/telemetry"
)

// ErrKnowledgeDisabled is returned by Ingest when no knowledge index is
// configured.
var ErrKnowledgeDisabled = errors.New("haigate: knowledge index is not configured (set QDRANT_URL)")

const (
	shutdownHTTPTimeout = 15 * time.Second
	seedTimeout         = 30 * time.Second
)

// App is the haigate server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	rdb          *redis.Client
	persons      storage.PersonStore
	srv          *server.Server
	qdrantIndex  *knowledge.QdrantIndex // nil when Qdrant is not configured
	knowledge    *knowledge.Service     // nil when Qdrant is not configured
	limiter      ratelimit.Limiter
	memStore     *moderation.MemoryStore // nil unless the memory backend is selected
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the gateway. It connects to Redis and the person
// directory, runs migrations, wires all subsystems, and returns a
// ready-to-run App. It does NOT accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.redisURL != "" {
		cfg.RedisURL = o.redisURL
	}
	if o.personDB != "" {
		cfg.PersonDB = o.personDB
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("haigate starting", "version", version, "port", cfg.Port, "llm", cfg.LLMProvider)

	ctx := context.Background()
	a := &App{cfg: cfg, logger: logger, version: version}
	fail := func(err error) (*App, error) {
		a.close()
		return nil, err
	}

	a.otelShutdown, err = telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	a.rdb, err = kv.New(ctx, kv.Config{
		URL:      cfg.RedisURL,
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		DB:       cfg.RedisDB,
		Password: cfg.RedisPassword,
		SSL:      cfg.RedisSSL,
	}, logger)
	if err != nil {
		return fail(fmt.Errorf("redis: %w", err))
	}

	if path := cfg.SQLitePath(); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return fail(fmt.Errorf("person directory: create %s: %w", filepath.Dir(path), err))
		}
	}
	a.persons, err = storage.Open(ctx, cfg.PersonDB, logger)
	if err != nil {
		return fail(fmt.Errorf("person directory: %w", err))
	}
	if cfg.PersonSeedPath != "" {
		if err := a.seedPersons(ctx, cfg.PersonSeedPath); err != nil {
			return fail(err)
		}
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fail(fmt.Errorf("auth: %w", err))
	}
	adminKey, err := auth.NewAdminKey(cfg.AdminAPIKeyHash)
	if err != nil {
		return fail(fmt.Errorf("auth: %w", err))
	}
	if cfg.AdminAPIKeyHash == "" {
		logger.Info("admin login: disabled (no HAIGATE_ADMIN_API_KEY_HASH)")
	}

	gen, classifier, err := newLLM(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}

	// Moderation.
	var modStore moderation.Store
	switch cfg.ModerationBackend {
	case "memory":
		a.memStore = moderation.NewMemoryStore()
		modStore = a.memStore
		logger.Warn("moderation: memory backend, strikes are not shared between replicas")
	default:
		modStore = moderation.NewRedisStore(a.rdb)
	}
	gate := moderation.New(modStore, moderation.Config{
		WarnWindow:  cfg.ModerationWarnTTL,
		Mute:        cfg.ModerationMute,
		PatternsDir: cfg.ModerationPatternsDir,
	}, logger)

	hist := history.NewStore(a.rdb, cfg.HistoryTTL, logger)

	// Streaming.
	pool := stream.NewWorkerPool(cfg.StreamWorkers)
	normalizer := stream.NewNormalizer(stream.Options{BufferSize: cfg.StreamBufferSize}, logger)

	// Knowledge index (optional).
	var fallback router.Answerer = router.GeneratorAnswerer{Generator: gen}
	var kb chat.KnowledgeBase
	if cfg.QdrantURL != "" {
		a.qdrantIndex, err = knowledge.NewQdrantIndex(knowledge.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return fail(fmt.Errorf("qdrant: %w", err))
		}
		if err := a.qdrantIndex.EnsureCollection(ctx); err != nil {
			return fail(fmt.Errorf("qdrant ensure collection: %w", err))
		}

		var embedder knowledge.Embedder
		if o.embedder != nil {
			embedder = embedderAdapter{e: o.embedder}
		} else {
			embedder = knowledge.NewOllamaEmbedder(cfg.OllamaURL, cfg.OllamaModel, cfg.EmbeddingDimensions)
		}
		a.knowledge = knowledge.NewService(embedder, a.qdrantIndex, gen, cfg.KnowledgeTopK, cfg.MaxTokens, logger)
		fallback = a.knowledge
		kb = a.knowledge
		logger.Info("knowledge: enabled", "collection", cfg.QdrantCollection, "embedding_model", cfg.OllamaModel)
	} else {
		logger.Info("knowledge: disabled (no QDRANT_URL)")
	}

	// Intent router.
	registry, err := router.NewRegistry(
		router.NavigateToPerson{Directory: a.persons},
		router.RecommendPerson{Directory: a.persons, MaxTokens: cfg.MaxTokens},
	)
	if err != nil {
		return fail(fmt.Errorf("router: %w", err))
	}
	rt := router.New(router.Config{
		Classifier: classifier,
		Registry:   registry,
		Generator:  gen,
		Fallback:   fallback,
		Pool:       pool,
		Normalizer: normalizer,
		Logger:     logger,
	})

	chatSvc := chat.New(chat.Config{
		Moderation:  gate,
		History:     hist,
		Prompts:     chat.StaticPromptSource{Directory: a.persons},
		Generator:   gen,
		Router:      rt,
		Knowledge:   kb,
		Pool:        pool,
		Normalizer:  normalizer,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		Logger:      logger,
	})

	a.limiter = newLimiter(cfg, a.rdb, logger)

	mcpSrv := mcp.New(registry, chatSvc, a.persons, logger, version)

	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	var qdrantHealth server.HealthFunc
	if a.qdrantIndex != nil {
		qdrantHealth = a.qdrantIndex.Healthy
	}

	a.srv = server.New(server.ServerConfig{
		Chat:                chatSvc,
		Moderation:          gate,
		JWTMgr:              jwtMgr,
		RedisHealth:         hist.Ping,
		Logger:              logger,
		AdminKey:            adminKey,
		Limiter:             a.limiter,
		MCPServer:           mcpSrv.MCPServer(),
		PersonsHealth:       a.persons.Ping,
		QdrantHealth:        qdrantHealth,
		Middlewares:         middlewares,
		OpenAPISpec:         api.OpenAPISpec,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or a fatal
// server error occurs. On return, Shutdown has been called; callers should
// not call it again.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		a.close()
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown stops accepting HTTP requests, waits for in-flight streams to
// finish, and releases Redis, the person directory and the OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("haigate shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, shutdownHTTPTimeout)
	err := a.srv.Shutdown(httpCtx)
	cancel()
	if err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}

	a.close()
	a.logger.Info("haigate stopped")
	return nil
}

// Ingest loads documents from path into the knowledge index. path is
// either a JSON array of documents or a directory whose .md and .txt files
// become one document each. It returns the number of passages written.
func (a *App) Ingest(ctx context.Context, path string) (int, error) {
	if a.knowledge == nil {
		return 0, ErrKnowledgeDisabled
	}
	docs, err := loadDocuments(path)
	if err != nil {
		return 0, err
	}
	n, err := a.knowledge.Ingest(ctx, docs)
	if err != nil {
		return n, fmt.Errorf("ingest %s: %w", path, err)
	}
	a.logger.Info("knowledge ingest complete", "documents", len(docs), "passages", n)
	return n, nil
}

// Handler returns the root HTTP handler, for embedding the gateway in
// another server.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// close releases every resource New acquired. It is safe on a partially
// constructed App.
func (a *App) close() {
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	if a.memStore != nil {
		a.memStore.Close()
	}
	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
	}
	if a.persons != nil {
		a.persons.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
	}
}

func (a *App) seedPersons(ctx context.Context, path string) error {
	f, err := os.Open(path) //nolint:gosec // operator-supplied seed path
	if err != nil {
		return fmt.Errorf("person seed: %w", err)
	}
	defer func() { _ = f.Close() }()

	seedCtx, cancel := context.WithTimeout(ctx, seedTimeout)
	defer cancel()
	n, err := storage.Seed(seedCtx, a.persons, f)
	if err != nil {
		return fmt.Errorf("person seed %s: %w", path, err)
	}
	a.logger.Info("person directory seeded", "path", path, "persons", n)
	return nil
}

// newLLM selects the generation backend. Bedrock serves both generation
// and classification; the echo backend needs no credentials and never
// selects a tool.
func newLLM(ctx context.Context, cfg config.Config, logger *slog.Logger) (llm.Generator, llm.Classifier, error) {
	switch cfg.LLMProvider {
	case "echo":
		logger.Warn("llm: echo backend (development only)")
		return llm.Echo{}, llm.Echo{}, nil
	default:
		client, err := llm.SharedClient(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, nil, fmt.Errorf("bedrock: %w", err)
		}
		b := llm.NewBedrock(client, llm.BedrockConfig{
			ModelID:       cfg.BedrockModelID,
			RouterModelID: cfg.RouterModelID(),
			MaxTokens:     cfg.MaxTokens,
			Temperature:   cfg.Temperature,
		})
		logger.Info("llm: bedrock", "region", cfg.AWSRegion, "model", cfg.BedrockModelID, "router_model", cfg.RouterModelID())
		return b, b, nil
	}
}

func newLimiter(cfg config.Config, rdb *redis.Client, logger *slog.Logger) ratelimit.Limiter {
	if !cfg.RateLimitEnabled {
		logger.Info("rate limiting: disabled")
		return ratelimit.NoopLimiter{}
	}
	if cfg.RateLimitBackend == "redis" {
		logger.Info("rate limiting: redis (fixed window, shared across replicas)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
		return ratelimit.NewRedisLimiter(rdb, ratelimit.RuleFor("haigate:ratelimit", cfg.RateLimitRPS, cfg.RateLimitBurst))
	}
	logger.Info("rate limiting: memory (in-process token bucket)",
		"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	return ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
}

// loadDocuments reads ingestible documents from a JSON file or a directory.
func loadDocuments(path string) ([]knowledge.Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	if !info.IsDir() {
		return readDocumentFile(path)
	}

	var docs []knowledge.Document
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(p))
		if ext != ".md" && ext != ".txt" {
			return nil
		}
		body, err := os.ReadFile(p) //nolint:gosec // walking an operator-supplied directory
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(path, p)
		if err != nil {
			return err
		}
		docs = append(docs, knowledge.Document{
			Source: filepath.ToSlash(rel),
			Title:  strings.TrimSuffix(filepath.Base(p), filepath.Ext(p)),
			Text:   string(body),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ingest: walk %s: %w", path, err)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("ingest: no .md or .txt files under %s", path)
	}
	return docs, nil
}

// embedderAdapter wraps a public Embedder to satisfy knowledge.Embedder.
type embedderAdapter struct {
	e Embedder
}

func (a embedderAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	v, err := a.e.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(v), nil
}

func (a embedderAdapter) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vs, err := a.e.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	out := make([]pgvector.Vector, len(vs))
	for i, v := range vs {
		out[i] = pgvector.NewVector(v)
	}
	return out, nil
}

func (a embedderAdapter) Dimensions() int {
	return a.e.Dimensions()
}
