package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/hai-labs/haigate/internal/auth"
	"github.com/hai-labs/haigate/internal/chat"
	"github.com/hai-labs/haigate/internal/ctxutil"
	"github.com/hai-labs/haigate/internal/model"
	"github.com/hai-labs/haigate/internal/ratelimit"
)

// Server is the haigate HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ModerationPreviewer answers the moderation dry-run endpoint.
type ModerationPreviewer interface {
	Preview(ctx context.Context, userID, text string) (model.ModerationResult, error)
	Disabled() bool
}

// HealthFunc reports whether a dependency is reachable.
type HealthFunc func(ctx context.Context) error

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): AdminKey, Limiter, MCPServer, PersonsHealth,
// QdrantHealth, OpenAPISpec, Middlewares.
type ServerConfig struct {
	// Required dependencies.
	Chat        *chat.Service
	Moderation  ModerationPreviewer
	JWTMgr      *auth.JWTManager
	RedisHealth HealthFunc
	Logger      *slog.Logger

	// Optional dependencies (nil = disabled).
	AdminKey      *auth.AdminKey
	Limiter       ratelimit.Limiter
	MCPServer     *mcpserver.MCPServer
	PersonsHealth HealthFunc
	QdrantHealth  HealthFunc

	OpenAPISpec []byte // Embedded OpenAPI YAML.

	// Middlewares wrap the root handler. The first entry is outermost.
	Middlewares []func(http.Handler) http.Handler

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Chat:                cfg.Chat,
		Moderation:          cfg.Moderation,
		JWTMgr:              cfg.JWTMgr,
		AdminKey:            cfg.AdminKey,
		RedisHealth:         cfg.RedisHealth,
		PersonsHealth:       cfg.PersonsHealth,
		QdrantHealth:        cfg.QdrantHealth,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	mux := http.NewServeMux()

	// Admin token exchange (no auth, rate limited by IP).
	mux.HandleFunc("POST /auth/admin-token", h.HandleAdminToken)

	// Chat.
	mux.HandleFunc("POST /v1/agent/chat", h.HandleAgentChat)
	mux.HandleFunc("POST /v1/chat", h.HandleDirectChat)
	mux.HandleFunc("POST /v1/persons/{person_id}/chat", h.HandlePersonChat)
	mux.HandleFunc("POST /v1/chatbot/chat", h.HandleChatbotChat)
	mux.HandleFunc("POST /v1/knowledge/search", h.HandleKnowledgeSearch)
	mux.HandleFunc("POST /v1/moderation/check", h.HandleModerationCheck)
	mux.HandleFunc("POST /v1/debate/{room_id}/summary", h.HandleDebateSummary)

	// History.
	mux.HandleFunc("GET /v1/persons/{person_id}/history", h.HandlePersonHistory)
	mux.HandleFunc("DELETE /v1/persons/{person_id}/history", h.HandleDeletePersonHistory)
	mux.HandleFunc("GET /v1/chatbot/history", h.HandleChatbotHistory)
	mux.HandleFunc("DELETE /v1/history", h.HandlePurgeHistory)

	// Admin.
	adminOnly := requireRole(model.AccessAdmin)
	mux.Handle("DELETE /admin/history", adminOnly(http.HandlerFunc(h.HandleAdminPurge)))

	// MCP StreamableHTTP transport (auth required).
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Health and API description (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → rate limit → recovery → handler.
	reqIDFunc := func(r *http.Request) string {
		return ctxutil.RequestID(r.Context())
	}
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = ratelimit.Middleware(cfg.Limiter, rateLimitKey, reqIDFunc, cfg.Logger)(handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// rateLimitKey keys authenticated requests by user and the admin token
// exchange by client IP. Admins and public paths are exempt.
func rateLimitKey(r *http.Request) string {
	claims := ctxutil.ClaimsFromContext(r.Context())
	if claims == nil {
		if r.URL.Path == "/auth/admin-token" {
			return "auth:" + ratelimit.IPKeyFunc(r)
		}
		return ""
	}
	if model.AccessAtLeast(claims.Role, model.AccessAdmin) {
		return ""
	}
	return "user:" + claims.UserID()
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
