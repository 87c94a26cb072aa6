package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hai-labs/haigate/internal/auth"
	"github.com/hai-labs/haigate/internal/chat"
	"github.com/hai-labs/haigate/internal/ctxutil"
	"github.com/hai-labs/haigate/internal/history"
	"github.com/hai-labs/haigate/internal/knowledge"
	"github.com/hai-labs/haigate/internal/llm"
	"github.com/hai-labs/haigate/internal/model"
	"github.com/hai-labs/haigate/internal/router"
	"github.com/hai-labs/haigate/internal/storage"
	"github.com/hai-labs/haigate/internal/stream"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	chat                *chat.Service
	moderation          ModerationPreviewer
	jwtMgr              *auth.JWTManager
	adminKey            *auth.AdminKey
	redisHealth         HealthFunc
	personsHealth       HealthFunc
	qdrantHealth        HealthFunc
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): AdminKey, PersonsHealth, QdrantHealth, OpenAPISpec.
type HandlersDeps struct {
	Chat                *chat.Service
	Moderation          ModerationPreviewer
	JWTMgr              *auth.JWTManager
	AdminKey            *auth.AdminKey
	RedisHealth         HealthFunc
	PersonsHealth       HealthFunc
	QdrantHealth        HealthFunc
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		chat:                d.Chat,
		moderation:          d.Moderation,
		jwtMgr:              d.JWTMgr,
		adminKey:            d.AdminKey,
		redisHealth:         d.RedisHealth,
		personsHealth:       d.PersonsHealth,
		qdrantHealth:        d.QdrantHealth,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleAdminToken handles POST /auth/admin-token. It exchanges the admin
// API key for a short-lived admin token.
func (h *Handlers) HandleAdminToken(w http.ResponseWriter, r *http.Request) {
	var req model.AdminTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "api_key is required")
		return
	}

	var (
		ok  bool
		err error
	)
	if h.adminKey != nil {
		ok, err = h.adminKey.Verify(req.APIKey)
	}
	if h.adminKey == nil || errors.Is(err, auth.ErrAdminDisabled) {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "admin access is disabled")
		return
	}
	if err != nil || !ok {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken("admin", model.AccessAdmin)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}
	h.logger.Info("admin token issued", "request_id", ctxutil.RequestID(r.Context()))
	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleModerationCheck handles POST /v1/moderation/check. It reports the
// verdict the gate would give without recording anything.
func (h *Handlers) HandleModerationCheck(w http.ResponseWriter, r *http.Request) {
	var req model.ChatRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateMessage(req.Message); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	res, err := h.moderation.Preview(r.Context(), ctxutil.UserID(r.Context()), req.Message)
	if err != nil {
		h.writeServiceError(w, r, errors.Join(chat.ErrUnavailable, err))
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK

	resp := model.HealthResponse{
		Version:  h.version,
		Redis:    "connected",
		Patterns: "loaded",
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}

	if err := h.redisHealth(r.Context()); err != nil {
		resp.Redis = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}
	if h.moderation.Disabled() {
		resp.Patterns = "disabled"
		if status == "healthy" {
			status = "degraded"
		}
	}
	if h.personsHealth != nil {
		resp.Persons = "connected"
		if err := h.personsHealth(r.Context()); err != nil {
			resp.Persons = "disconnected"
			if status == "healthy" {
				status = "degraded"
			}
		}
	}
	if h.qdrantHealth != nil {
		resp.Qdrant = "connected"
		if err := h.qdrantHealth(r.Context()); err != nil {
			resp.Qdrant = "disconnected"
			if status == "healthy" {
				status = "degraded"
			}
		}
	}

	resp.Status = status
	writeJSON(w, r, httpStatus, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// writeServiceError maps a service error to its HTTP response.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		blocked  *chat.BlockedError
		upstream *chat.UpstreamError
	)
	switch {
	case errors.As(err, &blocked):
		msg := "message blocked by moderation"
		if blocked.Result.Notice != nil {
			msg = *blocked.Result.Notice
		}
		writeErrorDetails(w, r, http.StatusForbidden, model.ErrCodeModerated, msg, blocked.Result)
	case errors.Is(err, chat.ErrNoDebateMessages), errors.Is(err, chat.ErrNoUsableDebateMessages):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "person not found")
	case errors.Is(err, history.ErrInvalidKey),
		errors.Is(err, history.ErrInvalidPattern),
		errors.Is(err, knowledge.ErrEmptyQuery),
		errors.Is(err, model.ErrMissingMessage),
		errors.Is(err, chat.ErrInvalidContext),
		errors.Is(err, chat.ErrMissingTopic):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, llm.ErrThrottled):
		w.Header().Set("Retry-After", "5")
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, stream.ClientMessage(err))
	case errors.As(err, &upstream):
		h.logger.Error("upstream generation failed", "error", err, "request_id", ctxutil.RequestID(r.Context()))
		writeError(w, r, http.StatusBadGateway, model.ErrCodeUpstream, upstream.Message)
	case errors.Is(err, router.ErrClassification):
		h.logger.Error("classification failed", "error", err, "request_id", ctxutil.RequestID(r.Context()))
		writeError(w, r, http.StatusBadGateway, model.ErrCodeUpstream, "could not classify the message")
	case errors.Is(err, chat.ErrKnowledgeDisabled):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "knowledge search is not configured")
	case errors.Is(err, chat.ErrUnavailable):
		h.logger.Error("backing store unavailable", "error", err, "request_id", ctxutil.RequestID(r.Context()))
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "service temporarily unavailable")
	default:
		h.writeInternalError(w, r, "internal error", err)
	}
}

// writeInternalError logs err and writes a generic 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", ctxutil.RequestID(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}
