package model

import (
	"time"
)

// MaxMessageLen bounds a single user message. Longer input is rejected before
// it reaches moderation or the model.
const MaxMessageLen = 16 * 1024 // 16 KB

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeModerated     = "MODERATED"
	ErrCodeUpstream      = "UPSTREAM_ERROR"
	ErrCodeUnavailable   = "UNAVAILABLE"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// ChatRequest is the request body for every chat endpoint.
type ChatRequest struct {
	Message string `json:"message"`
	// Stream selects SSE output on /v1/agent/chat. Other chat endpoints
	// always stream.
	Stream bool `json:"stream,omitempty"`

	// The fields below are honoured by /v1/chat only.
	Messages    []Message `json:"messages,omitempty"`
	System      string    `json:"system,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

// AgentReply is the JSON answer of /v1/agent/chat when the caller did not
// ask for a stream and the message was answered by generation.
type AgentReply struct {
	Type      string        `json:"type"`
	Action    *ActionResult `json:"action,omitempty"`
	Content   string        `json:"content"`
	Citations []Citation    `json:"citations,omitempty"`
}

// KnowledgeRequest is the request body for POST /v1/knowledge/search.
type KnowledgeRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k,omitempty"`
}

// AdminTokenRequest is the request body for POST /auth/admin-token.
type AdminTokenRequest struct {
	APIKey string `json:"api_key"`
}

// AuthTokenResponse is the response for token issuing endpoints.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HistoryResponse is the response for the history read endpoints.
type HistoryResponse struct {
	Key      string    `json:"key"`
	Messages []Message `json:"messages"`
}

// PurgeResponse reports how many conversation keys a delete removed.
type PurgeResponse struct {
	Deleted int `json:"deleted"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Redis    string `json:"redis"`
	Persons  string `json:"persons,omitempty"`
	Qdrant   string `json:"qdrant,omitempty"`
	Patterns string `json:"moderation_patterns"`
	Uptime   int64  `json:"uptime_seconds"`
}
