package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hai-labs/haigate/internal/auth"
	"github.com/hai-labs/haigate/internal/ctxutil"
	"github.com/hai-labs/haigate/internal/model"
	"github.com/hai-labs/haigate/internal/stream"
	"github.com/hai-labs/haigate/internal/testutil"
)

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := requestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = ctxutil.RequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", seen)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("x", 500))
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Len(t, seen, 36)
}

func TestStatusWriterFlushesThroughChain(t *testing.T) {
	logger := testutil.TestLogger()
	var streamErr error
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		sse, err := stream.NewSSEWriter(w)
		if err != nil {
			streamErr = err
			return
		}
		streamErr = sse.Emit(model.ContentEvent("hi"))
	})
	h := tracingMiddleware(loggingMiddleware(logger, recoveryMiddleware(logger, inner)))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat", nil))
	require.NoError(t, streamErr)
	assert.True(t, rec.Flushed)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `data: {"type":"content","text":"hi"}`)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recoveryMiddleware(testutil.TestLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var env model.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	assert.Equal(t, model.ErrCodeInternalError, env.Error.Code)
}

func TestRecoveryAfterHeadersWritten(t *testing.T) {
	h := recoveryMiddleware(testutil.TestLogger(), http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("partial"))
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "partial", rec.Body.String())
}

func TestAuthMiddleware(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	token, _, err := mgr.IssueToken("user-9", model.AccessUser)
	require.NoError(t, err)

	var uid string
	h := authMiddleware(mgr, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid = ctxutil.UserID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"public health", "/health", "", http.StatusNoContent},
		{"missing header", "/v1/chat", "", http.StatusUnauthorized},
		{"wrong scheme", "/v1/chat", "Basic " + token, http.StatusUnauthorized},
		{"bad token", "/v1/chat", "Bearer nope", http.StatusUnauthorized},
		{"valid", "/v1/chat", "Bearer " + token, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
	assert.Equal(t, "user-9", uid)
}

func TestAuthTagsLoggingWriter(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	token, _, err := mgr.IssueToken("user-9", model.AccessUser)
	require.NoError(t, err)

	outer := &statusWriter{ResponseWriter: httptest.NewRecorder(), statusCode: http.StatusOK}
	inner := &statusWriter{ResponseWriter: outer, statusCode: http.StatusOK}
	req := httptest.NewRequest(http.MethodGet, "/v1/chat", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	authMiddleware(mgr, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).ServeHTTP(inner, req)

	assert.Equal(t, "user-9", inner.userID)
	assert.Equal(t, "user-9", outer.userID)
}

func TestRequireRole(t *testing.T) {
	h := requireRole(model.AccessAdmin)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	serve := func(claims *auth.Claims) int {
		req := httptest.NewRequest(http.MethodDelete, "/admin/history", nil)
		if claims != nil {
			req = req.WithContext(ctxutil.WithClaims(req.Context(), claims))
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, serve(nil))
	assert.Equal(t, http.StatusForbidden, serve(&auth.Claims{Role: model.AccessUser}))
	assert.Equal(t, http.StatusNoContent, serve(&auth.Claims{Role: model.AccessAdmin}))
}

func TestRateLimitKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/auth/admin-token", nil)
	req.RemoteAddr = "10.0.0.7:5555"
	assert.Equal(t, "auth:ip:10.0.0.7", rateLimitKey(req))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	assert.Empty(t, rateLimitKey(req))

	user := &auth.Claims{Role: model.AccessUser}
	user.Subject = "user-1"
	req = httptest.NewRequest(http.MethodPost, "/v1/chat", nil)
	req = req.WithContext(ctxutil.WithClaims(req.Context(), user))
	assert.Equal(t, "user:user-1", rateLimitKey(req))

	admin := &auth.Claims{Role: model.AccessAdmin}
	req = req.WithContext(ctxutil.WithClaims(req.Context(), admin))
	assert.Empty(t, rateLimitKey(req))
}

func TestDecodeJSON(t *testing.T) {
	var target model.ChatRequest

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"message":"hi"}`))
	require.NoError(t, decodeJSON(rec, req, &target, 1024))
	assert.Equal(t, "hi", target.Message)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"message":"hi"}{"message":"again"}`))
	assert.Error(t, decodeJSON(rec, req, &target, 1024))

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"message":"`+strings.Repeat("a", 100)+`"}`))
	err := decodeJSON(rec, req, &target, 16)
	require.Error(t, err)
	rec = httptest.NewRecorder()
	handleDecodeError(rec, req, err)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "exceeds 16 bytes")
}
