package haigate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockServer creates an httptest server that mimics the haigate API.
func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, status int, v any) {
	writeJSON(w, status, map[string]any{"data": v})
}

func writeEvents(w http.ResponseWriter, events ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, ev := range events {
		_, _ = fmt.Fprintf(w, "data: %s\n\n", ev)
	}
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{BaseURL: serverURL, Token: "user-token", Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{Token: "t"})
	assert.Error(t, err)
	_, err = NewClient(Config{BaseURL: "http://x"})
	assert.Error(t, err)
}

func TestPersonChatStreams(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/persons/{id}/chat": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "p-sejong", r.PathValue("id"))
			assert.Equal(t, "Bearer user-token", r.Header.Get("Authorization"))
			var body chatBody
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "hello", body.Message)

			w.Header().Set("X-Moderation-Notice", "word+masked")
			writeEvents(w,
				`{"type":"content","text":"Greetings, "}`,
				`{"type":"content","text":"scholar."}`,
				`{"type":"done","total_length":18}`,
			)
		},
	})

	s, err := newTestClient(t, srv.URL).PersonChat(context.Background(), "p-sejong", "hello")
	require.NoError(t, err)
	assert.Equal(t, "word masked", s.Notice)

	text, citations, err := s.Collect()
	require.NoError(t, err)
	assert.Equal(t, "Greetings, scholar.", text)
	assert.Empty(t, citations)
}

func TestStreamNextStopsAfterTerminalEvent(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/knowledge/search": func(w http.ResponseWriter, _ *http.Request) {
			writeEvents(w,
				`{"type":"content","text":"Hangul."}`,
				`{"type":"citations","data":[{"text":"Sejong created Hangul.","source":"wiki/sejong"}],"count":1}`,
				`{"type":"done","total_length":7}`,
			)
		},
	})

	s, err := newTestClient(t, srv.URL).KnowledgeSearch(context.Background(), "who made hangul", 3)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	var types []string
	for {
		ev, err := s.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{EventContent, EventCitations, EventDone}, types)

	_, err = s.Next()
	assert.Equal(t, io.EOF, err)
}

func TestStreamErrorEvent(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/chatbot/chat": func(w http.ResponseWriter, _ *http.Request) {
			writeEvents(w,
				`{"type":"content","text":"partial"}`,
				`{"type":"error","message":"generation failed"}`,
			)
		},
	})

	s, err := newTestClient(t, srv.URL).ChatbotChat(context.Background(), "hi")
	require.NoError(t, err)
	text, _, err := s.Collect()
	assert.Equal(t, "partial", text)
	var se *StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "generation failed", se.Message)
}

func TestStreamTruncated(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/chat": func(w http.ResponseWriter, _ *http.Request) {
			writeEvents(w, `{"type":"content","text":"cut"}`)
		},
	})

	s, err := newTestClient(t, srv.URL).DirectChat(context.Background(), DirectRequest{Message: "hi"})
	require.NoError(t, err)
	_, _, err = s.Collect()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestStreamRefusedBeforeStart(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/persons/{id}/chat": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusForbidden, map[string]any{
				"error": map[string]any{
					"code":    "MODERATED",
					"message": "muted",
					"details": map[string]any{"allowed": false, "muted": true, "mute_seconds_left": 290},
				},
			})
		},
	})

	_, err := newTestClient(t, srv.URL).PersonChat(context.Background(), "p-sejong", "bad")
	require.Error(t, err)
	assert.True(t, IsForbidden(err))
	assert.True(t, IsModerated(err))

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	require.NotNil(t, apiErr.Moderation)
	assert.True(t, apiErr.Moderation.Muted)
	assert.Equal(t, 290, apiErr.Moderation.MuteSecondsLeft)
}

func TestAgentChatAction(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/agent/chat": func(w http.ResponseWriter, _ *http.Request) {
			writeData(w, http.StatusOK, map[string]any{
				"type":     "tool_call",
				"action":   "navigate_to_person",
				"person":   map[string]any{"id": "p-sejong", "name": "Sejong"},
				"resolved": true,
			})
		},
	})

	res, err := newTestClient(t, srv.URL).AgentChat(context.Background(), "take me to Sejong")
	require.NoError(t, err)
	require.NotNil(t, res.Action)
	assert.Nil(t, res.Reply)
	assert.Equal(t, "navigate_to_person", res.Action.Action)
	require.NotNil(t, res.Action.Person)
	assert.Equal(t, "p-sejong", res.Action.Person.ID)
}

func TestAgentChatReply(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/agent/chat": func(w http.ResponseWriter, r *http.Request) {
			var body chatBody
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.False(t, body.Stream)
			writeData(w, http.StatusOK, map[string]any{
				"type":    "message",
				"content": "Sejong reigned from 1418.",
			})
		},
	})

	res, err := newTestClient(t, srv.URL).AgentChat(context.Background(), "when did Sejong reign")
	require.NoError(t, err)
	require.NotNil(t, res.Reply)
	assert.Nil(t, res.Action)
	assert.Equal(t, "Sejong reigned from 1418.", res.Reply.Content)
}

func TestHistoryCalls(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/persons/{id}/history": func(w http.ResponseWriter, _ *http.Request) {
			writeData(w, http.StatusOK, History{
				Key:      "aiperson:chat:p-sejong:user-1",
				Messages: []Message{{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"}},
			})
		},
		"DELETE /v1/persons/{id}/history": func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		},
		"DELETE /v1/history": func(w http.ResponseWriter, _ *http.Request) {
			writeData(w, http.StatusOK, map[string]int{"deleted": 3})
		},
		"GET /v1/chatbot/history": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error": map[string]any{"code": "NOT_FOUND", "message": "nothing here"},
			})
		},
	})
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	h, err := c.History(ctx, "p-sejong")
	require.NoError(t, err)
	assert.Len(t, h.Messages, 2)

	require.NoError(t, c.DeleteHistory(ctx, "p-sejong"))

	n, err := c.PurgeHistory(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = c.ChatbotHistory(ctx)
	assert.True(t, IsNotFound(err))
}

func TestDebateSummary(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/debate/{room}/summary": func(w http.ResponseWriter, r *http.Request) {
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if r.PathValue("room") != "r1" {
				writeJSON(w, http.StatusNotFound, map[string]any{
					"error": map[string]any{"code": "NOT_FOUND", "message": "no debate messages for this room"},
				})
				return
			}
			writeData(w, http.StatusOK, map[string]any{
				"room_id":            "r1",
				"topic":              body["topic"],
				"used_message_count": 4,
				"result":             map[string]string{"winner": "kim"},
			})
		},
	})
	c := newTestClient(t, srv.URL)

	res, err := c.DebateSummary(context.Background(), "r1", "Hangul")
	require.NoError(t, err)
	assert.Equal(t, "Hangul", res.Topic)
	assert.Equal(t, 4, res.UsedMessageCount)
	assert.JSONEq(t, `{"winner":"kim"}`, string(res.Result))

	_, err = c.DebateSummary(context.Background(), "r2", "Hangul")
	assert.True(t, IsNotFound(err))
}

func TestAdminTokenExchangeAndRefresh(t *testing.T) {
	var exchanges atomic.Int32
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /auth/admin-token": func(w http.ResponseWriter, r *http.Request) {
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			if body["api_key"] != "admin-secret" {
				writeJSON(w, http.StatusUnauthorized, map[string]any{
					"error": map[string]any{"code": "UNAUTHORIZED", "message": "invalid credentials"},
				})
				return
			}
			exchanges.Add(1)
			writeData(w, http.StatusOK, map[string]any{
				"token":      "admin-token",
				"expires_at": time.Now().Add(time.Hour).Format(time.RFC3339),
			})
		},
		"DELETE /admin/history": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer admin-token", r.Header.Get("Authorization"))
			assert.Equal(t, "chatbot:chat:*", r.URL.Query().Get("pattern"))
			writeData(w, http.StatusOK, map[string]int{"deleted": 2})
		},
	})

	c, err := NewClient(Config{BaseURL: srv.URL, AdminAPIKey: "admin-secret"})
	require.NoError(t, err)
	for range 3 {
		n, err := c.AdminPurge(context.Background(), "chatbot:chat:*")
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	}
	assert.Equal(t, int32(1), exchanges.Load(), "token is reused until it nears expiry")

	bad, err := NewClient(Config{BaseURL: srv.URL, AdminAPIKey: "wrong"})
	require.NoError(t, err)
	_, err = bad.AdminPurge(context.Background(), "chatbot:chat:*")
	assert.True(t, IsUnauthorized(err))
}

func TestHealthReportsUnhealthyWithoutError(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /health": func(w http.ResponseWriter, r *http.Request) {
			assert.Empty(t, r.Header.Get("Authorization"))
			writeData(w, http.StatusServiceUnavailable, Health{Status: "unhealthy", Redis: "disconnected"})
		},
	})

	h, err := newTestClient(t, srv.URL).Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "unhealthy", h.Status)
}

func TestRequestTimeout(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/moderation/check": func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		},
	})

	c, err := NewClient(Config{BaseURL: srv.URL, Token: "t", Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	_, err = c.CheckModeration(context.Background(), "hi")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "deadline"))
}
