package haigate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the gateway (e.g. "http://localhost:8080").
	BaseURL string

	// Token is a bearer token issued out of band. Use it for user calls.
	Token string

	// AdminAPIKey is exchanged for short-lived admin tokens. It is used
	// when Token is empty.
	AdminAPIKey string

	// HTTPClient is an optional custom HTTP client. Streams can outlive any
	// client-level timeout, so the default client sets none.
	HTTPClient *http.Client

	// Timeout applies to non-streaming requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the haigate API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	tokens  tokenSource
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty or neither Token nor AdminAPIKey is set.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("haigate: BaseURL is required")
	}
	if cfg.Token == "" && cfg.AdminAPIKey == "" {
		return nil, fmt.Errorf("haigate: Token or AdminAPIKey is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	var tokens tokenSource = staticToken(cfg.Token)
	if cfg.Token == "" {
		tokens = newAdminTokenManager(baseURL, cfg.AdminAPIKey, httpClient)
	}

	return &Client{
		baseURL: baseURL,
		client:  httpClient,
		timeout: timeout,
		tokens:  tokens,
	}, nil
}

// PersonChat sends message to a historical figure and streams the reply.
// The exchange is stored in the caller's conversation history.
func (c *Client) PersonChat(ctx context.Context, personID, message string) (*Stream, error) {
	return c.stream(ctx, "/v1/persons/"+url.PathEscape(personID)+"/chat", chatBody{Message: message})
}

// ChatbotChat sends message to the general assistant and streams the reply.
func (c *Client) ChatbotChat(ctx context.Context, message string) (*Stream, error) {
	return c.stream(ctx, "/v1/chatbot/chat", chatBody{Message: message})
}

// DirectChat streams an unbuffered completion without stored history.
func (c *Client) DirectChat(ctx context.Context, req DirectRequest) (*Stream, error) {
	return c.stream(ctx, "/v1/chat", req)
}

// KnowledgeSearch streams an answer grounded on the knowledge index.
// topK <= 0 selects the server default.
func (c *Client) KnowledgeSearch(ctx context.Context, query string, topK int) (*Stream, error) {
	return c.stream(ctx, "/v1/knowledge/search", knowledgeBody{Query: query, TopK: topK})
}

// AgentChat routes message through the intent router and returns either a
// structured action or the collected reply.
func (c *Client) AgentChat(ctx context.Context, message string) (*AgentResult, error) {
	var raw json.RawMessage
	if err := c.post(ctx, "/v1/agent/chat", chatBody{Message: message}, &raw); err != nil {
		return nil, err
	}
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("haigate: decode agent reply: %w", err)
	}
	if probe.Type == "message" {
		var r Reply
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("haigate: decode agent reply: %w", err)
		}
		return &AgentResult{Reply: &r}, nil
	}
	var a Action
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("haigate: decode agent action: %w", err)
	}
	return &AgentResult{Action: &a}, nil
}

// AgentChatStream routes message through the intent router. Messages that
// resolve to a plain action still come back as JSON; use AgentChat for
// those.
func (c *Client) AgentChatStream(ctx context.Context, message string) (*Stream, error) {
	return c.stream(ctx, "/v1/agent/chat", chatBody{Message: message, Stream: true})
}

// CheckModeration reports the verdict moderation would give message
// without recording a strike.
func (c *Client) CheckModeration(ctx context.Context, message string) (*ModerationResult, error) {
	var res ModerationResult
	if err := c.post(ctx, "/v1/moderation/check", chatBody{Message: message}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// DebateSummary judges the transcript of a debate room on topic.
func (c *Client) DebateSummary(ctx context.Context, roomID, topic string) (*DebateSummary, error) {
	var res DebateSummary
	if err := c.post(ctx, "/v1/debate/"+url.PathEscape(roomID)+"/summary", debateBody{Topic: topic}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// History returns the caller's conversation with a person.
func (c *Client) History(ctx context.Context, personID string) (*History, error) {
	var h History
	if err := c.get(ctx, "/v1/persons/"+url.PathEscape(personID)+"/history", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// ChatbotHistory returns the caller's conversation with the assistant.
func (c *Client) ChatbotHistory(ctx context.Context) (*History, error) {
	var h History
	if err := c.get(ctx, "/v1/chatbot/history", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// DeleteHistory removes the caller's conversation with a person.
func (c *Client) DeleteHistory(ctx context.Context, personID string) error {
	return c.doDelete(ctx, "/v1/persons/"+url.PathEscape(personID)+"/history", nil)
}

// PurgeHistory removes every conversation of the caller and returns how
// many were deleted.
func (c *Client) PurgeHistory(ctx context.Context) (int, error) {
	var resp purgeResponse
	if err := c.doDelete(ctx, "/v1/history", &resp); err != nil {
		return 0, err
	}
	return resp.Deleted, nil
}

// AdminPurge removes every conversation whose key matches pattern. It
// requires an admin token.
func (c *Client) AdminPurge(ctx context.Context, pattern string) (int, error) {
	var resp purgeResponse
	if err := c.doDelete(ctx, "/admin/history?pattern="+url.QueryEscape(pattern), &resp); err != nil {
		return 0, err
	}
	return resp.Deleted, nil
}

// Health returns the gateway health. It needs no credentials; a degraded
// or unhealthy gateway is reported in the result, not as an error.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("haigate: create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("haigate: GET /health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("haigate: read response body: %w", err)
	}
	var h Health
	if err := decodeEnvelope(raw, &h); err != nil {
		return nil, parseErrorResponse(resp.StatusCode, raw)
	}
	return &h, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

func (c *Client) stream(ctx context.Context, path string, body any) (*Stream, error) {
	req, err := c.newJSONRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("haigate: %s %s: %w", req.Method, req.URL.Path, err)
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		defer func() { _ = resp.Body.Close() }()
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("haigate: read response body: %w", err)
		}
		if resp.StatusCode >= 400 {
			return nil, parseErrorResponse(resp.StatusCode, raw)
		}
		return nil, fmt.Errorf("haigate: %s returned %s instead of a stream", path, resp.Header.Get("Content-Type"))
	}

	notice, _ := url.QueryUnescape(resp.Header.Get("X-Moderation-Notice"))
	return newStream(resp.Body, notice), nil
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.newJSONRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	return c.doRequest(ctx, req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("haigate: create request: %w", err)
	}
	return c.doRequest(ctx, req, dest)
}

func (c *Client) doDelete(ctx context.Context, path string, dest any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("haigate: create request: %w", err)
	}
	return c.doRequest(ctx, req, dest)
}

func (c *Client) newJSONRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("haigate: marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("haigate: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	token, err := c.tokens.getToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (c *Client) doRequest(ctx context.Context, req *http.Request, dest any) error {
	if err := c.authorize(ctx, req); err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("haigate: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("haigate: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	// 204 No Content: nothing to decode.
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}
	return decodeEnvelope(bodyBytes, dest)
}

// decodeEnvelope unwraps the server's { "data": ... } envelope into dest.
func decodeEnvelope(body []byte, dest any) error {
	var envelope apiEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("haigate: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return fmt.Errorf("haigate: response has no data")
	}
	return json.Unmarshal(envelope.Data, dest)
}
