package haigate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// tokenSource supplies the bearer token for each request.
type tokenSource interface {
	getToken(ctx context.Context) (string, error)
}

// staticToken is a token issued out of band, e.g. by `haigate token`.
type staticToken string

func (t staticToken) getToken(context.Context) (string, error) { return string(t), nil }

// adminTokenManager exchanges the admin API key for short-lived admin
// tokens and refreshes them before they expire. It is safe for concurrent
// use.
type adminTokenManager struct {
	baseURL string
	apiKey  string
	client  *http.Client
	margin  time.Duration

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func newAdminTokenManager(baseURL, apiKey string, client *http.Client) *adminTokenManager {
	return &adminTokenManager{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  client,
		margin:  30 * time.Second,
	}
}

func (tm *adminTokenManager) getToken(ctx context.Context) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.token != "" && time.Now().Before(tm.expiresAt.Add(-tm.margin)) {
		return tm.token, nil
	}

	if err := tm.refresh(ctx); err != nil {
		return "", err
	}
	return tm.token, nil
}

func (tm *adminTokenManager) refresh(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{"api_key": tm.apiKey})
	if err != nil {
		return fmt.Errorf("haigate: marshal auth request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.baseURL+"/auth/admin-token", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("haigate: create auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := tm.client.Do(req)
	if err != nil {
		return fmt.Errorf("haigate: auth request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("haigate: read auth response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return parseErrorResponse(resp.StatusCode, raw)
	}

	var tok tokenResponse
	if err := decodeEnvelope(raw, &tok); err != nil {
		return fmt.Errorf("haigate: decode auth response: %w", err)
	}
	tm.token = tok.Token
	tm.expiresAt = tok.ExpiresAt
	return nil
}
