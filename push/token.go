package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const wnsTokenURL = "https://login.live.com/accesstoken.srf"

// TokenCache holds the single WNS bearer token. No expiry is tracked;
// expiry is inferred from a 401 delivery outcome, which invalidates the
// cache so the next Token call fetches fresh.
//
// The mutex is held across the fetch, so concurrent callers block until the
// one in-flight fetch resolves and then share its result.
type TokenCache struct {
	mu     sync.Mutex
	token  string
	client *http.Client
	logger *slog.Logger

	clientID     string
	clientSecret string
	tokenURL     string
}

// NewTokenCache creates a token cache for the WNS OAuth client-credentials
// exchange.
func NewTokenCache(client *http.Client, clientID, clientSecret string, logger *slog.Logger) *TokenCache {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &TokenCache{
		client:       client,
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     wnsTokenURL,
		logger:       logger,
	}
}

// Token returns the cached access token, fetching one if the cache is
// empty. A fetch failure returns an empty token; the delivery attempt will
// fail and the dispatcher's retry loop will come back for another.
func (t *TokenCache) Token(ctx context.Context) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.token != "" {
		return t.token
	}

	token, err := t.fetch(ctx)
	if err != nil {
		t.logger.Warn("Access token fetch failed", "error", err)
		return ""
	}

	t.token = token
	t.logger.Info("Access token fetched")
	return t.token
}

// Invalidate clears the cached token so the next Token call fetches fresh.
func (t *TokenCache) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = ""
	t.logger.Info("Access token invalidated")
}

func (t *TokenCache) fetch(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", t.clientID)
	form.Set("client_secret", t.clientSecret)
	form.Set("scope", "notify.windows.com")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			t.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request: HTTP %d", resp.StatusCode)
	}

	var result struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if result.AccessToken == "" {
		return "", fmt.Errorf("empty access token in response")
	}

	return result.AccessToken, nil
}
