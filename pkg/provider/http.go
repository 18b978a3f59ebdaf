package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/xpucat/xpucat/pkg/logger"
	"github.com/xpucat/xpucat/pkg/storage"
)

const (
	defaultRequestTimeout = 15 * time.Second
	defaultTokenTTL       = time.Hour

	// tokenRefreshSlack refreshes the token slightly before its expiry so
	// in-flight requests do not race the deadline.
	tokenRefreshSlack = time.Minute
)

// Credentials authenticate against the catalog's token endpoint.
type Credentials struct {
	Username string
	Password string
}

// TokenManager is a concurrency-safe token cache with lazy refresh.
type TokenManager struct {
	creds    Credentials
	tokenTTL time.Duration
	fetch    func(ctx context.Context, creds Credentials) (string, error)

	mu     sync.Mutex
	token  string    // GUARDED_BY(mu).
	expiry time.Time // GUARDED_BY(mu).
}

// NewTokenManager creates a token manager that obtains tokens with fetch.
func NewTokenManager(creds Credentials, tokenTTL time.Duration, fetch func(ctx context.Context, creds Credentials) (string, error)) *TokenManager {
	if tokenTTL <= 0 {
		tokenTTL = defaultTokenTTL
	}
	return &TokenManager{creds: creds, tokenTTL: tokenTTL, fetch: fetch}
}

// Token returns a valid token, refreshing lazily when the cached one is
// close to expiry.
func (m *TokenManager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token != "" && time.Now().Before(m.expiry.Add(-tokenRefreshSlack)) {
		return m.token, nil
	}
	return m.refreshLocked(ctx)
}

// ForceRefresh discards the cached token and fetches a new one. Used after a
// 401 to retry the failed request exactly once with fresh credentials.
func (m *TokenManager) ForceRefresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshLocked(ctx)
}

func (m *TokenManager) refreshLocked(ctx context.Context) (string, error) {
	if m.creds.Username == "" || m.creds.Password == "" {
		return "", fmt.Errorf("%w: no credentials configured for token refresh", ErrAuthExpired)
	}

	token, err := m.fetch(ctx, m.creds)
	if err != nil {
		return "", err
	}

	m.token = token
	m.expiry = time.Now().Add(m.tokenTTL)
	return token, nil
}

// HTTPClientConfig configures [HTTPClient].
type HTTPClientConfig struct {
	BaseURL        string
	Credentials    Credentials
	RequestTimeout time.Duration
	TokenTTL       time.Duration
	Logger         logger.Logger
}

// HTTPClient implements [Provider] against the catalog's REST API. The
// transport retries transient network failures; authentication failures get
// exactly one forced token refresh before becoming fatal.
type HTTPClient struct {
	baseURL string
	client  *retryablehttp.Client
	tokens  *TokenManager
	logger  logger.Logger
}

var _ Provider = (*HTTPClient)(nil)

// NewHTTPClient creates a catalog client.
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	log := logger.Logger(logger.NewNoopLogger())
	if cfg.Logger != nil {
		log = cfg.Logger
	}

	client := retryablehttp.NewClient()
	client.HTTPClient.Timeout = timeout
	client.Logger = nil

	c := &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  client,
		logger:  log,
	}
	c.tokens = NewTokenManager(cfg.Credentials, cfg.TokenTTL, c.fetchToken)
	return c
}

// ListChips see [Provider].ListChips.
func (c *HTTPClient) ListChips(ctx context.Context) ([]Chip, error) {
	var chips []Chip
	if err := c.getJSON(ctx, "/chips/", nil, &chips); err != nil {
		return nil, err
	}
	return chips, nil
}

// ListPolicyDocuments see [Provider].ListPolicyDocuments.
func (c *HTTPClient) ListPolicyDocuments(ctx context.Context, chipID, version string) ([]PolicyDocument, error) {
	params := url.Values{"chip": {chipID}}
	if version != "" {
		params.Set("version", version)
	}

	var docs []PolicyDocument
	if err := c.getJSON(ctx, "/xpu/policy/", params, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// FetchDocument see [Provider].FetchDocument.
func (c *HTTPClient) FetchDocument(ctx context.Context, chipID, documentID string) ([]byte, error) {
	path := fmt.Sprintf("/xpu/policy/%s/export", url.PathEscape(documentID))
	params := url.Values{"chip": {chipID}}

	resp, err := c.do(ctx, http.MethodGet, path, params)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, storage.Transient(fmt.Errorf("read document body: %w", err))
	}
	return body, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, params)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode catalog response for %s: %w", path, err)
	}
	return nil
}

// do performs one authenticated request. On a 401 or 403 it forces a single
// token refresh and replays the request; a second authentication failure
// surfaces as ErrAuthExpired.
func (c *HTTPClient) do(ctx context.Context, method, path string, params url.Values) (*http.Response, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, method, path, params, token)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		c.logger.WarnWithContext(ctx, "catalog token rejected, forcing refresh")

		token, err = c.tokens.ForceRefresh(ctx)
		if err != nil {
			return nil, err
		}

		resp, err = c.send(ctx, method, path, params, token)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			resp.Body.Close()
			return nil, fmt.Errorf("%w: catalog rejected a freshly refreshed token", ErrAuthExpired)
		}
	}

	if resp.StatusCode >= 500 {
		defer resp.Body.Close()
		return nil, storage.Transient(fmt.Errorf("catalog returned HTTP %d for %s", resp.StatusCode, path))
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, storage.ErrNotFound
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, fmt.Errorf("catalog returned HTTP %d for %s", resp.StatusCode, path)
	}

	return resp, nil
}

func (c *HTTPClient) send(ctx context.Context, method, path string, params url.Values, token string) (*http.Response, error) {
	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Token "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, storage.Transient(fmt.Errorf("catalog request %s %s: %w", method, path, err))
	}
	return resp, nil
}

func (c *HTTPClient) fetchToken(ctx context.Context, creds Credentials) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"username": creds.Username,
		"password": creds.Password,
	})
	if err != nil {
		return "", err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/token/login/", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", storage.Transient(fmt.Errorf("token fetch: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token fetch failed with HTTP %d", ErrAuthExpired, resp.StatusCode)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if body.Token == "" {
		return "", fmt.Errorf("%w: token missing in auth response", ErrAuthExpired)
	}
	return body.Token, nil
}
