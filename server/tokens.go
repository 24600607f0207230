package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TokenClient talks to the provider's token and userinfo endpoints. It never
// touches session state; persisting refreshed tokens is the session manager's
// job.
type TokenClient struct {
	cfg    ProviderConfig
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewTokenClient constructs a client with a bounded request timeout.
func NewTokenClient(cfg ProviderConfig, client *http.Client, logger *slog.Logger) *TokenClient {
	if client == nil {
		client = &http.Client{Timeout: cfg.HTTPTimeout()}
	}
	return &TokenClient{cfg: cfg, client: client, logger: logger, now: time.Now}
}

// tokenResponse mirrors the provider's token endpoint body, success or error.
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	IDToken          string `json:"id_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Exchange trades an authorization code for a token set.
func (c *TokenClient) Exchange(ctx context.Context, code string) (*TokenSet, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", c.cfg.RedirectURI)
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)

	return c.post(ctx, form, ErrTokenExchange)
}

// Refresh trades a refresh token for a new token set. The response may omit a
// new refresh token, in which case the prior one remains valid and the
// returned set's RefreshToken is empty.
func (c *TokenClient) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("scope", strings.Join(c.cfg.Scopes, " "))

	return c.post(ctx, form, ErrRefreshFailed)
}

func (c *TokenClient) post(ctx context.Context, form url.Values, sentinel error) (*TokenSet, error) {
	endpoint := c.cfg.Issuer() + "/v1/token"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", sentinel, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sentinel, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", sentinel, err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%w: status %s", sentinel, resp.Status)
		}
		return nil, fmt.Errorf("%w: decode response: %v", sentinel, err)
	}

	if resp.StatusCode != http.StatusOK || tr.Error != "" {
		// Only the short provider error code is propagated; raw payloads stay
		// out of logs and user-facing messages.
		return nil, fmt.Errorf("%w: status %s, provider error %q", sentinel, resp.Status, tr.Error)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("%w: response missing access_token", sentinel)
	}

	return &TokenSet{
		AccessToken:  tr.AccessToken,
		IDToken:      tr.IDToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    c.now().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}

// Userinfo fetches the provider's userinfo document with the access token.
// Callers treat failures as non-fatal enrichment misses.
func (c *TokenClient) Userinfo(ctx context.Context, accessToken string) (map[string]any, error) {
	endpoint := c.cfg.Issuer() + "/v1/userinfo"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch userinfo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch userinfo: unexpected status %s", resp.Status)
	}

	var info map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode userinfo: %w", err)
	}
	return info, nil
}
