package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"authgate/cache"
)

const pendingLoginPrefix = "login:"

// AuthRequest is everything a handler needs to send the browser to the
// provider: the redirect URL plus the pending-login handle the callback must
// present.
type AuthRequest struct {
	URL     string
	LoginID string
	State   string
	Nonce   string
}

// AuthRequestBuilder produces provider authorization redirects and owns the
// pending-login records that bind a callback to the attempt that started it.
type AuthRequestBuilder struct {
	oauth  *oauth2.Config
	logins cache.Cache
	ttl    time.Duration
	now    func() time.Time
}

// NewAuthRequestBuilder wires the builder against the provider's fixed
// authorize/token endpoints.
func NewAuthRequestBuilder(cfg ProviderConfig, logins cache.Cache) *AuthRequestBuilder {
	issuer := cfg.Issuer()
	return &AuthRequestBuilder{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  issuer + "/v1/authorize",
				TokenURL: issuer + "/v1/token",
			},
		},
		logins: logins,
		ttl:    DefaultLoginTTL,
		now:    time.Now,
	}
}

// Begin generates fresh state and nonce values, persists the pending login,
// and returns the authorization URL. State binds the callback to this attempt
// (CSRF); nonce binds the issued token to it (replay).
func (b *AuthRequestBuilder) Begin(ctx context.Context) (*AuthRequest, error) {
	state, err := randomToken()
	if err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}
	nonce, err := randomToken()
	if err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	loginID, err := randomToken()
	if err != nil {
		return nil, fmt.Errorf("generate login id: %w", err)
	}

	pending := PendingLogin{State: state, Nonce: nonce, CreatedAt: b.now()}
	payload, err := json.Marshal(pending)
	if err != nil {
		return nil, fmt.Errorf("marshal pending login: %w", err)
	}
	if err := b.logins.Set(ctx, pendingLoginPrefix+loginID, payload, b.ttl); err != nil {
		return nil, fmt.Errorf("store pending login: %w", err)
	}

	authURL := b.oauth.AuthCodeURL(state, oauth2.SetAuthURLParam("nonce", nonce))

	return &AuthRequest{
		URL:     authURL,
		LoginID: loginID,
		State:   state,
		Nonce:   nonce,
	}, nil
}

// Consume fetches and destroys the pending login for loginID. The record is
// deleted whether or not the callback ultimately succeeds, so a state, nonce,
// or code can never be replayed against a second callback.
func (b *AuthRequestBuilder) Consume(ctx context.Context, loginID string) (PendingLogin, error) {
	key := pendingLoginPrefix + loginID
	payload, err := b.logins.Get(ctx, key)
	if err != nil {
		return PendingLogin{}, fmt.Errorf("%w: no pending login", ErrCsrfStateMismatch)
	}
	_ = b.logins.Delete(ctx, key)

	var pending PendingLogin
	if err := json.Unmarshal(payload, &pending); err != nil {
		return PendingLogin{}, fmt.Errorf("unmarshal pending login: %w", err)
	}
	return pending, nil
}

// LogoutURL builds the provider's front-channel logout redirect, passing the
// soon-to-be-invalid ID token as a hint.
func LogoutURL(cfg ProviderConfig, idTokenHint string) string {
	params := url.Values{}
	if cfg.PostLogoutRedirectURI != "" {
		params.Set("post_logout_redirect_uri", cfg.PostLogoutRedirectURI)
	}
	if idTokenHint != "" {
		params.Set("id_token_hint", idTokenHint)
	}
	return cfg.Issuer() + "/v1/logout?" + params.Encode()
}

// randomToken returns 16 bytes of entropy, hex-encoded.
func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
