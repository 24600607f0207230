package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"authgate/cache"
)

const (
	sessionCookieName = "authgate_session"
	sessionKeyPrefix  = "session:"
)

// SessionManager owns session creation, timeout evaluation, and token-expiry
// triggered refresh. It is the terminal decision-maker for "is this request
// authenticated": callers get either a live *Session or a reason it is gone.
type SessionManager struct {
	store        cache.Cache
	tokens       *TokenClient
	logger       *slog.Logger
	timeout      time.Duration
	secure       bool
	sameSite     http.SameSite
	cookieDomain string
	now          func() time.Time
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, store cache.Cache, tokens *TokenClient, logger *slog.Logger) *SessionManager {
	sameSite := http.SameSiteStrictMode
	if cfg.Server.DevMode || cfg.Provider.Enabled {
		// The provider callback is a cross-site navigation; Lax keeps the
		// session cookie attached to it.
		sameSite = http.SameSiteLaxMode
	}

	return &SessionManager{
		store:        store,
		tokens:       tokens,
		logger:       logger,
		timeout:      cfg.Auth.SessionTimeout(),
		secure:       !cfg.Server.DevMode,
		sameSite:     sameSite,
		cookieDomain: cfg.Server.CookieDomain,
		now:          time.Now,
	}
}

// Create establishes a session after a fully successful authentication and
// sets the cookie. tokens is nil for local logins.
func (sm *SessionManager) Create(ctx context.Context, w http.ResponseWriter, user User, roles []string, primaryRole string, tokens *TokenSet) (*Session, error) {
	sess := &Session{
		ID:          uuid.NewString(),
		UserID:      user.ID,
		Username:    user.Username,
		Email:       user.Email,
		FullName:    user.FullName,
		UserType:    user.Type,
		Roles:       roles,
		PrimaryRole: primaryRole,
		LoginTime:   sm.now(),
		Tokens:      tokens,
	}

	if err := sm.save(ctx, sess); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.ID,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   int(sm.timeout.Seconds()),
	})

	sm.logger.Info("session created",
		"session_id", sess.ID,
		"username", sess.Username,
		"user_type", sess.UserType,
		"primary_role", sess.PrimaryRole,
	)
	return sess, nil
}

// Authenticate evaluates the request's session. It returns:
//   - (session, nil) for a live session, transparently refreshed if needed;
//   - (nil, nil) when no session is present (anonymous);
//   - (nil, ErrSessionExpired or ErrRefreshFailed) when a session existed but
//     had to be destroyed. Expired is terminal: the only way back is a fresh
//     login.
func (sm *SessionManager) Authenticate(ctx context.Context, r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil, nil
	}

	payload, err := sm.store.Get(ctx, sessionKeyPrefix+cookie.Value)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}

	now := sm.now()

	// Session timeout is measured from login, independent of token validity,
	// for local and external sessions alike.
	if now.Sub(sess.LoginTime) > sm.timeout {
		sm.destroy(ctx, sess.ID)
		sm.logger.Info("session timed out", "session_id", sess.ID, "username", sess.Username)
		return nil, ErrSessionExpired
	}

	if sess.External() && sess.Tokens != nil && now.After(sess.Tokens.ExpiresAt) {
		if err := sm.refresh(ctx, &sess); err != nil {
			sm.destroy(ctx, sess.ID)
			sm.logger.Warn("token refresh failed, session destroyed",
				"session_id", sess.ID, "username", sess.Username, "error", err)
			return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
		}
	}

	return &sess, nil
}

// refresh attempts one token refresh and persists the updated session.
func (sm *SessionManager) refresh(ctx context.Context, sess *Session) error {
	if sess.Tokens.RefreshToken == "" {
		return errors.New("no refresh token available")
	}

	fresh, err := sm.tokens.Refresh(ctx, sess.Tokens.RefreshToken)
	if err != nil {
		return err
	}

	// A refresh response may omit the refresh token or ID token; the prior
	// values remain valid.
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = sess.Tokens.RefreshToken
	}
	if fresh.IDToken == "" {
		fresh.IDToken = sess.Tokens.IDToken
	}
	sess.Tokens = fresh

	if err := sm.save(ctx, sess); err != nil {
		return fmt.Errorf("store refreshed session: %w", err)
	}

	sm.logger.Info("access token refreshed", "session_id", sess.ID, "username", sess.Username)
	return nil
}

// save persists the session for the remainder of its fixed lifetime. The TTL
// shrinks with age so a token refresh never extends the session timeout.
func (sm *SessionManager) save(ctx context.Context, sess *Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return err
	}

	remaining := sm.timeout - sm.now().Sub(sess.LoginTime)
	if remaining <= 0 {
		remaining = time.Second
	}
	return sm.store.Set(ctx, sessionKeyPrefix+sess.ID, payload, remaining)
}

// Logout destroys the session and clears the cookie. For external sessions it
// returns the provider logout URL the browser should be sent to. No refresh
// is attempted: the session is going away either way.
func (sm *SessionManager) Logout(ctx context.Context, w http.ResponseWriter, r *http.Request, providerCfg ProviderConfig) string {
	sess := sm.load(ctx, r)
	sm.ClearCookie(w)
	if sess == nil {
		return ""
	}

	sm.destroy(ctx, sess.ID)
	sm.logger.Info("session logged out", "session_id", sess.ID, "username", sess.Username)

	if sess.External() && providerCfg.Enabled && sess.Tokens != nil && sess.Tokens.IDToken != "" {
		return LogoutURL(providerCfg, sess.Tokens.IDToken)
	}
	return ""
}

// load reads the stored session without running timeout or refresh checks.
func (sm *SessionManager) load(ctx context.Context, r *http.Request) *Session {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil
	}
	payload, err := sm.store.Get(ctx, sessionKeyPrefix+cookie.Value)
	if err != nil {
		return nil
	}
	var sess Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return nil
	}
	return &sess
}

// ClearCookie removes the session cookie.
func (sm *SessionManager) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   -1,
	})
}

func (sm *SessionManager) destroy(ctx context.Context, id string) {
	if err := sm.store.Delete(ctx, sessionKeyPrefix+id); err != nil {
		sm.logger.Error("delete session", "session_id", id, "error", err)
	}
}
