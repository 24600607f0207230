package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"

	"authgate/cache"
)

const (
	loginCookieName       = "authgate_login"
	destinationCookieName = "authgate_dest"
	flashCookieName       = "authgate_flash"

	flashError   = "error"
	flashSuccess = "success"
)

// App bundles runtime dependencies for the HTTP service. Every component
// receives what it needs explicitly; there is no ambient global state.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Cache    cache.Cache
	Sessions *SessionManager
	Builder  *AuthRequestBuilder
	Tokens   *TokenClient
	Verifier *Verifier
	Resolver *KeyResolver
	Roles    *RoleMapper
	Users    UserDirectory
}

// NewApp wires together the application state from configuration.
func NewApp(cfg Config, logger *slog.Logger) (*App, error) {
	var redisOpts *cache.RedisOptions
	if cfg.Cache.Redis != nil {
		redisOpts = &cache.RedisOptions{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			PoolSize: cfg.Cache.Redis.PoolSize,
		}
	}
	store, err := cache.New(cfg.Cache.Backend, redisOpts)
	if err != nil {
		return nil, fmt.Errorf("init cache: %w", err)
	}

	users, err := NewInMemoryDirectory(cfg.LocalUsers, logger)
	if err != nil {
		return nil, fmt.Errorf("init user directory: %w", err)
	}

	tokens := NewTokenClient(cfg.Provider, nil, logger)
	resolver := NewKeyResolver(cfg.Provider.Issuer()+"/v1/keys", cfg.Provider.JWKSCacheTTL(), nil, logger)
	verifier := NewVerifier(cfg.Provider.Issuer(), cfg.Provider.ClientID, cfg.Auth.Leeway(), resolver, logger)

	return &App{
		Config:   cfg,
		Logger:   logger,
		Cache:    store,
		Sessions: NewSessionManager(cfg, store, tokens, logger),
		Builder:  NewAuthRequestBuilder(cfg.Provider, store),
		Tokens:   tokens,
		Verifier: verifier,
		Resolver: resolver,
		Roles:    NewRoleMapper(cfg.Auth.RoleMapping, cfg.Auth.DefaultRole),
		Users:    users,
	}, nil
}

// Close releases the cache backend.
func (a *App) Close() error {
	return a.Cache.Close()
}

// handleLoginPage renders the login page, or sends authenticated users
// straight to the dashboard.
func (a *App) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	if sess, err := a.Sessions.Authenticate(r.Context(), r); err == nil && sess != nil {
		http.Redirect(w, r, "/dashboard", http.StatusFound)
		return
	}

	kind, msg := takeFlash(w, r)
	data := loginPageData{
		SSOEnabled:    a.Config.Provider.Enabled,
		LocalFallback: a.Config.Auth.LocalFallback,
		FlashKind:     kind,
		FlashMessage:  msg,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := loginPageTmpl.Execute(w, data); err != nil {
		a.Logger.Error("render login page", "error", err)
	}
}

// handleStartLogin begins the provider flow: pending login persisted, browser
// redirected to the authorization endpoint.
func (a *App) handleStartLogin(w http.ResponseWriter, r *http.Request) {
	if !a.Config.Provider.Enabled {
		http.Error(w, "single sign-on is not enabled", http.StatusForbidden)
		return
	}

	req, err := a.Builder.Begin(r.Context())
	if err != nil {
		a.Logger.Error("begin login", "error", err)
		a.failLogin(w, r, "Authentication could not be started. Please try again.")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     loginCookieName,
		Value:    req.LoginID,
		Path:     "/auth",
		HttpOnly: true,
		Secure:   !a.Config.Server.DevMode,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(DefaultLoginTTL.Seconds()),
	})
	http.Redirect(w, r, req.URL, http.StatusFound)
}

// handleCallback completes the provider flow. Every failure aborts the
// pipeline immediately, with the pending login already destroyed so nothing
// can be replayed.
func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	clearCookie(w, loginCookieName, "/auth")

	user, tokens, err := a.completeLogin(r.Context(), r)
	if err != nil {
		a.Logger.Error("callback failed",
			"request_id", RequestIDFromContext(r.Context()),
			"error", err,
		)
		a.failLogin(w, r, callbackUserMessage(err))
		return
	}

	primary := a.Roles.Primary(user.Roles)
	sess, err := a.Sessions.Create(r.Context(), w, user, user.Roles, primary, tokens)
	if err != nil {
		a.Logger.Error("create session", "error", err)
		a.failLogin(w, r, "Authentication failed. Please try again.")
		return
	}

	setFlash(w, flashSuccess, "Welcome back, "+displayName(sess)+"!")
	http.Redirect(w, r, takeDestination(w, r), http.StatusFound)
}

// completeLogin runs the callback pipeline: state check, provider error
// check, code exchange, token verification, nonce check, optional userinfo
// enrichment, role mapping, and user resolution.
func (a *App) completeLogin(ctx context.Context, r *http.Request) (User, *TokenSet, error) {
	loginCookie, err := r.Cookie(loginCookieName)
	if err != nil {
		return User{}, nil, fmt.Errorf("%w: login cookie missing", ErrCsrfStateMismatch)
	}

	// Consume destroys the pending login regardless of what happens next.
	pending, err := a.Builder.Consume(ctx, loginCookie.Value)
	if err != nil {
		return User{}, nil, err
	}

	query := r.URL.Query()
	state := query.Get("state")
	if state == "" || state != pending.State {
		return User{}, nil, fmt.Errorf("%w: got %q", ErrCsrfStateMismatch, state)
	}

	if provErr := query.Get("error"); provErr != "" {
		return User{}, nil, fmt.Errorf("%w: %s (%s)", ErrProviderDenied, provErr, query.Get("error_description"))
	}

	code := query.Get("code")
	if code == "" {
		return User{}, nil, ErrMissingAuthCode
	}

	tokens, err := a.Tokens.Exchange(ctx, code)
	if err != nil {
		return User{}, nil, err
	}

	claims, err := a.Verifier.Verify(ctx, tokens.IDToken)
	if err != nil {
		return User{}, nil, err
	}
	if err := CheckNonce(claims, pending.Nonce); err != nil {
		return User{}, nil, err
	}

	ext := ExternalIdentity{
		Subject:  claims.Subject,
		Username: firstNonEmpty(claims.PreferredUsername, claims.Email, claims.Subject),
		Email:    claims.Email,
		FullName: claims.Name,
		Roles:    a.Roles.Map(claims.Groups),
	}

	if a.Config.Provider.FetchUserinfo {
		a.enrichFromUserinfo(ctx, tokens.AccessToken, &ext)
	}

	user, err := a.Users.ResolveExternal(ext)
	if err != nil {
		return User{}, nil, fmt.Errorf("%w: %v", ErrUserResolution, err)
	}

	return user, tokens, nil
}

// enrichFromUserinfo fills identity gaps from the userinfo endpoint. Failures
// are logged and otherwise ignored.
func (a *App) enrichFromUserinfo(ctx context.Context, accessToken string, ext *ExternalIdentity) {
	info, err := a.Tokens.Userinfo(ctx, accessToken)
	if err != nil {
		a.Logger.Warn("userinfo enrichment failed", "error", err)
		return
	}
	if ext.Email == "" {
		if email, ok := info["email"].(string); ok {
			ext.Email = email
		}
	}
	if ext.FullName == "" {
		if name, ok := info["name"].(string); ok {
			ext.FullName = name
		}
	}
}

// handleLocalLogin authenticates against the local user directory.
func (a *App) handleLocalLogin(w http.ResponseWriter, r *http.Request) {
	if !a.Config.Auth.LocalFallback {
		http.Error(w, "local authentication is not enabled", http.StatusForbidden)
		return
	}

	username := strings.TrimSpace(r.FormValue("username"))
	password := r.FormValue("password")
	if username == "" || password == "" {
		a.failLogin(w, r, "Username and password are required.")
		return
	}

	user, err := a.Users.VerifyLocal(username, password)
	if err != nil {
		a.Logger.Warn("local login rejected", "username", username)
		a.failLogin(w, r, "Invalid username or password.")
		return
	}

	roles := user.Roles
	if len(roles) == 0 {
		roles = []string{a.Config.Auth.DefaultRole}
	}
	if _, err := a.Sessions.Create(r.Context(), w, user, roles, a.Roles.Primary(roles), nil); err != nil {
		a.Logger.Error("create session", "error", err)
		a.failLogin(w, r, "Authentication failed. Please try again.")
		return
	}

	a.Logger.Info("local login", "username", username)
	http.Redirect(w, r, takeDestination(w, r), http.StatusFound)
}

// handleLogout destroys the session; external sessions are sent through the
// provider's logout endpoint.
func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	if logoutURL := a.Sessions.Logout(r.Context(), w, r, a.Config.Provider); logoutURL != "" {
		http.Redirect(w, r, logoutURL, http.StatusFound)
		return
	}
	setFlash(w, flashSuccess, "You have been logged out successfully.")
	http.Redirect(w, r, "/auth/login", http.StatusFound)
}

// handleDashboard shows the authenticated user's identity and roles.
func (a *App) handleDashboard(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())
	if sess == nil {
		http.Redirect(w, r, "/auth/login", http.StatusFound)
		return
	}

	_, msg := takeFlash(w, r)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTmpl.Execute(w, dashboardData{Session: sess, Flash: msg}); err != nil {
		a.Logger.Error("render dashboard", "error", err)
	}
}

// handleAdmin is the role-gated area; the router wraps it in RequireRoles.
func (a *App) handleAdmin(w http.ResponseWriter, r *http.Request) {
	sess := SessionFromContext(r.Context())
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := adminTmpl.Execute(w, sess); err != nil {
		a.Logger.Error("render admin page", "error", err)
	}
}

// handleDebugSession is a public diagnostic page; token values are redacted.
func (a *App) handleDebugSession(w http.ResponseWriter, r *http.Request) {
	sess, err := a.Sessions.Authenticate(r.Context(), r)

	view := map[string]any{"authenticated": err == nil && sess != nil}
	if err != nil {
		view["state"] = err.Error()
	}
	if sess != nil {
		view["username"] = sess.Username
		view["user_type"] = sess.UserType
		view["roles"] = sess.Roles
		view["primary_role"] = sess.PrimaryRole
		view["login_time"] = sess.LoginTime
		view["tokens"] = sess.Tokens != nil
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(view); err != nil {
		a.Logger.Error("encode debug session", "error", err)
	}
}

func (a *App) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// failLogin sends the user back to the login page with a generic notice.
func (a *App) failLogin(w http.ResponseWriter, r *http.Request, message string) {
	setFlash(w, flashError, message)
	http.Redirect(w, r, "/auth/login", http.StatusFound)
}

// callbackUserMessage maps pipeline failures to short, generic user-facing
// text. Token contents and provider payloads never reach the browser.
func callbackUserMessage(err error) string {
	switch {
	case errors.Is(err, ErrCsrfStateMismatch):
		return "Authentication failed. Invalid state parameter."
	case errors.Is(err, ErrProviderDenied):
		return "Authentication was denied by the identity provider."
	case errors.Is(err, ErrMissingAuthCode):
		return "Authentication failed. No authorization code received."
	case errors.Is(err, ErrTokenExchange):
		return "Authentication failed. Could not obtain tokens."
	case errors.Is(err, ErrUserResolution):
		return "Failed to create user account."
	default:
		return "Authentication failed. Invalid token."
	}
}

func displayName(sess *Session) string {
	if sess.FullName != "" {
		return sess.FullName
	}
	return sess.Username
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// rememberDestination stores the originally-requested path so login can
// return to it. Only same-site paths are remembered.
func rememberDestination(w http.ResponseWriter, r *http.Request) {
	dest := r.URL.RequestURI()
	if !strings.HasPrefix(dest, "/") || strings.HasPrefix(dest, "//") {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     destinationCookieName,
		Value:    base64.RawURLEncoding.EncodeToString([]byte(dest)),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(DefaultLoginTTL.Seconds()),
	})
}

// takeDestination pops the remembered destination, defaulting to the
// dashboard.
func takeDestination(w http.ResponseWriter, r *http.Request) string {
	clearCookie(w, destinationCookieName, "/")

	cookie, err := r.Cookie(destinationCookieName)
	if err != nil {
		return "/dashboard"
	}
	raw, err := base64.RawURLEncoding.DecodeString(cookie.Value)
	if err != nil {
		return "/dashboard"
	}
	dest := string(raw)
	if !strings.HasPrefix(dest, "/") || strings.HasPrefix(dest, "//") {
		return "/dashboard"
	}
	return dest
}

type flashPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// setFlash stores a one-shot notice in a cookie.
func setFlash(w http.ResponseWriter, kind, message string) {
	payload, err := json.Marshal(flashPayload{Kind: kind, Message: message})
	if err != nil {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     flashCookieName,
		Value:    base64.RawURLEncoding.EncodeToString(payload),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   60,
	})
}

// takeFlash pops the pending notice, if any.
func takeFlash(w http.ResponseWriter, r *http.Request) (kind, message string) {
	cookie, err := r.Cookie(flashCookieName)
	if err != nil {
		return "", ""
	}
	clearCookie(w, flashCookieName, "/")

	raw, err := base64.RawURLEncoding.DecodeString(cookie.Value)
	if err != nil {
		return "", ""
	}
	var payload flashPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", ""
	}
	return payload.Kind, payload.Message
}

func clearCookie(w http.ResponseWriter, name, path string) {
	http.SetCookie(w, &http.Cookie{Name: name, Value: "", Path: path, MaxAge: -1})
}

type loginPageData struct {
	SSOEnabled    bool
	LocalFallback bool
	FlashKind     string
	FlashMessage  string
}

type dashboardData struct {
	Session *Session
	Flash   string
}

var loginPageTmpl = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head><title>Sign in</title></head>
<body>
<h1>Sign in</h1>
{{if .FlashMessage}}<p class="{{.FlashKind}}">{{.FlashMessage}}</p>{{end}}
{{if .SSOEnabled}}
<p><a href="/auth/sso/start">Sign in with single sign-on</a></p>
{{end}}
{{if .LocalFallback}}
<form method="post" action="/auth/local">
<label>Username <input type="text" name="username" autocomplete="username"></label>
<label>Password <input type="password" name="password" autocomplete="current-password"></label>
<button type="submit">Sign in</button>
</form>
{{end}}
</body>
</html>
`))

var dashboardTmpl = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html>
<head><title>Dashboard</title></head>
<body>
{{if .Flash}}<p>{{.Flash}}</p>{{end}}
<h1>Dashboard</h1>
<ul>
<li>Username: {{.Session.Username}}</li>
<li>Email: {{.Session.Email}}</li>
<li>Name: {{.Session.FullName}}</li>
<li>Account type: {{.Session.UserType}}</li>
<li>Primary role: {{.Session.PrimaryRole}}</li>
<li>Roles: {{range .Session.Roles}}{{.}} {{end}}</li>
</ul>
<p><a href="/auth/logout">Log out</a></p>
</body>
</html>
`))

var adminTmpl = template.Must(template.New("admin").Parse(`<!DOCTYPE html>
<html>
<head><title>Administration</title></head>
<body>
<h1>Administration</h1>
<p>Hello {{.Username}}, you have administrative access.</p>
<p><a href="/dashboard">Back to dashboard</a></p>
</body>
</html>
`))

const accessDeniedHTML = `<!DOCTYPE html>
<html>
<head><title>Access denied</title></head>
<body>
<h1>Access denied</h1>
<p>You do not have permission to view this page.</p>
<p><a href="/dashboard">Back to dashboard</a></p>
</body>
</html>
`

func renderAccessDenied(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)
	_, _ = w.Write([]byte(accessDeniedHTML))
}
