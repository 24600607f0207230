package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with the auth flow and protected pages.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(NewGatekeeper(a.Sessions, a.Logger).Middleware)

	r.Get("/auth/login", a.handleLoginPage)
	r.Get("/auth/sso/start", a.handleStartLogin)
	r.Get("/auth/callback", a.handleCallback)
	r.Post("/auth/local", a.handleLocalLogin)
	r.Get("/auth/logout", a.handleLogout)

	r.Get("/healthz", a.handleHealthz)
	r.Get("/debug/session", a.handleDebugSession)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/dashboard", http.StatusFound)
	})
	r.Get("/dashboard", a.handleDashboard)
	r.With(RequireRoles(a.Logger, "admin")).Get("/admin", a.handleAdmin)

	return r
}
