package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

type requestIDKey struct{}
type sessionKey struct{}

// RequestIDMiddleware attaches a request ID for traceability.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = randomID()
		}
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, reqID))
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

// LoggingMiddleware emits structured request logs using slog.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			attrs := []any{
				"request_id", RequestIDFromContext(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if sess := SessionFromContext(r.Context()); sess != nil {
				attrs = append(attrs, "username", sess.Username)
			}
			logger.Info("http_request", attrs...)
		})
	}
}

// RecoveryMiddleware guards against panics in handlers.
func RecoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic", "error", err, "path", r.URL.Path)
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// publicPaths are the unauthenticated entry points, matched by exact path or
// prefix.
var publicPaths = []string{
	"/auth/login",
	"/auth/sso/start",
	"/auth/callback",
	"/auth/local",
	"/auth/logout",
	"/healthz",
	"/debug/session",
}

// Gatekeeper runs before every protected operation: it lets the allow-list
// through unconditionally and requires a live session for everything else,
// remembering the originally-requested destination across the login redirect.
type Gatekeeper struct {
	sessions *SessionManager
	logger   *slog.Logger
}

// NewGatekeeper constructs the gatekeeper middleware.
func NewGatekeeper(sessions *SessionManager, logger *slog.Logger) *Gatekeeper {
	return &Gatekeeper{sessions: sessions, logger: logger}
}

// Middleware enforces authentication per the session state machine.
func (g *Gatekeeper) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		sess, err := g.sessions.Authenticate(r.Context(), r)
		if err != nil {
			// Expired and refresh-failed are operationally identical for the
			// user: the session is gone, log in again.
			g.logger.Info("session rejected", "path", r.URL.Path, "reason", err)
			g.sessions.ClearCookie(w)
			rememberDestination(w, r)
			setFlash(w, flashError, "Your session has expired. Please login again.")
			http.Redirect(w, r, "/auth/login", http.StatusFound)
			return
		}
		if sess == nil {
			rememberDestination(w, r)
			http.Redirect(w, r, "/auth/login", http.StatusFound)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, sess)))
	})
}

// RequireRoles gates a route on the session holding any of the given roles.
// Failing the check is Forbidden, never a login redirect: the user is already
// known.
func RequireRoles(logger *slog.Logger, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess := SessionFromContext(r.Context())
			if sess == nil {
				http.Redirect(w, r, "/auth/login", http.StatusFound)
				return
			}
			if !sess.HasAnyRole(roles...) {
				logger.Info("access forbidden",
					"username", sess.Username,
					"path", r.URL.Path,
					"required_roles", roles,
					"user_roles", sess.Roles,
				)
				renderAccessDenied(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isPublicPath(path string) bool {
	path = strings.ToLower(path)
	for _, public := range publicPaths {
		if path == public || strings.HasPrefix(path, public+"/") {
			return true
		}
	}
	return false
}

// SessionFromContext returns the session the gatekeeper attached, if any.
func SessionFromContext(ctx context.Context) *Session {
	if sess, ok := ctx.Value(sessionKey{}).(*Session); ok {
		return sess
	}
	return nil
}

// RequestIDFromContext extracts the request ID.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(buf)
}
