package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/JonMunkholm/scah/internal/auth"
	"github.com/JonMunkholm/scah/internal/core"
)

// SessionCookie carries the session token for browser clients.
const SessionCookie = "scah_session"

// Authenticator resolves a session token to the acting user.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (core.Actor, error)
}

// Session returns middleware that requires a valid session token, taken
// from the "Authorization: Bearer" header or the session cookie, and puts
// the acting user into the request context.
func Session(a Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				slog.Warn("auth: missing session token",
					"path", r.URL.Path,
					"method", r.Method,
					"remote_addr", r.RemoteAddr,
				)
				unauthorized(w, "missing session token", "AUTH001")
				return
			}

			actor, err := a.Authenticate(r.Context(), token)
			if err != nil {
				slog.Warn("auth: invalid session token",
					"path", r.URL.Path,
					"method", r.Method,
					"remote_addr", r.RemoteAddr,
					"error", err,
				)
				unauthorized(w, "invalid or expired session", "AUTH001")
				return
			}

			ctx := core.ContextWithActor(r.Context(), actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole rejects acting users below min with 403.
func RequireRole(min auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := auth.Require(r.Context(), min); err != nil {
				actor, _ := core.ActorFromContext(r.Context())
				slog.Warn("auth: role too low",
					"path", r.URL.Path,
					"username", actor.Username,
					"role", actor.Role,
					"required", min,
				)
				jsonError(w, http.StatusForbidden, "permission denied", "AUTH002")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

func unauthorized(w http.ResponseWriter, msg, code string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="scah"`)
	jsonError(w, http.StatusUnauthorized, msg, code)
}

// jsonError writes the same error shape the handlers use. http.Error
// would force a text/plain content type.
func jsonError(w http.ResponseWriter, status int, msg, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": code})
}
