package web

import (
	"net/http"

	"github.com/JonMunkholm/scah/internal/core"
)

// requestMetadata adds the client IP and User-Agent to the request context
// for audit records. It runs after TrustedRealIP has fixed RemoteAddr.
func requestMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := core.ContextWithIPAddress(r.Context(), r.RemoteAddr)
		ctx = core.ContextWithUserAgent(ctx, r.Header.Get("User-Agent"))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
