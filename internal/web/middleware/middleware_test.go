package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/scah/internal/auth"
	"github.com/JonMunkholm/scah/internal/core"
)

func TestTrustedRealIP(t *testing.T) {
	tests := []struct {
		name    string
		trusted []string
		remote  string
		headers map[string]string
		want    string
	}{
		{"untrusted peer keeps its address", []string{"10.0.0.0/8"}, "203.0.113.7:5000",
			map[string]string{"X-Real-IP": "1.2.3.4"}, "203.0.113.7:5000"},
		{"trusted proxy with X-Real-IP", []string{"10.0.0.0/8"}, "10.1.2.3:5000",
			map[string]string{"X-Real-IP": "198.51.100.9"}, "198.51.100.9"},
		{"first X-Forwarded-For hop", []string{"10.0.0.0/8"}, "10.1.2.3:5000",
			map[string]string{"X-Forwarded-For": "198.51.100.9, 10.1.2.3"}, "198.51.100.9"},
		{"bare address entry", []string{"127.0.0.1"}, "127.0.0.1:80",
			map[string]string{"X-Real-IP": "2001:db8::1"}, "2001:db8::1"},
		{"garbage header ignored", []string{"10.0.0.0/8"}, "10.1.2.3:5000",
			map[string]string{"X-Real-IP": "not-an-ip"}, "10.1.2.3:5000"},
		{"invalid trusted entry skipped", []string{"bogus"}, "10.1.2.3:5000",
			map[string]string{"X-Real-IP": "198.51.100.9"}, "10.1.2.3:5000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			h := TrustedRealIP(tt.trusted)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = r.RemoteAddr
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)
			assert.Equal(t, tt.want, got)
		})
	}
}

type fakeAuth map[string]core.Actor

func (f fakeAuth) Authenticate(_ context.Context, token string) (core.Actor, error) {
	a, ok := f[token]
	if !ok {
		return core.Actor{}, errors.New("bad token")
	}
	return a, nil
}

func TestSession(t *testing.T) {
	a := fakeAuth{"good": {UserID: 3, Username: "maria", Role: string(auth.RoleOperator)}}
	var seen core.Actor
	h := Session(a)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = core.ActorFromContext(r.Context())
	}))

	tests := []struct {
		name   string
		setup  func(r *http.Request)
		status int
	}{
		{"no token", func(r *http.Request) {}, http.StatusUnauthorized},
		{"bad token", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, http.StatusUnauthorized},
		{"wrong scheme", func(r *http.Request) { r.Header.Set("Authorization", "Basic good") }, http.StatusUnauthorized},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "bearer good") }, http.StatusOK},
		{"cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: SessionCookie, Value: "good"}) }, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = core.Actor{}
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			tt.setup(req)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "maria", seen.Username)
			} else {
				assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
				assert.Contains(t, rec.Body.String(), `"code":"AUTH001"`)
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	h := RequireRole(auth.RoleSupervisor)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	serve := func(role auth.Role) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(core.ContextWithActor(req.Context(), core.Actor{Username: "x", Role: string(role)}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusForbidden, serve(auth.RoleOperator))
	assert.Equal(t, http.StatusTeapot, serve(auth.RoleSupervisor))
	assert.Equal(t, http.StatusTeapot, serve(auth.RoleAdmin))
}
