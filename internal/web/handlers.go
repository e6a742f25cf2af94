package web

import (
	"fmt"
	"net/http"
	"time"

	"github.com/JonMunkholm/scah/internal/auth"
	"github.com/JonMunkholm/scah/internal/core"
	"github.com/JonMunkholm/scah/internal/logging"
	"github.com/JonMunkholm/scah/internal/storage"
	mw "github.com/JonMunkholm/scah/internal/web/middleware"
)

// timeNow is the clock for request defaults such as today's date.
var timeNow = time.Now

// handleHealth reports liveness and import capacity.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"gate":   s.svc.Applier.Gate().Status(),
		"staged": s.svc.Staging.Len(),
	})
}

// handleLogin exchanges credentials for a session token. The token is
// returned in the body and set as an HttpOnly cookie for browsers.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}

	sess, err := s.svc.Auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     mw.SessionCookie,
		Value:    sess.Token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, http.StatusOK, sess)
}

// handleLogout clears the session cookie. Tokens are stateless and stay
// valid until they expire.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     mw.SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

// handleMe returns the acting user.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	actor, ok := core.ActorFromContext(r.Context())
	if !ok {
		s.fail(w, r, core.ErrUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, actor)
}

// handleChangePassword changes the acting user's own password.
func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	actor, ok := core.ActorFromContext(r.Context())
	if !ok {
		s.fail(w, r, core.ErrUnauthorized)
		return
	}
	s.setPassword(w, r, actor.UserID)
}

// handleSetUserPassword resets another user's password.
func (s *Server) handleSetUserPassword(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.setPassword(w, r, id)
}

func (s *Server) setPassword(w http.ResponseWriter, r *http.Request, id int64) {
	var req struct {
		Password string `json:"password"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.svc.Auth.SetPassword(r.Context(), id, req.Password); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListUsers lists accounts.
func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.svc.Auth.ListUsers(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if users == nil {
		users = []storage.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

// handleCreateUser creates an account.
func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string    `json:"username"`
		Password string    `json:"password"`
		FullName string    `json:"fullName"`
		Role     auth.Role `json:"role"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	u, err := s.svc.Auth.CreateUser(r.Context(), auth.NewUser{
		Username: req.Username,
		Password: req.Password,
		FullName: req.FullName,
		Role:     req.Role,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// handleSetUserActive enables or disables an account.
func (s *Server) handleSetUserActive(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req struct {
		Active *bool `json:"active"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Active == nil {
		s.fail(w, r, fmt.Errorf("%w: active is required", errBadRequest))
		return
	}
	if err := s.svc.Auth.SetActive(r.Context(), id, *req.Active); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleBackup takes a database snapshot now.
func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res, err := s.svc.Backups.RunBackup(ctx)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	logging.FromContext(ctx).Info("manual backup", "path", res.Path, "pruned", len(res.Pruned))
	writeJSON(w, http.StatusCreated, map[string]any{
		"path":     res.Path,
		"pruned":   res.Pruned,
		"auditId":  res.AuditID,
		"duration": res.Duration.String(),
	})
}
