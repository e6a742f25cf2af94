// Package web provides the HTTP API and HTMX fragments for guest imports,
// guest records and the audit trail.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/scah/internal/audit"
	"github.com/JonMunkholm/scah/internal/auth"
	"github.com/JonMunkholm/scah/internal/batch"
	"github.com/JonMunkholm/scah/internal/config"
	"github.com/JonMunkholm/scah/internal/guests"
	"github.com/JonMunkholm/scah/internal/maintenance"
	"github.com/JonMunkholm/scah/internal/mapping"
	mw "github.com/JonMunkholm/scah/internal/web/middleware"
)

// Services are the application services the handlers call.
type Services struct {
	Auth      *auth.Service
	Guests    *guests.Service
	Applier   *batch.Applier
	Tracker   *batch.Tracker
	Staging   *batch.Staging
	Templates *mapping.Templates
	Audit     *audit.Service

	// Backups is optional; without it the backup endpoint is not mounted.
	Backups *maintenance.Scheduler
}

// Server is the HTTP server.
type Server struct {
	svc    Services
	cfg    *config.Config
	router *chi.Mux
	server *http.Server

	limiters []*rateLimiter
}

// NewServer creates a Server with its middleware and routes.
func NewServer(svc Services, cfg *config.Config) *Server {
	s := &Server{
		svc:    svc,
		cfg:    cfg,
		router: chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(mw.TrustedRealIP(s.cfg.Security.TrustedProxies))
	s.router.Use(mw.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(requestMetadata)

	// Security hardening
	s.router.Use(s.securityHeaders)

	if s.cfg.Rate.Enabled {
		s.router.Use(s.newRateLimiter(s.cfg.Rate.RequestsPerMinute, time.Minute).middleware)
	}
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		// Requests other than progress streams get a deadline.
		d := s.cfg.Server.RequestTimeout
		if d <= 0 {
			d = 60 * time.Second
		}
		timeout := middleware.Timeout(d)

		r.With(timeout).Post("/login", s.handleLogin)
		r.Post("/logout", s.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(mw.Session(s.svc.Auth))

			// Server-sent events run for as long as the commit.
			r.Get("/imports/{batchID}/events", s.handleImportEvents)

			r.Group(func(r chi.Router) {
				r.Use(timeout)

				r.Get("/me", s.handleMe)
				r.Post("/me/password", s.handleChangePassword)
				r.Get("/stats", s.handleStats)

				// Imports
				upload := r.With()
				if s.cfg.Rate.Enabled {
					upload = r.With(s.newRateLimiter(s.cfg.Rate.ImportLimit, time.Minute).middleware)
				}
				upload.Post("/imports", s.handleUpload)
				r.Get("/imports/template", s.handleDownloadTemplate)
				r.Get("/imports/gate", s.handleGateStatus)
				r.Post("/imports/{batchID}/preview", s.handlePreview)
				r.Post("/imports/{batchID}/commit", s.handleCommit)
				r.Get("/imports/{batchID}/progress", s.handleImportProgress)
				r.Get("/imports/{batchID}/result", s.handleImportResult)
				r.Get("/imports/{batchID}/failed", s.handleExportFailedRows)
				r.Post("/imports/{batchID}/cancel", s.handleCancelImport)

				// Saved column mappings
				r.Get("/mapping-templates", s.handleListTemplates)
				r.Post("/mapping-templates", s.handleCreateTemplate)
				r.Get("/mapping-templates/match", s.handleMatchTemplates)
				r.Get("/mapping-templates/{id}", s.handleGetTemplate)
				r.Delete("/mapping-templates/{id}", s.handleDeleteTemplate)

				// Guests and stays
				r.Post("/guests", s.handleRegister)
				r.Get("/persons", s.handleSearchPersons)
				r.Get("/persons/{id}", s.handleGetPerson)
				r.Patch("/persons/{id}", s.handleUpdatePerson)
				r.Get("/persons/{id}/stays", s.handlePersonStays)
				r.Get("/persons/{id}/history", s.handlePersonHistory)
				r.Get("/stays", s.handleSearchStays)
				r.Get("/stays/{id}", s.handleGetStay)
				r.Post("/stays/{id}/checkout", s.handleCheckOut)
				r.Get("/stays/{id}/history", s.handleStayHistory)

				// Reference data
				r.Get("/establishments", s.handleListEstablishments)
				r.Get("/establishments/{id}/rooms", s.handleListRooms)

				r.Group(func(r chi.Router) {
					r.Use(mw.RequireRole(auth.RoleSupervisor))
					r.Get("/audit", s.handleAuditLog)
					r.Get("/audit/export", s.handleAuditLogExport)
					r.Get("/audit/{id}", s.handleAuditLogEntry)
					r.Get("/stays/export", s.handleExportStays)
					r.Get("/users", s.handleListUsers)
				})

				r.Group(func(r chi.Router) {
					r.Use(mw.RequireRole(auth.RoleAdmin))
					r.Delete("/persons/{id}", s.handleDeletePerson)
					r.Post("/persons/{id}/restore", s.handleRestorePerson)
					r.Delete("/stays/{id}", s.handleDeleteStay)
					r.Post("/stays/{id}/restore", s.handleRestoreStay)
					r.Post("/establishments", s.handleCreateEstablishment)
					r.Delete("/establishments/{id}", s.handleDeleteEstablishment)
					r.Post("/establishments/{id}/rooms", s.handleCreateRoom)
					r.Delete("/rooms/{id}", s.handleDeleteRoom)
					r.Post("/users", s.handleCreateUser)
					r.Post("/users/{id}/active", s.handleSetUserActive)
					r.Post("/users/{id}/password", s.handleSetUserPassword)
					if s.svc.Backups != nil {
						r.Post("/backup", s.handleBackup)
					}
				})
			})
		})
	})
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	sc := s.cfg.Server
	s.server = &http.Server{
		Addr:         sc.Addr(),
		Handler:      s.router,
		ReadTimeout:  sc.ReadTimeout,
		WriteTimeout: sc.WriteTimeout, // 0 keeps progress streams open
		IdleTimeout:  sc.IdleTimeout,
	}

	slog.Info("starting server", "addr", sc.Addr())
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server and its background helpers.
func (s *Server) Shutdown(ctx context.Context) error {
	for _, l := range s.limiters {
		l.stop()
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// securityHeaders adds security headers to all responses.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if s.cfg.Security.EnableCSP {
			// Inline styles are needed by the HTMX fragments.
			w.Header().Set("Content-Security-Policy", "default-src 'self'; script-src 'self'; style-src 'self' 'unsafe-inline'; img-src 'self' data:")
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimiter implements a fixed-window limiter per client IP.
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     int           // requests per window
	window   time.Duration // time window
	now      func() time.Time
	done     chan struct{}
	once     sync.Once
}

type visitor struct {
	tokens    int
	lastReset time.Time
}

// newRateLimiter creates a limiter that is stopped on Shutdown.
func (s *Server) newRateLimiter(rate int, window time.Duration) *rateLimiter {
	rl := &rateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		window:   window,
		now:      time.Now,
		done:     make(chan struct{}),
	}
	s.limiters = append(s.limiters, rl)
	go rl.cleanup()
	return rl
}

// cleanup removes stale visitor entries every window.
func (rl *rateLimiter) cleanup() {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.mu.Lock()
			for ip, v := range rl.visitors {
				if rl.now().Sub(v.lastReset) > rl.window*2 {
					delete(rl.visitors, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}

func (rl *rateLimiter) stop() {
	rl.once.Do(func() { close(rl.done) })
}

// allow checks if the request should be allowed and consumes a token if so.
func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	v, exists := rl.visitors[ip]
	if !exists || now.Sub(v.lastReset) > rl.window {
		rl.visitors[ip] = &visitor{tokens: rl.rate - 1, lastReset: now}
		return true
	}
	if v.tokens <= 0 {
		return false
	}
	v.tokens--
	return true
}

// middleware returns an HTTP middleware that rate limits by IP.
// RemoteAddr has already been rewritten by TrustedRealIP.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
		if !rl.allow(ip) {
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeError writes a JSON error for failures that have no error value,
// such as middleware refusals.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeJSON encodes v as JSON and writes it to w.
// Logs encoding errors since headers are already sent.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode error", "error", err)
	}
}
