package web

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/scah/internal/logging"
	"github.com/JonMunkholm/scah/internal/mapping"
	"github.com/JonMunkholm/scah/internal/validate"
)

// handleListTemplates returns all saved column mappings.
func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	tpls, err := s.svc.Templates.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tpls)
}

// handleMatchTemplates finds templates matching a comma-separated header
// list.
func (s *Server) handleMatchTemplates(w http.ResponseWriter, r *http.Request) {
	headersStr := r.URL.Query().Get("headers")
	if headersStr == "" {
		s.fail(w, r, fmt.Errorf("%w: missing headers parameter", errBadRequest))
		return
	}

	headers := strings.Split(headersStr, ",")
	for i := range headers {
		headers[i] = strings.TrimSpace(headers[i])
	}

	matches, err := s.svc.Templates.Match(r.Context(), headers)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if matches == nil {
		matches = []mapping.TemplateMatch{}
	}
	writeJSON(w, http.StatusOK, matches)
}

// handleGetTemplate returns a single template by ID.
func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := s.svc.Templates.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

// handleCreateTemplate saves a confirmed mapping. The header row comes
// from a staged batch when batchId is set, otherwise from headers.
// Columns the request does not map keep their proposed field.
func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string                    `json:"name"`
		BatchID string                    `json:"batchId,omitempty"`
		Headers []string                  `json:"headers,omitempty"`
		Mapping map[string]validate.Field `json:"mapping"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}

	headers := req.Headers
	if req.BatchID != "" {
		b, err := s.svc.Staging.Get(req.BatchID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		headers = b.Header
	}
	if len(headers) == 0 {
		s.fail(w, r, fmt.Errorf("%w: headers or batchId is required", errBadRequest))
		return
	}

	m, err := mapping.Propose(headers).Override(req.Mapping)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	ctx := r.Context()
	tpl, err := s.svc.Templates.Create(ctx, req.Name, headers, m)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	logging.FromContext(ctx).Info("mapping template saved", "template_id", tpl.ID, "name", tpl.Name)
	writeJSON(w, http.StatusCreated, tpl)
}

// handleDeleteTemplate removes a template.
func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Templates.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
