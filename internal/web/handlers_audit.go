package web

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/JonMunkholm/scah/internal/logging"
	"github.com/JonMunkholm/scah/internal/storage"
)

// auditFilter reads the audit query parameters shared by the log and
// its export.
func auditFilter(r *http.Request) (storage.AuditFilter, error) {
	q := r.URL.Query()
	f := storage.AuditFilter{
		ActingUser: strings.TrimSpace(q.Get("user")),
		Action:     strings.ToUpper(strings.TrimSpace(q.Get("action"))),
		Table:      strings.TrimSpace(q.Get("table")),
		RecordID:   parseOptionalID(r, "record_id"),
		PersonID:   parseOptionalID(r, "person_id"),
		BatchID:    strings.TrimSpace(q.Get("batch_id")),
		Page:       parsePage(r),
	}
	var err error
	if f.From, err = parseDay(r, "from", false); err != nil {
		return f, err
	}
	if f.To, err = parseDay(r, "to", true); err != nil {
		return f, err
	}
	return f, nil
}

// handleAuditLog returns a page of audit records, newest first.
func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	f, err := auditFilter(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.svc.Audit.Query(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleAuditLogEntry returns a single audit record with its before and
// after snapshots.
func (s *Server) handleAuditLogEntry(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rec, err := s.svc.Audit.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleAuditLogExport exports matching audit records as CSV or, with
// format=xlsx, as a spreadsheet. The file is built before any header is
// sent so a failed query still gets an error response.
func (s *Server) handleAuditLogExport(w http.ResponseWriter, r *http.Request) {
	f, err := auditFilter(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ctx := r.Context()

	var (
		buf         bytes.Buffer
		n           int
		ext         = "csv"
		contentType = "text/csv"
	)
	if strings.EqualFold(r.URL.Query().Get("format"), "xlsx") {
		ext, contentType = "xlsx", xlsxContentType
		n, err = s.svc.Audit.ExportXLSX(ctx, f, &buf)
	} else {
		n, err = s.svc.Audit.ExportCSV(ctx, f, &buf)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}

	logging.FromContext(ctx).Info("audit exported", "rows", n, "format", ext)
	attachment(w, "audit_log", ext, contentType)
	buf.WriteTo(w)
}
