package web

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/scah/internal/batch"
	"github.com/JonMunkholm/scah/internal/logging"
	"github.com/JonMunkholm/scah/internal/mapping"
	"github.com/JonMunkholm/scah/internal/storage"
	"github.com/JonMunkholm/scah/internal/tabular"
	"github.com/JonMunkholm/scah/internal/validate"
	"github.com/JonMunkholm/scah/internal/web/templates"
)

// multipartMemory is how much of an upload is kept in memory before
// spilling to a temp file.
const multipartMemory = 8 << 20

// uploadResponse is returned for a new upload: the staged batch, the
// proposed mapping, any saved templates that fit, and a first preview.
type uploadResponse struct {
	BatchID     string                  `json:"batchId"`
	Source      string                  `json:"source"`
	Header      []string                `json:"header"`
	Rows        int                     `json:"rows"`
	Mapping     mapping.Mapping         `json:"mapping"`
	Unresolved  []mapping.Column        `json:"unresolved,omitempty"`
	Unconfirmed []mapping.Column        `json:"unconfirmed,omitempty"`
	Templates   []mapping.TemplateMatch `json:"templates,omitempty"`
	Report      *batch.Report           `json:"report"`
}

// importRequest is the body of preview and commit. Mapping keys are
// header labels; TemplateID applies a saved mapping first. Confirm lists
// the labels whose low-confidence proposals the operator accepts. Force
// maps a row index to the person chosen for its identity conflict.
type importRequest struct {
	TemplateID string                    `json:"templateId,omitempty"`
	Mapping    map[string]validate.Field `json:"mapping,omitempty"`
	Confirm    []string                  `json:"confirm,omitempty"`
	Policy     string                    `json:"policy,omitempty"`
	Force      map[int]int64             `json:"force,omitempty"`
}

// handleUpload reads an uploaded XLSX or CSV file, stages it and returns
// a preview with the proposed mapping.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	maxSize := s.cfg.Import.MaxFileSize
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var mb *http.MaxBytesError
		if errors.As(err, &mb) {
			s.fail(w, r, fmt.Errorf("%w: limit is %d bytes", tabular.ErrFileTooLarge, maxSize))
			return
		}
		s.fail(w, r, fmt.Errorf("%w: %v", errNoFile, err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.fail(w, r, errNoFile)
		return
	}
	defer file.Close()

	f, err := tabular.Read(header.Filename, file, tabular.Options{
		MaxBytes: maxSize,
		MaxRows:  s.cfg.Import.MaxRows,
		Sheets:   r.MultipartForm.Value["sheet"],
		Charset:  r.FormValue("charset"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	b := batch.New(header.Filename, f)
	s.svc.Staging.Put(b)

	ctx := r.Context()
	m := mapping.Propose(b.Header)
	matches, err := s.svc.Templates.Match(ctx, b.Header)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	rep, err := s.svc.Applier.Preview(ctx, b, m, s.importOptions(batch.Strict, nil))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	logging.WithFields(ctx, "batch_id", b.ID, "source", b.Source).Info("upload staged",
		"rows", len(b.Rows),
		"sheets", len(f.Sheets),
		"unresolved", len(m.Unresolved()),
	)

	if isHTMX(r) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		templates.ImportReport(rep).Render(ctx, w)
		return
	}
	writeJSON(w, http.StatusCreated, uploadResponse{
		BatchID:     b.ID,
		Source:      b.Source,
		Header:      b.Header,
		Rows:        len(b.Rows),
		Mapping:     m,
		Unresolved:  m.Unresolved(),
		Unconfirmed: m.Unconfirmed(),
		Templates:   matches,
		Report:      rep,
	})
}

// importOptions builds batch options from configuration.
func (s *Server) importOptions(policy batch.Policy, force map[int]int64) batch.Options {
	return batch.Options{
		Policy:   policy,
		Defaults: batch.DefaultsFrom(s.cfg.Import),
		Today:    storage.NewDate(timeNow()),
		Force:    force,
	}
}

// stagedRequest loads the staged batch named in the URL with load and
// resolves the mapping and options in the request body.
func (s *Server) stagedRequest(w http.ResponseWriter, r *http.Request, load func(id string) (batch.Batch, error)) (batch.Batch, mapping.Mapping, batch.Options, error) {
	var req importRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return batch.Batch{}, mapping.Mapping{}, batch.Options{}, err
	}
	policy, err := batch.ParsePolicy(req.Policy)
	if err != nil {
		return batch.Batch{}, mapping.Mapping{}, batch.Options{}, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	b, err := load(chi.URLParam(r, "batchID"))
	if err != nil {
		return batch.Batch{}, mapping.Mapping{}, batch.Options{}, err
	}
	m, err := s.resolveMapping(r, b, req)
	if err != nil {
		return b, mapping.Mapping{}, batch.Options{}, err
	}
	return b, m, s.importOptions(policy, req.Force), nil
}

// resolveMapping applies the template, overrides and confirmations of req
// to the proposal for b's header, in that order.
func (s *Server) resolveMapping(r *http.Request, b batch.Batch, req importRequest) (mapping.Mapping, error) {
	m := mapping.Propose(b.Header)
	var err error
	if req.TemplateID != "" {
		tpl, err := s.svc.Templates.Get(r.Context(), req.TemplateID)
		if err != nil {
			return mapping.Mapping{}, err
		}
		if m, err = mapping.FromTemplate(b.Header, tpl); err != nil {
			return mapping.Mapping{}, err
		}
	}
	if len(req.Mapping) > 0 {
		if m, err = m.Override(req.Mapping); err != nil {
			return mapping.Mapping{}, err
		}
	}
	if len(req.Confirm) > 0 {
		if m, err = m.Confirm(req.Confirm); err != nil {
			return mapping.Mapping{}, err
		}
	}
	return m, nil
}

// handlePreview re-runs the preview of a staged batch with the operator's
// mapping and conflict choices.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	b, m, opts, err := s.stagedRequest(w, r, s.svc.Staging.Get)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rep, err := s.svc.Applier.Preview(r.Context(), b, m, opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if isHTMX(r) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		templates.ImportReport(rep).Render(r.Context(), w)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Mapping mapping.Mapping `json:"mapping"`
		Report  *batch.Report   `json:"report"`
	}{m, rep})
}

// handleCommit starts a background commit of a staged batch. The batch
// is taken out of staging first, so concurrent commits of one batch find
// it gone; it is put back when the commit does not start.
func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	b, m, opts, err := s.stagedRequest(w, r, s.svc.Staging.Take)
	if err != nil {
		if b.ID != "" {
			s.svc.Staging.Put(b)
		}
		s.fail(w, r, err)
		return
	}
	id, err := s.svc.Tracker.Start(r.Context(), b, m, opts)
	if err != nil {
		if !errors.Is(err, batch.ErrCommitStarted) {
			s.svc.Staging.Put(b)
		}
		s.fail(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/imports/"+id+"/result")
	writeJSON(w, http.StatusAccepted, map[string]string{
		"batchId": id,
		"policy":  string(opts.Policy),
	})
}

// handleImportProgress returns the latest progress as JSON or, for HTMX,
// as a progress bar fragment.
func (s *Server) handleImportProgress(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.Tracker.Progress(chi.URLParam(r, "batchID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if isHTMX(r) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if p.Done() {
			// Stop the HTMX poll once the commit is over.
			w.Header().Set("HX-Trigger", "import-done")
		}
		templates.ImportProgress(p).Render(r.Context(), w)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleImportEvents streams commit progress via Server-Sent Events.
// Supports resumption via the Last-Event-ID header or lastEventId query
// parameter; the event id is the processed row count.
func (s *Server) handleImportEvents(w http.ResponseWriter, r *http.Request) {
	lastEventID := -1
	last := r.Header.Get("Last-Event-ID")
	if last == "" {
		last = r.URL.Query().Get("lastEventId")
	}
	if last != "" {
		if n, err := strconv.Atoi(last); err == nil {
			lastEventID = n
		}
	}

	progressCh, err := s.svc.Tracker.Subscribe(chi.URLParam(r, "batchID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	for {
		select {
		case p, ok := <-progressCh:
			if !ok {
				fmt.Fprint(w, "event: complete\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			// Skip rows the client already saw, but never a phase change
			// at the end.
			if p.Current <= lastEventID && !p.Done() {
				continue
			}
			data, _ := json.Marshal(p)
			fmt.Fprintf(w, "id: %d\nevent: progress\ndata: %s\n\n", p.Current, data)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// handleImportResult returns the report of a finished commit. An aborted
// strict commit still has a report; it is returned with 422.
func (s *Server) handleImportResult(w http.ResponseWriter, r *http.Request) {
	rep, err := s.finishedReport(chi.URLParam(r, "batchID"))
	if rep == nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		status = statusFor(err)
	}
	if isHTMX(r) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(status)
		templates.ImportReport(rep).Render(r.Context(), w)
		return
	}
	writeJSON(w, status, rep)
}

// finishedReport returns a commit's report and error. The report is nil
// only when err is set.
func (s *Server) finishedReport(id string) (*batch.Report, error) {
	rep, err := s.svc.Tracker.Result(id)
	if rep == nil && err == nil {
		err = errors.New("commit finished without a report")
	}
	return rep, err
}

// handleExportFailedRows exports the rows a commit did not write as CSV.
func (s *Server) handleExportFailedRows(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	rep, err := s.finishedReport(batchID)
	if rep == nil {
		s.fail(w, r, err)
		return
	}

	attachment(w, "failed_rows_"+batchID, "csv", "text/csv")
	cw := csv.NewWriter(w)
	cw.Write([]string{"row", "sheet", "line", "status", "detail"})
	for _, row := range rep.Rows {
		if row.Committed {
			continue
		}
		detail := make([]string, 0, len(row.Errors)+1)
		if row.Conflict != nil {
			detail = append(detail, row.Conflict.Error())
		}
		for _, e := range row.Errors {
			detail = append(detail, e.Error())
		}
		cw.Write([]string{
			strconv.Itoa(row.Index),
			row.Sheet,
			strconv.Itoa(row.Line),
			string(row.Status),
			strings.Join(detail, "; "),
		})
	}
	cw.Flush()
}

// handleCancelImport cancels a running commit. Rows already committed
// under best-effort stay committed.
func (s *Server) handleCancelImport(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Tracker.Cancel(chi.URLParam(r, "batchID")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// handleGateStatus reports commit slot usage.
func (s *Server) handleGateStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Applier.Gate().Status())
}

// handleDownloadTemplate serves an empty import workbook with every
// recognized column.
func (s *Server) handleDownloadTemplate(w http.ResponseWriter, r *http.Request) {
	attachment(w, "guest_import_template", "xlsx", xlsxContentType)
	if err := mapping.WriteTemplate(w); err != nil {
		logging.FromContext(r.Context()).Error("write import template", "error", err)
	}
}
