package audit

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/JonMunkholm/scah/internal/storage"
	"github.com/JonMunkholm/scah/internal/tabular"
)

// ExportLimit caps the number of records in one export.
const ExportLimit = 50000

// Service is the read side of the audit log. It never mutates.
type Service struct {
	store *storage.Store
}

// NewService creates a Service over store.
func NewService(store *storage.Store) *Service {
	return &Service{store: store}
}

// Result is one page of audit records.
type Result struct {
	Entries    []storage.AuditRecord `json:"entries"`
	TotalCount int64                 `json:"totalCount"`
	Page       int                   `json:"page"`
	PageSize   int                   `json:"pageSize"`
	TotalPages int                   `json:"totalPages"`
}

// Query returns a page of records matching f, newest first.
func (s *Service) Query(ctx context.Context, f storage.AuditFilter) (*Result, error) {
	entries, total, err := s.store.QueryAudit(ctx, f)
	if err != nil {
		return nil, err
	}

	limit := f.Limit
	if limit <= 0 {
		limit = storage.DefaultPageSize
	}
	if limit > storage.MaxPageSize {
		limit = storage.MaxPageSize
	}
	totalPages := int((total + int64(limit) - 1) / int64(limit))
	if totalPages < 1 {
		totalPages = 1
	}
	if entries == nil {
		entries = []storage.AuditRecord{}
	}
	return &Result{
		Entries:    entries,
		TotalCount: total,
		Page:       f.Offset/limit + 1,
		PageSize:   limit,
		TotalPages: totalPages,
	}, nil
}

// Get returns one record.
func (s *Service) Get(ctx context.Context, id int64) (storage.AuditRecord, error) {
	return s.store.GetAudit(ctx, id)
}

// History returns every record about one row, oldest first. Soft-deleted
// rows keep their full history here.
func (s *Service) History(ctx context.Context, table string, recordID int64) ([]storage.AuditRecord, error) {
	return s.store.AuditHistory(ctx, table, recordID)
}

// PersonHistory returns every record about a person and their stays.
func (s *Service) PersonHistory(ctx context.Context, personID int64) ([]storage.AuditRecord, error) {
	return s.store.PersonAuditHistory(ctx, personID)
}

var exportHeader = []string{
	"ID", "Timestamp", "User", "Action", "Table", "Record", "Person",
	"Batch", "IP Address", "Detail", "Before", "After",
}

func (s *Service) forExport(ctx context.Context, f storage.AuditFilter) ([]storage.AuditRecord, error) {
	var out []storage.AuditRecord
	f.Offset = 0
	f.Limit = storage.MaxPageSize
	for len(out) < ExportLimit {
		page, _, err := s.store.QueryAudit(ctx, f)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < f.Limit {
			break
		}
		f.Offset += f.Limit
	}
	if len(out) > ExportLimit {
		out = out[:ExportLimit]
	}
	return out, nil
}

func exportRow(a storage.AuditRecord) []string {
	id := func(p *int64) string {
		if p == nil {
			return ""
		}
		return strconv.FormatInt(*p, 10)
	}
	return []string{
		strconv.FormatInt(a.ID, 10),
		a.CreatedAt.Format("2006-01-02 15:04:05"),
		a.ActingUser,
		a.Action,
		a.Table,
		id(a.RecordID),
		id(a.PersonID),
		a.BatchID,
		a.IPAddress,
		a.Detail,
		string(a.Before),
		string(a.After),
	}
}

// ExportXLSX writes the records matching f as a spreadsheet.
func (s *Service) ExportXLSX(ctx context.Context, f storage.AuditFilter, w io.Writer) (int, error) {
	records, err := s.forExport(ctx, f)
	if err != nil {
		return 0, err
	}
	wb := tabular.Workbook{
		Sheet:  "Audit",
		Header: exportHeader,
		Widths: []float64{8, 20, 14, 14, 16, 9, 9, 38, 16, 40, 40, 40},
		Rows:   make([][]any, len(records)),
	}
	for i, a := range records {
		cells := exportRow(a)
		row := make([]any, len(cells))
		for j, c := range cells {
			row[j] = c
		}
		// Keep the id numeric so the sheet sorts.
		row[0] = a.ID
		wb.Rows[i] = row
	}
	if err := wb.Write(w); err != nil {
		return 0, fmt.Errorf("export audit: %w", err)
	}
	return len(records), nil
}

// ExportCSV writes the records matching f as CSV.
func (s *Service) ExportCSV(ctx context.Context, f storage.AuditFilter, w io.Writer) (int, error) {
	records, err := s.forExport(ctx, f)
	if err != nil {
		return 0, err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return 0, err
	}
	for _, a := range records {
		if err := cw.Write(exportRow(a)); err != nil {
			return 0, err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return 0, fmt.Errorf("export audit: %w", err)
	}
	return len(records), nil
}
