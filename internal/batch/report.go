package batch

import (
	"errors"
	"fmt"
	"time"

	"github.com/JonMunkholm/scah/internal/core"
	"github.com/JonMunkholm/scah/internal/identity"
	"github.com/JonMunkholm/scah/internal/validate"
)

// Status tags one row's outcome.
type Status string

const (
	StatusNewPerson              = Status(identity.NewPerson)
	StatusExistingPerson         = Status(identity.ExistingPerson)
	StatusConflict               = Status(identity.Conflict)
	StatusValidationError Status = "validation-error"
)

// Accepted reports whether a row with this status can be written.
func (s Status) Accepted() bool {
	return s == StatusNewPerson || s == StatusExistingPerson
}

// Mode says whether a report comes from Preview or Commit.
type Mode string

const (
	ModePreview Mode = "preview"
	ModeCommit  Mode = "commit"
)

// RowResult is the outcome of one row. PersonID is provisional (negative)
// in a preview when the person does not exist yet.
type RowResult struct {
	Index     int                    `json:"index"`
	Sheet     string                 `json:"sheet,omitempty"`
	Line      int                    `json:"line"`
	Status    Status                 `json:"status"`
	Errors    []core.FieldError      `json:"errors,omitempty"`
	Conflict  *core.IdentityConflict `json:"conflict,omitempty"`
	PersonID  int64                  `json:"personId,omitempty"`
	Enriched  bool                   `json:"enriched,omitempty"`
	Forced    bool                   `json:"forced,omitempty"`
	StayID    int64                  `json:"stayId,omitempty"`
	AuditID   int64                  `json:"auditId,omitempty"`
	Committed bool                   `json:"committed"`
}

// Label locates the row for operators: "Sheet1:12" or "line 12".
func (r RowResult) Label() string {
	if r.Sheet == "" {
		return fmt.Sprintf("line %d", r.Line)
	}
	return fmt.Sprintf("%s:%d", r.Sheet, r.Line)
}

// Counts aggregates row outcomes.
type Counts struct {
	Rows             int `json:"rows"`
	AcceptedNew      int `json:"acceptedNew"`
	AcceptedExisting int `json:"acceptedExisting"`
	ValidationErrors int `json:"validationErrors"`
	Conflicts        int `json:"conflicts"`
	Committed        int `json:"committed"`
	Skipped          int `json:"skipped"`
	Processed        int `json:"processed"`
	Pending          int `json:"pending"`
}

// Report is the result of a preview or commit.
type Report struct {
	BatchID        string           `json:"batchId"`
	Source         string           `json:"source"`
	Mode           Mode             `json:"mode"`
	Policy         Policy           `json:"policy"`
	Missing        []validate.Field `json:"missing,omitempty"`
	Counts         Counts           `json:"counts"`
	Rows           []RowResult      `json:"rows"`
	AuditIDs       []int64          `json:"auditIds,omitempty"`
	SummaryAuditID int64            `json:"summaryAuditId,omitempty"`
	Cancelled      bool             `json:"cancelled,omitempty"`
	Aborted        bool             `json:"aborted,omitempty"`
	Error          string           `json:"error,omitempty"`
	Duration       time.Duration    `json:"duration"`
}

func newReport(b Batch, mode Mode, policy Policy) *Report {
	return &Report{
		BatchID: b.ID,
		Source:  b.Source,
		Mode:    mode,
		Policy:  policy,
		Counts:  Counts{Rows: len(b.Rows), Pending: len(b.Rows)},
		Rows:    make([]RowResult, 0, len(b.Rows)),
	}
}

// add appends a processed row and updates the counts.
func (r *Report) add(row RowResult) {
	r.Rows = append(r.Rows, row)
	r.Counts.Processed++
	r.Counts.Pending--
	switch row.Status {
	case StatusNewPerson:
		r.Counts.AcceptedNew++
	case StatusExistingPerson:
		r.Counts.AcceptedExisting++
	case StatusValidationError:
		r.Counts.ValidationErrors++
	case StatusConflict:
		r.Counts.Conflicts++
	}
	if row.Committed {
		r.Counts.Committed++
		r.AuditIDs = append(r.AuditIDs, row.AuditID)
	} else if r.Mode == ModeCommit {
		r.Counts.Skipped++
	}
}

// Accepted reports whether every row can be written, which is what a
// strict commit needs.
func (r *Report) Accepted() bool {
	return r.Counts.ValidationErrors == 0 && r.Counts.Conflicts == 0 && r.Counts.Rows > 0
}

// Failed returns the rows that were not accepted.
func (r *Report) Failed() []RowResult {
	var out []RowResult
	for _, row := range r.Rows {
		if !row.Status.Accepted() {
			out = append(out, row)
		}
	}
	return out
}

// Summary is the one-line description stored with the IMPORT audit record.
func (r *Report) Summary() string {
	s := fmt.Sprintf("%s %s: rows=%d new=%d existing=%d errors=%d conflicts=%d committed=%d skipped=%d",
		r.Policy, r.Source, r.Counts.Rows, r.Counts.AcceptedNew, r.Counts.AcceptedExisting,
		r.Counts.ValidationErrors, r.Counts.Conflicts, r.Counts.Committed, r.Counts.Skipped)
	if r.Cancelled {
		s += fmt.Sprintf(" cancelled pending=%d", r.Counts.Pending)
	}
	if r.Aborted {
		s += " aborted"
	}
	return s
}

// rowFailure turns a write error into a reportable row outcome. Constraint
// violations are reported like validation errors; identity conflicts keep
// their own tag.
func rowFailure(row RowResult, err error) RowResult {
	row.Committed = false
	row.StayID, row.AuditID = 0, 0

	var conflict *core.IdentityConflict
	if errors.As(err, &conflict) {
		row.Status = StatusConflict
		row.Conflict = conflict
		return row
	}

	row.Status = StatusValidationError
	var ve *core.ValidationError
	var cv *core.ConstraintViolation
	switch {
	case errors.As(err, &ve):
		row.Errors = ve.Fields
	case errors.As(err, &cv):
		row.Errors = []core.FieldError{{
			Field:   cv.Detail,
			Kind:    "constraint_" + cv.Kind,
			Message: cv.Error(),
		}}
	default:
		row.Errors = []core.FieldError{{Kind: "write", Message: err.Error()}}
	}
	return row
}

// forceError reports an operator choice that is not a conflict candidate.
func forceError(err error) *core.ValidationError {
	return &core.ValidationError{Fields: []core.FieldError{{
		Field:   "person",
		Kind:    "invalid_force",
		Message: err.Error(),
	}}}
}
