// Package batch previews and commits bulk guest imports.
//
// A batch is a set of tabular rows plus the operator's column mapping.
// Preview classifies every row without writing. Commit replays validation
// and identity resolution and writes persons, stays and their audit records
// under one of two policies:
//
//   - strict: one transaction; any validation error, identity conflict or
//     write failure rolls the whole batch back, audits included
//   - best-effort: one transaction per accepted row; failed rows are
//     skipped and reported
//
// Every committed row gets exactly one IMPORT_ROW audit record and every
// finished commit one IMPORT summary. Commits are serialized by a Gate.
package batch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/JonMunkholm/scah/internal/config"
	"github.com/JonMunkholm/scah/internal/storage"
	"github.com/JonMunkholm/scah/internal/tabular"
	"github.com/JonMunkholm/scah/internal/validate"
)

// Policy selects the commit transaction granularity.
type Policy string

const (
	Strict     Policy = "strict"
	BestEffort Policy = "best-effort"
)

// ParsePolicy accepts "strict", "best-effort" and "best_effort"; blank means
// strict.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(Strict):
		return Strict, nil
	case string(BestEffort), "best_effort", "besteffort":
		return BestEffort, nil
	default:
		return "", fmt.Errorf("unknown commit policy %q (want strict or best-effort)", s)
	}
}

var (
	// ErrIncompleteMapping is returned by Commit when a required field has
	// neither a column nor a default.
	ErrIncompleteMapping = errors.New("mapping leaves required fields unmapped")

	// ErrUnresolvedMapping is returned by Commit while ambiguous columns
	// await an operator choice.
	ErrUnresolvedMapping = errors.New("mapping has ambiguous columns")

	// ErrUnconfirmedMapping is returned by Commit while low-confidence
	// columns await operator confirmation.
	ErrUnconfirmedMapping = errors.New("mapping has unconfirmed low-confidence columns")

	// ErrEmptyBatch is returned for a batch without rows.
	ErrEmptyBatch = errors.New("batch has no rows")

	// ErrAborted wraps the cause of a strict commit that wrote nothing.
	ErrAborted = errors.New("import aborted")

	// ErrRunning is returned for the result of a commit that has not
	// finished.
	ErrRunning = errors.New("import still running")

	// ErrCommitStarted is returned when a batch is committed a second time.
	ErrCommitStarted = errors.New("import already started")

	// ErrSessionExpired is returned for a staged batch that is unknown or
	// was dropped after its TTL.
	ErrSessionExpired = errors.New("import session expired")
)

// Batch is one import unit.
type Batch struct {
	ID     string
	Source string
	Header []string
	Rows   []tabular.Row
}

// New builds a batch from a read file with a fresh id. Multi-sheet files
// are combined; the first sheet's header names the columns.
func New(source string, f *tabular.File) Batch {
	sheet := f.Combine()
	return Batch{
		ID:     uuid.NewString(),
		Source: source,
		Header: sheet.Header,
		Rows:   sheet.Rows,
	}
}

// Options configure Preview and Commit.
type Options struct {
	Policy Policy

	// Defaults fill blank fields of every row.
	Defaults map[validate.Field]string

	// Today bounds entry and birth dates. Zero disables the check.
	Today storage.Date

	// Force maps a row index to the candidate person an operator chose for
	// that row's identity conflict.
	Force map[int]int64

	// Progress, when set, is called after each phase change and each row.
	Progress func(Progress)
}

// DefaultsFrom returns the configured fallbacks for blank fields. Unset
// settings are left out.
func DefaultsFrom(c config.ImportConfig) map[validate.Field]string {
	d := make(map[validate.Field]string)
	for f, v := range map[validate.Field]string{
		validate.FieldNationality: c.DefaultNationality,
		validate.FieldOrigin:      c.DefaultOrigin,
		validate.FieldRoom:        c.DefaultRoom,
	} {
		if v != "" {
			d[f] = v
		}
	}
	return d
}

func (o Options) force(i int) *int64 {
	id, ok := o.Force[i]
	if !ok {
		return nil
	}
	return &id
}

func (o Options) policy() Policy {
	if o.Policy == "" {
		return Strict
	}
	return o.Policy
}

// Phase is the stage of a running commit.
type Phase string

const (
	PhaseQueued     Phase = "queued"
	PhaseValidating Phase = "validating"
	PhaseResolving  Phase = "resolving"
	PhaseCommitting Phase = "committing"
	PhaseComplete   Phase = "complete"
	PhaseFailed     Phase = "failed"
	PhaseCancelled  Phase = "cancelled"
)

// Progress is a point-in-time view of a commit.
type Progress struct {
	BatchID   string `json:"batchId"`
	Phase     Phase  `json:"phase"`
	Total     int    `json:"total"`
	Current   int    `json:"current"`
	Committed int    `json:"committed"`
	Skipped   int    `json:"skipped"`
	Error     string `json:"error,omitempty"`
}

// Percent returns completion of the current phase, 0-100.
func (p Progress) Percent() int {
	if p.Total == 0 {
		return 0
	}
	return p.Current * 100 / p.Total
}

// Done reports whether the commit has finished.
func (p Progress) Done() bool {
	switch p.Phase {
	case PhaseComplete, PhaseFailed, PhaseCancelled:
		return true
	}
	return false
}
