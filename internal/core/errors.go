package core

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared across packages. Callers match them with errors.Is.
var (
	// ErrNotFound is returned when a record does not exist or is not visible.
	ErrNotFound = errors.New("record not found")

	// ErrStorageBusy is returned when the store stayed contended after all
	// retries. The operation may be retried later without data loss.
	ErrStorageBusy = errors.New("storage busy")

	// ErrAuditWrite marks a failed audit append. A mutation must never commit
	// without its audit record, so the enclosing transaction is rolled back.
	ErrAuditWrite = errors.New("audit write failure")

	// ErrUnauthorized is returned when no valid acting user is present.
	ErrUnauthorized = errors.New("authentication required")

	// ErrForbidden is returned when the acting user lacks the required role.
	ErrForbidden = errors.New("permission denied")
)

// FieldError is a single failed rule for one canonical field.
type FieldError struct {
	Field   string `json:"field"`
	Kind    string `json:"kind"`
	Value   string `json:"value,omitempty"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

// ValidationError carries every failed rule for one record.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Error()
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// IdentityConflict reports document numbers that do not resolve to a single
// consistent person. Kind is "document_mismatch" or "biographical_mismatch".
type IdentityConflict struct {
	Kind       string   `json:"kind"`
	Candidates []int64  `json:"candidates"`
	Fields     []string `json:"fields,omitempty"`
}

func (e *IdentityConflict) Error() string {
	msg := fmt.Sprintf("identity conflict (%s) with person %v", e.Kind, e.Candidates)
	if len(e.Fields) > 0 {
		msg += " on " + strings.Join(e.Fields, ", ")
	}
	return msg
}

// Constraint kinds reported by the storage layer.
const (
	ConstraintUnique     = "unique"
	ConstraintForeignKey = "foreign_key"
	ConstraintCheck      = "check"
	ConstraintNotNull    = "not_null"
	ConstraintImmutable  = "immutable"
)

// ConstraintViolation is a write rejected by the storage layer.
type ConstraintViolation struct {
	Kind   string
	Detail string
	Err    error
}

func (e *ConstraintViolation) Error() string {
	return fmt.Sprintf("%s constraint violation: %s", e.Kind, e.Detail)
}

func (e *ConstraintViolation) Unwrap() error {
	return e.Err
}

// AuditError wraps the driver error of a failed audit append.
type AuditError struct {
	Action string
	Err    error
}

func (e *AuditError) Error() string {
	return fmt.Sprintf("audit write failure for %s: %v", e.Action, e.Err)
}

func (e *AuditError) Unwrap() []error {
	return []error{ErrAuditWrite, e.Err}
}

// IsRowLevel reports whether err only affects the row it was raised for.
// Audit failures and busy stores are batch-level.
func IsRowLevel(err error) bool {
	var ve *ValidationError
	var ic *IdentityConflict
	var cv *ConstraintViolation
	switch {
	case errors.Is(err, ErrAuditWrite), errors.Is(err, ErrStorageBusy):
		return false
	case errors.As(err, &ve), errors.As(err, &ic), errors.As(err, &cv):
		return true
	}
	return false
}
