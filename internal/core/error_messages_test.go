package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{
			name:     "nil error returns empty",
			err:      nil,
			wantCode: "",
		},
		{
			name:     "validation error",
			err:      &ValidationError{Fields: []FieldError{{Field: "surname", Kind: "required", Message: "is required"}}},
			wantCode: "VAL001",
		},
		{
			name:     "wrapped validation error",
			err:      fmt.Errorf("row 4: %w", &ValidationError{}),
			wantCode: "VAL001",
		},
		{
			name:     "document mismatch conflict",
			err:      &IdentityConflict{Kind: "document_mismatch", Candidates: []int64{1, 2}},
			wantCode: "ID001",
		},
		{
			name:     "biographical mismatch conflict",
			err:      &IdentityConflict{Kind: "biographical_mismatch", Candidates: []int64{1}, Fields: []string{"surname"}},
			wantCode: "ID002",
		},
		{
			name:     "unique constraint violation",
			err:      &ConstraintViolation{Kind: ConstraintUnique, Detail: "persons.national_id"},
			wantCode: "DB002",
		},
		{
			name:     "check constraint violation",
			err:      &ConstraintViolation{Kind: ConstraintCheck, Detail: "stays exit_date"},
			wantCode: "DB008",
		},
		{
			name:     "audit failure wins over wrapped driver error",
			err:      &AuditError{Action: "IMPORT_ROW", Err: errors.New("disk I/O error")},
			wantCode: "AUD001",
		},
		{
			name:     "storage busy",
			err:      fmt.Errorf("commit row 3: %w", ErrStorageBusy),
			wantCode: "DB007",
		},
		{
			name:     "not found",
			err:      fmt.Errorf("person 9: %w", ErrNotFound),
			wantCode: "DB010",
		},
		{
			name:     "connection refused text",
			err:      errors.New("dial tcp: connection refused"),
			wantCode: "DB004",
		},
		{
			name:     "sqlite locked text",
			err:      errors.New("database is locked"),
			wantCode: "DB007",
		},
		{
			name:     "missing mapped fields",
			err:      errors.New("mapping leaves required fields unmapped: surname, room"),
			wantCode: "IMP001",
		},
		{
			name:     "ambiguous mapping",
			err:      errors.New("mapping has ambiguous columns: Fecha"),
			wantCode: "IMP002",
		},
		{
			name:     "unconfirmed mapping",
			err:      errors.New("mapping has unconfirmed low-confidence columns: Apellido Paterno Materno (surname 0.63)"),
			wantCode: "IMP007",
		},
		{
			name:     "double commit",
			err:      errors.New("import b1: import already started"),
			wantCode: "IMP008",
		},
		{
			name:     "file too large",
			err:      errors.New("file too large: 200MB exceeds limit"),
			wantCode: "FILE001",
		},
		{
			name:     "unknown error returns default",
			err:      errors.New("some random internal error"),
			wantCode: "ERR000",
		},
		{
			name:     "case insensitive matching",
			err:      errors.New("ACCOUNT LOCKED until 10:15"),
			wantCode: "AUTH004",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapError(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("MapError() code = %q, want %q", got.Code, tt.wantCode)
			}
		})
	}
}

func TestFormatUserError(t *testing.T) {
	result := FormatUserError(fmt.Errorf("tx: %w", ErrStorageBusy))

	expected := "The database is busy with another write (Code: DB007). Please try again in a few moments"
	if result != expected {
		t.Errorf("FormatUserError() = %q, want %q", result, expected)
	}
}

func TestIsUserFacing(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error is not user facing", nil, false},
		{"known error is user facing", errors.New("duplicate key"), true},
		{"unknown error is not user facing", errors.New("random internal error xyz"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUserFacing(tt.err); got != tt.want {
				t.Errorf("IsUserFacing() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewUserError(t *testing.T) {
	t.Run("nil error returns nil", func(t *testing.T) {
		if got := NewUserError(nil); got != nil {
			t.Errorf("NewUserError(nil) = %v, want nil", got)
		}
	})

	t.Run("wraps technical error with user message", func(t *testing.T) {
		techErr := &ConstraintViolation{Kind: ConstraintUnique, Detail: "persons.passport"}
		userErr := NewUserError(techErr)

		if userErr.Error() != "A person with this document already exists" {
			t.Errorf("Error() = %q, want user message", userErr.Error())
		}
		if !errors.Is(userErr, techErr) {
			t.Error("Unwrap() should return original error")
		}
	})
}

func TestIsRowLevel(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"validation", &ValidationError{}, true},
		{"conflict", &IdentityConflict{Kind: "biographical_mismatch"}, true},
		{"constraint", &ConstraintViolation{Kind: ConstraintCheck}, true},
		{"audit", &AuditError{Action: "CREATE", Err: errors.New("x")}, false},
		{"busy", ErrStorageBusy, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRowLevel(tt.err); got != tt.want {
				t.Errorf("IsRowLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}
