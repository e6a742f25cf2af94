package core

// error_messages.go maps technical errors to user-friendly messages with
// codes that operators can quote to support staff.
//
// Typed errors from the taxonomy are matched first (errors.As / errors.Is),
// then the error text is matched case-insensitively against errorPatterns.
// The first matching pattern wins, so specific patterns come before general
// ones. Unmatched errors fall back to ERR000; check the logs for the
// technical error in that case.

import (
	"errors"
	"fmt"
	"strings"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string // What happened (user-friendly)
	Action  string // What to do about it
	Code    string // Error code for support reference
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

var (
	msgValidation = UserMessage{
		Message: "The record has invalid or missing fields",
		Action:  "Review the listed fields and correct the source data",
		Code:    "VAL001",
	}
	msgDocumentMismatch = UserMessage{
		Message: "The national ID and passport belong to different people",
		Action:  "Check both documents and choose the correct person before committing",
		Code:    "ID001",
	}
	msgBiographicalMismatch = UserMessage{
		Message: "The document matches a person with different personal data",
		Action:  "Review the stored person; identity fields are never overwritten automatically",
		Code:    "ID002",
	}
	msgUnique = UserMessage{
		Message: "A person with this document already exists",
		Action:  "Search for the existing person instead of creating a new one",
		Code:    "DB002",
	}
	msgForeignKey = UserMessage{
		Message: "Referenced record does not exist",
		Action:  "Create the establishment or person first",
		Code:    "DB003",
	}
	msgCheck = UserMessage{
		Message: "The record breaks a data rule (dates, age or documents)",
		Action:  "Exit date must not precede entry date and a document is required",
		Code:    "DB008",
	}
	msgImmutable = UserMessage{
		Message: "Audit records cannot be changed",
		Action:  "Corrections are recorded as new entries",
		Code:    "DB009",
	}
	msgBusy = UserMessage{
		Message: "The database is busy with another write",
		Action:  "Please try again in a few moments",
		Code:    "DB007",
	}
	msgAudit = UserMessage{
		Message: "The change could not be recorded in the audit log and was not saved",
		Action:  "Contact support; no data was changed",
		Code:    "AUD001",
	}
	msgNotFound = UserMessage{
		Message: "Record not found",
		Action:  "It may have been deleted; check the history view",
		Code:    "DB010",
	}
	msgUnauthorized = UserMessage{
		Message: "You need to sign in",
		Action:  "Sign in and try again",
		Code:    "AUTH001",
	}
	msgForbidden = UserMessage{
		Message: "You do not have permission for this action",
		Action:  "Ask a supervisor or administrator",
		Code:    "AUTH002",
	}
	msgMapping = UserMessage{
		Message: "The column mapping is not valid",
		Action:  "Choose one field per column and resolve ambiguous columns",
		Code:    "IMP002",
	}
)

// errorPatterns maps technical error text (case-insensitive) to user messages.
var errorPatterns = []errorPattern{
	// Storage errors
	{"duplicate key", msgUnique},
	{"unique constraint", msgUnique},
	{"foreign key constraint", msgForeignKey},
	{"violates foreign key", msgForeignKey},
	{
		pattern: "connection refused",
		msg: UserMessage{
			Message: "Unable to connect to database",
			Action:  "Please try again in a few moments",
			Code:    "DB004",
		},
	},
	{
		pattern: "connection reset",
		msg: UserMessage{
			Message: "Database connection was interrupted",
			Action:  "Please try again",
			Code:    "DB005",
		},
	},
	{"database is locked", msgBusy},
	{"deadlock", msgBusy},

	// Import session errors (IMP001-IMP008)
	{
		pattern: "required fields unmapped",
		msg: UserMessage{
			Message: "Some required fields have no column mapped",
			Action:  "Map a column or set a default for each required field before committing",
			Code:    "IMP001",
		},
	},
	{"ambiguous columns", msgMapping},
	{
		pattern: "unconfirmed low-confidence columns",
		msg: UserMessage{
			Message: "Some columns were matched with low confidence",
			Action:  "Check the suggested fields and confirm or change them before committing",
			Code:    "IMP007",
		},
	},
	{
		pattern: "import already started",
		msg: UserMessage{
			Message: "This import has already been committed",
			Action:  "Follow its progress or upload the file again",
			Code:    "IMP008",
		},
	},
	{"mapped to more than one column", msgMapping},
	{"unknown column", msgMapping},
	{"unknown field", msgMapping},
	{
		pattern: "another import is being committed",
		msg: UserMessage{
			Message: "Another import is being committed",
			Action:  "Please wait a moment and try again",
			Code:    "IMP003",
		},
	},
	{
		pattern: "import session expired",
		msg: UserMessage{
			Message: "Import session not found",
			Action:  "The session may have expired. Please upload the file again",
			Code:    "IMP004",
		},
	},
	{
		pattern: "import aborted",
		msg: UserMessage{
			Message: "Import was aborted and nothing was written",
			Action:  "Fix the reported rows or commit with the best-effort policy",
			Code:    "IMP005",
		},
	},
	{
		pattern: "unknown commit policy",
		msg: UserMessage{
			Message: "Unknown commit policy",
			Action:  "Use strict or best-effort",
			Code:    "IMP006",
		},
	},

	// Authentication errors (AUTH003-AUTH005)
	{
		pattern: "invalid credentials",
		msg: UserMessage{
			Message: "Username or password is incorrect",
			Action:  "Check your credentials and try again",
			Code:    "AUTH003",
		},
	},
	{
		pattern: "account locked",
		msg: UserMessage{
			Message: "Account temporarily locked after failed sign-in attempts",
			Action:  "Wait for the lockout to expire or contact an administrator",
			Code:    "AUTH004",
		},
	},
	{
		pattern: "account disabled",
		msg: UserMessage{
			Message: "Account is disabled",
			Action:  "Contact an administrator",
			Code:    "AUTH005",
		},
	},

	// File errors (FILE001-FILE005)
	{
		pattern: "file too large",
		msg: UserMessage{
			Message: "File exceeds maximum size limit",
			Action:  "Split the file into smaller files",
			Code:    "FILE001",
		},
	},
	{
		pattern: "unsupported file",
		msg: UserMessage{
			Message: "File format is not supported",
			Action:  "Upload an .xlsx or .csv file",
			Code:    "FILE002",
		},
	},
	{
		pattern: "encoding error",
		msg: UserMessage{
			Message: "File contains invalid characters",
			Action:  "Save file as UTF-8 encoding",
			Code:    "FILE003",
		},
	},
	{
		pattern: "no file provided",
		msg: UserMessage{
			Message: "No file was selected",
			Action:  "Please select a spreadsheet to import",
			Code:    "FILE004",
		},
	},
	{
		pattern: "empty file",
		msg: UserMessage{
			Message: "The uploaded file has no data rows",
			Action:  "Please upload a spreadsheet with a header and data rows",
			Code:    "FILE005",
		},
	},

	// Generic timeouts last; many messages contain the word.
	{
		pattern: "context deadline exceeded",
		msg: UserMessage{
			Message: "Request timed out",
			Action:  "Try a smaller file or try again later",
			Code:    "DB006",
		},
	},
	{
		pattern: "timeout",
		msg: UserMessage{
			Message: "Operation timed out",
			Action:  "Try a smaller file or try again later",
			Code:    "DB006",
		},
	},
}

// defaultMessage is returned when no pattern matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message.
//
// Example:
//
//	msg := MapError(&IdentityConflict{Kind: "document_mismatch"})
//	// msg.Code == "ID001"
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	var ve *ValidationError
	var ic *IdentityConflict
	var cv *ConstraintViolation
	switch {
	case errors.Is(err, ErrAuditWrite):
		return msgAudit
	case errors.Is(err, ErrStorageBusy):
		return msgBusy
	case errors.Is(err, ErrNotFound):
		return msgNotFound
	case errors.Is(err, ErrUnauthorized):
		return msgUnauthorized
	case errors.Is(err, ErrForbidden):
		return msgForbidden
	case errors.As(err, &ve):
		return msgValidation
	case errors.As(err, &ic):
		if ic.Kind == "document_mismatch" {
			return msgDocumentMismatch
		}
		return msgBiographicalMismatch
	case errors.As(err, &cv):
		switch cv.Kind {
		case ConstraintUnique:
			return msgUnique
		case ConstraintForeignKey:
			return msgForeignKey
		case ConstraintImmutable:
			return msgImmutable
		default:
			return msgCheck
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to a specific message rather than
// the ERR000 fallback.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}

// UserError pairs a technical error (for logs) with its user message.
type UserError struct {
	Technical error
	User      UserMessage
}

func (e *UserError) Error() string {
	return e.User.Message
}

func (e *UserError) Unwrap() error {
	return e.Technical
}

// NewUserError maps err to a UserError. Returns nil if err is nil.
func NewUserError(err error) *UserError {
	if err == nil {
		return nil
	}
	return &UserError{
		Technical: err,
		User:      MapError(err),
	}
}
