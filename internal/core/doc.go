// Package core holds the pieces every other package in the guest-stay system
// agrees on: the error taxonomy, the user-facing error code table, and the
// request-scoped values (acting user, client address) that audit records need.
//
// It has no dependencies on storage or transport so that storage, the import
// pipeline, the web layer and the CLI can all share it without cycles.
//
// # Error Taxonomy
//
// Every failure in the import pipeline is one of:
//
//   - [ValidationError]: a field rule failed. Recoverable per row.
//   - [IdentityConflict]: document numbers do not resolve to one consistent
//     person. Held for manual review, never auto-merged.
//   - [ConstraintViolation]: the storage layer rejected a write (unique,
//     foreign key or check). Reported like a validation error.
//   - [ErrStorageBusy]: transient contention after bounded retries.
//   - [ErrAuditWrite]: the audit append failed; the enclosing transaction
//     must roll back.
//
// # Error Codes
//
// Technical errors are mapped to user-friendly messages using [MapError].
// Each category has a code family for support reference:
//
//   - DB002-DB010: storage errors (constraints, connections, busy, not found)
//   - VAL001: validation errors (formats, required fields, documents)
//   - ID001-ID002: identity conflicts
//   - IMP001-IMP006: import session errors (mapping, cancel, capacity)
//   - AUD001: audit append failures
//   - AUTH001-AUTH005: authentication and permission errors
//   - FILE001-FILE005: file errors (size, format, encoding)
package core
