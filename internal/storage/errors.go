package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"

	"github.com/JonMunkholm/scah/internal/core"
)

// appendOnlyMessage is raised by the audit_log triggers in both dialects.
const appendOnlyMessage = "audit_log is append-only"

// classify maps driver errors onto the core taxonomy. Unknown errors pass
// through unchanged; sql.ErrNoRows becomes core.ErrNotFound.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return core.ErrNotFound
	}

	var cv *core.ConstraintViolation
	if errors.As(err, &cv) || errors.Is(err, core.ErrStorageBusy) {
		return err
	}

	var se sqlite3.Error
	if errors.As(err, &se) {
		return classifySQLite(se, err)
	}

	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		return classifyPostgres(pe, err)
	}

	return err
}

func classifySQLite(se sqlite3.Error, err error) error {
	switch se.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return fmt.Errorf("%w: %v", core.ErrStorageBusy, err)
	case sqlite3.ErrConstraint:
	default:
		return err
	}

	switch se.ExtendedCode {
	case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
		return &core.ConstraintViolation{Kind: core.ConstraintUnique, Detail: constraintDetail(err.Error()), Err: err}
	case sqlite3.ErrConstraintForeignKey:
		return &core.ConstraintViolation{Kind: core.ConstraintForeignKey, Detail: constraintDetail(err.Error()), Err: err}
	case sqlite3.ErrConstraintNotNull:
		return &core.ConstraintViolation{Kind: core.ConstraintNotNull, Detail: constraintDetail(err.Error()), Err: err}
	case sqlite3.ErrConstraintTrigger:
		if strings.Contains(err.Error(), appendOnlyMessage) {
			return &core.ConstraintViolation{Kind: core.ConstraintImmutable, Detail: "audit_log", Err: err}
		}
		return &core.ConstraintViolation{Kind: core.ConstraintCheck, Detail: err.Error(), Err: err}
	default:
		return &core.ConstraintViolation{Kind: core.ConstraintCheck, Detail: constraintDetail(err.Error()), Err: err}
	}
}

func classifyPostgres(pe *pgconn.PgError, err error) error {
	detail := pe.ConstraintName
	if detail == "" {
		detail = pe.TableName
	}
	switch pe.Code {
	case "23505":
		return &core.ConstraintViolation{Kind: core.ConstraintUnique, Detail: detail, Err: err}
	case "23503":
		return &core.ConstraintViolation{Kind: core.ConstraintForeignKey, Detail: detail, Err: err}
	case "23514":
		return &core.ConstraintViolation{Kind: core.ConstraintCheck, Detail: detail, Err: err}
	case "23502":
		return &core.ConstraintViolation{Kind: core.ConstraintNotNull, Detail: pe.ColumnName, Err: err}
	case "23001":
		return &core.ConstraintViolation{Kind: core.ConstraintImmutable, Detail: "audit_log", Err: err}
	case "40001", "40P01", "55P03":
		return fmt.Errorf("%w: %v", core.ErrStorageBusy, err)
	default:
		return err
	}
}

// constraintDetail extracts "persons.national_id" from SQLite messages like
// "UNIQUE constraint failed: persons.national_id".
func constraintDetail(msg string) string {
	if i := strings.LastIndex(msg, ": "); i >= 0 {
		return msg[i+2:]
	}
	return msg
}
