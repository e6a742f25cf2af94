// Package audit is the single mutation path for guest data. Every write to
// persons, stays and reference data goes through Writer.Apply, which runs
// the write and appends its audit record in the same transaction, so a
// mutation can never commit without its record.
package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/JonMunkholm/scah/internal/core"
	"github.com/JonMunkholm/scah/internal/storage"
)

// Action names an audited event. The set is open: new kinds need no schema
// change.
type Action string

const (
	ActionCreate         Action = "CREATE"
	ActionUpdate         Action = "UPDATE"
	ActionDelete         Action = "DELETE"
	ActionRestore        Action = "RESTORE"
	ActionCheckOut       Action = "CHECKOUT"
	ActionImportRow      Action = "IMPORT_ROW"
	ActionImport         Action = "IMPORT"
	ActionLogin          Action = "LOGIN"
	ActionLoginFailed    Action = "LOGIN_FAILED"
	ActionLockout        Action = "LOCKOUT"
	ActionUserCreate     Action = "USER_CREATE"
	ActionUserUpdate     Action = "USER_UPDATE"
	ActionTemplateCreate Action = "TEMPLATE_CREATE"
	ActionTemplateDelete Action = "TEMPLATE_DELETE"
	ActionBackup         Action = "BACKUP"
)

// Affected tables.
const (
	TablePersons        = "persons"
	TableStays          = "stays"
	TableEstablishments = "establishments"
	TableRooms          = "rooms"
	TableUsers          = "users"
	TableTemplates      = "import_templates"
	TableImports        = "imports"
)

// Entry describes one audit record. Before and After are marshalled to
// JSON; leave Before nil for creations.
type Entry struct {
	Action   Action
	Table    string
	RecordID *int64
	PersonID *int64
	Before   any
	After    any
	Detail   string
	BatchID  string
}

// Mutation is a write plus what to record about it. Run performs the write
// inside tx and returns the affected record id and its new state. PersonID
// and Before are read after Run returns, so they may point at variables Run
// fills in.
type Mutation struct {
	Action   Action
	Table    string
	PersonID *int64
	Before   any
	Detail   string
	BatchID  string
	Run      func(tx *storage.Tx) (recordID int64, after any, err error)
}

// Writer appends audit records.
type Writer struct{}

// NewWriter returns a Writer.
func NewWriter() *Writer { return &Writer{} }

// Apply runs m.Run and appends its audit record in tx. The write's own
// error is returned as is; a failed append is returned as a
// *core.AuditError so the caller's transaction rolls back.
func (w *Writer) Apply(ctx context.Context, tx *storage.Tx, m Mutation) (recordID, auditID int64, err error) {
	recordID, after, err := m.Run(tx)
	if err != nil {
		return 0, 0, err
	}

	personID := m.PersonID
	if personID == nil && m.Table == TablePersons {
		personID = &recordID
	}

	auditID, err = w.Record(ctx, tx, Entry{
		Action:   m.Action,
		Table:    m.Table,
		RecordID: &recordID,
		PersonID: personID,
		Before:   m.Before,
		After:    after,
		Detail:   m.Detail,
		BatchID:  m.BatchID,
	})
	if err != nil {
		return 0, 0, err
	}
	return recordID, auditID, nil
}

// Record appends e attributed to the acting user in ctx. Events that are
// not mutations (logins, import summaries) call it directly.
func (w *Writer) Record(ctx context.Context, tx *storage.Tx, e Entry) (int64, error) {
	actor, ok := core.ActorFromContext(ctx)
	if !ok {
		return 0, &core.AuditError{Action: string(e.Action), Err: core.ErrUnauthorized}
	}

	before, err := snapshot(e.Before)
	if err != nil {
		return 0, &core.AuditError{Action: string(e.Action), Err: err}
	}
	after, err := snapshot(e.After)
	if err != nil {
		return 0, &core.AuditError{Action: string(e.Action), Err: err}
	}

	rec := &storage.AuditRecord{
		ActingUser: actor.Username,
		Action:     string(e.Action),
		Table:      e.Table,
		RecordID:   e.RecordID,
		PersonID:   e.PersonID,
		Before:     before,
		After:      after,
		Detail:     e.Detail,
		IPAddress:  core.GetIPAddressFromContext(ctx),
		BatchID:    e.BatchID,
	}
	if err := tx.InsertAudit(ctx, rec); err != nil {
		return 0, &core.AuditError{Action: string(e.Action), Err: err}
	}
	return rec.ID, nil
}

func snapshot(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	if string(b) == "null" {
		return nil, nil
	}
	return b, nil
}
