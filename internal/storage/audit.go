package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const auditColumns = `id, acting_user, action, table_name, record_id, person_id, before_state,
	after_state, detail, ip_address, batch_id, created_at`

func scanAudit(row scanner) (AuditRecord, error) {
	var (
		a                AuditRecord
		recordID, person sql.NullInt64
		before, after    sql.NullString
		created          string
	)
	err := row.Scan(&a.ID, &a.ActingUser, &a.Action, &a.Table, &recordID, &person,
		&before, &after, &a.Detail, &a.IPAddress, &a.BatchID, &created)
	if err != nil {
		return AuditRecord{}, classify(err)
	}
	if recordID.Valid {
		a.RecordID = &recordID.Int64
	}
	if person.Valid {
		a.PersonID = &person.Int64
	}
	if before.Valid && before.String != "" {
		a.Before = json.RawMessage(before.String)
	}
	if after.Valid && after.String != "" {
		a.After = json.RawMessage(after.String)
	}
	if a.CreatedAt, err = parseTimestamp(created); err != nil {
		return AuditRecord{}, fmt.Errorf("audit %d created_at: %w", a.ID, err)
	}
	return a, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullableID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

// InsertAudit appends a record. There is no update or delete counterpart;
// the table's triggers reject both.
func (q *Queries) InsertAudit(ctx context.Context, a *AuditRecord) error {
	now := q.now()
	id, err := q.insert(ctx, `INSERT INTO audit_log
		(acting_user, action, table_name, record_id, person_id, before_state, after_state,
		 detail, ip_address, batch_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		a.ActingUser, a.Action, a.Table, nullableID(a.RecordID), nullableID(a.PersonID),
		nullableJSON(a.Before), nullableJSON(a.After), a.Detail, a.IPAddress, a.BatchID,
		formatTimestamp(now))
	if err != nil {
		return fmt.Errorf("insert audit %s: %w", a.Action, err)
	}
	a.ID = id
	a.CreatedAt = now
	return nil
}

// GetAudit returns one audit record.
func (q *Queries) GetAudit(ctx context.Context, id int64) (AuditRecord, error) {
	a, err := scanAudit(q.queryRow(ctx, `SELECT `+auditColumns+` FROM audit_log WHERE id = ?`, id))
	if err != nil {
		return AuditRecord{}, fmt.Errorf("audit %d: %w", id, err)
	}
	return a, nil
}

// AuditFilter narrows QueryAudit. Zero time bounds are open; both bounds
// are inclusive.
type AuditFilter struct {
	ActingUser string
	Action     string
	Table      string
	RecordID   *int64
	PersonID   *int64
	BatchID    string
	From, To   time.Time
	Page
}

// QueryAudit returns a page of records, newest first, and the total.
func (q *Queries) QueryAudit(ctx context.Context, f AuditFilter) ([]AuditRecord, int64, error) {
	var from, to string
	if !f.From.IsZero() {
		from = formatTimestamp(f.From)
	}
	if !f.To.IsZero() {
		to = formatTimestamp(f.To)
	}
	wb := NewWhereBuilder().
		Add("acting_user", f.ActingUser).
		Add("action", f.Action).
		Add("table_name", f.Table).
		AddID("record_id", f.RecordID).
		AddID("person_id", f.PersonID).
		Add("batch_id", f.BatchID).
		AddRange("created_at", from, to)
	where, args := wb.Build()

	var total int64
	if err := q.queryRow(ctx, `SELECT COUNT(*) FROM audit_log`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit: %w", classify(err))
	}

	page := f.Page.normalized()
	rows, err := q.query(ctx, `SELECT `+auditColumns+` FROM audit_log`+where+
		` ORDER BY id DESC LIMIT ? OFFSET ?`, append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, classify(err)
	}
	return out, total, nil
}

// AuditHistory returns every record touching one row, oldest first.
func (q *Queries) AuditHistory(ctx context.Context, table string, recordID int64) ([]AuditRecord, error) {
	return q.auditList(ctx, `SELECT `+auditColumns+` FROM audit_log
		WHERE table_name = ? AND record_id = ? ORDER BY id`, table, recordID)
}

// PersonAuditHistory returns every record about a person, including stay
// and import records that reference the person, oldest first.
func (q *Queries) PersonAuditHistory(ctx context.Context, personID int64) ([]AuditRecord, error) {
	return q.auditList(ctx, `SELECT `+auditColumns+` FROM audit_log
		WHERE person_id = ? OR (table_name = 'persons' AND record_id = ?) ORDER BY id`, personID, personID)
}

// CountAudit counts every record.
func (q *Queries) CountAudit(ctx context.Context) (int64, error) {
	var n int64
	if err := q.queryRow(ctx, `SELECT COUNT(*) FROM audit_log`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit: %w", classify(err))
	}
	return n, nil
}

func (q *Queries) auditList(ctx context.Context, query string, args ...any) ([]AuditRecord, error) {
	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit history: %w", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, classify(rows.Err())
}
