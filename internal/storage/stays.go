package storage

import (
	"context"
	"database/sql"
	"fmt"
)

const stayColumns = `id, person_id, establishment_id, establishment_name, room, age, entry_date,
	exit_date, destination, has_vehicle, vehicle_details, recorded_by, batch_id, active,
	created_at, updated_at`

func scanStay(row scanner) (Stay, error) {
	var (
		s                Stay
		estID            sql.NullInt64
		age              sql.NullInt64
		entry            string
		exit             sql.NullString
		created, updated string
	)
	err := row.Scan(&s.ID, &s.PersonID, &estID, &s.EstablishmentName, &s.Room, &age, &entry,
		&exit, &s.Destination, &s.HasVehicle, &s.VehicleDetails, &s.RecordedBy, &s.BatchID,
		&s.Active, &created, &updated)
	if err != nil {
		return Stay{}, classify(err)
	}
	if estID.Valid {
		s.EstablishmentID = &estID.Int64
	}
	if age.Valid {
		a := int(age.Int64)
		s.Age = &a
	}
	if s.EntryDate, err = ParseDate(entry); err != nil {
		return Stay{}, fmt.Errorf("stay %d entry_date: %w", s.ID, err)
	}
	if exit.Valid && exit.String != "" {
		d, err := ParseDate(exit.String)
		if err != nil {
			return Stay{}, fmt.Errorf("stay %d exit_date: %w", s.ID, err)
		}
		s.ExitDate = &d
	}
	if s.CreatedAt, err = parseTimestamp(created); err != nil {
		return Stay{}, fmt.Errorf("stay %d created_at: %w", s.ID, err)
	}
	if s.UpdatedAt, err = parseTimestamp(updated); err != nil {
		return Stay{}, fmt.Errorf("stay %d updated_at: %w", s.ID, err)
	}
	return s, nil
}

// CreateStay inserts s as an active stay and fills its ID and stamps.
func (q *Queries) CreateStay(ctx context.Context, s *Stay) error {
	now := q.now()
	var age any
	if s.Age != nil {
		age = *s.Age
	}
	var estID any
	if s.EstablishmentID != nil {
		estID = *s.EstablishmentID
	}
	id, err := q.insert(ctx, `INSERT INTO stays
		(person_id, establishment_id, establishment_name, room, age, entry_date, exit_date,
		 destination, has_vehicle, vehicle_details, recorded_by, batch_id, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		s.PersonID, estID, s.EstablishmentName, s.Room, age, s.EntryDate.String(), nullableDate(s.ExitDate),
		s.Destination, s.HasVehicle, s.VehicleDetails, s.RecordedBy, s.BatchID, true,
		formatTimestamp(now), formatTimestamp(now))
	if err != nil {
		return fmt.Errorf("insert stay: %w", err)
	}
	s.ID = id
	s.Active = true
	s.CreatedAt = now
	s.UpdatedAt = now
	return nil
}

// GetStay returns a stay by id, active or not.
func (q *Queries) GetStay(ctx context.Context, id int64) (Stay, error) {
	s, err := scanStay(q.queryRow(ctx, `SELECT `+stayColumns+` FROM stays WHERE id = ?`, id))
	if err != nil {
		return Stay{}, fmt.Errorf("stay %d: %w", id, err)
	}
	return s, nil
}

// SetStayExit records the exit date. The CHECK constraint rejects an exit
// before entry.
func (q *Queries) SetStayExit(ctx context.Context, id int64, exit Date) error {
	res, err := q.exec(ctx, `UPDATE stays SET exit_date = ?, updated_at = ? WHERE id = ?`,
		exit.String(), formatTimestamp(q.now()), id)
	if err != nil {
		return fmt.Errorf("set stay %d exit: %w", id, err)
	}
	return expectOne(res)
}

// SetStayActive flips the soft-delete flag.
func (q *Queries) SetStayActive(ctx context.Context, id int64, active bool) error {
	res, err := q.exec(ctx, `UPDATE stays SET active = ?, updated_at = ? WHERE id = ?`,
		active, formatTimestamp(q.now()), id)
	if err != nil {
		return fmt.Errorf("set stay %d active=%t: %w", id, active, err)
	}
	return expectOne(res)
}

// StayFilter narrows SearchStays.
type StayFilter struct {
	Term            string // person surname, given name or document substring
	PersonID        *int64
	EstablishmentID *int64
	Establishment   string // establishment name substring
	Nationality     string
	From, To        string // entry date bounds, YYYY-MM-DD
	MinAge, MaxAge  *int
	BatchID         string
	IncludeInactive bool
	Page
}

// StayRow is a stay joined with its person's name and documents.
type StayRow struct {
	Stay
	Surname     string  `json:"surname"`
	GivenName   string  `json:"givenName"`
	Nationality string  `json:"nationality"`
	NationalID  *string `json:"nationalId,omitempty"`
	Passport    *string `json:"passport,omitempty"`
}

// SearchStays returns a page of stays, newest entry first, with the total.
func (q *Queries) SearchStays(ctx context.Context, f StayFilter) ([]StayRow, int64, error) {
	wb := NewWhereBuilder().
		AddSearch(f.Term, "p.surname", "p.given_name", "p.national_id", "p.passport").
		AddSearch(f.Establishment, "s.establishment_name").
		AddID("s.person_id", f.PersonID).
		AddID("s.establishment_id", f.EstablishmentID).
		Add("p.nationality", f.Nationality).
		AddRange("s.entry_date", f.From, f.To).
		AddIntRange("s.age", f.MinAge, f.MaxAge).
		Add("s.batch_id", f.BatchID).
		AddActive("s.active", f.IncludeInactive)
	where, args := wb.Build()

	const from = ` FROM stays s JOIN persons p ON p.id = s.person_id`

	var total int64
	if err := q.queryRow(ctx, `SELECT COUNT(*)`+from+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count stays: %w", classify(err))
	}

	page := f.Page.normalized()
	rows, err := q.query(ctx, `SELECT s.id, s.person_id, s.establishment_id, s.establishment_name, s.room,
		s.age, s.entry_date, s.exit_date, s.destination, s.has_vehicle, s.vehicle_details,
		s.recorded_by, s.batch_id, s.active, s.created_at, s.updated_at,
		p.surname, p.given_name, p.nationality, p.national_id, p.passport`+from+where+
		` ORDER BY s.entry_date DESC, s.id DESC LIMIT ? OFFSET ?`,
		append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("search stays: %w", err)
	}
	defer rows.Close()

	var out []StayRow
	for rows.Next() {
		var (
			r                    StayRow
			nationalID, passport sql.NullString
		)
		st, err := scanStay(stayJoinScanner{rows, []any{&r.Surname, &r.GivenName, &r.Nationality, &nationalID, &passport}})
		if err != nil {
			return nil, 0, err
		}
		r.Stay = st
		if nationalID.Valid {
			r.NationalID = &nationalID.String
		}
		if passport.Valid {
			r.Passport = &passport.String
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, classify(err)
	}
	return out, total, nil
}

// stayJoinScanner appends extra destinations after the stay columns.
type stayJoinScanner struct {
	rows  *sql.Rows
	extra []any
}

func (s stayJoinScanner) Scan(dest ...any) error {
	return s.rows.Scan(append(dest, s.extra...)...)
}

// StaysByPerson lists a person's stays, newest first.
func (q *Queries) StaysByPerson(ctx context.Context, personID int64, includeInactive bool) ([]Stay, error) {
	where, args := NewWhereBuilder().
		Raw("person_id = ?", personID).
		AddActive("active", includeInactive).
		Build()
	rows, err := q.query(ctx, `SELECT `+stayColumns+` FROM stays`+where+` ORDER BY entry_date DESC, id DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("stays of person %d: %w", personID, err)
	}
	defer rows.Close()

	var out []Stay
	for rows.Next() {
		s, err := scanStay(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, classify(rows.Err())
}
