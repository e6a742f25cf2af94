package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/JonMunkholm/scah/internal/core"
)

type scanner interface {
	Scan(dest ...any) error
}

const personColumns = `id, surname, given_name, nationality, origin, national_id, passport,
	birth_date, profession, phone, active, created_at, updated_at`

func scanPerson(row scanner) (Person, error) {
	var (
		p                    Person
		nationalID, passport sql.NullString
		birth                sql.NullString
		created, updated     string
	)
	err := row.Scan(&p.ID, &p.Surname, &p.GivenName, &p.Nationality, &p.Origin,
		&nationalID, &passport, &birth, &p.Profession, &p.Phone, &p.Active, &created, &updated)
	if err != nil {
		return Person{}, classify(err)
	}
	if nationalID.Valid {
		p.NationalID = &nationalID.String
	}
	if passport.Valid {
		p.Passport = &passport.String
	}
	if birth.Valid && birth.String != "" {
		d, err := ParseDate(birth.String)
		if err != nil {
			return Person{}, fmt.Errorf("person %d birth_date: %w", p.ID, err)
		}
		p.BirthDate = &d
	}
	if p.CreatedAt, err = parseTimestamp(created); err != nil {
		return Person{}, fmt.Errorf("person %d created_at: %w", p.ID, err)
	}
	if p.UpdatedAt, err = parseTimestamp(updated); err != nil {
		return Person{}, fmt.Errorf("person %d updated_at: %w", p.ID, err)
	}
	return p, nil
}

func nullableDate(d *Date) any {
	if d == nil || d.IsZero() {
		return nil
	}
	return d.String()
}

func nullableString(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

// CreatePerson inserts p as an active person and fills its ID and stamps.
func (q *Queries) CreatePerson(ctx context.Context, p *Person) error {
	now := q.now()
	id, err := q.insert(ctx, `INSERT INTO persons
		(surname, given_name, nationality, origin, national_id, passport, birth_date,
		 profession, phone, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		p.Surname, p.GivenName, p.Nationality, p.Origin,
		nullableString(p.NationalID), nullableString(p.Passport), nullableDate(p.BirthDate),
		p.Profession, p.Phone, true, formatTimestamp(now), formatTimestamp(now))
	if err != nil {
		return fmt.Errorf("insert person: %w", err)
	}
	p.ID = id
	p.Active = true
	p.CreatedAt = now
	p.UpdatedAt = now
	return nil
}

// GetPerson returns a person by id, active or not.
func (q *Queries) GetPerson(ctx context.Context, id int64) (Person, error) {
	p, err := scanPerson(q.queryRow(ctx, `SELECT `+personColumns+` FROM persons WHERE id = ?`, id))
	if err != nil {
		return Person{}, fmt.Errorf("person %d: %w", id, err)
	}
	return p, nil
}

// PersonByNationalID returns the active person holding the document, or
// nil when none does.
func (q *Queries) PersonByNationalID(ctx context.Context, doc string) (*Person, error) {
	return q.personByDocument(ctx, "national_id", doc)
}

// PersonByPassport returns the active person holding the passport, or nil.
func (q *Queries) PersonByPassport(ctx context.Context, doc string) (*Person, error) {
	return q.personByDocument(ctx, "passport", doc)
}

func (q *Queries) personByDocument(ctx context.Context, column, doc string) (*Person, error) {
	if doc == "" {
		return nil, nil
	}
	p, err := scanPerson(q.queryRow(ctx,
		`SELECT `+personColumns+` FROM persons WHERE `+column+` = ? AND active = ?`, doc, true))
	if errors.Is(err, core.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup person by %s: %w", column, err)
	}
	return &p, nil
}

// UpdatePerson overwrites the editable fields of p.
func (q *Queries) UpdatePerson(ctx context.Context, p *Person) error {
	now := q.now()
	res, err := q.exec(ctx, `UPDATE persons SET
		surname = ?, given_name = ?, nationality = ?, origin = ?, national_id = ?, passport = ?,
		birth_date = ?, profession = ?, phone = ?, updated_at = ?
		WHERE id = ?`,
		p.Surname, p.GivenName, p.Nationality, p.Origin,
		nullableString(p.NationalID), nullableString(p.Passport), nullableDate(p.BirthDate),
		p.Profession, p.Phone, formatTimestamp(now), p.ID)
	if err != nil {
		return fmt.Errorf("update person %d: %w", p.ID, err)
	}
	if err := expectOne(res); err != nil {
		return fmt.Errorf("update person %d: %w", p.ID, err)
	}
	p.UpdatedAt = now
	return nil
}

// SetPersonActive flips the soft-delete flag. Reactivation is rejected by
// the partial unique indexes when another active person now holds one of
// the documents.
func (q *Queries) SetPersonActive(ctx context.Context, id int64, active bool) error {
	res, err := q.exec(ctx, `UPDATE persons SET active = ?, updated_at = ? WHERE id = ?`,
		active, formatTimestamp(q.now()), id)
	if err != nil {
		return fmt.Errorf("set person %d active=%t: %w", id, active, err)
	}
	return expectOne(res)
}

// PersonFilter narrows SearchPersons.
type PersonFilter struct {
	Term            string // surname, given name or document substring
	Nationality     string
	NationalID      string
	Passport        string
	IncludeInactive bool
	Page
}

// SearchPersons returns a page of persons ordered by name and the total
// number of matches.
func (q *Queries) SearchPersons(ctx context.Context, f PersonFilter) ([]Person, int64, error) {
	wb := NewWhereBuilder().
		AddSearch(f.Term, "surname", "given_name", "national_id", "passport").
		Add("nationality", f.Nationality).
		Add("national_id", f.NationalID).
		Add("passport", f.Passport).
		AddActive("active", f.IncludeInactive)
	where, args := wb.Build()

	var total int64
	if err := q.queryRow(ctx, `SELECT COUNT(*) FROM persons`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count persons: %w", classify(err))
	}

	page := f.Page.normalized()
	rows, err := q.query(ctx, `SELECT `+personColumns+` FROM persons`+where+
		` ORDER BY surname, given_name, id LIMIT ? OFFSET ?`,
		append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("search persons: %w", err)
	}
	defer rows.Close()

	var out []Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, classify(err)
	}
	return out, total, nil
}

// CountPersons counts persons, active only unless includeInactive.
func (q *Queries) CountPersons(ctx context.Context, includeInactive bool) (int64, error) {
	where, args := NewWhereBuilder().AddActive("active", includeInactive).Build()
	var n int64
	if err := q.queryRow(ctx, `SELECT COUNT(*) FROM persons`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count persons: %w", classify(err))
	}
	return n, nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrNotFound
	}
	return nil
}
