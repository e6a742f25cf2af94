package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JonMunkholm/scah/internal/core"
)

func scanEstablishment(row scanner) (Establishment, error) {
	var (
		e       Establishment
		created string
	)
	if err := row.Scan(&e.ID, &e.Name, &e.Address, &e.Phone, &e.Active, &created); err != nil {
		return Establishment{}, classify(err)
	}
	var err error
	if e.CreatedAt, err = parseTimestamp(created); err != nil {
		return Establishment{}, fmt.Errorf("establishment %d created_at: %w", e.ID, err)
	}
	return e, nil
}

// CreateEstablishment inserts e. Names are unique.
func (q *Queries) CreateEstablishment(ctx context.Context, e *Establishment) error {
	now := q.now()
	id, err := q.insert(ctx, `INSERT INTO establishments (name, address, phone, active, created_at)
		VALUES (?, ?, ?, ?, ?) RETURNING id`,
		e.Name, e.Address, e.Phone, true, formatTimestamp(now))
	if err != nil {
		return fmt.Errorf("insert establishment: %w", err)
	}
	e.ID = id
	e.Active = true
	e.CreatedAt = now
	return nil
}

// GetEstablishment returns an establishment by id.
func (q *Queries) GetEstablishment(ctx context.Context, id int64) (Establishment, error) {
	e, err := scanEstablishment(q.queryRow(ctx,
		`SELECT id, name, address, phone, active, created_at FROM establishments WHERE id = ?`, id))
	if err != nil {
		return Establishment{}, fmt.Errorf("establishment %d: %w", id, err)
	}
	return e, nil
}

// EstablishmentByName finds an active establishment by case-insensitive
// name, returning nil when there is none.
func (q *Queries) EstablishmentByName(ctx context.Context, name string) (*Establishment, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	e, err := scanEstablishment(q.queryRow(ctx,
		`SELECT id, name, address, phone, active, created_at FROM establishments
		 WHERE LOWER(name) = LOWER(?) AND active = ?`, name, true))
	if errors.Is(err, core.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("establishment %q: %w", name, err)
	}
	return &e, nil
}

// ListEstablishments returns establishments ordered by name.
func (q *Queries) ListEstablishments(ctx context.Context, includeInactive bool) ([]Establishment, error) {
	where, args := NewWhereBuilder().AddActive("active", includeInactive).Build()
	rows, err := q.query(ctx, `SELECT id, name, address, phone, active, created_at FROM establishments`+
		where+` ORDER BY name`, args...)
	if err != nil {
		return nil, fmt.Errorf("list establishments: %w", err)
	}
	defer rows.Close()

	var out []Establishment
	for rows.Next() {
		e, err := scanEstablishment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, classify(rows.Err())
}

// SetEstablishmentActive flips the soft-delete flag.
func (q *Queries) SetEstablishmentActive(ctx context.Context, id int64, active bool) error {
	res, err := q.exec(ctx, `UPDATE establishments SET active = ? WHERE id = ?`, active, id)
	if err != nil {
		return fmt.Errorf("set establishment %d active=%t: %w", id, active, err)
	}
	return expectOne(res)
}

func scanRoom(row scanner) (Room, error) {
	var (
		r       Room
		created string
	)
	if err := row.Scan(&r.ID, &r.EstablishmentID, &r.Number, &r.Active, &created); err != nil {
		return Room{}, classify(err)
	}
	var err error
	if r.CreatedAt, err = parseTimestamp(created); err != nil {
		return Room{}, fmt.Errorf("room %d created_at: %w", r.ID, err)
	}
	return r, nil
}

// CreateRoom inserts r. Numbers are unique per establishment.
func (q *Queries) CreateRoom(ctx context.Context, r *Room) error {
	now := q.now()
	id, err := q.insert(ctx, `INSERT INTO rooms (establishment_id, number, active, created_at)
		VALUES (?, ?, ?, ?) RETURNING id`,
		r.EstablishmentID, r.Number, true, formatTimestamp(now))
	if err != nil {
		return fmt.Errorf("insert room: %w", err)
	}
	r.ID = id
	r.Active = true
	r.CreatedAt = now
	return nil
}

// GetRoom returns a room by id.
func (q *Queries) GetRoom(ctx context.Context, id int64) (Room, error) {
	r, err := scanRoom(q.queryRow(ctx,
		`SELECT id, establishment_id, number, active, created_at FROM rooms WHERE id = ?`, id))
	if err != nil {
		return Room{}, fmt.Errorf("room %d: %w", id, err)
	}
	return r, nil
}

// ListRooms returns an establishment's rooms ordered by number.
func (q *Queries) ListRooms(ctx context.Context, establishmentID int64, includeInactive bool) ([]Room, error) {
	where, args := NewWhereBuilder().
		Raw("establishment_id = ?", establishmentID).
		AddActive("active", includeInactive).
		Build()
	rows, err := q.query(ctx, `SELECT id, establishment_id, number, active, created_at FROM rooms`+
		where+` ORDER BY number`, args...)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	var out []Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, classify(rows.Err())
}

// SetRoomActive flips the soft-delete flag.
func (q *Queries) SetRoomActive(ctx context.Context, id int64, active bool) error {
	res, err := q.exec(ctx, `UPDATE rooms SET active = ? WHERE id = ?`, active, id)
	if err != nil {
		return fmt.Errorf("set room %d active=%t: %w", id, active, err)
	}
	return expectOne(res)
}
