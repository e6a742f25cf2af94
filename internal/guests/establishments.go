package guests

import (
	"context"
	"strings"

	"github.com/JonMunkholm/scah/internal/audit"
	"github.com/JonMunkholm/scah/internal/core"
	"github.com/JonMunkholm/scah/internal/storage"
)

func required(field, value string) error {
	if strings.TrimSpace(value) != "" {
		return nil
	}
	return &core.ValidationError{Fields: []core.FieldError{{Field: field, Kind: "required", Message: "is required"}}}
}

// CreateEstablishment adds a lodging property. Names are unique.
func (s *Service) CreateEstablishment(ctx context.Context, e storage.Establishment) (storage.Establishment, error) {
	if err := requireActor(ctx); err != nil {
		return storage.Establishment{}, err
	}
	e.Name = strings.TrimSpace(e.Name)
	if err := required("name", e.Name); err != nil {
		return storage.Establishment{}, err
	}
	err := s.store.WithTx(ctx, func(tx *storage.Tx) error {
		_, _, err := s.audit.Apply(ctx, tx, audit.Mutation{
			Action: audit.ActionCreate,
			Table:  audit.TableEstablishments,
			Run: func(tx *storage.Tx) (int64, any, error) {
				if err := tx.CreateEstablishment(ctx, &e); err != nil {
					return 0, nil, err
				}
				return e.ID, e, nil
			},
		})
		return err
	})
	return e, err
}

// ListEstablishments returns establishments by name.
func (s *Service) ListEstablishments(ctx context.Context, includeInactive bool) ([]storage.Establishment, error) {
	return s.store.ListEstablishments(ctx, includeInactive)
}

// DeleteEstablishment soft-deletes an establishment. Stays keep pointing
// at it.
func (s *Service) DeleteEstablishment(ctx context.Context, id int64) error {
	return s.toggle(ctx, false, audit.TableEstablishments, func(tx *storage.Tx) (any, *int64, bool, error) {
		e, err := tx.GetEstablishment(ctx, id)
		return e, nil, e.Active, err
	}, func(tx *storage.Tx) (int64, any, error) {
		if err := tx.SetEstablishmentActive(ctx, id, false); err != nil {
			return 0, nil, err
		}
		e, err := tx.GetEstablishment(ctx, id)
		return id, e, err
	})
}

// CreateRoom adds a room to an active establishment.
func (s *Service) CreateRoom(ctx context.Context, establishmentID int64, number string) (storage.Room, error) {
	if err := requireActor(ctx); err != nil {
		return storage.Room{}, err
	}
	r := storage.Room{EstablishmentID: establishmentID, Number: strings.TrimSpace(number)}
	if err := required("number", r.Number); err != nil {
		return storage.Room{}, err
	}
	err := s.store.WithTx(ctx, func(tx *storage.Tx) error {
		est, err := tx.GetEstablishment(ctx, establishmentID)
		if err != nil {
			return err
		}
		if !est.Active {
			return &core.ConstraintViolation{Kind: core.ConstraintForeignKey, Detail: "establishment is deleted"}
		}
		_, _, err = s.audit.Apply(ctx, tx, audit.Mutation{
			Action: audit.ActionCreate,
			Table:  audit.TableRooms,
			Detail: est.Name,
			Run: func(tx *storage.Tx) (int64, any, error) {
				if err := tx.CreateRoom(ctx, &r); err != nil {
					return 0, nil, err
				}
				return r.ID, r, nil
			},
		})
		return err
	})
	return r, err
}

// ListRooms returns an establishment's rooms.
func (s *Service) ListRooms(ctx context.Context, establishmentID int64, includeInactive bool) ([]storage.Room, error) {
	return s.store.ListRooms(ctx, establishmentID, includeInactive)
}

// DeleteRoom soft-deletes a room.
func (s *Service) DeleteRoom(ctx context.Context, id int64) error {
	return s.toggle(ctx, false, audit.TableRooms, func(tx *storage.Tx) (any, *int64, bool, error) {
		r, err := tx.GetRoom(ctx, id)
		return r, nil, r.Active, err
	}, func(tx *storage.Tx) (int64, any, error) {
		if err := tx.SetRoomActive(ctx, id, false); err != nil {
			return 0, nil, err
		}
		r, err := tx.GetRoom(ctx, id)
		return id, r, err
	})
}
