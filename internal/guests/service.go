// Package guests is manual data entry and record maintenance: registering a
// single guest, editing persons, checking stays out, soft-deleting and
// restoring records, and the reference data they point at. Every write goes
// through the audit writer.
package guests

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/JonMunkholm/scah/internal/audit"
	"github.com/JonMunkholm/scah/internal/core"
	"github.com/JonMunkholm/scah/internal/identity"
	"github.com/JonMunkholm/scah/internal/logging"
	"github.com/JonMunkholm/scah/internal/storage"
	"github.com/JonMunkholm/scah/internal/validate"
)

// Config tunes a Service.
type Config struct {
	// Defaults fill blank fields of manually entered records.
	Defaults map[validate.Field]string

	// Now is the clock used for "today". Defaults to time.Now.
	Now func() time.Time
}

// Service manages persons, stays and reference data.
type Service struct {
	store    *storage.Store
	audit    *audit.Writer
	defaults map[validate.Field]string
	now      func() time.Time
}

// NewService returns a Service writing to store.
func NewService(store *storage.Store, w *audit.Writer, cfg Config) *Service {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{store: store, audit: w, defaults: cfg.Defaults, now: cfg.Now}
}

func (s *Service) today() storage.Date {
	return storage.NewDate(s.now())
}

func requireActor(ctx context.Context) error {
	if _, ok := core.ActorFromContext(ctx); !ok {
		return core.ErrUnauthorized
	}
	return nil
}

// Registration is the outcome of Register. On a conflict nothing is
// written and only Outcome and Conflict are set.
type Registration struct {
	Outcome  identity.Outcome       `json:"outcome"`
	Person   *storage.Person        `json:"person,omitempty"`
	Stay     *storage.Stay          `json:"stay,omitempty"`
	Conflict *core.IdentityConflict `json:"conflict,omitempty"`
	Enriched bool                   `json:"enriched,omitempty"`
	AuditIDs []int64                `json:"auditIds,omitempty"`
}

// RegisterOptions carry an operator's answer to a previous conflict.
type RegisterOptions struct {
	Force *int64
}

// Register validates one manually entered record, resolves its identity and
// writes the person (when new) and the stay in one transaction. Invalid
// input is returned as *core.ValidationError; an identity conflict is a
// normal outcome, not an error.
func (s *Service) Register(ctx context.Context, raw validate.Raw, opts RegisterOptions) (*Registration, error) {
	if err := requireActor(ctx); err != nil {
		return nil, err
	}
	rec, errs := validate.Validate(raw, validate.Options{Defaults: s.defaults, Today: s.today()})
	if err := validate.Err(errs); err != nil {
		return nil, err
	}
	actor, _ := core.ActorFromContext(ctx)

	var reg *Registration
	err := s.store.WithTx(ctx, func(tx *storage.Tx) error {
		reg = &Registration{}
		res, err := identity.Resolve(ctx, tx, rec, identity.Options{Force: opts.Force})
		if err != nil {
			return err
		}
		reg.Outcome = res.Outcome
		if res.Outcome == identity.Conflict {
			reg.Conflict = res.Conflict
			return nil
		}

		var person storage.Person
		if res.Outcome == identity.NewPerson {
			person = rec.Person()
			_, id, err := s.audit.Apply(ctx, tx, audit.Mutation{
				Action: audit.ActionCreate,
				Table:  audit.TablePersons,
				Detail: "manual entry",
				Run: func(tx *storage.Tx) (int64, any, error) {
					if err := tx.CreatePerson(ctx, &person); err != nil {
						return 0, nil, err
					}
					return person.ID, person, nil
				},
			})
			if err != nil {
				return err
			}
			reg.AuditIDs = append(reg.AuditIDs, id)
		} else {
			person = *res.Person
			if enriched, changed := identity.Enrich(person, rec); changed {
				id, err := s.updatePerson(ctx, tx, person, enriched, "filled blank fields from manual entry")
				if err != nil {
					return err
				}
				person = enriched
				reg.Enriched = true
				reg.AuditIDs = append(reg.AuditIDs, id)
			}
		}

		stay := rec.Stay(person.ID, actor.Username, "")
		if rec.Establishment != "" {
			est, err := tx.EstablishmentByName(ctx, rec.Establishment)
			if err != nil {
				return err
			}
			if est != nil {
				stay.EstablishmentID = &est.ID
			}
		}
		_, id, err := s.audit.Apply(ctx, tx, audit.Mutation{
			Action:   audit.ActionCreate,
			Table:    audit.TableStays,
			PersonID: &person.ID,
			Detail:   "manual entry",
			Run: func(tx *storage.Tx) (int64, any, error) {
				if err := tx.CreateStay(ctx, &stay); err != nil {
					return 0, nil, err
				}
				return stay.ID, stay, nil
			},
		})
		if err != nil {
			return err
		}
		reg.AuditIDs = append(reg.AuditIDs, id)
		reg.Person, reg.Stay = &person, &stay
		return nil
	})
	if err != nil {
		return nil, err
	}

	if reg.Outcome != identity.Conflict {
		logging.FromContext(ctx).Info("guest registered",
			"person_id", reg.Person.ID, "stay_id", reg.Stay.ID, "outcome", reg.Outcome)
	}
	return reg, nil
}

func (s *Service) updatePerson(ctx context.Context, tx *storage.Tx, before, after storage.Person, detail string) (int64, error) {
	_, id, err := s.audit.Apply(ctx, tx, audit.Mutation{
		Action: audit.ActionUpdate,
		Table:  audit.TablePersons,
		Before: before,
		Detail: detail,
		Run: func(tx *storage.Tx) (int64, any, error) {
			if err := tx.UpdatePerson(ctx, &after); err != nil {
				return 0, nil, err
			}
			return after.ID, after, nil
		},
	})
	return id, err
}

// GetPerson returns a person, deleted ones included.
func (s *Service) GetPerson(ctx context.Context, id int64) (storage.Person, error) {
	return s.store.GetPerson(ctx, id)
}

// SearchPersons returns a page of matching persons and the total.
func (s *Service) SearchPersons(ctx context.Context, f storage.PersonFilter) ([]storage.Person, int64, error) {
	return s.store.SearchPersons(ctx, f)
}

// PersonStays lists a person's stays, newest first.
func (s *Service) PersonStays(ctx context.Context, personID int64, includeInactive bool) ([]storage.Stay, error) {
	return s.store.StaysByPerson(ctx, personID, includeInactive)
}

// UpdatePerson applies changes to an active person. Keys present in changes
// replace the stored value, an empty value clears an optional field. The
// result is validated like an imported record's identity part.
func (s *Service) UpdatePerson(ctx context.Context, id int64, changes validate.Raw) (storage.Person, error) {
	if err := requireActor(ctx); err != nil {
		return storage.Person{}, err
	}
	var updated storage.Person
	err := s.store.WithTx(ctx, func(tx *storage.Tx) error {
		before, err := tx.GetPerson(ctx, id)
		if err != nil {
			return err
		}
		if !before.Active {
			return fmt.Errorf("person %d is deleted: %w", id, core.ErrNotFound)
		}

		raw := personRaw(before)
		for f, v := range changes {
			raw[f] = v
		}
		p, errs := validate.ValidatePerson(raw, validate.Options{Today: s.today()})
		if err := validate.Err(errs); err != nil {
			return err
		}
		p.ID, p.Active, p.CreatedAt = before.ID, before.Active, before.CreatedAt

		if _, err := s.updatePerson(ctx, tx, before, p, "edited "+changedFields(changes)); err != nil {
			return err
		}
		updated = p
		return nil
	})
	if err != nil {
		return storage.Person{}, err
	}
	return s.store.GetPerson(ctx, updated.ID)
}

func personRaw(p storage.Person) validate.Raw {
	raw := validate.Raw{
		validate.FieldSurname:     p.Surname,
		validate.FieldGivenName:   p.GivenName,
		validate.FieldNationality: p.Nationality,
		validate.FieldOrigin:      p.Origin,
		validate.FieldProfession:  p.Profession,
		validate.FieldPhone:       p.Phone,
	}
	if p.NationalID != nil {
		raw[validate.FieldNationalID] = *p.NationalID
	}
	if p.Passport != nil {
		raw[validate.FieldPassport] = *p.Passport
	}
	if p.BirthDate != nil {
		raw[validate.FieldBirthDate] = p.BirthDate.String()
	}
	return raw
}

func changedFields(changes validate.Raw) string {
	var names []string
	for _, f := range validate.Fields {
		if _, ok := changes[f]; ok {
			names = append(names, string(f))
		}
	}
	return strings.Join(names, ", ")
}

// DeletePerson soft-deletes a person. Its stays are kept.
func (s *Service) DeletePerson(ctx context.Context, id int64) error {
	return s.setPersonActive(ctx, id, false)
}

// RestorePerson reactivates a person. It fails with a unique
// *core.ConstraintViolation when another active person now holds one of its
// documents.
func (s *Service) RestorePerson(ctx context.Context, id int64) error {
	return s.setPersonActive(ctx, id, true)
}

func (s *Service) setPersonActive(ctx context.Context, id int64, active bool) error {
	return s.toggle(ctx, active, audit.TablePersons, func(tx *storage.Tx) (any, *int64, bool, error) {
		p, err := tx.GetPerson(ctx, id)
		return p, &p.ID, p.Active, err
	}, func(tx *storage.Tx) (int64, any, error) {
		if err := tx.SetPersonActive(ctx, id, active); err != nil {
			return 0, nil, err
		}
		p, err := tx.GetPerson(ctx, id)
		return id, p, err
	})
}

// PersonHistory returns every audit record about a person and its stays,
// oldest first.
func (s *Service) PersonHistory(ctx context.Context, id int64) ([]storage.AuditRecord, error) {
	if _, err := s.store.GetPerson(ctx, id); err != nil {
		return nil, err
	}
	return s.store.PersonAuditHistory(ctx, id)
}

// SearchStays returns a page of matching stays, active only unless the
// filter says otherwise.
func (s *Service) SearchStays(ctx context.Context, f storage.StayFilter) ([]storage.StayRow, int64, error) {
	return s.store.SearchStays(ctx, f)
}

// GetStay returns a stay, deleted ones included.
func (s *Service) GetStay(ctx context.Context, id int64) (storage.Stay, error) {
	return s.store.GetStay(ctx, id)
}

// CheckOut records the exit date of an active stay.
func (s *Service) CheckOut(ctx context.Context, id int64, exit storage.Date) (storage.Stay, error) {
	if err := requireActor(ctx); err != nil {
		return storage.Stay{}, err
	}
	var out storage.Stay
	err := s.store.WithTx(ctx, func(tx *storage.Tx) error {
		before, err := tx.GetStay(ctx, id)
		if err != nil {
			return err
		}
		if !before.Active {
			return fmt.Errorf("stay %d is deleted: %w", id, core.ErrNotFound)
		}
		if exit.Before(before.EntryDate.Time) {
			return &core.ValidationError{Fields: []core.FieldError{{
				Field:   string(validate.FieldExitDate),
				Kind:    string(validate.KindDateOrder),
				Value:   exit.String(),
				Message: "exit date is before entry date",
			}}}
		}
		_, _, err = s.audit.Apply(ctx, tx, audit.Mutation{
			Action:   audit.ActionCheckOut,
			Table:    audit.TableStays,
			PersonID: &before.PersonID,
			Before:   before,
			Run: func(tx *storage.Tx) (int64, any, error) {
				if err := tx.SetStayExit(ctx, id, exit); err != nil {
					return 0, nil, err
				}
				after, err := tx.GetStay(ctx, id)
				out = after
				return id, after, err
			},
		})
		return err
	})
	return out, err
}

// DeleteStay soft-deletes a stay. It drops out of searches but stays in the
// person's history.
func (s *Service) DeleteStay(ctx context.Context, id int64) error {
	return s.setStayActive(ctx, id, false)
}

// RestoreStay reactivates a stay.
func (s *Service) RestoreStay(ctx context.Context, id int64) error {
	return s.setStayActive(ctx, id, true)
}

func (s *Service) setStayActive(ctx context.Context, id int64, active bool) error {
	return s.toggle(ctx, active, audit.TableStays, func(tx *storage.Tx) (any, *int64, bool, error) {
		st, err := tx.GetStay(ctx, id)
		return st, &st.PersonID, st.Active, err
	}, func(tx *storage.Tx) (int64, any, error) {
		if err := tx.SetStayActive(ctx, id, active); err != nil {
			return 0, nil, err
		}
		st, err := tx.GetStay(ctx, id)
		return id, st, err
	})
}

// StayHistory returns the audit records of one stay, oldest first.
func (s *Service) StayHistory(ctx context.Context, id int64) ([]storage.AuditRecord, error) {
	return s.store.AuditHistory(ctx, audit.TableStays, id)
}

// toggle runs a soft delete or restore: load reads the current state, set
// flips it and returns the new state. Deleting a deleted record or
// restoring an active one is ErrNotFound.
func (s *Service) toggle(ctx context.Context, active bool, table string,
	load func(*storage.Tx) (state any, personID *int64, isActive bool, err error),
	set func(*storage.Tx) (int64, any, error),
) error {
	if err := requireActor(ctx); err != nil {
		return err
	}
	action := audit.ActionDelete
	if active {
		action = audit.ActionRestore
	}
	return s.store.WithTx(ctx, func(tx *storage.Tx) error {
		before, personID, isActive, err := load(tx)
		if err != nil {
			return err
		}
		if isActive == active {
			return fmt.Errorf("%s record is already %s: %w", table, state(active), core.ErrNotFound)
		}
		_, _, err = s.audit.Apply(ctx, tx, audit.Mutation{
			Action:   action,
			Table:    table,
			PersonID: personID,
			Before:   before,
			Run:      set,
		})
		return err
	})
}

func state(active bool) string {
	if active {
		return "active"
	}
	return "deleted"
}

// Stats returns the dashboard counters for today.
func (s *Service) Stats(ctx context.Context) (storage.Stats, error) {
	return s.store.Stats(ctx, s.today(), 5)
}
