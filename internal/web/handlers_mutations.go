package web

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/JonMunkholm/scah/internal/guests"
	"github.com/JonMunkholm/scah/internal/identity"
	"github.com/JonMunkholm/scah/internal/logging"
	"github.com/JonMunkholm/scah/internal/storage"
	"github.com/JonMunkholm/scah/internal/validate"
)

// handleRegister records one manually entered guest stay. An identity
// conflict writes nothing and answers 409 with the candidate persons;
// resubmitting with forcePersonId attaches the stay to the chosen one.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Guest         validate.Raw `json:"guest"`
		ForcePersonID *int64       `json:"forcePersonId,omitempty"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if len(req.Guest) == 0 {
		s.fail(w, r, fmt.Errorf("%w: guest is required", errBadRequest))
		return
	}

	ctx := r.Context()
	reg, err := s.svc.Guests.Register(ctx, req.Guest, guests.RegisterOptions{Force: req.ForcePersonID})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	status := http.StatusCreated
	if reg.Outcome == identity.Conflict {
		status = http.StatusConflict
	} else {
		logging.FromContext(ctx).Info("guest registered",
			"outcome", reg.Outcome,
			"person_id", reg.Person.ID,
			"stay_id", reg.Stay.ID,
		)
	}
	writeJSON(w, status, reg)
}

// handleUpdatePerson edits a person's identity fields. The body maps field
// names to new values; an empty value clears an optional field.
func (s *Server) handleUpdatePerson(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var changes validate.Raw
	if err := decodeJSON(w, r, &changes); err != nil {
		s.fail(w, r, err)
		return
	}
	if len(changes) == 0 {
		s.fail(w, r, fmt.Errorf("%w: no changes", errBadRequest))
		return
	}
	for f := range changes {
		if !validate.IsPersonField(f) {
			s.fail(w, r, fmt.Errorf("%w: %q is not a person field", errBadRequest, f))
			return
		}
	}

	p, err := s.svc.Guests.UpdatePerson(r.Context(), id, changes)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleDeletePerson soft-deletes a person. Their stays are kept.
func (s *Server) handleDeletePerson(w http.ResponseWriter, r *http.Request) {
	s.toggle(w, r, s.svc.Guests.DeletePerson)
}

// handleRestorePerson undoes a person delete.
func (s *Server) handleRestorePerson(w http.ResponseWriter, r *http.Request) {
	s.toggle(w, r, s.svc.Guests.RestorePerson)
}

// handleDeleteStay soft-deletes a stay.
func (s *Server) handleDeleteStay(w http.ResponseWriter, r *http.Request) {
	s.toggle(w, r, s.svc.Guests.DeleteStay)
}

// handleRestoreStay undoes a stay delete.
func (s *Server) handleRestoreStay(w http.ResponseWriter, r *http.Request) {
	s.toggle(w, r, s.svc.Guests.RestoreStay)
}

// toggle runs an id-only mutation and answers 204.
func (s *Server) toggle(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id int64) error) {
	id, err := urlID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := fn(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCheckOut sets a stay's exit date, today when the body has none.
func (s *Server) handleCheckOut(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req struct {
		ExitDate string `json:"exitDate,omitempty"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}

	exit := storage.NewDate(timeNow())
	if v := strings.TrimSpace(req.ExitDate); v != "" {
		if exit, err = storage.ParseDate(v); err != nil {
			s.fail(w, r, fmt.Errorf("%w: exitDate must be YYYY-MM-DD", errBadRequest))
			return
		}
	}

	st, err := s.svc.Guests.CheckOut(r.Context(), id, exit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleCreateEstablishment adds a lodging property.
func (s *Server) handleCreateEstablishment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string `json:"name"`
		Address string `json:"address,omitempty"`
		Phone   string `json:"phone,omitempty"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	e, err := s.svc.Guests.CreateEstablishment(r.Context(), storage.Establishment{
		Name:    req.Name,
		Address: req.Address,
		Phone:   req.Phone,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// handleDeleteEstablishment soft-deletes an establishment.
func (s *Server) handleDeleteEstablishment(w http.ResponseWriter, r *http.Request) {
	s.toggle(w, r, s.svc.Guests.DeleteEstablishment)
}

// handleCreateRoom adds a room to an establishment.
func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	estID, err := urlID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req struct {
		Number string `json:"number"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	room, err := s.svc.Guests.CreateRoom(r.Context(), estID, req.Number)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

// handleDeleteRoom soft-deletes a room.
func (s *Server) handleDeleteRoom(w http.ResponseWriter, r *http.Request) {
	s.toggle(w, r, s.svc.Guests.DeleteRoom)
}
