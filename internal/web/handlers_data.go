package web

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/JonMunkholm/scah/internal/logging"
	"github.com/JonMunkholm/scah/internal/storage"
)

// handleStats returns dashboard counters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Guests.Stats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleSearchPersons searches persons by name, document or nationality.
func (s *Server) handleSearchPersons(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.PersonFilter{
		Term:            strings.TrimSpace(q.Get("q")),
		Nationality:     strings.TrimSpace(q.Get("nationality")),
		NationalID:      strings.TrimSpace(q.Get("national_id")),
		Passport:        strings.TrimSpace(q.Get("passport")),
		IncludeInactive: parseBool(r, "include_inactive"),
		Page:            parsePage(r),
	}
	persons, total, err := s.svc.Guests.SearchPersons(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPage(persons, total, f.Page))
}

// handleGetPerson returns one person.
func (s *Server) handleGetPerson(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := s.svc.Guests.GetPerson(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handlePersonStays lists a person's stays, newest first.
func (s *Server) handlePersonStays(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	stays, err := s.svc.Guests.PersonStays(r.Context(), id, parseBool(r, "include_inactive"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if stays == nil {
		stays = []storage.Stay{}
	}
	writeJSON(w, http.StatusOK, stays)
}

// handlePersonHistory returns every audit record about a person.
func (s *Server) handlePersonHistory(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	recs, err := s.svc.Guests.PersonHistory(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, auditList(recs))
}

// stayFilter reads the stay search parameters shared by search and export.
func stayFilter(r *http.Request) (storage.StayFilter, error) {
	q := r.URL.Query()
	f := storage.StayFilter{
		Term:            strings.TrimSpace(q.Get("q")),
		PersonID:        parseOptionalID(r, "person_id"),
		EstablishmentID: parseOptionalID(r, "establishment_id"),
		Establishment:   strings.TrimSpace(q.Get("establishment")),
		Nationality:     strings.TrimSpace(q.Get("nationality")),
		MinAge:          parseOptionalInt(r, "min_age"),
		MaxAge:          parseOptionalInt(r, "max_age"),
		BatchID:         strings.TrimSpace(q.Get("batch_id")),
		IncludeInactive: parseBool(r, "include_inactive"),
		Page:            parsePage(r),
	}
	for _, bound := range []struct {
		name string
		dst  *string
	}{{"from", &f.From}, {"to", &f.To}} {
		v := strings.TrimSpace(q.Get(bound.name))
		if v == "" {
			continue
		}
		if _, err := storage.ParseDate(v); err != nil {
			return f, fmt.Errorf("%w: %s must be YYYY-MM-DD", errBadRequest, bound.name)
		}
		*bound.dst = v
	}
	return f, nil
}

// handleSearchStays searches stays by guest, establishment, dates or age.
func (s *Server) handleSearchStays(w http.ResponseWriter, r *http.Request) {
	f, err := stayFilter(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rows, total, err := s.svc.Guests.SearchStays(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPage(rows, total, f.Page))
}

// handleExportStays streams every stay matching the search as CSV, one
// page at a time.
func (s *Server) handleExportStays(w http.ResponseWriter, r *http.Request) {
	f, err := stayFilter(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ctx := r.Context()
	f.Page = storage.Page{Limit: storage.MaxPageSize}

	// Fetch the first page before committing to a 200.
	rows, total, err := s.svc.Guests.SearchStays(ctx, f)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	attachment(w, "stays", "csv", "text/csv")
	cw := csv.NewWriter(w)
	cw.Write([]string{
		"stay_id", "person_id", "surname", "given_name", "nationality", "national_id", "passport",
		"establishment", "room", "age", "entry_date", "exit_date", "destination", "vehicle",
		"recorded_by", "batch_id", "active",
	})

	written := 0
	for {
		for _, row := range rows {
			cw.Write(stayRecord(row))
		}
		written += len(rows)
		cw.Flush()
		if fl, ok := w.(http.Flusher); ok {
			fl.Flush()
		}
		if len(rows) < f.Page.Limit || int64(written) >= total {
			break
		}
		f.Page.Offset += f.Page.Limit
		if rows, _, err = s.svc.Guests.SearchStays(ctx, f); err != nil {
			// Headers are already sent.
			logging.FromContext(ctx).Error("stay export aborted", "error", err, "written", written)
			return
		}
	}
	logging.FromContext(ctx).Info("stays exported", "rows", written)
}

func stayRecord(row storage.StayRow) []string {
	deref := func(s *string) string {
		if s == nil {
			return ""
		}
		return *s
	}
	age, exit := "", ""
	if row.Age != nil {
		age = strconv.Itoa(*row.Age)
	}
	if row.ExitDate != nil {
		exit = row.ExitDate.String()
	}
	vehicle := ""
	if row.HasVehicle {
		vehicle = row.VehicleDetails
		if vehicle == "" {
			vehicle = "yes"
		}
	}
	return []string{
		strconv.FormatInt(row.ID, 10),
		strconv.FormatInt(row.PersonID, 10),
		row.Surname,
		row.GivenName,
		row.Nationality,
		deref(row.NationalID),
		deref(row.Passport),
		row.EstablishmentName,
		row.Room,
		age,
		row.EntryDate.String(),
		exit,
		row.Destination,
		vehicle,
		row.RecordedBy,
		row.BatchID,
		strconv.FormatBool(row.Active),
	}
}

// handleGetStay returns one stay.
func (s *Server) handleGetStay(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	st, err := s.svc.Guests.GetStay(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleStayHistory returns every audit record about a stay.
func (s *Server) handleStayHistory(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	recs, err := s.svc.Guests.StayHistory(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, auditList(recs))
}

// handleListEstablishments lists establishments by name.
func (s *Server) handleListEstablishments(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Guests.ListEstablishments(r.Context(), parseBool(r, "include_inactive"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if list == nil {
		list = []storage.Establishment{}
	}
	writeJSON(w, http.StatusOK, list)
}

// handleListRooms lists an establishment's rooms.
func (s *Server) handleListRooms(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rooms, err := s.svc.Guests.ListRooms(r.Context(), id, parseBool(r, "include_inactive"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if rooms == nil {
		rooms = []storage.Room{}
	}
	writeJSON(w, http.StatusOK, rooms)
}

func auditList(recs []storage.AuditRecord) []storage.AuditRecord {
	if recs == nil {
		return []storage.AuditRecord{}
	}
	return recs
}
