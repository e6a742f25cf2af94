package guests

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/scah/internal/audit"
	"github.com/JonMunkholm/scah/internal/core"
	"github.com/JonMunkholm/scah/internal/identity"
	"github.com/JonMunkholm/scah/internal/storage"
	"github.com/JonMunkholm/scah/internal/storage/storagetest"
	"github.com/JonMunkholm/scah/internal/validate"
)

func actorCtx() context.Context {
	return core.ContextWithActor(context.Background(), core.Actor{UserID: 2, Username: "jorge", Role: "supervisor"})
}

func newService(t *testing.T) (*storage.Store, *Service) {
	t.Helper()
	st := storagetest.Open(t)
	now := func() time.Time { return time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC) }
	return st, NewService(st, audit.NewWriter(), Config{
		Defaults: map[validate.Field]string{validate.FieldNationality: "Argentina"},
		Now:      now,
	})
}

func juan() validate.Raw {
	return validate.Raw{
		validate.FieldSurname:    "Pérez",
		validate.FieldGivenName:  "Juan",
		validate.FieldOrigin:     "Salta",
		validate.FieldNationalID: "30123456",
		validate.FieldRoom:       "4",
		validate.FieldEntryDate:  "2024-03-01",
	}
}

func register(t *testing.T, svc *Service, raw validate.Raw) *Registration {
	t.Helper()
	reg, err := svc.Register(actorCtx(), raw, RegisterOptions{})
	require.NoError(t, err)
	return reg
}

func TestRegister_NewThenExisting(t *testing.T) {
	st, svc := newService(t)
	ctx := actorCtx()

	first := register(t, svc, juan())
	assert.Equal(t, identity.NewPerson, first.Outcome)
	assert.Equal(t, "Argentina", first.Person.Nationality, "default applied")
	assert.Len(t, first.AuditIDs, 2)

	raw := juan()
	raw[validate.FieldEntryDate] = "2024-03-08"
	raw[validate.FieldPhone] = "+54 387 4000000"
	second := register(t, svc, raw)
	assert.Equal(t, identity.ExistingPerson, second.Outcome)
	assert.Equal(t, first.Person.ID, second.Person.ID)
	assert.True(t, second.Enriched)
	assert.Len(t, second.AuditIDs, 2, "UPDATE for the enrichment plus CREATE for the stay")

	stays, err := svc.PersonStays(ctx, first.Person.ID, false)
	require.NoError(t, err)
	require.Len(t, stays, 2)
	assert.Equal(t, "2024-03-08", stays[0].EntryDate.String())
	assert.Equal(t, "jorge", stays[0].RecordedBy)

	history, err := svc.PersonHistory(ctx, first.Person.ID)
	require.NoError(t, err)
	actions := make([]string, len(history))
	for i, h := range history {
		actions[i] = h.Action
	}
	assert.Equal(t, []string{"CREATE", "CREATE", "UPDATE", "CREATE"}, actions)

	n, err := st.CountPersons(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRegister_ConflictWritesNothing(t *testing.T) {
	st, svc := newService(t)
	register(t, svc, juan())

	raw := juan()
	raw[validate.FieldSurname] = "Gómez"
	reg, err := svc.Register(actorCtx(), raw, RegisterOptions{})
	require.NoError(t, err)
	assert.Equal(t, identity.Conflict, reg.Outcome)
	require.NotNil(t, reg.Conflict)
	assert.Nil(t, reg.Stay)

	total, err := st.CountAudit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
}

func TestRegister_RejectsInvalidInput(t *testing.T) {
	_, svc := newService(t)

	raw := juan()
	raw[validate.FieldExitDate] = "2024-02-01"
	_, err := svc.Register(actorCtx(), raw, RegisterOptions{})
	var ve *core.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "exit_date", ve.Fields[0].Field)

	_, err = svc.Register(context.Background(), juan(), RegisterOptions{})
	assert.ErrorIs(t, err, core.ErrUnauthorized)
}

func TestUpdatePerson(t *testing.T) {
	st, svc := newService(t)
	ctx := actorCtx()
	id := register(t, svc, juan()).Person.ID

	p, err := svc.UpdatePerson(ctx, id, validate.Raw{
		validate.FieldProfession: "Docente",
		validate.FieldPassport:   "ab-123456",
	})
	require.NoError(t, err)
	assert.Equal(t, "Docente", p.Profession)
	require.NotNil(t, p.Passport)
	assert.Equal(t, "AB123456", *p.Passport)
	assert.Equal(t, "30123456", *p.NationalID)

	_, err = svc.UpdatePerson(ctx, id, validate.Raw{validate.FieldSurname: "X"})
	var ve *core.ValidationError
	assert.ErrorAs(t, err, &ve)

	recs, _, err := st.QueryAudit(ctx, storage.AuditFilter{Action: "UPDATE", Table: "persons"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "edited passport, profession", recs[0].Detail)
	var before storage.Person
	require.NoError(t, json.Unmarshal(recs[0].Before, &before))
	assert.Empty(t, before.Profession)
}

func TestDeleteAndRestorePerson(t *testing.T) {
	_, svc := newService(t)
	ctx := actorCtx()
	first := register(t, svc, juan())

	require.NoError(t, svc.DeletePerson(ctx, first.Person.ID))
	assert.ErrorIs(t, svc.DeletePerson(ctx, first.Person.ID), core.ErrNotFound)

	persons, total, err := svc.SearchPersons(ctx, storage.PersonFilter{Term: "30123456"})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, persons)

	// The document is free again, so a new person can take it.
	second := register(t, svc, juan())
	assert.Equal(t, identity.NewPerson, second.Outcome)
	assert.NotEqual(t, first.Person.ID, second.Person.ID)

	err = svc.RestorePerson(ctx, first.Person.ID)
	var cv *core.ConstraintViolation
	require.ErrorAs(t, err, &cv)
	assert.Equal(t, core.ConstraintUnique, cv.Kind)

	require.NoError(t, svc.DeletePerson(ctx, second.Person.ID))
	require.NoError(t, svc.RestorePerson(ctx, first.Person.ID))
	p, err := svc.GetPerson(ctx, first.Person.ID)
	require.NoError(t, err)
	assert.True(t, p.Active)

	history, err := svc.PersonHistory(ctx, first.Person.ID)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, "RESTORE", last.Action)
	assert.NotNil(t, last.Before)
	assert.NotNil(t, last.After)
}

func TestStays_CheckOutAndSoftDelete(t *testing.T) {
	_, svc := newService(t)
	ctx := actorCtx()
	reg := register(t, svc, juan())
	stayID := reg.Stay.ID

	_, err := svc.CheckOut(ctx, stayID, storage.MustDate("2024-02-20"))
	var ve *core.ValidationError
	require.ErrorAs(t, err, &ve)

	stay, err := svc.CheckOut(ctx, stayID, storage.MustDate("2024-03-05"))
	require.NoError(t, err)
	require.NotNil(t, stay.ExitDate)
	assert.Equal(t, "2024-03-05", stay.ExitDate.String())

	require.NoError(t, svc.DeleteStay(ctx, stayID))
	rows, total, err := svc.SearchStays(ctx, storage.StayFilter{Term: "30123456"})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, rows)

	_, total, err = svc.SearchStays(ctx, storage.StayFilter{Term: "30123456", IncludeInactive: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)

	history, err := svc.StayHistory(ctx, stayID)
	require.NoError(t, err)
	actions := make([]string, len(history))
	for i, h := range history {
		actions[i] = h.Action
	}
	assert.Equal(t, []string{"CREATE", "CHECKOUT", "DELETE"}, actions)

	_, err = svc.CheckOut(ctx, stayID, storage.MustDate("2024-03-06"))
	assert.ErrorIs(t, err, core.ErrNotFound)

	require.NoError(t, svc.RestoreStay(ctx, stayID))
	_, total, err = svc.SearchStays(ctx, storage.StayFilter{Term: "30123456"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestEstablishmentsAndRooms(t *testing.T) {
	_, svc := newService(t)
	ctx := actorCtx()

	est, err := svc.CreateEstablishment(ctx, storage.Establishment{Name: "  Hotel Sol "})
	require.NoError(t, err)
	assert.Equal(t, "Hotel Sol", est.Name)

	_, err = svc.CreateEstablishment(ctx, storage.Establishment{Name: "Hotel Sol"})
	var cv *core.ConstraintViolation
	if assert.ErrorAs(t, err, &cv) {
		assert.Equal(t, core.ConstraintUnique, cv.Kind)
	}

	room, err := svc.CreateRoom(ctx, est.ID, "12")
	require.NoError(t, err)
	rooms, err := svc.ListRooms(ctx, est.ID, false)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, room.ID, rooms[0].ID)

	raw := juan()
	raw[validate.FieldEstablishment] = "HOTEL SOL"
	reg := register(t, svc, raw)
	require.NotNil(t, reg.Stay.EstablishmentID)
	assert.Equal(t, est.ID, *reg.Stay.EstablishmentID)

	require.NoError(t, svc.DeleteRoom(ctx, room.ID))
	require.NoError(t, svc.DeleteEstablishment(ctx, est.ID))
	list, err := svc.ListEstablishments(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = svc.CreateRoom(ctx, est.ID, "13")
	assert.ErrorAs(t, err, &cv)
}

func TestStats(t *testing.T) {
	_, svc := newService(t)
	register(t, svc, juan())

	raw := juan()
	raw[validate.FieldNationalID] = "30999888"
	raw[validate.FieldSurname] = "Luna"
	raw[validate.FieldExitDate] = "2024-03-02"
	register(t, svc, raw)

	stats, err := svc.Stats(actorCtx())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.ActivePersons)
	assert.Equal(t, int64(2), stats.ActiveStays)
	assert.Equal(t, int64(1), stats.PresentToday)
	require.NotEmpty(t, stats.TopNationalities)
	assert.Equal(t, "Argentina", stats.TopNationalities[0].Name)
}
