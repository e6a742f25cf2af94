package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/scah/internal/storage"
	"github.com/JonMunkholm/scah/internal/validate"
)

var (
	_ Lookup = (*storage.Store)(nil)
	_ Lookup = (*storage.Tx)(nil)
	_ Lookup = (*Overlay)(nil)
)

// memLookup is an in-memory Lookup.
type memLookup struct {
	persons []storage.Person
	calls   []string
}

func (m *memLookup) find(match func(storage.Person) bool) *storage.Person {
	for i := range m.persons {
		if m.persons[i].Active && match(m.persons[i]) {
			p := m.persons[i]
			return &p
		}
	}
	return nil
}

func (m *memLookup) PersonByNationalID(_ context.Context, doc string) (*storage.Person, error) {
	m.calls = append(m.calls, "national_id:"+doc)
	return m.find(func(p storage.Person) bool { return p.NationalID != nil && *p.NationalID == doc }), nil
}

func (m *memLookup) PersonByPassport(_ context.Context, doc string) (*storage.Person, error) {
	m.calls = append(m.calls, "passport:"+doc)
	return m.find(func(p storage.Person) bool { return p.Passport != nil && *p.Passport == doc }), nil
}

func str(s string) *string { return &s }

func stored() *memLookup {
	birth := storage.MustDate("1980-05-01")
	return &memLookup{persons: []storage.Person{
		{ID: 1, Surname: "Pérez", GivenName: "Juan", NationalID: str("30123456"), BirthDate: &birth, Active: true},
		{ID: 2, Surname: "Smith", GivenName: "Anna", Passport: str("X1234567"), Active: true},
		{ID: 3, Surname: "Gone", GivenName: "Old", NationalID: str("20999888"), Active: false},
		{ID: 4, Surname: "López", GivenName: "Eva", NationalID: str("25000000"), Passport: str("P7654321"), Active: true},
	}}
}

func record(surname, given, nationalID, passport string) validate.Record {
	return validate.Record{Surname: surname, GivenName: given, NationalID: nationalID, Passport: passport}
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name       string
		rec        validate.Record
		outcome    Outcome
		personID   int64
		kind       string
		candidates []int64
		fields     []string
	}{
		{"no match", record("Nuevo", "Ana", "40111222", ""), NewPerson, 0, "", nil, nil},
		{"inactive holder is no match", record("Other", "Person", "20999888", ""), NewPerson, 0, "", nil, nil},
		{"national id hit", record("PEREZ", "juan", "30123456", ""), ExistingPerson, 1, "", nil, nil},
		{"passport hit", record("Smith", "", "", "X1234567"), ExistingPerson, 2, "", nil, nil},
		{"new passport on known national id", record("Perez", "Juan", "30123456", "AB99999"), ExistingPerson, 1, "", nil, nil},
		{"surname differs", record("Gomez", "Juan", "30123456", ""), Conflict, 0,
			BiographicalMismatch, []int64{1}, []string{"surname"}},
		{"documents point at two persons", record("Pérez", "Juan", "30123456", "X1234567"), Conflict, 0,
			DocumentMismatch, []int64{1, 2}, []string{"national_id", "passport"}},
		{"passport holder gains national id", record("Smith", "Anna", "41000000", "X1234567"), ExistingPerson, 2, "", nil, nil},
		{"passport holder has another national id", record("Lopez", "Eva", "26000000", "P7654321"), Conflict, 0,
			BiographicalMismatch, []int64{4}, []string{"national_id"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Resolve(ctx, stored(), tt.rec, Options{})
			require.NoError(t, err)
			assert.Equal(t, tt.outcome, res.Outcome)
			assert.Equal(t, tt.personID, res.PersonID())
			if tt.kind == "" {
				assert.Nil(t, res.Conflict)
				return
			}
			require.NotNil(t, res.Conflict)
			assert.Equal(t, tt.kind, res.Conflict.Kind)
			assert.Equal(t, tt.candidates, res.Conflict.Candidates)
			assert.Equal(t, tt.fields, res.Conflict.Fields)
		})
	}
}

func TestResolve_BirthDateConflict(t *testing.T) {
	rec := record("Perez", "Juan", "30123456", "")
	other := storage.MustDate("1981-05-01")
	rec.BirthDate = &other

	res, err := Resolve(context.Background(), stored(), rec, Options{})
	require.NoError(t, err)
	require.Equal(t, Conflict, res.Outcome)
	assert.Equal(t, []string{"birth_date"}, res.Conflict.Fields)
}

func TestResolve_LooksUpNationalIDFirst(t *testing.T) {
	l := stored()
	_, err := Resolve(context.Background(), l, record("A", "B", "30123456", "X1234567"), Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"national_id:30123456", "passport:X1234567"}, l.calls)
}

func TestResolve_Force(t *testing.T) {
	ctx := context.Background()
	rec := record("Pérez", "Juan", "30123456", "X1234567")

	two := int64(2)
	res, err := Resolve(ctx, stored(), rec, Options{Force: &two})
	require.NoError(t, err)
	assert.Equal(t, ExistingPerson, res.Outcome)
	assert.True(t, res.Forced)
	assert.Equal(t, int64(2), res.PersonID())
	assert.Equal(t, "Smith", res.Person.Surname, "stored identity is kept")

	nine := int64(9)
	_, err = Resolve(ctx, stored(), rec, Options{Force: &nine})
	assert.ErrorIs(t, err, ErrNotCandidate)

	// Force has no effect without a conflict.
	res, err = Resolve(ctx, stored(), record("Nuevo", "Ana", "40111222", ""), Options{Force: &two})
	require.NoError(t, err)
	assert.Equal(t, NewPerson, res.Outcome)
}

func TestEnrich(t *testing.T) {
	birth := storage.MustDate("1990-01-02")
	p := storage.Person{ID: 1, Surname: "Perez", NationalID: str("30123456"), Phone: "111111"}
	rec := validate.Record{
		Surname: "PÉREZ", NationalID: "30123456", Passport: "AB12345",
		BirthDate: &birth, Phone: "222222", Profession: "Chef",
	}

	got, changed := Enrich(p, rec)
	assert.True(t, changed)
	assert.Equal(t, "Perez", got.Surname)
	assert.Equal(t, "111111", got.Phone)
	require.NotNil(t, got.Passport)
	assert.Equal(t, "AB12345", *got.Passport)
	assert.Equal(t, "1990-01-02", got.BirthDate.String())
	assert.Equal(t, "Chef", got.Profession)
	assert.Nil(t, p.Passport, "input is not modified")

	_, changed = Enrich(got, rec)
	assert.False(t, changed)
}

func TestOverlay(t *testing.T) {
	ctx := context.Background()
	o := NewOverlay(stored())

	rec := record("Nuevo", "Ana", "40111222", "")
	res, err := Resolve(ctx, o, rec, Options{})
	require.NoError(t, err)
	require.Equal(t, NewPerson, res.Outcome)

	p := o.Add(rec.Person())
	assert.True(t, Provisional(p.ID))

	res, err = Resolve(ctx, o, rec, Options{})
	require.NoError(t, err)
	assert.Equal(t, ExistingPerson, res.Outcome)
	assert.Equal(t, p.ID, res.PersonID())

	res, err = Resolve(ctx, o, record("Otro", "Ana", "40111222", ""), Options{})
	require.NoError(t, err)
	assert.Equal(t, Conflict, res.Outcome)
	assert.Equal(t, []int64{p.ID}, res.Conflict.Candidates)

	// An enriched stored person is found by its new document.
	juan, err := o.PersonByNationalID(ctx, "30123456")
	require.NoError(t, err)
	enriched, _ := Enrich(*juan, record("Perez", "Juan", "30123456", "ZZ11111"))
	o.Put(enriched)
	res, err = Resolve(ctx, o, record("Perez", "Juan", "", "ZZ11111"), Options{})
	require.NoError(t, err)
	assert.Equal(t, ExistingPerson, res.Outcome)
	assert.Equal(t, int64(1), res.PersonID())
}

func TestFold(t *testing.T) {
	tests := map[string]string{
		"  José  MARÍA ": "jose maria",
		"O'Brien":        "obrien",
		"Jean-Luc":       "jean luc",
		"Müller":         "muller",
		"":               "",
	}
	for in, want := range tests {
		if got := Fold(in); got != want {
			t.Errorf("Fold(%q) = %q, want %q", in, got, want)
		}
	}
	assert.True(t, sameText("Pérez", "PEREZ"))
	assert.True(t, sameText("", "Anything"))
	assert.False(t, sameText("Juan", "Juan Carlos"))
}
