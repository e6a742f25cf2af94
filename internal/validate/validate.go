package validate

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/JonMunkholm/scah/internal/core"
	"github.com/JonMunkholm/scah/internal/storage"
)

// Record is a fully normalized guest record.
type Record struct {
	Surname        string        `json:"surname"`
	GivenName      string        `json:"givenName"`
	Nationality    string        `json:"nationality"`
	Origin         string        `json:"origin"`
	NationalID     string        `json:"nationalId,omitempty"`
	Passport       string        `json:"passport,omitempty"`
	BirthDate      *storage.Date `json:"birthDate,omitempty"`
	Profession     string        `json:"profession,omitempty"`
	Phone          string        `json:"phone,omitempty"`
	Establishment  string        `json:"establishment,omitempty"`
	Room           string        `json:"room"`
	Age            *int          `json:"age,omitempty"`
	EntryDate      storage.Date  `json:"entryDate"`
	ExitDate       *storage.Date `json:"exitDate,omitempty"`
	Destination    string        `json:"destination,omitempty"`
	HasVehicle     bool          `json:"hasVehicle"`
	VehicleDetails string        `json:"vehicleDetails,omitempty"`
}

// Person returns the identity part of the record as a new person.
func (r Record) Person() storage.Person {
	p := storage.Person{
		Surname:     r.Surname,
		GivenName:   r.GivenName,
		Nationality: r.Nationality,
		Origin:      r.Origin,
		BirthDate:   r.BirthDate,
		Profession:  r.Profession,
		Phone:       r.Phone,
	}
	if r.NationalID != "" {
		id := r.NationalID
		p.NationalID = &id
	}
	if r.Passport != "" {
		pp := r.Passport
		p.Passport = &pp
	}
	return p
}

// Stay returns the lodging part of the record for personID.
func (r Record) Stay(personID int64, recordedBy, batchID string) storage.Stay {
	return storage.Stay{
		PersonID:          personID,
		EstablishmentName: r.Establishment,
		Room:              r.Room,
		Age:               r.Age,
		EntryDate:         r.EntryDate,
		ExitDate:          r.ExitDate,
		Destination:       r.Destination,
		HasVehicle:        r.HasVehicle,
		VehicleDetails:    r.VehicleDetails,
		RecordedBy:        recordedBy,
		BatchID:           batchID,
	}
}

// Options tune a validation run.
type Options struct {
	// Defaults fill blank fields before any rule runs, e.g. a batch-wide
	// nationality or "S/N" for a missing room.
	Defaults map[Field]string

	// Today, when set, rejects entry and birth dates after it.
	Today storage.Date
}

// Validate checks one raw record. It returns the normalized Record and no
// errors, or the zero Record and every failed rule in field order.
func Validate(raw Raw, opts Options) (Record, []core.FieldError) {
	v := &validator{raw: raw, opts: opts}
	rec := v.run()
	if len(v.errs) > 0 {
		return Record{}, v.errs
	}
	return rec, nil
}

// ValidatePerson checks only the identity fields of raw, for edits of a
// stored person.
func ValidatePerson(raw Raw, opts Options) (storage.Person, []core.FieldError) {
	v := &validator{raw: raw, opts: opts}
	var r Record
	v.identity(&r)
	if len(v.errs) > 0 {
		v.sortErrors()
		return storage.Person{}, v.errs
	}
	return r.Person(), nil
}

// Err wraps field errors as a *core.ValidationError, or returns nil.
func Err(errs []core.FieldError) error {
	if len(errs) == 0 {
		return nil
	}
	return &core.ValidationError{Fields: errs}
}

type validator struct {
	raw  Raw
	opts Options
	errs []core.FieldError
}

func (v *validator) get(f Field) string {
	s := Clean(v.raw[f])
	if s == "" && v.opts.Defaults != nil {
		s = Clean(v.opts.Defaults[f])
	}
	return s
}

func (v *validator) fail(f Field, kind ErrorKind, value, msg string) {
	v.errs = append(v.errs, core.FieldError{Field: string(f), Kind: string(kind), Value: value, Message: msg})
}

func (v *validator) run() Record {
	var r Record
	v.identity(&r)

	ref := v.opts.Today.Time
	r.Establishment = v.text(FieldEstablishment, false, 150)
	r.Room = v.text(FieldRoom, true, 50)
	r.Age = v.age()

	entry, entryOK := v.date(FieldEntryDate, true, ref)
	r.EntryDate = entry
	if d, ok := v.date(FieldExitDate, false, ref); ok {
		if entryOK && d.Before(entry.Time) {
			v.fail(FieldExitDate, KindDateOrder, d.String(), "exit date is before entry date")
		}
		r.ExitDate = &d
	}

	if !v.opts.Today.IsZero() && entryOK && entry.After(v.opts.Today.Time) {
		v.fail(FieldEntryDate, KindFutureDate, entry.String(), "entry date is in the future")
	}
	if r.BirthDate != nil && entryOK && r.BirthDate.After(entry.Time) {
		v.fail(FieldBirthDate, KindDateOrder, r.BirthDate.String(), "birth date is after entry date")
	}

	if r.Age == nil && r.BirthDate != nil && entryOK {
		if age := ageAt(*r.BirthDate, entry); age > 0 && age < 150 {
			r.Age = &age
		}
	}

	r.Destination = v.text(FieldDestination, false, 150)
	r.HasVehicle, r.VehicleDetails = vehicle(v.get(FieldVehicle))

	v.sortErrors()
	return r
}

// identity runs the rules for the person part of a record.
func (v *validator) identity(r *Record) {
	r.Surname, r.GivenName = splitFullName(v.get(FieldFullName))
	if s := v.get(FieldSurname); s != "" {
		r.Surname = s
	}
	if s := v.get(FieldGivenName); s != "" {
		r.GivenName = s
	}
	v.name(FieldSurname, r.Surname)
	v.name(FieldGivenName, r.GivenName)

	r.Nationality = v.text(FieldNationality, true, 100)
	r.Origin = v.text(FieldOrigin, true, 100)

	r.NationalID, r.Passport = v.documents()

	if d, ok := v.date(FieldBirthDate, false, v.opts.Today.Time); ok {
		r.BirthDate = &d
	}
	r.Profession = v.text(FieldProfession, false, 100)
	r.Phone = v.phone()
	if r.BirthDate != nil && !v.opts.Today.IsZero() && r.BirthDate.After(v.opts.Today.Time) {
		v.fail(FieldBirthDate, KindFutureDate, r.BirthDate.String(), "birth date is in the future")
	}
}

func (v *validator) name(f Field, s string) {
	switch {
	case s == "":
		v.fail(f, KindRequired, "", "is required")
	case !validName(s):
		v.fail(f, KindInvalid, s, "must be 2-100 letters, spaces, apostrophes or hyphens")
	}
}

func (v *validator) text(f Field, required bool, max int) string {
	s := v.get(f)
	switch {
	case s == "" && required:
		v.fail(f, KindRequired, "", "is required")
	case len([]rune(s)) > max:
		v.fail(f, KindInvalid, s, fmt.Sprintf("must be at most %d characters", max))
	}
	return s
}

// documents normalizes both document columns. A national ID cell holding
// something that is a passport, with no passport column value, is read as
// the passport; sheets often share one "DNI/Pasaporte" column.
func (v *validator) documents() (nationalID, passport string) {
	rawID := v.get(FieldNationalID)
	rawPass := v.get(FieldPassport)

	if rawID != "" {
		id := CleanNationalID(rawID)
		switch {
		case nationalIDPattern.MatchString(id):
			nationalID = id
		case rawPass == "" && passportPattern.MatchString(CleanPassport(rawID)):
			passport = CleanPassport(rawID)
		default:
			v.fail(FieldNationalID, KindInvalid, rawID, "must be 7 or 8 digits")
		}
	}
	if rawPass != "" {
		p := CleanPassport(rawPass)
		if passportPattern.MatchString(p) {
			passport = p
		} else {
			v.fail(FieldPassport, KindInvalid, rawPass, "must be 5-15 letters or digits")
		}
	}
	if rawID == "" && rawPass == "" {
		v.fail(FieldDocument, KindMissingDocument, "", "a national ID or passport is required")
	}
	return nationalID, passport
}

func (v *validator) date(f Field, required bool, ref time.Time) (storage.Date, bool) {
	s := v.get(f)
	if s == "" {
		if required {
			v.fail(f, KindRequired, "", "is required")
		}
		return storage.Date{}, false
	}
	d, ok := ParseDate(s, ref)
	if !ok {
		v.fail(f, KindBadDate, s, "is not a recognized date")
	}
	return d, ok
}

func (v *validator) phone() string {
	s := v.get(FieldPhone)
	if s != "" && !phonePattern.MatchString(s) {
		v.fail(FieldPhone, KindInvalid, s, "must be 6-20 digits, spaces, +, -, or parentheses")
	}
	return s
}

func (v *validator) age() *int {
	s := v.get(FieldAge)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
	if err != nil || f != float64(int(f)) {
		v.fail(FieldAge, KindInvalid, s, "must be a whole number")
		return nil
	}
	age := int(f)
	if age <= 0 || age >= 150 {
		v.fail(FieldAge, KindOutOfRange, s, "must be between 1 and 149")
		return nil
	}
	return &age
}

// sortErrors orders errors by field position so output is stable however
// the rules above are arranged.
func (v *validator) sortErrors() {
	order := make(map[string]int, len(Fields)+1)
	for i, f := range Fields {
		order[string(f)] = i
	}
	order[string(FieldDocument)] = order[string(FieldPassport)]

	sort.SliceStable(v.errs, func(i, j int) bool {
		return order[v.errs[i].Field] < order[v.errs[j].Field]
	})
}
