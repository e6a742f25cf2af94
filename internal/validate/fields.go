// Package validate turns one raw guest record into a typed Record or a list
// of field errors. It never touches storage, so preview can run it freely
// and in parallel.
package validate

// Field is a canonical record field. Column mapping targets these names.
type Field string

const (
	FieldFullName      Field = "full_name" // combined "SURNAME, Given" column
	FieldSurname       Field = "surname"
	FieldGivenName     Field = "given_name"
	FieldNationality   Field = "nationality"
	FieldOrigin        Field = "origin"
	FieldNationalID    Field = "national_id"
	FieldPassport      Field = "passport"
	FieldBirthDate     Field = "birth_date"
	FieldProfession    Field = "profession"
	FieldPhone         Field = "phone"
	FieldEstablishment Field = "establishment"
	FieldRoom          Field = "room"
	FieldAge           Field = "age"
	FieldEntryDate     Field = "entry_date"
	FieldExitDate      Field = "exit_date"
	FieldDestination   Field = "destination"
	FieldVehicle       Field = "vehicle"

	// FieldDocument only appears in errors: neither document was given.
	FieldDocument Field = "document"
)

// Fields lists every mappable field in report order.
var Fields = []Field{
	FieldFullName, FieldSurname, FieldGivenName, FieldNationality, FieldOrigin,
	FieldNationalID, FieldPassport, FieldBirthDate, FieldProfession, FieldPhone,
	FieldEstablishment, FieldRoom, FieldAge, FieldEntryDate, FieldExitDate,
	FieldDestination, FieldVehicle,
}

// Labels are the human names used in templates and reports.
var Labels = map[Field]string{
	FieldFullName:      "Surname and name",
	FieldSurname:       "Surname",
	FieldGivenName:     "Given name",
	FieldNationality:   "Nationality",
	FieldOrigin:        "Origin",
	FieldNationalID:    "National ID",
	FieldPassport:      "Passport",
	FieldBirthDate:     "Birth date",
	FieldProfession:    "Profession",
	FieldPhone:         "Phone",
	FieldEstablishment: "Establishment",
	FieldRoom:          "Room",
	FieldAge:           "Age",
	FieldEntryDate:     "Entry date",
	FieldExitDate:      "Exit date",
	FieldDestination:   "Destination",
	FieldVehicle:       "Vehicle",
	FieldDocument:      "Document",
}

// IsField reports whether f is a mappable field.
func IsField(f Field) bool {
	for _, x := range Fields {
		if x == f {
			return true
		}
	}
	return false
}

// PersonFields are the fields stored on a person rather than a stay.
var PersonFields = []Field{
	FieldSurname, FieldGivenName, FieldNationality, FieldOrigin, FieldNationalID,
	FieldPassport, FieldBirthDate, FieldProfession, FieldPhone,
}

// IsPersonField reports whether f is one of PersonFields.
func IsPersonField(f Field) bool {
	for _, x := range PersonFields {
		if x == f {
			return true
		}
	}
	return false
}

// ErrorKind classifies a failed rule.
type ErrorKind string

const (
	KindRequired        ErrorKind = "required"
	KindInvalid         ErrorKind = "invalid"
	KindOutOfRange      ErrorKind = "out_of_range"
	KindBadDate         ErrorKind = "bad_date"
	KindDateOrder       ErrorKind = "date_order"
	KindFutureDate      ErrorKind = "future_date"
	KindMissingDocument ErrorKind = "missing_document"
)

// Raw maps canonical fields to raw cell text. Keys outside Fields are
// ignored.
type Raw map[Field]string
