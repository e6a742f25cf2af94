package mapping

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/JonMunkholm/scah/internal/validate"
)

// synonyms lists the header labels recognized for each field, written in
// their normalized form.
var synonyms = map[validate.Field][]string{
	validate.FieldFullName: {
		"apellido_y_nombre", "apellido_nombre", "apellido_y_nombres", "apellidos_y_nombre",
		"apellidos_y_nombres", "nombre_y_apellido", "nombre_apellido", "nombres_y_apellido",
		"nombres_y_apellidos", "full_name", "name_and_surname", "guest_name", "huesped",
	},
	validate.FieldSurname: {
		"apellido", "apellidos", "last_name", "surname", "family_name", "lastname",
	},
	validate.FieldGivenName: {
		"nombre", "nombres", "first_name", "name", "given_name", "firstname", "forename",
	},
	validate.FieldNationality: {
		"nacionalidad", "pais", "country", "nation", "nacion", "nationality", "citizenship",
	},
	validate.FieldOrigin: {
		"procedencia", "origen", "ciudad_origen", "from", "domicilio", "direccion",
		"ciudad", "origin", "address", "city", "provenance",
	},
	validate.FieldNationalID: {
		"dni", "documento", "nro_documento", "document", "d_n_i", "n_doc", "nro_doc",
		"n_documento", "numero_documento", "numero_doc", "n_de_doc", "nro_de_documento",
		"dni_pasaporte", "dni_o_pasaporte", "d_n_i_pas", "dni_pas", "d_n_i_pasaporte",
		"national_id", "id_number", "document_number", "cedula",
	},
	validate.FieldPassport: {
		"pasaporte", "passport", "nro_pasaporte", "n_pasaporte", "passport_number",
		"passport_no",
	},
	validate.FieldAge: {
		"edad", "age", "anos", "edades",
	},
	validate.FieldBirthDate: {
		"fecha_nacimiento", "fecha_de_nacimiento", "nacimiento", "fecha_de_nac", "fecha_nac",
		"f_nac", "fec_nac", "fec_nacimiento", "f_nacimiento", "fch_nac", "birth_date",
		"date_of_birth", "dob", "birthdate",
	},
	validate.FieldProfession: {
		"profesion", "ocupacion", "profession", "occupation", "prof", "oficio",
	},
	validate.FieldEstablishment: {
		"hotel", "establecimiento", "alojamiento", "hostal", "pension", "hospedaje",
		"hosteria", "apart", "apart_hotel", "motel", "residencial", "posada",
		"establishment", "lodging", "property", "nombre_hotel", "nombre_del_hotel", "hotel_name",
	},
	validate.FieldRoom: {
		"habitacion", "room", "nro_habitacion", "cuarto", "n_hab", "nro_hab",
		"n_habitacion", "hab", "room_number", "room_no",
	},
	validate.FieldDestination: {
		"destino", "destination", "hacia", "a_donde", "destino_a", "next_destination",
	},
	validate.FieldVehicle: {
		"vehiculo", "vehicle", "auto", "coche", "vehic", "patente", "dominio",
		"datos_vehiculo", "car", "license_plate", "plate",
	},
	validate.FieldPhone: {
		"telefono", "phone", "celular", "mobile", "nro_telefono", "n_tel", "tel",
		"contacto", "phone_number", "cell",
	},
	validate.FieldEntryDate: {
		"fecha_entrada", "ingreso", "check_in", "entrada", "checkin", "fecha_ingreso",
		"f_entrada", "f_ingreso", "fecha_de_entrada", "fecha_de_ingreso", "fec_entrada",
		"fec_ingreso", "arrival", "arrival_date", "entry_date",
	},
	validate.FieldExitDate: {
		"fecha_salida", "egreso", "check_out", "salida", "checkout", "fecha_egreso",
		"f_salida", "f_egreso", "fecha_de_salida", "fecha_de_egreso", "fec_salida",
		"fec_egreso", "departure", "departure_date", "exit_date",
	},
}

// counterColumns are running-number columns that carry no guest data.
var counterColumns = map[string]bool{
	"n": true, "nro": true, "no": true, "numero": true, "item": true,
	"orden": true, "nro_orden": true, "n_orden": true, "id": true,
}

// Normalize folds a header label for matching: accents and case are
// dropped, and every run of non-alphanumerics becomes one underscore.
// "Fecha de Nac." and "FECHA_DE_NAC" both become "fecha_de_nac".
func Normalize(label string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, label)
	if err != nil {
		folded = label
	}

	var b strings.Builder
	b.Grow(len(folded))
	pendingSep := false
	for _, r := range strings.ToLower(folded) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	return b.String()
}

// isCounter reports whether a normalized header is a row counter or has no
// letters at all ("#", "1", "").
func isCounter(normalized string) bool {
	if counterColumns[normalized] {
		return true
	}
	for _, r := range normalized {
		if unicode.IsLetter(r) {
			return false
		}
	}
	return true
}
