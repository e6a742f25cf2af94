package validate

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var (
	nationalIDPattern = regexp.MustCompile(`^\d{7,8}$`)
	passportPattern   = regexp.MustCompile(`^[A-Z0-9]{5,15}$`)
	phonePattern      = regexp.MustCompile(`^[+\-\d\s()]{6,20}$`)
)

// Clean removes spreadsheet artifacts from a cell: surrounding whitespace,
// an Excel formula wrapper (="..."), surrounding quotes, control
// characters and repeated whitespace. The result is NFC-normalized so
// composed and decomposed accents compare equal.
func Clean(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, `="`) && strings.HasSuffix(s, `"`) && len(s) >= 3 {
		s = s[2 : len(s)-1]
	} else if strings.HasPrefix(s, "=") {
		s = s[1:]
	}
	s = strings.Trim(s, `"'`)

	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	s = strings.Join(strings.Fields(s), " ")
	return norm.NFC.String(s)
}

// CleanNationalID strips separators and a float suffix left by Excel.
func CleanNationalID(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ".0")
	return strings.NewReplacer(".", "", "-", "", " ", "").Replace(s)
}

// CleanPassport uppercases and removes spaces and hyphens.
func CleanPassport(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, ".0")
	return strings.NewReplacer(" ", "", "-", "", ".", "").Replace(s)
}

func validName(s string) bool {
	n := len([]rune(s))
	if n < 2 || n > 100 {
		return false
	}
	for _, r := range s {
		switch {
		case unicode.IsLetter(r), unicode.Is(unicode.Mn, r):
		case r == ' ', r == '\'', r == '-', r == '.':
		default:
			return false
		}
	}
	return true
}

// splitFullName splits a combined name column. "SURNAME, Given" splits on
// the comma; otherwise two words are surname then given name and longer
// values take the last word as the given name, which keeps compound
// surnames such as "DE LA CRUZ JUAN" together.
func splitFullName(s string) (surname, given string) {
	if s == "" {
		return "", ""
	}
	if i := strings.IndexByte(s, ','); i >= 0 {
		return strings.TrimSpace(s[:i]), strings.TrimSpace(s[i+1:])
	}
	words := strings.Fields(s)
	switch len(words) {
	case 1:
		return words[0], ""
	case 2:
		return words[0], words[1]
	default:
		return strings.Join(words[:len(words)-1], " "), words[len(words)-1]
	}
}

// vehicle interprets a vehicle column: yes/no words become a flag and any
// other text is the vehicle description.
func vehicle(s string) (has bool, details string) {
	switch strings.ToLower(s) {
	case "", "no", "n", "false", "0", "-", "s/d", "n/a":
		return false, ""
	case "si", "sí", "yes", "y", "true", "1", "x":
		return true, ""
	}
	return true, s
}
