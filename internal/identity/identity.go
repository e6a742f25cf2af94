// Package identity decides which person a validated record denotes. Matching
// is by document number only: national ID first, then passport. Names are
// compared to detect conflicts, never to find matches, and a stored
// identity is never overwritten from an incoming record.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/JonMunkholm/scah/internal/core"
	"github.com/JonMunkholm/scah/internal/storage"
	"github.com/JonMunkholm/scah/internal/validate"
)

// Lookup finds active persons by document. *storage.Store and *storage.Tx
// satisfy it.
type Lookup interface {
	PersonByNationalID(ctx context.Context, doc string) (*storage.Person, error)
	PersonByPassport(ctx context.Context, doc string) (*storage.Person, error)
}

// Outcome tags a resolution.
type Outcome string

const (
	NewPerson      Outcome = "accepted-new-person"
	ExistingPerson Outcome = "accepted-existing-person"
	Conflict       Outcome = "identity-conflict"
)

// Conflict kinds.
const (
	DocumentMismatch     = "document_mismatch"
	BiographicalMismatch = "biographical_mismatch"
)

// ErrNotCandidate is returned when a forced person is not one of the
// conflict's candidates.
var ErrNotCandidate = errors.New("forced person is not a conflict candidate")

// Resolution is the outcome for one record. Person is set for
// ExistingPerson; Conflict is set for Conflict.
type Resolution struct {
	Outcome  Outcome                `json:"outcome"`
	Person   *storage.Person        `json:"person,omitempty"`
	Conflict *core.IdentityConflict `json:"conflict,omitempty"`
	Forced   bool                   `json:"forced,omitempty"`
}

// PersonID returns the matched person's id, or 0.
func (r Resolution) PersonID() int64 {
	if r.Person == nil {
		return 0
	}
	return r.Person.ID
}

// Options carries an operator decision for a known conflict.
type Options struct {
	// Force attaches the record to this candidate person despite a conflict.
	Force *int64
}

// Resolve looks rec's documents up and classifies the result.
func Resolve(ctx context.Context, lookup Lookup, rec validate.Record, opts Options) (Resolution, error) {
	var byID, byPassport *storage.Person
	var err error
	if rec.NationalID != "" {
		if byID, err = lookup.PersonByNationalID(ctx, rec.NationalID); err != nil {
			return Resolution{}, err
		}
	}
	if rec.Passport != "" {
		if byPassport, err = lookup.PersonByPassport(ctx, rec.Passport); err != nil {
			return Resolution{}, err
		}
	}

	var res Resolution
	switch {
	case byID != nil && byPassport != nil && byID.ID != byPassport.ID:
		res = conflict(DocumentMismatch, []int64{byID.ID, byPassport.ID},
			[]string{string(validate.FieldNationalID), string(validate.FieldPassport)})
	case byID != nil:
		res = compare(byID, rec)
	case byPassport != nil:
		res = compare(byPassport, rec)
	default:
		return Resolution{Outcome: NewPerson}, nil
	}

	if res.Outcome != Conflict || opts.Force == nil {
		return res, nil
	}
	for _, p := range []*storage.Person{byID, byPassport} {
		if p != nil && p.ID == *opts.Force {
			return Resolution{Outcome: ExistingPerson, Person: p, Forced: true}, nil
		}
	}
	return Resolution{}, fmt.Errorf("%w: person %d (candidates %v)", ErrNotCandidate, *opts.Force, res.Conflict.Candidates)
}

func conflict(kind string, candidates []int64, fields []string) Resolution {
	return Resolution{
		Outcome:  Conflict,
		Conflict: &core.IdentityConflict{Kind: kind, Candidates: candidates, Fields: fields},
	}
}

// compare checks a document hit against the record. Blank values on
// either side are compatible.
func compare(p *storage.Person, rec validate.Record) Resolution {
	var fields []string
	if !sameText(p.Surname, rec.Surname) {
		fields = append(fields, string(validate.FieldSurname))
	}
	if !sameText(p.GivenName, rec.GivenName) {
		fields = append(fields, string(validate.FieldGivenName))
	}
	if p.BirthDate != nil && rec.BirthDate != nil && p.BirthDate.String() != rec.BirthDate.String() {
		fields = append(fields, string(validate.FieldBirthDate))
	}
	if p.NationalID != nil && rec.NationalID != "" && *p.NationalID != rec.NationalID {
		fields = append(fields, string(validate.FieldNationalID))
	}
	if p.Passport != nil && rec.Passport != "" && *p.Passport != rec.Passport {
		fields = append(fields, string(validate.FieldPassport))
	}
	if len(fields) > 0 {
		return conflict(BiographicalMismatch, []int64{p.ID}, fields)
	}
	return Resolution{Outcome: ExistingPerson, Person: p}
}

// Enrich fills blanks of an existing person from rec. Nothing already
// stored is replaced. It reports whether p changed.
func Enrich(p storage.Person, rec validate.Record) (storage.Person, bool) {
	changed := false
	if p.NationalID == nil && rec.NationalID != "" {
		v := rec.NationalID
		p.NationalID = &v
		changed = true
	}
	if p.Passport == nil && rec.Passport != "" {
		v := rec.Passport
		p.Passport = &v
		changed = true
	}
	if p.BirthDate == nil && rec.BirthDate != nil {
		d := *rec.BirthDate
		p.BirthDate = &d
		changed = true
	}
	if p.Profession == "" && rec.Profession != "" {
		p.Profession = rec.Profession
		changed = true
	}
	if p.Phone == "" && rec.Phone != "" {
		p.Phone = rec.Phone
		changed = true
	}
	return p, changed
}

// Fold reduces a name to the form used for comparison: no accents, lower
// case, single spaces, punctuation dropped.
func Fold(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if out, _, err := transform.String(t, s); err == nil {
		s = out
	}
	s = strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			return unicode.ToLower(r)
		case unicode.IsSpace(r), r == '-':
			return ' '
		default:
			return -1
		}
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

func sameText(a, b string) bool {
	fa, fb := Fold(a), Fold(b)
	return fa == "" || fb == "" || fa == fb
}
