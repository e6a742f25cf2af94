// Package mapping proposes which spreadsheet column feeds which record
// field. A mapping is computed once per batch from the header row, shown to
// the operator with a confidence per column, optionally overridden, and then
// applied unchanged to every row.
package mapping

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/JonMunkholm/scah/internal/validate"
)

// Reason explains how a column got (or did not get) its field.
type Reason string

const (
	ReasonExact     Reason = "exact"
	ReasonPartial   Reason = "partial"
	ReasonOverride  Reason = "override"
	ReasonTemplate  Reason = "template"
	ReasonConfirmed Reason = "confirmed"
	ReasonAmbiguous Reason = "ambiguous"
	ReasonTaken     Reason = "taken"
	ReasonNoMatch   Reason = "no_match"
	ReasonIgnored   Reason = "ignored"
)

// LowConfidence marks proposals the operator should look at before
// committing. They are still applied if confirmed.
const LowConfidence = 0.8

// minPartial is the shortest alias considered for containment matches.
const minPartial = 3

var (
	ErrUnknownColumn  = errors.New("unknown column")
	ErrUnknownField   = errors.New("unknown field")
	ErrDuplicateField = errors.New("field mapped to more than one column")
)

// Column is the mapping decision for one header cell.
type Column struct {
	Index      int              `json:"index"`
	Label      string           `json:"label"`
	Field      validate.Field   `json:"field,omitempty"`
	Confidence float64          `json:"confidence"`
	Reason     Reason           `json:"reason"`
	Candidates []validate.Field `json:"candidates,omitempty"`
}

// Mapped reports whether the column feeds a field.
func (c Column) Mapped() bool { return c.Field != "" }

// Low reports whether a mapped column needs operator confirmation. A
// confirmed column keeps its score but is no longer low.
func (c Column) Low() bool {
	return c.Mapped() && c.Confidence < LowConfidence && c.Reason != ReasonConfirmed
}

// Mapping assigns header columns to fields. The zero value maps nothing.
type Mapping struct {
	Columns []Column `json:"columns"`
}

type scored struct {
	field validate.Field
	score float64
}

// score rates how well a normalized header matches one alias.
func score(col, alias string) float64 {
	if col == alias {
		return 1
	}
	if len(alias) < minPartial || len(alias) >= len(col) {
		return 0
	}
	for i := 0; i+len(alias) <= len(col); i++ {
		j := i + len(alias)
		if col[i:j] != alias {
			continue
		}
		if (i == 0 || col[i-1] == '_') && (j == len(col) || col[j] == '_') {
			return 0.5 + 0.4*float64(len(alias))/float64(len(col))
		}
	}
	return 0
}

// best returns the top-scoring fields for one normalized header; more than
// one entry means a tie.
func best(col string) []scored {
	var top []scored
	for _, f := range validate.Fields {
		s := 0.0
		for _, alias := range synonyms[f] {
			if v := score(col, alias); v > s {
				s = v
			}
		}
		switch {
		case s == 0:
		case len(top) == 0 || s > top[0].score:
			top = []scored{{f, s}}
		case s == top[0].score:
			top = append(top, scored{f, s})
		}
	}
	return top
}

// Propose builds a mapping from a header row. Ties are never broken: a
// column equally close to two fields, or two columns equally close to one
// field, stay unmapped and list their candidates.
func Propose(headers []string) Mapping {
	m := Mapping{Columns: make([]Column, len(headers))}
	for i, h := range headers {
		col := Column{Index: i, Label: h, Reason: ReasonNoMatch}
		norm := Normalize(h)
		if isCounter(norm) {
			col.Reason = ReasonIgnored
			m.Columns[i] = col
			continue
		}
		top := best(norm)
		switch {
		case len(top) == 1:
			col.Field = top[0].field
			col.Confidence = top[0].score
			col.Reason = ReasonPartial
			if top[0].score == 1 {
				col.Reason = ReasonExact
			}
		case len(top) > 1:
			col.Reason = ReasonAmbiguous
			col.Confidence = top[0].score
			for _, s := range top {
				col.Candidates = append(col.Candidates, s.field)
			}
		}
		m.Columns[i] = col
	}
	m.settleFields()
	return m
}

// settleFields keeps, for each field, only the strongest column. A tie at
// the top unmaps all tied columns.
func (m *Mapping) settleFields() {
	byField := make(map[validate.Field][]int)
	for i, c := range m.Columns {
		if c.Mapped() {
			byField[c.Field] = append(byField[c.Field], i)
		}
	}
	for f, idx := range byField {
		if len(idx) < 2 {
			continue
		}
		sort.SliceStable(idx, func(a, b int) bool {
			return m.Columns[idx[a]].Confidence > m.Columns[idx[b]].Confidence
		})
		top := m.Columns[idx[0]].Confidence
		tied := 1
		for tied < len(idx) && m.Columns[idx[tied]].Confidence == top {
			tied++
		}
		for n, i := range idx {
			c := &m.Columns[i]
			switch {
			case tied > 1 && n < tied:
				c.Reason = ReasonAmbiguous
				c.Candidates = []validate.Field{f}
			case n >= tied:
				c.Reason = ReasonTaken
				c.Candidates = []validate.Field{f}
			default:
				continue
			}
			c.Field = ""
		}
	}
}

// Override returns a copy of m with the operator's choices applied. Keys
// are header labels; an empty field unmaps the column. Any automatic
// proposal for a field the operator assigned elsewhere is dropped.
func (m Mapping) Override(choices map[string]validate.Field) (Mapping, error) {
	return m.assign(choices, ReasonOverride, true)
}

// Confirm returns a copy of m with the proposals for labels accepted as
// they are. Unmapped columns are left alone.
func (m Mapping) Confirm(labels []string) (Mapping, error) {
	out := Mapping{Columns: append([]Column(nil), m.Columns...)}
	for _, label := range labels {
		idx := out.indexOf(label)
		if len(idx) == 0 {
			return Mapping{}, fmt.Errorf("%w: %q", ErrUnknownColumn, label)
		}
		for _, i := range idx {
			if out.Columns[i].Low() {
				out.Columns[i].Reason = ReasonConfirmed
			}
		}
	}
	return out, nil
}

func (m Mapping) assign(choices map[string]validate.Field, reason Reason, strict bool) (Mapping, error) {
	out := Mapping{Columns: append([]Column(nil), m.Columns...)}

	claimed := make(map[validate.Field]string)
	labels := make([]string, 0, len(choices))
	for label := range choices {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	touched := make(map[int]bool)
	for _, label := range labels {
		f := choices[label]
		if f != "" && !validate.IsField(f) {
			return Mapping{}, fmt.Errorf("%w: %q", ErrUnknownField, f)
		}
		idx := out.indexOf(label)
		if len(idx) == 0 {
			if strict {
				return Mapping{}, fmt.Errorf("%w: %q", ErrUnknownColumn, label)
			}
			continue
		}
		for _, i := range idx {
			if f != "" {
				if prev, ok := claimed[f]; ok {
					return Mapping{}, fmt.Errorf("%w: %s (%q and %q)", ErrDuplicateField, f, prev, label)
				}
				claimed[f] = label
			}
			out.Columns[i].Field = f
			out.Columns[i].Confidence = 1
			out.Columns[i].Reason = reason
			out.Columns[i].Candidates = nil
			if f == "" {
				out.Columns[i].Confidence = 0
			}
			touched[i] = true
		}
	}

	for i := range out.Columns {
		c := &out.Columns[i]
		if touched[i] {
			continue
		}
		switch {
		case c.Mapped():
			if _, ok := claimed[c.Field]; ok {
				c.Candidates = []validate.Field{c.Field}
				c.Field = ""
				c.Confidence = 0
				c.Reason = ReasonTaken
			}
		case c.Reason == ReasonAmbiguous:
			// Settled once every candidate field went to another column.
			open := false
			for _, f := range c.Candidates {
				if _, ok := claimed[f]; !ok {
					open = true
				}
			}
			if !open {
				c.Confidence = 0
				c.Reason = ReasonTaken
			}
		}
	}
	return out, nil
}

func (m Mapping) indexOf(label string) []int {
	label = strings.TrimSpace(label)
	var idx []int
	for i, c := range m.Columns {
		if strings.TrimSpace(c.Label) == label {
			idx = append(idx, i)
		}
	}
	return idx
}

// Fields returns the column index feeding each mapped field.
func (m Mapping) Fields() map[validate.Field]int {
	out := make(map[validate.Field]int)
	for _, c := range m.Columns {
		if c.Mapped() {
			out[c.Field] = c.Index
		}
	}
	return out
}

// Choices returns label -> field for the mapped columns, the form saved in
// templates.
func (m Mapping) Choices() map[string]string {
	out := make(map[string]string)
	for _, c := range m.Columns {
		if c.Mapped() {
			out[c.Label] = string(c.Field)
		}
	}
	return out
}

// Unresolved returns the ambiguous columns the operator has not settled.
func (m Mapping) Unresolved() []Column {
	var out []Column
	for _, c := range m.Columns {
		if c.Reason == ReasonAmbiguous {
			out = append(out, c)
		}
	}
	return out
}

// Unconfirmed returns the low-confidence columns awaiting confirmation.
func (m Mapping) Unconfirmed() []Column {
	var out []Column
	for _, c := range m.Columns {
		if c.Low() {
			out = append(out, c)
		}
	}
	return out
}

// Missing lists required fields no column feeds and no default fills. The
// combined name column satisfies both name fields, and either document
// column satisfies the document requirement (reported as
// validate.FieldDocument).
func (m Mapping) Missing(defaults map[validate.Field]string) []validate.Field {
	have := m.Fields()
	has := func(f validate.Field) bool {
		if _, ok := have[f]; ok {
			return true
		}
		return strings.TrimSpace(defaults[f]) != ""
	}

	var missing []validate.Field
	for _, f := range []validate.Field{validate.FieldSurname, validate.FieldGivenName} {
		if !has(f) && !has(validate.FieldFullName) {
			missing = append(missing, f)
		}
	}
	if !has(validate.FieldNationality) {
		missing = append(missing, validate.FieldNationality)
	}
	if !has(validate.FieldOrigin) {
		missing = append(missing, validate.FieldOrigin)
	}
	if !has(validate.FieldNationalID) && !has(validate.FieldPassport) {
		missing = append(missing, validate.FieldDocument)
	}
	if !has(validate.FieldRoom) {
		missing = append(missing, validate.FieldRoom)
	}
	if !has(validate.FieldEntryDate) {
		missing = append(missing, validate.FieldEntryDate)
	}
	return missing
}

// Apply extracts one row's mapped cells. Columns past the end of cells
// read as blank.
func (m Mapping) Apply(cells []string) validate.Raw {
	raw := make(validate.Raw, len(m.Columns))
	for _, c := range m.Columns {
		if !c.Mapped() || c.Index >= len(cells) {
			continue
		}
		raw[c.Field] = cells[c.Index]
	}
	return raw
}
