package storage

import (
	"strings"
)

// WhereBuilder collects AND-ed conditions with ? placeholders. Empty
// filter values are skipped so callers can pass optional filters as-is.
type WhereBuilder struct {
	conditions []string
	args       []any
}

// NewWhereBuilder creates an empty builder.
func NewWhereBuilder() *WhereBuilder {
	return &WhereBuilder{}
}

// Add appends "column = ?" when value is non-empty.
func (wb *WhereBuilder) Add(column, value string) *WhereBuilder {
	if value == "" {
		return wb
	}
	return wb.Raw(column+" = ?", value)
}

// AddID appends "column = ?" when id is non-nil.
func (wb *WhereBuilder) AddID(column string, id *int64) *WhereBuilder {
	if id == nil {
		return wb
	}
	return wb.Raw(column+" = ?", *id)
}

// AddRange appends inclusive bounds; empty bounds are skipped. Works for
// dates and timestamps because both are stored as sortable text.
func (wb *WhereBuilder) AddRange(column, from, to string) *WhereBuilder {
	if from != "" {
		wb.Raw(column+" >= ?", from)
	}
	if to != "" {
		wb.Raw(column+" <= ?", to)
	}
	return wb
}

// AddIntRange appends inclusive integer bounds; nil bounds are skipped.
func (wb *WhereBuilder) AddIntRange(column string, min, max *int) *WhereBuilder {
	if min != nil {
		wb.Raw(column+" >= ?", *min)
	}
	if max != nil {
		wb.Raw(column+" <= ?", *max)
	}
	return wb
}

// AddActive restricts to active rows unless includeInactive is set.
func (wb *WhereBuilder) AddActive(column string, includeInactive bool) *WhereBuilder {
	if includeInactive {
		return wb
	}
	return wb.Raw(column+" = ?", true)
}

// AddSearch matches term as a case-insensitive substring of any column.
func (wb *WhereBuilder) AddSearch(term string, columns ...string) *WhereBuilder {
	term = strings.TrimSpace(term)
	if term == "" || len(columns) == 0 {
		return wb
	}
	pattern := "%" + escapeLike(strings.ToLower(term)) + "%"
	parts := make([]string, len(columns))
	args := make([]any, len(columns))
	for i, c := range columns {
		parts[i] = "LOWER(COALESCE(" + c + ", '')) LIKE ? ESCAPE '\\'"
		args[i] = pattern
	}
	return wb.Raw("("+strings.Join(parts, " OR ")+")", args...)
}

// Raw appends an arbitrary condition with its arguments.
func (wb *WhereBuilder) Raw(cond string, args ...any) *WhereBuilder {
	wb.conditions = append(wb.conditions, cond)
	wb.args = append(wb.args, args...)
	return wb
}

// Build returns " WHERE ..." (or "") and the arguments in order.
func (wb *WhereBuilder) Build() (string, []any) {
	if len(wb.conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(wb.conditions, " AND "), wb.args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// Page normalizes limit/offset paging.
type Page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 1000
)

func (p Page) normalized() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
