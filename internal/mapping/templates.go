package mapping

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/JonMunkholm/scah/internal/audit"
	"github.com/JonMunkholm/scah/internal/core"
	"github.com/JonMunkholm/scah/internal/storage"
	"github.com/JonMunkholm/scah/internal/tabular"
	"github.com/JonMunkholm/scah/internal/validate"
)

// TemplateMatchThreshold is the minimum share of a template's headers that
// must appear in a batch for the template to be suggested.
const TemplateMatchThreshold = 0.7

// TemplateMatch is a saved template that fits a header row.
type TemplateMatch struct {
	Template   storage.MappingTemplate `json:"template"`
	MatchScore float64                 `json:"matchScore"`
}

// Templates stores operator-confirmed mappings for reuse.
type Templates struct {
	store *storage.Store
	audit *audit.Writer
}

// NewTemplates creates a Templates service.
func NewTemplates(store *storage.Store, w *audit.Writer) *Templates {
	return &Templates{store: store, audit: w}
}

// Create saves m under name for the given header row.
func (t *Templates) Create(ctx context.Context, name string, headers []string, m Mapping) (storage.MappingTemplate, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return storage.MappingTemplate{}, &core.ValidationError{Fields: []core.FieldError{{
			Field: "name", Kind: string(validate.KindRequired), Message: "template name is required",
		}}}
	}
	actor, ok := core.ActorFromContext(ctx)
	if !ok {
		return storage.MappingTemplate{}, core.ErrUnauthorized
	}

	tpl := storage.MappingTemplate{
		ID:        uuid.NewString(),
		Name:      name,
		Headers:   headers,
		Mapping:   m.Choices(),
		CreatedBy: actor.Username,
	}
	err := t.store.WithTx(ctx, func(tx *storage.Tx) error {
		if err := tx.CreateTemplate(ctx, &tpl); err != nil {
			return err
		}
		_, err := t.audit.Record(ctx, tx, audit.Entry{
			Action: audit.ActionTemplateCreate,
			Table:  audit.TableTemplates,
			After:  tpl,
			Detail: "template " + tpl.ID,
		})
		return err
	})
	if err != nil {
		return storage.MappingTemplate{}, fmt.Errorf("create template %q: %w", name, err)
	}
	return tpl, nil
}

// Get returns one template.
func (t *Templates) Get(ctx context.Context, id string) (storage.MappingTemplate, error) {
	if _, err := uuid.Parse(id); err != nil {
		return storage.MappingTemplate{}, fmt.Errorf("invalid template id %q: %w", id, core.ErrNotFound)
	}
	return t.store.GetTemplate(ctx, id)
}

// List returns all templates ordered by name.
func (t *Templates) List(ctx context.Context) ([]storage.MappingTemplate, error) {
	return t.store.ListTemplates(ctx)
}

// Delete removes a template; the audit record keeps its last state.
func (t *Templates) Delete(ctx context.Context, id string) error {
	return t.store.WithTx(ctx, func(tx *storage.Tx) error {
		before, err := tx.GetTemplate(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.DeleteTemplate(ctx, id); err != nil {
			return err
		}
		_, err = t.audit.Record(ctx, tx, audit.Entry{
			Action: audit.ActionTemplateDelete,
			Table:  audit.TableTemplates,
			Before: before,
			Detail: "template " + id,
		})
		return err
	})
}

// Match returns templates whose headers mostly appear in headers, best
// first. Headers are compared in normalized form.
func (t *Templates) Match(ctx context.Context, headers []string) ([]TemplateMatch, error) {
	templates, err := t.List(ctx)
	if err != nil {
		return nil, err
	}

	var matches []TemplateMatch
	for _, tpl := range templates {
		s := matchTemplateHeaders(headers, tpl.Headers)
		if s >= TemplateMatchThreshold {
			matches = append(matches, TemplateMatch{Template: tpl, MatchScore: s})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].MatchScore > matches[j].MatchScore
	})
	return matches, nil
}

func matchTemplateHeaders(batchHeaders, templateHeaders []string) float64 {
	if len(templateHeaders) == 0 {
		return 0
	}
	seen := make(map[string]bool, len(batchHeaders))
	for _, h := range batchHeaders {
		seen[Normalize(h)] = true
	}
	matched := 0
	for _, h := range templateHeaders {
		if seen[Normalize(h)] {
			matched++
		}
	}
	return float64(matched) / float64(len(templateHeaders))
}

// FromTemplate proposes a mapping for headers and then applies the saved
// choices of tpl to the columns that exist in this batch. Saved labels are
// matched in normalized form.
func FromTemplate(headers []string, tpl storage.MappingTemplate) (Mapping, error) {
	m := Propose(headers)
	byNorm := make(map[string]string, len(headers))
	for _, h := range headers {
		byNorm[Normalize(h)] = h
	}
	choices := make(map[string]validate.Field, len(tpl.Mapping))
	for label, f := range tpl.Mapping {
		if h, ok := byNorm[Normalize(label)]; ok {
			choices[h] = validate.Field(f)
		}
	}
	return m.assign(choices, ReasonTemplate, false)
}

// WriteTemplate writes an empty import workbook whose header row lists
// every field in a layout Propose maps exactly.
func WriteTemplate(w io.Writer) error {
	header := make([]string, 0, len(validate.Fields))
	widths := make([]float64, 0, len(validate.Fields))
	for _, f := range validate.Fields {
		if f == validate.FieldFullName {
			continue
		}
		header = append(header, validate.Labels[f])
		widths = append(widths, 18)
	}
	return tabular.Workbook{Sheet: "Guests", Header: header, Widths: widths}.Write(w)
}
