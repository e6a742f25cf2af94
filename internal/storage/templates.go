package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

func scanTemplate(row scanner) (MappingTemplate, error) {
	var (
		t                MappingTemplate
		headers, mapping string
		created          string
	)
	if err := row.Scan(&t.ID, &t.Name, &headers, &mapping, &t.CreatedBy, &created); err != nil {
		return MappingTemplate{}, classify(err)
	}
	if err := json.Unmarshal([]byte(headers), &t.Headers); err != nil {
		return MappingTemplate{}, fmt.Errorf("template %s headers: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(mapping), &t.Mapping); err != nil {
		return MappingTemplate{}, fmt.Errorf("template %s mapping: %w", t.ID, err)
	}
	var err error
	if t.CreatedAt, err = parseTimestamp(created); err != nil {
		return MappingTemplate{}, fmt.Errorf("template %s created_at: %w", t.ID, err)
	}
	return t, nil
}

// CreateTemplate inserts t. The caller assigns the id.
func (q *Queries) CreateTemplate(ctx context.Context, t *MappingTemplate) error {
	headers, err := json.Marshal(t.Headers)
	if err != nil {
		return fmt.Errorf("encode template headers: %w", err)
	}
	mapping, err := json.Marshal(t.Mapping)
	if err != nil {
		return fmt.Errorf("encode template mapping: %w", err)
	}
	now := q.now()
	if _, err := q.exec(ctx, `INSERT INTO import_templates (id, name, headers, mapping, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, string(headers), string(mapping), t.CreatedBy, formatTimestamp(now)); err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	t.CreatedAt = now
	return nil
}

// GetTemplate returns a template by id.
func (q *Queries) GetTemplate(ctx context.Context, id string) (MappingTemplate, error) {
	t, err := scanTemplate(q.queryRow(ctx,
		`SELECT id, name, headers, mapping, created_by, created_at FROM import_templates WHERE id = ?`, id))
	if err != nil {
		return MappingTemplate{}, fmt.Errorf("template %s: %w", id, err)
	}
	return t, nil
}

// ListTemplates returns all templates ordered by name.
func (q *Queries) ListTemplates(ctx context.Context) ([]MappingTemplate, error) {
	rows, err := q.query(ctx, `SELECT id, name, headers, mapping, created_by, created_at
		FROM import_templates ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var out []MappingTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, classify(rows.Err())
}

// DeleteTemplate removes a template. Templates are configuration, not
// guest data, so they are deleted outright; the audit log keeps the record.
func (q *Queries) DeleteTemplate(ctx context.Context, id string) error {
	res, err := q.exec(ctx, `DELETE FROM import_templates WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete template %s: %w", id, err)
	}
	return expectOne(res)
}
