package mapping

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/scah/internal/audit"
	"github.com/JonMunkholm/scah/internal/core"
	"github.com/JonMunkholm/scah/internal/storage"
	"github.com/JonMunkholm/scah/internal/storage/storagetest"
	"github.com/JonMunkholm/scah/internal/validate"
)

func operatorCtx() context.Context {
	return core.ContextWithActor(context.Background(), core.Actor{UserID: 2, Username: "ana", Role: "operator"})
}

func TestMatchTemplateHeaders(t *testing.T) {
	tpl := []string{"Apellido", "Nombre", "DNI", "Habitación"}
	tests := []struct {
		name  string
		batch []string
		want  float64
	}{
		{"identical", tpl, 1},
		{"case and accents", []string{"APELLIDO", "nombre", "Dni", "Habitacion"}, 1},
		{"three of four", []string{"Apellido", "Nombre", "DNI", "Extra"}, 0.75},
		{"disjoint", []string{"a", "b"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchTemplateHeaders(tt.batch, tpl); got != tt.want {
				t.Errorf("matchTemplateHeaders() = %v, want %v", got, tt.want)
			}
		})
	}
	if got := matchTemplateHeaders(tpl, nil); got != 0 {
		t.Errorf("empty template = %v, want 0", got)
	}
}

func TestTemplates_Lifecycle(t *testing.T) {
	st := storagetest.Open(t)
	svc := NewTemplates(st, audit.NewWriter())
	ctx := operatorCtx()

	headers := []string{"Apellido", "Apellidos", "Documento"}
	m, err := Propose(headers).Override(map[string]validate.Field{"Apellidos": validate.FieldSurname})
	require.NoError(t, err)

	tpl, err := svc.Create(ctx, "  Hotel Sur  ", headers, m)
	require.NoError(t, err)
	assert.Equal(t, "Hotel Sur", tpl.Name)
	assert.Equal(t, "ana", tpl.CreatedBy)
	assert.Equal(t, map[string]string{"Apellidos": "surname", "Documento": "national_id"}, tpl.Mapping)

	_, err = svc.Create(ctx, "Hotel Sur", headers, m)
	var cv *core.ConstraintViolation
	require.ErrorAs(t, err, &cv)
	assert.Equal(t, core.ConstraintUnique, cv.Kind)

	_, err = svc.Create(ctx, " ", headers, m)
	var ve *core.ValidationError
	assert.ErrorAs(t, err, &ve)

	matches, err := svc.Match(ctx, []string{"apellido", "APELLIDOS", "documento", "edad"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, tpl.ID, matches[0].Template.ID)

	matches, err = svc.Match(ctx, []string{"Apellido"})
	require.NoError(t, err)
	assert.Empty(t, matches)

	// Applying the template settles the ambiguity the same way the operator did.
	saved := onlyTemplate(t, svc, ctx)
	applied, err := FromTemplate([]string{"APELLIDO", "APELLIDOS", "DOCUMENTO", "Edad"}, saved)
	require.NoError(t, err)
	assert.Equal(t, validate.FieldSurname, applied.Columns[1].Field)
	assert.Equal(t, ReasonTemplate, applied.Columns[1].Reason)
	assert.Equal(t, validate.FieldNationalID, applied.Columns[2].Field)
	assert.Equal(t, validate.FieldAge, applied.Columns[3].Field)
	assert.Equal(t, ReasonExact, applied.Columns[3].Reason)
	assert.Empty(t, applied.Unresolved())

	require.NoError(t, svc.Delete(ctx, tpl.ID))
	_, err = svc.Get(ctx, tpl.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.ErrorIs(t, svc.Delete(ctx, tpl.ID), core.ErrNotFound)

	records, total, err := st.QueryAudit(ctx, storage.AuditFilter{Table: audit.TableTemplates})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total, "one create and one delete")
	require.Len(t, records, 2)
	assert.Equal(t, "TEMPLATE_DELETE", records[0].Action)
	assert.NotEmpty(t, records[0].Before)
	assert.Equal(t, "TEMPLATE_CREATE", records[1].Action)
}

func onlyTemplate(t *testing.T, svc *Templates, ctx context.Context) storage.MappingTemplate {
	t.Helper()
	list, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	return list[0]
}

func TestTemplates_RequireActor(t *testing.T) {
	st := storagetest.Open(t)
	svc := NewTemplates(st, audit.NewWriter())
	_, err := svc.Create(context.Background(), "x", []string{"DNI"}, Propose([]string{"DNI"}))
	assert.ErrorIs(t, err, core.ErrUnauthorized)
}
