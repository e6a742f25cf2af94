package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/scah/internal/audit"
	"github.com/JonMunkholm/scah/internal/core"
	"github.com/JonMunkholm/scah/internal/storage"
	"github.com/JonMunkholm/scah/internal/storage/storagetest"
	"github.com/JonMunkholm/scah/internal/tabular"
)

func actorCtx() context.Context {
	ctx := core.ContextWithActor(context.Background(), core.Actor{UserID: 1, Username: "maria", Role: "operator"})
	return core.ContextWithIPAddress(ctx, "10.0.0.7")
}

func createPerson(doc string) audit.Mutation {
	return audit.Mutation{
		Action: audit.ActionCreate,
		Table:  audit.TablePersons,
		Run: func(tx *storage.Tx) (int64, any, error) {
			p := &storage.Person{Surname: "PEREZ", GivenName: "Juan", Nationality: "Argentina", Origin: "Salta", NationalID: &doc}
			if err := tx.CreatePerson(context.Background(), p); err != nil {
				return 0, nil, err
			}
			return p.ID, p, nil
		},
	}
}

func TestApply_WritesOneRecordInSameTx(t *testing.T) {
	st := storagetest.Open(t)
	w := audit.NewWriter()
	ctx := actorCtx()

	var personID, auditID int64
	err := st.WithTx(ctx, func(tx *storage.Tx) error {
		var err error
		personID, auditID, err = w.Apply(ctx, tx, createPerson("30123456"))
		return err
	})
	require.NoError(t, err)

	rec, err := st.GetAudit(ctx, auditID)
	require.NoError(t, err)
	assert.Equal(t, "maria", rec.ActingUser)
	assert.Equal(t, "CREATE", rec.Action)
	assert.Equal(t, "persons", rec.Table)
	require.NotNil(t, rec.RecordID)
	assert.Equal(t, personID, *rec.RecordID)
	require.NotNil(t, rec.PersonID)
	assert.Equal(t, personID, *rec.PersonID)
	assert.Nil(t, rec.Before)
	assert.Equal(t, "10.0.0.7", rec.IPAddress)

	var after storage.Person
	require.NoError(t, json.Unmarshal(rec.After, &after))
	assert.Equal(t, "PEREZ", after.Surname)
}

func TestApply_FailedWriteLeavesNoRecord(t *testing.T) {
	st := storagetest.Open(t)
	w := audit.NewWriter()
	ctx := actorCtx()

	boom := errors.New("boom")
	err := st.WithTx(ctx, func(tx *storage.Tx) error {
		_, _, err := w.Apply(ctx, tx, audit.Mutation{
			Action: audit.ActionUpdate,
			Table:  audit.TablePersons,
			Run:    func(*storage.Tx) (int64, any, error) { return 0, nil, boom },
		})
		return err
	})
	require.ErrorIs(t, err, boom)

	n, err := st.CountAudit(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestApply_AuditFailureRollsBackMutation(t *testing.T) {
	st := storagetest.Open(t)
	w := audit.NewWriter()
	ctx := actorCtx()

	_, err := st.DB().ExecContext(ctx, `ALTER TABLE audit_log RENAME TO audit_log_offline`)
	require.NoError(t, err)

	err = st.WithTx(ctx, func(tx *storage.Tx) error {
		_, _, err := w.Apply(ctx, tx, createPerson("30123456"))
		return err
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrAuditWrite)
	assert.False(t, core.IsRowLevel(err))

	n, err := st.CountPersons(ctx, true)
	require.NoError(t, err)
	assert.Zero(t, n, "person write must roll back with its audit")
}

func TestRecord_RequiresActor(t *testing.T) {
	st := storagetest.Open(t)
	w := audit.NewWriter()

	err := st.WithTx(context.Background(), func(tx *storage.Tx) error {
		_, err := w.Record(context.Background(), tx, audit.Entry{Action: audit.ActionLogin, Table: audit.TableUsers})
		return err
	})
	assert.ErrorIs(t, err, core.ErrAuditWrite)
	assert.ErrorIs(t, err, core.ErrUnauthorized)
}

func seed(t *testing.T, st *storage.Store, w *audit.Writer, n int) {
	t.Helper()
	ctx := actorCtx()
	for i := 0; i < n; i++ {
		require.NoError(t, st.WithTx(ctx, func(tx *storage.Tx) error {
			_, err := w.Record(ctx, tx, audit.Entry{
				Action: audit.ActionImport,
				Table:  audit.TableImports,
				Detail: "rows=10, committed=9",
				After:  map[string]int{"committed": 9},
			})
			return err
		}))
	}
}

func TestService_QueryPaging(t *testing.T) {
	st := storagetest.Open(t)
	seed(t, st, audit.NewWriter(), 5)
	svc := audit.NewService(st)

	res, err := svc.Query(context.Background(), storage.AuditFilter{Action: "IMPORT", Page: storage.Page{Limit: 2, Offset: 2}})
	require.NoError(t, err)
	assert.EqualValues(t, 5, res.TotalCount)
	assert.Equal(t, 3, res.TotalPages)
	assert.Equal(t, 2, res.Page)
	require.Len(t, res.Entries, 2)
	assert.Greater(t, res.Entries[0].ID, res.Entries[1].ID)

	res, err = svc.Query(context.Background(), storage.AuditFilter{ActingUser: "nobody"})
	require.NoError(t, err)
	assert.NotNil(t, res.Entries)
	assert.Empty(t, res.Entries)
}

func TestService_Export(t *testing.T) {
	st := storagetest.Open(t)
	seed(t, st, audit.NewWriter(), 3)
	svc := audit.NewService(st)
	ctx := context.Background()

	var buf bytes.Buffer
	n, err := svc.ExportXLSX(ctx, storage.AuditFilter{}, &buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	f, err := tabular.Read("audit.xlsx", bytes.NewReader(buf.Bytes()), tabular.Options{})
	require.NoError(t, err)
	require.Len(t, f.Sheets, 1)
	assert.Equal(t, "Audit", f.Sheets[0].Name)
	assert.Equal(t, "Action", f.Sheets[0].Header[3])
	require.Len(t, f.Sheets[0].Rows, 3)
	assert.Equal(t, "IMPORT", f.Sheets[0].Rows[0].Cells[3])

	buf.Reset()
	n, err = svc.ExportCSV(ctx, storage.AuditFilter{}, &buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "ID,Timestamp,User,Action"))
}
