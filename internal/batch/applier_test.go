package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/scah/internal/audit"
	"github.com/JonMunkholm/scah/internal/core"
	"github.com/JonMunkholm/scah/internal/mapping"
	"github.com/JonMunkholm/scah/internal/storage"
	"github.com/JonMunkholm/scah/internal/storage/storagetest"
	"github.com/JonMunkholm/scah/internal/tabular"
	"github.com/JonMunkholm/scah/internal/validate"
)

var header = []string{
	"Apellido", "Nombre", "DNI", "Pasaporte", "Nacionalidad", "Procedencia",
	"Habitación", "Fecha Ingreso", "Fecha Egreso",
}

func guest(line int, surname, given, dni, passport, entry, exit string) tabular.Row {
	return tabular.Row{
		Sheet: "Huespedes",
		Line:  line,
		Cells: []string{surname, given, dni, passport, "Argentina", "Salta", "10", entry, exit},
	}
}

// tenGuests returns ten distinct valid rows; bad replaces row 7 with one
// whose exit date precedes its entry date.
func tenGuests(bad bool) []tabular.Row {
	rows := make([]tabular.Row, 10)
	for i := range rows {
		rows[i] = guest(i+2, "Apellido", "Nombre", fmt.Sprintf("3000000%d", i), "", "2024-03-01", "2024-03-04")
	}
	if bad {
		rows[6] = guest(8, "Torres", "Ana", "31000000", "", "2024-03-05", "2024-03-01")
	}
	return rows
}

func newBatch(rows ...tabular.Row) Batch {
	return Batch{ID: uuid.NewString(), Source: "marzo.xlsx", Header: header, Rows: rows}
}

func actorCtx() context.Context {
	return core.ContextWithActor(context.Background(), core.Actor{UserID: 1, Username: "maria", Role: "operator"})
}

func setup(t *testing.T) (*storage.Store, *Applier) {
	t.Helper()
	st := storagetest.Open(t)
	return st, NewApplier(st, audit.NewWriter(), NewGate(1, time.Second), Config{Workers: 2})
}

func seedPerson(t *testing.T, st *storage.Store, surname, given, dni string) storage.Person {
	t.Helper()
	p := storage.Person{Surname: surname, GivenName: given, Nationality: "Argentina", Origin: "Salta", NationalID: &dni}
	require.NoError(t, st.WithTx(context.Background(), func(tx *storage.Tx) error {
		return tx.CreatePerson(context.Background(), &p)
	}))
	return p
}

func count(t *testing.T, st *storage.Store, table string) int {
	t.Helper()
	var n int
	require.NoError(t, st.DB().QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&n))
	return n
}

func auditCount(t *testing.T, st *storage.Store, action audit.Action) int64 {
	t.Helper()
	_, total, err := st.QueryAudit(context.Background(), storage.AuditFilter{Action: string(action)})
	require.NoError(t, err)
	return total
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    Policy
		wantErr bool
	}{
		{"", Strict, false},
		{"strict", Strict, false},
		{"Best-Effort", BestEffort, false},
		{"best_effort", BestEffort, false},
		{"sometimes", "", true},
	}
	for _, tt := range tests {
		got, err := ParsePolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePolicy(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParsePolicy(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPreview_ClassifiesWithoutWriting(t *testing.T) {
	st, a := setup(t)
	ctx := actorCtx()
	juan := seedPerson(t, st, "Pérez", "Juan", "30123456")

	b := newBatch(
		guest(2, "Nuevo", "Ana", "40111222", "", "2024-03-01", ""),
		guest(3, "PEREZ", "juan", "30.123.456", "AB12345", "2024-03-01", ""),
		guest(4, "Gomez", "Juan", "30123456", "", "2024-03-01", ""),
		guest(5, "Roja", "Eva", "40222333", "", "2024-03-05", "2024-03-01"),
		guest(6, "Nuevo", "Ana", "40111222", "", "2024-03-09", ""),
	)
	m := mapping.Propose(b.Header)

	rep, err := a.Preview(ctx, b, m, Options{})
	require.NoError(t, err)

	statuses := make([]Status, len(rep.Rows))
	for i, r := range rep.Rows {
		statuses[i] = r.Status
	}
	assert.Equal(t, []Status{
		StatusNewPerson, StatusExistingPerson, StatusConflict, StatusValidationError, StatusExistingPerson,
	}, statuses)

	assert.Less(t, rep.Rows[0].PersonID, int64(0), "new person gets a provisional id")
	assert.Equal(t, rep.Rows[0].PersonID, rep.Rows[4].PersonID, "in-batch duplicate resolves to the same person")
	assert.Equal(t, juan.ID, rep.Rows[1].PersonID)
	assert.True(t, rep.Rows[1].Enriched)
	require.NotNil(t, rep.Rows[2].Conflict)
	assert.Equal(t, []int64{juan.ID}, rep.Rows[2].Conflict.Candidates)
	assert.Equal(t, "Huespedes:5", rep.Rows[3].Label())

	assert.Equal(t, Counts{
		Rows: 5, AcceptedNew: 1, AcceptedExisting: 2, ValidationErrors: 1, Conflicts: 1, Processed: 5,
	}, rep.Counts)
	assert.False(t, rep.Accepted())
	assert.Len(t, rep.Failed(), 2)

	assert.Equal(t, 1, count(t, st, "persons"))
	assert.Equal(t, 0, count(t, st, "stays"))
	assert.Equal(t, 0, count(t, st, "audit_log"))

	again, err := a.Preview(ctx, b, m, Options{})
	require.NoError(t, err)
	assert.Equal(t, rep.Rows, again.Rows, "preview is repeatable")
	assert.Equal(t, rep.Counts, again.Counts)
}

func TestPreview_ReportsMissingFields(t *testing.T) {
	_, a := setup(t)
	b := Batch{ID: "b", Header: []string{"Apellido", "Nombre"}, Rows: []tabular.Row{{Line: 2, Cells: []string{"Paz", "Leo"}}}}
	rep, err := a.Preview(actorCtx(), b, mapping.Propose(b.Header), Options{})
	require.NoError(t, err)
	assert.Contains(t, rep.Missing, validate.FieldNationality)
	assert.Equal(t, StatusValidationError, rep.Rows[0].Status)
}

func TestCommit_StrictWritesEverythingInOneTransaction(t *testing.T) {
	st, a := setup(t)
	ctx := actorCtx()
	b := newBatch(tenGuests(false)...)

	rep, err := a.Commit(ctx, b, mapping.Propose(header), Options{Policy: Strict})
	require.NoError(t, err)

	assert.Equal(t, 10, rep.Counts.Committed)
	assert.Equal(t, 0, rep.Counts.Pending)
	assert.Len(t, rep.AuditIDs, 10)
	assert.NotZero(t, rep.SummaryAuditID)
	assert.Equal(t, 10, count(t, st, "persons"))
	assert.Equal(t, 10, count(t, st, "stays"))
	assert.Equal(t, int64(10), auditCount(t, st, audit.ActionImportRow))
	assert.Equal(t, int64(1), auditCount(t, st, audit.ActionImport))

	summary, err := st.GetAudit(ctx, rep.SummaryAuditID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, summary.BatchID)
	assert.Equal(t, "imports", summary.Table)
	assert.Contains(t, summary.Detail, "committed=10")
}

func TestCommit_StrictAbortsOnOneBadRow(t *testing.T) {
	st, a := setup(t)
	b := newBatch(tenGuests(true)...)

	rep, err := a.Commit(actorCtx(), b, mapping.Propose(header), Options{Policy: Strict})
	require.ErrorIs(t, err, ErrAborted)
	require.NotNil(t, rep)
	assert.True(t, rep.Aborted)
	assert.Equal(t, 0, rep.Counts.Committed)
	assert.Equal(t, 1, rep.Counts.ValidationErrors)
	assert.Contains(t, rep.Error, "Huespedes:8")

	assert.Equal(t, 0, count(t, st, "persons"))
	assert.Equal(t, 0, count(t, st, "stays"))
	assert.Equal(t, 0, count(t, st, "audit_log"))
}

func TestCommit_BestEffortSkipsBadRow(t *testing.T) {
	st, a := setup(t)
	ctx := actorCtx()
	b := newBatch(tenGuests(true)...)

	rep, err := a.Commit(ctx, b, mapping.Propose(header), Options{Policy: BestEffort})
	require.NoError(t, err)

	assert.Equal(t, 9, rep.Counts.Committed)
	assert.Equal(t, 1, rep.Counts.Skipped)
	assert.Equal(t, 1, rep.Counts.ValidationErrors)
	assert.Equal(t, StatusValidationError, rep.Rows[6].Status)
	assert.False(t, rep.Rows[6].Committed)
	assert.Equal(t, "exit_date", rep.Rows[6].Errors[0].Field)

	assert.Equal(t, 9, count(t, st, "stays"))
	assert.Equal(t, int64(9), auditCount(t, st, audit.ActionImportRow))
	assert.Equal(t, int64(1), auditCount(t, st, audit.ActionImport))

	// Each committed stay has exactly one IMPORT_ROW record pointing at it.
	for _, row := range rep.Rows {
		if !row.Committed {
			continue
		}
		stayID := row.StayID
		recs, total, err := st.QueryAudit(ctx, storage.AuditFilter{Action: string(audit.ActionImportRow), RecordID: &stayID})
		require.NoError(t, err)
		require.Equal(t, int64(1), total)
		assert.Equal(t, row.AuditID, recs[0].ID)
		require.NotNil(t, recs[0].PersonID)
		assert.Equal(t, row.PersonID, *recs[0].PersonID)
		assert.Equal(t, "maria", recs[0].ActingUser)
		assert.Equal(t, b.ID, recs[0].BatchID)
	}

	var bad int
	require.NoError(t, st.DB().QueryRow(`SELECT COUNT(*) FROM stays WHERE exit_date IS NOT NULL AND exit_date < entry_date`).Scan(&bad))
	assert.Zero(t, bad)
}

func TestCommit_SameDocumentTwiceIsOnePerson(t *testing.T) {
	st, a := setup(t)
	b := newBatch(
		guest(2, "Sosa", "Luis", "28444555", "", "2024-01-10", "2024-01-12"),
		guest(3, "SOSA", "Luis", "28.444.555", "", "2024-02-10", "2024-02-12"),
	)

	for _, policy := range []Policy{Strict, BestEffort} {
		t.Run(string(policy), func(t *testing.T) {
			before := count(t, st, "stays")
			b.ID = uuid.NewString()
			rep, err := a.Commit(actorCtx(), b, mapping.Propose(header), Options{Policy: policy})
			require.NoError(t, err)
			assert.Equal(t, rep.Rows[0].PersonID, rep.Rows[1].PersonID)
			assert.Equal(t, 1, count(t, st, "persons"))
			assert.Equal(t, before+2, count(t, st, "stays"))
		})
	}
}

func TestCommit_ConflictChangesNothing(t *testing.T) {
	st, a := setup(t)
	ctx := actorCtx()
	juan := seedPerson(t, st, "Pérez", "Juan", "30123456")

	b := newBatch(guest(2, "Gomez", "Juan", "30123456", "", "2024-03-01", ""))
	rep, err := a.Commit(ctx, b, mapping.Propose(header), Options{Policy: BestEffort})
	require.NoError(t, err)

	assert.Equal(t, StatusConflict, rep.Rows[0].Status)
	require.NotNil(t, rep.Rows[0].Conflict)
	assert.Equal(t, []string{"surname"}, rep.Rows[0].Conflict.Fields)

	stored, err := st.GetPerson(ctx, juan.ID)
	require.NoError(t, err)
	assert.Equal(t, "Pérez", stored.Surname)
	assert.Equal(t, 0, count(t, st, "stays"))
	assert.Equal(t, int64(0), auditCount(t, st, audit.ActionImportRow))

	_, err = a.Commit(ctx, newBatch(b.Rows...), mapping.Propose(header), Options{Policy: Strict})
	assert.ErrorIs(t, err, ErrAborted)
}

func TestCommit_ForceAttachesToCandidate(t *testing.T) {
	st, a := setup(t)
	ctx := actorCtx()
	juan := seedPerson(t, st, "Pérez", "Juan", "30123456")
	b := newBatch(guest(2, "Perez Gomez", "Juan", "30123456", "", "2024-03-01", ""))

	_, err := a.Commit(ctx, b, mapping.Propose(header), Options{Policy: Strict, Force: map[int]int64{0: juan.ID + 99}})
	require.ErrorIs(t, err, ErrAborted)

	rep, err := a.Commit(ctx, b, mapping.Propose(header), Options{Policy: Strict, Force: map[int]int64{0: juan.ID}})
	require.NoError(t, err)
	assert.Equal(t, StatusExistingPerson, rep.Rows[0].Status)
	assert.True(t, rep.Rows[0].Forced)
	assert.Equal(t, juan.ID, rep.Rows[0].PersonID)

	stored, err := st.GetPerson(ctx, juan.ID)
	require.NoError(t, err)
	assert.Equal(t, "Pérez", stored.Surname, "stored identity is not overwritten")
}

func TestCommit_EnrichmentIsAudited(t *testing.T) {
	st, a := setup(t)
	ctx := actorCtx()
	juan := seedPerson(t, st, "Pérez", "Juan", "30123456")

	b := newBatch(guest(2, "Perez", "Juan", "30123456", "AB12345", "2024-03-01", ""))
	rep, err := a.Commit(ctx, b, mapping.Propose(header), Options{Policy: Strict})
	require.NoError(t, err)
	require.True(t, rep.Rows[0].Enriched)

	stored, err := st.GetPerson(ctx, juan.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Passport)
	assert.Equal(t, "AB12345", *stored.Passport)

	rec, err := st.GetAudit(ctx, rep.Rows[0].AuditID)
	require.NoError(t, err)
	var before storage.Person
	require.NoError(t, json.Unmarshal(rec.Before, &before))
	assert.Nil(t, before.Passport)

	var after rowSnapshot
	require.NoError(t, json.Unmarshal(rec.After, &after))
	assert.False(t, after.PersonCreated)
	assert.Equal(t, rep.Rows[0].StayID, after.Stay.ID)
}

func TestCommit_LinksKnownEstablishment(t *testing.T) {
	st, a := setup(t)
	ctx := actorCtx()
	est := storage.Establishment{Name: "Hotel Sol"}
	require.NoError(t, st.WithTx(ctx, func(tx *storage.Tx) error { return tx.CreateEstablishment(ctx, &est) }))

	hdr := append(append([]string{}, header...), "Hotel")
	row := guest(2, "Sosa", "Luis", "28444555", "", "2024-01-10", "")
	row.Cells = append(row.Cells, "Hotel Sol")
	other := guest(3, "Vera", "Ines", "28444556", "", "2024-01-10", "")
	other.Cells = append(other.Cells, "Posada Nueva")
	b := Batch{ID: uuid.NewString(), Source: "x.csv", Header: hdr, Rows: []tabular.Row{row, other}}

	rep, err := a.Commit(ctx, b, mapping.Propose(hdr), Options{Policy: Strict})
	require.NoError(t, err)

	linked, err := st.GetStay(ctx, rep.Rows[0].StayID)
	require.NoError(t, err)
	require.NotNil(t, linked.EstablishmentID)
	assert.Equal(t, est.ID, *linked.EstablishmentID)

	unlinked, err := st.GetStay(ctx, rep.Rows[1].StayID)
	require.NoError(t, err)
	assert.Nil(t, unlinked.EstablishmentID)
	assert.Equal(t, "Posada Nueva", unlinked.EstablishmentName)
}

func TestCommit_Cancellation(t *testing.T) {
	cancelAfter := func(n int) (context.Context, func(Progress)) {
		ctx, cancel := context.WithCancel(actorCtx())
		return ctx, func(p Progress) {
			if p.Phase == PhaseCommitting && p.Committed == n {
				cancel()
			}
		}
	}

	t.Run("best-effort keeps committed rows", func(t *testing.T) {
		st, a := setup(t)
		ctx, progress := cancelAfter(3)
		rep, err := a.Commit(ctx, newBatch(tenGuests(false)...), mapping.Propose(header),
			Options{Policy: BestEffort, Progress: progress})
		require.NoError(t, err)

		assert.True(t, rep.Cancelled)
		assert.Equal(t, 3, rep.Counts.Committed)
		assert.Equal(t, 3, rep.Counts.Processed)
		assert.Equal(t, 7, rep.Counts.Pending)
		assert.Equal(t, 3, count(t, st, "stays"))
		assert.Equal(t, int64(3), auditCount(t, st, audit.ActionImportRow))

		summary, err := st.GetAudit(context.Background(), rep.SummaryAuditID)
		require.NoError(t, err)
		assert.Contains(t, summary.Detail, "cancelled pending=7")
	})

	t.Run("strict rolls everything back", func(t *testing.T) {
		st, a := setup(t)
		ctx, progress := cancelAfter(3)
		rep, err := a.Commit(ctx, newBatch(tenGuests(false)...), mapping.Propose(header),
			Options{Policy: Strict, Progress: progress})
		require.ErrorIs(t, err, ErrAborted)
		assert.ErrorIs(t, err, context.Canceled)

		assert.True(t, rep.Cancelled)
		assert.Equal(t, 0, rep.Counts.Committed)
		assert.Equal(t, 3, rep.Counts.Processed)
		assert.Equal(t, 0, count(t, st, "persons"))
		assert.Equal(t, 0, count(t, st, "audit_log"))
	})
}

func TestCommit_AuditFailureStopsBatch(t *testing.T) {
	for _, policy := range []Policy{Strict, BestEffort} {
		t.Run(string(policy), func(t *testing.T) {
			st, a := setup(t)
			_, err := st.DB().Exec(`ALTER TABLE audit_log RENAME TO audit_log_offline`)
			require.NoError(t, err)

			rep, err := a.Commit(actorCtx(), newBatch(tenGuests(false)...), mapping.Propose(header), Options{Policy: policy})
			require.Error(t, err)
			assert.True(t, errors.Is(err, core.ErrAuditWrite), "err = %v", err)
			require.NotNil(t, rep)
			assert.True(t, rep.Aborted)
			assert.Equal(t, 0, rep.Counts.Committed)
			assert.Equal(t, 0, count(t, st, "persons"))
			assert.Equal(t, 0, count(t, st, "stays"))
		})
	}
}

func TestCommit_RefusesBeforeWriting(t *testing.T) {
	_, a := setup(t)
	ctx := actorCtx()
	rows := tenGuests(false)

	_, err := a.Commit(ctx, newBatch(), mapping.Propose(header), Options{})
	assert.ErrorIs(t, err, ErrEmptyBatch)

	partial := mapping.Propose([]string{"Apellido", "Nombre", "Nacionalidad"})
	_, err = a.Commit(ctx, newBatch(rows...), partial, Options{})
	assert.ErrorIs(t, err, ErrIncompleteMapping)

	ambiguous := mapping.Propose(append([]string{"Apellidos"}, header...))
	_, err = a.Commit(ctx, newBatch(rows...), ambiguous, Options{})
	assert.ErrorIs(t, err, ErrUnresolvedMapping)

	_, err = a.Commit(context.Background(), newBatch(rows...), mapping.Propose(header), Options{})
	assert.ErrorIs(t, err, core.ErrUnauthorized)

	_, err = a.Commit(ctx, newBatch(rows...), mapping.Propose(header), Options{Policy: "sometimes"})
	assert.Error(t, err)
}

func TestCommit_LowConfidenceNeedsConfirmation(t *testing.T) {
	st, a := setup(t)
	ctx := actorCtx()

	loose := append([]string{"Apellido Paterno Materno"}, header[1:]...)
	b := Batch{ID: uuid.NewString(), Source: "marzo.xlsx", Header: loose, Rows: tenGuests(false)}
	m := mapping.Propose(loose)
	require.True(t, m.Columns[0].Low())

	_, err := a.Commit(ctx, b, m, Options{Policy: Strict})
	require.ErrorIs(t, err, ErrUnconfirmedMapping)
	assert.ErrorContains(t, err, "Apellido Paterno Materno")
	assert.Equal(t, 0, count(t, st, "persons"))
	assert.Equal(t, int64(0), auditCount(t, st, audit.ActionImport))

	// Preview still shows what the proposal would do.
	rep, err := a.Preview(ctx, b, m, Options{})
	require.NoError(t, err)
	assert.Equal(t, 10, rep.Counts.AcceptedNew)

	confirmed, err := m.Confirm([]string{"Apellido Paterno Materno"})
	require.NoError(t, err)
	rep, err = a.Commit(ctx, b, confirmed, Options{Policy: Strict})
	require.NoError(t, err)
	assert.Equal(t, 10, rep.Counts.Committed)
	assert.Equal(t, 10, count(t, st, "persons"))
}

func TestCommit_WaitsForGate(t *testing.T) {
	st := storagetest.Open(t)
	gate := NewGate(1, 50*time.Millisecond)
	a := NewApplier(st, audit.NewWriter(), gate, Config{})
	require.True(t, gate.TryAcquire())

	_, err := a.Commit(actorCtx(), newBatch(tenGuests(false)...), mapping.Propose(header), Options{})
	assert.ErrorIs(t, err, ErrTooManyImports)

	gate.Release()
	_, err = a.Commit(actorCtx(), newBatch(tenGuests(false)...), mapping.Propose(header), Options{})
	assert.NoError(t, err)
}
