package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/JonMunkholm/scah/internal/core"
	"github.com/JonMunkholm/scah/internal/storage"
)

func openPostgres(t *testing.T) *storage.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}

	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("scah"),
		postgres.WithUsername("scah"),
		postgres.WithPassword("scah"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("5432/tcp").WithStartupTimeout(2*time.Minute),
		),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = pgContainer.Terminate(context.Background()) })

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	var st *storage.Store
	// The port can be open a moment before the server accepts logins.
	for i := 0; i < 20; i++ {
		st, err = storage.Open(ctx, storage.Options{Driver: storage.Postgres, URL: dsn, MaxRetries: 2})
		if err == nil {
			break
		}
		time.Sleep(250 * time.Millisecond)
	}
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestPostgres_SchemaAndConstraints(t *testing.T) {
	st := openPostgres(t)
	ctx := context.Background()

	v, err := st.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.LatestVersion(), v)

	p := newPerson("", "AB123456")
	require.NoError(t, st.WithTx(ctx, func(tx *storage.Tx) error { return tx.CreatePerson(ctx, p) }))

	err = st.CreatePerson(ctx, newPerson("", "AB123456"))
	var cv *core.ConstraintViolation
	require.True(t, errors.As(err, &cv), "got %v", err)
	assert.Equal(t, core.ConstraintUnique, cv.Kind)

	rec := &storage.AuditRecord{ActingUser: "maria", Action: "CREATE", Table: "persons", RecordID: &p.ID, PersonID: &p.ID}
	require.NoError(t, st.InsertAudit(ctx, rec))

	_, err = st.DB().ExecContext(ctx, `DELETE FROM audit_log WHERE id = $1`, rec.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	persons, total, err := st.SearchPersons(ctx, storage.PersonFilter{Term: "ab12"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, persons, 1)
	assert.Equal(t, p.ID, persons[0].ID)

	_, err = st.Backup(ctx, t.TempDir())
	assert.ErrorIs(t, err, storage.ErrBackupUnsupported)
}
