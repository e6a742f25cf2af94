package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/scah/internal/core"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := New(db, Postgres)
	s.retryBackoff = 0
	return s, mock
}

func TestWithTx_RetriesSerializationFailure(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE persons SET active = \$1`).WillReturnError(&pgconn.PgError{Code: "40001"})
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE persons SET active = \$1`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	calls := 0
	err := s.WithTx(ctx, func(tx *Tx) error {
		calls++
		return tx.SetPersonActive(ctx, 1, false)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_GivesUpAfterMaxRetries(t *testing.T) {
	s, mock := newMockStore(t)
	s.maxRetries = 1
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE stays`).WillReturnError(&pgconn.PgError{Code: "40P01"})
		mock.ExpectRollback()
	}

	err := s.WithTx(ctx, func(tx *Tx) error {
		return tx.SetStayActive(ctx, 3, false)
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrStorageBusy), "got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_DoesNotRetryConstraintViolations(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO persons`).WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "persons_national_id_active"})
	mock.ExpectRollback()

	calls := 0
	err := s.WithTx(ctx, func(tx *Tx) error {
		calls++
		doc := "30123456"
		return tx.CreatePerson(ctx, &Person{Surname: "A", NationalID: &doc})
	})

	var cv *core.ConstraintViolation
	require.True(t, errors.As(err, &cv), "got %v", err)
	assert.Equal(t, core.ConstraintUnique, cv.Kind)
	assert.Equal(t, "persons_national_id_active", cv.Detail)
	assert.Equal(t, 1, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClassifyPostgres(t *testing.T) {
	tests := []struct {
		code string
		kind string
		busy bool
	}{
		{"23505", core.ConstraintUnique, false},
		{"23503", core.ConstraintForeignKey, false},
		{"23514", core.ConstraintCheck, false},
		{"23502", core.ConstraintNotNull, false},
		{"23001", core.ConstraintImmutable, false},
		{"55P03", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := classify(&pgconn.PgError{Code: tt.code})
			if tt.busy {
				assert.ErrorIs(t, err, core.ErrStorageBusy)
				return
			}
			var cv *core.ConstraintViolation
			require.True(t, errors.As(err, &cv))
			assert.Equal(t, tt.kind, cv.Kind)
		})
	}

	other := errors.New("connection reset")
	assert.Same(t, other, classify(other))
	assert.NoError(t, classify(nil))
}
