package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	internal_storage "github.com/ignatij/replog/internal/storage"
	"github.com/ignatij/replog/pkg/models"
	"github.com/ignatij/replog/pkg/storage"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*internal_storage.SQLStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return internal_storage.NewSQLStoreFromDB(sqlx.NewDb(db, internal_storage.DriverPostgres)), mock
}

func mockWatermark() models.Watermark {
	return models.Watermark{
		Key: "Sync_Contact", Task: "Sync", ObjectType: "Contact",
		RangeMin: 101, RangeMax: 200, State: models.InProgressWatermarkState, Attempt: 1,
		ExecutionID: "exec-1", StartedAt: time.Now().UTC(),
	}
}

func TestSQLStoreWithMock(t *testing.T) {
	ctx := context.Background()

	t.Run("InsertCommits", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(`SELECT pg_advisory_xact_lock\(hashtext\(\$1\)\)`).
			WithArgs("Sync_Contact").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT COALESCE\(MAX\(id\), 0\) FROM watermarks WHERE task_name = \$1`).
			WithArgs("Sync_Contact").
			WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(3))
		mock.ExpectQuery(`INSERT INTO watermarks \(task_name, task, object_type, range_min, range_max, fetch_from,`).
			WithArgs("Sync_Contact", "Sync", "Contact", 101, 150, 140, "IN_PROGRESS", 1, 0, "", "exec-1",
				sqlmock.AnyArg(), nil).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(4))
		mock.ExpectCommit()

		w := mockWatermark()
		w.RangeMax, w.FetchFrom = 150, 140
		w, err := store.Insert(ctx, w, 3)
		require.NoError(t, err)
		assert.Equal(t, int64(4), w.ID)
	})

	t.Run("InsertLockFailureRollsBack", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
			WithArgs("Sync_Contact").
			WillReturnError(errors.New("canceling statement due to lock timeout"))
		mock.ExpectRollback()

		_, err := store.Insert(ctx, mockWatermark(), 3)
		assert.ErrorContains(t, err, "lock watermark key Sync_Contact")
		assert.NotErrorIs(t, err, storage.ErrStaleWatermark)
	})

	t.Run("InsertStaleRollsBack", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectExec(`SELECT pg_advisory_xact_lock\(hashtext\(\$1\)\)`).
			WithArgs("Sync_Contact").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT COALESCE\(MAX\(id\), 0\) FROM watermarks`).
			WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(5))
		mock.ExpectRollback()

		_, err := store.Insert(ctx, mockWatermark(), 3)
		assert.ErrorIs(t, err, storage.ErrStaleWatermark)
	})

	uniqueErrors := map[string]error{
		"pq":    &pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"},
		"pgx":   &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"},
		"other": errors.New("connection reset by peer"),
	}
	for name, driverErr := range uniqueErrors {
		t.Run("InsertError_"+name, func(t *testing.T) {
			store, mock := newMockStore(t)
			mock.ExpectBegin()
			mock.ExpectExec(`SELECT pg_advisory_xact_lock\(hashtext\(\$1\)\)`).
				WithArgs("Sync_Contact").
				WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectQuery(`SELECT COALESCE\(MAX\(id\), 0\) FROM watermarks`).
				WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(3))
			mock.ExpectQuery(`INSERT INTO watermarks`).WillReturnError(driverErr)
			mock.ExpectRollback()

			_, err := store.Insert(ctx, mockWatermark(), 3)
			require.Error(t, err)
			if name == "other" {
				assert.NotErrorIs(t, err, storage.ErrInProgress)
				assert.ErrorContains(t, err, "connection reset")
			} else {
				assert.ErrorIs(t, err, storage.ErrInProgress)
			}
		})
	}

	t.Run("CompleteNotInProgress", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE watermarks`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM watermarks WHERE id = \$1`).
			WithArgs(7).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

		err := store.Complete(ctx, 7, 10, time.Now().UTC())
		assert.ErrorIs(t, err, storage.ErrNotInProgress)
	})

	t.Run("FailTransientError", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE watermarks`).WillReturnError(errors.New("bad connection"))

		err := store.Fail(ctx, 7, "boom", time.Now().UTC())
		require.Error(t, err)
		assert.ErrorContains(t, err, "fail watermark 7")
		assert.NotErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ListEntriesError", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT .* FROM change_log WHERE object_type = \$1 AND id >= \$2 AND id <= \$3 ORDER BY id LIMIT \$4`).
			WithArgs("Contact", 1, 100, 100).
			WillReturnError(errors.New("timeout"))

		_, err := store.ListEntries(ctx, "Contact", 1, 100, 100)
		assert.ErrorContains(t, err, "list Contact entries from 1")
	})

	t.Run("NextEntryIDEmpty", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT MIN\(id\) FROM change_log`).
			WillReturnRows(sqlmock.NewRows([]string{"min"}).AddRow(nil))

		_, ok, err := store.NextEntryID(ctx, "Contact", 50)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
