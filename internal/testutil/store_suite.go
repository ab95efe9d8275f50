package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/ignatij/replog/pkg/models"
	"github.com/ignatij/replog/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunStoreSuite checks the behavior every storage.Store implementation shares.
// newStore must return an empty store.
func RunStoreSuite(t *testing.T, newStore func(t *testing.T) storage.Store) {
	ctx := context.Background()

	appendN := func(t *testing.T, store storage.Store, objectType string, n int) []int64 {
		ids := make([]int64, 0, n)
		for i := 0; i < n; i++ {
			id, err := store.AppendEntry(ctx, models.ChangeLogEntry{
				ObjectType:   objectType,
				ObjectID:     objectType + "-1",
				MutationKind: models.UpdatedMutation,
				Payload:      []byte(`{"seq":1}`),
			})
			require.NoError(t, err)
			ids = append(ids, id)
		}
		return ids
	}

	inProgress := func(key string, min, max int64) models.Watermark {
		return models.Watermark{
			Key:         key,
			Task:        "Sync",
			ObjectType:  "Contact",
			RangeMin:    min,
			RangeMax:    max,
			State:       models.InProgressWatermarkState,
			Attempt:     1,
			ExecutionID: "exec-1",
			StartedAt:   time.Now().UTC(),
		}
	}

	t.Run("AppendAndListEntries", func(t *testing.T) {
		store := newStore(t)
		contacts := appendN(t, store, "Contact", 2)
		appendN(t, store, "Domain", 1)
		contacts = append(contacts, appendN(t, store, "Contact", 2)...)
		require.Len(t, contacts, 4)
		for i := 1; i < len(contacts); i++ {
			assert.Greater(t, contacts[i], contacts[i-1])
		}

		entries, err := store.ListEntries(ctx, "Contact", 1, 0, 0)
		require.NoError(t, err)
		require.Len(t, entries, 4)
		for i, e := range entries {
			assert.Equal(t, contacts[i], e.ID)
			assert.Equal(t, "Contact", e.ObjectType)
			assert.Equal(t, models.UpdatedMutation, e.MutationKind)
			assert.JSONEq(t, `{"seq":1}`, string(e.Payload))
			assert.False(t, e.CreatedAt.IsZero())
		}

		limited, err := store.ListEntries(ctx, "Contact", 1, 0, 3)
		require.NoError(t, err)
		assert.Len(t, limited, 3)

		bounded, err := store.ListEntries(ctx, "Contact", contacts[1], contacts[2], 0)
		require.NoError(t, err)
		require.Len(t, bounded, 2)
		assert.Equal(t, contacts[1], bounded[0].ID)
		assert.Equal(t, contacts[2], bounded[1].ID)

		none, err := store.ListEntries(ctx, "Host", 1, 0, 10)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("AppendEntryWithoutPayload", func(t *testing.T) {
		store := newStore(t)
		id, err := store.AppendEntry(ctx, models.ChangeLogEntry{
			ObjectType:   "Host",
			ObjectID:     "h-1",
			MutationKind: models.DeletedMutation,
		})
		require.NoError(t, err)

		entries, err := store.ListEntries(ctx, "Host", id, id, 0)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, models.DeletedMutation, entries[0].MutationKind)
	})

	t.Run("AppendEntryRejectsReusedID", func(t *testing.T) {
		store := newStore(t)
		_, err := store.AppendEntry(ctx, models.ChangeLogEntry{ID: 10, ObjectType: "Contact", ObjectID: "c", MutationKind: models.CreatedMutation})
		require.NoError(t, err)
		_, err = store.AppendEntry(ctx, models.ChangeLogEntry{ID: 10, ObjectType: "Contact", ObjectID: "c", MutationKind: models.CreatedMutation})
		assert.Error(t, err)
	})

	t.Run("NextEntryIDSeeksOverGaps", func(t *testing.T) {
		store := newStore(t)
		appendN(t, store, "Contact", 1)
		domains := appendN(t, store, "Domain", 5)
		last := appendN(t, store, "Contact", 1)

		next, ok, err := store.NextEntryID(ctx, "Contact", 2)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, last[0], next)

		_, ok, err = store.NextEntryID(ctx, "Contact", last[0]+1)
		require.NoError(t, err)
		assert.False(t, ok)

		next, ok, err = store.NextEntryID(ctx, "Domain", 0)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, domains[0], next)
	})

	t.Run("LatestNotFound", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Latest(ctx, "Sync_Contact")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("InsertIsGuardedByPreviousID", func(t *testing.T) {
		store := newStore(t)
		first, err := store.Insert(ctx, inProgress("Sync_Contact", 1, 100), 0)
		require.NoError(t, err)
		assert.Greater(t, first.ID, int64(0))

		_, err = store.Insert(ctx, inProgress("Sync_Contact", 1, 100), 0)
		assert.ErrorIs(t, err, storage.ErrStaleWatermark)

		_, err = store.Insert(ctx, inProgress("Sync_Contact", 101, 200), first.ID)
		assert.ErrorIs(t, err, storage.ErrInProgress)

		require.NoError(t, store.Complete(ctx, first.ID, 100, time.Now().UTC()))
		second, err := store.Insert(ctx, inProgress("Sync_Contact", 101, 200), first.ID)
		require.NoError(t, err)
		assert.Greater(t, second.ID, first.ID)

		latest, err := store.Latest(ctx, "Sync_Contact")
		require.NoError(t, err)
		assert.Equal(t, second.ID, latest.ID)
		assert.Equal(t, int64(101), latest.RangeMin)
		assert.Equal(t, int64(200), latest.RangeMax)
		assert.Equal(t, models.InProgressWatermarkState, latest.State)
		assert.Equal(t, 1, latest.Attempt)
		assert.Equal(t, "exec-1", latest.ExecutionID)
		assert.Nil(t, latest.EndedAt)
	})

	t.Run("InProgressIsPerKey", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Insert(ctx, inProgress("Sync_Contact", 1, 10), 0)
		require.NoError(t, err)
		other := inProgress("Sync_Domain", 1, 10)
		other.ObjectType = "Domain"
		_, err = store.Insert(ctx, other, 0)
		assert.NoError(t, err)
	})

	t.Run("CompleteAndFail", func(t *testing.T) {
		store := newStore(t)
		w, err := store.Insert(ctx, inProgress("Sync_Contact", 1, 10), 0)
		require.NoError(t, err)

		ended := time.Now().UTC()
		require.NoError(t, store.Fail(ctx, w.ID, "boom", ended))
		failed, err := store.Latest(ctx, "Sync_Contact")
		require.NoError(t, err)
		assert.Equal(t, models.FailedWatermarkState, failed.State)
		assert.Equal(t, "boom", failed.ErrorMsg)
		require.NotNil(t, failed.EndedAt)
		assert.WithinDuration(t, ended, *failed.EndedAt, time.Second)

		assert.ErrorIs(t, store.Complete(ctx, w.ID, 10, ended), storage.ErrNotInProgress)
		assert.ErrorIs(t, store.Fail(ctx, w.ID, "again", ended), storage.ErrNotInProgress)
		assert.ErrorIs(t, store.Complete(ctx, w.ID+1000, 10, ended), storage.ErrNotFound)

		retry := inProgress("Sync_Contact", 1, 10)
		retry.Attempt = 2
		w2, err := store.Insert(ctx, retry, w.ID)
		require.NoError(t, err)
		require.NoError(t, store.Complete(ctx, w2.ID, 10, ended))
		done, err := store.Latest(ctx, "Sync_Contact")
		require.NoError(t, err)
		assert.Equal(t, models.CompletedWatermarkState, done.State)
		assert.Equal(t, 10, done.RowsProcessed)
		assert.Equal(t, 2, done.Attempt)
		assert.Empty(t, done.ErrorMsg)
	})

	t.Run("ListFiltersNewestFirst", func(t *testing.T) {
		store := newStore(t)
		var prev int64
		for i := int64(0); i < 3; i++ {
			w, err := store.Insert(ctx, inProgress("Sync_Contact", i*10+1, i*10+10), prev)
			require.NoError(t, err)
			require.NoError(t, store.Complete(ctx, w.ID, 10, time.Now().UTC()))
			prev = w.ID
		}
		domain := inProgress("Sync_Domain", 1, 5)
		domain.ObjectType = "Domain"
		_, err := store.Insert(ctx, domain, 0)
		require.NoError(t, err)

		all, err := store.List(ctx, models.WatermarkFilter{Task: "Sync"})
		require.NoError(t, err)
		require.Len(t, all, 4)
		for i := 1; i < len(all); i++ {
			assert.Greater(t, all[i-1].ID, all[i].ID)
		}

		contacts, err := store.List(ctx, models.WatermarkFilter{Task: "Sync", ObjectType: "Contact", Limit: 2})
		require.NoError(t, err)
		require.Len(t, contacts, 2)
		assert.Equal(t, int64(21), contacts[0].RangeMin)

		open, err := store.List(ctx, models.WatermarkFilter{State: models.InProgressWatermarkState})
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, "Domain", open[0].ObjectType)

		none, err := store.List(ctx, models.WatermarkFilter{Task: "Other"})
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}
