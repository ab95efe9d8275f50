package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/ignatij/replog/internal/testutil"
	"github.com/ignatij/replog/pkg/models"
	"github.com/ignatij/replog/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	testutil.RunStoreSuite(t, func(t *testing.T) storage.Store {
		return storage.NewMemoryStore()
	})
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	w, err := store.Insert(ctx, models.Watermark{
		Key: "Sync_Contact", Task: "Sync", ObjectType: "Contact",
		RangeMin: 1, RangeMax: 1, State: models.InProgressWatermarkState, Attempt: 1,
	}, 0)
	require.NoError(t, err)
	ended := time.Now().UTC()
	require.NoError(t, store.Fail(ctx, w.ID, "boom", ended))

	latest, err := store.Latest(ctx, "Sync_Contact")
	require.NoError(t, err)
	*latest.EndedAt = ended.Add(time.Hour)
	latest.State = models.CompletedWatermarkState

	again, err := store.Latest(ctx, "Sync_Contact")
	require.NoError(t, err)
	assert.Equal(t, models.FailedWatermarkState, again.State)
	assert.True(t, again.EndedAt.Equal(ended))
}

func TestMemoryStoreClosed(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	require.NoError(t, store.Close())

	_, err := store.ListEntries(ctx, "Contact", 1, 0, 0)
	assert.Error(t, err)
	_, err = store.Latest(ctx, "Sync_Contact")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, storage.ErrNotFound)
}

func TestMemoryStoreHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := storage.NewMemoryStore()

	_, err := store.AppendEntry(ctx, models.ChangeLogEntry{ObjectType: "Contact", ObjectID: "c", MutationKind: models.CreatedMutation})
	assert.ErrorIs(t, err, context.Canceled)
}
