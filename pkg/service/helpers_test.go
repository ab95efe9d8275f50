package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ignatij/replog/internal/testutil"
	"github.com/ignatij/replog/pkg/models"
	"github.com/ignatij/replog/pkg/service"
	"github.com/ignatij/replog/pkg/storage"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T) storage.Store

func memoryStore(t *testing.T) storage.Store {
	return storage.NewMemoryStore()
}

func sqliteStore(t *testing.T) storage.Store {
	return testutil.OpenSQLite(t)
}

// clock is a settable time source shared by the selector and executor.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recorder is a consumer that remembers every batch it saw and answers with
// the configured behavior.
type recorder struct {
	mu      sync.Mutex
	batches []service.Batch
	handle  func(ctx context.Context, batch service.Batch, call int) error
}

func (r *recorder) Consume(ctx context.Context, batch service.Batch) error {
	r.mu.Lock()
	r.batches = append(r.batches, batch)
	call := len(r.batches)
	r.mu.Unlock()
	if r.handle == nil {
		return nil
	}
	return r.handle(ctx, batch, call)
}

func (r *recorder) Batches() []service.Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]service.Batch, len(r.batches))
	copy(out, r.batches)
	return out
}

func (r *recorder) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

type fixture struct {
	store    storage.Store
	pipeline *service.Pipeline
	consumer *recorder
	clock    *clock
	hook     *test.Hook
}

func newFixture(t *testing.T, newStore storeFactory, types []string, opts ...models.TaskOption) *fixture {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	f := &fixture{
		store:    newStore(t),
		consumer: &recorder{},
		clock:    newClock(),
		hook:     hook,
	}
	reg := service.NewRegistry()
	require.NoError(t, reg.Register("Sync", f.consumer, types, opts...))
	f.pipeline = service.NewPipeline(f.store, reg, logger, service.WithClock(f.clock.Now))
	return f
}

func appendEntries(t *testing.T, store storage.Store, objectType string, n int) []int64 {
	t.Helper()
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		id, err := store.AppendEntry(context.Background(), models.ChangeLogEntry{
			ObjectType:   objectType,
			ObjectID:     objectType + "-obj",
			MutationKind: models.UpdatedMutation,
			Payload:      []byte(`{}`),
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

// history returns the watermarks of one type oldest first.
func history(t *testing.T, store storage.Store, objectType string) []models.Watermark {
	t.Helper()
	rows, err := store.List(context.Background(), models.WatermarkFilter{Task: "Sync", ObjectType: objectType})
	require.NoError(t, err)
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows
}

func entryIDs(entries []models.ChangeLogEntry) []int64 {
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}
