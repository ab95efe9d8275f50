package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	internal_storage "github.com/ignatij/replog/internal/storage"
	"github.com/ignatij/replog/internal/testutil"
	"github.com/ignatij/replog/pkg/models"
	"github.com/ignatij/replog/pkg/service"
	"github.com/ignatij/replog/pkg/storage"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineInMemory(t *testing.T) {
	runPipelineSuite(t, memoryStore)
}

func TestPipelineSQLite(t *testing.T) {
	runPipelineSuite(t, sqliteStore)
}

func TestPipelinePostgres(t *testing.T) {
	testDB := testutil.SetupTestDB(t)
	defer testDB.Teardown(t)

	runPipelineSuite(t, func(t *testing.T) storage.Store {
		testDB.Truncate(t)
		store, err := internal_storage.NewSQLStore(context.Background(), internal_storage.DriverPostgres, testDB.ConnStr)
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		return store
	})
}

func runPipelineSuite(t *testing.T, newStore storeFactory) {
	ctx := context.Background()

	t.Run("DrainsInContiguousBatches", func(t *testing.T) {
		f := newFixture(t, newStore, []string{"Contact"}, models.WithBatchSize(100))
		appendEntries(t, f.store, "Contact", 250)

		ok, err := f.pipeline.Execute(ctx, "Sync")
		require.NoError(t, err)
		assert.True(t, ok)

		rows := history(t, f.store, "Contact")
		require.Len(t, rows, 3)
		expected := []models.Range{{Min: 1, Max: 100}, {Min: 101, Max: 200}, {Min: 201, Max: 250}}
		for i, w := range rows {
			assert.Equal(t, expected[i], w.Range())
			assert.Equal(t, models.CompletedWatermarkState, w.State)
			assert.Equal(t, 1, w.Attempt)
			assert.Equal(t, "Sync_Contact", w.Key)
			assert.NotNil(t, w.EndedAt)
		}
		assert.Equal(t, []int{100, 100, 50}, []int{rows[0].RowsProcessed, rows[1].RowsProcessed, rows[2].RowsProcessed})

		batches := f.consumer.Batches()
		require.Len(t, batches, 3)
		assert.Equal(t, expected[0], batches[0].Range)
		assert.Len(t, batches[0].Entries, 100)
		assert.Equal(t, int64(201), batches[2].Entries[0].ID)

		// nothing new: the next call writes nothing and delivers nothing
		ok, err = f.pipeline.Execute(ctx, "Sync")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 3, f.consumer.Calls())
		assert.Len(t, history(t, f.store, "Contact"), 3)
	})

	t.Run("EmptyChangeLogIsNoOp", func(t *testing.T) {
		f := newFixture(t, newStore, []string{"Contact", "Domain"})

		res, err := f.pipeline.Run(ctx, "Sync")
		require.NoError(t, err)
		assert.True(t, res.Success)
		require.Len(t, res.Types, 2)
		for _, tr := range res.Types {
			assert.Equal(t, service.SelectionIdle, tr.Status)
			assert.Zero(t, tr.Batches)
		}
		assert.Zero(t, f.consumer.Calls())
		assert.Empty(t, history(t, f.store, "Contact"))
	})

	t.Run("ResumesAfterLastCompletedRange", func(t *testing.T) {
		f := newFixture(t, newStore, []string{"Contact"}, models.WithBatchSize(10))
		appendEntries(t, f.store, "Contact", 5)
		_, err := f.pipeline.Execute(ctx, "Sync")
		require.NoError(t, err)

		appendEntries(t, f.store, "Contact", 3)
		_, err = f.pipeline.Execute(ctx, "Sync")
		require.NoError(t, err)

		rows := history(t, f.store, "Contact")
		require.Len(t, rows, 2)
		assert.Equal(t, models.Range{Min: 1, Max: 5}, rows[0].Range())
		assert.Equal(t, models.Range{Min: 6, Max: 8}, rows[1].Range())
	})

	t.Run("RangesStayContiguousAcrossOtherTypes", func(t *testing.T) {
		f := newFixture(t, newStore, []string{"Contact"}, models.WithBatchSize(2))
		appendEntries(t, f.store, "Contact", 2) // 1,2
		appendEntries(t, f.store, "Domain", 3)  // 3,4,5
		appendEntries(t, f.store, "Contact", 1) // 6

		_, err := f.pipeline.Execute(ctx, "Sync")
		require.NoError(t, err)

		rows := history(t, f.store, "Contact")
		require.Len(t, rows, 2)
		assert.Equal(t, models.Range{Min: 1, Max: 2}, rows[0].Range())
		assert.Equal(t, models.Range{Min: 3, Max: 6}, rows[1].Range())
		assert.Equal(t, []int64{6}, entryIDs(f.consumer.Batches()[1].Entries))
	})

	t.Run("RetryBudgetHaltsType", func(t *testing.T) {
		f := newFixture(t, newStore, []string{"Contact"},
			models.WithMaxRetries(2), models.WithRetryBackoff(0))
		f.consumer.handle = func(ctx context.Context, batch service.Batch, call int) error {
			return fmt.Errorf("index rejected batch (call %d)", call)
		}
		appendEntries(t, f.store, "Contact", 3)

		for i := 0; i < 5; i++ {
			ok, err := f.pipeline.Execute(ctx, "Sync")
			require.NoError(t, err)
			assert.False(t, ok)
		}

		rows := history(t, f.store, "Contact")
		require.Len(t, rows, 3, "MaxRetries=2 allows exactly three attempts")
		for i, w := range rows {
			assert.Equal(t, models.FailedWatermarkState, w.State)
			assert.Equal(t, i+1, w.Attempt)
			assert.Equal(t, models.Range{Min: 1, Max: 3}, w.Range())
			assert.Contains(t, w.ErrorMsg, "index rejected batch")
		}
		assert.Equal(t, 3, f.consumer.Calls())

		res, err := f.pipeline.Run(ctx, "Sync")
		require.NoError(t, err)
		assert.Equal(t, service.SelectionHalted, res.Types[0].Status)

		var halted *logrus.Entry
		for _, e := range f.hook.AllEntries() {
			if e.Level == logrus.ErrorLevel && e.Data["consecutive_failures"] == 3 {
				halted = e
			}
		}
		require.NotNil(t, halted, "halt must be logged at error level")
		assert.Equal(t, "Sync", halted.Data["task"])
		assert.Equal(t, "Contact", halted.Data["object_type"])
	})

	t.Run("ZeroRetriesHaltsAfterFirstFailure", func(t *testing.T) {
		f := newFixture(t, newStore, []string{"Contact"}, models.WithMaxRetries(0))
		f.consumer.handle = func(context.Context, service.Batch, int) error { return errors.New("nope") }
		appendEntries(t, f.store, "Contact", 1)

		_, err := f.pipeline.Execute(ctx, "Sync")
		require.NoError(t, err)
		_, err = f.pipeline.Execute(ctx, "Sync")
		require.NoError(t, err)

		assert.Equal(t, 1, f.consumer.Calls())
		assert.Len(t, history(t, f.store, "Contact"), 1)
	})

	t.Run("RedeliversIdenticalRange", func(t *testing.T) {
		f := newFixture(t, newStore, []string{"Contact"},
			models.WithBatchSize(10), models.WithRetryBackoff(0))
		f.consumer.handle = func(ctx context.Context, batch service.Batch, call int) error {
			if call == 1 {
				return errors.New("temporary outage")
			}
			return nil
		}
		appendEntries(t, f.store, "Contact", 5)

		ok, err := f.pipeline.Execute(ctx, "Sync")
		require.NoError(t, err)
		assert.False(t, ok)

		// new rows arriving meanwhile must not widen the retried range
		appendEntries(t, f.store, "Contact", 3)
		ok, err = f.pipeline.Execute(ctx, "Sync")
		require.NoError(t, err)
		assert.True(t, ok)

		batches := f.consumer.Batches()
		require.Len(t, batches, 3)
		assert.Equal(t, batches[0].Range, batches[1].Range)
		assert.Equal(t, entryIDs(batches[0].Entries), entryIDs(batches[1].Entries))
		assert.Equal(t, 1, batches[0].Attempt)
		assert.Equal(t, 2, batches[1].Attempt)
		assert.Equal(t, models.Range{Min: 6, Max: 8}, batches[2].Range)

		rows := history(t, f.store, "Contact")
		require.Len(t, rows, 3)
		assert.Equal(t, models.FailedWatermarkState, rows[0].State)
		assert.Equal(t, models.CompletedWatermarkState, rows[1].State)
		assert.Equal(t, 2, rows[1].Attempt)
	})

	t.Run("BackoffDefersRetry", func(t *testing.T) {
		f := newFixture(t, newStore, []string{"Contact"},
			models.WithRetryBackoff(time.Minute), models.WithExponentialBackoff(2, 90*time.Second))
		f.consumer.handle = func(ctx context.Context, batch service.Batch, call int) error {
			return errors.New("down")
		}
		appendEntries(t, f.store, "Contact", 2)

		_, err := f.pipeline.Execute(ctx, "Sync")
		require.NoError(t, err)
		require.Equal(t, 1, f.consumer.Calls())

		res, err := f.pipeline.Run(ctx, "Sync")
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, service.SelectionBackoff, res.Types[0].Status)
		assert.Equal(t, 1, f.consumer.Calls())

		f.clock.Advance(61 * time.Second)
		_, err = f.pipeline.Execute(ctx, "Sync")
		require.NoError(t, err)
		assert.Equal(t, 2, f.consumer.Calls())

		// second delay is 2m, capped at 90s
		f.clock.Advance(80 * time.Second)
		_, err = f.pipeline.Execute(ctx, "Sync")
		require.NoError(t, err)
		assert.Equal(t, 2, f.consumer.Calls())
		f.clock.Advance(11 * time.Second)
		_, err = f.pipeline.Execute(ctx, "Sync")
		require.NoError(t, err)
		assert.Equal(t, 3, f.consumer.Calls())
	})

	t.Run("TypesAreIsolated", func(t *testing.T) {
		f := newFixture(t, newStore, []string{"Contact", "Domain"}, models.WithRetryBackoff(0))
		f.consumer.handle = func(ctx context.Context, batch service.Batch, call int) error {
			if batch.ObjectType == "Contact" {
				return errors.New("contact index unavailable")
			}
			return nil
		}
		appendEntries(t, f.store, "Contact", 2)
		appendEntries(t, f.store, "Domain", 2)

		res, err := f.pipeline.Run(ctx, "Sync")
		require.NoError(t, err)
		assert.False(t, res.Success)
		require.Len(t, res.Types, 2)
		assert.True(t, res.Types[0].Failed)
		assert.False(t, res.Types[1].Failed)
		assert.Equal(t, 2, res.Types[1].Rows)

		domain := history(t, f.store, "Domain")
		require.Len(t, domain, 1)
		assert.Equal(t, models.CompletedWatermarkState, domain[0].State)
		assert.Equal(t, models.Range{Min: 1, Max: 4}, domain[0].Range())
		for _, b := range f.consumer.Batches() {
			for _, e := range b.Entries {
				assert.Equal(t, b.ObjectType, e.ObjectType)
			}
		}
	})

	t.Run("ConcurrentExecutionsDoNotOverlap", func(t *testing.T) {
		f := newFixture(t, newStore, []string{"Contact"})
		started := make(chan struct{})
		release := make(chan struct{})
		var once sync.Once
		f.consumer.handle = func(ctx context.Context, batch service.Batch, call int) error {
			once.Do(func() { close(started) })
			<-release
			return nil
		}
		appendEntries(t, f.store, "Contact", 3)

		done := make(chan error, 1)
		go func() {
			_, err := f.pipeline.Execute(ctx, "Sync")
			done <- err
		}()
		<-started

		res, err := f.pipeline.Run(ctx, "Sync")
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, service.SelectionInFlight, res.Types[0].Status)
		assert.Equal(t, 1, f.consumer.Calls())

		close(release)
		require.NoError(t, <-done)
		assert.Equal(t, 1, f.consumer.Calls())
		assert.Len(t, history(t, f.store, "Contact"), 1)
	})

	t.Run("ReclaimsStaleLease", func(t *testing.T) {
		f := newFixture(t, newStore, []string{"Contact"},
			models.WithStaleAfter(5*time.Minute), models.WithRetryBackoff(0))
		appendEntries(t, f.store, "Contact", 3)
		_, err := f.store.Insert(ctx, models.Watermark{
			Key: "Sync_Contact", Task: "Sync", ObjectType: "Contact",
			RangeMin: 1, RangeMax: 3, State: models.InProgressWatermarkState, Attempt: 1,
			ExecutionID: "crashed", StartedAt: f.clock.Now(),
		}, 0)
		require.NoError(t, err)

		res, err := f.pipeline.Run(ctx, "Sync")
		require.NoError(t, err)
		assert.Equal(t, service.SelectionInFlight, res.Types[0].Status)
		assert.Zero(t, f.consumer.Calls())

		f.clock.Advance(10 * time.Minute)
		ok, err := f.pipeline.Execute(ctx, "Sync")
		require.NoError(t, err)
		assert.True(t, ok)

		rows := history(t, f.store, "Contact")
		require.Len(t, rows, 2)
		assert.Equal(t, models.FailedWatermarkState, rows[0].State)
		assert.Contains(t, rows[0].ErrorMsg, "abandoned")
		assert.Equal(t, models.CompletedWatermarkState, rows[1].State)
		assert.Equal(t, 2, rows[1].Attempt)
		assert.Equal(t, models.Range{Min: 1, Max: 3}, rows[1].Range())
	})

	t.Run("ConsumerPanicIsAFault", func(t *testing.T) {
		f := newFixture(t, newStore, []string{"Contact"})
		f.consumer.handle = func(ctx context.Context, batch service.Batch, call int) error {
			panic("boom")
		}
		appendEntries(t, f.store, "Contact", 1)

		ok, err := f.pipeline.Execute(ctx, "Sync")
		require.NoError(t, err)
		assert.False(t, ok)

		rows := history(t, f.store, "Contact")
		require.Len(t, rows, 1)
		assert.Equal(t, models.FailedWatermarkState, rows[0].State)
		assert.Contains(t, rows[0].ErrorMsg, "consumer panic: boom")
	})

	t.Run("BatchTimeoutFailsAttempt", func(t *testing.T) {
		f := newFixture(t, newStore, []string{"Contact"}, models.WithBatchTimeout(20*time.Millisecond))
		f.consumer.handle = func(ctx context.Context, batch service.Batch, call int) error {
			<-ctx.Done()
			return ctx.Err()
		}
		appendEntries(t, f.store, "Contact", 1)

		ok, err := f.pipeline.Execute(ctx, "Sync")
		require.NoError(t, err)
		assert.False(t, ok)

		rows := history(t, f.store, "Contact")
		require.Len(t, rows, 1)
		assert.Contains(t, rows[0].ErrorMsg, context.DeadlineExceeded.Error())
	})

	t.Run("CancelledExecutionNeverCompletes", func(t *testing.T) {
		f := newFixture(t, newStore, []string{"Contact"})
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		f.consumer.handle = func(ctx context.Context, batch service.Batch, call int) error {
			cancel()
			return nil
		}
		appendEntries(t, f.store, "Contact", 2)

		ok, _ := f.pipeline.Execute(runCtx, "Sync")
		assert.False(t, ok)

		rows := history(t, f.store, "Contact")
		require.Len(t, rows, 1)
		assert.Equal(t, models.FailedWatermarkState, rows[0].State)
		assert.Contains(t, rows[0].ErrorMsg, context.Canceled.Error())
	})

	t.Run("ResumePointerMovesFetchStart", func(t *testing.T) {
		logger := logrus.New()
		logger.SetOutput(nilWriter{})
		store := newStore(t)
		consumer := &resumingConsumer{from: 4}
		reg := service.NewRegistry()
		require.NoError(t, reg.Register("Sync", consumer, []string{"Contact"}))
		pipeline := service.NewPipeline(store, reg, logger)
		appendEntries(t, store, "Contact", 6)

		ok, err := pipeline.Execute(ctx, "Sync")
		require.NoError(t, err)
		assert.True(t, ok)

		require.Len(t, consumer.batches, 1)
		assert.Equal(t, models.Range{Min: 1, Max: 6}, consumer.batches[0].Range)
		assert.Equal(t, []int64{4, 5, 6}, entryIDs(consumer.batches[0].Entries))
	})

	t.Run("RetryAfterResumePointerRedeliversSameBatch", func(t *testing.T) {
		logger := logrus.New()
		logger.SetOutput(nilWriter{})
		store := newStore(t)
		consumer := &resumingConsumer{from: 5, fail: true}
		reg := service.NewRegistry()
		require.NoError(t, reg.Register("Sync", consumer, []string{"Contact"},
			models.WithBatchSize(3), models.WithRetryBackoff(0)))
		pipeline := service.NewPipeline(store, reg, logger)
		appendEntries(t, store, "Contact", 8)

		for i := 0; i < 2; i++ {
			ok, err := pipeline.Execute(ctx, "Sync")
			require.NoError(t, err)
			assert.False(t, ok)
		}

		require.Len(t, consumer.batches, 2)
		first, retry := consumer.batches[0], consumer.batches[1]
		assert.Equal(t, []int64{5, 6, 7}, entryIDs(first.Entries))
		assert.Equal(t, entryIDs(first.Entries), entryIDs(retry.Entries))
		assert.Equal(t, models.Range{Min: 1, Max: 7}, retry.Range)
		assert.Equal(t, 2, retry.Attempt)

		rows := history(t, store, "Contact")
		require.Len(t, rows, 2)
		for _, w := range rows {
			assert.Equal(t, int64(5), w.FetchFrom)
			assert.Equal(t, models.Range{Min: 5, Max: 7}, w.DeliveredRange())
		}
	})

	t.Run("DisabledTaskDoesNothing", func(t *testing.T) {
		f := newFixture(t, newStore, []string{"Contact"}, models.WithEnabled(false))
		appendEntries(t, f.store, "Contact", 2)

		ok, err := f.pipeline.Execute(ctx, "Sync")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Zero(t, f.consumer.Calls())
		assert.Empty(t, history(t, f.store, "Contact"))
	})

	t.Run("ExecutionIDIsSharedByBatchesOfOneCall", func(t *testing.T) {
		f := newFixture(t, newStore, []string{"Contact"}, models.WithBatchSize(1))
		appendEntries(t, f.store, "Contact", 2)

		res, err := f.pipeline.Run(ctx, "Sync")
		require.NoError(t, err)
		for _, w := range history(t, f.store, "Contact") {
			assert.Equal(t, res.ExecutionID, w.ExecutionID)
		}
		for _, b := range f.consumer.Batches() {
			assert.Equal(t, res.ExecutionID, b.ExecutionID)
		}
	})
}

func TestExecuteUnknownTask(t *testing.T) {
	f := newFixture(t, memoryStore, []string{"Contact"})
	_, err := f.pipeline.Execute(context.Background(), "Missing")
	assert.ErrorIs(t, err, service.ErrTaskNotFound)
}

func TestStoreFailureWritesNoWatermark(t *testing.T) {
	f := newFixture(t, memoryStore, []string{"Contact"})
	appendEntries(t, f.store, "Contact", 1)
	require.NoError(t, f.store.Close())

	ok, err := f.pipeline.Execute(context.Background(), "Sync")
	assert.False(t, ok)
	assert.ErrorContains(t, err, "store is closed")
	assert.Zero(t, f.consumer.Calls())
}

type resumingConsumer struct {
	from    int64
	fail    bool
	batches []service.Batch
}

func (c *resumingConsumer) Consume(ctx context.Context, batch service.Batch) error {
	c.batches = append(c.batches, batch)
	if c.fail {
		return errors.New("index unavailable")
	}
	return nil
}

func (c *resumingConsumer) ResumeFrom(ctx context.Context, objectType string, next int64) (int64, error) {
	return c.from, nil
}

type nilWriter struct{}

func (nilWriter) Write(p []byte) (int, error) { return len(p), nil }
