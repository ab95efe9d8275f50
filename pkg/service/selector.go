package service

import (
	"context"
	"time"

	"github.com/ignatij/replog/pkg/models"
	"github.com/ignatij/replog/pkg/storage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultScanWindow bounds how far past range_min one fetch may look.
	DefaultScanWindow int64 = 10000

	abandonedMsg = "abandoned: in-progress lease expired"
)

type SelectionStatus string

const (
	SelectionReady    SelectionStatus = "ready"
	SelectionIdle     SelectionStatus = "idle"      // nothing new in the change log
	SelectionInFlight SelectionStatus = "in_flight" // another execution holds the key
	SelectionHalted   SelectionStatus = "halted"    // retry budget exhausted
	SelectionBackoff  SelectionStatus = "backoff"   // retry not due yet
)

// Selection is the Selector's decision for one (task, object type) pair.
type Selection struct {
	Status    SelectionStatus
	Key       string
	Range     models.Range
	FetchFrom int64 // id of the first entry in Entries
	Attempt   int
	Entries   []models.ChangeLogEntry
	Previous  *models.Watermark
	RetryAt   time.Time
}

// PreviousID is the id the newest watermark must still have when the batch starts.
func (s Selection) PreviousID() int64 {
	if s.Previous == nil {
		return 0
	}
	return s.Previous.ID
}

// Selector decides the next id range a task should process for an object type.
type Selector struct {
	changelog  storage.ChangeLog
	watermarks storage.WatermarkStore
	scanWindow int64
	now        func() time.Time
	logger     logrus.FieldLogger
}

func NewSelector(changelog storage.ChangeLog, watermarks storage.WatermarkStore, logger logrus.FieldLogger, opts ...Option) *Selector {
	cfg := newOptions(opts)
	return &Selector{
		changelog:  changelog,
		watermarks: watermarks,
		scanWindow: cfg.scanWindow,
		now:        cfg.now,
		logger:     logger,
	}
}

// Next reads the newest watermark for the pair and returns either a batch to
// process or the reason there is none. Store errors are returned untouched by
// any watermark write, except for the reclaim of an expired IN_PROGRESS lease.
func (s *Selector) Next(ctx context.Context, task Task, objectType string) (Selection, error) {
	key := models.WatermarkKey(task.Name, objectType)
	log := s.logger.WithFields(logrus.Fields{
		"task":          task.Name,
		"object_type":   objectType,
		"watermark_key": key,
	})

	last, err := s.watermarks.Latest(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return s.scan(ctx, task, objectType, key, nil, 1)
	}
	if err != nil {
		return Selection{}, errors.Wrapf(err, "read watermark %s", key)
	}

	if last.State == models.InProgressWatermarkState {
		if !isStale(task.Policy, last, s.now()) {
			return Selection{Status: SelectionInFlight, Key: key, Range: last.Range(), Previous: &last}, nil
		}
		if last, err = s.reclaim(ctx, log, key, last); err != nil {
			return Selection{}, err
		}
		if last.State == models.InProgressWatermarkState {
			return Selection{Status: SelectionInFlight, Key: key, Range: last.Range(), Previous: &last}, nil
		}
	}

	switch {
	case last.State.Advances():
		return s.scan(ctx, task, objectType, key, &last, last.RangeMax+1)

	case last.State == models.FailedWatermarkState:
		if retriesExhausted(task.Policy, last) {
			log.WithFields(logrus.Fields{
				"range_min":            last.RangeMin,
				"range_max":            last.RangeMax,
				"consecutive_failures": last.Attempt,
				"max_retries":          task.Policy.MaxRetries,
				"last_error":           last.ErrorMsg,
			}).Error("Pipeline halted on poisoned range; skip it or raise max_retries to continue")
			return Selection{Status: SelectionHalted, Key: key, Range: last.Range(), Attempt: last.Attempt, Previous: &last}, nil
		}
		retryAt := nextRetryAt(task.Policy, last)
		if s.now().Before(retryAt) {
			log.WithFields(logrus.Fields{
				"range_min": last.RangeMin,
				"range_max": last.RangeMax,
				"retry_at":  retryAt,
			}).Debug("Retry of failed range not due yet")
			return Selection{Status: SelectionBackoff, Key: key, Range: last.Range(), Attempt: last.Attempt, Previous: &last, RetryAt: retryAt}, nil
		}
		// the identical batch is delivered again: neither the ids a resume point
		// skipped nor a subset
		delivered := last.DeliveredRange()
		entries, err := s.changelog.ListEntries(ctx, objectType, delivered.Min, delivered.Max, 0)
		if err != nil {
			return Selection{}, errors.Wrapf(err, "reload failed range %s of %s", delivered, key)
		}
		if len(entries) == 0 {
			return Selection{}, errors.Errorf("failed range %s of %s has no %s entries", delivered, key, objectType)
		}
		return Selection{
			Status:    SelectionReady,
			Key:       key,
			Range:     last.Range(),
			FetchFrom: delivered.Min,
			Attempt:   last.Attempt + 1,
			Entries:   entries,
			Previous:  &last,
		}, nil

	default:
		return Selection{}, errors.Errorf("watermark %d of %s has unknown state '%s'", last.ID, key, last.State)
	}
}

// scan finds the next batch at or after start. The batch range always begins
// at start so successive ranges stay contiguous, even when the first matching
// id lies further ahead.
func (s *Selector) scan(ctx context.Context, task Task, objectType, key string, prev *models.Watermark, start int64) (Selection, error) {
	from := start
	if rp, ok := task.Consumer.(ResumePointer); ok {
		resume, err := rp.ResumeFrom(ctx, objectType, start)
		if err != nil {
			return Selection{}, errors.Wrapf(err, "resume point of %s", key)
		}
		if resume > from {
			from = resume
		}
	}

	entries, err := s.fetchWindow(ctx, objectType, from, task.Policy.BatchSize)
	if err != nil {
		return Selection{}, errors.Wrapf(err, "scan %s from %d", key, from)
	}
	if len(entries) == 0 {
		// jump over a gap of other types' ids with one indexed seek
		next, found, err := s.changelog.NextEntryID(ctx, objectType, from)
		if err != nil {
			return Selection{}, errors.Wrapf(err, "seek %s from %d", key, from)
		}
		if !found {
			return Selection{Status: SelectionIdle, Key: key, Previous: prev}, nil
		}
		if entries, err = s.fetchWindow(ctx, objectType, next, task.Policy.BatchSize); err != nil {
			return Selection{}, errors.Wrapf(err, "scan %s from %d", key, next)
		}
		if len(entries) == 0 {
			return Selection{Status: SelectionIdle, Key: key, Previous: prev}, nil
		}
	}

	return Selection{
		Status:    SelectionReady,
		Key:       key,
		Range:     models.Range{Min: start, Max: entries[len(entries)-1].ID},
		FetchFrom: entries[0].ID,
		Attempt:   1,
		Entries:   entries,
		Previous:  prev,
	}, nil
}

func (s *Selector) fetchWindow(ctx context.Context, objectType string, from int64, limit int) ([]models.ChangeLogEntry, error) {
	var to int64
	if s.scanWindow > 0 {
		to = from + s.scanWindow - 1
	}
	return s.changelog.ListEntries(ctx, objectType, from, to, limit)
}

// reclaim fails an IN_PROGRESS watermark whose lease expired and returns the
// newest watermark afterwards.
func (s *Selector) reclaim(ctx context.Context, log logrus.FieldLogger, key string, stale models.Watermark) (models.Watermark, error) {
	err := s.watermarks.Fail(ctx, stale.ID, abandonedMsg, s.now())
	switch {
	case errors.Is(err, storage.ErrNotInProgress):
		// finished meanwhile
	case err != nil:
		return models.Watermark{}, errors.Wrapf(err, "reclaim watermark %d of %s", stale.ID, key)
	default:
		log.WithFields(logrus.Fields{
			"range_min":    stale.RangeMin,
			"range_max":    stale.RangeMax,
			"attempt":      stale.Attempt,
			"execution_id": stale.ExecutionID,
			"started_at":   stale.StartedAt,
		}).Warn("Reclaimed abandoned in-progress watermark")
	}
	latest, err := s.watermarks.Latest(ctx, key)
	if err != nil {
		return models.Watermark{}, errors.Wrapf(err, "read watermark %s", key)
	}
	return latest, nil
}
