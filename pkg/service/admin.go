package service

import (
	"context"

	"github.com/ignatij/replog/pkg/models"
	"github.com/ignatij/replog/pkg/storage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const operatorExecutionID = "operator"

var (
	ErrNotHalted   = errors.New("entity type is not halted")
	ErrNotInFlight = errors.New("entity type has no in-progress watermark")
)

// Status reports where each object type of a task stands.
func (p *Pipeline) Status(ctx context.Context, name string) ([]models.TypeStatus, error) {
	task, err := p.task(name, "")
	if err != nil {
		return nil, err
	}
	statuses := make([]models.TypeStatus, 0, len(task.EntityTypes))
	for _, objectType := range task.EntityTypes {
		st := models.TypeStatus{
			Task:       task.Name,
			ObjectType: objectType,
			Key:        models.WatermarkKey(task.Name, objectType),
		}
		latest, err := p.store.Latest(ctx, st.Key)
		if errors.Is(err, storage.ErrNotFound) {
			statuses = append(statuses, st)
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "read watermark %s", st.Key)
		}
		st.Latest = &latest
		if latest.State == models.FailedWatermarkState {
			st.ConsecutiveFailures = latest.Attempt
			st.Halted = retriesExhausted(task.Policy, latest)
			if !st.Halted {
				retryAt := nextRetryAt(task.Policy, latest)
				st.NextRetryAt = &retryAt
			}
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

// History lists watermark rows newest first.
func (p *Pipeline) History(ctx context.Context, filter models.WatermarkFilter) ([]models.Watermark, error) {
	watermarks, err := p.store.List(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(err, "list watermarks")
	}
	return watermarks, nil
}

// SkipPoisonedRange steps a halted type over the range that exhausted its
// retries by writing a SKIPPED watermark for it. The mutations in that range
// are never delivered to the consumer.
func (p *Pipeline) SkipPoisonedRange(ctx context.Context, name, objectType, reason string) (models.Watermark, error) {
	task, err := p.task(name, objectType)
	if err != nil {
		return models.Watermark{}, err
	}
	key := models.WatermarkKey(task.Name, objectType)
	last, err := p.store.Latest(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Watermark{}, errors.Wrapf(ErrNotHalted, "%s has no watermark", key)
	}
	if err != nil {
		return models.Watermark{}, errors.Wrapf(err, "read watermark %s", key)
	}
	if !retriesExhausted(task.Policy, last) {
		return models.Watermark{}, errors.Wrapf(ErrNotHalted, "%s is %s at attempt %d of %d",
			key, last.State, last.Attempt, task.Policy.MaxRetries+1)
	}

	if reason == "" {
		reason = "skipped by operator"
	}
	now := p.cfg.now()
	skipped, err := p.store.Insert(ctx, models.Watermark{
		Key:         key,
		Task:        task.Name,
		ObjectType:  objectType,
		RangeMin:    last.RangeMin,
		RangeMax:    last.RangeMax,
		FetchFrom:   last.FetchFrom,
		State:       models.SkippedWatermarkState,
		Attempt:     last.Attempt,
		ErrorMsg:    reason,
		ExecutionID: operatorExecutionID,
		StartedAt:   now,
		EndedAt:     &now,
	}, last.ID)
	if err != nil {
		return models.Watermark{}, errors.Wrapf(err, "skip range %s of %s", last.Range(), key)
	}
	p.logger.WithFields(logrus.Fields{
		"task":        task.Name,
		"object_type": objectType,
		"range_min":   last.RangeMin,
		"range_max":   last.RangeMax,
		"reason":      reason,
	}).Warn("Poisoned range skipped by operator; its mutations will not be delivered")
	return skipped, nil
}

// ReleaseInProgress fails a stuck IN_PROGRESS watermark, for example one left
// behind by a crashed process, so the next Execute retries its range.
func (p *Pipeline) ReleaseInProgress(ctx context.Context, name, objectType, reason string) (models.Watermark, error) {
	task, err := p.task(name, objectType)
	if err != nil {
		return models.Watermark{}, err
	}
	key := models.WatermarkKey(task.Name, objectType)
	last, err := p.store.Latest(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Watermark{}, errors.Wrapf(ErrNotInFlight, "%s has no watermark", key)
	}
	if err != nil {
		return models.Watermark{}, errors.Wrapf(err, "read watermark %s", key)
	}
	if last.State != models.InProgressWatermarkState {
		return models.Watermark{}, errors.Wrapf(ErrNotInFlight, "%s is %s", key, last.State)
	}

	if reason == "" {
		reason = "released by operator"
	}
	if err := p.store.Fail(ctx, last.ID, reason, p.cfg.now()); err != nil {
		if errors.Is(err, storage.ErrNotInProgress) {
			return models.Watermark{}, errors.Wrapf(ErrNotInFlight, "%s finished meanwhile", key)
		}
		return models.Watermark{}, errors.Wrapf(err, "release watermark %d of %s", last.ID, key)
	}
	p.logger.WithFields(logrus.Fields{
		"task":         task.Name,
		"object_type":  objectType,
		"range_min":    last.RangeMin,
		"range_max":    last.RangeMax,
		"execution_id": last.ExecutionID,
	}).Warn("In-progress watermark released by operator")

	released, err := p.store.Latest(ctx, key)
	if err != nil {
		return models.Watermark{}, errors.Wrapf(err, "read watermark %s", key)
	}
	return released, nil
}
