package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/ignatij/replog/pkg/models"
	"github.com/ignatij/replog/pkg/storage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// TypeResult describes what one Execute call did for one object type.
type TypeResult struct {
	ObjectType string          `json:"object_type"`
	Batches    int             `json:"batches"`
	Rows       int             `json:"rows"`
	Status     SelectionStatus `json:"status"`
	Failed     bool            `json:"failed"` // a consumer fault ended the drain
	Err        error           `json:"-"`
}

// OK reports whether the type is fully caught up or deliberately left to a
// concurrent execution.
func (r TypeResult) OK() bool {
	return r.Err == nil && !r.Failed && (r.Status == SelectionIdle || r.Status == SelectionInFlight)
}

// Result summarizes one Execute call of a task.
type Result struct {
	Task        string       `json:"task"`
	ExecutionID string       `json:"execution_id"`
	Success     bool         `json:"success"`
	Types       []TypeResult `json:"types"`
}

type batchOutcome int

const (
	batchCompleted batchOutcome = iota
	batchFailed
	batchContended
)

// Executor drains the change log for every object type of one task.
type Executor struct {
	task            Task
	selector        *Selector
	watermarks      storage.WatermarkStore
	logger          logrus.FieldLogger
	now             func() time.Time
	finalizeTimeout time.Duration
}

func NewExecutor(task Task, store storage.Store, logger logrus.FieldLogger, opts ...Option) *Executor {
	cfg := newOptions(opts)
	return &Executor{
		task:            task,
		selector:        NewSelector(store, store, logger, opts...),
		watermarks:      store,
		logger:          logger,
		now:             cfg.now,
		finalizeTimeout: cfg.finalizeTimeout,
	}
}

// Execute runs the task once. It returns false when any object type failed,
// halted or is waiting on a retry; the error aggregates infrastructure
// failures, which never write a watermark.
func (e *Executor) Execute(ctx context.Context) (bool, error) {
	res, err := e.Run(ctx)
	return res.Success, err
}

// Run is Execute with a per-type report.
func (e *Executor) Run(ctx context.Context) (Result, error) {
	result := Result{Task: e.task.Name, ExecutionID: uuid.NewString(), Success: true}
	log := e.logger.WithFields(logrus.Fields{"task": e.task.Name, "execution_id": result.ExecutionID})
	if !e.task.Policy.Enabled {
		log.Debug("Task disabled, skipping")
		return result, nil
	}

	var errs *multierror.Error
	for _, objectType := range e.task.EntityTypes {
		tr := e.drain(ctx, log.WithField("object_type", objectType), result.ExecutionID, objectType)
		result.Types = append(result.Types, tr)
		if !tr.OK() {
			result.Success = false
		}
		if tr.Err != nil {
			errs = multierror.Append(errs, errors.Wrapf(tr.Err, "task %s, type %s", e.task.Name, objectType))
		}
		if ctx.Err() != nil {
			break
		}
	}

	log.WithField("success", result.Success).Info("Execution finished")
	return result, errs.ErrorOrNil()
}

func (e *Executor) drain(ctx context.Context, log logrus.FieldLogger, execID, objectType string) TypeResult {
	res := TypeResult{ObjectType: objectType}
	for {
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}
		sel, err := e.selector.Next(ctx, e.task, objectType)
		if err != nil {
			res.Err = err
			return res
		}
		res.Status = sel.Status
		switch sel.Status {
		case SelectionReady:
		case SelectionInFlight:
			log.WithField("range", sel.Range.String()).Info("Another execution holds this type, skipping")
			return res
		case SelectionIdle:
			log.Debug("No pending change log entries")
			return res
		default:
			return res
		}

		outcome, err := e.process(ctx, log, execID, objectType, sel)
		if err != nil {
			res.Err = err
			return res
		}
		switch outcome {
		case batchCompleted:
			res.Batches++
			res.Rows += len(sel.Entries)
		case batchFailed:
			res.Failed = true
			return res
		case batchContended:
			res.Status = SelectionInFlight
			return res
		}
	}
}

func (e *Executor) process(ctx context.Context, log logrus.FieldLogger, execID, objectType string, sel Selection) (batchOutcome, error) {
	log = log.WithFields(logrus.Fields{
		"range_min": sel.Range.Min,
		"range_max": sel.Range.Max,
		"attempt":   sel.Attempt,
	})

	w, err := e.watermarks.Insert(ctx, models.Watermark{
		Key:         sel.Key,
		Task:        e.task.Name,
		ObjectType:  objectType,
		RangeMin:    sel.Range.Min,
		RangeMax:    sel.Range.Max,
		FetchFrom:   sel.FetchFrom,
		State:       models.InProgressWatermarkState,
		Attempt:     sel.Attempt,
		ExecutionID: execID,
		StartedAt:   e.now(),
	}, sel.PreviousID())
	if errors.Is(err, storage.ErrInProgress) || errors.Is(err, storage.ErrStaleWatermark) {
		log.WithError(err).Info("Watermark taken by a concurrent execution, skipping")
		return batchContended, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "begin batch %s of %s", sel.Range, sel.Key)
	}

	consumeErr := e.consume(ctx, Batch{
		Task:        e.task.Name,
		ObjectType:  objectType,
		Range:       sel.Range,
		Attempt:     sel.Attempt,
		ExecutionID: execID,
		Entries:     sel.Entries,
	})
	if consumeErr == nil && ctx.Err() != nil {
		// never finalize as completed once the caller gave up
		consumeErr = ctx.Err()
	}

	// finalize even when ctx is already cancelled
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.finalizeTimeout)
	defer cancel()

	if consumeErr != nil {
		if err := e.watermarks.Fail(finishCtx, w.ID, consumeErr.Error(), e.now()); err != nil {
			return 0, errors.Wrapf(err, "record failure of batch %s of %s", sel.Range, sel.Key)
		}
		log = log.WithFields(logrus.Fields{
			"consecutive_failures": sel.Attempt,
			"max_retries":          e.task.Policy.MaxRetries,
		})
		log.WithError(consumeErr).Error("Batch failed")
		if sel.Attempt > e.task.Policy.MaxRetries {
			log.Error("Retry budget exhausted, type halted until an operator intervenes")
		}
		return batchFailed, nil
	}

	if err := e.watermarks.Complete(finishCtx, w.ID, len(sel.Entries), e.now()); err != nil {
		return 0, errors.Wrapf(err, "complete batch %s of %s", sel.Range, sel.Key)
	}
	log.WithField("rows", len(sel.Entries)).Info("Batch completed")
	return batchCompleted, nil
}

func (e *Executor) consume(ctx context.Context, batch Batch) (err error) {
	if timeout := e.task.Policy.BatchTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("consumer panic: %v", r)
		}
	}()
	return e.task.Consumer.Consume(ctx, batch)
}
