package service

import (
	"context"

	"github.com/ignatij/replog/pkg/models"
)

// Batch is one ordered, non-empty slice of change log entries of a single
// object type, delivered at least once.
type Batch struct {
	Task        string
	ObjectType  string
	Range       models.Range
	Attempt     int
	ExecutionID string
	Entries     []models.ChangeLogEntry
}

// Consumer applies a batch downstream. It must tolerate seeing the same batch
// again after a failure, so per-entry operations should be idempotent.
type Consumer interface {
	Consume(ctx context.Context, batch Batch) error
}

// ConsumerFunc adapts a plain function to Consumer.
type ConsumerFunc func(ctx context.Context, batch Batch) error

func (f ConsumerFunc) Consume(ctx context.Context, batch Batch) error {
	return f(ctx, batch)
}

// ResumePointer is implemented by consumers that keep their own checkpoint and
// may ask the pipeline to start fetching at a higher id than the watermark
// suggests. Returning a value <= next leaves the fetch start unchanged.
type ResumePointer interface {
	ResumeFrom(ctx context.Context, objectType string, next int64) (int64, error)
}
