package storage

import (
	"context"
	"errors"
	"time"

	"github.com/ignatij/replog/pkg/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrInProgress means another attempt already holds the IN_PROGRESS row for the key.
	ErrInProgress = errors.New("watermark already in progress")
	// ErrStaleWatermark means the latest watermark changed after it was read.
	ErrStaleWatermark = errors.New("watermark changed since it was read")
	// ErrNotInProgress means the record being finalized is no longer IN_PROGRESS.
	ErrNotInProgress = errors.New("watermark is not in progress")
)

// ChangeLog reads the append-only mutation log. AppendEntry exists for the
// business-write path and for seeding; the pipeline itself never writes.
type ChangeLog interface {
	// ListEntries returns rows of objectType with idFrom <= id <= idTo in
	// ascending id order. idTo <= 0 means unbounded, limit <= 0 means no limit.
	ListEntries(ctx context.Context, objectType string, idFrom, idTo int64, limit int) ([]models.ChangeLogEntry, error)
	// NextEntryID returns the smallest id >= idFrom of objectType.
	NextEntryID(ctx context.Context, objectType string, idFrom int64) (int64, bool, error)
	AppendEntry(ctx context.Context, entry models.ChangeLogEntry) (int64, error)
}

// WatermarkStore persists the batch attempt history. Every mutation touches one row.
type WatermarkStore interface {
	Latest(ctx context.Context, key string) (models.Watermark, error)
	// Insert appends w if the newest row for w.Key still has id expectedPrevID
	// (0 when the key has no history).
	Insert(ctx context.Context, w models.Watermark, expectedPrevID int64) (models.Watermark, error)
	Complete(ctx context.Context, id int64, rowsProcessed int, endedAt time.Time) error
	Fail(ctx context.Context, id int64, errMsg string, endedAt time.Time) error
	List(ctx context.Context, filter models.WatermarkFilter) ([]models.Watermark, error)
}

// Store defines the storage operations for the replication pipeline.
type Store interface {
	ChangeLog
	WatermarkStore
	Close() error
}
