package models

import (
	"fmt"
	"time"
)

type WatermarkState string

const (
	InProgressWatermarkState WatermarkState = "IN_PROGRESS"
	CompletedWatermarkState  WatermarkState = "COMPLETED"
	FailedWatermarkState     WatermarkState = "FAILED"
	// SkippedWatermarkState is written by an operator to step over a poisoned range.
	SkippedWatermarkState WatermarkState = "SKIPPED"
)

// Advances reports whether the next batch starts after this record's range.
func (s WatermarkState) Advances() bool {
	return s == CompletedWatermarkState || s == SkippedWatermarkState
}

func (s WatermarkState) Valid() bool {
	switch s {
	case InProgressWatermarkState, CompletedWatermarkState, FailedWatermarkState, SkippedWatermarkState:
		return true
	}
	return false
}

// Range is an inclusive span of change log ids.
type Range struct {
	Min int64 `json:"min"`
	Max int64 `json:"max"`
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d]", r.Min, r.Max)
}

// Watermark records one batch attempt for a (task, object type) pair.
// Rows are append-only history; the newest row for a key is authoritative.
type Watermark struct {
	ID            int64          `json:"id" db:"id"`
	Key           string         `json:"task_name" db:"task_name"`     // Composite key, see WatermarkKey
	Task          string         `json:"task" db:"task"`               // Consumer task name
	ObjectType    string         `json:"object_type" db:"object_type"` // Entity kind the batch belongs to
	RangeMin      int64          `json:"range_min" db:"range_min"`
	RangeMax      int64          `json:"range_max" db:"range_max"`
	FetchFrom     int64          `json:"fetch_from" db:"fetch_from"` // First id delivered; above RangeMin when a resume point skipped ids
	State         WatermarkState `json:"state" db:"state"`
	Attempt       int            `json:"attempt" db:"attempt"`                   // 1 for the first try of a range
	RowsProcessed int            `json:"rows_processed" db:"rows_processed"`     // 0 until COMPLETED
	ErrorMsg      string         `json:"error,omitempty" db:"error_msg"`         // Consumer fault or operator note
	ExecutionID   string         `json:"execution_id" db:"execution_id"`         // Execute invocation that wrote the row
	StartedAt     time.Time      `json:"started_at" db:"started_at"`             // Insert time
	EndedAt       *time.Time     `json:"ended_at,omitempty" db:"ended_at"`       // Nullable until finalized
}

func (w Watermark) Range() Range {
	return Range{Min: w.RangeMin, Max: w.RangeMax}
}

// DeliveredRange is the span whose entries were handed to the consumer.
func (w Watermark) DeliveredRange() Range {
	r := w.Range()
	if w.FetchFrom > r.Min {
		r.Min = w.FetchFrom
	}
	return r
}

// WatermarkKey builds the task_name column value, e.g. "IndexSync_Contact".
// Task names never contain '_', which keeps keys unambiguous.
func WatermarkKey(task, objectType string) string {
	return task + "_" + objectType
}

// WatermarkFilter narrows a watermark history query. Zero values match everything.
type WatermarkFilter struct {
	Task       string
	ObjectType string
	State      WatermarkState
	Limit      int
}
