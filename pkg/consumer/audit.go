// Package consumer holds the built-in downstream consumers for replicated
// change log batches.
package consumer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/ignatij/replog/pkg/models"
	"github.com/ignatij/replog/pkg/service"
)

// AuditRecord is one exported line.
type AuditRecord struct {
	Task        string                `json:"task"`
	ExecutionID string                `json:"execution_id"`
	Attempt     int                   `json:"attempt"`
	ExportedAt  time.Time             `json:"exported_at"`
	Entry       models.ChangeLogEntry `json:"entry"`
}

// AuditExporter appends every entry of a batch as a JSON line. A batch is
// written with a single Write so a failed encode leaves no partial batch.
// Re-delivered batches produce duplicate lines; readers dedupe on entry.id.
type AuditExporter struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	path   string
	now    func() time.Time
}

var _ service.Consumer = (*AuditExporter)(nil)

func NewAuditExporter(w io.Writer) *AuditExporter {
	return &AuditExporter{w: w, now: func() time.Time { return time.Now().UTC() }}
}

// OpenAuditFile appends to path, creating it when missing.
func OpenAuditFile(path string) (*AuditExporter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	exp := NewAuditExporter(f)
	exp.closer = f
	return exp, nil
}

// NewAuditFile is like OpenAuditFile but defers opening until the first batch,
// so commands that never consume do not touch the file.
func NewAuditFile(path string) *AuditExporter {
	return &AuditExporter{path: path, now: func() time.Time { return time.Now().UTC() }}
}

func (a *AuditExporter) Consume(ctx context.Context, batch service.Batch) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	exportedAt := a.now()
	for _, entry := range batch.Entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec := AuditRecord{
			Task:        batch.Task,
			ExecutionID: batch.ExecutionID,
			Attempt:     batch.Attempt,
			ExportedAt:  exportedAt,
			Entry:       entry,
		}
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode entry %d: %w", entry.ID, err)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.w == nil {
		f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open audit file: %w", err)
		}
		a.w, a.closer = f, f
	}
	if _, err := a.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write audit batch %s: %w", batch.Range, err)
	}
	return nil
}

func (a *AuditExporter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closer == nil {
		return nil
	}
	return a.closer.Close()
}
