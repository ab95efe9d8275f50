package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ignatij/replog/pkg/models"
	"github.com/pkg/errors"
)

// memoryStore implements Store in process memory. It enforces the same
// single IN_PROGRESS row per key rule as the SQL schema.
type memoryStore struct {
	mu         sync.RWMutex
	entries    []models.ChangeLogEntry
	watermarks []models.Watermark
	nextEntry  int64
	nextMark   int64
	closed     bool
}

func NewMemoryStore() Store {
	return &memoryStore{}
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memoryStore) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.closed {
		return errors.New("store is closed")
	}
	return nil
}

func (m *memoryStore) ListEntries(ctx context.Context, objectType string, idFrom, idTo int64, limit int) ([]models.ChangeLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	var out []models.ChangeLogEntry
	// entries are kept in id order
	for _, e := range m.entries {
		if e.ID < idFrom || e.ObjectType != objectType {
			continue
		}
		if idTo > 0 && e.ID > idTo {
			break
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memoryStore) NextEntryID(ctx context.Context, objectType string, idFrom int64) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return 0, false, err
	}
	for _, e := range m.entries {
		if e.ID >= idFrom && e.ObjectType == objectType {
			return e.ID, true, nil
		}
	}
	return 0, false, nil
}

func (m *memoryStore) AppendEntry(ctx context.Context, entry models.ChangeLogEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	if entry.ID == 0 {
		entry.ID = m.nextEntry + 1
	}
	if entry.ID <= m.nextEntry {
		return 0, errors.Errorf("change log id %d is not greater than %d", entry.ID, m.nextEntry)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	m.nextEntry = entry.ID
	m.entries = append(m.entries, entry)
	return entry.ID, nil
}

func (m *memoryStore) Latest(ctx context.Context, key string) (models.Watermark, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return models.Watermark{}, err
	}
	return m.latestLocked(key)
}

func (m *memoryStore) latestLocked(key string) (models.Watermark, error) {
	for i := len(m.watermarks) - 1; i >= 0; i-- {
		if m.watermarks[i].Key == key {
			return copyWatermark(m.watermarks[i]), nil
		}
	}
	return models.Watermark{}, ErrNotFound
}

func (m *memoryStore) Insert(ctx context.Context, w models.Watermark, expectedPrevID int64) (models.Watermark, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return models.Watermark{}, err
	}
	var prevID int64
	if prev, err := m.latestLocked(w.Key); err == nil {
		prevID = prev.ID
	}
	if prevID != expectedPrevID {
		return models.Watermark{}, ErrStaleWatermark
	}
	if w.State == models.InProgressWatermarkState {
		for _, existing := range m.watermarks {
			if existing.Key == w.Key && existing.State == models.InProgressWatermarkState {
				return models.Watermark{}, ErrInProgress
			}
		}
	}
	m.nextMark++
	w.ID = m.nextMark
	if w.StartedAt.IsZero() {
		w.StartedAt = time.Now().UTC()
	}
	m.watermarks = append(m.watermarks, copyWatermark(w))
	return w, nil
}

func (m *memoryStore) Complete(ctx context.Context, id int64, rowsProcessed int, endedAt time.Time) error {
	return m.finish(ctx, id, func(w *models.Watermark) {
		w.State = models.CompletedWatermarkState
		w.RowsProcessed = rowsProcessed
		w.ErrorMsg = ""
		w.EndedAt = &endedAt
	})
}

func (m *memoryStore) Fail(ctx context.Context, id int64, errMsg string, endedAt time.Time) error {
	return m.finish(ctx, id, func(w *models.Watermark) {
		w.State = models.FailedWatermarkState
		w.ErrorMsg = errMsg
		w.EndedAt = &endedAt
	})
}

func (m *memoryStore) finish(ctx context.Context, id int64, apply func(*models.Watermark)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	for i := range m.watermarks {
		if m.watermarks[i].ID != id {
			continue
		}
		if m.watermarks[i].State != models.InProgressWatermarkState {
			return ErrNotInProgress
		}
		apply(&m.watermarks[i])
		return nil
	}
	return ErrNotFound
}

func (m *memoryStore) List(ctx context.Context, filter models.WatermarkFilter) ([]models.Watermark, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	out := []models.Watermark{}
	for _, w := range m.watermarks {
		if filter.Task != "" && w.Task != filter.Task {
			continue
		}
		if filter.ObjectType != "" && w.ObjectType != filter.ObjectType {
			continue
		}
		if filter.State != "" && w.State != filter.State {
			continue
		}
		out = append(out, copyWatermark(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func copyWatermark(w models.Watermark) models.Watermark {
	if w.EndedAt != nil {
		ended := *w.EndedAt
		w.EndedAt = &ended
	}
	return w
}
