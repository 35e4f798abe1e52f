package mirror

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and development.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]FileRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]FileRecord)}
}

// Upsert implements Store.
func (m *MemoryStore) Upsert(ctx context.Context, rec FileRecord) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if rec.Filename == "" {
		return 0, fmt.Errorf("upsert: empty filename")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.records[rec.Filename]
	if ok && old.Digest == rec.Digest && old.RecordID == rec.RecordID {
		return Unchanged, nil
	}
	rec.UpdatedAt = time.Now().UTC()
	m.records[rec.Filename] = rec
	if ok {
		return Updated, nil
	}
	return Inserted, nil
}

// UpsertBatch implements Store.
func (m *MemoryStore) UpsertBatch(ctx context.Context, recs []FileRecord) BatchResult {
	return UpsertEach(ctx, m, recs)
}

// FindByDigest implements Store.
func (m *MemoryStore) FindByDigest(_ context.Context, digest string) (*FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *FileRecord
	for _, r := range m.records {
		if r.Digest != digest {
			continue
		}
		if best == nil || r.RecordID < best.RecordID {
			r := r
			best = &r
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

// FindByFilename implements Store.
func (m *MemoryStore) FindByFilename(_ context.Context, filename string) (*FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[filename]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, limit int) ([]FileRecord, error) {
	m.mu.RLock()
	out := make([]FileRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].RecordID != out[j].RecordID {
			return out[i].RecordID < out[j].RecordID
		}
		return out[i].Filename < out[j].Filename
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count implements Store.
func (m *MemoryStore) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, filename string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[filename]; !ok {
		return ErrNotFound
	}
	delete(m.records, filename)
	return nil
}
