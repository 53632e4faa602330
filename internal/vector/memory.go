package vector

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps records in a map. It backs tests and runs without a
// vector_store_path.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Upsert implements Store.
func (m *MemoryStore) Upsert(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Embedding = append([]float32(nil), rec.Embedding...)
	m.records[rec.PaperID] = rec
	return nil
}

// Lookup implements Store.
func (m *MemoryStore) Lookup(_ context.Context, paperID string) (Record, bool, error) {
	rec, ok := m.Get(paperID)
	return rec, ok, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, paperID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, paperID)
	return nil
}

// Clear implements Store.
func (m *MemoryStore) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]Record)
	return nil
}

// Count implements Store.
func (m *MemoryStore) Count(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), nil
}

// Records implements Store.
func (m *MemoryStore) Records(context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaperID < out[j].PaperID })
	return out, nil
}

// Get returns the record for paperID.
func (m *MemoryStore) Get(paperID string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[paperID]
	if ok {
		rec.Embedding = append([]float32(nil), rec.Embedding...)
	}
	return rec, ok
}
