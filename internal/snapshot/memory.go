package snapshot

import (
	"context"
	"sort"
	"sync"

	"flowgate.io/flowgate/internal/domain"
	apperrors "flowgate.io/flowgate/internal/pkg/errors"
)

// MemoryStore is an in-process Store for tests and embedded use.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty in-memory snapshot store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Load returns the record for id.
func (s *MemoryStore) Load(ctx context.Context, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return Record{}, apperrors.EntityNotFound(id)
	}
	return cloneRecord(rec), nil
}

// Save upserts one record.
func (s *MemoryStore) Save(ctx context.Context, rec Record) error {
	return s.SaveAll(ctx, []Record{rec})
}

// SaveAll upserts the batch under a single lock acquisition.
func (s *MemoryStore) SaveAll(ctx context.Context, recs []Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range recs {
		s.records[rec.EntityID] = cloneRecord(rec)
	}
	return nil
}

// ListByKind returns all records of a kind, ordered by entity id.
func (s *MemoryStore) ListByKind(ctx context.Context, kind domain.Kind) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for _, rec := range s.records {
		if rec.Kind == kind {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}

func cloneRecord(rec Record) Record {
	if rec.Attrs == nil {
		return rec
	}
	attrs := make(map[string]any, len(rec.Attrs))
	for k, v := range rec.Attrs {
		attrs[k] = v
	}
	rec.Attrs = attrs
	return rec
}
