package journal

import (
	"context"
	"iter"
	"sort"
	"sync"

	"flowgate.io/flowgate/internal/domain"
)

// MemoryStore is an in-process Store for tests and embedded use.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]Entry // entity id -> entries in seq order
}

// NewMemoryStore creates an empty in-memory journal store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]Entry)}
}

// Append assigns per-entity sequence numbers and stores the whole batch
// under one lock acquisition, so the batch is atomic.
func (s *MemoryStore) Append(ctx context.Context, entries []Entry) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Stage seq assignment first; a batch may hold several entries for
	// the same entity.
	next := make(map[string]uint64, len(entries))
	out := make([]Entry, len(entries))
	for i, e := range entries {
		if _, ok := next[e.EntityID]; !ok {
			next[e.EntityID] = uint64(len(s.entries[e.EntityID]))
		}
		next[e.EntityID]++
		e.Seq = next[e.EntityID]
		out[i] = e
	}
	for _, e := range out {
		s.entries[e.EntityID] = append(s.entries[e.EntityID], e)
	}
	return out, nil
}

// EntriesFor iterates the entity's entries in sequence order. The snapshot
// is taken when iteration starts, so ranging again observes later appends.
func (s *MemoryStore) EntriesFor(ctx context.Context, entityID string) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		s.mu.RLock()
		snapshot := make([]Entry, len(s.entries[entityID]))
		copy(snapshot, s.entries[entityID])
		s.mu.RUnlock()

		for _, e := range snapshot {
			if err := ctx.Err(); err != nil {
				yield(Entry{}, err)
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// LastSeq returns the highest sequence number for the entity, 0 if none.
func (s *MemoryStore) LastSeq(ctx context.Context, entityID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.entries[entityID])), nil
}

// EntityIDs lists journaled entity ids of the kind in ascending order.
func (s *MemoryStore) EntityIDs(ctx context.Context, kind domain.Kind) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, entries := range s.entries {
		if len(entries) > 0 && entries[0].Kind == kind {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
