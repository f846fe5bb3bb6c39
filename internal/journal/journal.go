// Package journal implements the append-only transition journal.
//
// The journal is the permanent record of every accepted transition. Entries
// are immutable once appended; there is deliberately no delete or edit path
// anywhere in this package. Sequence numbers are per entity, strictly
// increasing and gap-free, so a fold over EntriesFor always reconstructs
// the entity's lifecycle exactly.
package journal

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"

	"flowgate.io/flowgate/internal/domain"
	apperrors "flowgate.io/flowgate/internal/pkg/errors"
)

// Entry is one immutable journal record. From is empty for the creation
// entry that places an entity in its kind's initial state.
type Entry struct {
	ID       string       `json:"id"`
	EntityID string       `json:"entity_id"`
	Kind     domain.Kind  `json:"kind"`
	From     domain.State `json:"from"`
	To       domain.State `json:"to"`
	Actor    string       `json:"actor"`
	Reason   string       `json:"reason,omitempty"`
	Seq      uint64       `json:"seq"`
	At       time.Time    `json:"at"`
}

// Store is the durable append-only log collaborator. Append must be atomic
// for the whole batch (a cascade journals the parent and all forced
// children together) and must assign each entry the next sequence number
// of its entity. Durability is the store's concern: Append returning nil
// means the batch is visible to every later read.
type Store interface {
	Append(ctx context.Context, entries []Entry) ([]Entry, error)
	EntriesFor(ctx context.Context, entityID string) iter.Seq2[Entry, error]
	LastSeq(ctx context.Context, entityID string) (uint64, error)
	EntityIDs(ctx context.Context, kind domain.Kind) ([]string, error)
}

// Journal wraps a Store with id/timestamp stamping and replay folding.
type Journal struct {
	store Store
	now   func() time.Time
}

// New creates a Journal over the given store.
func New(store Store) *Journal {
	return &Journal{store: store, now: time.Now}
}

// WithClock overrides the timestamp source. Tests only.
func (j *Journal) WithClock(now func() time.Time) *Journal {
	j.now = now
	return j
}

// Append stamps and durably appends a batch of entries. The returned
// entries carry their assigned sequence numbers.
func (j *Journal) Append(ctx context.Context, entries []Entry) ([]Entry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	at := j.now().UTC()
	for i := range entries {
		if entries[i].EntityID == "" {
			return nil, apperrors.Internal("journal entry without entity id", nil)
		}
		entries[i].ID = newEntryID()
		entries[i].At = at
	}
	return j.store.Append(ctx, entries)
}

// EntriesFor returns a lazy, restartable iteration over the entity's
// entries in sequence order. Ranging again restarts from the first entry.
func (j *Journal) EntriesFor(ctx context.Context, entityID string) iter.Seq2[Entry, error] {
	return j.store.EntriesFor(ctx, entityID)
}

// LastSeq returns the last assigned sequence number for the entity, zero
// when it has no entries. Sequences are gap-free from 1, so this is also
// the entry count.
func (j *Journal) LastSeq(ctx context.Context, entityID string) (uint64, error) {
	return j.store.LastSeq(ctx, entityID)
}

// EntityIDs returns every entity id that has at least one entry under the
// kind, in ascending order. Drift sweeps use this to see entities whose
// snapshot was never materialized.
func (j *Journal) EntityIDs(ctx context.Context, kind domain.Kind) ([]string, error) {
	return j.store.EntityIDs(ctx, kind)
}

// ReplayState folds the entity's entries to its journal-derived current
// state. ok is false when the entity has no entries at all. Used for crash
// recovery and for drift verification against the materialized snapshot.
func (j *Journal) ReplayState(ctx context.Context, entityID string) (state domain.State, ok bool, err error) {
	var prev *Entry
	for entry, iterErr := range j.store.EntriesFor(ctx, entityID) {
		if iterErr != nil {
			return "", false, iterErr
		}
		if prev != nil {
			if entry.Seq != prev.Seq+1 {
				return "", false, apperrors.Internal(
					fmt.Sprintf("journal gap for entity %s: seq %d follows %d", entityID, entry.Seq, prev.Seq), nil)
			}
			if entry.From != prev.To {
				return "", false, apperrors.Internal(
					fmt.Sprintf("journal discontinuity for entity %s at seq %d", entityID, entry.Seq), nil)
			}
		}
		e := entry
		prev = &e
	}
	if prev == nil {
		return "", false, nil
	}
	return prev.To, true, nil
}

func newEntryID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
