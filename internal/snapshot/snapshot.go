// Package snapshot defines the materialized snapshot store: the O(1)
// read-side of entity state. The journal is the source of truth; the
// snapshot is what queries and projections read, and a reconciliation pass
// can always rebuild it from the journal.
package snapshot

import (
	"context"
	"time"

	"flowgate.io/flowgate/internal/domain"
)

// Record is the materialized view of one entity. Attrs carries
// caller-owned attributes the engine never interprets itself (due dates,
// amounts, blocked flags); projections read them through kind-specific
// hooks.
type Record struct {
	EntityID  string         `json:"entity_id"`
	Kind      domain.Kind    `json:"kind"`
	State     domain.State   `json:"state"`
	Attrs     map[string]any `json:"attrs,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Store is the durable snapshot collaborator.
type Store interface {
	// Load returns the record for id, or ENTITY_NOT_FOUND.
	Load(ctx context.Context, id string) (Record, error)

	// Save upserts one record.
	Save(ctx context.Context, rec Record) error

	// SaveAll upserts a batch; used after a cascade so parent and
	// children become visible together where the backend allows it.
	SaveAll(ctx context.Context, recs []Record) error

	// ListByKind returns all records of a kind, for projections.
	ListByKind(ctx context.Context, kind domain.Kind) ([]Record, error)
}
