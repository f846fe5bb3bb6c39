package graph

import (
	"context"

	"flowgate.io/flowgate/internal/domain"
)

// RelationStore persists graph edges so the in-memory graph can be rebuilt
// at startup. The graph itself stays authoritative during a process
// lifetime; the store only mirrors accepted edits.
type RelationStore interface {
	SaveRelation(ctx context.Context, rel domain.Relation) error
	DeleteRelation(ctx context.Context, parentID, childID string) error
	ListRelations(ctx context.Context) ([]domain.Relation, error)
}
