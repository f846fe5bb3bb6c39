package pg

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"flowgate.io/flowgate/internal/domain"
	apperrors "flowgate.io/flowgate/internal/pkg/errors"
)

// RelationStore is the PostgreSQL graph.RelationStore implementation. The
// in-memory graph stays authoritative at runtime; this store only persists
// edges so the graph can be rebuilt at startup.
type RelationStore struct {
	pool *pgxpool.Pool
}

// NewRelationStore creates a RelationStore over the shared pool.
func NewRelationStore(pool *pgxpool.Pool) *RelationStore {
	return &RelationStore{pool: pool}
}

// SaveRelation persists one edge.
func (s *RelationStore) SaveRelation(ctx context.Context, rel domain.Relation) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO entity_relations (parent_id, child_id, kind)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (parent_id, child_id) DO NOTHING`,
		rel.ParentID, rel.ChildID, rel.Kind,
	)
	if err != nil {
		return apperrors.Internal("save relation", err)
	}
	return nil
}

// DeleteRelation removes one edge.
func (s *RelationStore) DeleteRelation(ctx context.Context, parentID, childID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM entity_relations WHERE parent_id = $1 AND child_id = $2`,
		parentID, childID,
	)
	if err != nil {
		return apperrors.Internal("delete relation", err)
	}
	return nil
}

// ListRelations returns every persisted edge, for graph rebuild at startup.
func (s *RelationStore) ListRelations(ctx context.Context) ([]domain.Relation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT parent_id, child_id, kind FROM entity_relations ORDER BY created_at`,
	)
	if err != nil {
		return nil, apperrors.Internal("list relations", err)
	}
	defer rows.Close()

	var out []domain.Relation
	for rows.Next() {
		var rel domain.Relation
		if err := rows.Scan(&rel.ParentID, &rel.ChildID, &rel.Kind); err != nil {
			return nil, apperrors.Internal("scan relation", err)
		}
		out = append(out, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("iterate relations", err)
	}
	return out, nil
}
