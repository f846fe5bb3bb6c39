package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"flowgate.io/flowgate/internal/domain"
	apperrors "flowgate.io/flowgate/internal/pkg/errors"
	"flowgate.io/flowgate/internal/snapshot"
)

// SnapshotStore is the PostgreSQL snapshot.Store implementation. Attrs are
// stored as JSONB so projections can filter on them server-side later.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

// NewSnapshotStore creates a SnapshotStore over the shared pool.
func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

// Load returns the record for id.
func (s *SnapshotStore) Load(ctx context.Context, id string) (snapshot.Record, error) {
	var (
		rec   snapshot.Record
		attrs []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT entity_id, kind, state, attrs, created_at, updated_at
		   FROM entity_snapshots
		  WHERE entity_id = $1`,
		id,
	).Scan(&rec.EntityID, &rec.Kind, &rec.State, &attrs, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return snapshot.Record{}, apperrors.EntityNotFound(id)
		}
		return snapshot.Record{}, apperrors.Internal("load snapshot", err)
	}
	if err := json.Unmarshal(attrs, &rec.Attrs); err != nil {
		return snapshot.Record{}, apperrors.Internal("decode snapshot attrs", err)
	}
	return rec, nil
}

// Save upserts one record.
func (s *SnapshotStore) Save(ctx context.Context, rec snapshot.Record) error {
	return s.SaveAll(ctx, []snapshot.Record{rec})
}

// SaveAll upserts the batch in one transaction.
func (s *SnapshotStore) SaveAll(ctx context.Context, recs []snapshot.Record) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, rec := range recs {
		attrs, err := json.Marshal(orEmpty(rec.Attrs))
		if err != nil {
			return apperrors.Internal("encode snapshot attrs", err)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO entity_snapshots (entity_id, kind, state, attrs, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (entity_id) DO UPDATE
			    SET state = EXCLUDED.state,
			        attrs = EXCLUDED.attrs,
			        updated_at = EXCLUDED.updated_at`,
			rec.EntityID, rec.Kind, rec.State, attrs, rec.CreatedAt, rec.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert snapshot %s: %w", rec.EntityID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit snapshot tx: %w", err)
	}
	return nil
}

// ListByKind returns all records of a kind, ordered by entity id.
func (s *SnapshotStore) ListByKind(ctx context.Context, kind domain.Kind) ([]snapshot.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT entity_id, kind, state, attrs, created_at, updated_at
		   FROM entity_snapshots
		  WHERE kind = $1
		  ORDER BY entity_id`,
		kind,
	)
	if err != nil {
		return nil, apperrors.Internal("list snapshots", err)
	}
	defer rows.Close()

	var out []snapshot.Record
	for rows.Next() {
		var (
			rec   snapshot.Record
			attrs []byte
		)
		if err := rows.Scan(&rec.EntityID, &rec.Kind, &rec.State, &attrs, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, apperrors.Internal("scan snapshot", err)
		}
		if err := json.Unmarshal(attrs, &rec.Attrs); err != nil {
			return nil, apperrors.Internal("decode snapshot attrs", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("iterate snapshots", err)
	}
	return out, nil
}

func orEmpty(attrs map[string]any) map[string]any {
	if attrs == nil {
		return map[string]any{}
	}
	return attrs
}
