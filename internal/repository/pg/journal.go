// Package pg provides PostgreSQL-backed stores over the shared pgxpool.
//
// Hand-written SQL, one file per store. Every query goes through the pool
// passed at construction so the reconciler and the engine share
// connections.
package pg

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"flowgate.io/flowgate/internal/domain"
	"flowgate.io/flowgate/internal/journal"
	apperrors "flowgate.io/flowgate/internal/pkg/errors"
)

// JournalStore is the PostgreSQL journal.Store implementation. Entries are
// insert-only; there is no update or delete statement in this file.
type JournalStore struct {
	pool *pgxpool.Pool
}

// NewJournalStore creates a JournalStore over the shared pool.
func NewJournalStore(pool *pgxpool.Pool) *JournalStore {
	return &JournalStore{pool: pool}
}

// Append inserts the batch in one transaction, assigning each entry the
// next sequence number of its entity. The UNIQUE (entity_id, seq)
// constraint backstops concurrent appends from other processes.
func (s *JournalStore) Append(ctx context.Context, entries []journal.Entry) ([]journal.Entry, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, fmt.Errorf("begin journal tx: %w", err)
	}
	defer tx.Rollback(ctx)

	next := make(map[string]uint64)
	for i := range entries {
		id := entries[i].EntityID
		if _, ok := next[id]; !ok {
			var last uint64
			err := tx.QueryRow(ctx,
				`SELECT COALESCE(MAX(seq), 0) FROM journal_entries WHERE entity_id = $1`,
				id,
			).Scan(&last)
			if err != nil {
				return nil, fmt.Errorf("last seq for %s: %w", id, err)
			}
			next[id] = last
		}
		next[id]++
		entries[i].Seq = next[id]
	}

	for _, e := range entries {
		_, err := tx.Exec(ctx,
			`INSERT INTO journal_entries
			    (id, entity_id, kind, from_state, to_state, actor, reason, seq, at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			e.ID, e.EntityID, e.Kind, e.From, e.To, e.Actor, e.Reason, e.Seq, e.At,
		)
		if err != nil {
			return nil, fmt.Errorf("insert journal entry %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit journal tx: %w", err)
	}
	return entries, nil
}

// EntriesFor returns a lazy iteration over the entity's entries in
// sequence order. Each range call runs a fresh query, so iteration is
// restartable.
func (s *JournalStore) EntriesFor(ctx context.Context, entityID string) iter.Seq2[journal.Entry, error] {
	return func(yield func(journal.Entry, error) bool) {
		rows, err := s.pool.Query(ctx,
			`SELECT id, entity_id, kind, from_state, to_state, actor, reason, seq, at
			   FROM journal_entries
			  WHERE entity_id = $1
			  ORDER BY seq`,
			entityID,
		)
		if err != nil {
			yield(journal.Entry{}, fmt.Errorf("query journal entries: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var e journal.Entry
			if err := rows.Scan(&e.ID, &e.EntityID, &e.Kind, &e.From, &e.To, &e.Actor, &e.Reason, &e.Seq, &e.At); err != nil {
				yield(journal.Entry{}, fmt.Errorf("scan journal entry: %w", err))
				return
			}
			if !yield(e, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(journal.Entry{}, fmt.Errorf("iterate journal entries: %w", err))
		}
	}
}

// LastSeq returns the last assigned sequence number for the entity.
func (s *JournalStore) LastSeq(ctx context.Context, entityID string) (uint64, error) {
	var last uint64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM journal_entries WHERE entity_id = $1`,
		entityID,
	).Scan(&last)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, apperrors.Internal("query last seq", err)
	}
	return last, nil
}

// EntityIDs lists journaled entity ids of the kind in ascending order.
func (s *JournalStore) EntityIDs(ctx context.Context, kind domain.Kind) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT entity_id FROM journal_entries WHERE kind = $1 ORDER BY entity_id`,
		kind,
	)
	if err != nil {
		return nil, apperrors.Internal("query journaled entity ids", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperrors.Internal("scan journaled entity id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("iterate journaled entity ids", err)
	}
	return ids, nil
}
