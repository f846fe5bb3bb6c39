package pg_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"flowgate.io/flowgate/internal/domain"
	"flowgate.io/flowgate/internal/journal"
	apperrors "flowgate.io/flowgate/internal/pkg/errors"
	"flowgate.io/flowgate/internal/repository/pg"
	"flowgate.io/flowgate/internal/snapshot"
	"flowgate.io/flowgate/internal/testutil"
)

func TestJournalStoreAppendAssignsSequences(t *testing.T) {
	pool := testutil.OpenPGXPool(t, "journal_store")
	ctx := context.Background()
	store := pg.NewJournalStore(pool)
	jnl := journal.New(store)

	entries, err := jnl.Append(ctx, []journal.Entry{
		{EntityID: "ord-1", Kind: "order", To: "draft"},
		{EntityID: "ord-1", Kind: "order", From: "draft", To: "confirmed"},
		{EntityID: "inv-1", Kind: "invoice", To: "issued"},
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1), entries[0].Seq)
	require.Equal(t, uint64(2), entries[1].Seq)
	require.Equal(t, uint64(1), entries[2].Seq)

	last, err := store.LastSeq(ctx, "ord-1")
	require.NoError(t, err)
	require.Equal(t, uint64(2), last)

	var got []journal.Entry
	for e, err := range store.EntriesFor(ctx, "ord-1") {
		require.NoError(t, err)
		got = append(got, e)
	}
	require.Len(t, got, 2)
	require.Equal(t, domain.State("confirmed"), got[1].To)

	state, ok, err := jnl.ReplayState(ctx, "ord-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.State("confirmed"), state)

	ids, err := store.EntityIDs(ctx, "order")
	require.NoError(t, err)
	require.Equal(t, []string{"ord-1"}, ids)
	ids, err = store.EntityIDs(ctx, "invoice")
	require.NoError(t, err)
	require.Equal(t, []string{"inv-1"}, ids)
}

func TestSnapshotStoreRoundTrip(t *testing.T) {
	pool := testutil.OpenPGXPool(t, "snapshot_store")
	ctx := context.Background()
	store := pg.NewSnapshotStore(pool)

	_, err := store.Load(ctx, "missing")
	require.True(t, apperrors.HasCode(err, apperrors.CodeEntityNotFound))

	now := time.Now().UTC().Truncate(time.Microsecond)
	rec := snapshot.Record{
		EntityID:  "ord-1",
		Kind:      "order",
		State:     "draft",
		Attrs:     map[string]any{"total": 99.5},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.Save(ctx, rec))

	got, err := store.Load(ctx, "ord-1")
	require.NoError(t, err)
	require.Equal(t, rec.State, got.State)
	require.Equal(t, 99.5, got.Attrs["total"])

	rec.State = "confirmed"
	rec.UpdatedAt = now.Add(time.Second)
	require.NoError(t, store.SaveAll(ctx, []snapshot.Record{rec}))

	listed, err := store.ListByKind(ctx, "order")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, domain.State("confirmed"), listed[0].State)
}

func TestRelationStoreRoundTrip(t *testing.T) {
	pool := testutil.OpenPGXPool(t, "relation_store")
	ctx := context.Background()
	store := pg.NewRelationStore(pool)

	rel := domain.Relation{ParentID: "ord-1", ChildID: "inv-1", Kind: domain.RelationComposition}
	require.NoError(t, store.SaveRelation(ctx, rel))
	// Duplicate save is a no-op.
	require.NoError(t, store.SaveRelation(ctx, rel))

	rels, err := store.ListRelations(ctx)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	require.Equal(t, rel, rels[0])

	require.NoError(t, store.DeleteRelation(ctx, "ord-1", "inv-1"))
	rels, err = store.ListRelations(ctx)
	require.NoError(t, err)
	require.Empty(t, rels)
}
