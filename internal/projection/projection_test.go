package projection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"flowgate.io/flowgate/internal/domain"
	"flowgate.io/flowgate/internal/journal"
	apperrors "flowgate.io/flowgate/internal/pkg/errors"
	"flowgate.io/flowgate/internal/registry"
	"flowgate.io/flowgate/internal/snapshot"
)

const kindOrder = domain.Kind("order")

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()

	reg := registry.New()
	require.NoError(t, reg.Register(registry.Definition{
		Kind:    kindOrder,
		States:  []domain.State{"draft", "confirmed", "shipped", "cancelled"},
		Initial: "draft",
		Transitions: []registry.Transition{
			{From: "draft", To: "confirmed"},
			{From: "draft", To: "cancelled"},
			{From: "confirmed", To: "shipped"},
			{From: "confirmed", To: "cancelled"},
		},
	}))
	require.NoError(t, reg.Seal())
	return reg
}

// seed journals a creation plus the given extra transitions and saves the
// matching snapshot, so journal and snapshot agree.
func seed(t *testing.T, ctx context.Context, jnl *journal.Journal, store *snapshot.MemoryStore, id string, states []domain.State, attrs map[string]any) {
	t.Helper()

	entries := []journal.Entry{{EntityID: id, Kind: kindOrder, To: states[0]}}
	for i := 1; i < len(states); i++ {
		entries = append(entries, journal.Entry{
			EntityID: id, Kind: kindOrder, From: states[i-1], To: states[i],
		})
	}
	_, err := jnl.Append(ctx, entries)
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, store.Save(ctx, snapshot.Record{
		EntityID:  id,
		Kind:      kindOrder,
		State:     states[len(states)-1],
		Attrs:     attrs,
		CreatedAt: now,
		UpdatedAt: now,
	}))
}

func newProjector(t *testing.T) (*Projector, *journal.Journal, *snapshot.MemoryStore) {
	t.Helper()

	store := snapshot.NewMemoryStore()
	jnl := journal.New(journal.NewMemoryStore())
	return New(store, jnl, testRegistry(t), nil), jnl, store
}

func TestStatsByStatus(t *testing.T) {
	ctx := context.Background()
	p, jnl, store := newProjector(t)

	seed(t, ctx, jnl, store, "ord-1", []domain.State{"draft"}, nil)
	seed(t, ctx, jnl, store, "ord-2", []domain.State{"draft", "confirmed"}, nil)
	seed(t, ctx, jnl, store, "ord-3", []domain.State{"draft", "confirmed"}, nil)
	seed(t, ctx, jnl, store, "ord-4", []domain.State{"draft", "cancelled"}, nil)

	stats, err := p.StatsByStatus(ctx, kindOrder)
	require.NoError(t, err)
	require.Equal(t, map[domain.State]int{
		"draft":     1,
		"confirmed": 2,
		"shipped":   0,
		"cancelled": 1,
	}, stats)

	_, err = p.StatsByStatus(ctx, "widget")
	require.True(t, apperrors.HasCode(err, apperrors.CodeConfiguration))
}

func TestRefreshStatsInline(t *testing.T) {
	ctx := context.Background()
	p, jnl, store := newProjector(t)

	_, ok := p.CachedStats(kindOrder)
	require.False(t, ok)

	seed(t, ctx, jnl, store, "ord-1", []domain.State{"draft"}, nil)
	require.NoError(t, p.RefreshStats(ctx, kindOrder))

	stats, ok := p.CachedStats(kindOrder)
	require.True(t, ok)
	require.Equal(t, 1, stats["draft"])
}

func dueAtAttr(rec snapshot.Record) (time.Time, bool) {
	raw, ok := rec.Attrs["due_at"].(string)
	if !ok {
		return time.Time{}, false
	}
	due, err := time.Parse(time.RFC3339, raw)
	return due, err == nil
}

func TestOverdue(t *testing.T) {
	ctx := context.Background()
	p, jnl, store := newProjector(t)
	p.SetDueDate(kindOrder, dueAtAttr)

	asOf := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := asOf.Add(-48 * time.Hour).Format(time.RFC3339)
	future := asOf.Add(48 * time.Hour).Format(time.RFC3339)

	seed(t, ctx, jnl, store, "ord-late", []domain.State{"draft", "confirmed"}, map[string]any{"due_at": past})
	seed(t, ctx, jnl, store, "ord-ok", []domain.State{"draft", "confirmed"}, map[string]any{"due_at": future})
	seed(t, ctx, jnl, store, "ord-done", []domain.State{"draft", "cancelled"}, map[string]any{"due_at": past})
	seed(t, ctx, jnl, store, "ord-nodate", []domain.State{"draft"}, nil)

	overdue, err := p.Overdue(ctx, kindOrder, asOf)
	require.NoError(t, err)
	require.Len(t, overdue, 1, "terminal and future-dated entities are excluded")
	require.Equal(t, "ord-late", overdue[0].EntityID)
}

func TestBlocked(t *testing.T) {
	ctx := context.Background()
	p, jnl, store := newProjector(t)
	p.SetBlocked(kindOrder, func(rec snapshot.Record) bool {
		held, _ := rec.Attrs["credit_hold"].(bool)
		return held
	})

	seed(t, ctx, jnl, store, "ord-1", []domain.State{"draft", "confirmed"}, map[string]any{"credit_hold": true})
	seed(t, ctx, jnl, store, "ord-2", []domain.State{"draft", "confirmed"}, nil)
	seed(t, ctx, jnl, store, "ord-3", []domain.State{"draft", "cancelled"}, map[string]any{"credit_hold": true})

	blocked, err := p.Blocked(ctx, kindOrder)
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	require.Equal(t, "ord-1", blocked[0].EntityID)
}

func TestCheckDrift(t *testing.T) {
	ctx := context.Background()
	p, jnl, store := newProjector(t)

	seed(t, ctx, jnl, store, "ord-1", []domain.State{"draft", "confirmed"}, nil)

	drifts, err := p.CheckDrift(ctx, kindOrder)
	require.NoError(t, err)
	require.Empty(t, drifts)

	// Corrupt the snapshot behind the journal's back.
	rec, err := store.Load(ctx, "ord-1")
	require.NoError(t, err)
	rec.State = "draft"
	require.NoError(t, store.Save(ctx, rec))

	drifts, err = p.CheckDrift(ctx, kindOrder)
	require.NoError(t, err)
	require.Len(t, drifts, 1)
	require.Equal(t, "ord-1", drifts[0].EntityID)
	require.Equal(t, domain.State("draft"), drifts[0].SnapshotState)
	require.Equal(t, domain.State("confirmed"), drifts[0].JournalState)
}

// An entity journaled before a crash but never materialized must be found
// by the kind sweep and recreated by Repair.
func TestCheckDriftFindsUnmaterializedEntity(t *testing.T) {
	ctx := context.Background()
	p, jnl, store := newProjector(t)

	seed(t, ctx, jnl, store, "ord-1", []domain.State{"draft", "confirmed"}, nil)
	_, err := jnl.Append(ctx, []journal.Entry{
		{EntityID: "ord-2", Kind: kindOrder, To: "draft"},
		{EntityID: "ord-2", Kind: kindOrder, From: "draft", To: "confirmed"},
	})
	require.NoError(t, err)

	drifts, err := p.CheckDrift(ctx, kindOrder)
	require.NoError(t, err)
	require.Len(t, drifts, 1)
	require.Equal(t, "ord-2", drifts[0].EntityID)
	require.True(t, drifts[0].Missing)
	require.Equal(t, domain.State("confirmed"), drifts[0].JournalState)

	require.NoError(t, p.Repair(ctx, "ord-2"))

	rec, err := store.Load(ctx, "ord-2")
	require.NoError(t, err)
	require.Equal(t, kindOrder, rec.Kind)
	require.Equal(t, domain.State("confirmed"), rec.State)
	require.False(t, rec.CreatedAt.IsZero())

	drifts, err = p.CheckDrift(ctx, kindOrder)
	require.NoError(t, err)
	require.Empty(t, drifts)
}

func TestCheckEntityDriftMissingSnapshot(t *testing.T) {
	ctx := context.Background()
	p, jnl, _ := newProjector(t)

	_, err := jnl.Append(ctx, []journal.Entry{
		{EntityID: "ord-1", Kind: kindOrder, To: "draft"},
	})
	require.NoError(t, err)

	drift, err := p.CheckEntityDrift(ctx, "ord-1")
	require.NoError(t, err)
	require.NotNil(t, drift)
	require.True(t, drift.Missing)
	require.Equal(t, domain.State("draft"), drift.JournalState)
}

func TestRepair(t *testing.T) {
	ctx := context.Background()
	p, jnl, store := newProjector(t)

	seed(t, ctx, jnl, store, "ord-1", []domain.State{"draft", "confirmed"}, nil)

	rec, err := store.Load(ctx, "ord-1")
	require.NoError(t, err)
	rec.State = "draft"
	require.NoError(t, store.Save(ctx, rec))

	require.NoError(t, p.Repair(ctx, "ord-1"))

	rec, err = store.Load(ctx, "ord-1")
	require.NoError(t, err)
	require.Equal(t, domain.State("confirmed"), rec.State)

	drift, err := p.CheckEntityDrift(ctx, "ord-1")
	require.NoError(t, err)
	require.Nil(t, drift)
}
