package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apperrors "flowgate.io/flowgate/internal/pkg/errors"
)

func TestMemoryStore_LoadSave(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Load(ctx, "missing")
	require.True(t, apperrors.HasCode(err, apperrors.CodeEntityNotFound))

	rec := Record{
		EntityID:  "order-1",
		Kind:      "order",
		State:     "draft",
		Attrs:     map[string]any{"amount_due": 120},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.Save(ctx, rec))

	got, err := s.Load(ctx, "order-1")
	require.NoError(t, err)
	require.Equal(t, rec.State, got.State)

	// Mutating the returned copy must not leak into the store.
	got.Attrs["amount_due"] = 0
	again, err := s.Load(ctx, "order-1")
	require.NoError(t, err)
	require.Equal(t, 120, again.Attrs["amount_due"])
}

func TestMemoryStore_ListByKind(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.SaveAll(ctx, []Record{
		{EntityID: "b", Kind: "task", State: "planned"},
		{EntityID: "a", Kind: "task", State: "active"},
		{EntityID: "x", Kind: "order", State: "draft"},
	}))

	tasks, err := s.ListByKind(ctx, "task")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.Equal(t, "a", tasks[0].EntityID)
	require.Equal(t, "b", tasks[1].EntityID)
}
