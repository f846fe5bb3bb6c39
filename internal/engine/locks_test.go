package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apperrors "flowgate.io/flowgate/internal/pkg/errors"
)

func slotCount(t *lockTable) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}

func TestLockTablePrunesIdleSlots(t *testing.T) {
	ctx := context.Background()
	lt := newLockTable()

	for i := 0; i < 64; i++ {
		id := fmt.Sprintf("ord-%d", i)
		require.NoError(t, lt.acquire(ctx, id, time.Second))
		lt.release(id)
	}
	require.Zero(t, slotCount(lt), "released locks must not linger in the table")
}

func TestLockTableTimeoutDropsReference(t *testing.T) {
	ctx := context.Background()
	lt := newLockTable()

	require.NoError(t, lt.acquire(ctx, "ord-1", time.Second))
	err := lt.acquire(ctx, "ord-1", 10*time.Millisecond)
	require.True(t, apperrors.HasCode(err, apperrors.CodeBusy))

	lt.release("ord-1")
	require.Zero(t, slotCount(lt))
}

func TestLockTableAcquireAllFailureLeavesNoSlots(t *testing.T) {
	ctx := context.Background()
	lt := newLockTable()

	require.NoError(t, lt.acquire(ctx, "ord-2", time.Second))
	_, err := lt.acquireAll(ctx, []string{"ord-1", "ord-2", "ord-3"}, 10*time.Millisecond)
	require.True(t, apperrors.HasCode(err, apperrors.CodeBusy))

	lt.release("ord-2")
	require.Zero(t, slotCount(lt))
}

func TestLockTableKeepsSlotWhileContended(t *testing.T) {
	ctx := context.Background()
	lt := newLockTable()

	require.NoError(t, lt.acquire(ctx, "ord-1", time.Second))
	acquired := make(chan error, 1)
	go func() {
		acquired <- lt.acquire(ctx, "ord-1", 5*time.Second)
	}()

	// The waiter pins the slot until it gets the lock.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, slotCount(lt))

	lt.release("ord-1")
	require.NoError(t, <-acquired)
	lt.release("ord-1")
	require.Zero(t, slotCount(lt))
}
