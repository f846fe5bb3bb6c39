package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "flowgate.io/flowgate/internal/pkg/errors"
)

// lockTable provides per-entity exclusive locks with bounded acquisition.
// A slot is a one-element channel semaphore; acquisition that cannot
// complete within the timeout surfaces as BUSY instead of blocking the
// caller indefinitely. Slots are reference counted and removed from the
// table once the last holder or waiter is gone, so the table stays sized
// to the entities currently contended rather than every id ever locked.
type lockTable struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{slots: make(map[string]*lockSlot)}
}

func (t *lockTable) retain(id string) *lockSlot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[id]
	if !ok {
		s = &lockSlot{ch: make(chan struct{}, 1)}
		t.slots[id] = s
	}
	s.refs++
	return s
}

func (t *lockTable) unretain(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.slots[id]
	s.refs--
	if s.refs == 0 {
		delete(t.slots, id)
	}
}

// acquire takes the entity's lock or fails with BUSY after timeout.
func (t *lockTable) acquire(ctx context.Context, id string, timeout time.Duration) error {
	s := t.retain(id)

	select {
	case s.ch <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s.ch <- struct{}{}:
		return nil
	case <-timer.C:
		t.unretain(id)
		return apperrors.Busy(id)
	case <-ctx.Done():
		t.unretain(id)
		return ctx.Err()
	}
}

func (t *lockTable) release(id string) {
	t.mu.Lock()
	s := t.slots[id]
	t.mu.Unlock()
	<-s.ch
	t.unretain(id)
}

// acquireAll locks every id in ascending order, the fixed global order
// that keeps overlapping cascades from deadlocking. On failure every lock
// taken so far is released and the original error (BUSY or ctx error) is
// returned.
func (t *lockTable) acquireAll(ctx context.Context, ids []string, timeout time.Duration) (func(), error) {
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)

	var held []string
	for _, id := range sorted {
		if err := t.acquire(ctx, id, timeout); err != nil {
			for i := len(held) - 1; i >= 0; i-- {
				t.release(held[i])
			}
			return nil, err
		}
		held = append(held, id)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			t.release(held[i])
		}
	}, nil
}
